package eventBusTypes

import (
	"context"
	"slices"
	"sync"

	"github.com/Layr-Labs/dex-sidecar/pkg/eventSubscriber/types"
	"github.com/google/uuid"
)

const (
	Event_BlockProcessed   = "block_processed"
	Event_SubscriberResync = "subscriber_resync"
	Event_StateUpdated     = "state_updated"
)

type Event struct {
	Name string
	Data any
}

type ConsumerId string

func NewConsumerId() ConsumerId {
	return ConsumerId(uuid.New().String())
}

type Consumer struct {
	Id      ConsumerId
	Context context.Context
	Channel chan *Event
}

// NewConsumer creates a consumer with a random id and a buffered channel.
func NewConsumer(ctx context.Context, bufferSize int) *Consumer {
	return &Consumer{
		Id:      NewConsumerId(),
		Context: ctx,
		Channel: make(chan *Event, bufferSize),
	}
}

type ConsumerList struct {
	mu        sync.Mutex
	consumers []*Consumer
}

func NewConsumerList() *ConsumerList {
	return &ConsumerList{
		consumers: make([]*Consumer, 0),
	}
}

func (cl *ConsumerList) Add(consumer *Consumer) {
	cl.mu.Lock()
	defer cl.mu.Unlock()
	cl.consumers = append(cl.consumers, consumer)
}

func (cl *ConsumerList) Remove(consumer *Consumer) {
	cl.mu.Lock()
	defer cl.mu.Unlock()
	cl.consumers = slices.DeleteFunc(cl.consumers, func(c *Consumer) bool {
		return c.Id == consumer.Id
	})
}

// GetAll returns a copy of the current consumers.
func (cl *ConsumerList) GetAll() []*Consumer {
	cl.mu.Lock()
	defer cl.mu.Unlock()
	return slices.Clone(cl.consumers)
}

type IEventBus interface {
	Subscribe(consumer *Consumer)
	Unsubscribe(consumer *Consumer)
	Publish(event *Event)
}

type BlockProcessedData struct {
	Header      *types.BlockHeader
	LogCount    int
	Subscribers []string
}

type SubscriberResyncData struct {
	Subscriber  string
	BlockNumber uint64
	Reason      string
}

type StateUpdatedData struct {
	Subscriber  string
	BlockNumber uint64
}
