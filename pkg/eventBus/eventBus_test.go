package eventBus

import (
	"context"
	"os"
	"sync"
	"sync/atomic"
	"testing"

	"github.com/Layr-Labs/dex-sidecar/internal/config"
	"github.com/Layr-Labs/dex-sidecar/internal/logger"
	"github.com/Layr-Labs/dex-sidecar/pkg/eventBus/eventBusTypes"
	"github.com/stretchr/testify/assert"
)

func Test_EventBus(t *testing.T) {
	debug := os.Getenv(config.Debug) == "true"
	l, _ := logger.NewLogger(&logger.LoggerConfig{Debug: debug})

	t.Run("Should deliver events until the consumer unsubscribes", func(t *testing.T) {
		eb := NewEventBus(l)

		consumer := eventBusTypes.NewConsumer(context.Background(), 1000)
		assert.NotEmpty(t, consumer.Id)

		receivedCount := atomic.Uint64{}
		wg := sync.WaitGroup{}
		wg.Add(1)
		go func() {
			defer wg.Done()
			for event := range consumer.Channel {
				assert.Equal(t, eventBusTypes.Event_StateUpdated, event.Name)
				if receivedCount.Add(1) == 3 {
					eb.Unsubscribe(consumer)
					return
				}
			}
		}()
		eb.Subscribe(consumer)

		for i := 0; i < 3; i++ {
			eb.Publish(&eventBusTypes.Event{
				Name: eventBusTypes.Event_StateUpdated,
				Data: &eventBusTypes.StateUpdatedData{Subscriber: "test", BlockNumber: uint64(i)},
			})
		}
		wg.Wait()

		for i := 0; i < 5; i++ {
			eb.Publish(&eventBusTypes.Event{Name: eventBusTypes.Event_StateUpdated})
		}
		assert.Equal(t, uint64(3), receivedCount.Load())
		assert.Len(t, consumer.Channel, 0)
	})
	t.Run("Should not block on a full consumer", func(t *testing.T) {
		eb := NewEventBus(l)
		consumer := eventBusTypes.NewConsumer(context.Background(), 1)
		eb.Subscribe(consumer)

		for i := 0; i < 10; i++ {
			eb.Publish(&eventBusTypes.Event{Name: eventBusTypes.Event_BlockProcessed})
		}
		assert.Len(t, consumer.Channel, 1)
	})
	t.Run("Should skip consumers whose context is done", func(t *testing.T) {
		eb := NewEventBus(l)
		ctx, cancel := context.WithCancel(context.Background())
		consumer := eventBusTypes.NewConsumer(ctx, 10)
		eb.Subscribe(consumer)
		cancel()

		eb.Publish(&eventBusTypes.Event{Name: eventBusTypes.Event_SubscriberResync})
		assert.Len(t, consumer.Channel, 0)
	})
	t.Run("Should allow publishing on a nil bus", func(t *testing.T) {
		var eb *EventBus
		eb.Publish(&eventBusTypes.Event{Name: eventBusTypes.Event_BlockProcessed})
	})
}
