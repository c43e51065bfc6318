package perpVault

import (
	"context"
	"fmt"
	"math/big"

	"github.com/Layr-Labs/dex-sidecar/pkg/contractCaller"
	"github.com/Layr-Labs/dex-sidecar/pkg/eventSubscriber/types"
	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/common/math"
	ethTypes "github.com/ethereum/go-ethereum/core/types"
	"github.com/pkg/errors"
	"go.uber.org/zap"
)

const (
	OracleFragmentName = "oracle"
	// OracleDecimals is the precision of USD denominated aggregator answers.
	OracleDecimals = 8
)

var ErrAggregatorNotTracked = errors.New("aggregator is not tracked")

type AnswerUpdatedEvent struct {
	Aggregator common.Address
	Current    *big.Int
	RoundId    *big.Int
	UpdatedAt  uint64
}

func (*AnswerUpdatedEvent) EventName() string { return "AnswerUpdated" }

// oracleHandler tracks the latest answer of one aggregator per token.
type oracleHandler struct {
	// aggregator address => token it prices
	feeds  map[common.Address]common.Address
	caller contractCaller.IContractCaller
	logger *zap.Logger
}

func (h *oracleHandler) GetName() string {
	return OracleFragmentName
}

func (h *oracleHandler) GetAddresses() []common.Address {
	return sortedAddresses(h.feeds)
}

func (h *oracleHandler) Decode(log ethTypes.Log) (*AnswerUpdatedEvent, error) {
	if len(log.Topics) == 0 || log.Topics[0] != AnswerUpdatedEventId {
		return nil, types.ErrLogNotRecognized
	}
	if len(log.Topics) != 3 {
		return nil, fmt.Errorf("expected 3 topics for AnswerUpdated, got %d", len(log.Topics))
	}
	values, err := AggregatorAbi.Events["AnswerUpdated"].Inputs.NonIndexed().Unpack(log.Data)
	if err != nil {
		return nil, errors.Wrap(err, "failed to unpack AnswerUpdated")
	}
	updatedAt, ok := values[0].(*big.Int)
	if !ok || !updatedAt.IsUint64() {
		return nil, fmt.Errorf("invalid updatedAt %v", values[0])
	}
	return &AnswerUpdatedEvent{
		Aggregator: log.Address,
		Current:    math.S256(new(big.Int).SetBytes(log.Topics[1].Bytes())),
		RoundId:    new(big.Int).SetBytes(log.Topics[2].Bytes()),
		UpdatedAt:  updatedAt.Uint64(),
	}, nil
}

// ApplyLog keeps the newest round; answers for older rounds are ignored.
func (h *oracleHandler) ApplyLog(event *AnswerUpdatedEvent, state OraclePrices, log ethTypes.Log, header *types.BlockHeader) (OraclePrices, error) {
	token, ok := h.feeds[event.Aggregator]
	if !ok {
		return state, fmt.Errorf("%w: %s", ErrAggregatorNotTracked, event.Aggregator.Hex())
	}
	if current, ok := state.Get(event.Aggregator); ok && current.RoundId.Cmp(event.RoundId) >= 0 {
		return state, nil
	}
	return state.With(&OracleAnswer{
		Aggregator: event.Aggregator,
		Token:      token,
		Answer:     event.Current,
		RoundId:    event.RoundId,
		UpdatedAt:  event.UpdatedAt,
		ObservedAt: header.Timestamp,
	}), nil
}

// GenerateStateFragment reads every aggregator at blockNumber. Aggregators
// without an answer at that block are left out.
func (h *oracleHandler) GenerateStateFragment(ctx context.Context, blockNumber uint64) (OraclePrices, error) {
	aggregators := sortedAddresses(h.feeds)
	calls := make([]*contractCaller.Call, 0, len(aggregators)*3)
	for _, a := range aggregators {
		calls = append(calls,
			contractCaller.MustDescribe(a, &AggregatorAbi, "latestAnswer"),
			contractCaller.MustDescribe(a, &AggregatorAbi, "latestRound"),
			contractCaller.MustDescribe(a, &AggregatorAbi, "latestTimestamp"),
		)
	}
	results, err := h.caller.Aggregate(ctx, calls, blockNumber)
	if err != nil {
		return OraclePrices{}, errors.Wrapf(err, "failed to read aggregators at block %d", blockNumber)
	}

	state := NewOraclePrices()
	for i, a := range aggregators {
		answer, err := h.answerFromResults(a, results[i*3:i*3+3])
		if err != nil {
			h.logger.Sugar().Debugw("Skipping aggregator without an answer at block",
				zap.String("aggregator", a.Hex()),
				zap.Uint64("blockNumber", blockNumber),
				zap.Error(err),
			)
			continue
		}
		state.Feeds[a] = answer
	}
	return state, nil
}

func (h *oracleHandler) answerFromResults(aggregator common.Address, results []*contractCaller.Result) (*OracleAnswer, error) {
	answer, err := contractCaller.Unpack[*big.Int](results[0])
	if err != nil {
		return nil, err
	}
	round, err := contractCaller.Unpack[*big.Int](results[1])
	if err != nil {
		return nil, err
	}
	updatedAt, err := contractCaller.Unpack[*big.Int](results[2])
	if err != nil {
		return nil, err
	}
	if !updatedAt.IsUint64() {
		return nil, fmt.Errorf("invalid latestTimestamp %s", updatedAt.String())
	}
	return &OracleAnswer{
		Aggregator: aggregator,
		Token:      h.feeds[aggregator],
		Answer:     answer,
		RoundId:    round,
		UpdatedAt:  updatedAt.Uint64(),
		ObservedAt: updatedAt.Uint64(),
	}, nil
}
