package perpVault

import (
	"context"
	"errors"
	"fmt"

	"github.com/Layr-Labs/dex-sidecar/internal/config"
	"github.com/Layr-Labs/dex-sidecar/pkg/contractCaller"
	"github.com/Layr-Labs/dex-sidecar/pkg/eventSubscriber/composedSubscriber"
	"github.com/Layr-Labs/dex-sidecar/pkg/eventSubscriber/statefulSubscriber"
	"github.com/Layr-Labs/dex-sidecar/pkg/venues/venueTypes"
	"github.com/ethereum/go-ethereum/common"
	"github.com/holiman/uint256"
	"github.com/shopspring/decimal"
	"go.uber.org/zap"
)

const (
	DefaultName         = "perp-vault"
	DefaultMaxSpreadBps = 100
)

var ErrInvalidPrice = errors.New("no valid price for token")

// PriceSource supplies off-chain prices that may tighten the oracle price.
type PriceSource interface {
	GetPrice(token common.Address) (decimal.Decimal, bool)
}

type PerpVaultConfig struct {
	Name  string
	Vault common.Address
	// Tokens and Aggregators are aligned: Aggregators[i] prices Tokens[i].
	Tokens       []common.Address
	Aggregators  []common.Address
	MaxSpreadBps uint64
}

func ConvertGlobalConfigToPerpVaultConfig(cfg *config.PerpVaultConfig) *PerpVaultConfig {
	pc := &PerpVaultConfig{
		Name:         DefaultName,
		Vault:        common.HexToAddress(cfg.Address),
		Tokens:       make([]common.Address, 0, len(cfg.Tokens)),
		Aggregators:  make([]common.Address, 0, len(cfg.Aggregators)),
		MaxSpreadBps: cfg.MaxSpreadBps,
	}
	for _, t := range cfg.Tokens {
		pc.Tokens = append(pc.Tokens, common.HexToAddress(t))
	}
	for _, a := range cfg.Aggregators {
		pc.Aggregators = append(pc.Aggregators, common.HexToAddress(a))
	}
	if pc.MaxSpreadBps == 0 {
		pc.MaxSpreadBps = DefaultMaxSpreadBps
	}
	return pc
}

// Venue tracks a perpetuals vault and the oracles pricing its tokens as one
// composed state.
type Venue struct {
	*composedSubscriber.ComposedEventSubscriber[VaultState]
	config      *PerpVaultConfig
	vault       *vaultHandler
	oracle      *oracleHandler
	blank       VaultState
	priceSource PriceSource
	logger      *zap.Logger
}

func NewVenue(cfg *PerpVaultConfig, caller contractCaller.IContractCaller, priceSource PriceSource, opts *statefulSubscriber.Options, l *zap.Logger) (*Venue, error) {
	if len(cfg.Tokens) != len(cfg.Aggregators) {
		return nil, fmt.Errorf("got %d tokens and %d aggregators", len(cfg.Tokens), len(cfg.Aggregators))
	}
	if cfg.Name == "" {
		cfg.Name = DefaultName
	}

	feeds := make(map[common.Address]common.Address, len(cfg.Aggregators))
	for i, a := range cfg.Aggregators {
		feeds[a] = cfg.Tokens[i]
	}
	vh := &vaultHandler{vault: cfg.Vault, tokens: cfg.Tokens, caller: caller}
	oh := &oracleHandler{feeds: feeds, caller: caller, logger: l}

	blank := VaultState{
		Vault:  NewPoolAmounts(cfg.Tokens...),
		Oracle: NewOraclePrices(),
	}
	partials := []composedSubscriber.PartialEventSubscriber[VaultState]{
		composedSubscriber.NewPartialEventSubscriber[VaultState, PoolAmounts, *VaultEvent](VaultLens, vh),
		composedSubscriber.NewPartialEventSubscriber[VaultState, OraclePrices, *AnswerUpdatedEvent](OracleLens, oh),
	}

	return &Venue{
		ComposedEventSubscriber: composedSubscriber.NewComposedEventSubscriber(cfg.Name, blank, partials, opts, l),
		config:                  cfg,
		vault:                   vh,
		oracle:                  oh,
		blank:                   blank,
		priceSource:             priceSource,
		logger:                  l,
	}, nil
}

func (v *Venue) snapshot(blockNumber uint64, state VaultState) (*venueTypes.Snapshot, error) {
	return venueTypes.NewSnapshot(v.GetName(), v.Status(), blockNumber, state, func(s VaultState) any {
		return s.Rows()
	})
}

func (v *Venue) GetSnapshot(blockNumber uint64) (*venueTypes.Snapshot, error) {
	state, at, err := venueTypes.Lookup[VaultState](v.StatefulEventSubscriber, blockNumber)
	if err != nil {
		return nil, err
	}
	return v.snapshot(at, state)
}

func (v *Venue) RegenerateSnapshot(ctx context.Context, blockNumber uint64) (*venueTypes.Snapshot, error) {
	vault, err := v.vault.GenerateStateFragment(ctx, blockNumber)
	if err != nil {
		return nil, err
	}
	oracle, err := v.oracle.GenerateStateFragment(ctx, blockNumber)
	if err != nil {
		return nil, err
	}
	state := OracleLens.Set(oracle, VaultLens.Set(vault, v.blank))
	return v.snapshot(blockNumber, state)
}

func (v *Venue) ExportRows(blockNumber uint64) (any, uint64, error) {
	state, at, err := venueTypes.Lookup[VaultState](v.StatefulEventSubscriber, blockNumber)
	if err != nil {
		return nil, 0, err
	}
	return state.Rows(), at, nil
}

// GetMaxPrice prices token from the oracle answer at or before blockNumber
// (0 = latest). An off-chain price within MaxSpreadBps of the oracle price
// raises it when higher; one outside the spread is ignored.
func (v *Venue) GetMaxPrice(blockNumber uint64, token common.Address) (decimal.Decimal, error) {
	state, _, err := venueTypes.Lookup[VaultState](v.StatefulEventSubscriber, blockNumber)
	if err != nil {
		return decimal.Zero, err
	}
	answer, ok := state.Oracle.GetByToken(token)
	if !ok || answer.Answer.Sign() <= 0 {
		return decimal.Zero, fmt.Errorf("%w: %s", ErrInvalidPrice, token.Hex())
	}
	price := decimal.NewFromBigInt(answer.Answer, -OracleDecimals)

	if v.priceSource == nil {
		return price, nil
	}
	offChain, ok := v.priceSource.GetPrice(token)
	if !ok || !offChain.IsPositive() {
		return price, nil
	}
	spreadBps := offChain.Sub(price).Abs().Div(price).Mul(decimal.NewFromInt(10_000))
	if spreadBps.GreaterThan(decimal.NewFromUint64(v.config.MaxSpreadBps)) {
		v.logger.Sugar().Debugw("Ignoring off-chain price outside of spread",
			zap.String("token", token.Hex()),
			zap.String("oraclePrice", price.String()),
			zap.String("offChainPrice", offChain.String()),
		)
		return price, nil
	}
	return decimal.Max(price, offChain), nil
}

// GetAvailableLiquidity is the pool amount of token not reserved for open
// positions.
func (v *Venue) GetAvailableLiquidity(blockNumber uint64, token common.Address) (*uint256.Int, error) {
	state, _, err := venueTypes.Lookup[VaultState](v.StatefulEventSubscriber, blockNumber)
	if err != nil {
		return nil, err
	}
	amounts, ok := state.Vault.Get(token)
	if !ok {
		return nil, fmt.Errorf("%w: %s", ErrTokenNotTracked, token.Hex())
	}
	if amounts.ReservedAmount.Gt(amounts.PoolAmount) {
		return uint256.NewInt(0), nil
	}
	return new(uint256.Int).Sub(amounts.PoolAmount, amounts.ReservedAmount), nil
}
