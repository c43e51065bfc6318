package priceFeed

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net/http"
	"time"

	"github.com/Layr-Labs/dex-sidecar/internal/config"
	"github.com/Layr-Labs/dex-sidecar/internal/metrics"
	"github.com/Layr-Labs/dex-sidecar/internal/metrics/metricsTypes"
	"github.com/Layr-Labs/dex-sidecar/pkg/eventSubscriber/types"
	"github.com/cenkalti/backoff/v5"
	"github.com/ethereum/go-ethereum/common"
	json "github.com/goccy/go-json"
	"github.com/shopspring/decimal"
	"go.uber.org/zap"
	"golang.org/x/time/rate"
)

const (
	DefaultPollInterval      = 15 * time.Second
	DefaultMaxAge            = time.Minute
	DefaultRequestsPerSecond = 1.0
	DefaultMaxRetries        = 3
	defaultRetryInterval     = 500 * time.Millisecond
)

var ErrReplicaRefresh = errors.New("price feed replicas do not refresh")

type PriceFeedConfig struct {
	Url               string
	PollInterval      time.Duration
	MaxAge            time.Duration
	RequestsPerSecond float64
	MaxRetries        uint
	RetryInterval     time.Duration
}

func DefaultPriceFeedConfig() *PriceFeedConfig {
	return &PriceFeedConfig{
		PollInterval:      DefaultPollInterval,
		MaxAge:            DefaultMaxAge,
		RequestsPerSecond: DefaultRequestsPerSecond,
		MaxRetries:        DefaultMaxRetries,
		RetryInterval:     defaultRetryInterval,
	}
}

func ConvertGlobalConfigToPriceFeedConfig(cfg *config.PriceFeedConfig) *PriceFeedConfig {
	pc := DefaultPriceFeedConfig()
	pc.Url = cfg.Url
	if cfg.PollInterval > 0 {
		pc.PollInterval = cfg.PollInterval
	}
	if cfg.MaxAge > 0 {
		pc.MaxAge = cfg.MaxAge
	}
	if cfg.RequestsPerSecond > 0 {
		pc.RequestsPerSecond = cfg.RequestsPerSecond
	}
	return pc
}

// PriceFeed serves off-chain token prices from a PriceCache. Only a primary
// polls the endpoint; a replica reads whatever the cache holds.
type PriceFeed struct {
	config     *PriceFeedConfig
	role       types.Role
	cache      PriceCache
	httpClient *http.Client
	limiter    *rate.Limiter
	metrics    *metrics.MetricsSink
	logger     *zap.Logger
}

func NewPriceFeed(cfg *PriceFeedConfig, role types.Role, cache PriceCache, ms *metrics.MetricsSink, l *zap.Logger) *PriceFeed {
	rps := cfg.RequestsPerSecond
	if rps <= 0 {
		rps = DefaultRequestsPerSecond
	}
	return &PriceFeed{
		config:     cfg,
		role:       role,
		cache:      cache,
		httpClient: &http.Client{Timeout: 10 * time.Second},
		limiter:    rate.NewLimiter(rate.Limit(rps), 1),
		metrics:    ms,
		logger:     l,
	}
}

func (pf *PriceFeed) SetHttpClient(client *http.Client) {
	pf.httpClient = client
}

func (pf *PriceFeed) Role() types.Role {
	return pf.role
}

// GetPrice returns the cached price of token if it is fresh enough.
func (pf *PriceFeed) GetPrice(token common.Address) (decimal.Decimal, bool) {
	p, ok := pf.cache.Get(token)
	if !ok {
		return decimal.Zero, false
	}
	return p.Value, true
}

// Fetch reads every price from the endpoint once. Entries with an invalid
// token address or a non-positive price are skipped.
func (pf *PriceFeed) Fetch(ctx context.Context) (map[common.Address]decimal.Decimal, error) {
	if err := pf.limiter.Wait(ctx); err != nil {
		return nil, err
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, pf.config.Url, nil)
	if err != nil {
		return nil, backoff.Permanent(err)
	}
	req.Header.Set("Accept", "application/json")

	resp, err := pf.httpClient.Do(req)
	if err != nil {
		return nil, err
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, err
	}
	if resp.StatusCode >= 500 || resp.StatusCode == http.StatusTooManyRequests {
		return nil, fmt.Errorf("price feed returned status %d", resp.StatusCode)
	}
	if resp.StatusCode != http.StatusOK {
		return nil, backoff.Permanent(fmt.Errorf("price feed returned status %d", resp.StatusCode))
	}

	raw := make(map[string]decimal.Decimal)
	if err := json.Unmarshal(body, &raw); err != nil {
		return nil, backoff.Permanent(fmt.Errorf("failed to decode prices: %w", err))
	}

	prices := make(map[common.Address]decimal.Decimal, len(raw))
	for token, price := range raw {
		if !common.IsHexAddress(token) || !price.IsPositive() {
			pf.logger.Sugar().Warnw("Skipping invalid price entry",
				zap.String("token", token),
				zap.String("price", price.String()),
			)
			continue
		}
		prices[common.HexToAddress(token)] = price
	}
	return prices, nil
}

// Refresh fetches prices with retries and replaces the cache contents.
func (pf *PriceFeed) Refresh(ctx context.Context) error {
	if !pf.role.IsPrimary() {
		return ErrReplicaRefresh
	}

	bo := backoff.NewExponentialBackOff()
	bo.InitialInterval = pf.config.RetryInterval
	if bo.InitialInterval == 0 {
		bo.InitialInterval = defaultRetryInterval
	}

	attempt := 0
	prices, err := backoff.Retry(ctx, func() (map[common.Address]decimal.Decimal, error) {
		attempt++
		p, err := pf.Fetch(ctx)
		if err != nil {
			pf.logger.Sugar().Warnw("Failed to fetch prices",
				zap.String("url", pf.config.Url),
				zap.Int("attempt", attempt),
				zap.Error(err),
			)
		}
		return p, err
	}, backoff.WithBackOff(bo), backoff.WithMaxTries(pf.config.MaxRetries+1))
	if err != nil {
		_ = pf.metrics.Incr(metricsTypes.Metric_Incr_PriceFeedRefreshError, nil, 1)
		return err
	}

	pf.cache.SetAll(prices, time.Now())
	_ = pf.metrics.Incr(metricsTypes.Metric_Incr_PriceFeedRefresh, nil, 1)
	pf.logger.Sugar().Debugw("Refreshed prices", zap.Int("count", len(prices)))
	return nil
}

// Run refreshes prices every PollInterval until ctx is done. Replicas return
// immediately.
func (pf *PriceFeed) Run(ctx context.Context) error {
	if !pf.role.IsPrimary() {
		pf.logger.Sugar().Infow("Price feed running as replica, not refreshing", zap.String("role", pf.role.String()))
		return nil
	}

	interval := pf.config.PollInterval
	if interval <= 0 {
		interval = DefaultPollInterval
	}
	pf.logger.Sugar().Infow("Starting price feed",
		zap.String("url", pf.config.Url),
		zap.Duration("pollInterval", interval),
	)

	if err := pf.Refresh(ctx); err != nil && ctx.Err() == nil {
		pf.logger.Sugar().Errorw("Failed to refresh prices", zap.Error(err))
	}

	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return nil
		case <-ticker.C:
			if err := pf.Refresh(ctx); err != nil && ctx.Err() == nil {
				pf.logger.Sugar().Errorw("Failed to refresh prices", zap.Error(err))
			}
		}
	}
}
