package sidecar

import (
	"github.com/Layr-Labs/dex-sidecar/internal/config"
	"github.com/Layr-Labs/dex-sidecar/internal/metrics"
	"github.com/Layr-Labs/dex-sidecar/pkg/clients/ethereum"
	"github.com/Layr-Labs/dex-sidecar/pkg/contractCaller"
	"github.com/Layr-Labs/dex-sidecar/pkg/contractCaller/multicallContractCaller"
	"github.com/Layr-Labs/dex-sidecar/pkg/contractCaller/sequentialContractCaller"
	"github.com/Layr-Labs/dex-sidecar/pkg/eventBus/eventBusTypes"
	"github.com/Layr-Labs/dex-sidecar/pkg/eventSubscriber/statefulSubscriber"
	"github.com/Layr-Labs/dex-sidecar/pkg/eventSubscriber/types"
	"github.com/Layr-Labs/dex-sidecar/pkg/priceFeed"
	"github.com/Layr-Labs/dex-sidecar/pkg/snapshotStore"
	"github.com/Layr-Labs/dex-sidecar/pkg/venues/perpVault"
	"github.com/Layr-Labs/dex-sidecar/pkg/venues/uniswapV2"
	"github.com/Layr-Labs/dex-sidecar/pkg/venues/venueTypes"
	"github.com/ethereum/go-ethereum/common"
	"go.uber.org/zap"
)

func NewContractCaller(cfg *config.Config, client *ethereum.Client, l *zap.Logger) contractCaller.IContractCaller {
	if cfg.EthereumRpcConfig.UseMulticall {
		return multicallContractCaller.NewMulticallContractCaller(
			client,
			common.HexToAddress(cfg.GetMulticallAddress()),
			cfg.EthereumRpcConfig.ContractCallBatchSize,
			l,
		)
	}
	return sequentialContractCaller.NewSequentialContractCaller(client, 0, l)
}

func NewSubscriberOptions(cfg *config.Config, ms *metrics.MetricsSink, eb eventBusTypes.IEventBus) *statefulSubscriber.Options {
	opts := statefulSubscriber.DefaultOptions()
	opts.Role = types.ParseRole(cfg.Role)
	opts.RegenerationRetries = cfg.SubscriberConfig.RegenerationRetries
	opts.Retention = snapshotStore.RetentionPolicy{
		MaxSnapshots: cfg.SubscriberConfig.MaxSnapshots,
		MaxBlockAge:  cfg.SubscriberConfig.MaxBlockAge,
	}
	if opts.Retention.MaxSnapshots == 0 && opts.Retention.MaxBlockAge == 0 {
		opts.Retention = snapshotStore.DefaultRetentionPolicy()
	}
	opts.Metrics = ms
	opts.EventBus = eb
	return opts
}

// NewPriceFeed returns nil when no price feed url is configured.
func NewPriceFeed(cfg *config.Config, ms *metrics.MetricsSink, l *zap.Logger) *priceFeed.PriceFeed {
	if cfg.PriceFeedConfig.Url == "" {
		return nil
	}
	pfc := priceFeed.ConvertGlobalConfigToPriceFeedConfig(&cfg.PriceFeedConfig)
	cache := priceFeed.NewInMemoryPriceCache(pfc.MaxAge)
	return priceFeed.NewPriceFeed(pfc, types.ParseRole(cfg.Role), cache, ms, l)
}

// BuildVenues creates every enabled venue. pf may be nil.
func BuildVenues(
	cfg *config.Config,
	caller contractCaller.IContractCaller,
	pf *priceFeed.PriceFeed,
	ms *metrics.MetricsSink,
	eb eventBusTypes.IEventBus,
	l *zap.Logger,
) ([]venueTypes.IVenue, error) {
	venues := make([]venueTypes.IVenue, 0)

	if cfg.UniswapV2Config.Enabled {
		v := uniswapV2.NewVenue(
			uniswapV2.ConvertGlobalConfigToUniswapV2Config(&cfg.UniswapV2Config),
			caller,
			NewSubscriberOptions(cfg, ms, eb),
			l,
		)
		venues = append(venues, v)
	}

	if cfg.PerpVaultConfig.Enabled {
		var priceSource perpVault.PriceSource
		if pf != nil {
			priceSource = pf
		}
		v, err := perpVault.NewVenue(
			perpVault.ConvertGlobalConfigToPerpVaultConfig(&cfg.PerpVaultConfig),
			caller,
			priceSource,
			NewSubscriberOptions(cfg, ms, eb),
			l,
		)
		if err != nil {
			return nil, err
		}
		venues = append(venues, v)
	}

	l.Sugar().Infow("Built venues", zap.Int("count", len(venues)))
	return venues, nil
}

// FindVenue returns the venue named name.
func FindVenue(venues []venueTypes.IVenue, name string) (venueTypes.IVenue, bool) {
	for _, v := range venues {
		if v.GetName() == name {
			return v, true
		}
	}
	return nil, false
}
