package config

import (
	"errors"
	"fmt"
	"regexp"
	"strings"
	"time"

	"github.com/spf13/viper"
)

const ENV_PREFIX = "DEX_SIDECAR"

type Chain string

const (
	Chain_Mainnet  Chain = "mainnet"
	Chain_Arbitrum Chain = "arbitrum"
	Chain_Base     Chain = "base"
	Chain_Sepolia  Chain = "sepolia"
)

// Config keys, in their kebab-case flag form. Viper keys are the snake case
// version of these (see KebabToSnakeCase).
const (
	Debug = "debug"
	Role  = "role"

	EthereumRpcUrl              = "ethereum.rpc-url"
	EthereumWsUrl               = "ethereum.ws-url"
	EthereumMulticallAddress    = "ethereum.multicall-address"
	EthereumContractCallBatch   = "ethereum.contract-call-batch-size"
	EthereumUseMulticall        = "ethereum.use-multicall"
	EthereumRequestTimeout      = "ethereum.request-timeout"
	EthereumLogRangeSize        = "ethereum.log-range-size"
	SubscriberMaxSnapshots      = "subscriber.max-snapshots"
	SubscriberMaxBlockAge       = "subscriber.max-block-age"
	SubscriberRegenerateRetries = "subscriber.regeneration-retries"
	SubscriberQueueSize         = "subscriber.queue-size"
	BlockManagerStartBlock      = "block-manager.start-block"
	BlockManagerPollInterval    = "block-manager.poll-interval"
	PriceFeedUrl                = "price-feed.url"
	PriceFeedPollInterval       = "price-feed.poll-interval"
	PriceFeedMaxAge             = "price-feed.max-age"
	PriceFeedRequestsPerSecond  = "price-feed.requests-per-second"
	RpcHttpPort                 = "rpc.http-port"
	RpcCorsOrigins              = "rpc.cors-origins"
	PrometheusEnabled           = "prometheus.enabled"
	DataDogStatsdEnabled        = "datadog.statsd.enabled"
	DataDogStatsdUrl            = "datadog.statsd.url"
	DataDogStatsdSampleRate     = "datadog.statsd.sample-rate"
	UniswapV2Enabled            = "venues.uniswap-v2.enabled"
	UniswapV2Factory            = "venues.uniswap-v2.factory"
	UniswapV2Pools              = "venues.uniswap-v2.pools"
	UniswapV2FeeBps             = "venues.uniswap-v2.fee-bps"
	PerpVaultEnabled            = "venues.perp-vault.enabled"
	PerpVaultAddress            = "venues.perp-vault.address"
	PerpVaultTokens             = "venues.perp-vault.tokens"
	PerpVaultAggregators        = "venues.perp-vault.aggregators"
	PerpVaultMaxSpreadBps       = "venues.perp-vault.max-spread-bps"

	SnapshotOutputFile = "output-file"
	VenueName          = "venue"
	FromBlock          = "from-block"
	ToBlock            = "to-block"
	BlockNumber        = "block"
)

type Config struct {
	Debug              bool
	Chain              Chain
	Role               string
	EthereumRpcConfig  EthereumRpcConfig
	SubscriberConfig   SubscriberConfig
	BlockManagerConfig BlockManagerConfig
	PriceFeedConfig    PriceFeedConfig
	RpcConfig          RpcConfig
	PrometheusConfig   PrometheusConfig
	DataDogConfig      DataDogConfig
	UniswapV2Config    UniswapV2Config
	PerpVaultConfig    PerpVaultConfig
}

type EthereumRpcConfig struct {
	RpcUrl                string
	WsUrl                 string
	MulticallAddress      string
	ContractCallBatchSize int
	UseMulticall          bool
	RequestTimeout        time.Duration
	LogRangeSize          uint64
}

type SubscriberConfig struct {
	MaxSnapshots        int
	MaxBlockAge         uint64
	RegenerationRetries uint
	QueueSize           int
}

type BlockManagerConfig struct {
	StartBlock   uint64
	PollInterval time.Duration
}

type PriceFeedConfig struct {
	Url               string
	PollInterval      time.Duration
	MaxAge            time.Duration
	RequestsPerSecond float64
}

type RpcConfig struct {
	HttpPort    int
	CorsOrigins []string
}

type PrometheusConfig struct {
	Enabled bool
}

type DataDogConfig struct {
	StatsdConfig StatsdConfig
}

type StatsdConfig struct {
	Enabled    bool
	Url        string
	SampleRate float64
}

type UniswapV2Config struct {
	Enabled bool
	Factory string
	Pools   []string
	FeeBps  uint64
}

type PerpVaultConfig struct {
	Enabled      bool
	Address      string
	Tokens       []string
	Aggregators  []string
	MaxSpreadBps uint64
}

func KebabToSnakeCase(str string) string {
	return strings.ReplaceAll(str, "-", "_")
}

func normalizeFlagName(name string) string {
	return KebabToSnakeCase(name)
}

func NewConfig() *Config {
	return &Config{
		Debug: viper.GetBool(normalizeFlagName(Debug)),
		Chain: Chain(viper.GetString(normalizeFlagName("chain"))),
		Role:  viper.GetString(normalizeFlagName(Role)),

		EthereumRpcConfig: EthereumRpcConfig{
			RpcUrl:                viper.GetString(normalizeFlagName(EthereumRpcUrl)),
			WsUrl:                 viper.GetString(normalizeFlagName(EthereumWsUrl)),
			MulticallAddress:      viper.GetString(normalizeFlagName(EthereumMulticallAddress)),
			ContractCallBatchSize: viper.GetInt(normalizeFlagName(EthereumContractCallBatch)),
			UseMulticall:          viper.GetBool(normalizeFlagName(EthereumUseMulticall)),
			RequestTimeout:        viper.GetDuration(normalizeFlagName(EthereumRequestTimeout)),
			LogRangeSize:          viper.GetUint64(normalizeFlagName(EthereumLogRangeSize)),
		},

		SubscriberConfig: SubscriberConfig{
			MaxSnapshots:        viper.GetInt(normalizeFlagName(SubscriberMaxSnapshots)),
			MaxBlockAge:         viper.GetUint64(normalizeFlagName(SubscriberMaxBlockAge)),
			RegenerationRetries: viper.GetUint(normalizeFlagName(SubscriberRegenerateRetries)),
			QueueSize:           viper.GetInt(normalizeFlagName(SubscriberQueueSize)),
		},

		BlockManagerConfig: BlockManagerConfig{
			StartBlock:   viper.GetUint64(normalizeFlagName(BlockManagerStartBlock)),
			PollInterval: viper.GetDuration(normalizeFlagName(BlockManagerPollInterval)),
		},

		PriceFeedConfig: PriceFeedConfig{
			Url:               viper.GetString(normalizeFlagName(PriceFeedUrl)),
			PollInterval:      viper.GetDuration(normalizeFlagName(PriceFeedPollInterval)),
			MaxAge:            viper.GetDuration(normalizeFlagName(PriceFeedMaxAge)),
			RequestsPerSecond: viper.GetFloat64(normalizeFlagName(PriceFeedRequestsPerSecond)),
		},

		RpcConfig: RpcConfig{
			HttpPort:    viper.GetInt(normalizeFlagName(RpcHttpPort)),
			CorsOrigins: parseListEnvVar(viper.GetString(normalizeFlagName(RpcCorsOrigins))),
		},

		PrometheusConfig: PrometheusConfig{
			Enabled: viper.GetBool(normalizeFlagName(PrometheusEnabled)),
		},

		DataDogConfig: DataDogConfig{
			StatsdConfig: StatsdConfig{
				Enabled:    viper.GetBool(normalizeFlagName(DataDogStatsdEnabled)),
				Url:        viper.GetString(normalizeFlagName(DataDogStatsdUrl)),
				SampleRate: viper.GetFloat64(normalizeFlagName(DataDogStatsdSampleRate)),
			},
		},

		UniswapV2Config: UniswapV2Config{
			Enabled: viper.GetBool(normalizeFlagName(UniswapV2Enabled)),
			Factory: viper.GetString(normalizeFlagName(UniswapV2Factory)),
			Pools:   parseListEnvVar(viper.GetString(normalizeFlagName(UniswapV2Pools))),
			FeeBps:  viper.GetUint64(normalizeFlagName(UniswapV2FeeBps)),
		},

		PerpVaultConfig: PerpVaultConfig{
			Enabled:      viper.GetBool(normalizeFlagName(PerpVaultEnabled)),
			Address:      viper.GetString(normalizeFlagName(PerpVaultAddress)),
			Tokens:       parseListEnvVar(viper.GetString(normalizeFlagName(PerpVaultTokens))),
			Aggregators:  parseListEnvVar(viper.GetString(normalizeFlagName(PerpVaultAggregators))),
			MaxSpreadBps: viper.GetUint64(normalizeFlagName(PerpVaultMaxSpreadBps)),
		},
	}
}

func parseListEnvVar(envVar string) []string {
	if envVar == "" {
		return []string{}
	}
	// split on commas
	stringList := strings.Split(envVar, ",")

	l := make([]string, 0)
	for _, s := range stringList {
		s = strings.TrimSpace(s)
		if s != "" {
			l = append(l, s)
		}
	}
	return l
}

var addressRegex = regexp.MustCompile(`^0x[0-9a-fA-F]{40}$`)

func IsAddress(s string) bool {
	return addressRegex.MatchString(s)
}

// Validate checks the parts of the config needed to run the sidecar.
func (c *Config) Validate() error {
	if c.EthereumRpcConfig.RpcUrl == "" {
		return errors.New("ethereum.rpc-url is required")
	}
	if c.Role != "" && c.Role != "primary" && c.Role != "replica" {
		return fmt.Errorf("invalid role %q; expected primary or replica", c.Role)
	}
	if c.UniswapV2Config.Enabled {
		if c.UniswapV2Config.Factory != "" && !IsAddress(c.UniswapV2Config.Factory) {
			return fmt.Errorf("invalid uniswap v2 factory address %q", c.UniswapV2Config.Factory)
		}
		for _, p := range c.UniswapV2Config.Pools {
			if !IsAddress(p) {
				return fmt.Errorf("invalid uniswap v2 pool address %q", p)
			}
		}
		if c.UniswapV2Config.FeeBps >= 10_000 {
			return fmt.Errorf("invalid uniswap v2 fee %d bps", c.UniswapV2Config.FeeBps)
		}
	}
	if c.PerpVaultConfig.Enabled {
		if !IsAddress(c.PerpVaultConfig.Address) {
			return fmt.Errorf("invalid perp vault address %q", c.PerpVaultConfig.Address)
		}
		if len(c.PerpVaultConfig.Tokens) != len(c.PerpVaultConfig.Aggregators) {
			return errors.New("perp vault tokens and aggregators must have the same length")
		}
		for i := range c.PerpVaultConfig.Tokens {
			if !IsAddress(c.PerpVaultConfig.Tokens[i]) || !IsAddress(c.PerpVaultConfig.Aggregators[i]) {
				return fmt.Errorf("invalid perp vault token/aggregator pair at index %d", i)
			}
		}
	}
	return nil
}

// GetMulticallAddress returns the configured Multicall3 address, falling back
// to the canonical deployment shared by every supported chain.
func (c *Config) GetMulticallAddress() string {
	if c.EthereumRpcConfig.MulticallAddress != "" {
		return c.EthereumRpcConfig.MulticallAddress
	}
	return Multicall3Address
}

const Multicall3Address = "0xcA11bde05977b3631167028862bE2a173976CA11"
