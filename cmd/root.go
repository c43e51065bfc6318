package cmd

import (
	"fmt"
	"os"
	"strings"

	"github.com/Layr-Labs/dex-sidecar/internal/config"
	"github.com/spf13/cobra"
	"github.com/spf13/pflag"
	"github.com/spf13/viper"
)

var rootCmd = &cobra.Command{
	Use:   "dex-sidecar",
	Short: "The DEX Sidecar tracks on-chain venue state for pricing and routing",
}

func Execute() {
	err := rootCmd.Execute()
	if err != nil {
		os.Exit(1)
	}
}

func init() {
	initConfig(rootCmd)

	rootCmd.PersistentFlags().Bool(config.Debug, false, `"true" or "false"`)
	rootCmd.PersistentFlags().StringP("chain", "c", string(config.Chain_Mainnet), "The chain to use (mainnet, arbitrum, base, sepolia)")
	rootCmd.PersistentFlags().String(config.Role, "primary", `"primary" refreshes off-chain data, "replica" only reads it`)

	rootCmd.PersistentFlags().String(config.EthereumRpcUrl, "", `e.g. "http://<hostname>:8545"`)
	rootCmd.PersistentFlags().String(config.EthereumWsUrl, "", `e.g. "ws://<hostname>:8546"; new heads are polled when empty`)
	rootCmd.PersistentFlags().String(config.EthereumMulticallAddress, "", `Multicall3 address (defaults to the canonical deployment)`)
	rootCmd.PersistentFlags().Int(config.EthereumContractCallBatch, 200, `The number of contract calls to put in a single multicall`)
	rootCmd.PersistentFlags().Bool(config.EthereumUseMulticall, true, `Batch contract calls through Multicall3`)
	rootCmd.PersistentFlags().Duration(config.EthereumRequestTimeout, 0, `Timeout of a single rpc request (default 10s)`)
	rootCmd.PersistentFlags().Uint64(config.EthereumLogRangeSize, 100, `The number of blocks to request logs for at once`)

	rootCmd.PersistentFlags().Int(config.SubscriberMaxSnapshots, 64, `The number of snapshots to keep per venue`)
	rootCmd.PersistentFlags().Uint64(config.SubscriberMaxBlockAge, 256, `Drop snapshots more than this many blocks behind the newest one`)
	rootCmd.PersistentFlags().Uint(config.SubscriberRegenerateRetries, 3, `Retries of a failed state regeneration`)
	rootCmd.PersistentFlags().Int(config.SubscriberQueueSize, 64, `Pending blocks per venue before the block feed waits`)

	rootCmd.PersistentFlags().Uint64(config.BlockManagerStartBlock, 0, `Block to initialize venues at (default the current tip)`)
	rootCmd.PersistentFlags().Duration(config.BlockManagerPollInterval, 0, `Interval between new head polls when no websocket is configured (default 12s)`)

	rootCmd.PersistentFlags().String(config.PriceFeedUrl, "", `Off-chain price endpoint returning {"<token>": "<price>"}`)
	rootCmd.PersistentFlags().Duration(config.PriceFeedPollInterval, 0, `Interval between price refreshes (default 15s)`)
	rootCmd.PersistentFlags().Duration(config.PriceFeedMaxAge, 0, `Prices older than this are ignored (default 1m)`)
	rootCmd.PersistentFlags().Float64(config.PriceFeedRequestsPerSecond, 1.0, `Rate limit of price requests`)

	rootCmd.PersistentFlags().Int(config.RpcHttpPort, 7100, `http rpc port`)
	rootCmd.PersistentFlags().String(config.RpcCorsOrigins, "", `Comma separated list of allowed origins (default any)`)

	rootCmd.PersistentFlags().Bool(config.DataDogStatsdEnabled, false, `e.g. "true" or "false"`)
	rootCmd.PersistentFlags().String(config.DataDogStatsdUrl, "", `e.g. "localhost:8125"`)
	rootCmd.PersistentFlags().Float64(config.DataDogStatsdSampleRate, 1.0, `The sample rate to use for statsd metrics`)

	rootCmd.PersistentFlags().Bool(config.PrometheusEnabled, false, `e.g. "true" or "false"; served on the rpc port at /metrics`)

	rootCmd.PersistentFlags().Bool(config.UniswapV2Enabled, false, `Track uniswap v2 style pools`)
	rootCmd.PersistentFlags().String(config.UniswapV2Factory, "", `Factory whose PairCreated events add pools`)
	rootCmd.PersistentFlags().String(config.UniswapV2Pools, "", `Comma separated list of pools to track`)
	rootCmd.PersistentFlags().Uint64(config.UniswapV2FeeBps, 30, `Swap fee in basis points`)

	rootCmd.PersistentFlags().Bool(config.PerpVaultEnabled, false, `Track a perpetuals vault`)
	rootCmd.PersistentFlags().String(config.PerpVaultAddress, "", `Vault address`)
	rootCmd.PersistentFlags().String(config.PerpVaultTokens, "", `Comma separated list of vault tokens`)
	rootCmd.PersistentFlags().String(config.PerpVaultAggregators, "", `Comma separated list of price aggregators, one per token`)
	rootCmd.PersistentFlags().Uint64(config.PerpVaultMaxSpreadBps, 100, `Maximum spread in basis points between off-chain and oracle prices`)

	// setup sub commands
	rootCmd.AddCommand(runCmd)
	rootCmd.AddCommand(runVersionCmd)
	rootCmd.AddCommand(verifyReplayCmd)
	rootCmd.AddCommand(exportStateCmd)

	// bind any subcommand flags
	verifyReplayCmd.PersistentFlags().String(config.VenueName, "", "Venue to verify (default all enabled venues)")
	verifyReplayCmd.PersistentFlags().Uint64(config.FromBlock, 0, "Block to initialize the venues at (required)")
	verifyReplayCmd.PersistentFlags().Uint64(config.ToBlock, 0, "Last block to replay (default the current tip)")

	exportStateCmd.PersistentFlags().String(config.VenueName, "", "Venue to export (required)")
	exportStateCmd.PersistentFlags().String(config.SnapshotOutputFile, "", "Path to write the csv file to (required)")
	exportStateCmd.PersistentFlags().Uint64(config.BlockNumber, 0, "Block to export the state at (default the current tip)")

	rootCmd.PersistentFlags().VisitAll(func(f *pflag.Flag) {
		key := config.KebabToSnakeCase(f.Name)
		viper.BindPFlag(key, f) //nolint:errcheck
		viper.BindEnv(key)      //nolint:errcheck
	})
}

func initConfig(cmd *cobra.Command) {
	viper.SetEnvPrefix(config.ENV_PREFIX)

	viper.SetEnvKeyReplacer(strings.NewReplacer("-", "_", ".", "_"))

	viper.AutomaticEnv()
}

// bindCommandFlags binds the flags of a subcommand the same way the root
// flags are bound.
func bindCommandFlags(cmd *cobra.Command) {
	cmd.Flags().VisitAll(func(f *pflag.Flag) {
		if err := viper.BindPFlag(config.KebabToSnakeCase(f.Name), f); err != nil {
			fmt.Printf("Failed to bind flag '%s' - %+v\n", f.Name, err)
		}
		if err := viper.BindEnv(f.Name); err != nil {
			fmt.Printf("Failed to bind env '%s' - %+v\n", f.Name, err)
		}
	})
}
