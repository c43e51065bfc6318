package cmd

import (
	"context"
	"time"

	"github.com/Layr-Labs/dex-sidecar/internal/config"
	"github.com/Layr-Labs/dex-sidecar/internal/logger"
	"github.com/Layr-Labs/dex-sidecar/internal/metrics"
	"github.com/Layr-Labs/dex-sidecar/internal/shutdown"
	"github.com/Layr-Labs/dex-sidecar/internal/version"
	"github.com/Layr-Labs/dex-sidecar/pkg/blockManager"
	"github.com/Layr-Labs/dex-sidecar/pkg/clients/ethereum"
	"github.com/Layr-Labs/dex-sidecar/pkg/eventBus"
	"github.com/Layr-Labs/dex-sidecar/pkg/fetcher"
	"github.com/Layr-Labs/dex-sidecar/pkg/rpcServer"
	"github.com/Layr-Labs/dex-sidecar/pkg/sidecar"
	"github.com/spf13/cobra"
	"go.uber.org/zap"
)

var runCmd = &cobra.Command{
	Use:   "run",
	Short: "Run the sidecar",
	Run: func(cmd *cobra.Command, args []string) {
		bindCommandFlags(cmd)
		cfg := config.NewConfig()
		ctx := context.Background()

		l, _ := logger.NewLogger(&logger.LoggerConfig{Debug: cfg.Debug})

		if err := cfg.Validate(); err != nil {
			l.Sugar().Fatalw("Invalid config", zap.Error(err))
		}

		metricsClients, err := metrics.InitMetricsSinksFromConfig(cfg, l)
		if err != nil {
			l.Sugar().Fatalw("Failed to setup metrics sink", zap.Error(err))
		}
		sink, err := metrics.NewMetricsSink(&metrics.MetricsSinkConfig{}, metricsClients)
		if err != nil {
			l.Sugar().Fatalw("Failed to setup metrics sink", zap.Error(err))
		}

		eb := eventBus.NewEventBus(l)

		client := ethereum.NewClient(ethereum.ConvertGlobalConfigToEthereumConfig(&cfg.EthereumRpcConfig), l)

		cc := sidecar.NewContractCaller(cfg, client, l)

		pf := sidecar.NewPriceFeed(cfg, sink, l)

		venues, err := sidecar.BuildVenues(cfg, cc, pf, sink, eb, l)
		if err != nil {
			l.Sugar().Fatalw("Failed to build venues", zap.Error(err))
		}
		if len(venues) == 0 {
			l.Sugar().Fatalw("No venues enabled")
		}

		fetchr := fetcher.NewFetcher(client, fetcher.ConvertGlobalConfigToFetcherConfig(&cfg.EthereumRpcConfig), l)

		bm := blockManager.NewBlockManager(fetchr, client, blockManager.ConvertGlobalConfigToBlockManagerConfig(cfg), sink, eb, l)

		rpc := rpcServer.NewRpcServer(rpcServer.ConvertGlobalConfigToRpcServerConfig(&cfg.RpcConfig), venues, bm, sink, l)

		sdc := sidecar.NewSidecar(&sidecar.SidecarConfig{
			StartBlock: cfg.BlockManagerConfig.StartBlock,
		}, cfg, client, bm, venues, pf, rpc, l)

		done := make(chan struct{})
		go func() {
			defer close(done)
			if err := sdc.Start(ctx); err != nil {
				l.Sugar().Errorw("Sidecar exited with error", zap.Error(err))
			}
		}()

		l.Sugar().Infow("Started Sidecar",
			zap.String("version", version.GetVersion()),
			zap.String("commit", version.GetCommit()),
			zap.String("role", cfg.Role),
		)

		gracefulShutdown := shutdown.CreateGracefulShutdownChannel()

		shutdown.ListenForShutdown(gracefulShutdown, done, func() {
			l.Sugar().Info("Shutting down...")
			sdc.ShutdownChan <- true
		}, time.Second*5, l)
	},
}
