package cmd

import (
	"context"
	"fmt"

	"github.com/Layr-Labs/dex-sidecar/internal/config"
	"github.com/Layr-Labs/dex-sidecar/internal/logger"
	"github.com/Layr-Labs/dex-sidecar/internal/shutdown"
	"github.com/Layr-Labs/dex-sidecar/pkg/clients/ethereum"
	"github.com/Layr-Labs/dex-sidecar/pkg/fetcher"
	"github.com/Layr-Labs/dex-sidecar/pkg/replay"
	"github.com/pkg/errors"
	"github.com/schollz/progressbar/v3"
	"github.com/spf13/cobra"
	"github.com/spf13/viper"
	"go.uber.org/zap"
)

var verifyReplayCmd = &cobra.Command{
	Use:   "verify-replay",
	Short: "Replay venue logs over a block range and compare against regenerated state",
	RunE: func(cmd *cobra.Command, args []string) error {
		bindCommandFlags(cmd)
		cfg := config.NewConfig()
		ctx, stop := shutdown.WithSignalCancel(context.Background())
		defer stop()

		l, _ := logger.NewLogger(&logger.LoggerConfig{Debug: cfg.Debug})

		if err := cfg.Validate(); err != nil {
			return err
		}

		venueName := viper.GetString(config.VenueName)
		fromBlock := viper.GetUint64(config.KebabToSnakeCase(config.FromBlock))
		toBlock := viper.GetUint64(config.KebabToSnakeCase(config.ToBlock))
		if fromBlock == 0 {
			return errors.New("--from-block is required")
		}

		client := ethereum.NewClient(ethereum.ConvertGlobalConfigToEthereumConfig(&cfg.EthereumRpcConfig), l)

		if toBlock == 0 {
			tip, err := client.GetBlockNumberUint64(ctx)
			if err != nil {
				return errors.Wrap(err, "failed to get current tip")
			}
			toBlock = tip
		}
		if toBlock < fromBlock {
			return fmt.Errorf("to block %d is before from block %d", toBlock, fromBlock)
		}

		venues, err := buildToolVenues(cfg, client, venueName, l)
		if err != nil {
			return err
		}

		fetchr := fetcher.NewFetcher(client, fetcher.ConvertGlobalConfigToFetcherConfig(&cfg.EthereumRpcConfig), l)
		verifier := replay.NewVerifier(fetchr, cfg.EthereumRpcConfig.LogRangeSize, l)

		failed := make([]string, 0)
		for _, v := range venues {
			bar := progressbar.Default(int64(toBlock-fromBlock+1), fmt.Sprintf("replaying %s", v.GetName()))
			report, err := verifier.Verify(ctx, v, fromBlock, toBlock, func(blockNumber uint64) {
				_ = bar.Set64(int64(blockNumber - fromBlock + 1))
			})
			_ = bar.Finish()
			if err != nil {
				l.Sugar().Errorw("Replay verification failed", zap.String("venue", v.GetName()), zap.Error(err))
				return err
			}

			fmt.Printf("%s: checked %d blocks in [%d, %d], %d mismatches\n",
				report.Venue, report.Checked, report.FromBlock, report.ToBlock, len(report.Mismatches))
			for _, m := range report.Mismatches {
				fmt.Printf("  block %d: replayed %s, regenerated %s\n", m.BlockNumber, m.Replayed, m.Regenerated)
			}
			if !report.Ok() {
				failed = append(failed, report.Venue)
			}
		}
		if len(failed) > 0 {
			return fmt.Errorf("replayed state diverged for %v", failed)
		}
		return nil
	},
}
