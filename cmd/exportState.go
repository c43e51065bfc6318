package cmd

import (
	"context"
	"fmt"

	"github.com/Layr-Labs/dex-sidecar/internal/config"
	"github.com/Layr-Labs/dex-sidecar/internal/logger"
	"github.com/Layr-Labs/dex-sidecar/internal/shutdown"
	"github.com/Layr-Labs/dex-sidecar/pkg/clients/ethereum"
	"github.com/Layr-Labs/dex-sidecar/pkg/export"
	"github.com/pkg/errors"
	"github.com/spf13/cobra"
	"github.com/spf13/viper"
	"go.uber.org/zap"
)

var exportStateCmd = &cobra.Command{
	Use:   "export-state",
	Short: "Regenerate a venue's state at a block and write it as csv",
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
		outputFile := viper.GetString(config.KebabToSnakeCase(config.SnapshotOutputFile))
		blockNumber := viper.GetUint64(config.BlockNumber)
		if venueName == "" {
			return errors.New("--venue is required")
		}
		if outputFile == "" {
			return errors.New("--output-file is required")
		}

		client := ethereum.NewClient(ethereum.ConvertGlobalConfigToEthereumConfig(&cfg.EthereumRpcConfig), l)

		if blockNumber == 0 {
			tip, err := client.GetBlockNumberUint64(ctx)
			if err != nil {
				return errors.Wrap(err, "failed to get current tip")
			}
			blockNumber = tip
		}

		venues, err := buildToolVenues(cfg, client, venueName, l)
		if err != nil {
			return err
		}
		venue := venues[0]

		if err := venue.Initialize(ctx, blockNumber); err != nil {
			return errors.Wrapf(err, "failed to initialize %s at block %d", venueName, blockNumber)
		}

		at, err := export.WriteCsvFile(venue, blockNumber, outputFile)
		if err != nil {
			return err
		}
		l.Sugar().Infow("Exported venue state",
			zap.String("venue", venueName),
			zap.Uint64("blockNumber", at),
			zap.String("outputFile", outputFile),
		)
		fmt.Printf("Wrote %s state at block %d to %s\n", venueName, at, outputFile)
		return nil
	},
}
