package cmd

import (
	"github.com/Layr-Labs/dex-sidecar/internal/config"
	"github.com/Layr-Labs/dex-sidecar/internal/metrics"
	"github.com/Layr-Labs/dex-sidecar/pkg/clients/ethereum"
	"github.com/Layr-Labs/dex-sidecar/pkg/eventBus"
	"github.com/Layr-Labs/dex-sidecar/pkg/sidecar"
	"github.com/Layr-Labs/dex-sidecar/pkg/venues/venueTypes"
	"github.com/pkg/errors"
	"go.uber.org/zap"
)

// buildToolVenues builds the enabled venues for the one-shot commands,
// without metrics or a price feed. name, if set, selects a single venue.
func buildToolVenues(cfg *config.Config, client *ethereum.Client, name string, l *zap.Logger) ([]venueTypes.IVenue, error) {
	cc := sidecar.NewContractCaller(cfg, client, l)

	venues, err := sidecar.BuildVenues(cfg, cc, nil, metrics.NewNoopMetricsSink(), eventBus.NewEventBus(l), l)
	if err != nil {
		return nil, err
	}
	if name == "" {
		if len(venues) == 0 {
			return nil, errors.New("no venues enabled")
		}
		return venues, nil
	}
	v, ok := sidecar.FindVenue(venues, name)
	if !ok {
		return nil, errors.Errorf("venue %q is not enabled", name)
	}
	return []venueTypes.IVenue{v}, nil
}
