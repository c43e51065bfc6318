package sidecar

import (
	"context"
	"time"

	"github.com/Layr-Labs/dex-sidecar/internal/config"
	"github.com/Layr-Labs/dex-sidecar/pkg/blockManager"
	"github.com/Layr-Labs/dex-sidecar/pkg/priceFeed"
	"github.com/Layr-Labs/dex-sidecar/pkg/rpcServer"
	"github.com/Layr-Labs/dex-sidecar/pkg/venues/venueTypes"
	"github.com/pkg/errors"
	"github.com/sourcegraph/conc/pool"
	"go.uber.org/zap"
)

const DefaultShutdownTimeout = 5 * time.Second

// TipProvider reports the current chain head.
type TipProvider interface {
	GetBlockNumberUint64(ctx context.Context) (uint64, error)
}

type SidecarConfig struct {
	// StartBlock is where subscribers are initialized; 0 means the current tip
	StartBlock      uint64
	ShutdownTimeout time.Duration
}

type Sidecar struct {
	Logger         *zap.Logger
	Config         *SidecarConfig
	GlobalConfig   *config.Config
	EthereumClient TipProvider
	BlockManager   *blockManager.BlockManager
	Venues         []venueTypes.IVenue
	PriceFeed      *priceFeed.PriceFeed
	RpcServer      *rpcServer.RpcServer
	ShutdownChan   chan bool
}

func NewSidecar(
	cfg *SidecarConfig,
	gCfg *config.Config,
	ethClient TipProvider,
	bm *blockManager.BlockManager,
	venues []venueTypes.IVenue,
	pf *priceFeed.PriceFeed,
	rpc *rpcServer.RpcServer,
	l *zap.Logger,
) *Sidecar {
	if cfg.ShutdownTimeout == 0 {
		cfg.ShutdownTimeout = DefaultShutdownTimeout
	}
	for _, v := range venues {
		bm.Register(v)
	}
	return &Sidecar{
		Logger:         l,
		Config:         cfg,
		GlobalConfig:   gCfg,
		EthereumClient: ethClient,
		BlockManager:   bm,
		Venues:         venues,
		PriceFeed:      pf,
		RpcServer:      rpc,
		ShutdownChan:   make(chan bool, 1),
	}
}

// ResolveStartBlock returns the configured start block or the current tip.
func (s *Sidecar) ResolveStartBlock(ctx context.Context) (uint64, error) {
	if s.Config.StartBlock > 0 {
		return s.Config.StartBlock, nil
	}
	tip, err := s.EthereumClient.GetBlockNumberUint64(ctx)
	if err != nil {
		return 0, errors.Wrap(err, "failed to get current tip")
	}
	s.Logger.Sugar().Infow("No start block configured, starting at tip", zap.Uint64("tip", tip))
	return tip, nil
}

// Start runs the block manager and the price feed until ctx is done, a
// shutdown is requested on ShutdownChan, or one of them fails.
func (s *Sidecar) Start(ctx context.Context) error {
	s.Logger.Sugar().Infow("Starting sidecar", zap.Int("venues", len(s.Venues)))

	ctx, cancel := context.WithCancel(ctx)
	defer cancel()

	go func() {
		select {
		case <-s.ShutdownChan:
			s.Logger.Sugar().Infow("Received shutdown signal")
			cancel()
		case <-ctx.Done():
		}
	}()

	startBlock, err := s.ResolveStartBlock(ctx)
	if err != nil {
		return err
	}

	if s.RpcServer != nil {
		s.RpcServer.Start()
		defer s.shutdownRpcServer()
	}

	p := pool.New().WithContext(ctx).WithCancelOnError()
	p.Go(func(ctx context.Context) error {
		return s.BlockManager.Run(ctx, startBlock)
	})
	if s.PriceFeed != nil {
		p.Go(func(ctx context.Context) error {
			return s.PriceFeed.Run(ctx)
		})
	}
	if err := p.Wait(); err != nil {
		s.Logger.Sugar().Errorw("Sidecar stopped with error", zap.Error(err))
		return err
	}
	s.Logger.Sugar().Infow("Sidecar stopped")
	return nil
}

func (s *Sidecar) shutdownRpcServer() {
	ctx, cancel := context.WithTimeout(context.Background(), s.Config.ShutdownTimeout)
	defer cancel()
	if err := s.RpcServer.Shutdown(ctx); err != nil {
		s.Logger.Sugar().Errorw("Failed to shut down rpc server", zap.Error(err))
	}
}
