package rpcServer

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"time"

	"github.com/Layr-Labs/dex-sidecar/internal/config"
	"github.com/Layr-Labs/dex-sidecar/internal/metrics"
	"github.com/Layr-Labs/dex-sidecar/internal/metrics/metricsTypes"
	"github.com/Layr-Labs/dex-sidecar/pkg/eventSubscriber/types"
	"github.com/Layr-Labs/dex-sidecar/pkg/venues/venueTypes"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/rs/cors"
	"go.uber.org/zap"
)

const DefaultHttpPort = 7100

type RpcServerConfig struct {
	HttpPort    int
	CorsOrigins []string
}

func ConvertGlobalConfigToRpcServerConfig(cfg *config.RpcConfig) *RpcServerConfig {
	port := cfg.HttpPort
	if port == 0 {
		port = DefaultHttpPort
	}
	return &RpcServerConfig{
		HttpPort:    port,
		CorsOrigins: cfg.CorsOrigins,
	}
}

// HeadProvider reports the newest block handed to the subscribers.
type HeadProvider interface {
	GetLastHeader() *types.BlockHeader
}

// RpcServer is the read-only HTTP API over the venue snapshots.
type RpcServer struct {
	config     *RpcServerConfig
	venues     []venueTypes.IVenue
	venueIndex map[string]venueTypes.IVenue
	heads      HeadProvider
	metrics    *metrics.MetricsSink
	logger     *zap.Logger
	httpServer *http.Server
}

func NewRpcServer(
	cfg *RpcServerConfig,
	venues []venueTypes.IVenue,
	heads HeadProvider,
	ms *metrics.MetricsSink,
	l *zap.Logger,
) *RpcServer {
	index := make(map[string]venueTypes.IVenue, len(venues))
	for _, v := range venues {
		index[v.GetName()] = v
	}
	rpc := &RpcServer{
		config:     cfg,
		venues:     venues,
		venueIndex: index,
		heads:      heads,
		metrics:    ms,
		logger:     l,
	}
	rpc.httpServer = &http.Server{
		Addr:              fmt.Sprintf(":%d", cfg.HttpPort),
		Handler:           rpc.Handler(),
		ReadHeaderTimeout: 5 * time.Second,
	}
	return rpc
}

func (rpc *RpcServer) Handler() http.Handler {
	mux := http.NewServeMux()
	mux.HandleFunc("GET /v1/venues", rpc.handleListVenues)
	mux.HandleFunc("GET /v1/venues/{name}/state", rpc.handleGetVenueState)
	mux.HandleFunc("GET /v1/status", rpc.handleGetStatus)
	mux.Handle("GET /metrics", promhttp.Handler())

	c := cors.New(cors.Options{
		AllowedOrigins: rpc.config.CorsOrigins,
		AllowedMethods: []string{http.MethodGet, http.MethodOptions},
	})
	return c.Handler(rpc.withMetrics(mux))
}

func (rpc *RpcServer) withMetrics(next *http.ServeMux) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		_, pattern := next.Handler(r)
		if pattern == "" {
			pattern = "unmatched"
		}
		labels := []metricsTypes.MetricsLabel{{Name: "path", Value: pattern}}

		next.ServeHTTP(w, r)

		_ = rpc.metrics.Incr(metricsTypes.Metric_Incr_HttpRequest, labels, 1)
		_ = rpc.metrics.Timing(metricsTypes.Metric_Timing_HttpDuration, time.Since(start), labels)
	})
}

// Start serves HTTP in the background until Shutdown is called.
func (rpc *RpcServer) Start() {
	go func() {
		rpc.logger.Sugar().Infow("Starting rpc server", zap.Int("port", rpc.config.HttpPort))
		if err := rpc.httpServer.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			rpc.logger.Sugar().Errorw("Rpc server stopped", zap.Error(err))
		}
	}()
}

func (rpc *RpcServer) Shutdown(ctx context.Context) error {
	rpc.logger.Sugar().Info("Shutting down rpc server")
	return rpc.httpServer.Shutdown(ctx)
}
