package shutdown

import (
	"context"
	"os"
	"os/signal"
	"syscall"
	"time"

	"go.uber.org/zap"
)

func CreateGracefulShutdownChannel() chan os.Signal {
	gracefulShutdown := make(chan os.Signal, 1)
	signal.Notify(gracefulShutdown, syscall.SIGTERM, syscall.SIGINT)

	return gracefulShutdown
}

// ListenForShutdown blocks until a termination signal arrives or done is
// closed. On a signal it calls signalHandler and then waits up to timeToWait
// for done to close.
func ListenForShutdown(
	signalChan chan os.Signal,
	done <-chan struct{},
	signalHandler func(),
	timeToWait time.Duration,
	l *zap.Logger,
) {
	select {
	case <-done:
		return
	case sig := <-signalChan:
		l.Sugar().Infow("Caught signal", zap.String("signal", sig.String()))
	}

	signalHandler()

	l.Sugar().Infow("Waiting for shutdown", zap.Duration("timeout", timeToWait))
	select {
	case <-done:
		l.Sugar().Infow("Exiting")
	case <-time.After(timeToWait):
		l.Sugar().Warnw("Timed out waiting for shutdown, exiting")
	}
}

// WithSignalCancel returns a context canceled on the first termination
// signal.
func WithSignalCancel(ctx context.Context) (context.Context, context.CancelFunc) {
	return signal.NotifyContext(ctx, syscall.SIGTERM, syscall.SIGINT)
}
