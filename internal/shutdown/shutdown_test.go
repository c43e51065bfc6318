package shutdown

import (
	"os"
	"syscall"
	"testing"
	"time"

	"github.com/Layr-Labs/dex-sidecar/internal/logger"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func Test_ListenForShutdown(t *testing.T) {
	l, err := logger.NewLogger(&logger.LoggerConfig{Debug: false})
	require.Nil(t, err)

	t.Run("Should call the handler on a signal and wait for done", func(t *testing.T) {
		signals := make(chan os.Signal, 1)
		done := make(chan struct{})
		called := false

		signals <- syscall.SIGTERM
		ListenForShutdown(signals, done, func() {
			called = true
			close(done)
		}, time.Second, l)
		assert.True(t, called)
	})
	t.Run("Should return when done closes first", func(t *testing.T) {
		done := make(chan struct{})
		close(done)
		called := false

		ListenForShutdown(make(chan os.Signal), done, func() { called = true }, time.Second, l)
		assert.False(t, called)
	})
	t.Run("Should stop waiting after the timeout", func(t *testing.T) {
		signals := make(chan os.Signal, 1)
		signals <- syscall.SIGINT

		start := time.Now()
		ListenForShutdown(signals, make(chan struct{}), func() {}, 10*time.Millisecond, l)
		assert.Less(t, time.Since(start), time.Second)
	})
}
