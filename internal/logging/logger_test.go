package logging

import (
	"testing"

	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
)

func TestNewDevelopmentLogger(t *testing.T) {
	t.Parallel()

	logger, err := New(true)
	require.NoError(t, err)
	require.NotNil(t, logger)
	defer logger.Sync() //nolint:errcheck // best-effort flush
	logger.Info("development logger ready")
}

func TestNewProductionLogger(t *testing.T) {
	t.Parallel()

	logger, err := New(false)
	require.NoError(t, err)
	require.NotNil(t, logger)
	defer logger.Sync() //nolint:errcheck // best-effort flush
	logger.Info("production logger ready")
}

// TestComponent covers both the named-child and the nil-base paths.
func TestComponent(t *testing.T) {
	t.Parallel()

	base := zap.NewExample()
	child := Component(base, "runner")
	require.NotNil(t, child)
	require.NotSame(t, base, child)

	nop := Component(nil, "api")
	require.NotNil(t, nop)
	nop.Info("discarded")
}
