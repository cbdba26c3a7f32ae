package config

import (
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/sharded4/s4/internal/pool"
)

func TestDefaultsMatchCompiledValues(t *testing.T) {
	c := New()
	want := pool.DefaultCapacities()
	require.Equal(t, 30*time.Second, c.Timeout())
	require.Equal(t, want.IORecv, c.PoolCapacities().IORecv)
	require.Equal(t, want.Writer, c.PoolCapacities().Writer)
	require.Equal(t, "0.0.0.0:7272", c.ListenAddress())
}

func TestEnvironmentOverridesDefaults(t *testing.T) {
	t.Setenv("S4_TIMEOUT", "45s")
	t.Setenv("S4_POOL_COMPUTE", "16")
	t.Setenv("S4_LISTEN_ADDRESS", "127.0.0.1:9999")

	c := New()
	require.Equal(t, 45*time.Second, c.Timeout())
	require.Equal(t, 16, c.PoolCapacities().Compute)
	require.Equal(t, "127.0.0.1:9999", c.ListenAddress())
}
