package admission

import (
	"strings"
	"testing"

	"github.com/stretchr/testify/require"
)

func TestCheckRejectsGlobalCapBeforePerVM(t *testing.T) {
	c := New(10, 20)
	err := c.Check(10, 20)
	require.Error(t, err)
	require.Contains(t, err.Error(), "Too many connections")
	require.NotContains(t, err.Error(), "for this VM")
}

func TestCheckRejectsPerVMCap(t *testing.T) {
	c := New(100, 20)
	err := c.Check(5, 20)
	require.Error(t, err)
	require.Contains(t, err.Error(), "Too many connections for this VM")
}

func TestCheckAllowsUnderBothCaps(t *testing.T) {
	c := New(100, 20)
	require.NoError(t, c.Check(5, 19))
}

func TestAllowIPDisabledByDefault(t *testing.T) {
	c := New(100, 20)
	for i := 0; i < 50; i++ {
		require.True(t, c.AllowIP("10.0.0.1"))
	}
}

func TestAllowIPThrottlesPerSourceOnceEnabled(t *testing.T) {
	c := New(100, 20)
	c.SetIPRateLimit(1, 2)

	require.True(t, c.AllowIP("10.0.0.1"))
	require.True(t, c.AllowIP("10.0.0.1"))
	require.False(t, c.AllowIP("10.0.0.1"), "burst of 2 should be exhausted on the third attempt")

	// A distinct source IP has its own independent bucket.
	require.True(t, c.AllowIP("10.0.0.2"))
}

func TestNextConnectionIDFormatAndUniqueness(t *testing.T) {
	c := New(100, 20)
	ids := make(map[string]bool)
	for i := 0; i < 1000; i++ {
		id := c.NextConnectionID("vm-1")
		require.True(t, strings.HasPrefix(id, "vm-1_"))
		require.False(t, ids[id], "connection ids must be unique")
		ids[id] = true
	}
}
