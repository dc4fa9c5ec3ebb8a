package registry

import (
	"testing"
	"time"

	"github.com/stretchr/testify/require"
)

func newRecord(id, vmID string) *Record {
	return &Record{ConnectionID: id, VMID: vmID, Protocol: ProtocolVNC, StartedAt: time.Now()}
}

func TestRegisterUnregisterRemovesEmptyVMSet(t *testing.T) {
	reg := New()
	reg.Register(newRecord("c1", "vm-1"))
	reg.Register(newRecord("c2", "vm-1"))

	require.Equal(t, 2, reg.Count())
	require.Equal(t, 2, reg.CountByVM("vm-1"))

	reg.Unregister("c1")
	require.Equal(t, 1, reg.Count())
	require.Equal(t, 1, reg.CountByVM("vm-1"))

	reg.Unregister("c2")
	require.Equal(t, 0, reg.Count())
	require.Equal(t, 0, reg.CountByVM("vm-1"))

	_, ok := reg.TakeSnapshot().ConnectionsByVM["vm-1"]
	require.False(t, ok, "empty VM sets must be removed from the index")
}

func TestUnregisterIsIdempotent(t *testing.T) {
	reg := New()
	reg.Register(newRecord("c1", "vm-1"))

	reg.Unregister("c1")
	require.NotPanics(t, func() { reg.Unregister("c1") })
	require.Equal(t, 0, reg.Count())
}

func TestSnapshotReflectsMultipleVMs(t *testing.T) {
	reg := New()
	reg.Register(newRecord("c1", "vm-1"))
	reg.Register(newRecord("c2", "vm-1"))
	reg.Register(newRecord("c3", "vm-2"))

	snap := reg.TakeSnapshot()
	require.Equal(t, 3, snap.TotalConnections)
	require.Equal(t, 2, snap.ConnectionsByVM["vm-1"])
	require.Equal(t, 1, snap.ConnectionsByVM["vm-2"])
}

func TestTouchUpdatesLastActivity(t *testing.T) {
	rec := newRecord("c1", "vm-1")
	before := rec.LastActivity()
	rec.Touch()
	require.True(t, rec.LastActivity().After(before) || rec.LastActivity().Equal(before))
}
