package handle

import (
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestTagString(t *testing.T) {
	tests := []struct {
		tag  Tag
		want string
	}{
		{TagScalar, "scalar"},
		{TagList, "list"},
		{TagMap, "map"},
		{TagTuple, "tuple"},
		{TagObject, "object"},
		{TagPromise, "promise"},
		{Tag(99), "unknown"},
	}
	for _, tt := range tests {
		assert.Equal(t, tt.want, tt.tag.String())
	}
}

func TestHeaderRefcount(t *testing.T) {
	var h Header
	assert.EqualValues(t, 1, h.IncRef())
	assert.EqualValues(t, 2, h.IncRef())
	assert.EqualValues(t, 1, h.DecRef())
	assert.EqualValues(t, 0, h.DecRef())
}

func TestHeaderWriteLock(t *testing.T) {
	var h Header
	assert.False(t, h.IsWriteLocked())

	assert.True(t, h.TryLockWrite(42))
	assert.True(t, h.IsWriteLocked())
	assert.EqualValues(t, 42, h.LockedBy())

	// A second transaction cannot take the lock while it's held.
	assert.False(t, h.TryLockWrite(7))

	h.UnlockWrite()
	assert.False(t, h.IsWriteLocked())
	assert.EqualValues(t, 0, h.LockedBy())

	assert.True(t, h.TryLockWrite(7))
}

func TestHeaderDebugArm(t *testing.T) {
	var h Header
	assert.False(t, h.DebugArmed())
	h.ArmDebugStopOnContention()
	assert.True(t, h.DebugArmed())
	assert.True(t, h.ConsumeDebugArm())
	assert.False(t, h.DebugArmed())
	assert.False(t, h.ConsumeDebugArm())
}

func TestHeaderFreeze(t *testing.T) {
	var h Header
	assert.False(t, h.Frozen())
	h.Freeze()
	assert.True(t, h.Frozen())
	// Freezing twice is idempotent.
	h.Freeze()
	assert.True(t, h.Frozen())
}

func TestHeaderContention(t *testing.T) {
	var h Header
	reads, writes := h.Contention()
	assert.Zero(t, reads)
	assert.Zero(t, writes)

	h.RecordReadConflict()
	h.RecordReadConflict()
	h.RecordWriteConflict()
	reads, writes = h.Contention()
	assert.EqualValues(t, 2, reads)
	assert.EqualValues(t, 1, writes)
}
