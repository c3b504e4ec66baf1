package reclaim

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/fenilsonani/shmstm/internal/segment"
)

func TestEnqueuePending(t *testing.T) {
	dir := t.TempDir()
	seg, err := segment.Create(dir, "reclaim-pending", 0)
	require.NoError(t, err)
	defer seg.Destroy(dir)

	assert.Equal(t, 0, Pending(seg))

	h, err := seg.Alloc(16, 8)
	require.NoError(t, err)
	Enqueue(seg, h, 16, 1)
	assert.Equal(t, 1, Pending(seg))
}

func TestSweepSkipsEntriesNewerThanMinActiveEpoch(t *testing.T) {
	dir := t.TempDir()
	seg, err := segment.Create(dir, "reclaim-skip", 0)
	require.NoError(t, err)
	defer seg.Destroy(dir)

	h, err := seg.Alloc(16, 8)
	require.NoError(t, err)
	Enqueue(seg, h, 16, 5)

	st := Sweep(seg, 3)
	assert.Equal(t, 0, st.Swept)
	assert.Equal(t, 1, st.Skipped)
	assert.Equal(t, 1, Pending(seg))
}

func TestSweepFreesEntriesOlderThanMinActiveEpoch(t *testing.T) {
	dir := t.TempDir()
	seg, err := segment.Create(dir, "reclaim-free", 0)
	require.NoError(t, err)
	defer seg.Destroy(dir)

	h, err := seg.Alloc(16, 8)
	require.NoError(t, err)
	Enqueue(seg, h, 16, 1)

	st := Sweep(seg, 5)
	assert.Equal(t, 1, st.Swept)
	assert.Equal(t, 0, st.Skipped)
	assert.Equal(t, 0, Pending(seg))
}

func TestSweepIsFIFOOrdered(t *testing.T) {
	dir := t.TempDir()
	seg, err := segment.Create(dir, "reclaim-fifo", 0)
	require.NoError(t, err)
	defer seg.Destroy(dir)

	h1, err := seg.Alloc(16, 8)
	require.NoError(t, err)
	h2, err := seg.Alloc(16, 8)
	require.NoError(t, err)

	Enqueue(seg, h1, 16, 1)
	Enqueue(seg, h2, 16, 10)

	// Sweeping at epoch 5 frees the epoch-1 entry and stops at the
	// epoch-10 entry, which survives until a later, higher-epoch sweep.
	st := Sweep(seg, 5)
	assert.Equal(t, 1, st.Swept)
	assert.Equal(t, 1, Pending(seg))

	st = Sweep(seg, 11)
	assert.Equal(t, 1, st.Swept)
	assert.Equal(t, 0, Pending(seg))
}
