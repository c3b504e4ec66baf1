package shm

import (
	"context"
	"encoding/binary"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/fenilsonani/shmstm/internal/handle"
	"github.com/fenilsonani/shmstm/internal/txn"
	"github.com/fenilsonani/shmstm/internal/types"
)

func newTestSession(t *testing.T) *Session {
	t.Helper()
	dir := t.TempDir()
	sess, _, err := Init(dir, "shm-test", 0, zap.NewNop())
	require.NoError(t, err)
	t.Cleanup(func() { sess.Destroy() })
	return sess
}

func TestScalarRoundTripAndFrozen(t *testing.T) {
	sess := newTestSession(t)

	var h handle.Handle
	err := sess.Do(context.Background(), func(ctx context.Context, tx *txn.Tx) error {
		v, err := NewInt(tx, 42)
		if err != nil {
			return err
		}
		h = v.H
		got, err := v.Int(tx)
		if err != nil {
			return err
		}
		assert.EqualValues(t, 42, got)
		assert.True(t, tx.Segment().Header(v.H).Frozen())
		return nil
	})
	require.NoError(t, err)

	reads, writes := sess.GetContentionCount(h)
	assert.Zero(t, reads)
	assert.Zero(t, writes)
}

func TestListAppendGetPopFront(t *testing.T) {
	sess := newTestSession(t)

	err := sess.Do(context.Background(), func(ctx context.Context, tx *txn.Tx) error {
		list, err := NewList(tx, nil)
		require.NoError(t, err)

		for i := 0; i < 5; i++ {
			v, err := NewInt(tx, int64(i))
			require.NoError(t, err)
			require.NoError(t, list.Append(tx, v.H))
		}

		length, err := list.Len(tx)
		require.NoError(t, err)
		assert.Equal(t, 5, length)

		third, err := list.Get(tx, 2)
		require.NoError(t, err)
		thirdVal, err := (types.ShmValue{H: third}).Int(tx)
		require.NoError(t, err)
		assert.EqualValues(t, 2, thirdVal)

		front, err := list.PopFront(tx)
		require.NoError(t, err)
		frontVal, err := (types.ShmValue{H: front}).Int(tx)
		require.NoError(t, err)
		assert.EqualValues(t, 0, frontVal)

		length, err = list.Len(tx)
		require.NoError(t, err)
		assert.Equal(t, 4, length)
		return nil
	})
	require.NoError(t, err)
}

func TestMapPutGetDelete(t *testing.T) {
	sess := newTestSession(t)

	err := sess.Do(context.Background(), func(ctx context.Context, tx *txn.Tx) error {
		m, err := NewMap(tx, 4)
		require.NoError(t, err)

		v, err := NewString(tx, "hello")
		require.NoError(t, err)
		require.NoError(t, m.Put(tx, "greeting", v.H))

		got, ok, err := m.Get(tx, "greeting")
		require.NoError(t, err)
		require.True(t, ok)
		s, err := (types.ShmValue{H: got}).String(tx)
		require.NoError(t, err)
		assert.Equal(t, "hello", s)

		deleted, err := m.Delete(tx, "greeting")
		require.NoError(t, err)
		assert.True(t, deleted)

		_, ok, err = m.Get(tx, "greeting")
		require.NoError(t, err)
		assert.False(t, ok)
		return nil
	})
	require.NoError(t, err)
}

func TestTupleIsFixedAndFrozen(t *testing.T) {
	sess := newTestSession(t)

	err := sess.Do(context.Background(), func(ctx context.Context, tx *txn.Tx) error {
		a, err := NewInt(tx, 1)
		require.NoError(t, err)
		b, err := NewInt(tx, 2)
		require.NoError(t, err)

		tuple, err := NewTuple(tx, []handle.Handle{a.H, b.H})
		require.NoError(t, err)

		length, err := tuple.Len(tx)
		require.NoError(t, err)
		assert.Equal(t, 2, length)

		elems, err := tuple.Elements(tx)
		require.NoError(t, err)
		assert.Equal(t, []handle.Handle{a.H, b.H}, elems)
		assert.True(t, tx.Segment().Header(tuple.H).Frozen())
		return nil
	})
	require.NoError(t, err)
}

func TestObjectAttributes(t *testing.T) {
	sess := newTestSession(t)

	err := sess.Do(context.Background(), func(ctx context.Context, tx *txn.Tx) error {
		obj, err := NewObject(tx, "Account")
		require.NoError(t, err)

		typeName, err := obj.TypeName(tx)
		require.NoError(t, err)
		assert.Equal(t, "Account", typeName)

		v, err := NewInt(tx, 100)
		require.NoError(t, err)
		require.NoError(t, obj.Put(tx, "balance", v.H))

		got, ok, err := obj.Get(tx, "balance")
		require.NoError(t, err)
		require.True(t, ok)
		bal, err := (types.ShmValue{H: got}).Int(tx)
		require.NoError(t, err)
		assert.EqualValues(t, 100, bal)
		return nil
	})
	require.NoError(t, err)
}

func TestPromiseSignalThenWaitReturnsImmediately(t *testing.T) {
	sess := newTestSession(t)

	var ph handle.Handle
	var value handle.Handle
	err := sess.Do(context.Background(), func(ctx context.Context, tx *txn.Tx) error {
		p, err := NewPromise(tx)
		require.NoError(t, err)
		ph = p.H
		v, err := NewInt(tx, 7)
		require.NoError(t, err)
		value = v.H
		return nil
	})
	require.NoError(t, err)

	ok := sess.SignalPromise(types.Promise{H: ph}, value)
	assert.True(t, ok)
	// A second signal is a no-op (spec §4.4).
	assert.False(t, sess.SignalPromise(types.Promise{H: ph}, handle.Nil))

	got, _, err := sess.WaitPromise(context.Background(), types.Promise{H: ph}, time.Second)
	require.NoError(t, err)
	assert.Equal(t, value, got)
}

func TestTransientReadWriteBypassesTransactionLog(t *testing.T) {
	sess := newTestSession(t)

	var h handle.Handle
	err := sess.Do(context.Background(), func(ctx context.Context, tx *txn.Tx) error {
		hh, err := tx.Alloc(8, 8, uint32(handle.TagScalar))
		require.NoError(t, err)
		tx.Write(hh, make([]byte, 8), uint32(handle.TagScalar))
		h = hh
		return nil
	})
	require.NoError(t, err)

	buf := make([]byte, 8)
	binary.LittleEndian.PutUint64(buf, 99)
	sess.TransientWrite(h, buf)

	got := sess.TransientRead(h)
	assert.EqualValues(t, 99, binary.LittleEndian.Uint64(got))
}

func TestSweepReclaimNowDrainsGarbage(t *testing.T) {
	sess := newTestSession(t)

	var h handle.Handle
	err := sess.Do(context.Background(), func(ctx context.Context, tx *txn.Tx) error {
		list, err := NewList(tx, nil)
		require.NoError(t, err)
		v, err := NewInt(tx, 1)
		require.NoError(t, err)
		require.NoError(t, list.Append(tx, v.H))
		require.NoError(t, sess.Root().Put(tx, "list", list.H))
		h = list.H
		return nil
	})
	require.NoError(t, err)

	err = sess.Do(context.Background(), func(ctx context.Context, tx *txn.Tx) error {
		list := types.List{H: h}
		replacement, err := NewInt(tx, 2)
		require.NoError(t, err)
		return list.Set(tx, 0, replacement.H)
	})
	require.NoError(t, err)

	before := sess.ReclaimPending()
	assert.Greater(t, before, 0)

	sess.SweepReclaimNow()
	assert.Less(t, sess.ReclaimPending(), before)
}
