package types

import (
	"context"
	"sync/atomic"
	"time"
	"unsafe"

	"github.com/fenilsonani/shmstm/internal/coordination"
	"github.com/fenilsonani/shmstm/internal/handle"
	"github.com/fenilsonani/shmstm/internal/shmerr"
	"github.com/fenilsonani/shmstm/internal/txn"
)

const promisePayloadSize = 16 // fulfilled state u32 + pad + value handle u64

// Promise is a single-shot coordination object (spec §3, §4.4, §4.6): a
// fulfilled flag and the value handle it was signaled with. Unlike every
// other type in this package, Wait and Signal bypass the transaction log
// entirely — they are the one place the engine's own coordination
// primitives are used directly, because waiting is the one operation the
// spec requires to actually block.
type Promise struct {
	H handle.Handle
}

// NewPromise allocates an unfulfilled promise.
func NewPromise(tx *txn.Tx) (Promise, error) {
	h, err := tx.Alloc(promisePayloadSize, 8, uint32(handle.TagPromise))
	if err != nil {
		return Promise{}, err
	}
	tx.Write(h, make([]byte, promisePayloadSize), uint32(handle.TagPromise))
	return Promise{H: h}, nil
}

func (p Promise) statePtr(e *txn.Engine) *uint32 {
	return (*uint32)(e.Segment().Payload(p.H))
}

func (p Promise) valuePtr(e *txn.Engine) *uint64 {
	return (*uint64)(unsafe.Add(e.Segment().Payload(p.H), 8))
}

// Fulfilled reports whether the promise has been signaled, as observed
// transactionally (so a transaction reading it participates in the usual
// version-conflict accounting even though Signal itself bypasses the
// write log).
func (p Promise) Fulfilled(tx *txn.Tx) (bool, error) {
	payload, _, err := tx.Read(p.H)
	if err != nil {
		return false, err
	}
	return payload[0] != 0, nil
}

// Signal fulfills the promise with value. The second and every later call
// is a no-op, per spec §4.4 ("second signal is ignored").
func (p Promise) Signal(e *txn.Engine, value handle.Handle) bool {
	state := p.statePtr(e)
	if !atomic.CompareAndSwapUint32(state, 0, 1) {
		return false
	}
	atomic.StoreUint64(p.valuePtr(e), uint64(value))
	coordination.NewEvent(state).Signal()
	return true
}

// Wait blocks until the promise is fulfilled, timeout elapses (zero means
// no timeout), or the wait is interrupted, returning the signaled value.
// Calling Wait while ctx carries an active transaction is a misuse the
// engine refuses outright (spec §4.4, §4.5 suspension rule): it returns
// ErrWaitInsideTransaction without blocking.
func (p Promise) Wait(ctx context.Context, e *txn.Engine, timeout time.Duration) (handle.Handle, coordination.WaitResult, error) {
	if txn.Active(ctx) {
		return handle.Nil, coordination.Interrupted, shmerr.ErrWaitInsideTransaction
	}
	res := coordination.NewEvent(p.statePtr(e)).Wait(timeout)
	if res != coordination.Signaled {
		return handle.Nil, res, nil
	}
	return handle.Handle(atomic.LoadUint64(p.valuePtr(e))), res, nil
}
