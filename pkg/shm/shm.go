// Package shm is the collaborator-facing API (spec.md §6): init/connect a
// shared segment, construct shared values, and drive transactions. It is
// a thin wrapper over internal/coordinator and internal/txn, generalized
// from the teacher's pkg/vcs.Repository Init/Open/error-wrapping idiom
// (pkg/vcs/repository.go) to a shared-memory segment instead of a .git
// directory.
package shm

import (
	"context"
	"fmt"
	"time"

	"go.uber.org/zap"

	"github.com/fenilsonani/shmstm/internal/coordination"
	"github.com/fenilsonani/shmstm/internal/coordinator"
	"github.com/fenilsonani/shmstm/internal/handle"
	"github.com/fenilsonani/shmstm/internal/reclaim"
	"github.com/fenilsonani/shmstm/internal/txn"
	"github.com/fenilsonani/shmstm/internal/types"
)

// Session is one process's attachment to a segment: the collaborator
// holds one of these and drives every other operation through it.
type Session struct {
	coord *coordinator.Coordinator
}

// Init creates a new named segment in dir, becomes its coordinator, and
// returns a Session plus the connectable name (spec §6 init()).
func Init(dir, name string, size uint64, log *zap.Logger) (*Session, string, error) {
	c, err := coordinator.Init(dir, name, size, log)
	if err != nil {
		return nil, "", fmt.Errorf("shm: init: %w", err)
	}
	return &Session{coord: c}, name, nil
}

// Connect attaches this process to an existing segment (spec §6 connect()).
func Connect(dir, name string, log *zap.Logger) (*Session, error) {
	c, err := coordinator.Connect(dir, name, log)
	if err != nil {
		return nil, fmt.Errorf("shm: connect: %w", err)
	}
	return &Session{coord: c}, nil
}

// Detach releases this process's participant slot and unmaps the segment.
func (s *Session) Detach() error { return s.coord.Detach() }

// Destroy unmaps and removes the backing segment. Only the creator should
// call this, after every other participant has detached.
func (s *Session) Destroy() error { return s.coord.Destroy() }

// Root returns the top-level shared map (spec §6 root()).
func (s *Session) Root() types.Map { return s.coord.Root() }

// ParticipantCount returns the number of currently attached participants.
func (s *Session) ParticipantCount() int { return s.coord.ParticipantCount() }

// ParticipantStats returns this process's transaction counters
// (print_thread_counters, SPEC_FULL §7).
func (s *Session) ParticipantStats() txn.TxnStats { return s.coord.Engine().Stats() }

// GetContentionCount returns h's (reads, writes) diagnostic conflict
// counters (spec §6).
func (s *Session) GetContentionCount(h handle.Handle) (reads, writes uint64) {
	return s.coord.Segment().Header(h).Contention()
}

// ObjectDebugStopOnContention arms h's debug breakpoint (spec §6): the
// next conflict recorded against h invokes the debug-stop hook.
func (s *Session) ObjectDebugStopOnContention(h handle.Handle) {
	s.coord.ObjectDebugStopOnContention(h)
}

// SetRandomFlinch toggles the random-pause debug knob (spec §6).
func (s *Session) SetRandomFlinch(on bool) { s.coord.SetRandomFlinch(on) }

// SetDebugSynchronousReclaim toggles inline reclamation sweeps after every
// commit (set_debug_reclaimer, SPEC_FULL §7).
func (s *Session) SetDebugSynchronousReclaim(on bool) {
	s.coord.Engine().SetDebugSynchronousReclaim(on)
}

// SweepReclaimNow runs one reclamation pass immediately against the
// current liveness snapshot, instead of waiting for the reaper's next
// interval tick (spec §4.7).
func (s *Session) SweepReclaimNow() reclaim.Stats { return s.coord.SweepReclaimNow() }

// ReclaimPending reports how many freed objects are still sitting in the
// epoch-tagged reclamation queue, waiting for every participant's epoch
// to advance past theirs.
func (s *Session) ReclaimPending() int { return reclaim.Pending(s.coord.Segment()) }

// --- Explicit transaction control (spec §6: txn_begin/commit/rollback) ---

// TxnBegin starts or joins a transaction on ctx, returning the context to
// pass to every subsequent call in this logical operation.
func (s *Session) TxnBegin(ctx context.Context) context.Context {
	txCtx, _ := s.coord.Engine().Begin(ctx)
	return txCtx
}

// TxnCommit runs the commit protocol. A shmerr.ErrAbort return means the
// caller's retry loop should call TxnRollbackRetaining and re-enter the
// region; Do retries automatically, beginning a fresh transaction for each
// attempt.
func (s *Session) TxnCommit(ctx context.Context) error {
	return s.coord.Engine().Commit(ctx)
}

// TxnRollback discards the transaction entirely.
func (s *Session) TxnRollback(ctx context.Context) error {
	return s.coord.Engine().Rollback(ctx)
}

// TxnRollbackRetaining discards the write/read logs but keeps ctx's
// transaction alive at depth 1, ready to retry.
func (s *Session) TxnRollbackRetaining(ctx context.Context) error {
	return s.coord.Engine().RollbackRetaining(ctx)
}

// TxnActive reports whether ctx carries an active transaction.
func TxnActive(ctx context.Context) bool { return txn.Active(ctx) }

// Do runs fn inside a transaction, retrying indefinitely on conflict
// (spec §4.5's "bounded retries are a caller policy, not an engine one").
// This is the idiomatic entry point for most callers; TxnBegin/Commit
// exist for the source-rewriter-shaped collaborator the spec names, which
// drives begin/commit explicitly around an arbitrary code region.
func (s *Session) Do(ctx context.Context, fn func(ctx context.Context, tx *txn.Tx) error) error {
	return s.coord.Engine().Do(ctx, fn)
}

// --- Transient escape (spec §4.5, §6) ---

// TransientRead reads h outside any transaction.
func (s *Session) TransientRead(h handle.Handle) []byte {
	return s.coord.Engine().TransientRead(h)
}

// TransientWrite mutates h outside any transaction.
func (s *Session) TransientWrite(h handle.Handle, payload []byte) {
	s.coord.Engine().TransientWrite(h, payload)
}

// --- Constructors (spec §6 new_value/new_list/new_map/new_tuple/new_object/new_promise) ---

// NewInt, NewFloat, NewBool, NewNone, NewBytes, NewString construct scalar
// boxes; each must run inside an active transaction on ctx.
func NewInt(tx *txn.Tx, v int64) (types.ShmValue, error)     { return types.NewInt(tx, v) }
func NewFloat(tx *txn.Tx, v float64) (types.ShmValue, error) { return types.NewFloat(tx, v) }
func NewBool(tx *txn.Tx, v bool) (types.ShmValue, error)     { return types.NewBool(tx, v) }
func NewNone(tx *txn.Tx) (types.ShmValue, error)             { return types.NewNone(tx) }
func NewBytes(tx *txn.Tx, v []byte) (types.ShmValue, error)  { return types.NewBytes(tx, v) }
func NewString(tx *txn.Tx, v string) (types.ShmValue, error) { return types.NewString(tx, v) }

// NewList, NewMap, NewTuple, NewObject, NewPromise construct the
// container and composite types.
func NewList(tx *txn.Tx, elems []handle.Handle) (types.List, error) {
	return types.NewList(tx, elems)
}
func NewMap(tx *txn.Tx, hint int) (types.Map, error) { return types.NewMap(tx, hint) }
func NewTuple(tx *txn.Tx, elems []handle.Handle) (types.Tuple, error) {
	return types.NewTuple(tx, elems)
}
func NewObject(tx *txn.Tx, typeName string) (types.Object, error) {
	return types.NewObject(tx, typeName)
}
func NewPromise(tx *txn.Tx) (types.Promise, error) { return types.NewPromise(tx) }

// --- Promise wait/signal (spec §4.4, §4.6) ---

// SignalPromise fulfills p with value; the second and later call is a
// no-op (spec §4.4's "second signal is ignored").
func (s *Session) SignalPromise(p types.Promise, value handle.Handle) bool {
	return p.Signal(s.coord.Engine(), value)
}

// WaitPromise blocks until p is fulfilled, timeout elapses (zero means no
// timeout), or the wait is interrupted. It must be called outside any
// transaction on ctx — spec §4.5's suspension rule — and returns
// shmerr.ErrWaitInsideTransaction without blocking otherwise.
func (s *Session) WaitPromise(ctx context.Context, p types.Promise, timeout time.Duration) (handle.Handle, coordination.WaitResult, error) {
	return p.Wait(ctx, s.coord.Engine(), timeout)
}
