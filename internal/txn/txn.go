// Package txn implements the transaction engine (spec §4.5): per-task read
// and write logs, optimistic version-based conflict detection, the
// ascending-handle commit protocol, and the retry/rollback loop. It is a
// generalization of the teacher's simulated HTM engine
// (internal/hyperdrive/transactional_memory.go, before the rewrite): the
// same Stats-counters-plus-backoff-retry shape, but validating real
// per-object version counters instead of faking a hardware transaction.
package txn

import (
	"context"
	"fmt"
	"math/rand"
	"os"
	"sort"
	"sync"
	"sync/atomic"

	"go.uber.org/zap"

	"github.com/fenilsonani/shmstm/internal/handle"
	"github.com/fenilsonani/shmstm/internal/hyperdrive"
	"github.com/fenilsonani/shmstm/internal/reclaim"
	"github.com/fenilsonani/shmstm/internal/segment"
	"github.com/fenilsonani/shmstm/internal/shmerr"
)

// TxnStats is a point-in-time snapshot of one participant's transaction
// counters, backing print_thread_counters from the original's test
// harness (SPEC_FULL §7).
type TxnStats struct {
	Attempts uint64
	Commits  uint64
	Aborts   uint64
	Retries  uint64
}

type stats struct {
	attempts atomic.Uint64
	commits  atomic.Uint64
	aborts   atomic.Uint64
	retries  atomic.Uint64
}

func (s *stats) snapshot() TxnStats {
	return TxnStats{
		Attempts: s.attempts.Load(),
		Commits:  s.commits.Load(),
		Aborts:   s.aborts.Load(),
		Retries:  s.retries.Load(),
	}
}

// Engine runs transactions against one attached segment on behalf of one
// participant (one process). It is safe for concurrent use by multiple
// goroutines, each driving its own *Tx.
type Engine struct {
	seg         *segment.Segment
	participant *segment.ParticipantEntry
	log         *zap.Logger

	nextTxID atomic.Uint64
	stats    stats

	randomFlinch     atomic.Bool
	debugSyncReclaim atomic.Bool
	reclaimHook      atomic.Pointer[func()]
	debugStopHook    atomic.Pointer[func(handle.Handle)]
}

// NewEngine builds an Engine over seg. participant may be nil (e.g. while
// bootstrapping before the coordinator has assigned a participant-table
// slot); epoch heartbeats are skipped in that case. A nil logger becomes a
// no-op logger.
func NewEngine(seg *segment.Segment, participant *segment.ParticipantEntry, log *zap.Logger) *Engine {
	if log == nil {
		log = zap.NewNop()
	}
	return &Engine{seg: seg, participant: participant, log: log}
}

// SetRandomFlinch toggles the random_flinch debug knob (spec §6): when on,
// commit injects a short random pause before locking its write set, making
// races easier to surface under contention testing.
func (e *Engine) SetRandomFlinch(on bool) { e.randomFlinch.Store(on) }

// SetDebugSynchronousReclaim makes the reclamation sweeper run inline after
// every commit instead of on its own interval (set_debug_reclaimer,
// SPEC_FULL §7), used by the reclamation seed test.
func (e *Engine) SetDebugSynchronousReclaim(on bool) { e.debugSyncReclaim.Store(on) }

// SetReclaimHook wires the function that sweeps the reclamation queue.
// Commit invokes it inline when debug-synchronous-reclaim is armed.
func (e *Engine) SetReclaimHook(fn func()) { e.reclaimHook.Store(&fn) }

// SetDebugStopHook wires a callback invoked when a commit trips an object's
// debug_stop_on_contention arm (spec §6). Defaults to a log line.
func (e *Engine) SetDebugStopHook(fn func(handle.Handle)) { e.debugStopHook.Store(&fn) }

// Stats returns a snapshot of this engine's transaction counters.
func (e *Engine) Stats() TxnStats { return e.stats.snapshot() }

// Segment exposes the underlying segment, for the same reason Tx.Segment
// does.
func (e *Engine) Segment() *segment.Segment { return e.seg }

// writeEntry is one write-log record: the intended new payload, the tag to
// stamp (objects never change tag across a write, but constructors route
// through the same log), and the version this transaction last observed on
// the target before adding it to the write set.
type writeEntry struct {
	payload     []byte
	tag         uint32
	baseVersion uint64
}

type readEntry struct {
	version uint64
	payload []byte
	tag     uint32
}

// Tx is a per-task transaction context (spec §4.5): read log, write log,
// nesting depth, and the allocation/quarantine list. It is not safe for
// concurrent use by multiple goroutines — exactly one goroutine drives a
// given Tx at a time, the same restriction the spec places on per-task
// state.
type Tx struct {
	engine *Engine
	id     uint64

	mu            sync.Mutex
	depth         int
	reads         map[handle.Handle]*readEntry
	writes        map[handle.Handle]*writeEntry
	writeOrder    []handle.Handle
	allocs        []allocRecord
	refDeltas     map[handle.Handle]int64
	retiredAllocs []allocRecord
	userErr       error
}

type allocRecord struct {
	h           handle.Handle
	payloadSize uint64
}

// newTxID composes a transaction id unique across every process attached
// to the segment: the owning process's pid in the upper 32 bits, this
// engine's local sequence number in the lower 32 bits. Object headers
// store only this id in OwnerTx (spec §4.3), so the coordinator's reaper
// can tell which dead process a locked object belonged to without a
// separate owned-handle registry.
func newTxID(seq uint64) uint64 {
	return uint64(uint32(os.Getpid()))<<32 | (seq & 0xffffffff)
}

// OwnerPID extracts the process id portion of a transaction id stored in
// an object header's OwnerTx field.
func OwnerPID(txID uint64) int {
	return int(txID >> 32)
}

type ctxKey struct{}

// FromContext returns the active transaction carried by ctx, if any.
func FromContext(ctx context.Context) (*Tx, bool) {
	tx, ok := ctx.Value(ctxKey{}).(*Tx)
	return tx, ok
}

// Active reports whether ctx carries an active transaction (used to
// enforce the suspension rule: promise.wait and other blocking operations
// must refuse to run while one does).
func Active(ctx context.Context) bool {
	_, ok := FromContext(ctx)
	return ok
}

// Begin starts or joins a transaction. If ctx already carries one, the
// nesting depth is incremented and the same *Tx is returned (nested begin
// joins the outer, spec §4.5); otherwise a fresh context is created.
func (e *Engine) Begin(ctx context.Context) (context.Context, *Tx) {
	if tx, ok := FromContext(ctx); ok {
		tx.mu.Lock()
		tx.depth++
		tx.mu.Unlock()
		return ctx, tx
	}
	tx := &Tx{
		engine:    e,
		id:        newTxID(e.nextTxID.Add(1)),
		depth:     1,
		reads:     make(map[handle.Handle]*readEntry),
		writes:    make(map[handle.Handle]*writeEntry),
		refDeltas: make(map[handle.Handle]int64),
	}
	e.stats.attempts.Add(1)
	return context.WithValue(ctx, ctxKey{}, tx), tx
}

// Segment exposes the underlying segment for packages (internal/types,
// internal/reclaim callers) that need to address structures below the
// read/write-log level, such as bumping a header's refcount directly.
func (tx *Tx) Segment() *segment.Segment { return tx.engine.seg }

// Depth returns the current nesting depth; 0 means no active transaction.
func (tx *Tx) Depth() int {
	tx.mu.Lock()
	defer tx.mu.Unlock()
	return tx.depth
}

// Read records and returns the payload and tag for h as observed by this
// transaction: the first read of h snapshots its current version and
// bytes; every later read, in this transaction, of the same handle returns
// that snapshot unless the transaction has since written h itself, in
// which case the pending write shadows it.
func (tx *Tx) Read(h handle.Handle) ([]byte, uint32, error) {
	tx.mu.Lock()
	defer tx.mu.Unlock()

	if w, ok := tx.writes[h]; ok {
		out := make([]byte, len(w.payload))
		copy(out, w.payload)
		return out, w.tag, nil
	}
	if r, ok := tx.reads[h]; ok {
		out := make([]byte, len(r.payload))
		copy(out, r.payload)
		return out, r.tag, nil
	}

	hdr := tx.engine.seg.Header(h)
	version := hdr.Version.Load()
	payload := tx.engine.seg.PayloadBytes(h, uint64(hdr.PayloadSize))
	snap := make([]byte, len(payload))
	copy(snap, payload)
	tx.reads[h] = &readEntry{version: version, payload: snap, tag: hdr.Tag}
	out := make([]byte, len(snap))
	copy(out, snap)
	return out, hdr.Tag, nil
}

// Write stages a new payload for h. The object is not locked yet; other
// transactions keep reading the pre-write value until this transaction
// commits (spec §4.5 write path).
func (tx *Tx) Write(h handle.Handle, payload []byte, tag uint32) {
	tx.mu.Lock()
	defer tx.mu.Unlock()

	staged := make([]byte, len(payload))
	copy(staged, payload)

	if existing, ok := tx.writes[h]; ok {
		existing.payload = staged
		existing.tag = tag
		return
	}

	base := tx.engine.seg.Header(h).Version.Load()
	if r, ok := tx.reads[h]; ok {
		base = r.version
	}
	tx.writes[h] = &writeEntry{payload: staged, tag: tag, baseVersion: base}
	tx.writeOrder = append(tx.writeOrder, h)
}

// Alloc reserves a new object and quarantines it: on abort it is freed, on
// commit it is released to the reachable graph (spec §4.5, §4.7).
func (tx *Tx) Alloc(size, align uint64, tag uint32) (handle.Handle, error) {
	h, err := tx.engine.seg.Alloc(size, align)
	if err != nil {
		return handle.Nil, err
	}
	if h != handle.Sentinel {
		hdr := tx.engine.seg.Header(h)
		hdr.Tag = tag
		hdr.PayloadSize = uint32(size)
		hdr.Refcount.Store(1)
	}
	tx.mu.Lock()
	tx.allocs = append(tx.allocs, allocRecord{h: h, payloadSize: size})
	tx.mu.Unlock()
	return h, nil
}

// StageRefDelta stages a retain (+1) or release (-1) against h's refcount
// (internal/types' retainElement/releaseElement). The delta is only
// applied to the live header if this transaction actually commits;
// Rollback/RollbackRetaining discard it untouched. This keeps a
// container's element bookkeeping out of an aborted transaction's
// observable effects (spec §8), the same guarantee the write log already
// gives the container's own structural payload.
func (tx *Tx) StageRefDelta(h handle.Handle, delta int64) {
	if h == handle.Nil || h == handle.Sentinel {
		return
	}
	tx.mu.Lock()
	tx.refDeltas[h] += delta
	tx.mu.Unlock()
}

// StageRetiredAlloc marks h - a backing array superseded by a structural
// grow (List.Append, Map.grow) - as garbage once this transaction
// commits. Unlike tx.allocs, which Rollback frees because the
// allocation never became reachable, a retired backing array is still
// the live backing array until commit actually replaces it; an aborted
// transaction must leave it alone.
func (tx *Tx) StageRetiredAlloc(h handle.Handle, payloadSize uint64) {
	if h == handle.Nil || h == handle.Sentinel {
		return
	}
	tx.mu.Lock()
	tx.retiredAllocs = append(tx.retiredAllocs, allocRecord{h: h, payloadSize: payloadSize})
	tx.mu.Unlock()
}

// Fail records a user error as the cause of the coming rollback, so Commit
// (really the caller's retry loop, via Rollback) can re-surface it verbatim
// instead of folding it into a generic abort (spec §7).
func (tx *Tx) Fail(err error) {
	tx.mu.Lock()
	defer tx.mu.Unlock()
	if tx.userErr == nil {
		tx.userErr = err
	}
}

// Commit runs the five-phase commit protocol on the outermost commit;
// nested commits just decrement the depth counter without validating
// (spec §4.5). Returns shmerr.ErrAbort (wrapped with the conflicting
// handle's number) on conflict — the caller's retry loop is expected to
// call RollbackRetaining and re-enter the transactional region.
func (e *Engine) Commit(ctx context.Context) error {
	tx, ok := FromContext(ctx)
	if !ok {
		return shmerr.ErrNoActiveTransaction
	}

	tx.mu.Lock()
	if tx.depth > 1 {
		tx.depth--
		tx.mu.Unlock()
		return nil
	}
	tx.mu.Unlock()

	if tx.userErr != nil {
		e.Rollback(ctx)
		return shmerr.WrapUser(tx.userErr)
	}

	if e.randomFlinch.Load() {
		hyperdrive.Backoff(uint32(1 + rand.Intn(3)))
	}

	writeOrder := append([]handle.Handle(nil), tx.writeOrder...)
	sort.Slice(writeOrder, func(i, j int) bool { return writeOrder[i] < writeOrder[j] })

	locked := make([]handle.Handle, 0, len(writeOrder))
	abortHandle := handle.Nil
	for _, h := range writeOrder {
		hdr := e.seg.Header(h)
		w := tx.writes[h]
		if !hdr.TryLockWrite(tx.id) {
			abortHandle = h
			break
		}
		if hdr.Version.Load() != w.baseVersion {
			hdr.UnlockWrite()
			abortHandle = h
			break
		}
		locked = append(locked, h)
	}

	// Phase 1 (write-set lock acquisition/validation, above) and phase 2
	// (read-set validation, below) report distinct conflict kinds via
	// get_contention_count (spec §3/§6): a phase-1 abort is a write
	// conflict, a phase-2 abort is a read conflict.
	readConflict := false
	if abortHandle == handle.Nil {
		for h, r := range tx.reads {
			if _, isWrite := tx.writes[h]; isWrite {
				continue
			}
			hdr := e.seg.Header(h)
			if hdr.IsWriteLocked() && hdr.LockedBy() != tx.id {
				abortHandle = h
				readConflict = true
				break
			}
			if hdr.Version.Load() != r.version {
				abortHandle = h
				readConflict = true
				break
			}
		}
	}

	if abortHandle != handle.Nil {
		for _, h := range locked {
			e.seg.Header(h).UnlockWrite()
		}
		e.recordConflict(abortHandle, readConflict)
		e.stats.aborts.Add(1)
		e.log.Debug("transaction aborted", zap.Uint64("tx", tx.id), zap.Uint64("handle", uint64(abortHandle)))
		e.rollbackLocked(tx)
		return fmt.Errorf("%w: handle %d", shmerr.ErrAbort, abortHandle)
	}

	for _, h := range locked {
		hdr := e.seg.Header(h)
		w := tx.writes[h]
		dst := e.seg.PayloadBytes(h, uint64(hdr.PayloadSize))
		n := copy(dst, w.payload)
		for i := n; i < len(dst); i++ {
			dst[i] = 0
		}
		hdr.Tag = w.tag
		hdr.Version.Add(1)
	}
	for _, h := range locked {
		e.seg.Header(h).UnlockWrite()
	}

	// Refcount deltas and retired backing arrays staged by internal/types
	// only become real now that commit has actually succeeded; an
	// aborted attempt above never reaches this point, so a header's
	// refcount and a superseded backing array are untouched on abort.
	// An object allocated by this transaction starts at refcount 1 (its
	// quarantine reference). The first container retain staged against it
	// takes that reference over instead of adding a second one, so an
	// object stored in one slot holds refcount 1 and drops to zero once
	// that slot is overwritten or deleted.
	for _, a := range tx.allocs {
		if tx.refDeltas[a.h] > 0 {
			tx.refDeltas[a.h]--
		}
	}
	if len(tx.refDeltas) > 0 || len(tx.retiredAllocs) > 0 {
		epoch := e.seg.NextEpoch()
		for h, delta := range tx.refDeltas {
			hdr := e.seg.Header(h)
			if hdr.AddRef(delta) == 0 {
				reclaim.Enqueue(e.seg, h, uint64(hdr.PayloadSize), epoch)
			}
		}
		for _, a := range tx.retiredAllocs {
			reclaim.Enqueue(e.seg, a.h, a.payloadSize, epoch)
		}
	}

	tx.mu.Lock()
	tx.allocs = nil
	tx.refDeltas = make(map[handle.Handle]int64)
	tx.retiredAllocs = nil
	tx.mu.Unlock()

	e.stats.commits.Add(1)
	if e.participant != nil {
		// Heartbeat into the same global allocation-epoch counter that
		// reclaim.Enqueue stamps freed objects with (internal/types/
		// refcount.go and friends), so sweepOnce/minActiveEpoch is
		// comparing two views of one counter, not two independent clocks.
		e.participant.Epoch.Store(e.seg.NextEpoch())
	}
	e.log.Debug("transaction committed", zap.Uint64("tx", tx.id), zap.Int("writes", len(locked)))

	if e.debugSyncReclaim.Load() {
		if hook := e.reclaimHook.Load(); hook != nil && *hook != nil {
			(*hook)()
		}
	}

	return nil
}

func (e *Engine) recordConflict(h handle.Handle, readConflict bool) {
	hdr := e.seg.Header(h)
	if readConflict {
		hdr.RecordReadConflict()
	} else {
		hdr.RecordWriteConflict()
	}
	if hdr.ConsumeDebugArm() {
		if hook := e.debugStopHook.Load(); hook != nil && *hook != nil {
			(*hook)(h)
		} else {
			e.log.Warn("debug_stop_on_contention tripped", zap.Uint64("handle", uint64(h)))
		}
	}
}

// Rollback discards the write and read logs and frees quarantined
// allocations. ctx still carries the rolled-back Tx, so Begin on the same
// ctx joins it (incrementing its depth) rather than starting a fresh
// transaction; Begin on a context without a transaction starts a fresh one.
func (e *Engine) Rollback(ctx context.Context) error {
	tx, ok := FromContext(ctx)
	if !ok {
		return shmerr.ErrNoActiveTransaction
	}
	e.rollbackLocked(tx)

	tx.mu.Lock()
	tx.reads = make(map[handle.Handle]*readEntry)
	tx.writes = make(map[handle.Handle]*writeEntry)
	tx.writeOrder = nil
	tx.mu.Unlock()
	return nil
}

// RollbackRetaining discards the write log and frees quarantined
// allocations but keeps the context alive at depth 1, ready for the
// caller's retry loop to re-enter the transactional region (spec §4.5
// aborted → active transition).
func (e *Engine) RollbackRetaining(ctx context.Context) error {
	tx, ok := FromContext(ctx)
	if !ok {
		return shmerr.ErrNoActiveTransaction
	}
	e.rollbackLocked(tx)

	tx.mu.Lock()
	tx.depth = 1
	tx.reads = make(map[handle.Handle]*readEntry)
	tx.writes = make(map[handle.Handle]*writeEntry)
	tx.writeOrder = nil
	tx.userErr = nil
	tx.mu.Unlock()
	e.stats.retries.Add(1)
	return nil
}

func (e *Engine) rollbackLocked(tx *Tx) {
	tx.mu.Lock()
	allocs := tx.allocs
	tx.allocs = nil
	// Staged refcount deltas and retired backing arrays are discarded,
	// not applied: the container write that would have made them real
	// never committed, so the headers they'd have touched must come out
	// of this transaction exactly as they went in (spec §8).
	tx.refDeltas = make(map[handle.Handle]int64)
	tx.retiredAllocs = nil
	tx.mu.Unlock()

	for _, a := range allocs {
		if a.h == handle.Sentinel || a.h == handle.Nil {
			continue
		}
		e.seg.Free(a.h, a.payloadSize)
	}
}

// TransientRead reads h outside any transaction: single-writer semantics
// via the object's own write-locked flag used as a plain mutex, no version
// logging (spec §4.5 transient escape).
func (e *Engine) TransientRead(h handle.Handle) []byte {
	hdr := e.seg.Header(h)
	var retry uint32
	for !hdr.TryLockWrite(0) {
		retry++
		hyperdrive.Backoff(retry)
	}
	payload := e.seg.PayloadBytes(h, uint64(hdr.PayloadSize))
	out := make([]byte, len(payload))
	copy(out, payload)
	hdr.UnlockWrite()
	return out
}

// TransientWrite mutates h outside any transaction, taking and releasing
// the object's header lock as a plain mutex around the copy.
func (e *Engine) TransientWrite(h handle.Handle, payload []byte) {
	hdr := e.seg.Header(h)
	var retry uint32
	for !hdr.TryLockWrite(0) {
		retry++
		hyperdrive.Backoff(retry)
	}
	dst := e.seg.PayloadBytes(h, uint64(hdr.PayloadSize))
	n := copy(dst, payload)
	for i := n; i < len(dst); i++ {
		dst[i] = 0
	}
	hdr.Version.Add(1)
	hdr.UnlockWrite()
}

// Do runs fn inside a transaction, retrying indefinitely on retryable
// aborts (spec §4.5: "bounded retries are a caller policy, not an engine
// one"). An error fn returns is recorded with tx.Fail, so Commit rolls
// back and re-surfaces it wrapped in shmerr.UserError instead of folding it
// into a generic abort; it is retried only if it is itself retryable. Do
// takes no retry bound: each attempt begins a fresh transaction, and the
// attempt/commit/abort counters are available via Stats.
func (e *Engine) Do(ctx context.Context, fn func(ctx context.Context, tx *Tx) error) error {
	for {
		txCtx, tx := e.Begin(ctx)
		err := fn(txCtx, tx)
		if err != nil {
			tx.Fail(err)
		}
		commitErr := e.Commit(txCtx)
		if commitErr == nil {
			return nil
		}
		if shmerr.Retryable(commitErr) {
			continue
		}
		return commitErr
	}
}
