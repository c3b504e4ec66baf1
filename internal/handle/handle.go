// Package handle defines the segment-relative object handle and the
// per-object header every allocation in the segment carries as its
// prefix (spec §3, §4.3). Handles are never dereferenced as raw
// process-local pointers — they are offsets, stable across every
// process that has mapped the segment.
package handle

import (
	"sync/atomic"
	"unsafe"
)

// Handle is a segment-relative byte offset identifying an object. It is
// stable across participants that have attached the same segment.
type Handle uint64

// Nil is the zero handle: never a valid allocation, used as a "no value"
// marker in containers and in owner-transaction fields.
const Nil Handle = 0

// Sentinel is returned by a zero-size allocation. It is guaranteed to
// never be dereferenced — callers must special-case it before computing
// a header or payload address.
const Sentinel Handle = ^Handle(0)

// Tag identifies the shape of an allocation's payload.
type Tag uint32

const (
	TagScalar Tag = iota + 1
	TagList
	TagMap
	TagTuple
	TagObject
	TagPromise
)

func (t Tag) String() string {
	switch t {
	case TagScalar:
		return "scalar"
	case TagList:
		return "list"
	case TagMap:
		return "map"
	case TagTuple:
		return "tuple"
	case TagObject:
		return "object"
	case TagPromise:
		return "promise"
	default:
		return "unknown"
	}
}

// Flag bits stored in Header.Flags.
const (
	FlagWriteLocked     uint32 = 1 << iota
	FlagDebugContention        // object_debug_stop_on_contention armed
	FlagFrozen                 // scalar/tuple immutability marker
)

// Header is the fixed-size prefix of every allocation in the segment.
// All fields that may be touched concurrently are atomic, per spec §4.3.
type Header struct {
	Tag            uint32
	PayloadSize    uint32
	Refcount       atomic.Uint32
	Flags          atomic.Uint32
	Version        atomic.Uint64
	OwnerTx        atomic.Uint64
	ReadConflicts  atomic.Uint32
	WriteConflicts atomic.Uint32
}

// Size is the header's footprint in the segment; the allocator reserves
// this many bytes ahead of every object's payload.
var Size = uint64(unsafe.Sizeof(Header{}))

// IncRef atomically increments the refcount and returns the new value.
func (h *Header) IncRef() uint32 {
	return h.Refcount.Add(1)
}

// DecRef atomically decrements the refcount and returns the new value.
// A transition to zero is the caller's cue to hand the handle to the
// reclamation queue (spec §4.7) rather than freeing it directly.
func (h *Header) DecRef() uint32 {
	return h.Refcount.Add(^uint32(0))
}

// AddRef atomically applies delta (positive to retain, negative to
// release) to the refcount and returns the new value. Used to apply a
// transaction's staged retain/release deltas at commit.
func (h *Header) AddRef(delta int64) uint32 {
	return h.Refcount.Add(uint32(int32(delta)))
}

// TryLockWrite attempts to set the write-locked flag and record the
// owning transaction id, per commit phase 1 (spec §4.5). It fails if the
// object is already write-locked by any transaction.
func (h *Header) TryLockWrite(txID uint64) bool {
	for {
		old := h.Flags.Load()
		if old&FlagWriteLocked != 0 {
			return false
		}
		if h.Flags.CompareAndSwap(old, old|FlagWriteLocked) {
			h.OwnerTx.Store(txID)
			return true
		}
	}
}

// UnlockWrite releases the write lock taken by TryLockWrite.
func (h *Header) UnlockWrite() {
	h.OwnerTx.Store(0)
	for {
		old := h.Flags.Load()
		if h.Flags.CompareAndSwap(old, old&^FlagWriteLocked) {
			return
		}
	}
}

// IsWriteLocked reports whether any transaction currently holds the
// write lock on this object.
func (h *Header) IsWriteLocked() bool {
	return h.Flags.Load()&FlagWriteLocked != 0
}

// LockedBy returns the owning transaction id, or 0 if unlocked.
func (h *Header) LockedBy() uint64 {
	return h.OwnerTx.Load()
}

// ArmDebugStopOnContention sets a per-object breakpoint flag consulted
// by the transaction engine on the object's next conflict
// (object_debug_stop_on_contention, spec §6).
func (h *Header) ArmDebugStopOnContention() {
	for {
		old := h.Flags.Load()
		if h.Flags.CompareAndSwap(old, old|FlagDebugContention) {
			return
		}
	}
}

// DebugArmed reports whether ArmDebugStopOnContention was called and not
// yet consumed.
func (h *Header) DebugArmed() bool {
	return h.Flags.Load()&FlagDebugContention != 0
}

// ConsumeDebugArm clears the debug-contention flag, returning whether it
// had been set. Called by the engine the moment it trips the breakpoint.
func (h *Header) ConsumeDebugArm() bool {
	for {
		old := h.Flags.Load()
		if old&FlagDebugContention == 0 {
			return false
		}
		if h.Flags.CompareAndSwap(old, old&^FlagDebugContention) {
			return true
		}
	}
}

// Freeze marks a scalar or tuple as immutable, set once at construction.
func (h *Header) Freeze() {
	for {
		old := h.Flags.Load()
		if h.Flags.CompareAndSwap(old, old|FlagFrozen) {
			return
		}
	}
}

// Frozen reports whether Freeze was called.
func (h *Header) Frozen() bool {
	return h.Flags.Load()&FlagFrozen != 0
}

// RecordReadConflict bumps the diagnostic read-conflict counter.
func (h *Header) RecordReadConflict() {
	h.ReadConflicts.Add(1)
}

// RecordWriteConflict bumps the diagnostic write-conflict counter.
func (h *Header) RecordWriteConflict() {
	h.WriteConflicts.Add(1)
}

// Contention returns the (reads, writes) diagnostic conflict counters,
// backing get_contention_count (spec §6).
func (h *Header) Contention() (reads, writes uint64) {
	return uint64(h.ReadConflicts.Load()), uint64(h.WriteConflicts.Load())
}
