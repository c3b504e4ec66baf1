// Package hyperdrive provides the low-level, cache-aware primitives the
// segment allocator and the coordination layer build on: cache-line
// sizing, exponential-backoff spin-waiting, and NUMA node discovery.
//
// It used to also carry a large set of simulated hardware-acceleration
// stubs (AVX-512 hashing, RDMA transfer, FPGA offload, a toy quantum
// simulator) inherited from the teacher's Git-object-database heritage.
// None of that machinery is reachable from a shared-memory STM engine
// that explicitly excludes distributed operation (spec Non-goals), so it
// was trimmed; see DESIGN.md for the accounting. What survives is the
// part every other package in this module actually calls.
package hyperdrive

import (
	"runtime"
	"sync/atomic"
)

// CacheLineSize is the alignment the segment allocator and object headers
// pad to, so that concurrently-written fields in adjacent objects never
// share a cache line.
const CacheLineSize = 64

// MaxBackoffSpins caps the exponent Backoff uses, so a single backoff
// never yields more than 2^MaxBackoffSpins times, matching the teacher's
// TM_MAX_RETRIES-style escalation in internal/hyperdrive/transactional_memory.go.
const MaxBackoffSpins = 10

// Backoff performs exponential backoff for the given retry count by
// yielding to the scheduler 2^retry times (retry capped at
// MaxBackoffSpins); retry 0 returns at once. Used by Spinlock, by the
// transaction engine's transient lock waits, and by its random-flinch pause.
func Backoff(retry uint32) {
	if retry == 0 {
		return
	}
	if retry > MaxBackoffSpins {
		retry = MaxBackoffSpins
	}
	spins := uint32(1) << retry
	for i := uint32(0); i < spins; i++ {
		runtime.Gosched()
	}
}

// Spinlock is a test-and-set lock with exponential back-off, bounded by
// the number of live participants (the caller passes that bound in so
// the lock degrades to yielding quickly in a busy segment). It backs the
// allocator's per-size-class and large-block free-list locks and the
// reclamation queue's lock; object headers use their own CAS loops.
type Spinlock struct {
	state atomic.Bool
}

// Lock spins until acquired. After each failed attempt it calls Backoff
// with the attempt count, capped at maxParticipants; zero or less means
// "don't know" and is treated as 1.
func (s *Spinlock) Lock(maxParticipants int) {
	if maxParticipants <= 0 {
		maxParticipants = 1
	}
	var retry uint32
	for !s.state.CompareAndSwap(false, true) {
		if int(retry) < maxParticipants {
			retry++
		}
		Backoff(retry)
	}
}

// TryLock attempts to acquire the lock without blocking.
func (s *Spinlock) TryLock() bool {
	return s.state.CompareAndSwap(false, true)
}

// Unlock releases the lock. Unlock on an unlocked Spinlock is a
// programming error and panics, matching the teacher's fail-fast posture
// on invariant violations elsewhere in the tree.
func (s *Spinlock) Unlock() {
	if !s.state.CompareAndSwap(true, false) {
		panic("hyperdrive: unlock of unlocked spinlock")
	}
}

// NUMANode mirrors the teacher's topology record from memory_allocator.go.
// Its only consumer is coordinator.Init, which logs the detected topology
// at segment creation; nothing pins goroutines or allocations to nodes.
type NUMANode struct {
	ID       int
	Distance []int
	Memory   uint64
}

// DetectTopology returns the best-effort NUMA topology for this host. On
// any platform lacking topology information it reports a single node, the
// same fallback the teacher used for non-NUMA systems.
func DetectTopology() []NUMANode {
	return []NUMANode{{ID: 0, Distance: []int{10}, Memory: systemMemoryHint()}}
}

func systemMemoryHint() uint64 {
	var m runtime.MemStats
	runtime.ReadMemStats(&m)
	if m.Sys > 0 {
		return m.Sys
	}
	return 16 * 1024 * 1024 * 1024
}

// AlignUp rounds size up to the next multiple of align, where align is a
// power of two. Used throughout the allocator for cache-line and
// page-size rounding.
func AlignUp(size, align uint64) uint64 {
	return (size + align - 1) &^ (align - 1)
}
