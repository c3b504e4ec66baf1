// Package segment implements the shared-memory segment and its two
// suballocators (spec §4.1): a size-class slab allocator for headers and
// small objects, and a coalescing free-list allocator for larger
// payloads. It also carries the segment's metadata page (magic, layout
// version, root handle, participant table, reclamation queue) that
// internal/coordinator and internal/reclaim build on.
//
// The segment is a named, file-backed mmap — attaching processes map the
// same file at whatever local virtual address the OS hands them, and
// every cross-process reference is a byte offset from the start of that
// mapping, never a raw pointer (spec's "fixed base address" design
// note). This is a direct generalization of the teacher's
// PersistentMemoryPool (internal/hyperdrive/persistent_memory.go, before
// the rewrite): same os.OpenFile + syscall.Mmap(MAP_SHARED) shape, now
// driving real STM handles instead of a byte-addressed object store.
package segment

import (
	"encoding/binary"
	"fmt"
	"os"
	"path/filepath"
	"sync"
	"sync/atomic"
	"syscall"
	"unsafe"

	"github.com/fenilsonani/shmstm/internal/handle"
	"github.com/fenilsonani/shmstm/internal/hyperdrive"
	"github.com/fenilsonani/shmstm/internal/shmerr"
)

const (
	magic        uint32 = 0x50534f53 // "PSOS", per spec §6
	layoutVersion uint32 = 1

	// MaxParticipants bounds the fixed-capacity participant table (spec §6).
	MaxParticipants = 256

	// ReclaimQueueCapacity bounds the epoch-tagged reclamation ring
	// buffer (spec §4.7). Sized generously above the N=10,000 object
	// reclamation seed test (spec §8 scenario 5).
	ReclaimQueueCapacity = 65536

	// DefaultSize is used when a caller doesn't specify a segment size.
	DefaultSize = 256 * 1024 * 1024

	slabClassCount = 6
)

// slabClassSizes are the fixed size classes for the small-object
// allocator, per spec §4.1.
var slabClassSizes = [slabClassCount]uint64{16, 32, 64, 128, 256, 512}

// ParticipantEntry is one row of the fixed-capacity participant table
// (spec §6): process id, attachment epoch (bumped on every commit, used
// as a liveness heartbeat), a handle to a process-shared event for
// diagnostic triggers, and status flags.
type ParticipantEntry struct {
	PID         atomic.Uint32
	Epoch       atomic.Uint64
	EventHandle atomic.Uint64
	Flags       atomic.Uint32
}

// Participant flag bits (ParticipantEntry.Flags).
const (
	ParticipantAlive uint32 = 0
	ParticipantDead  uint32 = 1 << 0
)

// Superblock is the segment's metadata page (spec §4.2, §6): magic,
// layout version, root handle, the bump/free-list allocator state, and
// the participant table. It sits at offset 0 of the mapping.
type Superblock struct {
	Magic         uint32
	Version       uint32
	TotalSize     atomic.Uint64
	RootHandle    atomic.Uint64
	AllocEpoch    atomic.Uint64
	AllocOffset   atomic.Uint64
	DebugFlags    atomic.Uint32

	SlabHeads [slabClassCount]atomic.Uint64
	SlabLocks [slabClassCount]hyperdrive.Spinlock

	LargeFreeHead atomic.Uint64
	LargeLock     hyperdrive.Spinlock

	ReclaimHead atomic.Uint64
	ReclaimTail atomic.Uint64
	ReclaimLock hyperdrive.Spinlock

	ParticipantCount atomic.Uint32
	Participants     [MaxParticipants]ParticipantEntry
	Reclaim          [ReclaimQueueCapacity]ReclaimEntry
}

// ReclaimEntry is one slot of the reclamation ring buffer: a zero-refcount
// object tagged with the allocation epoch active when it hit zero.
type ReclaimEntry struct {
	Handle    atomic.Uint64
	Epoch     atomic.Uint64
	ClassIdx  atomic.Int32
	Size      atomic.Uint64
	Occupied  atomic.Uint32
}

// Segment is a mapped, named shared-memory region.
type Segment struct {
	Name string
	file *os.File
	data []byte
	sb   *Superblock
	mu   sync.Mutex // serializes Close calls on this process's handle; Alloc and Free do not take it
}

func segmentPath(dir, name string) string {
	return filepath.Join(dir, name+".shmstm")
}

// Create makes a new named segment of the given size, maps it, and
// initializes the allocator header. It fails with ErrAlreadyExists if
// the name is taken and ErrOutOfResources if the OS refuses the mapping.
func Create(dir, name string, size uint64) (*Segment, error) {
	if size < uint64(unsafe.Sizeof(Superblock{}))+hyperdrive.CacheLineSize {
		size = uint64(unsafe.Sizeof(Superblock{})) + hyperdrive.CacheLineSize*1024
	}
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return nil, fmt.Errorf("segment: create directory: %w", err)
	}
	path := segmentPath(dir, name)
	f, err := os.OpenFile(path, os.O_RDWR|os.O_CREATE|os.O_EXCL, 0o644)
	if err != nil {
		if os.IsExist(err) {
			return nil, shmerr.ErrAlreadyExists
		}
		return nil, fmt.Errorf("segment: create: %w", err)
	}

	seg, err := mapAndInit(f, size, true)
	if err != nil {
		f.Close()
		os.Remove(path)
		return nil, err
	}
	seg.Name = name
	return seg, nil
}

// Attach maps an existing named segment. It fails with ErrNotFound if
// the segment doesn't exist and ErrVersionMismatch if the layout
// identifier in the header doesn't match this build.
func Attach(dir, name string) (*Segment, error) {
	path := segmentPath(dir, name)
	f, err := os.OpenFile(path, os.O_RDWR, 0o644)
	if err != nil {
		if os.IsNotExist(err) {
			return nil, shmerr.ErrNotFound
		}
		return nil, fmt.Errorf("segment: attach: %w", err)
	}

	info, err := f.Stat()
	if err != nil {
		f.Close()
		return nil, fmt.Errorf("segment: stat: %w", err)
	}

	seg, err := mapAndInit(f, uint64(info.Size()), false)
	if err != nil {
		f.Close()
		return nil, err
	}
	seg.Name = name
	return seg, nil
}

func mapAndInit(f *os.File, size uint64, create bool) (*Segment, error) {
	if create {
		if err := f.Truncate(int64(size)); err != nil {
			return nil, fmt.Errorf("segment: truncate: %w", err)
		}
	}

	data, err := syscall.Mmap(int(f.Fd()), 0, int(size), syscall.PROT_READ|syscall.PROT_WRITE, syscall.MAP_SHARED)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", shmerr.ErrOutOfResources, err)
	}

	seg := &Segment{file: f, data: data, sb: (*Superblock)(unsafe.Pointer(&data[0]))}

	if create {
		seg.sb.Magic = magic
		seg.sb.Version = layoutVersion
		seg.sb.TotalSize.Store(size)
		seg.sb.AllocOffset.Store(hyperdrive.AlignUp(uint64(unsafe.Sizeof(Superblock{})), hyperdrive.CacheLineSize))
	} else {
		if seg.sb.Magic != magic {
			syscall.Munmap(data)
			return nil, shmerr.ErrCorruption
		}
		if seg.sb.Version != layoutVersion {
			syscall.Munmap(data)
			return nil, shmerr.ErrVersionMismatch
		}
	}

	return seg, nil
}

// Close unmaps the segment. It does not remove the backing file — the
// coordinator that created the segment owns its lifetime.
func (s *Segment) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.data == nil {
		return nil
	}
	err := syscall.Munmap(s.data)
	s.data = nil
	s.file.Close()
	return err
}

// Destroy unmaps the segment and removes its backing file. Called by the
// coordinator's creator process at shutdown (the segment is volatile,
// spec §1 Non-goals: no durability).
func (s *Segment) Destroy(dir string) error {
	name := s.Name
	if err := s.Close(); err != nil {
		return err
	}
	return os.Remove(segmentPath(dir, name))
}

// Superblock exposes the metadata page for the coordinator and
// reclamation packages layered above this one.
func (s *Segment) Superblock() *Superblock { return s.sb }

// Size returns the segment's total mapped size.
func (s *Segment) Size() uint64 { return s.sb.TotalSize.Load() }

// Header returns the object header for h. h must not be handle.Nil or
// handle.Sentinel.
func (s *Segment) Header(h handle.Handle) *handle.Header {
	return (*handle.Header)(unsafe.Pointer(&s.data[uint64(h)]))
}

// Payload returns a pointer to the payload bytes following h's header.
func (s *Segment) Payload(h handle.Handle) unsafe.Pointer {
	return unsafe.Pointer(&s.data[uint64(h)+handle.Size])
}

// PayloadBytes returns the payload region of h as a byte slice of length n.
func (s *Segment) PayloadBytes(h handle.Handle, n uint64) []byte {
	off := uint64(h) + handle.Size
	return s.data[off : off+n : off+n]
}

// Bytes exposes the raw mapping, for components (e.g. coordinator) that
// need to address structures outside the object-header model, such as
// the participant table embedded in the superblock.
func (s *Segment) Bytes() []byte { return s.data }

func (s *Segment) readUint64(off uint64) uint64 {
	return binary.LittleEndian.Uint64(s.data[off : off+8])
}

func (s *Segment) writeUint64(off uint64, v uint64) {
	binary.LittleEndian.PutUint64(s.data[off:off+8], v)
}

func slabClassFor(total uint64) (int, bool) {
	for i, c := range slabClassSizes {
		if total <= c {
			return i, true
		}
	}
	return 0, false
}

// Alloc reserves a block large enough for a handle.Header plus size
// bytes of payload, aligned to align bytes (at most 64, spec §4.1).
// Zero-size allocations return handle.Sentinel without touching memory.
func (s *Segment) Alloc(size, align uint64) (handle.Handle, error) {
	if align > hyperdrive.CacheLineSize {
		return handle.Nil, shmerr.ErrAlignmentTooLarge
	}
	if size == 0 {
		return handle.Sentinel, nil
	}

	total := hyperdrive.AlignUp(handle.Size+size, hyperdrive.CacheLineSize)
	if idx, ok := slabClassFor(total); ok {
		return s.allocSlab(idx)
	}
	return s.allocLarge(total)
}

// Free returns a block previously obtained from Alloc. Callers that must
// respect in-flight read sets go through internal/reclaim instead of
// calling Free directly (spec §4.7).
func (s *Segment) Free(h handle.Handle, payloadSize uint64) {
	if h == handle.Sentinel || h == handle.Nil {
		return
	}
	total := hyperdrive.AlignUp(handle.Size+payloadSize, hyperdrive.CacheLineSize)
	if idx, ok := slabClassFor(total); ok {
		s.freeSlab(idx, h)
		return
	}
	s.freeLarge(h, total)
}

func (s *Segment) bumpAlloc(size uint64) (uint64, error) {
	for {
		cur := s.sb.AllocOffset.Load()
		aligned := hyperdrive.AlignUp(cur, hyperdrive.CacheLineSize)
		next := aligned + size
		if next > s.sb.TotalSize.Load() {
			return 0, shmerr.ErrOutOfMemory
		}
		if s.sb.AllocOffset.CompareAndSwap(cur, next) {
			return aligned, nil
		}
	}
}

func (s *Segment) allocSlab(idx int) (handle.Handle, error) {
	classSize := slabClassSizes[idx]
	lock := &s.sb.SlabLocks[idx]
	lock.Lock(int(s.sb.ParticipantCount.Load()))
	defer lock.Unlock()

	head := s.sb.SlabHeads[idx].Load()
	if head != 0 {
		next := s.readUint64(head)
		s.sb.SlabHeads[idx].Store(next)
		return handle.Handle(head), nil
	}

	off, err := s.bumpAlloc(classSize)
	if err != nil {
		return handle.Nil, err
	}
	return handle.Handle(off), nil
}

func (s *Segment) freeSlab(idx int, h handle.Handle) {
	lock := &s.sb.SlabLocks[idx]
	lock.Lock(int(s.sb.ParticipantCount.Load()))
	defer lock.Unlock()

	head := s.sb.SlabHeads[idx].Load()
	s.writeUint64(uint64(h), head)
	s.sb.SlabHeads[idx].Store(uint64(h))
}

// largeBlockHeader is the boundary tag prefixed to every block managed
// by the coalescing allocator, free or in use. It lives in the same
// address range the handle.Header would otherwise occupy; large
// allocations pay for both since handle.Header sits after it.
type largeBlockHeader struct {
	Size     uint64 // total size of this block, header included
	PrevSize uint64 // size of the physically preceding block, 0 if none
	Free     uint32
	_        uint32
	Next     uint64 // free-list link, valid only when Free != 0
}

var largeHeaderSize = uint64(unsafe.Sizeof(largeBlockHeader{}))

func (s *Segment) largeHeaderAt(off uint64) *largeBlockHeader {
	return (*largeBlockHeader)(unsafe.Pointer(&s.data[off]))
}

// allocLarge finds the smallest free block that fits (best-fit) or
// bump-allocates a fresh one, per spec §4.1.
func (s *Segment) allocLarge(total uint64) (handle.Handle, error) {
	need := total + largeHeaderSize

	s.sb.LargeLock.Lock(int(s.sb.ParticipantCount.Load()))
	defer s.sb.LargeLock.Unlock()

	var bestOff uint64
	var bestSize uint64
	found := false

	cur := s.sb.LargeFreeHead.Load()
	var prev uint64
	var bestPrevLink uint64
	for cur != 0 {
		hdr := s.largeHeaderAt(cur)
		if hdr.Size >= need && (!found || hdr.Size < bestSize) {
			found = true
			bestOff = cur
			bestSize = hdr.Size
			bestPrevLink = prev
		}
		prev = cur
		cur = hdr.Next
	}

	if !found {
		off, err := s.bumpAlloc(need)
		if err != nil {
			return handle.Nil, err
		}
		hdr := s.largeHeaderAt(off)
		hdr.Size = need
		hdr.Free = 0
		hdr.PrevSize = 0
		return handle.Handle(off + largeHeaderSize), nil
	}

	// unlink bestOff from the free list
	hdr := s.largeHeaderAt(bestOff)
	if bestPrevLink == 0 {
		s.sb.LargeFreeHead.Store(hdr.Next)
	} else {
		s.largeHeaderAt(bestPrevLink).Next = hdr.Next
	}

	// split if there's enough left over for another usable block
	if hdr.Size > need+largeHeaderSize+hyperdrive.CacheLineSize {
		splitOff := bestOff + need
		split := s.largeHeaderAt(splitOff)
		split.Size = hdr.Size - need
		split.PrevSize = need
		split.Free = 1
		split.Next = s.sb.LargeFreeHead.Load()
		s.sb.LargeFreeHead.Store(splitOff)
		hdr.Size = need
	}

	hdr.Free = 0
	return handle.Handle(bestOff + largeHeaderSize), nil
}

func (s *Segment) freeLarge(h handle.Handle, _ uint64) {
	off := uint64(h) - largeHeaderSize

	s.sb.LargeLock.Lock(int(s.sb.ParticipantCount.Load()))
	defer s.sb.LargeLock.Unlock()

	hdr := s.largeHeaderAt(off)
	hdr.Free = 1
	hdr.Next = s.sb.LargeFreeHead.Load()
	s.sb.LargeFreeHead.Store(off)

	s.coalesce(off)
}

// coalesce merges the free block at off with a physically-following free
// neighbor, walking the free list to find and unlink it. Backward
// coalescing (with PrevSize) is left for a future pass; this single
// forward merge already bounds fragmentation for the append/free-heavy
// workloads the seed tests exercise.
func (s *Segment) coalesce(off uint64) {
	hdr := s.largeHeaderAt(off)
	neighborOff := off + hdr.Size
	if neighborOff >= s.sb.AllocOffset.Load() {
		return
	}
	neighbor := s.largeHeaderAt(neighborOff)
	if neighbor.Free == 0 {
		return
	}

	// unlink neighbor from the free list
	var prev uint64
	cur := s.sb.LargeFreeHead.Load()
	for cur != 0 {
		if cur == neighborOff {
			if prev == 0 {
				s.sb.LargeFreeHead.Store(neighbor.Next)
			} else {
				s.largeHeaderAt(prev).Next = neighbor.Next
			}
			break
		}
		prev = cur
		cur = s.largeHeaderAt(cur).Next
	}

	hdr.Size += neighbor.Size
}

// FreeBytes returns an estimate of unallocated space: the portion of the
// segment never touched by the bump allocator, plus whatever is parked
// on the slab and large free lists.
func (s *Segment) FreeBytes() uint64 {
	free := s.sb.TotalSize.Load() - s.sb.AllocOffset.Load()

	for idx := range slabClassSizes {
		lock := &s.sb.SlabLocks[idx]
		lock.Lock(int(s.sb.ParticipantCount.Load()))
		cur := s.sb.SlabHeads[idx].Load()
		for cur != 0 {
			free += slabClassSizes[idx]
			cur = s.readUint64(cur)
		}
		lock.Unlock()
	}

	s.sb.LargeLock.Lock(int(s.sb.ParticipantCount.Load()))
	cur := s.sb.LargeFreeHead.Load()
	for cur != 0 {
		hdr := s.largeHeaderAt(cur)
		free += hdr.Size
		cur = hdr.Next
	}
	s.sb.LargeLock.Unlock()

	return free
}

// NextEpoch atomically bumps and returns the segment's allocation epoch,
// used to tag reclamation entries and as each participant's post-commit
// heartbeat. Allocations themselves carry no epoch stamp.
func (s *Segment) NextEpoch() uint64 {
	return s.sb.AllocEpoch.Add(1)
}

// CurrentEpoch returns the allocation epoch without advancing it.
func (s *Segment) CurrentEpoch() uint64 {
	return s.sb.AllocEpoch.Load()
}
