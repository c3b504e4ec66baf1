package types

import (
	"encoding/binary"

	"github.com/fenilsonani/shmstm/internal/handle"
	"github.com/fenilsonani/shmstm/internal/txn"
)

const listHeaderSize = 16 // length u32 + capacity u32 + backing handle u64

// List is a handle to a segment-allocated growable vector of element
// handles (spec §3, §4.4). Structural changes (append, pop_front, a
// len-changing set) bump its version; so does element mutation via Set.
type List struct {
	H handle.Handle
}

func encodeListHeader(length, capacity uint32, backing handle.Handle) []byte {
	buf := make([]byte, listHeaderSize)
	binary.LittleEndian.PutUint32(buf[0:4], length)
	binary.LittleEndian.PutUint32(buf[4:8], capacity)
	binary.LittleEndian.PutUint64(buf[8:16], uint64(backing))
	return buf
}

func decodeListHeader(buf []byte) (length, capacity uint32, backing handle.Handle) {
	length = binary.LittleEndian.Uint32(buf[0:4])
	capacity = binary.LittleEndian.Uint32(buf[4:8])
	backing = handle.Handle(binary.LittleEndian.Uint64(buf[8:16]))
	return
}

func allocBacking(tx *txn.Tx, capacity uint32) (handle.Handle, error) {
	if capacity == 0 {
		return handle.Nil, nil
	}
	h, err := tx.Alloc(uint64(capacity)*8, 8, uint32(handle.TagList))
	if err != nil {
		return handle.Nil, err
	}
	return h, nil
}

func readBackingSlots(tx *txn.Tx, backing handle.Handle, capacity uint32) []handle.Handle {
	out := make([]handle.Handle, capacity)
	if backing == handle.Nil {
		return out
	}
	payload, _, _ := tx.Read(backing)
	for i := uint32(0); i < capacity && int(i)*8+8 <= len(payload); i++ {
		out[i] = handle.Handle(binary.LittleEndian.Uint64(payload[i*8 : i*8+8]))
	}
	return out
}

func encodeBackingSlots(slots []handle.Handle) []byte {
	buf := make([]byte, len(slots)*8)
	for i, h := range slots {
		binary.LittleEndian.PutUint64(buf[i*8:i*8+8], uint64(h))
	}
	return buf
}

// NewList allocates a list initially holding elems.
func NewList(tx *txn.Tx, elems []handle.Handle) (List, error) {
	capacity := uint32(len(elems))
	if capacity < 4 {
		capacity = 4
	}
	backing, err := allocBacking(tx, capacity)
	if err != nil {
		return List{}, err
	}
	slots := make([]handle.Handle, capacity)
	copy(slots, elems)
	tx.Write(backing, encodeBackingSlots(slots), uint32(handle.TagList))

	for _, h := range elems {
		retainElement(tx, h)
	}

	payload := encodeListHeader(uint32(len(elems)), capacity, backing)
	h, err := tx.Alloc(listHeaderSize, 8, uint32(handle.TagList))
	if err != nil {
		return List{}, err
	}
	tx.Write(h, payload, uint32(handle.TagList))
	return List{H: h}, nil
}

func (l List) read(tx *txn.Tx) (length, capacity uint32, backing handle.Handle, err error) {
	payload, _, err := tx.Read(l.H)
	if err != nil {
		return 0, 0, handle.Nil, err
	}
	length, capacity, backing = decodeListHeader(payload)
	return
}

// Len returns the list's current length.
func (l List) Len(tx *txn.Tx) (int, error) {
	length, _, _, err := l.read(tx)
	return int(length), err
}

// Get returns the element handle at index i.
func (l List) Get(tx *txn.Tx, i int) (handle.Handle, error) {
	length, capacity, backing, err := l.read(tx)
	if err != nil {
		return handle.Nil, err
	}
	if i < 0 || uint32(i) >= length {
		return handle.Nil, shmListIndexError(i, int(length))
	}
	slots := readBackingSlots(tx, backing, capacity)
	return slots[i], nil
}

// Set overwrites the element handle at index i, bumping the list's
// version. The replaced element's refcount is released.
func (l List) Set(tx *txn.Tx, i int, v handle.Handle) error {
	length, capacity, backing, err := l.read(tx)
	if err != nil {
		return err
	}
	if i < 0 || uint32(i) >= length {
		return shmListIndexError(i, int(length))
	}
	slots := readBackingSlots(tx, backing, capacity)
	old := slots[i]
	slots[i] = v
	tx.Write(backing, encodeBackingSlots(slots), uint32(handle.TagList))
	retainElement(tx, v)
	releaseElement(tx, old)
	// Touch the list's own payload so its version bumps too (spec §4.4:
	// "element mutation via set bumps version").
	tx.Write(l.H, encodeListHeader(length, capacity, backing), uint32(handle.TagList))
	return nil
}

// Append adds v to the end of the list, growing the backing array (and
// enqueueing the superseded one for reclamation) if it's full.
func (l List) Append(tx *txn.Tx, v handle.Handle) error {
	length, capacity, backing, err := l.read(tx)
	if err != nil {
		return err
	}
	slots := readBackingSlots(tx, backing, capacity)
	if length == capacity {
		newCap := capacity * 2
		if newCap == 0 {
			newCap = 4
		}
		newBacking, err := allocBacking(tx, newCap)
		if err != nil {
			return err
		}
		grown := make([]handle.Handle, newCap)
		copy(grown, slots)
		tx.Write(newBacking, encodeBackingSlots(grown), uint32(handle.TagList))
		if backing != handle.Nil {
			tx.StageRetiredAlloc(backing, uint64(capacity)*8)
		}
		backing = newBacking
		capacity = newCap
		slots = grown
	}
	slots[length] = v
	tx.Write(backing, encodeBackingSlots(slots), uint32(handle.TagList))
	retainElement(tx, v)
	tx.Write(l.H, encodeListHeader(length+1, capacity, backing), uint32(handle.TagList))
	return nil
}

// PopFront removes and returns the first element, shifting the remainder
// down by one slot.
func (l List) PopFront(tx *txn.Tx) (handle.Handle, error) {
	length, capacity, backing, err := l.read(tx)
	if err != nil {
		return handle.Nil, err
	}
	if length == 0 {
		return handle.Nil, shmListIndexError(0, 0)
	}
	slots := readBackingSlots(tx, backing, capacity)
	front := slots[0]
	copy(slots, slots[1:length])
	slots[length-1] = handle.Nil
	tx.Write(backing, encodeBackingSlots(slots), uint32(handle.TagList))
	tx.Write(l.H, encodeListHeader(length-1, capacity, backing), uint32(handle.TagList))
	return front, nil
}

// Iter returns a stable snapshot of the list's elements: the version and
// backing handle are captured once, at the moment Iter is called. If
// either changes before the caller finishes (detected the usual way, via
// the read log's version check on both the list and its backing), the
// enclosing transaction conflicts at commit (spec §4.4 iteration policy).
func (l List) Iter(tx *txn.Tx) ([]handle.Handle, error) {
	length, capacity, backing, err := l.read(tx)
	if err != nil {
		return nil, err
	}
	if backing != handle.Nil {
		if _, _, err := tx.Read(backing); err != nil {
			return nil, err
		}
	}
	slots := readBackingSlots(tx, backing, capacity)
	return slots[:length], nil
}
