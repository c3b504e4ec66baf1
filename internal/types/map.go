package types

import (
	"encoding/binary"

	"github.com/cespare/xxhash/v2"

	"github.com/fenilsonani/shmstm/internal/handle"
	"github.com/fenilsonani/shmstm/internal/txn"
)

const (
	mapHeaderSize  = 16 // length u32 + capacity u32 + backing handle u64
	mapSlotSize    = 32 // state u64 + hash u64 + key handle u64 + value handle u64
	mapLoadPercent = 75
)

const (
	slotEmpty uint64 = iota
	slotOccupied
	slotTombstone
)

// Map is a handle to a segment-allocated open-addressed hash table from
// string keys to element handles (spec §3, §4.4). Structural
// modifications (insert, delete) bump its version.
type Map struct {
	H handle.Handle
}

func encodeMapHeader(length, capacity uint32, backing handle.Handle) []byte {
	buf := make([]byte, mapHeaderSize)
	binary.LittleEndian.PutUint32(buf[0:4], length)
	binary.LittleEndian.PutUint32(buf[4:8], capacity)
	binary.LittleEndian.PutUint64(buf[8:16], uint64(backing))
	return buf
}

func decodeMapHeader(buf []byte) (length, capacity uint32, backing handle.Handle) {
	length = binary.LittleEndian.Uint32(buf[0:4])
	capacity = binary.LittleEndian.Uint32(buf[4:8])
	backing = handle.Handle(binary.LittleEndian.Uint64(buf[8:16]))
	return
}

type mapSlot struct {
	state uint64
	hash  uint64
	key   handle.Handle
	value handle.Handle
}

func encodeMapSlots(slots []mapSlot) []byte {
	buf := make([]byte, len(slots)*mapSlotSize)
	for i, s := range slots {
		off := i * mapSlotSize
		binary.LittleEndian.PutUint64(buf[off:off+8], s.state)
		binary.LittleEndian.PutUint64(buf[off+8:off+16], s.hash)
		binary.LittleEndian.PutUint64(buf[off+16:off+24], uint64(s.key))
		binary.LittleEndian.PutUint64(buf[off+24:off+32], uint64(s.value))
	}
	return buf
}

func decodeMapSlots(buf []byte, capacity uint32) []mapSlot {
	out := make([]mapSlot, capacity)
	for i := uint32(0); i < capacity; i++ {
		off := int(i) * mapSlotSize
		if off+mapSlotSize > len(buf) {
			break
		}
		out[i] = mapSlot{
			state: binary.LittleEndian.Uint64(buf[off : off+8]),
			hash:  binary.LittleEndian.Uint64(buf[off+8 : off+16]),
			key:   handle.Handle(binary.LittleEndian.Uint64(buf[off+16 : off+24])),
			value: handle.Handle(binary.LittleEndian.Uint64(buf[off+24 : off+32])),
		}
	}
	return out
}

func nextPow2(n uint32) uint32 {
	if n == 0 {
		return 1
	}
	n--
	n |= n >> 1
	n |= n >> 2
	n |= n >> 4
	n |= n >> 8
	n |= n >> 16
	return n + 1
}

// NewMap allocates an empty map with room for at least hint entries
// before its first grow.
func NewMap(tx *txn.Tx, hint int) (Map, error) {
	capacity := nextPow2(uint32(hint))
	if capacity < 8 {
		capacity = 8
	}
	backing, err := tx.Alloc(uint64(capacity)*mapSlotSize, 8, uint32(handle.TagMap))
	if err != nil {
		return Map{}, err
	}
	tx.Write(backing, encodeMapSlots(make([]mapSlot, capacity)), uint32(handle.TagMap))

	h, err := tx.Alloc(mapHeaderSize, 8, uint32(handle.TagMap))
	if err != nil {
		return Map{}, err
	}
	tx.Write(h, encodeMapHeader(0, capacity, backing), uint32(handle.TagMap))
	return Map{H: h}, nil
}

func (m Map) read(tx *txn.Tx) (length, capacity uint32, backing handle.Handle, err error) {
	payload, _, err := tx.Read(m.H)
	if err != nil {
		return 0, 0, handle.Nil, err
	}
	length, capacity, backing = decodeMapHeader(payload)
	return
}

func (m Map) slots(tx *txn.Tx, backing handle.Handle, capacity uint32) []mapSlot {
	payload, _, _ := tx.Read(backing)
	return decodeMapSlots(payload, capacity)
}

// Len returns the number of entries currently stored.
func (m Map) Len(tx *txn.Tx) (int, error) {
	length, _, _, err := m.read(tx)
	return int(length), err
}

// find returns the slot index holding key, or (-1, insertion point) if
// absent: insertion point is the first empty-or-tombstone slot seen
// during the probe.
func find(slots []mapSlot, capacity uint32, hash uint64, key string, readKey func(handle.Handle) string) (found int, insertAt int) {
	insertAt = -1
	mask := capacity - 1
	idx := uint32(hash) & mask
	for i := uint32(0); i < capacity; i++ {
		s := slots[idx]
		switch s.state {
		case slotEmpty:
			if insertAt < 0 {
				insertAt = int(idx)
			}
			return -1, insertAt
		case slotTombstone:
			if insertAt < 0 {
				insertAt = int(idx)
			}
		case slotOccupied:
			if s.hash == hash && readKey(s.key) == key {
				return int(idx), -1
			}
		}
		idx = (idx + 1) & mask
	}
	return -1, insertAt
}

func (m Map) readKeyString(tx *txn.Tx) func(handle.Handle) string {
	return func(h handle.Handle) string {
		str, _ := (ShmValue{H: h}).String(tx)
		return str
	}
}

// Get looks up key and returns its value handle.
func (m Map) Get(tx *txn.Tx, key string) (handle.Handle, bool, error) {
	_, capacity, backing, err := m.read(tx)
	if err != nil {
		return handle.Nil, false, err
	}
	slots := m.slots(tx, backing, capacity)
	idx, _ := find(slots, capacity, xxhash.Sum64String(key), key, m.readKeyString(tx))
	if idx < 0 {
		return handle.Nil, false, nil
	}
	return slots[idx].value, true, nil
}

// Contains reports whether key is present.
func (m Map) Contains(tx *txn.Tx, key string) (bool, error) {
	_, ok, err := m.Get(tx, key)
	return ok, err
}

func (m Map) grow(tx *txn.Tx, length, capacity uint32, backing handle.Handle) (uint32, handle.Handle, error) {
	newCap := capacity * 2
	newBacking, err := tx.Alloc(uint64(newCap)*mapSlotSize, 8, uint32(handle.TagMap))
	if err != nil {
		return 0, handle.Nil, err
	}
	newSlots := make([]mapSlot, newCap)
	for _, s := range m.slots(tx, backing, capacity) {
		if s.state != slotOccupied {
			continue
		}
		mask := newCap - 1
		idx := uint32(s.hash) & mask
		for newSlots[idx].state == slotOccupied {
			idx = (idx + 1) & mask
		}
		newSlots[idx] = s
	}
	tx.Write(newBacking, encodeMapSlots(newSlots), uint32(handle.TagMap))
	tx.StageRetiredAlloc(backing, uint64(capacity)*mapSlotSize)
	return newCap, newBacking, nil
}

// Put inserts or updates key, retaining v's refcount and releasing the
// previous value's, if any. Bumps the map's version.
func (m Map) Put(tx *txn.Tx, key string, v handle.Handle) error {
	length, capacity, backing, err := m.read(tx)
	if err != nil {
		return err
	}

	if (length+1)*100 >= capacity*mapLoadPercent {
		capacity, backing, err = m.grow(tx, length, capacity, backing)
		if err != nil {
			return err
		}
	}

	slots := m.slots(tx, backing, capacity)
	hash := xxhash.Sum64String(key)
	idx, insertAt := find(slots, capacity, hash, key, m.readKeyString(tx))

	if idx >= 0 {
		old := slots[idx].value
		slots[idx].value = v
		tx.Write(backing, encodeMapSlots(slots), uint32(handle.TagMap))
		retainElement(tx, v)
		releaseElement(tx, old)
		tx.Write(m.H, encodeMapHeader(length, capacity, backing), uint32(handle.TagMap))
		return nil
	}

	keyVal, err := NewString(tx, key)
	if err != nil {
		return err
	}
	slots[insertAt] = mapSlot{state: slotOccupied, hash: hash, key: keyVal.H, value: v}
	tx.Write(backing, encodeMapSlots(slots), uint32(handle.TagMap))
	retainElement(tx, v)
	tx.Write(m.H, encodeMapHeader(length+1, capacity, backing), uint32(handle.TagMap))
	return nil
}

// Delete removes key, if present, releasing its stored key and value
// refcounts. Bumps the map's version when key was present.
func (m Map) Delete(tx *txn.Tx, key string) (bool, error) {
	length, capacity, backing, err := m.read(tx)
	if err != nil {
		return false, err
	}
	slots := m.slots(tx, backing, capacity)
	idx, _ := find(slots, capacity, xxhash.Sum64String(key), key, m.readKeyString(tx))
	if idx < 0 {
		return false, nil
	}
	old := slots[idx]
	slots[idx] = mapSlot{state: slotTombstone}
	tx.Write(backing, encodeMapSlots(slots), uint32(handle.TagMap))
	releaseElement(tx, old.key)
	releaseElement(tx, old.value)
	tx.Write(m.H, encodeMapHeader(length-1, capacity, backing), uint32(handle.TagMap))
	return true, nil
}

// IterKeys returns a stable snapshot of the map's keys, per the same
// iteration-stability policy as List.Iter.
func (m Map) IterKeys(tx *txn.Tx) ([]string, error) {
	_, capacity, backing, err := m.read(tx)
	if err != nil {
		return nil, err
	}
	slots := m.slots(tx, backing, capacity)
	out := make([]string, 0, len(slots))
	for _, s := range slots {
		if s.state != slotOccupied {
			continue
		}
		str, err := (ShmValue{H: s.key}).String(tx)
		if err != nil {
			return nil, err
		}
		out = append(out, str)
	}
	return out, nil
}

// IterValues returns a stable snapshot of the map's value handles.
func (m Map) IterValues(tx *txn.Tx) ([]handle.Handle, error) {
	_, capacity, backing, err := m.read(tx)
	if err != nil {
		return nil, err
	}
	slots := m.slots(tx, backing, capacity)
	out := make([]handle.Handle, 0, len(slots))
	for _, s := range slots {
		if s.state != slotOccupied {
			continue
		}
		out = append(out, s.value)
	}
	return out, nil
}
