package types

import (
	"encoding/binary"

	"github.com/fenilsonani/shmstm/internal/handle"
	"github.com/fenilsonani/shmstm/internal/txn"
)

// Tuple is a handle to a fixed-length, immutable sequence of element
// handles, constructed atomically (spec §3, §4.4).
type Tuple struct {
	H handle.Handle
}

// NewTuple allocates a frozen tuple from elems.
func NewTuple(tx *txn.Tx, elems []handle.Handle) (Tuple, error) {
	payload := make([]byte, len(elems)*8)
	for i, e := range elems {
		binary.LittleEndian.PutUint64(payload[i*8:i*8+8], uint64(e))
	}
	h, err := tx.Alloc(uint64(len(payload)), 8, uint32(handle.TagTuple))
	if err != nil {
		return Tuple{}, err
	}
	tx.Write(h, payload, uint32(handle.TagTuple))
	for _, e := range elems {
		retainElement(tx, e)
	}
	tx.Segment().Header(h).Freeze()
	return Tuple{H: h}, nil
}

// Len returns the tuple's fixed length.
func (t Tuple) Len(tx *txn.Tx) (int, error) {
	payload, _, err := tx.Read(t.H)
	if err != nil {
		return 0, err
	}
	return len(payload) / 8, nil
}

// Get returns the element handle at index i.
func (t Tuple) Get(tx *txn.Tx, i int) (handle.Handle, error) {
	payload, _, err := tx.Read(t.H)
	if err != nil {
		return handle.Nil, err
	}
	if i < 0 || i*8+8 > len(payload) {
		return handle.Nil, shmListIndexError(i, len(payload)/8)
	}
	return handle.Handle(binary.LittleEndian.Uint64(payload[i*8 : i*8+8])), nil
}

// Elements returns every element handle, in order.
func (t Tuple) Elements(tx *txn.Tx) ([]handle.Handle, error) {
	payload, _, err := tx.Read(t.H)
	if err != nil {
		return nil, err
	}
	out := make([]handle.Handle, len(payload)/8)
	for i := range out {
		out[i] = handle.Handle(binary.LittleEndian.Uint64(payload[i*8 : i*8+8]))
	}
	return out, nil
}
