// Package types implements the shared value model (spec §4.4): the
// immutable scalar box, the transactional list, map, tuple and user
// object, and the single-shot promise. Every type here is a thin view
// over a handle.Handle — construction allocates through a txn.Tx, and
// every accessor threads the same *txn.Tx
// so reads and writes land in that transaction's logs.
package types

import (
	"encoding/binary"
	"math"

	"github.com/fenilsonani/shmstm/internal/handle"
	"github.com/fenilsonani/shmstm/internal/txn"
)

// Kind identifies the scalar payload of a ShmValue.
type Kind byte

const (
	KindNone Kind = iota
	KindInt
	KindFloat
	KindBool
	KindBytes
	KindString
)

// ShmValue is a handle to an immutable scalar box (spec §3, §4.4).
// Equality is value equality; identity is handle equality.
type ShmValue struct {
	H handle.Handle
}

func encodeScalar(kind Kind, data []byte) []byte {
	out := make([]byte, 1+len(data))
	out[0] = byte(kind)
	copy(out[1:], data)
	return out
}

// NewInt allocates a frozen integer scalar.
func NewInt(tx *txn.Tx, v int64) (ShmValue, error) {
	buf := make([]byte, 8)
	binary.LittleEndian.PutUint64(buf, uint64(v))
	return newScalar(tx, KindInt, buf)
}

// NewFloat allocates a frozen floating-point scalar.
func NewFloat(tx *txn.Tx, v float64) (ShmValue, error) {
	buf := make([]byte, 8)
	binary.LittleEndian.PutUint64(buf, math.Float64bits(v))
	return newScalar(tx, KindFloat, buf)
}

// NewBool allocates a frozen boolean scalar.
func NewBool(tx *txn.Tx, v bool) (ShmValue, error) {
	b := byte(0)
	if v {
		b = 1
	}
	return newScalar(tx, KindBool, []byte{b})
}

// NewNone allocates the frozen "no value" scalar.
func NewNone(tx *txn.Tx) (ShmValue, error) {
	return newScalar(tx, KindNone, nil)
}

// NewBytes allocates a frozen byte-string scalar.
func NewBytes(tx *txn.Tx, v []byte) (ShmValue, error) {
	return newScalar(tx, KindBytes, v)
}

// NewString allocates a frozen UTF-8 string scalar.
func NewString(tx *txn.Tx, v string) (ShmValue, error) {
	return newScalar(tx, KindString, []byte(v))
}

func newScalar(tx *txn.Tx, kind Kind, data []byte) (ShmValue, error) {
	payload := encodeScalar(kind, data)
	h, err := tx.Alloc(uint64(len(payload)), 8, uint32(handle.TagScalar))
	if err != nil {
		return ShmValue{}, err
	}
	tx.Write(h, payload, uint32(handle.TagScalar))
	tx.Segment().Header(h).Freeze()
	return ShmValue{H: h}, nil
}

// Kind returns the scalar's payload kind.
func (v ShmValue) Kind(tx *txn.Tx) (Kind, error) {
	payload, _, err := tx.Read(v.H)
	if err != nil {
		return KindNone, err
	}
	if len(payload) == 0 {
		return KindNone, nil
	}
	return Kind(payload[0]), nil
}

// Int reads the scalar as a signed integer.
func (v ShmValue) Int(tx *txn.Tx) (int64, error) {
	payload, _, err := tx.Read(v.H)
	if err != nil {
		return 0, err
	}
	return int64(binary.LittleEndian.Uint64(payload[1:9])), nil
}

// Float reads the scalar as a float64.
func (v ShmValue) Float(tx *txn.Tx) (float64, error) {
	payload, _, err := tx.Read(v.H)
	if err != nil {
		return 0, err
	}
	return math.Float64frombits(binary.LittleEndian.Uint64(payload[1:9])), nil
}

// Bool reads the scalar as a boolean.
func (v ShmValue) Bool(tx *txn.Tx) (bool, error) {
	payload, _, err := tx.Read(v.H)
	if err != nil {
		return false, err
	}
	return payload[1] != 0, nil
}

// Bytes reads the scalar as a raw byte string.
func (v ShmValue) Bytes(tx *txn.Tx) ([]byte, error) {
	payload, _, err := tx.Read(v.H)
	if err != nil {
		return nil, err
	}
	out := make([]byte, len(payload)-1)
	copy(out, payload[1:])
	return out, nil
}

// String reads the scalar as a UTF-8 string.
func (v ShmValue) String(tx *txn.Tx) (string, error) {
	b, err := v.Bytes(tx)
	if err != nil {
		return "", err
	}
	return string(b), nil
}

// Equal compares two scalars by value, per spec §3 (equality is value
// equality, identity is handle equality).
func (v ShmValue) Equal(tx *txn.Tx, other ShmValue) (bool, error) {
	if v.H == other.H {
		return true, nil
	}
	a, _, err := tx.Read(v.H)
	if err != nil {
		return false, err
	}
	b, _, err := tx.Read(other.H)
	if err != nil {
		return false, err
	}
	if len(a) != len(b) {
		return false, nil
	}
	for i := range a {
		if a[i] != b[i] {
			return false, nil
		}
	}
	return true, nil
}
