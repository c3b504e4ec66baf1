package types

import (
	"encoding/binary"

	"github.com/fenilsonani/shmstm/internal/handle"
	"github.com/fenilsonani/shmstm/internal/txn"
)

// Object is a handle to a user-defined object: an attribute map plus a
// type-identity string naming a host-language class (spec §3, §4.4). The
// core stores only attribute state — the host binds methods externally,
// and the identity string is never schema-checked here (SPEC_FULL §7,
// ShmObject as a thin attribute-map with class identity).
type Object struct {
	H handle.Handle
}

func encodeObjectHeader(typeName string, attrs handle.Handle) []byte {
	nb := []byte(typeName)
	buf := make([]byte, 4+len(nb)+8)
	binary.LittleEndian.PutUint32(buf[0:4], uint32(len(nb)))
	copy(buf[4:4+len(nb)], nb)
	binary.LittleEndian.PutUint64(buf[4+len(nb):], uint64(attrs))
	return buf
}

func decodeObjectHeader(buf []byte) (typeName string, attrs handle.Handle) {
	n := binary.LittleEndian.Uint32(buf[0:4])
	typeName = string(buf[4 : 4+n])
	attrs = handle.Handle(binary.LittleEndian.Uint64(buf[4+n:]))
	return
}

// NewObject allocates an object of the given type identity with no
// attributes set.
func NewObject(tx *txn.Tx, typeName string) (Object, error) {
	attrs, err := NewMap(tx, 4)
	if err != nil {
		return Object{}, err
	}
	payload := encodeObjectHeader(typeName, attrs.H)
	h, err := tx.Alloc(uint64(len(payload)), 8, uint32(handle.TagObject))
	if err != nil {
		return Object{}, err
	}
	tx.Write(h, payload, uint32(handle.TagObject))
	return Object{H: h}, nil
}

// TypeName returns the identity string recorded at construction.
func (o Object) TypeName(tx *txn.Tx) (string, error) {
	payload, _, err := tx.Read(o.H)
	if err != nil {
		return "", err
	}
	name, _ := decodeObjectHeader(payload)
	return name, nil
}

func (o Object) attrs(tx *txn.Tx) (Map, error) {
	payload, _, err := tx.Read(o.H)
	if err != nil {
		return Map{}, err
	}
	_, attrs := decodeObjectHeader(payload)
	return Map{H: attrs}, nil
}

// Get returns the attribute handle stored under name.
func (o Object) Get(tx *txn.Tx, name string) (handle.Handle, bool, error) {
	attrs, err := o.attrs(tx)
	if err != nil {
		return handle.Nil, false, err
	}
	return attrs.Get(tx, name)
}

// Put sets the attribute named name to v.
func (o Object) Put(tx *txn.Tx, name string, v handle.Handle) error {
	attrs, err := o.attrs(tx)
	if err != nil {
		return err
	}
	return attrs.Put(tx, name, v)
}
