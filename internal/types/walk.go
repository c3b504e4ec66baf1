package types

import (
	"github.com/fenilsonani/shmstm/internal/handle"
	"github.com/fenilsonani/shmstm/internal/segment"
)

// The functions below read a container's structure directly off the
// segment, bypassing any transaction log. They exist for the
// coordinator's reaper (spec §9's "diagnostic tool that walks the
// reachable graph from the root"), which runs outside any transaction
// and must not take a dependency on one just to enumerate child handles.

// ListChildren returns the live element handles of the list at h.
func ListChildren(seg *segment.Segment, h handle.Handle) []handle.Handle {
	payload := seg.PayloadBytes(h, uint64(seg.Header(h).PayloadSize))
	length, _, backing := decodeListHeader(payload)
	if backing == handle.Nil {
		return nil
	}
	slotsBuf := seg.PayloadBytes(backing, uint64(seg.Header(backing).PayloadSize))
	out := make([]handle.Handle, 0, length)
	for i := uint32(0); i < length && int(i)*8+8 <= len(slotsBuf); i++ {
		out = append(out, handle.Handle(leUint64(slotsBuf[i*8:i*8+8])))
	}
	return out
}

// MapChildren returns every key-scalar and value handle reachable from
// the map at h.
func MapChildren(seg *segment.Segment, h handle.Handle) []handle.Handle {
	payload := seg.PayloadBytes(h, uint64(seg.Header(h).PayloadSize))
	_, capacity, backing := decodeMapHeader(payload)
	if backing == handle.Nil {
		return nil
	}
	slotsBuf := seg.PayloadBytes(backing, uint64(seg.Header(backing).PayloadSize))
	slots := decodeMapSlots(slotsBuf, capacity)
	out := make([]handle.Handle, 0, len(slots)*2)
	for _, s := range slots {
		if s.state != slotOccupied {
			continue
		}
		out = append(out, s.key, s.value)
	}
	return out
}

// TupleChildren returns the element handles of the tuple at h.
func TupleChildren(seg *segment.Segment, h handle.Handle) []handle.Handle {
	payload := seg.PayloadBytes(h, uint64(seg.Header(h).PayloadSize))
	out := make([]handle.Handle, len(payload)/8)
	for i := range out {
		out[i] = handle.Handle(leUint64(payload[i*8 : i*8+8]))
	}
	return out
}

// ObjectChildren returns the attribute map handle of the object at h (the
// walker recurses into it as an ordinary map).
func ObjectChildren(seg *segment.Segment, h handle.Handle) []handle.Handle {
	payload := seg.PayloadBytes(h, uint64(seg.Header(h).PayloadSize))
	_, attrs := decodeObjectHeader(payload)
	return []handle.Handle{attrs}
}

func leUint64(b []byte) uint64 {
	return uint64(b[0]) | uint64(b[1])<<8 | uint64(b[2])<<16 | uint64(b[3])<<24 |
		uint64(b[4])<<32 | uint64(b[5])<<40 | uint64(b[6])<<48 | uint64(b[7])<<56
}
