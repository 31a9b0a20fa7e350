package trigger

import (
	"encoding/binary"
	"fmt"

	"github.com/yairfalse/runqslower/internal/sampler"
)

// RecordSize is the byte length of a trigger record on the BPF ring buffer.
const RecordSize = 40

// Kind identifies the trigger point that produced a record
type Kind uint32

const (
	KindRunnable  Kind = 1
	KindScheduled Kind = 2
	KindExit      Kind = 3
)

func (k Kind) String() string {
	switch k {
	case KindRunnable:
		return "runnable"
	case KindScheduled:
		return "scheduled"
	case KindExit:
		return "exit"
	default:
		return fmt.Sprintf("kind(%d)", uint32(k))
	}
}

// ParseKind is the inverse of Kind.String for the known kinds
func ParseKind(s string) (Kind, error) {
	switch s {
	case "runnable":
		return KindRunnable, nil
	case "scheduled":
		return KindScheduled, nil
	case "exit":
		return KindExit, nil
	}
	return 0, fmt.Errorf("unknown trigger kind %q", s)
}

// Record is one trigger event. Layout (little endian):
//
//	kind u32 | tid u32 | pid u32 | pad u32 | ts u64 | comm [16]byte
type Record struct {
	Kind      Kind
	TID       uint32
	PID       uint32
	Timestamp uint64
	Comm      sampler.Comm
}

// Decode parses a raw ring buffer sample
func Decode(raw []byte) (Record, error) {
	if len(raw) < RecordSize {
		return Record{}, fmt.Errorf("short trigger record: got=%d want>=%d", len(raw), RecordSize)
	}
	var r Record
	r.Kind = Kind(binary.LittleEndian.Uint32(raw[0:4]))
	r.TID = binary.LittleEndian.Uint32(raw[4:8])
	r.PID = binary.LittleEndian.Uint32(raw[8:12])
	r.Timestamp = binary.LittleEndian.Uint64(raw[16:24])
	copy(r.Comm[:], raw[24:40])
	return r, nil
}

// Encode writes r in the ring buffer layout
func (r Record) Encode() []byte {
	raw := make([]byte, RecordSize)
	binary.LittleEndian.PutUint32(raw[0:4], uint32(r.Kind))
	binary.LittleEndian.PutUint32(raw[4:8], r.TID)
	binary.LittleEndian.PutUint32(raw[8:12], r.PID)
	binary.LittleEndian.PutUint64(raw[16:24], r.Timestamp)
	copy(raw[24:40], r.Comm[:])
	return raw
}

// Dispatch forwards r to the matching hook
func Dispatch(h Hooks, r Record) error {
	switch r.Kind {
	case KindRunnable:
		h.OnRunnable(r.TID, r.Timestamp)
	case KindScheduled:
		h.OnScheduled(r.TID, r.PID, r.Comm, r.Timestamp)
	case KindExit:
		h.OnExit(r.TID)
	default:
		return fmt.Errorf("unknown trigger kind %d", uint32(r.Kind))
	}
	return nil
}
