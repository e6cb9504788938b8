package interp

import (
	"encoding/binary"
	"fmt"

	"github.com/bytedance/sonic"
)

// Snapshot framing: a 4-byte magic, a big-endian u16 version, then a
// JSON body. The typed body keeps integers intact across the JSON
// round-trip.
const (
	snapshotMagic   = "SBSS"
	snapshotVersion = 1
)

type savedValue struct {
	Kind string `json:"kind"`
	Int  int64  `json:"int,omitempty"`
	Str  string `json:"str,omitempty"`
}

// snapshot serializes the top-level namespace.
func (in *Instance) snapshot() ([]byte, error) {
	in.mu.Lock()
	saved := make(map[string]savedValue, len(in.globals))
	for name, v := range in.globals {
		switch v.kind {
		case intKind:
			saved[name] = savedValue{Kind: "int", Int: v.i}
		case strKind:
			saved[name] = savedValue{Kind: "str", Str: v.s}
		}
	}
	in.mu.Unlock()

	body, err := sonic.Marshal(saved)
	if err != nil {
		return nil, fmt.Errorf("encode snapshot: %w", err)
	}

	buf := make([]byte, 0, len(snapshotMagic)+2+len(body))
	buf = append(buf, snapshotMagic...)
	buf = binary.BigEndian.AppendUint16(buf, snapshotVersion)
	buf = append(buf, body...)
	return buf, nil
}

// restore replaces the namespace from a snapshot. The namespace is
// untouched when the snapshot does not validate.
func (in *Instance) restore(data []byte) error {
	headerLen := len(snapshotMagic) + 2
	if len(data) < headerLen {
		return fmt.Errorf("invalid snapshot: %d byte(s) is too short", len(data))
	}
	if string(data[:len(snapshotMagic)]) != snapshotMagic {
		return fmt.Errorf("invalid snapshot: bad magic")
	}
	version := binary.BigEndian.Uint16(data[len(snapshotMagic):headerLen])
	if version != snapshotVersion {
		return fmt.Errorf("invalid snapshot: unsupported version %d", version)
	}

	var saved map[string]savedValue
	if err := sonic.Unmarshal(data[headerLen:], &saved); err != nil {
		return fmt.Errorf("invalid snapshot: %w", err)
	}

	globals := make(map[string]value, len(saved))
	for name, sv := range saved {
		switch sv.Kind {
		case "int":
			globals[name] = intVal(sv.Int)
		case "str":
			globals[name] = strVal(sv.Str)
		default:
			return fmt.Errorf("invalid snapshot: unknown value kind %q for %q", sv.Kind, name)
		}
	}

	in.mu.Lock()
	in.globals = globals
	in.mu.Unlock()
	return nil
}
