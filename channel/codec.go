package channel

import (
	"encoding/binary"

	"github.com/wippyai/sandbox-runtime/errors"
)

// The wire framing moves a whole stack across the substrate boundary in
// one linear-memory buffer: for each value, bottom of stack first, a
// kind byte followed by a payload. Scalars and discriminants are
// unsigned varints; strings and byte buffers are length-prefixed raw
// bytes.

// MarshalStack encodes the current stack into a wire frame without
// consuming it.
func (c *CallContext) MarshalStack() ([]byte, error) {
	if c.violation != nil {
		return nil, c.violation
	}

	buf := make([]byte, 0, 64)
	var tmp [binary.MaxVarintLen64]byte

	for _, v := range c.stack {
		buf = append(buf, byte(v.Kind))
		switch v.Kind {
		case KindString:
			n := binary.PutUvarint(tmp[:], uint64(len(v.Str)))
			buf = append(buf, tmp[:n]...)
			buf = append(buf, v.Str...)
		case KindBytes:
			n := binary.PutUvarint(tmp[:], uint64(len(v.Raw)))
			buf = append(buf, tmp[:n]...)
			buf = append(buf, v.Raw...)
		default:
			n := binary.PutUvarint(tmp[:], v.Num)
			buf = append(buf, tmp[:n]...)
		}
	}
	return buf, nil
}

// UnmarshalStack decodes a wire frame, pushing each value in frame
// order. Decoding into a context that still holds unconsumed arguments
// records a protocol violation via the usual push rules.
func (c *CallContext) UnmarshalStack(data []byte) error {
	off := 0
	for off < len(data) {
		kind := Kind(data[off])
		off++

		switch kind {
		case KindString, KindBytes:
			length, n := binary.Uvarint(data[off:])
			if n <= 0 {
				return errors.Protocol("truncated length prefix in wire frame")
			}
			off += n
			end := off + int(length)
			if end > len(data) || end < off {
				return errors.Protocolf("wire frame payload overruns buffer at offset %d", off)
			}
			if kind == KindString {
				c.push(Value{Kind: KindString, Str: string(data[off:end])})
			} else {
				raw := make([]byte, length)
				copy(raw, data[off:end])
				c.push(Value{Kind: KindBytes, Raw: raw})
			}
			off = end

		case KindBool, KindU8, KindU16, KindU32, KindU64,
			KindS8, KindS16, KindS32, KindS64,
			KindF32, KindF64, KindResult, KindOption:
			num, n := binary.Uvarint(data[off:])
			if n <= 0 {
				return errors.Protocol("truncated scalar in wire frame")
			}
			off += n
			c.push(Value{Kind: kind, Num: num})

		default:
			return errors.Protocolf("unknown value kind 0x%02x in wire frame", byte(kind))
		}

		if c.violation != nil {
			return c.violation
		}
	}
	return nil
}
