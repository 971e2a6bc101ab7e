// SPDX-License-Identifier: MPL-2.0

// Package wire implements the hand-rolled, length-delimited, field-tagged
// binary codec the G3 transport speaks (spec component A). It intentionally
// does not depend on a generated protobuf schema: message shapes are
// documented as tables alongside the decoders that read them, and unknown
// field numbers are skipped rather than rejected, so firmware that adds
// fields does not break older clients.
package wire

import (
	"encoding/binary"
	"fmt"
)

// WireType is the low 3 bits of a field header, identifying how to read the
// field's payload.
type WireType byte

const (
	WireVarint      WireType = 0
	WireFixed64     WireType = 1
	WireLengthDelim WireType = 2
	WireFixed32     WireType = 5
)

// Field is one decoded (field_number, wire_type, payload) triple.
type Field struct {
	Number int
	Type   WireType
	Data   []byte
}

// errTruncated is wrapped into a CodecError by callers when a buffer ends
// mid-field.
var errTruncated = fmt.Errorf("wire: truncated message")

// DecodeVarint reads a variable-length unsigned integer starting at offset,
// returning the value and the offset of the next byte. Continuation bit
// (0x80) is set on every byte but the last.
func DecodeVarint(data []byte, offset int) (uint64, int, error) {
	var result uint64
	var shift uint
	for i := offset; i < len(data); i++ {
		b := data[i]
		result |= uint64(b&0x7F) << shift
		if b&0x80 == 0 {
			return result, i + 1, nil
		}
		shift += 7
		if shift >= 64 {
			return 0, 0, fmt.Errorf("wire: varint too long")
		}
	}
	return 0, 0, errTruncated
}

// EncodeVarint appends v to dst in the same format DecodeVarint reads.
func EncodeVarint(dst []byte, v uint64) []byte {
	for v >= 0x80 {
		dst = append(dst, byte(v)|0x80)
		v >>= 7
	}
	return append(dst, byte(v))
}

// fieldHeader packs a field number and wire type into the single varint
// that precedes every field's payload.
func fieldHeader(number int, wt WireType) uint64 {
	return uint64(number)<<3 | uint64(wt)
}

// EncodeVarintField appends a complete varint-typed field: header + value.
func EncodeVarintField(dst []byte, number int, value uint64) []byte {
	dst = EncodeVarint(dst, fieldHeader(number, WireVarint))
	return EncodeVarint(dst, value)
}

// EncodeBytesField appends a complete length-delimited field: header +
// length + raw bytes.
func EncodeBytesField(dst []byte, number int, value []byte) []byte {
	dst = EncodeVarint(dst, fieldHeader(number, WireLengthDelim))
	dst = EncodeVarint(dst, uint64(len(value)))
	return append(dst, value...)
}

// EncodeStringField appends a complete length-delimited field carrying a
// UTF-8 string.
func EncodeStringField(dst []byte, number int, value string) []byte {
	return EncodeBytesField(dst, number, []byte(value))
}

// ParseFields scans data once, dispatching every field it finds into a map
// keyed by field number. A field number repeated in the source (as happens
// with repeated sub-messages) accumulates every occurrence in order.
// Decoding never allocates beyond the decoded values beyond this map and
// the byte slices it references, which alias data rather than copy it.
func ParseFields(data []byte) (map[int][]Field, error) {
	fields := make(map[int][]Field)
	offset := 0
	for offset < len(data) {
		header, next, err := DecodeVarint(data, offset)
		if err != nil {
			return nil, err
		}
		offset = next

		number := int(header >> 3)
		wt := WireType(header & 0x7)

		var payload []byte
		switch wt {
		case WireVarint:
			_, next, err := DecodeVarint(data, offset)
			if err != nil {
				return nil, err
			}
			payload = data[offset:next]
			offset = next
		case WireFixed64:
			if offset+8 > len(data) {
				return nil, errTruncated
			}
			payload = data[offset : offset+8]
			offset += 8
		case WireFixed32:
			if offset+4 > len(data) {
				return nil, errTruncated
			}
			payload = data[offset : offset+4]
			offset += 4
		case WireLengthDelim:
			length, next, err := DecodeVarint(data, offset)
			if err != nil {
				return nil, err
			}
			offset = next
			if offset+int(length) > len(data) {
				return nil, errTruncated
			}
			payload = data[offset : offset+int(length)]
			offset += int(length)
		default:
			return nil, fmt.Errorf("wire: unknown wire type %d for field %d", wt, number)
		}

		fields[number] = append(fields[number], Field{Number: number, Type: wt, Data: payload})
	}
	return fields, nil
}

// GetField returns the first occurrence of field number num, or ok=false if
// absent.
func GetField(fields map[int][]Field, num int) (Field, bool) {
	list, ok := fields[num]
	if !ok || len(list) == 0 {
		return Field{}, false
	}
	return list[0], true
}

// VarintValue decodes a WireVarint field's payload back into a uint64.
func (f Field) VarintValue() (uint64, error) {
	v, _, err := DecodeVarint(f.Data, 0)
	return v, err
}

// Fixed32Value decodes a WireFixed32 field's payload as a little-endian
// uint32.
func (f Field) Fixed32Value() (uint32, error) {
	if len(f.Data) != 4 {
		return 0, errTruncated
	}
	return binary.LittleEndian.Uint32(f.Data), nil
}

// Fixed64Value decodes a WireFixed64 field's payload as a little-endian
// uint64.
func (f Field) Fixed64Value() (uint64, error) {
	if len(f.Data) != 8 {
		return 0, errTruncated
	}
	return binary.LittleEndian.Uint64(f.Data), nil
}

// StringValue decodes a WireLengthDelim field's payload as a UTF-8 string.
func (f Field) StringValue() string {
	return string(f.Data)
}

// IntValue decodes a varint field's payload as a signed int, for fields
// whose encoder used plain unsigned varint encoding (not zigzag) — which is
// every integer field this service uses.
func (f Field) IntValue() (int64, error) {
	v, err := f.VarintValue()
	return int64(v), err
}
