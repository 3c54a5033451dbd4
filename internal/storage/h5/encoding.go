package h5

import (
	"encoding/binary"
	"fmt"
	"math"
	"strconv"
	"strings"
	"unicode/utf8"

	"google.golang.org/protobuf/proto"
	"google.golang.org/protobuf/types/known/structpb"

	"github.com/xtxerr/labstalker/internal/storage/types"
)

// Record payload format (binary, little-endian):
// - Op count (4 bytes)
// - Ops, each starting with a kind byte:
//   group:   path, attrs
//   dataset: path, class (1), dtype (1), dims, max records (4), attrs
//   write:   path, slot (4), dtype (1), float64 array or long string
//   frame:   path, dims, attrs, float64 array
//
// path is a 2-byte length prefixed string, dims a 1-byte count followed by
// 4-byte extents, attrs a 4-byte length prefixed google.protobuf.Struct.

type opKind uint8

const (
	opGroup opKind = iota + 1
	opDataset
	opWrite
	opFrame
)

// op is one change to the hierarchy. Fields are used per kind.
type op struct {
	kind       opKind
	path       string
	attrs      map[string]string
	class      types.Class
	dtype      types.DType
	dims       []int
	maxRecords int
	slot       int
	floats     []float64
	text       string
}

// encodeOps encodes the ops of one append.
func encodeOps(ops []op) ([]byte, error) {
	buf := make([]byte, 0, 256)
	buf = binary.LittleEndian.AppendUint32(buf, uint32(len(ops)))

	for _, o := range ops {
		buf = append(buf, byte(o.kind))
		buf = appendString(buf, o.path)

		var err error
		switch o.kind {
		case opGroup:
			buf, err = appendAttrs(buf, o.attrs)
		case opDataset:
			buf = append(buf, byte(o.class), byte(o.dtype))
			buf = appendDims(buf, o.dims)
			buf = binary.LittleEndian.AppendUint32(buf, uint32(o.maxRecords))
			buf, err = appendAttrs(buf, o.attrs)
		case opWrite:
			buf = binary.LittleEndian.AppendUint32(buf, uint32(o.slot))
			buf = append(buf, byte(o.dtype))
			if o.dtype == types.DTypeString {
				buf = appendLongString(buf, o.text)
			} else {
				buf = appendFloats(buf, o.floats)
			}
		case opFrame:
			buf = appendDims(buf, o.dims)
			buf, err = appendAttrs(buf, o.attrs)
			buf = appendFloats(buf, o.floats)
		default:
			return nil, fmt.Errorf("unknown op kind %d", o.kind)
		}
		if err != nil {
			return nil, fmt.Errorf("op %s: %w", o.path, err)
		}
	}

	return buf, nil
}

// decodeOps decodes the ops of one append.
func decodeOps(data []byte) ([]op, error) {
	if len(data) < 4 {
		return nil, fmt.Errorf("data too short for op count")
	}

	count := int(binary.LittleEndian.Uint32(data[0:4]))
	offset := 4
	ops := make([]op, 0, min(count, 1024))

	for i := 0; i < count; i++ {
		var o op
		var err error

		if offset+1 > len(data) {
			return nil, fmt.Errorf("op %d: data too short for kind", i)
		}
		o.kind = opKind(data[offset])
		offset++

		o.path, offset, err = readString(data, offset)
		if err != nil {
			return nil, fmt.Errorf("op %d path: %w", i, err)
		}

		switch o.kind {
		case opGroup:
			o.attrs, offset, err = readAttrs(data, offset)
		case opDataset:
			if offset+2 > len(data) {
				return nil, fmt.Errorf("op %d: data too short for class", i)
			}
			o.class = types.Class(data[offset])
			o.dtype = types.DType(data[offset+1])
			offset += 2
			if o.dims, offset, err = readDims(data, offset); err != nil {
				break
			}
			if offset+4 > len(data) {
				return nil, fmt.Errorf("op %d: data too short for max records", i)
			}
			o.maxRecords = int(binary.LittleEndian.Uint32(data[offset:]))
			offset += 4
			o.attrs, offset, err = readAttrs(data, offset)
		case opWrite:
			if offset+5 > len(data) {
				return nil, fmt.Errorf("op %d: data too short for slot", i)
			}
			o.slot = int(binary.LittleEndian.Uint32(data[offset:]))
			o.dtype = types.DType(data[offset+4])
			offset += 5
			if o.dtype == types.DTypeString {
				o.text, offset, err = readLongString(data, offset)
			} else {
				o.floats, offset, err = readFloats(data, offset)
			}
		case opFrame:
			if o.dims, offset, err = readDims(data, offset); err != nil {
				break
			}
			if o.attrs, offset, err = readAttrs(data, offset); err != nil {
				break
			}
			o.floats, offset, err = readFloats(data, offset)
		default:
			return nil, fmt.Errorf("op %d: unknown kind %d", i, o.kind)
		}
		if err != nil {
			return nil, fmt.Errorf("op %d (%s): %w", i, o.path, err)
		}

		ops = append(ops, o)
	}

	if offset != len(data) {
		return nil, fmt.Errorf("%d trailing bytes after %d ops", len(data)-offset, count)
	}
	return ops, nil
}

// appendString appends a length-prefixed string to the buffer.
func appendString(buf []byte, s string) []byte {
	buf = binary.LittleEndian.AppendUint16(buf, uint16(len(s)))
	return append(buf, s...)
}

// readString reads a length-prefixed string from the buffer.
func readString(data []byte, offset int) (string, int, error) {
	if offset+2 > len(data) {
		return "", offset, fmt.Errorf("data too short for string length")
	}

	length := int(binary.LittleEndian.Uint16(data[offset:]))
	offset += 2

	if offset+length > len(data) {
		return "", offset, fmt.Errorf("data too short for string content")
	}

	s := string(data[offset : offset+length])
	return s, offset + length, nil
}

// appendLongString appends a string with a 4-byte length prefix.
func appendLongString(buf []byte, s string) []byte {
	buf = binary.LittleEndian.AppendUint32(buf, uint32(len(s)))
	return append(buf, s...)
}

func readLongString(data []byte, offset int) (string, int, error) {
	b, offset, err := readBytes(data, offset)
	return string(b), offset, err
}

func readBytes(data []byte, offset int) ([]byte, int, error) {
	if offset+4 > len(data) {
		return nil, offset, fmt.Errorf("data too short for length")
	}
	length := int(binary.LittleEndian.Uint32(data[offset:]))
	offset += 4
	if length < 0 || offset+length > len(data) {
		return nil, offset, fmt.Errorf("data too short for %d bytes", length)
	}
	return data[offset : offset+length], offset + length, nil
}

func appendDims(buf []byte, dims []int) []byte {
	buf = append(buf, byte(len(dims)))
	for _, d := range dims {
		buf = binary.LittleEndian.AppendUint32(buf, uint32(d))
	}
	return buf
}

func readDims(data []byte, offset int) ([]int, int, error) {
	if offset+1 > len(data) {
		return nil, offset, fmt.Errorf("data too short for dims")
	}
	n := int(data[offset])
	offset++
	if offset+4*n > len(data) {
		return nil, offset, fmt.Errorf("data too short for %d dims", n)
	}
	if n == 0 {
		return nil, offset, nil
	}
	dims := make([]int, n)
	for i := range dims {
		dims[i] = int(binary.LittleEndian.Uint32(data[offset:]))
		offset += 4
	}
	return dims, offset, nil
}

// appendFloats appends a count-prefixed float64 array.
func appendFloats(buf []byte, f []float64) []byte {
	buf = binary.LittleEndian.AppendUint32(buf, uint32(len(f)))
	for _, x := range f {
		buf = binary.LittleEndian.AppendUint64(buf, math.Float64bits(x))
	}
	return buf
}

func readFloats(data []byte, offset int) ([]float64, int, error) {
	if offset+4 > len(data) {
		return nil, offset, fmt.Errorf("data too short for float count")
	}
	n := int(binary.LittleEndian.Uint32(data[offset:]))
	offset += 4
	if n < 0 || n > (len(data)-offset)/8 {
		return nil, offset, fmt.Errorf("data too short for %d floats", n)
	}
	f := make([]float64, n)
	for i := range f {
		f[i] = math.Float64frombits(binary.LittleEndian.Uint64(data[offset:]))
		offset += 8
	}
	return f, offset, nil
}

// appendAttrs appends attributes encoded as a google.protobuf.Struct of
// string values. Proto strings must be UTF-8, so a value holding other
// bytes is stored quoted inside a one-element list.
func appendAttrs(buf []byte, attrs map[string]string) ([]byte, error) {
	fields := make(map[string]*structpb.Value, len(attrs))
	for k, v := range attrs {
		k = strings.ToValidUTF8(k, "\uFFFD")
		if utf8.ValidString(v) {
			fields[k] = structpb.NewStringValue(v)
			continue
		}
		fields[k] = structpb.NewListValue(&structpb.ListValue{
			Values: []*structpb.Value{structpb.NewStringValue(strconv.Quote(v))},
		})
	}
	b, err := proto.MarshalOptions{Deterministic: true}.Marshal(&structpb.Struct{Fields: fields})
	if err != nil {
		return nil, fmt.Errorf("marshal attrs: %w", err)
	}
	buf = binary.LittleEndian.AppendUint32(buf, uint32(len(b)))
	return append(buf, b...), nil
}

func readAttrs(data []byte, offset int) (map[string]string, int, error) {
	b, offset, err := readBytes(data, offset)
	if err != nil {
		return nil, offset, err
	}
	var s structpb.Struct
	if err := proto.Unmarshal(b, &s); err != nil {
		return nil, offset, fmt.Errorf("unmarshal attrs: %w", err)
	}
	attrs := make(map[string]string, len(s.GetFields()))
	for k, v := range s.GetFields() {
		list := v.GetListValue()
		if list == nil {
			attrs[k] = v.GetStringValue()
			continue
		}
		if len(list.GetValues()) != 1 {
			return nil, offset, fmt.Errorf("attr %s: %d list values", k, len(list.GetValues()))
		}
		raw, err := strconv.Unquote(list.GetValues()[0].GetStringValue())
		if err != nil {
			return nil, offset, fmt.Errorf("attr %s: %w", k, err)
		}
		attrs[k] = raw
	}
	return attrs, offset, nil
}
