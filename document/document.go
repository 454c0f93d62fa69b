// Package document implements the self-describing binary document codec:
// an ordered set of named, typed fields encoded as a flat byte body. It
// knows nothing about pages or persistence — the page layer prepends and
// strips the per-document metadata frame around the bytes this package
// produces.
package document

import (
	"encoding/binary"
	"errors"
	"fmt"
	"math"
)

// FieldType is the closed variant of value types a Field may carry.
type FieldType byte

const (
	TypeString FieldType = iota + 1
	TypeInt
	TypeLong
	TypeFloat
	TypeDouble
	TypeBoolean
)

func (t FieldType) String() string {
	switch t {
	case TypeString:
		return "STRING"
	case TypeInt:
		return "INT"
	case TypeLong:
		return "LONG"
	case TypeFloat:
		return "FLOAT"
	case TypeDouble:
		return "DOUBLE"
	case TypeBoolean:
		return "BOOLEAN"
	default:
		return fmt.Sprintf("FieldType(%d)", byte(t))
	}
}

// Field is a single named, typed value within a Document.
type Field struct {
	Name  string
	Type  FieldType
	Value interface{} // string | int32 | int64 | float32 | float64 | bool
}

// Document is an ordered mapping from field name to typed value.
type Document struct {
	Fields []Field
}

// New creates an empty document.
func New() *Document {
	return &Document{}
}

// Set adds or replaces a field, inferring its FieldType from the Go value.
func (d *Document) Set(name string, value interface{}) error {
	t, v, err := inferType(value)
	if err != nil {
		return err
	}
	for i, f := range d.Fields {
		if f.Name == name {
			d.Fields[i].Type, d.Fields[i].Value = t, v
			return nil
		}
	}
	d.Fields = append(d.Fields, Field{Name: name, Type: t, Value: v})
	return nil
}

// Get returns a field's value, or false if it is not present.
func (d *Document) Get(name string) (interface{}, bool) {
	for _, f := range d.Fields {
		if f.Name == name {
			return f.Value, true
		}
	}
	return nil, false
}

// GetField returns the full Field, or false if it is not present.
func (d *Document) GetField(name string) (Field, bool) {
	for _, f := range d.Fields {
		if f.Name == name {
			return f, true
		}
	}
	return Field{}, false
}

func inferType(value interface{}) (FieldType, interface{}, error) {
	switch v := value.(type) {
	case string:
		return TypeString, v, nil
	case int32:
		return TypeInt, v, nil
	case int:
		return TypeInt, int32(v), nil
	case int64:
		return TypeLong, v, nil
	case float32:
		return TypeFloat, v, nil
	case float64:
		return TypeDouble, v, nil
	case bool:
		return TypeBoolean, v, nil
	default:
		return 0, nil, fmt.Errorf("document: unsupported field value type %T", value)
	}
}

// ErrUnknownType is returned when decoding encounters a tag byte outside
// the closed FieldType variant.
var ErrUnknownType = errors.New("document: unknown field type tag")

// Encode serializes the document body per spec.md §4.1: big-endian
// throughout, one frame per field of
// [u16 keyLen][key][u8 typeTag][value-by-type].
func (d *Document) Encode() ([]byte, error) {
	buf := make([]byte, 0, 128)
	for _, f := range d.Fields {
		name := []byte(f.Name)
		if len(name) > math.MaxUint16 {
			return nil, fmt.Errorf("document: field name %q too long", f.Name)
		}
		var hdr [2]byte
		binary.BigEndian.PutUint16(hdr[:], uint16(len(name)))
		buf = append(buf, hdr[:]...)
		buf = append(buf, name...)
		buf = append(buf, byte(f.Type))

		vb, err := encodeValue(f.Type, f.Value)
		if err != nil {
			return nil, err
		}
		buf = append(buf, vb...)
	}
	return buf, nil
}

// Decode parses a document body produced by Encode. Decoding is driven
// entirely by the per-field tag byte; an unrecognized tag is a fatal
// codec error (spec.md §4.1, §7 "Corruption").
func Decode(data []byte) (*Document, error) {
	doc := New()
	off := 0
	for off < len(data) {
		if off+2 > len(data) {
			return nil, fmt.Errorf("document: truncated field name length at offset %d", off)
		}
		nameLen := int(binary.BigEndian.Uint16(data[off:]))
		off += 2
		if off+nameLen+1 > len(data) {
			return nil, fmt.Errorf("document: truncated field name/tag at offset %d", off)
		}
		name := string(data[off : off+nameLen])
		off += nameLen
		tag := FieldType(data[off])
		off++

		val, n, err := decodeValue(tag, data[off:])
		if err != nil {
			return nil, err
		}
		off += n
		doc.Fields = append(doc.Fields, Field{Name: name, Type: tag, Value: val})
	}
	return doc, nil
}

func encodeValue(t FieldType, v interface{}) ([]byte, error) {
	switch t {
	case TypeString:
		s := v.(string)
		if len(s) > math.MaxUint16 {
			return nil, fmt.Errorf("document: string value too long (%d bytes)", len(s))
		}
		buf := make([]byte, 2+len(s))
		binary.BigEndian.PutUint16(buf, uint16(len(s)))
		copy(buf[2:], s)
		return buf, nil
	case TypeInt:
		buf := make([]byte, 4)
		binary.BigEndian.PutUint32(buf, uint32(v.(int32)))
		return buf, nil
	case TypeLong:
		buf := make([]byte, 8)
		binary.BigEndian.PutUint64(buf, uint64(v.(int64)))
		return buf, nil
	case TypeFloat:
		buf := make([]byte, 4)
		binary.BigEndian.PutUint32(buf, math.Float32bits(v.(float32)))
		return buf, nil
	case TypeDouble:
		buf := make([]byte, 8)
		binary.BigEndian.PutUint64(buf, math.Float64bits(v.(float64)))
		return buf, nil
	case TypeBoolean:
		if v.(bool) {
			return []byte{1}, nil
		}
		return []byte{0}, nil
	default:
		return nil, fmt.Errorf("%w: %d", ErrUnknownType, t)
	}
}

func decodeValue(t FieldType, data []byte) (interface{}, int, error) {
	switch t {
	case TypeString:
		if len(data) < 2 {
			return nil, 0, errors.New("document: truncated string length")
		}
		l := int(binary.BigEndian.Uint16(data))
		if len(data) < 2+l {
			return nil, 0, errors.New("document: truncated string value")
		}
		return string(data[2 : 2+l]), 2 + l, nil
	case TypeInt:
		if len(data) < 4 {
			return nil, 0, errors.New("document: truncated int value")
		}
		return int32(binary.BigEndian.Uint32(data)), 4, nil
	case TypeLong:
		if len(data) < 8 {
			return nil, 0, errors.New("document: truncated long value")
		}
		return int64(binary.BigEndian.Uint64(data)), 8, nil
	case TypeFloat:
		if len(data) < 4 {
			return nil, 0, errors.New("document: truncated float value")
		}
		return math.Float32frombits(binary.BigEndian.Uint32(data)), 4, nil
	case TypeDouble:
		if len(data) < 8 {
			return nil, 0, errors.New("document: truncated double value")
		}
		return math.Float64frombits(binary.BigEndian.Uint64(data)), 8, nil
	case TypeBoolean:
		if len(data) < 1 {
			return nil, 0, errors.New("document: truncated bool value")
		}
		return data[0] != 0, 1, nil
	default:
		return nil, 0, fmt.Errorf("%w: %d", ErrUnknownType, t)
	}
}
