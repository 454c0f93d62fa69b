package btree

import "fmt"

// KeyType is the closed variant of types a Key may carry, mirroring the
// codec's FieldType (spec.md §3, §9 "closed variants").
type KeyType byte

const (
	KeyString KeyType = iota + 1
	KeyInt32
	KeyInt64
	KeyFloat32
	KeyFloat64
	KeyBool
)

func (t KeyType) String() string {
	switch t {
	case KeyString:
		return "STRING"
	case KeyInt32:
		return "INT"
	case KeyInt64:
		return "LONG"
	case KeyFloat32:
		return "FLOAT"
	case KeyFloat64:
		return "DOUBLE"
	case KeyBool:
		return "BOOLEAN"
	default:
		return fmt.Sprintf("KeyType(%d)", byte(t))
	}
}

// Key is a typed indexable value. All keys within one tree share the
// same Type.
type Key struct {
	Type  KeyType
	Value interface{} // string | int32 | int64 | float32 | float64 | bool
}

// NewKey wraps a Go value as a Key, inferring its KeyType.
func NewKey(v interface{}) (Key, error) {
	switch val := v.(type) {
	case string:
		return Key{KeyString, val}, nil
	case int32:
		return Key{KeyInt32, val}, nil
	case int64:
		return Key{KeyInt64, val}, nil
	case float32:
		return Key{KeyFloat32, val}, nil
	case float64:
		return Key{KeyFloat64, val}, nil
	case bool:
		return Key{KeyBool, val}, nil
	default:
		return Key{}, fmt.Errorf("btree: unsupported key value type %T", v)
	}
}

// compare returns -1, 0, or 1 for a<b, a==b, a>b respectively. Both keys
// must share the same Type; a mismatch is an invariant violation (spec.md
// §7 "Invariant" class), not a recoverable error.
func compare(a, b Key) int {
	if a.Type != b.Type {
		panic(fmt.Sprintf("btree: key type mismatch in comparator: %s vs %s", a.Type, b.Type))
	}
	switch a.Type {
	case KeyString:
		av, bv := a.Value.(string), b.Value.(string)
		switch {
		case av < bv:
			return -1
		case av > bv:
			return 1
		default:
			return 0
		}
	case KeyInt32:
		av, bv := a.Value.(int32), b.Value.(int32)
		switch {
		case av < bv:
			return -1
		case av > bv:
			return 1
		default:
			return 0
		}
	case KeyInt64:
		av, bv := a.Value.(int64), b.Value.(int64)
		switch {
		case av < bv:
			return -1
		case av > bv:
			return 1
		default:
			return 0
		}
	case KeyFloat32:
		av, bv := a.Value.(float32), b.Value.(float32)
		switch {
		case av < bv:
			return -1
		case av > bv:
			return 1
		default:
			return 0
		}
	case KeyFloat64:
		av, bv := a.Value.(float64), b.Value.(float64)
		switch {
		case av < bv:
			return -1
		case av > bv:
			return 1
		default:
			return 0
		}
	case KeyBool:
		av, bv := a.Value.(bool), b.Value.(bool)
		switch {
		case !av && bv:
			return -1
		case av && !bv:
			return 1
		default:
			return 0
		}
	default:
		panic(fmt.Sprintf("btree: comparing key of unknown type %s", a.Type))
	}
}

// SortOrder is the tree's configured ordering (spec.md §4.4).
type SortOrder byte

const (
	Asc SortOrder = iota
	Desc
)

// orderedCompare applies the tree's sort order to a raw comparison.
func orderedCompare(a, b Key, order SortOrder) int {
	c := compare(a, b)
	if order == Desc {
		return -c
	}
	return c
}
