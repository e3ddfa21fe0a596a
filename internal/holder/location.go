package holder

import (
	"fmt"
	"strconv"
)

// File is a path to a file or directory carried inside a holder.
type File string

func (f File) String() string {
	return string(f)
}

// FieldLocation identifies one file-bearing slot of a holder: a direct
// field, a position in a list field or a key of a map field.
type FieldLocation struct {
	Field string  `yaml:"field" json:"field"`
	Index *int    `yaml:"index,omitempty" json:"index,omitempty"`
	Key   *string `yaml:"key,omitempty" json:"key,omitempty"`
}

// Field locates a direct file field.
func Field(name string) FieldLocation {
	return FieldLocation{Field: name}
}

// Index locates position i of a list field.
func Index(name string, i int) FieldLocation {
	return FieldLocation{Field: name, Index: &i}
}

// Key locates entry key of a map field.
func Key(name, key string) FieldLocation {
	return FieldLocation{Field: name, Key: &key}
}

func (l FieldLocation) String() string {
	switch {
	case l.Index != nil:
		return l.Field + "[" + strconv.Itoa(*l.Index) + "]"
	case l.Key != nil:
		return fmt.Sprintf("%s[%q]", l.Field, *l.Key)
	default:
		return l.Field
	}
}

func (l FieldLocation) less(other FieldLocation) bool {
	if l.Field != other.Field {
		return l.Field < other.Field
	}
	li, oi := -1, -1
	if l.Index != nil {
		li = *l.Index
	}
	if other.Index != nil {
		oi = *other.Index
	}
	if li != oi {
		return li < oi
	}
	var lk, ok string
	if l.Key != nil {
		lk = *l.Key
	}
	if other.Key != nil {
		ok = *other.Key
	}
	return lk < ok
}
