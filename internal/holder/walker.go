package holder

import (
	"fmt"
	"reflect"
)

type slot struct {
	loc FieldLocation
	get func() File
	set func(File)
}

type nestedHolder struct {
	loc    FieldLocation
	holder Holder
}

// Walker collects the file-bearing locations a holder declares in VisitFiles.
// The first declaration error sticks; later declarations are ignored.
type Walker struct {
	slots  []slot
	nested []nestedHolder
	err    error
}

// File declares a direct file field.
func (w *Walker) File(field string, f *File) {
	if w.err != nil || f == nil {
		return
	}
	w.slots = append(w.slots, slot{
		loc: Field(field),
		get: func() File { return *f },
		set: func(v File) { *f = v },
	})
}

// Nested declares a field holding another holder. Nil holders are skipped.
func (w *Walker) Nested(field string, h Holder) {
	if w.err != nil || isNil(h) {
		return
	}
	w.nested = append(w.nested, nestedHolder{loc: Field(field), holder: h})
}

// List declares a list of files. The slice elements are updated in place.
func List(w *Walker, field string, files []File) {
	if w.err != nil {
		return
	}
	for i := range files {
		i := i
		w.slots = append(w.slots, slot{
			loc: Index(field, i),
			get: func() File { return files[i] },
			set: func(v File) { files[i] = v },
		})
	}
}

// Map declares a map whose values are files or nested holders. Keys must be
// scalars; a map keyed by File is rejected with ErrUnsupportedShape.
func Map[K comparable, V any](w *Walker, field string, m map[K]V) {
	if w.err != nil {
		return
	}
	var zeroKey K
	if _, fileKey := any(zeroKey).(File); fileKey {
		w.err = &UnsupportedShapeError{Field: field, Reason: "map keyed by a file"}
		return
	}
	var zeroValue V
	_, fileValue := any(zeroValue).(File)
	if !fileValue && !implementsHolder[V]() {
		w.err = &UnsupportedShapeError{Field: field, Reason: fmt.Sprintf("map values of type %T carry no files", zeroValue)}
		return
	}

	for k, v := range m {
		k := k
		key := fmt.Sprint(k)
		if fileValue {
			w.slots = append(w.slots, slot{
				loc: Key(field, key),
				get: func() File { return any(m[k]).(File) },
				set: func(f File) { m[k] = any(f).(V) },
			})
			continue
		}
		if h, ok := any(v).(Holder); ok && !isNil(h) {
			w.nested = append(w.nested, nestedHolder{loc: Key(field, key), holder: h})
		}
	}
}

func implementsHolder[V any]() bool {
	return reflect.TypeOf((*V)(nil)).Elem().Implements(reflect.TypeOf((*Holder)(nil)).Elem())
}

func isNil(h Holder) bool {
	if h == nil {
		return true
	}
	v := reflect.ValueOf(h)
	return v.Kind() == reflect.Pointer && v.IsNil()
}

func walk(h Holder) (*Walker, error) {
	w := &Walker{}
	h.VisitFiles(w)
	if w.err != nil {
		return nil, w.err
	}
	return w, nil
}
