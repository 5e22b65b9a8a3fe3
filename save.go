package zarr

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"reflect"
	"strings"
)

// SaveRecord persists an arbitrary composite Go value as a tree of
// subdirectories, without requiring the value's type to pre-declare a
// Node implementation. It walks v (a struct, or a pointer to one) field
// by field using the `zarr:"name[,omitempty][,basename=...]"` tag:
//
//   - A field whose type implements Node (an *Array or *Group) is saved
//     as a child directory named by the tag.
//   - A field that is itself a struct (or pointer to one) is a nested
//     product type: it becomes a subdirectory, and its own fields are
//     walked recursively.
//   - Any other field is marshaled to JSON and written at
//     dir/<basename>, where basename defaults to "."+name+".json" and
//     can be overridden with the basename tag option.
//   - "omitempty" skips the field entirely when it holds its type's zero
//     value, matching how optional fields disappear rather than being
//     written as null.
func SaveRecord(ctx context.Context, store PathStore, dir string, v any) error {
	rv := reflect.ValueOf(v)
	for rv.Kind() == reflect.Ptr {
		if rv.IsNil() {
			return fmt.Errorf("zarr: SaveRecord: nil %s", rv.Type())
		}
		rv = rv.Elem()
	}
	if rv.Kind() != reflect.Struct {
		return fmt.Errorf("zarr: SaveRecord: %s is not a struct", rv.Type())
	}
	return saveStructFields(ctx, store, dir, rv)
}

func saveStructFields(ctx context.Context, store PathStore, dir string, rv reflect.Value) error {
	// A product type maps to a group directory, so it carries the same
	// .zgroup marker a hand-built Group does.
	zg, err := json.Marshal(groupJSON{ZarrFormat: 2})
	if err != nil {
		return err
	}
	if err := store.Write(ctx, joinPath(dir, zgroupBasename), zg); err != nil {
		return err
	}

	t := rv.Type()
	for i := 0; i < t.NumField(); i++ {
		sf := t.Field(i)
		if !sf.IsExported() {
			continue
		}
		tag, ok := parseFieldTag(sf)
		if !ok {
			continue
		}
		fv := rv.Field(i)

		if tag.omitempty && fv.IsZero() {
			continue
		}

		if err := saveField(ctx, store, dir, tag, fv); err != nil {
			return fmt.Errorf("zarr: save field %q: %w", sf.Name, err)
		}
	}
	return nil
}

func saveField(ctx context.Context, store PathStore, dir string, tag fieldTag, fv reflect.Value) error {
	if fv.Kind() == reflect.Ptr && fv.IsNil() {
		return nil
	}

	if n, ok := asNode(fv); ok {
		return n.saveNode(ctx, store, joinPath(dir, tag.name))
	}

	deref := fv
	for deref.Kind() == reflect.Ptr {
		deref = deref.Elem()
	}
	if deref.Kind() == reflect.Struct && !isLeafStruct(deref.Type()) {
		return saveStructFields(ctx, store, joinPath(dir, tag.name), deref)
	}

	basename := tag.basename
	if basename == "" {
		basename = "." + tag.name + ".json"
	}
	data, err := json.Marshal(fv.Interface())
	if err != nil {
		return err
	}
	return store.Write(ctx, joinPath(dir, basename), data)
}

func asNode(fv reflect.Value) (Node, bool) {
	if !fv.CanInterface() {
		return nil, false
	}
	v := fv.Interface()
	n, ok := v.(Node)
	if !ok || n == nil {
		return nil, false
	}
	return n, true
}

// isLeafStruct reports whether t should be JSON-serialized whole rather
// than recursed into as a product type of further child directories.
// Types whose value method set has MarshalJSON (Dtype, time.Time, etc.)
// are leaves; a MarshalJSON on the pointer receiver only does not count.
func isLeafStruct(t reflect.Type) bool {
	_, hasMarshal := t.MethodByName("MarshalJSON")
	return hasMarshal
}

type fieldTag struct {
	name      string
	omitempty bool
	basename  string
}

func parseFieldTag(sf reflect.StructField) (fieldTag, bool) {
	raw, ok := sf.Tag.Lookup("zarr")
	if !ok {
		return fieldTag{}, false
	}
	parts := strings.Split(raw, ",")
	if parts[0] == "-" {
		return fieldTag{}, false
	}
	tag := fieldTag{name: sf.Name}
	if parts[0] != "" {
		tag.name = parts[0]
	}
	for _, opt := range parts[1:] {
		switch {
		case opt == "omitempty":
			tag.omitempty = true
		case strings.HasPrefix(opt, "basename="):
			tag.basename = strings.TrimPrefix(opt, "basename=")
		}
	}
	return tag, true
}

// LoadRecord populates dst (a pointer to a struct) from a tree previously
// written by SaveRecord, reversing the same field-tag walk.
func LoadRecord(ctx context.Context, store PathStore, dir string, dst any) error {
	rv := reflect.ValueOf(dst)
	if rv.Kind() != reflect.Ptr || rv.IsNil() {
		return fmt.Errorf("zarr: LoadRecord: dst must be a non-nil pointer")
	}
	return loadStructFields(ctx, store, dir, rv.Elem())
}

func loadStructFields(ctx context.Context, store PathStore, dir string, rv reflect.Value) error {
	t := rv.Type()
	for i := 0; i < t.NumField(); i++ {
		sf := t.Field(i)
		if !sf.IsExported() {
			continue
		}
		tag, ok := parseFieldTag(sf)
		if !ok {
			continue
		}
		fv := rv.Field(i)
		if err := loadField(ctx, store, dir, tag, fv); err != nil {
			if errors.Is(err, ErrNotFound) {
				// Absence is only tolerable for an optional field; a
				// corrupt-but-present child must still surface.
				if tag.omitempty {
					continue
				}
				return fmt.Errorf("%w: %s", ErrMissingChild, tag.name)
			}
			return &MalformedChildError{Name: tag.name, Cause: err}
		}
	}
	return nil
}

func loadField(ctx context.Context, store PathStore, dir string, tag fieldTag, fv reflect.Value) error {
	childDir := joinPath(dir, tag.name)

	switch fv.Type() {
	case reflect.TypeOf((*Array)(nil)):
		a, err := Open(ctx, store, childDir)
		if err != nil {
			return err
		}
		fv.Set(reflect.ValueOf(a))
		return nil
	case reflect.TypeOf((*Group)(nil)):
		g, err := OpenGroup(ctx, store, childDir)
		if err != nil {
			return err
		}
		fv.Set(reflect.ValueOf(g))
		return nil
	}

	// Walk down pointer indirections on the type alone first, so a failed
	// read below never leaves a partially-allocated pointer behind in fv.
	elemType := fv.Type()
	ptrDepth := 0
	for elemType.Kind() == reflect.Ptr {
		elemType = elemType.Elem()
		ptrDepth++
	}

	if elemType.Kind() == reflect.Struct && !isLeafStruct(elemType) {
		target := reflect.New(elemType).Elem()
		if err := loadStructFields(ctx, store, childDir, target); err != nil {
			return err
		}
		fv.Set(wrapPointers(target, ptrDepth))
		return nil
	}

	basename := tag.basename
	if basename == "" {
		basename = "." + tag.name + ".json"
	}
	data, err := store.Read(ctx, joinPath(dir, basename))
	if err != nil {
		return err
	}
	target := reflect.New(elemType)
	if err := json.Unmarshal(data, target.Interface()); err != nil {
		return malformedMetadata("%s: %v", basename, err)
	}
	fv.Set(wrapPointers(target.Elem(), ptrDepth))
	return nil
}

// wrapPointers re-wraps v in depth levels of pointer indirection, the
// inverse of the type-level unwrap loadField performs before reading.
func wrapPointers(v reflect.Value, depth int) reflect.Value {
	for i := 0; i < depth; i++ {
		p := reflect.New(v.Type())
		p.Elem().Set(v)
		v = p
	}
	return v
}
