package stowage

import (
	"reflect"

	"github.com/saltyorg/stowage/store"
)

// Codable is implemented by pointers to domain values that map onto store
// objects. T is the value type; the methods live on *T.
//
//	type Task struct{ Title string; Done bool }
//
//	func (t *Task) Decode(obj *store.Object) bool {
//		if obj == nil {
//			return false
//		}
//		t.Title, t.Done = obj.String("title"), obj.Bool("done")
//		return true
//	}
type Codable[T any] interface {
	*T

	// Decode fills the value from obj, reporting false when obj is nil or
	// does not hold a valid value
	Decode(obj *store.Object) bool

	// Populate writes the value into obj, a fresh object inserted in sc.
	// Nested values are inserted into sc as well.
	Populate(obj *store.Object, sc *store.Context) error

	// Equal reports whether obj holds the same value
	Equal(obj *store.Object) bool
}

// EntityNamer overrides the entity a Codable type maps to. The default is
// the Go type name.
type EntityNamer interface {
	EntityName() string
}

// Sorter gives a Codable type a default result order
type Sorter interface {
	SortDescriptors() []store.SortDescriptor
}

// EntityName returns the entity name T maps to
func EntityName[T any, PT Codable[T]]() string {
	var v T
	if n, ok := any(PT(&v)).(EntityNamer); ok {
		return n.EntityName()
	}
	return reflect.TypeFor[T]().Name()
}

// SortDescriptors returns T's default result order
func SortDescriptors[T any, PT Codable[T]]() []store.SortDescriptor {
	var v T
	if s, ok := any(PT(&v)).(Sorter); ok {
		return s.SortDescriptors()
	}
	return nil
}

// Decode converts obj to a T, reporting false when it does not decode
func Decode[T any, PT Codable[T]](obj *store.Object) (T, bool) {
	var v T
	if !PT(&v).Decode(obj) {
		var zero T
		return zero, false
	}
	return v, true
}

// Insert inserts a new object for v into sc and populates it
func Insert[T any, PT Codable[T]](sc *store.Context, v T) (*store.Object, error) {
	obj, err := sc.Insert(EntityName[T, PT]())
	if err != nil {
		return nil, err
	}
	if err := PT(&v).Populate(obj, sc); err != nil {
		return nil, err
	}
	return obj, nil
}

// InsertAll inserts an object for each value and passes it to attach, for
// populating to-many relationships with nested values
func InsertAll[T any, PT Codable[T]](sc *store.Context, values []T, attach func(*store.Object) error) error {
	for _, v := range values {
		obj, err := Insert[T, PT](sc, v)
		if err != nil {
			return err
		}
		if err := attach(obj); err != nil {
			return err
		}
	}
	return nil
}

func decodeAll[T any, PT Codable[T]](objects []*store.Object) []T {
	values := make([]T, 0, len(objects))
	for _, obj := range objects {
		if v, ok := Decode[T, PT](obj); ok {
			values = append(values, v)
		}
	}
	return values
}
