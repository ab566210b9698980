package store

import (
	"errors"
	"fmt"
	"maps"
	"slices"
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"
)

// objectIDKey is bound to the object ID in predicates and reserved in models
const objectIDKey = "objectID"

// Object is a managed record registered in a Context. Its values are only
// safe to touch from the goroutine that is currently running work for the
// owning context.
type Object struct {
	id      string
	entity  *EntityDescription
	context *Context

	values    map[string]any
	committed map[string]any
	version   int64

	inserted bool
	deleted  bool
}

func newObject(entity *EntityDescription, sc *Context, id string) *Object {
	return &Object{
		id:        id,
		entity:    entity,
		context:   sc,
		values:    make(map[string]any),
		committed: make(map[string]any),
	}
}

// ID returns the object's identifier, stable across contexts
func (o *Object) ID() string { return o.id }

// Entity returns the object's entity description
func (o *Object) Entity() *EntityDescription { return o.entity }

// EntityName returns the object's entity name
func (o *Object) EntityName() string { return o.entity.Name }

// Context returns the context the object is registered in
func (o *Object) Context() *Context { return o.context }

// Version returns the stored version this object was last reconciled with,
// zero for objects that were never saved
func (o *Object) Version() int64 { return o.version }

// IsInserted reports whether the object is inserted but not yet saved
func (o *Object) IsInserted() bool { return o.inserted }

// IsDeleted reports whether the object is marked for deletion
func (o *Object) IsDeleted() bool { return o.deleted }

// IsUpdated reports whether a saved object has unsaved value changes
func (o *Object) IsUpdated() bool {
	return !o.inserted && !o.deleted && len(o.changedKeys()) > 0
}

// HasChanges reports whether saving the object would write anything
func (o *Object) HasChanges() bool {
	return o.inserted || o.deleted || len(o.changedKeys()) > 0
}

// Value returns the current value of an attribute or relationship
func (o *Object) Value(key string) any {
	return o.values[key]
}

// CommittedValue returns the value as of the last fetch or save
func (o *Object) CommittedValue(key string) any {
	return o.committed[key]
}

// Values returns a copy of all current values
func (o *Object) Values() map[string]any {
	return maps.Clone(o.values)
}

// SetValue sets an attribute or relationship. Attribute values are coerced to
// the attribute's type; relationship values must be object IDs or objects.
func (o *Object) SetValue(key string, value any) error {
	if attr, ok := o.entity.Attribute(key); ok {
		v, err := attr.Type.coerce(value)
		if err != nil {
			return fmt.Errorf("%s.%s: %w", o.entity.Name, key, err)
		}
		o.values[key] = v
		return nil
	}

	if rel, ok := o.entity.Relationship(key); ok {
		v, err := relationshipValue(rel, value)
		if err != nil {
			return fmt.Errorf("%s.%s: %w", o.entity.Name, key, err)
		}
		o.values[key] = v
		return nil
	}

	return fmt.Errorf("%s has no attribute or relationship %q", o.entity.Name, key)
}

// MustSetValue is SetValue for values known to match the model
func (o *Object) MustSetValue(key string, value any) {
	if err := o.SetValue(key, value); err != nil {
		panic(err)
	}
}

// String returns a string attribute, empty when unset
func (o *Object) String(key string) string {
	s, _ := o.values[key].(string)
	return s
}

// Int returns an integer attribute, zero when unset
func (o *Object) Int(key string) int64 {
	i, _ := o.values[key].(int64)
	return i
}

// Float returns a double attribute, zero when unset
func (o *Object) Float(key string) float64 {
	f, _ := o.values[key].(float64)
	return f
}

// Bool returns a boolean attribute, false when unset
func (o *Object) Bool(key string) bool {
	b, _ := o.values[key].(bool)
	return b
}

// Time returns a date attribute, the zero time when unset
func (o *Object) Time(key string) time.Time {
	t, _ := o.values[key].(time.Time)
	return t
}

// Decimal returns a decimal attribute, zero when unset
func (o *Object) Decimal(key string) decimal.Decimal {
	d, _ := o.values[key].(decimal.Decimal)
	return d
}

// UUID returns a uuid attribute, uuid.Nil when unset
func (o *Object) UUID(key string) uuid.UUID {
	u, _ := o.values[key].(uuid.UUID)
	return u
}

// Bytes returns a binary attribute, nil when unset
func (o *Object) Bytes(key string) []byte {
	b, _ := o.values[key].([]byte)
	return b
}

// RelatedIDs returns the object IDs held by a relationship
func (o *Object) RelatedIDs(key string) []string {
	switch v := o.values[key].(type) {
	case string:
		return []string{v}
	case []string:
		return slices.Clone(v)
	}
	return nil
}

// Related resolves a relationship to objects in the owning context, loading
// those the context does not hold yet. IDs without a stored record are skipped.
func (o *Object) Related(key string) ([]*Object, error) {
	rel, ok := o.entity.Relationship(key)
	if !ok {
		return nil, fmt.Errorf("%s has no relationship %q", o.entity.Name, key)
	}

	ids := o.RelatedIDs(key)
	objects := make([]*Object, 0, len(ids))
	for _, id := range ids {
		obj, err := o.context.ExistingObject(rel.Destination, id)
		if errors.Is(err, ErrObjectNotFound) {
			continue
		}
		if err != nil {
			return nil, err
		}
		objects = append(objects, obj)
	}
	return objects, nil
}

// AddRelated links other into a relationship: appended for to-many,
// replacing the current value for to-one
func (o *Object) AddRelated(key string, other *Object) error {
	rel, ok := o.entity.Relationship(key)
	if !ok {
		return fmt.Errorf("%s has no relationship %q", o.entity.Name, key)
	}
	if other.entity.Name != rel.Destination {
		return fmt.Errorf("%s.%s expects %s, got %s", o.entity.Name, key, rel.Destination, other.entity.Name)
	}
	if !rel.ToMany {
		o.values[key] = other.id
		return nil
	}
	ids, _ := o.values[key].([]string)
	if slices.Contains(ids, other.id) {
		return nil
	}
	next := make([]string, 0, len(ids)+1)
	next = append(next, ids...)
	o.values[key] = append(next, other.id)
	return nil
}

// RemoveRelated unlinks an object ID from a relationship
func (o *Object) RemoveRelated(key, id string) {
	switch v := o.values[key].(type) {
	case string:
		if v == id {
			delete(o.values, key)
		}
	case []string:
		o.values[key] = slices.DeleteFunc(slices.Clone(v), func(s string) bool { return s == id })
	}
}

// ChangedValues returns the current values of keys changed since the last
// fetch or save
func (o *Object) ChangedValues() map[string]any {
	changed := make(map[string]any)
	for _, key := range o.changedKeys() {
		changed[key] = o.values[key]
	}
	return changed
}

func (o *Object) changedKeys() []string {
	var keys []string
	seen := make(map[string]bool)
	for key := range o.values {
		seen[key] = true
		if !o.keyEqual(key, o.values[key], o.committed[key]) {
			keys = append(keys, key)
		}
	}
	for key := range o.committed {
		if !seen[key] && o.committed[key] != nil {
			keys = append(keys, key)
		}
	}
	slices.Sort(keys)
	return keys
}

func (o *Object) keyEqual(key string, a, b any) bool {
	if attr, ok := o.entity.Attribute(key); ok {
		return attr.Type.valuesEqual(a, b)
	}
	return relationshipEqual(a, b)
}

// applyDefaults fills unset attributes with model defaults
func (o *Object) applyDefaults() {
	for _, attr := range o.entity.Attributes {
		if _, set := o.values[attr.Name]; !set && attr.Default != nil {
			o.values[attr.Name] = attr.Default
		}
	}
}

// reset makes values the committed state at the given version
func (o *Object) reset(values map[string]any, version int64) {
	o.values = values
	o.committed = maps.Clone(values)
	o.version = version
	o.inserted = false
	o.deleted = false
}

// markSaved folds the current values into the committed snapshot
func (o *Object) markSaved(version int64) {
	o.committed = maps.Clone(o.values)
	o.version = version
	o.inserted = false
}

// predicateParams returns the evaluation parameter for predicates
func (o *Object) predicateParams() map[string]any {
	params := make(map[string]any, len(o.entity.Attributes)+len(o.entity.Relationships)+1)
	for _, attr := range o.entity.Attributes {
		params[attr.Name] = attr.Type.predicateValue(o.values[attr.Name])
	}
	for _, rel := range o.entity.Relationships {
		switch v := o.values[rel.Name].(type) {
		case string:
			params[rel.Name] = v
		case []string:
			ids := make([]any, len(v))
			for i, id := range v {
				ids[i] = id
			}
			params[rel.Name] = ids
		default:
			params[rel.Name] = nil
		}
	}
	params[objectIDKey] = o.id
	return params
}

func relationshipValue(rel *RelationshipDescription, value any) (any, error) {
	if value == nil {
		return nil, nil
	}
	if rel.ToMany {
		switch v := value.(type) {
		case []string:
			return slices.Clone(v), nil
		case []*Object:
			ids := make([]string, 0, len(v))
			for _, obj := range v {
				if obj.entity.Name != rel.Destination {
					return nil, fmt.Errorf("expected %s, got %s", rel.Destination, obj.entity.Name)
				}
				ids = append(ids, obj.id)
			}
			return ids, nil
		}
		return nil, fmt.Errorf("to-many relationship needs []string or []*Object, got %T", value)
	}
	switch v := value.(type) {
	case string:
		return v, nil
	case *Object:
		if v.entity.Name != rel.Destination {
			return nil, fmt.Errorf("expected %s, got %s", rel.Destination, v.entity.Name)
		}
		return v.id, nil
	}
	return nil, fmt.Errorf("to-one relationship needs a string or *Object, got %T", value)
}

func relationshipEqual(a, b any) bool {
	switch av := a.(type) {
	case nil:
		if bv, ok := b.([]string); ok {
			return len(bv) == 0
		}
		return b == nil
	case string:
		bv, ok := b.(string)
		return ok && av == bv
	case []string:
		bv, _ := b.([]string)
		return slices.Equal(av, bv)
	}
	return false
}
