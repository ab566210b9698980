package store

import (
	"errors"
	"fmt"
	"strings"
)

var (
	// ErrUnknownEntity is returned when an entity name is not part of the model
	ErrUnknownEntity = errors.New("unknown entity")
	// ErrContextClosed is returned when work is submitted to a closed context
	ErrContextClosed = errors.New("context closed")
	// ErrNotBool is returned when a predicate does not evaluate to a boolean
	ErrNotBool = errors.New("predicate did not evaluate to a boolean")
	// ErrForeignObject is returned when an object is used with a context that
	// did not register it
	ErrForeignObject = errors.New("object belongs to another context")
	// ErrObjectNotFound is returned when no record exists for an object ID
	ErrObjectNotFound = errors.New("object not found")
)

// ValidationError reports attribute values that do not satisfy the model
type ValidationError struct {
	Entity    string
	ObjectID  string
	Attribute string
	Reason    string
}

func (e *ValidationError) Error() string {
	return fmt.Sprintf("validation failed for %s %s: %s %s", e.Entity, e.ObjectID, e.Attribute, e.Reason)
}

// ConstraintError reports a uniqueness constraint violation
type ConstraintError struct {
	Entity    string
	Attribute string
	Value     any
	ObjectIDs []string
}

func (e *ConstraintError) Error() string {
	return fmt.Sprintf("uniqueness constraint on %s.%s violated by value %v (%s)",
		e.Entity, e.Attribute, e.Value, strings.Join(e.ObjectIDs, ", "))
}

// MergeConflict describes one object whose stored version moved underneath a context
type MergeConflict struct {
	Entity        string
	ObjectID      string
	ObjectVersion int64
	StoreVersion  int64 // 0 when the record was deleted
}

// MergeConflictError is returned by Save under ErrorMergePolicy
type MergeConflictError struct {
	Conflicts []MergeConflict
}

func (e *MergeConflictError) Error() string {
	ids := make([]string, 0, len(e.Conflicts))
	for _, c := range e.Conflicts {
		ids = append(ids, c.Entity+"/"+c.ObjectID)
	}
	return fmt.Sprintf("merge conflict on %d object(s): %s", len(e.Conflicts), strings.Join(ids, ", "))
}
