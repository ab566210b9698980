package store

import (
	"fmt"
	"maps"
	"strings"
)

// MergePolicy decides how Save resolves objects whose stored version moved
// since the context last read them
type MergePolicy int

const (
	// ErrorMergePolicy fails the save with a MergeConflictError
	ErrorMergePolicy MergePolicy = iota
	// MergeByPropertyStoreTrump keeps local changes except for properties the
	// store changed, where the store wins
	MergeByPropertyStoreTrump
	// MergeByPropertyObjectTrump keeps store values except for properties
	// changed locally, where the local value wins
	MergeByPropertyObjectTrump
	// OverwriteMergePolicy writes the local object wholesale
	OverwriteMergePolicy
	// RollbackMergePolicy discards local changes and adopts the store values
	RollbackMergePolicy
)

var mergePolicyNames = map[MergePolicy]string{
	ErrorMergePolicy:           "error",
	MergeByPropertyStoreTrump:  "store-trump",
	MergeByPropertyObjectTrump: "object-trump",
	OverwriteMergePolicy:       "overwrite",
	RollbackMergePolicy:        "rollback",
}

func (p MergePolicy) String() string {
	if name, ok := mergePolicyNames[p]; ok {
		return name
	}
	return fmt.Sprintf("MergePolicy(%d)", int(p))
}

// ParseMergePolicy reads a policy name as printed by String
func ParseMergePolicy(s string) (MergePolicy, error) {
	for policy, name := range mergePolicyNames {
		if strings.EqualFold(s, name) {
			return policy, nil
		}
	}
	return 0, fmt.Errorf("unknown merge policy %q", s)
}

// resolve returns the values to write for obj given the stored values, and
// whether anything should be written at all
func (p MergePolicy) resolve(obj *Object, stored map[string]any) (map[string]any, bool) {
	switch p {
	case MergeByPropertyObjectTrump:
		merged := maps.Clone(stored)
		maps.Copy(merged, obj.ChangedValues())
		return merged, true

	case MergeByPropertyStoreTrump:
		merged := maps.Clone(obj.values)
		for key, storeVal := range stored {
			if !obj.keyEqual(key, storeVal, obj.committed[key]) {
				merged[key] = storeVal
			}
		}
		return merged, true

	case OverwriteMergePolicy:
		return maps.Clone(obj.values), true

	default:
		return maps.Clone(stored), false
	}
}
