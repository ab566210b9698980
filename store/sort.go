package store

import (
	"bytes"
	"cmp"
	"slices"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"
)

// SortDescriptor orders fetch results by one key
type SortDescriptor struct {
	Key       string
	Ascending bool
}

// Asc returns an ascending sort descriptor
func Asc(key string) SortDescriptor { return SortDescriptor{Key: key, Ascending: true} }

// Desc returns a descending sort descriptor
func Desc(key string) SortDescriptor { return SortDescriptor{Key: key} }

// ParseSortDescriptor reads "key", "key:asc" or "key:desc"
func ParseSortDescriptor(s string) SortDescriptor {
	key, dir, _ := strings.Cut(s, ":")
	return SortDescriptor{Key: key, Ascending: !strings.EqualFold(dir, "desc")}
}

// sortObjects orders objects by the descriptors; ties keep fetch order
func sortObjects(objects []*Object, descriptors []SortDescriptor) {
	slices.SortStableFunc(objects, func(a, b *Object) int {
		for _, d := range descriptors {
			var c int
			if d.Key == objectIDKey {
				c = strings.Compare(a.id, b.id)
			} else {
				c = compareValues(a.values[d.Key], b.values[d.Key])
			}
			if c == 0 {
				continue
			}
			if !d.Ascending {
				c = -c
			}
			return c
		}
		return 0
	})
}

// compareValues orders canonical values; nil sorts first
func compareValues(a, b any) int {
	if a == nil || b == nil {
		switch {
		case a == nil && b == nil:
			return 0
		case a == nil:
			return -1
		default:
			return 1
		}
	}

	switch av := a.(type) {
	case string:
		if bv, ok := b.(string); ok {
			return strings.Compare(av, bv)
		}
	case int64:
		if bv, ok := b.(int64); ok {
			return cmp.Compare(av, bv)
		}
	case float64:
		if bv, ok := b.(float64); ok {
			return cmp.Compare(av, bv)
		}
	case bool:
		if bv, ok := b.(bool); ok {
			switch {
			case av == bv:
				return 0
			case !av:
				return -1
			default:
				return 1
			}
		}
	case time.Time:
		if bv, ok := b.(time.Time); ok {
			return av.Compare(bv)
		}
	case decimal.Decimal:
		if bv, ok := b.(decimal.Decimal); ok {
			return av.Cmp(bv)
		}
	case uuid.UUID:
		if bv, ok := b.(uuid.UUID); ok {
			return bytes.Compare(av[:], bv[:])
		}
	case []byte:
		if bv, ok := b.([]byte); ok {
			return bytes.Compare(av, bv)
		}
	}
	return 0
}
