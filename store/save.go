package store

import (
	"cmp"
	"fmt"
	"slices"

	"github.com/rs/zerolog/log"

	"github.com/saltyorg/stowage/internal/database"
)

// saveSet is the work collected for one Save
type saveSet struct {
	inserts []*Object
	updates []*Object
	deletes []*Object
}

func (s *saveSet) writes() []*Object {
	return append(slices.Clone(s.inserts), s.updates...)
}

func (s *saveSet) ids() map[string]bool {
	ids := make(map[string]bool, len(s.inserts)+len(s.updates)+len(s.deletes))
	for _, group := range [][]*Object{s.inserts, s.updates, s.deletes} {
		for _, obj := range group {
			ids[obj.id] = true
		}
	}
	return ids
}

func objectIDs(objects []*Object) []string {
	ids := make([]string, len(objects))
	for i, obj := range objects {
		ids[i] = obj.id
	}
	return ids
}

func compareObjects(a, b *Object) int {
	return cmp.Or(cmp.Compare(a.entity.Name, b.entity.Name), cmp.Compare(a.id, b.id))
}

// Save writes all pending inserts, updates and deletes in one transaction.
//
// Objects whose stored version moved since they were read are resolved with
// the context's merge policy; under ErrorMergePolicy the save fails with a
// *MergeConflictError and nothing is written. A failed save leaves the
// context's pending changes in place.
func (c *Context) Save() error {
	c.mu.Lock()
	defer c.mu.Unlock()

	if !c.hasChangesLocked() {
		return nil
	}

	set := &saveSet{inserts: slices.Clone(c.inserted)}
	for _, obj := range c.objects {
		switch {
		case obj.inserted:
		case obj.deleted:
			set.deletes = append(set.deletes, obj)
		case len(obj.changedKeys()) > 0:
			set.updates = append(set.updates, obj)
		}
	}
	slices.SortFunc(set.updates, compareObjects)
	slices.SortFunc(set.deletes, compareObjects)

	if err := validateObjects(set.writes()); err != nil {
		return err
	}

	policy := c.mergePolicy
	var (
		after     []func()
		conflicts []MergeConflict
	)

	conflict := func(obj *Object, storeVersion int64) {
		conflicts = append(conflicts, MergeConflict{
			Entity:        obj.entity.Name,
			ObjectID:      obj.id,
			ObjectVersion: obj.version,
			StoreVersion:  storeVersion,
		})
	}

	token, err := c.container.db.Write(c.container.author, c.name, func(w *database.WriteTx) error {
		if err := checkUnique(w, set); err != nil {
			return err
		}

		for _, obj := range set.deletes {
			rec, err := w.GetRecord(obj.entity.Name, obj.id)
			if err != nil {
				return err
			}
			if rec == nil {
				after = append(after, func() { c.forgetLocked(obj) })
				continue
			}
			if rec.Version != obj.version {
				switch policy {
				case ErrorMergePolicy:
					conflict(obj, rec.Version)
					continue
				case RollbackMergePolicy:
					stored, err := decodeRecord(obj.entity, rec)
					if err != nil {
						return err
					}
					version := rec.Version
					after = append(after, func() { obj.reset(stored, version) })
					continue
				}
			}
			if err := w.DeleteRecord(obj.entity.Name, obj.id); err != nil {
				return err
			}
			after = append(after, func() { c.forgetLocked(obj) })
		}

		for _, obj := range set.inserts {
			data, err := encodeValues(obj.entity, obj.values)
			if err != nil {
				return err
			}
			if err := w.InsertRecord(obj.entity.Name, obj.id, data); err != nil {
				return err
			}
			after = append(after, func() { obj.markSaved(1) })
		}

		for _, obj := range set.updates {
			if err := c.saveUpdate(w, obj, policy, conflict, &after); err != nil {
				return err
			}
		}

		if len(conflicts) > 0 {
			return &MergeConflictError{Conflicts: conflicts}
		}
		return nil
	})
	if err != nil {
		log.Debug().Err(err).Str("context", c.name).Msg("Save failed")
		return err
	}

	for _, fn := range after {
		fn()
	}
	c.inserted = nil

	log.Debug().
		Str("context", c.name).
		Int64("token", token).
		Int("inserted", len(set.inserts)).
		Int("updated", len(set.updates)).
		Int("deleted", len(set.deletes)).
		Msg("Saved context")

	if token != 0 {
		c.container.broker.Broadcast(Event{
			Type:     EventDidSave,
			Context:  c.name,
			Token:    token,
			Inserted: objectIDs(set.inserts),
			Updated:  objectIDs(set.updates),
			Deleted:  objectIDs(set.deletes),
		})
	}
	return nil
}

func (c *Context) saveUpdate(w *database.WriteTx, obj *Object, policy MergePolicy, conflict func(*Object, int64), after *[]func()) error {
	rec, err := w.GetRecord(obj.entity.Name, obj.id)
	if err != nil {
		return err
	}

	// deleted underneath us
	if rec == nil {
		switch policy {
		case ErrorMergePolicy:
			conflict(obj, 0)
		case MergeByPropertyObjectTrump, OverwriteMergePolicy:
			data, err := encodeValues(obj.entity, obj.values)
			if err != nil {
				return err
			}
			if err := w.InsertRecord(obj.entity.Name, obj.id, data); err != nil {
				return err
			}
			*after = append(*after, func() { obj.markSaved(1) })
		default:
			*after = append(*after, func() { c.forgetLocked(obj) })
		}
		return nil
	}

	values := obj.values
	if rec.Version != obj.version {
		if policy == ErrorMergePolicy {
			conflict(obj, rec.Version)
			return nil
		}
		stored, err := decodeRecord(obj.entity, rec)
		if err != nil {
			return err
		}
		merged, write := policy.resolve(obj, stored)
		if !write {
			version := rec.Version
			*after = append(*after, func() { obj.reset(merged, version) })
			return nil
		}
		values = merged
	}

	data, err := encodeValues(obj.entity, values)
	if err != nil {
		return err
	}
	version, err := w.UpdateRecord(obj.entity.Name, obj.id, data)
	if err != nil {
		return err
	}
	*after = append(*after, func() { obj.reset(values, version) })
	return nil
}

// validateObjects checks required attributes
func validateObjects(objects []*Object) error {
	for _, obj := range objects {
		for _, attr := range obj.entity.Attributes {
			if !attr.Optional && obj.values[attr.Name] == nil {
				return &ValidationError{
					Entity:    obj.entity.Name,
					ObjectID:  obj.id,
					Attribute: attr.Name,
					Reason:    "is required",
				}
			}
		}
	}
	return nil
}

// checkUnique enforces unique attributes against the objects being saved and
// the records already stored. Stored records that are part of this save are
// judged by their new values.
func checkUnique(w *database.WriteTx, set *saveSet) error {
	saving := set.ids()
	claimed := make(map[string]string)

	for _, obj := range set.writes() {
		for _, key := range obj.entity.Unique {
			v := obj.values[key]
			if v == nil {
				continue
			}
			attr, _ := obj.entity.Attribute(key)
			lookup := uniqueKey(attr, v)

			claim := fmt.Sprintf("%s\x00%s\x00%v", obj.entity.Name, key, lookup)
			if other, dup := claimed[claim]; dup {
				return &ConstraintError{Entity: obj.entity.Name, Attribute: key, Value: v, ObjectIDs: []string{other, obj.id}}
			}
			claimed[claim] = obj.id

			ids, err := w.FindByValue(obj.entity.Name, key, lookup)
			if err != nil {
				return err
			}
			for _, id := range ids {
				if id != obj.id && !saving[id] {
					return &ConstraintError{Entity: obj.entity.Name, Attribute: key, Value: v, ObjectIDs: []string{id, obj.id}}
				}
			}
		}
	}
	return nil
}
