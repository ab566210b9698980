// Package stowage provides generic Get, Set, Update and Delete over a store
// for any type implementing Codable.
//
// A Stowage owns two contexts. The view context serves the plain operations;
// the background context serves the InBackground variants so batch work does
// not queue behind interactive work. Commits in one context become visible in
// the other at its next fetch, resolved by the merge policy.
package stowage

import (
	"context"

	"github.com/saltyorg/stowage/store"
)

// ErrUnknownEntity is returned when a type's entity is not in the model
var ErrUnknownEntity = store.ErrUnknownEntity

// BackgroundContextName names the batch context in history
const BackgroundContextName = "background"

// Option configures New
type Option = store.Option

var (
	WithDirectory   = store.WithDirectory
	WithModel       = store.WithModel
	WithMergePolicy = store.WithMergePolicy
	WithWatcher     = store.WithWatcher
	WithMaintenance = store.WithMaintenance
	WithTimeouts    = store.WithTimeouts
)

// Stowage is a persistence facade over one store
type Stowage struct {
	container  *store.Container
	view       *store.Context
	background *store.Context
}

// New opens the named store. The merge policy defaults to
// MergeByPropertyObjectTrump. Types are not checked against the model until
// they are used.
func New(name string, opts ...Option) (*Stowage, error) {
	opts = append([]Option{store.WithMergePolicy(store.MergeByPropertyObjectTrump)}, opts...)

	container, err := store.OpenContainer(name, opts...)
	if err != nil {
		return nil, err
	}

	return &Stowage{
		container:  container,
		view:       container.ViewContext(),
		background: container.NewBackgroundContext(BackgroundContextName),
	}, nil
}

// Container returns the underlying container
func (s *Stowage) Container() *store.Container { return s.container }

// ViewContext returns the context used by the interactive operations
func (s *Stowage) ViewContext() *store.Context { return s.view }

// BackgroundContext returns the context used by the InBackground operations
func (s *Stowage) BackgroundContext() *store.Context { return s.background }

// Subscribe registers for save and remote change events
func (s *Stowage) Subscribe() *store.Subscription { return s.container.Subscribe() }

// Close waits for queued work on both contexts and closes the store
func (s *Stowage) Close() error {
	return s.container.Close()
}

// Get returns the T values matching pred in T's sort order. A nil pred
// matches everything.
func Get[T any, PT Codable[T]](s *Stowage, pred *store.Predicate) ([]T, error) {
	return get[T, PT](context.Background(), s.view, pred)
}

// GetInBackground is Get on the background context
func GetInBackground[T any, PT Codable[T]](ctx context.Context, s *Stowage, pred *store.Predicate) ([]T, error) {
	return get[T, PT](ctx, s.background, pred)
}

// Set inserts v and commits it
func Set[T any, PT Codable[T]](s *Stowage, v T) error {
	return setAll[T, PT](context.Background(), s, s.view, []T{v})
}

// SetInBackground is Set on the background context
func SetInBackground[T any, PT Codable[T]](ctx context.Context, s *Stowage, v T) error {
	return setAll[T, PT](ctx, s, s.background, []T{v})
}

// SetAll inserts and commits each value in turn. It stops at the first
// failure; values before it stay committed.
func SetAll[T any, PT Codable[T]](s *Stowage, values []T) error {
	return setAll[T, PT](context.Background(), s, s.view, values)
}

// SetAllInBackground is SetAll on the background context
func SetAllInBackground[T any, PT Codable[T]](ctx context.Context, s *Stowage, values []T) error {
	return setAll[T, PT](ctx, s, s.background, values)
}

// Update passes the objects matching pred to fn, commits what fn changed and
// returns the values as they were before fn ran
func Update[T any, PT Codable[T]](s *Stowage, pred *store.Predicate, fn func([]*store.Object)) ([]T, error) {
	return update[T, PT](context.Background(), s.view, pred, fn)
}

// UpdateInBackground is Update on the background context
func UpdateInBackground[T any, PT Codable[T]](ctx context.Context, s *Stowage, pred *store.Predicate, fn func([]*store.Object)) ([]T, error) {
	return update[T, PT](ctx, s.background, pred, fn)
}

// Delete removes the objects matching pred and returns their values
func Delete[T any, PT Codable[T]](s *Stowage, pred *store.Predicate) ([]T, error) {
	return remove[T, PT](context.Background(), s.view, pred)
}

// DeleteInBackground is Delete on the background context
func DeleteInBackground[T any, PT Codable[T]](ctx context.Context, s *Stowage, pred *store.Predicate) ([]T, error) {
	return remove[T, PT](ctx, s.background, pred)
}

func fetchRequest[T any, PT Codable[T]](pred *store.Predicate) *store.FetchRequest {
	return store.NewFetchRequest(EntityName[T, PT]()).
		Where(pred).
		SortBy(SortDescriptors[T, PT]()...)
}

func get[T any, PT Codable[T]](ctx context.Context, sc *store.Context, pred *store.Predicate) ([]T, error) {
	var values []T
	err := sc.Perform(ctx, func() error {
		objects, err := sc.Fetch(fetchRequest[T, PT](pred))
		if err != nil {
			return err
		}
		values = decodeAll[T, PT](objects)
		return nil
	})
	return values, err
}

func setAll[T any, PT Codable[T]](ctx context.Context, s *Stowage, sc *store.Context, values []T) error {
	if _, ok := s.container.Model().Entity(EntityName[T, PT]()); !ok {
		return ErrUnknownEntity
	}

	return perform(ctx, sc, func() error {
		for _, v := range values {
			if _, err := Insert[T, PT](sc, v); err != nil {
				return err
			}
			if err := sc.Save(); err != nil {
				return err
			}
		}
		return nil
	})
}

func update[T any, PT Codable[T]](ctx context.Context, sc *store.Context, pred *store.Predicate, fn func([]*store.Object)) ([]T, error) {
	var snapshots []T
	err := perform(ctx, sc, func() error {
		objects, err := sc.Fetch(fetchRequest[T, PT](pred))
		if err != nil {
			return err
		}
		snapshots = decodeAll[T, PT](objects)
		fn(objects)
		return sc.Save()
	})
	if err != nil {
		return nil, err
	}
	return snapshots, nil
}

func remove[T any, PT Codable[T]](ctx context.Context, sc *store.Context, pred *store.Predicate) ([]T, error) {
	var deleted []T
	err := perform(ctx, sc, func() error {
		objects, err := sc.Fetch(fetchRequest[T, PT](pred))
		if err != nil {
			return err
		}
		deleted = decodeAll[T, PT](objects)
		for _, obj := range objects {
			if err := sc.Delete(obj); err != nil {
				return err
			}
		}
		return sc.Save()
	})
	if err != nil {
		return nil, err
	}
	return deleted, nil
}

// perform runs fn as one job on sc. When fn fails or panics, sc's pending
// changes are discarded so they cannot ride along with a later save.
func perform(ctx context.Context, sc *store.Context, fn func() error) error {
	return sc.Perform(ctx, func() (err error) {
		completed := false
		defer func() {
			if !completed || err != nil {
				sc.Rollback()
			}
		}()

		err = fn()
		completed = true
		return err
	})
}
