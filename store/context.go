package store

import (
	"context"
	"fmt"
	"slices"
	"sync"

	"github.com/google/uuid"
	"github.com/rs/zerolog/log"

	"github.com/saltyorg/stowage/internal/database"
)

// queueSize bounds how many submitted jobs may wait for a context's worker
const queueSize = 64

type job struct {
	ctx    context.Context
	fn     func() error
	result chan error
}

// Context is a scratch space of registered objects with its own FIFO
// execution queue. Work submitted through Perform runs one job at a time in
// submission order; two contexts run concurrently with each other.
//
// Context methods lock internally and may be called from any goroutine, but
// multi-step units of work should go through Perform so they are not
// interleaved with other jobs on the same context. Calling Perform from a job
// already running on the same context deadlocks.
type Context struct {
	name      string
	container *Container

	mu          sync.Mutex
	mergePolicy MergePolicy
	objects     map[string]*Object
	inserted    []*Object

	jobs     chan job
	closeMu  sync.RWMutex
	closed   bool
	workerWG sync.WaitGroup
}

func newContext(container *Container, name string, policy MergePolicy) *Context {
	c := &Context{
		name:        name,
		container:   container,
		mergePolicy: policy,
		objects:     make(map[string]*Object),
		jobs:        make(chan job, queueSize),
	}

	c.workerWG.Add(1)
	go c.worker()
	return c
}

func (c *Context) worker() {
	defer c.workerWG.Done()

	for j := range c.jobs {
		if err := j.ctx.Err(); err != nil {
			j.result <- err
			continue
		}
		j.result <- c.run(j.fn)
	}
}

func (c *Context) run(fn func() error) (err error) {
	defer func() {
		if r := recover(); r != nil {
			log.Error().Str("context", c.name).Interface("panic", r).Msg("Recovered panic in context job")
			err = fmt.Errorf("context %s: job panicked: %v", c.name, r)
		}
	}()
	return fn()
}

// Perform queues fn on the context and waits for it to finish. If ctx is done
// before fn starts, fn is skipped and ctx's error returned; once started, fn
// runs to completion.
func (c *Context) Perform(ctx context.Context, fn func() error) error {
	c.closeMu.RLock()
	if c.closed {
		c.closeMu.RUnlock()
		return ErrContextClosed
	}

	result := make(chan error, 1)
	select {
	case c.jobs <- job{ctx: ctx, fn: fn, result: result}:
		c.closeMu.RUnlock()
	case <-ctx.Done():
		c.closeMu.RUnlock()
		return ctx.Err()
	}

	return <-result
}

// PerformAndWait is Perform without a submission deadline
func (c *Context) PerformAndWait(fn func() error) error {
	return c.Perform(context.Background(), fn)
}

// close stops accepting work and waits for queued jobs to drain
func (c *Context) close() {
	c.closeMu.Lock()
	if c.closed {
		c.closeMu.Unlock()
		return
	}
	c.closed = true
	close(c.jobs)
	c.closeMu.Unlock()

	c.workerWG.Wait()
	log.Debug().Str("context", c.name).Msg("Context closed")
}

// Name returns the context's name, recorded in history for each save
func (c *Context) Name() string { return c.name }

// Container returns the owning container
func (c *Context) Container() *Container { return c.container }

// MergePolicy returns the policy used when saving conflicting objects
func (c *Context) MergePolicy() MergePolicy {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.mergePolicy
}

// SetMergePolicy changes the policy used by subsequent saves
func (c *Context) SetMergePolicy(p MergePolicy) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.mergePolicy = p
}

// EntityDescription resolves an entity name against the container's model
func (c *Context) EntityDescription(name string) (*EntityDescription, error) {
	entity, ok := c.container.model.Entity(name)
	if !ok {
		return nil, ErrUnknownEntity
	}
	return entity, nil
}

// Insert creates a new object of the named entity, registered as inserted.
// Attributes with model defaults start at their default.
func (c *Context) Insert(entityName string) (*Object, error) {
	entity, err := c.EntityDescription(entityName)
	if err != nil {
		return nil, err
	}
	return c.InsertEntity(entity), nil
}

// InsertEntity is Insert for an already resolved entity description
func (c *Context) InsertEntity(entity *EntityDescription) *Object {
	obj := newObject(entity, c, uuid.NewString())
	obj.inserted = true
	obj.applyDefaults()

	c.mu.Lock()
	c.objects[obj.id] = obj
	c.inserted = append(c.inserted, obj)
	c.mu.Unlock()

	return obj
}

// Object returns a registered object by ID
func (c *Context) Object(id string) (*Object, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	obj, ok := c.objects[id]
	return obj, ok
}

// ExistingObject returns the object with the given ID, loading it from the
// store and registering it when the context does not hold it yet
func (c *Context) ExistingObject(entityName, id string) (*Object, error) {
	entity, err := c.EntityDescription(entityName)
	if err != nil {
		return nil, err
	}

	if obj, ok := c.Object(id); ok && obj.entity == entity {
		return obj, nil
	}

	rec, err := c.container.db.GetRecord(entity.Name, id)
	if err != nil {
		return nil, err
	}
	if rec == nil {
		return nil, fmt.Errorf("%s %s: %w", entity.Name, id, ErrObjectNotFound)
	}
	values, err := decodeRecord(entity, rec)
	if err != nil {
		return nil, err
	}

	c.mu.Lock()
	defer c.mu.Unlock()

	if obj, ok := c.objects[id]; ok && obj.entity == entity {
		return obj, nil
	}
	obj := newObject(entity, c, id)
	obj.reset(values, rec.Version)
	c.objects[id] = obj
	return obj, nil
}

// Registered returns how many objects the context currently tracks
func (c *Context) Registered() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return len(c.objects)
}

// Delete marks an object for deletion at the next save. Deleting an object
// that was inserted and never saved simply forgets it.
func (c *Context) Delete(obj *Object) error {
	if obj.context != c {
		return ErrForeignObject
	}

	c.mu.Lock()
	defer c.mu.Unlock()

	if obj.inserted {
		c.forgetLocked(obj)
		return nil
	}
	obj.deleted = true
	return nil
}

// HasChanges reports whether Save would write anything
func (c *Context) HasChanges() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.hasChangesLocked()
}

func (c *Context) hasChangesLocked() bool {
	if len(c.inserted) > 0 {
		return true
	}
	for _, obj := range c.objects {
		if obj.HasChanges() {
			return true
		}
	}
	return false
}

// Rollback discards all unsaved inserts, deletes and value changes
func (c *Context) Rollback() {
	c.mu.Lock()
	defer c.mu.Unlock()

	for _, obj := range slices.Clone(c.inserted) {
		c.forgetLocked(obj)
	}
	for _, obj := range c.objects {
		if obj.HasChanges() {
			obj.reset(obj.committed, obj.version)
		}
	}
}

// Reset forgets every registered object, discarding unsaved changes
func (c *Context) Reset() {
	c.mu.Lock()
	defer c.mu.Unlock()

	c.objects = make(map[string]*Object)
	c.inserted = nil
}

// Refresh reloads obj from the store. With mergeChanges, local changes are
// kept on top of the stored values; otherwise they are discarded. An object
// whose record no longer exists is forgotten.
func (c *Context) Refresh(obj *Object, mergeChanges bool) error {
	if obj.context != c {
		return ErrForeignObject
	}
	if obj.inserted {
		return nil
	}

	rec, err := c.container.db.GetRecord(obj.entity.Name, obj.id)
	if err != nil {
		return err
	}

	c.mu.Lock()
	defer c.mu.Unlock()

	if rec == nil {
		c.forgetLocked(obj)
		return nil
	}

	stored, err := decodeRecord(obj.entity, rec)
	if err != nil {
		return err
	}

	if mergeChanges && obj.HasChanges() {
		changed := obj.ChangedValues()
		deleted := obj.deleted
		obj.reset(stored, rec.Version)
		for key, v := range changed {
			obj.values[key] = v
		}
		obj.deleted = deleted
		return nil
	}

	obj.reset(stored, rec.Version)
	return nil
}

// Fetch returns the objects matching the request. Registered objects are
// returned by identity; unsaved inserts are included and pending deletes
// excluded. Stale registered objects are brought up to date first: objects
// without local changes take the stored values, objects with local changes
// take stored values for the properties they did not change and resolve the
// rest under the merge policy at the next save.
func (c *Context) Fetch(req *FetchRequest) ([]*Object, error) {
	entity, err := c.EntityDescription(req.EntityName)
	if err != nil {
		return nil, err
	}

	records, err := c.container.db.FetchRecords(entity.Name)
	if err != nil {
		return nil, err
	}

	c.mu.Lock()
	defer c.mu.Unlock()

	seen := make(map[string]bool, len(records))
	candidates := make([]*Object, 0, len(records)+len(c.inserted))

	for _, rec := range records {
		seen[rec.ID] = true

		obj, registered := c.objects[rec.ID]
		if !registered {
			values, err := decodeRecord(entity, rec)
			if err != nil {
				return nil, err
			}
			obj = newObject(entity, c, rec.ID)
			obj.reset(values, rec.Version)
			c.objects[obj.id] = obj
		} else if rec.Version != obj.version && !obj.inserted {
			if err := c.reconcileLocked(obj, rec); err != nil {
				return nil, err
			}
		}

		if !obj.deleted {
			candidates = append(candidates, obj)
		}
	}

	// records deleted by someone else
	for id, obj := range c.objects {
		if obj.entity != entity || obj.inserted || seen[id] {
			continue
		}
		if !obj.HasChanges() {
			delete(c.objects, id)
		}
	}

	for _, obj := range c.inserted {
		if obj.entity == entity {
			candidates = append(candidates, obj)
		}
	}

	matched := candidates[:0]
	for _, obj := range candidates {
		ok, err := req.Predicate.Evaluate(obj)
		if err != nil {
			return nil, err
		}
		if ok {
			matched = append(matched, obj)
		}
	}

	sortObjects(matched, req.SortDescriptors)
	return req.page(matched), nil
}

// Count returns how many objects Fetch would return
func (c *Context) Count(req *FetchRequest) (int, error) {
	objects, err := c.Fetch(req)
	if err != nil {
		return 0, err
	}
	return len(objects), nil
}

func (c *Context) reconcileLocked(obj *Object, rec *database.Record) error {
	stored, err := decodeRecord(obj.entity, rec)
	if err != nil {
		return err
	}

	if !obj.HasChanges() {
		obj.reset(stored, rec.Version)
		return nil
	}

	changed := obj.ChangedValues()
	for key, v := range stored {
		if _, local := changed[key]; !local {
			obj.values[key] = v
			obj.committed[key] = v
		}
	}
	return nil
}

func (c *Context) forgetLocked(obj *Object) {
	delete(c.objects, obj.id)
	c.inserted = slices.DeleteFunc(c.inserted, func(o *Object) bool { return o == obj })
}
