package store

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sync"

	"github.com/google/uuid"
	"github.com/rs/zerolog/log"

	"github.com/saltyorg/stowage/internal/config"
	"github.com/saltyorg/stowage/internal/database"
)

// StoreExtension is the file extension of store databases
const StoreExtension = ".sqlite"

// ModelExtension is the file extension of YAML model files
const ModelExtension = ".yaml"

// ViewContextName names the container's view context in history
const ViewContextName = "view"

type containerOptions struct {
	dir         string
	model       *Model
	mergePolicy MergePolicy
	watch       bool
	maintenance bool
	timeouts    *config.TimeoutConfig
}

// Option configures OpenContainer
type Option func(*containerOptions)

// WithDirectory sets the directory holding the store and model files
func WithDirectory(dir string) Option {
	return func(o *containerOptions) { o.dir = dir }
}

// WithModel uses m instead of loading <dir>/<name>.yaml
func WithModel(m *Model) Option {
	return func(o *containerOptions) { o.model = m }
}

// WithMergePolicy sets the merge policy of the view context and of new
// background contexts
func WithMergePolicy(p MergePolicy) Option {
	return func(o *containerOptions) { o.mergePolicy = p }
}

// WithWatcher enables remote change notifications when the watcher.enabled
// setting allows it
func WithWatcher(enabled bool) Option {
	return func(o *containerOptions) { o.watch = enabled }
}

// WithMaintenance enables the maintenance scheduler when the
// maintenance.enabled setting allows it
func WithMaintenance(enabled bool) Option {
	return func(o *containerOptions) { o.maintenance = enabled }
}

// WithTimeouts overrides the global timeout configuration
func WithTimeouts(t *config.TimeoutConfig) Option {
	return func(o *containerOptions) { o.timeouts = t }
}

// Container owns a store database, its model and the contexts working on it
type Container struct {
	name   string
	path   string
	author string

	db        *database.DB
	model     *Model
	settings  *config.Loader
	broker    *Broker
	watcher   *Watcher
	scheduler *Scheduler

	mergePolicy MergePolicy
	view        *Context
	contexts    []*Context
	mu          sync.Mutex
	closed      bool
}

// OpenContainer opens (creating if needed) the store <dir>/<name>.sqlite
func OpenContainer(name string, opts ...Option) (*Container, error) {
	if name == "" {
		return nil, errors.New("store name is required")
	}

	o := containerOptions{dir: ".", mergePolicy: ErrorMergePolicy}
	for _, opt := range opts {
		opt(&o)
	}
	if o.timeouts == nil {
		o.timeouts = config.GetTimeouts()
	}

	model := o.model
	if model == nil {
		var err error
		model, err = LoadModel(filepath.Join(o.dir, name+ModelExtension))
		if err != nil {
			return nil, err
		}
	}

	if err := os.MkdirAll(o.dir, 0755); err != nil {
		return nil, fmt.Errorf("failed to create store directory: %w", err)
	}

	path := filepath.Join(o.dir, name+StoreExtension)
	db, err := database.New(path, o.timeouts.BusyTimeout)
	if err != nil {
		return nil, err
	}
	if err := db.Migrate(); err != nil {
		db.Close()
		return nil, err
	}
	if err := db.InitializeDefaults(); err != nil {
		db.Close()
		return nil, err
	}

	c := &Container{
		name:        name,
		path:        path,
		author:      uuid.NewString(),
		db:          db,
		model:       model,
		settings:    config.NewLoader(db),
		broker:      NewBroker(),
		mergePolicy: o.mergePolicy,
	}
	c.view = c.newContext(ViewContextName)

	if o.watch && c.settings.Bool("watcher.enabled", true) {
		debounce := c.settings.DurationMillis("watcher.debounce_ms", int(o.timeouts.WatchDebounce.Milliseconds()))
		w, err := NewWatcher(c, debounce)
		if err == nil {
			if err = w.Start(); err != nil {
				w.Stop()
			}
		}
		if err != nil {
			log.Warn().Err(err).Str("store", name).Msg("Remote change watcher unavailable")
		} else {
			c.watcher = w
		}
	}

	if o.maintenance {
		c.scheduler = NewScheduler(c)
		if err := c.scheduler.Start(); err != nil {
			log.Warn().Err(err).Str("store", name).Msg("Maintenance scheduler unavailable")
		}
	}

	log.Info().
		Str("store", name).
		Str("path", path).
		Strs("entities", model.EntityNames()).
		Msg("Store opened")

	return c, nil
}

// newContext registers a context for draining on Close. Contexts created
// after Close are returned already closed.
func (c *Container) newContext(name string) *Context {
	sc := newContext(c, name, c.mergePolicy)

	c.mu.Lock()
	closed := c.closed
	if !closed {
		c.contexts = append(c.contexts, sc)
	}
	c.mu.Unlock()

	if closed {
		sc.close()
	}
	return sc
}

// Name returns the store name
func (c *Container) Name() string { return c.name }

// Path returns the database file path
func (c *Container) Path() string { return c.path }

// Author identifies this container's commits in history
func (c *Container) Author() string { return c.author }

// Model returns the container's model
func (c *Container) Model() *Model { return c.model }

// Settings returns typed access to the store's settings
func (c *Container) Settings() *config.Loader { return c.settings }

// DB returns the underlying database
func (c *Container) DB() *database.DB { return c.db }

// Scheduler returns the maintenance scheduler, nil when disabled
func (c *Container) Scheduler() *Scheduler { return c.scheduler }

// Watcher returns the remote change watcher, nil when disabled
func (c *Container) Watcher() *Watcher { return c.watcher }

// ViewContext returns the long-lived context for interactive work
func (c *Container) ViewContext() *Context { return c.view }

// NewBackgroundContext creates a context with its own queue. It lives until
// the container is closed; after Close it rejects all work.
func (c *Container) NewBackgroundContext(name string) *Context {
	if name == "" {
		name = "background"
	}
	return c.newContext(name)
}

// Subscribe registers for change events
func (c *Container) Subscribe() *Subscription {
	return c.broker.Subscribe()
}

// ChangeToken returns the token of the latest committed transaction
func (c *Container) ChangeToken() (int64, error) {
	return c.db.ChangeToken()
}

// History returns the transactions committed after the token, oldest first
func (c *Container) History(since int64) ([]*database.HistoryTransaction, error) {
	return c.db.History(since)
}

// Counts returns the number of stored records per entity
func (c *Container) Counts() (map[string]int, error) {
	return c.db.CountRecords()
}

// Optimize refreshes the query planner statistics
func (c *Container) Optimize() error { return c.db.Optimize() }

// Vacuum rebuilds the database file
func (c *Container) Vacuum() error { return c.db.Vacuum() }

// Close drains every context's queue, stops background services and closes
// the database
func (c *Container) Close() error {
	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return nil
	}
	c.closed = true
	contexts := c.contexts
	c.mu.Unlock()

	for _, sc := range contexts {
		sc.close()
	}
	if c.watcher != nil {
		c.watcher.Stop()
	}
	if c.scheduler != nil {
		c.scheduler.Stop()
	}
	c.broker.Stop()

	if err := c.db.Checkpoint(); err != nil {
		log.Debug().Err(err).Msg("Failed to checkpoint on close")
	}

	log.Debug().Str("store", c.name).Msg("Store closed")
	return c.db.Close()
}
