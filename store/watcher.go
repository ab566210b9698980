package store

import (
	"context"
	"path/filepath"
	"strings"
	"sync"
	"time"

	"github.com/fsnotify/fsnotify"
	"github.com/rs/zerolog/log"

	"github.com/saltyorg/stowage/internal/database"
)

// Watcher notices commits made to the store file by other processes and
// broadcasts them as EventRemoteChange
type Watcher struct {
	container *Container
	debounce  time.Duration
	watcher   *fsnotify.Watcher
	mu        sync.Mutex

	// last change token already accounted for
	lastToken int64

	pending *time.Timer
	running bool

	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup
}

// NewWatcher creates a watcher for the container's store file
func NewWatcher(container *Container, debounce time.Duration) (*Watcher, error) {
	fsWatcher, err := fsnotify.NewWatcher()
	if err != nil {
		return nil, err
	}

	ctx, cancel := context.WithCancel(context.Background())

	return &Watcher{
		container: container,
		debounce:  debounce,
		watcher:   fsWatcher,
		ctx:       ctx,
		cancel:    cancel,
	}, nil
}

// Start begins watching the store directory
func (w *Watcher) Start() error {
	w.mu.Lock()
	defer w.mu.Unlock()

	if w.running {
		return nil
	}

	token, err := w.container.db.ChangeToken()
	if err != nil {
		return err
	}
	w.lastToken = token

	dir := filepath.Dir(w.container.Path())
	if err := w.watcher.Add(dir); err != nil {
		return err
	}

	w.running = true
	w.wg.Add(1)
	go w.eventLoop()

	log.Debug().Str("dir", dir).Str("debounce", w.debounce.String()).Msg("Store watcher started")
	return nil
}

// Stop stops watching and cancels any pending notification
func (w *Watcher) Stop() {
	w.mu.Lock()
	if !w.running {
		w.mu.Unlock()
		w.cancel()
		w.watcher.Close()
		return
	}
	w.running = false
	if w.pending != nil {
		w.pending.Stop()
		w.pending = nil
	}
	w.mu.Unlock()

	w.cancel()
	w.watcher.Close()
	w.wg.Wait()

	log.Debug().Msg("Store watcher stopped")
}

// IsRunning returns whether the watcher is currently running
func (w *Watcher) IsRunning() bool {
	w.mu.Lock()
	defer w.mu.Unlock()
	return w.running
}

func (w *Watcher) eventLoop() {
	defer w.wg.Done()

	for {
		select {
		case <-w.ctx.Done():
			return

		case event, ok := <-w.watcher.Events:
			if !ok {
				return
			}
			w.handleEvent(event)

		case err, ok := <-w.watcher.Errors:
			if !ok {
				return
			}
			log.Error().Err(err).Msg("Store watcher error")
		}
	}
}

func (w *Watcher) handleEvent(event fsnotify.Event) {
	if !event.Has(fsnotify.Write) && !event.Has(fsnotify.Create) {
		return
	}
	if !strings.HasPrefix(filepath.Base(event.Name), filepath.Base(w.container.Path())) {
		return
	}
	w.schedule()
}

// schedule starts or extends the debounce window
func (w *Watcher) schedule() {
	w.mu.Lock()
	defer w.mu.Unlock()

	if !w.running {
		return
	}
	if w.pending != nil {
		w.pending.Reset(w.debounce)
		return
	}
	w.pending = time.AfterFunc(w.debounce, w.fire)
}

func (w *Watcher) fire() {
	w.mu.Lock()
	w.pending = nil
	since := w.lastToken
	w.mu.Unlock()

	w.Check(since)
}

// Check broadcasts EventRemoteChange if transactions from other authors were
// committed after since. It returns the newest token seen.
func (w *Watcher) Check(since int64) int64 {
	history, err := w.container.db.History(since)
	if err != nil {
		log.Warn().Err(err).Msg("Failed to read store history")
		return since
	}
	if len(history) == 0 {
		return since
	}

	latest := history[len(history)-1].ID
	event := Event{Type: EventRemoteChange, Token: latest}
	remote := 0
	for _, tx := range history {
		if tx.Author == w.container.author {
			continue
		}
		remote++
		for _, change := range tx.Changes {
			switch change.Kind {
			case database.ChangeInsert:
				event.Inserted = append(event.Inserted, change.RecordID)
			case database.ChangeUpdate:
				event.Updated = append(event.Updated, change.RecordID)
			case database.ChangeDelete:
				event.Deleted = append(event.Deleted, change.RecordID)
			}
		}
	}

	w.mu.Lock()
	if latest > w.lastToken {
		w.lastToken = latest
	}
	w.mu.Unlock()

	if remote > 0 {
		log.Debug().Int64("token", latest).Int("transactions", remote).Msg("Remote change detected")
		w.container.broker.Broadcast(event)
	}
	return latest
}
