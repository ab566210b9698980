package store

import (
	"sync"
	"time"

	"github.com/robfig/cron/v3"
	"github.com/rs/zerolog/log"
)

// MaintenanceConfig controls scheduled store upkeep
type MaintenanceConfig struct {
	Enabled       bool
	Schedule      string
	RetentionDays int
}

// DefaultMaintenanceConfig returns the configuration used when no settings exist
func DefaultMaintenanceConfig() MaintenanceConfig {
	return MaintenanceConfig{
		Enabled:       true,
		Schedule:      "@daily",
		RetentionDays: 7,
	}
}

// MaintenanceResult summarises one maintenance run
type MaintenanceResult struct {
	StartedAt     time.Time
	Duration      time.Duration
	PrunedHistory int64
	Err           error
}

// Scheduler runs store maintenance on a cron schedule: pruning old history,
// refreshing query statistics and checkpointing the WAL
type Scheduler struct {
	container   *Container
	config      MaintenanceConfig
	cron        *cron.Cron
	cronEntryID cron.EntryID
	lastRun     *MaintenanceResult
	mu          sync.RWMutex
	runMu       sync.Mutex
	running     bool
}

// NewScheduler creates a maintenance scheduler for the container
func NewScheduler(container *Container) *Scheduler {
	return &Scheduler{
		container: container,
		config:    DefaultMaintenanceConfig(),
		cron:      cron.New(),
	}
}

// Start loads the maintenance settings and starts the cron scheduler
func (s *Scheduler) Start() error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.running {
		return nil
	}

	s.loadConfig()
	s.cron.Start()
	s.running = true

	if s.config.Enabled && s.config.Schedule != "" {
		if err := s.updateSchedule(s.config.Schedule); err != nil {
			log.Warn().Err(err).Str("schedule", s.config.Schedule).Msg("Failed to set maintenance schedule")
		}
	}

	log.Debug().
		Bool("enabled", s.config.Enabled).
		Str("schedule", s.config.Schedule).
		Int("retention_days", s.config.RetentionDays).
		Msg("Maintenance scheduler started")

	return nil
}

// Stop stops the scheduler and waits for a running job to finish
func (s *Scheduler) Stop() {
	s.mu.Lock()
	defer s.mu.Unlock()

	if !s.running {
		return
	}

	ctx := s.cron.Stop()
	<-ctx.Done()

	s.running = false
	log.Debug().Msg("Maintenance scheduler stopped")
}

// Config returns the active configuration
func (s *Scheduler) Config() MaintenanceConfig {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.config
}

// NextRun returns when maintenance runs next, the zero time if unscheduled
func (s *Scheduler) NextRun() time.Time {
	s.mu.RLock()
	defer s.mu.RUnlock()

	if s.cronEntryID == 0 {
		return time.Time{}
	}
	return s.cron.Entry(s.cronEntryID).Next
}

// LastRun returns the result of the most recent run, nil if none
func (s *Scheduler) LastRun() *MaintenanceResult {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.lastRun
}

func (s *Scheduler) loadConfig() {
	settings := s.container.Settings()
	def := DefaultMaintenanceConfig()
	s.config = MaintenanceConfig{
		Enabled:       settings.Bool("maintenance.enabled", def.Enabled),
		Schedule:      settings.String("maintenance.schedule", def.Schedule),
		RetentionDays: settings.Int("history.retention_days", def.RetentionDays),
	}
}

func (s *Scheduler) updateSchedule(schedule string) error {
	if s.cronEntryID != 0 {
		s.cron.Remove(s.cronEntryID)
		s.cronEntryID = 0
	}

	id, err := s.cron.AddFunc(schedule, func() { s.RunNow() })
	if err != nil {
		return err
	}

	s.cronEntryID = id
	return nil
}

// RunNow performs one maintenance pass immediately
func (s *Scheduler) RunNow() *MaintenanceResult {
	s.runMu.Lock()
	defer s.runMu.Unlock()

	s.mu.RLock()
	retention := s.config.RetentionDays
	s.mu.RUnlock()

	db := s.container.db
	result := &MaintenanceResult{StartedAt: time.Now()}

	if retention > 0 {
		cutoff := result.StartedAt.Add(-time.Duration(retention) * 24 * time.Hour)
		pruned, err := db.PruneHistory(cutoff)
		if err != nil {
			result.Err = err
		}
		result.PrunedHistory = pruned
	}
	if result.Err == nil {
		result.Err = db.Optimize()
	}
	if result.Err == nil {
		result.Err = db.Checkpoint()
	}
	result.Duration = time.Since(result.StartedAt)

	if result.Err != nil {
		log.Error().Err(result.Err).Msg("Store maintenance failed")
	} else {
		log.Info().
			Int64("pruned_transactions", result.PrunedHistory).
			Dur("duration", result.Duration).
			Msg("Store maintenance completed")
	}

	s.mu.Lock()
	s.lastRun = result
	s.mu.Unlock()

	return result
}
