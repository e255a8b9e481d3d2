package backup

import (
	"context"
	"errors"
	"log"
	"sync"
	"time"

	"github.com/balor48/storyguard-sub004/internal/notify"
	"github.com/balor48/storyguard-sub004/internal/store"
)

type scheduleStore interface {
	ListBackupSchedules(ctx context.Context) ([]store.BackupSchedule, error)
}

// Scheduler owns the automatic backup timers: exactly one per enabled
// database. Applying new settings stops the old timer before starting a
// replacement, so settings changes can never leave two timers racing.
// Triggers arriving while a run is in flight collapse into one pending
// run, and the content-hash dedup in the engine makes the leftovers
// harmless.
type Scheduler struct {
	engine   *Engine
	catalog  scheduleStore
	events   eventSink
	interval time.Duration // fallback when settings carry no interval

	mu          sync.Mutex
	timers      map[string]*timer
	passphrases map[string]string
	baseCtx     context.Context
	cancelAll   context.CancelFunc
	wg          sync.WaitGroup
}

type timer struct {
	interval time.Duration
	encrypt  bool
	cancel   context.CancelFunc
	kick     chan struct{}
}

func NewScheduler(engine *Engine, catalog scheduleStore, events eventSink, defaultInterval time.Duration) *Scheduler {
	if defaultInterval <= 0 {
		defaultInterval = 30 * time.Minute
	}
	ctx, cancel := context.WithCancel(context.Background())
	return &Scheduler{
		engine:      engine,
		catalog:     catalog,
		events:      events,
		interval:    defaultInterval,
		timers:      make(map[string]*timer),
		passphrases: make(map[string]string),
		baseCtx:     ctx,
		cancelAll:   cancel,
	}
}

// Settings is the scheduler's view of one database's auto-backup config.
type Settings struct {
	DatabaseName string
	Enabled      bool
	Interval     time.Duration
	Keep         int
	Encrypt      bool
	Passphrase   string // plaintext, held in memory only; empty keeps the previous one
}

// Start rehydrates timers from the catalog and backfills a catch-up run
// for every database whose last automatic backup is overdue.
func (s *Scheduler) Start(ctx context.Context) error {
	schedules, err := s.catalog.ListBackupSchedules(ctx)
	if err != nil {
		return err
	}
	now := time.Now()
	for _, schedule := range schedules {
		interval := time.Duration(schedule.IntervalMinutes) * time.Minute
		if interval <= 0 {
			interval = s.interval
		}
		s.Apply(Settings{
			DatabaseName: schedule.DatabaseName,
			Enabled:      true,
			Interval:     interval,
			Keep:         schedule.KeepAuto,
			Encrypt:      schedule.Encrypt,
		})
		if schedule.LastAutoAt == nil || now.Sub(*schedule.LastAutoAt) >= interval {
			log.Printf("backup: %s is overdue, scheduling catch-up run", schedule.DatabaseName)
			s.Trigger(schedule.DatabaseName)
		}
	}
	log.Printf("backup: scheduler started with %d timer(s)", len(schedules))
	return nil
}

// Apply replaces the timer for a database. Disabled settings just stop
// any running timer.
func (s *Scheduler) Apply(settings Settings) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if existing, ok := s.timers[settings.DatabaseName]; ok {
		existing.cancel()
		delete(s.timers, settings.DatabaseName)
	}
	if settings.Passphrase != "" {
		s.passphrases[settings.DatabaseName] = settings.Passphrase
	}
	if !settings.Enabled {
		delete(s.passphrases, settings.DatabaseName)
		return
	}

	interval := settings.Interval
	if interval <= 0 {
		interval = s.interval
	}

	ctx, cancel := context.WithCancel(s.baseCtx)
	t := &timer{
		interval: interval,
		encrypt:  settings.Encrypt,
		cancel:   cancel,
		kick:     make(chan struct{}, 1),
	}
	s.timers[settings.DatabaseName] = t

	keep := settings.Keep
	s.wg.Add(1)
	go s.run(ctx, settings.DatabaseName, t, keep)
}

// Trigger requests an immediate run. Triggers during a run coalesce.
func (s *Scheduler) Trigger(databaseName string) {
	s.mu.Lock()
	t, ok := s.timers[databaseName]
	s.mu.Unlock()
	if !ok {
		return
	}
	select {
	case t.kick <- struct{}{}:
	default:
	}
}

// Remove stops the timer for a database (deletion, or backups disabled).
func (s *Scheduler) Remove(databaseName string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if existing, ok := s.timers[databaseName]; ok {
		existing.cancel()
		delete(s.timers, databaseName)
	}
	delete(s.passphrases, databaseName)
}

// Rename moves a timer and cached passphrase to the database's new name.
func (s *Scheduler) Rename(oldName, newName string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if t, ok := s.timers[oldName]; ok {
		delete(s.timers, oldName)
		s.timers[newName] = t
	}
	if pass, ok := s.passphrases[oldName]; ok {
		delete(s.passphrases, oldName)
		s.passphrases[newName] = pass
	}
}

// Stop cancels every timer and waits for in-flight runs to finish.
func (s *Scheduler) Stop() {
	s.cancelAll()
	s.wg.Wait()
}

func (s *Scheduler) run(ctx context.Context, databaseName string, t *timer, keep int) {
	defer s.wg.Done()
	ticker := time.NewTicker(t.interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
		case <-t.kick:
		}
		s.runOnce(ctx, databaseName, t.encrypt, keep)
	}
}

func (s *Scheduler) runOnce(ctx context.Context, databaseName string, encrypt bool, keep int) {
	runCtx, cancel := context.WithTimeout(ctx, 2*time.Minute)
	defer cancel()

	passphrase := ""
	if encrypt {
		s.mu.Lock()
		passphrase = s.passphrases[databaseName]
		s.mu.Unlock()
		if passphrase == "" {
			// The passphrase lives in memory only and is lost on restart.
			// Never write plaintext for an encrypted schedule: pause until
			// settings are re-applied with the passphrase.
			s.events.Emit(runCtx, notify.LevelWarning, "backup_passphrase_missing",
				"encryption enabled but no passphrase cached since restart; automatic backups paused", databaseName)
			return
		}
	}

	_, err := s.engine.Create(runCtx, databaseName, Options{
		Kind:       store.BackupKindAuto,
		Passphrase: passphrase,
		Keep:       keep,
		By:         "auto-backup",
	})
	if err != nil && !errors.Is(err, ErrSkipped) {
		log.Printf("backup: scheduled run for %s failed: %v", databaseName, err)
	}
}
