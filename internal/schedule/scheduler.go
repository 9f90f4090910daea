package schedule

import (
	"context"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/juju/clock"

	"drguard/internal/apperrors"
	"drguard/internal/backup"
	"drguard/internal/ident"
	"drguard/internal/logging"
	"drguard/internal/state"
)

const stateSchedules = "schedules"

// Backups is the slice of the backup engine the scheduler drives.
type Backups interface {
	CreateBackup(ctx context.Context, kind backup.Kind, options backup.Options) (string, error)
}

// Stats is a snapshot of scheduler counters.
type Stats struct {
	Schedules int       `json:"schedules"`
	Enabled   int       `json:"enabled"`
	Fires     int       `json:"fires"`
	Failures  int       `json:"failures"`
	LastFire  time.Time `json:"last_fire"`
}

// armed tracks one pending timer. Closing stop releases the waiting
// goroutine without firing.
type armed struct {
	timer clock.Timer
	stop  chan struct{}
}

// Scheduler owns all backup schedules and their timers. A fire records
// lastRun, recomputes nextRun, invokes the backup engine, and re-arms the
// timer regardless of the backup's outcome.
type Scheduler struct {
	clk      clock.Clock
	store    state.Store
	backups  Backups
	notifier backup.Notifier
	logger   *logging.Logger

	mu        sync.RWMutex
	schedules map[string]*Schedule
	timers    map[string]*armed
	stats     Stats
	started   bool

	baseCtx context.Context
	cancel  context.CancelFunc
	wg      sync.WaitGroup
}

// NewScheduler builds a scheduler from its dependencies.
func NewScheduler(clk clock.Clock, store state.Store, backups Backups, notifier backup.Notifier, logger *logging.Logger) (*Scheduler, error) {
	if store == nil {
		return nil, apperrors.NewValidationError("scheduler requires a state store", nil)
	}
	if backups == nil {
		return nil, apperrors.NewValidationError("scheduler requires a backup engine", nil)
	}
	if clk == nil {
		clk = clock.WallClock
	}
	if logger == nil {
		logger = logging.NewDefaultLogger()
	}
	return &Scheduler{
		clk:       clk,
		store:     store,
		backups:   backups,
		notifier:  notifier,
		logger:    logger,
		schedules: make(map[string]*Schedule),
		timers:    make(map[string]*armed),
	}, nil
}

// Start loads persisted schedules and arms the enabled ones. Schedules whose
// next run slipped into the past while the process was down are recomputed
// before arming.
func (s *Scheduler) Start(ctx context.Context) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.started {
		return nil
	}

	ids, err := s.store.List(stateSchedules)
	if err != nil {
		return apperrors.Wrap(apperrors.KindServer, "failed to list schedules", err)
	}
	now := s.clk.Now().UTC()
	for _, id := range ids {
		var sc Schedule
		if err := s.store.Load(stateSchedules, id, &sc); err != nil {
			s.logger.WithField("schedule_id", id).Warnf("Skipping unreadable schedule: %v", err)
			continue
		}
		if !sc.NextRun.After(now) {
			if next, err := NextRun(&sc, now); err == nil {
				sc.NextRun = next
			}
		}
		s.schedules[sc.ID] = &sc
	}

	s.baseCtx, s.cancel = context.WithCancel(context.Background())
	s.started = true
	for _, sc := range s.schedules {
		if sc.Enabled {
			s.arm(sc)
		}
	}
	s.logger.WithField("schedules", len(s.schedules)).Info("Scheduler started")
	return nil
}

// Stop cancels all pending timers and waits for in-flight fires.
func (s *Scheduler) Stop(ctx context.Context) error {
	s.mu.Lock()
	if !s.started {
		s.mu.Unlock()
		return nil
	}
	s.started = false
	s.cancel()
	for id := range s.timers {
		s.disarmLocked(id)
	}
	s.mu.Unlock()

	finished := make(chan struct{})
	go func() {
		s.wg.Wait()
		close(finished)
	}()
	select {
	case <-finished:
		s.logger.Info("Scheduler stopped")
		return nil
	case <-ctx.Done():
		return apperrors.NewTimeoutError("scheduler did not stop in time", ctx.Err())
	}
}

// CreateSchedule validates and registers a new schedule. An enabled schedule
// is armed immediately.
func (s *Scheduler) CreateSchedule(sc Schedule) (*Schedule, error) {
	if sc.Tier == "" {
		sc.Tier = defaultTier(sc.Frequency)
	}
	if err := sc.Validate(); err != nil {
		return nil, err
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	now := s.clk.Now().UTC()
	sc.ID = ident.New(ident.KindSchedule, now)
	sc.CreatedAt = now
	sc.UpdatedAt = now
	sc.LastRun = nil

	next, err := NextRun(&sc, now)
	if err != nil {
		return nil, err
	}
	sc.NextRun = next

	if err := s.store.Save(stateSchedules, sc.ID, &sc); err != nil {
		return nil, apperrors.Wrap(apperrors.KindServer, "failed to persist schedule", err)
	}
	s.schedules[sc.ID] = &sc
	if s.started && sc.Enabled {
		s.arm(&sc)
	}
	s.logger.WithFields(map[string]interface{}{
		"schedule_id": sc.ID,
		"frequency":   string(sc.Frequency),
		"next_run":    sc.NextRun.Format(time.RFC3339),
	}).Info("Schedule created")
	return sc.clone(), nil
}

// UpdateSchedule replaces a schedule's definition, preserving its identity
// and run history, and re-arms its timer.
func (s *Scheduler) UpdateSchedule(id string, update Schedule) (*Schedule, error) {
	if update.Tier == "" {
		update.Tier = defaultTier(update.Frequency)
	}
	if err := update.Validate(); err != nil {
		return nil, err
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	existing, ok := s.schedules[id]
	if !ok {
		return nil, apperrors.NewValidationError(fmt.Sprintf("schedule %s not found", id), nil)
	}

	now := s.clk.Now().UTC()
	update.ID = existing.ID
	update.CreatedAt = existing.CreatedAt
	update.LastRun = existing.LastRun
	update.UpdatedAt = now

	next, err := NextRun(&update, now)
	if err != nil {
		return nil, err
	}
	update.NextRun = next

	if err := s.store.Save(stateSchedules, id, &update); err != nil {
		return nil, apperrors.Wrap(apperrors.KindServer, "failed to persist schedule", err)
	}
	s.schedules[id] = &update
	s.disarmLocked(id)
	if s.started && update.Enabled {
		s.arm(&update)
	}
	return update.clone(), nil
}

// DeleteSchedule removes a schedule and cancels its pending timer.
func (s *Scheduler) DeleteSchedule(id string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if _, ok := s.schedules[id]; !ok {
		return apperrors.NewValidationError(fmt.Sprintf("schedule %s not found", id), nil)
	}
	s.disarmLocked(id)
	delete(s.schedules, id)
	if err := s.store.Delete(stateSchedules, id); err != nil {
		return apperrors.Wrap(apperrors.KindServer, "failed to delete schedule", err)
	}
	s.logger.WithField("schedule_id", id).Info("Schedule deleted")
	return nil
}

// ToggleSchedule enables or disables a schedule. Disabling cancels the
// pending timer; enabling recomputes the next run before arming.
func (s *Scheduler) ToggleSchedule(id string, enabled bool) (*Schedule, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	sc, ok := s.schedules[id]
	if !ok {
		return nil, apperrors.NewValidationError(fmt.Sprintf("schedule %s not found", id), nil)
	}
	if sc.Enabled == enabled {
		return sc.clone(), nil
	}

	now := s.clk.Now().UTC()
	sc.Enabled = enabled
	sc.UpdatedAt = now
	s.disarmLocked(id)
	if enabled {
		next, err := NextRun(sc, now)
		if err != nil {
			return nil, err
		}
		sc.NextRun = next
		if s.started {
			s.arm(sc)
		}
	}
	if err := s.store.Save(stateSchedules, id, sc); err != nil {
		return nil, apperrors.Wrap(apperrors.KindServer, "failed to persist schedule", err)
	}
	return sc.clone(), nil
}

// TriggerImmediateBackup runs a schedule's backup now without touching its
// timer or next run.
func (s *Scheduler) TriggerImmediateBackup(ctx context.Context, id string) (string, error) {
	s.mu.RLock()
	sc, ok := s.schedules[id]
	if !ok {
		s.mu.RUnlock()
		return "", apperrors.NewValidationError(fmt.Sprintf("schedule %s not found", id), nil)
	}
	kind := sc.Kind
	options := backup.Options{Tier: sc.Tier, Tables: sc.Tables, TriggeredBy: sc.ID}
	s.mu.RUnlock()

	return s.backups.CreateBackup(ctx, kind, options)
}

// GetSchedule returns a copy of one schedule.
func (s *Scheduler) GetSchedule(id string) (*Schedule, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	sc, ok := s.schedules[id]
	if !ok {
		return nil, apperrors.NewValidationError(fmt.Sprintf("schedule %s not found", id), nil)
	}
	return sc.clone(), nil
}

// ListSchedules returns copies of all schedules ordered by creation time.
func (s *Scheduler) ListSchedules() []*Schedule {
	s.mu.RLock()
	defer s.mu.RUnlock()
	out := make([]*Schedule, 0, len(s.schedules))
	for _, sc := range s.schedules {
		out = append(out, sc.clone())
	}
	sort.Slice(out, func(i, j int) bool { return out[i].CreatedAt.Before(out[j].CreatedAt) })
	return out
}

// Stats returns a snapshot of scheduler counters.
func (s *Scheduler) Stats() Stats {
	s.mu.RLock()
	defer s.mu.RUnlock()
	stats := s.stats
	stats.Schedules = len(s.schedules)
	for _, sc := range s.schedules {
		if sc.Enabled {
			stats.Enabled++
		}
	}
	return stats
}

// arm starts the timer goroutine for a schedule. Caller holds the lock and
// has verified the scheduler is started.
func (s *Scheduler) arm(sc *Schedule) {
	d := sc.NextRun.Sub(s.clk.Now())
	if d < 0 {
		d = 0
	}
	entry := &armed{timer: s.clk.NewTimer(d), stop: make(chan struct{})}
	s.timers[sc.ID] = entry

	s.wg.Add(1)
	go func(id string) {
		defer s.wg.Done()
		select {
		case <-entry.timer.Chan():
			s.fire(id)
		case <-entry.stop:
			entry.timer.Stop()
		case <-s.baseCtx.Done():
			entry.timer.Stop()
		}
	}(sc.ID)
}

// disarmLocked cancels a pending timer. Caller holds the lock.
func (s *Scheduler) disarmLocked(id string) {
	if entry, ok := s.timers[id]; ok {
		close(entry.stop)
		delete(s.timers, id)
	}
}

// fire runs one scheduled backup. The schedule advances and re-arms whether
// or not the backup succeeds; failures are logged and notified only.
func (s *Scheduler) fire(id string) {
	s.mu.Lock()
	sc, ok := s.schedules[id]
	if !ok || !sc.Enabled || !s.started {
		s.mu.Unlock()
		return
	}

	now := s.clk.Now().UTC()
	fired := now
	sc.LastRun = &fired
	if next, err := NextRun(sc, now); err == nil {
		sc.NextRun = next
	}
	sc.UpdatedAt = now
	s.stats.Fires++
	s.stats.LastFire = now
	if err := s.store.Save(stateSchedules, id, sc); err != nil {
		s.logger.WithField("schedule_id", id).Warnf("Failed to persist schedule after fire: %v", err)
	}

	kind := sc.Kind
	options := backup.Options{Tier: sc.Tier, Tables: sc.Tables, TriggeredBy: sc.ID}
	notify := sc.Notify
	nextRun := sc.NextRun
	ctx := s.baseCtx
	s.mu.Unlock()

	jobID, err := s.backups.CreateBackup(ctx, kind, options)
	s.logger.LogScheduleFire(id, jobID, nextRun, err)
	if err != nil {
		s.mu.Lock()
		s.stats.Failures++
		s.mu.Unlock()
		if notify && s.notifier != nil {
			s.notifier.Publish(context.Background(), backup.EventBackupFailed, map[string]interface{}{
				"schedule_id": id,
				"kind":        string(kind),
				"error":       err.Error(),
			})
		}
	}

	s.mu.Lock()
	if s.started {
		if current, ok := s.schedules[id]; ok && current.Enabled {
			s.arm(current)
		}
	}
	s.mu.Unlock()
}

// defaultTier buckets a schedule's backups by its frequency.
func defaultTier(f Frequency) backup.Tier {
	switch f {
	case FrequencyDaily:
		return backup.TierDaily
	case FrequencyWeekly:
		return backup.TierWeekly
	case FrequencyMonthly:
		return backup.TierMonthly
	default:
		return backup.TierAdhoc
	}
}
