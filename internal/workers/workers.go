// Package workers runs the time-driven reconciliation jobs: reminders,
// deadline enforcement and re-subscription of the tracked identities.
package workers

import (
	"context"
	"errors"
	"sync"
	"time"

	"github.com/juju/clock"
	"github.com/nbd-wtf/go-nostr"
	log "github.com/sirupsen/logrus"

	"streakstr/internal/cache"
	"streakstr/internal/metrics"
	"streakstr/internal/notification"
	"streakstr/internal/store"
)

// ErrPassInProgress is returned when a pass of the same job is already running.
var ErrPassInProgress = errors.New("pass already in progress")

// Subscriber is the part of the subscription manager the refresh pass drives.
type Subscriber interface {
	Subscribe(name string, filter nostr.Filter, sink func(*nostr.Event)) error
	Unsubscribe(name string)
}

type Options struct {
	GracePeriod      time.Duration
	ReminderInterval time.Duration
	EnforceInterval  time.Duration
	PassTimeout      time.Duration
}

func DefaultOptions() Options {
	return Options{
		GracePeriod:      time.Hour,
		ReminderInterval: 5 * time.Minute,
		EnforceInterval:  time.Minute,
		PassTimeout:      5 * time.Minute,
	}
}

type Scheduler struct {
	store    store.Store
	cache    cache.Cache
	notifier notification.Notifier
	clock    clock.Clock
	opts     Options

	tracking *Tracking

	reminderMu sync.Mutex
	enforceMu  sync.Mutex

	stopChan chan struct{}
	wg       sync.WaitGroup
	stopOnce sync.Once
}

func NewScheduler(st store.Store, c cache.Cache, n notification.Notifier, clk clock.Clock, opts Options) *Scheduler {
	if clk == nil {
		clk = clock.WallClock
	}
	def := DefaultOptions()
	if opts.GracePeriod <= 0 {
		opts.GracePeriod = def.GracePeriod
	}
	if opts.ReminderInterval <= 0 {
		opts.ReminderInterval = def.ReminderInterval
	}
	if opts.EnforceInterval <= 0 {
		opts.EnforceInterval = def.EnforceInterval
	}
	if opts.PassTimeout <= 0 {
		opts.PassTimeout = def.PassTimeout
	}
	return &Scheduler{
		store:    st,
		cache:    c,
		notifier: n,
		clock:    clk,
		opts:     opts,
		stopChan: make(chan struct{}),
	}
}

// SetTracking attaches the subscription-refresh job.
func (s *Scheduler) SetTracking(t *Tracking) {
	s.tracking = t
}

// RequestRefresh signals the refresh job. Signals coalesce while a pass is
// pending.
func (s *Scheduler) RequestRefresh() {
	if s.tracking != nil {
		s.tracking.RequestRefresh()
	}
}

// Start launches the reminder and enforcement loops, plus the refresh loop
// when tracking is attached.
func (s *Scheduler) Start() {
	s.wg.Add(2)
	go s.loop("reminder", s.opts.ReminderInterval, func(ctx context.Context) error {
		_, err := s.RunReminderPass(ctx)
		return err
	})
	go s.loop("enforcement", s.opts.EnforceInterval, func(ctx context.Context) error {
		_, err := s.RunEnforcementPass(ctx)
		return err
	})
	if s.tracking != nil {
		s.wg.Add(1)
		go func() {
			defer s.wg.Done()
			s.tracking.run(s.stopChan, s.opts.PassTimeout)
		}()
	}
	log.WithFields(log.Fields{
		"reminder_interval": s.opts.ReminderInterval,
		"enforce_interval":  s.opts.EnforceInterval,
		"grace_period":      s.opts.GracePeriod,
	}).Info("scheduler started")
}

// Stop waits for running passes to finish.
func (s *Scheduler) Stop() {
	s.stopOnce.Do(func() {
		close(s.stopChan)
		s.wg.Wait()
		log.Info("scheduler stopped")
	})
}

func (s *Scheduler) loop(job string, every time.Duration, run func(context.Context) error) {
	defer s.wg.Done()
	for {
		select {
		case <-s.clock.After(every):
			ctx, cancel := context.WithTimeout(context.Background(), s.opts.PassTimeout)
			if err := run(ctx); err != nil && !errors.Is(err, ErrPassInProgress) {
				log.WithField("job", job).WithError(err).Error("worker pass failed")
			}
			cancel()
		case <-s.stopChan:
			return
		}
	}
}

func observe(job string, start time.Time) {
	metrics.PassDuration.WithLabelValues(job).Observe(time.Since(start).Seconds())
}

// deliverOnce sends one notification guarded by the audit trail and a cache
// lock. The lock is released when the send fails so the next pass retries;
// the audit row is written only after a confirmed send.
func (s *Scheduler) deliverOnce(ctx context.Context, lockKey string, fields log.Fields,
	sent func() (bool, error), send func() (string, error), record func(eventID string) (bool, error)) (bool, error) {

	done, err := sent()
	if err != nil {
		return false, err
	}
	if done {
		return false, nil
	}

	acquired, err := s.cache.SetNX(ctx, lockKey, "1", cache.LockTTL)
	if err != nil {
		log.WithFields(fields).WithError(err).Warn("dedup lock unavailable, relying on audit log")
		acquired = true
	}
	if !acquired {
		log.WithFields(fields).Debug("notification already claimed")
		return false, nil
	}

	eventID, err := send()
	if err != nil {
		if derr := s.cache.Delete(ctx, lockKey); derr != nil {
			log.WithFields(fields).WithError(derr).Warn("failed to release dedup lock")
		}
		return false, err
	}

	if _, err := record(eventID); err != nil {
		log.WithFields(fields).WithError(err).Error("failed to record delivered notification")
	}
	return true, nil
}
