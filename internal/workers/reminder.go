package workers

import (
	"context"
	"errors"
	"fmt"
	"time"

	log "github.com/sirupsen/logrus"

	"streakstr/internal/cache"
	"streakstr/internal/store"
	"streakstr/internal/types/streak"
	"streakstr/utils"
)

// RunReminderPass reminds every participant whose window closes within the
// streak's reminder offset. It returns the number of reminders sent.
func (s *Scheduler) RunReminderPass(ctx context.Context) (int, error) {
	if !s.reminderMu.TryLock() {
		return 0, ErrPassInProgress
	}
	defer s.reminderMu.Unlock()
	defer observe("reminder", time.Now())

	candidates, err := s.store.ReminderCandidates(ctx)
	if err != nil {
		return 0, fmt.Errorf("failed to load reminder candidates: %w", err)
	}

	now := s.clock.Now()
	sent := 0
	for _, c := range candidates {
		st := c.Streak
		if st.Deadline == nil || !c.Settings.ReminderEnabled {
			continue
		}
		deadline := *st.Deadline
		remindAt := deadline.Add(-time.Duration(c.Settings.ReminderOffsetHours) * time.Hour)
		if now.Before(remindAt) || now.After(deadline) {
			continue
		}

		targets, err := s.reminderTargets(ctx, &st, now)
		if err != nil {
			log.WithField("streak", st.ID).WithError(err).Warn("failed to resolve reminder targets")
			continue
		}
		for _, target := range targets {
			fields := log.Fields{"streak": st.ID, "target": target, "deadline": deadline}
			text := utils.ReminderMessage(&st, now)
			ok, err := s.deliverOnce(ctx, cache.ReminderLockKey(st.ID, deadline, target), fields,
				func() (bool, error) { return s.store.HasReminderLog(ctx, st.ID, target, deadline) },
				func() (string, error) { return s.notifier.SendDirect(ctx, target, text) },
				func(eventID string) (bool, error) {
					return s.store.InsertReminderLog(ctx, streak.ReminderLog{
						StreakID: st.ID, Target: target, Deadline: deadline, EventID: eventID, SentAt: s.clock.Now(),
					})
				})
			if err != nil {
				log.WithFields(fields).WithError(err).Warn("reminder not delivered")
				continue
			}
			if ok {
				sent++
			}
		}
	}
	if sent > 0 {
		log.Infof("Sent %d streak reminders", sent)
	}
	return sent, nil
}

// reminderTargets lists who still has to act: the owner of a solo streak, or
// each duo participant with no flag set since the last credit.
func (s *Scheduler) reminderTargets(ctx context.Context, st *streak.Streak, now time.Time) ([]string, error) {
	if st.Kind != streak.KindDuo {
		return []string{st.User1}, nil
	}
	day, err := s.store.GetDailyLog(ctx, st.ID, now)
	if err != nil {
		if errors.Is(err, store.ErrNotFound) {
			return st.Participants(), nil
		}
		return nil, err
	}
	var targets []string
	if !day.User1ActedAfter(st.LastActivityAt) {
		targets = append(targets, st.User1)
	}
	if !day.User2ActedAfter(st.LastActivityAt) && st.User2 != nil {
		targets = append(targets, *st.User2)
	}
	return targets, nil
}
