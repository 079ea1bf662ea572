package workers

import (
	"context"
	"fmt"
	"time"

	log "github.com/sirupsen/logrus"

	"streakstr/internal/cache"
	"streakstr/internal/metrics"
	"streakstr/internal/types/streak"
	"streakstr/utils"
)

// EnforcementResult summarises one deadline-enforcement pass.
type EnforcementResult struct {
	Broken   int
	Notified int
}

// RunEnforcementPass breaks every active streak whose deadline passed more
// than the grace period ago, then sends the break notifications. Phase one is
// a single transaction; phase two is best effort and also retries streaks
// broken during the last day that still miss a notification.
func (s *Scheduler) RunEnforcementPass(ctx context.Context) (EnforcementResult, error) {
	var res EnforcementResult
	if !s.enforceMu.TryLock() {
		return res, ErrPassInProgress
	}
	defer s.enforceMu.Unlock()
	defer observe("enforcement", time.Now())

	now := s.clock.Now()
	broken, err := s.store.BreakExpiredStreaks(ctx, now.Add(-s.opts.GracePeriod), now)
	if err != nil {
		return res, fmt.Errorf("failed to break expired streaks: %w", err)
	}
	res.Broken = len(broken)
	if len(broken) > 0 {
		metrics.StreaksBroken.Add(float64(len(broken)))
		var pubkeys []string
		for _, b := range broken {
			pubkeys = append(pubkeys, b.Streak.Participants()...)
			log.WithFields(log.Fields{
				"streak": b.Streak.ID, "kind": b.Streak.Kind, "count": b.Streak.CurrentCount,
			}).Info("streak broken")
		}
		if err := cache.InvalidateIdentity(ctx, s.cache, pubkeys...); err != nil {
			log.WithError(err).Warn("cache invalidation failed")
		}
		s.RequestRefresh()
	}

	pending, err := s.store.BrokenWithoutBreakPost(ctx, now.Add(-streak.Window))
	if err != nil {
		log.WithError(err).Warn("failed to load streaks missing break notifications")
	}
	seen := make(map[string]struct{}, len(broken))
	for _, b := range append(broken, pending...) {
		key := b.Streak.ID.String()
		if _, dup := seen[key]; dup {
			continue
		}
		seen[key] = struct{}{}
		res.Notified += s.notifyBreak(ctx, b)
	}
	return res, nil
}

func (s *Scheduler) notifyBreak(ctx context.Context, b streak.BrokenStreak) int {
	st := b.Streak
	deadline := b.MissedDeadline
	sent := 0

	deliver := func(target string, send func() (string, error)) {
		fields := log.Fields{"streak": st.ID, "target": target, "deadline": deadline}
		ok, err := s.deliverOnce(ctx, cache.BreakPostLockKey(st.ID, deadline, target), fields,
			func() (bool, error) { return s.store.HasBreakPost(ctx, st.ID, target, deadline) },
			send,
			func(eventID string) (bool, error) {
				return s.store.InsertBreakPost(ctx, streak.StreakBreakPost{
					StreakID: st.ID, Target: target, Deadline: deadline, EventID: eventID, PostedAt: s.clock.Now(),
				})
			})
		if err != nil {
			log.WithFields(fields).WithError(err).Warn("break notification not delivered")
			return
		}
		if ok {
			sent++
		}
	}

	if st.Kind == streak.KindDuo {
		for _, p := range st.Participants() {
			target, partner := p, st.Partner(p)
			deliver(target, func() (string, error) {
				return s.notifier.SendDirect(ctx, target, utils.DuoBreakMessage(&st, partner))
			})
		}
		return sent
	}

	if !b.ShamePostEnabled {
		return 0
	}
	deliver(st.User1, func() (string, error) {
		return s.notifier.SendPublic(ctx, utils.SoloShameMessage(&st), st.User1)
	})
	return sent
}
