package services

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/nbd-wtf/go-nostr"
	log "github.com/sirupsen/logrus"

	"streakstr/internal/cache"
	"streakstr/internal/metrics"
	"streakstr/internal/store"
	"streakstr/internal/types/streak"
)

func (p *EventProcessor) handleInteraction(ctx context.Context, ev *nostr.Event) (string, error) {
	streaks, err := p.activeStreaks(ctx, ev.PubKey)
	if err != nil {
		return "", err
	}
	if len(streaks) == 0 {
		return OutcomeSkipped, nil
	}

	now := p.clock.Now()
	best := OutcomeSkipped
	var errs []error
	for i := range streaks {
		outcome, err := p.credit(ctx, &streaks[i], ev, now)
		if err != nil {
			errs = append(errs, fmt.Errorf("streak %s: %w", streaks[i].ID, err))
			continue
		}
		if rank(outcome) > rank(best) {
			best = outcome
		}
	}
	return best, errors.Join(errs...)
}

func rank(outcome string) int {
	switch outcome {
	case OutcomeCredited:
		return 3
	case OutcomeWaiting:
		return 2
	case OutcomeDuplicate:
		return 1
	}
	return 0
}

// credit applies one qualifying event to s. Expired windows belong to the
// enforcement pass. A window is credited at most once: the window key is
// claimed first and the store only advances a streak still in that window.
// Flags only count when set by events newer than the last credit.
func (p *EventProcessor) credit(ctx context.Context, s *streak.Streak, ev *nostr.Event, now time.Time) (string, error) {
	fields := log.Fields{"streak": s.ID, "event": ev.ID, "author": ev.PubKey}

	if s.Status != streak.StatusActive {
		return OutcomeSkipped, nil
	}
	if s.Deadline != nil && now.After(*s.Deadline) {
		log.WithFields(fields).Debug("window already expired")
		return OutcomeSkipped, nil
	}
	created := ev.CreatedAt.Time()
	if created.Before(s.WindowStart()) || (s.LastActivityAt != nil && !created.After(*s.LastActivityAt)) {
		log.WithFields(fields).Debug("event predates the current window")
		return OutcomeSkipped, nil
	}

	var who store.Participant
	switch s.Kind {
	case streak.KindSolo:
		if ev.PubKey != s.User1 {
			return OutcomeSkipped, nil
		}
		who = store.ParticipantUser1
	case streak.KindDuo:
		partner := s.Partner(ev.PubKey)
		if partner == "" || !tagsPubkey(ev, partner) {
			return OutcomeSkipped, nil
		}
		who = store.ParticipantUser1
		if ev.PubKey != s.User1 {
			who = store.ParticipantUser2
		}
	default:
		return OutcomeSkipped, nil
	}

	windowKey := cache.WindowKey(s.ID, s.Deadline)
	if _, done, err := p.cache.Get(ctx, windowKey); err != nil {
		log.WithFields(fields).WithError(err).Warn("window marker read failed")
	} else if done {
		log.WithFields(fields).Debug("window already credited")
		return OutcomeDuplicate, nil
	}

	day, err := p.store.UpsertDailyLog(ctx, s.ID, streak.Day(now), who, ev.ID, created)
	if err != nil {
		return "", fmt.Errorf("failed to record daily log: %w", err)
	}
	if !day.Complete(s.Kind, s.LastActivityAt) {
		log.WithFields(fields).Debug("waiting for partner")
		return OutcomeWaiting, nil
	}

	claimed, err := p.cache.SetNX(ctx, windowKey, ev.ID, cache.WindowTTL)
	if err != nil {
		// without the cache the store's window check is the only guard left
		log.WithFields(fields).WithError(err).Warn("window marker claim failed")
		claimed = true
	}
	if !claimed {
		return OutcomeDuplicate, nil
	}

	advanced, err := p.store.AdvanceStreak(ctx, s.ID, s.Deadline, now, now.Add(streak.Window))
	if errors.Is(err, store.ErrNotFound) {
		log.WithFields(fields).Debug("streak left the window before the update")
		p.invalidate(ctx, s.Participants()...)
		return OutcomeSkipped, nil
	}
	if err != nil {
		if derr := p.cache.Delete(ctx, windowKey); derr != nil {
			log.WithFields(fields).WithError(derr).Warn("failed to release window marker")
		}
		return "", fmt.Errorf("failed to advance streak: %w", err)
	}

	p.invalidate(ctx, s.Participants()...)
	metrics.StreakCredits.WithLabelValues(string(s.Kind)).Inc()
	log.WithFields(fields).WithField("count", advanced.CurrentCount).Info("streak window credited")
	return OutcomeCredited, nil
}
