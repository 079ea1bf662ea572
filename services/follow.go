package services

import (
	"context"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/nbd-wtf/go-nostr"
	log "github.com/sirupsen/logrus"

	"streakstr/internal/types/streak"
	"streakstr/utils"
)

func (p *EventProcessor) handleFollow(ctx context.Context, ev *nostr.Event) (string, error) {
	pubkey := ev.PubKey
	if pubkey == p.bot {
		return OutcomeSkipped, nil
	}
	follower, err := p.botFollower(ctx, pubkey)
	if err != nil {
		return "", err
	}
	if follower != nil && (follower.AutoStreakCreated || follower.DoNotKeepStreak) {
		return OutcomeSkipped, nil
	}

	_, created, err := p.provisionSolo(ctx, pubkey, follower)
	if err != nil {
		return "", err
	}
	if !created {
		return OutcomeSkipped, nil
	}
	return OutcomeCreated, nil
}

// provisionSolo creates the default solo streak for pubkey unless one is
// already active, then records the follower flags and welcomes the user.
// The streak is written before the follower flag so a failure in between
// is repaired by a replay.
func (p *EventProcessor) provisionSolo(ctx context.Context, pubkey string, follower *streak.BotFollower) (*streak.Streak, bool, error) {
	now := p.clock.Now()

	existing, err := p.existingSolo(ctx, pubkey)
	if err != nil {
		return nil, false, err
	}
	created := false
	s := existing
	if s == nil {
		s = newSoloStreak(pubkey, now)
		if err := p.store.CreateStreak(ctx, s, streak.DefaultSettings(s.ID)); err != nil {
			return nil, false, fmt.Errorf("failed to create streak: %w", err)
		}
		created = true
	}

	f := streak.BotFollower{Pubkey: pubkey, AutoStreakCreated: true, FollowedAt: now, UpdatedAt: now}
	if follower != nil {
		f.FollowedAt = follower.FollowedAt
	}
	if err := p.store.UpsertBotFollower(ctx, f); err != nil {
		return nil, created, fmt.Errorf("failed to record bot follower: %w", err)
	}

	if created {
		p.invalidate(ctx, pubkey)
		p.requestRefresh()
		p.reply(pubkey, utils.WelcomeMessage(s))
		log.WithFields(log.Fields{"streak": s.ID, "pubkey": pubkey}).Info("solo streak provisioned")
	}
	return s, created, nil
}

func (p *EventProcessor) existingSolo(ctx context.Context, pubkey string) (*streak.Streak, error) {
	s, err := p.store.ActiveSoloStreak(ctx, pubkey)
	if err != nil {
		if isNotFound(err) {
			return nil, nil
		}
		return nil, fmt.Errorf("failed to look up active solo streak: %w", err)
	}
	return s, nil
}

func newSoloStreak(pubkey string, now time.Time) *streak.Streak {
	deadline := now.Add(streak.Window)
	started := now
	return &streak.Streak{
		ID:           uuid.New(),
		Name:         "Daily streak",
		Kind:         streak.KindSolo,
		User1:        pubkey,
		Status:       streak.StatusActive,
		InviteStatus: streak.InviteNone,
		Deadline:     &deadline,
		CreatedAt:    now,
		StartedAt:    &started,
	}
}
