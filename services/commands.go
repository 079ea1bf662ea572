package services

import (
	"context"
	"errors"
	"fmt"

	"github.com/nbd-wtf/go-nostr"
	log "github.com/sirupsen/logrus"

	"streakstr/internal/cache"
	"streakstr/internal/dm"
	"streakstr/internal/store"
	"streakstr/internal/types/streak"
	"streakstr/utils"
)

func isNotFound(err error) bool {
	return errors.Is(err, store.ErrNotFound)
}

func (p *EventProcessor) handleCommand(ctx context.Context, ev *nostr.Event) (string, error) {
	fields := log.Fields{"event": ev.ID, "kind": ev.Kind}

	// replays older than the dedup horizon cannot be told apart from new commands
	if ev.CreatedAt.Time().Before(p.clock.Now().Add(-cache.EventTTL)) {
		return OutcomeSkipped, nil
	}

	msg, err := p.decoder.Decode(ev)
	if err != nil {
		log.WithFields(fields).WithError(err).Warn("dropping undecodable direct message")
		return OutcomeDropped, nil
	}
	if msg.Sender == p.bot {
		return OutcomeSkipped, nil
	}
	fields["sender"] = msg.Sender

	claimed, err := p.cache.SetNX(ctx, cache.EventKey(ev.ID), msg.Sender, cache.EventTTL)
	if err != nil {
		log.WithFields(fields).WithError(err).Warn("command marker claim failed")
		claimed = true
	}
	if !claimed {
		return OutcomeDuplicate, nil
	}

	if p.limiter != nil && !p.limiter.Allow(msg.Sender) {
		log.WithFields(fields).Warn("command rate limit exceeded")
		return OutcomeDropped, nil
	}

	cmd := dm.ParseCommand(msg.Text)
	fields["command"] = cmd.String()
	if err := p.runCommand(ctx, cmd, msg.Sender); err != nil {
		if derr := p.cache.Delete(ctx, cache.EventKey(ev.ID)); derr != nil {
			log.WithFields(fields).WithError(derr).Warn("failed to release command marker")
		}
		return "", fmt.Errorf("failed to run %s command: %w", cmd, err)
	}
	log.WithFields(fields).Info("command handled")
	return OutcomeHandled, nil
}

func (p *EventProcessor) runCommand(ctx context.Context, cmd dm.Command, sender string) error {
	switch cmd {
	case dm.CommandStart:
		return p.commandStart(ctx, sender)
	case dm.CommandStop:
		return p.commandStop(ctx, sender)
	case dm.CommandStats:
		return p.commandStats(ctx, sender)
	default:
		p.reply(sender, utils.HelpMessage())
		return nil
	}
}

func (p *EventProcessor) commandStart(ctx context.Context, sender string) error {
	existing, err := p.existingSolo(ctx, sender)
	if err != nil {
		return err
	}
	if existing != nil {
		p.reply(sender, utils.AlreadyActiveMessage(existing))
		return nil
	}
	follower, err := p.botFollower(ctx, sender)
	if err != nil {
		return err
	}
	_, _, err = p.provisionSolo(ctx, sender, follower)
	return err
}

func (p *EventProcessor) commandStop(ctx context.Context, sender string) error {
	now := p.clock.Now()
	deleted, err := p.store.DeleteActiveSoloStreaks(ctx, sender, now)
	if err != nil {
		return fmt.Errorf("failed to delete solo streaks: %w", err)
	}

	follower, err := p.botFollower(ctx, sender)
	if err != nil {
		return err
	}
	f := streak.BotFollower{Pubkey: sender, DoNotKeepStreak: true, FollowedAt: now, UpdatedAt: now}
	if follower != nil {
		f.AutoStreakCreated = follower.AutoStreakCreated
		f.FollowedAt = follower.FollowedAt
	}
	if err := p.store.UpsertBotFollower(ctx, f); err != nil {
		return fmt.Errorf("failed to record opt-out: %w", err)
	}

	p.invalidate(ctx, sender)
	if len(deleted) > 0 {
		p.requestRefresh()
	}
	p.reply(sender, utils.StopMessage(len(deleted)))
	return nil
}

func (p *EventProcessor) commandStats(ctx context.Context, sender string) error {
	streaks, err := p.soloStreaks(ctx, sender)
	if err != nil {
		return err
	}
	p.reply(sender, utils.StatsMessage(streaks))
	return nil
}
