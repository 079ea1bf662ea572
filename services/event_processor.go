package services

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/juju/clock"
	"github.com/nbd-wtf/go-nostr"
	log "github.com/sirupsen/logrus"

	"streakstr/internal/cache"
	"streakstr/internal/dm"
	"streakstr/internal/metrics"
	"streakstr/internal/store"
	"streakstr/internal/types/streak"
)

// Refresher is signalled whenever the set of tracked identities may have
// changed.
type Refresher interface {
	RequestRefresh()
}

// CommandLimiter decides whether a sender may issue another command.
type CommandLimiter interface {
	Allow(key string) bool
}

type Class string

const (
	ClassInteraction Class = "interaction"
	ClassFollow      Class = "follow"
	ClassCommand     Class = "command"
	ClassIgnored     Class = "ignored"
)

// Outcomes recorded in metrics and logs.
const (
	OutcomeCredited  = "credited"
	OutcomeWaiting   = "waiting"
	OutcomeDuplicate = "duplicate"
	OutcomeSkipped   = "skipped"
	OutcomeCreated   = "created"
	OutcomeDropped   = "dropped"
	OutcomeHandled   = "handled"
	OutcomeFailed    = "failed"
)

// EventProcessor turns decoded network events into streak mutations and
// replies. Process is safe to call concurrently and to call more than once
// with the same event.
type EventProcessor struct {
	store     store.Store
	cache     cache.Cache
	decoder   *dm.Decoder
	bot       string
	clock     clock.Clock
	replies   Replier
	refresher Refresher
	limiter   CommandLimiter

	workers  int
	jobQueue chan *nostr.Event
	stopChan chan struct{}
	wg       sync.WaitGroup
	stopOnce sync.Once
	timeout  time.Duration
}

type ProcessorDeps struct {
	Store     store.Store
	Cache     cache.Cache
	Decoder   *dm.Decoder
	BotPubkey string
	Clock     clock.Clock
	Replies   Replier
	Limiter   CommandLimiter
	Workers   int
}

func NewEventProcessor(deps ProcessorDeps) *EventProcessor {
	if deps.Clock == nil {
		deps.Clock = clock.WallClock
	}
	if deps.Workers < 1 {
		deps.Workers = 1
	}
	return &EventProcessor{
		store:    deps.Store,
		cache:    deps.Cache,
		decoder:  deps.Decoder,
		bot:      deps.BotPubkey,
		clock:    deps.Clock,
		replies:  deps.Replies,
		limiter:  deps.Limiter,
		workers:  deps.Workers,
		jobQueue: make(chan *nostr.Event, 1000),
		stopChan: make(chan struct{}),
		timeout:  30 * time.Second,
	}
}

// SetRefresher injects the subscription-refresh signal once the scheduler
// exists.
func (p *EventProcessor) SetRefresher(r Refresher) {
	p.refresher = r
}

func (p *EventProcessor) Start() {
	for i := 0; i < p.workers; i++ {
		p.wg.Add(1)
		go p.worker()
	}
}

func (p *EventProcessor) worker() {
	defer p.wg.Done()
	for {
		select {
		case ev := <-p.jobQueue:
			p.Handle(ev)
		case <-p.stopChan:
			for {
				select {
				case ev := <-p.jobQueue:
					p.Handle(ev)
				default:
					return
				}
			}
		}
	}
}

// Stop finishes queued events and waits for the workers.
func (p *EventProcessor) Stop() {
	p.stopOnce.Do(func() {
		close(p.stopChan)
		p.wg.Wait()
	})
}

// Dispatch hands ev to the worker pool without blocking the caller. When the
// queue is full the event is processed on its own goroutine.
func (p *EventProcessor) Dispatch(ev *nostr.Event) {
	select {
	case p.jobQueue <- ev:
	default:
		log.WithField("event", ev.ID).Warn("processor queue full, processing out of band")
		go p.Handle(ev)
	}
}

// Handle processes ev synchronously and logs any failure.
func (p *EventProcessor) Handle(ev *nostr.Event) {
	ctx, cancel := context.WithTimeout(context.Background(), p.timeout)
	defer cancel()
	if err := p.Process(ctx, ev); err != nil {
		log.WithFields(log.Fields{"event": ev.ID, "kind": ev.Kind, "author": ev.PubKey}).
			WithError(err).Error("event processing failed")
	}
}

// Classify reports which state machine handles ev.
func (p *EventProcessor) Classify(ev *nostr.Event) Class {
	switch {
	case ev.Kind == KindContactList && tagsPubkey(ev, p.bot):
		return ClassFollow
	case (ev.Kind == KindLegacyDM || ev.Kind == KindGiftWrap) && tagsPubkey(ev, p.bot):
		return ClassCommand
	case isInteraction(ev.Kind):
		return ClassInteraction
	}
	return ClassIgnored
}

func (p *EventProcessor) Process(ctx context.Context, ev *nostr.Event) error {
	if ev == nil {
		return nil
	}
	class := p.Classify(ev)
	var (
		outcome string
		err     error
	)
	switch class {
	case ClassInteraction:
		outcome, err = p.handleInteraction(ctx, ev)
	case ClassFollow:
		outcome, err = p.handleFollow(ctx, ev)
	case ClassCommand:
		outcome, err = p.handleCommand(ctx, ev)
	default:
		outcome = OutcomeSkipped
	}
	if err != nil {
		outcome = OutcomeFailed
	}
	metrics.EventsProcessed.WithLabelValues(string(class), outcome).Inc()
	return err
}

func (p *EventProcessor) requestRefresh() {
	if p.refresher != nil {
		p.refresher.RequestRefresh()
	}
}

func (p *EventProcessor) reply(target, text string) {
	if p.replies != nil {
		p.replies.Reply(target, text)
	}
}

func (p *EventProcessor) invalidate(ctx context.Context, pubkeys ...string) {
	if err := cache.InvalidateIdentity(ctx, p.cache, pubkeys...); err != nil {
		log.WithError(err).Warn("cache invalidation failed")
	}
}

// readThrough serves key from the cache and falls back to load on a miss or
// cache failure.
func (p *EventProcessor) readThrough(ctx context.Context, key string, load func() ([]streak.Streak, error)) ([]streak.Streak, error) {
	var cached []streak.Streak
	hit, err := cache.GetJSON(ctx, p.cache, key, &cached)
	if err != nil {
		log.WithError(err).WithField("key", key).Warn("cache read failed")
	}
	if hit {
		return cached, nil
	}
	streaks, err := load()
	if err != nil {
		return nil, err
	}
	if err := cache.SetJSON(ctx, p.cache, key, streaks, cache.ReadThruTTL); err != nil {
		log.WithError(err).WithField("key", key).Warn("cache write failed")
	}
	return streaks, nil
}

func (p *EventProcessor) activeStreaks(ctx context.Context, pubkey string) ([]streak.Streak, error) {
	return p.readThrough(ctx, cache.ActiveStreaksKey(pubkey), func() ([]streak.Streak, error) {
		s, err := p.store.ActiveStreaksFor(ctx, pubkey)
		if err != nil {
			return nil, fmt.Errorf("failed to load active streaks: %w", err)
		}
		return s, nil
	})
}

func (p *EventProcessor) soloStreaks(ctx context.Context, pubkey string) ([]streak.Streak, error) {
	return p.readThrough(ctx, cache.SoloStreaksKey(pubkey), func() ([]streak.Streak, error) {
		s, err := p.store.SoloStreaksFor(ctx, pubkey)
		if err != nil {
			return nil, fmt.Errorf("failed to load solo streaks: %w", err)
		}
		return s, nil
	})
}

func (p *EventProcessor) botFollower(ctx context.Context, pubkey string) (*streak.BotFollower, error) {
	f, err := p.store.GetBotFollower(ctx, pubkey)
	if errors.Is(err, store.ErrNotFound) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("failed to load bot follower: %w", err)
	}
	return f, nil
}
