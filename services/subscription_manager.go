package services

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/juju/clock"
	"github.com/nbd-wtf/go-nostr"
	log "github.com/sirupsen/logrus"

	"streakstr/internal/metrics"
	"streakstr/internal/relay"
)

// EventSink receives every event of a subscription. It must not block.
type EventSink = func(ev *nostr.Event)

var ErrNotSubscribed = errors.New("subscription not registered")

type SubscriptionOptions struct {
	BaseDelay    time.Duration
	MaxDelay     time.Duration
	ClosingGrace time.Duration
}

func DefaultSubscriptionOptions() SubscriptionOptions {
	return SubscriptionOptions{
		BaseDelay:    5 * time.Second,
		MaxDelay:     60 * time.Second,
		ClosingGrace: 100 * time.Millisecond,
	}
}

// SubscriptionManager owns the named live subscriptions of the process and
// reconnects them with exponential backoff when they close unexpectedly.
type SubscriptionManager struct {
	ctx    context.Context
	source relay.Source
	clock  clock.Clock
	opts   SubscriptionOptions

	mu      sync.Mutex
	subs    map[string]*managedSub
	backoff map[string]int
	closing map[string]uint64
	closeID uint64
}

// managedSub is one opened instance of a named subscription. A reconnect or
// refresh creates a new instance; callbacks from older ones are ignored.
type managedSub struct {
	m      *SubscriptionManager
	name   string
	filter nostr.Filter
	sink   EventSink
	handle relay.Subscription
}

func NewSubscriptionManager(ctx context.Context, source relay.Source, clk clock.Clock, opts SubscriptionOptions) *SubscriptionManager {
	if clk == nil {
		clk = clock.WallClock
	}
	def := DefaultSubscriptionOptions()
	if opts.BaseDelay <= 0 {
		opts.BaseDelay = def.BaseDelay
	}
	if opts.MaxDelay < opts.BaseDelay {
		opts.MaxDelay = opts.BaseDelay
	}
	if opts.ClosingGrace <= 0 {
		opts.ClosingGrace = def.ClosingGrace
	}
	return &SubscriptionManager{
		ctx:     ctx,
		source:  source,
		clock:   clk,
		opts:    opts,
		subs:    make(map[string]*managedSub),
		backoff: make(map[string]int),
		closing: make(map[string]uint64),
	}
}

// Subscribe opens name with filter, replacing any subscription already
// registered under that name. A failed open is retried like an unexpected
// close; the error is still returned.
func (m *SubscriptionManager) Subscribe(name string, filter nostr.Filter, sink EventSink) error {
	m.mu.Lock()
	old := m.subs[name]
	var oldHandle relay.Subscription
	if old != nil {
		oldHandle = old.handle
		m.markClosingLocked(name)
	}
	m.mu.Unlock()

	if oldHandle != nil {
		oldHandle.Close()
	}
	return m.open(name, filter, sink, nil)
}

// Refresh re-issues name with a new filter. The backoff counter is kept
// until the new subscription reaches end of stored events.
func (m *SubscriptionManager) Refresh(name string, filter nostr.Filter) error {
	m.mu.Lock()
	cur := m.subs[name]
	m.mu.Unlock()
	if cur == nil {
		return fmt.Errorf("failed to refresh %s: %w", name, ErrNotSubscribed)
	}
	return m.Subscribe(name, filter, cur.sink)
}

func (m *SubscriptionManager) Unsubscribe(name string) {
	m.mu.Lock()
	cur := m.subs[name]
	delete(m.subs, name)
	delete(m.backoff, name)
	var handle relay.Subscription
	if cur != nil {
		handle = cur.handle
		m.markClosingLocked(name)
	}
	m.mu.Unlock()

	if handle != nil {
		handle.Close()
	}
}

// CatchUp runs a one-shot query and feeds every result, oldest first, to sink.
func (m *SubscriptionManager) CatchUp(ctx context.Context, filter nostr.Filter, sink EventSink) (int, error) {
	events, err := m.source.QuerySync(ctx, filter)
	if err != nil {
		return 0, fmt.Errorf("failed to run catch-up query: %w", err)
	}
	sort.SliceStable(events, func(i, j int) bool {
		return events[i].CreatedAt < events[j].CreatedAt
	})
	for _, ev := range events {
		sink(ev)
	}
	return len(events), nil
}

// CloseAll closes every subscription and forgets all backoff state.
func (m *SubscriptionManager) CloseAll() {
	m.mu.Lock()
	var handles []relay.Subscription
	for name, s := range m.subs {
		if s.handle != nil {
			handles = append(handles, s.handle)
		}
		m.markClosingLocked(name)
	}
	m.subs = make(map[string]*managedSub)
	m.backoff = make(map[string]int)
	m.mu.Unlock()

	for _, h := range handles {
		h.Close()
	}
	log.Info("all subscriptions closed")
}

// Tracked returns the registered subscription names.
func (m *SubscriptionManager) Tracked() []string {
	m.mu.Lock()
	defer m.mu.Unlock()
	names := make([]string, 0, len(m.subs))
	for name := range m.subs {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}

func (m *SubscriptionManager) delay(attempt int) time.Duration {
	d := m.opts.BaseDelay
	for i := 0; i < attempt; i++ {
		d *= 2
		if d >= m.opts.MaxDelay {
			return m.opts.MaxDelay
		}
	}
	return d
}

// open registers a new instance of name and subscribes it. A non-nil
// replaces makes the open conditional: it is dropped when replaces is no
// longer the registered instance.
func (m *SubscriptionManager) open(name string, filter nostr.Filter, sink EventSink, replaces *managedSub) error {
	s := &managedSub{m: m, name: name, filter: filter, sink: sink}

	m.mu.Lock()
	if replaces != nil && m.subs[name] != replaces {
		m.mu.Unlock()
		return nil
	}
	m.subs[name] = s
	m.mu.Unlock()

	handle, err := m.source.Subscribe(m.ctx, filter, s)
	if err != nil {
		m.scheduleReconnect(s, []string{err.Error()}, false)
		return fmt.Errorf("failed to subscribe %s: %w", name, err)
	}

	m.mu.Lock()
	current := m.subs[name] == s
	if current {
		s.handle = handle
	}
	m.mu.Unlock()
	if !current {
		handle.Close()
		return nil
	}
	log.WithFields(log.Fields{"subscription": name, "authors": len(filter.Authors)}).Info("subscription opened")
	return nil
}

// markClosingLocked suppresses reconnects for name until the closing grace
// has passed. Callers hold m.mu.
func (m *SubscriptionManager) markClosingLocked(name string) {
	m.closeID++
	id := m.closeID
	m.closing[name] = id
	m.clock.AfterFunc(m.opts.ClosingGrace, func() {
		m.mu.Lock()
		if m.closing[name] == id {
			delete(m.closing, name)
		}
		m.mu.Unlock()
	})
}

func (m *SubscriptionManager) isCurrent(s *managedSub) bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.subs[s.name] == s
}

func (m *SubscriptionManager) reconnect(s *managedSub) {
	if err := m.open(s.name, s.filter, s.sink, s); err != nil {
		log.WithField("subscription", s.name).WithError(err).Warn("reconnect failed")
	}
}

func (s *managedSub) OnEvent(ev *nostr.Event) {
	if !s.m.isCurrent(s) {
		return
	}
	metrics.EventsReceived.WithLabelValues(s.name).Inc()
	s.sink(ev)
}

func (s *managedSub) OnEndOfStoredEvents() {
	m := s.m
	m.mu.Lock()
	if m.subs[s.name] == s {
		m.backoff[s.name] = 0
	}
	m.mu.Unlock()
	log.WithField("subscription", s.name).Debug("caught up to live events")
}

func (s *managedSub) OnClose(reasons []string) {
	s.m.scheduleReconnect(s, reasons, true)
}

// scheduleReconnect arms a reconnect of s after the current backoff delay
// unless s was replaced, unsubscribed or closed on purpose.
func (m *SubscriptionManager) scheduleReconnect(s *managedSub, reasons []string, honourClosing bool) {
	fields := log.Fields{"subscription": s.name, "reasons": reasons}

	m.mu.Lock()
	_, closing := m.closing[s.name]
	if (honourClosing && closing) || m.subs[s.name] != s || callerInitiated(reasons) {
		m.mu.Unlock()
		log.WithFields(fields).Debug("subscription closed")
		return
	}
	attempt := m.backoff[s.name]
	m.backoff[s.name] = attempt + 1
	wait := m.delay(attempt)
	m.mu.Unlock()

	metrics.Reconnects.WithLabelValues(s.name).Inc()
	log.WithFields(fields).Warnf("subscription closed unexpectedly, reconnecting in %s", wait)
	m.clock.AfterFunc(wait, func() { m.reconnect(s) })
}

func callerInitiated(reasons []string) bool {
	if len(reasons) == 0 {
		return false
	}
	for _, r := range reasons {
		if r != relay.ReasonClosedByCaller {
			return false
		}
	}
	return true
}
