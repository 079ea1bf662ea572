package workers

import (
	"context"
	"fmt"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/nbd-wtf/go-nostr"
	log "github.com/sirupsen/logrus"

	"streakstr/internal/store"
)

// Tracking keeps the live interaction subscription aligned with the set of
// identities that have active streaks.
type Tracking struct {
	store  store.Store
	subs   Subscriber
	name   string
	filter func(authors []string) nostr.Filter
	sink   func(*nostr.Event)

	signal chan struct{}

	mu   sync.Mutex
	last string
}

func NewTracking(st store.Store, subs Subscriber, name string, filter func([]string) nostr.Filter, sink func(*nostr.Event)) *Tracking {
	return &Tracking{
		store:  st,
		subs:   subs,
		name:   name,
		filter: filter,
		sink:   sink,
		signal: make(chan struct{}, 1),
	}
}

func (t *Tracking) RequestRefresh() {
	select {
	case t.signal <- struct{}{}:
	default:
	}
}

// RunRefreshPass re-derives the tracked identities and re-issues the
// subscription when they changed. An empty set closes it.
func (t *Tracking) RunRefreshPass(ctx context.Context) (int, error) {
	defer observe("refresh", time.Now())
	t.mu.Lock()
	defer t.mu.Unlock()

	ids, err := t.store.TrackedIdentities(ctx)
	if err != nil {
		return 0, fmt.Errorf("failed to load tracked identities: %w", err)
	}
	sort.Strings(ids)
	fingerprint := strings.Join(ids, ",")
	if fingerprint == t.last && fingerprint != "" {
		return len(ids), nil
	}

	if len(ids) == 0 {
		t.subs.Unsubscribe(t.name)
		t.last = ""
		log.WithField("subscription", t.name).Info("no identities to track")
		return 0, nil
	}
	if err := t.subs.Subscribe(t.name, t.filter(ids), t.sink); err != nil {
		// the manager keeps retrying on its own; remember nothing so the next
		// signal re-issues the filter
		t.last = ""
		return len(ids), err
	}
	t.last = fingerprint
	log.WithFields(log.Fields{"subscription": t.name, "identities": len(ids)}).Info("tracking refreshed")
	return len(ids), nil
}

func (t *Tracking) run(stop <-chan struct{}, timeout time.Duration) {
	for {
		select {
		case <-t.signal:
			ctx, cancel := context.WithTimeout(context.Background(), timeout)
			if _, err := t.RunRefreshPass(ctx); err != nil {
				log.WithError(err).Error("tracking refresh failed")
			}
			cancel()
		case <-stop:
			return
		}
	}
}
