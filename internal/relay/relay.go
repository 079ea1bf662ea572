// Package relay is the streaming source the engine consumes: filtered
// subscriptions with end-of-stored-events and close notifications, one-shot
// queries and publishing, fanned out over a set of Nostr relays.
package relay

import (
	"context"
	"errors"
	"fmt"
	"sync"

	"github.com/nbd-wtf/go-nostr"
	log "github.com/sirupsen/logrus"
)

// ReasonClosedByCaller is the close reason reported for subscriptions closed
// through Subscription.Close.
const ReasonClosedByCaller = "closed by caller"

// maxSeen bounds the per-subscription id set used to drop copies of an event
// delivered by several relays.
const maxSeen = 10000

// Handler receives the callbacks of one subscription. OnEvent must not block.
type Handler interface {
	OnEvent(ev *nostr.Event)
	OnEndOfStoredEvents()
	OnClose(reasons []string)
}

type Subscription interface {
	Close()
}

type Source interface {
	Subscribe(ctx context.Context, filter nostr.Filter, h Handler) (Subscription, error)
	QuerySync(ctx context.Context, filter nostr.Filter) ([]*nostr.Event, error)
	Publish(ctx context.Context, ev nostr.Event) error
}

// Pool is a Source backed by every configured relay.
type Pool struct {
	urls []string
	pool *nostr.SimplePool
}

func NewPool(ctx context.Context, urls []string) *Pool {
	return &Pool{urls: urls, pool: nostr.NewSimplePool(ctx)}
}

// Subscribe opens the filter on every reachable relay. It fails only when no
// relay accepted the subscription.
func (p *Pool) Subscribe(ctx context.Context, filter nostr.Filter, h Handler) (Subscription, error) {
	ctx, cancel := context.WithCancel(ctx)
	fs := &fanoutSub{
		handler: h,
		cancel:  cancel,
		seen:    make(map[string]struct{}),
	}

	var subs []*nostr.Subscription
	var subURLs []string
	var errs []error
	for _, url := range p.urls {
		r, err := p.pool.EnsureRelay(url)
		if err != nil {
			errs = append(errs, fmt.Errorf("%s: %w", url, err))
			continue
		}
		sub, err := r.Subscribe(ctx, nostr.Filters{filter})
		if err != nil {
			errs = append(errs, fmt.Errorf("%s: %w", url, err))
			continue
		}
		subs = append(subs, sub)
		subURLs = append(subURLs, url)
	}
	if len(subs) == 0 {
		cancel()
		return nil, fmt.Errorf("failed to subscribe on any relay: %w", errors.Join(errs...))
	}
	for _, err := range errs {
		log.WithError(err).Warn("relay subscribe failed")
	}

	fs.pending = len(subs)
	fs.eosePending = len(subs)
	for i, sub := range subs {
		go fs.pump(subURLs[i], sub)
	}
	return fs, nil
}

// QuerySync collects the stored events matching filter from every relay,
// de-duplicated by id.
func (p *Pool) QuerySync(ctx context.Context, filter nostr.Filter) ([]*nostr.Event, error) {
	var (
		mu   sync.Mutex
		wg   sync.WaitGroup
		out  []*nostr.Event
		seen = make(map[string]struct{})
		errs []error
		ok   int
	)
	for _, url := range p.urls {
		wg.Add(1)
		go func(url string) {
			defer wg.Done()
			r, err := p.pool.EnsureRelay(url)
			if err == nil {
				var events []*nostr.Event
				events, err = r.QuerySync(ctx, filter)
				if err == nil {
					mu.Lock()
					ok++
					for _, ev := range events {
						if _, dup := seen[ev.ID]; dup {
							continue
						}
						seen[ev.ID] = struct{}{}
						out = append(out, ev)
					}
					mu.Unlock()
					return
				}
			}
			mu.Lock()
			errs = append(errs, fmt.Errorf("%s: %w", url, err))
			mu.Unlock()
		}(url)
	}
	wg.Wait()
	if ok == 0 && len(errs) > 0 {
		return nil, fmt.Errorf("failed to query any relay: %w", errors.Join(errs...))
	}
	return out, nil
}

// Publish sends ev to every relay and succeeds when at least one accepted it.
func (p *Pool) Publish(ctx context.Context, ev nostr.Event) error {
	var errs []error
	accepted := 0
	for _, url := range p.urls {
		r, err := p.pool.EnsureRelay(url)
		if err == nil {
			err = r.Publish(ctx, ev)
		}
		if err != nil {
			errs = append(errs, fmt.Errorf("%s: %w", url, err))
			continue
		}
		accepted++
	}
	if accepted == 0 {
		return fmt.Errorf("failed to publish %s: %w", ev.ID, errors.Join(errs...))
	}
	return nil
}

// fanoutSub merges the per-relay subscriptions of one filter into a single
// Handler stream.
type fanoutSub struct {
	handler Handler
	cancel  context.CancelFunc

	mu          sync.Mutex
	seen        map[string]struct{}
	closing     bool
	pending     int
	eosePending int
	reasons     []string
}

func (fs *fanoutSub) Close() {
	fs.mu.Lock()
	fs.closing = true
	fs.mu.Unlock()
	fs.cancel()
}

func (fs *fanoutSub) firstSighting(id string) bool {
	fs.mu.Lock()
	defer fs.mu.Unlock()
	if _, ok := fs.seen[id]; ok {
		return false
	}
	if len(fs.seen) >= maxSeen {
		fs.seen = make(map[string]struct{})
	}
	fs.seen[id] = struct{}{}
	return true
}

func (fs *fanoutSub) eose() {
	fs.mu.Lock()
	fs.eosePending--
	done := fs.eosePending == 0
	fs.mu.Unlock()
	if done {
		fs.handler.OnEndOfStoredEvents()
	}
}

func (fs *fanoutSub) ended(reason string) {
	fs.mu.Lock()
	if fs.closing {
		reason = ReasonClosedByCaller
	}
	fs.reasons = append(fs.reasons, reason)
	fs.pending--
	last := fs.pending == 0
	reasons := append([]string(nil), fs.reasons...)
	fs.mu.Unlock()
	if last {
		fs.handler.OnClose(reasons)
	}
}

func (fs *fanoutSub) pump(url string, sub *nostr.Subscription) {
	eoseCh := sub.EndOfStoredEvents
	for {
		select {
		case ev, ok := <-sub.Events:
			if !ok {
				fs.ended(url + ": stream ended")
				return
			}
			if ev != nil && fs.firstSighting(ev.ID) {
				fs.handler.OnEvent(ev)
			}
		case <-eoseCh:
			// the channel may be closed rather than sent on; stop selecting it
			eoseCh = nil
			fs.eose()
		case reason := <-sub.ClosedReason:
			sub.Unsub()
			fs.ended(url + ": " + reason)
			return
		case <-sub.Context.Done():
			reason := "connection closed"
			if cause := context.Cause(sub.Context); cause != nil {
				reason = cause.Error()
			}
			fs.ended(url + ": " + reason)
			return
		}
	}
}
