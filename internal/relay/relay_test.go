package relay

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/nbd-wtf/go-nostr"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type recorder struct {
	mu      sync.Mutex
	events  []string
	eose    int
	reasons [][]string
	closed  chan struct{}
}

func newRecorder() *recorder { return &recorder{closed: make(chan struct{})} }

func (r *recorder) OnEvent(ev *nostr.Event) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.events = append(r.events, ev.ID)
}

func (r *recorder) OnEndOfStoredEvents() {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.eose++
}

func (r *recorder) OnClose(reasons []string) {
	r.mu.Lock()
	r.reasons = append(r.reasons, reasons)
	r.mu.Unlock()
	close(r.closed)
}

func fakeSub(ctx context.Context) *nostr.Subscription {
	return &nostr.Subscription{
		Events:            make(chan *nostr.Event),
		EndOfStoredEvents: make(chan struct{}),
		ClosedReason:      make(chan string),
		Context:           ctx,
	}
}

func TestFanoutMergesRelays(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	rec := newRecorder()
	fs := &fanoutSub{handler: rec, cancel: cancel, seen: make(map[string]struct{}), pending: 2, eosePending: 2}

	a, b := fakeSub(ctx), fakeSub(ctx)
	go fs.pump("wss://a", a)
	go fs.pump("wss://b", b)

	a.Events <- &nostr.Event{ID: "one"}
	b.Events <- &nostr.Event{ID: "one"}
	b.Events <- &nostr.Event{ID: "two"}

	close(a.EndOfStoredEvents)
	rec.mu.Lock()
	assert.Equal(t, 0, rec.eose, "eose waits for every relay")
	rec.mu.Unlock()
	b.EndOfStoredEvents <- struct{}{}

	require.Eventually(t, func() bool {
		rec.mu.Lock()
		defer rec.mu.Unlock()
		return rec.eose == 1
	}, time.Second, 5*time.Millisecond)

	fs.Close()
	select {
	case <-rec.closed:
	case <-time.After(time.Second):
		t.Fatal("OnClose not called")
	}

	rec.mu.Lock()
	defer rec.mu.Unlock()
	assert.ElementsMatch(t, []string{"one", "two"}, rec.events)
	require.Len(t, rec.reasons, 1)
	assert.Equal(t, []string{ReasonClosedByCaller, ReasonClosedByCaller}, rec.reasons[0])
}

func TestFanoutReportsUnexpectedClose(t *testing.T) {
	ctx, cancel := context.WithCancelCause(context.Background())
	rec := newRecorder()
	fs := &fanoutSub{handler: rec, cancel: func() {}, seen: make(map[string]struct{}), pending: 1, eosePending: 1}

	go fs.pump("wss://a", fakeSub(ctx))
	cancel(context.Canceled)

	select {
	case <-rec.closed:
	case <-time.After(time.Second):
		t.Fatal("OnClose not called")
	}
	rec.mu.Lock()
	defer rec.mu.Unlock()
	require.Len(t, rec.reasons, 1)
	assert.NotContains(t, rec.reasons[0], ReasonClosedByCaller)
	assert.Contains(t, rec.reasons[0][0], "wss://a")
}
