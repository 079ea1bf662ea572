package services

import (
	"context"
	"errors"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/juju/clock/testclock"
	"github.com/nbd-wtf/go-nostr"
	"github.com/nbd-wtf/go-nostr/nip04"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"streakstr/internal/cache"
	"streakstr/internal/dm"
	"streakstr/internal/store"
	"streakstr/internal/types/streak"
	"streakstr/middleware"
)

// deadline used by most scenarios
var T = time.Date(2025, 3, 10, 20, 0, 0, 0, time.UTC)

type sentReply struct {
	target string
	text   string
}

type captureReplies struct {
	mu   sync.Mutex
	sent []sentReply
}

func (c *captureReplies) Reply(target, text string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.sent = append(c.sent, sentReply{target, text})
}

func (c *captureReplies) all() []sentReply {
	c.mu.Lock()
	defer c.mu.Unlock()
	return append([]sentReply(nil), c.sent...)
}

type countRefresh struct {
	mu sync.Mutex
	n  int
}

func (c *countRefresh) RequestRefresh() {
	c.mu.Lock()
	c.n++
	c.mu.Unlock()
}

func (c *countRefresh) count() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.n
}

type identity struct {
	sk string
	pk string
}

func newIdentity(t *testing.T) identity {
	sk := nostr.GeneratePrivateKey()
	pk, err := nostr.GetPublicKey(sk)
	require.NoError(t, err)
	return identity{sk, pk}
}

type harness struct {
	p       *EventProcessor
	store   *store.Memory
	cache   *cache.MemoryCache
	clock   *testclock.Clock
	replies *captureReplies
	refresh *countRefresh
	bot     identity
}

func newHarness(t *testing.T, now time.Time) *harness {
	return newHarnessWithCache(t, now, nil)
}

// newHarnessWithCache builds a harness whose processor talks to c instead of
// the harness memory cache when c is not nil.
func newHarnessWithCache(t *testing.T, now time.Time, c cache.Cache) *harness {
	bot := newIdentity(t)
	clk := testclock.NewClock(now)
	h := &harness{
		store:   store.NewMemory(clk),
		cache:   cache.NewMemoryCache(clk),
		clock:   clk,
		replies: &captureReplies{},
		refresh: &countRefresh{},
		bot:     bot,
	}
	if c == nil {
		c = h.cache
	}
	h.p = NewEventProcessor(ProcessorDeps{
		Store:     h.store,
		Cache:     c,
		Decoder:   dm.NewDecoder(bot.sk),
		BotPubkey: bot.pk,
		Clock:     clk,
		Replies:   h.replies,
		Limiter:   middleware.PerMinute(3, clk),
	})
	h.p.SetRefresher(h.refresh)
	return h
}

func (h *harness) seed(t *testing.T, s *streak.Streak) *streak.Streak {
	t.Helper()
	require.NoError(t, h.store.CreateStreak(context.Background(), s, streak.DefaultSettings(s.ID)))
	return s
}

func (h *harness) seedSolo(t *testing.T, pubkey string, deadline time.Time) *streak.Streak {
	started := deadline.Add(-streak.Window)
	return h.seed(t, &streak.Streak{
		ID: uuid.New(), Kind: streak.KindSolo, User1: pubkey,
		Status: streak.StatusActive, InviteStatus: streak.InviteNone,
		Deadline: &deadline, CreatedAt: started, StartedAt: &started,
	})
}

func (h *harness) seedDuo(t *testing.T, a, b string, deadline time.Time) *streak.Streak {
	started := deadline.Add(-streak.Window)
	return h.seed(t, &streak.Streak{
		ID: uuid.New(), Kind: streak.KindDuo, User1: a, User2: &b,
		Status: streak.StatusActive, InviteStatus: streak.InviteAccepted,
		Deadline: &deadline, CreatedAt: started, StartedAt: &started,
	})
}

func (h *harness) get(t *testing.T, s *streak.Streak) streak.Streak {
	t.Helper()
	got, ok := h.store.Streak(s.ID)
	require.True(t, ok)
	return got
}

func event(pubkey string, kind int, at time.Time, tags nostr.Tags) *nostr.Event {
	ev := &nostr.Event{PubKey: pubkey, Kind: kind, CreatedAt: nostr.Timestamp(at.Unix()), Tags: tags}
	ev.ID = ev.GetID()
	return ev
}

func (h *harness) dmFrom(t *testing.T, from identity, text string) *nostr.Event {
	shared, err := nip04.ComputeSharedSecret(h.bot.pk, from.sk)
	require.NoError(t, err)
	content, err := nip04.Encrypt(text, shared)
	require.NoError(t, err)
	ev := nostr.Event{
		PubKey:    from.pk,
		Kind:      KindLegacyDM,
		CreatedAt: nostr.Timestamp(h.clock.Now().Unix()),
		Tags:      nostr.Tags{{"p", h.bot.pk}},
		Content:   content,
	}
	require.NoError(t, ev.Sign(from.sk))
	return &ev
}

func (h *harness) followFrom(pubkey string) *nostr.Event {
	return event(pubkey, KindContactList, h.clock.Now(), nostr.Tags{{"p", h.bot.pk}})
}

func TestSoloCreditAndDuplicate(t *testing.T) {
	ctx := context.Background()
	h := newHarness(t, T.Add(-time.Hour))
	s := h.seedSolo(t, "alice", T)

	post := event("alice", KindTextNote, h.clock.Now(), nil)
	require.NoError(t, h.p.Process(ctx, post))

	got := h.get(t, s)
	assert.Equal(t, 1, got.CurrentCount)
	require.NotNil(t, got.Deadline)
	assert.True(t, T.Add(-time.Hour).Add(streak.Window).Equal(*got.Deadline))

	_, marked, err := h.cache.Get(ctx, cache.WindowKey(s.ID, &T))
	require.NoError(t, err)
	assert.True(t, marked, "old window is marked as credited")

	h.clock.Advance(time.Second)
	require.NoError(t, h.p.Process(ctx, post))
	assert.Equal(t, 1, h.get(t, s).CurrentCount)

	// the next window opens with the credit
	h.clock.Advance(14 * time.Hour)
	require.NoError(t, h.p.Process(ctx, event("alice", KindRepost, h.clock.Now(), nil)))
	got = h.get(t, s)
	assert.Equal(t, 2, got.CurrentCount)
	assert.GreaterOrEqual(t, got.HighestCount, got.CurrentCount)
}

func TestSoloCreditLateInWindowCrossingMidnight(t *testing.T) {
	ctx := context.Background()
	start := time.Date(2025, 3, 10, 0, 30, 0, 0, time.UTC)
	h := newHarness(t, start)
	s := h.seedSolo(t, "alice", start.Add(2*time.Hour))

	require.NoError(t, h.p.Process(ctx, event("alice", KindTextNote, h.clock.Now(), nil)))
	first := h.get(t, s)
	require.Equal(t, 1, first.CurrentCount)
	require.NotNil(t, first.Deadline)
	assert.True(t, start.Add(streak.Window).Equal(*first.Deadline))

	// one hour before the deadline, same UTC date as the first credit
	h.clock.Advance(23 * time.Hour)
	require.NoError(t, h.p.Process(ctx, event("alice", KindTextNote, h.clock.Now(), nil)))
	got := h.get(t, s)
	assert.Equal(t, 2, got.CurrentCount)
	require.NotNil(t, got.Deadline)
	assert.True(t, h.clock.Now().Add(streak.Window).Equal(*got.Deadline))
	_, marked, err := h.cache.Get(ctx, cache.WindowKey(s.ID, first.Deadline))
	require.NoError(t, err)
	assert.True(t, marked)

	// past the first deadline, inside the window opened at 23:30
	h.clock.Advance(70 * time.Minute)
	require.NoError(t, h.p.Process(ctx, event("alice", KindReaction, h.clock.Now(), nil)))
	assert.Equal(t, 3, h.get(t, s).CurrentCount)
}

// unreachableCache fails every call, as a cache whose server is down.
type unreachableCache struct{}

var errCacheDown = errors.New("cache down")

func (unreachableCache) Get(context.Context, string) (string, bool, error) {
	return "", false, errCacheDown
}

func (unreachableCache) Set(context.Context, string, string, time.Duration) error {
	return errCacheDown
}

func (unreachableCache) SetNX(context.Context, string, string, time.Duration) (bool, error) {
	return false, errCacheDown
}

func (unreachableCache) Delete(context.Context, ...string) error { return errCacheDown }

func (unreachableCache) Ping(context.Context) error { return errCacheDown }

func TestConcurrentReplaysCreditOnceWithoutCache(t *testing.T) {
	ctx := context.Background()
	h := newHarnessWithCache(t, T.Add(-time.Hour), unreachableCache{})
	s := h.seedSolo(t, "alice", T)
	post := event("alice", KindTextNote, h.clock.Now(), nil)

	var wg sync.WaitGroup
	for i := 0; i < 16; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			assert.NoError(t, h.p.Process(ctx, post))
		}()
	}
	wg.Wait()
	assert.Equal(t, 1, h.get(t, s).CurrentCount)
}

func TestConcurrentReplaysCreditOnce(t *testing.T) {
	ctx := context.Background()
	h := newHarness(t, T.Add(-time.Hour))
	s := h.seedSolo(t, "alice", T)
	post := event("alice", KindTextNote, h.clock.Now(), nil)

	var wg sync.WaitGroup
	for i := 0; i < 16; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			assert.NoError(t, h.p.Process(ctx, post))
		}()
	}
	wg.Wait()
	assert.Equal(t, 1, h.get(t, s).CurrentCount)
}

func TestSoloIgnoresExpiredAndStaleEvents(t *testing.T) {
	ctx := context.Background()
	h := newHarness(t, T.Add(time.Minute))
	s := h.seedSolo(t, "alice", T)

	require.NoError(t, h.p.Process(ctx, event("alice", KindTextNote, h.clock.Now(), nil)))
	assert.Equal(t, 0, h.get(t, s).CurrentCount, "expired windows belong to enforcement")

	h2 := newHarness(t, T.Add(-time.Hour))
	s2 := h2.seedSolo(t, "bob", T)
	old := event("bob", KindTextNote, T.Add(-30*time.Hour), nil)
	require.NoError(t, h2.p.Process(ctx, old))
	assert.Equal(t, 0, h2.get(t, s2).CurrentCount, "events before the window do not count")
}

func TestDuoNeedsBothParticipants(t *testing.T) {
	ctx := context.Background()
	h := newHarness(t, T.Add(-2*time.Hour))
	duo := h.seedDuo(t, "anna", "ben", T)

	untagged := event("anna", KindTextNote, h.clock.Now(), nil)
	require.NoError(t, h.p.Process(ctx, untagged))
	_, err := h.store.GetDailyLog(ctx, duo.ID, h.clock.Now())
	assert.ErrorIs(t, err, store.ErrNotFound, "untagged posts do not count for a duo")

	require.NoError(t, h.p.Process(ctx, event("anna", KindTextNote, h.clock.Now(), nostr.Tags{{"p", "ben"}})))
	d, err := h.store.GetDailyLog(ctx, duo.ID, h.clock.Now())
	require.NoError(t, err)
	assert.True(t, d.User1Done)
	assert.False(t, d.User2Done)
	assert.Equal(t, 0, h.get(t, duo).CurrentCount)

	h.clock.Advance(time.Hour)
	reply := event("ben", KindReaction, h.clock.Now(), nostr.Tags{{"p", "anna"}})
	require.NoError(t, h.p.Process(ctx, reply))
	got := h.get(t, duo)
	assert.Equal(t, 1, got.CurrentCount)
	require.NotNil(t, got.Deadline)
	assert.True(t, T.Add(-time.Hour).Add(streak.Window).Equal(*got.Deadline))

	require.NoError(t, h.p.Process(ctx, reply))
	assert.Equal(t, 1, h.get(t, duo).CurrentCount)
}

func TestDuoFlagFromPreviousWindowDoesNotComplete(t *testing.T) {
	ctx := context.Background()
	h := newHarness(t, T.Add(-2*time.Hour))
	duo := h.seedDuo(t, "anna", "ben", T)

	require.NoError(t, h.p.Process(ctx, event("anna", KindTextNote, h.clock.Now(), nostr.Tags{{"p", "ben"}})))
	h.clock.Advance(time.Hour)
	require.NoError(t, h.p.Process(ctx, event("ben", KindTextNote, h.clock.Now(), nostr.Tags{{"p", "anna"}})))
	require.Equal(t, 1, h.get(t, duo).CurrentCount)

	// same UTC date: ben's flag is still set but belongs to the credited window
	h.clock.Advance(30 * time.Minute)
	require.NoError(t, h.p.Process(ctx, event("anna", KindReaction, h.clock.Now(), nostr.Tags{{"p", "ben"}})))
	assert.Equal(t, 1, h.get(t, duo).CurrentCount, "anna alone does not complete the new window")

	h.clock.Advance(15 * time.Minute)
	require.NoError(t, h.p.Process(ctx, event("ben", KindReaction, h.clock.Now(), nostr.Tags{{"p", "anna"}})))
	got := h.get(t, duo)
	assert.Equal(t, 2, got.CurrentCount)
	require.NotNil(t, got.Deadline)
	assert.True(t, h.clock.Now().Add(streak.Window).Equal(*got.Deadline))
}

func TestFollowProvisionsOnce(t *testing.T) {
	ctx := context.Background()
	h := newHarness(t, T)
	x := newIdentity(t)

	require.NoError(t, h.p.Process(ctx, h.followFrom(x.pk)))
	active, err := h.store.ActiveStreaksFor(ctx, x.pk)
	require.NoError(t, err)
	require.Len(t, active, 1)
	assert.Equal(t, streak.KindSolo, active[0].Kind)
	require.NotNil(t, active[0].Deadline)
	assert.True(t, T.Add(streak.Window).Equal(*active[0].Deadline))

	f, err := h.store.GetBotFollower(ctx, x.pk)
	require.NoError(t, err)
	assert.True(t, f.AutoStreakCreated)

	require.Len(t, h.replies.all(), 1)
	assert.Contains(t, h.replies.all()[0].text, "Welcome")
	assert.Equal(t, 1, h.refresh.count())

	h.clock.Advance(time.Minute)
	require.NoError(t, h.p.Process(ctx, h.followFrom(x.pk)))
	active, err = h.store.ActiveStreaksFor(ctx, x.pk)
	require.NoError(t, err)
	assert.Len(t, active, 1)
	assert.Len(t, h.replies.all(), 1)
}

func TestFollowRespectsOptOut(t *testing.T) {
	ctx := context.Background()
	h := newHarness(t, T)
	x := newIdentity(t)
	opted := streak.BotFollower{Pubkey: x.pk, DoNotKeepStreak: true, FollowedAt: T, UpdatedAt: T}
	require.NoError(t, h.store.UpsertBotFollower(ctx, opted))

	require.NoError(t, h.p.Process(ctx, h.followFrom(x.pk)))

	active, err := h.store.ActiveStreaksFor(ctx, x.pk)
	require.NoError(t, err)
	assert.Empty(t, active)
	f, err := h.store.GetBotFollower(ctx, x.pk)
	require.NoError(t, err)
	assert.Equal(t, opted, *f)
	assert.Empty(t, h.replies.all())
	assert.Zero(t, h.refresh.count())
}

func TestCommands(t *testing.T) {
	ctx := context.Background()
	h := newHarness(t, T)
	user := newIdentity(t)
	h.seedDuo(t, user.pk, "partner", T.Add(time.Hour))

	last := func() string {
		all := h.replies.all()
		require.NotEmpty(t, all)
		assert.Equal(t, user.pk, all[len(all)-1].target)
		return all[len(all)-1].text
	}

	require.NoError(t, h.p.Process(ctx, h.dmFrom(t, user, " START ")))
	solo, err := h.store.ActiveSoloStreak(ctx, user.pk)
	require.NoError(t, err)
	assert.Contains(t, last(), "Welcome")

	h.clock.Advance(time.Minute)
	require.NoError(t, h.p.Process(ctx, h.dmFrom(t, user, "start")))
	assert.Contains(t, last(), "already have an active streak")

	h.clock.Advance(time.Minute)
	require.NoError(t, h.p.Process(ctx, h.dmFrom(t, user, "stats")))
	assert.Contains(t, last(), "Your solo streaks")

	h.clock.Advance(time.Minute)
	require.NoError(t, h.p.Process(ctx, h.dmFrom(t, user, "stop")))
	assert.Contains(t, last(), "stopped")

	_, err = h.store.ActiveSoloStreak(ctx, user.pk)
	assert.ErrorIs(t, err, store.ErrNotFound)
	active, err := h.store.ActiveStreaksFor(ctx, user.pk)
	require.NoError(t, err)
	require.Len(t, active, 1, "duo streaks survive stop")
	assert.Equal(t, streak.KindDuo, active[0].Kind)

	f, err := h.store.GetBotFollower(ctx, user.pk)
	require.NoError(t, err)
	assert.True(t, f.DoNotKeepStreak)

	deletions := 0
	for _, l := range h.store.Logs() {
		if l.Action == streak.LogStreakDeleted && l.StreakID == solo.ID {
			deletions++
		}
	}
	assert.Equal(t, 1, deletions)

	require.NoError(t, h.p.Process(ctx, h.followFrom(user.pk)))
	_, err = h.store.ActiveSoloStreak(ctx, user.pk)
	assert.ErrorIs(t, err, store.ErrNotFound, "opted-out users are not re-provisioned")
}

func TestUnknownCommandGetsHelp(t *testing.T) {
	h := newHarness(t, T)
	user := newIdentity(t)
	require.NoError(t, h.p.Process(context.Background(), h.dmFrom(t, user, "what is this")))
	all := h.replies.all()
	require.Len(t, all, 1)
	assert.True(t, strings.HasPrefix(all[0].text, "I understand these commands"))
}

func TestCommandReplayAndRateLimit(t *testing.T) {
	ctx := context.Background()
	h := newHarness(t, T)
	user := newIdentity(t)

	stats := h.dmFrom(t, user, "stats")
	require.NoError(t, h.p.Process(ctx, stats))
	require.NoError(t, h.p.Process(ctx, stats))
	assert.Len(t, h.replies.all(), 1, "replayed command runs once")

	for i := 0; i < 5; i++ {
		require.NoError(t, h.p.Process(ctx, h.dmFrom(t, user, "stats x"+strings.Repeat("!", i))))
	}
	assert.Len(t, h.replies.all(), 3, "limited to three commands per minute")
}

func TestUndecodableMessageIsDropped(t *testing.T) {
	h := newHarness(t, T)
	user := newIdentity(t)
	ev := event(user.pk, KindLegacyDM, T, nostr.Tags{{"p", h.bot.pk}})
	ev.Content = "not-encrypted"
	assert.NoError(t, h.p.Process(context.Background(), ev))
	assert.Empty(t, h.replies.all())
}

func TestClassify(t *testing.T) {
	h := newHarness(t, T)
	assert.Equal(t, ClassFollow, h.p.Classify(h.followFrom("x")))
	assert.Equal(t, ClassIgnored, h.p.Classify(event("x", KindContactList, T, nil)))
	assert.Equal(t, ClassCommand, h.p.Classify(event("x", KindGiftWrap, T, nostr.Tags{{"p", h.bot.pk}})))
	assert.Equal(t, ClassInteraction, h.p.Classify(event("x", KindReaction, T, nil)))
	assert.Equal(t, ClassIgnored, h.p.Classify(event("x", 30023, T, nil)))
}

func TestDispatchProcessesAsynchronously(t *testing.T) {
	h := newHarness(t, T.Add(-time.Hour))
	s := h.seedSolo(t, "alice", T)
	h.p.Start()
	h.p.Dispatch(event("alice", KindTextNote, h.clock.Now(), nil))
	h.p.Stop()
	assert.Equal(t, 1, h.get(t, s).CurrentCount)
}
