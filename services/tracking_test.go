package services

import (
	"testing"
	"time"

	"github.com/nbd-wtf/go-nostr"
	"github.com/stretchr/testify/assert"
)

func TestDMFilterAcceptsBackdatedGiftWraps(t *testing.T) {
	startedAt := t0
	filter := DMFilter("bot", startedAt, 0)

	at := func(kind int, created time.Time) *nostr.Event {
		return &nostr.Event{Kind: kind, CreatedAt: nostr.Timestamp(created.Unix()), Tags: nostr.Tags{{"p", "bot"}}}
	}

	// wraps sent right after startup carry a created_at up to two days earlier
	for _, back := range []time.Duration{time.Minute, 10 * time.Hour, 47 * time.Hour} {
		assert.True(t, filter.Matches(at(KindGiftWrap, startedAt.Add(-back))), "backdated by %s", back)
	}
	assert.True(t, filter.Matches(at(KindLegacyDM, startedAt.Add(time.Second))))
	assert.False(t, filter.Matches(at(KindGiftWrap, startedAt.Add(-GiftWrapSkew-time.Hour))))

	unbounded := DMFilter("bot", time.Time{}, 0)
	assert.Nil(t, unbounded.Since)
}

func TestInteractionFilterSortsAuthors(t *testing.T) {
	f := InteractionFilter([]string{"c", "a", "b"}, t0, 10)
	assert.Equal(t, []string{"a", "b", "c"}, f.Authors)
	assert.Equal(t, 10, f.Limit)
	if assert.NotNil(t, f.Since) {
		assert.Equal(t, t0.Unix(), int64(*f.Since))
	}
}
