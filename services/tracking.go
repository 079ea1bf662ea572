package services

import (
	"sort"
	"time"

	"github.com/nbd-wtf/go-nostr"
)

// Logical subscription names.
const (
	SubInteractions = "interactions"
	SubFollows      = "bot-follows"
	SubDMs          = "bot-dms"
)

const (
	KindTextNote    = 1
	KindContactList = 3
	KindRepost      = 6
	KindReaction    = 7
	KindLegacyDM    = 4
	KindGiftWrap    = 1059
)

// GiftWrapSkew is how far senders may backdate a gift wrap's created_at.
const GiftWrapSkew = 48 * time.Hour

var interactionKinds = []int{KindTextNote, KindRepost, KindReaction}

func isInteraction(kind int) bool {
	for _, k := range interactionKinds {
		if k == kind {
			return true
		}
	}
	return false
}

func sinceTimestamp(since time.Time) *nostr.Timestamp {
	if since.IsZero() {
		return nil
	}
	ts := nostr.Timestamp(since.Unix())
	return &ts
}

// InteractionFilter matches posts, reposts and reactions by the tracked
// identities. A zero since leaves the filter unbounded.
func InteractionFilter(authors []string, since time.Time, limit int) nostr.Filter {
	sorted := append([]string(nil), authors...)
	sort.Strings(sorted)
	return nostr.Filter{
		Kinds:   append([]int(nil), interactionKinds...),
		Authors: sorted,
		Since:   sinceTimestamp(since),
		Limit:   limit,
	}
}

// FollowFilter matches contact lists that include the bot.
func FollowFilter(bot string, since time.Time, limit int) nostr.Filter {
	return nostr.Filter{
		Kinds: []int{KindContactList},
		Tags:  nostr.TagMap{"p": []string{bot}},
		Since: sinceTimestamp(since),
		Limit: limit,
	}
}

// DMFilter matches legacy and gift-wrapped direct messages addressed to the
// bot. A non-zero since is moved back by GiftWrapSkew so that wraps sent
// after since still match; the per-event dedup key absorbs the overlap.
func DMFilter(bot string, since time.Time, limit int) nostr.Filter {
	if !since.IsZero() {
		since = since.Add(-GiftWrapSkew)
	}
	return nostr.Filter{
		Kinds: []int{KindLegacyDM, KindGiftWrap},
		Tags:  nostr.TagMap{"p": []string{bot}},
		Since: sinceTimestamp(since),
		Limit: limit,
	}
}

func tagsPubkey(ev *nostr.Event, pubkey string) bool {
	for _, tag := range ev.Tags {
		if len(tag) >= 2 && tag[0] == "p" && tag[1] == pubkey {
			return true
		}
	}
	return false
}
