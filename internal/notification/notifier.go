// Package notification delivers direct messages and public posts to
// identities on the network.
package notification

import (
	"context"
	"fmt"

	"github.com/nbd-wtf/go-nostr"
	"github.com/nbd-wtf/go-nostr/nip04"
	log "github.com/sirupsen/logrus"
	"golang.org/x/time/rate"

	"streakstr/internal/metrics"
)

const (
	KindTextNote  = 1
	KindDirectMsg = 4

	ChannelDirect = "direct"
	ChannelPublic = "public"
)

// Notifier sends messages on behalf of the bot. Both methods return the id of
// the published event; a failed delivery returns an error and no id.
type Notifier interface {
	SendDirect(ctx context.Context, target, text string) (string, error)
	SendPublic(ctx context.Context, text, tagged string) (string, error)
}

type Publisher interface {
	Publish(ctx context.Context, ev nostr.Event) error
}

type NostrNotifier struct {
	sk        string
	pk        string
	publisher Publisher
	limiter   *rate.Limiter
}

// NewNostrNotifier signs with the bot key and publishes through publisher at
// most perSecond events per second with the given burst.
func NewNostrNotifier(secretKeyHex string, publisher Publisher, perSecond float64, burst int) (*NostrNotifier, error) {
	pk, err := nostr.GetPublicKey(secretKeyHex)
	if err != nil {
		return nil, fmt.Errorf("failed to derive bot public key: %w", err)
	}
	if burst < 1 {
		burst = 1
	}
	return &NostrNotifier{
		sk:        secretKeyHex,
		pk:        pk,
		publisher: publisher,
		limiter:   rate.NewLimiter(rate.Limit(perSecond), burst),
	}, nil
}

func (n *NostrNotifier) PublicKey() string { return n.pk }

func (n *NostrNotifier) SendDirect(ctx context.Context, target, text string) (string, error) {
	shared, err := nip04.ComputeSharedSecret(target, n.sk)
	if err != nil {
		return n.failed(ChannelDirect, target, fmt.Errorf("failed to compute shared secret: %w", err))
	}
	content, err := nip04.Encrypt(text, shared)
	if err != nil {
		return n.failed(ChannelDirect, target, fmt.Errorf("failed to encrypt dm: %w", err))
	}
	return n.publish(ctx, ChannelDirect, target, nostr.Event{
		Kind:    KindDirectMsg,
		Tags:    nostr.Tags{{"p", target}},
		Content: content,
	})
}

func (n *NostrNotifier) SendPublic(ctx context.Context, text, tagged string) (string, error) {
	var tags nostr.Tags
	if tagged != "" {
		tags = nostr.Tags{{"p", tagged}}
	}
	return n.publish(ctx, ChannelPublic, tagged, nostr.Event{
		Kind:    KindTextNote,
		Tags:    tags,
		Content: text,
	})
}

func (n *NostrNotifier) publish(ctx context.Context, channel, target string, ev nostr.Event) (string, error) {
	ev.PubKey = n.pk
	ev.CreatedAt = nostr.Now()
	if err := ev.Sign(n.sk); err != nil {
		return n.failed(channel, target, fmt.Errorf("failed to sign event: %w", err))
	}
	if err := n.limiter.Wait(ctx); err != nil {
		return n.failed(channel, target, fmt.Errorf("publish throttled: %w", err))
	}
	if err := n.publisher.Publish(ctx, ev); err != nil {
		return n.failed(channel, target, err)
	}
	metrics.Notifications.WithLabelValues(channel, "sent").Inc()
	return ev.ID, nil
}

func (n *NostrNotifier) failed(channel, target string, err error) (string, error) {
	metrics.Notifications.WithLabelValues(channel, "failed").Inc()
	log.WithFields(log.Fields{"channel": channel, "target": target}).WithError(err).Warn("notification failed")
	return "", err
}
