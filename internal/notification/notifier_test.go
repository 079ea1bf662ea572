package notification

import (
	"context"
	"errors"
	"testing"

	"github.com/nbd-wtf/go-nostr"
	"github.com/nbd-wtf/go-nostr/nip04"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type capturePublisher struct {
	events []nostr.Event
	err    error
}

func (p *capturePublisher) Publish(_ context.Context, ev nostr.Event) error {
	if p.err != nil {
		return p.err
	}
	p.events = append(p.events, ev)
	return nil
}

func TestSendDirectIsDecryptableByTarget(t *testing.T) {
	botSK := nostr.GeneratePrivateKey()
	userSK := nostr.GeneratePrivateKey()
	userPK, err := nostr.GetPublicKey(userSK)
	require.NoError(t, err)

	pub := &capturePublisher{}
	n, err := NewNostrNotifier(botSK, pub, 100, 10)
	require.NoError(t, err)

	id, err := n.SendDirect(context.Background(), userPK, "keep going")
	require.NoError(t, err)
	require.Len(t, pub.events, 1)

	ev := pub.events[0]
	assert.Equal(t, id, ev.ID)
	assert.Equal(t, KindDirectMsg, ev.Kind)
	assert.Equal(t, n.PublicKey(), ev.PubKey)
	assert.Equal(t, nostr.Tags{{"p", userPK}}, ev.Tags)
	ok, err := ev.CheckSignature()
	require.NoError(t, err)
	assert.True(t, ok)

	shared, err := nip04.ComputeSharedSecret(n.PublicKey(), userSK)
	require.NoError(t, err)
	text, err := nip04.Decrypt(ev.Content, shared)
	require.NoError(t, err)
	assert.Equal(t, "keep going", text)
}

func TestSendPublicTagsIdentity(t *testing.T) {
	pub := &capturePublisher{}
	n, err := NewNostrNotifier(nostr.GeneratePrivateKey(), pub, 100, 10)
	require.NoError(t, err)

	_, err = n.SendPublic(context.Background(), "a streak ended", "abcd")
	require.NoError(t, err)
	require.Len(t, pub.events, 1)
	assert.Equal(t, KindTextNote, pub.events[0].Kind)
	assert.Equal(t, "a streak ended", pub.events[0].Content)
	assert.Equal(t, nostr.Tags{{"p", "abcd"}}, pub.events[0].Tags)
}

func TestPublishFailureReturnsNoID(t *testing.T) {
	pub := &capturePublisher{err: errors.New("relay down")}
	n, err := NewNostrNotifier(nostr.GeneratePrivateKey(), pub, 100, 10)
	require.NoError(t, err)

	id, err := n.SendPublic(context.Background(), "x", "")
	assert.Error(t, err)
	assert.Empty(t, id)
}
