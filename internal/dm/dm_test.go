package dm

import (
	"testing"

	"github.com/nbd-wtf/go-nostr"
	"github.com/nbd-wtf/go-nostr/nip04"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func keypair(t *testing.T) (string, string) {
	sk := nostr.GeneratePrivateKey()
	pk, err := nostr.GetPublicKey(sk)
	require.NoError(t, err)
	return sk, pk
}

func TestDecodeLegacyDM(t *testing.T) {
	botSK, botPK := keypair(t)
	userSK, userPK := keypair(t)

	shared, err := nip04.ComputeSharedSecret(botPK, userSK)
	require.NoError(t, err)
	content, err := nip04.Encrypt("  STATS ", shared)
	require.NoError(t, err)

	ev := &nostr.Event{
		ID:      "abc",
		PubKey:  userPK,
		Kind:    KindLegacyDM,
		Content: content,
		Tags:    nostr.Tags{{"p", botPK}},
	}

	msg, err := NewDecoder(botSK).Decode(ev)
	require.NoError(t, err)
	assert.Equal(t, userPK, msg.Sender)
	assert.Equal(t, "abc", msg.EventID)
	assert.Equal(t, CommandStats, ParseCommand(msg.Text))
}

func TestDecodeFailures(t *testing.T) {
	botSK, _ := keypair(t)
	_, userPK := keypair(t)
	d := NewDecoder(botSK)

	_, err := d.Decode(&nostr.Event{Kind: 1, PubKey: userPK})
	assert.ErrorIs(t, err, ErrUnsupportedKind)

	_, err = d.Decode(&nostr.Event{Kind: KindLegacyDM, PubKey: userPK, Content: "garbage"})
	assert.Error(t, err)

	_, err = d.Decode(&nostr.Event{Kind: KindGiftWrap, PubKey: userPK, Content: "garbage"})
	assert.Error(t, err)
}

func TestParseCommand(t *testing.T) {
	cases := map[string]Command{
		"start":     CommandStart,
		" Start\n":  CommandStart,
		"/stop":     CommandStop,
		"STATS":     CommandStats,
		"hello":     CommandUnknown,
		"":          CommandUnknown,
		"start now": CommandUnknown,
	}
	for in, want := range cases {
		assert.Equal(t, want, ParseCommand(in), "input %q", in)
	}
	assert.Equal(t, "stop", CommandStop.String())
}
