// Package dm unwraps direct messages addressed to the bot and parses the
// command words they carry.
package dm

import (
	"errors"
	"fmt"
	"strings"

	"github.com/nbd-wtf/go-nostr"
	"github.com/nbd-wtf/go-nostr/nip04"
	"github.com/nbd-wtf/go-nostr/nip44"
	"github.com/nbd-wtf/go-nostr/nip59"
)

const (
	KindLegacyDM  = 4
	KindChatDM    = 14
	KindGiftWrap  = 1059
	maxPlaintext  = 4096
	commandPrefix = "/"
)

var ErrUnsupportedKind = errors.New("unsupported direct message kind")

// Message is a decrypted direct message.
type Message struct {
	// EventID is the id of the event as received (the wrapper for gift wraps).
	EventID string
	Sender  string
	Text    string
}

type Decoder struct {
	sk string
}

func NewDecoder(secretKeyHex string) *Decoder {
	return &Decoder{sk: secretKeyHex}
}

// Decode unwraps ev according to its kind: NIP-04 for legacy DMs, NIP-59
// gift wrap around a NIP-44 sealed chat message otherwise.
func (d *Decoder) Decode(ev *nostr.Event) (*Message, error) {
	switch ev.Kind {
	case KindLegacyDM:
		shared, err := nip04.ComputeSharedSecret(ev.PubKey, d.sk)
		if err != nil {
			return nil, fmt.Errorf("failed to compute shared secret: %w", err)
		}
		text, err := nip04.Decrypt(ev.Content, shared)
		if err != nil {
			return nil, fmt.Errorf("failed to decrypt legacy dm: %w", err)
		}
		return &Message{EventID: ev.ID, Sender: ev.PubKey, Text: clip(text)}, nil

	case KindGiftWrap:
		rumor, err := nip59.GiftUnwrap(*ev, func(otherPubkey, ciphertext string) (string, error) {
			ck, err := nip44.GenerateConversationKey(otherPubkey, d.sk)
			if err != nil {
				return "", err
			}
			return nip44.Decrypt(ciphertext, ck)
		})
		if err != nil {
			return nil, fmt.Errorf("failed to unwrap gift wrap: %w", err)
		}
		if rumor.Kind != KindChatDM {
			return nil, fmt.Errorf("%w: wrapped kind %d", ErrUnsupportedKind, rumor.Kind)
		}
		return &Message{EventID: ev.ID, Sender: rumor.PubKey, Text: clip(rumor.Content)}, nil
	}
	return nil, fmt.Errorf("%w: %d", ErrUnsupportedKind, ev.Kind)
}

func clip(s string) string {
	if len(s) > maxPlaintext {
		return s[:maxPlaintext]
	}
	return s
}

type Command int

const (
	CommandUnknown Command = iota
	CommandStart
	CommandStop
	CommandStats
)

func (c Command) String() string {
	switch c {
	case CommandStart:
		return "start"
	case CommandStop:
		return "stop"
	case CommandStats:
		return "stats"
	default:
		return "unknown"
	}
}

// ParseCommand maps the trimmed, lower-cased message text to a Command. A
// leading slash is accepted.
func ParseCommand(text string) Command {
	word := strings.ToLower(strings.TrimSpace(text))
	word = strings.TrimPrefix(word, commandPrefix)
	switch word {
	case "start":
		return CommandStart
	case "stop":
		return CommandStop
	case "stats":
		return CommandStats
	}
	return CommandUnknown
}
