// Package utils composes the text of every message the bot sends.
package utils

import (
	"fmt"
	"strings"
	"time"

	"github.com/nbd-wtf/go-nostr/nip19"

	"streakstr/internal/types/streak"
)

// Mention renders pubkey as a nostr: URI, falling back to a shortened hex key.
func Mention(pubkey string) string {
	npub, err := nip19.EncodePublicKey(pubkey)
	if err != nil {
		return short(pubkey)
	}
	return "nostr:" + npub
}

func short(pubkey string) string {
	if len(pubkey) <= 12 {
		return pubkey
	}
	return pubkey[:8] + "..." + pubkey[len(pubkey)-4:]
}

func WelcomeMessage(s *streak.Streak) string {
	deadline := "in 24 hours"
	if s.Deadline != nil {
		deadline = "by " + s.Deadline.UTC().Format("Jan 2 15:04 MST")
	}
	return fmt.Sprintf("Welcome! Your daily streak has started. Post, repost or react at least once every 24 hours to keep it going. Your first window closes %s.\n\nReply \"stats\" any time, or \"stop\" to opt out.", deadline)
}

func AlreadyActiveMessage(s *streak.Streak) string {
	return fmt.Sprintf("You already have an active streak (%d days, best %d). Keep it up!", s.CurrentCount, s.HighestCount)
}

func StopMessage(deleted int) string {
	if deleted == 0 {
		return "You had no active solo streak. You won't get a new one automatically. Send \"start\" to begin again."
	}
	return "Your solo streak has been stopped and you won't get a new one automatically. Send \"start\" whenever you want to begin again."
}

func StatsMessage(streaks []streak.Streak) string {
	if len(streaks) == 0 {
		return "You have no solo streaks yet. Send \"start\" to begin one."
	}
	var b strings.Builder
	b.WriteString("Your solo streaks:\n")
	for _, s := range streaks {
		fmt.Fprintf(&b, "- %s: %d days (best %d)", s.Status, s.CurrentCount, s.HighestCount)
		if s.Status == streak.StatusActive && s.Deadline != nil {
			fmt.Fprintf(&b, ", next deadline %s", s.Deadline.UTC().Format("Jan 2 15:04 MST"))
		}
		b.WriteString("\n")
	}
	return strings.TrimRight(b.String(), "\n")
}

func HelpMessage() string {
	return "I understand these commands:\n- start: begin a daily solo streak\n- stop: end your solo streak and stop automatic streaks\n- stats: show your streaks"
}

func ReminderMessage(s *streak.Streak, now time.Time) string {
	left := "soon"
	if s.Deadline != nil {
		left = "in " + humanize(s.Deadline.Sub(now))
	}
	if s.Kind == streak.KindDuo {
		return fmt.Sprintf("Reminder: your duo streak (%d days) ends %s. Interact with your partner to keep it alive.", s.CurrentCount, left)
	}
	return fmt.Sprintf("Reminder: your %d-day streak ends %s. Post something to keep it going!", s.CurrentCount, left)
}

func SoloShameMessage(s *streak.Streak) string {
	return fmt.Sprintf("%s let their %d-day streak slip away. Best run: %d days. Back at it tomorrow?", Mention(s.User1), s.CurrentCount, s.HighestCount)
}

func DuoBreakMessage(s *streak.Streak, partner string) string {
	return fmt.Sprintf("Your duo streak with %s ended after %d days. Best run: %d days.", Mention(partner), s.CurrentCount, s.HighestCount)
}

func humanize(d time.Duration) string {
	if d < time.Minute {
		return "under a minute"
	}
	h := int(d.Hours())
	m := int(d.Minutes()) % 60
	switch {
	case h == 0:
		return fmt.Sprintf("%dm", m)
	case m == 0:
		return fmt.Sprintf("%dh", h)
	}
	return fmt.Sprintf("%dh %dm", h, m)
}
