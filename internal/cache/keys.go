package cache

import (
	"strconv"
	"time"

	"github.com/google/uuid"
)

const prefix = "streakstr:"

const (
	// WindowTTL outlives a window plus the grace period.
	WindowTTL    = 48 * time.Hour
	LockTTL      = 24 * time.Hour
	EventTTL     = 7 * 24 * time.Hour
	ReadThruTTL  = 5 * time.Minute
	initialToken = "initial"
)

func deadlineToken(deadline *time.Time) string {
	if deadline == nil {
		return initialToken
	}
	return strconv.FormatInt(deadline.Unix(), 10)
}

// WindowKey marks the rolling window ending at deadline as credited.
func WindowKey(streakID uuid.UUID, deadline *time.Time) string {
	return prefix + "window:" + streakID.String() + ":" + deadlineToken(deadline)
}

// ReminderLockKey guards the single reminder for (streak, deadline, target).
func ReminderLockKey(streakID uuid.UUID, deadline time.Time, target string) string {
	return prefix + "reminder:" + streakID.String() + ":" + deadlineToken(&deadline) + ":" + target
}

// BreakPostLockKey guards the single break notification for (streak, deadline, target).
func BreakPostLockKey(streakID uuid.UUID, deadline time.Time, target string) string {
	return prefix + "breakpost:" + streakID.String() + ":" + deadlineToken(&deadline) + ":" + target
}

// EventKey marks a command event as already executed.
func EventKey(eventID string) string {
	return prefix + "event:" + eventID
}

func ActiveStreaksKey(pubkey string) string {
	return prefix + "streaks:active:" + pubkey
}

func SoloStreaksKey(pubkey string) string {
	return prefix + "streaks:solo:" + pubkey
}
