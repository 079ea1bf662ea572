// Package store is the persistence gateway for streaks and everything that
// hangs off them.
package store

import (
	"context"
	_ "embed"
	"errors"
	"time"

	"github.com/google/uuid"

	"streakstr/internal/types/streak"
)

//go:embed schema.sql
var Schema string

var ErrNotFound = errors.New("not found")

// Participant selects which flag of a DailyLog an upsert sets.
type Participant int

const (
	ParticipantUser1 Participant = 1
	ParticipantUser2 Participant = 2
)

type Store interface {
	// ActiveStreaksFor returns the active streaks pubkey participates in.
	ActiveStreaksFor(ctx context.Context, pubkey string) ([]streak.Streak, error)
	// SoloStreaksFor returns every solo streak owned by pubkey, newest first.
	SoloStreaksFor(ctx context.Context, pubkey string) ([]streak.Streak, error)
	ActiveSoloStreak(ctx context.Context, pubkey string) (*streak.Streak, error)
	// CreateStreak stores s with its settings and a creation log entry.
	CreateStreak(ctx context.Context, s *streak.Streak, settings streak.Settings) error

	// UpsertDailyLog sets the participant's flag for (streakID, date),
	// keeping the newest actedAt, and returns the row as stored.
	UpsertDailyLog(ctx context.Context, streakID uuid.UUID, date time.Time, who Participant, eventID string, actedAt time.Time) (*streak.DailyLog, error)
	GetDailyLog(ctx context.Context, streakID uuid.UUID, date time.Time) (*streak.DailyLog, error)
	// AdvanceStreak credits one window to an active streak whose deadline is
	// still window. It returns ErrNotFound when the streak is no longer
	// active or another writer already moved it to a new window.
	AdvanceStreak(ctx context.Context, streakID uuid.UUID, window *time.Time, at, deadline time.Time) (*streak.Streak, error)

	GetBotFollower(ctx context.Context, pubkey string) (*streak.BotFollower, error)
	UpsertBotFollower(ctx context.Context, f streak.BotFollower) error
	// DeleteActiveSoloStreaks removes the active solo streaks of pubkey and
	// logs one entry per removed streak.
	DeleteActiveSoloStreaks(ctx context.Context, pubkey string, at time.Time) ([]streak.Streak, error)

	ReminderCandidates(ctx context.Context) ([]streak.ReminderCandidate, error)
	HasReminderLog(ctx context.Context, streakID uuid.UUID, target string, deadline time.Time) (bool, error)
	// InsertReminderLog reports false when the row already existed.
	InsertReminderLog(ctx context.Context, r streak.ReminderLog) (bool, error)

	// BreakExpiredStreaks marks every active streak with deadline < cutoff as
	// broken and writes one history row per streak, atomically.
	BreakExpiredStreaks(ctx context.Context, cutoff, now time.Time) ([]streak.BrokenStreak, error)
	// BrokenWithoutBreakPost lists streaks broken since the given time that
	// still miss at least one break notification.
	BrokenWithoutBreakPost(ctx context.Context, since time.Time) ([]streak.BrokenStreak, error)
	HasBreakPost(ctx context.Context, streakID uuid.UUID, target string, deadline time.Time) (bool, error)
	InsertBreakPost(ctx context.Context, p streak.StreakBreakPost) (bool, error)

	// TrackedIdentities returns every pubkey in a pending or active streak.
	TrackedIdentities(ctx context.Context) ([]string, error)
	Ping(ctx context.Context) error
}
