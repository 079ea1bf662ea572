package streak

import (
	"time"

	"github.com/google/uuid"
)

type Kind string

const (
	KindSolo Kind = "solo"
	KindDuo  Kind = "duo"
)

type Status string

const (
	StatusPending Status = "pending"
	StatusActive  Status = "active"
	StatusBroken  Status = "broken"
)

type InviteStatus string

const (
	InviteNone     InviteStatus = "none"
	InvitePending  InviteStatus = "pending"
	InviteAccepted InviteStatus = "accepted"
	InviteDeclined InviteStatus = "declined"
)

// Window is the length of one rolling streak window.
const Window = 24 * time.Hour

type Streak struct {
	ID             uuid.UUID    `json:"id" db:"id"`
	Name           string       `json:"name" db:"name"`
	Kind           Kind         `json:"kind" db:"kind"`
	User1          string       `json:"user1_pubkey" db:"user1_pubkey"`
	User2          *string      `json:"user2_pubkey" db:"user2_pubkey"`
	Status         Status       `json:"status" db:"status"`
	InviteStatus   InviteStatus `json:"invite_status" db:"invite_status"`
	CurrentCount   int          `json:"current_count" db:"current_count"`
	HighestCount   int          `json:"highest_count" db:"highest_count"`
	Deadline       *time.Time   `json:"deadline" db:"deadline"`
	LastActivityAt *time.Time   `json:"last_activity_at" db:"last_activity_at"`
	CreatedAt      time.Time    `json:"created_at" db:"created_at"`
	StartedAt      *time.Time   `json:"started_at" db:"started_at"`
	EndedAt        *time.Time   `json:"ended_at" db:"ended_at"`
}

// Participants returns the pubkeys taking part in the streak.
func (s *Streak) Participants() []string {
	if s.User2 == nil || *s.User2 == "" {
		return []string{s.User1}
	}
	return []string{s.User1, *s.User2}
}

// Partner returns the other participant of a duo streak, or "" when pubkey
// is not a participant or the streak is solo.
func (s *Streak) Partner(pubkey string) string {
	if s.User2 == nil {
		return ""
	}
	switch pubkey {
	case s.User1:
		return *s.User2
	case *s.User2:
		return s.User1
	}
	return ""
}

// Involves reports whether pubkey participates in the streak.
func (s *Streak) Involves(pubkey string) bool {
	return s.User1 == pubkey || (s.User2 != nil && *s.User2 == pubkey)
}

// WindowStart is the moment the current rolling window opened.
func (s *Streak) WindowStart() time.Time {
	if s.Deadline == nil {
		if s.StartedAt != nil {
			return *s.StartedAt
		}
		return s.CreatedAt
	}
	return s.Deadline.Add(-Window)
}

type DailyLog struct {
	ID           uuid.UUID `json:"id" db:"id"`
	StreakID     uuid.UUID `json:"streak_id" db:"streak_id"`
	Date         time.Time `json:"date" db:"date"`
	User1Done    bool      `json:"user1_done" db:"user1_done"`
	User2Done    bool      `json:"user2_done" db:"user2_done"`
	User1EventID *string   `json:"user1_event_id" db:"user1_event_id"`
	User2EventID *string   `json:"user2_event_id" db:"user2_event_id"`
	// User1At and User2At hold the creation time of the newest event
	// that set the flag.
	User1At   *time.Time `json:"user1_at" db:"user1_at"`
	User2At   *time.Time `json:"user2_at" db:"user2_at"`
	CreatedAt time.Time  `json:"created_at" db:"created_at"`
	UpdatedAt time.Time  `json:"updated_at" db:"updated_at"`
}

// Complete reports whether every participant the kind needs acted after
// since, normally the streak's last credit. A nil since accepts any flag.
func (d *DailyLog) Complete(kind Kind, since *time.Time) bool {
	if !d.User1ActedAfter(since) {
		return false
	}
	if kind == KindDuo {
		return d.User2ActedAfter(since)
	}
	return true
}

func (d *DailyLog) User1ActedAfter(since *time.Time) bool {
	return actedAfter(d.User1Done, d.User1At, since)
}

func (d *DailyLog) User2ActedAfter(since *time.Time) bool {
	return actedAfter(d.User2Done, d.User2At, since)
}

func actedAfter(done bool, at, since *time.Time) bool {
	if !done {
		return false
	}
	if since == nil {
		return true
	}
	return at != nil && at.After(*since)
}

// Day truncates t to its UTC calendar date.
func Day(t time.Time) time.Time {
	y, m, d := t.UTC().Date()
	return time.Date(y, m, d, 0, 0, 0, 0, time.UTC)
}

type History struct {
	ID               uuid.UUID  `json:"id" db:"id"`
	StreakID         uuid.UUID  `json:"streak_id" db:"streak_id"`
	CountBeforeBreak int        `json:"count_before_break" db:"count_before_break"`
	StartedAt        *time.Time `json:"started_at" db:"started_at"`
	BrokenAt         time.Time  `json:"broken_at" db:"broken_at"`
}

type Settings struct {
	StreakID            uuid.UUID `json:"streak_id" db:"streak_id"`
	ReminderEnabled     bool      `json:"reminder_enabled" db:"reminder_enabled"`
	ReminderOffsetHours int       `json:"reminder_offset_hours" db:"reminder_offset_hours"`
	ShamePostEnabled    bool      `json:"shame_post_enabled" db:"shame_post_enabled"`
}

func DefaultSettings(streakID uuid.UUID) Settings {
	return Settings{
		StreakID:            streakID,
		ReminderEnabled:     true,
		ReminderOffsetHours: 2,
		ShamePostEnabled:    true,
	}
}

type BotFollower struct {
	Pubkey            string    `json:"pubkey" db:"pubkey"`
	AutoStreakCreated bool      `json:"auto_streak_created" db:"auto_streak_created"`
	DoNotKeepStreak   bool      `json:"do_not_keep_streak" db:"do_not_keep_streak"`
	FollowedAt        time.Time `json:"followed_at" db:"followed_at"`
	UpdatedAt         time.Time `json:"updated_at" db:"updated_at"`
}

type ReminderLog struct {
	StreakID uuid.UUID `json:"streak_id" db:"streak_id"`
	Target   string    `json:"target_pubkey" db:"target_pubkey"`
	Deadline time.Time `json:"deadline" db:"deadline"`
	EventID  string    `json:"event_id" db:"event_id"`
	SentAt   time.Time `json:"sent_at" db:"sent_at"`
}

type StreakBreakPost struct {
	StreakID uuid.UUID `json:"streak_id" db:"streak_id"`
	Target   string    `json:"target_pubkey" db:"target_pubkey"`
	Deadline time.Time `json:"deadline" db:"deadline"`
	EventID  string    `json:"event_id" db:"event_id"`
	PostedAt time.Time `json:"posted_at" db:"posted_at"`
}

type LogAction string

const (
	LogStreakCreated LogAction = "streak_created"
	LogStreakDeleted LogAction = "streak_deleted"
)

type LogEntry struct {
	ID        uuid.UUID `json:"id" db:"id"`
	StreakID  uuid.UUID `json:"streak_id" db:"streak_id"`
	Pubkey    string    `json:"pubkey" db:"pubkey"`
	Action    LogAction `json:"action" db:"action"`
	Details   string    `json:"details" db:"details"`
	CreatedAt time.Time `json:"created_at" db:"created_at"`
}

// ReminderCandidate is an active streak paired with its reminder settings.
type ReminderCandidate struct {
	Streak   Streak
	Settings Settings
}

// BrokenStreak is a streak transitioned to broken together with the deadline
// it missed and whether a public post is wanted.
type BrokenStreak struct {
	Streak           Streak
	MissedDeadline   time.Time
	ShamePostEnabled bool
}
