package store

import (
	"context"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/juju/clock"

	"streakstr/internal/types/streak"
)

type auditKey struct {
	streakID uuid.UUID
	target   string
	deadline int64
}

type dayKey struct {
	streakID uuid.UUID
	date     int64
}

// Memory is an in-process Store with the same conflict semantics as the
// PostgreSQL schema. It backs STORE=memory and the engine tests.
type Memory struct {
	clock     clock.Clock
	mu        sync.Mutex
	streaks   map[uuid.UUID]*streak.Streak
	settings  map[uuid.UUID]streak.Settings
	daily     map[dayKey]*streak.DailyLog
	followers map[string]streak.BotFollower
	reminders map[auditKey]streak.ReminderLog
	breaks    map[auditKey]streak.StreakBreakPost
	history   []streak.History
	logs      []streak.LogEntry
}

func NewMemory(clk clock.Clock) *Memory {
	if clk == nil {
		clk = clock.WallClock
	}
	return &Memory{
		clock:     clk,
		streaks:   make(map[uuid.UUID]*streak.Streak),
		settings:  make(map[uuid.UUID]streak.Settings),
		daily:     make(map[dayKey]*streak.DailyLog),
		followers: make(map[string]streak.BotFollower),
		reminders: make(map[auditKey]streak.ReminderLog),
		breaks:    make(map[auditKey]streak.StreakBreakPost),
	}
}

func copyStreak(s *streak.Streak) streak.Streak {
	c := *s
	if s.User2 != nil {
		v := *s.User2
		c.User2 = &v
	}
	if s.Deadline != nil {
		v := *s.Deadline
		c.Deadline = &v
	}
	if s.LastActivityAt != nil {
		v := *s.LastActivityAt
		c.LastActivityAt = &v
	}
	if s.StartedAt != nil {
		v := *s.StartedAt
		c.StartedAt = &v
	}
	if s.EndedAt != nil {
		v := *s.EndedAt
		c.EndedAt = &v
	}
	return c
}

func (m *Memory) sorted(keep func(*streak.Streak) bool) []streak.Streak {
	var out []streak.Streak
	for _, s := range m.streaks {
		if keep(s) {
			out = append(out, copyStreak(s))
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].CreatedAt.Before(out[j].CreatedAt) })
	return out
}

func (m *Memory) settingsFor(id uuid.UUID) streak.Settings {
	if st, ok := m.settings[id]; ok {
		return st
	}
	return streak.DefaultSettings(id)
}

func (m *Memory) ActiveStreaksFor(_ context.Context, pubkey string) ([]streak.Streak, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.sorted(func(s *streak.Streak) bool {
		return s.Status == streak.StatusActive && s.Involves(pubkey)
	}), nil
}

func (m *Memory) SoloStreaksFor(_ context.Context, pubkey string) ([]streak.Streak, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := m.sorted(func(s *streak.Streak) bool {
		return s.Kind == streak.KindSolo && s.User1 == pubkey
	})
	for i, j := 0, len(out)-1; i < j; i, j = i+1, j-1 {
		out[i], out[j] = out[j], out[i]
	}
	return out, nil
}

func (m *Memory) ActiveSoloStreak(_ context.Context, pubkey string) (*streak.Streak, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	for _, s := range m.streaks {
		if s.Kind == streak.KindSolo && s.Status == streak.StatusActive && s.User1 == pubkey {
			c := copyStreak(s)
			return &c, nil
		}
	}
	return nil, ErrNotFound
}

func (m *Memory) CreateStreak(_ context.Context, s *streak.Streak, settings streak.Settings) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, ok := m.streaks[s.ID]; ok {
		return fmt.Errorf("failed to insert streak: duplicate id %s", s.ID)
	}
	for _, other := range m.streaks {
		if s.Kind == streak.KindSolo && s.Status == streak.StatusActive &&
			other.Kind == streak.KindSolo && other.Status == streak.StatusActive && other.User1 == s.User1 {
			return fmt.Errorf("failed to insert streak: %s already has an active solo streak", s.User1)
		}
	}
	c := copyStreak(s)
	m.streaks[s.ID] = &c
	if _, ok := m.settings[s.ID]; !ok {
		settings.StreakID = s.ID
		m.settings[s.ID] = settings
	}
	m.logs = append(m.logs, streak.LogEntry{
		ID:        uuid.New(),
		StreakID:  s.ID,
		Pubkey:    s.User1,
		Action:    streak.LogStreakCreated,
		Details:   string(s.Kind),
		CreatedAt: s.CreatedAt,
	})
	return nil
}

// SetSettings overrides the settings of a streak.
func (m *Memory) SetSettings(settings streak.Settings) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.settings[settings.StreakID] = settings
}

// Streak returns a copy of the stored streak.
func (m *Memory) Streak(id uuid.UUID) (streak.Streak, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	s, ok := m.streaks[id]
	if !ok {
		return streak.Streak{}, false
	}
	return copyStreak(s), true
}

func (m *Memory) History() []streak.History {
	m.mu.Lock()
	defer m.mu.Unlock()
	return append([]streak.History(nil), m.history...)
}

func (m *Memory) Logs() []streak.LogEntry {
	m.mu.Lock()
	defer m.mu.Unlock()
	return append([]streak.LogEntry(nil), m.logs...)
}

func (m *Memory) ReminderLogs() []streak.ReminderLog {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := make([]streak.ReminderLog, 0, len(m.reminders))
	for _, r := range m.reminders {
		out = append(out, r)
	}
	return out
}

func (m *Memory) BreakPosts() []streak.StreakBreakPost {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := make([]streak.StreakBreakPost, 0, len(m.breaks))
	for _, p := range m.breaks {
		out = append(out, p)
	}
	return out
}

func (m *Memory) UpsertDailyLog(_ context.Context, streakID uuid.UUID, date time.Time, who Participant, eventID string, actedAt time.Time) (*streak.DailyLog, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, ok := m.streaks[streakID]; !ok {
		return nil, fmt.Errorf("failed to upsert daily log: streak %s does not exist", streakID)
	}
	day := streak.Day(date)
	key := dayKey{streakID, day.Unix()}
	d, ok := m.daily[key]
	now := m.clock.Now()
	if !ok {
		d = &streak.DailyLog{ID: uuid.New(), StreakID: streakID, Date: day, CreatedAt: now}
		m.daily[key] = d
	}
	id := eventID
	switch who {
	case ParticipantUser1:
		d.User1Done = true
		if d.User1EventID == nil {
			d.User1EventID = &id
		}
		d.User1At = latest(d.User1At, actedAt)
	case ParticipantUser2:
		d.User2Done = true
		if d.User2EventID == nil {
			d.User2EventID = &id
		}
		d.User2At = latest(d.User2At, actedAt)
	default:
		return nil, fmt.Errorf("unknown participant %d", who)
	}
	d.UpdatedAt = now
	return copyDailyLog(d), nil
}

func latest(cur *time.Time, t time.Time) *time.Time {
	if cur != nil && !t.After(*cur) {
		return cur
	}
	return &t
}

func copyDailyLog(d *streak.DailyLog) *streak.DailyLog {
	c := *d
	if d.User1At != nil {
		v := *d.User1At
		c.User1At = &v
	}
	if d.User2At != nil {
		v := *d.User2At
		c.User2At = &v
	}
	return &c
}

func (m *Memory) GetDailyLog(_ context.Context, streakID uuid.UUID, date time.Time) (*streak.DailyLog, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	d, ok := m.daily[dayKey{streakID, streak.Day(date).Unix()}]
	if !ok {
		return nil, ErrNotFound
	}
	return copyDailyLog(d), nil
}

func (m *Memory) AdvanceStreak(_ context.Context, streakID uuid.UUID, window *time.Time, at, deadline time.Time) (*streak.Streak, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	s, ok := m.streaks[streakID]
	if !ok || s.Status != streak.StatusActive || !sameInstant(s.Deadline, window) {
		return nil, ErrNotFound
	}
	s.CurrentCount++
	if s.CurrentCount > s.HighestCount {
		s.HighestCount = s.CurrentCount
	}
	s.Deadline = &deadline
	s.LastActivityAt = &at
	c := copyStreak(s)
	return &c, nil
}

func sameInstant(a, b *time.Time) bool {
	if a == nil || b == nil {
		return a == b
	}
	return a.Equal(*b)
}

func (m *Memory) GetBotFollower(_ context.Context, pubkey string) (*streak.BotFollower, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	f, ok := m.followers[pubkey]
	if !ok {
		return nil, ErrNotFound
	}
	return &f, nil
}

func (m *Memory) UpsertBotFollower(_ context.Context, f streak.BotFollower) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if existing, ok := m.followers[f.Pubkey]; ok {
		f.FollowedAt = existing.FollowedAt
	}
	m.followers[f.Pubkey] = f
	return nil
}

func (m *Memory) DeleteActiveSoloStreaks(_ context.Context, pubkey string, at time.Time) ([]streak.Streak, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	var deleted []streak.Streak
	for id, s := range m.streaks {
		if s.Kind != streak.KindSolo || s.Status != streak.StatusActive || s.User1 != pubkey {
			continue
		}
		deleted = append(deleted, copyStreak(s))
		delete(m.streaks, id)
		delete(m.settings, id)
		for k := range m.daily {
			if k.streakID == id {
				delete(m.daily, k)
			}
		}
		m.logs = append(m.logs, streak.LogEntry{
			ID:        uuid.New(),
			StreakID:  id,
			Pubkey:    pubkey,
			Action:    streak.LogStreakDeleted,
			Details:   fmt.Sprintf("stopped by command at count %d", s.CurrentCount),
			CreatedAt: at,
		})
	}
	return deleted, nil
}

func (m *Memory) ReminderCandidates(_ context.Context) ([]streak.ReminderCandidate, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	var out []streak.ReminderCandidate
	for _, s := range m.sorted(func(s *streak.Streak) bool {
		return s.Status == streak.StatusActive && s.Deadline != nil
	}) {
		settings := m.settingsFor(s.ID)
		if !settings.ReminderEnabled {
			continue
		}
		out = append(out, streak.ReminderCandidate{Streak: s, Settings: settings})
	}
	return out, nil
}

func (m *Memory) HasReminderLog(_ context.Context, streakID uuid.UUID, target string, deadline time.Time) (bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	_, ok := m.reminders[auditKey{streakID, target, deadline.Unix()}]
	return ok, nil
}

func (m *Memory) InsertReminderLog(_ context.Context, r streak.ReminderLog) (bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	key := auditKey{r.StreakID, r.Target, r.Deadline.Unix()}
	if _, ok := m.reminders[key]; ok {
		return false, nil
	}
	m.reminders[key] = r
	return true, nil
}

func (m *Memory) BreakExpiredStreaks(_ context.Context, cutoff, now time.Time) ([]streak.BrokenStreak, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	var out []streak.BrokenStreak
	for _, s := range m.streaks {
		if s.Status != streak.StatusActive || s.Deadline == nil || !s.Deadline.Before(cutoff) {
			continue
		}
		s.Status = streak.StatusBroken
		ended := now
		s.EndedAt = &ended
		m.history = append(m.history, streak.History{
			ID:               uuid.New(),
			StreakID:         s.ID,
			CountBeforeBreak: s.CurrentCount,
			StartedAt:        s.StartedAt,
			BrokenAt:         now,
		})
		out = append(out, streak.BrokenStreak{
			Streak:           copyStreak(s),
			MissedDeadline:   *s.Deadline,
			ShamePostEnabled: m.settingsFor(s.ID).ShamePostEnabled,
		})
	}
	return out, nil
}

func (m *Memory) BrokenWithoutBreakPost(_ context.Context, since time.Time) ([]streak.BrokenStreak, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	var out []streak.BrokenStreak
	for _, s := range m.sorted(func(s *streak.Streak) bool {
		return s.Status == streak.StatusBroken && s.Deadline != nil && s.EndedAt != nil && !s.EndedAt.Before(since)
	}) {
		shame := m.settingsFor(s.ID).ShamePostEnabled
		if s.Kind == streak.KindSolo && !shame {
			continue
		}
		posted := 0
		for k := range m.breaks {
			if k.streakID == s.ID && k.deadline == s.Deadline.Unix() {
				posted++
			}
		}
		if posted >= len(s.Participants()) {
			continue
		}
		out = append(out, streak.BrokenStreak{Streak: s, MissedDeadline: *s.Deadline, ShamePostEnabled: shame})
	}
	return out, nil
}

func (m *Memory) HasBreakPost(_ context.Context, streakID uuid.UUID, target string, deadline time.Time) (bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	_, ok := m.breaks[auditKey{streakID, target, deadline.Unix()}]
	return ok, nil
}

func (m *Memory) InsertBreakPost(_ context.Context, p streak.StreakBreakPost) (bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	key := auditKey{p.StreakID, p.Target, p.Deadline.Unix()}
	if _, ok := m.breaks[key]; ok {
		return false, nil
	}
	m.breaks[key] = p
	return true, nil
}

func (m *Memory) TrackedIdentities(_ context.Context) ([]string, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	seen := make(map[string]bool)
	var out []string
	for _, s := range m.streaks {
		if s.Status != streak.StatusActive && s.Status != streak.StatusPending {
			continue
		}
		for _, pk := range s.Participants() {
			if !seen[pk] {
				seen[pk] = true
				out = append(out, pk)
			}
		}
	}
	sort.Strings(out)
	return out, nil
}

func (m *Memory) Ping(context.Context) error { return nil }
