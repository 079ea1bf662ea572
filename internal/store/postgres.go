package store

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
	log "github.com/sirupsen/logrus"

	"streakstr/internal/types/streak"
)

const streakColumns = `s.id, s.name, s.kind, s.user1_pubkey, s.user2_pubkey, s.status, s.invite_status,
	s.current_count, s.highest_count, s.deadline, s.last_activity_at, s.created_at, s.started_at, s.ended_at`

type Postgres struct {
	db *pgxpool.Pool
}

// NewPool opens a pgx pool with the service's pool limits and pings it.
func NewPool(ctx context.Context, dbURL string) (*pgxpool.Pool, error) {
	poolConfig, err := pgxpool.ParseConfig(dbURL)
	if err != nil {
		return nil, fmt.Errorf("failed to parse database URL: %w", err)
	}

	poolConfig.MaxConns = 25
	poolConfig.MinConns = 5
	poolConfig.MaxConnLifetime = time.Hour
	poolConfig.MaxConnIdleTime = 30 * time.Minute
	poolConfig.HealthCheckPeriod = time.Minute

	pool, err := pgxpool.NewWithConfig(ctx, poolConfig)
	if err != nil {
		return nil, fmt.Errorf("failed to create connection pool: %w", err)
	}
	if err := pool.Ping(ctx); err != nil {
		pool.Close()
		return nil, fmt.Errorf("failed to ping database: %w", err)
	}
	return pool, nil
}

func NewPostgres(db *pgxpool.Pool) *Postgres {
	return &Postgres{db: db}
}

// Migrate applies the embedded schema. Every statement is idempotent.
func (s *Postgres) Migrate(ctx context.Context) error {
	if _, err := s.db.Exec(ctx, Schema); err != nil {
		return fmt.Errorf("failed to apply schema: %w", err)
	}
	return nil
}

func (s *Postgres) Ping(ctx context.Context) error {
	return s.db.Ping(ctx)
}

func scanStreak(row pgx.Row) (*streak.Streak, error) {
	st := &streak.Streak{}
	err := row.Scan(
		&st.ID,
		&st.Name,
		&st.Kind,
		&st.User1,
		&st.User2,
		&st.Status,
		&st.InviteStatus,
		&st.CurrentCount,
		&st.HighestCount,
		&st.Deadline,
		&st.LastActivityAt,
		&st.CreatedAt,
		&st.StartedAt,
		&st.EndedAt,
	)
	if err != nil {
		return nil, err
	}
	return st, nil
}

func collectStreaks(rows pgx.Rows) ([]streak.Streak, error) {
	defer rows.Close()
	var out []streak.Streak
	for rows.Next() {
		st, err := scanStreak(rows)
		if err != nil {
			return nil, fmt.Errorf("failed to scan streak: %w", err)
		}
		out = append(out, *st)
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}
	return out, nil
}

func (s *Postgres) ActiveStreaksFor(ctx context.Context, pubkey string) ([]streak.Streak, error) {
	query := `
	SELECT ` + streakColumns + `
	FROM streaks s
	WHERE s.status = 'active' AND (s.user1_pubkey = $1 OR s.user2_pubkey = $1)
	ORDER BY s.created_at
	`
	rows, err := s.db.Query(ctx, query, pubkey)
	if err != nil {
		return nil, fmt.Errorf("failed to query active streaks: %w", err)
	}
	return collectStreaks(rows)
}

func (s *Postgres) SoloStreaksFor(ctx context.Context, pubkey string) ([]streak.Streak, error) {
	query := `
	SELECT ` + streakColumns + `
	FROM streaks s
	WHERE s.kind = 'solo' AND s.user1_pubkey = $1
	ORDER BY s.created_at DESC
	`
	rows, err := s.db.Query(ctx, query, pubkey)
	if err != nil {
		return nil, fmt.Errorf("failed to query solo streaks: %w", err)
	}
	return collectStreaks(rows)
}

func (s *Postgres) ActiveSoloStreak(ctx context.Context, pubkey string) (*streak.Streak, error) {
	query := `
	SELECT ` + streakColumns + `
	FROM streaks s
	WHERE s.kind = 'solo' AND s.status = 'active' AND s.user1_pubkey = $1
	LIMIT 1
	`
	st, err := scanStreak(s.db.QueryRow(ctx, query, pubkey))
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, ErrNotFound
		}
		return nil, fmt.Errorf("failed to get active solo streak: %w", err)
	}
	return st, nil
}

func (s *Postgres) CreateStreak(ctx context.Context, st *streak.Streak, settings streak.Settings) error {
	return pgx.BeginFunc(ctx, s.db, func(tx pgx.Tx) error {
		_, err := tx.Exec(ctx, `
		INSERT INTO streaks (id, name, kind, user1_pubkey, user2_pubkey, status, invite_status,
			current_count, highest_count, deadline, last_activity_at, created_at, started_at, ended_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, $13, $14)
		`,
			st.ID, st.Name, st.Kind, st.User1, st.User2, st.Status, st.InviteStatus,
			st.CurrentCount, st.HighestCount, st.Deadline, st.LastActivityAt, st.CreatedAt, st.StartedAt, st.EndedAt,
		)
		if err != nil {
			return fmt.Errorf("failed to insert streak: %w", err)
		}

		_, err = tx.Exec(ctx, `
		INSERT INTO streak_settings (streak_id, reminder_enabled, reminder_offset_hours, shame_post_enabled)
		VALUES ($1, $2, $3, $4)
		ON CONFLICT (streak_id) DO NOTHING
		`, st.ID, settings.ReminderEnabled, settings.ReminderOffsetHours, settings.ShamePostEnabled)
		if err != nil {
			return fmt.Errorf("failed to insert streak settings: %w", err)
		}

		return insertLog(ctx, tx, streak.LogEntry{
			ID:        uuid.New(),
			StreakID:  st.ID,
			Pubkey:    st.User1,
			Action:    streak.LogStreakCreated,
			Details:   string(st.Kind),
			CreatedAt: st.CreatedAt,
		})
	})
}

func insertLog(ctx context.Context, tx pgx.Tx, e streak.LogEntry) error {
	_, err := tx.Exec(ctx, `
	INSERT INTO streak_logs (id, streak_id, pubkey, action, details, created_at)
	VALUES ($1, $2, $3, $4, $5, $6)
	`, e.ID, e.StreakID, e.Pubkey, e.Action, e.Details, e.CreatedAt)
	if err != nil {
		return fmt.Errorf("failed to insert streak log: %w", err)
	}
	return nil
}

func scanDailyLog(row pgx.Row) (*streak.DailyLog, error) {
	d := &streak.DailyLog{}
	err := row.Scan(
		&d.ID,
		&d.StreakID,
		&d.Date,
		&d.User1Done,
		&d.User2Done,
		&d.User1EventID,
		&d.User2EventID,
		&d.User1At,
		&d.User2At,
		&d.CreatedAt,
		&d.UpdatedAt,
	)
	return d, err
}

const dailyLogColumns = `id, streak_id, date, user1_done, user2_done, user1_event_id, user2_event_id, user1_at, user2_at, created_at, updated_at`

func (s *Postgres) UpsertDailyLog(ctx context.Context, streakID uuid.UUID, date time.Time, who Participant, eventID string, actedAt time.Time) (*streak.DailyLog, error) {
	var query string
	switch who {
	case ParticipantUser1:
		query = `
		INSERT INTO daily_logs (id, streak_id, date, user1_done, user1_event_id, user1_at, created_at, updated_at)
		VALUES ($1, $2, $3, TRUE, $4, $5, NOW(), NOW())
		ON CONFLICT (streak_id, date) DO UPDATE
		SET user1_done = TRUE,
			user1_event_id = COALESCE(daily_logs.user1_event_id, EXCLUDED.user1_event_id),
			user1_at = GREATEST(daily_logs.user1_at, EXCLUDED.user1_at),
			updated_at = NOW()
		RETURNING ` + dailyLogColumns
	case ParticipantUser2:
		query = `
		INSERT INTO daily_logs (id, streak_id, date, user2_done, user2_event_id, user2_at, created_at, updated_at)
		VALUES ($1, $2, $3, TRUE, $4, $5, NOW(), NOW())
		ON CONFLICT (streak_id, date) DO UPDATE
		SET user2_done = TRUE,
			user2_event_id = COALESCE(daily_logs.user2_event_id, EXCLUDED.user2_event_id),
			user2_at = GREATEST(daily_logs.user2_at, EXCLUDED.user2_at),
			updated_at = NOW()
		RETURNING ` + dailyLogColumns
	default:
		return nil, fmt.Errorf("unknown participant %d", who)
	}

	d, err := scanDailyLog(s.db.QueryRow(ctx, query, uuid.New(), streakID, streak.Day(date), eventID, actedAt))
	if err != nil {
		return nil, fmt.Errorf("failed to upsert daily log: %w", err)
	}
	return d, nil
}

func (s *Postgres) GetDailyLog(ctx context.Context, streakID uuid.UUID, date time.Time) (*streak.DailyLog, error) {
	query := `SELECT ` + dailyLogColumns + ` FROM daily_logs WHERE streak_id = $1 AND date = $2`
	d, err := scanDailyLog(s.db.QueryRow(ctx, query, streakID, streak.Day(date)))
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, ErrNotFound
		}
		return nil, fmt.Errorf("failed to get daily log: %w", err)
	}
	return d, nil
}

func (s *Postgres) AdvanceStreak(ctx context.Context, streakID uuid.UUID, window *time.Time, at, deadline time.Time) (*streak.Streak, error) {
	query := `
	UPDATE streaks s
	SET current_count = s.current_count + 1,
		highest_count = GREATEST(s.highest_count, s.current_count + 1),
		deadline = $2,
		last_activity_at = $3
	WHERE s.id = $1 AND s.status = 'active' AND s.deadline IS NOT DISTINCT FROM $4
	RETURNING ` + streakColumns
	st, err := scanStreak(s.db.QueryRow(ctx, query, streakID, deadline, at, window))
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, ErrNotFound
		}
		return nil, fmt.Errorf("failed to advance streak: %w", err)
	}
	return st, nil
}

func (s *Postgres) GetBotFollower(ctx context.Context, pubkey string) (*streak.BotFollower, error) {
	f := &streak.BotFollower{}
	err := s.db.QueryRow(ctx, `
	SELECT pubkey, auto_streak_created, do_not_keep_streak, followed_at, updated_at
	FROM bot_followers WHERE pubkey = $1
	`, pubkey).Scan(&f.Pubkey, &f.AutoStreakCreated, &f.DoNotKeepStreak, &f.FollowedAt, &f.UpdatedAt)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, ErrNotFound
		}
		return nil, fmt.Errorf("failed to get bot follower: %w", err)
	}
	return f, nil
}

func (s *Postgres) UpsertBotFollower(ctx context.Context, f streak.BotFollower) error {
	_, err := s.db.Exec(ctx, `
	INSERT INTO bot_followers (pubkey, auto_streak_created, do_not_keep_streak, followed_at, updated_at)
	VALUES ($1, $2, $3, $4, $5)
	ON CONFLICT (pubkey) DO UPDATE
	SET auto_streak_created = EXCLUDED.auto_streak_created,
		do_not_keep_streak = EXCLUDED.do_not_keep_streak,
		updated_at = EXCLUDED.updated_at
	`, f.Pubkey, f.AutoStreakCreated, f.DoNotKeepStreak, f.FollowedAt, f.UpdatedAt)
	if err != nil {
		return fmt.Errorf("failed to upsert bot follower: %w", err)
	}
	return nil
}

func (s *Postgres) DeleteActiveSoloStreaks(ctx context.Context, pubkey string, at time.Time) ([]streak.Streak, error) {
	var deleted []streak.Streak
	err := pgx.BeginFunc(ctx, s.db, func(tx pgx.Tx) error {
		rows, err := tx.Query(ctx, `
		DELETE FROM streaks s
		WHERE s.kind = 'solo' AND s.status = 'active' AND s.user1_pubkey = $1
		RETURNING `+streakColumns, pubkey)
		if err != nil {
			return fmt.Errorf("failed to delete solo streaks: %w", err)
		}
		deleted, err = collectStreaks(rows)
		if err != nil {
			return err
		}
		for _, st := range deleted {
			err := insertLog(ctx, tx, streak.LogEntry{
				ID:        uuid.New(),
				StreakID:  st.ID,
				Pubkey:    pubkey,
				Action:    streak.LogStreakDeleted,
				Details:   fmt.Sprintf("stopped by command at count %d", st.CurrentCount),
				CreatedAt: at,
			})
			if err != nil {
				return err
			}
		}
		return nil
	})
	if err != nil {
		return nil, err
	}
	return deleted, nil
}

func (s *Postgres) ReminderCandidates(ctx context.Context) ([]streak.ReminderCandidate, error) {
	query := `
	SELECT ` + streakColumns + `,
		COALESCE(st.reminder_enabled, TRUE), COALESCE(st.reminder_offset_hours, 2), COALESCE(st.shame_post_enabled, TRUE)
	FROM streaks s
	LEFT JOIN streak_settings st ON st.streak_id = s.id
	WHERE s.status = 'active' AND s.deadline IS NOT NULL AND COALESCE(st.reminder_enabled, TRUE)
	`
	rows, err := s.db.Query(ctx, query)
	if err != nil {
		return nil, fmt.Errorf("failed to query reminder candidates: %w", err)
	}
	defer rows.Close()

	var out []streak.ReminderCandidate
	for rows.Next() {
		var c streak.ReminderCandidate
		st := &c.Streak
		err := rows.Scan(
			&st.ID, &st.Name, &st.Kind, &st.User1, &st.User2, &st.Status, &st.InviteStatus,
			&st.CurrentCount, &st.HighestCount, &st.Deadline, &st.LastActivityAt, &st.CreatedAt, &st.StartedAt, &st.EndedAt,
			&c.Settings.ReminderEnabled, &c.Settings.ReminderOffsetHours, &c.Settings.ShamePostEnabled,
		)
		if err != nil {
			return nil, fmt.Errorf("failed to scan reminder candidate: %w", err)
		}
		c.Settings.StreakID = st.ID
		out = append(out, c)
	}
	return out, rows.Err()
}

func (s *Postgres) HasReminderLog(ctx context.Context, streakID uuid.UUID, target string, deadline time.Time) (bool, error) {
	var exists bool
	err := s.db.QueryRow(ctx, `
	SELECT EXISTS (SELECT 1 FROM reminder_logs WHERE streak_id = $1 AND target_pubkey = $2 AND deadline = $3)
	`, streakID, target, deadline).Scan(&exists)
	if err != nil {
		return false, fmt.Errorf("failed to check reminder log: %w", err)
	}
	return exists, nil
}

func (s *Postgres) InsertReminderLog(ctx context.Context, r streak.ReminderLog) (bool, error) {
	tag, err := s.db.Exec(ctx, `
	INSERT INTO reminder_logs (streak_id, target_pubkey, deadline, event_id, sent_at)
	VALUES ($1, $2, $3, $4, $5)
	ON CONFLICT DO NOTHING
	`, r.StreakID, r.Target, r.Deadline, r.EventID, r.SentAt)
	if err != nil {
		return false, fmt.Errorf("failed to insert reminder log: %w", err)
	}
	return tag.RowsAffected() == 1, nil
}

func (s *Postgres) BreakExpiredStreaks(ctx context.Context, cutoff, now time.Time) ([]streak.BrokenStreak, error) {
	var broken []streak.BrokenStreak
	err := pgx.BeginFunc(ctx, s.db, func(tx pgx.Tx) error {
		rows, err := tx.Query(ctx, `
		UPDATE streaks s
		SET status = 'broken', ended_at = $2
		WHERE s.status = 'active' AND s.deadline IS NOT NULL AND s.deadline < $1
		RETURNING `+streakColumns+`,
			COALESCE((SELECT st.shame_post_enabled FROM streak_settings st WHERE st.streak_id = s.id), TRUE)
		`, cutoff, now)
		if err != nil {
			return fmt.Errorf("failed to break expired streaks: %w", err)
		}
		broken, err = collectBroken(rows)
		if err != nil {
			return err
		}

		for _, b := range broken {
			_, err := tx.Exec(ctx, `
			INSERT INTO streak_history (id, streak_id, count_before_break, started_at, broken_at)
			VALUES ($1, $2, $3, $4, $5)
			`, uuid.New(), b.Streak.ID, b.Streak.CurrentCount, b.Streak.StartedAt, now)
			if err != nil {
				return fmt.Errorf("failed to insert streak history: %w", err)
			}
		}
		return nil
	})
	if err != nil {
		return nil, err
	}
	return broken, nil
}

func collectBroken(rows pgx.Rows) ([]streak.BrokenStreak, error) {
	defer rows.Close()
	var out []streak.BrokenStreak
	for rows.Next() {
		var b streak.BrokenStreak
		st := &b.Streak
		err := rows.Scan(
			&st.ID, &st.Name, &st.Kind, &st.User1, &st.User2, &st.Status, &st.InviteStatus,
			&st.CurrentCount, &st.HighestCount, &st.Deadline, &st.LastActivityAt, &st.CreatedAt, &st.StartedAt, &st.EndedAt,
			&b.ShamePostEnabled,
		)
		if err != nil {
			return nil, fmt.Errorf("failed to scan broken streak: %w", err)
		}
		if st.Deadline != nil {
			b.MissedDeadline = *st.Deadline
		}
		out = append(out, b)
	}
	return out, rows.Err()
}

func (s *Postgres) BrokenWithoutBreakPost(ctx context.Context, since time.Time) ([]streak.BrokenStreak, error) {
	rows, err := s.db.Query(ctx, `
	SELECT `+streakColumns+`, COALESCE(st.shame_post_enabled, TRUE)
	FROM streaks s
	LEFT JOIN streak_settings st ON st.streak_id = s.id
	WHERE s.status = 'broken' AND s.ended_at >= $1 AND s.deadline IS NOT NULL
	  AND (s.kind = 'duo' OR COALESCE(st.shame_post_enabled, TRUE))
	  AND (SELECT COUNT(*) FROM streak_break_posts p WHERE p.streak_id = s.id AND p.deadline = s.deadline)
	      < CASE WHEN s.kind = 'duo' THEN 2 ELSE 1 END
	`, since)
	if err != nil {
		return nil, fmt.Errorf("failed to query unposted broken streaks: %w", err)
	}
	return collectBroken(rows)
}

func (s *Postgres) HasBreakPost(ctx context.Context, streakID uuid.UUID, target string, deadline time.Time) (bool, error) {
	var exists bool
	err := s.db.QueryRow(ctx, `
	SELECT EXISTS (SELECT 1 FROM streak_break_posts WHERE streak_id = $1 AND target_pubkey = $2 AND deadline = $3)
	`, streakID, target, deadline).Scan(&exists)
	if err != nil {
		return false, fmt.Errorf("failed to check break post: %w", err)
	}
	return exists, nil
}

func (s *Postgres) InsertBreakPost(ctx context.Context, p streak.StreakBreakPost) (bool, error) {
	tag, err := s.db.Exec(ctx, `
	INSERT INTO streak_break_posts (streak_id, target_pubkey, deadline, event_id, posted_at)
	VALUES ($1, $2, $3, $4, $5)
	ON CONFLICT DO NOTHING
	`, p.StreakID, p.Target, p.Deadline, p.EventID, p.PostedAt)
	if err != nil {
		return false, fmt.Errorf("failed to insert break post: %w", err)
	}
	return tag.RowsAffected() == 1, nil
}

func (s *Postgres) TrackedIdentities(ctx context.Context) ([]string, error) {
	rows, err := s.db.Query(ctx, `
	SELECT user1_pubkey FROM streaks WHERE status IN ('pending', 'active')
	UNION
	SELECT user2_pubkey FROM streaks WHERE status IN ('pending', 'active') AND user2_pubkey IS NOT NULL
	`)
	if err != nil {
		return nil, fmt.Errorf("failed to query tracked identities: %w", err)
	}
	defer rows.Close()

	var out []string
	for rows.Next() {
		var pk string
		if err := rows.Scan(&pk); err != nil {
			log.Printf("Failed to scan tracked identity: %v", err)
			continue
		}
		out = append(out, pk)
	}
	return out, rows.Err()
}
