// Package reminder stores user reminders and delivers them over Discord DM
// when due. Delivery is at-least-once: a reminder row is only removed after
// the DM send succeeds.
package reminder

import (
	"context"
	"database/sql"
	"fmt"
	"log/slog"
	"time"

	"github.com/hoshizora-dev/kitsune/discord"
)

// PollInterval is how often due reminders are checked.
const PollInterval = time.Minute

// Messenger is the Discord surface reminders deliver through.
type Messenger interface {
	CreateDM(ctx context.Context, userID string) (string, error)
	CreateMessage(ctx context.Context, channelID string, m discord.MessagePayload) (*discord.Message, error)
}

// Reminder is one scheduled note back to a user.
type Reminder struct {
	ID              int64
	UserID          string
	OriginChannelID string
	Content         string
	RemindAt        time.Time
	CreatedAt       time.Time
}

// Store reads and writes reminder rows.
type Store struct {
	DB *sql.DB
}

// Create schedules a reminder.
func (s *Store) Create(ctx context.Context, userID, originChannelID, content string, remindAt time.Time) (int64, error) {
	var id int64
	err := s.DB.QueryRowContext(ctx,
		`INSERT INTO reminders (user_id, origin_channel_id, content, remind_at, created_at)
		 VALUES ($1,$2,$3,$4,CURRENT_TIMESTAMP) RETURNING id`,
		userID, originChannelID, content, remindAt).Scan(&id)
	if err != nil {
		return 0, fmt.Errorf("create reminder: %w", err)
	}
	return id, nil
}

// ListForUser returns a user's pending reminders, soonest first.
func (s *Store) ListForUser(ctx context.Context, userID string) ([]Reminder, error) {
	rows, err := s.DB.QueryContext(ctx,
		`SELECT id, user_id, COALESCE(origin_channel_id,''), content, remind_at
		 FROM reminders WHERE user_id=$1 ORDER BY remind_at`, userID)
	if err != nil {
		return nil, fmt.Errorf("list reminders: %w", err)
	}
	defer rows.Close()
	var out []Reminder
	for rows.Next() {
		var r Reminder
		if err := rows.Scan(&r.ID, &r.UserID, &r.OriginChannelID, &r.Content, &r.RemindAt); err != nil {
			return nil, err
		}
		out = append(out, r)
	}
	return out, rows.Err()
}

// Cancel removes a pending reminder owned by the user. Reports whether a row
// was removed.
func (s *Store) Cancel(ctx context.Context, id int64, userID string) (bool, error) {
	res, err := s.DB.ExecContext(ctx, `DELETE FROM reminders WHERE id=$1 AND user_id=$2`, id, userID)
	if err != nil {
		return false, err
	}
	n, _ := res.RowsAffected()
	return n > 0, nil
}

func (s *Store) due(ctx context.Context, now time.Time) ([]Reminder, error) {
	rows, err := s.DB.QueryContext(ctx,
		`SELECT id, user_id, COALESCE(origin_channel_id,''), content, remind_at
		 FROM reminders WHERE remind_at <= $1 ORDER BY remind_at LIMIT 50`, now)
	if err != nil {
		return nil, fmt.Errorf("list due reminders: %w", err)
	}
	defer rows.Close()
	var out []Reminder
	for rows.Next() {
		var r Reminder
		if err := rows.Scan(&r.ID, &r.UserID, &r.OriginChannelID, &r.Content, &r.RemindAt); err != nil {
			return nil, err
		}
		out = append(out, r)
	}
	return out, rows.Err()
}

// DeliverDue sends every due reminder and removes the delivered rows.
func (s *Store) DeliverDue(ctx context.Context, m Messenger, now time.Time) {
	reminders, err := s.due(ctx, now)
	if err != nil {
		slog.Error("failed to load due reminders", slog.Any("err", err))
		return
	}
	for _, r := range reminders {
		content := fmt.Sprintf("Reminder: %s", r.Content)
		if r.OriginChannelID != "" {
			content += fmt.Sprintf("\n(set in <#%s>)", r.OriginChannelID)
		}
		channel, err := m.CreateDM(ctx, r.UserID)
		if err != nil {
			// DMs may be closed; fall back to the channel the reminder was
			// set in, pinging the user there.
			slog.Warn("reminder dm channel failed", slog.String("user", r.UserID), slog.Any("err", err))
			if r.OriginChannelID == "" {
				continue
			}
			channel = r.OriginChannelID
			content = fmt.Sprintf("<@%s> Reminder: %s", r.UserID, r.Content)
		}
		if _, err := m.CreateMessage(ctx, channel, discord.MessagePayload{Content: content}); err != nil {
			slog.Warn("reminder delivery failed", slog.String("user", r.UserID), slog.Any("err", err))
			continue
		}
		if _, err := s.DB.ExecContext(ctx, `DELETE FROM reminders WHERE id=$1`, r.ID); err != nil {
			slog.Error("failed to delete delivered reminder", slog.Int64("id", r.ID), slog.Any("err", err))
		}
	}
}

// StartReminderJob polls for due reminders until ctx is canceled.
func StartReminderJob(ctx context.Context, db *sql.DB, m Messenger) {
	store := &Store{DB: db}
	slog.Info("reminder job starting", slog.Duration("interval", PollInterval))
	ticker := time.NewTicker(PollInterval)
	defer ticker.Stop()
	for {
		store.DeliverDue(ctx, m, time.Now())
		select {
		case <-ctx.Done():
			slog.Info("reminder job stopping")
			return
		case <-ticker.C:
		}
	}
}
