package tracker

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"time"
)

// Store is the durable tracked-entity store. All cursor/session mutations for
// a given TrackedChannel happen from that site's single polling loop; other
// subsystems only read, so plain statements without row locks are sufficient.
type Store struct {
	DB *sql.DB
}

// GetOrCreateChannel looks up or inserts the (site, external id) row.
// The boolean reports whether a new row was created (first track).
func (s *Store) GetOrCreateChannel(ctx context.Context, site Site, siteChannelID string) (*TrackedChannel, bool, error) {
	ch := &TrackedChannel{Site: site, SiteChannelID: siteChannelID}
	var name sql.NullString
	err := s.DB.QueryRowContext(ctx,
		`SELECT id, last_known_name FROM tracked_channels WHERE site=$1 AND site_channel_id=$2`,
		string(site), siteChannelID).Scan(&ch.ID, &name)
	if err == nil {
		ch.LastKnownName = name.String
		return ch, false, nil
	}
	if err != sql.ErrNoRows {
		return nil, false, fmt.Errorf("lookup tracked channel: %w", err)
	}
	err = s.DB.QueryRowContext(ctx,
		`INSERT INTO tracked_channels (site, site_channel_id) VALUES ($1,$2)
		 ON CONFLICT (site, site_channel_id) DO UPDATE SET site=EXCLUDED.site
		 RETURNING id`,
		string(site), siteChannelID).Scan(&ch.ID)
	if err != nil {
		return nil, false, fmt.Errorf("insert tracked channel: %w", err)
	}
	return ch, true, nil
}

// ListChannels returns the current tracked set for a site. Called at tick
// start so each tick sees entities added/removed between ticks.
func (s *Store) ListChannels(ctx context.Context, site Site) ([]TrackedChannel, error) {
	rows, err := s.DB.QueryContext(ctx,
		`SELECT id, site, site_channel_id, COALESCE(last_known_name,'') FROM tracked_channels WHERE site=$1 ORDER BY id`,
		string(site))
	if err != nil {
		return nil, fmt.Errorf("list tracked channels: %w", err)
	}
	defer rows.Close()
	var out []TrackedChannel
	for rows.Next() {
		var ch TrackedChannel
		var siteStr string
		if err := rows.Scan(&ch.ID, &siteStr, &ch.SiteChannelID, &ch.LastKnownName); err != nil {
			return nil, err
		}
		ch.Site = Site(siteStr)
		out = append(out, ch)
	}
	return out, rows.Err()
}

// SetChannelName records the last known display name for fallback rendering.
func (s *Store) SetChannelName(ctx context.Context, channelID int64, name string) {
	_, _ = s.DB.ExecContext(ctx, `UPDATE tracked_channels SET last_known_name=$1 WHERE id=$2`, name, channelID)
}

// DeleteChannel removes a tracked channel; targets, cursors, sessions and
// notifications cascade.
func (s *Store) DeleteChannel(ctx context.Context, channelID int64) error {
	_, err := s.DB.ExecContext(ctx, `DELETE FROM tracked_channels WHERE id=$1`, channelID)
	return err
}

// Targets --------------------------------------------------------------------

// AddTarget subscribes a Discord channel to a tracked channel (idempotent).
func (s *Store) AddTarget(ctx context.Context, t *Target) error {
	err := s.DB.QueryRowContext(ctx,
		`INSERT INTO targets (tracked_channel_id, discord_channel_id, discord_guild_id, tracker_user_id)
		 VALUES ($1,$2,NULLIF($3,''),$4)
		 ON CONFLICT (tracked_channel_id, discord_channel_id) DO UPDATE SET tracker_user_id=targets.tracker_user_id
		 RETURNING id`,
		t.TrackedChannelID, t.DiscordChannelID, t.DiscordGuildID, t.TrackerUserID).Scan(&t.ID)
	if err != nil {
		return fmt.Errorf("add target: %w", err)
	}
	return nil
}

// ListTargets returns all targets subscribed to a tracked channel.
func (s *Store) ListTargets(ctx context.Context, trackedChannelID int64) ([]Target, error) {
	rows, err := s.DB.QueryContext(ctx,
		`SELECT id, tracked_channel_id, discord_channel_id, COALESCE(discord_guild_id,''), tracker_user_id
		 FROM targets WHERE tracked_channel_id=$1 ORDER BY id`, trackedChannelID)
	if err != nil {
		return nil, fmt.Errorf("list targets: %w", err)
	}
	defer rows.Close()
	var out []Target
	for rows.Next() {
		var t Target
		if err := rows.Scan(&t.ID, &t.TrackedChannelID, &t.DiscordChannelID, &t.DiscordGuildID, &t.TrackerUserID); err != nil {
			return nil, err
		}
		out = append(out, t)
	}
	return out, rows.Err()
}

// DeleteTarget removes one target; its notification records cascade.
func (s *Store) DeleteTarget(ctx context.Context, targetID int64) error {
	_, err := s.DB.ExecContext(ctx, `DELETE FROM targets WHERE id=$1`, targetID)
	return err
}

// RemoveTarget unsubscribes a Discord channel from a (site, external id) pair.
// Reports whether a subscription existed.
func (s *Store) RemoveTarget(ctx context.Context, site Site, siteChannelID, discordChannelID string) (bool, error) {
	res, err := s.DB.ExecContext(ctx,
		`DELETE FROM targets
		 WHERE tracked_channel_id IN (SELECT id FROM tracked_channels WHERE site=$1 AND site_channel_id=$2)
		   AND discord_channel_id=$3`,
		string(site), siteChannelID, discordChannelID)
	if err != nil {
		return false, fmt.Errorf("remove target: %w", err)
	}
	n, _ := res.RowsAffected()
	return n > 0, nil
}

// Mention roles --------------------------------------------------------------

// SetMentionRole registers (or replaces) the mention role for a guild.
func (s *Store) SetMentionRole(ctx context.Context, trackedChannelID int64, guildID, roleID string) error {
	_, err := s.DB.ExecContext(ctx,
		`INSERT INTO mention_roles (tracked_channel_id, guild_id, role_id) VALUES ($1,$2,$3)
		 ON CONFLICT (tracked_channel_id, guild_id) DO UPDATE SET role_id=EXCLUDED.role_id`,
		trackedChannelID, guildID, roleID)
	return err
}

// MentionRoleFor returns the registered mention role for a guild, or nil.
func (s *Store) MentionRoleFor(ctx context.Context, trackedChannelID int64, guildID string) (*MentionRole, error) {
	var m MentionRole
	var last sql.NullTime
	err := s.DB.QueryRowContext(ctx,
		`SELECT id, tracked_channel_id, guild_id, role_id, last_mention FROM mention_roles
		 WHERE tracked_channel_id=$1 AND guild_id=$2`, trackedChannelID, guildID).
		Scan(&m.ID, &m.TrackedChannelID, &m.GuildID, &m.RoleID, &last)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("lookup mention role: %w", err)
	}
	m.LastMention = last.Time
	return &m, nil
}

// MentionIfReady checks the role's cooldown and, when outside it, records the
// mention timestamp and returns true. Within cooldown the notification is
// delivered without the ping, so false here never suppresses the message.
// The timestamp is stamped before the caller sends, making the ping at most
// once per window: a delivery that then fails spends the window rather than
// risking a duplicate ping on the redelivery.
func (s *Store) MentionIfReady(ctx context.Context, m *MentionRole, cooldown time.Duration, now time.Time) (bool, error) {
	if m == nil {
		return false, nil
	}
	if !m.LastMention.IsZero() && now.Sub(m.LastMention) < cooldown {
		return false, nil
	}
	_, err := s.DB.ExecContext(ctx, `UPDATE mention_roles SET last_mention=$1 WHERE id=$2`, now, m.ID)
	if err != nil {
		return false, fmt.Errorf("touch mention role: %w", err)
	}
	m.LastMention = now
	return true, nil
}

// Cursors --------------------------------------------------------------------

// GetCursor returns the feed cursor and opaque state blob for a channel.
func (s *Store) GetCursor(ctx context.Context, trackedChannelID int64) (int64, json.RawMessage, error) {
	var lastSeen int64
	var state []byte
	err := s.DB.QueryRowContext(ctx,
		`SELECT last_seen_id, state FROM cursors WHERE tracked_channel_id=$1`, trackedChannelID).
		Scan(&lastSeen, &state)
	if err == sql.ErrNoRows {
		return 0, nil, nil
	}
	if err != nil {
		return 0, nil, fmt.Errorf("load cursor: %w", err)
	}
	return lastSeen, state, nil
}

// SetCursor persists the cursor after a successful reconciliation.
func (s *Store) SetCursor(ctx context.Context, trackedChannelID, lastSeen int64, state json.RawMessage) error {
	_, err := s.DB.ExecContext(ctx,
		`INSERT INTO cursors (tracked_channel_id, last_seen_id, state, updated_at) VALUES ($1,$2,$3,CURRENT_TIMESTAMP)
		 ON CONFLICT (tracked_channel_id) DO UPDATE SET last_seen_id=EXCLUDED.last_seen_id, state=EXCLUDED.state, updated_at=CURRENT_TIMESTAMP`,
		trackedChannelID, lastSeen, nullableJSON(state))
	if err != nil {
		return fmt.Errorf("persist cursor: %w", err)
	}
	return nil
}

func nullableJSON(raw json.RawMessage) any {
	if len(raw) == 0 {
		return nil
	}
	return []byte(raw)
}

func nullableTime(t time.Time) any {
	if t.IsZero() {
		return nil
	}
	return t
}

// Sessions -------------------------------------------------------------------

// ActiveSession returns the channel's session without a video binding
// (Twitch-style: at most one live occurrence per channel), or nil.
func (s *Store) ActiveSession(ctx context.Context, trackedChannelID int64) (*Session, error) {
	row := s.DB.QueryRowContext(ctx,
		`SELECT id, tracked_channel_id, COALESCE(video_id,''), started_at, peak_viewers, average_viewers, uptime_ticks, premiere, COALESCE(last_title,''), COALESCE(last_thumbnail,'')
		 FROM sessions WHERE tracked_channel_id=$1 AND COALESCE(video_id,'')='' LIMIT 1`, trackedChannelID)
	return scanSession(row)
}

// SessionForVideo returns the session bound to a specific video id, or nil.
func (s *Store) SessionForVideo(ctx context.Context, videoID string) (*Session, error) {
	row := s.DB.QueryRowContext(ctx,
		`SELECT id, tracked_channel_id, COALESCE(video_id,''), started_at, peak_viewers, average_viewers, uptime_ticks, premiere, COALESCE(last_title,''), COALESCE(last_thumbnail,'')
		 FROM sessions WHERE video_id=$1 LIMIT 1`, videoID)
	return scanSession(row)
}

func scanSession(row *sql.Row) (*Session, error) {
	var sess Session
	err := row.Scan(&sess.ID, &sess.TrackedChannelID, &sess.VideoID, &sess.StartedAt,
		&sess.PeakViewers, &sess.AverageViewers, &sess.UptimeTicks, &sess.Premiere,
		&sess.LastTitle, &sess.LastThumbnail)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("load session: %w", err)
	}
	return &sess, nil
}

// CreateSession inserts a new live session row and fills in its id.
func (s *Store) CreateSession(ctx context.Context, sess *Session) error {
	err := s.DB.QueryRowContext(ctx,
		`INSERT INTO sessions (tracked_channel_id, video_id, started_at, peak_viewers, average_viewers, uptime_ticks, premiere, last_title, last_thumbnail)
		 VALUES ($1,NULLIF($2,''),$3,$4,$5,$6,$7,$8,$9) RETURNING id`,
		sess.TrackedChannelID, sess.VideoID, sess.StartedAt, sess.PeakViewers,
		sess.AverageViewers, sess.UptimeTicks, sess.Premiere, sess.LastTitle, sess.LastThumbnail).Scan(&sess.ID)
	if err != nil {
		return fmt.Errorf("create session: %w", err)
	}
	return nil
}

// SaveSessionStats persists the running aggregates after UpdateViewers.
func (s *Store) SaveSessionStats(ctx context.Context, sess *Session) error {
	_, err := s.DB.ExecContext(ctx,
		`UPDATE sessions SET peak_viewers=$1, average_viewers=$2, uptime_ticks=$3, last_title=$4, last_thumbnail=$5 WHERE id=$6`,
		sess.PeakViewers, sess.AverageViewers, sess.UptimeTicks, sess.LastTitle, sess.LastThumbnail, sess.ID)
	return err
}

// DeleteSession removes the session; its notification records were already
// finalized by the dispatcher's stream-end pass.
func (s *Store) DeleteSession(ctx context.Context, sessionID int64) error {
	_, err := s.DB.ExecContext(ctx, `DELETE FROM sessions WHERE id=$1`, sessionID)
	return err
}

// ListSessions returns all sessions for a channel (YouTube allows one live
// plus any number of scheduled upcoming sessions).
func (s *Store) ListSessions(ctx context.Context, trackedChannelID int64) ([]Session, error) {
	rows, err := s.DB.QueryContext(ctx,
		`SELECT id, tracked_channel_id, COALESCE(video_id,''), started_at, peak_viewers, average_viewers, uptime_ticks, premiere, COALESCE(last_title,''), COALESCE(last_thumbnail,'')
		 FROM sessions WHERE tracked_channel_id=$1 ORDER BY id`, trackedChannelID)
	if err != nil {
		return nil, fmt.Errorf("list sessions: %w", err)
	}
	defer rows.Close()
	var out []Session
	for rows.Next() {
		var sess Session
		if err := rows.Scan(&sess.ID, &sess.TrackedChannelID, &sess.VideoID, &sess.StartedAt,
			&sess.PeakViewers, &sess.AverageViewers, &sess.UptimeTicks, &sess.Premiere,
			&sess.LastTitle, &sess.LastThumbnail); err != nil {
			return nil, err
		}
		out = append(out, sess)
	}
	return out, rows.Err()
}

// Video records ---------------------------------------------------------------

// GetVideo returns the stored record for a video id, or nil.
func (s *Store) GetVideo(ctx context.Context, videoID string) (*VideoRecord, error) {
	var v VideoRecord
	var sched, pub sql.NullTime
	var lifecycle string
	err := s.DB.QueryRowContext(ctx,
		`SELECT video_id, tracked_channel_id, COALESCE(last_title,''), COALESCE(last_thumbnail,''), lifecycle, scheduled_start, notify_creation_done, published_at
		 FROM yt_videos WHERE video_id=$1`, videoID).
		Scan(&v.VideoID, &v.TrackedChannelID, &v.LastTitle, &v.LastThumbnail, &lifecycle, &sched, &v.NotifyCreationDone, &pub)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("load video: %w", err)
	}
	v.Lifecycle = VideoLifecycle(lifecycle)
	v.ScheduledStart = sched.Time
	v.PublishedAt = pub.Time
	return &v, nil
}

// UpsertVideo stores/refreshes a video record.
func (s *Store) UpsertVideo(ctx context.Context, v *VideoRecord) error {
	_, err := s.DB.ExecContext(ctx,
		`INSERT INTO yt_videos (video_id, tracked_channel_id, last_title, last_thumbnail, lifecycle, scheduled_start, notify_creation_done, published_at, updated_at)
		 VALUES ($1,$2,$3,$4,$5,$6,$7,$8,CURRENT_TIMESTAMP)
		 ON CONFLICT (video_id) DO UPDATE SET
		   last_title=EXCLUDED.last_title,
		   last_thumbnail=EXCLUDED.last_thumbnail,
		   lifecycle=EXCLUDED.lifecycle,
		   scheduled_start=EXCLUDED.scheduled_start,
		   notify_creation_done=yt_videos.notify_creation_done OR EXCLUDED.notify_creation_done,
		   updated_at=CURRENT_TIMESTAMP`,
		v.VideoID, v.TrackedChannelID, v.LastTitle, v.LastThumbnail, string(v.Lifecycle),
		nullableTime(v.ScheduledStart), v.NotifyCreationDone, nullableTime(v.PublishedAt))
	if err != nil {
		return fmt.Errorf("upsert video: %w", err)
	}
	return nil
}

// ListPendingVideos returns the channel's videos still in a non-terminal
// lifecycle (upcoming or live), the set each tick must re-check.
func (s *Store) ListPendingVideos(ctx context.Context, trackedChannelID int64) ([]VideoRecord, error) {
	rows, err := s.DB.QueryContext(ctx,
		`SELECT video_id, tracked_channel_id, COALESCE(last_title,''), COALESCE(last_thumbnail,''), lifecycle, scheduled_start, notify_creation_done, published_at
		 FROM yt_videos WHERE tracked_channel_id=$1 AND lifecycle IN ('upcoming','live') ORDER BY video_id`, trackedChannelID)
	if err != nil {
		return nil, fmt.Errorf("list pending videos: %w", err)
	}
	defer rows.Close()
	var out []VideoRecord
	for rows.Next() {
		var v VideoRecord
		var sched, pub sql.NullTime
		var lifecycle string
		if err := rows.Scan(&v.VideoID, &v.TrackedChannelID, &v.LastTitle, &v.LastThumbnail, &lifecycle, &sched, &v.NotifyCreationDone, &pub); err != nil {
			return nil, err
		}
		v.Lifecycle = VideoLifecycle(lifecycle)
		v.ScheduledStart = sched.Time
		v.PublishedAt = pub.Time
		out = append(out, v)
	}
	return out, rows.Err()
}

// MarkCreationNotified flags a video so SESSION_CREATED fires at most once.
func (s *Store) MarkCreationNotified(ctx context.Context, videoID string) error {
	_, err := s.DB.ExecContext(ctx, `UPDATE yt_videos SET notify_creation_done=TRUE, updated_at=CURRENT_TIMESTAMP WHERE video_id=$1`, videoID)
	return err
}

// Notifications ---------------------------------------------------------------

// NotificationExists implements the lookup-before-insert dedup guard.
func (s *Store) NotificationExists(ctx context.Context, contentKey string, targetID int64, kind TransitionKind) (bool, error) {
	var one int
	err := s.DB.QueryRowContext(ctx,
		`SELECT 1 FROM notifications WHERE content_key=$1 AND target_id=$2 AND kind=$3`,
		contentKey, targetID, string(kind)).Scan(&one)
	if err == sql.ErrNoRows {
		return false, nil
	}
	if err != nil {
		return false, fmt.Errorf("lookup notification: %w", err)
	}
	return true, nil
}

// RecordNotification stores the delivered message reference. The unique
// constraint backstops the lookup-before-insert guard under races.
func (s *Store) RecordNotification(ctx context.Context, n *Notification) error {
	err := s.DB.QueryRowContext(ctx,
		`INSERT INTO notifications (content_key, target_id, kind, message_channel_id, message_id)
		 VALUES ($1,$2,$3,$4,$5)
		 ON CONFLICT (content_key, target_id, kind) DO UPDATE SET message_id=notifications.message_id
		 RETURNING id`,
		n.ContentKey, n.TargetID, string(n.Kind), n.MessageChannelID, n.MessageID).Scan(&n.ID)
	if err != nil {
		return fmt.Errorf("record notification: %w", err)
	}
	return nil
}

// ListNotifications returns all delivered notifications for a content key and kind.
func (s *Store) ListNotifications(ctx context.Context, contentKey string, kind TransitionKind) ([]Notification, error) {
	rows, err := s.DB.QueryContext(ctx,
		`SELECT id, content_key, target_id, kind, COALESCE(message_channel_id,''), COALESCE(message_id,'')
		 FROM notifications WHERE content_key=$1 AND kind=$2 ORDER BY id`, contentKey, string(kind))
	if err != nil {
		return nil, fmt.Errorf("list notifications: %w", err)
	}
	defer rows.Close()
	var out []Notification
	for rows.Next() {
		var n Notification
		var kindStr string
		if err := rows.Scan(&n.ID, &n.ContentKey, &n.TargetID, &kindStr, &n.MessageChannelID, &n.MessageID); err != nil {
			return nil, err
		}
		n.Kind = TransitionKind(kindStr)
		out = append(out, n)
	}
	return out, rows.Err()
}

// DeleteNotification removes a notification record after its terminal
// edit/delete action, successful or not.
func (s *Store) DeleteNotification(ctx context.Context, id int64) error {
	_, err := s.DB.ExecContext(ctx, `DELETE FROM notifications WHERE id=$1`, id)
	return err
}

// GetTarget returns one target row by id, or nil when it no longer exists.
func (s *Store) GetTarget(ctx context.Context, targetID int64) (*Target, error) {
	var t Target
	err := s.DB.QueryRowContext(ctx,
		`SELECT id, tracked_channel_id, discord_channel_id, COALESCE(discord_guild_id,''), tracker_user_id
		 FROM targets WHERE id=$1`, targetID).
		Scan(&t.ID, &t.TrackedChannelID, &t.DiscordChannelID, &t.DiscordGuildID, &t.TrackerUserID)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("load target: %w", err)
	}
	return &t, nil
}

// CountChannels returns tracked-channel counts by site for the status endpoint.
func (s *Store) CountChannels(ctx context.Context) (map[Site]int, error) {
	rows, err := s.DB.QueryContext(ctx, `SELECT site, COUNT(1) FROM tracked_channels GROUP BY site`)
	if err != nil {
		return nil, fmt.Errorf("count tracked channels: %w", err)
	}
	defer rows.Close()
	out := map[Site]int{}
	for rows.Next() {
		var site string
		var n int
		if err := rows.Scan(&site, &n); err != nil {
			return nil, err
		}
		out[Site(site)] = n
	}
	return out, rows.Err()
}
