package tracker

import (
	"context"
	"fmt"
	"log/slog"
	"time"
)

// TrackManager implements the inbound track/untrack/mention operations used
// by the HTTP surface and the bot's command layer.
type TrackManager struct {
	Store  *Store
	Videos VideoClient // optional; seeds video history on first track
}

// Track subscribes a Discord channel to a platform entity. Re-tracking an
// existing pair is a no-op that returns the existing channel. The first track
// of a video channel backfills its recent uploads silently so the next tick
// does not replay old videos as notifications.
func (m *TrackManager) Track(ctx context.Context, site Site, siteChannelID, discordChannelID, guildID, userID string) (*TrackedChannel, error) {
	ch, created, err := m.Store.GetOrCreateChannel(ctx, site, siteChannelID)
	if err != nil {
		return nil, err
	}
	if err := m.Store.AddTarget(ctx, &Target{
		TrackedChannelID: ch.ID,
		DiscordChannelID: discordChannelID,
		DiscordGuildID:   guildID,
		TrackerUserID:    userID,
	}); err != nil {
		return nil, err
	}
	if created && site == SiteYoutube && m.Videos != nil {
		m.backfill(ctx, ch)
	}
	slog.Info("tracked", slog.String("site", string(site)),
		slog.String("channel", siteChannelID), slog.String("discord_channel", discordChannelID))
	return ch, nil
}

// backfill records the channel's existing uploads with their notification
// markers already set. Best effort; a failed backfill just means the age
// gates absorb the replay instead.
func (m *TrackManager) backfill(ctx context.Context, ch *TrackedChannel) {
	uploads, err := m.Videos.RecentUploads(ctx, ch.SiteChannelID, 20)
	if err != nil {
		slog.Warn("track backfill failed", slog.String("channel", ch.SiteChannelID), slog.Any("err", err))
		return
	}
	for i := range uploads {
		st := &uploads[i]
		if ch.LastKnownName == "" && st.ChannelName != "" {
			m.Store.SetChannelName(ctx, ch.ID, st.ChannelName)
			ch.LastKnownName = st.ChannelName
		}
		rec := &VideoRecord{
			VideoID:            st.VideoID,
			TrackedChannelID:   ch.ID,
			LastTitle:          st.Title,
			LastThumbnail:      st.Thumbnail,
			PublishedAt:        st.PublishedAt,
			Lifecycle:          LifecycleVideo,
			NotifyCreationDone: true,
		}
		if err := m.Store.UpsertVideo(ctx, rec); err != nil {
			slog.Warn("track backfill upsert failed", slog.String("video", st.VideoID), slog.Any("err", err))
		}
	}
}

// Untrack removes one Discord channel's subscription. When the last target is
// removed the polling loop untracks the entity on its next tick.
func (m *TrackManager) Untrack(ctx context.Context, site Site, siteChannelID, discordChannelID string) (bool, error) {
	return m.Store.RemoveTarget(ctx, site, siteChannelID, discordChannelID)
}

// SetMention registers the role pinged for a tracked channel's live notices
// in one guild.
func (m *TrackManager) SetMention(ctx context.Context, site Site, siteChannelID, guildID, roleID string) error {
	ch, created, err := m.Store.GetOrCreateChannel(ctx, site, siteChannelID)
	if err != nil {
		return err
	}
	if created {
		// Mention config without a subscription is meaningless; undo.
		_ = m.Store.DeleteChannel(ctx, ch.ID)
		return fmt.Errorf("channel %s/%s is not tracked", site, siteChannelID)
	}
	return m.Store.SetMentionRole(ctx, ch.ID, guildID, roleID)
}

// ParseSite validates a site name from an external request.
func ParseSite(s string) (Site, error) {
	switch Site(s) {
	case SiteTwitch, SiteYoutube, SiteTwitter, SiteMediaList:
		return Site(s), nil
	}
	return "", fmt.Errorf("unknown site %q", s)
}

// HeartbeatStale reports whether a watcher heartbeat timestamp is older than
// the allowed staleness. Empty timestamps count as stale.
func HeartbeatStale(stamp string, maxAge time.Duration, now time.Time) bool {
	if stamp == "" {
		return true
	}
	t, err := time.Parse(time.RFC3339, stamp)
	if err != nil {
		return true
	}
	return now.Sub(t) > maxAge
}
