package tracker

import (
	"context"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/hoshizora-dev/kitsune/discord"
	"github.com/hoshizora-dev/kitsune/guildcfg"
	"github.com/hoshizora-dev/kitsune/telemetry"
)

// Embed accent colors per notification state.
const (
	colorLive      = 16711680 // red
	colorInactive  = 8847360
	colorScheduled = 4270381
	colorUpload    = 16748800
	colorCreation  = 16749824
)

// DefaultMentionCooldown spaces role pings for the same tracked channel.
const DefaultMentionCooldown = 6 * time.Hour

// Messenger is the Discord surface the dispatcher delivers through.
// *discord.Client satisfies it; tests substitute a recorder.
type Messenger interface {
	CreateMessage(ctx context.Context, channelID string, m discord.MessagePayload) (*discord.Message, error)
	EditMessage(ctx context.Context, channelID, messageID string, m discord.MessagePayload) (*discord.Message, error)
	DeleteMessage(ctx context.Context, channelID, messageID string) error
	CreateDM(ctx context.Context, userID string) (string, error)
	ModifyChannelName(ctx context.Context, channelID, name string) error
	GuildOwner(ctx context.Context, guildID string) (string, error)
}

// SettingsSource resolves per-channel feature settings, stores live-rename
// configuration, and flips features off on permission loss. *guildcfg.Store
// satisfies it.
type SettingsSource interface {
	Get(ctx context.Context, discordChannelID string) (*guildcfg.FeatureSettings, error)
	Put(ctx context.Context, discordChannelID, guildID string, cfg *guildcfg.FeatureSettings) error
	DisableFeature(ctx context.Context, discordChannelID, feature string) error
}

// Dispatcher fans detected transitions out to subscribed Discord targets.
// Every target is attempted independently; one target's failure never blocks
// the others, and a permissions failure permanently removes that target.
type Dispatcher struct {
	Store           *Store
	Messenger       Messenger
	Settings        SettingsSource
	MentionCooldown time.Duration
	Now             func() time.Time
}

func (d *Dispatcher) now() time.Time {
	if d.Now != nil {
		return d.Now()
	}
	return time.Now()
}

func (d *Dispatcher) cooldown() time.Duration {
	if d.MentionCooldown > 0 {
		return d.MentionCooldown
	}
	return DefaultMentionCooldown
}

// handleDeliveryError classifies a per-target failure. Permission loss
// disables the feature for the channel, removes the target, and notifies the
// guild owner once over DM. Everything else is logged and counted.
func (d *Dispatcher) handleDeliveryError(ctx context.Context, ch *TrackedChannel, t *Target, feature string, err error) {
	log := telemetry.LoggerWithCorr(ctx)
	if discord.IsPermissionDenied(err) {
		telemetry.TargetsDisabled.Inc()
		log.Warn("permission lost, removing target",
			slog.String("discord_channel", t.DiscordChannelID),
			slog.String("feature", feature),
			slog.Any("err", err))
		if derr := d.Settings.DisableFeature(ctx, t.DiscordChannelID, feature); derr != nil {
			log.Error("failed to disable feature", slog.Any("err", derr))
		}
		if derr := d.Store.DeleteTarget(ctx, t.ID); derr != nil {
			log.Error("failed to delete target", slog.Any("err", derr))
		}
		d.notifyOwner(ctx, t, feature)
		return
	}
	telemetry.NotificationsFailed.WithLabelValues(string(ch.Site)).Inc()
	log.Error("notification delivery failed",
		slog.String("discord_channel", t.DiscordChannelID),
		slog.Any("err", err))
}

// notifyOwner sends a one-off DM to the guild owner explaining the removal.
// Best effort; DM-closed owners are skipped silently.
func (d *Dispatcher) notifyOwner(ctx context.Context, t *Target, feature string) {
	if t.DiscordGuildID == "" {
		return
	}
	ownerID, err := d.Messenger.GuildOwner(ctx, t.DiscordGuildID)
	if err != nil {
		return
	}
	dmChannel, err := d.Messenger.CreateDM(ctx, ownerID)
	if err != nil {
		return
	}
	_, _ = d.Messenger.CreateMessage(ctx, dmChannel, discord.MessagePayload{
		Content: fmt.Sprintf("I lost permission to post in <#%s>, so %q notifications there were disabled and the subscription removed. Re-add the tracker once permissions are fixed.", t.DiscordChannelID, feature),
	})
}

// featureForSite maps a tracked site to the settings toggle guarding it.
func featureForSite(site Site) string {
	switch site {
	case SiteTwitter:
		return guildcfg.FeatureTwitter
	case SiteMediaList:
		return guildcfg.FeatureMedia
	default:
		return guildcfg.FeatureStreams
	}
}

// DeliverStream routes one stream transition to all targets.
func (d *Dispatcher) DeliverStream(ctx context.Context, ch *TrackedChannel, targets []Target, tr Transition, sess *Session) {
	switch tr.Kind {
	case KindLiveStart:
		d.deliverLiveStart(ctx, ch, targets, tr.Stream, sess)
	case KindLiveEnd:
		d.deliverLiveEnd(ctx, ch, targets, tr.Stream, sess)
	case KindProgressUpdate:
		d.refreshLiveMessages(ctx, ch, tr.Stream, sess)
	case KindUpcoming:
		d.deliverUpcoming(ctx, ch, targets, tr.Stream)
	case KindUpload:
		d.deliverVideoNotice(ctx, ch, targets, tr.Stream, KindUpload)
	case KindSessionCreated:
		d.deliverVideoNotice(ctx, ch, targets, tr.Stream, KindSessionCreated)
	}
}

func (d *Dispatcher) deliverLiveStart(ctx context.Context, ch *TrackedChannel, targets []Target, st *StreamState, sess *Session) {
	now := d.now()
	contentKey := sess.ContentKey()
	mentionable := MentionableLiveStart(st.StartedAt, now)
	for i := range targets {
		t := &targets[i]
		cfg, err := d.Settings.Get(ctx, t.DiscordChannelID)
		if err != nil || !cfg.Streams {
			continue
		}
		exists, err := d.Store.NotificationExists(ctx, contentKey, t.ID, KindLiveStart)
		if err != nil || exists {
			continue
		}
		payload := discord.MessagePayload{Embeds: []discord.Embed{liveEmbed(ch, st, cfg)}}
		if mentionable && t.DiscordGuildID != "" {
			role, _ := d.Store.MentionRoleFor(ctx, ch.ID, t.DiscordGuildID)
			if ok, _ := d.Store.MentionIfReady(ctx, role, d.cooldown(), now); ok {
				payload.Content = fmt.Sprintf("<@&%s>", role.RoleID)
			}
		}
		msg, err := d.Messenger.CreateMessage(ctx, t.DiscordChannelID, payload)
		if err != nil {
			d.handleDeliveryError(ctx, ch, t, guildcfg.FeatureStreams, err)
			continue
		}
		telemetry.NotificationsSent.WithLabelValues(string(ch.Site)).Inc()
		if err := d.Store.RecordNotification(ctx, &Notification{
			ContentKey: contentKey, TargetID: t.ID, Kind: KindLiveStart,
			MessageChannelID: msg.ChannelID, MessageID: msg.ID,
		}); err != nil {
			telemetry.LoggerWithCorr(ctx).Error("failed to record notification", slog.Any("err", err))
		}
		d.applyLiveMark(ctx, t, cfg, true)
	}
}

// deliverLiveEnd rewrites or retracts every live notification. st may be nil
// when the VOD went private/deleted; the summary then renders from the
// session's cached title and thumbnail. Notification records are removed in
// every branch so a stuck edit cannot wedge the session teardown.
func (d *Dispatcher) deliverLiveEnd(ctx context.Context, ch *TrackedChannel, targets []Target, st *StreamState, sess *Session) {
	contentKey := sess.ContentKey()
	byTarget := make(map[int64]*Target, len(targets))
	for i := range targets {
		byTarget[targets[i].ID] = &targets[i]
	}
	notices, err := d.Store.ListNotifications(ctx, contentKey, KindLiveStart)
	if err != nil {
		telemetry.LoggerWithCorr(ctx).Error("failed to list live notifications", slog.Any("err", err))
		return
	}
	for i := range notices {
		n := &notices[i]
		t := byTarget[n.TargetID]
		cfg := guildcfg.Defaults()
		if t != nil {
			if c, err := d.Settings.Get(ctx, t.DiscordChannelID); err == nil {
				cfg = c
			}
		}
		if cfg.Summaries && n.MessageID != "" {
			payload := discord.MessagePayload{Embeds: []discord.Embed{summaryEmbed(ch, st, sess)}}
			if _, err := d.Messenger.EditMessage(ctx, n.MessageChannelID, n.MessageID, payload); err != nil && t != nil && !discord.IsNotFound(err) {
				d.handleDeliveryError(ctx, ch, t, guildcfg.FeatureStreams, err)
			}
		} else if n.MessageID != "" {
			if err := d.Messenger.DeleteMessage(ctx, n.MessageChannelID, n.MessageID); err != nil && t != nil && !discord.IsNotFound(err) {
				d.handleDeliveryError(ctx, ch, t, guildcfg.FeatureStreams, err)
			}
		}
		if err := d.Store.DeleteNotification(ctx, n.ID); err != nil {
			telemetry.LoggerWithCorr(ctx).Error("failed to delete notification record", slog.Any("err", err))
		}
		if t != nil {
			d.applyLiveMark(ctx, t, cfg, false)
		}
	}
}

// refreshLiveMessages re-renders existing live embeds with the current title
// and viewer count for channels that opted into viewer counts.
func (d *Dispatcher) refreshLiveMessages(ctx context.Context, ch *TrackedChannel, st *StreamState, sess *Session) {
	notices, err := d.Store.ListNotifications(ctx, sess.ContentKey(), KindLiveStart)
	if err != nil {
		return
	}
	for i := range notices {
		n := &notices[i]
		if n.MessageID == "" {
			continue
		}
		cfg, err := d.Settings.Get(ctx, n.MessageChannelID)
		if err != nil || !cfg.ViewerCounts {
			continue
		}
		payload := discord.MessagePayload{Embeds: []discord.Embed{liveEmbed(ch, st, cfg)}}
		_, _ = d.Messenger.EditMessage(ctx, n.MessageChannelID, n.MessageID, payload)
	}
}

// deliverUpcoming posts scheduled-stream notices to targets whose notice
// window covers the scheduled start. The dedup marker is written before the
// send: a crash between the two loses the notice rather than duplicating it.
func (d *Dispatcher) deliverUpcoming(ctx context.Context, ch *TrackedChannel, targets []Target, st *StreamState) {
	now := d.now()
	contentKey := "upcoming-" + st.VideoID
	for i := range targets {
		t := &targets[i]
		cfg, err := d.Settings.Get(ctx, t.DiscordChannelID)
		if err != nil || !cfg.Streams {
			continue
		}
		if !UpcomingDue(st.ScheduledStart, now, cfg.UpcomingWindow()) {
			continue
		}
		exists, err := d.Store.NotificationExists(ctx, contentKey, t.ID, KindUpcoming)
		if err != nil || exists {
			continue
		}
		if err := d.Store.RecordNotification(ctx, &Notification{
			ContentKey: contentKey, TargetID: t.ID, Kind: KindUpcoming,
		}); err != nil {
			continue
		}
		payload := discord.MessagePayload{Embeds: []discord.Embed{upcomingEmbed(ch, st)}}
		if _, err := d.Messenger.CreateMessage(ctx, t.DiscordChannelID, payload); err != nil {
			d.handleDeliveryError(ctx, ch, t, guildcfg.FeatureStreams, err)
			continue
		}
		telemetry.NotificationsSent.WithLabelValues(string(ch.Site)).Inc()
	}
}

// deliverVideoNotice handles UPLOAD and SESSION_CREATED posts.
func (d *Dispatcher) deliverVideoNotice(ctx context.Context, ch *TrackedChannel, targets []Target, st *StreamState, kind TransitionKind) {
	contentKey := st.VideoID
	for i := range targets {
		t := &targets[i]
		cfg, err := d.Settings.Get(ctx, t.DiscordChannelID)
		if err != nil || !cfg.Streams {
			continue
		}
		if kind == KindUpload && !cfg.Uploads {
			continue
		}
		if kind == KindSessionCreated && !cfg.StreamCreation {
			continue
		}
		exists, err := d.Store.NotificationExists(ctx, contentKey, t.ID, kind)
		if err != nil || exists {
			continue
		}
		payload := discord.MessagePayload{Embeds: []discord.Embed{videoEmbed(ch, st, kind, cfg)}}
		msg, err := d.Messenger.CreateMessage(ctx, t.DiscordChannelID, payload)
		if err != nil {
			d.handleDeliveryError(ctx, ch, t, guildcfg.FeatureStreams, err)
			continue
		}
		telemetry.NotificationsSent.WithLabelValues(string(ch.Site)).Inc()
		_ = d.Store.RecordNotification(ctx, &Notification{
			ContentKey: contentKey, TargetID: t.ID, Kind: kind,
			MessageChannelID: msg.ChannelID, MessageID: msg.ID,
		})
	}
}

// DeliverFeed routes NEW_ENTRY feed transitions (tweets) to all targets.
func (d *Dispatcher) DeliverFeed(ctx context.Context, ch *TrackedChannel, targets []Target, transitions []Transition) {
	for i := range targets {
		t := &targets[i]
		cfg, err := d.Settings.Get(ctx, t.DiscordChannelID)
		if err != nil || !cfg.Twitter {
			continue
		}
		for _, tr := range transitions {
			it := tr.Item
			if it == nil {
				continue
			}
			if (it.Retweet && !cfg.DisplayRetweet) ||
				(it.Quote && !cfg.DisplayQuote) ||
				(it.Reply && !cfg.DisplayReply) {
				continue
			}
			contentKey := fmt.Sprintf("tweet-%d", it.ID)
			exists, err := d.Store.NotificationExists(ctx, contentKey, t.ID, KindNewEntry)
			if err != nil || exists {
				continue
			}
			payload := discord.MessagePayload{Content: feedContent(ch, it)}
			msg, err := d.Messenger.CreateMessage(ctx, t.DiscordChannelID, payload)
			if err != nil {
				d.handleDeliveryError(ctx, ch, t, guildcfg.FeatureTwitter, err)
				break // target gone or failing, stop this target's batch
			}
			telemetry.NotificationsSent.WithLabelValues(string(ch.Site)).Inc()
			_ = d.Store.RecordNotification(ctx, &Notification{
				ContentKey: contentKey, TargetID: t.ID, Kind: KindNewEntry,
				MessageChannelID: msg.ChannelID, MessageID: msg.ID,
			})
		}
	}
}

// DeliverList routes media-list transitions to all targets.
func (d *Dispatcher) DeliverList(ctx context.Context, ch *TrackedChannel, targets []Target, transitions []Transition) {
	for i := range targets {
		t := &targets[i]
		cfg, err := d.Settings.Get(ctx, t.DiscordChannelID)
		if err != nil || !cfg.Media {
			continue
		}
		for _, tr := range transitions {
			if tr.Entry == nil {
				continue
			}
			switch tr.Kind {
			case KindNewEntry:
				if !cfg.MediaNewItem {
					continue
				}
			case KindStatusChange:
				if !cfg.MediaStatusChange {
					continue
				}
			case KindProgressUpdate:
				if !cfg.MediaProgress {
					continue
				}
			}
			contentKey := fmt.Sprintf("media-%d-%s-%d", tr.Entry.MediaID, tr.Entry.Status, tr.Entry.Progress)
			exists, err := d.Store.NotificationExists(ctx, contentKey, t.ID, tr.Kind)
			if err != nil || exists {
				continue
			}
			payload := discord.MessagePayload{Embeds: []discord.Embed{listEmbed(ch, tr)}}
			msg, err := d.Messenger.CreateMessage(ctx, t.DiscordChannelID, payload)
			if err != nil {
				d.handleDeliveryError(ctx, ch, t, guildcfg.FeatureMedia, err)
				break
			}
			telemetry.NotificationsSent.WithLabelValues(string(ch.Site)).Inc()
			_ = d.Store.RecordNotification(ctx, &Notification{
				ContentKey: contentKey, TargetID: t.ID, Kind: tr.Kind,
				MessageChannelID: msg.ChannelID, MessageID: msg.ID,
			})
		}
	}
}

// ConfigureLiveRename stores the live-mark settings for a Discord channel and
// applies the base name right away, best effort. The live marker itself is
// re-applied by the next delivery for the channel.
func (d *Dispatcher) ConfigureLiveRename(ctx context.Context, discordChannelID, guildID, baseName, mark string, enabled bool) error {
	cfg, err := d.Settings.Get(ctx, discordChannelID)
	if err != nil {
		return err
	}
	cfg.RenameOnLive = enabled
	cfg.BaseName = baseName
	cfg.LiveMark = mark
	if err := d.Settings.Put(ctx, discordChannelID, guildID, cfg); err != nil {
		return err
	}
	if enabled && baseName != "" {
		if err := d.Messenger.ModifyChannelName(ctx, discordChannelID, baseName); err != nil {
			telemetry.LoggerWithCorr(ctx).Warn("channel rename failed",
				slog.String("discord_channel", discordChannelID), slog.Any("err", err))
		}
	}
	return nil
}

// applyLiveMark renames the Discord channel with the configured live marker.
func (d *Dispatcher) applyLiveMark(ctx context.Context, t *Target, cfg *guildcfg.FeatureSettings, live bool) {
	if !cfg.RenameOnLive || cfg.BaseName == "" {
		return
	}
	mark := cfg.LiveMark
	if mark == "" {
		mark = "🔴"
	}
	name := cfg.BaseName
	if live {
		name = mark + cfg.BaseName
	}
	if err := d.Messenger.ModifyChannelName(ctx, t.DiscordChannelID, name); err != nil {
		telemetry.LoggerWithCorr(ctx).Warn("channel rename failed",
			slog.String("discord_channel", t.DiscordChannelID), slog.Any("err", err))
	}
}

// Embed builders --------------------------------------------------------------

func abbreviate(s string, max int) string {
	if len(s) <= max {
		return s
	}
	if max <= 3 {
		return s[:max]
	}
	return strings.TrimSpace(s[:max-3]) + "..."
}

func liveEmbed(ch *TrackedChannel, st *StreamState, cfg *guildcfg.FeatureSettings) discord.Embed {
	e := discord.Embed{
		Color: colorLive,
		URL:   st.URL,
		Title: abbreviate(st.Title, 256),
		Author: &discord.EmbedAuthor{
			Name:    fmt.Sprintf("%s went live!", displayName(ch, st)),
			URL:     st.ChannelURL,
			IconURL: st.ChannelAvatar,
		},
	}
	if !st.StartedAt.IsZero() {
		e.Timestamp = st.StartedAt.UTC().Format(time.RFC3339)
	}
	if cfg.Thumbnails && st.Thumbnail != "" {
		e.Image = &discord.EmbedMedia{URL: st.Thumbnail}
	}
	if cfg.ViewerCounts && st.Viewers > 0 {
		e.Footer = &discord.EmbedFooter{Text: fmt.Sprintf("%d viewers", st.Viewers)}
	}
	return e
}

// summaryEmbed renders the post-stream summary. st is nil when the VOD is
// gone; cached session fields stand in for the title and thumbnail.
func summaryEmbed(ch *TrackedChannel, st *StreamState, sess *Session) discord.Embed {
	title := sess.LastTitle
	thumb := sess.LastThumbnail
	url := ""
	if st != nil {
		if st.Title != "" {
			title = st.Title
		}
		if st.Thumbnail != "" {
			thumb = st.Thumbnail
		}
		url = st.URL
	}
	e := discord.Embed{
		Color: colorInactive,
		URL:   url,
		Title: abbreviate(title, 256),
		Author: &discord.EmbedAuthor{
			Name: fmt.Sprintf("%s was live.", channelName(ch)),
		},
	}
	if thumb != "" {
		e.Thumbnail = &discord.EmbedMedia{URL: thumb}
	}
	var parts []string
	if !sess.StartedAt.IsZero() {
		parts = append(parts, fmt.Sprintf("Streamed for %s.", time.Since(sess.StartedAt).Round(time.Minute)))
	}
	if sess.UptimeTicks > 0 {
		parts = append(parts, fmt.Sprintf("Peak viewers: %d. Average viewers: %d.", sess.PeakViewers, sess.AverageViewers))
	}
	e.Description = strings.Join(parts, "\n")
	return e
}

func upcomingEmbed(ch *TrackedChannel, st *StreamState) discord.Embed {
	e := discord.Embed{
		Color: colorScheduled,
		URL:   st.URL,
		Title: abbreviate(st.Title, 256),
		Author: &discord.EmbedAuthor{
			Name:    fmt.Sprintf("%s has a stream scheduled", displayName(ch, st)),
			URL:     st.ChannelURL,
			IconURL: st.ChannelAvatar,
		},
	}
	if !st.ScheduledStart.IsZero() {
		e.Timestamp = st.ScheduledStart.UTC().Format(time.RFC3339)
		e.Description = fmt.Sprintf("Starts <t:%d:R>", st.ScheduledStart.Unix())
	}
	return e
}

func videoEmbed(ch *TrackedChannel, st *StreamState, kind TransitionKind, cfg *guildcfg.FeatureSettings) discord.Embed {
	color := colorUpload
	verb := "uploaded a video"
	if kind == KindSessionCreated {
		color = colorCreation
		verb = "scheduled a stream"
	} else if st.Premiere {
		verb = "scheduled a premiere"
	}
	e := discord.Embed{
		Color: color,
		URL:   st.URL,
		Title: abbreviate(st.Title, 256),
		Author: &discord.EmbedAuthor{
			Name:    fmt.Sprintf("%s %s", displayName(ch, st), verb),
			URL:     st.ChannelURL,
			IconURL: st.ChannelAvatar,
		},
	}
	if cfg.Thumbnails && st.Thumbnail != "" {
		e.Image = &discord.EmbedMedia{URL: st.Thumbnail}
	}
	if kind == KindSessionCreated && !st.ScheduledStart.IsZero() {
		e.Description = fmt.Sprintf("Scheduled for <t:%d:f>", st.ScheduledStart.Unix())
	}
	return e
}

func listEmbed(ch *TrackedChannel, tr Transition) discord.Embed {
	entry := tr.Entry
	var desc string
	switch tr.Kind {
	case KindNewEntry:
		desc = fmt.Sprintf("Added **%s** (%s)", entry.Title, statusLabel(entry.Status))
	case KindStatusChange:
		desc = fmt.Sprintf("**%s**: %s → %s", entry.Title, statusLabel(tr.PrevEntry.Status), statusLabel(entry.Status))
	case KindProgressUpdate:
		progress := entry.Progress
		if progress < 0 {
			progress = 0
		}
		if tr.ProgressDelta < 0 {
			desc = fmt.Sprintf("**%s**: progress corrected to %d", entry.Title, progress)
		} else {
			desc = fmt.Sprintf("**%s**: progress %d (+%d)", entry.Title, progress, tr.ProgressDelta)
		}
		if entry.Score > 0 {
			desc += fmt.Sprintf(", scored %d", entry.Score)
		}
	}
	e := discord.Embed{
		Color:       colorScheduled,
		URL:         entry.URL,
		Description: desc,
		Author:      &discord.EmbedAuthor{Name: channelName(ch)},
	}
	if entry.Thumbnail != "" {
		e.Thumbnail = &discord.EmbedMedia{URL: entry.Thumbnail}
	}
	return e
}

func feedContent(ch *TrackedChannel, it *FeedItem) string {
	label := it.AuthorName
	if label == "" {
		label = channelName(ch)
	}
	switch {
	case it.Retweet:
		return fmt.Sprintf("**%s** retweeted:\n%s", label, it.URL)
	case it.Quote:
		return fmt.Sprintf("**%s** quoted a tweet:\n%s", label, it.URL)
	case it.Reply:
		return fmt.Sprintf("**%s** replied:\n%s", label, it.URL)
	default:
		return fmt.Sprintf("**%s** tweeted:\n%s", label, it.URL)
	}
}

func displayName(ch *TrackedChannel, st *StreamState) string {
	if st != nil && st.ChannelName != "" {
		return st.ChannelName
	}
	return channelName(ch)
}

func channelName(ch *TrackedChannel) string {
	if ch.LastKnownName != "" {
		return ch.LastKnownName
	}
	return ch.SiteChannelID
}

func statusLabel(s ConsumptionStatus) string {
	switch s {
	case StatusCompleted:
		return "Completed"
	case StatusDropped:
		return "Dropped"
	case StatusHold:
		return "On Hold"
	case StatusPlanToWatch:
		return "Plan to Watch"
	case StatusInProgress:
		return "Watching"
	default:
		return string(s)
	}
}
