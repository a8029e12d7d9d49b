package tracker

import (
	"context"
	"encoding/json"
	"errors"
	"log/slog"
	"time"

	"github.com/google/uuid"

	"github.com/hoshizora-dev/kitsune/db"
	"github.com/hoshizora-dev/kitsune/telemetry"
)

// Platform client interfaces. Concrete implementations live in the per-site
// API packages; the watchers only see these.

// StreamClient fetches the current live state of one channel.
// A nil state with nil error means the channel is offline.
type StreamClient interface {
	StreamState(ctx context.Context, channelID string) (*StreamState, error)
}

// VideoClient fetches a channel's recent uploads and per-video details.
type VideoClient interface {
	RecentUploads(ctx context.Context, channelID string, max int64) ([]StreamState, error)
	VideoDetails(ctx context.Context, videoIDs []string) ([]StreamState, error)
}

// FeedClient fetches new feed items past a cursor. A stale cursor returns
// *StaleCursorError; platform throttling returns *RateLimitedError.
type FeedClient interface {
	RecentItems(ctx context.Context, userID string, sinceID int64) ([]FeedItem, error)
}

// ListClient fetches the full current state of a user's media list.
type ListClient interface {
	Entries(ctx context.Context, userID string) ([]ListEntry, error)
}

// CooldownSpec spaces API calls within and between ticks.
type CooldownSpec struct {
	CallDelay     time.Duration // sleep between entities inside one tick
	MinimumRepeat time.Duration // minimum interval between tick starts
}

// maxRateLimitSleep caps the honored mid-tick backoff so a bogus header
// cannot park a watcher for hours.
const maxRateLimitSleep = 5 * time.Minute

func sleepCtx(ctx context.Context, d time.Duration) bool {
	if d <= 0 {
		return true
	}
	select {
	case <-ctx.Done():
		return false
	case <-time.After(d):
		return true
	}
}

// runLoop drives one watcher: tick, then sleep out the remainder of
// MinimumRepeat. Each tick gets a fresh correlation id and a trace span.
func runLoop(ctx context.Context, site Site, cooldown CooldownSpec, tick func(ctx context.Context)) {
	slog.Info("watcher starting", slog.String("site", string(site)),
		slog.Duration("repeat", cooldown.MinimumRepeat))
	for {
		start := time.Now()
		tctx := telemetry.WithCorrelation(ctx, uuid.NewString())
		tctx, span := telemetry.Tracer().Start(tctx, string(site)+".tick")
		tick(tctx)
		span.End()
		elapsed := time.Since(start)
		telemetry.TickDuration.WithLabelValues(string(site)).Observe(elapsed.Seconds())
		if !sleepCtx(ctx, cooldown.MinimumRepeat-elapsed) {
			slog.Info("watcher stopping", slog.String("site", string(site)))
			return
		}
	}
}

// snapshot loads the tick's working set and untracks channels that lost
// their last target. The heartbeat key lets the readiness probe detect a
// wedged watcher.
func snapshot(ctx context.Context, store *Store, site Site) ([]TrackedChannel, map[int64][]Target) {
	db.SetKV(ctx, store.DB, "watcher_heartbeat_"+string(site), time.Now().UTC().Format(time.RFC3339))
	channels, err := store.ListChannels(ctx, site)
	if err != nil {
		telemetry.LoggerWithCorr(ctx).Error("failed to list tracked channels",
			slog.String("site", string(site)), slog.Any("err", err))
		return nil, nil
	}
	telemetry.SetTrackedChannels(string(site), len(channels))
	active := channels[:0]
	targets := make(map[int64][]Target, len(channels))
	for _, ch := range channels {
		ts, err := store.ListTargets(ctx, ch.ID)
		if err != nil {
			telemetry.LoggerWithCorr(ctx).Error("failed to list targets", slog.Any("err", err))
			continue
		}
		if len(ts) == 0 {
			// Nobody subscribed anymore; stop polling this channel.
			if err := store.DeleteChannel(ctx, ch.ID); err != nil {
				telemetry.LoggerWithCorr(ctx).Error("failed to untrack empty channel", slog.Any("err", err))
			}
			continue
		}
		active = append(active, ch)
		targets[ch.ID] = ts
	}
	return active, targets
}

// retireChannel tears down a channel whose upstream entity no longer exists.
// Any live sessions end with their cached fields, then the channel row is
// removed, cascading targets, cursors, and remaining state.
func retireChannel(ctx context.Context, store *Store, d *Dispatcher, ch *TrackedChannel, targets []Target) {
	log := telemetry.LoggerWithCorr(ctx)
	sessions, err := store.ListSessions(ctx, ch.ID)
	if err != nil {
		log.Error("failed to list sessions", slog.Any("err", err))
	}
	for i := range sessions {
		sess := &sessions[i]
		telemetry.TransitionsTotal.WithLabelValues(string(ch.Site), string(KindLiveEnd)).Inc()
		d.DeliverStream(ctx, ch, targets, Transition{Kind: KindLiveEnd}, sess)
		if err := store.DeleteSession(ctx, sess.ID); err != nil {
			log.Error("failed to delete session", slog.Any("err", err))
		}
	}
	log.Warn("entity deleted upstream, untracking",
		slog.String("site", string(ch.Site)), slog.String("channel", ch.SiteChannelID))
	if err := store.DeleteChannel(ctx, ch.ID); err != nil {
		log.Error("failed to untrack deleted channel", slog.Any("err", err))
	}
}

// StreamWatcher polls live status for channels on a stream platform (Twitch).
type StreamWatcher struct {
	Store      *Store
	Client     StreamClient
	Dispatcher *Dispatcher
	Cooldown   CooldownSpec
}

// Run blocks until ctx is canceled.
func (w *StreamWatcher) Run(ctx context.Context) {
	runLoop(ctx, SiteTwitch, w.Cooldown, w.tick)
}

func (w *StreamWatcher) tick(ctx context.Context) {
	log := telemetry.LoggerWithCorr(ctx)
	channels, targets := snapshot(ctx, w.Store, SiteTwitch)
	for i := range channels {
		ch := &channels[i]
		if i > 0 && !sleepCtx(ctx, w.Cooldown.CallDelay) {
			return
		}
		telemetry.PollsTotal.WithLabelValues(string(SiteTwitch)).Inc()
		st, err := w.Client.StreamState(ctx, ch.SiteChannelID)
		if reset, ok := IsRateLimited(err); ok {
			// Suspend mid-tick until the platform window resets, then retry
			// this channel once before giving up on it for the tick.
			telemetry.RateLimitSleeps.WithLabelValues(string(SiteTwitch)).Inc()
			if reset > maxRateLimitSleep {
				reset = maxRateLimitSleep
			}
			if !sleepCtx(ctx, reset) {
				return
			}
			st, err = w.Client.StreamState(ctx, ch.SiteChannelID)
		}
		if errors.Is(err, ErrNotFound) {
			retireChannel(ctx, w.Store, w.Dispatcher, ch, targets[ch.ID])
			continue
		}
		if err != nil {
			telemetry.PollErrors.WithLabelValues(string(SiteTwitch)).Inc()
			log.Warn("stream poll failed", slog.String("channel", ch.SiteChannelID), slog.Any("err", err))
			continue
		}
		w.apply(ctx, ch, targets[ch.ID], st)
	}
}

func (w *StreamWatcher) apply(ctx context.Context, ch *TrackedChannel, targets []Target, st *StreamState) {
	log := telemetry.LoggerWithCorr(ctx)
	if st != nil && st.ChannelName != "" && st.ChannelName != ch.LastKnownName {
		w.Store.SetChannelName(ctx, ch.ID, st.ChannelName)
		ch.LastKnownName = st.ChannelName
	}
	sess, err := w.Store.ActiveSession(ctx, ch.ID)
	if err != nil {
		log.Error("failed to load session", slog.Any("err", err))
		return
	}
	for _, tr := range ReconcileStream(sess, st, time.Now()) {
		telemetry.TransitionsTotal.WithLabelValues(string(SiteTwitch), string(tr.Kind)).Inc()
		switch tr.Kind {
		case KindLiveStart:
			sess = &Session{
				TrackedChannelID: ch.ID,
				StartedAt:        st.StartedAt,
				LastTitle:        st.Title,
				LastThumbnail:    st.Thumbnail,
			}
			if sess.StartedAt.IsZero() {
				sess.StartedAt = time.Now()
			}
			sess.UpdateViewers(st.Viewers)
			if err := w.Store.CreateSession(ctx, sess); err != nil {
				log.Error("failed to create session", slog.Any("err", err))
				continue
			}
			log.Info("live start", slog.String("channel", ch.SiteChannelID))
			w.Dispatcher.DeliverStream(ctx, ch, targets, tr, sess)
		case KindProgressUpdate:
			sess.UpdateViewers(st.Viewers)
			if st.Title != "" {
				sess.LastTitle = st.Title
			}
			if st.Thumbnail != "" {
				sess.LastThumbnail = st.Thumbnail
			}
			if err := w.Store.SaveSessionStats(ctx, sess); err != nil {
				log.Error("failed to save session stats", slog.Any("err", err))
			}
			w.Dispatcher.DeliverStream(ctx, ch, targets, tr, sess)
		case KindLiveEnd:
			log.Info("live end", slog.String("channel", ch.SiteChannelID),
				slog.Int("peak", sess.PeakViewers), slog.Int("average", sess.AverageViewers))
			w.Dispatcher.DeliverStream(ctx, ch, targets, tr, sess)
			if err := w.Store.DeleteSession(ctx, sess.ID); err != nil {
				log.Error("failed to delete session", slog.Any("err", err))
			}
		}
	}
}

// VideoWatcher polls channels on a video platform (YouTube): new uploads and
// scheduled streams via the uploads feed, then lifecycle changes for every
// stored video still pending.
type VideoWatcher struct {
	Store      *Store
	Client     VideoClient
	Dispatcher *Dispatcher
	Cooldown   CooldownSpec
	FeedSize   int64 // uploads fetched per channel per tick
}

// Run blocks until ctx is canceled.
func (w *VideoWatcher) Run(ctx context.Context) {
	runLoop(ctx, SiteYoutube, w.Cooldown, w.tick)
}

func (w *VideoWatcher) feedSize() int64 {
	if w.FeedSize > 0 {
		return w.FeedSize
	}
	return 15
}

// maxDetailsPerCall is the id cap the Data API enforces per videos.list call.
const maxDetailsPerCall = 50

// videoDetails fetches details for any number of ids in API-sized batches.
func (w *VideoWatcher) videoDetails(ctx context.Context, ids []string) ([]StreamState, error) {
	var out []StreamState
	for start := 0; start < len(ids); start += maxDetailsPerCall {
		end := start + maxDetailsPerCall
		if end > len(ids) {
			end = len(ids)
		}
		batch, err := w.Client.VideoDetails(ctx, ids[start:end])
		if err != nil {
			return nil, err
		}
		out = append(out, batch...)
	}
	return out, nil
}

func (w *VideoWatcher) tick(ctx context.Context) {
	log := telemetry.LoggerWithCorr(ctx)
	channels, targets := snapshot(ctx, w.Store, SiteYoutube)
	for i := range channels {
		ch := &channels[i]
		if i > 0 && !sleepCtx(ctx, w.Cooldown.CallDelay) {
			return
		}
		telemetry.PollsTotal.WithLabelValues(string(SiteYoutube)).Inc()
		uploads, err := w.Client.RecentUploads(ctx, ch.SiteChannelID, w.feedSize())
		if reset, ok := IsRateLimited(err); ok {
			// Quota exhaustion applies to the whole API key; end the tick.
			telemetry.RateLimitSleeps.WithLabelValues(string(SiteYoutube)).Inc()
			log.Warn("video quota exhausted, ending tick", slog.Duration("reset", reset))
			return
		}
		if errors.Is(err, ErrNotFound) {
			retireChannel(ctx, w.Store, w.Dispatcher, ch, targets[ch.ID])
			continue
		}
		if err != nil {
			telemetry.PollErrors.WithLabelValues(string(SiteYoutube)).Inc()
			log.Warn("uploads poll failed", slog.String("channel", ch.SiteChannelID), slog.Any("err", err))
			continue
		}
		w.discover(ctx, ch, targets[ch.ID], uploads)
		w.checkPending(ctx, ch, targets[ch.ID])
	}
}

// discover classifies videos newly seen in the uploads feed.
func (w *VideoWatcher) discover(ctx context.Context, ch *TrackedChannel, targets []Target, uploads []StreamState) {
	log := telemetry.LoggerWithCorr(ctx)
	now := time.Now()
	var unseen []string
	for _, u := range uploads {
		rec, err := w.Store.GetVideo(ctx, u.VideoID)
		if err != nil {
			log.Error("failed to load video", slog.Any("err", err))
			continue
		}
		if rec == nil {
			unseen = append(unseen, u.VideoID)
		}
	}
	if len(unseen) == 0 {
		return
	}
	details, err := w.videoDetails(ctx, unseen)
	if err != nil {
		telemetry.PollErrors.WithLabelValues(string(SiteYoutube)).Inc()
		log.Warn("video details failed", slog.Any("err", err))
		return
	}
	if ch.LastKnownName == "" {
		for _, st := range details {
			if st.ChannelName != "" {
				w.Store.SetChannelName(ctx, ch.ID, st.ChannelName)
				ch.LastKnownName = st.ChannelName
				break
			}
		}
	}
	for i := range details {
		st := &details[i]
		rec := &VideoRecord{
			VideoID:          st.VideoID,
			TrackedChannelID: ch.ID,
			LastTitle:        st.Title,
			LastThumbnail:    st.Thumbnail,
			ScheduledStart:   st.ScheduledStart,
			PublishedAt:      st.PublishedAt,
			Lifecycle:        lifecycleOf(st),
		}
		if err := w.Store.UpsertVideo(ctx, rec); err != nil {
			log.Error("failed to store video", slog.Any("err", err))
			continue
		}
		switch rec.Lifecycle {
		case LifecycleUpcoming:
			telemetry.TransitionsTotal.WithLabelValues(string(SiteYoutube), string(KindSessionCreated)).Inc()
			w.Dispatcher.DeliverStream(ctx, ch, targets, Transition{Kind: KindSessionCreated, Stream: st}, nil)
			if err := w.Store.MarkCreationNotified(ctx, rec.VideoID); err != nil {
				log.Error("failed to mark creation notified", slog.Any("err", err))
			}
		case LifecycleLive:
			w.liveStart(ctx, ch, targets, st)
		case LifecycleVideo:
			if ShouldNotifyUpload(st.PublishedAt, now) {
				telemetry.TransitionsTotal.WithLabelValues(string(SiteYoutube), string(KindUpload)).Inc()
				w.Dispatcher.DeliverStream(ctx, ch, targets, Transition{Kind: KindUpload, Stream: st}, nil)
			}
		}
	}
}

// checkPending advances stored upcoming/live videos through their lifecycle.
func (w *VideoWatcher) checkPending(ctx context.Context, ch *TrackedChannel, targets []Target) {
	log := telemetry.LoggerWithCorr(ctx)
	pending, err := w.Store.ListPendingVideos(ctx, ch.ID)
	if err != nil {
		log.Error("failed to list pending videos", slog.Any("err", err))
		return
	}
	if len(pending) == 0 {
		return
	}
	ids := make([]string, len(pending))
	byID := make(map[string]*VideoRecord, len(pending))
	for i := range pending {
		ids[i] = pending[i].VideoID
		byID[pending[i].VideoID] = &pending[i]
	}
	details, err := w.videoDetails(ctx, ids)
	if err != nil {
		telemetry.PollErrors.WithLabelValues(string(SiteYoutube)).Inc()
		log.Warn("pending video details failed", slog.Any("err", err))
		return
	}
	seen := make(map[string]bool, len(details))
	for i := range details {
		st := &details[i]
		seen[st.VideoID] = true
		rec := byID[st.VideoID]
		next := lifecycleOf(st)
		switch {
		case rec.Lifecycle == LifecycleUpcoming && next == LifecycleUpcoming:
			telemetry.TransitionsTotal.WithLabelValues(string(SiteYoutube), string(KindUpcoming)).Inc()
			w.Dispatcher.DeliverStream(ctx, ch, targets, Transition{Kind: KindUpcoming, Stream: st}, nil)
		case next == LifecycleLive:
			w.liveStart(ctx, ch, targets, st)
		case rec.Lifecycle == LifecycleLive && next == LifecycleVideo:
			w.liveEnd(ctx, ch, targets, st, st.VideoID)
		}
		rec.Lifecycle = next
		rec.LastTitle = st.Title
		rec.LastThumbnail = st.Thumbnail
		rec.ScheduledStart = st.ScheduledStart
		if err := w.Store.UpsertVideo(ctx, rec); err != nil {
			log.Error("failed to update video", slog.Any("err", err))
		}
	}
	// Videos missing from the details response were deleted or privated.
	for _, rec := range pending {
		if seen[rec.VideoID] {
			continue
		}
		if rec.Lifecycle == LifecycleLive {
			w.liveEnd(ctx, ch, targets, nil, rec.VideoID)
		}
		rec.Lifecycle = LifecycleGone
		if err := w.Store.UpsertVideo(ctx, &rec); err != nil {
			log.Error("failed to mark video gone", slog.Any("err", err))
		}
	}
}

func (w *VideoWatcher) liveStart(ctx context.Context, ch *TrackedChannel, targets []Target, st *StreamState) {
	log := telemetry.LoggerWithCorr(ctx)
	sess, err := w.Store.SessionForVideo(ctx, st.VideoID)
	if err != nil {
		log.Error("failed to load session", slog.Any("err", err))
		return
	}
	if sess != nil {
		// Already live; sample viewers and refresh the notifications.
		sess.UpdateViewers(st.Viewers)
		if st.Title != "" {
			sess.LastTitle = st.Title
		}
		if st.Thumbnail != "" {
			sess.LastThumbnail = st.Thumbnail
		}
		if err := w.Store.SaveSessionStats(ctx, sess); err != nil {
			log.Error("failed to save session stats", slog.Any("err", err))
		}
		telemetry.TransitionsTotal.WithLabelValues(string(SiteYoutube), string(KindProgressUpdate)).Inc()
		w.Dispatcher.DeliverStream(ctx, ch, targets, Transition{Kind: KindProgressUpdate, Stream: st}, sess)
		return
	}
	sess = &Session{
		TrackedChannelID: ch.ID,
		VideoID:          st.VideoID,
		StartedAt:        st.StartedAt,
		Premiere:         st.Premiere,
		LastTitle:        st.Title,
		LastThumbnail:    st.Thumbnail,
	}
	if sess.StartedAt.IsZero() {
		sess.StartedAt = time.Now()
	}
	sess.UpdateViewers(st.Viewers)
	if err := w.Store.CreateSession(ctx, sess); err != nil {
		log.Error("failed to create session", slog.Any("err", err))
		return
	}
	telemetry.TransitionsTotal.WithLabelValues(string(SiteYoutube), string(KindLiveStart)).Inc()
	log.Info("live start", slog.String("video", st.VideoID))
	w.Dispatcher.DeliverStream(ctx, ch, targets, Transition{Kind: KindLiveStart, Stream: st}, sess)
}

// liveEnd tears down the session bound to the ended or vanished video.
// st nil means the VOD is gone and the session's cached fields drive the
// summary; videoID always names the one video whose session ends.
func (w *VideoWatcher) liveEnd(ctx context.Context, ch *TrackedChannel, targets []Target, st *StreamState, videoID string) {
	log := telemetry.LoggerWithCorr(ctx)
	sessions, err := w.Store.ListSessions(ctx, ch.ID)
	if err != nil {
		log.Error("failed to list sessions", slog.Any("err", err))
		return
	}
	for i := range sessions {
		sess := &sessions[i]
		if sess.VideoID != videoID {
			continue
		}
		telemetry.TransitionsTotal.WithLabelValues(string(SiteYoutube), string(KindLiveEnd)).Inc()
		log.Info("live end", slog.String("video", sess.VideoID),
			slog.Int("peak", sess.PeakViewers), slog.Int("average", sess.AverageViewers))
		w.Dispatcher.DeliverStream(ctx, ch, targets, Transition{Kind: KindLiveEnd, Stream: st}, sess)
		if err := w.Store.DeleteSession(ctx, sess.ID); err != nil {
			log.Error("failed to delete session", slog.Any("err", err))
		}
		return
	}
}

func lifecycleOf(st *StreamState) VideoLifecycle {
	switch {
	case st.Live:
		return LifecycleLive
	case st.Upcoming:
		return LifecycleUpcoming
	default:
		return LifecycleVideo
	}
}

// FeedWatcher polls id-ordered feeds (Twitter-style timelines).
type FeedWatcher struct {
	Store      *Store
	Client     FeedClient
	Dispatcher *Dispatcher
	Cooldown   CooldownSpec
}

// Run blocks until ctx is canceled.
func (w *FeedWatcher) Run(ctx context.Context) {
	runLoop(ctx, SiteTwitter, w.Cooldown, w.tick)
}

func (w *FeedWatcher) tick(ctx context.Context) {
	log := telemetry.LoggerWithCorr(ctx)
	channels, targets := snapshot(ctx, w.Store, SiteTwitter)
	// Stale cursors are reset after the batch so one bad cursor cannot stall
	// the other feeds in this tick.
	pendingResets := map[int64]int64{}
	for i := range channels {
		ch := &channels[i]
		if i > 0 && !sleepCtx(ctx, w.Cooldown.CallDelay) {
			return
		}
		lastSeen, _, err := w.Store.GetCursor(ctx, ch.ID)
		if err != nil {
			log.Error("failed to load cursor", slog.Any("err", err))
			continue
		}
		telemetry.PollsTotal.WithLabelValues(string(SiteTwitter)).Inc()
		items, err := w.Client.RecentItems(ctx, ch.SiteChannelID, lastSeen)
		if reset, ok := IsRateLimited(err); ok {
			telemetry.RateLimitSleeps.WithLabelValues(string(SiteTwitter)).Inc()
			if reset > maxRateLimitSleep {
				reset = maxRateLimitSleep
			}
			if !sleepCtx(ctx, reset) {
				return
			}
			items, err = w.Client.RecentItems(ctx, ch.SiteChannelID, lastSeen)
		}
		if newest, ok := IsStaleCursor(err); ok {
			pendingResets[ch.ID] = newest
			continue
		}
		if errors.Is(err, ErrNotFound) {
			retireChannel(ctx, w.Store, w.Dispatcher, ch, targets[ch.ID])
			continue
		}
		if err != nil {
			telemetry.PollErrors.WithLabelValues(string(SiteTwitter)).Inc()
			log.Warn("feed poll failed", slog.String("channel", ch.SiteChannelID), slog.Any("err", err))
			continue
		}
		res := ReconcileFeed(lastSeen, items, time.Now())
		if len(res.Transitions) > 0 {
			telemetry.TransitionsTotal.WithLabelValues(string(SiteTwitter), string(KindNewEntry)).
				Add(float64(len(res.Transitions)))
			w.Dispatcher.DeliverFeed(ctx, ch, targets[ch.ID], res.Transitions)
		}
		if res.NewCursor != lastSeen {
			if err := w.Store.SetCursor(ctx, ch.ID, res.NewCursor, nil); err != nil {
				log.Error("failed to persist cursor", slog.Any("err", err))
			}
		}
	}
	for chID, newest := range pendingResets {
		telemetry.StaleCursorResets.Inc()
		log.Warn("resetting stale cursor", slog.Int64("channel_id", chID), slog.Int64("newest", newest))
		if err := w.Store.SetCursor(ctx, chID, newest, nil); err != nil {
			log.Error("failed to reset cursor", slog.Any("err", err))
		}
	}
}

// ListWatcher polls media lists and diffs them against the stored snapshot,
// which lives in the cursor row's state blob.
type ListWatcher struct {
	Store      *Store
	Client     ListClient
	Dispatcher *Dispatcher
	Cooldown   CooldownSpec
}

// Run blocks until ctx is canceled.
func (w *ListWatcher) Run(ctx context.Context) {
	runLoop(ctx, SiteMediaList, w.Cooldown, w.tick)
}

func (w *ListWatcher) tick(ctx context.Context) {
	log := telemetry.LoggerWithCorr(ctx)
	channels, targets := snapshot(ctx, w.Store, SiteMediaList)
	for i := range channels {
		ch := &channels[i]
		if i > 0 && !sleepCtx(ctx, w.Cooldown.CallDelay) {
			return
		}
		_, state, err := w.Store.GetCursor(ctx, ch.ID)
		if err != nil {
			log.Error("failed to load list snapshot", slog.Any("err", err))
			continue
		}
		telemetry.PollsTotal.WithLabelValues(string(SiteMediaList)).Inc()
		fresh, err := w.Client.Entries(ctx, ch.SiteChannelID)
		if reset, ok := IsRateLimited(err); ok {
			telemetry.RateLimitSleeps.WithLabelValues(string(SiteMediaList)).Inc()
			if reset > maxRateLimitSleep {
				reset = maxRateLimitSleep
			}
			if !sleepCtx(ctx, reset) {
				return
			}
			fresh, err = w.Client.Entries(ctx, ch.SiteChannelID)
		}
		if errors.Is(err, ErrNotFound) {
			retireChannel(ctx, w.Store, w.Dispatcher, ch, targets[ch.ID])
			continue
		}
		if err != nil {
			telemetry.PollErrors.WithLabelValues(string(SiteMediaList)).Inc()
			log.Warn("list poll failed", slog.String("user", ch.SiteChannelID), slog.Any("err", err))
			continue
		}
		var old []ListEntry
		firstFetch := len(state) == 0
		if !firstFetch {
			if err := json.Unmarshal(state, &old); err != nil {
				log.Error("corrupt list snapshot, resetting", slog.Any("err", err))
				firstFetch = true
			}
		}
		if !firstFetch {
			diff := ReconcileList(old, fresh)
			if len(diff.Transitions) > 0 {
				for _, tr := range diff.Transitions {
					telemetry.TransitionsTotal.WithLabelValues(string(SiteMediaList), string(tr.Kind)).Inc()
				}
				w.Dispatcher.DeliverList(ctx, ch, targets[ch.ID], diff.Transitions)
			}
		}
		// First fetch seeds the snapshot silently.
		blob, err := json.Marshal(fresh)
		if err != nil {
			log.Error("failed to encode list snapshot", slog.Any("err", err))
			continue
		}
		if err := w.Store.SetCursor(ctx, ch.ID, 0, blob); err != nil {
			log.Error("failed to persist list snapshot", slog.Any("err", err))
		}
	}
}
