// Package tracker implements the tracked-entity state machine and notification
// pipeline: durable records for tracked channels and their Discord targets,
// pure reconciliation of polled platform state against stored state, fan-out
// notification dispatch with isolated per-target failure handling, and the
// per-platform sequential polling loops.
package tracker

import (
	"errors"
	"fmt"
	"time"
)

// Site identifies an external platform.
type Site string

const (
	SiteTwitch    Site = "twitch"
	SiteYoutube   Site = "youtube"
	SiteTwitter   Site = "twitter"
	SiteMediaList Site = "medialist"
)

// TransitionKind is the closed set of detectable state changes.
type TransitionKind string

const (
	KindNewEntry       TransitionKind = "NEW_ENTRY"
	KindStatusChange   TransitionKind = "STATUS_CHANGE"
	KindProgressUpdate TransitionKind = "PROGRESS_UPDATE"
	KindLiveStart      TransitionKind = "LIVE_START"
	KindLiveEnd        TransitionKind = "LIVE_END"
	KindUpcoming       TransitionKind = "UPCOMING"
	KindUpload         TransitionKind = "UPLOAD"
	KindSessionCreated TransitionKind = "SESSION_CREATED"
)

// TrackedChannel is one platform entity under observation.
type TrackedChannel struct {
	ID            int64
	Site          Site
	SiteChannelID string
	LastKnownName string
}

// Target is one Discord destination subscribed to a TrackedChannel.
type Target struct {
	ID               int64
	TrackedChannelID int64
	DiscordChannelID string
	DiscordGuildID   string // empty for DM targets
	TrackerUserID    string
}

// MentionRole associates a guild role to ping for a TrackedChannel's notices.
type MentionRole struct {
	ID               int64
	TrackedChannelID int64
	GuildID          string
	RoleID           string
	LastMention      time.Time
}

// Session is one continuous live occurrence with running aggregates.
type Session struct {
	ID               int64
	TrackedChannelID int64
	VideoID          string // platform video id when the site has one (YouTube)
	StartedAt        time.Time
	PeakViewers      int
	AverageViewers   int
	UptimeTicks      int
	Premiere         bool
	LastTitle        string
	LastThumbnail    string
}

// UpdateViewers folds one concurrent-viewer sample into the running
// aggregates. Peak is a running max; the average uses the incremental-mean
// formula so memory stays O(1) regardless of sample count.
func (s *Session) UpdateViewers(current int) {
	if current > s.PeakViewers {
		s.PeakViewers = current
	}
	s.UptimeTicks++
	s.AverageViewers += (current - s.AverageViewers) / s.UptimeTicks
}

// ContentKey identifies the session's content for notification dedup.
func (s *Session) ContentKey() string {
	if s.VideoID != "" {
		return s.VideoID
	}
	return fmt.Sprintf("session-%d", s.ID)
}

// Notification maps one (content, target, kind) to a delivered message so it
// can later be edited or retracted.
type Notification struct {
	ID               int64
	ContentKey       string
	TargetID         int64
	Kind             TransitionKind
	MessageChannelID string
	MessageID        string
}

// VideoLifecycle is the stored lifecycle of a YouTube video record.
type VideoLifecycle string

const (
	LifecycleUnknown  VideoLifecycle = "unknown"
	LifecycleUpcoming VideoLifecycle = "upcoming"
	LifecycleLive     VideoLifecycle = "live"
	LifecycleVideo    VideoLifecycle = "video" // regular upload or finished VOD
	LifecycleGone     VideoLifecycle = "gone"  // deleted/private upstream
)

// VideoRecord is the persisted state for one tracked YouTube video.
type VideoRecord struct {
	VideoID            string
	TrackedChannelID   int64
	LastTitle          string
	LastThumbnail      string
	Lifecycle          VideoLifecycle
	ScheduledStart     time.Time
	NotifyCreationDone bool
	PublishedAt        time.Time
}

// StreamState is the platform-neutral snapshot of one video/stream as fetched.
type StreamState struct {
	VideoID        string
	ChannelID      string
	ChannelName    string
	ChannelURL     string
	ChannelAvatar  string
	Title          string
	Description    string
	Thumbnail      string
	URL            string
	Live           bool
	Upcoming       bool
	Premiere       bool
	Viewers        int
	StartedAt      time.Time
	ScheduledStart time.Time
	EndedAt        time.Time
	PublishedAt    time.Time
	Duration       time.Duration
}

// FeedItem is one post from a feed-style platform (Twitter-like).
type FeedItem struct {
	ID           int64
	Text         string
	URL          string
	AuthorName   string
	AuthorURL    string
	AuthorAvatar string
	CreatedAt    time.Time
	Retweet      bool
	Reply        bool
	Quote        bool
	Sensitive    bool
}

// ConsumptionStatus is the enumerated status of a media list entry.
type ConsumptionStatus string

const (
	StatusCompleted   ConsumptionStatus = "COMPLETED"
	StatusDropped     ConsumptionStatus = "DROPPED"
	StatusHold        ConsumptionStatus = "HOLD"
	StatusPlanToWatch ConsumptionStatus = "PLAN_TO_WATCH"
	StatusInProgress  ConsumptionStatus = "IN_PROGRESS"
)

// ListEntry is one entry of a tracked media list.
type ListEntry struct {
	MediaID   int64
	Title     string
	URL       string
	Thumbnail string
	Status    ConsumptionStatus
	Progress  int
	Score     int
}

// Transition is one detected state change requiring possible notification.
type Transition struct {
	Kind TransitionKind

	// Stream-style payload (LIVE_START, LIVE_END, UPCOMING, UPLOAD,
	// SESSION_CREATED, PROGRESS_UPDATE for viewer samples). Nil VOD info on
	// LIVE_END means the video went private/deleted and cached fields apply.
	Stream *StreamState

	// Feed payload (NEW_ENTRY for feed sites).
	Item *FeedItem

	// List payload (NEW_ENTRY, STATUS_CHANGE, PROGRESS_UPDATE for lists).
	Entry         *ListEntry
	PrevEntry     *ListEntry
	ProgressDelta int
}

// Result-variant errors ------------------------------------------------------

// ErrNotFound indicates the tracked entity no longer exists upstream.
var ErrNotFound = errors.New("tracker: entity not found upstream")

// RateLimitedError is returned by platform clients when the platform asks us
// to back off; Reset is the server-mandated wait.
type RateLimitedError struct {
	Reset time.Duration
}

func (e *RateLimitedError) Error() string {
	return fmt.Sprintf("rate limited, reset in %s", e.Reset)
}

// StaleCursorError indicates the stored cursor fell out of the platform's
// valid query range. NewestID is the platform's current high-water mark when
// the platform reports one (0 otherwise).
type StaleCursorError struct {
	NewestID int64
}

func (e *StaleCursorError) Error() string {
	return fmt.Sprintf("cursor out of valid range, platform max id %d", e.NewestID)
}

// IsRateLimited extracts the reset duration when err is a rate-limit variant.
func IsRateLimited(err error) (time.Duration, bool) {
	var rl *RateLimitedError
	if errors.As(err, &rl) {
		return rl.Reset, true
	}
	return 0, false
}

// IsStaleCursor extracts the platform max id when err is a stale-cursor variant.
func IsStaleCursor(err error) (int64, bool) {
	var sc *StaleCursorError
	if errors.As(err, &sc) {
		return sc.NewestID, true
	}
	return 0, false
}
