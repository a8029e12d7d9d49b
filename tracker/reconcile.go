package tracker

import (
	"sort"
	"time"
)

// MaxFeedItemAge drops feed items older than this even when newer than the
// cursor, so a long outage does not replay stale posts.
const MaxFeedItemAge = 2 * time.Hour

// FeedResult is the outcome of reconciling one feed fetch.
type FeedResult struct {
	Transitions []Transition
	NewCursor   int64
}

// ReconcileFeed compares fetched feed items against the stored cursor and
// returns NEW_ENTRY transitions in ascending id order plus the advanced
// cursor. Pure: no I/O, no clock reads beyond the supplied now.
func ReconcileFeed(lastSeen int64, items []FeedItem, now time.Time) FeedResult {
	res := FeedResult{NewCursor: lastSeen}
	fresh := make([]FeedItem, 0, len(items))
	for _, it := range items {
		if it.ID > res.NewCursor {
			res.NewCursor = it.ID
		}
		if it.ID <= lastSeen {
			continue
		}
		if !it.CreatedAt.IsZero() && now.Sub(it.CreatedAt) > MaxFeedItemAge {
			continue
		}
		fresh = append(fresh, it)
	}
	sort.Slice(fresh, func(i, j int) bool { return fresh[i].ID < fresh[j].ID })
	for i := range fresh {
		res.Transitions = append(res.Transitions, Transition{Kind: KindNewEntry, Item: &fresh[i]})
	}
	return res
}

// ReconcileStream compares a fetched stream snapshot against the stored
// session (nil when no session exists) and returns the transitions to emit.
// Session creation and teardown are side effects the caller performs; this
// only decides what happened.
func ReconcileStream(sess *Session, cur *StreamState, now time.Time) []Transition {
	var out []Transition
	switch {
	case cur != nil && cur.Live:
		if sess == nil {
			out = append(out, Transition{Kind: KindLiveStart, Stream: cur})
		} else {
			out = append(out, Transition{Kind: KindProgressUpdate, Stream: cur})
		}
	case sess != nil:
		// Stream gone or no longer live: the session ends. cur may be nil
		// (VOD deleted/private) and the dispatcher falls back to cached fields.
		out = append(out, Transition{Kind: KindLiveEnd, Stream: cur})
	}
	return out
}

// ListDiff is the outcome of reconciling a media list fetch.
type ListDiff struct {
	Transitions []Transition
}

// ReconcileList diffs the previously stored list entries against the fresh
// fetch, keyed by media id. New entries emit NEW_ENTRY; status changes emit
// STATUS_CHANGE; progress or score movement emits PROGRESS_UPDATE with a
// signed delta (negative deltas are corrections and still notify).
// Removed entries emit nothing.
func ReconcileList(old, fresh []ListEntry) ListDiff {
	var diff ListDiff
	prev := make(map[int64]*ListEntry, len(old))
	for i := range old {
		prev[old[i].MediaID] = &old[i]
	}
	for i := range fresh {
		cur := &fresh[i]
		p, ok := prev[cur.MediaID]
		if !ok {
			diff.Transitions = append(diff.Transitions, Transition{Kind: KindNewEntry, Entry: cur})
			continue
		}
		if cur.Status != p.Status {
			diff.Transitions = append(diff.Transitions, Transition{
				Kind: KindStatusChange, Entry: cur, PrevEntry: p,
			})
			continue
		}
		if cur.Progress != p.Progress || cur.Score != p.Score {
			diff.Transitions = append(diff.Transitions, Transition{
				Kind: KindProgressUpdate, Entry: cur, PrevEntry: p,
				ProgressDelta: cur.Progress - p.Progress,
			})
		}
	}
	return diff
}

// UploadAgeLimit gates UPLOAD notices: videos published longer ago than this
// are treated as backfill and recorded silently.
const UploadAgeLimit = 3 * time.Hour

// ShouldNotifyUpload reports whether a finished video warrants an UPLOAD
// notice given its publish time.
func ShouldNotifyUpload(publishedAt, now time.Time) bool {
	if publishedAt.IsZero() {
		return false
	}
	return now.Sub(publishedAt) <= UploadAgeLimit
}

// StaleLiveStartLimit suppresses the mention ping on LIVE_START when the
// stream actually began this long ago (bot downtime catch-up).
const StaleLiveStartLimit = 15 * time.Minute

// MentionableLiveStart reports whether a live start is fresh enough to ping
// the configured role.
func MentionableLiveStart(startedAt, now time.Time) bool {
	if startedAt.IsZero() {
		return true
	}
	return now.Sub(startedAt) <= StaleLiveStartLimit
}

// UpcomingDue reports whether an upcoming stream's scheduled start falls
// inside a target's notice window.
func UpcomingDue(scheduledStart, now time.Time, window time.Duration) bool {
	if window <= 0 || scheduledStart.IsZero() {
		return false
	}
	until := scheduledStart.Sub(now)
	return until > 0 && until <= window
}
