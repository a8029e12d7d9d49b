package tracker

import (
	"testing"
	"time"
)

func TestReconcileFeedAdvancesCursorAscending(t *testing.T) {
	now := time.Now()
	items := []FeedItem{
		{ID: 105, CreatedAt: now},
		{ID: 101, CreatedAt: now},
		{ID: 103, CreatedAt: now},
	}
	res := ReconcileFeed(100, items, now)
	if res.NewCursor != 105 {
		t.Errorf("NewCursor = %d, want 105", res.NewCursor)
	}
	var got []int64
	for _, tr := range res.Transitions {
		if tr.Kind != KindNewEntry {
			t.Errorf("kind = %s, want NEW_ENTRY", tr.Kind)
		}
		got = append(got, tr.Item.ID)
	}
	want := []int64{101, 103, 105}
	if len(got) != len(want) {
		t.Fatalf("transitions = %v, want %v", got, want)
	}
	for i := range want {
		if got[i] != want[i] {
			t.Errorf("transition order = %v, want %v", got, want)
			break
		}
	}
}

func TestReconcileFeedSkipsSeenItems(t *testing.T) {
	now := time.Now()
	res := ReconcileFeed(200, []FeedItem{{ID: 150, CreatedAt: now}, {ID: 200, CreatedAt: now}}, now)
	if len(res.Transitions) != 0 {
		t.Errorf("transitions = %d, want 0", len(res.Transitions))
	}
	if res.NewCursor != 200 {
		t.Errorf("NewCursor = %d, want 200", res.NewCursor)
	}
}

func TestReconcileFeedDropsOldItemsButAdvancesCursor(t *testing.T) {
	now := time.Now()
	items := []FeedItem{
		{ID: 300, CreatedAt: now.Add(-3 * time.Hour)}, // too old to notify
		{ID: 301, CreatedAt: now.Add(-time.Minute)},
	}
	res := ReconcileFeed(100, items, now)
	if len(res.Transitions) != 1 || res.Transitions[0].Item.ID != 301 {
		t.Errorf("transitions = %+v, want only item 301", res.Transitions)
	}
	if res.NewCursor != 301 {
		t.Errorf("NewCursor = %d, want 301", res.NewCursor)
	}
}

func TestReconcileFeedEmptyFetch(t *testing.T) {
	res := ReconcileFeed(42, nil, time.Now())
	if len(res.Transitions) != 0 || res.NewCursor != 42 {
		t.Errorf("got %+v, want no transitions and cursor 42", res)
	}
}

func TestReconcileStreamTransitions(t *testing.T) {
	now := time.Now()
	live := &StreamState{VideoID: "v1", Live: true, Viewers: 5}
	sess := &Session{ID: 1, TrackedChannelID: 1}

	tests := []struct {
		name string
		sess *Session
		cur  *StreamState
		want []TransitionKind
	}{
		{"offline no session", nil, nil, nil},
		{"goes live", nil, live, []TransitionKind{KindLiveStart}},
		{"still live", sess, live, []TransitionKind{KindProgressUpdate}},
		{"goes offline", sess, nil, []TransitionKind{KindLiveEnd}},
		{"vod available", sess, &StreamState{VideoID: "v1", Live: false}, []TransitionKind{KindLiveEnd}},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got := ReconcileStream(tt.sess, tt.cur, now)
			if len(got) != len(tt.want) {
				t.Fatalf("transitions = %+v, want kinds %v", got, tt.want)
			}
			for i := range got {
				if got[i].Kind != tt.want[i] {
					t.Errorf("kind[%d] = %s, want %s", i, got[i].Kind, tt.want[i])
				}
			}
		})
	}
}

func TestReconcileStreamNoDuplicateLiveStart(t *testing.T) {
	// A second poll of an already-live stream must not produce another
	// LIVE_START; the existing session suppresses it.
	live := &StreamState{Live: true}
	first := ReconcileStream(nil, live, time.Now())
	if len(first) != 1 || first[0].Kind != KindLiveStart {
		t.Fatalf("first poll = %+v", first)
	}
	sess := &Session{ID: 7}
	second := ReconcileStream(sess, live, time.Now())
	for _, tr := range second {
		if tr.Kind == KindLiveStart {
			t.Error("second poll produced a duplicate LIVE_START")
		}
	}
}

func TestReconcileList(t *testing.T) {
	old := []ListEntry{
		{MediaID: 1, Title: "A", Status: StatusInProgress, Progress: 3},
		{MediaID: 2, Title: "B", Status: StatusInProgress, Progress: 10},
		{MediaID: 3, Title: "C", Status: StatusPlanToWatch},
		{MediaID: 4, Title: "D", Status: StatusInProgress, Progress: 5},
	}
	fresh := []ListEntry{
		{MediaID: 1, Title: "A", Status: StatusInProgress, Progress: 5},  // progress +2
		{MediaID: 2, Title: "B", Status: StatusCompleted, Progress: 12},  // status change
		{MediaID: 3, Title: "C", Status: StatusPlanToWatch},              // unchanged
		{MediaID: 4, Title: "D", Status: StatusInProgress, Progress: 4},  // correction -1
		{MediaID: 5, Title: "E", Status: StatusInProgress, Progress: 1},  // new
	}
	diff := ReconcileList(old, fresh)

	kinds := map[int64]Transition{}
	for _, tr := range diff.Transitions {
		kinds[tr.Entry.MediaID] = tr
	}
	if len(diff.Transitions) != 4 {
		t.Fatalf("transitions = %d, want 4", len(diff.Transitions))
	}
	if tr := kinds[1]; tr.Kind != KindProgressUpdate || tr.ProgressDelta != 2 {
		t.Errorf("media 1 = %+v, want PROGRESS_UPDATE delta 2", tr)
	}
	if tr := kinds[2]; tr.Kind != KindStatusChange || tr.PrevEntry.Status != StatusInProgress {
		t.Errorf("media 2 = %+v, want STATUS_CHANGE from IN_PROGRESS", tr)
	}
	if _, ok := kinds[3]; ok {
		t.Error("unchanged media 3 produced a transition")
	}
	if tr := kinds[4]; tr.Kind != KindProgressUpdate || tr.ProgressDelta != -1 {
		t.Errorf("media 4 = %+v, want PROGRESS_UPDATE delta -1", tr)
	}
	if tr := kinds[5]; tr.Kind != KindNewEntry {
		t.Errorf("media 5 = %+v, want NEW_ENTRY", tr)
	}
}

func TestReconcileListRemovedEntriesSilent(t *testing.T) {
	old := []ListEntry{{MediaID: 1, Status: StatusInProgress}}
	diff := ReconcileList(old, nil)
	if len(diff.Transitions) != 0 {
		t.Errorf("transitions = %+v, want none for removals", diff.Transitions)
	}
}

func TestSessionViewerAggregates(t *testing.T) {
	var s Session
	for _, v := range []int{10, 20, 30} {
		s.UpdateViewers(v)
	}
	if s.PeakViewers != 30 {
		t.Errorf("peak = %d, want 30", s.PeakViewers)
	}
	if s.AverageViewers != 20 {
		t.Errorf("average = %d, want 20", s.AverageViewers)
	}
	if s.UptimeTicks != 3 {
		t.Errorf("ticks = %d, want 3", s.UptimeTicks)
	}
}

func TestSessionConstantViewersAverage(t *testing.T) {
	var s Session
	for i := 0; i < 50; i++ {
		s.UpdateViewers(123)
	}
	if s.AverageViewers != 123 {
		t.Errorf("average = %d, want 123", s.AverageViewers)
	}
	if s.PeakViewers != 123 {
		t.Errorf("peak = %d, want 123", s.PeakViewers)
	}
}

func TestSessionPeakNeverDecreases(t *testing.T) {
	var s Session
	for _, v := range []int{100, 5, 2} {
		s.UpdateViewers(v)
	}
	if s.PeakViewers != 100 {
		t.Errorf("peak = %d, want 100", s.PeakViewers)
	}
}

func TestShouldNotifyUpload(t *testing.T) {
	now := time.Now()
	tests := []struct {
		name      string
		published time.Time
		want      bool
	}{
		{"fresh", now.Add(-30 * time.Minute), true},
		{"old backfill", now.Add(-4 * time.Hour), false},
		{"unknown publish time", time.Time{}, false},
	}
	for _, tt := range tests {
		if got := ShouldNotifyUpload(tt.published, now); got != tt.want {
			t.Errorf("%s: ShouldNotifyUpload = %v, want %v", tt.name, got, tt.want)
		}
	}
}

func TestMentionableLiveStart(t *testing.T) {
	now := time.Now()
	if !MentionableLiveStart(now.Add(-5*time.Minute), now) {
		t.Error("recent start should be mentionable")
	}
	if MentionableLiveStart(now.Add(-time.Hour), now) {
		t.Error("hour-old start should not ping")
	}
	if !MentionableLiveStart(time.Time{}, now) {
		t.Error("unknown start time should default to mentionable")
	}
}

func TestUpcomingDue(t *testing.T) {
	now := time.Now()
	tests := []struct {
		name   string
		sched  time.Time
		window time.Duration
		want   bool
	}{
		{"inside window", now.Add(30 * time.Minute), time.Hour, true},
		{"outside window", now.Add(3 * time.Hour), time.Hour, false},
		{"already started", now.Add(-time.Minute), time.Hour, false},
		{"window disabled", now.Add(30 * time.Minute), 0, false},
		{"no schedule", time.Time{}, time.Hour, false},
	}
	for _, tt := range tests {
		if got := UpcomingDue(tt.sched, now, tt.window); got != tt.want {
			t.Errorf("%s: UpcomingDue = %v, want %v", tt.name, got, tt.want)
		}
	}
}
