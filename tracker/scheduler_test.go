package tracker

import (
	"context"
	"strconv"
	"testing"
	"time"

	"github.com/hoshizora-dev/kitsune/db"
	"github.com/hoshizora-dev/kitsune/telemetry"
)

type fakeFeedClient struct {
	// responses per call, consumed in order; the last one repeats.
	responses []fakeFeedResponse
	calls     int
	sinceIDs  []int64
}

type fakeFeedResponse struct {
	items []FeedItem
	err   error
}

func (f *fakeFeedClient) RecentItems(_ context.Context, _ string, sinceID int64) ([]FeedItem, error) {
	f.sinceIDs = append(f.sinceIDs, sinceID)
	i := f.calls
	if i >= len(f.responses) {
		i = len(f.responses) - 1
	}
	f.calls++
	r := f.responses[i]
	return r.items, r.err
}

type fakeStreamClient struct {
	state *StreamState
	err   error
}

func (f *fakeStreamClient) StreamState(context.Context, string) (*StreamState, error) {
	return f.state, f.err
}

// fakeVideoClient records the id batches passed to detail lookups.
type fakeVideoClient struct {
	detailBatches [][]string
}

func (f *fakeVideoClient) RecentUploads(context.Context, string, int64) ([]StreamState, error) {
	return nil, nil
}

func (f *fakeVideoClient) VideoDetails(_ context.Context, ids []string) ([]StreamState, error) {
	f.detailBatches = append(f.detailBatches, ids)
	out := make([]StreamState, len(ids))
	for i, id := range ids {
		out[i] = StreamState{VideoID: id}
	}
	return out, nil
}

func feedItem(id int64) FeedItem {
	return FeedItem{ID: id, Text: "post", URL: "https://example.com", AuthorName: "author", CreatedAt: time.Now()}
}

func TestFeedWatcherTickAdvancesCursor(t *testing.T) {
	d, store, msgr, _ := newTestDispatcher(t)
	ctx := context.Background()
	ch, _ := mustTrack(t, store, SiteTwitter, "feeduser", "chan1")
	if err := store.SetCursor(ctx, ch.ID, 100, nil); err != nil {
		t.Fatal(err)
	}

	client := &fakeFeedClient{responses: []fakeFeedResponse{
		{items: []FeedItem{feedItem(105), feedItem(101), feedItem(103)}},
	}}
	w := &FeedWatcher{Store: store, Client: client, Dispatcher: d}
	w.tick(ctx)

	last, _, err := store.GetCursor(ctx, ch.ID)
	if err != nil || last != 105 {
		t.Errorf("cursor = %d err=%v, want 105", last, err)
	}
	if len(msgr.created) != 3 {
		t.Errorf("messages = %d, want 3", len(msgr.created))
	}
	if client.sinceIDs[0] != 100 {
		t.Errorf("since_id = %d, want 100", client.sinceIDs[0])
	}
}

func TestFeedWatcherStaleCursorReset(t *testing.T) {
	d, store, msgr, _ := newTestDispatcher(t)
	ctx := context.Background()
	ch, _ := mustTrack(t, store, SiteTwitter, "feeduser", "chan1")
	if err := store.SetCursor(ctx, ch.ID, 5, nil); err != nil {
		t.Fatal(err)
	}

	client := &fakeFeedClient{responses: []fakeFeedResponse{
		{err: &StaleCursorError{NewestID: 500}},
		{items: nil},
	}}
	w := &FeedWatcher{Store: store, Client: client, Dispatcher: d}
	w.tick(ctx)

	last, _, _ := store.GetCursor(ctx, ch.ID)
	if last != 500 {
		t.Errorf("cursor after reset = %d, want 500", last)
	}
	if len(msgr.created) != 0 {
		t.Errorf("messages = %d, want 0 (reset is silent)", len(msgr.created))
	}

	// The following tick polls from the reset cursor and stays quiet.
	w.tick(ctx)
	if got := client.sinceIDs[len(client.sinceIDs)-1]; got != 500 {
		t.Errorf("next since_id = %d, want 500", got)
	}
	if last, _, _ = store.GetCursor(ctx, ch.ID); last != 500 {
		t.Errorf("cursor after quiet tick = %d, want 500", last)
	}
}

func TestFeedWatcherUntracksDeletedAccount(t *testing.T) {
	d, store, msgr, _ := newTestDispatcher(t)
	ctx := context.Background()
	ch, _ := mustTrack(t, store, SiteTwitter, "gone-user", "chan1")

	client := &fakeFeedClient{responses: []fakeFeedResponse{{err: ErrNotFound}}}
	w := &FeedWatcher{Store: store, Client: client, Dispatcher: d}
	w.tick(ctx)

	channels, err := store.ListChannels(ctx, SiteTwitter)
	if err != nil {
		t.Fatal(err)
	}
	if len(channels) != 0 {
		t.Errorf("channels after deleted upstream = %d, want 0", len(channels))
	}
	if ts, _ := store.ListTargets(ctx, ch.ID); len(ts) != 0 {
		t.Errorf("targets after untrack = %d, want 0", len(ts))
	}
	if len(msgr.created) != 0 {
		t.Errorf("messages = %d, want 0", len(msgr.created))
	}
}

func TestStreamWatcherRetiresGoneChannel(t *testing.T) {
	d, store, msgr, _ := newTestDispatcher(t)
	ctx := context.Background()
	ch, _ := mustTrack(t, store, SiteTwitch, "gone-streamer", "chan1")

	client := &fakeStreamClient{state: liveState()}
	w := &StreamWatcher{Store: store, Client: client, Dispatcher: d}
	w.tick(ctx)
	if sess, _ := store.ActiveSession(ctx, ch.ID); sess == nil {
		t.Fatal("expected an active session after the live tick")
	}

	// The account vanishes upstream: the session ends with its cached fields
	// and the channel is untracked.
	client.state, client.err = nil, ErrNotFound
	w.tick(ctx)

	if len(msgr.edited) != 1 {
		t.Errorf("summary edits = %d, want 1", len(msgr.edited))
	}
	channels, _ := store.ListChannels(ctx, SiteTwitch)
	if len(channels) != 0 {
		t.Errorf("channels after deleted upstream = %d, want 0", len(channels))
	}
}

func TestVideoDetailsBatching(t *testing.T) {
	client := &fakeVideoClient{}
	w := &VideoWatcher{Client: client}
	ids := make([]string, 120)
	for i := range ids {
		ids[i] = "vid" + strconv.Itoa(i)
	}

	out, err := w.videoDetails(context.Background(), ids)
	if err != nil {
		t.Fatal(err)
	}
	if len(out) != 120 {
		t.Errorf("details = %d, want 120", len(out))
	}
	if out[0].VideoID != "vid0" || out[119].VideoID != "vid119" {
		t.Errorf("order not preserved: first=%s last=%s", out[0].VideoID, out[119].VideoID)
	}
	want := []int{50, 50, 20}
	if len(client.detailBatches) != len(want) {
		t.Fatalf("batches = %d, want %d", len(client.detailBatches), len(want))
	}
	for i, n := range want {
		if len(client.detailBatches[i]) != n {
			t.Errorf("batch %d size = %d, want %d", i, len(client.detailBatches[i]), n)
		}
	}
}

func TestVideoLiveEndMatchesVanishedVideo(t *testing.T) {
	d, store, _, _ := newTestDispatcher(t)
	ctx := context.Background()
	ch, _ := mustTrack(t, store, SiteYoutube, "UCchannel", "chan1")
	targets, _ := store.ListTargets(ctx, ch.ID)

	for _, vid := range []string{"vidA", "vidB"} {
		sess := &Session{TrackedChannelID: ch.ID, VideoID: vid, StartedAt: time.Now()}
		if err := store.CreateSession(ctx, sess); err != nil {
			t.Fatal(err)
		}
	}

	w := &VideoWatcher{Store: store, Dispatcher: d}
	w.liveEnd(ctx, ch, targets, nil, "vidB")

	if sess, _ := store.SessionForVideo(ctx, "vidB"); sess != nil {
		t.Error("vanished video's session should be gone")
	}
	if sess, _ := store.SessionForVideo(ctx, "vidA"); sess == nil {
		t.Error("unrelated concurrent session must survive")
	}
}

func TestStreamWatcherSessionLifecycle(t *testing.T) {
	d, store, msgr, _ := newTestDispatcher(t)
	ctx := context.Background()
	ch, _ := mustTrack(t, store, SiteTwitch, "streamer", "chan1")

	client := &fakeStreamClient{state: liveState()}
	w := &StreamWatcher{Store: store, Client: client, Dispatcher: d}

	w.tick(ctx)
	sess, err := store.ActiveSession(ctx, ch.ID)
	if err != nil || sess == nil {
		t.Fatalf("session after live tick = %v err=%v", sess, err)
	}
	if len(msgr.created) != 1 {
		t.Fatalf("messages = %d, want 1 live notice", len(msgr.created))
	}

	// Same live state again: no duplicate notice, aggregates advance.
	w.tick(ctx)
	if len(msgr.created) != 1 {
		t.Errorf("messages after repeat poll = %d, want still 1", len(msgr.created))
	}
	sess, _ = store.ActiveSession(ctx, ch.ID)
	if sess.UptimeTicks != 2 {
		t.Errorf("uptime ticks = %d, want 2", sess.UptimeTicks)
	}

	// Offline ends the session.
	client.state = nil
	w.tick(ctx)
	sess, err = store.ActiveSession(ctx, ch.ID)
	if err != nil || sess != nil {
		t.Errorf("session after offline tick = %v err=%v, want nil", sess, err)
	}
}

func TestSnapshotUntracksEmptyChannels(t *testing.T) {
	telemetry.Init()
	store := openTestStore(t)
	ctx := context.Background()

	empty, _, err := store.GetOrCreateChannel(ctx, SiteTwitch, "nobody-watches")
	if err != nil {
		t.Fatal(err)
	}
	subscribed, _ := mustTrack(t, store, SiteTwitch, "streamer", "chan1")

	channels, targets := snapshot(ctx, store, SiteTwitch)
	if len(channels) != 1 || channels[0].ID != subscribed.ID {
		t.Fatalf("snapshot channels = %+v, want only the subscribed one", channels)
	}
	if len(targets[subscribed.ID]) != 1 {
		t.Errorf("targets = %v", targets)
	}
	if ch, _, _ := store.GetOrCreateChannel(ctx, SiteTwitch, "nobody-watches"); ch.ID == empty.ID {
		t.Error("empty channel should have been deleted")
	}
	if stamp := db.GetKV(ctx, store.DB, "watcher_heartbeat_twitch"); stamp == "" {
		t.Error("heartbeat not written")
	}
}
