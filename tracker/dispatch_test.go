package tracker

import (
	"context"
	"fmt"
	"strings"
	"testing"
	"time"

	"github.com/hoshizora-dev/kitsune/discord"
	"github.com/hoshizora-dev/kitsune/guildcfg"
	"github.com/hoshizora-dev/kitsune/telemetry"
)

type sentMessage struct {
	ChannelID string
	Payload   discord.MessagePayload
}

type editedMessage struct {
	ChannelID string
	MessageID string
	Payload   discord.MessagePayload
}

// fakeMessenger records deliveries and can fail specific channels.
type fakeMessenger struct {
	created []sentMessage
	edited  []editedMessage
	deleted []string
	renames map[string]string
	dms     []string

	failChannels map[string]error
	nextID       int
}

func newFakeMessenger() *fakeMessenger {
	return &fakeMessenger{failChannels: map[string]error{}, renames: map[string]string{}}
}

func (f *fakeMessenger) CreateMessage(_ context.Context, channelID string, m discord.MessagePayload) (*discord.Message, error) {
	if err, ok := f.failChannels[channelID]; ok {
		return nil, err
	}
	f.nextID++
	f.created = append(f.created, sentMessage{ChannelID: channelID, Payload: m})
	return &discord.Message{ID: fmt.Sprintf("msg-%d", f.nextID), ChannelID: channelID}, nil
}

func (f *fakeMessenger) EditMessage(_ context.Context, channelID, messageID string, m discord.MessagePayload) (*discord.Message, error) {
	if err, ok := f.failChannels[channelID]; ok {
		return nil, err
	}
	f.edited = append(f.edited, editedMessage{ChannelID: channelID, MessageID: messageID, Payload: m})
	return &discord.Message{ID: messageID, ChannelID: channelID}, nil
}

func (f *fakeMessenger) DeleteMessage(_ context.Context, channelID, messageID string) error {
	if err, ok := f.failChannels[channelID]; ok {
		return err
	}
	f.deleted = append(f.deleted, messageID)
	return nil
}

func (f *fakeMessenger) CreateDM(_ context.Context, userID string) (string, error) {
	return "dm-" + userID, nil
}

func (f *fakeMessenger) ModifyChannelName(_ context.Context, channelID, name string) error {
	f.renames[channelID] = name
	return nil
}

func (f *fakeMessenger) GuildOwner(_ context.Context, guildID string) (string, error) {
	return "owner-" + guildID, nil
}

// fakeSettings serves per-channel settings and records forced disables.
type fakeSettings struct {
	byChannel map[string]*guildcfg.FeatureSettings
	disabled  []string // "channel:feature"
}

func newFakeSettings() *fakeSettings {
	return &fakeSettings{byChannel: map[string]*guildcfg.FeatureSettings{}}
}

func (f *fakeSettings) Get(_ context.Context, channelID string) (*guildcfg.FeatureSettings, error) {
	if cfg, ok := f.byChannel[channelID]; ok {
		return cfg, nil
	}
	return guildcfg.Defaults(), nil
}

func (f *fakeSettings) Put(_ context.Context, channelID, _ string, cfg *guildcfg.FeatureSettings) error {
	f.byChannel[channelID] = cfg
	return nil
}

func (f *fakeSettings) DisableFeature(_ context.Context, channelID, feature string) error {
	f.disabled = append(f.disabled, channelID+":"+feature)
	return nil
}

func newTestDispatcher(t *testing.T) (*Dispatcher, *Store, *fakeMessenger, *fakeSettings) {
	t.Helper()
	telemetry.Init()
	store := openTestStore(t)
	msgr := newFakeMessenger()
	settings := newFakeSettings()
	d := &Dispatcher{Store: store, Messenger: msgr, Settings: settings}
	return d, store, msgr, settings
}

func liveState() *StreamState {
	return &StreamState{
		VideoID: "vid1", ChannelName: "Streamer", Title: "playing games",
		URL: "https://example.com/watch", Live: true, Viewers: 42,
		StartedAt: time.Now().Add(-time.Minute),
	}
}

func TestDeliverLiveStartOncePerTarget(t *testing.T) {
	d, store, msgr, _ := newTestDispatcher(t)
	ctx := context.Background()
	ch, _ := mustTrack(t, store, SiteTwitch, "streamer", "chan1")
	targets, _ := store.ListTargets(ctx, ch.ID)

	sess := &Session{TrackedChannelID: ch.ID, StartedAt: time.Now()}
	if err := store.CreateSession(ctx, sess); err != nil {
		t.Fatal(err)
	}
	tr := Transition{Kind: KindLiveStart, Stream: liveState()}
	d.DeliverStream(ctx, ch, targets, tr, sess)
	d.DeliverStream(ctx, ch, targets, tr, sess) // repeat must not re-send

	if len(msgr.created) != 1 {
		t.Fatalf("messages sent = %d, want 1", len(msgr.created))
	}
	if len(msgr.created[0].Payload.Embeds) != 1 {
		t.Fatal("live notification missing embed")
	}
	e := msgr.created[0].Payload.Embeds[0]
	if e.Title != "playing games" || e.Color != colorLive {
		t.Errorf("embed = %+v", e)
	}
}

func TestPermissionDeniedIsolatesTargets(t *testing.T) {
	d, store, msgr, settings := newTestDispatcher(t)
	ctx := context.Background()
	ch, badTarget := mustTrack(t, store, SiteTwitch, "streamer", "bad-chan")
	goodTarget := &Target{TrackedChannelID: ch.ID, DiscordChannelID: "good-chan", DiscordGuildID: "guild1", TrackerUserID: "user1"}
	if err := store.AddTarget(ctx, goodTarget); err != nil {
		t.Fatal(err)
	}
	msgr.failChannels["bad-chan"] = &discord.APIError{Status: 403, Code: 50013, Message: "missing permissions"}

	targets, _ := store.ListTargets(ctx, ch.ID)
	sess := &Session{TrackedChannelID: ch.ID, StartedAt: time.Now()}
	if err := store.CreateSession(ctx, sess); err != nil {
		t.Fatal(err)
	}
	d.DeliverStream(ctx, ch, targets, Transition{Kind: KindLiveStart, Stream: liveState()}, sess)

	// The healthy target still got its notification.
	if len(msgr.created) != 2 { // good-chan message + owner DM
		t.Fatalf("messages = %d, want 2 (delivery + owner DM)", len(msgr.created))
	}
	var goodDelivered, dmSent bool
	for _, m := range msgr.created {
		switch {
		case m.ChannelID == "good-chan":
			goodDelivered = true
		case strings.HasPrefix(m.ChannelID, "dm-owner-"):
			dmSent = true
		}
	}
	if !goodDelivered {
		t.Error("healthy target was not delivered")
	}
	if !dmSent {
		t.Error("guild owner was not notified of the forced disable")
	}
	// The failing target was removed and its feature disabled.
	if got, _ := store.GetTarget(ctx, badTarget.ID); got != nil {
		t.Errorf("failing target still present: %+v", got)
	}
	if len(settings.disabled) != 1 || settings.disabled[0] != "bad-chan:streams" {
		t.Errorf("disabled = %v", settings.disabled)
	}
}

func TestLiveEndEditsWithCachedFallback(t *testing.T) {
	d, store, msgr, _ := newTestDispatcher(t)
	ctx := context.Background()
	ch, tgt := mustTrack(t, store, SiteTwitch, "streamer", "chan1")
	targets, _ := store.ListTargets(ctx, ch.ID)

	sess := &Session{TrackedChannelID: ch.ID, StartedAt: time.Now().Add(-time.Hour),
		LastTitle: "cached title", LastThumbnail: "https://example.com/cached.jpg"}
	sess.UpdateViewers(100)
	if err := store.CreateSession(ctx, sess); err != nil {
		t.Fatal(err)
	}
	if err := store.RecordNotification(ctx, &Notification{
		ContentKey: sess.ContentKey(), TargetID: tgt.ID, Kind: KindLiveStart,
		MessageChannelID: "chan1", MessageID: "live-msg",
	}); err != nil {
		t.Fatal(err)
	}

	// Stream ends and the VOD is already gone: nil state.
	d.DeliverStream(ctx, ch, targets, Transition{Kind: KindLiveEnd, Stream: nil}, sess)

	if len(msgr.edited) != 1 {
		t.Fatalf("edits = %d, want 1", len(msgr.edited))
	}
	edit := msgr.edited[0]
	if edit.MessageID != "live-msg" {
		t.Errorf("edited message = %q", edit.MessageID)
	}
	e := edit.Payload.Embeds[0]
	if e.Title != "cached title" {
		t.Errorf("summary title = %q, want cached fallback", e.Title)
	}
	if e.Thumbnail == nil || e.Thumbnail.URL != "https://example.com/cached.jpg" {
		t.Errorf("summary thumbnail = %+v, want cached fallback", e.Thumbnail)
	}
	// Notification record is gone either way.
	list, _ := store.ListNotifications(ctx, sess.ContentKey(), KindLiveStart)
	if len(list) != 0 {
		t.Errorf("notification records remain: %d", len(list))
	}
}

func TestLiveEndDeletesWhenSummariesOff(t *testing.T) {
	d, store, msgr, settings := newTestDispatcher(t)
	ctx := context.Background()
	ch, tgt := mustTrack(t, store, SiteTwitch, "streamer", "chan1")
	targets, _ := store.ListTargets(ctx, ch.ID)

	cfg := guildcfg.Defaults()
	cfg.Summaries = false
	settings.byChannel["chan1"] = cfg

	sess := &Session{TrackedChannelID: ch.ID, StartedAt: time.Now()}
	if err := store.CreateSession(ctx, sess); err != nil {
		t.Fatal(err)
	}
	if err := store.RecordNotification(ctx, &Notification{
		ContentKey: sess.ContentKey(), TargetID: tgt.ID, Kind: KindLiveStart,
		MessageChannelID: "chan1", MessageID: "live-msg",
	}); err != nil {
		t.Fatal(err)
	}
	d.DeliverStream(ctx, ch, targets, Transition{Kind: KindLiveEnd, Stream: nil}, sess)

	if len(msgr.edited) != 0 {
		t.Errorf("edits = %d, want 0 with summaries off", len(msgr.edited))
	}
	if len(msgr.deleted) != 1 || msgr.deleted[0] != "live-msg" {
		t.Errorf("deleted = %v, want [live-msg]", msgr.deleted)
	}
}

func TestUpcomingMarkerWrittenBeforeSend(t *testing.T) {
	d, store, msgr, settings := newTestDispatcher(t)
	ctx := context.Background()
	ch, tgt := mustTrack(t, store, SiteYoutube, "UCx", "chan1")
	targets, _ := store.ListTargets(ctx, ch.ID)

	cfg := guildcfg.Defaults()
	cfg.UpcomingNotice = "1h"
	settings.byChannel["chan1"] = cfg

	st := &StreamState{VideoID: "vid1", Upcoming: true, Title: "soon",
		ScheduledStart: time.Now().Add(30 * time.Minute)}

	// Delivery fails, but the marker must persist so the notice is lost
	// rather than duplicated on retry.
	msgr.failChannels["chan1"] = &discord.APIError{Status: 500, Message: "boom"}
	d.DeliverStream(ctx, ch, targets, Transition{Kind: KindUpcoming, Stream: st}, nil)

	exists, err := store.NotificationExists(ctx, "upcoming-vid1", tgt.ID, KindUpcoming)
	if err != nil || !exists {
		t.Fatalf("marker exists=%v err=%v, want true", exists, err)
	}
	delete(msgr.failChannels, "chan1")
	d.DeliverStream(ctx, ch, targets, Transition{Kind: KindUpcoming, Stream: st}, nil)
	if len(msgr.created) != 0 {
		t.Errorf("messages = %d, want 0 (marker suppresses resend)", len(msgr.created))
	}
}

func TestUpcomingRespectsWindow(t *testing.T) {
	d, store, msgr, settings := newTestDispatcher(t)
	ctx := context.Background()
	ch, _ := mustTrack(t, store, SiteYoutube, "UCx", "chan1")
	targets, _ := store.ListTargets(ctx, ch.ID)

	cfg := guildcfg.Defaults()
	cfg.UpcomingNotice = "1h"
	settings.byChannel["chan1"] = cfg

	far := &StreamState{VideoID: "vid-far", Upcoming: true,
		ScheduledStart: time.Now().Add(5 * time.Hour)}
	d.DeliverStream(ctx, ch, targets, Transition{Kind: KindUpcoming, Stream: far}, nil)
	if len(msgr.created) != 0 {
		t.Errorf("notice sent outside window")
	}

	near := &StreamState{VideoID: "vid-near", Upcoming: true, Title: "soon",
		ScheduledStart: time.Now().Add(20 * time.Minute)}
	d.DeliverStream(ctx, ch, targets, Transition{Kind: KindUpcoming, Stream: near}, nil)
	if len(msgr.created) != 1 {
		t.Fatalf("messages = %d, want 1", len(msgr.created))
	}
	if c := msgr.created[0].Payload.Embeds[0].Color; c != colorScheduled {
		t.Errorf("color = %d, want scheduled", c)
	}
}

func TestDeliverFeedFiltersRetweets(t *testing.T) {
	d, store, msgr, _ := newTestDispatcher(t)
	ctx := context.Background()
	ch, _ := mustTrack(t, store, SiteTwitter, "feeduser", "chan1")
	targets, _ := store.ListTargets(ctx, ch.ID)

	transitions := []Transition{
		{Kind: KindNewEntry, Item: &FeedItem{ID: 1, URL: "https://t.example/1", AuthorName: "a"}},
		{Kind: KindNewEntry, Item: &FeedItem{ID: 2, URL: "https://t.example/2", AuthorName: "a", Retweet: true}},
	}
	d.DeliverFeed(ctx, ch, targets, transitions)
	if len(msgr.created) != 1 {
		t.Fatalf("messages = %d, want 1 (retweet filtered by default)", len(msgr.created))
	}
	if !strings.Contains(msgr.created[0].Payload.Content, "https://t.example/1") {
		t.Errorf("content = %q", msgr.created[0].Payload.Content)
	}

	// Re-delivery of the same batch is suppressed by the records.
	d.DeliverFeed(ctx, ch, targets, transitions)
	if len(msgr.created) != 1 {
		t.Errorf("messages = %d after replay, want 1", len(msgr.created))
	}
}

func TestDeliverListHonorsDetailSwitches(t *testing.T) {
	d, store, msgr, settings := newTestDispatcher(t)
	ctx := context.Background()
	ch, _ := mustTrack(t, store, SiteMediaList, "listuser", "chan1")
	targets, _ := store.ListTargets(ctx, ch.ID)

	cfg := guildcfg.Defaults()
	cfg.MediaProgress = false
	settings.byChannel["chan1"] = cfg

	prev := &ListEntry{MediaID: 9, Title: "Show", Status: StatusInProgress, Progress: 3}
	transitions := []Transition{
		{Kind: KindProgressUpdate, Entry: &ListEntry{MediaID: 9, Title: "Show", Status: StatusInProgress, Progress: 4}, PrevEntry: prev, ProgressDelta: 1},
		{Kind: KindStatusChange, Entry: &ListEntry{MediaID: 9, Title: "Show", Status: StatusCompleted, Progress: 12}, PrevEntry: prev},
	}
	d.DeliverList(ctx, ch, targets, transitions)
	if len(msgr.created) != 1 {
		t.Fatalf("messages = %d, want 1 (progress disabled)", len(msgr.created))
	}
	desc := msgr.created[0].Payload.Embeds[0].Description
	if !strings.Contains(desc, "Completed") {
		t.Errorf("description = %q", desc)
	}
}

func TestLiveMarkRename(t *testing.T) {
	d, store, msgr, settings := newTestDispatcher(t)
	ctx := context.Background()
	ch, _ := mustTrack(t, store, SiteTwitch, "streamer", "chan1")
	targets, _ := store.ListTargets(ctx, ch.ID)

	cfg := guildcfg.Defaults()
	cfg.RenameOnLive = true
	cfg.BaseName = "stream-chat"
	cfg.LiveMark = "live-"
	settings.byChannel["chan1"] = cfg

	sess := &Session{TrackedChannelID: ch.ID, StartedAt: time.Now()}
	if err := store.CreateSession(ctx, sess); err != nil {
		t.Fatal(err)
	}
	d.DeliverStream(ctx, ch, targets, Transition{Kind: KindLiveStart, Stream: liveState()}, sess)
	if got := msgr.renames["chan1"]; got != "live-stream-chat" {
		t.Errorf("rename = %q, want live-stream-chat", got)
	}

	if err := store.RecordNotification(ctx, &Notification{
		ContentKey: sess.ContentKey(), TargetID: targets[0].ID, Kind: KindLiveStart,
		MessageChannelID: "chan1", MessageID: "m",
	}); err != nil {
		t.Fatal(err)
	}
	d.DeliverStream(ctx, ch, targets, Transition{Kind: KindLiveEnd, Stream: nil}, sess)
	if got := msgr.renames["chan1"]; got != "stream-chat" {
		t.Errorf("rename after end = %q, want stream-chat", got)
	}
}

func TestConfigureLiveRename(t *testing.T) {
	d, _, msgr, settings := newTestDispatcher(t)
	ctx := context.Background()

	if err := d.ConfigureLiveRename(ctx, "chan1", "guild1", "stream-chat", "live-", true); err != nil {
		t.Fatalf("ConfigureLiveRename: %v", err)
	}
	cfg, _ := settings.Get(ctx, "chan1")
	if !cfg.RenameOnLive || cfg.BaseName != "stream-chat" || cfg.LiveMark != "live-" {
		t.Errorf("stored settings = %+v", cfg)
	}
	if got := msgr.renames["chan1"]; got != "stream-chat" {
		t.Errorf("immediate rename = %q, want stream-chat", got)
	}

	// Disabling keeps the stored names but does not rename.
	delete(msgr.renames, "chan1")
	if err := d.ConfigureLiveRename(ctx, "chan1", "guild1", "stream-chat", "live-", false); err != nil {
		t.Fatalf("ConfigureLiveRename: %v", err)
	}
	cfg, _ = settings.Get(ctx, "chan1")
	if cfg.RenameOnLive {
		t.Error("rename should be off")
	}
	if _, ok := msgr.renames["chan1"]; ok {
		t.Error("disable should not touch the channel name")
	}
}

func TestAbbreviate(t *testing.T) {
	if got := abbreviate("short", 10); got != "short" {
		t.Errorf("abbreviate = %q", got)
	}
	long := strings.Repeat("x", 300)
	got := abbreviate(long, 256)
	if len(got) != 256 || !strings.HasSuffix(got, "...") {
		t.Errorf("abbreviate length = %d, suffix = %q", len(got), got[len(got)-3:])
	}
}
