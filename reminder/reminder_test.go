package reminder

import (
	"context"
	"strings"
	"testing"
	"time"

	"github.com/hoshizora-dev/kitsune/discord"
	"github.com/hoshizora-dev/kitsune/testutil"
)

func openTestStore(t *testing.T) *Store {
	t.Helper()
	return &Store{DB: testutil.SetupTestDB(t)}
}

type fakeMessenger struct {
	sent     []string // content per message
	channels []string // destination per message
	dmFails  bool
}

func (f *fakeMessenger) CreateDM(_ context.Context, userID string) (string, error) {
	if f.dmFails {
		return "", context.DeadlineExceeded
	}
	return "dm-" + userID, nil
}

func (f *fakeMessenger) CreateMessage(_ context.Context, channelID string, m discord.MessagePayload) (*discord.Message, error) {
	f.sent = append(f.sent, m.Content)
	f.channels = append(f.channels, channelID)
	return &discord.Message{ID: "m1"}, nil
}

func TestDeliverDueRemovesDelivered(t *testing.T) {
	s := openTestStore(t)
	ctx := context.Background()
	now := time.Now()

	if _, err := s.Create(ctx, "user1", "chan1", "check the oven", now.Add(-time.Minute)); err != nil {
		t.Fatalf("Create: %v", err)
	}
	futureID, err := s.Create(ctx, "user1", "", "next week", now.Add(time.Hour))
	if err != nil {
		t.Fatalf("Create: %v", err)
	}

	m := &fakeMessenger{}
	s.DeliverDue(ctx, m, now)

	if len(m.sent) != 1 {
		t.Fatalf("sent = %d, want 1", len(m.sent))
	}
	if !strings.Contains(m.sent[0], "check the oven") || !strings.Contains(m.sent[0], "<#chan1>") {
		t.Errorf("content = %q", m.sent[0])
	}
	remaining, err := s.ListForUser(ctx, "user1")
	if err != nil || len(remaining) != 1 || remaining[0].ID != futureID {
		t.Errorf("remaining = %+v err=%v, want only the future reminder", remaining, err)
	}
}

func TestDeliverDueKeepsFailedDeliveries(t *testing.T) {
	s := openTestStore(t)
	ctx := context.Background()
	now := time.Now()

	if _, err := s.Create(ctx, "user1", "", "try again later", now.Add(-time.Minute)); err != nil {
		t.Fatalf("Create: %v", err)
	}
	m := &fakeMessenger{dmFails: true}
	s.DeliverDue(ctx, m, now)

	remaining, _ := s.ListForUser(ctx, "user1")
	if len(remaining) != 1 {
		t.Errorf("remaining = %d, want 1 (failed delivery kept)", len(remaining))
	}
}

func TestDeliverDueFallsBackToOriginChannel(t *testing.T) {
	s := openTestStore(t)
	ctx := context.Background()
	now := time.Now()

	if _, err := s.Create(ctx, "user1", "chan1", "dm closed", now.Add(-time.Minute)); err != nil {
		t.Fatalf("Create: %v", err)
	}
	m := &fakeMessenger{dmFails: true}
	s.DeliverDue(ctx, m, now)

	if len(m.sent) != 1 || m.channels[0] != "chan1" {
		t.Fatalf("sent = %v to %v, want one message to chan1", m.sent, m.channels)
	}
	if !strings.Contains(m.sent[0], "<@user1>") {
		t.Errorf("fallback should ping the user, got %q", m.sent[0])
	}
	if remaining, _ := s.ListForUser(ctx, "user1"); len(remaining) != 0 {
		t.Errorf("remaining = %d, want 0 after fallback delivery", len(remaining))
	}
}

func TestCancel(t *testing.T) {
	s := openTestStore(t)
	ctx := context.Background()

	id, err := s.Create(ctx, "user1", "", "cancel me", time.Now().Add(time.Hour))
	if err != nil {
		t.Fatalf("Create: %v", err)
	}
	// Another user cannot cancel it.
	ok, err := s.Cancel(ctx, id, "user2")
	if err != nil || ok {
		t.Errorf("foreign cancel = %v err=%v", ok, err)
	}
	ok, err = s.Cancel(ctx, id, "user1")
	if err != nil || !ok {
		t.Errorf("owner cancel = %v err=%v", ok, err)
	}
}
