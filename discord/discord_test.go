package discord

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"
)

func newTestClient(t *testing.T, handler http.HandlerFunc) *Client {
	t.Helper()
	srv := httptest.NewServer(handler)
	t.Cleanup(srv.Close)
	return &Client{Token: "test-token", BaseURL: srv.URL, HTTPClient: srv.Client()}
}

func TestCreateMessage(t *testing.T) {
	client := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
		if r.Method != http.MethodPost || r.URL.Path != "/channels/123/messages" {
			t.Errorf("unexpected request: %s %s", r.Method, r.URL.Path)
		}
		if got := r.Header.Get("Authorization"); got != "Bot test-token" {
			t.Errorf("Authorization = %q", got)
		}
		var body MessagePayload
		_ = json.NewDecoder(r.Body).Decode(&body)
		if body.Content != "hello" {
			t.Errorf("content = %q, want hello", body.Content)
		}
		_ = json.NewEncoder(w).Encode(Message{ID: "999", ChannelID: "123"})
	})

	msg, err := client.CreateMessage(context.Background(), "123", MessagePayload{Content: "hello"})
	if err != nil {
		t.Fatalf("CreateMessage() error = %v", err)
	}
	if msg.ID != "999" || msg.ChannelID != "123" {
		t.Errorf("message = %+v", msg)
	}
}

func TestErrorClassification(t *testing.T) {
	tests := []struct {
		name       string
		status     int
		wantPerm   bool
		wantNotFnd bool
	}{
		{"permission denied", http.StatusForbidden, true, false},
		{"not found", http.StatusNotFound, false, true},
		{"bad request", http.StatusBadRequest, false, false},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			client := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
				w.WriteHeader(tt.status)
				_ = json.NewEncoder(w).Encode(map[string]any{"code": 50013, "message": "denied"})
			})
			_, err := client.CreateMessage(context.Background(), "123", MessagePayload{Content: "x"})
			if err == nil {
				t.Fatal("expected error")
			}
			if got := IsPermissionDenied(err); got != tt.wantPerm {
				t.Errorf("IsPermissionDenied = %v, want %v", got, tt.wantPerm)
			}
			if got := IsNotFound(err); got != tt.wantNotFnd {
				t.Errorf("IsNotFound = %v, want %v", got, tt.wantNotFnd)
			}
		})
	}
}

func TestRetryOnServerError(t *testing.T) {
	calls := 0
	client := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
		calls++
		if calls < 3 {
			w.WriteHeader(http.StatusBadGateway)
			return
		}
		_ = json.NewEncoder(w).Encode(Message{ID: "1", ChannelID: "c"})
	})
	_, err := client.CreateMessage(context.Background(), "c", MessagePayload{Content: "x"})
	if err != nil {
		t.Fatalf("CreateMessage() error after retries = %v", err)
	}
	if calls != 3 {
		t.Errorf("calls = %d, want 3", calls)
	}
}

func TestRateLimitHonored(t *testing.T) {
	calls := 0
	client := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
		calls++
		if calls == 1 {
			w.WriteHeader(http.StatusTooManyRequests)
			_ = json.NewEncoder(w).Encode(map[string]any{"retry_after": 0.01})
			return
		}
		_ = json.NewEncoder(w).Encode(Message{ID: "1", ChannelID: "c"})
	})
	_, err := client.CreateMessage(context.Background(), "c", MessagePayload{Content: "x"})
	if err != nil {
		t.Fatalf("CreateMessage() error = %v", err)
	}
	if calls != 2 {
		t.Errorf("calls = %d, want 2", calls)
	}
}

func TestPermissionDeniedNotRetried(t *testing.T) {
	calls := 0
	client := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
		calls++
		w.WriteHeader(http.StatusForbidden)
		_ = json.NewEncoder(w).Encode(map[string]any{"code": 50001, "message": "missing access"})
	})
	_, err := client.CreateMessage(context.Background(), "c", MessagePayload{Content: "x"})
	if !IsPermissionDenied(err) {
		t.Fatalf("want permission denied, got %v", err)
	}
	if calls != 1 {
		t.Errorf("calls = %d, want 1 (no retry on 403)", calls)
	}
}
