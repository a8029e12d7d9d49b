package server

import (
	"database/sql"
	"encoding/json"
	"errors"
	"log/slog"
	"net/http"
	"time"

	"github.com/hoshizora-dev/kitsune/db"
	"github.com/hoshizora-dev/kitsune/reminder"
	"github.com/hoshizora-dev/kitsune/telemetry"
	"github.com/hoshizora-dev/kitsune/tracker"
)

// heartbeatMaxAge is how stale a watcher heartbeat may be before the
// readiness probe reports the service degraded.
const heartbeatMaxAge = 10 * time.Minute

// Handlers carries the dependencies for the HTTP endpoints.
type Handlers struct {
	DB         *sql.DB
	Tracker    *tracker.TrackManager
	Dispatcher *tracker.Dispatcher
	Reminders  *reminder.Store
	Sites      []tracker.Site // watchers expected to heartbeat
}

// HandleHealthz is the liveness probe: process is up.
func (h *Handlers) HandleHealthz(w http.ResponseWriter, _ *http.Request) {
	w.WriteHeader(http.StatusOK)
	_, _ = w.Write([]byte("ok"))
}

// HandleReadyz checks the database and every watcher's heartbeat.
func (h *Handlers) HandleReadyz(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	checks := map[string]string{}
	ready := true

	if err := h.DB.PingContext(ctx); err != nil {
		checks["database"] = err.Error()
		ready = false
	} else {
		checks["database"] = "ok"
	}
	now := time.Now()
	for _, site := range h.Sites {
		stamp := db.GetKV(ctx, h.DB, "watcher_heartbeat_"+string(site))
		if tracker.HeartbeatStale(stamp, heartbeatMaxAge, now) {
			checks["watcher_"+string(site)] = "stale"
			ready = false
		} else {
			checks["watcher_"+string(site)] = "ok"
		}
	}
	if !ready {
		w.WriteHeader(http.StatusServiceUnavailable)
	}
	writeJSON(w, map[string]any{"ready": ready, "checks": checks})
}

// HandleStatus returns a lightweight summary for dashboards.
func (h *Handlers) HandleStatus(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	counts, err := h.Tracker.Store.CountChannels(ctx)
	if err != nil {
		telemetry.LoggerWithCorr(ctx).Error("status count failed", slog.Any("err", err))
		http.Error(w, "status unavailable", http.StatusInternalServerError)
		return
	}
	heartbeats := map[string]string{}
	for _, site := range h.Sites {
		heartbeats[string(site)] = db.GetKV(ctx, h.DB, "watcher_heartbeat_"+string(site))
	}
	writeJSON(w, map[string]any{
		"tracked":    counts,
		"heartbeats": heartbeats,
	})
}

type trackRequest struct {
	Site             string `json:"site"`
	ChannelID        string `json:"channel_id"`
	DiscordChannelID string `json:"discord_channel_id"`
	DiscordGuildID   string `json:"discord_guild_id"`
	UserID           string `json:"user_id"`
}

// HandleTrack subscribes a Discord channel to a platform entity.
func (h *Handlers) HandleTrack(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
		return
	}
	var req trackRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		http.Error(w, "invalid body", http.StatusBadRequest)
		return
	}
	site, err := tracker.ParseSite(req.Site)
	if err != nil {
		http.Error(w, err.Error(), http.StatusBadRequest)
		return
	}
	if req.ChannelID == "" || req.DiscordChannelID == "" {
		http.Error(w, "channel_id and discord_channel_id required", http.StatusBadRequest)
		return
	}
	ch, err := h.Tracker.Track(r.Context(), site, req.ChannelID, req.DiscordChannelID, req.DiscordGuildID, req.UserID)
	if err != nil {
		telemetry.LoggerWithCorr(r.Context()).Error("track failed", slog.Any("err", err))
		http.Error(w, "track failed", http.StatusInternalServerError)
		return
	}
	writeJSON(w, map[string]any{"tracked_channel_id": ch.ID})
}

// HandleUntrack removes a Discord channel's subscription.
func (h *Handlers) HandleUntrack(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
		return
	}
	var req trackRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		http.Error(w, "invalid body", http.StatusBadRequest)
		return
	}
	site, err := tracker.ParseSite(req.Site)
	if err != nil {
		http.Error(w, err.Error(), http.StatusBadRequest)
		return
	}
	removed, err := h.Tracker.Untrack(r.Context(), site, req.ChannelID, req.DiscordChannelID)
	if err != nil {
		telemetry.LoggerWithCorr(r.Context()).Error("untrack failed", slog.Any("err", err))
		http.Error(w, "untrack failed", http.StatusInternalServerError)
		return
	}
	if !removed {
		http.Error(w, "not tracked", http.StatusNotFound)
		return
	}
	writeJSON(w, map[string]any{"removed": true})
}

type mentionRequest struct {
	Site      string `json:"site"`
	ChannelID string `json:"channel_id"`
	GuildID   string `json:"guild_id"`
	RoleID    string `json:"role_id"`
}

// HandleMention registers the role pinged for a channel's live notices.
func (h *Handlers) HandleMention(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
		return
	}
	var req mentionRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		http.Error(w, "invalid body", http.StatusBadRequest)
		return
	}
	site, err := tracker.ParseSite(req.Site)
	if err != nil {
		http.Error(w, err.Error(), http.StatusBadRequest)
		return
	}
	if req.GuildID == "" || req.RoleID == "" {
		http.Error(w, "guild_id and role_id required", http.StatusBadRequest)
		return
	}
	if err := h.Tracker.SetMention(r.Context(), site, req.ChannelID, req.GuildID, req.RoleID); err != nil {
		http.Error(w, err.Error(), http.StatusBadRequest)
		return
	}
	writeJSON(w, map[string]any{"ok": true})
}

type renameRequest struct {
	DiscordChannelID string `json:"discord_channel_id"`
	GuildID          string `json:"guild_id"`
	BaseName         string `json:"base_name"`
	Mark             string `json:"mark"`
	Enabled          bool   `json:"enabled"`
}

// HandleRename configures the live channel-name marker for a Discord channel
// and applies the base name immediately.
func (h *Handlers) HandleRename(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
		return
	}
	var req renameRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		http.Error(w, "invalid body", http.StatusBadRequest)
		return
	}
	if req.DiscordChannelID == "" {
		http.Error(w, "discord_channel_id required", http.StatusBadRequest)
		return
	}
	if req.Enabled && req.BaseName == "" {
		http.Error(w, "base_name required when enabled", http.StatusBadRequest)
		return
	}
	if err := h.Dispatcher.ConfigureLiveRename(r.Context(), req.DiscordChannelID, req.GuildID, req.BaseName, req.Mark, req.Enabled); err != nil {
		telemetry.LoggerWithCorr(r.Context()).Error("rename config failed", slog.Any("err", err))
		http.Error(w, "rename config failed", http.StatusInternalServerError)
		return
	}
	writeJSON(w, map[string]any{"ok": true})
}

type remindRequest struct {
	ID              int64  `json:"id"`
	UserID          string `json:"user_id"`
	OriginChannelID string `json:"origin_channel_id"`
	Content         string `json:"content"`
	RemindIn        string `json:"remind_in"` // Go duration, e.g. "45m"
	RemindAt        string `json:"remind_at"` // RFC 3339, wins over remind_in
}

// HandleRemind manages reminders: POST schedules one, GET lists a user's
// pending reminders, DELETE cancels one the user owns.
func (h *Handlers) HandleRemind(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	switch r.Method {
	case http.MethodGet:
		userID := r.URL.Query().Get("user_id")
		if userID == "" {
			http.Error(w, "user_id required", http.StatusBadRequest)
			return
		}
		list, err := h.Reminders.ListForUser(ctx, userID)
		if err != nil {
			telemetry.LoggerWithCorr(ctx).Error("reminder list failed", slog.Any("err", err))
			http.Error(w, "list failed", http.StatusInternalServerError)
			return
		}
		out := make([]map[string]any, 0, len(list))
		for _, rem := range list {
			out = append(out, map[string]any{
				"id":        rem.ID,
				"content":   rem.Content,
				"remind_at": rem.RemindAt.UTC().Format(time.RFC3339),
			})
		}
		writeJSON(w, map[string]any{"reminders": out})
	case http.MethodPost:
		var req remindRequest
		if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
			http.Error(w, "invalid body", http.StatusBadRequest)
			return
		}
		if req.UserID == "" || req.Content == "" {
			http.Error(w, "user_id and content required", http.StatusBadRequest)
			return
		}
		remindAt, err := parseRemindTime(req, time.Now())
		if err != nil {
			http.Error(w, err.Error(), http.StatusBadRequest)
			return
		}
		id, err := h.Reminders.Create(ctx, req.UserID, req.OriginChannelID, req.Content, remindAt)
		if err != nil {
			telemetry.LoggerWithCorr(ctx).Error("reminder create failed", slog.Any("err", err))
			http.Error(w, "create failed", http.StatusInternalServerError)
			return
		}
		writeJSON(w, map[string]any{"id": id, "remind_at": remindAt.UTC().Format(time.RFC3339)})
	case http.MethodDelete:
		var req remindRequest
		if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
			http.Error(w, "invalid body", http.StatusBadRequest)
			return
		}
		if req.ID == 0 || req.UserID == "" {
			http.Error(w, "id and user_id required", http.StatusBadRequest)
			return
		}
		ok, err := h.Reminders.Cancel(ctx, req.ID, req.UserID)
		if err != nil {
			telemetry.LoggerWithCorr(ctx).Error("reminder cancel failed", slog.Any("err", err))
			http.Error(w, "cancel failed", http.StatusInternalServerError)
			return
		}
		if !ok {
			http.Error(w, "not found", http.StatusNotFound)
			return
		}
		writeJSON(w, map[string]any{"removed": true})
	default:
		http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
	}
}

func parseRemindTime(req remindRequest, now time.Time) (time.Time, error) {
	if req.RemindAt != "" {
		at, err := time.Parse(time.RFC3339, req.RemindAt)
		if err != nil {
			return time.Time{}, errors.New("remind_at must be RFC 3339")
		}
		return at, nil
	}
	if req.RemindIn != "" {
		d, err := time.ParseDuration(req.RemindIn)
		if err != nil || d <= 0 {
			return time.Time{}, errors.New("remind_in must be a positive duration")
		}
		return now.Add(d), nil
	}
	return time.Time{}, errors.New("remind_in or remind_at required")
}

func writeJSON(w http.ResponseWriter, v any) {
	w.Header().Set("Content-Type", "application/json")
	if err := json.NewEncoder(w).Encode(v); err != nil {
		slog.Warn("failed to encode response", slog.Any("err", err))
	}
}
