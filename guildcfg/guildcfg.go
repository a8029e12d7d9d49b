// Package guildcfg resolves per-Discord-channel feature settings for the
// tracker core. Settings rows are created on demand with defaults; the core
// reads them and writes exactly one thing back: flipping a feature off when
// delivery fails with a permissions error.
//
// Toggles are addressed by name through an explicit descriptor table rather
// than reflection, so feature names used in the disable path are a closed,
// greppable set.
package guildcfg

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"time"
)

// Feature names accepted by ToggleByName / DisableFeature.
const (
	FeatureStreams = "streams"
	FeatureUploads = "uploads"
	FeatureTwitter = "twitter"
	FeatureMedia   = "media"
)

// FeatureSettings holds the notification preferences for one Discord channel.
type FeatureSettings struct {
	// Per-site master switches.
	Streams bool `json:"streams"`
	Twitter bool `json:"twitter"`
	Media   bool `json:"media"`

	// Stream notification detail.
	Uploads        bool   `json:"uploads"`
	StreamCreation bool   `json:"stream_creation"`
	UpcomingNotice string `json:"upcoming_notice,omitempty"` // duration string; empty disables upcoming notices
	Thumbnails     bool   `json:"thumbnails"`
	ViewerCounts   bool   `json:"viewer_counts"`
	Summaries      bool   `json:"summaries"`

	// Twitter detail.
	DisplayRetweet bool `json:"display_retweet"`
	DisplayQuote   bool `json:"display_quote"`
	DisplayReply   bool `json:"display_reply"`
	AutoTranslate  bool `json:"auto_translate"`

	// Media list detail.
	MediaNewItem      bool `json:"media_new_item"`
	MediaStatusChange bool `json:"media_status_change"`
	MediaProgress     bool `json:"media_progress"`

	// Live channel rename.
	RenameOnLive bool   `json:"rename_on_live"`
	LiveMark     string `json:"live_mark,omitempty"`
	BaseName     string `json:"base_name,omitempty"`
}

// Defaults returns the settings applied to a channel with no stored row.
func Defaults() *FeatureSettings {
	return &FeatureSettings{
		Streams:           true,
		Twitter:           true,
		Media:             true,
		Uploads:           true,
		Summaries:         true,
		ViewerCounts:      true,
		MediaNewItem:      true,
		MediaStatusChange: true,
		MediaProgress:     true,
	}
}

// UpcomingWindow parses the configured upcoming-notice duration.
// Zero means upcoming notices are disabled for this channel.
func (s *FeatureSettings) UpcomingWindow() time.Duration {
	if s.UpcomingNotice == "" {
		return 0
	}
	d, err := time.ParseDuration(s.UpcomingNotice)
	if err != nil || d < 0 {
		return 0
	}
	return d
}

// Toggle describes one named boolean setting.
type Toggle struct {
	Name string
	Get  func(*FeatureSettings) bool
	Set  func(*FeatureSettings, bool)
}

// Toggles is the closed set of feature switches addressable by name.
var Toggles = []Toggle{
	{FeatureStreams, func(s *FeatureSettings) bool { return s.Streams }, func(s *FeatureSettings, v bool) { s.Streams = v }},
	{FeatureUploads, func(s *FeatureSettings) bool { return s.Uploads }, func(s *FeatureSettings, v bool) { s.Uploads = v }},
	{FeatureTwitter, func(s *FeatureSettings) bool { return s.Twitter }, func(s *FeatureSettings, v bool) { s.Twitter = v }},
	{FeatureMedia, func(s *FeatureSettings) bool { return s.Media }, func(s *FeatureSettings, v bool) { s.Media = v }},
}

// ToggleByName resolves a descriptor; ok is false for unknown names.
func ToggleByName(name string) (Toggle, bool) {
	for _, t := range Toggles {
		if t.Name == name {
			return t, true
		}
	}
	return Toggle{}, false
}

// Store reads and writes feature_settings rows.
type Store struct {
	DB *sql.DB
}

// Get returns the settings for a Discord channel, falling back to defaults
// when no row exists. The guild id is recorded on first write only.
func (s *Store) Get(ctx context.Context, discordChannelID string) (*FeatureSettings, error) {
	var raw []byte
	err := s.DB.QueryRowContext(ctx,
		`SELECT settings FROM feature_settings WHERE discord_channel_id=$1`, discordChannelID).Scan(&raw)
	if err == sql.ErrNoRows {
		return Defaults(), nil
	}
	if err != nil {
		return nil, fmt.Errorf("load feature settings: %w", err)
	}
	cfg := Defaults()
	if err := json.Unmarshal(raw, cfg); err != nil {
		return nil, fmt.Errorf("decode feature settings: %w", err)
	}
	return cfg, nil
}

// Put stores the full settings blob for a channel.
func (s *Store) Put(ctx context.Context, discordChannelID, guildID string, cfg *FeatureSettings) error {
	raw, err := json.Marshal(cfg)
	if err != nil {
		return fmt.Errorf("encode feature settings: %w", err)
	}
	_, err = s.DB.ExecContext(ctx,
		`INSERT INTO feature_settings (discord_channel_id, guild_id, settings, updated_at) VALUES ($1,$2,$3,CURRENT_TIMESTAMP)
		 ON CONFLICT(discord_channel_id) DO UPDATE SET settings=EXCLUDED.settings, updated_at=CURRENT_TIMESTAMP`,
		discordChannelID, guildID, raw)
	return err
}

// DisableFeature flips the named toggle off for a channel. Called by the
// dispatcher on permission loss; unknown feature names are an error.
func (s *Store) DisableFeature(ctx context.Context, discordChannelID, feature string) error {
	t, ok := ToggleByName(feature)
	if !ok {
		return fmt.Errorf("unknown feature %q", feature)
	}
	cfg, err := s.Get(ctx, discordChannelID)
	if err != nil {
		return err
	}
	if !t.Get(cfg) {
		return nil // already off
	}
	t.Set(cfg, false)
	return s.Put(ctx, discordChannelID, "", cfg)
}
