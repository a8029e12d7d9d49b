// Package twitchapi contains minimal helpers to interact with Twitch Helix
// APIs for user resolution and live stream state, using an app access token.
package twitchapi

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"net/http"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/hoshizora-dev/kitsune/tracker"
)

// Client provides the Helix lookups the stream watcher needs.
type Client struct {
	TokenSource *TokenSource
	ClientID    string
	BaseURL     string // default https://api.twitch.tv/helix
	HTTPClient  *http.Client

	mu      sync.Mutex
	avatars map[string]string // login -> profile image url
}

// User is the subset of the Helix user object the tracker uses.
type User struct {
	ID          string `json:"id"`
	Login       string `json:"login"`
	DisplayName string `json:"display_name"`
	AvatarURL   string `json:"profile_image_url"`
}

func (c *Client) http() *http.Client {
	if c.HTTPClient != nil {
		return c.HTTPClient
	}
	return http.DefaultClient
}

func (c *Client) base() string {
	if c.BaseURL != "" {
		return c.BaseURL
	}
	return "https://api.twitch.tv/helix"
}

func (c *Client) get(ctx context.Context, path string, params map[string]string, out any) error {
	tok, err := c.TokenSource.Get(ctx)
	if err != nil {
		return err
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, c.base()+path, nil)
	if err != nil {
		return err
	}
	q := req.URL.Query()
	for k, v := range params {
		q.Set(k, v)
	}
	req.URL.RawQuery = q.Encode()
	req.Header.Set("Client-Id", c.ClientID)
	req.Header.Set("Authorization", "Bearer "+tok)
	resp, err := c.http().Do(req)
	if err != nil {
		return err
	}
	defer func() {
		if err := resp.Body.Close(); err != nil {
			slog.Warn("failed to close response body", slog.Any("err", err))
		}
	}()
	if resp.StatusCode == http.StatusTooManyRequests {
		return &tracker.RateLimitedError{Reset: resetWait(resp.Header.Get("Ratelimit-Reset"))}
	}
	if resp.StatusCode == http.StatusNotFound {
		return tracker.ErrNotFound
	}
	if resp.StatusCode != http.StatusOK {
		return fmt.Errorf("helix %s: %s", path, resp.Status)
	}
	return json.NewDecoder(resp.Body).Decode(out)
}

// resetWait converts the Helix Ratelimit-Reset unix timestamp to a wait.
func resetWait(header string) time.Duration {
	unix, err := strconv.ParseInt(header, 10, 64)
	if err != nil {
		return time.Minute
	}
	wait := time.Until(time.Unix(unix, 0))
	if wait <= 0 || wait > time.Hour {
		return time.Minute
	}
	return wait
}

// ResolveUser resolves a login name to its user record, used when a channel
// is first tracked.
func (c *Client) ResolveUser(ctx context.Context, login string) (*User, error) {
	if login == "" {
		return nil, fmt.Errorf("login empty")
	}
	var body struct {
		Data []User `json:"data"`
	}
	if err := c.get(ctx, "/users", map[string]string{"login": login}, &body); err != nil {
		return nil, err
	}
	if len(body.Data) == 0 {
		return nil, tracker.ErrNotFound
	}
	return &body.Data[0], nil
}

// StreamState fetches the live state of one channel by login. A nil result
// with nil error means the channel is offline.
func (c *Client) StreamState(ctx context.Context, login string) (*tracker.StreamState, error) {
	var body struct {
		Data []struct {
			ID           string    `json:"id"`
			UserID       string    `json:"user_id"`
			UserLogin    string    `json:"user_login"`
			UserName     string    `json:"user_name"`
			Title        string    `json:"title"`
			ViewerCount  int       `json:"viewer_count"`
			StartedAt    time.Time `json:"started_at"`
			ThumbnailURL string    `json:"thumbnail_url"`
		} `json:"data"`
	}
	if err := c.get(ctx, "/streams", map[string]string{"user_login": login}, &body); err != nil {
		return nil, err
	}
	if len(body.Data) == 0 {
		return nil, nil
	}
	s := body.Data[0]
	return &tracker.StreamState{
		ChannelID:     s.UserLogin,
		ChannelName:   s.UserName,
		ChannelURL:    "https://www.twitch.tv/" + s.UserLogin,
		ChannelAvatar: c.avatar(ctx, s.UserLogin),
		Title:         s.Title,
		URL:           "https://www.twitch.tv/" + s.UserLogin,
		Thumbnail:     renderThumbnail(s.ThumbnailURL),
		Live:          true,
		Viewers:       s.ViewerCount,
		StartedAt:     s.StartedAt,
	}, nil
}

// avatar returns the channel's profile image, fetched once and cached for the
// process lifetime. Lookup failures just leave the embed icon empty.
func (c *Client) avatar(ctx context.Context, login string) string {
	c.mu.Lock()
	if c.avatars == nil {
		c.avatars = map[string]string{}
	}
	if url, ok := c.avatars[login]; ok {
		c.mu.Unlock()
		return url
	}
	c.mu.Unlock()
	u, err := c.ResolveUser(ctx, login)
	if err != nil {
		return ""
	}
	c.mu.Lock()
	c.avatars[login] = u.AvatarURL
	c.mu.Unlock()
	return u.AvatarURL
}

// renderThumbnail fills the size template in Helix thumbnail URLs and tags
// the URL with the current minute so Discord's image cache does not pin a
// stale frame for the whole stream.
func renderThumbnail(tmpl string) string {
	if tmpl == "" {
		return ""
	}
	u := strings.ReplaceAll(tmpl, "{width}", "1280")
	u = strings.ReplaceAll(u, "{height}", "720")
	return fmt.Sprintf("%s?t=%d", u, time.Now().Unix()/60)
}
