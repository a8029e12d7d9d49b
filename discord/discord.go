// Package discord contains a minimal typed client for the Discord REST API:
// message create/edit/delete, DM channels, and channel renames. Responses are
// classified into the failure categories the tracker core reacts to
// (permission-denied, not-found, rate-limited, transient) instead of opaque errors.
package discord

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"time"

	"github.com/codeGROOVE-dev/retry"
)

// Sentinel errors for expected delivery failure classes. Callers should test
// with errors.Is; APIError carries the raw status/code for logging.
var (
	ErrPermissionDenied = errors.New("discord: permission denied")
	ErrNotFound         = errors.New("discord: not found")
)

// APIError is a non-2xx Discord API response.
type APIError struct {
	Status  int
	Code    int    `json:"code"`
	Message string `json:"message"`
}

func (e *APIError) Error() string {
	return fmt.Sprintf("discord api: status %d code %d: %s", e.Status, e.Code, e.Message)
}

func (e *APIError) Unwrap() error {
	switch e.Status {
	case http.StatusForbidden:
		return ErrPermissionDenied
	case http.StatusNotFound:
		return ErrNotFound
	}
	return nil
}

// Embed mirrors the subset of the Discord embed object the notifier builds.
type Embed struct {
	Title       string       `json:"title,omitempty"`
	Description string       `json:"description,omitempty"`
	URL         string       `json:"url,omitempty"`
	Color       int          `json:"color,omitempty"`
	Timestamp   string       `json:"timestamp,omitempty"`
	Author      *EmbedAuthor `json:"author,omitempty"`
	Footer      *EmbedFooter `json:"footer,omitempty"`
	Thumbnail   *EmbedMedia  `json:"thumbnail,omitempty"`
	Image       *EmbedMedia  `json:"image,omitempty"`
	Fields      []EmbedField `json:"fields,omitempty"`
}

type EmbedAuthor struct {
	Name    string `json:"name,omitempty"`
	URL     string `json:"url,omitempty"`
	IconURL string `json:"icon_url,omitempty"`
}

type EmbedFooter struct {
	Text    string `json:"text,omitempty"`
	IconURL string `json:"icon_url,omitempty"`
}

type EmbedMedia struct {
	URL string `json:"url,omitempty"`
}

type EmbedField struct {
	Name   string `json:"name"`
	Value  string `json:"value"`
	Inline bool   `json:"inline,omitempty"`
}

// MessagePayload is the request body for message create/edit.
type MessagePayload struct {
	Content string  `json:"content,omitempty"`
	Embeds  []Embed `json:"embeds,omitempty"`
}

// Message is the subset of the message object the tracker stores.
type Message struct {
	ID        string `json:"id"`
	ChannelID string `json:"channel_id"`
}

// Client issues authenticated Discord REST calls.
type Client struct {
	Token      string
	BaseURL    string // e.g. https://discord.com/api/v10
	HTTPClient *http.Client
}

func (c *Client) http() *http.Client {
	if c.HTTPClient != nil {
		return c.HTTPClient
	}
	return http.DefaultClient
}

// do performs one API call with bounded retries for transient failures.
// 403/404 return immediately (classified); 429 sleeps the advertised
// retry_after then retries; network errors and 5xx retry with backoff.
func (c *Client) do(ctx context.Context, method, path string, body any, out any) error {
	var payload []byte
	if body != nil {
		var err error
		payload, err = json.Marshal(body)
		if err != nil {
			return fmt.Errorf("marshal request: %w", err)
		}
	}
	attempt := func() error {
		var rdr io.Reader
		if payload != nil {
			rdr = bytes.NewReader(payload)
		}
		req, err := http.NewRequestWithContext(ctx, method, c.BaseURL+path, rdr)
		if err != nil {
			return retry.Unrecoverable(err)
		}
		req.Header.Set("Authorization", "Bot "+c.Token)
		if payload != nil {
			req.Header.Set("Content-Type", "application/json")
		}
		resp, err := c.http().Do(req)
		if err != nil {
			return err // retryable: network failure
		}
		defer func() {
			if err := resp.Body.Close(); err != nil {
				slog.Warn("failed to close response body", slog.Any("err", err))
			}
		}()
		if resp.StatusCode == http.StatusTooManyRequests {
			var rl struct {
				RetryAfter float64 `json:"retry_after"`
			}
			_ = json.NewDecoder(resp.Body).Decode(&rl)
			wait := time.Duration(rl.RetryAfter * float64(time.Second))
			if wait <= 0 || wait > 30*time.Second {
				wait = time.Second
			}
			select {
			case <-ctx.Done():
				return retry.Unrecoverable(ctx.Err())
			case <-time.After(wait):
			}
			return fmt.Errorf("discord rate limited, retried after %s", wait)
		}
		if resp.StatusCode >= 500 {
			return fmt.Errorf("discord server error: %s", resp.Status)
		}
		if resp.StatusCode >= 400 {
			apiErr := &APIError{Status: resp.StatusCode}
			_ = json.NewDecoder(resp.Body).Decode(apiErr)
			return retry.Unrecoverable(apiErr)
		}
		if out != nil {
			if err := json.NewDecoder(resp.Body).Decode(out); err != nil {
				return retry.Unrecoverable(fmt.Errorf("decode response: %w", err))
			}
		}
		return nil
	}
	return retry.Do(attempt,
		retry.Attempts(4),
		retry.Delay(500*time.Millisecond),
		retry.MaxDelay(10*time.Second),
		retry.MaxJitter(time.Second),
		retry.Context(ctx),
		retry.LastErrorOnly(true),
	)
}

// CreateMessage posts a message to a channel.
func (c *Client) CreateMessage(ctx context.Context, channelID string, m MessagePayload) (*Message, error) {
	var msg Message
	if err := c.do(ctx, http.MethodPost, "/channels/"+channelID+"/messages", m, &msg); err != nil {
		return nil, err
	}
	return &msg, nil
}

// EditMessage replaces the content/embeds of an existing message.
func (c *Client) EditMessage(ctx context.Context, channelID, messageID string, m MessagePayload) (*Message, error) {
	var msg Message
	if err := c.do(ctx, http.MethodPatch, "/channels/"+channelID+"/messages/"+messageID, m, &msg); err != nil {
		return nil, err
	}
	return &msg, nil
}

// DeleteMessage removes a message.
func (c *Client) DeleteMessage(ctx context.Context, channelID, messageID string) error {
	return c.do(ctx, http.MethodDelete, "/channels/"+channelID+"/messages/"+messageID, nil, nil)
}

// CreateDM opens (or returns the existing) DM channel with a user.
func (c *Client) CreateDM(ctx context.Context, userID string) (string, error) {
	var ch struct {
		ID string `json:"id"`
	}
	body := map[string]string{"recipient_id": userID}
	if err := c.do(ctx, http.MethodPost, "/users/@me/channels", body, &ch); err != nil {
		return "", err
	}
	return ch.ID, nil
}

// ModifyChannelName renames a guild channel (live marker feature).
func (c *Client) ModifyChannelName(ctx context.Context, channelID, name string) error {
	body := map[string]string{"name": name}
	return c.do(ctx, http.MethodPatch, "/channels/"+channelID, body, nil)
}

// GuildOwner returns the owner user id for a guild.
func (c *Client) GuildOwner(ctx context.Context, guildID string) (string, error) {
	var g struct {
		OwnerID string `json:"owner_id"`
	}
	if err := c.do(ctx, http.MethodGet, "/guilds/"+guildID, nil, &g); err != nil {
		return "", err
	}
	return g.OwnerID, nil
}

// IsPermissionDenied reports whether err is a 403-class delivery failure.
func IsPermissionDenied(err error) bool { return errors.Is(err, ErrPermissionDenied) }

// IsNotFound reports whether err is a 404-class failure.
func IsNotFound(err error) bool { return errors.Is(err, ErrNotFound) }
