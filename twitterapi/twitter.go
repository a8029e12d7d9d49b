// Package twitterapi is a thin client for the Twitter v2 user timeline,
// shaped for incremental polling: fetches past a since_id cursor, classifies
// rate limiting via the reset header, and recovers from cursors that fell
// out of the seven-day query window.
package twitterapi

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/hoshizora-dev/kitsune/tracker"
)

// Client issues bearer-authenticated v2 API calls.
type Client struct {
	BearerToken string
	BaseURL     string // default https://api.twitter.com/2
	HTTPClient  *http.Client
	PageSize    int // default 25
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
	return "https://api.twitter.com/2"
}

func (c *Client) pageSize() int {
	if c.PageSize > 0 {
		return c.PageSize
	}
	return 25
}

type timelineResponse struct {
	Data []struct {
		ID                string    `json:"id"`
		Text              string    `json:"text"`
		CreatedAt         time.Time `json:"created_at"`
		PossiblySensitive bool      `json:"possibly_sensitive"`
		ReferencedTweets  []struct {
			Type string `json:"type"`
		} `json:"referenced_tweets"`
	} `json:"data"`
	Includes struct {
		Users []struct {
			ID              string `json:"id"`
			Name            string `json:"name"`
			Username        string `json:"username"`
			ProfileImageURL string `json:"profile_image_url"`
		} `json:"users"`
	} `json:"includes"`
	Meta struct {
		NewestID string `json:"newest_id"`
	} `json:"meta"`
	Errors []struct {
		Parameters map[string][]string `json:"parameters"`
		Message    string              `json:"message"`
	} `json:"errors"`
}

// ResolveUser resolves a handle to its numeric user id.
func (c *Client) ResolveUser(ctx context.Context, username string) (string, error) {
	var body struct {
		Data struct {
			ID string `json:"id"`
		} `json:"data"`
	}
	path := fmt.Sprintf("/users/by/username/%s", username)
	if err := c.get(ctx, path, nil, &body); err != nil {
		return "", err
	}
	if body.Data.ID == "" {
		return "", tracker.ErrNotFound
	}
	return body.Data.ID, nil
}

// RecentItems fetches the user's tweets newer than sinceID. When the cursor
// has aged out of the platform's query window, the timeline is re-fetched
// without it and a stale-cursor result carries the current high-water mark so
// the caller can jump the cursor forward without replaying history.
func (c *Client) RecentItems(ctx context.Context, userID string, sinceID int64) ([]tracker.FeedItem, error) {
	resp, err := c.timeline(ctx, userID, sinceID)
	if err != nil {
		if isStaleCursor(err) {
			fresh, ferr := c.timeline(ctx, userID, 0)
			if ferr != nil {
				return nil, ferr
			}
			newest, _ := strconv.ParseInt(fresh.Meta.NewestID, 10, 64)
			return nil, &tracker.StaleCursorError{NewestID: newest}
		}
		return nil, err
	}
	return c.toItems(userID, resp), nil
}

type staleCursorHTTPError struct{ msg string }

func (e *staleCursorHTTPError) Error() string { return e.msg }

func isStaleCursor(err error) bool {
	var sc *staleCursorHTTPError
	return errors.As(err, &sc)
}

func (c *Client) timeline(ctx context.Context, userID string, sinceID int64) (*timelineResponse, error) {
	params := map[string]string{
		"max_results":  strconv.Itoa(c.pageSize()),
		"tweet.fields": "created_at,referenced_tweets,possibly_sensitive",
		"expansions":   "author_id",
		"user.fields":  "name,username,profile_image_url",
	}
	if sinceID > 0 {
		params["since_id"] = strconv.FormatInt(sinceID, 10)
	}
	var body timelineResponse
	if err := c.get(ctx, "/users/"+userID+"/tweets", params, &body); err != nil {
		return nil, err
	}
	return &body, nil
}

func (c *Client) get(ctx context.Context, path string, params map[string]string, out any) error {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, c.base()+path, nil)
	if err != nil {
		return err
	}
	q := req.URL.Query()
	for k, v := range params {
		q.Set(k, v)
	}
	req.URL.RawQuery = q.Encode()
	req.Header.Set("Authorization", "Bearer "+c.BearerToken)
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
		return &tracker.RateLimitedError{Reset: resetWait(resp.Header.Get("x-rate-limit-reset"))}
	}
	if resp.StatusCode == http.StatusNotFound {
		return tracker.ErrNotFound
	}
	if resp.StatusCode == http.StatusBadRequest {
		b, _ := io.ReadAll(resp.Body)
		if strings.Contains(string(b), "since_id") {
			return &staleCursorHTTPError{msg: "since_id out of range"}
		}
		return fmt.Errorf("twitter %s: %s: %s", path, resp.Status, string(b))
	}
	if resp.StatusCode != http.StatusOK {
		return fmt.Errorf("twitter %s: %s", path, resp.Status)
	}
	return json.NewDecoder(resp.Body).Decode(out)
}

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

func (c *Client) toItems(userID string, resp *timelineResponse) []tracker.FeedItem {
	var authorName, authorHandle, authorAvatar string
	for _, u := range resp.Includes.Users {
		if u.ID == userID {
			authorName = u.Name
			authorHandle = u.Username
			authorAvatar = u.ProfileImageURL
			break
		}
	}
	items := make([]tracker.FeedItem, 0, len(resp.Data))
	for _, tw := range resp.Data {
		id, err := strconv.ParseInt(tw.ID, 10, 64)
		if err != nil {
			continue
		}
		item := tracker.FeedItem{
			ID:           id,
			Text:         tw.Text,
			URL:          fmt.Sprintf("https://twitter.com/%s/status/%s", authorHandle, tw.ID),
			AuthorName:   authorName,
			AuthorURL:    "https://twitter.com/" + authorHandle,
			AuthorAvatar: authorAvatar,
			CreatedAt:    tw.CreatedAt,
			Sensitive:    tw.PossiblySensitive,
		}
		for _, ref := range tw.ReferencedTweets {
			switch ref.Type {
			case "retweeted":
				item.Retweet = true
			case "quoted":
				item.Quote = true
			case "replied_to":
				item.Reply = true
			}
		}
		items = append(items, item)
	}
	return items
}
