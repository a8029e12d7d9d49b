// Package medialist polls AniList media lists over its GraphQL API and
// flattens them into the tracker's list entries.
package medialist

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"net/http"
	"strconv"
	"time"

	"github.com/hoshizora-dev/kitsune/tracker"
)

// Client queries the AniList GraphQL endpoint. No authentication is needed
// for public lists.
type Client struct {
	Endpoint   string // default https://graphql.anilist.co
	HTTPClient *http.Client
}

const listQuery = `query ($userName: String) {
  MediaListCollection(userName: $userName, type: ANIME) {
    lists {
      entries {
        status
        progress
        score(format: POINT_100)
        media {
          id
          siteUrl
          title { romaji english }
          coverImage { large }
        }
      }
    }
  }
}`

type listResponse struct {
	Data struct {
		MediaListCollection struct {
			Lists []struct {
				Entries []struct {
					Status   string  `json:"status"`
					Progress int     `json:"progress"`
					Score    float64 `json:"score"`
					Media    struct {
						ID      int64  `json:"id"`
						SiteURL string `json:"siteUrl"`
						Title   struct {
							Romaji  string `json:"romaji"`
							English string `json:"english"`
						} `json:"title"`
						CoverImage struct {
							Large string `json:"large"`
						} `json:"coverImage"`
					} `json:"media"`
				} `json:"entries"`
			} `json:"lists"`
		} `json:"MediaListCollection"`
	} `json:"data"`
	Errors []struct {
		Message string `json:"message"`
		Status  int    `json:"status"`
	} `json:"errors"`
}

func (c *Client) endpoint() string {
	if c.Endpoint != "" {
		return c.Endpoint
	}
	return "https://graphql.anilist.co"
}

func (c *Client) http() *http.Client {
	if c.HTTPClient != nil {
		return c.HTTPClient
	}
	return http.DefaultClient
}

// Entries fetches the user's full anime list, flattened across status lists.
func (c *Client) Entries(ctx context.Context, userName string) ([]tracker.ListEntry, error) {
	payload, err := json.Marshal(map[string]any{
		"query":     listQuery,
		"variables": map[string]string{"userName": userName},
	})
	if err != nil {
		return nil, err
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.endpoint(), bytes.NewReader(payload))
	if err != nil {
		return nil, err
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("Accept", "application/json")
	resp, err := c.http().Do(req)
	if err != nil {
		return nil, err
	}
	defer func() {
		if err := resp.Body.Close(); err != nil {
			slog.Warn("failed to close response body", slog.Any("err", err))
		}
	}()
	if resp.StatusCode == http.StatusTooManyRequests {
		return nil, &tracker.RateLimitedError{Reset: retryAfter(resp.Header.Get("Retry-After"))}
	}
	if resp.StatusCode == http.StatusNotFound {
		return nil, tracker.ErrNotFound
	}
	if resp.StatusCode != http.StatusOK {
		return nil, fmt.Errorf("anilist: %s", resp.Status)
	}
	var body listResponse
	if err := json.NewDecoder(resp.Body).Decode(&body); err != nil {
		return nil, err
	}
	for _, e := range body.Errors {
		if e.Status == http.StatusNotFound {
			return nil, tracker.ErrNotFound
		}
		return nil, fmt.Errorf("anilist: %s", e.Message)
	}
	var out []tracker.ListEntry
	for _, list := range body.Data.MediaListCollection.Lists {
		for _, e := range list.Entries {
			title := e.Media.Title.English
			if title == "" {
				title = e.Media.Title.Romaji
			}
			out = append(out, tracker.ListEntry{
				MediaID:   e.Media.ID,
				Title:     title,
				URL:       e.Media.SiteURL,
				Thumbnail: e.Media.CoverImage.Large,
				Status:    mapStatus(e.Status),
				Progress:  e.Progress,
				Score:     int(e.Score),
			})
		}
	}
	return out, nil
}

func retryAfter(header string) time.Duration {
	secs, err := strconv.Atoi(header)
	if err != nil || secs <= 0 {
		return time.Minute
	}
	return time.Duration(secs) * time.Second
}

func mapStatus(s string) tracker.ConsumptionStatus {
	switch s {
	case "COMPLETED":
		return tracker.StatusCompleted
	case "DROPPED":
		return tracker.StatusDropped
	case "PAUSED":
		return tracker.StatusHold
	case "PLANNING":
		return tracker.StatusPlanToWatch
	case "CURRENT", "REPEATING":
		return tracker.StatusInProgress
	default:
		return tracker.StatusInProgress
	}
}
