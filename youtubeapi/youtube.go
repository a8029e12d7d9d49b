// Package youtubeapi wraps the YouTube Data API for the video watcher: the
// uploads feed of a channel and batched per-video detail lookups. Reads use
// an API key; quota exhaustion surfaces as a rate-limit result so the watcher
// can suspend the tick instead of burning the remaining quota.
package youtubeapi

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"google.golang.org/api/googleapi"
	"google.golang.org/api/option"
	yt "google.golang.org/api/youtube/v3"

	"github.com/hoshizora-dev/kitsune/tracker"
)

// quotaResetWait is used when the daily quota runs out; the Data API does not
// advertise a reset time, so the watcher just backs off a while.
const quotaResetWait = 15 * time.Minute

// Client wraps a YouTube Data API service.
type Client struct {
	svc *yt.Service
}

// New builds a Data API client authenticated by API key.
func New(ctx context.Context, apiKey string, opts ...option.ClientOption) (*Client, error) {
	if apiKey == "" {
		return nil, errors.New("youtube api key empty")
	}
	all := append([]option.ClientOption{option.WithAPIKey(apiKey)}, opts...)
	svc, err := yt.NewService(ctx, all...)
	if err != nil {
		return nil, fmt.Errorf("youtube service: %w", err)
	}
	return &Client{svc: svc}, nil
}

// NewWithService wraps an existing service (tests).
func NewWithService(svc *yt.Service) *Client {
	return &Client{svc: svc}
}

// mapErr converts Data API failures to the watcher's result variants.
func mapErr(err error) error {
	var gerr *googleapi.Error
	if errors.As(err, &gerr) {
		switch gerr.Code {
		case 403, 429:
			return &tracker.RateLimitedError{Reset: quotaResetWait}
		case 404:
			return tracker.ErrNotFound
		}
	}
	return err
}

// uploadsPlaylistID derives the channel's uploads playlist from its id.
// Channel ids are "UC..."; the uploads playlist swaps the prefix to "UU".
func uploadsPlaylistID(channelID string) string {
	if strings.HasPrefix(channelID, "UC") {
		return "UU" + channelID[2:]
	}
	return channelID
}

// RecentUploads lists the newest entries of a channel's uploads playlist.
// The playlist includes regular uploads, scheduled streams and live streams.
func (c *Client) RecentUploads(ctx context.Context, channelID string, max int64) ([]tracker.StreamState, error) {
	call := c.svc.PlaylistItems.List([]string{"snippet", "contentDetails"}).
		PlaylistId(uploadsPlaylistID(channelID)).
		MaxResults(max).
		Context(ctx)
	resp, err := call.Do()
	if err != nil {
		return nil, mapErr(err)
	}
	out := make([]tracker.StreamState, 0, len(resp.Items))
	for _, item := range resp.Items {
		if item.Snippet == nil || item.Snippet.ResourceId == nil {
			continue
		}
		st := tracker.StreamState{
			VideoID:     item.Snippet.ResourceId.VideoId,
			ChannelID:   channelID,
			ChannelName: item.Snippet.ChannelTitle,
			ChannelURL:  "https://www.youtube.com/channel/" + channelID,
			Title:       item.Snippet.Title,
			Description: item.Snippet.Description,
			Thumbnail:   bestThumbnail(item.Snippet.Thumbnails),
			URL:         "https://youtu.be/" + item.Snippet.ResourceId.VideoId,
		}
		if item.ContentDetails != nil && item.ContentDetails.VideoPublishedAt != "" {
			st.PublishedAt, _ = time.Parse(time.RFC3339, item.ContentDetails.VideoPublishedAt)
		}
		out = append(out, st)
	}
	return out, nil
}

// VideoDetails fetches the live/upcoming state of up to 50 videos in one call.
// Videos deleted or privated upstream are simply absent from the result.
func (c *Client) VideoDetails(ctx context.Context, videoIDs []string) ([]tracker.StreamState, error) {
	if len(videoIDs) == 0 {
		return nil, nil
	}
	call := c.svc.Videos.List([]string{"snippet", "contentDetails", "liveStreamingDetails"}).
		Id(videoIDs...).
		Context(ctx)
	resp, err := call.Do()
	if err != nil {
		return nil, mapErr(err)
	}
	out := make([]tracker.StreamState, 0, len(resp.Items))
	for _, v := range resp.Items {
		if v.Snippet == nil {
			continue
		}
		st := tracker.StreamState{
			VideoID:     v.Id,
			ChannelID:   v.Snippet.ChannelId,
			ChannelName: v.Snippet.ChannelTitle,
			ChannelURL:  "https://www.youtube.com/channel/" + v.Snippet.ChannelId,
			Title:       v.Snippet.Title,
			Description: v.Snippet.Description,
			Thumbnail:   bestThumbnail(v.Snippet.Thumbnails),
			URL:         "https://youtu.be/" + v.Id,
			Live:        v.Snippet.LiveBroadcastContent == "live",
			Upcoming:    v.Snippet.LiveBroadcastContent == "upcoming",
		}
		if v.Snippet.PublishedAt != "" {
			st.PublishedAt, _ = time.Parse(time.RFC3339, v.Snippet.PublishedAt)
		}
		if v.ContentDetails != nil {
			st.Duration = parseISODuration(v.ContentDetails.Duration)
		}
		if ls := v.LiveStreamingDetails; ls != nil {
			if ls.ActualStartTime != "" {
				st.StartedAt, _ = time.Parse(time.RFC3339, ls.ActualStartTime)
			}
			if ls.ScheduledStartTime != "" {
				st.ScheduledStart, _ = time.Parse(time.RFC3339, ls.ScheduledStartTime)
			}
			if ls.ActualEndTime != "" {
				st.EndedAt, _ = time.Parse(time.RFC3339, ls.ActualEndTime)
				st.Live = false
			}
			st.Viewers = int(ls.ConcurrentViewers)
		}
		// A broadcast with a fixed duration is a premiere of an uploaded
		// video rather than a real-time stream.
		if (st.Live || st.Upcoming) && st.Duration > 0 {
			st.Premiere = true
		}
		out = append(out, st)
	}
	return out, nil
}

func bestThumbnail(t *yt.ThumbnailDetails) string {
	if t == nil {
		return ""
	}
	for _, cand := range []*yt.Thumbnail{t.Maxres, t.High, t.Medium, t.Default} {
		if cand != nil && cand.Url != "" {
			return cand.Url
		}
	}
	return ""
}

// parseISODuration handles the PT#H#M#S format the Data API uses. Zero on
// any malformed input; the duration only gates premiere detection.
func parseISODuration(s string) time.Duration {
	if !strings.HasPrefix(s, "PT") {
		return 0
	}
	var total time.Duration
	var num int64
	for _, r := range s[2:] {
		switch {
		case r >= '0' && r <= '9':
			num = num*10 + int64(r-'0')
		case r == 'H':
			total += time.Duration(num) * time.Hour
			num = 0
		case r == 'M':
			total += time.Duration(num) * time.Minute
			num = 0
		case r == 'S':
			total += time.Duration(num) * time.Second
			num = 0
		default:
			return 0
		}
	}
	return total
}
