// Package oauth keeps persisted provider tokens fresh. A background loop
// wakes on a jittered interval and refreshes any token whose remaining
// lifetime has fallen inside the configured window.
package oauth

import (
	"context"
	"database/sql"
	"log/slog"
	"math/rand"
	"strings"
	"time"

	"github.com/hoshizora-dev/kitsune/db"
)

// RefreshFunc exchanges a refresh token for new credentials and returns
// (access, refresh, expiry, scope).
type RefreshFunc func(ctx context.Context, refreshToken string) (string, string, time.Time, string, error)

// refreshIfNeeded checks the stored token once and refreshes it when it
// expires within window. Reports whether a refresh was performed.
func refreshIfNeeded(ctx context.Context, dbx *sql.DB, provider string, window time.Duration, fn RefreshFunc) bool {
	_, refresh, expiry, scope, err := db.GetOAuthToken(ctx, dbx, provider)
	if err != nil {
		slog.Warn("token lookup failed", slog.String("provider", provider), slog.Any("err", err))
		return false
	}
	if refresh == "" {
		return false
	}
	if time.Until(expiry) > window {
		return false
	}

	rctx, cancel := context.WithTimeout(ctx, 15*time.Second)
	newAccess, newRefresh, newExpiry, newScope, err := fn(rctx, refresh)
	cancel()
	if err != nil {
		slog.Warn("token refresh failed", slog.String("provider", provider), slog.Any("err", err))
		return false
	}
	// Providers may omit a rotated refresh token or scope; keep the old ones.
	if newRefresh == "" {
		newRefresh = refresh
	}
	if newScope == "" {
		newScope = scope
	}
	if err := db.UpsertOAuthToken(ctx, dbx, provider, newAccess, newRefresh, newExpiry, strings.TrimSpace(newScope)); err != nil {
		slog.Warn("token persist failed", slog.String("provider", provider), slog.Any("err", err))
		return false
	}
	slog.Info("token refreshed", slog.String("provider", provider),
		slog.Time("expires_at", newExpiry))
	return true
}

// StartRefresher launches a goroutine that keeps the provider's oauth_tokens
// row fresh until ctx is canceled. interval is how often to check; window is
// the remaining lifetime that triggers a refresh. Wakeups are jittered so
// multiple instances don't stampede the provider at the same moment.
func StartRefresher(ctx context.Context, dbx *sql.DB, provider string, interval, window time.Duration, fn RefreshFunc) {
	if interval <= 0 {
		interval = 5 * time.Minute
	}
	if window <= 0 {
		window = 15 * time.Minute
	}
	go func() {
		slog.Info("oauth refresher starting", slog.String("provider", provider),
			slog.Duration("interval", interval), slog.Duration("window", window))
		for {
			refreshIfNeeded(ctx, dbx, provider, window, fn)

			jitterRange := int64(interval / 5)
			//nolint:gosec // G404: scheduling jitter, not security sensitive
			jitter := time.Duration(rand.Int63n(jitterRange*2) - jitterRange)
			select {
			case <-ctx.Done():
				slog.Info("oauth refresher stopping", slog.String("provider", provider))
				return
			case <-time.After(interval + jitter):
			}
		}
	}()
}
