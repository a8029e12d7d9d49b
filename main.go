// Command kitsune is the entrypoint for the cross-platform tracker service.
// It:
//   - Loads configuration and initializes structured logging.
//   - Connects to Postgres and runs idempotent migrations.
//   - Starts one watcher per configured platform (Twitch live status, YouTube
//     video lifecycle, Twitter timelines, AniList media lists), the reminder
//     delivery job, and the YouTube OAuth token refresher.
//   - Exposes an HTTP server with health probes, metrics, and the
//     track/untrack/mention/remind management endpoints.
//
// Shutdown is graceful on SIGINT/SIGTERM.
package main

import (
	"context"
	"log/slog"
	"net/http"
	_ "net/http/pprof" //nolint:gosec // G108: pprof endpoints enabled only when ENABLE_PPROF=1
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"golang.org/x/oauth2"
	"golang.org/x/oauth2/google"

	"github.com/joho/godotenv"

	"github.com/hoshizora-dev/kitsune/config"
	"github.com/hoshizora-dev/kitsune/db"
	"github.com/hoshizora-dev/kitsune/discord"
	"github.com/hoshizora-dev/kitsune/guildcfg"
	"github.com/hoshizora-dev/kitsune/medialist"
	"github.com/hoshizora-dev/kitsune/oauth"
	"github.com/hoshizora-dev/kitsune/reminder"
	"github.com/hoshizora-dev/kitsune/server"
	"github.com/hoshizora-dev/kitsune/telemetry"
	"github.com/hoshizora-dev/kitsune/tracker"
	"github.com/hoshizora-dev/kitsune/twitchapi"
	"github.com/hoshizora-dev/kitsune/twitterapi"
	"github.com/hoshizora-dev/kitsune/youtubeapi"
)

// envDuration reads a duration env var, falling back to def when unset or
// unparseable.
func envDuration(name string, def time.Duration) time.Duration {
	raw := os.Getenv(name)
	if raw == "" {
		return def
	}
	d, err := time.ParseDuration(raw)
	if err != nil || d <= 0 {
		slog.Warn("invalid duration env, using default",
			slog.String("name", name), slog.String("value", raw), slog.Duration("default", def))
		return def
	}
	return d
}

func main() {
	// Load .env file if present (local dev convenience only; production relies on real env)
	_ = godotenv.Load()

	// Configure logging (level + format). Defaults: level=info, format=text.
	lvl := slog.LevelInfo
	switch strings.ToLower(os.Getenv("LOG_LEVEL")) {
	case "debug":
		lvl = slog.LevelDebug
	case "warn":
		lvl = slog.LevelWarn
	case "error":
		lvl = slog.LevelError
	case "info", "":
		// keep default
	default:
		tmp := slog.New(slog.NewTextHandler(os.Stdout, nil))
		tmp.Warn("unknown LOG_LEVEL, using info", slog.String("value", os.Getenv("LOG_LEVEL")))
	}
	var handler slog.Handler
	if strings.EqualFold(os.Getenv("LOG_FORMAT"), "json") {
		handler = slog.NewJSONHandler(os.Stdout, &slog.HandlerOptions{Level: lvl})
	} else {
		handler = slog.NewTextHandler(os.Stdout, &slog.HandlerOptions{Level: lvl})
	}
	slog.SetDefault(slog.New(handler))
	slog.Info("logger initialized", slog.String("level", lvl.String()))

	cfg, err := config.Load()
	if err != nil {
		slog.Error("config load failed", slog.Any("err", err))
		os.Exit(1)
	}
	if err := cfg.Validate(); err != nil {
		slog.Error("config invalid", slog.Any("err", err))
		os.Exit(1)
	}

	telemetry.Init()

	// OpenTelemetry tracing (optional; requires OTEL_EXPORTER_OTLP_ENDPOINT)
	shutdown, err := telemetry.InitTracing("kitsune", "1.0.0")
	if err != nil {
		slog.Error("tracing initialization failed", slog.Any("err", err))
		os.Exit(1)
	}
	defer shutdown()

	database, err := db.Connect()
	if err != nil {
		slog.Error("failed to open db", slog.Any("err", err))
		os.Exit(1)
	}
	defer func() {
		if err := database.Close(); err != nil {
			slog.Error("failed to close database", slog.Any("err", err))
		}
	}()

	// Versioned migrations first; embedded SQL as the fallback for deployments
	// that do not ship the migration files alongside the binary.
	slog.Info("running database migrations", slog.String("component", "db_migrate"))
	if err := db.RunMigrations(database); err != nil {
		slog.Warn("versioned migrations failed, attempting embedded SQL fallback",
			slog.Any("err", err), slog.String("component", "db_migrate"))
		if err := db.Migrate(context.Background(), database); err != nil {
			slog.Error("failed to migrate db", slog.Any("err", err))
			os.Exit(1)
		}
	}

	// Root context with graceful shutdown
	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	dc := &discord.Client{Token: cfg.DiscordToken, BaseURL: cfg.DiscordAPIBase}
	store := &tracker.Store{DB: database}
	settings := &guildcfg.Store{DB: database}
	dispatcher := &tracker.Dispatcher{Store: store, Messenger: dc, Settings: settings}
	mgr := &tracker.TrackManager{Store: store}

	var sites []tracker.Site

	if cfg.TwitchEnabled() {
		tw := &twitchapi.Client{
			TokenSource: &twitchapi.TokenSource{ClientID: cfg.TwitchClientID, ClientSecret: cfg.TwitchClientSecret},
			ClientID:    cfg.TwitchClientID,
		}
		w := &tracker.StreamWatcher{
			Store:      store,
			Client:     tw,
			Dispatcher: dispatcher,
			Cooldown: tracker.CooldownSpec{
				CallDelay:     envDuration("TWITCH_CALL_DELAY", time.Second),
				MinimumRepeat: envDuration("TWITCH_REPEAT_INTERVAL", 90*time.Second),
			},
		}
		go w.Run(ctx)
		sites = append(sites, tracker.SiteTwitch)
	} else {
		slog.Info("twitch watcher disabled (missing TWITCH_CLIENT_ID/TWITCH_CLIENT_SECRET)")
	}

	if cfg.YoutubeEnabled() {
		yt, err := youtubeapi.New(ctx, cfg.YTAPIKey)
		if err != nil {
			slog.Error("failed to build youtube client", slog.Any("err", err))
			os.Exit(1)
		}
		mgr.Videos = yt
		w := &tracker.VideoWatcher{
			Store:      store,
			Client:     yt,
			Dispatcher: dispatcher,
			Cooldown: tracker.CooldownSpec{
				CallDelay:     envDuration("YOUTUBE_CALL_DELAY", 2*time.Second),
				MinimumRepeat: envDuration("YOUTUBE_REPEAT_INTERVAL", 5*time.Minute),
			},
		}
		go w.Run(ctx)
		sites = append(sites, tracker.SiteYoutube)
	} else {
		slog.Info("youtube watcher disabled (missing YT_API_KEY)")
	}

	if cfg.TwitterEnabled() {
		w := &tracker.FeedWatcher{
			Store:      store,
			Client:     &twitterapi.Client{BearerToken: cfg.TwitterBearerToken},
			Dispatcher: dispatcher,
			Cooldown: tracker.CooldownSpec{
				CallDelay:     envDuration("TWITTER_CALL_DELAY", time.Second),
				MinimumRepeat: envDuration("TWITTER_REPEAT_INTERVAL", 2*time.Minute),
			},
		}
		go w.Run(ctx)
		sites = append(sites, tracker.SiteTwitter)
	} else {
		slog.Info("twitter watcher disabled (missing TWITTER_BEARER_TOKEN)")
	}

	// Media list polling needs no credentials; the endpoint is public GraphQL.
	lw := &tracker.ListWatcher{
		Store:      store,
		Client:     &medialist.Client{Endpoint: cfg.MediaListEndpoint},
		Dispatcher: dispatcher,
		Cooldown: tracker.CooldownSpec{
			CallDelay:     envDuration("MEDIALIST_CALL_DELAY", 2*time.Second),
			MinimumRepeat: envDuration("MEDIALIST_REPEAT_INTERVAL", 10*time.Minute),
		},
	}
	go lw.Run(ctx)
	sites = append(sites, tracker.SiteMediaList)

	go reminder.StartReminderJob(ctx, database, dc)

	// Keep the stored YouTube user token fresh for deployments that authorized
	// uploads access via the OAuth flow.
	if cfg.YTClientID != "" {
		oc := &oauth2.Config{
			ClientID:     cfg.YTClientID,
			ClientSecret: cfg.YTClientSecret,
			Endpoint:     google.Endpoint,
			RedirectURL:  cfg.YTRedirectURI,
		}
		oauth.StartRefresher(ctx, database, "youtube", 10*time.Minute, 20*time.Minute,
			func(rctx context.Context, refreshToken string) (string, string, time.Time, string, error) {
				tok, err := oc.TokenSource(rctx, &oauth2.Token{RefreshToken: refreshToken}).Token()
				if err != nil {
					return "", "", time.Time{}, "", err
				}
				return tok.AccessToken, tok.RefreshToken, tok.Expiry, "", nil
			})
	}

	// pprof profiling endpoints in debug mode (ENABLE_PPROF=1)
	if os.Getenv("ENABLE_PPROF") == "1" {
		pprofAddr := os.Getenv("PPROF_ADDR")
		if pprofAddr == "" {
			pprofAddr = "localhost:6060"
		}
		go func() {
			slog.Info("pprof profiling enabled", slog.String("addr", pprofAddr))
			srv := &http.Server{
				Addr:              pprofAddr,
				Handler:           nil, // default mux exposes /debug/pprof
				ReadHeaderTimeout: 5 * time.Second,
				ReadTimeout:       10 * time.Second,
				WriteTimeout:      10 * time.Second,
				IdleTimeout:       60 * time.Second,
			}
			if err := srv.ListenAndServe(); err != nil {
				slog.Error("pprof server error", slog.Any("err", err))
			}
		}()
	}

	addr := os.Getenv("HTTP_ADDR")
	if addr == "" {
		addr = ":8080"
	}
	handlers := &server.Handlers{
		DB:         database,
		Tracker:    mgr,
		Dispatcher: dispatcher,
		Reminders:  &reminder.Store{DB: database},
		Sites:      sites,
	}
	go func() {
		if err := server.Start(ctx, handlers, addr); err != nil {
			slog.Error("http server exited with error", slog.Any("err", err))
		}
	}()

	<-ctx.Done()
	slog.Info("shutting down")
}
