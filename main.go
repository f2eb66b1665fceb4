// Command chat-rally is the main entrypoint for the rally bot and its API.
// It:
//   - Loads configuration and initializes structured logging.
//   - Connects to Postgres and runs idempotent migrations.
//   - Joins the configured Twitch channels over IRC and routes chat into the
//     train and trivia engines.
//   - Starts background jobs: OAuth token refreshers for Twitch/Google and
//     results retention.
//   - Exposes an HTTP server with health, status, session, and admin endpoints.
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
	"github.com/onnwee/chat-rally/chat"
	"github.com/onnwee/chat-rally/config"
	"github.com/onnwee/chat-rally/db"
	"github.com/onnwee/chat-rally/history"
	"github.com/onnwee/chat-rally/oauth"
	"github.com/onnwee/chat-rally/server"
	"github.com/onnwee/chat-rally/session"
	"github.com/onnwee/chat-rally/telemetry"
	"github.com/onnwee/chat-rally/train"
	"github.com/onnwee/chat-rally/trivia"
	"github.com/onnwee/chat-rally/twitchapi"
)

// helixResolver resolves winner display names through the app-token client so
// lookups never contend with the bot's chat token.
type helixResolver struct {
	client *twitchapi.HelixClient
}

func (r *helixResolver) DisplayName(ctx context.Context, userID string) (string, error) {
	u, err := r.client.GetUserByID(ctx, userID)
	if err != nil {
		return "", err
	}
	if u.DisplayName != "" {
		return u.DisplayName, nil
	}
	return u.Login, nil
}

func main() {
	// Load .env file if present (local dev convenience only; production relies on real env)
	_ = godotenv.Load(".env")

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
		// unknown level -> keep info but note once using temporary logger
		tmp := slog.New(slog.NewTextHandler(os.Stdout, nil))
		tmp.Warn("unknown LOG_LEVEL, using info", slog.String("value", os.Getenv("LOG_LEVEL")))
	}
	format := strings.ToLower(os.Getenv("LOG_FORMAT")) // text | json
	var handler slog.Handler
	switch format {
	case "json":
		handler = slog.NewJSONHandler(os.Stdout, &slog.HandlerOptions{Level: lvl})
	default:
		handler = slog.NewTextHandler(os.Stdout, &slog.HandlerOptions{Level: lvl})
	}
	slog.SetDefault(slog.New(handler))
	slog.Info("logger initialized", slog.String("level", lvl.String()), slog.String("format", map[bool]string{true: "json", false: "text"}[format == "json"]))

	// Config
	cfg, err := config.Load()
	if err != nil {
		slog.Error("config load failed", slog.Any("err", err))
		os.Exit(1)
	}

	// Metrics / telemetry init
	telemetry.Init()

	// Initialize OpenTelemetry tracing (optional; requires OTEL_EXPORTER_OTLP_ENDPOINT)
	shutdown, err := telemetry.InitTracing("chat-rally", "1.0.0")
	if err != nil {
		slog.Error("tracing initialization failed", slog.Any("err", err))
		os.Exit(1)
	}
	defer shutdown()

	// App access token (client credentials) backs Helix user lookups such as
	// winner display names. It CANNOT send chat; delivery uses the stored bot
	// token below. Fetch eagerly so credential problems surface at startup.
	appSource := &twitchapi.TokenSource{
		ClientID:     cfg.TwitchClientID,
		ClientSecret: cfg.TwitchClientSecret,
	}
	if cfg.TwitchClientID != "" && cfg.TwitchClientSecret != "" {
		ctx2, cancel := context.WithTimeout(context.Background(), 8*time.Second)
		if tok, err := appSource.Get(ctx2); err != nil {
			slog.Warn("twitch app token fetch failed", slog.Any("err", err))
		} else if len(tok) > 6 {
			masked := "***" + tok[len(tok)-6:]
			slog.Info("twitch app token acquired", slog.String("tail", masked))
		}
		cancel()
	}

	// DB
	database, err := db.Connect(context.Background())
	if err != nil {
		slog.Error("failed to open db", slog.Any("err", err))
		os.Exit(1)
	}
	defer func() {
		if err := database.Close(); err != nil {
			slog.Error("failed to close database", slog.Any("err", err))
		}
	}()

	// Run database migrations using dual-system approach:
	// 1. Primary: versioned migrations (golang-migrate) from db/migrations/
	// 2. Fallback: embedded SQL (db.Migrate) for backward compatibility
	//
	// New deployments use versioned migrations with proper version tracking.
	// Old deployments without schema_migrations table fall back to embedded SQL.
	slog.Info("running database migrations", slog.String("component", "db_migrate"))
	if err := db.RunMigrations(database); err != nil {
		slog.Warn("versioned migrations failed, attempting fallback to legacy embedded SQL",
			slog.Any("err", err),
			slog.String("component", "db_migrate"))
		// Fallback to embedded SQL migration for backward compatibility with pre-migration deployments
		migrationCtx := context.Background()
		if err := db.Migrate(migrationCtx, database); err != nil {
			slog.Error("failed to migrate db (both versioned and embedded SQL failed)", slog.Any("err", err))
			os.Exit(1)
		}
		slog.Info("legacy embedded SQL migration completed successfully (consider migrating to versioned migrations)",
			slog.String("component", "db_migrate"))
	} else {
		slog.Info("versioned migrations completed successfully",
			slog.String("component", "db_migrate"))
	}

	// Root context with graceful shutdown
	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	// Helix plumbing. Lookups ride the app token; chat delivery rides the
	// bot's stored user token, which the refresher below keeps fresh.
	helixHTTP := &http.Client{Timeout: 15 * time.Second}
	lookupClient := &twitchapi.HelixClient{
		TokenSource: appSource,
		ClientID:    cfg.TwitchClientID,
		HTTPClient:  helixHTTP,
	}
	userSource := &twitchapi.StoredTokenSource{
		Store:    &db.TokenStoreAdapter{DB: database},
		Provider: "twitch",
	}
	chatClient := &twitchapi.HelixClient{
		TokenSource: userSource,
		ClientID:    cfg.TwitchClientID,
		HTTPClient:  helixHTTP,
	}
	announcer := &twitchapi.Announcer{Client: chatClient, BotLogin: cfg.TwitchBotUsername}
	resolver := &helixResolver{client: lookupClient}

	// Session engines share one registry so a channel never runs a train and a
	// trivia round at the same time.
	bus := session.NewBus()
	registry := session.NewRegistry()
	trains := train.NewManager(database, announcer, resolver, registry, bus, train.Options{
		Budget: cfg.TrainDuration,
		Tick:   cfg.TrainTick,
	})
	quiz := trivia.NewManager(database, announcer, registry, bus)

	// Chat bot: joins the configured channels and feeds messages into the
	// engines. Missing credentials degrade to API-only operation.
	go chat.StartBot(ctx, database, trains, quiz)

	// Centralized OAuth token refreshers
	oauth.StartRefresher(ctx, database, "twitch", 5*time.Minute, 15*time.Minute, func(rctx context.Context, refreshToken string) (string, string, time.Time, string, error) {
		res, err := twitchapi.RefreshToken(rctx, cfg.TwitchClientID, cfg.TwitchClientSecret, refreshToken)
		if err != nil {
			return "", "", time.Time{}, "", err
		}
		userSource.Invalidate()
		return res.AccessToken, res.RefreshToken, twitchapi.ComputeExpiry(res.ExpiresIn), strings.Join(res.Scope, " "), nil
	})
	oauth.StartRefresher(ctx, database, "google", 10*time.Minute, 20*time.Minute, func(rctx context.Context, refreshToken string) (string, string, time.Time, string, error) {
		cfg2, _ := config.Load()
		if cfg2.GoogleClientID == "" {
			return "", "", time.Time{}, "", context.Canceled
		}
		oc := &oauth2.Config{ClientID: cfg2.GoogleClientID, ClientSecret: cfg2.GoogleClientSecret, Endpoint: google.Endpoint, RedirectURL: cfg2.GoogleRedirectURI}
		ts := &oauth2.Token{RefreshToken: refreshToken}
		newTok, err := oc.TokenSource(rctx, ts).Token()
		if err != nil {
			return "", "", time.Time{}, "", err
		}
		return newTok.AccessToken, newTok.RefreshToken, newTok.Expiry, "", nil
	})

	// Results retention
	go history.StartRetentionJob(ctx, database)

	// Enable pprof profiling endpoints in debug mode (ENABLE_PPROF=1)
	if os.Getenv("ENABLE_PPROF") == "1" {
		pprofAddr := os.Getenv("PPROF_ADDR")
		if pprofAddr == "" {
			pprofAddr = "localhost:6060"
		}
		go func() {
			slog.Info("pprof profiling enabled", slog.String("addr", pprofAddr))
			// Use an http.Server with timeouts to satisfy G114 and avoid DoS risks
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

	// HTTP server (health/status/sessions/results/admin)
	addr := os.Getenv("HTTP_ADDR")
	if addr == "" {
		addr = ":8080"
	}
	go func() {
		if err := server.Start(ctx, database, server.Deps{Trains: trains, Quiz: quiz, Bus: bus}, addr); err != nil {
			slog.Error("http server exited with error", slog.Any("err", err))
		}
	}()

	// Block until shutdown signal
	<-ctx.Done()
	slog.Info("shutting down")
}
