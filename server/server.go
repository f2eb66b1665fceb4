// Package server exposes the HTTP API: health, status, metrics, session
// views with a live SSE event stream, result history, question set
// management, and OAuth flows. It includes configurable CORS and injects
// correlation IDs into request contexts for consistent logging.
package server

import (
	"context"
	"database/sql"
	"fmt"
	"log/slog"
	"net/http"
	"regexp"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/onnwee/chat-rally/session"
	"github.com/onnwee/chat-rally/telemetry"
	"github.com/onnwee/chat-rally/train"
	"github.com/onnwee/chat-rally/trivia"
)

// Deps carries the runtime collaborators the HTTP surface exposes.
type Deps struct {
	Trains *train.Manager
	Quiz   *trivia.Manager
	Bus    *session.Bus
}

// getSSEEndpointPattern returns a compiled regex matching the live event
// stream endpoints, which share the admin rate limit. Lazily compiled on
// first use.
var getSSEEndpointPattern = sync.OnceValue(func() *regexp.Regexp {
	return regexp.MustCompile(`^/sessions/[^/]+/events$`)
})

// NewMux returns the HTTP handler with all routes.
// The provided context bounds the rate limiter cleanup goroutines.
func NewMux(ctx context.Context, db *sql.DB, deps Deps) http.Handler {
	authCfg := loadAuthConfig()
	rateLimiterCfg := loadRateLimiterConfig()
	corsCfg := loadCORSConfig()

	var rateLimiter RateLimiter
	if rateLimiterCfg.backend == "postgres" {
		slog.Info("initializing distributed rate limiter", slog.String("backend", "postgres"))
		pgLimiter, err := newPostgresRateLimiter(ctx, db, rateLimiterCfg)
		if err != nil {
			slog.Error("failed to create postgres rate limiter, falling back to memory", slog.Any("error", err))
			rateLimiter = newIPRateLimiter(ctx, rateLimiterCfg)
		} else {
			rateLimiter = pgLimiter
		}
	} else {
		rateLimiter = newIPRateLimiter(ctx, rateLimiterCfg)
	}

	handlers := NewHandlers(ctx, db, deps)

	mux := http.NewServeMux()

	// Metrics endpoint
	mux.Handle("/metrics", promhttp.Handler())

	// OAuth endpoints
	mux.HandleFunc("/auth/twitch/start", handlers.HandleTwitchOAuthStart)
	mux.HandleFunc("/auth/twitch/callback", handlers.HandleTwitchOAuthCallback)
	mux.HandleFunc("/auth/google/start", handlers.HandleGoogleOAuthStart)
	mux.HandleFunc("/auth/google/callback", handlers.HandleGoogleOAuthCallback)

	// Health and readiness endpoints
	mux.HandleFunc("/healthz", handlers.HandleHealthz)
	mux.HandleFunc("/readyz", handlers.HandleReadyz)

	// Config and status endpoints
	mux.HandleFunc("/config", handlers.HandleConfig)
	mux.HandleFunc("/status", handlers.HandleStatus)

	// Session endpoints
	mux.HandleFunc("/sessions", handlers.HandleSessionsList)
	mux.HandleFunc("/sessions/", handlers.HandleSessionsDispatcher)

	// History and question sets
	mux.HandleFunc("/results", handlers.HandleResults)
	mux.HandleFunc("/questionsets", handlers.HandleQuestionSetsList)

	// Admin endpoints
	mux.HandleFunc("/admin/questionsets", handlers.HandleAdminQuestionSetUpload)
	mux.HandleFunc("/admin/questionsets/delete", handlers.HandleAdminQuestionSetDelete)
	mux.HandleFunc("/admin/sheets/import", handlers.HandleAdminSheetsImport)
	mux.HandleFunc("/admin/train/start", handlers.HandleAdminTrainStart)
	mux.HandleFunc("/admin/train/cancel", handlers.HandleAdminTrainCancel)
	mux.HandleFunc("/admin/trivia/start", handlers.HandleAdminTriviaStart)
	mux.HandleFunc("/admin/trivia/cancel", handlers.HandleAdminTriviaCancel)

	// Selective middleware: auth plus rate limiting on admin endpoints, rate
	// limiting alone on the SSE stream.
	selectiveHandler := http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if strings.HasPrefix(r.URL.Path, "/admin/") {
			adminAuth(rateLimitMiddleware(mux, rateLimiter), authCfg).ServeHTTP(w, r)
			return
		}

		if getSSEEndpointPattern().MatchString(r.URL.Path) {
			rateLimitMiddleware(mux, rateLimiter).ServeHTTP(w, r)
			return
		}

		mux.ServeHTTP(w, r)
	})

	// Wrap with correlation ID injector and tracing middleware
	handler := http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		// Reuse corr header if provided else generate
		corr := r.Header.Get("X-Correlation-ID")
		if corr == "" {
			corr = uuid.New().String()
		}
		ctx := telemetry.WithCorrelation(r.Context(), corr)
		w.Header().Set("X-Correlation-ID", corr)

		ctx, span := telemetry.StartSpan(ctx, "http-server", r.Method+" "+r.URL.Path,
			telemetry.HTTPMethodAttr(r.Method),
			telemetry.HTTPRouteAttr(r.URL.Path),
			telemetry.HTTPURLAttr(r.URL.String()),
		)
		defer span.End()

		telemetry.LoggerWithCorr(ctx).Debug("request start", slog.String("method", r.Method), slog.String("path", r.URL.Path), slog.String("component", "http"))

		// Capture status code via custom ResponseWriter
		wrappedWriter := &statusRecorder{ResponseWriter: w, statusCode: http.StatusOK}
		selectiveHandler.ServeHTTP(wrappedWriter, r.WithContext(ctx))

		telemetry.SetSpanHTTPStatus(span, wrappedWriter.statusCode)
		if wrappedWriter.statusCode >= 400 {
			code, msg := telemetry.ErrorStatus(fmt.Sprintf("HTTP %d", wrappedWriter.statusCode))
			span.SetStatus(code, msg)
		}
	})
	return withCORSConfig(handler, corsCfg)
}

// statusRecorder wraps ResponseWriter to capture status code
type statusRecorder struct {
	http.ResponseWriter
	statusCode int
}

func (r *statusRecorder) WriteHeader(statusCode int) {
	r.statusCode = statusCode
	r.ResponseWriter.WriteHeader(statusCode)
}

// Flush implements http.Flusher if the underlying ResponseWriter supports it
func (r *statusRecorder) Flush() {
	if flusher, ok := r.ResponseWriter.(http.Flusher); ok {
		flusher.Flush()
	}
}

// Start runs the HTTP server and shuts down gracefully on context cancellation.
func Start(ctx context.Context, db *sql.DB, deps Deps, addr string) error {
	srv := &http.Server{
		Addr:              addr,
		Handler:           NewMux(ctx, db, deps),
		ReadHeaderTimeout: 5 * time.Second,
		// No WriteTimeout: the SSE stream stays open indefinitely.
		IdleTimeout: 60 * time.Second,
	}

	// Shutdown goroutine
	go func() {
		<-ctx.Done()
		// Use WithoutCancel to inherit context values but allow shutdown to complete
		shutdownCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), 10*time.Second)
		defer cancel()
		if err := srv.Shutdown(shutdownCtx); err != nil {
			slog.Error("http server shutdown error", slog.Any("err", err))
		}
	}()

	if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
		slog.Error("http server error", slog.Any("err", err))
		return err
	}
	return nil
}
