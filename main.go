package main

import (
	"context"
	"embed"
	"errors"
	"fmt"
	"io"
	"io/fs"
	"log/slog"
	"net"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/MGallo-Code/janus/internal/auth"
	"github.com/MGallo-Code/janus/internal/config"
	"github.com/MGallo-Code/janus/internal/llm"
	"github.com/MGallo-Code/janus/internal/ratelimit"
	"github.com/MGallo-Code/janus/internal/secret"
	"github.com/MGallo-Code/janus/internal/store"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/joho/godotenv"
	"github.com/redis/go-redis/v9"
	"golang.org/x/time/rate"
)

// Embeds the Postgres migration files INTO the go bin.
// SQLite carries its own goose migrations inside internal/store.

//go:embed migrations/*.sql
var migrationsDir embed.FS

// credentialsOut receives the one-time bootstrap password, outside the structured log.
var credentialsOut io.Writer = os.Stderr

func main() {
	// .env is optional; real env vars win over it.
	if err := godotenv.Load(); err != nil && !errors.Is(err, fs.ErrNotExist) {
		slog.Warn("failed to load .env", "error", err)
	}

	// Load config first so we can set log level
	cfg, err := config.LoadConfig()
	if err != nil {
		// Fallback logger before config is available
		slog.Error("fatal", "err", err)
		os.Exit(1)
	}

	// Include source location in log entries at debug level only.
	addSrc := cfg.LogLevel == slog.LevelDebug

	slog.SetDefault(slog.New(slog.NewJSONHandler(os.Stdout, &slog.HandlerOptions{
		Level:     cfg.LogLevel,
		AddSource: addSrc,
	})))

	// Cancel ctx on SIGINT/SIGTERM; run() shuts down when ctx is done.
	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	// run() is a separate func so deferred closes always execute before os.Exit.
	if err := run(ctx, cfg, nil); err != nil {
		slog.Error("fatal", "err", err)
		os.Exit(1)
	}
}

// durableStore is the user/session store plus lifecycle hooks main needs.
type durableStore interface {
	auth.Store
	auth.HealthChecker
	Close()
}

// openStore picks Postgres or SQLite from DATABASE_URL and brings its schema up to date.
func openStore(ctx context.Context, cfg *config.Config) (durableStore, error) {
	driver, dsn, err := cfg.Database()
	if err != nil {
		return nil, err
	}

	if driver == "sqlite" {
		ss, err := store.NewSQLiteStore(ctx, dsn)
		if err != nil {
			return nil, fmt.Errorf("failed to set up sqlite store: %w", err)
		}
		return ss, nil
	}

	ps, err := store.NewPostgresStore(ctx, dsn)
	if err != nil {
		return nil, fmt.Errorf("failed to set up postgres store: %w", err)
	}
	migrationsFS, err := fs.Sub(migrationsDir, "migrations")
	if err != nil {
		ps.Close()
		return nil, fmt.Errorf("failed to access embedded migrations: %w", err)
	}
	if err := ps.Migrate(ctx, migrationsFS); err != nil {
		ps.Close()
		return nil, fmt.Errorf("failed to run migrations: %w", err)
	}
	return ps, nil
}

// newLimiter builds a sliding-window limiter on the configured backend.
// Memory limiters are also returned as sweepers so the cleanup loop can prune them.
func newLimiter(cfg *config.Config, rdb *redis.Client, name string, maxCalls int, window time.Duration) (ratelimit.Limiter, *ratelimit.SlidingWindow, error) {
	if cfg.RateLimitBackend == "redis" {
		rl, err := ratelimit.NewRedisWindow(rdb, name, maxCalls, window)
		return rl, nil, err
	}
	sw, err := ratelimit.NewSlidingWindow(maxCalls, window)
	return sw, sw, err
}

// run holds all server logic and returns error instead of calling os.Exit,
// so deferred resource cleanup always runs.
// Shuts down when ctx is cancelled (signal handling is the caller's concern).
// If ready is non-nil, the server's base URL is sent on it once the listener is bound.
func run(ctx context.Context, cfg *config.Config, ready chan<- string) error {
	db, err := openStore(ctx, cfg)
	if err != nil {
		return err
	}
	defer db.Close()

	// Redis is optional: session cache and shared rate-limit state.
	var rdb *redis.Client
	var cache auth.SessionCache
	var cacheHealth auth.HealthChecker
	if cfg.RedisURL != "" {
		rdb, err = store.NewRedisClient(ctx, cfg.RedisURL)
		if err != nil {
			return fmt.Errorf("failed to set up redis client: %w", err)
		}
		defer rdb.Close()
		rs := store.NewRedisStore(rdb)
		cache, cacheHealth = rs, rs
	}

	loginRL, loginSweep, err := newLimiter(cfg, rdb, "login", cfg.RateLoginMax, cfg.RateLoginWindow)
	if err != nil {
		return fmt.Errorf("failed to set up login limiter: %w", err)
	}
	llmRL, llmSweep, err := newLimiter(cfg, rdb, "llm", cfg.RateLLMMax, cfg.RateLLMWindow)
	if err != nil {
		return fmt.Errorf("failed to set up llm limiter: %w", err)
	}

	hasher, err := auth.NewHasher(auth.HasherConfig{Algorithm: cfg.PasswordKDF, PBKDF2Iterations: cfg.PBKDF2Iterations})
	if err != nil {
		return fmt.Errorf("failed to set up password hasher: %w", err)
	}
	sealer, err := secret.NewSealerFromBase64(cfg.APIKeyEncryptionKey)
	if err != nil {
		return fmt.Errorf("failed to set up api key sealer: %w", err)
	}

	svc := auth.NewService(db, cache, hasher, sealer, auth.ServiceOptions{SessionTTL: cfg.SessionTTL})

	if cfg.BootstrapAdmin {
		password, created, err := svc.EnsureAdmin(ctx, cfg.AdminEmail)
		if err != nil {
			return fmt.Errorf("failed to bootstrap admin: %w", err)
		}
		if created {
			slog.Warn("bootstrap admin created, password written to stderr", "username", "admin", "email", cfg.AdminEmail)
			// Shown once; the operator must change or record it.
			fmt.Fprintf(credentialsOut, "bootstrap admin password (shown once): %s\n", password)
		}
	}

	provider := llm.NewOpenAIProvider(llm.OpenAIConfig{
		APIKey:      cfg.OpenAIAPIKey,
		BaseURL:     cfg.OpenAIBaseURL,
		Model:       cfg.LLMModel,
		Temperature: cfg.LLMTemperature,
		MaxTokens:   cfg.LLMMaxTokens,
		Timeout:     cfg.LLMTimeout,
	})

	h := auth.AuthHandler{
		Svc:     svc,
		LoginRL: loginRL,
		LLM:     llm.NewGate(provider, llmRL),
		DB:      db,
		Cache:   cacheHealth,
	}

	// Bind listener; ":0" picks a free port (useful in tests).
	ln, err := net.Listen("tcp", ":"+cfg.Port)
	if err != nil {
		return fmt.Errorf("listen: %w", err)
	}

	throttle := rate.NewLimiter(rate.Limit(cfg.HTTPRateRPS), cfg.HTTPRateBurst)
	server := &http.Server{Handler: buildRouter(&h, throttle)}

	// Cleanup goroutine; purges sessions expired longer than SessionRetention
	// and prunes idle in-memory limiter keys. Cancelled when run() returns.
	cleanupCtx, cancelCleanup := context.WithCancel(ctx)
	defer cancelCleanup()
	go func() {
		ticker := time.NewTicker(cfg.SessionCleanupInterval)
		defer ticker.Stop()
		for {
			select {
			case <-ticker.C:
				n, err := svc.CleanupExpiredSessions(cleanupCtx, cfg.SessionRetention)
				if err != nil {
					slog.Warn("session cleanup failed", "error", err)
				} else {
					slog.Info("session cleanup complete", "deleted", n)
				}
				for _, sw := range []*ratelimit.SlidingWindow{loginSweep, llmSweep} {
					if sw != nil {
						sw.Sweep()
					}
				}
			case <-cleanupCtx.Done():
				return
			}
		}
	}()

	// Start server in a goroutine; run() continues past this.
	errCh := make(chan error, 1)
	go func() {
		slog.Info("janus listening", "addr", ln.Addr().String())
		// Send error only if server stops for a reason other than explicit shutdown.
		if err := server.Serve(ln); err != nil && err != http.ErrServerClosed {
			errCh <- err
		}
	}()

	// Signal readiness to caller (used by tests; nil in production).
	if ready != nil {
		ready <- "http://" + ln.Addr().String()
	}

	// Wait for server error or shutdown signal from ctx.
	select {
	case err := <-errCh:
		return fmt.Errorf("server error: %w", err)
	case <-ctx.Done():
	}

	slog.Info("shutting down server...")
	// In-flight requests get 30s to finish.
	shutdownCtx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()
	if err := server.Shutdown(shutdownCtx); err != nil {
		return fmt.Errorf("shutdown error: %w", err)
	}

	slog.Info("server stopped")
	return nil
}

// buildRouter wires all routes and middleware.
// Called from run() and from smoke tests.
func buildRouter(h *auth.AuthHandler, throttle *rate.Limiter) http.Handler {
	r := chi.NewRouter()
	r.Use(middleware.RequestID)
	r.Use(middleware.RealIP)
	r.Use(middleware.Logger)
	r.Use(middleware.Recoverer)
	// Completion calls may take up to LLM_TIMEOUT; keep this above it.
	r.Use(middleware.Timeout(90 * time.Second))
	r.Use(ratelimit.Middleware(throttle))

	r.Get("/health", h.CheckHealth)
	r.Post("/register", h.Register)
	r.Post("/login", h.Login)

	// Authentication required routes
	r.Group(func(r chi.Router) {
		r.Use(h.RequireAuth)
		r.Post("/logout", h.Logout)
		r.Post("/logout-all", h.LogoutAll)
		r.Get("/me", h.Me)
		r.Post("/api-key", h.RotateAPIKey)
		r.Get("/settings", h.ListSettings)
		r.Get("/settings/{key}", h.GetSetting)
		r.Put("/settings/{key}", h.PutSetting)
		r.Post("/complete", h.Complete)

		// Admin routes. RequireRole reads the user injected by RequireAuth above.
		r.Group(func(r chi.Router) {
			r.Use(auth.RequireRole(store.RoleAdmin))
			r.Post("/admin/users/{id}/deactivate", h.Deactivate)
		})
	})

	return r
}
