package main

import (
	"context"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/labstack/echo/v4"
	echomw "github.com/labstack/echo/v4/middleware"
	"github.com/redis/go-redis/v9"
	"github.com/rs/zerolog"
	"github.com/spf13/cobra"

	"github.com/hms/hms/internal/config"
	"github.com/hms/hms/internal/domain/billing"
	"github.com/hms/hms/internal/domain/identity"
	"github.com/hms/hms/internal/domain/notification"
	"github.com/hms/hms/internal/domain/payment"
	"github.com/hms/hms/internal/platform/auth"
	"github.com/hms/hms/internal/platform/db"
	"github.com/hms/hms/internal/platform/locker"
	"github.com/hms/hms/internal/platform/middleware"
	"github.com/hms/hms/internal/platform/razorpay"
	"github.com/hms/hms/internal/platform/redisconn"
	"github.com/hms/hms/internal/platform/tasks"
	"github.com/hms/hms/internal/platform/templates"
	"github.com/hms/hms/internal/platform/validation"
	"github.com/hms/hms/internal/platform/websocket"
	"github.com/hms/hms/migrations"
)

const (
	requestBodyLimit = "1M"
	requestTimeout   = 30 * time.Second
	shutdownTimeout  = 10 * time.Second
	cronJobTimeout   = 5 * time.Minute
)

func main() {
	rootCmd := &cobra.Command{
		Use:   "hms-server",
		Short: "Hospital billing, payments and notifications API server",
	}

	rootCmd.AddCommand(serveCmd())
	rootCmd.AddCommand(migrateCmd())
	rootCmd.AddCommand(sweepCmd())
	rootCmd.AddCommand(outboxCmd())

	if err := rootCmd.Execute(); err != nil {
		os.Exit(1)
	}
}

func serveCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "serve",
		Short: "Start the API server",
		RunE: func(cmd *cobra.Command, args []string) error {
			return runServer()
		},
	}
}

func migrateCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "migrate",
		Short: "Run database migrations",
	}

	upCmd := &cobra.Command{
		Use:   "up",
		Short: "Apply pending migrations",
		RunE: func(cmd *cobra.Command, args []string) error {
			target, _ := cmd.Flags().GetInt("to")

			ctx := context.Background()
			pool, err := openPool(ctx)
			if err != nil {
				return err
			}
			defer pool.Close()

			count, err := db.NewMigrator(pool, migrations.FS).UpTo(ctx, target)
			if err != nil {
				return fmt.Errorf("migration failed: %w", err)
			}
			fmt.Printf("Applied %d migration(s) successfully.\n", count)
			return nil
		},
	}
	upCmd.Flags().Int("to", 0, "Apply migrations up to this version (0 applies all)")
	cmd.AddCommand(upCmd)

	cmd.AddCommand(&cobra.Command{
		Use:   "status",
		Short: "Show migration status",
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx := context.Background()
			pool, err := openPool(ctx)
			if err != nil {
				return err
			}
			defer pool.Close()

			statuses, err := db.NewMigrator(pool, migrations.FS).Status(ctx)
			if err != nil {
				return fmt.Errorf("failed to get migration status: %w", err)
			}
			printStatus(cmd, statuses)
			return nil
		},
	})

	return cmd
}

func printStatus(cmd *cobra.Command, statuses []db.MigrationStatus) {
	out := cmd.OutOrStdout()
	fmt.Fprintf(out, "%-10s %-40s %-10s %s\n", "VERSION", "NAME", "STATUS", "APPLIED AT")
	fmt.Fprintln(out, "---------- ---------------------------------------- ---------- --------------------")
	for _, s := range statuses {
		status := "pending"
		appliedAt := ""
		if s.Applied {
			status = "applied"
			if s.AppliedAt != nil {
				appliedAt = s.AppliedAt.Format("2006-01-02 15:04:05")
			}
		}
		fmt.Fprintf(out, "%-10d %-40s %-10s %s\n", s.Version, s.Name, status, appliedAt)
	}
}

func sweepCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "sweep",
		Short: "Run maintenance sweeps once",
	}
	cmd.AddCommand(&cobra.Command{
		Use:   "overdue",
		Short: "Mark bills past their due date as overdue",
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx := context.Background()
			a, err := bootstrap(ctx)
			if err != nil {
				return err
			}
			defer a.close()

			n, err := a.ledger.SweepOverdue(ctx, time.Now())
			if err != nil {
				return fmt.Errorf("overdue sweep failed: %w", err)
			}
			// Drain so the overdue notices go out before the process exits.
			if _, err := a.relay.Drain(ctx); err != nil {
				return fmt.Errorf("outbox drain failed: %w", err)
			}
			fmt.Fprintf(cmd.OutOrStdout(), "Marked %d bill(s) overdue.\n", n)
			return nil
		},
	})
	return cmd
}

func outboxCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "outbox",
		Short: "Inspect and drain the notification outbox",
	}
	cmd.AddCommand(&cobra.Command{
		Use:   "drain",
		Short: "Deliver every due outbox event once",
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx := context.Background()
			a, err := bootstrap(ctx)
			if err != nil {
				return err
			}
			defer a.close()

			total := 0
			for {
				n, err := a.relay.Drain(ctx)
				if err != nil {
					return fmt.Errorf("outbox drain failed: %w", err)
				}
				total += n
				if n == 0 {
					break
				}
			}
			fmt.Fprintf(cmd.OutOrStdout(), "Delivered %d outbox event(s).\n", total)
			return nil
		},
	})
	return cmd
}

func newLogger(dev bool) zerolog.Logger {
	if dev {
		return zerolog.New(zerolog.ConsoleWriter{Out: os.Stdout}).With().Timestamp().Logger()
	}
	return zerolog.New(os.Stdout).With().Timestamp().Logger()
}

func openPool(ctx context.Context) (*pgxpool.Pool, error) {
	cfg, err := config.Load()
	if err != nil {
		return nil, err
	}
	return db.NewPool(ctx, cfg.DatabaseURL, cfg.DBMaxConns, cfg.DBMinConns)
}

// app holds the long-lived components shared by serve and the one-shot
// maintenance commands.
type app struct {
	cfg    *config.Config
	logger zerolog.Logger
	pool   *pgxpool.Pool
	redis  *redis.Client

	workers       *tasks.Pool
	registry      *websocket.Registry
	fanout        *websocket.RedisFanout
	relay         *notification.Relay
	notifications *notification.Service
	ledger        *billing.Service
	engine        *payment.Engine
	profiles      *identity.Service
	locker        locker.Locker
}

func bootstrap(ctx context.Context) (*app, error) {
	cfg, err := config.Load()
	if err != nil {
		return nil, err
	}
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("invalid config: %w", err)
	}
	logger := newLogger(cfg.IsDev())

	pool, err := db.NewPool(ctx, cfg.DatabaseURL, cfg.DBMaxConns, cfg.DBMinConns)
	if err != nil {
		return nil, fmt.Errorf("connect to database: %w", err)
	}
	logger.Info().Msg("connected to database")

	rdb, err := redisconn.Open(ctx, cfg.RedisURL)
	if err != nil {
		pool.Close()
		return nil, fmt.Errorf("connect to redis: %w", err)
	}
	if rdb == nil {
		logger.Warn().Msg("REDIS_URL not set: leader locks and websocket delivery are local to this instance")
	}

	a := &app{
		cfg:      cfg,
		logger:   logger,
		pool:     pool,
		redis:    rdb,
		workers:  tasks.NewPool(cfg.TaskWorkers, cfg.TaskQueueSize, logger),
		registry: websocket.NewRegistry(cfg.PushTimeout, logger),
		locker:   locker.New(rdb),
	}

	var pusher websocket.Pusher = a.registry
	if rdb != nil {
		a.fanout = websocket.NewRedisFanout(a.registry, websocket.NewRedisBroker(rdb), logger)
		pusher = a.fanout
	}

	tx := db.NewTxRunner(pool)
	dir := identity.NewDirectoryPG(pool)
	outbox := notification.NewOutboxRepoPG(pool)

	dispatcher := notification.NewDispatcher(notification.NewRepoPG(pool), dir, a.workers, pusher, logger)
	a.notifications = notification.NewService(notification.NewRepoPG(pool), dispatcher, cfg.NotificationReadDeletes)
	a.relay = notification.NewRelay(outbox, tx, notification.RelayConfig{
		PollInterval: cfg.OutboxPollInterval,
		BatchSize:    cfg.OutboxBatchSize,
		MaxAttempts:  cfg.OutboxMaxAttempts,
	}, logger)
	notification.NewEventFanout(dispatcher, templates.NewEngine()).Register(a.relay)

	a.ledger = billing.NewService(billing.NewBillRepoPG(pool), billing.NewTransactionRepoPG(pool), dir, tx, outbox, logger)
	a.ledger.SetWaker(a.relay)
	a.ledger.SetDefaultCurrency(cfg.DefaultCurrency)

	gw := razorpay.New(razorpay.Config{
		KeyID:         cfg.RazorpayKeyID,
		KeySecret:     cfg.RazorpayKeySecret,
		WebhookSecret: cfg.RazorpayWebhookSecret,
		Timeout:       cfg.GatewayTimeout,
	}, logger)
	if !cfg.GatewayConfigured() {
		logger.Warn().Msg("razorpay credentials not set: online payments are disabled")
	}
	a.engine = payment.NewEngine(a.ledger, gw, payment.Config{StrictOrderMatch: cfg.StrictOrderMatch}, logger)
	a.profiles = identity.NewService(dir)

	return a, nil
}

func (a *app) close() {
	ctx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
	defer cancel()
	if err := a.workers.Shutdown(ctx); err != nil {
		a.logger.Warn().Err(err).Msg("task pool did not drain before shutdown")
	}
	if a.redis != nil {
		a.redis.Close()
	}
	a.pool.Close()
}

// newServer builds the echo instance with global middleware and every route.
func (a *app) newServer() *echo.Echo {
	e := echo.New()
	e.HideBanner = true
	e.HidePort = true
	e.Validator = validation.New()

	e.Use(middleware.Recovery(a.logger))
	e.Use(middleware.RequestID())
	e.Use(middleware.Logger(a.logger))
	e.Use(middleware.SecurityHeaders(a.cfg.IsProduction()))
	e.Use(middleware.BodyLimit(requestBodyLimit))
	e.Use(middleware.RequestTimeout(timeoutConfig(a.cfg.GatewayTimeout)))
	e.Use(echomw.CORSWithConfig(corsConfig(a.cfg.CORSOrigins)))
	e.Use(authMiddleware(a.cfg))

	e.GET("/health", func(c echo.Context) error {
		return c.JSON(http.StatusOK, map[string]string{"status": "ok"})
	})
	e.GET("/health/db", db.HealthHandler(a.pool))

	apiV1 := e.Group("/api/v1")
	apiV1.Use(middleware.RateLimit(middleware.RateLimitConfig{
		RequestsPerSecond: a.cfg.RateLimitRPS,
		BurstSize:         a.cfg.RateLimitBurst,
	}))

	mountRoutes(e, apiV1, handlers{
		billing:      billing.NewHandler(a.ledger),
		payment:      payment.NewHandler(a.engine),
		notification: notification.NewHandler(a.notifications),
		identity:     identity.NewHandler(a.profiles),
		websocket: websocket.NewHandler(a.registry, websocket.HandlerConfig{
			AllowedOrigins: a.cfg.CORSOrigins,
			TrustHandshake: a.cfg.ResolvedAuthMode() == "development",
		}, a.logger),
	})
	return e
}

type handlers struct {
	billing      *billing.Handler
	payment      *payment.Handler
	notification *notification.Handler
	identity     *identity.Handler
	websocket    *websocket.Handler
}

func mountRoutes(e *echo.Echo, api *echo.Group, h handlers) {
	h.billing.RegisterRoutes(api)
	h.payment.RegisterRoutes(api)
	h.notification.RegisterRoutes(api)
	h.identity.RegisterRoutes(api)
	h.websocket.RegisterRoutes(e, api)
}

// timeoutConfig gives the routes that call the gateway room for a fetch plus
// the ledger work after it.
func timeoutConfig(gateway time.Duration) middleware.TimeoutConfig {
	gatewayBudget := 2*gateway + 5*time.Second
	return middleware.TimeoutConfig{
		Default: requestTimeout,
		Routes: map[string]time.Duration{
			"/api/v1/billing/:bill_id/razorpay/create-order": gatewayBudget,
			"/api/v1/billing/razorpay/verify-payment":        gatewayBudget,
			"/api/v1/billing/razorpay/payment/:payment_id":   gatewayBudget,
		},
		Exempt: []string{"/ws"},
	}
}

func corsConfig(origins []string) echomw.CORSConfig {
	return echomw.CORSConfig{
		AllowOrigins: origins,
		AllowMethods: []string{http.MethodGet, http.MethodPost, http.MethodPut, http.MethodPatch, http.MethodDelete},
		AllowHeaders: []string{"Authorization", "Content-Type", "X-Request-ID", "X-Razorpay-Signature", "X-Dev-User-ID", "X-Dev-Role"},
	}
}

func authMiddleware(cfg *config.Config) echo.MiddlewareFunc {
	jwtCfg := auth.JWTConfig{
		Issuer:     cfg.AuthIssuer,
		Audience:   cfg.AuthAudience,
		JWKSURL:    cfg.AuthJWKSURL,
		SigningKey: []byte(cfg.JWTSigningKey),
		Skipper:    auth.AuthSkipper,
	}
	if cfg.ResolvedAuthMode() == "development" {
		return auth.DevAuthMiddleware(jwtCfg)
	}
	return auth.JWTMiddleware(jwtCfg)
}

// scheduleJobs registers the periodic maintenance jobs. Each run takes a
// leader lock so only one instance executes it.
func (a *app) scheduleJobs() (*tasks.Cron, error) {
	c := tasks.NewCron(a.locker, cronJobTimeout, a.logger)
	if err := c.Add("bills.overdue-sweep", a.cfg.OverdueSweepSpec, a.ledger.SweepJob()); err != nil {
		return nil, err
	}
	if err := c.Add("outbox.purge", "@daily", a.relay.PurgeJob(a.cfg.OutboxRetention)); err != nil {
		return nil, err
	}
	return c, nil
}

func runServer() error {
	ctx, stop := context.WithCancel(context.Background())
	defer stop()

	a, err := bootstrap(ctx)
	if err != nil {
		l := newLogger(os.Getenv("ENV") == "development")
		l.Fatal().Err(err).Msg("failed to start")
	}
	defer a.close()
	logger := a.logger

	if a.fanout != nil {
		if err := a.fanout.Start(ctx); err != nil {
			logger.Fatal().Err(err).Msg("failed to subscribe to websocket fan-out")
		}
		defer a.fanout.Stop()
	}

	relayDone := make(chan struct{})
	go func() {
		defer close(relayDone)
		a.relay.Run(ctx)
	}()

	cron, err := a.scheduleJobs()
	if err != nil {
		logger.Fatal().Err(err).Msg("failed to schedule jobs")
	}
	cron.Start()

	e := a.newServer()

	go func() {
		addr := ":" + a.cfg.Port
		logger.Info().Str("addr", addr).Str("auth_mode", a.cfg.ResolvedAuthMode()).Msg("starting server")
		if err := e.Start(addr); err != nil && err != http.ErrServerClosed {
			logger.Fatal().Err(err).Msg("server error")
		}
	}()

	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)
	<-quit

	logger.Info().Msg("shutting down server")
	shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
	defer cancel()
	if err := e.Shutdown(shutdownCtx); err != nil {
		logger.Error().Err(err).Msg("server shutdown failed")
	}
	cron.Stop(shutdownCtx)
	a.registry.CloseAll()
	stop()
	<-relayDone
	logger.Info().Msg("server stopped")
	return nil
}
