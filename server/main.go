package main

import (
	"context"
	"errors"
	"flag"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/rs/zerolog"
	"gorm.io/driver/sqlite"
	"gorm.io/gorm"

	"github.com/larkspur-sec/warden/pkg/config"
	"github.com/larkspur-sec/warden/pkg/telemetry"
	"github.com/larkspur-sec/warden/pkg/token"
)

var (
	configPath = flag.String("config", "warden.yaml", "Config file path")
	Version    = "dev"
)

type Server struct {
	db          *gorm.DB
	cfg         *config.ServerConfig
	log         zerolog.Logger
	tokens      *token.Service
	devices     *DeviceStore
	queue       *CommandQueue
	audit       *AuditSink
	rateLimiter *RateLimiter
}

func main() {
	flag.Parse()

	boot := zerolog.New(os.Stderr)
	cfg, err := config.Load(*configPath)
	if err != nil {
		boot.Fatal().Err(err).Msg("failed to load config")
	}
	if err := cfg.Validate(); err != nil {
		boot.Fatal().Err(err).Msg("invalid config")
	}

	logger := newLogger(cfg.Logging)
	logger.Info().Str("version", Version).Msg("warden server starting")

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	tp, err := telemetry.SetupTracing(ctx, "warden-server", Version,
		cfg.Tracing.Endpoint, cfg.Tracing.Insecure, cfg.Tracing.SampleRatio, cfg.Tracing.LogSpans)
	if err != nil {
		logger.Fatal().Err(err).Msg("failed to set up tracing")
	}
	defer func() {
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		if err := tp.Shutdown(shutdownCtx); err != nil {
			logger.Warn().Err(err).Msg("tracer shutdown failed")
		}
	}()

	db, err := gorm.Open(sqlite.Open(cfg.DBPath), &gorm.Config{})
	if err != nil {
		logger.Fatal().Err(err).Str("path", cfg.DBPath).Msg("failed to open database")
	}
	if err := db.AutoMigrate(&Device{}, &Command{}, &AuditLog{}, &WhitelistEntry{}); err != nil {
		logger.Fatal().Err(err).Msg("failed to migrate schema")
	}

	srv := newServer(db, cfg, logger)
	defer srv.audit.Close()

	r := srv.router(logger)

	httpSrv := &http.Server{
		Addr:    cfg.Listen,
		Handler: r,
	}

	go srv.sweepLoop(ctx, cfg.SweepInterval())

	go func() {
		logger.Info().Str("listen", cfg.Listen).Msg("listening")
		if err := httpSrv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			logger.Fatal().Err(err).Msg("server failed")
		}
	}()

	<-ctx.Done()
	logger.Info().Msg("shutting down")

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if err := httpSrv.Shutdown(shutdownCtx); err != nil {
		logger.Warn().Err(err).Msg("graceful shutdown failed")
	}
}

func newServer(db *gorm.DB, cfg *config.ServerConfig, logger zerolog.Logger) *Server {
	audit := NewAuditSink(db, logger, 0)
	tokens := token.NewService(token.Options{
		Length: cfg.Token.Length,
		TTL:    cfg.TokenTTL(),
	})

	return &Server{
		db:          db,
		cfg:         cfg,
		log:         logger,
		tokens:      tokens,
		devices:     NewDeviceStore(db, tokens, audit, logger),
		queue:       NewCommandQueue(db, audit, logger),
		audit:       audit,
		rateLimiter: NewRateLimiter(),
	}
}

func (s *Server) router(logger zerolog.Logger) *gin.Engine {
	gin.SetMode(gin.ReleaseMode)
	r := gin.New()
	r.Use(gin.Recovery())
	r.Use(withRequestContext(logger))

	s.registerDeviceRoutes(r)
	s.registerWhitelistRoutes(r)
	s.registerAdminRoutes(r)

	r.GET("/v1/health", func(c *gin.Context) {
		c.JSON(http.StatusOK, gin.H{"status": "healthy", "version": Version})
	})
	r.GET("/metrics", gin.WrapH(promhttp.Handler()))

	return r
}

// sweepLoop periodically expires pending commands that outlived their
// deadline. Sweep failures are logged and retried next tick.
func (s *Server) sweepLoop(ctx context.Context, interval time.Duration) {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			expired, err := s.queue.ExpireStale(time.Now().UTC())
			if err != nil {
				s.log.Warn().Err(err).Msg("command expiry sweep failed")
				continue
			}
			if expired > 0 {
				metricCommandsExpired.Add(float64(expired))
				s.log.Info().Int("expired", expired).Msg("expired stale commands")
			}
		}
	}
}

func newLogger(cfg config.LoggingConfig) zerolog.Logger {
	level, err := zerolog.ParseLevel(cfg.Level)
	if err != nil {
		level = zerolog.InfoLevel
	}

	var logger zerolog.Logger
	if cfg.JSON {
		logger = zerolog.New(os.Stderr)
	} else {
		logger = zerolog.New(zerolog.ConsoleWriter{Out: os.Stderr, TimeFormat: time.RFC3339})
	}
	return logger.Level(level).With().Timestamp().Logger()
}
