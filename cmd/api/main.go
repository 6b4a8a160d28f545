package main

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"crewboard/api/internal/app"
	"crewboard/api/internal/authpw"
	"crewboard/api/internal/config"
	"crewboard/api/internal/realtime"
	"crewboard/api/internal/session"
	"crewboard/api/internal/store"
	"github.com/rs/zerolog"
)

func main() {
	// hash-password prints a value for CREWBOARD_ADMIN_PASSWORD_HASH.
	if len(os.Args) == 3 && os.Args[1] == "hash-password" {
		hash, err := authpw.HashPassword(os.Args[2])
		if err != nil {
			fmt.Fprintln(os.Stderr, err)
			os.Exit(1)
		}
		fmt.Println(hash)
		return
	}

	cfg, err := config.Load()
	if err != nil {
		fmt.Fprintf(os.Stderr, "config: %v\n", err)
		os.Exit(1)
	}
	logger := newLogger(cfg)

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	var dataStore app.DataStore
	if cfg.MongoURL != "" {
		mongoStore, err := store.OpenMongo(ctx, cfg.MongoURL, cfg.MongoDatabase, logger)
		if err != nil {
			logger.Fatal().Err(err).Msg("mongo connection failed")
		}
		defer func() {
			closeCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
			defer cancel()
			_ = mongoStore.Close(closeCtx)
		}()
		if err := mongoStore.EnsureIndexes(ctx); err != nil {
			logger.Fatal().Err(err).Msg("mongo index setup failed")
		}
		logger.Info().Str("database", cfg.MongoDatabase).Msg("using MongoDB document store")
		dataStore = mongoStore
	} else {
		logger.Warn().Msg("MONGO_URL not set, using in-memory document store")
		dataStore = store.NewMemoryStore()
	}

	var (
		sessions app.SessionStore
		broker   realtime.Broker = realtime.NewLocalBroker()
	)
	switch {
	case cfg.RedisURL != "":
		redisStore, err := session.NewRedisStore(cfg.RedisURL)
		if err != nil {
			logger.Fatal().Err(err).Msg("redis connection failed")
		}
		defer redisStore.Close()
		logger.Info().Msg("using Redis for refresh sessions and realtime fan-out")
		sessions = redisStore
		broker = realtime.NewRedisBroker(redisStore.Client(), logger)
	case cfg.DatabaseURL != "":
		db, err := store.Open(ctx, cfg.DatabaseURL)
		if err != nil {
			logger.Fatal().Err(err).Msg("database connection failed")
		}
		defer db.Close()
		if err := store.ApplyMigrations(ctx, db, cfg.MigrationsDir, logger); err != nil {
			logger.Fatal().Err(err).Msg("migrations failed")
		}
		logger.Info().Msg("using PostgreSQL for refresh sessions")
		sessions = store.NewPostgresStore(db)
	default:
		if memory, ok := dataStore.(*store.MemoryStore); ok {
			sessions = memory
		} else {
			sessions = store.NewMemoryStore()
		}
		logger.Warn().Msg("no session backend configured, sessions will not survive a restart")
	}

	hub := realtime.NewHub(logger, broker, cfg.CORSOrigin)
	if err := hub.Start(ctx); err != nil {
		logger.Fatal().Err(err).Msg("realtime broker subscription failed")
	}

	service := app.New(cfg, logger, dataStore, sessions, hub)
	if cfg.AdminPasswordHash == "" {
		logger.Warn().Str("identity", cfg.AdminIdentity).Msg("reserved administrator login disabled")
	}

	httpServer := app.NewHTTPServer(service, hub, logger, cfg.CORSOrigin)
	server := &http.Server{
		Addr:              cfg.Addr,
		Handler:           httpServer.Handler(),
		ReadHeaderTimeout: 10 * time.Second,
		ReadTimeout:       15 * time.Second,
		IdleTimeout:       60 * time.Second,
	}

	go func() {
		logger.Info().Str("addr", cfg.Addr).Msg("crewboard API listening")
		if err := server.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			logger.Fatal().Err(err).Msg("server failed")
		}
	}()

	<-ctx.Done()
	logger.Info().Msg("shutting down")

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if err := server.Shutdown(shutdownCtx); err != nil {
		logger.Error().Err(err).Msg("shutdown error")
	}
}

func newLogger(cfg config.Config) zerolog.Logger {
	level, err := zerolog.ParseLevel(strings.ToLower(strings.TrimSpace(cfg.LogLevel)))
	if err != nil || level == zerolog.NoLevel {
		level = zerolog.InfoLevel
	}
	var logger zerolog.Logger
	if strings.EqualFold(cfg.LogFormat, "console") {
		logger = zerolog.New(zerolog.ConsoleWriter{Out: os.Stderr, TimeFormat: time.RFC3339})
	} else {
		logger = zerolog.New(os.Stderr)
	}
	return logger.Level(level).With().Timestamp().Str("service", "crewboard-api").Logger()
}
