package main

import (
	"context"
	"net/http"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/rs/zerolog"

	"sketchsync/api/internal/app"
	"sketchsync/api/internal/auth"
	"sketchsync/api/internal/config"
	"sketchsync/api/internal/gateway"
	"sketchsync/api/internal/persist"
	"sketchsync/api/internal/room"
	"sketchsync/api/internal/search"
	"sketchsync/api/internal/session"
	"sketchsync/api/internal/store"
)

func main() {
	cfg := config.Load()
	ctx := context.Background()

	level, err := zerolog.ParseLevel(cfg.LogLevel)
	if err != nil || level == zerolog.NoLevel {
		level = zerolog.InfoLevel
	}
	logger := zerolog.New(os.Stderr).Level(level).With().Timestamp().Str("service", "sketchsync-api").Logger()

	db, err := store.Open(ctx, cfg.DatabaseURL, cfg.DatabaseConns)
	if err != nil {
		logger.Fatal().Err(err).Msg("database connection failed")
	}
	defer db.Close()

	applied, err := store.ApplyMigrations(ctx, db, cfg.MigrationsDir)
	if err != nil {
		logger.Fatal().Err(err).Msg("migrations failed")
	}
	if len(applied) > 0 {
		logger.Info().Strs("versions", applied).Msg("migrations applied")
	}

	dataStore := store.NewPostgresStore(db)

	var backend persist.Store
	switch cfg.PersistBackend {
	case "redis":
		redisStore, err := persist.NewRedisStore(cfg.RedisURL)
		if err != nil {
			logger.Fatal().Err(err).Msg("redis connection failed")
		}
		defer redisStore.Close()
		backend = redisStore
	case "s3":
		objectStore, err := persist.NewObjectStore(ctx, persist.ObjectConfig{
			Endpoint:  cfg.S3Endpoint,
			AccessKey: cfg.S3AccessKey,
			SecretKey: cfg.S3SecretKey,
			Bucket:    cfg.S3Bucket,
			UseSSL:    cfg.S3UseSSL,
		})
		if err != nil {
			logger.Fatal().Err(err).Msg("object storage unavailable")
		}
		backend = objectStore
	case "memory":
		logger.Warn().Msg("command logs are kept in memory and lost on restart")
		backend = persist.NewMemoryStore()
	default:
		backend = dataStore
	}
	logger.Info().Str("backend", cfg.PersistBackend).Dur("debounce", cfg.PersistDebounce).Msg("command log persistence")

	writer := persist.NewWriter(backend, cfg.PersistDebounce, cfg.PersistBackend, logger)
	rooms := room.NewManager(writer, dataStore, cfg.RoomGrace, logger)
	verifier := auth.NewVerifier(cfg.TokenSecret, cfg.AccessTTL)

	var revocations session.Revocations = session.NewMemoryStore()
	if cfg.RevocationBackend == "redis" {
		redisRevocations, err := session.NewRedisStore(cfg.RedisURL)
		if err != nil {
			logger.Fatal().Err(err).Msg("redis connection failed")
		}
		defer redisRevocations.Close()
		revocations = redisRevocations
	}
	guard := session.NewGuard(verifier, revocations)

	pgSearch := search.NewPostgres(dataStore)
	var meiliClient *search.Meili
	if strings.TrimSpace(cfg.MeiliURL) != "" {
		meiliClient = search.NewMeili(cfg.MeiliURL, cfg.MeiliMasterKey, logger)
		defer meiliClient.Close()
	}
	searchService := search.NewService(meiliClient, pgSearch, logger)
	go searchService.ReindexAll(ctx, pgSearch)

	service := app.New(cfg, dataStore, rooms, writer, searchService, verifier, guard, logger)
	ws := gateway.NewHandler(rooms, guard, dataStore, gateway.DefaultOptions(), logger)

	httpServer := app.NewHTTPServer(service, cfg.CORSOrigin, ws, logger)
	server := &http.Server{
		Addr:              cfg.Addr,
		Handler:           httpServer.Handler(),
		ReadHeaderTimeout: 10 * time.Second,
		IdleTimeout:       60 * time.Second,
	}

	go func() {
		logger.Info().Str("addr", cfg.Addr).Msg("SketchSync API listening")
		if err := server.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			logger.Fatal().Err(err).Msg("server failed")
		}
	}()

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)
	<-sigCh

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if err := server.Shutdown(shutdownCtx); err != nil {
		logger.Error().Err(err).Msg("shutdown error")
	}
	if err := rooms.Shutdown(shutdownCtx); err != nil {
		logger.Error().Err(err).Msg("room shutdown error")
	}
	if err := writer.Close(shutdownCtx); err != nil {
		logger.Error().Err(err).Msg("flush pending command logs")
	}
}
