package main

import (
	"context"
	"net/http"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/redis/go-redis/v9"
	"github.com/sirupsen/logrus"

	"github.com/Manideepchopperla/Collaborative-Kanban-Board/internal/app"
	"github.com/Manideepchopperla/Collaborative-Kanban-Board/internal/config"
	"github.com/Manideepchopperla/Collaborative-Kanban-Board/internal/realtime"
	"github.com/Manideepchopperla/Collaborative-Kanban-Board/internal/search"
	"github.com/Manideepchopperla/Collaborative-Kanban-Board/internal/session"
	"github.com/Manideepchopperla/Collaborative-Kanban-Board/internal/store"
)

func main() {
	cfg := config.Load()
	ctx := context.Background()

	log := logrus.New()
	log.SetFormatter(&logrus.JSONFormatter{})
	if level, err := logrus.ParseLevel(cfg.LogLevel); err == nil {
		log.SetLevel(level)
	}

	db, err := store.Open(ctx, cfg.DatabaseURL)
	if err != nil {
		log.WithError(err).Fatal("database connection failed")
	}
	defer db.Close()

	if err := store.ApplyMigrations(ctx, db); err != nil {
		log.WithError(err).Fatal("migrations failed")
	}

	dataStore := store.NewPostgresStore(db)

	pgfts := search.NewPgFTS(db)
	var meiliClient *search.Meili
	if strings.TrimSpace(cfg.MeiliURL) != "" {
		meiliClient = search.NewMeili(cfg.MeiliURL, cfg.MeiliMasterKey, log)
		defer meiliClient.Close()
	}
	searchService := search.NewService(meiliClient, pgfts)

	hub := realtime.NewHub(log)

	var redisClient *redis.Client
	if strings.TrimSpace(cfg.RedisURL) != "" {
		opts, err := redis.ParseURL(cfg.RedisURL)
		if err != nil {
			log.WithError(err).Fatal("invalid redis url")
		}
		redisClient = redis.NewClient(opts)
		defer redisClient.Close()
	}

	bridgeCtx, stopBridge := context.WithCancel(ctx)
	defer stopBridge()

	var service *app.Service
	if redisClient != nil {
		log.Info("using redis for refresh token storage")
		service = app.New(cfg, dataStore, session.NewRedisStoreWithClient(redisClient), hub, searchService, log)

		bridge := realtime.NewBridge(hub, redisClient, log)
		go bridge.Run(bridgeCtx)
	} else {
		log.Info("using postgres for refresh token storage")
		service = app.New(cfg, dataStore, dataStore, hub, searchService, log)
	}

	httpServer := app.NewHTTPServer(service, hub, cfg.CORSOrigin, log)
	server := &http.Server{
		Addr:              cfg.Addr,
		Handler:           httpServer.Handler(),
		ReadHeaderTimeout: 10 * time.Second,
		ReadTimeout:       15 * time.Second,
		// WriteTimeout stays unset: /api/stream holds long-lived
		// event-stream responses open.
		IdleTimeout: 60 * time.Second,
	}

	go func() {
		log.WithField("addr", cfg.Addr).Info("kanban api listening")
		if err := server.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			log.WithError(err).Fatal("server failed")
		}
	}()

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)
	<-sigCh

	stopBridge()
	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if err := server.Shutdown(shutdownCtx); err != nil {
		log.WithError(err).Warn("shutdown error")
	}
}
