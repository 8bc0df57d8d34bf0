package main

import (
	"context"
	"errors"
	"net/http"
	"os"
	"os/signal"
	"syscall"

	"github.com/charmbracelet/log"
	"golang.org/x/sync/errgroup"

	"listenalong/internal/chat"
	"listenalong/internal/config"
	"listenalong/internal/database"
	"listenalong/internal/playback"
	"listenalong/internal/room"
	"listenalong/internal/server"
	"listenalong/internal/song"
	"listenalong/internal/user"
	"listenalong/internal/ws"
)

func main() {
	logger := log.NewWithOptions(os.Stderr, log.Options{ReportTimestamp: true})

	cfg, err := config.Load(os.Getenv("LISTEN_CONFIG"))
	if err != nil {
		logger.Fatal("load config", "err", err)
	}
	if os.Getenv("LISTEN_DEBUG") == "true" {
		logger.SetLevel(log.DebugLevel)
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	metrics := config.NewMetrics()

	var (
		roomRepo room.Repository
		userRepo user.Repository
		msgRepo  chat.Repository
	)

	if cfg.MongoURI != "" {
		db, err := database.Connect(ctx, cfg.MongoURI, cfg.MongoDatabase)
		if err != nil {
			logger.Fatal("connect database", "err", err)
		}
		defer db.Close(context.Background())

		if err := db.CreateIndexes(ctx); err != nil {
			logger.Fatal("create indexes", "err", err)
		}

		roomRepo = room.NewMongoRepository(db.Database())
		userRepo = user.NewMongoRepository(db.Database())
		msgRepo = chat.NewMongoRepository(db.Database())
		logger.Info("using MongoDB persistence", "db", cfg.MongoDatabase)
	} else {
		roomRepo = room.NewMemoryRepository()
		userRepo = user.NewMemoryRepository()
		msgRepo = chat.NewMemoryRepository()
		logger.Warn("no LISTEN_MONGO_URI set, using in-memory persistence")
	}

	hub := ws.NewHub(cfg, metrics, logger.With("component", "ws"))

	registry := room.NewRegistry(roomRepo, userRepo, msgRepo, hub, metrics,
		logger.With("component", "room"), cfg.RecentMessageWindow)
	hub.SetRegistry(registry)

	resolver := song.NewHTTPResolver(cfg.ResolverBaseURL)
	coordinator := playback.NewCoordinator(registry, resolver, hub, metrics,
		logger.With("component", "playback"), cfg.PlaybackLead)
	registry.SetPlayback(coordinator)

	typing := chat.NewTypingTracker(hub, cfg.TypingTimeout)
	registry.SetTyping(typing)

	chatSvc := chat.NewService(msgRepo, registry, hub, metrics,
		logger.With("component", "chat"), cfg)

	hub.SetHandler(ws.NewEventHandler(registry, chatSvc, typing, coordinator,
		logger.With("component", "ws")))

	srv := server.New(cfg, registry, coordinator, chatSvc, hub.ServeWS, metrics,
		logger.With("component", "http"))

	g, ctx := errgroup.WithContext(ctx)

	g.Go(func() error {
		hub.Run(ctx)
		return nil
	})

	g.Go(func() error {
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			return err
		}
		return nil
	})

	g.Go(func() error {
		<-ctx.Done()
		logger.Info("shutting down")
		return srv.Shutdown(context.Background())
	})

	if err := g.Wait(); err != nil {
		logger.Fatal("server exited", "err", err)
	}
}
