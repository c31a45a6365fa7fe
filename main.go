package main

import (
	"context"
	"flag"
	"log/slog"
	"time"

	"LiveDesk/internal/cache"
	"LiveDesk/internal/config"
	"LiveDesk/internal/core"
	repository "LiveDesk/internal/database"
	"LiveDesk/internal/http-server/api"
	"LiveDesk/internal/lib/logger"
	"LiveDesk/internal/lib/sl"
	"LiveDesk/internal/service/auth"
	"LiveDesk/internal/ws"
)

func main() {

	configPath := flag.String("conf", "config.yml", "path to config file")
	logPath := flag.String("log", "/var/log/", "path to log file directory")
	flag.Parse()

	conf := config.MustLoad(*configPath)
	lg := logger.SetupLogger(conf.Env, *logPath)

	lg.Info("starting livedesk", slog.String("config", *configPath), slog.String("env", conf.Env))
	lg.Debug("debug messages enabled")

	db, err := repository.NewMongoClient(conf, lg)
	if err != nil {
		lg.Error("mongo client", sl.Err(err))
		return
	}
	lg.With(
		slog.String("host", conf.Mongo.Host),
		slog.String("port", conf.Mongo.Port),
		slog.String("database", conf.Mongo.Database),
	).Info("mongo client initialized")

	var cacheStore ws.Cache = cache.NewNoop()
	if redisCache := cache.NewRedisCache(conf, lg); redisCache != nil {
		cacheStore = redisCache
		lg.With(
			slog.String("addr", conf.Redis.Addr),
		).Info("redis cache initialized")
	}

	authService := auth.NewAuthService(lg)
	authService.SetRepository(db)

	hub := ws.NewHub(lg)
	go hub.Run()

	registry := core.NewPresenceRegistry(lg)
	access := core.NewAccessController()
	delivery := core.NewDeliveryTracker(db, hub, lg)
	engine := core.NewAssignmentEngine(db, registry, hub, lg)

	ctx := context.Background()
	if err := engine.Bootstrap(ctx); err != nil {
		lg.Error("assignment bootstrap", sl.Err(err))
	}

	gateway := ws.NewGateway(hub, registry, access, delivery, engine, db, cacheStore, authService, conf.History.PageSize, lg)

	go gateway.RunReconciler(ctx, time.Duration(conf.Presence.ReconcileSeconds)*time.Second)

	// *** blocking start with http server ***
	err = api.New(conf, lg, gateway, gateway, authService)
	if err != nil {
		lg.Error("server start", sl.Err(err))
		return
	}
	lg.Error("service stopped")
}
