// Package app assembles the coordinator from configuration. The injector in
// wire_gen.go is generated from the provider set in wire.go.
package app

import (
	"context"
	"errors"
	"fmt"
	"net"
	"net/http"
	"os"
	"path/filepath"
	"time"

	"go.uber.org/zap"

	"github.com/P0W3R97/dnd-tabletop/internal/config"
	"github.com/P0W3R97/dnd-tabletop/internal/game/dice"
	"github.com/P0W3R97/dnd-tabletop/internal/game/eventlog"
	"github.com/P0W3R97/dnd-tabletop/internal/game/registry"
	"github.com/P0W3R97/dnd-tabletop/internal/game/room"
	"github.com/P0W3R97/dnd-tabletop/internal/game/rules"
	"github.com/P0W3R97/dnd-tabletop/internal/gameserver"
	"github.com/P0W3R97/dnd-tabletop/internal/server"
	"github.com/P0W3R97/dnd-tabletop/internal/storage/postgres"
	"github.com/P0W3R97/dnd-tabletop/internal/storage/sqlite"
)

// storageHealthInterval is how often a durable log backend is pinged.
const storageHealthInterval = 30 * time.Second

// App is a fully wired coordinator.
type App struct {
	Lifecycle *server.Lifecycle
	Registry  *registry.Registry
	Router    *gameserver.Router
	Handler   *gameserver.Handler
}

// Storage is the selected event log backend.
type Storage struct {
	Log eventlog.Store
	// Health pings the backend. Nil for the memory driver.
	Health func(ctx context.Context) error
}

// ProvideStorage opens the event log named by cfg.Storage.Driver. The
// cleanup function releases it.
//
// Postcondition: Returns a ready Storage, or a non-nil error and no cleanup.
func ProvideStorage(ctx context.Context, cfg config.Config, logger *zap.Logger) (Storage, func(), error) {
	start := time.Now()
	switch cfg.Storage.Driver {
	case config.DriverMemory:
		logger.Warn("using in-memory event log; rooms do not survive restart")
		return Storage{Log: eventlog.NewMemoryStore()}, func() {}, nil

	case config.DriverSQLite:
		if dir := filepath.Dir(cfg.Storage.SQLitePath); dir != "" {
			if err := os.MkdirAll(dir, 0o755); err != nil {
				return Storage{}, nil, fmt.Errorf("creating sqlite directory: %w", err)
			}
		}
		store, err := sqlite.Open(cfg.Storage.SQLitePath)
		if err != nil {
			return Storage{}, nil, err
		}
		logger.Info("sqlite event log opened",
			zap.String("path", cfg.Storage.SQLitePath),
			zap.Duration("elapsed", time.Since(start)),
		)
		cleanup := func() {
			if err := store.Close(); err != nil {
				logger.Warn("closing sqlite event log", zap.Error(err))
			}
		}
		return Storage{Log: store}, cleanup, nil

	case config.DriverPostgres:
		pool, err := postgres.NewPool(ctx, cfg.Database)
		if err != nil {
			return Storage{}, nil, err
		}
		logger.Info("database connected",
			zap.String("host", cfg.Database.Host),
			zap.Duration("elapsed", time.Since(start)),
		)
		if err := pool.CheckSchema(ctx); err != nil {
			pool.Close()
			return Storage{}, nil, err
		}
		health := func(ctx context.Context) error {
			if err := pool.Health(ctx, 5*time.Second); err != nil {
				return err
			}
			acquired, idle := pool.Stats()
			logger.Debug("database healthy", zap.Int32("acquired", acquired), zap.Int32("idle", idle))
			return nil
		}
		return Storage{Log: postgres.NewEventLogRepository(pool.DB()), Health: health}, pool.Close, nil

	default:
		return Storage{}, nil, fmt.Errorf("unknown storage driver %q", cfg.Storage.Driver)
	}
}

// ProvideEventLog extracts the log from s.
func ProvideEventLog(s Storage) eventlog.Store {
	return s.Log
}

// ProvideRuleBook loads cfg.Rooms.RulesFile, or the built-in rules when
// no file is configured.
func ProvideRuleBook(cfg config.Config, logger *zap.Logger) (*rules.Book, error) {
	if cfg.Rooms.RulesFile == "" {
		return rules.NewBook(rules.Default()), nil
	}
	book, err := rules.LoadBook(cfg.Rooms.RulesFile)
	if err != nil {
		return nil, err
	}
	logger.Info("room rules loaded",
		zap.String("file", cfg.Rooms.RulesFile),
		zap.Int("rooms", book.Rooms()),
	)
	return book, nil
}

// ProvideRoller returns the production dice roller.
func ProvideRoller(logger *zap.Logger) *dice.Roller {
	return dice.NewLoggedRoller(dice.NewCryptoSource(), logger)
}

// ProvideRoomConfig maps the rooms section onto room.Config.
func ProvideRoomConfig(cfg config.Config) room.Config {
	return room.Config{
		QueueTimeout:     cfg.Rooms.QueueTimeout,
		DedupSize:        cfg.Rooms.IdempotencySize,
		DedupTTL:         cfg.Rooms.IdempotencyTTL,
		SubscriberBuffer: cfg.Rooms.SubscriberBuffer,
	}
}

// ProvideRegistry creates the room registry. The cleanup function closes
// every live room.
func ProvideRegistry(log eventlog.Store, book *rules.Book, roller room.Roller, rc room.Config, logger *zap.Logger) (*registry.Registry, func()) {
	reg := registry.New(log, book, roller, rc, logger)
	return reg, reg.CloseAll
}

// ProvideHandler creates the websocket handler.
func ProvideHandler(router *gameserver.Router, cfg config.Config, logger *zap.Logger) *gameserver.Handler {
	return gameserver.NewHandler(router, gameserver.HandlerConfig{
		ReadLimit:      cfg.Server.ReadLimit,
		WriteTimeout:   cfg.Server.WriteTimeout,
		OutboxSize:     gameserver.DefaultOutboxSize,
		OriginPatterns: cfg.Server.AllowedOrigins,
	}, logger)
}

// ProvideHealthServer creates the admin gRPC health server.
func ProvideHealthServer(cfg config.Config, logger *zap.Logger) *gameserver.HealthServer {
	return gameserver.NewHealthServer(cfg.Admin.Addr(), logger)
}

// ProvideLifecycle registers every long-running service in start order:
// storage monitor, idle evictor, admin health and the websocket listener.
func ProvideLifecycle(
	cfg config.Config,
	logger *zap.Logger,
	storage Storage,
	reg *registry.Registry,
	handler *gameserver.Handler,
	health *gameserver.HealthServer,
) *server.Lifecycle {
	lc := server.NewLifecycle(logger)

	if storage.Health != nil {
		lc.Add("storage-health", server.NewLoopService(func(ctx context.Context) {
			ticker := time.NewTicker(storageHealthInterval)
			defer ticker.Stop()
			for {
				select {
				case <-ctx.Done():
					return
				case <-ticker.C:
					if err := storage.Health(ctx); err != nil && ctx.Err() == nil {
						logger.Warn("event log health check failed", zap.Error(err))
					}
				}
			}
		}))
	}

	if cfg.Rooms.IdleEviction > 0 {
		evictor := gameserver.NewEvictor(reg, cfg.Rooms.EvictionInterval, cfg.Rooms.IdleEviction, logger)
		lc.Add("evictor", server.NewLoopService(evictor.Run))
	}

	lc.Add("admin-grpc", &server.FuncService{
		StartFn: health.Serve,
		StopFn:  health.Stop,
	})

	lc.Add("websocket", newHTTPService(cfg.Server, handler, logger))
	return lc
}

// newHTTPService runs the websocket listener. Sessions inherit a base
// context that is cancelled on Stop, so open connections close with
// "going away" instead of being cut.
func newHTTPService(cfg config.ServerConfig, handler http.Handler, logger *zap.Logger) *server.FuncService {
	baseCtx, cancel := context.WithCancel(context.Background())
	srv := &http.Server{
		Addr:              cfg.Addr(),
		Handler:           handler,
		ReadHeaderTimeout: 10 * time.Second,
		BaseContext:       func(net.Listener) context.Context { return baseCtx },
	}
	return &server.FuncService{
		StartFn: func() error {
			lis, err := net.Listen("tcp", srv.Addr)
			if err != nil {
				return fmt.Errorf("listening on %s: %w", srv.Addr, err)
			}
			logger.Info("websocket server listening", zap.String("addr", lis.Addr().String()))
			if err := srv.Serve(lis); err != nil && !errors.Is(err, http.ErrServerClosed) {
				return err
			}
			return nil
		},
		StopFn: func() {
			cancel()
			ctx, done := context.WithTimeout(context.Background(), cfg.ShutdownTimeout)
			defer done()
			if err := srv.Shutdown(ctx); err != nil {
				logger.Warn("websocket server shutdown", zap.Error(err))
			}
		},
	}
}
