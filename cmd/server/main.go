// Command server runs the Xiangqi game-flow server: it loads
// configuration, connects to Mongo (falling back to an in-memory store
// if it is unreachable) and creates the Redis client, starts the Pikafish
// bridge, and
// serves client connections until signaled to stop.
package main

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"syscall"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/xqserver/xqserver/internal/aiengine"
	"github.com/xqserver/xqserver/internal/config"
	"github.com/xqserver/xqserver/internal/game"
	"github.com/xqserver/xqserver/internal/mailbox"
	"github.com/xqserver/xqserver/internal/match"
	"github.com/xqserver/xqserver/internal/rating"
	"github.com/xqserver/xqserver/internal/registry"
	"github.com/xqserver/xqserver/internal/server"
	"github.com/xqserver/xqserver/internal/store"
	"github.com/xqserver/xqserver/internal/store/memstore"
	"github.com/xqserver/xqserver/internal/store/mongostore"
	"github.com/xqserver/xqserver/internal/store/rediscache"
)

const configPathEnv = "XQ_CONFIG_PATH"

func main() {
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)
	go func() {
		sig := <-sigCh
		slog.Info("shutting down", "signal", sig)
		cancel()
	}()

	if err := run(ctx); err != nil {
		slog.Error("fatal", "error", err)
		os.Exit(1)
	}
}

func run(ctx context.Context) error {
	cfgPath := os.Getenv(configPathEnv)
	if cfgPath == "" {
		cfgPath = "config/server.yaml"
	}
	cfg, err := config.Load(cfgPath)
	if err != nil {
		return fmt.Errorf("loading config: %w", err)
	}
	if len(os.Args) > 1 {
		if _, err := fmt.Sscanf(os.Args[1], "%d", &cfg.Port); err != nil {
			return fmt.Errorf("parsing port argument %q: %w", os.Args[1], err)
		}
	}

	slog.SetDefault(slog.New(slog.NewTextHandler(os.Stdout, &slog.HandlerOptions{
		Level: parseLogLevel(cfg.LogLevel),
	})))
	slog.Info("xqserver starting", "bind", cfg.BindAddress, "port", cfg.Port)

	st, cache := connectStore(ctx, cfg)
	box := mailbox.New(cfg.MailboxSize)
	reg := registry.New()

	enginePath, err := aiengine.FindEnginePath(cfg.EnginePath)
	var engine *aiengine.Engine
	if err != nil {
		slog.Warn("pikafish engine not found, AI matches are disabled", "error", err)
	} else {
		engine = aiengine.New(enginePath)
		initCtx, initCancel := context.WithTimeout(ctx, 10*time.Second)
		err = engine.Initialize(initCtx)
		initCancel()
		if err != nil {
			slog.Warn("pikafish engine failed to initialize, AI matches are disabled", "error", err)
			engine = nil
		}
	}
	aiGames := aiengine.NewManager()

	rater := rating.NewEloUpdater(st)
	games := game.New(st, rater, aiGames, engine, box, nil)
	matchMgr := match.New(reg, games, st, cache, box, nil, nil)

	srv := server.New(cfg, reg, games, matchMgr, box, nil)

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		return srv.Run(gctx)
	})

	err = g.Wait()

	if engine != nil {
		if shutdownErr := engine.Shutdown(); shutdownErr != nil {
			slog.Warn("engine shutdown error", "error", shutdownErr)
		}
	}

	return err
}

// connectStore dials Mongo per config, falling back to an in-memory store
// when it is unreachable — useful for local runs without standing up the
// full dependency stack. The Redis client is created without checking
// that the server is reachable, and there is no in-memory cache fallback.
func connectStore(ctx context.Context, cfg config.Config) (store.Store, store.Cache) {
	dialCtx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()

	var st store.Store
	mongoStore, err := mongostore.Connect(dialCtx, cfg.MongoURI, cfg.MongoDB)
	if err != nil {
		slog.Warn("mongo connection failed, using in-memory store", "error", err)
		st = memstore.New()
	} else {
		st = mongoStore
	}

	cache := rediscache.Dial(rediscache.Options{
		Addr:     cfg.RedisAddr,
		Password: cfg.RedisPassword,
		DB:       cfg.RedisDB,
	})

	return st, cache
}

func parseLogLevel(level string) slog.Level {
	switch level {
	case "debug":
		return slog.LevelDebug
	case "info":
		return slog.LevelInfo
	case "warn":
		return slog.LevelWarn
	case "error":
		return slog.LevelError
	default:
		return slog.LevelInfo
	}
}
