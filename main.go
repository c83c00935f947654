package main

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/nats-io/nats.go"
	"github.com/spf13/pflag"

	"github.com/iwork/iwork/internal/api"
	"github.com/iwork/iwork/internal/auth"
	"github.com/iwork/iwork/internal/bus"
	"github.com/iwork/iwork/internal/chat"
	"github.com/iwork/iwork/internal/config"
	"github.com/iwork/iwork/internal/gateway"
	"github.com/iwork/iwork/internal/presence"
	"github.com/iwork/iwork/store/conversation"
	"github.com/iwork/iwork/store/memory"
	"github.com/iwork/iwork/store/message"
	"github.com/iwork/iwork/store/mongodb"
	"github.com/iwork/iwork/store/postgres"
	"github.com/iwork/iwork/store/user"
)

const (
	tokenValidity   = 7 * 24 * time.Hour
	shutdownTimeout = 10 * time.Second
)

func main() {
	if err := run(os.Args[1:]); err != nil {
		fmt.Fprintf(os.Stderr, "error: %v\n", err)
		os.Exit(1)
	}
}

func run(args []string) error {
	cfg, err := config.Load(args)
	if err != nil {
		if errors.Is(err, pflag.ErrHelp) {
			return nil
		}
		return err
	}

	logger := newLogger(cfg)
	slog.SetDefault(logger)

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	st, closeStores, err := openStores(ctx, cfg, logger)
	if err != nil {
		return err
	}
	defer closeStores()

	registry, router, closeBus, err := openRealtime(ctx, cfg, logger)
	if err != nil {
		return err
	}
	defer closeBus()

	authenticator := auth.NewAuthenticator(cfg.JWTSecret, "", tokenValidity)

	svc := chat.NewService(chat.Config{
		Conversations: st.conversations,
		Messages:      st.messages,
		Directory:     st.directory,
		Logger:        logger.With("component", "chat"),
	})

	gw, err := gateway.New(gateway.Config{
		Verifier:       authenticator,
		Chat:           svc,
		Presence:       registry,
		Router:         router,
		AllowedOrigins: cfg.AllowedOrigins(),
		Logger:         logger.With("component", "gateway"),
	})
	if err != nil {
		return fmt.Errorf("failed to start gateway: %w", err)
	}

	srv := &http.Server{
		Addr: cfg.Addr,
		Handler: api.NewRouter(api.Config{
			Chat:           svc,
			Realtime:       gw,
			Verifier:       authenticator,
			Websocket:      gw,
			AllowedOrigins: cfg.AllowedOrigins(),
			Logger:         logger.With("component", "http"),
		}),
		ReadHeaderTimeout: 10 * time.Second,
	}

	serveErr := make(chan error, 1)
	go func() {
		logger.Info("server starting", "addr", cfg.Addr, "store", cfg.Store, "environment", cfg.Environment)
		serveErr <- srv.ListenAndServe()
	}()

	select {
	case err := <-serveErr:
		if !errors.Is(err, http.ErrServerClosed) {
			_ = gw.Close()
			return fmt.Errorf("ListenAndServe: %w", err)
		}
	case <-ctx.Done():
		logger.Info("shutting down")
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
	defer cancel()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		logger.Warn("http shutdown", "error", err)
	}
	// Hijacked websocket connections are not covered by Shutdown.
	if err := gw.Close(); err != nil {
		logger.Warn("gateway close", "error", err)
	}
	return nil
}

func newLogger(cfg *config.Config) *slog.Logger {
	opts := &slog.HandlerOptions{Level: cfg.LogLevel}
	if cfg.IsProduction() {
		return slog.New(slog.NewJSONHandler(os.Stderr, opts))
	}
	return slog.New(slog.NewTextHandler(os.Stderr, opts))
}

type stores struct {
	conversations conversation.Store
	messages      message.Store
	directory     user.Directory
}

func openStores(ctx context.Context, cfg *config.Config, logger *slog.Logger) (*stores, func(), error) {
	switch cfg.Store {
	case config.StorePostgres:
		if cfg.Migrate {
			if err := postgres.RunMigrations(cfg.DatabaseURL); err != nil {
				return nil, nil, err
			}
			logger.Info("database migrated")
		}
		db, err := postgres.Open(ctx, cfg.DatabaseURL)
		if err != nil {
			return nil, nil, err
		}
		logger.Info("connected to database", "driver", "postgres")
		closeDB := func() {
			if err := db.Close(); err != nil {
				logger.Warn("error closing db", "error", err)
			}
		}
		return &stores{
			conversations: conversation.NewSQLStore(db),
			messages:      message.NewSQLStore(db),
			directory:     user.NewSQLStore(db),
		}, closeDB, nil

	case config.StoreMongo:
		db, err := mongodb.Connect(ctx, cfg.MongoURL, cfg.MongoDatabase)
		if err != nil {
			return nil, nil, err
		}
		conversations := conversation.NewMongoStore(db)
		messages := message.NewMongoStore(db)
		closeDB := func() {
			disconnectCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
			defer cancel()
			if err := db.Client().Disconnect(disconnectCtx); err != nil {
				logger.Warn("error closing mongo", "error", err)
			}
		}
		if err := mongodb.EnsureIndexes(ctx, conversations, messages); err != nil {
			closeDB()
			return nil, nil, err
		}
		logger.Info("connected to database", "driver", "mongo", "database", cfg.MongoDatabase)
		return &stores{
			conversations: conversations,
			messages:      messages,
			directory:     user.NewMongoStore(db),
		}, closeDB, nil

	default:
		logger.Warn("using in-memory store, data is lost on restart")
		st := memory.New()
		return &stores{
			conversations: st.Conversations(),
			messages:      st.Messages(),
			directory:     st.Directory(),
		}, func() {}, nil
	}
}

// openRealtime returns the presence registry and router. Without a NATS
// url both are process-local.
func openRealtime(ctx context.Context, cfg *config.Config, logger *slog.Logger) (presence.Registry, gateway.Router, func(), error) {
	if cfg.NATSURL == "" {
		return presence.NewMemoryRegistry(), gateway.NewLocalRouter(), func() {}, nil
	}

	nc, err := bus.Connect(cfg.NATSURL, "iwork", logger.With("component", "nats"))
	if err != nil {
		return nil, nil, nil, err
	}
	registry, err := presence.NewKVRegistry(ctx, nc, presence.DefaultBucket, logger.With("component", "presence"))
	if err != nil {
		nc.Close()
		return nil, nil, nil, err
	}
	logger.Info("connected to nats", "url", nc.ConnectedUrlRedacted(), "prefix", cfg.NATSPrefix)

	closeNATS := func() {
		if err := nc.Drain(); err != nil && !errors.Is(err, nats.ErrConnectionClosed) {
			logger.Warn("nats drain", "error", err)
		}
	}
	return registry, gateway.NewNATSRouter(nc, cfg.NATSPrefix, logger.With("component", "router")), closeNATS, nil
}
