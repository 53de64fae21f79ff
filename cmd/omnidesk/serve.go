package main

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"time"

	"github.com/jackc/pgx/v5/pgxpool"
	"go.uber.org/fx"
	"go.uber.org/fx/fxevent"

	"github.com/omnidesk/omnidesk/internal/account"
	"github.com/omnidesk/omnidesk/internal/ai"
	"github.com/omnidesk/omnidesk/internal/assign"
	"github.com/omnidesk/omnidesk/internal/channel"
	"github.com/omnidesk/omnidesk/internal/channel/adapters/facebook"
	"github.com/omnidesk/omnidesk/internal/channel/adapters/instagram"
	"github.com/omnidesk/omnidesk/internal/channel/adapters/whatsapp"
	"github.com/omnidesk/omnidesk/internal/config"
	"github.com/omnidesk/omnidesk/internal/conversation"
	"github.com/omnidesk/omnidesk/internal/customer"
	"github.com/omnidesk/omnidesk/internal/db"
	"github.com/omnidesk/omnidesk/internal/flow"
	"github.com/omnidesk/omnidesk/internal/handlers"
	"github.com/omnidesk/omnidesk/internal/inbound"
	"github.com/omnidesk/omnidesk/internal/logger"
	"github.com/omnidesk/omnidesk/internal/message"
	"github.com/omnidesk/omnidesk/internal/outbound"
	"github.com/omnidesk/omnidesk/internal/plugins"
	"github.com/omnidesk/omnidesk/internal/realtime"
	"github.com/omnidesk/omnidesk/internal/routing"
	"github.com/omnidesk/omnidesk/internal/server"
)

func runServe() {
	fx.New(
		fx.Provide(
			provideConfig,
			provideLogger,
			provideDBConn,
			account.NewStore,
			customer.NewStore,
			conversation.NewStore,
			message.NewStore,
			flow.NewStore,
			assign.NewStore,
			plugins.NewStore,
			plugins.NewRegistry,
			plugins.NewRunner,
			provideChannelRegistry,
			provideEvaluator,
			flow.NewEngine,
			realtime.NewHub,
			outbound.NewDispatcher,
			provideResolver,
			providePipeline,
			provideScheduler,
			handlers.NewPingHandler,
			provideWebhookHandler,
			provideAccountHandler,
			provideFlowHandler,
			provideConversationHandler,
			provideWSHandler,
			provideServer,
		),
		fx.Invoke(
			runMigrations,
			validatePluginConfigs,
			startScheduler,
			startServer,
		),
		fx.WithLogger(func(logger *slog.Logger) fxevent.Logger {
			return &fxevent.SlogLogger{Logger: logger.With(slog.String("component", "fx"))}
		}),
	).Run()
}

func provideConfig() (config.Config, error) {
	path := cfgPath
	if path == "" {
		path = os.Getenv("CONFIG_PATH")
	}
	cfg, err := config.Load(path)
	if err != nil {
		return config.Config{}, fmt.Errorf("load config: %w", err)
	}
	if err := config.Validate(cfg); err != nil {
		return config.Config{}, err
	}
	return cfg, nil
}

func provideLogger(cfg config.Config) *slog.Logger {
	logger.Init(cfg.Log.Level, cfg.Log.Format)
	return logger.L
}

func provideDBConn(lc fx.Lifecycle, cfg config.Config) (*pgxpool.Pool, error) {
	pool, err := db.Open(context.Background(), cfg.Postgres)
	if err != nil {
		return nil, fmt.Errorf("db connect: %w", err)
	}
	lc.Append(fx.Hook{OnStop: func(ctx context.Context) error { pool.Close(); return nil }})
	return pool, nil
}

func provideChannelRegistry() *channel.Registry {
	registry := channel.NewRegistry()
	registry.MustRegister(facebook.New())
	registry.MustRegister(instagram.New())
	registry.MustRegister(whatsapp.New())
	return registry
}

func provideEvaluator(store *assign.Store, log *slog.Logger) *assign.Evaluator {
	return assign.NewEvaluator(store, log)
}

func provideResolver(
	accounts *account.Store,
	customers *customer.Store,
	conversations *conversation.Store,
	messages *message.Store,
	registry *channel.Registry,
	hub *realtime.Hub,
	log *slog.Logger,
) *inbound.Resolver {
	return inbound.NewResolver(accounts, customers, conversations, messages, registry, hub, log)
}

func providePipeline(
	cfg config.Config,
	conversations *conversation.Store,
	flows *flow.Store,
	engine *flow.Engine,
	evaluator *assign.Evaluator,
	pluginStore *plugins.Store,
	pluginRunner *plugins.Runner,
	messages *message.Store,
	dispatcher *outbound.Dispatcher,
	accounts *account.Store,
	customers *customer.Store,
	hub *realtime.Hub,
	log *slog.Logger,
) *routing.Pipeline {
	// ai.NewClient returns a typed nil when the responder is disabled; wrapping
	// it straight into the interface would make the nil check in the pipeline
	// pass and then panic on the first call.
	var responder routing.Responder
	if client := ai.NewClient(cfg.AI); client != nil {
		responder = client
	}
	return routing.NewPipeline(routing.Params{
		Conversations: conversations,
		Flows:         flows,
		Engine:        engine,
		Assigner:      evaluator,
		PluginSource:  pluginStore,
		PluginRunner:  pluginRunner,
		Messages:      messages,
		Sender:        dispatcher,
		Responder:     responder,
		Accounts:      accounts,
		Customers:     customers,
		Notifier:      hub,
		Logger:        log,
	})
}

func provideScheduler(cfg config.Config, store *conversation.Store, pipeline *routing.Pipeline, log *slog.Logger) *flow.Scheduler {
	interval := time.Duration(cfg.Scheduler.IntervalSeconds) * time.Second
	return flow.NewScheduler(store, pipeline, log, interval)
}

func provideWebhookHandler(log *slog.Logger, cfg config.Config, registry *channel.Registry, resolver *inbound.Resolver, pipeline *routing.Pipeline) *handlers.WebhookHandler {
	return handlers.NewWebhookHandler(log, cfg.Webhook, registry, resolver, pipeline)
}

func provideAccountHandler(log *slog.Logger, store *account.Store, registry *channel.Registry) *handlers.AccountHandler {
	return handlers.NewAccountHandler(log, store, registry)
}

func provideFlowHandler(log *slog.Logger, store *flow.Store) *handlers.FlowHandler {
	return handlers.NewFlowHandler(log, store)
}

func provideConversationHandler(
	log *slog.Logger,
	conversations *conversation.Store,
	messages *message.Store,
	accounts *account.Store,
	customers *customer.Store,
	dispatcher *outbound.Dispatcher,
	hub *realtime.Hub,
) *handlers.ConversationHandler {
	return handlers.NewConversationHandler(log, conversations, messages, accounts, customers, dispatcher, hub)
}

func provideWSHandler(log *slog.Logger, hub *realtime.Hub) *handlers.WSHandler {
	return handlers.NewWSHandler(log, hub)
}

func provideServer(
	cfg config.Config,
	ping *handlers.PingHandler,
	webhook *handlers.WebhookHandler,
	accountHandler *handlers.AccountHandler,
	flowHandler *handlers.FlowHandler,
	conversationHandler *handlers.ConversationHandler,
	ws *handlers.WSHandler,
) *server.Server {
	return server.NewServer(cfg.Server.Addr, cfg.Auth.JWTSecret, server.Handlers{
		Ping:         ping,
		Webhook:      webhook,
		Account:      accountHandler,
		Flow:         flowHandler,
		Conversation: conversationHandler,
		WS:           ws,
	})
}

func runMigrations(logger *slog.Logger, cfg config.Config) error {
	if err := db.Migrate(cfg.Postgres); err != nil {
		return fmt.Errorf("migrate: %w", err)
	}
	logger.Info("database schema up to date")
	return nil
}

// validatePluginConfigs fails startup when any stored plugin config names a
// type this build does not ship. A tenant whose plugin silently never runs is
// much harder to diagnose than a refused boot.
func validatePluginConfigs(logger *slog.Logger, registry *plugins.Registry, store *plugins.Store) error {
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	configs, err := store.ListAll(ctx)
	if err != nil {
		return fmt.Errorf("list plugin configs: %w", err)
	}
	if err := registry.Validate(configs); err != nil {
		return err
	}
	logger.Info("plugin configs validated", slog.Int("count", len(configs)))
	return nil
}

func startScheduler(lc fx.Lifecycle, scheduler *flow.Scheduler, logger *slog.Logger) {
	lc.Append(fx.Hook{
		OnStart: func(ctx context.Context) error {
			if err := scheduler.Start(); err != nil {
				return fmt.Errorf("start scheduler: %w", err)
			}
			logger.Info("flow scheduler started")
			return nil
		},
		OnStop: func(ctx context.Context) error {
			scheduler.Stop()
			return nil
		},
	})
}

func startServer(lc fx.Lifecycle, logger *slog.Logger, srv *server.Server, shutdowner fx.Shutdowner, cfg config.Config) {
	lc.Append(fx.Hook{
		OnStart: func(ctx context.Context) error {
			logger.Info("starting http server", slog.String("addr", cfg.Server.Addr))
			go func() {
				if err := srv.Start(); err != nil && !errors.Is(err, http.ErrServerClosed) {
					logger.Error("server failed", slog.Any("error", err))
					_ = shutdowner.Shutdown()
				}
			}()
			return nil
		},
		OnStop: func(ctx context.Context) error {
			if err := srv.Shutdown(ctx); err != nil && !errors.Is(err, http.ErrServerClosed) {
				return fmt.Errorf("server shutdown: %w", err)
			}
			return nil
		},
	})
}

func runMigrate() error {
	cfg, err := provideConfig()
	if err != nil {
		return err
	}
	logger.Init(cfg.Log.Level, cfg.Log.Format)
	if err := db.Migrate(cfg.Postgres); err != nil {
		return fmt.Errorf("migrate: %w", err)
	}
	logger.L.Info("database schema up to date")
	return nil
}
