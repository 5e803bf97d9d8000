package app

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"fleetops/internal/config"
	"fleetops/internal/controller"
	"fleetops/internal/directory"
	"fleetops/internal/logger"
	"fleetops/internal/notifier"
	"fleetops/internal/notifier/amqpsink"
	"fleetops/internal/repository"
	"fleetops/internal/repository/memory"
	"fleetops/internal/router"
	"fleetops/internal/service"
)

type App struct {
	store      service.Store
	repo       *repository.Repository
	directory  service.Directory
	sink       notifier.Sink
	dispatcher *notifier.Dispatcher
	service    *service.Service
	controller *controller.Controller
	log        *slog.Logger
	stopSig    chan os.Signal
	cfg        *config.Config

	Done chan struct{}
}

type option func(*App)

func WithConfig(cfg *config.Config) option {
	return func(app *App) {
		app.cfg = cfg
	}
}

func WithLogger(log *slog.Logger) option {
	return func(app *App) {
		app.log = log
	}
}

// WithDirectory replaces the file based actor directory.
func WithDirectory(dir service.Directory) option {
	return func(app *App) {
		app.directory = dir
	}
}

// WithSink replaces the sink chosen by NOTIFIER_SINK.
func WithSink(sink notifier.Sink) option {
	return func(app *App) {
		app.sink = sink
	}
}

func NewApp(opts ...option) (*App, error) {
	var err error

	app := &App{
		stopSig: make(chan os.Signal, 2),
		Done:    make(chan struct{}),
	}

	for _, opt := range opts {
		opt(app)
	}

	if app.cfg == nil {
		cfg, err := config.NewConfig()
		if err != nil {
			return nil, err
		}
		app.cfg = cfg
	}
	if app.log == nil {
		app.log = logger.New(app.cfg.LogLevel)
	}

	policies, err := config.LoadPolicies(app.cfg.PoliciesFile)
	if err != nil {
		return nil, fmt.Errorf("app.NewApp: %w", err)
	}

	if app.directory == nil {
		app.directory, err = loadDirectory(app.cfg.DirectoryFile, app.log)
		if err != nil {
			return nil, fmt.Errorf("app.NewApp: %w", err)
		}
	}

	switch app.cfg.StoreDriver {
	case "postgres":
		app.repo, err = repository.NewRepository(nil, &app.cfg.PostgresConfig)
		if err != nil {
			return nil, fmt.Errorf("app.NewApp: %w", err)
		}
		app.store = app.repo
	case "memory":
		app.log.Warn("using in-memory store, data will not survive a restart")
		app.store = memory.New()
	default:
		return nil, fmt.Errorf("app.NewApp: unknown store driver '%s'", app.cfg.StoreDriver)
	}

	if app.sink == nil {
		app.sink, err = newSink(app.cfg, app.log)
		if err != nil {
			app.closeStore()
			return nil, fmt.Errorf("app.NewApp: %w", err)
		}
	}

	app.dispatcher = notifier.NewDispatcher(app.sink, app.directory, policies, app.log, dispatcherOptions(app.cfg.NotifierConfig)...)
	app.service = service.NewService(app.store, app.directory, app.dispatcher, policies, app.log)
	app.controller = controller.NewController(app.service, app.log)

	return app, nil
}

// Migrate applies the schema migrations and exits without serving.
func Migrate(cfg *config.Config) error {
	pgCfg := cfg.PostgresConfig
	pgCfg.AutoMigrateUp = "true"
	pgCfg.AutoMigrateDown = "false"

	repo, err := repository.NewRepository(nil, &pgCfg)
	if err != nil {
		return fmt.Errorf("app.Migrate: %w", err)
	}
	return repo.Close()
}

func (app *App) Run() {
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	go func() {
		signal.Notify(app.stopSig, os.Interrupt, syscall.SIGINT, syscall.SIGTERM)
		sig := <-app.stopSig
		app.log.Info("received signal", slog.String("signal", sig.String()))
		cancel()
	}()

	app.dispatcher.Start()

	server := http.Server{
		Addr:         app.cfg.ServerAddress,
		Handler:      router.NewRouter(app.controller, app.log),
		ReadTimeout:  30 * time.Second,
		WriteTimeout: 30 * time.Second,
	}

	go func() {
		err := server.ListenAndServe()
		if err != nil && err != http.ErrServerClosed {
			app.log.Error("http server error", slog.String("error", err.Error()))
		}
	}()

	app.log.Info("server started, listening for connections", slog.String("address", app.cfg.ServerAddress))
	<-ctx.Done()

	timeout, tcancel := context.WithTimeout(context.Background(), time.Second*10)
	defer tcancel()
	app.log.Info("shutting down http server")
	server.Shutdown(timeout)

	// requests are drained, so no more events can arrive
	app.log.Info("draining notifications")
	err := app.dispatcher.Close(timeout)
	if err != nil {
		app.log.Error("notifier closing error", slog.String("error", err.Error()))
	}
	stats := app.dispatcher.Stats()
	app.log.Info("notifier stats",
		slog.Uint64("delivered", stats.Delivered),
		slog.Uint64("failed", stats.Failed),
		slog.Uint64("dropped", stats.Dropped))

	if closer, ok := app.sink.(io.Closer); ok {
		err = closer.Close()
		if err != nil {
			app.log.Error("sink closing error", slog.String("error", err.Error()))
		}
	}

	app.log.Info("closing store")
	app.closeStore()

	close(app.Done)
	app.log.Info("exiting app")
}

func (app *App) closeStore() {
	if app.repo == nil {
		return
	}
	err := app.repo.Close()
	if err != nil {
		app.log.Error("repository closing error", slog.String("error", err.Error()))
	}
}

func loadDirectory(path string, log *slog.Logger) (*directory.Static, error) {
	if len(path) == 0 {
		log.Warn("no directory file configured, no actor will be resolvable")
		return directory.NewStatic(), nil
	}

	dir, err := directory.Load(path)
	if errors.Is(err, os.ErrNotExist) {
		log.Warn("directory file does not exist, starting with an empty directory", slog.String("path", path))
		return directory.NewStatic(), nil
	}
	return dir, err
}

func newSink(cfg *config.Config, log *slog.Logger) (notifier.Sink, error) {
	switch cfg.Sink {
	case "log":
		return notifier.NewLogSink(log), nil
	case "amqp":
		return amqpsink.New(cfg.AMQPConfig, log)
	default:
		return nil, fmt.Errorf("unknown notifier sink '%s'", cfg.Sink)
	}
}

func dispatcherOptions(cfg config.NotifierConfig) []notifier.Option {
	return []notifier.Option{
		notifier.WithWorkers(cfg.Workers),
		notifier.WithQueueSize(cfg.QueueSize),
		notifier.WithMaxAttempts(cfg.MaxAttempts),
		notifier.WithFanoutLimit(cfg.FanoutLimit),
		notifier.WithDeliverTimeout(cfg.DeliverTimeout),
		notifier.WithBackoff(notifier.Exponential{
			Initial: cfg.BackoffInitial,
			Max:     cfg.BackoffMax,
			Jitter:  true,
		}),
	}
}

// Stats exposes notifier counters, mainly for tests.
func (app *App) Stats() notifier.Stats {
	return app.dispatcher.Stats()
}

var (
	_ service.Notifier = (*notifier.Dispatcher)(nil)
	_ service.Store    = (*repository.Repository)(nil)
	_ service.Store    = (*memory.Store)(nil)
)
