package commands

import (
	"context"
	"fmt"
	"net"
	"os"
	"os/signal"
	"strconv"
	"syscall"
	"time"

	"github.com/pterm/pterm"
	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"github.com/teranos/agentpulse/am"
	"github.com/teranos/agentpulse/blob"
	"github.com/teranos/agentpulse/dispatch"
	"github.com/teranos/agentpulse/errors"
	"github.com/teranos/agentpulse/logger"
	"github.com/teranos/agentpulse/pulse/run"
	"github.com/teranos/agentpulse/pulse/schedule"
	"github.com/teranos/agentpulse/pulse/task"
	"github.com/teranos/agentpulse/resolve"
	"github.com/teranos/agentpulse/server"
	"github.com/teranos/agentpulse/stage"
	"github.com/teranos/agentpulse/sym"
)

// ServeCmd runs the pull scheduler and the introspection server
var ServeCmd = &cobra.Command{
	Use:   "serve",
	Short: sym.Pulse + " Run the pull scheduler",
	Long: sym.Pulse + ` serve — Run the pull scheduler

Registers the pull rules (from schedule.config_path or the built-in
immediate/scheduled/nightly rules), claims due tasks as they fire and hands
them to the executor. GET /api/schedules and GET /health are served on
server.bind:server.port.

Press Ctrl+C once to shut down gracefully, twice to exit immediately.`,
	RunE: runServe,
}

func runServe(cmd *cobra.Command, args []string) error {
	cfg, err := am.Load()
	if err != nil {
		return errors.Wrap(err, "failed to load configuration")
	}
	log := logger.Logger

	ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	database, dialect, err := openDatabase(cfg)
	if err != nil {
		return err
	}
	defer database.Close()

	catalog, err := resolve.NewHTTPCatalog(resolve.CatalogOptions{
		BaseURL:             cfg.Catalog.BaseURL,
		Token:               cfg.Catalog.Token,
		Timeout:             seconds(cfg.Catalog.TimeoutSeconds),
		BreakerMaxFailures:  uint32(cfg.Catalog.BreakerMaxFailures),
		BreakerTimeout:      seconds(cfg.Catalog.BreakerTimeoutSeconds),
		AllowPrivateNetwork: cfg.Catalog.AllowPrivateNetwork,
	}, log)
	if err != nil {
		return err
	}

	dispatcher, err := buildDispatcher(ctx, cfg, catalog, task.NewStore(database, dialect), run.NewStore(database, dialect), log)
	if err != nil {
		return err
	}

	timer := schedule.NewCronTimer(log)
	registry := schedule.NewRegistry(timer, dispatcher, nil, log)

	set, err := schedule.LoadOrDefault(cfg.Schedule)
	if err != nil {
		return errors.Wrap(err, "failed to load pull rules")
	}
	if _, err := registry.Register(ctx, set); err != nil {
		return err
	}
	timer.Start()

	stopWatch, err := watchSchedule(ctx, cfg, registry, log)
	if err != nil {
		return err
	}
	defer stopWatch()

	srv := server.New(server.Options{
		Registry:     registry,
		Schedule:     cfg.Schedule,
		DB:           database,
		CatalogState: func() string { return catalog.State().String() },
	}, log)

	addr := net.JoinHostPort(cfg.Server.Bind, strconv.Itoa(cfg.ServerPort()))
	errChan := make(chan error, 1)
	go func() { errChan <- srv.ListenAndServe(addr) }()

	pterm.Success.Printf("%s agentpulse pulling (%d jobs) - http://%s\n", sym.PulseOpen, len(registry.JobIDs()), addr)

	select {
	case err = <-errChan:
	case <-ctx.Done():
	}
	// A second signal now terminates the process
	stop()
	pterm.Info.Printf("%s Shutting down gracefully (press Ctrl+C again to force)...\n", sym.PulseClose)

	shutdownCtx, cancel := context.WithTimeout(context.Background(), server.ShutdownTimeout)
	defer cancel()

	registry.Shutdown()
	timer.Stop(shutdownCtx)
	if shutdownErr := srv.Shutdown(shutdownCtx); shutdownErr != nil {
		log.Warnw("Server shutdown error", logger.FieldError, shutdownErr)
	}
	return err
}

// buildDispatcher wires the blob store, resolver, stagers and executor
func buildDispatcher(ctx context.Context, cfg *am.Config, catalog resolve.Catalog, tasks *task.Store, runs *run.Store, log *zap.SugaredLogger) (*dispatch.Dispatcher, error) {
	store, err := blob.New(ctx, cfg.Blob, log)
	if err != nil {
		return nil, errors.Wrap(err, "failed to open blob store")
	}

	executor, err := dispatch.NewHTTPExecutor(cfg.Dispatch.ExecutorURL, seconds(cfg.Dispatch.ExecuteTimeoutSeconds))
	if err != nil {
		return nil, err
	}

	workspace := stage.Workspace{Root: cfg.Workspace.Root}
	return dispatch.New(
		tasks,
		runs,
		resolve.NewResolver(catalog, seconds(cfg.Catalog.TimeoutSeconds), log),
		stage.NewPluginStager(workspace, store, log),
		stage.NewSubAgentStager(workspace, log),
		executor,
		dispatch.Options{
			BatchSize:         cfg.Dispatch.ClaimBatchSize,
			CallbackURL:       cfg.Dispatch.CallbackURL,
			CallbackToken:     cfg.Dispatch.CallbackToken,
			ProgressPerSecond: cfg.Dispatch.ProgressPerSecond,
		},
		log,
	), nil
}

// watchSchedule reloads the pull rules when they change on disk: the rule file when
// schedule.config_path is set, otherwise the am.toml the built-in rules were read from.
// The returned func stops watching.
func watchSchedule(ctx context.Context, cfg *am.Config, registry *schedule.Registry, log *zap.SugaredLogger) (func(), error) {
	noop := func() {}
	if !cfg.Schedule.Watch {
		return noop, nil
	}

	if cfg.Schedule.ConfigPath != "" {
		w, err := schedule.NewWatcher(cfg.Schedule.ConfigPath, registry, log)
		if err != nil {
			return nil, err
		}
		w.Start(ctx)
		return func() { _ = w.Stop() }, nil
	}

	files := am.LoadedFiles()
	if len(files) == 0 {
		log.Warnw("schedule.watch is set but no am.toml was loaded, nothing to watch")
		return noop, nil
	}
	cw, err := am.NewConfigWatcher(files[len(files)-1])
	if err != nil {
		return nil, err
	}
	cw.OnReload(func(next *am.Config) error {
		set, err := schedule.DefaultSet(next.Schedule)
		if err != nil {
			return err
		}
		_, err = registry.Reload(ctx, set)
		return err
	})
	cw.Start()
	return func() { _ = cw.Stop() }, nil
}

func seconds(n int) time.Duration {
	return time.Duration(n) * time.Second
}

// serverURL is where a local serve process answers
func serverURL(cfg *am.Config) string {
	host := cfg.Server.Bind
	if host == "" || host == "0.0.0.0" || host == "::" {
		host = "127.0.0.1"
	}
	return fmt.Sprintf("http://%s", net.JoinHostPort(host, strconv.Itoa(cfg.ServerPort())))
}
