package commands

import (
	"context"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/pterm/pterm"
	"github.com/spf13/cobra"

	"github.com/teranos/groupcast/am"
	"github.com/teranos/groupcast/errors"
	"github.com/teranos/groupcast/logger"
	"github.com/teranos/groupcast/pulse/schedule"
	"github.com/teranos/groupcast/server"
)

// ServeCmd runs the dispatcher, history retention and the HTTP API.
var ServeCmd = &cobra.Command{
	Use:     "serve",
	Aliases: []string{"server"},
	Short:   "Run the dispatcher and HTTP API",
	Long: `Start the dispatcher loop, the history retention job and the HTTP API.

The dispatcher polls for due jobs every dispatch.interval_seconds and delivers
them through the gateway. Editing the project am.toml while running applies
gateway.rate_per_second, gateway.retry_base_delay_ms and
dispatch.retry_delay_seconds without a restart.`,
	RunE: runServe,
}

var (
	serveNoAPI       bool
	serveNoWatch     bool
	serveDrainPeriod time.Duration
)

func init() {
	ServeCmd.Flags().StringVar(&dbPathFlag, "db-path", "", "Custom database path (overrides config)")
	ServeCmd.Flags().BoolVar(&serveNoAPI, "no-api", false, "Run the dispatcher without the HTTP API")
	ServeCmd.Flags().BoolVar(&serveNoWatch, "no-watch", false, "Do not watch am.toml for changes")
	ServeCmd.Flags().DurationVar(&serveDrainPeriod, "drain", 15*time.Second, "How long to wait for in-flight work on shutdown")
}

func runServe(cmd *cobra.Command, args []string) error {
	verbosity, _ := cmd.Flags().GetCount("verbose")

	metrics := schedule.InitPrometheusMetrics("groupcast", nil)
	rt, err := openRuntime(metrics)
	if err != nil {
		return err
	}
	defer rt.Close()

	gw, err := newGatewayClient(rt.cfg)
	if err != nil {
		return err
	}

	ctx, stop := context.WithCancel(cmd.Context())
	defer stop()

	dispatcher := schedule.NewDispatcherWithContext(ctx, rt.store, gw, rt.calc, rt.dispatcherConfig(), logger.Logger,
		schedule.WithMetrics(metrics))
	retention, err := schedule.NewRetention(rt.store.History, rt.cfg.History.RetentionDays, rt.cfg.History.RetentionCron, metrics, logger.Logger)
	if err != nil {
		return err
	}

	printStartupBanner(verbosity, rt.cfg)

	watcher := startConfigWatcher(rt.cfg, gw, dispatcher)

	dispatcher.Start()
	retention.Start()

	errChan := make(chan error, 1)
	var srv *server.Server
	if !serveNoAPI {
		srv = server.New(rt.service(),
			server.WithGateway(gw),
			server.WithStorePing(rt.db.PingContext),
			server.WithLogger(logger.Logger))
		go func() {
			errChan <- srv.Start(rt.cfg.GetServerAddr())
		}()
	}

	sigChan := make(chan os.Signal, 1)
	signal.Notify(sigChan, os.Interrupt, syscall.SIGTERM)
	defer signal.Stop(sigChan)

	var runErr error
	select {
	case err := <-errChan:
		if !errors.Is(err, http.ErrServerClosed) {
			runErr = errors.Wrap(err, "server failed")
		}
	case <-sigChan:
		pterm.Info.Println("Shutting down gracefully (press Ctrl+C again to force)...")
	case <-ctx.Done():
	}

	shutdownDone := make(chan error, 1)
	go func() {
		shutdownDone <- shutdown(srv, dispatcher, retention, watcher)
	}()

	select {
	case err := <-shutdownDone:
		if err != nil && runErr == nil {
			runErr = errors.Wrap(err, "shutdown error")
		}
		if runErr == nil {
			pterm.Success.Println("Stopped cleanly")
		}
		return runErr
	case <-sigChan:
		pterm.Warning.Println("Force shutdown - exiting immediately")
		os.Exit(1)
		return nil
	}
}

func shutdown(srv *server.Server, dispatcher *schedule.Dispatcher, retention *schedule.Retention, watcher *am.ConfigWatcher) error {
	ctx, cancel := context.WithTimeout(context.Background(), serveDrainPeriod)
	defer cancel()

	var err error
	if srv != nil {
		err = srv.Shutdown(ctx)
	}
	retention.Stop()
	dispatcher.Stop()
	if watcher != nil {
		if werr := watcher.Stop(); werr != nil && err == nil {
			err = werr
		}
	}
	return err
}

// hotReloader is the subset of the gateway client that config reload touches.
type hotReloader interface {
	SetRate(perSecond float64)
	SetRetryBaseDelay(d time.Duration)
}

// applyReload pushes hot-reloadable settings into running components.
func applyReload(cfg *am.Config, gw hotReloader, dispatcher interface{ SetRetryDelay(time.Duration) }) error {
	gw.SetRate(cfg.Gateway.RatePerSecond)
	gw.SetRetryBaseDelay(cfg.Gateway.RetryBaseDelay())
	dispatcher.SetRetryDelay(cfg.Dispatch.RetryDelay())
	logger.Logger.Infow("Applied reloaded configuration",
		"rate_per_second", cfg.Gateway.RatePerSecond,
		"retry_base_delay", cfg.Gateway.RetryBaseDelay().String(),
		"retry_delay", cfg.Dispatch.RetryDelay().String())
	return nil
}

// startConfigWatcher watches the project am.toml, if there is one.
func startConfigWatcher(cfg *am.Config, gw hotReloader, dispatcher *schedule.Dispatcher) *am.ConfigWatcher {
	if serveNoWatch {
		return nil
	}
	path := am.ProjectConfigPath()
	if path == "" {
		return nil
	}
	watcher, err := am.NewConfigWatcher(path)
	if err != nil {
		logger.Logger.Warnw("Config hot reload disabled", logger.FieldPath, path, logger.FieldError, err)
		return nil
	}
	watcher.WithCurrent(cfg).OnReload(func(next *am.Config) error {
		return applyReload(next, gw, dispatcher)
	})
	am.SetGlobalWatcher(watcher)
	watcher.Start()
	return watcher
}
