package cli

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/spf13/cobra"

	"github.com/roach88/statecore/internal/config"
	"github.com/roach88/statecore/internal/loop"
	"github.com/roach88/statecore/internal/pipeline"
	"github.com/roach88/statecore/internal/reactive"
	"github.com/roach88/statecore/internal/store"
	"github.com/roach88/statecore/internal/stream"
)

// RunOptions holds flags for the run command.
type RunOptions struct {
	*RootOptions
	Endpoints []string
	BaseURL   string

	// ready, when set, is called once everything is wired (for testing).
	ready func(*runtime)
}

// runtime is the live process: one loop owning the store, with the
// pipeline and stream manager posting onto it.
type runtime struct {
	loop     *loop.Loop
	core     *core
	pipeline *pipeline.Pipeline
	streams  *stream.Manager
	metrics  *http.Server
	// metricsAddr is the bound /metrics address, empty when disabled.
	metricsAddr string
}

// NewRunCommand creates the run command.
func NewRunCommand(rootOpts *RootOptions) *cobra.Command {
	opts := &RunOptions{RootOptions: rootOpts}

	cmd := &cobra.Command{
		Use:   "run",
		Short: "Run the state core until interrupted",
		Long: `Run the state core: hydrate persisted state, connect the configured
websocket feeds and mirror every published data type into the state tree
under data.<type>. Stream status is tracked at session.connected.

Example:
  statecore run --config ./statecore.yaml
  statecore run --base-url http://localhost:8080/api --stream ws://localhost:8080/live`,
		Args:          cobra.NoArgs,
		SilenceUsage:  true,
		SilenceErrors: true,
		RunE: func(cmd *cobra.Command, args []string) error {
			return runCore(opts, cmd)
		},
	}

	cmd.Flags().StringSliceVar(&opts.Endpoints, "stream", nil, "websocket endpoint to connect (repeatable, adds to config)")
	cmd.Flags().StringVar(&opts.BaseURL, "base-url", "", "API base URL (overrides config)")

	return cmd
}

func runCore(opts *RunOptions, cmd *cobra.Command) error {
	cfg, err := opts.loadConfig()
	if err != nil {
		return err
	}
	if opts.BaseURL != "" {
		cfg.Pipeline.BaseURL = opts.BaseURL
	}
	cfg.Stream.Endpoints = append(cfg.Stream.Endpoints, opts.Endpoints...)

	logger := opts.logger(cmd.ErrOrStderr())
	slog.SetDefault(logger)

	parentCtx := cmd.Context()
	if parentCtx == nil {
		parentCtx = context.Background()
	}
	ctx, cancel := context.WithCancel(parentCtx)
	defer cancel()

	rt, err := startRuntime(ctx, cfg, logger)
	if err != nil {
		return err
	}
	defer rt.stop(logger)

	sigChan := make(chan os.Signal, 1)
	signal.Notify(sigChan, os.Interrupt, syscall.SIGTERM)
	defer signal.Stop(sigChan)

	go func() {
		select {
		case sig := <-sigChan:
			logger.Info("received signal, shutting down", "signal", sig)
			cancel()
		case <-ctx.Done():
		}
	}()

	if opts.ready != nil {
		opts.ready(rt)
	}

	fmt.Fprintln(cmd.OutOrStdout(), "statecore running. Press Ctrl-C to stop.")
	if err := rt.loop.Run(ctx); err != nil && !errors.Is(err, context.Canceled) && !errors.Is(err, context.DeadlineExceeded) {
		return WrapExitError(ExitFailure, "loop error", err)
	}
	logger.Info("statecore stopped")
	return nil
}

func startRuntime(ctx context.Context, cfg config.Config, logger *slog.Logger) (*runtime, error) {
	lp := loop.New(loop.WithLogger(logger.With("component", "loop")))
	post := func(fn func()) { lp.Post(fn) }

	c, err := newCore(cfg, reactive.NewLoopDriver(lp, cfg.Scheduler.Frame.Std()), logger)
	if err != nil {
		return nil, WrapExitError(ExitCommandError, "failed to start store", err)
	}
	if err := c.store.Hydrate(ctx); err != nil {
		logger.Warn("starting from defaults", "error", err)
	}

	pl, err := newPipeline(cfg.Pipeline, logger, pipeline.WithExecutor(post))
	if err != nil {
		_ = c.closeFn()
		return nil, WrapExitError(ExitCommandError, "failed to create pipeline", err)
	}
	mirror(pl, c.store, logger)

	rt := &runtime{loop: lp, core: c, pipeline: pl}
	rt.streams = stream.NewManager(
		stream.NewWebsocketDialer(cfg.Stream.ReadTimeout.Std()),
		pl,
		stream.WithLogger(logger),
		stream.WithReconnectDelay(cfg.Stream.ReconnectDelay.Std()),
		stream.WithMaxAttempts(cfg.Stream.MaxAttempts),
		stream.WithExecutor(post),
	)
	for _, ep := range cfg.Stream.Endpoints {
		if err := rt.streams.Connect(ep); err != nil {
			rt.stop(logger)
			return nil, WrapExitError(ExitCommandError, "failed to connect stream", err)
		}
	}

	if cfg.Metrics.Listen != "" {
		srv, addr, err := serveMetrics(cfg.Metrics.Listen, pl.Registry(), logger)
		if err != nil {
			rt.stop(logger)
			return nil, WrapExitError(ExitCommandError, "failed to serve metrics", err)
		}
		rt.metrics, rt.metricsAddr = srv, addr
	}
	return rt, nil
}

// mirror writes every pipeline event into the store. Stream status events
// drive session.connected; data lands at data.<type> without history.
func mirror(pl *pipeline.Pipeline, st *store.Store, logger *slog.Logger) {
	pl.Subscribe(pipeline.AnyType, func(ev pipeline.Event) {
		var err error
		switch ev.DataType {
		case stream.EventConnected:
			err = st.Set("session.connected", true, store.WithType("stream"), store.SkipHistory())
		case stream.EventFailed:
			err = st.Set("session.connected", false, store.WithType("stream"), store.SkipHistory())
		default:
			err = st.Set(dataPath(ev.DataType), ev.Data, store.WithType("sync"), store.SkipHistory())
		}
		if err != nil {
			logger.Error("mirror failed", "data_type", ev.DataType, "error", err)
		}
	})
}

func serveMetrics(addr string, reg *prometheus.Registry, logger *slog.Logger) (*http.Server, string, error) {
	ln, err := net.Listen("tcp", addr)
	if err != nil {
		return nil, "", err
	}
	mux := http.NewServeMux()
	mux.Handle("/metrics", promhttp.HandlerFor(reg, promhttp.HandlerOpts{}))
	srv := &http.Server{Handler: mux, ReadHeaderTimeout: 5 * time.Second}
	go func() {
		if err := srv.Serve(ln); err != nil && !errors.Is(err, http.ErrServerClosed) {
			logger.Error("metrics server failed", "error", err)
		}
	}()
	bound := ln.Addr().String()
	logger.Info("serving metrics", "addr", bound)
	return srv, bound, nil
}

// stop tears down in reverse start order. The loop has exited, so the
// store is touched from this goroutine only.
func (rt *runtime) stop(logger *slog.Logger) {
	if rt.metrics != nil {
		ctx, cancel := context.WithTimeout(context.Background(), time.Second)
		_ = rt.metrics.Shutdown(ctx)
		cancel()
	}
	if rt.streams != nil {
		rt.streams.Close()
	}
	rt.pipeline.Close()
	rt.loop.Stop()
	if err := rt.core.shutdown(context.Background()); err != nil {
		logger.Error("shutdown failed", "error", err)
	}
}
