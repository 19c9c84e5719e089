package cmd

import (
	"context"
	"errors"
	"fmt"
	"net"
	"net/http"
	"os/signal"
	"syscall"
	"time"

	"github.com/dop251/goja"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/spf13/afero"
	"github.com/spf13/cobra"

	"github.com/grafana/ghost/browser"
	"github.com/grafana/ghost/chromium"
	"github.com/grafana/ghost/common"
	"github.com/grafana/ghost/env"
	"github.com/grafana/ghost/log"
	"github.com/grafana/ghost/metrics"
	"github.com/grafana/ghost/osext"
	"github.com/grafana/ghost/otel"
)

const shutdownTimeout = 5 * time.Second

// cmdRun handles the `ghost run` sub-command.
type cmdRun struct {
	gs *globalState
	fs afero.Fs

	executablePath string
	headless       bool
	browserArgs    []string
	metricsAddr    string

	// metricsListening is called with the address the metrics server
	// listens on.
	metricsListening func(addr string)
}

func getRunCmd(gs *globalState) *cobra.Command {
	c := &cmdRun{gs: gs, fs: afero.NewOsFs()}

	runCmd := &cobra.Command{
		Use:   "run [flags] script.js",
		Short: "Run a script driving browser sessions",
		Long: `Run a script driving browser sessions.

The script gets a ghost global that starts sessions:

  const s = ghost.start({waitTimeout: 10});
  const r = s.open("https://example.com/");
  console.log(r.page.httpStatus);
  ghost.exit();`,
		Args: cobra.ExactArgs(1),
		RunE: c.run,
	}
	flags := runCmd.Flags()
	flags.StringVar(&c.executablePath, "executable-path", "", "path of the browser to launch")
	flags.BoolVar(&c.headless, "headless", true, "run the browser without a window")
	flags.StringSliceVar(&c.browserArgs, "browser-arg", nil, "extra browser flag, as name=value")
	flags.StringVar(&c.metricsAddr, "metrics-addr", "", "serve Prometheus metrics on this address")

	return runCmd
}

func (c *cmdRun) run(_ *cobra.Command, args []string) (err error) {
	ctx, stop := signal.NotifyContext(c.gs.ctx, syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	logger := c.gs.logger
	defer func() {
		if r := recover(); r != nil {
			osext.ForceProcessShutdown(ctx)
			panic(r)
		}
	}()

	src, err := afero.ReadFile(c.fs, args[0])
	if err != nil {
		return fmt.Errorf("reading script: %w", err)
	}

	cfg, err := env.Parse(c.gs.lookup)
	if err != nil {
		return err //nolint:wrapcheck
	}
	tp, err := otel.NewFromEnv(ctx, cfg, browser.Version)
	if err != nil {
		return fmt.Errorf("setting up tracing: %w", err)
	}
	defer func() {
		sctx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
		defer cancel()
		if serr := tp.Shutdown(sctx); serr != nil {
			logger.Warnf("run", "shutting down tracing: %v", serr)
		}
	}()

	reg := prometheus.NewRegistry()
	m, err := metrics.RegisterMetrics(reg)
	if err != nil {
		return fmt.Errorf("registering metrics: %w", err)
	}
	if c.metricsAddr != "" {
		stopMetrics, err := c.serveMetrics(reg, logger)
		if err != nil {
			return err
		}
		defer stopMetrics()
	}

	opts := common.NewGhostOptions()
	opts.Env = c.gs.lookup
	opts.Logger = logger
	opts.Metrics = m
	opts.TracerProvider = tp
	opts.ExecutablePath = c.executablePath
	opts.Headless = c.headless
	for _, a := range c.browserArgs {
		opts.Args = append(opts.Args, "--"+a)
	}

	g, err := common.NewGhost(ctx, chromium.NewBrowserType(logger), opts)
	if err != nil {
		return err //nolint:wrapcheck
	}
	defer func() {
		if xerr := g.Exit(); xerr != nil && err == nil {
			err = xerr
		}
	}()

	rt := goja.New()
	if err := rt.Set("console", mapConsole(logger)); err != nil {
		return err //nolint:wrapcheck
	}
	if err := browser.New(ctx, rt, g).Register(); err != nil {
		return err //nolint:wrapcheck
	}

	done := make(chan struct{})
	defer close(done)
	go func() {
		select {
		case <-ctx.Done():
			rt.Interrupt("interrupted")
		case <-done:
		}
	}()

	if _, err := rt.RunScript(args[0], string(src)); err != nil {
		var ierr *goja.InterruptedError
		if errors.As(err, &ierr) {
			return fmt.Errorf("script interrupted: %w", ctx.Err())
		}
		return err //nolint:wrapcheck
	}

	return nil
}

// serveMetrics serves the metrics of reg until the returned function is
// called.
func (c *cmdRun) serveMetrics(reg *prometheus.Registry, logger *log.Logger) (func(), error) {
	ln, err := net.Listen("tcp", c.metricsAddr)
	if err != nil {
		return nil, fmt.Errorf("listening for metrics: %w", err)
	}

	mux := http.NewServeMux()
	mux.Handle("/metrics", promhttp.HandlerFor(reg, promhttp.HandlerOpts{}))
	srv := &http.Server{Handler: mux, ReadHeaderTimeout: 10 * time.Second}

	go func() {
		if err := srv.Serve(ln); err != nil && !errors.Is(err, http.ErrServerClosed) {
			logger.Errorf("run", "serving metrics: %v", err)
		}
	}()
	logger.Infof("run", "serving metrics on http://%s/metrics", ln.Addr())
	if c.metricsListening != nil {
		c.metricsListening(ln.Addr().String())
	}

	return func() {
		ctx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
		defer cancel()
		_ = srv.Shutdown(ctx)
	}, nil
}

// mapConsole maps the script console to the logger.
func mapConsole(logger *log.Logger) map[string]any {
	logf := func(level string) func(args ...goja.Value) {
		return func(args ...goja.Value) {
			msg := ""
			for i, a := range args {
				if i > 0 {
					msg += " "
				}
				msg += a.String()
			}
			switch level {
			case "warn":
				logger.Warnf("console", "%s", msg)
			case "error":
				logger.Errorf("console", "%s", msg)
			case "debug":
				logger.Debugf("console", "%s", msg)
			default:
				logger.Infof("console", "%s", msg)
			}
		}
	}

	return map[string]any{
		"log":   logf("info"),
		"info":  logf("info"),
		"debug": logf("debug"),
		"warn":  logf("warn"),
		"error": logf("error"),
	}
}
