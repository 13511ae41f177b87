// Command paircoded-relay runs the terminal-sharing relay: websocket
// endpoints for producer control and data channels, browser viewers, and
// collaboration rooms.
package main

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"net/http"
	"os"
	"os/signal"
	"strconv"
	"syscall"
	"time"

	"github.com/urfave/cli/v2"

	"github.com/saurabhdas/pair-claudeing/internal/version"
	"github.com/saurabhdas/pair-claudeing/observability"
	"github.com/saurabhdas/pair-claudeing/observability/prom"
	"github.com/saurabhdas/pair-claudeing/relay"
)

// Injected via -ldflags at release time.
var (
	buildVersion = "dev"
	buildCommit  string
	buildDate    string
)

func main() {
	app := &cli.App{
		Name:    "paircoded-relay",
		Usage:   "terminal-sharing relay for producers, viewers, and rooms",
		Version: version.String(buildVersion, buildCommit, buildDate),
		Flags: []cli.Flag{
			&cli.StringFlag{Name: "config", Aliases: []string{"c"}, Usage: "TOML config file"},
			&cli.StringFlag{Name: "listen-host", Usage: "bind address"},
			&cli.IntFlag{Name: "listen-port", Usage: "bind port"},
			&cli.StringFlag{Name: "store", Usage: "sqlite file for room persistence"},
			&cli.StringFlag{
				Name:    "token-secret",
				Usage:   "shared secret for producer and identity tokens",
				EnvVars: []string{"PAIRCODE_TOKEN_SECRET"},
			},
			&cli.StringSliceFlag{Name: "allowed-origin", Usage: "allowed Origin header value (repeatable)"},
			&cli.BoolFlag{Name: "allow-no-origin", Usage: "accept connections without an Origin header"},
			&cli.StringFlag{Name: "metrics-listen", Usage: "address for the Prometheus endpoint (empty disables)"},
			&cli.StringFlag{Name: "log-level", Value: "info", Usage: "debug, info, warn, or error"},
		},
		Action: run,
	}
	if err := app.Run(os.Args); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}

func run(c *cli.Context) error {
	var level slog.Level
	if err := level.UnmarshalText([]byte(c.String("log-level"))); err != nil {
		return fmt.Errorf("invalid log level %q", c.String("log-level"))
	}
	logger := slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: level}))
	slog.SetDefault(logger)

	cfg := relay.DefaultConfig()
	metricsListen := c.String("metrics-listen")
	if path := c.String("config"); path != "" {
		fc, err := relay.LoadFileConfig(path)
		if err != nil {
			return fmt.Errorf("load config: %w", err)
		}
		cfg = fc.Apply(cfg)
		if metricsListen == "" {
			metricsListen = fc.MetricsListen
		}
	}
	if v := c.String("listen-host"); v != "" {
		cfg.ListenHost = v
	}
	if v := c.Int("listen-port"); v > 0 {
		cfg.ListenPort = v
	}
	if v := c.String("store"); v != "" {
		cfg.StorePath = v
	}
	if v := c.String("token-secret"); v != "" {
		cfg.ControlTokenSecret = v
	}
	if v := c.StringSlice("allowed-origin"); len(v) > 0 {
		cfg.AllowedOrigins = v
	}
	if c.Bool("allow-no-origin") {
		cfg.AllowNoOrigin = true
	}
	cfg.Logger = logger

	obs := observability.NewAtomicRelayObserver()
	cfg.Observer = obs

	srv, err := relay.New(cfg)
	if err != nil {
		return err
	}
	defer srv.Close()

	mux := http.NewServeMux()
	srv.Register(mux)
	httpSrv := &http.Server{
		Addr:    net.JoinHostPort(cfg.ListenHost, strconv.Itoa(cfg.ListenPort)),
		Handler: mux,
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	var metricsSrv *http.Server
	if metricsListen != "" {
		reg := prom.NewRegistry()
		obs.Set(prom.NewRelayObserver(reg))
		mmux := http.NewServeMux()
		mmux.Handle("/metrics", prom.Handler(reg))
		metricsSrv = &http.Server{Addr: metricsListen, Handler: mmux}
		go func() {
			logger.Info("metrics listening", "addr", metricsListen)
			if err := metricsSrv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
				logger.Error("metrics server failed", "err", err)
			}
		}()
	}

	errCh := make(chan error, 1)
	go func() {
		logger.Info("relay listening", "addr", httpSrv.Addr)
		errCh <- httpSrv.ListenAndServe()
	}()

	select {
	case <-ctx.Done():
		logger.Info("shutting down")
	case err := <-errCh:
		if err != nil && !errors.Is(err, http.ErrServerClosed) {
			return err
		}
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	_ = httpSrv.Shutdown(shutdownCtx)
	if metricsSrv != nil {
		_ = metricsSrv.Shutdown(shutdownCtx)
	}
	return nil
}
