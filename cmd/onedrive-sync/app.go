package main

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"time"

	"github.com/urfave/cli"
	"go.uber.org/zap"
	"golang.org/x/time/rate"

	"github.com/rolledback/onedrive-sync/internal/auth"
	"github.com/rolledback/onedrive-sync/internal/config"
	"github.com/rolledback/onedrive-sync/internal/logging"
	"github.com/rolledback/onedrive-sync/internal/metrics"
	"github.com/rolledback/onedrive-sync/internal/middleware"
	"github.com/rolledback/onedrive-sync/internal/provider"
)

// env is the state shared by every command of one invocation.
type env struct {
	opts     config.Options
	cfg      *config.Config
	registry *provider.Registry
	logger   *zap.Logger

	authCfg auth.Config
	auth    *auth.FileAuthoriser
	authErr error

	client  provider.Client
	metrics *http.Server
}

func newApp(registry *provider.Registry) *cli.App {
	e := &env{registry: registry}

	app := cli.NewApp()
	app.Name = "onedrive-sync"
	app.Usage = "Synchronise a local directory with OneDrive"
	app.Version = version
	app.Flags = globalFlags()
	app.Commands = commands(e)
	app.Before = e.setup
	app.After = e.close
	return app
}

func globalFlags() []cli.Flag {
	return []cli.Flag{
		cli.StringFlag{Name: "direction", Usage: "direction of synchronisation (up|down|sync)"},
		cli.StringFlag{Name: "local", Usage: "the local path"},
		cli.StringFlag{Name: "remote", Usage: "the remote path on OneDrive"},
		cli.BoolFlag{Name: "dry-run, n", Usage: "only do a dry run without making changes"},
		cli.BoolFlag{Name: "offline", Usage: "dry run without contacting OneDrive at all"},
		cli.IntFlag{Name: "threads, t", Value: config.DefaultThreads, Usage: "number of concurrent requests"},
		cli.IntFlag{Name: "retries, y", Value: config.DefaultRetries, Usage: "retry each service request `count` times"},
		cli.StringFlag{Name: "conflict, x", Usage: "conflict resolution by Local file, Remote file, Both files or Skipping (L|R|B|S)"},
		cli.StringFlag{Name: "max-size, M", Usage: "only process files smaller than `size`"},
		cli.StringFlag{Name: "min-size, m", Usage: "only process files larger than `size`"},
		cli.BoolFlag{Name: "recursive, r", Usage: "recurse into directories"},
		cli.BoolFlag{Name: "hash-compare, c", Usage: "compare files by hash"},
		cli.IntFlag{Name: "log-level, L", Value: config.DefaultLogLevel, Usage: "controls the verbosity of logging (1-7)"},
		cli.StringFlag{Name: "logfile", Usage: "log to `file`"},
		cli.StringFlag{Name: "log-format", Value: "console", Usage: "log encoding (console|json)"},
		cli.StringFlag{Name: "keyfile, k", Usage: "token `file` to use", EnvVar: "ONEDRIVE_KEYFILE"},
		cli.StringFlag{Name: "metrics-addr", Usage: "serve Prometheus metrics on `addr`", EnvVar: "ONEDRIVE_METRICS_ADDR"},
	}
}

// optionsFrom turns the global flags into validated options.
func optionsFrom(c *cli.Context) (config.Options, error) {
	opts := config.DefaultOptions()
	opts.Direction = config.Direction(c.GlobalString("direction"))
	opts.LocalPath = c.GlobalString("local")
	opts.RemotePath = c.GlobalString("remote")
	opts.DryRun = c.GlobalBool("dry-run")
	opts.Offline = c.GlobalBool("offline")
	opts.Threads = c.GlobalInt("threads")
	opts.Retries = c.GlobalInt("retries")
	opts.Conflict = config.Conflict(c.GlobalString("conflict"))
	opts.Recursive = c.GlobalBool("recursive")
	opts.HashCompare = c.GlobalBool("hash-compare")
	opts.LogLevel = c.GlobalInt("log-level")
	opts.LogFile = c.GlobalString("logfile")
	opts.KeyFile = c.GlobalString("keyfile")

	var errs []error
	var err error
	if opts.MaxSize, err = config.ParseSize(c.GlobalString("max-size")); err != nil {
		errs = append(errs, err)
	}
	if opts.MinSize, err = config.ParseSize(c.GlobalString("min-size")); err != nil {
		errs = append(errs, err)
	}
	if err := opts.Validate(); err != nil {
		errs = append(errs, err)
	}
	return opts, errors.Join(errs...)
}

func (e *env) setup(c *cli.Context) error {
	opts, err := optionsFrom(c)
	if err != nil {
		return err
	}
	e.opts = opts

	if err := logging.Init(logging.Config{
		Level:      opts.LogLevel,
		Format:     c.GlobalString("log-format"),
		OutputPath: opts.LogFile,
	}); err != nil {
		return fmt.Errorf("failed to initialise logging: %w", err)
	}
	e.logger = logging.L()

	cfg, err := config.Load()
	if err != nil {
		return err
	}
	if addr := c.GlobalString("metrics-addr"); addr != "" {
		cfg.MetricsAddr = addr
	}
	e.cfg = cfg

	e.authCfg = auth.Config{
		ClientID:    cfg.ClientID,
		RedirectURI: cfg.RedirectURI,
		Dir:         cfg.TokenDir,
		TokenFile:   opts.KeyFile,
		Logger:      e.logger,
	}
	e.auth, e.authErr = auth.New(e.authCfg)

	if cfg.MetricsAddr != "" {
		e.serveMetrics(cfg.MetricsAddr)
	}
	return nil
}

// storage builds the storage client on first use. The mode is decided
// here, once; commands only ever see provider.Client.
func (e *env) storage() (provider.Client, error) {
	if e.client != nil {
		return e.client, nil
	}

	mode := provider.ModeFor(e.opts.DryRun, e.opts.Offline)
	settings := provider.Settings{
		APIURL: e.cfg.APIURL,
		HTTPClient: &http.Client{
			Transport: metrics.InstrumentTransport(
				middleware.NewThrottle(e.cfg.RequestsPerSecond, e.opts.Threads, nil)),
		},
		Logger: e.logger,
	}
	if e.auth != nil {
		settings.Authoriser = e.auth
	}

	client, err := e.registry.New(mode, settings)
	if err != nil {
		if e.authErr != nil && mode != provider.ModeOffline {
			return nil, fmt.Errorf("%w (%v)", err, e.authErr)
		}
		return nil, err
	}

	client = provider.WithRetries(client, e.opts.Retries, e.logger.Named("retry"))
	e.client = metrics.Instrument(client, mode)

	e.logger.Debug("storage client ready",
		zap.String("mode", string(mode)),
		zap.Int("threads", e.opts.Threads),
		zap.Int("retries", e.opts.Retries),
	)
	return e.client, nil
}

func (e *env) authoriser() (*auth.FileAuthoriser, error) {
	if e.authErr != nil {
		return nil, e.authErr
	}
	return e.auth, nil
}

func (e *env) serveMetrics(addr string) {
	limiter := middleware.NewRateLimiter(rate.Limit(5), 10)

	mux := http.NewServeMux()
	mux.Handle("/metrics", logging.Middleware(e.logger, limiter.Limit(metrics.Handler())))

	e.metrics = &http.Server{Addr: addr, Handler: mux, ReadHeaderTimeout: 5 * time.Second}
	go func() {
		e.logger.Info("serving metrics", zap.String("addr", addr))
		if err := e.metrics.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			e.logger.Error("metrics server failed", zap.Error(err))
		}
	}()
}

func (e *env) close(c *cli.Context) error {
	if e.metrics != nil {
		ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
		defer cancel()
		_ = e.metrics.Shutdown(ctx)
	}
	if e.logger != nil {
		_ = logging.Sync()
	}
	return nil
}
