package main

import (
	"context"
	"flag"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"go.uber.org/multierr"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"
	"golang.org/x/xerrors"

	"github.com/natemellendorf/wt-tracker/internal/api"
	"github.com/natemellendorf/wt-tracker/internal/config"
	"github.com/natemellendorf/wt-tracker/internal/metrics"
	"github.com/natemellendorf/wt-tracker/internal/shard"
	"github.com/natemellendorf/wt-tracker/internal/store"
	"github.com/natemellendorf/wt-tracker/internal/tracker"
)

const (
	indexFile       = "index.html"
	shutdownTimeout = 10 * time.Second
)

// boolFlags lists the flags normalizeBoolFlagArgs rewrites.
var boolFlags = map[string]struct{}{
	"log-json": {},
}

type options struct {
	configPath       string
	shards           int
	maxOffers        int
	announceInterval int
	logJSON          bool
	logLevel         string

	set map[string]bool
}

func main() {
	args := normalizeBoolFlagArgs(os.Args, boolFlags)
	if err := run(args[1:]); err != nil {
		fmt.Fprintf(os.Stderr, "wt-tracker: %v\n", err)
		os.Exit(1)
	}
}

func parseFlags(args []string) (*options, error) {
	opts := &options{}
	fs := flag.NewFlagSet("wt-tracker", flag.ContinueOnError)
	fs.StringVar(&opts.configPath, "config", "", "Path to the config file (JSON or YAML, defaults to ./"+config.DefaultPath+" if present)")
	fs.IntVar(&opts.shards, "shards", 1, "Number of tracker shards")
	fs.IntVar(&opts.maxOffers, "max-offers", 20, "Maximum offers relayed per announce")
	fs.IntVar(&opts.announceInterval, "announce-interval", 20, "Announce interval in seconds")
	fs.BoolVar(&opts.logJSON, "log-json", false, "JSON logging output")
	fs.StringVar(&opts.logLevel, "log-level", "info", "Log level (debug, info, warn, error)")
	if err := fs.Parse(args); err != nil {
		return nil, err
	}

	opts.set = make(map[string]bool)
	fs.Visit(func(f *flag.Flag) { opts.set[f.Name] = true })
	return opts, nil
}

// apply overrides file values with flags given on the command line.
func (o *options) apply(cfg *config.Config) error {
	if o.set["shards"] {
		cfg.Shards = o.shards
	}
	if o.set["max-offers"] {
		cfg.Tracker.MaxOffers = o.maxOffers
	}
	if o.set["announce-interval"] {
		cfg.Tracker.AnnounceInterval = o.announceInterval
	}
	return cfg.Validate()
}

func newLogger(jsonOutput bool, level string) (*zap.Logger, error) {
	lvl, err := zap.ParseAtomicLevel(level)
	if err != nil {
		return nil, xerrors.Errorf("log level: %w", err)
	}
	var cfg zap.Config
	if jsonOutput {
		cfg = zap.NewProductionConfig()
	} else {
		cfg = zap.NewDevelopmentConfig()
	}
	cfg.Level = lvl
	return cfg.Build()
}

func run(args []string) error {
	opts, err := parseFlags(args)
	if err != nil {
		return err
	}
	cfg, err := config.Load(opts.configPath)
	if err != nil {
		return err
	}
	if err := opts.apply(cfg); err != nil {
		return xerrors.Errorf("config: %w", err)
	}

	logger, err := newLogger(opts.logJSON, opts.logLevel)
	if err != nil {
		return err
	}
	defer logger.Sync()

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	logger.Info("starting wt-tracker",
		zap.Int("servers", len(cfg.Servers)),
		zap.Int("shards", cfg.Shards),
		zap.Int("max_offers", cfg.Tracker.MaxOffers),
		zap.Int("announce_interval", cfg.Tracker.AnnounceInterval))

	var history *store.BBoltStore
	if cfg.StatsHistory.Path != "" {
		history = store.NewBBoltStore(cfg.StatsHistory.Path)
		if err := history.Open(); err != nil {
			return xerrors.Errorf("open stats history: %w", err)
		}
	}

	g, gctx := errgroup.WithContext(ctx)
	clients := api.NewClientRegistry()
	tr, stopTracker := startTracker(gctx, g, cfg, logger)

	var stopHistory func()
	if history != nil {
		stopHistory = startHistory(gctx, g, history, tr, clients, cfg.StatsHistory, logger)
	}

	names := make([]string, len(cfg.Servers))
	for i, item := range cfg.Servers {
		names[i] = item.Server.Addr()
	}
	httpHandler := api.NewHTTPHandler(tr, clients, names)
	httpHandler.SetLogger(logger)
	if history != nil {
		httpHandler.SetHistory(history)
	}
	if page, err := os.ReadFile(indexFile); err == nil {
		httpHandler.SetIndexHTML(page)
	} else if !os.IsNotExist(err) {
		logger.Warn("failed to read index page", zap.String("file", indexFile), zap.Error(err))
	}

	servers := make([]*http.Server, len(cfg.Servers))
	for i, item := range cfg.Servers {
		ws := api.NewWSHandler(tr, clients, names[i], item.WebSockets, cfg.WebSocketsAccess)
		ws.SetLogger(logger)
		srv := &http.Server{
			Addr:     item.Server.Addr(),
			Handler:  api.NewServerHandler(ws, httpHandler, item.WebSockets.Path),
			ErrorLog: zap.NewStdLog(logger.Named("http")),
		}
		servers[i] = srv

		item := item
		g.Go(func() error { return serve(srv, item, logger) })
	}

	g.Go(func() error {
		<-gctx.Done()
		logger.Info("shutting down")

		shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
		defer cancel()

		var err error
		for _, srv := range servers {
			err = multierr.Append(err, srv.Shutdown(shutdownCtx))
		}
		if stopHistory != nil {
			stopHistory()
		}
		stopTracker()
		return err
	})

	err = g.Wait()
	if history != nil {
		err = multierr.Append(err, history.Close())
	}
	if err != nil {
		return err
	}
	logger.Info("wt-tracker stopped gracefully")
	return nil
}

// startTracker runs a single engine when one shard is configured and a shard
// router otherwise.
func startTracker(ctx context.Context, g *errgroup.Group, cfg *config.Config, logger *zap.Logger) (api.Tracker, func()) {
	settings := cfg.Tracker.EngineSettings()
	if cfg.Shards == 1 {
		engine := tracker.New(settings, api.EngineSend, tracker.WithLogger(logger.Named("engine")))
		serial := tracker.NewSerial(engine)
		g.Go(func() error {
			serial.Start(ctx)
			return nil
		})
		return api.NewSerialTracker(serial), serial.Stop
	}

	router := shard.New(shard.Config{
		Shards:   cfg.Shards,
		Settings: settings,
		Logger:   logger,
	}, api.RouterSend)
	g.Go(func() error { return router.Start(ctx) })
	return api.NewShardedTracker(router), router.Stop
}

func startHistory(ctx context.Context, g *errgroup.Group, s store.Store, source store.StatsSource, clients *api.ClientRegistry, hs config.HistorySettings, logger *zap.Logger) func() {
	interval := time.Duration(hs.Interval) * time.Second
	retention := time.Duration(hs.Retention) * time.Second

	recorder := store.NewRecorder(s, source, clients.Count, interval)
	recorder.SetLogger(logger)
	g.Go(func() error {
		recorder.Start(ctx)
		return nil
	})

	sweeper := store.NewTTLSweeper(s, interval, retention)
	sweeper.SetLogger(logger)
	sweeper.SetExpiredCounter(metrics.AddSnapshotsExpired)
	g.Go(func() error {
		sweeper.Start(ctx)
		return nil
	})

	logger.Info("stats history enabled",
		zap.String("path", hs.Path),
		zap.Duration("interval", interval),
		zap.Duration("retention", retention))

	return func() {
		recorder.Stop()
		sweeper.Stop()
	}
}

func serve(srv *http.Server, item config.ServerItem, logger *zap.Logger) error {
	logger.Info("listening",
		zap.String("addr", srv.Addr),
		zap.String("ws_path", item.WebSockets.Path),
		zap.Bool("tls", item.Server.TLS()))

	var err error
	if item.Server.TLS() {
		err = srv.ListenAndServeTLS(item.Server.CertFileName, item.Server.KeyFileName)
	} else {
		err = srv.ListenAndServe()
	}
	if err != nil && err != http.ErrServerClosed {
		return xerrors.Errorf("server %s: %w", srv.Addr, err)
	}
	return nil
}

// normalizeBoolFlagArgs rewrites "-flag true" and "-flag false" into
// "-flag=true" and "-flag=false" for the given bool flags, which the flag
// package would otherwise treat as a positional argument. Arguments after
// "--" are left alone.
func normalizeBoolFlagArgs(args []string, boolFlags map[string]struct{}) []string {
	out := make([]string, 0, len(args))
	for i := 0; i < len(args); i++ {
		arg := args[i]
		if arg == "--" {
			return append(out, args[i:]...)
		}
		if strings.HasPrefix(arg, "-") && !strings.Contains(arg, "=") && i+1 < len(args) {
			name := strings.TrimLeft(arg, "-")
			if _, ok := boolFlags[name]; ok {
				if v := args[i+1]; v == "true" || v == "false" {
					out = append(out, arg+"="+v)
					i++
					continue
				}
			}
		}
		out = append(out, arg)
	}
	return out
}
