package main

import (
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/rs/zerolog"
	"gopkg.in/natefinch/lumberjack.v2"

	tabsplit "github.com/tabsplit/tabsplit/sdk/golang"
)

// app is an engine opened from the CLI configuration.
type app struct {
	cfg     *Config
	log     zerolog.Logger
	client  *tabsplit.Client
	engine  *tabsplit.Engine
	webhook *tabsplit.WebhookSource
	conn    *tabsplit.FileConnectivity
	closers []io.Closer
}

type appOptions struct {
	registerer prometheus.Registerer
	notifier   tabsplit.Notifier
}

// openApp loads the config and builds the engine. The engine starts online
// unless the offline marker exists in the data directory.
func openApp(opts appOptions) (*app, error) {
	cfg, err := loadConfig()
	if err != nil {
		return nil, fmt.Errorf("failed to load config: %w", err)
	}
	if cfg.Auth.Token == "" {
		return nil, errors.New("no auth token. Run 'tabsplit init <token>' first")
	}

	a := &app{cfg: cfg}
	var logFile io.Closer
	a.log, logFile = newLogger(cfg.Log)
	if logFile != nil {
		a.closers = append(a.closers, logFile)
	}

	dataDir, err := dataDir(cfg)
	if err != nil {
		a.Close()
		return nil, err
	}
	a.conn = &tabsplit.FileConnectivity{Dir: dataDir}

	store, err := openStore(cfg.Storage.Backend, dataDir)
	if err != nil {
		a.Close()
		return nil, err
	}
	if c, ok := store.(io.Closer); ok {
		a.closers = append(a.closers, c)
	}

	var clientOpts []tabsplit.ClientOption
	if cfg.Default.BaseURL != "" {
		clientOpts = append(clientOpts, tabsplit.WithBaseURL(cfg.Default.BaseURL))
	}
	clientOpts = append(clientOpts, tabsplit.WithUserAgent("tabsplit-cli"))
	a.client = tabsplit.NewClient(cfg.Auth.Token, clientOpts...)

	push, err := a.pushSource()
	if err != nil {
		a.Close()
		return nil, err
	}

	syncOpts, recOpts, err := engineTuning(cfg.Sync)
	if err != nil {
		a.Close()
		return nil, err
	}

	notifier := opts.notifier
	if notifier == nil {
		notifier = tabsplit.LogNotifier{Log: a.log}
	}
	a.engine, err = tabsplit.New(tabsplit.Options{
		Remote:       a.client,
		Push:         push,
		Store:        store,
		UserID:       cfg.Auth.UserID,
		Notifier:     notifier,
		Logger:       &a.log,
		Registerer:   opts.registerer,
		StartOffline: !a.conn.Online(),
		Sync:         syncOpts,
		Reconciler:   recOpts,
	})
	if err != nil {
		a.Close()
		return nil, err
	}
	return a, nil
}

// Close closes the engine, then storage and the log file.
func (a *app) Close() {
	if a.engine != nil {
		a.engine.Close()
	}
	for i := len(a.closers) - 1; i >= 0; i-- {
		a.closers[i].Close()
	}
}

func (a *app) online() bool {
	return a.engine.Monitor.IsOnline()
}

func (a *app) pushSource() (tabsplit.PushSource, error) {
	switch a.cfg.Default.Transport {
	case "", "ws":
		src := a.client.WS(nil)
		src.Log = a.log.With().Str("component", "ws").Logger()
		return src, nil
	case "sse":
		src := a.client.SSE(nil)
		src.Log = a.log.With().Str("component", "sse").Logger()
		return src, nil
	case "webhook":
		src, err := tabsplit.NewWebhookSource(a.cfg.Auth.WebhookSecret, a.log.With().Str("component", "webhook").Logger())
		if err != nil {
			return nil, fmt.Errorf("webhook transport: %w", err)
		}
		a.webhook = src
		return src, nil
	}
	return nil, fmt.Errorf("unknown transport %q", a.cfg.Default.Transport)
}

// newLogger logs to stderr and, when file is set, to a rotating JSON file.
func newLogger(cfg ConfigLog) (zerolog.Logger, io.Closer) {
	level := cfg.Level
	if level == "" {
		level = "warn"
	}
	if cfg.File == "" {
		return tabsplit.NewLogger(os.Stderr, level, true), nil
	}
	rotating := &lumberjack.Logger{
		Filename:   cfg.File,
		MaxSize:    10,
		MaxBackups: 3,
		MaxAge:     28,
		Compress:   true,
	}
	console := zerolog.ConsoleWriter{Out: os.Stderr, TimeFormat: time.Kitchen}
	log := zerolog.New(zerolog.MultiLevelWriter(console, rotating)).
		Level(tabsplit.ParseLevel(level)).
		With().Timestamp().Logger()
	return log, rotating
}

func dataDir(cfg *Config) (string, error) {
	if cfg.Storage.DataDir != "" {
		if err := os.MkdirAll(cfg.Storage.DataDir, 0o700); err != nil {
			return "", fmt.Errorf("cannot create data directory: %w", err)
		}
		return cfg.Storage.DataDir, nil
	}
	dir, err := configDir()
	if err != nil {
		return "", err
	}
	return filepath.Join(dir, "data"), os.MkdirAll(filepath.Join(dir, "data"), 0o700)
}

func openStore(backend, dir string) (tabsplit.BlobStore, error) {
	switch backend {
	case "", "sqlite":
		s, err := tabsplit.OpenSQLiteBlobStore(filepath.Join(dir, "tabsplit.db"))
		if err != nil {
			return nil, err
		}
		return s, nil
	case "file":
		s, err := tabsplit.NewFileBlobStore(filepath.Join(dir, "blobs"))
		if err != nil {
			return nil, err
		}
		return s, nil
	case "memory":
		return tabsplit.NewMemoryBlobStore(), nil
	}
	return nil, fmt.Errorf("unknown storage backend %q", backend)
}

// engineTuning converts the [sync] section; empty values keep the defaults.
func engineTuning(cfg ConfigSync) (tabsplit.SyncOptions, tabsplit.ReconcilerOptions, error) {
	var (
		s   tabsplit.SyncOptions
		r   tabsplit.ReconcilerOptions
		err error
	)
	s.MaxAttempts = cfg.MaxAttempts
	fields := []struct {
		name string
		raw  string
		dst  *time.Duration
	}{
		{"backoff_base", cfg.BackoffBase, &s.BackoffBase},
		{"backoff_max", cfg.BackoffMax, &s.BackoffMax},
		{"request_timeout", cfg.RequestTimeout, &s.RequestTimeout},
		{"send_timeout", cfg.SendTimeout, &r.SendTimeout},
		{"match_tolerance", cfg.MatchTolerance, &r.MatchTolerance},
	}
	for _, f := range fields {
		if f.raw == "" {
			continue
		}
		if *f.dst, err = time.ParseDuration(f.raw); err != nil {
			return s, r, fmt.Errorf("sync.%s: %w", f.name, err)
		}
	}
	return s, r, nil
}

// maskKey shows the first 4 and last 4 characters of a secret.
func maskKey(key string) string {
	if len(key) <= 8 {
		return "****"
	}
	return key[:4] + "..." + key[len(key)-4:]
}

func valueOrDefault(val, def string) string {
	if val == "" {
		return def
	}
	return val
}
