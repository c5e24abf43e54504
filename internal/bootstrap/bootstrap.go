// Package bootstrap wires every component the engine needs into a single
// running App, grounded on cmd/thane/main.go's runServe: load config, load
// the registry, construct and start each pool/source, replay the restore
// log, enqueue start_with, then hand control to the dispatch loop and the
// time wheel until the caller's context is cancelled.
package bootstrap

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"time"

	"github.com/songokas/hvents/internal/buildinfo"
	"github.com/songokas/hvents/internal/config"
	"github.com/songokas/hvents/internal/connwatch"
	"github.com/songokas/hvents/internal/dispatch"
	"github.com/songokas/hvents/internal/execrunner"
	"github.com/songokas/hvents/internal/filewatch"
	"github.com/songokas/hvents/internal/herrors"
	"github.com/songokas/hvents/internal/httpcaller"
	"github.com/songokas/hvents/internal/httplisten"
	"github.com/songokas/hvents/internal/mqttpool"
	"github.com/songokas/hvents/internal/payload"
	"github.com/songokas/hvents/internal/registry"
	"github.com/songokas/hvents/internal/restorelog"
	"github.com/songokas/hvents/internal/scancode"
	"github.com/songokas/hvents/internal/timewheel"
)

// classify sorts a startup failure into spec.md §6's two non-zero exit
// codes: a herrors.ConfigError (bad URL, bad pool_id) is an operator
// mistake; anything else at this stage is an environmental I/O failure
// (port already bound, broker unreachable).
func classify(err error) error {
	var cfgErr *herrors.ConfigError
	if errors.As(err, &cfgErr) {
		return &ConfigError{err}
	}
	return &StartupIOError{err}
}

// ConfigError wraps a failure reading or validating the configuration
// document or registry, per spec.md §6's exit code 1.
type ConfigError struct{ err error }

func (e *ConfigError) Error() string { return e.err.Error() }
func (e *ConfigError) Unwrap() error { return e.err }

// StartupIOError wraps a failure opening a pool or source at startup
// (MQTT dial, HTTP bind, restore directory), per spec.md §6's exit code 2.
type StartupIOError struct{ err error }

func (e *StartupIOError) Error() string { return e.err.Error() }
func (e *StartupIOError) Unwrap() error { return e.err }

// App holds every long-lived component started by New. Run and Shutdown
// are the only methods callers outside this package need.
type App struct {
	cfg    *config.Root
	logger *slog.Logger

	registry *registry.Registry
	state    *payload.StateMap
	wheel    *timewheel.Wheel
	restore  *restorelog.Log
	conn     *connwatch.Manager
	dispatcher *dispatch.Dispatcher

	mqtt       *mqttpool.Pool
	httpListen *httplisten.Pool
	files      *filewatch.Watcher
	scan       *scancode.Reader
}

// New loads configPath, builds the registry, and constructs every
// configured pool and stimulus source. Nothing here blocks: pools start
// their own background goroutines and return immediately. ctx bounds
// only the one-shot setup calls (MQTT initial connect, HTTP listener
// start); long-lived background work is supervised independently and
// outlives this call.
func New(ctx context.Context, configPath string, logger *slog.Logger) (*App, error) {
	if logger == nil {
		logger = slog.Default()
	}

	path, err := config.FindConfig(configPath)
	if err != nil {
		return nil, &ConfigError{fmt.Errorf("bootstrap: %w", err)}
	}

	cfg, err := config.Load(path)
	if err != nil {
		return nil, &ConfigError{fmt.Errorf("bootstrap: load config %s: %w", path, err)}
	}

	if cfg.LogLevel != "" {
		level, lerr := config.ParseLogLevel(cfg.LogLevel)
		if lerr != nil {
			return nil, &ConfigError{fmt.Errorf("bootstrap: %w", lerr)}
		}
		logger = slog.New(slog.NewTextHandler(os.Stdout, &slog.HandlerOptions{
			Level:       level,
			ReplaceAttr: config.ReplaceLogLevelNames,
		}))
	}

	reg, err := registry.Load(*cfg, logger)
	if err != nil {
		return nil, &ConfigError{fmt.Errorf("bootstrap: load registry: %w", err)}
	}

	state := payload.NewStateMap()
	wheel := timewheel.New(logger)

	var restore *restorelog.Log
	if cfg.Restore != "" {
		restore, err = restorelog.New(cfg.Restore)
		if err != nil {
			return nil, &StartupIOError{fmt.Errorf("bootstrap: restore log: %w", err)}
		}
	}

	loc := timewheel.Location{Latitude: cfg.Location.Latitude, Longitude: cfg.Location.Longitude}

	d := dispatch.New(dispatch.Deps{
		Registry: reg,
		Wheel:    wheel,
		Restore:  restore,
		Location: loc,
	}, cfg.Dispatch.QueueSize, dispatch.DefaultWorkerLimit, logger)

	conn := connwatch.NewManager(logger)

	app := &App{
		cfg:        cfg,
		logger:     logger,
		registry:   reg,
		state:      state,
		wheel:      wheel,
		restore:    restore,
		conn:       conn,
		dispatcher: d,
	}

	var mqttPool *mqttpool.Pool
	if len(cfg.MQTT) > 0 {
		mqttPool = mqttpool.New(state, d.Enqueue, logger)
		for poolID, poolCfg := range cfg.MQTT {
			// Connect only fails synchronously on a malformed broker URL or
			// a transport-level dial error; once dialed, autopaho owns its
			// own reconnect backoff and never hands control back here.
			if err := mqttPool.Connect(ctx, poolID, poolCfg); err != nil {
				return nil, classify(fmt.Errorf("bootstrap: mqtt pool %s: %w", poolID, err))
			}
		}
		app.mqtt = mqttPool
	}

	var httpPool *httplisten.Pool
	if len(cfg.HTTP) > 0 {
		httpPool = httplisten.New(state, d.HTTPEnqueueFunc(), logger)
		for poolID, poolCfg := range cfg.HTTP {
			if err := httpPool.Start(ctx, poolID, poolCfg); err != nil {
				return nil, classify(fmt.Errorf("bootstrap: http pool %s: %w", poolID, err))
			}
		}
		app.httpListen = httpPool
	}

	var files *filewatch.Watcher
	if hasFileSources(reg) {
		files, err = filewatch.New(state, d.Enqueue, logger)
		if err != nil {
			return nil, &StartupIOError{fmt.Errorf("bootstrap: file watcher: %w", err)}
		}
		app.files = files
	}

	var scan *scancode.Reader
	if len(cfg.Devices) > 0 {
		scan = scancode.New(state, d.Enqueue, logger)
		for name, devicePath := range cfg.Devices {
			openDeviceWithRetry(ctx, conn, scan, name, devicePath, logger)
		}
		app.scan = scan
	}

	d.AttachPools(dispatch.Deps{
		MQTT:       app.mqtt,
		HTTPListen: app.httpListen,
		HTTPCaller: httpcaller.New(),
		Files:      app.files,
		Scan:       app.scan,
		Exec:       execrunner.New(),
	})

	return app, nil
}

// hasFileSources reports whether any registered event uses the
// file_changed or watch kinds, the only two that need a Watcher. Unlike
// scancode and MQTT, filewatch has no static startup path list to open:
// every watched path is added and removed at runtime by Watch events
// themselves (spec.md §4.8), so bootstrap only needs to know whether to
// construct the shared fsnotify.Watcher at all.
func hasFileSources(reg *registry.Registry) bool {
	for _, name := range reg.Names() {
		def, _ := reg.Lookup(name)
		if def.Kind == registry.KindFileChanged || def.Kind == registry.KindWatch {
			return true
		}
	}
	return false
}

// openDeviceWithRetry opens an input device through connwatch's backoff
// schedule rather than a single attempt at bootstrap, so a device that is
// unplugged (or not yet enumerated by the kernel) at startup does not
// abort the process — it becomes ready in the background the moment it
// appears, per connwatch's own documented purpose (a SourceError the
// caller never sees, because no caller blocks on it).
func openDeviceWithRetry(ctx context.Context, conn *connwatch.Manager, scan *scancode.Reader, name, devicePath string, logger *slog.Logger) {
	opened := false
	conn.Watch(ctx, connwatch.WatcherConfig{
		Name: "device:" + name,
		Probe: func(_ context.Context) error {
			if opened {
				return nil
			}
			if err := scan.Open(name, devicePath); err != nil {
				return err
			}
			opened = true
			return nil
		},
		Logger: logger,
	})
}

// Logger returns the logger New built, reconfigured to cfg.LogLevel if
// the config document set one. Callers that registered a signal handler
// before New returned should log through this one afterward.
func (a *App) Logger() *slog.Logger {
	return a.logger
}

// Run replays the restore log (if configured), enqueues every start_with
// event, then starts the dispatch loop and the time wheel and blocks
// until ctx is cancelled. Both run on the calling goroutine's behalf
// concurrently so a signal-triggered cancellation stops both at once.
func (a *App) Run(ctx context.Context) {
	now := time.Now()

	if a.restore != nil {
		due, pending, corrupt := a.restore.Replay(now)
		for _, err := range corrupt {
			a.logger.Warn("restore log: skipping corrupt entry", "error", err)
		}
		for _, e := range pending {
			a.wheel.Schedule(e)
		}
		for _, e := range due {
			a.dispatcher.EnqueueBlocking(e.Name, e.Payload)
		}
		a.logger.Info("restore log replayed", "due", len(due), "pending", len(pending), "corrupt", len(corrupt))
	}

	for _, name := range a.registry.StartWith() {
		a.dispatcher.EnqueueBlocking(name, payload.New(a.state))
	}

	a.logger.Info("hvents started", "build", buildinfo.String(), "events", len(a.registry.Names()))

	fire := func(name string, p payload.Payload) {
		a.dispatcher.EnqueueBlocking(name, p)
		if a.restore != nil {
			if err := a.restore.Flush(a.wheel.Snapshot()); err != nil {
				a.logger.Warn("restore log: flush after fire failed", "error", err)
			}
		}
	}

	done := make(chan struct{})
	go func() {
		defer close(done)
		a.wheel.Run(ctx, timewheel.Location{Latitude: a.cfg.Location.Latitude, Longitude: a.cfg.Location.Longitude}, fire)
	}()

	a.dispatcher.Run(ctx)
	<-done
}

// Shutdown stops every listening pool within the configured grace
// period, disconnects MQTT, closes open sources, and flushes the restore
// log one last time. Call after Run returns (ctx already cancelled).
func (a *App) Shutdown(ctx context.Context) {
	grace := time.Duration(a.cfg.ShutdownGraceSec) * time.Second
	shutdownCtx, cancel := context.WithTimeout(ctx, grace)
	defer cancel()

	if a.httpListen != nil {
		a.httpListen.Shutdown(shutdownCtx)
	}
	if a.mqtt != nil {
		a.mqtt.Disconnect(shutdownCtx)
	}
	if a.files != nil {
		_ = a.files.Close()
	}
	if a.scan != nil {
		a.scan.Close()
	}
	a.conn.Stop()

	if a.restore != nil {
		if err := a.restore.Flush(a.wheel.Snapshot()); err != nil {
			a.logger.Warn("restore log: final flush failed", "error", err)
		}
	}

	a.logger.Info("hvents stopped")
}
