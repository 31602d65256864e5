// Package app assembles the runtime: configuration, the REST client, the
// STOMP transport, component loading and the dispatcher, plus the config
// file watcher that restarts everything when the file changes.
package app

import (
	"context"
	"errors"
	"fmt"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/mattjoyce/actiond/internal/component"
	"github.com/mattjoyce/actiond/internal/config"
	"github.com/mattjoyce/actiond/internal/dispatch"
	"github.com/mattjoyce/actiond/internal/lock"
	"github.com/mattjoyce/actiond/internal/log"
	"github.com/mattjoyce/actiond/internal/lowcode"
	"github.com/mattjoyce/actiond/internal/metrics"
	"github.com/mattjoyce/actiond/internal/plugin"
	"github.com/mattjoyce/actiond/internal/rest"
	"github.com/mattjoyce/actiond/internal/transport"
)

// restartDelay spaces out auto-restart attempts.
const restartDelay = 5 * time.Second

// ErrRestart is the sentinel a run returns when it should be started again
// with a freshly loaded configuration.
var ErrRestart = errors.New("restart requested")

// Supervisor owns the process lifecycle.
type Supervisor struct {
	// ConfigPath overrides config file discovery. Empty selects the
	// default search order.
	ConfigPath string

	// AutoRestart restarts a failed run instead of exiting.
	AutoRestart bool
}

// Run holds the single-instance lock and runs the app, restarting on
// config changes and, when AutoRestart is set, on failures.
func (s *Supervisor) Run(ctx context.Context) error {
	env, err := config.ReadEnv()
	if err != nil {
		return err
	}

	l, err := lock.Acquire(lock.DefaultPath())
	if err != nil {
		return err
	}
	defer l.Release()

	for {
		err := s.runOnce(ctx, env)
		switch {
		case ctx.Err() != nil:
			return nil
		case errors.Is(err, ErrRestart):
			log.Info("configuration changed, restarting")
			continue
		case err != nil && s.AutoRestart:
			log.Error("run failed, restarting", "error", err, "delay", restartDelay)
			select {
			case <-time.After(restartDelay):
			case <-ctx.Done():
				return nil
			}
			continue
		default:
			return err
		}
	}
}

// runOnce loads the config and runs every subsystem until ctx is canceled,
// a fatal error surfaces, or the config file changes.
func (s *Supervisor) runOnce(ctx context.Context, env config.Env) error {
	cfg, err := config.Load(s.ConfigPath, config.LoadOptions{})
	if err != nil {
		return err
	}
	set := cfg.Settings

	logDir := set.LogDir
	if env.LogDir != "" {
		logDir = env.LogDir
	}
	log.SetupWithOptions(log.Options{
		Level:       set.LogLevel,
		Dir:         logDir,
		File:        set.LogFile,
		MaxBytes:    set.LogMaxBytes,
		BackupCount: set.LogBackupCount,
	})
	log.Info("starting", "host", set.Host, "org", set.Org)

	client, err := rest.NewHTTPClient(rest.Options{
		BaseURL:      baseURL(set),
		Org:          set.Org,
		Email:        set.Email,
		Password:     set.Password,
		APIKeyID:     set.APIKeyID,
		APIKeySecret: set.APIKeySecret,
		CAFile:       set.CAFile,
	})
	if err != nil {
		return err
	}
	if err := client.Connect(ctx); err != nil {
		return fmt.Errorf("connect to rest api: %w", err)
	}
	log.Info("rest session established", "org_id", client.OrgID())

	tr := transport.New(StompOptions(set))

	queues := lowcode.NewQueues(nil, func(added, removed []string) {
		for _, q := range added {
			if err := tr.Subscribe(q, transport.InboundDestination(client.OrgID(), q)); err != nil {
				log.Error("subscribe inbound destination failed", "queue", q, "error", err)
			}
		}
		for _, q := range removed {
			if err := tr.Unsubscribe(q); err != nil {
				log.Error("unsubscribe inbound destination failed", "queue", q, "error", err)
			}
		}
	})

	registry := component.NewRegistry()
	dispatcher := dispatch.New(tr, tr.Events(), registry, client, queues, dispatch.Options{
		TestActions:          set.TestActions,
		IgnoreMessageFailure: set.IgnoreMessageFailure,
		NumWorkers:           set.NumWorkers,
		SubscriptionQueue:    env.SubscriptionQueue,
	})

	runCtx, cancel := context.WithCancelCause(ctx)
	defer cancel(nil)

	g, gctx := errgroup.WithContext(runCtx)
	g.Go(func() error { return tr.Run(gctx) })
	g.Go(func() error { return dispatcher.Run(gctx) })
	g.Go(func() error { return metrics.Serve(gctx, set.MetricsListen) })
	g.Go(func() error { return watchConfig(gctx, cfg.Path, set.RestartOnConfigChange, cancel) })

	// components unregister first on shutdown, while the dispatcher and
	// the transport are still up to service the notices
	g.Go(func() error {
		<-gctx.Done()
		registry.RemoveAll()
		return nil
	})

	loaded := LoadComponents(cfg, registry)
	log.Info("components loaded", "count", loaded)

	if err := CheckRequiredFields(ctx, client, registry.List()); err != nil {
		cancel(err)
		_ = g.Wait()
		return err
	}

	err = g.Wait()

	if cause := context.Cause(runCtx); errors.Is(cause, ErrRestart) {
		return ErrRestart
	}
	if errors.Is(err, transport.ErrTooManyConnectFailures) && !set.ExitOnStompDataError {
		log.Error("stomp connection budget exhausted, restarting", "error", err)
		return ErrRestart
	}
	if errors.Is(err, context.Canceled) {
		return nil
	}
	return err
}

// baseURL derives the REST endpoint from host and port.
func baseURL(set config.Settings) string {
	if set.Port > 0 {
		return fmt.Sprintf("https://%s:%d", set.Host, set.Port)
	}
	return fmt.Sprintf("https://%s", set.Host)
}

// StompOptions maps the loaded settings onto transport options. Shared
// with the selftest command so both paths dial identically.
func StompOptions(set config.Settings) transport.Options {
	login := set.Email
	passcode := set.Password
	if set.APIKeyID != "" && set.APIKeySecret != "" {
		login = set.APIKeyID
		passcode = set.APIKeySecret
	}
	return transport.Options{
		Host:             set.StompHost,
		Port:             set.StompPort,
		Login:            login,
		Passcode:         passcode,
		CAFile:           set.CAFile,
		Timeout:          time.Duration(set.StompTimeout) * time.Second,
		HeartbeatScale:   set.HeartbeatTimeoutThreshold,
		MaxConnectErrors: set.StompMaxConnectionErrors,
	}
}

// LoadComponents builds the builtin components and discovers external
// ones, registering everything that validates. Per-component failures are
// logged and skipped; a broken component must not take the runtime down.
func LoadComponents(cfg *config.Config, registry *component.Registry) int {
	comps, errs := component.BuildBuiltins(cfg)
	for _, err := range errs {
		log.Error("builtin component failed to load", "error", err)
	}

	externals, err := plugin.Discover(cfg.Settings.ComponentsDir)
	if err != nil {
		log.Error("component discovery failed", "dir", cfg.Settings.ComponentsDir, "error", err)
	}
	for _, ext := range externals {
		if skipComponent(ext.Name, cfg.Settings.NoLoad) {
			log.Info("component in noload list, skipping", "component", ext.Name)
			continue
		}
		comps = append(comps, plugin.Component(ext, cfg))
	}

	loaded := 0
	for _, c := range comps {
		section := cfg.App(c.Section)
		if q := section[lowcode.InboundQueueKey]; q != "" {
			c.Queue = q
			c.Inbound = true
		}
		if err := registry.Add(c, section); err != nil {
			log.Error("component rejected", "component", c.Name, "error", err)
			continue
		}
		loaded++
	}
	return loaded
}

func skipComponent(name string, noload []string) bool {
	for _, n := range noload {
		if n == name {
			return true
		}
	}
	return false
}

// watchConfig watches the config file and signals a restart via cancel
// when its content actually changes. With restart disabled it only logs.
func watchConfig(ctx context.Context, path string, restart bool, cancel context.CancelCauseFunc) error {
	w, err := newConfigWatcher(path)
	if err != nil {
		// watching is best effort; a missing inotify budget should not
		// stop the runtime
		log.Warn("config watch unavailable", "error", err)
		<-ctx.Done()
		return nil
	}
	defer w.Close()

	for {
		changed, err := w.Wait(ctx)
		if err != nil {
			return nil
		}
		if !changed {
			continue
		}
		log.Info("config file content changed", "path", path)
		if restart {
			cancel(ErrRestart)
			return nil
		}
		log.Warn("restart_on_config_change is disabled, continuing with the old configuration")
	}
}
