package main

import (
	"context"
	"flag"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/flockd/flock/internal/brainstorm"
	"github.com/flockd/flock/internal/bus"
	"github.com/flockd/flock/internal/config"
	"github.com/flockd/flock/internal/identity"
	"github.com/flockd/flock/internal/message"
	"github.com/flockd/flock/internal/orchestrator"
	"github.com/flockd/flock/internal/scheduler"
	"github.com/flockd/flock/internal/store"
	"github.com/flockd/flock/internal/task"
	"github.com/flockd/flock/internal/web"
)

var version = "dev"

func main() {
	if len(os.Args) < 2 {
		printUsage()
		os.Exit(1)
	}

	switch os.Args[1] {
	case "version":
		fmt.Printf("flock %s\n", version)
	case "leader":
		if err := runAgent(orchestrator.RoleLeader, os.Args[2:]); err != nil {
			slog.Error("leader failed", "error", err)
			os.Exit(1)
		}
	case "worker":
		if err := runAgent(orchestrator.RoleWorker, os.Args[2:]); err != nil {
			slog.Error("worker failed", "error", err)
			os.Exit(1)
		}
	case "export":
		if err := runExport(os.Args[2:]); err != nil {
			slog.Error("export failed", "error", err)
			os.Exit(1)
		}
	default:
		printUsage()
		os.Exit(1)
	}
}

func printUsage() {
	fmt.Fprintf(os.Stderr, `Usage: flock <command>

Commands:
  leader     Start an agent in the leader role
  worker     Start an agent in the worker role
  export     Export task/result history to a zstd archive
  version    Print version
`)
}

func runAgent(role orchestrator.Role, args []string) error {
	fs := flag.NewFlagSet(string(role), flag.ExitOnError)
	explicitID := fs.String("id", "", "explicit agent id (overrides env and config)")
	brokerURL := fs.String("broker", "", "broker URL (overrides config)")
	if err := fs.Parse(args); err != nil {
		return err
	}

	cfg, err := config.Load()
	if err != nil {
		return fmt.Errorf("load config: %w", err)
	}
	if *brokerURL != "" {
		cfg.NATS.URL = *brokerURL
	}

	// Resolved exactly once; every channel downstream receives this value.
	id := identity.Resolve(firstNonEmpty(*explicitID, cfg.Agent.ID), os.Getenv(identity.EnvVar))

	slog.Info("starting flock agent", "version", version, "role", role, "agent", id.ID)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	// Embedded broker: the leader can carry its own.
	if cfg.NATS.Embedded && role == orchestrator.RoleLeader {
		srv, err := bus.NewServer(cfg.NATS)
		if err != nil {
			return fmt.Errorf("init embedded broker: %w", err)
		}
		defer srv.Close()
		cfg.NATS.URL = srv.ClientURL()
		slog.Info("embedded broker started", "port", cfg.NATS.Port)
	}

	orch := orchestrator.New(cfg, id, slog.Default())
	if role == orchestrator.RoleWorker {
		orch.SetTaskHandler(defaultTaskHandler)
		orch.SetInviteHandler(defaultInviteHandler(id))
	}

	if err := orch.Start(ctx, role); err != nil {
		return fmt.Errorf("start orchestrator: %w", err)
	}

	var startScheduler func(config.SchedulerConfig)
	if role == orchestrator.RoleLeader {
		// History recorder: off the publish path, best effort.
		db, err := store.New(cfg.Store)
		if err != nil {
			return fmt.Errorf("init store: %w", err)
		}
		defer db.Close()

		rec := store.NewRecorder(db, orch.Client(), slog.Default())
		if err := rec.Start(); err != nil {
			return fmt.Errorf("start recorder: %w", err)
		}
		defer rec.Close()
		slog.Info("recorder started", "path", cfg.Store.Path)

		var schedCancel context.CancelFunc
		startScheduler = func(sc config.SchedulerConfig) {
			if schedCancel != nil {
				schedCancel()
			}
			schedCtx, cancel := context.WithCancel(ctx)
			schedCancel = cancel
			sched := scheduler.New(orch, sc, slog.Default())
			go sched.Start(schedCtx)
		}
		startScheduler(cfg.Scheduler)

		if cfg.Web.Enabled {
			srv := web.NewServer(db, orch.Client(), cfg.Web)
			go func() {
				if err := srv.Start(ctx); err != nil {
					slog.Error("monitor error", "error", err)
				}
			}()
		}
	}

	// Wait for shutdown; SIGHUP reloads the config in place.
	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM, syscall.SIGHUP)
	for {
		sig := <-sigCh
		if sig != syscall.SIGHUP {
			slog.Info("shutting down", "signal", sig)
			break
		}
		cfg = reloadConfig(cfg, startScheduler)
	}
	cancel()

	drainCtx, drainCancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer drainCancel()
	return orch.Drain(drainCtx)
}

// reloadConfig applies the reloadable slice of a fresh config. The
// scheduler restarts with the new entries; connection-level settings only
// warn, a restart is required for those.
func reloadConfig(old *config.Config, startScheduler func(config.SchedulerConfig)) *config.Config {
	fresh, err := config.Load()
	if err != nil {
		slog.Error("config reload failed, keeping current config", "error", err)
		return old
	}

	d := config.Diff(old, fresh)
	for _, field := range d.NonReloadable {
		slog.Warn("config field requires restart, ignoring change", "field", field)
	}
	if !d.HasChanges() {
		slog.Info("config reloaded, no applicable changes")
		return old
	}

	if startScheduler != nil &&
		(d.SchedulerChanged || len(d.EntriesAdded)+len(d.EntriesRemoved)+len(d.EntriesChanged) > 0) {
		slog.Info("restarting scheduler",
			"added", d.EntriesAdded, "removed", d.EntriesRemoved, "changed", d.EntriesChanged)
		startScheduler(fresh.Scheduler)
	}
	if d.TasksChanged {
		old.Tasks.MaxAttempts = fresh.Tasks.MaxAttempts
		old.Tasks.TTL = fresh.Tasks.TTL
		slog.Info("task defaults updated",
			"max_attempts", fresh.Tasks.MaxAttempts, "ttl", fresh.Tasks.TTL)
	}
	if d.BrainstormChanged {
		old.Brainstorm = fresh.Brainstorm
		slog.Info("brainstorm defaults updated",
			"timeout", fresh.Brainstorm.Timeout, "min_responses", fresh.Brainstorm.MinResponses)
	}
	return old
}

// defaultTaskHandler completes every task untouched; the payload is opaque
// to the core and real execution belongs to an external collaborator.
func defaultTaskHandler(_ context.Context, d *task.Delivery) error {
	slog.Info("task received", "task", d.Task.ID, "title", d.Task.Title,
		"priority", d.Task.Priority, "attempt", d.Attempt)
	return nil
}

func defaultInviteHandler(id identity.Identity) brainstorm.InviteHandler {
	return func(_ context.Context, s message.BrainstormSession) (string, error) {
		return fmt.Sprintf("%s: no objection to %q", id.ID, s.Topic), nil
	}
}

func firstNonEmpty(values ...string) string {
	for _, v := range values {
		if v != "" {
			return v
		}
	}
	return ""
}
