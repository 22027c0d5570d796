// Package scheduler turns cron-defined entries into task assignments on
// the leader. Recurring work enters the same priority queue as ad-hoc
// work; the scheduler has no delivery semantics of its own.
package scheduler

import (
	"context"
	"encoding/json"
	"log/slog"
	"sync"
	"time"

	"github.com/adhocore/gronx"
	"github.com/flockd/flock/internal/config"
	"github.com/flockd/flock/internal/message"
)

// Assigner is the slice of the orchestrator the scheduler needs.
type Assigner interface {
	AssignTask(ctx context.Context, t message.Task) error
}

type Scheduler struct {
	assigner     Assigner
	entries      []config.ScheduleEntry
	pollInterval time.Duration
	log          *slog.Logger

	mu      sync.Mutex
	nextRun map[string]time.Time
}

func New(assigner Assigner, cfg config.SchedulerConfig, log *slog.Logger) *Scheduler {
	if log == nil {
		log = slog.Default()
	}
	return &Scheduler{
		assigner:     assigner,
		entries:      cfg.Entries,
		pollInterval: cfg.PollInterval,
		log:          log,
		nextRun:      make(map[string]time.Time),
	}
}

func (s *Scheduler) Start(ctx context.Context) {
	if s.pollInterval <= 0 {
		s.pollInterval = 30 * time.Second
	}
	if len(s.entries) == 0 {
		s.log.Info("scheduler idle, no entries configured")
		return
	}

	s.mu.Lock()
	for _, e := range s.entries {
		if next, err := gronx.NextTick(e.Cron, false); err == nil {
			s.nextRun[e.Name] = next
		} else {
			s.log.Error("invalid cron expression, entry disabled",
				"entry", e.Name, "cron", e.Cron, "error", err)
		}
	}
	s.mu.Unlock()

	ticker := time.NewTicker(s.pollInterval)
	defer ticker.Stop()

	s.log.Info("scheduler started", "entries", len(s.entries), "poll_interval", s.pollInterval)

	for {
		select {
		case <-ctx.Done():
			s.log.Info("scheduler stopped")
			return
		case <-ticker.C:
			s.poll(ctx)
		}
	}
}

func (s *Scheduler) poll(ctx context.Context) {
	now := time.Now()
	for _, e := range s.entries {
		s.mu.Lock()
		next, ok := s.nextRun[e.Name]
		s.mu.Unlock()
		if !ok || now.Before(next) {
			continue
		}
		s.assign(ctx, e)

		if n, err := gronx.NextTick(e.Cron, false); err == nil {
			s.mu.Lock()
			s.nextRun[e.Name] = n
			s.mu.Unlock()
		}
	}
}

func (s *Scheduler) assign(ctx context.Context, e config.ScheduleEntry) {
	t := message.NewTask(e.Title, payloadJSON(e.Payload), message.Priority(e.Priority), 0)
	if err := s.assigner.AssignTask(ctx, t); err != nil {
		s.log.Error("scheduled assignment failed", "entry", e.Name, "error", err)
		return
	}
	s.log.Info("scheduled task assigned", "entry", e.Name, "task", t.ID)
}

// NextRun reports when an entry fires next. Zero time when unknown.
func (s *Scheduler) NextRun(name string) time.Time {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.nextRun[name]
}

func payloadJSON(raw string) json.RawMessage {
	if raw == "" {
		return nil
	}
	if json.Valid([]byte(raw)) {
		return json.RawMessage(raw)
	}
	quoted, _ := json.Marshal(raw)
	return quoted
}
