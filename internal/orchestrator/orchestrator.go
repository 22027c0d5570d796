// Package orchestrator drives the role state machine. One process is
// either the leader, assigning tasks and observing every result, or a
// worker, pulling tasks and answering brainstorm invitations. Both roles
// share one broker connection and one identity.
package orchestrator

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"github.com/flockd/flock/internal/brainstorm"
	"github.com/flockd/flock/internal/bus"
	"github.com/flockd/flock/internal/config"
	"github.com/flockd/flock/internal/identity"
	"github.com/flockd/flock/internal/message"
	"github.com/flockd/flock/internal/status"
	"github.com/flockd/flock/internal/task"
	"github.com/flockd/flock/internal/topology"
	"github.com/nats-io/nats.go"
)

type Role string

const (
	RoleLeader Role = "leader"
	RoleWorker Role = "worker"
)

type State int32

const (
	StateUninitialized State = iota
	StateConnecting
	StateReady
	StateDraining
	StateClosed
)

func (s State) String() string {
	switch s {
	case StateUninitialized:
		return "uninitialized"
	case StateConnecting:
		return "connecting"
	case StateReady:
		return "ready"
	case StateDraining:
		return "draining"
	case StateClosed:
		return "closed"
	}
	return "unknown"
}

const (
	connectBackoffMin = 500 * time.Millisecond
	connectBackoffMax = 15 * time.Second
)

type Orchestrator struct {
	cfg *config.Config
	id  identity.Identity
	log *slog.Logger

	state atomic.Int32
	role  Role

	client *bus.Client
	topo   *topology.Manager
	tasks  *task.Channel
	brains *brainstorm.Channel
	stat   *status.Channel

	taskHandler   task.Handler
	inviteHandler brainstorm.InviteHandler
	onResult      func(message.Result)

	resultSub *nats.Subscription
	cancel    context.CancelFunc
	wg        sync.WaitGroup

	seenMu   sync.Mutex
	lastSeen map[string]time.Time
}

// New wires an orchestrator around a pre-resolved identity. The identity
// is never re-resolved here; every channel below derives queue names from
// this one value.
func New(cfg *config.Config, id identity.Identity, log *slog.Logger) *Orchestrator {
	if log == nil {
		log = slog.Default()
	}
	return &Orchestrator{
		cfg:      cfg,
		id:       id,
		log:      log.With("agent", id.ID),
		lastSeen: make(map[string]time.Time),
	}
}

// SetTaskHandler installs the worker's task handler. Must be called before
// Start; a nil handler acknowledges every task untouched.
func (o *Orchestrator) SetTaskHandler(h task.Handler) {
	o.taskHandler = h
}

// SetInviteHandler installs the worker's brainstorm answer. Workers with
// no handler ignore invitations.
func (o *Orchestrator) SetInviteHandler(h brainstorm.InviteHandler) {
	o.inviteHandler = h
}

// OnResult registers a callback invoked for every result the leader
// observes on the shared stream.
func (o *Orchestrator) OnResult(f func(message.Result)) {
	o.onResult = f
}

func (o *Orchestrator) State() State {
	return State(o.state.Load())
}

func (o *Orchestrator) Role() Role {
	return o.role
}

func (o *Orchestrator) Identity() identity.Identity {
	return o.id
}

// Client exposes the shared connection for collaborators (recorder,
// monitor) that subscribe alongside the orchestrator.
func (o *Orchestrator) Client() *bus.Client {
	return o.client
}

// Start connects with exponential backoff, declares topology and enters
// ready in the given role.
func (o *Orchestrator) Start(ctx context.Context, role Role) error {
	if !o.state.CompareAndSwap(int32(StateUninitialized), int32(StateConnecting)) {
		return fmt.Errorf("start: already started (state %s)", o.State())
	}
	o.role = role

	client, err := o.connect(ctx)
	if err != nil {
		o.state.Store(int32(StateClosed))
		return fmt.Errorf("connect: %w", err)
	}
	o.client = client

	runCtx, cancel := context.WithCancel(context.Background())
	o.cancel = cancel

	o.topo = topology.NewManager(client, topology.Options{
		MaxQueue:    o.cfg.Tasks.MaxQueue,
		MaxAttempts: o.cfg.Tasks.MaxAttempts,
		Prefetch:    o.cfg.Tasks.Prefetch,
		AckWait:     o.cfg.Tasks.AckWait,
	})
	if err := o.topo.Declare(ctx); err != nil {
		client.Close()
		o.state.Store(int32(StateClosed))
		return fmt.Errorf("declare topology: %w", err)
	}

	o.stat = status.NewChannel(client, o.id, o.log)
	o.tasks = task.NewChannel(client, o.topo, o.id, o.log)

	brains, err := brainstorm.NewChannel(client, o.id, o.log)
	if err != nil {
		client.Close()
		o.state.Store(int32(StateClosed))
		return fmt.Errorf("brainstorm channel: %w", err)
	}
	o.brains = brains

	switch role {
	case RoleLeader:
		err = o.startLeader(runCtx)
	case RoleWorker:
		err = o.startWorker(runCtx)
	default:
		err = fmt.Errorf("unknown role %q", role)
	}
	if err != nil {
		cancel()
		client.Close()
		o.state.Store(int32(StateClosed))
		return err
	}

	o.wg.Add(1)
	go func() {
		defer o.wg.Done()
		o.stat.Heartbeat(runCtx, o.cfg.Status.HeartbeatInterval, o.tasks.Processed)
	}()

	o.state.Store(int32(StateReady))
	if err := o.stat.Announce(status.KindReady, string(role)); err != nil {
		o.log.Warn("ready announce failed", "error", err)
	}
	o.log.Info("orchestrator ready", "role", role)
	return nil
}

func (o *Orchestrator) connect(ctx context.Context) (*bus.Client, error) {
	backoff := connectBackoffMin
	for {
		client, err := bus.NewClient(o.cfg.NATS.URL,
			bus.WithName(o.id.ID),
			bus.WithDisconnectHandler(func(err error) {
				o.log.Warn("broker connection lost", "error", err)
				if o.stat != nil {
					// Queued on the reconnect buffer; flushes when
					// the connection comes back.
					_ = o.stat.Announce(status.KindDisconnected, "")
				}
			}),
			bus.WithReconnectHandler(func() {
				o.log.Info("broker reconnected")
				if o.stat != nil {
					_ = o.stat.Announce(status.KindConnected, "reconnected")
				}
			}),
		)
		if err == nil {
			return client, nil
		}

		o.log.Warn("broker unreachable, retrying", "error", err, "backoff", backoff)
		select {
		case <-ctx.Done():
			return nil, ctx.Err()
		case <-time.After(backoff):
		}
		backoff *= 2
		if backoff > connectBackoffMax {
			backoff = connectBackoffMax
		}
	}
}

// startLeader consumes the shared results stream and its own exclusive
// reply subject, and watches worker heartbeats for staleness.
func (o *Orchestrator) startLeader(ctx context.Context) error {
	sub, err := o.client.Subscribe(bus.SubjectResults, func(msg *nats.Msg) {
		var r message.Result
		if err := message.Decode(msg.Data, &r, "result"); err != nil {
			o.log.Warn("dropping undecodable result", "error", err)
			return
		}
		o.log.Info("result observed", "kind", r.Kind, "from", r.FromAgentID,
			"task", r.TaskID, "session", r.SessionID)
		if o.onResult != nil {
			o.onResult(r)
		}
	})
	if err != nil {
		return fmt.Errorf("subscribe results: %w", err)
	}
	o.resultSub = sub

	if err := o.stat.Subscribe("agent.status.heartbeat", o.noteHeartbeat); err != nil {
		return fmt.Errorf("subscribe heartbeats: %w", err)
	}

	o.wg.Add(1)
	go func() {
		defer o.wg.Done()
		o.watchStale(ctx)
	}()

	return nil
}

// startWorker consumes the work queue and serves brainstorm invitations.
func (o *Orchestrator) startWorker(ctx context.Context) error {
	handler := o.taskHandler
	if handler == nil {
		handler = func(context.Context, *task.Delivery) error { return nil }
	}

	wrapped := func(hctx context.Context, d *task.Delivery) error {
		err := handler(hctx, d)
		if err == nil {
			// Acknowledgment transfers completion responsibility to
			// this worker: a Result must follow.
			if pubErr := o.PublishResult(message.TaskResult(d.Task.ID, o.id.ID, "completed")); pubErr != nil {
				o.log.Warn("result publish failed", "task", d.Task.ID, "error", pubErr)
			}
			if stErr := o.stat.Publish(
				message.NewStatusEvent(o.id.ID, status.KindTaskDone, d.Task.ID),
				"agent.status."+status.KindTaskDone,
			); stErr != nil {
				o.log.Warn("task status publish failed", "task", d.Task.ID, "error", stErr)
			}
		}
		return err
	}

	if err := o.tasks.Consume(ctx, wrapped, task.ConsumeOptions{Prefetch: o.cfg.Tasks.Prefetch}); err != nil {
		return fmt.Errorf("consume tasks: %w", err)
	}

	if o.inviteHandler != nil {
		if err := o.brains.Serve(ctx, o.inviteHandler); err != nil {
			return fmt.Errorf("serve brainstorms: %w", err)
		}
	}

	return nil
}

func (o *Orchestrator) noteHeartbeat(ev message.StatusEvent) {
	o.seenMu.Lock()
	o.lastSeen[ev.AgentID] = time.Now()
	o.seenMu.Unlock()
}

// watchStale flags agents whose heartbeats stopped. Disconnection is
// fail-fast: the stale event degrades the agent to "unavailable" rather
// than crashing anything.
func (o *Orchestrator) watchStale(ctx context.Context) {
	staleAfter := o.cfg.Status.StaleAfter
	if staleAfter <= 0 {
		staleAfter = 30 * time.Second
	}
	ticker := time.NewTicker(staleAfter / 2)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			now := time.Now()
			o.seenMu.Lock()
			for agent, seen := range o.lastSeen {
				if now.Sub(seen) > staleAfter {
					delete(o.lastSeen, agent)
					o.log.Warn("agent went stale", "stale_agent", agent)
					_ = o.stat.Publish(
						message.NewStatusEvent(agent, status.KindStale, ""),
						"agent.status."+status.KindStale,
					)
				}
			}
			o.seenMu.Unlock()
		}
	}
}

// AssignTask enqueues work. Leader-only; refused once draining begins.
func (o *Orchestrator) AssignTask(ctx context.Context, t message.Task) error {
	if o.role != RoleLeader {
		return fmt.Errorf("assign task: role is %s, not leader", o.role)
	}
	if o.State() != StateReady {
		return fmt.Errorf("assign task: orchestrator is %s", o.State())
	}
	if t.MaxAttempts <= 0 {
		t.MaxAttempts = o.cfg.Tasks.MaxAttempts
	}
	if t.TTLMs == 0 && o.cfg.Tasks.TTL > 0 {
		t.TTLMs = o.cfg.Tasks.TTL.Milliseconds()
	}
	return o.tasks.Publish(ctx, t)
}

// Consult runs a brainstorm session from this agent. Both roles may
// initiate; responses come back on this agent's exclusive reply subject.
func (o *Orchestrator) Consult(ctx context.Context, topic, question string) (*brainstorm.ResponseSet, error) {
	if o.State() != StateReady {
		return nil, fmt.Errorf("consult: orchestrator is %s", o.State())
	}
	return o.brains.Consult(ctx, topic, question, brainstorm.CollectOptions{
		Timeout:      o.cfg.Brainstorm.Timeout,
		MinResponses: o.cfg.Brainstorm.MinResponses,
	})
}

// PublishResult mirrors a result onto the shared stream.
func (o *Orchestrator) PublishResult(r message.Result) error {
	return o.client.PublishJSON(bus.SubjectResults, r)
}

// Status exposes the status channel for collaborators that publish or
// subscribe alongside the orchestrator.
func (o *Orchestrator) Status() *status.Channel {
	return o.stat
}

// TasksProcessed reports the worker's completion counter.
func (o *Orchestrator) TasksProcessed() int64 {
	if o.tasks == nil {
		return 0
	}
	return o.tasks.Processed()
}

// Drain stops accepting new work, finishes in-flight tasks, then closes
// every channel and the connection.
func (o *Orchestrator) Drain(ctx context.Context) error {
	if !o.state.CompareAndSwap(int32(StateReady), int32(StateDraining)) {
		return fmt.Errorf("drain: orchestrator is %s", o.State())
	}
	o.log.Info("draining")
	_ = o.stat.Announce(status.KindDraining, "")

	// Stop consume loops; Close waits for in-flight handlers.
	o.tasks.Close()
	if o.cancel != nil {
		o.cancel()
	}
	o.wg.Wait()

	if o.resultSub != nil {
		_ = o.resultSub.Unsubscribe()
	}
	o.brains.Close()
	_ = o.stat.Announce(status.KindClosed, "")
	o.stat.Close()

	if err := o.client.Drain(); err != nil {
		o.log.Warn("connection drain failed", "error", err)
		o.client.Close()
	}

	o.state.Store(int32(StateClosed))
	o.log.Info("closed")
	return nil
}
