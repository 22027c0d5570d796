// Package topology declares the fixed broker layout: the bounded priority
// work queue, its dead-letter stream and the per-band durable consumers.
// Declarations are idempotent; declaring twice returns the same handles.
package topology

import (
	"context"
	"fmt"
	"time"

	"github.com/flockd/flock/internal/bus"
	"github.com/flockd/flock/internal/message"
	"github.com/nats-io/nats.go/jetstream"
)

type Options struct {
	// MaxQueue bounds the work queue. When full the oldest undelivered
	// task is dropped rather than blocking producers.
	MaxQueue int64
	// MaxAttempts caps broker deliveries per task before dead-lettering.
	MaxAttempts int
	// Prefetch bounds unacknowledged deliveries held by the consumer.
	Prefetch int
	// AckWait is how long the broker holds a delivery unacknowledged
	// before returning it to the queue.
	AckWait time.Duration
}

func (o *Options) setDefaults() {
	if o.MaxQueue <= 0 {
		o.MaxQueue = 1000
	}
	if o.MaxAttempts <= 0 {
		o.MaxAttempts = 3
	}
	if o.Prefetch <= 0 {
		o.Prefetch = 1
	}
	if o.AckWait <= 0 {
		o.AckWait = 30 * time.Second
	}
}

// Manager owns the declared handles. Core-NATS subjects (reply, broadcast,
// results, status) are interest-based and need no declaration; only the
// persistent task streams do.
type Manager struct {
	js   jetstream.JetStream
	opts Options

	tasks     jetstream.Stream
	dead      jetstream.Stream
	consumers map[message.Priority]jetstream.Consumer
}

func NewManager(client *bus.Client, opts Options) *Manager {
	opts.setDefaults()
	return &Manager{
		js:        client.JetStream(),
		opts:      opts,
		consumers: make(map[message.Priority]jetstream.Consumer),
	}
}

// Declare sets up both streams and one consumer per priority band. Safe to
// call repeatedly. A broker that is unreachable surfaces here as a
// connection-level error; retrying with backoff is the orchestrator's job.
func (m *Manager) Declare(ctx context.Context) error {
	if err := m.declareWorkQueue(ctx); err != nil {
		return err
	}
	if err := m.declareDeadLetter(ctx); err != nil {
		return err
	}
	for _, p := range message.Ordered() {
		if err := m.declareConsumer(ctx, p); err != nil {
			return err
		}
	}
	return nil
}

func (m *Manager) declareWorkQueue(ctx context.Context) error {
	stream, err := m.js.CreateOrUpdateStream(ctx, jetstream.StreamConfig{
		Name:        bus.StreamTasks,
		Description: "priority-banded work queue",
		Subjects:    bus.TaskSubjects(),
		Retention:   jetstream.WorkQueuePolicy,
		Storage:     jetstream.FileStorage,
		MaxMsgs:     m.opts.MaxQueue,
		Discard:     jetstream.DiscardOld,
		AllowMsgTTL: true,
	})
	if err != nil {
		return fmt.Errorf("declare work queue: %w", err)
	}
	m.tasks = stream
	return nil
}

func (m *Manager) declareDeadLetter(ctx context.Context) error {
	stream, err := m.js.CreateOrUpdateStream(ctx, jetstream.StreamConfig{
		Name:        bus.StreamTaskDead,
		Description: "tasks that exhausted their retry budget",
		Subjects:    []string{bus.SubjectTaskDead},
		Retention:   jetstream.LimitsPolicy,
		Storage:     jetstream.FileStorage,
		MaxMsgs:     m.opts.MaxQueue,
		Discard:     jetstream.DiscardOld,
	})
	if err != nil {
		return fmt.Errorf("declare dead-letter stream: %w", err)
	}
	m.dead = stream
	return nil
}

func (m *Manager) declareConsumer(ctx context.Context, p message.Priority) error {
	cons, err := m.tasks.CreateOrUpdateConsumer(ctx, jetstream.ConsumerConfig{
		Durable:       consumerName(p),
		FilterSubject: bus.TaskSubject(p),
		AckPolicy:     jetstream.AckExplicitPolicy,
		MaxDeliver:    m.opts.MaxAttempts,
		MaxAckPending: m.opts.Prefetch,
		AckWait:       m.opts.AckWait,
	})
	if err != nil {
		return fmt.Errorf("declare %s consumer: %w", p, err)
	}
	m.consumers[p] = cons
	return nil
}

// Consumer returns the durable consumer for a priority band. Declare must
// have succeeded first.
func (m *Manager) Consumer(p message.Priority) jetstream.Consumer {
	return m.consumers[p]
}

// DeadLetterConsumer creates (idempotently) a named consumer on the
// dead-letter stream, for inspection tooling.
func (m *Manager) DeadLetterConsumer(ctx context.Context, name string) (jetstream.Consumer, error) {
	cons, err := m.dead.CreateOrUpdateConsumer(ctx, jetstream.ConsumerConfig{
		Durable:   name,
		AckPolicy: jetstream.AckExplicitPolicy,
	})
	if err != nil {
		return nil, fmt.Errorf("declare dead-letter consumer: %w", err)
	}
	return cons, nil
}

func (m *Manager) Options() Options {
	return m.opts
}

func consumerName(p message.Priority) string {
	return fmt.Sprintf("workers-%s", p)
}
