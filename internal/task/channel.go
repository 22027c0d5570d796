// Package task implements the competing-consumers work queue: publish with
// priority, consume with an explicit ack/nak/reject control surface, retry
// to a bound, then dead-letter.
package task

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/flockd/flock/internal/bus"
	"github.com/flockd/flock/internal/identity"
	"github.com/flockd/flock/internal/message"
	"github.com/flockd/flock/internal/topology"
	"github.com/nats-io/nats.go"
	"github.com/nats-io/nats.go/jetstream"
)

// msgTTLHeader is the broker's per-message expiry header. An expired,
// undelivered task is removed server-side and never reaches a handler.
const msgTTLHeader = "Nats-TTL"

// pollIdle is how long the consume loop sleeps when every band is empty.
const pollIdle = 100 * time.Millisecond

var ErrClosed = errors.New("task channel closed")

// Delivery is the control surface handed to a task handler. Exactly one of
// Ack, Nak or Reject must be called.
type Delivery struct {
	Task    message.Task
	Attempt int

	msg  jetstream.Msg
	ch   *Channel
	once sync.Once
	done bool
}

// Ack marks the task completed; the broker drops it.
func (d *Delivery) Ack() error {
	var err error
	d.once.Do(func() {
		d.done = true
		err = d.msg.Ack()
	})
	return err
}

// Nak returns the task to its priority band for redelivery. Requeued
// messages re-enter at the back of their band.
func (d *Delivery) Nak() error {
	var err error
	d.once.Do(func() {
		d.done = true
		err = d.msg.Nak()
	})
	return err
}

// Reject dead-letters the task: it is republished to the overflow stream
// and terminated, never redelivered.
func (d *Delivery) Reject() error {
	var err error
	d.once.Do(func() {
		d.done = true
		err = d.ch.deadLetter(d)
	})
	return err
}

// Handler processes one delivered task. Returning an error without having
// settled the delivery naks it (or rejects on the final attempt).
type Handler func(ctx context.Context, d *Delivery) error

type Channel struct {
	client *bus.Client
	topo   *topology.Manager
	id     identity.Identity
	log    *slog.Logger

	mu      sync.Mutex
	closed  bool
	cancels []context.CancelFunc
	wg      sync.WaitGroup

	processed int64
}

func NewChannel(client *bus.Client, topo *topology.Manager, id identity.Identity, log *slog.Logger) *Channel {
	if log == nil {
		log = slog.Default()
	}
	return &Channel{
		client: client,
		topo:   topo,
		id:     id,
		log:    log,
	}
}

// Publish enqueues a task on its priority band. Fire-and-forget with
// respect to durability: a full queue drops the oldest undelivered task
// and an expired task vanishes server-side, so callers must not treat a
// nil return as a delivery guarantee.
func (c *Channel) Publish(ctx context.Context, t message.Task) error {
	if !t.Priority.Valid() {
		return fmt.Errorf("publish task %s: invalid priority %q", t.ID, t.Priority)
	}
	if t.Type == "" {
		t.Type = message.TypeTask
	}
	if t.Timestamp.IsZero() {
		t.Timestamp = time.Now().UTC()
	}

	data, err := json.Marshal(t)
	if err != nil {
		return fmt.Errorf("marshal task: %w", err)
	}

	msg := &nats.Msg{
		Subject: bus.TaskSubject(t.Priority),
		Data:    data,
		Header:  nats.Header{},
	}
	if t.TTLMs > 0 {
		msg.Header.Set(msgTTLHeader, (time.Duration(t.TTLMs) * time.Millisecond).String())
	}

	if _, err := c.client.JetStream().PublishMsg(ctx, msg); err != nil {
		return fmt.Errorf("publish task %s: %w", t.ID, err)
	}
	return nil
}

// ConsumeOptions bound a worker's in-flight load.
type ConsumeOptions struct {
	// Prefetch is the number of deliveries pulled per cycle. 1 keeps
	// handlers on this queue strictly serial.
	Prefetch int
}

// Consume pulls tasks in strict priority order: the high band is drained
// before normal, normal before low. FIFO holds inside a band. The loop
// runs until ctx is cancelled or the channel is closed.
func (c *Channel) Consume(ctx context.Context, handler Handler, opts ConsumeOptions) error {
	if opts.Prefetch <= 0 {
		opts.Prefetch = 1
	}

	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return ErrClosed
	}
	loopCtx, cancel := context.WithCancel(ctx)
	c.cancels = append(c.cancels, cancel)
	c.wg.Add(1)
	c.mu.Unlock()

	go func() {
		defer c.wg.Done()
		c.consumeLoop(loopCtx, handler, opts)
	}()
	return nil
}

func (c *Channel) consumeLoop(ctx context.Context, handler Handler, opts ConsumeOptions) {
	for {
		if ctx.Err() != nil {
			return
		}

		delivered := false
		for _, p := range message.Ordered() {
			cons := c.topo.Consumer(p)
			if cons == nil {
				continue
			}
			batch, err := cons.FetchNoWait(opts.Prefetch)
			if err != nil {
				c.log.Warn("fetch failed", "priority", p, "error", err)
				continue
			}
			for msg := range batch.Messages() {
				delivered = true
				c.dispatch(ctx, msg, handler)
			}
			if delivered {
				// Restart from the high band before touching
				// lower priorities.
				break
			}
		}

		if !delivered {
			select {
			case <-ctx.Done():
				return
			case <-time.After(pollIdle):
			}
		}
	}
}

func (c *Channel) dispatch(ctx context.Context, msg jetstream.Msg, handler Handler) {
	var t message.Task
	if err := message.Decode(msg.Data(), &t, "task"); err != nil {
		c.log.Error("dropping undecodable task", "error", err)
		_ = msg.Term()
		return
	}

	attempt := 1
	maxAttempts := c.topo.Options().MaxAttempts
	if md, err := msg.Metadata(); err == nil {
		attempt = int(md.NumDelivered)
	}
	t.Attempt = attempt
	if t.MaxAttempts <= 0 || t.MaxAttempts > maxAttempts {
		t.MaxAttempts = maxAttempts
	}

	d := &Delivery{Task: t, Attempt: attempt, msg: msg, ch: c}

	err := handler(ctx, d)
	if d.done {
		if err == nil {
			c.mu.Lock()
			c.processed++
			c.mu.Unlock()
		}
		return
	}

	// Handler did not settle the delivery itself: apply the retry policy.
	if err == nil {
		if ackErr := d.Ack(); ackErr != nil {
			c.log.Warn("ack failed", "task", t.ID, "error", ackErr)
			return
		}
		c.mu.Lock()
		c.processed++
		c.mu.Unlock()
		return
	}

	if attempt >= t.MaxAttempts {
		c.log.Warn("task exhausted retries, dead-lettering",
			"task", t.ID, "attempt", attempt, "error", err)
		if dlErr := d.Reject(); dlErr != nil {
			c.log.Error("dead-letter failed", "task", t.ID, "error", dlErr)
		}
		return
	}

	c.log.Info("task failed, requeueing", "task", t.ID, "attempt", attempt, "error", err)
	if nakErr := d.Nak(); nakErr != nil {
		c.log.Warn("nak failed", "task", t.ID, "error", nakErr)
	}
}

// deadLetter republishes the task to the overflow stream, then terminates
// the original so the broker never redelivers it.
func (c *Channel) deadLetter(d *Delivery) error {
	d.Task.Attempt = d.Attempt
	data, err := json.Marshal(d.Task)
	if err != nil {
		return fmt.Errorf("marshal dead letter: %w", err)
	}
	if err := c.client.Publish(bus.SubjectTaskDead, data); err != nil {
		return fmt.Errorf("publish dead letter: %w", err)
	}
	if err := d.msg.Term(); err != nil {
		return fmt.Errorf("terminate delivery: %w", err)
	}
	return nil
}

// Processed reports how many tasks this channel has completed. Feeds the
// heartbeat counter.
func (c *Channel) Processed() int64 {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.processed
}

// Close stops all consume loops and waits for in-flight handlers.
func (c *Channel) Close() {
	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return
	}
	c.closed = true
	cancels := c.cancels
	c.mu.Unlock()

	for _, cancel := range cancels {
		cancel()
	}
	c.wg.Wait()
}
