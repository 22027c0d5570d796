// Package status is the topic-based pub/sub for lifecycle and health
// events. Routing keys are hierarchical ("agent.status.task.completed");
// subscribers bind AMQP-style patterns ("agent.status.#", "agent.*.ready").
package status

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/flockd/flock/internal/bus"
	"github.com/flockd/flock/internal/identity"
	"github.com/flockd/flock/internal/message"
	"github.com/nats-io/nats.go"
)

// Well-known event kinds.
const (
	KindConnected    = "connected"
	KindDisconnected = "disconnected"
	KindReady        = "ready"
	KindDraining     = "draining"
	KindClosed       = "closed"
	KindHeartbeat    = "heartbeat"
	KindStale        = "stale"
	KindTaskDone     = "task.completed"
	KindTaskDead     = "task.dead"
)

type Channel struct {
	client *bus.Client
	id     identity.Identity
	log    *slog.Logger

	mu   sync.Mutex
	subs []*nats.Subscription
}

func NewChannel(client *bus.Client, id identity.Identity, log *slog.Logger) *Channel {
	if log == nil {
		log = slog.Default()
	}
	return &Channel{client: client, id: id, log: log}
}

// Publish emits an event on the given routing key. Events on the same key
// reach a subscriber in publish order; across keys no ordering holds.
func (c *Channel) Publish(ev message.StatusEvent, routingKey string) error {
	if ev.Type == "" {
		ev.Type = message.TypeStatus
	}
	if ev.AgentID == "" {
		ev.AgentID = c.id.ID
	}
	if ev.Timestamp.IsZero() {
		ev.Timestamp = time.Now().UTC()
	}
	if err := c.client.PublishJSON(bus.StatusSubject(routingKey), ev); err != nil {
		return fmt.Errorf("publish status %s: %w", routingKey, err)
	}
	return nil
}

// Announce publishes a lifecycle event under the agent's own key,
// "agent.status.<kind>".
func (c *Channel) Announce(kind, detail string) error {
	ev := message.NewStatusEvent(c.id.ID, kind, detail)
	return c.Publish(ev, "agent.status."+kind)
}

// Subscribe binds a handler to a pattern. "#" matches zero or more
// trailing tokens, "*" exactly one. A trailing "#" needs two broker
// subscriptions, one for the bare prefix and one for everything under it.
func (c *Channel) Subscribe(pattern string, handler func(message.StatusEvent)) error {
	deliver := func(msg *nats.Msg) {
		var ev message.StatusEvent
		if err := message.Decode(msg.Data, &ev, "status event"); err != nil {
			c.log.Warn("dropping undecodable status event", "error", err)
			return
		}
		handler(ev)
	}

	for _, subject := range bus.StatusPatterns(pattern) {
		sub, err := c.client.Subscribe(subject, deliver)
		if err != nil {
			return fmt.Errorf("subscribe status %s: %w", pattern, err)
		}
		c.mu.Lock()
		c.subs = append(c.subs, sub)
		c.mu.Unlock()
	}
	return nil
}

// Heartbeat publishes liveness every interval until ctx is cancelled.
// processed supplies the tasks-completed counter carried in each beat.
func (c *Channel) Heartbeat(ctx context.Context, interval time.Duration, processed func() int64) {
	if interval <= 0 {
		interval = 10 * time.Second
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			detail := ""
			if processed != nil {
				detail = fmt.Sprintf("tasks_processed=%d", processed())
			}
			if err := c.Announce(KindHeartbeat, detail); err != nil {
				c.log.Warn("heartbeat publish failed", "error", err)
			}
		}
	}
}

func (c *Channel) Close() {
	c.mu.Lock()
	subs := c.subs
	c.subs = nil
	c.mu.Unlock()
	for _, s := range subs {
		_ = s.Unsubscribe()
	}
}
