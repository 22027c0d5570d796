// Package brainstorm implements group consultations: a question broadcast
// to every collaborator, responses routed back to the initiator's
// exclusive reply subject and mirrored to the shared results stream so a
// supervisor that did not ask still sees the activity.
package brainstorm

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/flockd/flock/internal/bus"
	"github.com/flockd/flock/internal/identity"
	"github.com/flockd/flock/internal/message"
	"github.com/google/uuid"
	"github.com/nats-io/nats.go"
)

var ErrClosed = errors.New("brainstorm channel closed")

// ResponseSet is what a collector returns. Incomplete marks a timeout that
// hit before MinResponses arrived; that is not an error, the caller
// decides whether to proceed, re-broadcast or escalate.
type ResponseSet struct {
	SessionID  string
	Responses  []message.BrainstormResponse
	Incomplete bool
}

type CollectOptions struct {
	Timeout      time.Duration
	MinResponses int
}

// InviteHandler answers a broadcast invitation with a suggestion.
type InviteHandler func(ctx context.Context, s message.BrainstormSession) (string, error)

type Channel struct {
	client *bus.Client
	id     identity.Identity
	log    *slog.Logger

	mu         sync.Mutex
	closed     bool
	collectors map[string]chan message.BrainstormResponse

	replySub *nats.Subscription
	serveSub *nats.Subscription
}

// NewChannel subscribes the agent's exclusive reply subject immediately so
// no response can arrive before anyone is listening. The subscription is
// tied to this connection and disappears with it.
func NewChannel(client *bus.Client, id identity.Identity, log *slog.Logger) (*Channel, error) {
	if log == nil {
		log = slog.Default()
	}
	c := &Channel{
		client:     client,
		id:         id,
		log:        log,
		collectors: make(map[string]chan message.BrainstormResponse),
	}

	sub, err := client.Subscribe(bus.ReplySubject(id.ID), c.onReply)
	if err != nil {
		return nil, fmt.Errorf("subscribe reply subject: %w", err)
	}
	c.replySub = sub

	return c, nil
}

func (c *Channel) onReply(msg *nats.Msg) {
	var r message.BrainstormResponse
	if err := message.Decode(msg.Data, &r, "brainstorm response"); err != nil {
		c.log.Warn("dropping undecodable reply", "error", err)
		return
	}

	c.mu.Lock()
	ch, ok := c.collectors[r.SessionID]
	c.mu.Unlock()
	if !ok {
		// Session concluded or never ours. Late responses are logged,
		// never delivered to a closed collection.
		c.log.Info("late brainstorm response discarded",
			"session", r.SessionID, "from", r.FromAgentID)
		return
	}

	select {
	case ch <- r:
	default:
		c.log.Warn("collector buffer full, dropping response",
			"session", r.SessionID, "from", r.FromAgentID)
	}
}

// NewSession builds an immutable session describing one consultation. The
// reply target is derived from the initiator's identity alone.
func (c *Channel) NewSession(topic, question string) message.BrainstormSession {
	return message.BrainstormSession{
		Type:        message.TypeBrainstorm,
		SessionID:   uuid.New().String(),
		Topic:       topic,
		Question:    question,
		InitiatorID: c.id.ID,
		ReplyTarget: bus.ReplySubject(c.id.ID),
		StartedAt:   time.Now().UTC(),
	}
}

// Broadcast publishes the question to every bound collaborator. True
// broadcast: each subscriber gets its own copy, no competing consumers.
func (c *Channel) Broadcast(s message.BrainstormSession) error {
	if s.ReplyTarget == "" {
		return fmt.Errorf("broadcast session %s: empty reply target", s.SessionID)
	}
	if err := c.client.PublishJSON(bus.SubjectBrainstorm, s); err != nil {
		return fmt.Errorf("broadcast session %s: %w", s.SessionID, err)
	}
	return nil
}

// Respond dual-publishes: once to the initiator's exclusive reply subject,
// once to the shared results stream. The duplication is deliberate;
// supervisor visibility outweighs the doubled volume, which is bounded by
// the small number of agents.
func (c *Channel) Respond(r message.BrainstormResponse) error {
	if r.ReplyTarget == "" {
		return fmt.Errorf("respond to session %s: empty reply target", r.SessionID)
	}
	if r.Type == "" {
		r.Type = message.TypeResponse
	}
	if r.Timestamp.IsZero() {
		r.Timestamp = time.Now().UTC()
	}

	if err := c.client.PublishJSON(r.ReplyTarget, r); err != nil {
		return fmt.Errorf("publish reply to %s: %w", r.ReplyTarget, err)
	}
	if err := c.client.PublishJSON(bus.SubjectResults, message.BrainstormResult(r)); err != nil {
		return fmt.Errorf("mirror reply to results: %w", err)
	}
	return nil
}

// register opens the collection buffer for a session. Must happen before
// the broadcast goes out or early responses race the collector.
func (c *Channel) register(sessionID string) (chan message.BrainstormResponse, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.closed {
		return nil, ErrClosed
	}
	ch := make(chan message.BrainstormResponse, 64)
	c.collectors[sessionID] = ch
	return ch, nil
}

func (c *Channel) deregister(sessionID string) {
	c.mu.Lock()
	delete(c.collectors, sessionID)
	c.mu.Unlock()
}

// Collect accumulates responses for a session, returning early once
// MinResponses arrive or when the timeout elapses, whichever first. A
// partial set is returned with Incomplete set, never an error.
func (c *Channel) Collect(ctx context.Context, sessionID string, ch <-chan message.BrainstormResponse, opts CollectOptions) (*ResponseSet, error) {
	defer c.deregister(sessionID)

	if opts.Timeout <= 0 {
		opts.Timeout = 5 * time.Second
	}
	if opts.MinResponses <= 0 {
		opts.MinResponses = 1
	}

	set := &ResponseSet{SessionID: sessionID}
	timer := time.NewTimer(opts.Timeout)
	defer timer.Stop()

	for {
		select {
		case r := <-ch:
			if r.SessionID != sessionID {
				// Session isolation: never deliver another
				// session's response to this collector.
				c.log.Warn("cross-session response dropped",
					"want", sessionID, "got", r.SessionID)
				continue
			}
			set.Responses = append(set.Responses, r)
			if len(set.Responses) >= opts.MinResponses {
				return set, nil
			}
		case <-timer.C:
			set.Incomplete = len(set.Responses) < opts.MinResponses
			return set, nil
		case <-ctx.Done():
			set.Incomplete = len(set.Responses) < opts.MinResponses
			return set, ctx.Err()
		}
	}
}

// Consult is the full initiator flow: create the session, open its
// collector, broadcast, collect.
func (c *Channel) Consult(ctx context.Context, topic, question string, opts CollectOptions) (*ResponseSet, error) {
	s := c.NewSession(topic, question)
	ch, err := c.register(s.SessionID)
	if err != nil {
		return nil, err
	}
	if err := c.Broadcast(s); err != nil {
		c.deregister(s.SessionID)
		return nil, err
	}
	return c.Collect(ctx, s.SessionID, ch, opts)
}

// Serve subscribes to broadcast invitations and answers each through the
// dual-publish contract. An agent never answers its own invitation.
func (c *Channel) Serve(ctx context.Context, handler InviteHandler) error {
	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return ErrClosed
	}
	c.mu.Unlock()

	sub, err := c.client.Subscribe(bus.SubjectBrainstorm, func(msg *nats.Msg) {
		var s message.BrainstormSession
		if err := message.Decode(msg.Data, &s, "brainstorm session"); err != nil {
			c.log.Warn("dropping undecodable invitation", "error", err)
			return
		}
		if s.InitiatorID == c.id.ID {
			return
		}

		suggestion, err := handler(ctx, s)
		if err != nil {
			c.log.Warn("invite handler failed", "session", s.SessionID, "error", err)
			return
		}

		r := message.BrainstormResponse{
			Type:        message.TypeResponse,
			SessionID:   s.SessionID,
			FromAgentID: c.id.ID,
			Suggestion:  suggestion,
			ReplyTarget: s.ReplyTarget,
			Timestamp:   time.Now().UTC(),
		}
		if err := c.Respond(r); err != nil {
			// The initiator may have disconnected; its reply
			// subject is ephemeral. Lost, logged, never retried.
			c.log.Warn("respond failed", "session", s.SessionID, "error", err)
		}
	})
	if err != nil {
		return fmt.Errorf("subscribe broadcast: %w", err)
	}
	// Round-trip to the server so the subscription is live before Serve
	// returns: a broadcast published right after must not miss this agent.
	if err := c.client.Flush(); err != nil {
		_ = sub.Unsubscribe()
		return fmt.Errorf("subscribe broadcast: %w", err)
	}

	c.mu.Lock()
	c.serveSub = sub
	c.mu.Unlock()
	return nil
}

// Close drops the subscriptions and refuses new sessions. Collectors still
// waiting observe their timeout.
func (c *Channel) Close() {
	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return
	}
	c.closed = true
	replySub, serveSub := c.replySub, c.serveSub
	c.mu.Unlock()

	if replySub != nil {
		_ = replySub.Unsubscribe()
	}
	if serveSub != nil {
		_ = serveSub.Unsubscribe()
	}
}
