package bus

import (
	"encoding/json"
	"fmt"
	"time"

	"github.com/nats-io/nats.go"
	"github.com/nats-io/nats.go/jetstream"
)

// Client owns the single physical connection for a process. Logical
// channels (tasks, brainstorm, status) multiplex over it.
type Client struct {
	conn *nats.Conn
	js   jetstream.JetStream
}

// Option tweaks the underlying NATS connection.
type Option func(*[]nats.Option)

// WithName tags the connection with the agent id so broker-side monitoring
// can tell agents apart.
func WithName(name string) Option {
	return func(opts *[]nats.Option) {
		*opts = append(*opts, nats.Name(name))
	}
}

// WithDisconnectHandler fires whenever the connection drops.
func WithDisconnectHandler(f func(error)) Option {
	return func(opts *[]nats.Option) {
		*opts = append(*opts, nats.DisconnectErrHandler(func(_ *nats.Conn, err error) {
			f(err)
		}))
	}
}

// WithReconnectHandler fires after an automatic reconnect succeeds.
func WithReconnectHandler(f func()) Option {
	return func(opts *[]nats.Option) {
		*opts = append(*opts, nats.ReconnectHandler(func(_ *nats.Conn) {
			f()
		}))
	}
}

func NewClient(url string, options ...Option) (*Client, error) {
	natsOpts := []nats.Option{
		nats.MaxReconnects(-1),
		nats.ReconnectWait(time.Second),
	}
	for _, o := range options {
		o(&natsOpts)
	}

	conn, err := nats.Connect(url, natsOpts...)
	if err != nil {
		return nil, fmt.Errorf("connect to nats: %w", err)
	}

	js, err := jetstream.New(conn)
	if err != nil {
		conn.Close()
		return nil, fmt.Errorf("jetstream: %w", err)
	}

	return &Client{conn: conn, js: js}, nil
}

func (c *Client) Conn() *nats.Conn {
	return c.conn
}

func (c *Client) JetStream() jetstream.JetStream {
	return c.js
}

func (c *Client) Publish(subject string, data []byte) error {
	return c.conn.Publish(subject, data)
}

func (c *Client) PublishJSON(subject string, v any) error {
	data, err := json.Marshal(v)
	if err != nil {
		return fmt.Errorf("marshal: %w", err)
	}
	return c.conn.Publish(subject, data)
}

func (c *Client) Subscribe(subject string, handler func(msg *nats.Msg)) (*nats.Subscription, error) {
	return c.conn.Subscribe(subject, handler)
}

func (c *Client) Flush() error {
	return c.conn.Flush()
}

func (c *Client) Drain() error {
	return c.conn.Drain()
}

func (c *Client) Close() {
	c.conn.Close()
}
