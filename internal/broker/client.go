// Package broker implements the Ingress Router and outbound alarm-event
// Writer on top of an AMQP 0.9.1 broker: connection management with
// exponential-backoff reconnect, exchange/queue declaration, per-measurement
// broadcast fan-out, and the receive loop that feeds measurements and acks
// into the rest of the engine.
package broker

import (
	"context"
	"fmt"
	"log/slog"
	"math/rand"
	"sync"
	"time"

	amqp "github.com/rabbitmq/amqp091-go"

	"github.com/tripwire/alarmd/internal/metrics"
)

const (
	defaultMaxBackoff = 60 * time.Second
	initialBackoff    = time.Second

	measExchange = "meas_exchange"
	ackExchange  = "ack_exchange"
	almExchange  = "alarms"
	ackRoutingKey = "ack"

	// measBroadcastCap is the recommended bounded capacity for per-
	// measurement broadcast channels; overflow drops the oldest value.
	measBroadcastCap = 10

	// ackChanCap is the bounded, blocking capacity of the channel between
	// the Ingress Router and the Ack Dispatcher.
	ackChanCap = 100
)

// Config holds the connection parameters for the broker.
type Config struct {
	Host     string
	Port     int
	Username string
	Password string

	// MaxBackoff caps the exponential reconnect backoff. Defaults to 60s.
	MaxBackoff time.Duration
}

func (c Config) url() string {
	return fmt.Sprintf("amqp://%s:%s@%s:%d/", c.Username, c.Password, c.Host, c.Port)
}

// Client owns the AMQP connection lifecycle, the per-measurement broadcast
// registry (the Ingress Router's subscription table), and the outbound
// alarm-event publisher.
//
// Use New to construct a Client, call Run to start the reconnect loop and
// receive loop (blocks until ctx is cancelled), and call Subscribe any time
// before or after Run starts to register a measurement.
type Client struct {
	cfg Config
	log *slog.Logger

	mu   sync.Mutex
	subs map[string][]chan int64

	acks chan string

	connMu sync.RWMutex
	conn   *amqp.Connection
	ch     *amqp.Channel

	reconnectTotal int64

	m *metrics.Metrics
}

// Option configures optional Client behavior.
type Option func(*Client)

// WithMetrics attaches a metrics sink. Without it, Client runs with metrics
// collection disabled (all hooks become no-ops).
func WithMetrics(m *metrics.Metrics) Option {
	return func(c *Client) { c.m = m }
}

// New constructs a Client. It does not connect; call Run to start the
// connection loop.
func New(cfg Config, log *slog.Logger, opts ...Option) *Client {
	if cfg.MaxBackoff <= 0 {
		cfg.MaxBackoff = defaultMaxBackoff
	}
	c := &Client{
		cfg:  cfg,
		log:  log,
		subs: make(map[string][]chan int64),
		acks: make(chan string, ackChanCap),
	}
	for _, opt := range opts {
		opt(c)
	}
	return c
}

// Subscribe registers a fresh broadcast receiver for measurement path m
// with the Ingress Router. Every call, including repeat calls for the same
// m, returns a distinct channel: every value received for m is fanned out
// to every channel ever returned for m, mirroring a broadcast
// sender/receiver split (ground-truth `broker::reader::subscribe` returns a
// fresh `tokio::sync::broadcast::Receiver` per caller off one sender per
// measurement). This lets two or more alarms share one measurement without
// competing for the same value.
func (c *Client) Subscribe(m string) <-chan int64 {
	c.mu.Lock()
	defer c.mu.Unlock()
	ch := make(chan int64, measBroadcastCap)
	c.subs[m] = append(c.subs[m], ch)
	return ch
}

// Acks returns the channel the Ack Dispatcher reads alarm names from.
func (c *Client) Acks() <-chan string {
	return c.acks
}

// Run connects, declares topology, binds every measurement registered via
// Subscribe so far (and any registered afterward, via redeclaration on
// reconnect), and runs the receive loop until ctx is cancelled. On
// connection loss it reconnects with exponential backoff and re-declares
// topology idempotently; existing Subscribe channels survive reconnects
// since they are keyed in c.subs, not in the connection.
func (c *Client) Run(ctx context.Context) error {
	backoff := initialBackoff
	first := true

	for {
		select {
		case <-ctx.Done():
			return nil
		default:
		}

		if !first {
			select {
			case <-time.After(backoff):
			case <-ctx.Done():
				return nil
			}
		}
		first = false

		err := c.runOnce(ctx)
		if err == nil {
			return nil
		}

		c.reconnectTotal++
		c.log.Warn("broker: connection lost, reconnecting", slog.Any("error", err), slog.Duration("backoff", backoff))
		backoff = nextBackoff(backoff, c.cfg.MaxBackoff)
	}
}

func (c *Client) runOnce(ctx context.Context) error {
	conn, err := amqp.Dial(c.cfg.url())
	if err != nil {
		return fmt.Errorf("dial broker: %w", err)
	}
	defer conn.Close()

	ch, err := conn.Channel()
	if err != nil {
		return fmt.Errorf("open channel: %w", err)
	}
	defer ch.Close()

	if err := c.declareTopology(ch); err != nil {
		return fmt.Errorf("declare topology: %w", err)
	}

	measQueue, err := c.bindMeasurements(ch)
	if err != nil {
		return fmt.Errorf("bind measurements: %w", err)
	}

	ackQueue, err := ch.QueueDeclare("", false, false, true, false, nil)
	if err != nil {
		return fmt.Errorf("declare ack queue: %w", err)
	}
	if err := ch.QueueBind(ackQueue.Name, ackRoutingKey, ackExchange, false, nil); err != nil {
		return fmt.Errorf("bind ack queue: %w", err)
	}

	c.connMu.Lock()
	c.conn = conn
	c.ch = ch
	c.connMu.Unlock()

	measDeliveries, err := ch.Consume(measQueue, "", false, false, false, false, nil)
	if err != nil {
		return fmt.Errorf("consume measurements: %w", err)
	}
	ackDeliveries, err := ch.Consume(ackQueue.Name, "", false, false, false, false, nil)
	if err != nil {
		return fmt.Errorf("consume acks: %w", err)
	}

	closed := conn.NotifyClose(make(chan *amqp.Error, 1))

	return c.receiveLoop(ctx, measDeliveries, ackDeliveries, closed)
}

// declareTopology declares the three durable direct exchanges the engine
// depends on.
func (c *Client) declareTopology(ch *amqp.Channel) error {
	if err := ch.ExchangeDeclare(measExchange, "direct", true, false, false, false, nil); err != nil {
		return err
	}
	if err := ch.ExchangeDeclare(ackExchange, "direct", true, false, false, false, nil); err != nil {
		return err
	}
	if err := ch.ExchangeDeclare(almExchange, "direct", true, false, false, false, nil); err != nil {
		return err
	}
	return nil
}

// bindMeasurements declares one private, exclusive queue and binds it to
// meas_exchange once per registered measurement path, returning the queue
// name. A single queue is reused and bound with every routing key currently
// registered, so a reconnect re-subscribes everything already known to
// Subscribe.
func (c *Client) bindMeasurements(ch *amqp.Channel) (string, error) {
	q, err := ch.QueueDeclare("", false, false, true, false, nil)
	if err != nil {
		return "", err
	}
	c.mu.Lock()
	names := make([]string, 0, len(c.subs))
	for m := range c.subs {
		names = append(names, m)
	}
	c.mu.Unlock()
	for _, m := range names {
		if err := ch.QueueBind(q.Name, m, measExchange, false, nil); err != nil {
			return "", err
		}
	}
	return q.Name, nil
}

func nextBackoff(current, max time.Duration) time.Duration {
	next := current * 2
	if next > max {
		next = max
	}
	jitter := 0.75 + rand.Float64()*0.5
	next = time.Duration(float64(next) * jitter)
	if next < initialBackoff {
		next = initialBackoff
	}
	if next > max {
		next = max
	}
	return next
}
