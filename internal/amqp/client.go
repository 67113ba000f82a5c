// Package amqp carries expense change notifications over RabbitMQ. Changes
// are published to a topic exchange keyed by owner; every subscription gets
// its own exclusive queue bound to that owner's key.
package amqp

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
	"github.com/rabbitmq/amqp091-go"

	"tally/internal/cache"
	"tally/internal/gateway"
)

// Circuit breaker states
const (
	StateClosed int32 = iota
	StateOpen
	StateHalfOpen
)

const (
	maxFailures          = 5
	openTimeout          = 30 * time.Second
	publishTimeout       = 5 * time.Second
	baseBackoff          = time.Second
	maxBackoff           = 30 * time.Second
	maxReconnectAttempts = 3

	dedupSize = 4096
	dedupTTL  = 10 * time.Minute
)

// DefaultExchange is used when no exchange name is configured.
const DefaultExchange = "tally.expenses"

type Client struct {
	url          string
	exchangeName string
	logger       *slog.Logger

	mu      sync.Mutex
	conn    *amqp091.Connection
	channel *amqp091.Channel

	failureCount int64
	state        int32
	breakerMu    sync.Mutex
	lastFailure  time.Time

	seen *cache.LRUCache[struct{}]
}

// NewClient dials url and declares the topic exchange.
func NewClient(url, exchangeName string, logger *slog.Logger) (*Client, error) {
	if exchangeName == "" {
		exchangeName = DefaultExchange
	}
	if logger == nil {
		logger = slog.Default()
	}
	c := &Client{
		url:          url,
		exchangeName: exchangeName,
		logger:       logger,
		seen:         cache.NewLRUCache[struct{}](dedupSize, dedupTTL),
	}
	if _, err := c.connect(); err != nil {
		return nil, err
	}
	return c, nil
}

// Dedup exposes the redelivery cache so it can be registered for cleanup.
func (c *Client) Dedup() cache.Cleaner {
	return c.seen
}

func (c *Client) connect() (*amqp091.Channel, error) {
	conn, err := amqp091.Dial(c.url)
	if err != nil {
		return nil, fmt.Errorf("dial AMQP: %w", err)
	}

	channel, err := conn.Channel()
	if err != nil {
		conn.Close()
		return nil, fmt.Errorf("open channel: %w", err)
	}

	if err := c.setup(channel); err != nil {
		channel.Close()
		conn.Close()
		return nil, fmt.Errorf("setup exchange: %w", err)
	}

	c.mu.Lock()
	c.conn, c.channel = conn, channel
	c.mu.Unlock()
	return channel, nil
}

func (c *Client) setup(ch *amqp091.Channel) error {
	err := ch.ExchangeDeclare(
		c.exchangeName, // name
		"topic",        // type
		true,           // durable
		false,          // auto-deleted
		false,          // internal
		false,          // no-wait
		nil,            // arguments
	)
	if err != nil {
		return fmt.Errorf("declare exchange: %w", err)
	}
	return nil
}

// publishChannel returns the live publish channel, reconnecting with
// exponential backoff when the connection has dropped.
func (c *Client) publishChannel(ctx context.Context) (*amqp091.Channel, error) {
	c.mu.Lock()
	ch, conn := c.channel, c.conn
	c.mu.Unlock()
	if ch != nil && !ch.IsClosed() && conn != nil && !conn.IsClosed() {
		return ch, nil
	}
	c.resetConnection()

	var lastErr error
	for attempt := 0; attempt < maxReconnectAttempts; attempt++ {
		if attempt > 0 {
			wait := exponentialBackoff(attempt - 1)
			c.logger.WarnContext(ctx, "Reconnecting to AMQP",
				"attempt", attempt,
				"backoff", wait,
				"error", lastErr)
			select {
			case <-ctx.Done():
				return nil, ctx.Err()
			case <-time.After(wait):
			}
		}
		ch, err := c.connect()
		if err == nil {
			return ch, nil
		}
		lastErr = err
	}
	return nil, fmt.Errorf("reconnect after %d attempts: %w", maxReconnectAttempts, lastErr)
}

func (c *Client) connection(ctx context.Context) (*amqp091.Connection, error) {
	if _, err := c.publishChannel(ctx); err != nil {
		return nil, err
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.conn, nil
}

func (c *Client) resetConnection() {
	c.mu.Lock()
	ch, conn := c.channel, c.conn
	c.channel, c.conn = nil, nil
	c.mu.Unlock()
	if ch != nil {
		ch.Close()
	}
	if conn != nil {
		conn.Close()
	}
}

// PublishChange publishes ev on ownerID's routing key.
func (c *Client) PublishChange(ctx context.Context, ownerID string, ev gateway.Event) error {
	if c.isCircuitOpen() {
		return fmt.Errorf("circuit breaker is open, refusing to publish")
	}
	if err := ctx.Err(); err != nil {
		return err
	}

	msg := NewChangeMessage(ownerID, ev)
	body, err := msg.ToJSON()
	if err != nil {
		return fmt.Errorf("marshal message: %w", err)
	}

	ch, err := c.publishChannel(ctx)
	if err != nil {
		c.recordFailure()
		return err
	}

	ctx, cancel := context.WithTimeout(ctx, publishTimeout)
	defer cancel()

	err = ch.PublishWithContext(
		ctx,
		c.exchangeName,      // exchange
		RoutingKey(ownerID), // routing key
		false,               // mandatory
		false,               // immediate
		amqp091.Publishing{
			ContentType:  "application/json",
			DeliveryMode: amqp091.Persistent,
			MessageId:    msg.MessageID,
			Timestamp:    msg.Timestamp,
			Body:         body,
		},
	)
	if err != nil {
		c.recordFailure()
		if isConnectionError(err) {
			c.resetConnection()
		}
		return fmt.Errorf("publish message: %w", err)
	}
	c.recordSuccess()

	c.logger.DebugContext(ctx, "Published expense change",
		"message_id", msg.MessageID,
		"kind", msg.Kind,
		"expense_id", msg.Expense.ID,
		"routing_key", RoutingKey(ownerID))
	return nil
}

// Subscribe starts delivering ownerID's changes to h on a dedicated channel
// and exclusive auto-delete queue.
func (c *Client) Subscribe(ctx context.Context, ownerID string, h gateway.Handler) (gateway.Subscription, error) {
	conn, err := c.connection(ctx)
	if err != nil {
		return nil, err
	}
	ch, err := conn.Channel()
	if err != nil {
		return nil, fmt.Errorf("open channel: %w", err)
	}

	q, err := ch.QueueDeclare(
		"",    // server-named
		false, // durable
		true,  // delete when unused
		true,  // exclusive
		false, // no-wait
		nil,   // arguments
	)
	if err != nil {
		ch.Close()
		return nil, fmt.Errorf("declare queue: %w", err)
	}
	if err := ch.QueueBind(q.Name, RoutingKey(ownerID), c.exchangeName, false, nil); err != nil {
		ch.Close()
		return nil, fmt.Errorf("bind queue: %w", err)
	}

	tag := "tally-" + uuid.NewString()
	msgs, err := ch.Consume(
		q.Name, // queue
		tag,    // consumer
		false,  // auto-ack (we want manual ack)
		true,   // exclusive
		false,  // no-local
		false,  // no-wait
		nil,    // args
	)
	if err != nil {
		ch.Close()
		return nil, fmt.Errorf("start consuming: %w", err)
	}

	sub := &subscription{
		client: c,
		ch:     ch,
		tag:    tag,
		owner:  ownerID,
		done:   make(chan struct{}),
		exited: make(chan struct{}),
	}
	go sub.loop(msgs, h)

	c.logger.InfoContext(ctx, "Subscribed to expense changes",
		"owner_id", ownerID,
		"queue", q.Name)
	return sub, nil
}

type disposition int

const (
	ack disposition = iota
	reject
)

// process decodes one delivery body and hands it to h unless it is
// malformed or already seen.
func (c *Client) process(body []byte, ownerID string, h gateway.Handler) disposition {
	msg, err := ChangeMessageFromJSON(body)
	if err != nil {
		c.logger.Error("Failed to unmarshal change message", "error", err, "owner_id", ownerID)
		return reject
	}
	if msg.OwnerID != ownerID {
		c.logger.Warn("Dropping change for another owner",
			"message_id", msg.MessageID,
			"owner_id", ownerID,
			"message_owner", msg.OwnerID)
		return ack
	}
	if !c.seen.SetIfAbsent(msg.MessageID, struct{}{}) {
		c.logger.Debug("Skipping redelivered change", "message_id", msg.MessageID)
		return ack
	}
	h(msg.Event())
	return ack
}

type subscription struct {
	client *Client
	ch     *amqp091.Channel
	tag    string
	owner  string
	done   chan struct{}
	exited chan struct{}
	once   sync.Once
}

func (s *subscription) loop(msgs <-chan amqp091.Delivery, h gateway.Handler) {
	defer close(s.exited)
	for {
		select {
		case <-s.done:
			return
		case delivery, ok := <-msgs:
			if !ok {
				select {
				case <-s.done:
				default:
					s.client.logger.Warn("Change delivery channel closed", "owner_id", s.owner)
				}
				return
			}
			switch s.client.process(delivery.Body, s.owner, h) {
			case reject:
				delivery.Nack(false, false) // reject and don't requeue
			default:
				delivery.Ack(false)
			}
		}
	}
}

func (s *subscription) Unsubscribe() {
	s.once.Do(func() {
		close(s.done)
		if err := s.ch.Cancel(s.tag, false); err != nil {
			s.client.logger.Debug("Cancel consumer", "error", err, "owner_id", s.owner)
		}
		s.ch.Close()
	})
	<-s.exited
}

func (c *Client) Close() error {
	c.mu.Lock()
	ch, conn := c.channel, c.conn
	c.channel, c.conn = nil, nil
	c.mu.Unlock()
	if ch != nil {
		ch.Close()
	}
	if conn != nil {
		return conn.Close()
	}
	return nil
}

func (c *Client) isCircuitOpen() bool {
	if atomic.LoadInt32(&c.state) != StateOpen {
		return false
	}
	c.breakerMu.Lock()
	last := c.lastFailure
	c.breakerMu.Unlock()
	if time.Since(last) > openTimeout {
		atomic.CompareAndSwapInt32(&c.state, StateOpen, StateHalfOpen)
		return false
	}
	return true
}

func (c *Client) recordSuccess() {
	atomic.StoreInt64(&c.failureCount, 0)
	atomic.StoreInt32(&c.state, StateClosed)
}

func (c *Client) recordFailure() {
	n := atomic.AddInt64(&c.failureCount, 1)
	c.breakerMu.Lock()
	c.lastFailure = time.Now()
	c.breakerMu.Unlock()
	if n >= maxFailures || atomic.LoadInt32(&c.state) == StateHalfOpen {
		if atomic.SwapInt32(&c.state, StateOpen) != StateOpen && c.logger != nil {
			c.logger.Warn("AMQP circuit breaker opened", "failures", n)
		}
	}
}

// exponentialBackoff returns 1s doubled per attempt, capped at 30s.
func exponentialBackoff(attempt int) time.Duration {
	if attempt < 0 {
		attempt = 0
	}
	if attempt >= 5 {
		return maxBackoff
	}
	d := baseBackoff << attempt
	if d > maxBackoff {
		return maxBackoff
	}
	return d
}

func isConnectionError(err error) bool {
	if err == nil {
		return false
	}
	if errors.Is(err, amqp091.ErrClosed) {
		return true
	}
	msg := strings.ToLower(err.Error())
	for _, s := range []string{"connection", "eof", "broken pipe"} {
		if strings.Contains(msg, s) {
			return true
		}
	}
	return false
}
