// Package amqpsink publishes notifications to a RabbitMQ topic exchange so
// that email, SMS or push workers can consume them.
package amqpsink

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"sync"
	"time"

	"fleetops/internal/config"
	"fleetops/internal/models"

	"github.com/google/uuid"
	amqp "github.com/rabbitmq/amqp091-go"
)

var errClosed = errors.New("amqpsink: sink is closed")

// Sink holds one connection and one confirm-mode channel. A broken
// connection is re-dialed on the next Deliver; retries are left to the
// dispatcher.
type Sink struct {
	url      string
	exchange string
	prefix   string
	log      *slog.Logger

	mu     sync.Mutex
	conn   *amqp.Connection
	ch     channel
	closed bool
}

type channel interface {
	publish(ctx context.Context, exchange, key string, msg amqp.Publishing) (confirmation, error)
	IsClosed() bool
	Close() error
}

type confirmation interface {
	WaitContext(ctx context.Context) (bool, error)
}

type amqpChannel struct {
	*amqp.Channel
}

func (c amqpChannel) publish(ctx context.Context, exchange, key string, msg amqp.Publishing) (confirmation, error) {
	dc, err := c.PublishWithDeferredConfirmWithContext(ctx, exchange, key, false, false, msg)
	if err != nil {
		return nil, err
	}
	return dc, nil
}

// New dials the broker and declares the exchange.
func New(cfg config.AMQPConfig, log *slog.Logger) (*Sink, error) {
	s := &Sink{
		url:      cfg.URL,
		exchange: cfg.Exchange,
		prefix:   cfg.RoutingPrefix,
		log:      log,
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	err := s.connect()
	if err != nil {
		return nil, fmt.Errorf("amqpsink.New: %w", err)
	}
	return s, nil
}

// Deliver publishes under the lock and waits for the broker confirm without
// it, so concurrent deliveries share the channel.
func (s *Sink) Deliver(ctx context.Context, actorId string, eventType models.EventType, payload []byte) error {
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return errClosed
	}
	if s.ch == nil || s.ch.IsClosed() {
		s.log.Warn("amqpsink: reconnecting")
		err := s.connect()
		if err != nil {
			s.mu.Unlock()
			return fmt.Errorf("amqpsink.Sink.Deliver: %w", err)
		}
	}

	ch := s.ch
	confirm, err := ch.publish(ctx, s.exchange, RoutingKey(s.prefix, eventType),
		Publishing(actorId, eventType, payload, time.Now()))
	if err != nil {
		s.reset()
		s.mu.Unlock()
		return fmt.Errorf("amqpsink.Sink.Deliver: %w", err)
	}
	s.mu.Unlock()

	ok, err := confirm.WaitContext(ctx)
	if err != nil {
		if ch.IsClosed() {
			s.resetIf(ch)
		}
		return fmt.Errorf("amqpsink.Sink.Deliver: %w", err)
	}
	if !ok {
		return fmt.Errorf("amqpsink.Sink.Deliver: broker did not acknowledge %s for '%s'", eventType, actorId)
	}

	return nil
}

func (s *Sink) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.closed = true

	var chErr, connErr error
	if s.ch != nil {
		chErr = s.ch.Close()
	}
	if s.conn != nil {
		connErr = s.conn.Close()
	}
	s.ch, s.conn = nil, nil
	return errors.Join(chErr, connErr)
}

// RoutingKey is <prefix>.<EventType>, so consumers can bind to e.g.
// "notify.Request*" or "notify.#".
func RoutingKey(prefix string, eventType models.EventType) string {
	prefix = strings.Trim(prefix, ".")
	if len(prefix) == 0 {
		return string(eventType)
	}
	return prefix + "." + string(eventType)
}

func Publishing(actorId string, eventType models.EventType, payload []byte, now time.Time) amqp.Publishing {
	return amqp.Publishing{
		DeliveryMode: amqp.Persistent,
		ContentType:  "application/json",
		MessageId:    uuid.NewString(),
		Timestamp:    now,
		Type:         string(eventType),
		Headers: amqp.Table{
			"recipient": actorId,
		},
		Body: payload,
	}
}

// connect must be called with s.mu held.
func (s *Sink) connect() error {
	s.reset()

	conn, err := amqp.DialConfig(s.url, amqp.Config{
		Heartbeat: 10 * time.Second,
		Locale:    "en_US",
		Dial:      amqp.DefaultDial(30 * time.Second),
	})
	if err != nil {
		return fmt.Errorf("dial: %w", err)
	}

	ch, err := conn.Channel()
	if err != nil {
		conn.Close()
		return fmt.Errorf("open channel: %w", err)
	}

	err = ch.ExchangeDeclare(s.exchange, amqp.ExchangeTopic, true, false, false, false, nil)
	if err == nil {
		err = ch.Confirm(false)
	}
	if err != nil {
		ch.Close()
		conn.Close()
		return fmt.Errorf("setup channel: %w", err)
	}

	s.conn, s.ch = conn, amqpChannel{ch}
	s.log.Info("amqpsink connected", slog.String("exchange", s.exchange))
	return nil
}

// resetIf drops the connection unless another delivery already replaced ch.
func (s *Sink) resetIf(ch channel) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.ch == ch {
		s.reset()
	}
}

// reset must be called with s.mu held.
func (s *Sink) reset() {
	if s.ch != nil {
		_ = s.ch.Close()
	}
	if s.conn != nil {
		_ = s.conn.Close()
	}
	s.ch, s.conn = nil, nil
}
