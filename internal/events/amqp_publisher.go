package events

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"sync"
	"time"

	amqp "github.com/rabbitmq/amqp091-go"

	"github.com/example/ride-dispatch/internal/models"
)

type amqpChannel interface {
	PublishWithContext(ctx context.Context, exchange, key string, mandatory, immediate bool, msg amqp.Publishing) error
	Close() error
}

// AMQPPublisher sends ride events to a topic exchange with publisher
// confirms. Routing keys look like "ride.assigned".
type AMQPPublisher struct {
	conn     *amqp.Connection
	exchange string
	timeout  time.Duration

	mu       sync.Mutex
	ch       amqpChannel
	confirms chan amqp.Confirmation
}

func NewAMQPPublisher(url, exchange string) (*AMQPPublisher, error) {
	conn, err := amqp.DialConfig(url, amqp.Config{
		Heartbeat: 10 * time.Second,
		Dial:      amqp.DefaultDial(10 * time.Second),
	})
	if err != nil {
		return nil, fmt.Errorf("rabbitmq dial: %w", err)
	}
	ch, err := conn.Channel()
	if err != nil {
		_ = conn.Close()
		return nil, fmt.Errorf("rabbitmq open channel: %w", err)
	}
	if err := ch.ExchangeDeclare(exchange, "topic", true, false, false, false, nil); err != nil {
		_ = conn.Close()
		return nil, fmt.Errorf("rabbitmq declare exchange %s: %w", exchange, err)
	}
	if err := ch.Confirm(false); err != nil {
		_ = conn.Close()
		return nil, fmt.Errorf("rabbitmq confirm mode: %w", err)
	}
	confirms := ch.NotifyPublish(make(chan amqp.Confirmation, 1))
	return &AMQPPublisher{conn: conn, exchange: exchange, timeout: 5 * time.Second, ch: ch, confirms: confirms}, nil
}

func routingKey(status models.RideStatus) string {
	return "ride." + strings.ToLower(string(status))
}

func (p *AMQPPublisher) Publish(ctx context.Context, ev models.RideEvent) error {
	body, err := json.Marshal(ev)
	if err != nil {
		return err
	}
	ctx, cancel := context.WithTimeout(ctx, p.timeout)
	defer cancel()

	p.mu.Lock()
	defer p.mu.Unlock()
	if p.ch == nil {
		return errors.New("rabbitmq: publisher closed")
	}
	if err := p.ch.PublishWithContext(ctx, p.exchange, routingKey(ev.Status), false, false, amqp.Publishing{
		DeliveryMode: amqp.Persistent,
		ContentType:  "application/json",
		MessageId:    ev.RideID,
		Timestamp:    ev.Occurred,
		Body:         body,
	}); err != nil {
		return fmt.Errorf("rabbitmq publish ride %s: %w", ev.RideID, err)
	}
	if p.confirms == nil {
		return nil
	}
	select {
	case c, ok := <-p.confirms:
		if !ok {
			return errors.New("rabbitmq: confirm channel closed")
		}
		if !c.Ack {
			return fmt.Errorf("rabbitmq: publish of ride %s not acknowledged", ev.RideID)
		}
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

func (p *AMQPPublisher) Close() error {
	p.mu.Lock()
	defer p.mu.Unlock()
	var errs []error
	if p.ch != nil {
		errs = append(errs, p.ch.Close())
		p.ch = nil
	}
	if p.conn != nil {
		errs = append(errs, p.conn.Close())
		p.conn = nil
	}
	return errors.Join(errs...)
}
