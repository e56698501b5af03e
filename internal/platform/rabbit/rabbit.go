package rabbit

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"geoimages/internal/logger"

	"github.com/google/uuid"
	amqp "github.com/rabbitmq/amqp091-go"
)

type Options struct {
	URL   string
	Queue string
}

type Service struct {
	conn  *amqp.Connection
	ch    *amqp.Channel
	queue string
	log   *logger.Logger
}

// New dials the broker, retrying while it comes up, and declares the
// dispatch queue as durable so messages survive a broker restart.
func New(opts Options) (*Service, error) {
	var conn *amqp.Connection
	var err error
	for i := 0; i < 10; i++ {
		conn, err = amqp.Dial(opts.URL)
		if err == nil {
			break
		}
		time.Sleep(time.Second * time.Duration(1+i))
	}
	if err != nil {
		return nil, fmt.Errorf("dial rabbit: %w", err)
	}
	ch, err := conn.Channel()
	if err != nil {
		conn.Close()
		return nil, fmt.Errorf("open channel: %w", err)
	}
	if _, err := ch.QueueDeclare(opts.Queue, true, false, false, false, nil); err != nil {
		ch.Close()
		conn.Close()
		return nil, fmt.Errorf("declare queue %s: %w", opts.Queue, err)
	}
	return &Service{conn: conn, ch: ch, queue: opts.Queue, log: logger.New("Rabbit")}, nil
}

func (s *Service) Close() error {
	if err := s.ch.Close(); err != nil {
		s.conn.Close()
		return err
	}
	return s.conn.Close()
}

func (s *Service) HealthCheck(ctx context.Context) error {
	if s.conn.IsClosed() {
		return fmt.Errorf("rabbit connection closed")
	}
	return nil
}

// PublishJSON publishes v to the dispatch queue with persistent delivery.
func (s *Service) PublishJSON(ctx context.Context, v interface{}) error {
	body, err := json.Marshal(v)
	if err != nil {
		return fmt.Errorf("marshal message: %w", err)
	}
	return s.ch.PublishWithContext(ctx,
		"", s.queue, false, false,
		amqp.Publishing{
			ContentType:   "application/json",
			DeliveryMode:  amqp.Persistent,
			CorrelationId: uuid.NewString(),
			Body:          body,
		},
	)
}
