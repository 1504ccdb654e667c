package events

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"
	"sync"

	"github.com/rabbitmq/amqp091-go"
	"github.com/rs/zerolog/log"
)

// RabbitConfig configures the RabbitMQ sink.
type RabbitConfig struct {
	URL            string
	Queue          string   // default queue, prefixed
	QueuePrefix    string
	SpecificEvents []string // event types that get their own queue
}

// RabbitSink publishes events to durable queues on the default exchange.
type RabbitSink struct {
	conn           *amqp091.Connection
	mu             sync.Mutex // amqp channels are not safe for concurrent publishing
	channel        *amqp091.Channel
	queue          string
	queuePrefix    string
	specificEvents map[string]bool
	declared       map[string]bool
}

// NewRabbitSink dials RabbitMQ and opens a channel.
func NewRabbitSink(cfg RabbitConfig) (*RabbitSink, error) {
	if cfg.URL == "" {
		return nil, fmt.Errorf("RabbitMQ URL cannot be empty")
	}
	if cfg.Queue == "" {
		cfg.Queue = "conversation_events"
	}
	if cfg.QueuePrefix == "" {
		cfg.QueuePrefix = "hortibless"
	}

	specific := make(map[string]bool, len(cfg.SpecificEvents))
	for _, e := range cfg.SpecificEvents {
		specific[strings.TrimSpace(e)] = true
	}

	conn, err := amqp091.Dial(cfg.URL)
	if err != nil {
		return nil, fmt.Errorf("could not connect to RabbitMQ: %w", err)
	}
	ch, err := conn.Channel()
	if err != nil {
		conn.Close()
		return nil, fmt.Errorf("could not open RabbitMQ channel: %w", err)
	}

	log.Info().
		Str("queue", cfg.Queue).
		Str("prefix", cfg.QueuePrefix).
		Interface("specificEvents", cfg.SpecificEvents).
		Msg("RabbitMQ connection established")
	return &RabbitSink{
		conn:           conn,
		channel:        ch,
		queue:          cfg.Queue,
		queuePrefix:    cfg.QueuePrefix,
		specificEvents: specific,
		declared:       make(map[string]bool),
	}, nil
}

func (r *RabbitSink) Name() string { return "rabbitmq" }

// QueueName returns the queue an event type is routed to.
func (r *RabbitSink) QueueName(eventType string) string {
	return queueName(r.queuePrefix, r.queue, r.specificEvents, eventType)
}

func queueName(prefix, queue string, specific map[string]bool, eventType string) string {
	if specific[eventType] {
		return prefix + "_" + strings.ReplaceAll(strings.ToLower(eventType), ".", "_")
	}
	return prefix + "_" + queue
}

// Publish declares the target queue once and publishes the event as JSON.
func (r *RabbitSink) Publish(ctx context.Context, event *Event) error {
	body, err := json.Marshal(event)
	if err != nil {
		return fmt.Errorf("failed to marshal event %s: %w", event.ID, err)
	}
	queue := r.QueueName(event.Type)

	r.mu.Lock()
	defer r.mu.Unlock()

	if !r.declared[queue] {
		_, err := r.channel.QueueDeclare(
			queue,
			true,  // durable
			false, // auto-delete
			false, // exclusive
			false, // no-wait
			nil,   // arguments
		)
		if err != nil {
			return fmt.Errorf("could not declare RabbitMQ queue %s: %w", queue, err)
		}
		r.declared[queue] = true
	}

	err = r.channel.PublishWithContext(ctx,
		"",    // exchange (default)
		queue, // routing key = queue
		false, // mandatory
		false, // immediate
		amqp091.Publishing{
			ContentType:   "application/json",
			DeliveryMode:  amqp091.Persistent,
			MessageId:     event.ID,
			CorrelationId: fmt.Sprintf("conversation-%d", event.ConversationID),
			Type:          event.Type,
			Timestamp:     event.OccurredAt,
			Body:          body,
		},
	)
	if err != nil {
		return fmt.Errorf("could not publish to RabbitMQ queue %s: %w", queue, err)
	}
	log.Debug().Str("queue", queue).Str("eventID", event.ID).Msg("Published event to RabbitMQ")
	return nil
}

func (r *RabbitSink) Close() error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.channel != nil {
		r.channel.Close()
	}
	return r.conn.Close()
}
