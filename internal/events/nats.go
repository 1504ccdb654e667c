package events

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/nats-io/nats.go"
	"github.com/rs/zerolog/log"
)

// NATSSink publishes events on subjects "<prefix>.<event type>".
type NATSSink struct {
	conn   *nats.Conn
	prefix string
}

// NewNATSSink connects with reconnect handling.
func NewNATSSink(url, subjectPrefix string) (*NATSSink, error) {
	if url == "" {
		return nil, fmt.Errorf("NATS URL cannot be empty")
	}
	if subjectPrefix == "" {
		subjectPrefix = "hortibless"
	}

	opts := []nats.Option{
		nats.Name("hortibless-conversations"),
		nats.MaxReconnects(-1),
		nats.ReconnectWait(2 * time.Second),
		nats.DisconnectErrHandler(func(nc *nats.Conn, err error) {
			if err != nil {
				log.Warn().Err(err).Msg("NATS disconnected")
			} else {
				log.Warn().Msg("NATS disconnected")
			}
		}),
		nats.ReconnectHandler(func(nc *nats.Conn) {
			log.Info().Str("url", nc.ConnectedUrl()).Msg("NATS reconnected")
		}),
		nats.ClosedHandler(func(nc *nats.Conn) {
			log.Info().Msg("NATS connection closed")
		}),
	}

	conn, err := nats.Connect(url, opts...)
	if err != nil {
		return nil, fmt.Errorf("failed to connect to NATS at %s: %w", url, err)
	}
	log.Info().Str("url", conn.ConnectedUrl()).Str("subjectPrefix", subjectPrefix).Msg("NATS connection established")
	return &NATSSink{conn: conn, prefix: subjectPrefix}, nil
}

func (n *NATSSink) Name() string { return "nats" }

// Subject returns the subject an event type is published on.
func (n *NATSSink) Subject(eventType string) string {
	return n.prefix + "." + eventType
}

// Publish sends the event and flushes so delivery errors surface here.
func (n *NATSSink) Publish(ctx context.Context, event *Event) error {
	body, err := json.Marshal(event)
	if err != nil {
		return fmt.Errorf("failed to marshal event %s: %w", event.ID, err)
	}
	msg := nats.NewMsg(n.Subject(event.Type))
	msg.Header.Set(nats.MsgIdHdr, event.ID)
	msg.Data = body
	if err := n.conn.PublishMsg(msg); err != nil {
		return fmt.Errorf("failed to publish to NATS subject %s: %w", msg.Subject, err)
	}
	if err := n.conn.FlushWithContext(ctx); err != nil {
		return fmt.Errorf("failed to flush NATS connection: %w", err)
	}
	return nil
}

func (n *NATSSink) Close() error {
	return n.conn.Drain()
}
