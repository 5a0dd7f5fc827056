package publisher

import (
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/nats-io/nats.go"
	"github.com/rs/zerolog"
)

// defaultFlushTimeout bounds Close when the publisher was not built by Connect.
const defaultFlushTimeout = 5 * time.Second

// NATSPublisher publishes echo events on "<subject>.<session id>".
type NATSPublisher struct {
	conn    *nats.Conn
	subject string
	logger  zerolog.Logger

	// FlushTimeout bounds how long Close waits for buffered events to reach
	// the broker.
	FlushTimeout time.Duration
}

// Connect dials the broker at url and returns a publisher owning the connection.
func Connect(url, subject string, timeout time.Duration, logger zerolog.Logger) (*NATSPublisher, error) {
	opts := []nats.Option{
		nats.Name("ws-echo"),
		nats.Timeout(timeout),
		nats.ReconnectWait(2 * time.Second),
		nats.MaxReconnects(5),
		nats.DisconnectErrHandler(func(_ *nats.Conn, err error) {
			if err != nil {
				logger.Warn().Err(err).Msg("NATS disconnected")
			}
		}),
		nats.ReconnectHandler(func(c *nats.Conn) {
			logger.Info().Str("url", c.ConnectedUrl()).Msg("NATS reconnected")
		}),
	}

	conn, err := nats.Connect(url, opts...)
	if err != nil {
		return nil, fmt.Errorf("failed to connect to NATS: %w", err)
	}

	logger.Info().Str("url", url).Msg("Connected to NATS")
	pub := NewNATSPublisher(conn, subject, logger)
	if timeout > 0 {
		pub.FlushTimeout = timeout
	}
	return pub, nil
}

// NewNATSPublisher wraps an established connection.
func NewNATSPublisher(conn *nats.Conn, subject string, logger zerolog.Logger) *NATSPublisher {
	return &NATSPublisher{
		conn:         conn,
		subject:      subject,
		logger:       logger,
		FlushTimeout: defaultFlushTimeout,
	}
}

// Close implements Publisher. Events published before Close are flushed to
// the broker, bounded by FlushTimeout, before the connection is closed.
func (n *NATSPublisher) Close() {
	if n.conn == nil {
		return
	}
	if err := n.conn.FlushTimeout(n.FlushTimeout); err != nil && !errors.Is(err, nats.ErrConnectionClosed) {
		n.logger.Warn().Err(err).Msg("Failed to flush echo events")
	}
	n.conn.Close()
	n.logger.Info().Msg("NATS connection closed")
}

// PublishEchoEvent implements Publisher.
func (n *NATSPublisher) PublishEchoEvent(event Event) error {
	data, err := json.Marshal(event)
	if err != nil {
		return fmt.Errorf("failed to marshal event: %w", err)
	}

	subject := Subject(n.subject, event.SessionID)
	if err := n.conn.Publish(subject, data); err != nil {
		return fmt.Errorf("failed to publish to NATS: %w", err)
	}
	n.logger.Debug().Str("subject", subject).Int("size", event.Size).Msg("Published echo event")
	return nil
}

// Subject returns the subject events of sessionID are published on.
func Subject(prefix, sessionID string) string {
	return fmt.Sprintf("%s.%s", prefix, sessionID)
}
