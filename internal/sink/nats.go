package sink

import (
	"encoding/json"
	"fmt"
	"time"

	"github.com/nats-io/nats.go"
	"github.com/sirupsen/logrus"

	"mysql-rollback/internal/models"
)

// NATSSink publishes each compensating statement to a NATS subject, for
// operators who feed generated scripts into a review pipeline instead of a
// local file.
type NATSSink struct {
	conn    *nats.Conn
	subject string
	logger  *logrus.Logger
}

type statementMessage struct {
	Kind      string `json:"kind"`
	SQL       string `json:"sql"`
	File      string `json:"file"`
	Offset    uint32 `json:"offset"`
	Timestamp int64  `json:"timestamp"`
}

// NewNATSSink connects to NATS with reconnect handling.
func NewNATSSink(url, subject string, maxReconnect int, reconnectWait time.Duration, logger *logrus.Logger) (*NATSSink, error) {
	opts := []nats.Option{
		nats.MaxReconnects(maxReconnect),
		nats.ReconnectWait(reconnectWait),
		nats.DisconnectErrHandler(func(nc *nats.Conn, err error) {
			if err != nil {
				logger.Warnf("NATS disconnected: %v", err)
			}
		}),
		nats.ReconnectHandler(func(nc *nats.Conn) {
			logger.Infof("NATS reconnected to %s", nc.ConnectedUrl())
		}),
		nats.ClosedHandler(func(nc *nats.Conn) {
			logger.Warn("NATS connection closed")
		}),
	}

	conn, err := nats.Connect(url, opts...)
	if err != nil {
		return nil, fmt.Errorf("failed to connect to NATS: %w", err)
	}

	logger.Infof("Connected to NATS at %s", url)

	return &NATSSink{
		conn:    conn,
		subject: subject,
		logger:  logger,
	}, nil
}

func (s *NATSSink) Emit(stmt *models.Statement) error {
	data, err := json.Marshal(statementMessage{
		Kind:      string(stmt.Kind),
		SQL:       stmt.SQL,
		File:      stmt.Coordinate.File,
		Offset:    stmt.Coordinate.Offset,
		Timestamp: stmt.Timestamp.Unix(),
	})
	if err != nil {
		return fmt.Errorf("failed to marshal statement: %w", err)
	}
	if err := s.conn.Publish(s.subject, data); err != nil {
		return fmt.Errorf("failed to publish statement: %w", err)
	}
	s.logger.Debugf("Published statement to %s (%d bytes)", s.subject, len(data))
	return nil
}

func (s *NATSSink) Close() error {
	if err := s.conn.Flush(); err != nil {
		s.logger.Warnf("NATS flush failed: %v", err)
	}
	s.conn.Close()
	return nil
}
