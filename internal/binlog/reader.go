package binlog

import (
	"context"
	"fmt"
	"time"

	"github.com/go-mysql-org/go-mysql/mysql"
	"github.com/go-mysql-org/go-mysql/replication"
	"github.com/sirupsen/logrus"
)

// pollInterval bounds a single blocking read so the consumption loop can
// observe cancellation on an idle stream.
const pollInterval = 10 * time.Second

// Config carries the replication connection settings.
type Config struct {
	Host     string
	Port     int
	User     string
	Password string
	ServerID uint32
	Flavor   string
}

// SyncerConfig builds the go-mysql syncer settings for this connection.
func (c Config) SyncerConfig() replication.BinlogSyncerConfig {
	flavor := c.Flavor
	if flavor == "" {
		flavor = "mysql"
	}
	return replication.BinlogSyncerConfig{
		ServerID: c.ServerID,
		Flavor:   flavor,
		Host:     c.Host,
		Port:     uint16(c.Port),
		User:     c.User,
		Password: c.Password,
	}
}

// Reader streams binlog events from a fixed start coordinate. There is no
// automatic reconnect: a broken stream ends the run and the operator
// re-invokes with an explicit resume coordinate.
type Reader struct {
	syncer   *replication.BinlogSyncer
	streamer *replication.BinlogStreamer
	logger   *logrus.Logger
}

// NewReader starts replication from the given position.
func NewReader(cfg Config, pos mysql.Position, logger *logrus.Logger) (*Reader, error) {
	syncer := replication.NewBinlogSyncer(cfg.SyncerConfig())

	streamer, err := syncer.StartSync(pos)
	if err != nil {
		syncer.Close()
		return nil, fmt.Errorf("failed to start binlog sync: %w", err)
	}

	logger.Infof("Started binlog sync from position: %s:%d", pos.Name, pos.Pos)

	return &Reader{
		syncer:   syncer,
		streamer: streamer,
		logger:   logger,
	}, nil
}

// ReadEvent returns the next binlog event. It returns
// context.DeadlineExceeded when no event arrives within the poll interval;
// callers treat that as an idle stream, not a failure.
func (r *Reader) ReadEvent(ctx context.Context) (*replication.BinlogEvent, error) {
	pollCtx, cancel := context.WithTimeout(ctx, pollInterval)
	defer cancel()

	event, err := r.streamer.GetEvent(pollCtx)
	if err != nil {
		return nil, err
	}
	return event, nil
}

// Close tears down the replication connection.
func (r *Reader) Close() {
	if r.syncer != nil {
		r.syncer.Close()
	}
}

// EventOffset returns the byte offset at which an event starts. The header
// carries the end position; the start is recovered from the event size.
func EventOffset(h *replication.EventHeader) uint32 {
	if h.LogPos >= h.EventSize {
		return h.LogPos - h.EventSize
	}
	return h.LogPos
}
