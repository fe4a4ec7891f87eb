package locator

import (
	"context"
	"fmt"
	"time"

	"github.com/go-mysql-org/go-mysql/mysql"
	"github.com/go-mysql-org/go-mysql/replication"
	"github.com/sirupsen/logrus"

	"mysql-rollback/internal/binlog"
)

// defaultSettleDelay is slept after each disconnect so in-flight events
// drain before the next stream reuses the server id.
const defaultSettleDelay = time.Second

// SyncerOpener opens one short-lived replication stream per probe or
// replay, strictly sequentially.
type SyncerOpener struct {
	cfg    binlog.Config
	settle time.Duration
	logger *logrus.Logger
}

func NewSyncerOpener(cfg binlog.Config, logger *logrus.Logger) *SyncerOpener {
	return &SyncerOpener{cfg: cfg, settle: defaultSettleDelay, logger: logger}
}

// Open starts replication at the given coordinate.
func (o *SyncerOpener) Open(pos mysql.Position) (EventStream, error) {
	syncer := replication.NewBinlogSyncer(o.cfg.SyncerConfig())
	streamer, err := syncer.StartSync(pos)
	if err != nil {
		syncer.Close()
		return nil, fmt.Errorf("failed to start binlog sync at %s:%d: %w", pos.Name, pos.Pos, err)
	}
	o.logger.Debugf("Opened binlog stream at %s:%d", pos.Name, pos.Pos)
	return &syncerStream{syncer: syncer, streamer: streamer, settle: o.settle}, nil
}

type syncerStream struct {
	syncer   *replication.BinlogSyncer
	streamer *replication.BinlogStreamer
	settle   time.Duration
}

func (s *syncerStream) GetEvent(ctx context.Context) (*replication.BinlogEvent, error) {
	return s.streamer.GetEvent(ctx)
}

func (s *syncerStream) Close() {
	s.syncer.Close()
	if s.settle > 0 {
		time.Sleep(s.settle)
	}
}
