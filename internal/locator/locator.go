package locator

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"time"

	"github.com/go-mysql-org/go-mysql/mysql"
	"github.com/go-mysql-org/go-mysql/replication"
	"github.com/sirupsen/logrus"

	"mysql-rollback/internal/binlog"
	"mysql-rollback/internal/models"
)

// fileStartOffset is the first valid event offset: binlog files open with a
// 4-byte magic header.
const fileStartOffset = 4

const (
	defaultProbeTimeout  = 5 * time.Second
	defaultReplayTimeout = 5 * time.Minute
)

// ErrNotFound is returned when no binlog file covers the requested window.
var ErrNotFound = errors.New("no binlog position matches the requested time window")

// FileLister reports the server's binary log files.
type FileLister interface {
	ListFiles(ctx context.Context) ([]models.BinlogFile, error)
}

// EventStream is one short-lived replay of a binlog file.
type EventStream interface {
	GetEvent(ctx context.Context) (*replication.BinlogEvent, error)
	Close()
}

// StreamOpener opens an event stream at a coordinate.
type StreamOpener interface {
	Open(pos mysql.Position) (EventStream, error)
}

// Locator finds the binlog coordinates bounding a wall-clock time window.
// Files are scanned newest first: one cheap first-event probe establishes
// each file's time range, and only candidate files are replayed.
type Locator struct {
	lister FileLister
	opener StreamOpener
	logger *logrus.Logger

	probeTimeout  time.Duration
	replayTimeout time.Duration
	now           func() time.Time
}

func New(lister FileLister, opener StreamOpener, logger *logrus.Logger) *Locator {
	return &Locator{
		lister:        lister,
		opener:        opener,
		logger:        logger,
		probeTimeout:  defaultProbeTimeout,
		replayTimeout: defaultReplayTimeout,
		now:           time.Now,
	}
}

// Locate resolves the window to coordinates. It terminates at the newest
// file satisfying every requested side in one pass; a file holding only part
// of the window is discarded and the search continues with older files.
func (l *Locator) Locate(ctx context.Context, window models.TimeWindow) (*models.LocateResult, error) {
	if err := window.Validate(); err != nil {
		return nil, err
	}

	files, err := l.lister.ListFiles(ctx)
	if err != nil {
		return nil, err
	}
	if len(files) == 0 {
		return nil, fmt.Errorf("no binary log files available")
	}

	// Reverse lexical order matches chronological order under the standard
	// binlog naming scheme, so this walks newest to oldest.
	sort.Slice(files, func(i, j int) bool { return files[i].Name > files[j].Name })
	l.logger.Infof("Found %d binlog files, locating position by sequential search", len(files))

	var newer *models.FileTimeRange
	for _, file := range files {
		rng, err := l.fileRange(ctx, file.Name, newer)
		if err != nil {
			l.logger.Warnf("Cannot determine time range for %s, skipping: %v", file.Name, err)
			continue
		}
		newer = rng
		l.logger.Infof("File %s spans %s to %s", rng.File,
			rng.Start.Format("2006-01-02 15:04:05"), rng.End.Format("2006-01-02 15:04:05"))

		needStart := window.Start != nil && window.Start.After(rng.Start) && window.Start.Before(rng.End)
		needEnd := window.End != nil && window.End.After(rng.Start) && window.End.Before(rng.End)
		if !needStart && !needEnd {
			continue
		}

		start, end, err := l.replay(ctx, rng, window, needStart, needEnd)
		if err != nil {
			l.logger.Warnf("Replay of %s failed, skipping: %v", rng.File, err)
			continue
		}

		if (window.Start == nil || start != nil) && (window.End == nil || end != nil) {
			return &models.LocateResult{Start: start, End: end}, nil
		}
		// Only part of the window resolved in this file; never report a
		// split result, keep searching older files.
	}

	return nil, ErrNotFound
}

// fileRange probes the timestamp of the file's first timestamped event and
// pairs it with the start time of the next-newer file, or now for the
// newest file.
func (l *Locator) fileRange(ctx context.Context, file string, newer *models.FileTimeRange) (*models.FileTimeRange, error) {
	stream, err := l.opener.Open(mysql.Position{Name: file, Pos: fileStartOffset})
	if err != nil {
		return nil, err
	}
	defer stream.Close()

	probeCtx, cancel := context.WithTimeout(ctx, l.probeTimeout)
	defer cancel()

	for {
		event, err := stream.GetEvent(probeCtx)
		if err != nil {
			return nil, fmt.Errorf("failed to probe first event time: %w", err)
		}
		if event.Header.Timestamp == 0 {
			continue
		}
		start := time.Unix(int64(event.Header.Timestamp), 0)
		end := l.now()
		if newer != nil {
			end = newer.Start
		}
		return &models.FileTimeRange{File: file, Start: start, End: end}, nil
	}
}

// replay walks a candidate file from its start offset. The first event at or
// after the window start yields the start side at that event's coordinate;
// the first event strictly after the window end yields the end side at the
// immediately preceding event's coordinate. Replay halts once every needed
// side is found or the file ends.
func (l *Locator) replay(ctx context.Context, rng *models.FileTimeRange, window models.TimeWindow, needStart, needEnd bool) (*models.PositionResult, *models.PositionResult, error) {
	stream, err := l.opener.Open(mysql.Position{Name: rng.File, Pos: fileStartOffset})
	if err != nil {
		return nil, nil, err
	}
	defer stream.Close()

	var start, end *models.PositionResult
	lastOffset := uint32(fileStartOffset)
	var lastTime time.Time

	for {
		eventCtx, cancel := context.WithTimeout(ctx, l.replayTimeout)
		event, err := stream.GetEvent(eventCtx)
		cancel()
		if err != nil {
			if ctx.Err() != nil {
				return nil, nil, ctx.Err()
			}
			// End of readable events for this file.
			l.logger.Debugf("Replay of %s stopped: %v", rng.File, err)
			break
		}

		if rotate, ok := event.Event.(*replication.RotateEvent); ok {
			if string(rotate.NextLogName) != rng.File {
				break
			}
			continue
		}
		if event.Header.Timestamp == 0 {
			continue
		}

		ts := time.Unix(int64(event.Header.Timestamp), 0)
		offset := binlog.EventOffset(event.Header)

		if needStart && start == nil && !ts.Before(*window.Start) {
			start = &models.PositionResult{
				Coordinate: models.Coordinate{File: rng.File, Offset: offset},
				Timestamp:  ts,
			}
		}
		if needEnd && end == nil && ts.After(*window.End) {
			endTime := lastTime
			if endTime.IsZero() {
				endTime = *window.End
			}
			end = &models.PositionResult{
				Coordinate: models.Coordinate{File: rng.File, Offset: lastOffset},
				Timestamp:  endTime,
			}
		}

		if (!needStart || start != nil) && (!needEnd || end != nil) {
			break
		}

		lastOffset = offset
		lastTime = ts
	}

	return start, end, nil
}
