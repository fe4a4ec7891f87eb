package rollback

import (
	"context"
	"errors"
	"time"

	"github.com/go-mysql-org/go-mysql/replication"
	"github.com/sirupsen/logrus"

	"mysql-rollback/internal/binlog"
	"mysql-rollback/internal/models"
)

// EventReader yields decoded binlog events in log order.
type EventReader interface {
	ReadEvent(ctx context.Context) (*replication.BinlogEvent, error)
}

// MetadataResolver supplies a table's column order and primary keys.
type MetadataResolver interface {
	Resolve(ctx context.Context, database, table string) (*models.TableMetadata, error)
}

// StatementSink receives one terminated compensating statement per call.
type StatementSink interface {
	Emit(stmt *models.Statement) error
}

// Options configures a Processor. Empty Databases/Tables mean no restriction
// on that dimension; non-empty sets require an exact match, and a table is
// processed only when both dimensions pass.
type Options struct {
	Reader    EventReader
	Catalog   MetadataResolver
	Sink      StatementSink
	Filter    *RowFilter
	Databases []string
	Tables    []string
	StartFile string
	Logger    *logrus.Logger
}

// Processor walks the binlog stream and emits one compensating statement per
// row change, in stream order, to its sink. It runs until the context is
// cancelled or the stream breaks; a broken stream is fatal, with no
// automatic reconnect.
type Processor struct {
	reader    EventReader
	catalog   MetadataResolver
	sink      StatementSink
	filter    *RowFilter
	databases map[string]struct{}
	tables    map[string]struct{}
	logger    *logrus.Logger

	// The binlog format guarantees a table-map event immediately precedes
	// its row events, so a single live context suffices. It is replaced
	// only by the next table-map event.
	current *tableContext
	file    string
}

type tableContext struct {
	tableID  uint64
	database string
	table    string
	meta     *models.TableMetadata // nil when filtered out or resolution failed
}

func NewProcessor(opts Options) *Processor {
	return &Processor{
		reader:    opts.Reader,
		catalog:   opts.Catalog,
		sink:      opts.Sink,
		filter:    opts.Filter,
		databases: toSet(opts.Databases),
		tables:    toSet(opts.Tables),
		logger:    opts.Logger,
		file:      opts.StartFile,
	}
}

func toSet(names []string) map[string]struct{} {
	set := make(map[string]struct{}, len(names))
	for _, name := range names {
		if name != "" {
			set[name] = struct{}{}
		}
	}
	return set
}

func matches(set map[string]struct{}, name string) bool {
	if len(set) == 0 {
		return true
	}
	_, ok := set[name]
	return ok
}

// Run consumes the stream until cancellation or stream failure.
func (p *Processor) Run(ctx context.Context) error {
	p.logger.Info("Starting rollback stream processor...")

	for {
		select {
		case <-ctx.Done():
			p.logger.Info("Context cancelled, stopping rollback processor")
			return nil
		default:
			event, err := p.reader.ReadEvent(ctx)
			if err != nil {
				if errors.Is(err, context.DeadlineExceeded) {
					// Idle stream, keep waiting.
					continue
				}
				if errors.Is(err, context.Canceled) {
					p.logger.Info("Context cancelled, stopping rollback processor")
					return nil
				}
				return err
			}
			if err := p.handleEvent(ctx, event); err != nil {
				return err
			}
		}
	}
}

func (p *Processor) handleEvent(ctx context.Context, event *replication.BinlogEvent) error {
	switch e := event.Event.(type) {
	case *replication.RotateEvent:
		p.file = string(e.NextLogName)
		p.logger.Infof("Binlog rotated to: %s", p.file)

	case *replication.TableMapEvent:
		p.handleTableMap(ctx, e)

	case *replication.RowsEvent:
		kind, ok := changeKind(event.Header.EventType)
		if !ok {
			p.logger.Debugf("Unhandled row event type: %d", event.Header.EventType)
			return nil
		}
		return p.handleRows(event.Header, e, kind)

	case *replication.QueryEvent:
		p.logger.Debugf("Query event: %s", string(e.Query))

	case *replication.XIDEvent:
		p.logger.Debugf("XID event: %d", e.XID)

	default:
		p.logger.Debugf("Unhandled event type: %T", e)
	}
	return nil
}

func (p *Processor) handleTableMap(ctx context.Context, e *replication.TableMapEvent) {
	database := string(e.Schema)
	table := string(e.Table)
	tc := &tableContext{tableID: e.TableID, database: database, table: table}
	p.current = tc

	process := matches(p.databases, database) && matches(p.tables, table)
	p.logger.Debugf("Table filter check: %s.%s -> %v", database, table, process)
	if !process {
		return
	}

	meta, err := p.catalog.Resolve(ctx, database, table)
	if err != nil {
		// Fatal only to this table: its row events are dropped until the
		// next table-map event for it resolves.
		p.logger.Errorf("Failed to load table metadata for %s.%s: %v", database, table, err)
		return
	}
	tc.meta = meta
}

func (p *Processor) handleRows(header *replication.EventHeader, e *replication.RowsEvent, kind models.ChangeKind) error {
	tc := p.current
	if tc == nil {
		return nil
	}
	if tc.tableID != e.TableID {
		// The format guarantees row events follow their table map; a
		// mismatch means the stream violated that invariant.
		p.logger.Warnf("Row event table ID %d does not match live table context %d (%s.%s), dropping",
			e.TableID, tc.tableID, tc.database, tc.table)
		return nil
	}
	if tc.meta == nil {
		// Filtered out, or metadata resolution failed earlier.
		return nil
	}

	coord := models.Coordinate{File: p.file, Offset: binlog.EventOffset(header)}
	ts := time.Unix(int64(header.Timestamp), 0)

	for _, change := range splitRows(e.Rows, kind) {
		change.Database = tc.database
		change.Table = tc.table
		change.Coordinate = coord
		change.Timestamp = ts

		if p.filter != nil {
			keep, err := p.filter.Allow(&change, tc.meta)
			if err != nil {
				p.logger.Errorf("Filter script failed for %s.%s, dropping row: %v", tc.database, tc.table, err)
				continue
			}
			if !keep {
				p.logger.Debugf("Row change rejected by filter script: %s.%s (%s)", tc.database, tc.table, kind)
				continue
			}
		}

		sql, err := Synthesize(&change, tc.meta)
		if err != nil {
			p.logger.Errorf("Failed to synthesize statement for %s.%s: %v", tc.database, tc.table, err)
			continue
		}

		stmt := &models.Statement{
			Kind:       kind,
			SQL:        sql + ";",
			Coordinate: coord,
			Timestamp:  ts,
		}
		if err := p.sink.Emit(stmt); err != nil {
			return err
		}
	}
	return nil
}

// splitRows turns the event's raw row list into individual changes, keeping
// the event's internal order. Update events interleave before/after pairs.
func splitRows(rows [][]interface{}, kind models.ChangeKind) []models.RowChange {
	var changes []models.RowChange
	switch kind {
	case models.ChangeUpdate:
		for i := 0; i+1 < len(rows); i += 2 {
			changes = append(changes, models.RowChange{
				Kind:   kind,
				Before: rows[i],
				After:  rows[i+1],
			})
		}
	case models.ChangeInsert:
		for _, row := range rows {
			changes = append(changes, models.RowChange{Kind: kind, After: row})
		}
	case models.ChangeDelete:
		for _, row := range rows {
			changes = append(changes, models.RowChange{Kind: kind, Before: row})
		}
	}
	return changes
}

func changeKind(eventType replication.EventType) (models.ChangeKind, bool) {
	switch eventType {
	case replication.WRITE_ROWS_EVENTv0, replication.WRITE_ROWS_EVENTv1, replication.WRITE_ROWS_EVENTv2:
		return models.ChangeInsert, true
	case replication.UPDATE_ROWS_EVENTv0, replication.UPDATE_ROWS_EVENTv1, replication.UPDATE_ROWS_EVENTv2:
		return models.ChangeUpdate, true
	case replication.DELETE_ROWS_EVENTv0, replication.DELETE_ROWS_EVENTv1, replication.DELETE_ROWS_EVENTv2:
		return models.ChangeDelete, true
	default:
		return "", false
	}
}
