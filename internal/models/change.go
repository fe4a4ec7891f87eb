package models

import (
	"errors"
	"fmt"
	"time"
)

// ChangeKind identifies the row operation captured by a binlog event.
type ChangeKind string

const (
	ChangeInsert ChangeKind = "INSERT"
	ChangeUpdate ChangeKind = "UPDATE"
	ChangeDelete ChangeKind = "DELETE"
)

// Coordinate addresses a unique point in the binlog: file name plus byte offset.
type Coordinate struct {
	File   string `json:"file"`
	Offset uint32 `json:"offset"`
}

func (c Coordinate) String() string {
	return fmt.Sprintf("%s:%d", c.File, c.Offset)
}

// RowChange is one decoded row-level change. Row images are positional:
// values appear in the table's column order, which SQL synthesis depends on.
// Insert carries After, Delete carries Before, Update carries both.
type RowChange struct {
	Kind       ChangeKind
	Database   string
	Table      string
	Coordinate Coordinate
	Timestamp  time.Time
	Before     []interface{}
	After      []interface{}
}

// Statement is one compensating SQL statement plus the coordinate of the
// change it reverses. SQL is terminated.
type Statement struct {
	Kind       ChangeKind
	SQL        string
	Coordinate Coordinate
	Timestamp  time.Time
}

// TableMetadata holds a table's column order and primary-key columns as the
// server reports them. PrimaryKeys may be empty; that changes WHERE-clause
// construction downstream but is not an error.
type TableMetadata struct {
	Columns     []string
	PrimaryKeys []string
}

// TimeWindow bounds a position lookup. At least one side must be set.
type TimeWindow struct {
	Start *time.Time
	End   *time.Time
}

// ErrEmptyWindow is returned when neither window bound is set.
var ErrEmptyWindow = errors.New("time window requires a start time or an end time")

func (w TimeWindow) Validate() error {
	if w.Start == nil && w.End == nil {
		return ErrEmptyWindow
	}
	return nil
}

// BinlogFile is one entry from the server's binary log listing.
type BinlogFile struct {
	Name string
	Size uint64
}

// FileTimeRange is a binlog file's time span: the timestamp of its first
// event through the first-event timestamp of the next-newer file (or now
// for the newest file).
type FileTimeRange struct {
	File  string
	Start time.Time
	End   time.Time
}

// PositionResult is one resolved side of a located time window.
type PositionResult struct {
	Coordinate Coordinate
	Timestamp  time.Time
}

// LocateResult holds the resolved window sides. A side the caller did not
// request is nil.
type LocateResult struct {
	Start *PositionResult
	End   *PositionResult
}
