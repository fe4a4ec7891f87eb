package sink

import (
	"fmt"
	"os"
	"time"

	"github.com/sirupsen/logrus"

	"mysql-rollback/internal/models"
)

// Sink receives one terminated compensating statement per call.
type Sink interface {
	Emit(stmt *models.Statement) error
	Close() error
}

// FileSink appends statements to a rollback script file, one per line,
// flushed as they arrive so a partial run still leaves a usable script.
type FileSink struct {
	file *os.File
}

// NewFileSink creates the script file and writes its header block.
// binlogFile names the fixed source file when the run starts at an explicit
// coordinate; empty means live-capture from the server's current position.
func NewFileSink(path, binlogFile string) (*FileSink, error) {
	f, err := os.Create(path)
	if err != nil {
		return nil, fmt.Errorf("failed to create output file: %w", err)
	}

	fmt.Fprintln(f, "-- rollback SQL script")
	fmt.Fprintf(f, "-- generated: %s\n", time.Now().Format("2006-01-02 15:04:05"))
	if binlogFile != "" {
		fmt.Fprintf(f, "-- binlog file: %s\n", binlogFile)
	} else {
		fmt.Fprintln(f, "-- live capture mode")
	}
	fmt.Fprintln(f)

	return &FileSink{file: f}, nil
}

// WriteStartPosition records the server-resolved start coordinate in the
// header area, for runs that began at "current position".
func (s *FileSink) WriteStartPosition(file string, offset uint32) error {
	if _, err := fmt.Fprintf(s.file, "-- actual binlog file: %s\n-- start position: %d\n\n", file, offset); err != nil {
		return fmt.Errorf("failed to write start position: %w", err)
	}
	return s.file.Sync()
}

func (s *FileSink) Emit(stmt *models.Statement) error {
	if _, err := fmt.Fprintln(s.file, stmt.SQL); err != nil {
		return fmt.Errorf("failed to write statement: %w", err)
	}
	return s.file.Sync()
}

func (s *FileSink) Close() error {
	return s.file.Close()
}

// LogSink mirrors every statement to the console log.
type LogSink struct {
	logger *logrus.Logger
}

func NewLogSink(logger *logrus.Logger) *LogSink {
	return &LogSink{logger: logger}
}

func (s *LogSink) Emit(stmt *models.Statement) error {
	s.logger.Infof("Rollback SQL (%s): %s", stmt.Kind, stmt.SQL)
	return nil
}

func (s *LogSink) Close() error { return nil }

// MultiSink fans each statement out to every sink, in order. The first
// emit error stops the run.
type MultiSink []Sink

func (m MultiSink) Emit(stmt *models.Statement) error {
	for _, s := range m {
		if err := s.Emit(stmt); err != nil {
			return err
		}
	}
	return nil
}

func (m MultiSink) Close() error {
	var first error
	for _, s := range m {
		if err := s.Close(); err != nil && first == nil {
			first = err
		}
	}
	return first
}
