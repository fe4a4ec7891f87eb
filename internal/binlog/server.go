package binlog

import (
	"context"
	"database/sql"
	"fmt"
	"strconv"

	"github.com/go-mysql-org/go-mysql/mysql"
	"github.com/sirupsen/logrus"

	"mysql-rollback/internal/models"
)

// Server answers binlog catalog queries over a regular SQL connection:
// which files exist and where the server is currently writing.
type Server struct {
	db     *sql.DB
	logger *logrus.Logger
}

func NewServer(db *sql.DB, logger *logrus.Logger) *Server {
	return &Server{db: db, logger: logger}
}

// ListFiles returns the server's binary log files with sizes, in the order
// the server reports them.
func (s *Server) ListFiles(ctx context.Context) ([]models.BinlogFile, error) {
	rows, err := s.db.QueryContext(ctx, "SHOW BINARY LOGS")
	if err != nil {
		return nil, fmt.Errorf("failed to list binary logs: %w", err)
	}
	defer rows.Close()

	var files []models.BinlogFile
	err = scanLeadingColumns(rows, 2, func(vals []string) error {
		size, err := strconv.ParseUint(vals[1], 10, 64)
		if err != nil {
			return fmt.Errorf("bad file size %q for %s: %w", vals[1], vals[0], err)
		}
		files = append(files, models.BinlogFile{Name: vals[0], Size: size})
		return nil
	})
	if err != nil {
		return nil, err
	}
	return files, nil
}

// CurrentPosition returns the coordinate the server is writing at now.
func (s *Server) CurrentPosition(ctx context.Context) (mysql.Position, error) {
	rows, err := s.db.QueryContext(ctx, "SHOW MASTER STATUS")
	if err != nil {
		return mysql.Position{}, fmt.Errorf("failed to get master status: %w", err)
	}
	defer rows.Close()

	var pos mysql.Position
	found := false
	err = scanLeadingColumns(rows, 2, func(vals []string) error {
		if found {
			return nil
		}
		offset, err := strconv.ParseUint(vals[1], 10, 32)
		if err != nil {
			return fmt.Errorf("bad binlog position %q: %w", vals[1], err)
		}
		pos = mysql.Position{Name: vals[0], Pos: uint32(offset)}
		found = true
		return nil
	})
	if err != nil {
		return mysql.Position{}, err
	}
	if !found {
		return mysql.Position{}, fmt.Errorf("binary logging appears disabled: SHOW MASTER STATUS returned no rows")
	}
	return pos, nil
}

// scanLeadingColumns reads every row, handing the first n columns to fn as
// strings. SHOW BINARY LOGS and SHOW MASTER STATUS grew extra columns across
// server versions; only the leading ones are stable.
func scanLeadingColumns(rows *sql.Rows, n int, fn func(vals []string) error) error {
	cols, err := rows.Columns()
	if err != nil {
		return err
	}
	if len(cols) < n {
		return fmt.Errorf("expected at least %d columns, got %d", n, len(cols))
	}

	raw := make([]sql.RawBytes, len(cols))
	dest := make([]interface{}, len(cols))
	for i := range raw {
		dest[i] = &raw[i]
	}
	for rows.Next() {
		if err := rows.Scan(dest...); err != nil {
			return err
		}
		vals := make([]string, n)
		for i := 0; i < n; i++ {
			vals[i] = string(raw[i])
		}
		if err := fn(vals); err != nil {
			return err
		}
	}
	return rows.Err()
}
