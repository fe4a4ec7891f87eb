package catalog

import (
	"context"
	"database/sql"
	"fmt"

	"github.com/sirupsen/logrus"

	"mysql-rollback/internal/models"
)

// Catalog resolves and caches table metadata (column order plus primary-key
// columns) from the server. The cache lives for the run and is never
// invalidated, so a DDL change mid-stream yields stale metadata.
type Catalog struct {
	db     *sql.DB
	logger *logrus.Logger
	cache  map[string]*models.TableMetadata
}

// New creates a catalog backed by the given connection.
func New(db *sql.DB, logger *logrus.Logger) *Catalog {
	return &Catalog{
		db:     db,
		logger: logger,
		cache:  make(map[string]*models.TableMetadata),
	}
}

// Resolve returns the metadata for database.table, loading it on first use.
// Column order follows SHOW COLUMNS. Primary keys come from the per-column
// Key flag; if none is flagged, from information_schema.KEY_COLUMN_USAGE in
// ordinal order; if that also yields nothing, from SHOW INDEX. An empty
// primary-key set after all three attempts is a valid result.
func (c *Catalog) Resolve(ctx context.Context, database, table string) (*models.TableMetadata, error) {
	key := fmt.Sprintf("%s.%s", database, table)
	if meta, ok := c.cache[key]; ok {
		return meta, nil
	}

	columns, primaryKeys, err := c.showColumns(ctx, database, table)
	if err != nil {
		return nil, fmt.Errorf("failed to load columns for %s: %w", key, err)
	}

	if len(primaryKeys) == 0 {
		primaryKeys, err = c.keyColumnUsage(ctx, database, table)
		if err != nil {
			c.logger.Warnf("Primary key lookup via information_schema failed for %s, trying SHOW INDEX: %v", key, err)
			primaryKeys = nil
		}
		// An empty constraint-catalog result falls through to the index
		// listing, same as an error.
		if len(primaryKeys) == 0 {
			primaryKeys, err = c.showIndex(ctx, database, table)
			if err != nil {
				return nil, fmt.Errorf("failed to load primary key for %s: %w", key, err)
			}
		}
	}

	meta := &models.TableMetadata{Columns: columns, PrimaryKeys: primaryKeys}
	c.cache[key] = meta
	c.logger.Infof("Loaded table metadata: %s, %d columns, primary key: %v", key, len(columns), primaryKeys)
	return meta, nil
}

func (c *Catalog) showColumns(ctx context.Context, database, table string) ([]string, []string, error) {
	query := fmt.Sprintf("SHOW COLUMNS FROM `%s`.`%s`", database, table)
	rows, err := c.db.QueryContext(ctx, query)
	if err != nil {
		return nil, nil, err
	}
	defer rows.Close()

	var columns, primaryKeys []string
	err = scanByName(rows, []string{"Field", "Key"}, func(vals []string) {
		columns = append(columns, vals[0])
		if vals[1] == "PRI" {
			primaryKeys = append(primaryKeys, vals[0])
		}
	})
	if err != nil {
		return nil, nil, err
	}
	if len(columns) == 0 {
		return nil, nil, fmt.Errorf("table %s.%s has no columns", database, table)
	}
	return columns, primaryKeys, nil
}

func (c *Catalog) keyColumnUsage(ctx context.Context, database, table string) ([]string, error) {
	query := `
		SELECT COLUMN_NAME FROM information_schema.KEY_COLUMN_USAGE
		WHERE TABLE_SCHEMA = ? AND TABLE_NAME = ? AND CONSTRAINT_NAME = 'PRIMARY'
		ORDER BY ORDINAL_POSITION
	`
	rows, err := c.db.QueryContext(ctx, query, database, table)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var primaryKeys []string
	for rows.Next() {
		var name string
		if err := rows.Scan(&name); err != nil {
			return nil, err
		}
		primaryKeys = append(primaryKeys, name)
	}
	return primaryKeys, rows.Err()
}

func (c *Catalog) showIndex(ctx context.Context, database, table string) ([]string, error) {
	query := fmt.Sprintf("SHOW INDEX FROM `%s`.`%s` WHERE Key_name = 'PRIMARY'", database, table)
	rows, err := c.db.QueryContext(ctx, query)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var primaryKeys []string
	err = scanByName(rows, []string{"Column_name"}, func(vals []string) {
		primaryKeys = append(primaryKeys, vals[0])
	})
	return primaryKeys, err
}

// scanByName reads every row, extracting the named columns as strings. SHOW
// statements vary their column sets across server versions, so positions are
// resolved from the result header instead of being hard-coded.
func scanByName(rows *sql.Rows, names []string, fn func(vals []string)) error {
	cols, err := rows.Columns()
	if err != nil {
		return err
	}
	indexes := make([]int, len(names))
	for i, name := range names {
		indexes[i] = -1
		for j, col := range cols {
			if col == name {
				indexes[i] = j
				break
			}
		}
		if indexes[i] < 0 {
			return fmt.Errorf("result set has no %q column", name)
		}
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
		vals := make([]string, len(names))
		for i, idx := range indexes {
			vals[i] = string(raw[idx])
		}
		fn(vals)
	}
	return rows.Err()
}
