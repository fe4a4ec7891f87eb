package rollback

import (
	"fmt"
	"strings"
	"time"

	"mysql-rollback/internal/models"
)

// Synthesize turns one row change plus its table metadata into the SQL that
// reverses it. Pure string assembly, no I/O.
func Synthesize(change *models.RowChange, meta *models.TableMetadata) (string, error) {
	switch change.Kind {
	case models.ChangeInsert:
		return deleteForInsert(change.Database, change.Table, meta, change.After), nil
	case models.ChangeDelete:
		return insertForDelete(change.Database, change.Table, meta, change.Before), nil
	case models.ChangeUpdate:
		return updateForUpdate(change.Database, change.Table, meta, change.Before, change.After), nil
	default:
		return "", fmt.Errorf("unknown change kind %q", change.Kind)
	}
}

// deleteForInsert reverses an INSERT with a DELETE. The WHERE clause binds
// the primary-key columns to the inserted values; without a primary key it
// binds every column, which is only correct when the table holds no
// duplicate rows.
func deleteForInsert(database, table string, meta *models.TableMetadata, row []interface{}) string {
	var sql strings.Builder
	fmt.Fprintf(&sql, "DELETE FROM `%s`.`%s` WHERE ", database, table)
	sql.WriteString(strings.Join(whereClauses(meta, row), " AND "))
	return sql.String()
}

// insertForDelete reverses a DELETE with an INSERT reproducing the exact row
// image in column order.
func insertForDelete(database, table string, meta *models.TableMetadata, row []interface{}) string {
	n := len(meta.Columns)
	if len(row) < n {
		n = len(row)
	}
	names := make([]string, 0, n)
	values := make([]string, 0, n)
	for i := 0; i < n; i++ {
		names = append(names, "`"+meta.Columns[i]+"`")
		values = append(values, formatValue(row[i]))
	}

	var sql strings.Builder
	fmt.Fprintf(&sql, "INSERT INTO `%s`.`%s` (", database, table)
	sql.WriteString(strings.Join(names, ", "))
	sql.WriteString(") VALUES (")
	sql.WriteString(strings.Join(values, ", "))
	sql.WriteString(")")
	return sql.String()
}

// updateForUpdate reverses an UPDATE. SET restores each before value, but
// only for columns whose formatted before/after literals differ. The WHERE
// clause identifies the row by its current on-disk image, so primary keys
// (or all columns, without one) bind the after values.
func updateForUpdate(database, table string, meta *models.TableMetadata, before, after []interface{}) string {
	n := len(meta.Columns)
	if len(before) < n {
		n = len(before)
	}
	if len(after) < n {
		n = len(after)
	}

	var setClauses []string
	for i := 0; i < n; i++ {
		oldValue := formatValue(before[i])
		newValue := formatValue(after[i])
		if oldValue != newValue {
			setClauses = append(setClauses, fmt.Sprintf("`%s` = %s", meta.Columns[i], oldValue))
		}
	}

	var sql strings.Builder
	fmt.Fprintf(&sql, "UPDATE `%s`.`%s` SET ", database, table)
	sql.WriteString(strings.Join(setClauses, ", "))
	sql.WriteString(" WHERE ")
	sql.WriteString(strings.Join(whereClauses(meta, after), " AND "))
	return sql.String()
}

// whereClauses builds the row-identity predicate: primary-key columns bound
// to the row's values in declared key order, or every column when the table
// has no primary key. Row images shorter than the column list are truncated
// to the shorter length.
func whereClauses(meta *models.TableMetadata, row []interface{}) []string {
	var clauses []string
	if len(meta.PrimaryKeys) > 0 {
		for _, pk := range meta.PrimaryKeys {
			idx := columnIndex(meta.Columns, pk)
			if idx >= 0 && idx < len(row) {
				clauses = append(clauses, fmt.Sprintf("`%s` = %s", pk, formatValue(row[idx])))
			}
		}
		return clauses
	}
	for i := 0; i < len(meta.Columns) && i < len(row); i++ {
		clauses = append(clauses, fmt.Sprintf("`%s` = %s", meta.Columns[i], formatValue(row[i])))
	}
	return clauses
}

func columnIndex(columns []string, name string) int {
	for i, col := range columns {
		if col == name {
			return i
		}
	}
	return -1
}

// formatValue renders one column value as a SQL literal. NULL for nil, text
// and binary single-quoted with embedded quotes backslash-escaped, booleans
// as 1/0, temporal values quoted in their default textual form, everything
// else in its default textual form.
func formatValue(value interface{}) string {
	switch v := value.(type) {
	case nil:
		return "NULL"
	case string:
		return "'" + strings.ReplaceAll(v, "'", "\\'") + "'"
	case []byte:
		return "'" + strings.ReplaceAll(string(v), "'", "\\'") + "'"
	case bool:
		if v {
			return "1"
		}
		return "0"
	case time.Time:
		return "'" + v.Format("2006-01-02 15:04:05") + "'"
	default:
		return fmt.Sprintf("%v", v)
	}
}
