package rollback

import (
	"strconv"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"mysql-rollback/internal/models"
)

func usersMeta() *models.TableMetadata {
	return &models.TableMetadata{
		Columns:     []string{"id", "name", "email", "active"},
		PrimaryKeys: []string{"id"},
	}
}

func TestSynthesizeInsertBecomesDelete(t *testing.T) {
	change := &models.RowChange{
		Kind:     models.ChangeInsert,
		Database: "mydb",
		Table:    "users",
		After:    []interface{}{int64(7), "alice", "alice@example.com", int64(1)},
	}

	sql, err := Synthesize(change, usersMeta())
	require.NoError(t, err)
	assert.Equal(t, "DELETE FROM `mydb`.`users` WHERE `id` = 7", sql)
}

func TestSynthesizeInsertWithoutPrimaryKeyMatchesFullRow(t *testing.T) {
	meta := &models.TableMetadata{Columns: []string{"a", "b"}}
	change := &models.RowChange{
		Kind:     models.ChangeInsert,
		Database: "mydb",
		Table:    "t",
		After:    []interface{}{int64(1), "x"},
	}

	sql, err := Synthesize(change, meta)
	require.NoError(t, err)
	assert.Equal(t, "DELETE FROM `mydb`.`t` WHERE `a` = 1 AND `b` = 'x'", sql)
}

func TestSynthesizeDeleteBecomesInsert(t *testing.T) {
	change := &models.RowChange{
		Kind:     models.ChangeDelete,
		Database: "mydb",
		Table:    "users",
		Before:   []interface{}{int64(7), "alice", nil, int64(1)},
	}

	sql, err := Synthesize(change, usersMeta())
	require.NoError(t, err)
	assert.Equal(t,
		"INSERT INTO `mydb`.`users` (`id`, `name`, `email`, `active`) VALUES (7, 'alice', NULL, 1)",
		sql)
}

func TestSynthesizeUpdateRestoresBeforeValues(t *testing.T) {
	change := &models.RowChange{
		Kind:     models.ChangeUpdate,
		Database: "mydb",
		Table:    "users",
		Before:   []interface{}{int64(7), "alice", "old@example.com", int64(1)},
		After:    []interface{}{int64(7), "alice", "new@example.com", int64(0)},
	}

	sql, err := Synthesize(change, usersMeta())
	require.NoError(t, err)
	// SET names only the columns whose formatted values changed; WHERE
	// identifies the row by its current (after) primary-key value.
	assert.Equal(t,
		"UPDATE `mydb`.`users` SET `email` = 'old@example.com', `active` = 1 WHERE `id` = 7",
		sql)
}

func TestSynthesizeUpdateWithoutPrimaryKeyUsesAfterImage(t *testing.T) {
	meta := &models.TableMetadata{Columns: []string{"a", "b"}}
	change := &models.RowChange{
		Kind:     models.ChangeUpdate,
		Database: "mydb",
		Table:    "t",
		Before:   []interface{}{int64(1), "old"},
		After:    []interface{}{int64(1), "new"},
	}

	sql, err := Synthesize(change, meta)
	require.NoError(t, err)
	assert.Equal(t, "UPDATE `mydb`.`t` SET `b` = 'old' WHERE `a` = 1 AND `b` = 'new'", sql)
}

func TestSynthesizeCompositePrimaryKeyOrder(t *testing.T) {
	meta := &models.TableMetadata{
		Columns:     []string{"tenant", "name", "id"},
		PrimaryKeys: []string{"tenant", "id"},
	}
	change := &models.RowChange{
		Kind:     models.ChangeInsert,
		Database: "mydb",
		Table:    "t",
		After:    []interface{}{"acme", "x", int64(3)},
	}

	sql, err := Synthesize(change, meta)
	require.NoError(t, err)
	assert.Equal(t, "DELETE FROM `mydb`.`t` WHERE `tenant` = 'acme' AND `id` = 3", sql)
}

func TestSynthesizeTruncatesShortRowImage(t *testing.T) {
	meta := &models.TableMetadata{Columns: []string{"a", "b", "c"}}
	change := &models.RowChange{
		Kind:     models.ChangeDelete,
		Database: "mydb",
		Table:    "t",
		Before:   []interface{}{int64(1), "x"},
	}

	sql, err := Synthesize(change, meta)
	require.NoError(t, err)
	assert.Equal(t, "INSERT INTO `mydb`.`t` (`a`, `b`) VALUES (1, 'x')", sql)
}

func TestSynthesizeUnknownKind(t *testing.T) {
	_, err := Synthesize(&models.RowChange{Kind: "TRUNCATE"}, usersMeta())
	assert.Error(t, err)
}

func TestFormatValue(t *testing.T) {
	tests := []struct {
		name     string
		value    interface{}
		expected string
	}{
		{"nil", nil, "NULL"},
		{"string", "hello", "'hello'"},
		{"string with quote", "it's", "'it\\'s'"},
		{"bytes", []byte("raw"), "'raw'"},
		{"bytes with quote", []byte("a'b"), "'a\\'b'"},
		{"bool true", true, "1"},
		{"bool false", false, "0"},
		{"time", time.Date(2026, 8, 29, 10, 15, 0, 0, time.UTC), "'2026-08-29 10:15:00'"},
		{"int64", int64(-42), "-42"},
		{"uint64", uint64(42), "42"},
		{"float", 3.5, "3.5"},
	}

	for _, test := range tests {
		t.Run(test.name, func(t *testing.T) {
			assert.Equal(t, test.expected, formatValue(test.value))
			// Deterministic: formatting twice yields the same literal.
			assert.Equal(t, formatValue(test.value), formatValue(test.value))
		})
	}
}

// unquoteLiteral reverses the text/binary quoting: strips the enclosing
// single quotes and unescapes embedded ones.
func unquoteLiteral(t *testing.T, literal string) string {
	t.Helper()
	require.True(t, strings.HasPrefix(literal, "'"), "literal %q not quoted", literal)
	require.True(t, strings.HasSuffix(literal, "'"), "literal %q not quoted", literal)
	return strings.ReplaceAll(literal[1:len(literal)-1], "\\'", "'")
}

func TestFormatValueRoundTrip(t *testing.T) {
	t.Run("nil", func(t *testing.T) {
		assert.Equal(t, "NULL", formatValue(nil))
	})

	t.Run("string", func(t *testing.T) {
		for _, s := range []string{"hello", "it's", "a'b'c", ""} {
			assert.Equal(t, s, unquoteLiteral(t, formatValue(s)))
		}
	})

	t.Run("bytes", func(t *testing.T) {
		for _, b := range [][]byte{[]byte("raw"), []byte("a'b")} {
			assert.Equal(t, string(b), unquoteLiteral(t, formatValue(b)))
		}
	})

	t.Run("bool", func(t *testing.T) {
		for _, v := range []bool{true, false} {
			parsed, err := strconv.ParseBool(formatValue(v))
			require.NoError(t, err)
			assert.Equal(t, v, parsed)
		}
	})

	t.Run("time", func(t *testing.T) {
		v := time.Date(2026, 8, 29, 10, 15, 0, 0, time.UTC)
		parsed, err := time.Parse("2006-01-02 15:04:05", unquoteLiteral(t, formatValue(v)))
		require.NoError(t, err)
		assert.True(t, v.Equal(parsed))
	})

	t.Run("int64", func(t *testing.T) {
		for _, v := range []int64{-42, 0, 1<<62 + 1} {
			parsed, err := strconv.ParseInt(formatValue(v), 10, 64)
			require.NoError(t, err)
			assert.Equal(t, v, parsed)
		}
	})

	t.Run("uint64", func(t *testing.T) {
		v := uint64(1<<63 + 7)
		parsed, err := strconv.ParseUint(formatValue(v), 10, 64)
		require.NoError(t, err)
		assert.Equal(t, v, parsed)
	})

	t.Run("float64", func(t *testing.T) {
		for _, v := range []float64{3.5, -0.25} {
			parsed, err := strconv.ParseFloat(formatValue(v), 64)
			require.NoError(t, err)
			assert.Equal(t, v, parsed)
		}
	})
}
