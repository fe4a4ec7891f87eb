package rollback

import (
	"encoding/json"
	"fmt"
	"os"

	"github.com/dop251/goja"
	"github.com/sirupsen/logrus"

	"mysql-rollback/internal/models"
)

// RowFilter runs an operator-supplied JavaScript predicate over each row
// change before a compensating statement is synthesized. The script exports
// a function, anonymous or named 'filter', receiving
// {kind, database, table, before, after} with name-keyed row images; a falsy
// return drops the row change.
type RowFilter struct {
	script string
	logger *logrus.Logger
}

// NewRowFilter loads and validates the script at path.
func NewRowFilter(path string, logger *logrus.Logger) (*RowFilter, error) {
	content, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read filter script file: %w", err)
	}

	f := &RowFilter{script: string(content), logger: logger}
	if _, err := f.callable(goja.New()); err != nil {
		return nil, fmt.Errorf("invalid filter script: %w", err)
	}

	logger.Infof("Loaded row filter script: %s", path)
	return f, nil
}

// callable executes the script and resolves the exported function: either
// the script's own result or a named 'filter' function.
func (f *RowFilter) callable(vm *goja.Runtime) (goja.Callable, error) {
	result, err := vm.RunString(f.script)
	if err != nil {
		return nil, fmt.Errorf("failed to execute script: %w", err)
	}

	if result != nil && !goja.IsUndefined(result) && !goja.IsNull(result) {
		if fn, ok := goja.AssertFunction(result); ok {
			return fn, nil
		}
	}

	filterVar := vm.Get("filter")
	if filterVar != nil && !goja.IsUndefined(filterVar) && !goja.IsNull(filterVar) {
		if fn, ok := goja.AssertFunction(filterVar); ok {
			return fn, nil
		}
	}

	return nil, fmt.Errorf("script must export a function (either anonymous function or named 'filter' function)")
}

// Allow reports whether the row change should be compensated.
func (f *RowFilter) Allow(change *models.RowChange, meta *models.TableMetadata) (bool, error) {
	payload := map[string]interface{}{
		"kind":     string(change.Kind),
		"database": change.Database,
		"table":    change.Table,
		"before":   rowToMap(meta.Columns, change.Before),
		"after":    rowToMap(meta.Columns, change.After),
	}
	payloadJSON, err := json.Marshal(payload)
	if err != nil {
		return false, fmt.Errorf("failed to marshal row change: %w", err)
	}

	// goja.Runtime is not thread-safe; a fresh runtime per call keeps the
	// script free of cross-event state.
	vm := goja.New()
	fn, err := f.callable(vm)
	if err != nil {
		return false, err
	}

	if err := vm.Set("changeJSON", string(payloadJSON)); err != nil {
		return false, fmt.Errorf("failed to set change JSON: %w", err)
	}
	changeObj, err := vm.RunString("JSON.parse(changeJSON)")
	if err != nil {
		return false, fmt.Errorf("failed to parse change JSON: %w", err)
	}

	result, err := fn(goja.Undefined(), changeObj)
	if err != nil {
		return false, fmt.Errorf("filter function error: %w", err)
	}

	if result == nil || goja.IsUndefined(result) || goja.IsNull(result) {
		return false, nil
	}
	return result.ToBoolean(), nil
}

func rowToMap(columns []string, row []interface{}) map[string]interface{} {
	if row == nil {
		return nil
	}
	m := make(map[string]interface{})
	for i := 0; i < len(row) && i < len(columns); i++ {
		v := row[i]
		if b, ok := v.([]byte); ok {
			v = string(b)
		}
		m[columns[i]] = v
	}
	return m
}
