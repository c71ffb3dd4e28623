package mapper

import (
	"encoding/json"
	"fmt"
	"regexp"
	"sort"
	"strings"
	"time"

	"github.com/Guizzs26/go-sync-hub/internal/common"
)

// identifierPattern accepts unquoted Firebird identifiers (63 chars max).
var identifierPattern = regexp.MustCompile(`^[A-Za-z_][A-Za-z0-9_$]{0,62}$`)

// CheckColumns rejects payload keys that cannot be spliced into SQL as
// column names.
func CheckColumns(data map[string]any) error {
	for k := range data {
		if !identifierPattern.MatchString(k) {
			return fmt.Errorf("column name %q is not a plain identifier: %w", k, common.ErrInvalidInput)
		}
	}
	return nil
}

// SQLBuilder translates entity snapshots into Firebird-compatible SQL
type SQLBuilder struct{}

// NewSQLBuilder initializes a new mapper instance
func NewSQLBuilder() *SQLBuilder {
	return &SQLBuilder{}
}

// BuildUpsert generates an UPDATE OR INSERT ... MATCHING statement (Firebird 2.1+).
// The primary key always comes from pkValue, never from the payload.
func (b *SQLBuilder) BuildUpsert(tableName, pkColumn string, pkValue any, data map[string]any) (string, []any, error) {
	if strings.TrimSpace(pkColumn) == "" {
		return "", nil, fmt.Errorf("no primary key column for table %s", tableName)
	}
	if err := CheckColumns(data); err != nil {
		return "", nil, err
	}

	keys := make([]string, 0, len(data))
	for k := range data {
		if strings.EqualFold(k, pkColumn) {
			continue
		}
		keys = append(keys, k)
	}
	// Sort keys for deterministic SQL generation.
	sort.Strings(keys)

	columns := []string{strings.ToUpper(pkColumn)}
	placeholders := []string{"?"}
	args := []any{b.formatValue(pkValue)}

	for _, k := range keys {
		// Standardizing to Uppercase to prevent case-sensitivity issues in Firebird
		columns = append(columns, strings.ToUpper(k))
		placeholders = append(placeholders, "?")
		args = append(args, b.formatValue(data[k]))
	}

	query := fmt.Sprintf(
		"UPDATE OR INSERT INTO %s (%s) VALUES (%s) MATCHING (%s)",
		strings.ToUpper(tableName),
		strings.Join(columns, ", "),
		strings.Join(placeholders, ", "),
		strings.ToUpper(pkColumn),
	)

	return query, args, nil
}

// BuildDelete generates a DELETE statement based on a primary key
func (b *SQLBuilder) BuildDelete(tableName, pkColumn string, pkValue any) (string, []any, error) {
	if strings.TrimSpace(pkColumn) == "" {
		return "", nil, fmt.Errorf("no primary key column for table %s", tableName)
	}
	query := fmt.Sprintf("DELETE FROM %s WHERE %s = ?", strings.ToUpper(tableName), strings.ToUpper(pkColumn))
	return query, []any{b.formatValue(pkValue)}, nil
}

// formatValue handles type conversion for Firebird 2.5 specificities
func (b *SQLBuilder) formatValue(v any) any {
	switch val := v.(type) {
	case bool:
		if val {
			return 1
		}
		return 0
	case string:
		// 1. Try Full ISO8601/RFC3339 (Timestamp)
		if t, err := time.Parse(time.RFC3339, val); err == nil {
			return t.Format("2006-01-02 15:04:05")
		}
		// 2. Try Simple Date (YYYY-MM-DD)
		if t, err := time.Parse("2006-01-02", val); err == nil {
			return t.Format("2006-01-02")
		}
		return val
	case map[string]any, []any:
		// Firebird 2.5 has no JSON type; nested values land in a text/blob column
		raw, err := json.Marshal(val)
		if err != nil {
			return fmt.Sprint(val)
		}
		return string(raw)
	default:
		return val
	}
}
