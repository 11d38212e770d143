package records

import (
	"context"
	"fmt"
	"strings"

	"github.com/bedrockdb/bedrock/internal/config"
	"github.com/bedrockdb/bedrock/internal/schema"
)

// expand inlines foreign-key targets for the requested columns. Only columns
// listed in the API's expand allowlist are eligible; each relation is
// resolved with one batched IN query across the page.
func (s *Service) expand(ctx context.Context, api *config.RecordAPIConfig, tbl *schema.Table, records []map[string]any, columns []string) error {
	if len(records) == 0 {
		return nil
	}
	allowed := make(map[string]bool, len(api.Expand))
	for _, c := range api.Expand {
		allowed[c] = true
	}
	cache := s.cache.Get()

	for _, colName := range columns {
		if !allowed[colName] {
			return fmt.Errorf("%w: column %q is not expandable", ErrBadRequest, colName)
		}
		col := tbl.Column(colName)
		if col == nil || col.FK == nil {
			return fmt.Errorf("%w: column %q has no foreign key", ErrBadRequest, colName)
		}
		if strings.HasPrefix(col.FK.Table, "_") {
			return fmt.Errorf("%w: column %q is not expandable", ErrBadRequest, colName)
		}
		target := cache.Table(col.FK.Table)
		if target == nil {
			continue
		}
		if err := s.expandColumn(ctx, target, records, colName, col.FK.Column); err != nil {
			return err
		}
	}
	return nil
}

func (s *Service) expandColumn(ctx context.Context, target *schema.Table, records []map[string]any, fkCol, targetCol string) error {
	values := collectUniqueValues(records, fkCol)
	if len(values) == 0 {
		return nil
	}

	p := &paramSeq{prefix: "e"}
	placeholders := make([]string, len(values))
	for i, v := range values {
		placeholders[i] = p.add(v)
	}
	query := fmt.Sprintf("SELECT * FROM %s WHERE %s IN (%s)",
		schema.QuoteIdent(target.Name), schema.QuoteIdent(targetCol),
		strings.Join(placeholders, ", "))

	related, err := s.d.Query(ctx, query, p.args...)
	if err != nil {
		return fmt.Errorf("expanding %s: %w", fkCol, err)
	}

	// Index by the normalized target value; records already hold the
	// normalized form of their FK column.
	index := make(map[any]map[string]any, len(related))
	for _, r := range related {
		norm := normalizeRow(target, r)
		index[norm[targetCol]] = norm
	}
	// The FK column is replaced in place with {id, data}; data stays null
	// when the referenced row no longer exists.
	for _, rec := range records {
		fkVal := rec[fkCol]
		if fkVal == nil {
			continue
		}
		embedded := map[string]any{"id": fkVal, "data": nil}
		if hit, ok := index[fkVal]; ok {
			embedded["data"] = hit
		}
		rec[fkCol] = embedded
	}
	return nil
}

// collectUniqueValues gathers distinct non-nil values of one column across
// the page, converted back to their bindable SQL form.
func collectUniqueValues(records []map[string]any, col string) []any {
	seen := make(map[any]bool)
	var values []any
	for _, rec := range records {
		v, ok := rec[col]
		if !ok || v == nil {
			continue
		}
		if !seen[v] {
			seen[v] = true
			values = append(values, denormalizeValue(v))
		}
	}
	return values
}

// denormalizeValue undoes the JSON normalization for binding: URL-safe
// base64 uuid text back to bytes, everything else as-is.
func denormalizeValue(v any) any {
	if s, ok := v.(string); ok {
		if b, err := decodeB64URL(s); err == nil && len(b) == 16 {
			return b
		}
	}
	return v
}
