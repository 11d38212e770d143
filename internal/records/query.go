package records

import (
	"database/sql"
	"fmt"
	"strings"

	"github.com/bedrockdb/bedrock/internal/rules"
	"github.com/bedrockdb/bedrock/internal/schema"
)

// rowAlias is the alias list queries give the target table so access rules
// can reference _ROW_.<col> and filters compile against the same qualifier.
const rowAlias = "_ROW_"

// buildInsert renders an INSERT for the given column values. RETURNING *
// hands back the stored row including defaults and generated ids.
//
// Conflict policies compile to upsert clauses: "replace" updates the
// conflicting row in place (columns absent from the insert keep their stored
// values), "ignore" drops the insert. OR REPLACE is deliberately not used;
// its delete-and-reinsert resets unspecified columns and fires FK ON DELETE
// actions.
func buildInsert(tbl *schema.Table, fields []string, values map[string]any, conflict string) (string, []any) {
	cols := make([]string, len(fields))
	placeholders := make([]string, len(fields))
	args := make([]any, len(fields))
	for i, f := range fields {
		cols[i] = schema.QuoteIdent(f)
		name := fmt.Sprintf("i%d", i)
		placeholders[i] = ":" + name
		args[i] = sql.Named(name, values[f])
	}

	var upsert string
	switch conflict {
	case "replace":
		sets := make([]string, 0, len(fields))
		for _, f := range fields {
			if f == tbl.RecordPK {
				continue
			}
			sets = append(sets, fmt.Sprintf("%s = excluded.%s", schema.QuoteIdent(f), schema.QuoteIdent(f)))
		}
		if len(sets) == 0 {
			upsert = " ON CONFLICT DO NOTHING"
		} else {
			upsert = " ON CONFLICT DO UPDATE SET " + strings.Join(sets, ", ")
		}
	case "ignore":
		upsert = " ON CONFLICT DO NOTHING"
	}

	query := fmt.Sprintf("INSERT INTO %s (%s) VALUES (%s)%s RETURNING *",
		schema.QuoteIdent(tbl.Name),
		strings.Join(cols, ", "), strings.Join(placeholders, ", "), upsert)
	return query, args
}

// buildUpdate renders a partial UPDATE by primary key.
func buildUpdate(tbl *schema.Table, fields []string, values map[string]any, pkValue any) (string, []any) {
	sets := make([]string, len(fields))
	args := make([]any, 0, len(fields)+1)
	for i, f := range fields {
		name := fmt.Sprintf("u%d", i)
		sets[i] = fmt.Sprintf("%s = :%s", schema.QuoteIdent(f), name)
		args = append(args, sql.Named(name, values[f]))
	}
	args = append(args, sql.Named("pk", pkValue))

	query := fmt.Sprintf("UPDATE %s SET %s WHERE %s = :pk RETURNING *",
		schema.QuoteIdent(tbl.Name), strings.Join(sets, ", "), schema.QuoteIdent(tbl.RecordPK))
	return query, args
}

// buildDelete renders a DELETE by primary key, returning the removed row so
// file columns can be enqueued for deferred deletion.
func buildDelete(tbl *schema.Table, pkValue any) (string, []any) {
	query := fmt.Sprintf("DELETE FROM %s WHERE %s = :pk RETURNING *",
		schema.QuoteIdent(tbl.Name), schema.QuoteIdent(tbl.RecordPK))
	return query, []any{sql.Named("pk", pkValue)}
}

// buildSelect renders a single-record read by primary key.
func buildSelect(tbl *schema.Table, pkValue any) (string, []any) {
	query := fmt.Sprintf("SELECT * FROM %s WHERE %s = :pk",
		schema.QuoteIdent(tbl.Name), schema.QuoteIdent(tbl.RecordPK))
	return query, []any{sql.Named("pk", pkValue)}
}

// listSQL is a compiled list request: the page query plus the matching COUNT
// query sharing the same WHERE clause and arguments.
type listSQL struct {
	Query      string
	CountQuery string
	Args       []any

	// Limit is the effective page size; the page query fetches one extra row
	// to detect whether a next page exists.
	Limit int
}

// buildList merges the read access rule, the parsed filters and the cursor
// into one query. The target is aliased _ROW_ so the rule's row references
// resolve against each candidate row, which is how per-row filtering stays
// inside a single scan instead of a per-row check.
func buildList(tbl *schema.Table, lq *ListQuery, rule string, ec *rules.EvalContext, hardLimit int) (*listSQL, error) {
	p := &paramSeq{prefix: "f"}
	fromItems := []string{fmt.Sprintf("%s AS %s", schema.QuoteIdent(tbl.Name), rowAlias)}
	var where []string

	if rule != "" {
		ctxItems, ruleWhere, ruleArgs := rules.ListClause(rule, ec)
		fromItems = append(fromItems, ctxItems...)
		where = append(where, ruleWhere)
		p.args = append(p.args, ruleArgs...)
	}

	if lq.Filter != nil {
		cond, err := lq.Filter.compile(tbl, rowAlias, p)
		if err != nil {
			return nil, err
		}
		where = append(where, cond)
	}

	order, err := buildOrder(tbl, lq.Order)
	if err != nil {
		return nil, err
	}

	if lq.Cursor != "" {
		if len(lq.Order) > 0 {
			return nil, fmt.Errorf("cursor pagination requires the default ordering")
		}
		if tbl.RecordPK == "" {
			return nil, fmt.Errorf("cursor pagination requires a record primary key")
		}
		cv, err := decodeCursor(tbl, lq.Cursor)
		if err != nil {
			return nil, err
		}
		where = append(where, fmt.Sprintf("%s.%s < %s", rowAlias, schema.QuoteIdent(tbl.RecordPK), p.add(cv)))
	}

	limit := lq.Limit
	if hardLimit > 0 && limit > hardLimit {
		return nil, fmt.Errorf("limit %d exceeds the maximum of %d", limit, hardLimit)
	}

	base := "FROM " + strings.Join(fromItems, ", ")
	if len(where) > 0 {
		base += " WHERE " + strings.Join(where, " AND ")
	}

	query := fmt.Sprintf("SELECT %s.* %s%s LIMIT %d", rowAlias, base, order, limit+1)
	if lq.Offset > 0 {
		query += fmt.Sprintf(" OFFSET %d", lq.Offset)
	}
	return &listSQL{
		Query:      query,
		CountQuery: "SELECT COUNT(*) AS total " + base,
		Args:       p.args,
		Limit:      limit,
	}, nil
}

// buildOrder validates order columns and renders the ORDER BY clause. The
// default is newest-first by the record PK.
func buildOrder(tbl *schema.Table, terms []orderTerm) (string, error) {
	if len(terms) == 0 {
		if tbl.RecordPK == "" {
			return "", nil
		}
		return fmt.Sprintf(" ORDER BY %s.%s DESC", rowAlias, schema.QuoteIdent(tbl.RecordPK)), nil
	}
	parts := make([]string, len(terms))
	for i, t := range terms {
		if strings.HasPrefix(t.Column, "_") || tbl.Column(t.Column) == nil {
			return "", fmt.Errorf("unknown order column %q", t.Column)
		}
		dir := " ASC"
		if t.Desc {
			dir = " DESC"
		}
		parts[i] = rowAlias + "." + schema.QuoteIdent(t.Column) + dir
	}
	return " ORDER BY " + strings.Join(parts, ", "), nil
}
