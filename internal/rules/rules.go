// Package rules evaluates admin-supplied boolean SQL access rules against
// bound request, row, user, and parameter contexts. Rules are trusted SQL
// from the configuration; every request-derived value is bound as a named
// parameter, never interpolated.
package rules

import (
	"context"
	"database/sql"
	"fmt"
	"sort"
	"strings"

	"github.com/bedrockdb/bedrock/internal/db"
	"github.com/bedrockdb/bedrock/internal/schema"
)

// UserContext carries the authenticated user fields exposed as _USER_.
// A nil *UserContext binds NULLs (anonymous request).
type UserContext struct {
	ID       []byte // 16-byte uuid
	Email    string
	Verified bool
	Admin    bool
}

// EvalContext is the bound evaluation environment for one request.
type EvalContext struct {
	Headers string         // JSON object of request headers, exposed as _REQ_.headers
	Body    string         // JSON request body, exposed as _REQ_.body
	Row     map[string]any // row state keyed by column name, exposed as _ROW_.<col>
	User    *UserContext
	Params  map[string]any // query parameters, exposed as _PARAMS_.<name>
}

// contextSelects builds the _REQ_/_USER_/_PARAMS_ FROM items with their bound
// arguments. Shared by point evaluation and list-query merging. Parameter
// names start with a letter; the driver rejects anything else.
func contextSelects(ec *EvalContext) (items []string, args []any) {
	items = append(items,
		`(SELECT :req_headers AS headers, :req_body AS body) AS _REQ_`)
	args = append(args,
		sql.Named("req_headers", nullable(ec.Headers)),
		sql.Named("req_body", nullable(ec.Body)),
	)

	items = append(items,
		`(SELECT :user_id AS id, :user_email AS email, :user_verified AS verified, :user_admin AS admin) AS _USER_`)
	if ec.User != nil {
		args = append(args,
			sql.Named("user_id", ec.User.ID),
			sql.Named("user_email", ec.User.Email),
			sql.Named("user_verified", boolInt(ec.User.Verified)),
			sql.Named("user_admin", boolInt(ec.User.Admin)),
		)
	} else {
		args = append(args,
			sql.Named("user_id", nil),
			sql.Named("user_email", nil),
			sql.Named("user_verified", nil),
			sql.Named("user_admin", nil),
		)
	}

	if len(ec.Params) > 0 {
		names := make([]string, 0, len(ec.Params))
		for n := range ec.Params {
			names = append(names, n)
		}
		sort.Strings(names)
		cols := make([]string, len(names))
		for i, n := range names {
			p := fmt.Sprintf("param%d", i)
			cols[i] = fmt.Sprintf(":%s AS %s", p, schema.QuoteIdent(n))
			args = append(args, sql.Named(p, ec.Params[n]))
		}
		items = append(items, "(SELECT "+strings.Join(cols, ", ")+") AS _PARAMS_")
	}
	return items, args
}

// rowSelect binds the target's full column set as the _ROW_ item. Columns
// absent from ec.Row bind NULL so rules can reference any column.
func rowSelect(tbl *schema.Table, ec *EvalContext) (string, []any) {
	cols := make([]string, len(tbl.Columns))
	args := make([]any, 0, len(tbl.Columns))
	for i, c := range tbl.Columns {
		p := fmt.Sprintf("row%d", i)
		cols[i] = fmt.Sprintf(":%s AS %s", p, schema.QuoteIdent(c.Name))
		args = append(args, sql.Named(p, ec.Row[c.Name]))
	}
	return "(SELECT " + strings.Join(cols, ", ") + ") AS _ROW_", args
}

// Evaluate runs the rule with all contexts bound and returns the boolean
// result. A NULL result is deny. Callers treat evaluation errors as deny.
func Evaluate(ctx context.Context, d *db.DB, rule string, tbl *schema.Table, ec *EvalContext) (bool, error) {
	rowItem, rowArgs := rowSelect(tbl, ec)
	ctxItems, ctxArgs := contextSelects(ec)

	query := "SELECT (" + rule + ") FROM " + strings.Join(append([]string{rowItem}, ctxItems...), ", ")
	args := append(rowArgs, ctxArgs...)

	row, err := d.QueryRow(ctx, query, args...)
	if err != nil {
		return false, fmt.Errorf("evaluating access rule: %w", err)
	}
	if row == nil {
		return false, nil
	}
	for _, v := range row {
		return truthy(v), nil
	}
	return false, nil
}

// ListClause returns the FROM items, WHERE conjunct, and bound args that
// merge the rule into a list query. The caller aliases the target table as
// _ROW_ in its own FROM clause.
func ListClause(rule string, ec *EvalContext) (fromItems []string, where string, args []any) {
	items, args := contextSelects(ec)
	return items, "(" + rule + ")", args
}

// Validate checks rule syntax and column references at configuration time by
// running the evaluation query with every context bound NULL.
func Validate(ctx context.Context, d *db.DB, rule string, tbl *schema.Table) error {
	ec := &EvalContext{Row: map[string]any{}, Params: map[string]any{"q": nil}}
	if _, err := Evaluate(ctx, d, rule, tbl, ec); err != nil {
		return fmt.Errorf("invalid access rule %q: %w", rule, err)
	}
	return nil
}

func truthy(v any) bool {
	switch t := v.(type) {
	case int64:
		return t != 0
	case bool:
		return t
	case float64:
		return t != 0
	}
	return false
}

func boolInt(b bool) int64 {
	if b {
		return 1
	}
	return 0
}

func nullable(s string) any {
	if s == "" {
		return nil
	}
	return s
}
