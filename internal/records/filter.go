package records

import (
	"database/sql"
	"fmt"
	"net/url"
	"sort"
	"strconv"
	"strings"

	"github.com/bedrockdb/bedrock/internal/schema"
)

const (
	defaultListLimit = 50
	maxFilterDepth   = 5
)

// ListQuery is the parsed query string of a list request.
type ListQuery struct {
	Filter *filterNode
	Order  []orderTerm
	Limit  int
	Cursor string
	Offset int
	Count  bool
	Expand []string

	// Params holds the remaining query parameters, exposed to access rules
	// as _PARAMS_.<name>.
	Params map[string]any
}

type orderTerm struct {
	Column string
	Desc   bool
}

// filterNode is one node of the parsed filter tree: either a comparison on a
// column or an and/or group.
type filterNode struct {
	op       string // comparison op, or "$and"/"$or" for groups
	column   string
	value    string
	children []*filterNode
}

var comparisonOps = map[string]string{
	"$eq":    "=",
	"$ne":    "<>",
	"$lt":    "<",
	"$le":    "<=",
	"$gt":    ">",
	"$ge":    ">=",
	"$like":  "LIKE",
	"$ilike": "LIKE",
	"$in":    "IN",
	"$nin":   "NOT IN",
	"$is":    "IS",
}

// ParseListQuery parses the query string of a list request. Unreserved
// parameters become rule parameters rather than errors, so APIs can accept
// client hints their access rules inspect.
func ParseListQuery(values url.Values) (*ListQuery, error) {
	q := &ListQuery{
		Limit:  defaultListLimit,
		Params: make(map[string]any),
	}

	// Deterministic traversal keeps generated SQL stable for tests and query
	// plan caching.
	keys := make([]string, 0, len(values))
	for k := range values {
		keys = append(keys, k)
	}
	sort.Strings(keys)

	filterRoot := &filterNode{op: "$and"}
	for _, key := range keys {
		value := values.Get(key)
		switch {
		case key == "order":
			if err := q.parseOrder(value); err != nil {
				return nil, err
			}
		case key == "limit":
			n, err := strconv.Atoi(value)
			if err != nil || n < 1 {
				return nil, fmt.Errorf("invalid limit %q", value)
			}
			q.Limit = n
		case key == "cursor":
			q.Cursor = value
		case key == "offset":
			n, err := strconv.Atoi(value)
			if err != nil || n < 0 {
				return nil, fmt.Errorf("invalid offset %q", value)
			}
			q.Offset = n
		case key == "count":
			q.Count = value == "true" || value == "1"
		case key == "expand":
			for _, col := range strings.Split(value, ",") {
				if col = strings.TrimSpace(col); col != "" {
					q.Expand = append(q.Expand, col)
				}
			}
		case strings.HasPrefix(key, "filter["):
			path, err := parseBracketPath(key)
			if err != nil {
				return nil, err
			}
			for _, v := range values[key] {
				if err := insertFilter(filterRoot, path[1:], v, 0); err != nil {
					return nil, err
				}
			}
		default:
			q.Params[key] = value
		}
	}
	if len(filterRoot.children) > 0 {
		q.Filter = filterRoot
	}
	return q, nil
}

func (q *ListQuery) parseOrder(value string) error {
	for _, term := range strings.Split(value, ",") {
		term = strings.TrimSpace(term)
		if term == "" {
			continue
		}
		t := orderTerm{Column: term}
		switch term[0] {
		case '-':
			t.Desc = true
			t.Column = term[1:]
		case '+':
			t.Column = term[1:]
		}
		if t.Column == "" {
			return fmt.Errorf("invalid order term %q", term)
		}
		q.Order = append(q.Order, t)
	}
	return nil
}

// parseBracketPath splits "filter[a][$op]" into ["filter", "a", "$op"].
func parseBracketPath(key string) ([]string, error) {
	head, rest, found := strings.Cut(key, "[")
	if !found {
		return []string{key}, nil
	}
	path := []string{head}
	for rest != "" {
		seg, tail, found := strings.Cut(rest, "]")
		if !found {
			return nil, fmt.Errorf("malformed query key %q", key)
		}
		path = append(path, seg)
		rest = tail
		if rest != "" {
			if !strings.HasPrefix(rest, "[") {
				return nil, fmt.Errorf("malformed query key %q", key)
			}
			rest = rest[1:]
		}
	}
	return path, nil
}

// insertFilter adds one filter entry to the tree. path is relative to the
// filter root, e.g. ["col", "$eq"] or ["$or", "0", "col"].
func insertFilter(parent *filterNode, path []string, value string, depth int) error {
	if depth > maxFilterDepth {
		return fmt.Errorf("filter nesting exceeds depth %d", maxFilterDepth)
	}
	if len(path) == 0 {
		return fmt.Errorf("incomplete filter expression")
	}

	head := path[0]
	switch {
	case head == "$and" || head == "$or":
		if len(path) < 3 {
			return fmt.Errorf("%s requires an index and a column expression", head)
		}
		idx, err := strconv.Atoi(path[1])
		if err != nil || idx < 0 {
			return fmt.Errorf("invalid %s index %q", head, path[1])
		}
		group := findOrAddGroup(parent, head)
		for len(group.children) <= idx {
			group.children = append(group.children, &filterNode{op: "$and"})
		}
		return insertFilter(group.children[idx], path[2:], value, depth+1)

	case strings.HasPrefix(head, "$"):
		return fmt.Errorf("unknown filter operator %q", head)

	default:
		op := "$eq"
		if len(path) == 2 {
			op = path[1]
		} else if len(path) > 2 {
			return fmt.Errorf("malformed filter on column %q", head)
		}
		if _, ok := comparisonOps[op]; !ok {
			return fmt.Errorf("unknown filter operator %q", op)
		}
		parent.children = append(parent.children, &filterNode{
			op:     op,
			column: head,
			value:  value,
		})
		return nil
	}
}

// findOrAddGroup returns parent's existing $and/$or child group, creating it
// on first use so repeated indices land in the same group.
func findOrAddGroup(parent *filterNode, op string) *filterNode {
	for _, c := range parent.children {
		if c.op == op && c.column == "" {
			return c
		}
	}
	group := &filterNode{op: op}
	parent.children = append(parent.children, group)
	return group
}

// paramSeq hands out unique named parameters for one query.
type paramSeq struct {
	prefix string
	n      int
	args   []any
}

func (p *paramSeq) add(v any) string {
	name := fmt.Sprintf("%s%d", p.prefix, p.n)
	p.n++
	p.args = append(p.args, sql.Named(name, v))
	return ":" + name
}

// compile renders the filter tree as a WHERE conjunct over the aliased
// target. Column references are validated against the table; hidden columns
// are rejected.
func (f *filterNode) compile(tbl *schema.Table, qualifier string, p *paramSeq) (string, error) {
	switch f.op {
	case "$and", "$or":
		if len(f.children) == 0 {
			return "TRUE", nil
		}
		parts := make([]string, 0, len(f.children))
		for _, c := range f.children {
			part, err := c.compile(tbl, qualifier, p)
			if err != nil {
				return "", err
			}
			parts = append(parts, part)
		}
		joiner := " AND "
		if f.op == "$or" {
			joiner = " OR "
		}
		return "(" + strings.Join(parts, joiner) + ")", nil
	}

	if strings.HasPrefix(f.column, "_") {
		return "", fmt.Errorf("unknown column %q", f.column)
	}
	if tbl.Column(f.column) == nil {
		return "", fmt.Errorf("unknown column %q", f.column)
	}
	ref := qualifier + "." + schema.QuoteIdent(f.column)

	switch f.op {
	case "$is":
		switch strings.ToUpper(f.value) {
		case "NULL":
			return ref + " IS NULL", nil
		case "!NULL", "NOT NULL":
			return ref + " IS NOT NULL", nil
		}
		return "", fmt.Errorf("$is accepts NULL or !NULL, got %q", f.value)
	case "$in", "$nin":
		items := strings.Split(f.value, ",")
		placeholders := make([]string, len(items))
		for i, item := range items {
			placeholders[i] = p.add(item)
		}
		return fmt.Sprintf("%s %s (%s)", ref, comparisonOps[f.op], strings.Join(placeholders, ", ")), nil
	case "$ilike":
		return fmt.Sprintf("%s LIKE %s COLLATE NOCASE", ref, p.add(f.value)), nil
	default:
		return fmt.Sprintf("%s %s %s", ref, comparisonOps[f.op], p.add(f.value)), nil
	}
}
