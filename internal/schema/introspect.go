package schema

import (
	"context"
	"fmt"
	"regexp"
	"strings"
	"time"

	"github.com/bedrockdb/bedrock/internal/db"
)

// BuildCache introspects sqlite_schema and the table/view PRAGMAs into an
// immutable snapshot. CREATE statements are consulted for the details the
// PRAGMAs cannot express (jsonschema CHECKs, uuid PK checks, STRICT); when a
// statement cannot be parsed the column-level PRAGMA data stands alone.
func BuildCache(ctx context.Context, d *db.DB) (*Cache, error) {
	rows, err := d.Query(ctx,
		`SELECT name, type, sql FROM sqlite_schema
		 WHERE type IN ('table', 'view') AND name NOT LIKE 'sqlite_%'
		 ORDER BY name`)
	if err != nil {
		return nil, fmt.Errorf("reading sqlite_schema: %w", err)
	}

	cache := &Cache{Tables: make(map[string]*Table, len(rows)), BuiltAt: time.Now()}
	for _, row := range rows {
		name, _ := row["name"].(string)
		typ, _ := row["type"].(string)
		sqlText, _ := row["sql"].(string)

		tbl, err := introspectTable(ctx, d, name, typ == "view", sqlText)
		if err != nil {
			return nil, fmt.Errorf("introspecting %s: %w", name, err)
		}
		cache.Tables[name] = tbl
	}
	return cache, nil
}

func introspectTable(ctx context.Context, d *db.DB, name string, isView bool, sqlText string) (*Table, error) {
	tbl := &Table{
		Name:   name,
		IsView: isView,
		SQL:    sqlText,
		Strict: strictRe.MatchString(sqlText),
	}

	cols, err := d.Query(ctx, fmt.Sprintf(`PRAGMA table_info(%s)`, QuoteIdent(name)))
	if err != nil {
		return nil, fmt.Errorf("table_info: %w", err)
	}
	for _, c := range cols {
		colName, _ := c["name"].(string)
		declared, _ := c["type"].(string)
		col := &Column{
			Name:     colName,
			Type:     declared,
			Affinity: affinityOf(declared),
			NotNull:  asInt(c["notnull"]) != 0,
			PK:       asInt(c["pk"]) != 0,
		}
		if dflt, ok := c["dflt_value"].(string); ok {
			col.Default = dflt
		}
		if col.PK {
			tbl.PrimaryKey = append(tbl.PrimaryKey, colName)
		}
		tbl.Columns = append(tbl.Columns, col)
	}

	if !isView {
		fks, err := d.Query(ctx, fmt.Sprintf(`PRAGMA foreign_key_list(%s)`, QuoteIdent(name)))
		if err != nil {
			return nil, fmt.Errorf("foreign_key_list: %w", err)
		}
		for _, fk := range fks {
			from, _ := fk["from"].(string)
			refTable, _ := fk["table"].(string)
			refCol, _ := fk["to"].(string)
			if col := tbl.Column(from); col != nil {
				if refCol == "" {
					refCol = "id" // FK to implicit PK
				}
				col.FK = &ForeignKey{Table: refTable, Column: refCol}
			}
		}
	}

	attachJSONSchemas(tbl)
	detectRecordPK(tbl)

	for _, c := range tbl.Columns {
		if c.IsFileColumn() {
			tbl.HasFileColumns = true
			break
		}
	}
	return tbl, nil
}

var (
	strictRe = regexp.MustCompile(`(?is)\)\s*(?:,\s*\w+\s*)*STRICT\b`)

	// jsonschema("col", 'name') or jsonschema(col, 'name', 'extra') inside a
	// CHECK constraint of the CREATE statement.
	jsonSchemaRe = regexp.MustCompile(
		`(?is)jsonschema\s*\(\s*"?([A-Za-z_][A-Za-z0-9_]*)"?\s*,\s*'([^']+)'\s*(?:,\s*'([^']*)'\s*)?\)`)

	// is_uuid_v7("col") CHECK used to qualify a BLOB PK as record-addressable.
	uuidV7CheckRe = regexp.MustCompile(`(?is)is_uuid_v7\s*\(\s*"?([A-Za-z_][A-Za-z0-9_]*)"?\s*\)`)
)

func attachJSONSchemas(tbl *Table) {
	for _, m := range jsonSchemaRe.FindAllStringSubmatch(tbl.SQL, -1) {
		if col := tbl.Column(m[1]); col != nil {
			col.JSONSchemaName = m[2]
			col.JSONSchemaExtra = m[3]
		}
	}
}

// detectRecordPK decides whether this target is record-addressable: a single
// PK column of INTEGER affinity, or a BLOB PK covered by an is_uuid_v7 CHECK.
// Views have no PK rows in table_info; a view column named "id" of a
// suitable affinity serves as the read/subscribe key.
func detectRecordPK(tbl *Table) {
	if tbl.IsView {
		if col := tbl.Column("id"); col != nil {
			switch col.Affinity {
			case AffinityInteger:
				tbl.RecordPK = "id"
			case AffinityBlob:
				tbl.RecordPK = "id"
				tbl.RecordPKIsUUID = true
			}
		}
		return
	}
	if len(tbl.PrimaryKey) != 1 {
		return
	}
	pk := tbl.Column(tbl.PrimaryKey[0])
	switch pk.Affinity {
	case AffinityInteger:
		tbl.RecordPK = pk.Name
	case AffinityBlob:
		for _, m := range uuidV7CheckRe.FindAllStringSubmatch(tbl.SQL, -1) {
			if m[1] == pk.Name {
				tbl.RecordPK = pk.Name
				tbl.RecordPKIsUUID = true
				break
			}
		}
	}
}

func asInt(v any) int64 {
	switch t := v.(type) {
	case int64:
		return t
	case int:
		return int64(t)
	case bool:
		if t {
			return 1
		}
	case string:
		if t == "1" {
			return 1
		}
	}
	return 0
}

// QuoteIdent quotes a SQL identifier with double quotes.
func QuoteIdent(name string) string {
	return `"` + strings.ReplaceAll(name, `"`, `""`) + `"`
}
