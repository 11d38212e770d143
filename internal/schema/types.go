package schema

import (
	"strings"
	"time"
)

// Column affinity names per the SQLite type-affinity rules.
const (
	AffinityInteger = "INTEGER"
	AffinityText    = "TEXT"
	AffinityBlob    = "BLOB"
	AffinityReal    = "REAL"
	AffinityNumeric = "NUMERIC"
)

// ForeignKey is a single-column FK edge.
type ForeignKey struct {
	Table  string `json:"table"`
	Column string `json:"column"`
}

// Column is the cached metadata for one table or view column.
type Column struct {
	Name     string      `json:"name"`
	Type     string      `json:"type"`
	Affinity string      `json:"affinity"`
	NotNull  bool        `json:"not_null"`
	PK       bool        `json:"pk"`
	Default  string      `json:"default,omitempty"`
	FK       *ForeignKey `json:"fk,omitempty"`

	// Named JSON schema attached via a jsonschema(col, '<name>'[, extra])
	// CHECK constraint.
	JSONSchemaName  string `json:"json_schema,omitempty"`
	JSONSchemaExtra string `json:"json_schema_extra,omitempty"`
}

// IsFileUpload reports whether this column holds a single uploaded file.
func (c *Column) IsFileUpload() bool { return c.JSONSchemaName == "std.FileUpload" }

// IsFileUploads reports whether this column holds a list of uploaded files.
func (c *Column) IsFileUploads() bool { return c.JSONSchemaName == "std.FileUploads" }

// IsFileColumn reports whether this column holds file metadata of either shape.
func (c *Column) IsFileColumn() bool { return c.IsFileUpload() || c.IsFileUploads() }

// Table is the cached metadata for one table or view.
type Table struct {
	Name       string    `json:"name"`
	IsView     bool      `json:"is_view"`
	Strict     bool      `json:"strict"`
	SQL        string    `json:"sql,omitempty"`
	Columns    []*Column `json:"columns"`
	PrimaryKey []string  `json:"primary_key,omitempty"`

	// RecordPK is the column that makes this target record-addressable:
	// a single PK of INTEGER affinity, or a BLOB PK carrying an
	// is_uuid_v7 CHECK. Empty when the target is not addressable.
	RecordPK       string `json:"record_pk,omitempty"`
	RecordPKIsUUID bool   `json:"record_pk_is_uuid,omitempty"`

	HasFileColumns bool `json:"has_file_columns,omitempty"`
}

// Column returns the column with the given name, or nil.
func (t *Table) Column(name string) *Column {
	for _, c := range t.Columns {
		if c.Name == name {
			return c
		}
	}
	return nil
}

// Cache is an immutable snapshot of the database schema.
type Cache struct {
	Tables  map[string]*Table `json:"tables"`
	BuiltAt time.Time         `json:"built_at"`
}

// Table returns the table or view with the given name, or nil.
func (c *Cache) Table(name string) *Table {
	return c.Tables[name]
}

// affinityOf applies the SQLite type-affinity algorithm to a declared type.
func affinityOf(declared string) string {
	t := strings.ToUpper(declared)
	switch {
	case strings.Contains(t, "INT"):
		return AffinityInteger
	case strings.Contains(t, "CHAR"), strings.Contains(t, "CLOB"), strings.Contains(t, "TEXT"):
		return AffinityText
	case t == "", strings.Contains(t, "BLOB"):
		return AffinityBlob
	case strings.Contains(t, "REAL"), strings.Contains(t, "FLOA"), strings.Contains(t, "DOUB"):
		return AffinityReal
	default:
		return AffinityNumeric
	}
}
