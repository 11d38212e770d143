package records

import (
	"encoding/json"

	"github.com/bedrockdb/bedrock/internal/schema"
	"github.com/bedrockdb/bedrock/internal/schemas"
)

// buildJSONSchema renders the JSON Schema describing one record of the
// target, the shape clients use for code generation.
func buildJSONSchema(tbl *schema.Table) map[string]any {
	properties := make(map[string]any, len(tbl.Columns))
	var required []string

	for _, col := range tbl.Columns {
		properties[col.Name] = columnSchema(col)
		if col.NotNull && col.Default == "" && col.Name != tbl.RecordPK {
			required = append(required, col.Name)
		}
	}

	out := map[string]any{
		"title":      tbl.Name,
		"type":       "object",
		"properties": properties,
	}
	if len(required) > 0 {
		out["required"] = required
	}
	return out
}

func columnSchema(col *schema.Column) map[string]any {
	// Schema-checked columns carry their registered schema inline.
	if col.JSONSchemaName != "" {
		if entry := schemas.Global().Get(col.JSONSchemaName); entry != nil {
			var inline map[string]any
			if json.Unmarshal(entry.Raw, &inline) == nil {
				return inline
			}
		}
	}

	s := map[string]any{}
	switch col.Affinity {
	case schema.AffinityInteger:
		s["type"] = "integer"
	case schema.AffinityReal, schema.AffinityNumeric:
		s["type"] = "number"
	case schema.AffinityBlob:
		s["type"] = "string"
		s["contentEncoding"] = "base64url"
	default:
		s["type"] = "string"
	}
	if !col.NotNull {
		s["type"] = []any{s["type"], "null"}
	}
	if col.FK != nil {
		s["description"] = "references " + col.FK.Table + "(" + col.FK.Column + ")"
	}
	return s
}
