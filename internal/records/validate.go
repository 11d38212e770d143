package records

import (
	"context"
	"fmt"
	"strings"

	"github.com/bedrockdb/bedrock/internal/config"
	"github.com/bedrockdb/bedrock/internal/db"
	"github.com/bedrockdb/bedrock/internal/rules"
	"github.com/bedrockdb/bedrock/internal/schema"
)

// ValidateConfig checks every Record API against the live schema: the target
// must exist and be record-addressable, access rules must compile, and
// expand columns must be real foreign keys. Installed as the config holder's
// validator so a bad config swap is rejected before it takes effect.
func ValidateConfig(ctx context.Context, d *db.DB, cache *schema.Cache, cfg *config.Config) error {
	for i := range cfg.RecordAPIs {
		api := &cfg.RecordAPIs[i]
		tbl := cache.Table(api.TableName)
		if tbl == nil {
			return fmt.Errorf("record api %q: table %q does not exist", api.Name, api.TableName)
		}
		if tbl.RecordPK == "" {
			return fmt.Errorf("record api %q: %s needs an integer or uuidv7 primary key (views need an id column)",
				api.Name, api.TableName)
		}

		switch api.ConflictResolution {
		case "", config.ConflictReject, config.ConflictReplace, config.ConflictIgnore:
		default:
			return fmt.Errorf("record api %q: unknown conflict_resolution %q", api.Name, api.ConflictResolution)
		}

		for _, op := range []string{"create", "read", "update", "delete", "schema"} {
			rule := api.Rule(op)
			if rule == "" {
				continue
			}
			if err := rules.Validate(ctx, d, rule, tbl); err != nil {
				return fmt.Errorf("record api %q: %s rule: %w", api.Name, op, err)
			}
		}

		for _, colName := range api.Expand {
			col := tbl.Column(colName)
			if col == nil || col.FK == nil {
				return fmt.Errorf("record api %q: expand column %q is not a foreign key", api.Name, colName)
			}
			if strings.HasPrefix(col.FK.Table, "_") {
				return fmt.Errorf("record api %q: expand column %q references a hidden table", api.Name, colName)
			}
		}
	}
	return nil
}
