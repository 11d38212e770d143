package config_test

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/bedrockdb/bedrock/internal/config"
	"github.com/bedrockdb/bedrock/internal/testutil"
)

func TestLoadDefaults(t *testing.T) {
	cfg, err := config.Load("")
	testutil.NoError(t, err)
	testutil.Equal(t, 4000, cfg.Server.Port)
	testutil.Equal(t, "log", cfg.Email.Backend)
	testutil.Equal(t, "fs", cfg.Storage.Backend)
	testutil.Equal(t, 8, cfg.Auth.MinPasswordLength)
	testutil.Equal(t, "0.0.0.0:4000", cfg.Server.Address())
}

func TestLoadMissingFileIsNotAnError(t *testing.T) {
	cfg, err := config.Load(filepath.Join(t.TempDir(), "nope.toml"))
	testutil.NoError(t, err)
	testutil.Equal(t, 4000, cfg.Server.Port)
}

func TestLoadTOML(t *testing.T) {
	path := filepath.Join(t.TempDir(), "bedrock.toml")
	testutil.NoError(t, os.WriteFile(path, []byte(`
[server]
port = 9000
site_url = "https://api.example.com"

[[record_apis]]
name = "posts"
table_name = "posts"
acl_world = 2
read_access_rule = "_ROW_.public = 1"

[[jobs]]
id = "nightly_backup"
spec = "@daily"
handler = "backup"
`), 0o644))

	cfg, err := config.Load(path)
	testutil.NoError(t, err)
	testutil.Equal(t, 9000, cfg.Server.Port)
	testutil.Equal(t, "https://api.example.com", cfg.Server.SiteURL)
	testutil.SliceLen(t, cfg.RecordAPIs, 1)
	testutil.Equal(t, "_ROW_.public = 1", cfg.RecordAPIs[0].ReadAccessRule)
	testutil.SliceLen(t, cfg.Jobs, 1)
	testutil.Equal(t, "backup", cfg.Jobs[0].Handler)
}

func TestLoadEnvOverrides(t *testing.T) {
	t.Setenv("BEDROCK_PORT", "5555")
	t.Setenv("BEDROCK_SITE_URL", "http://env.example.com")

	cfg, err := config.Load("")
	testutil.NoError(t, err)
	testutil.Equal(t, 5555, cfg.Server.Port)
	testutil.Equal(t, "http://env.example.com", cfg.Server.SiteURL)
}

func TestValidateRejects(t *testing.T) {
	cases := []struct {
		name    string
		mutate  func(*config.Config)
		wantErr string
	}{
		{"bad port", func(c *config.Config) { c.Server.Port = 0 }, "port out of range"},
		{"system table", func(c *config.Config) {
			c.RecordAPIs = []config.RecordAPIConfig{{Name: "users", TableName: "_user"}}
		}, "system table"},
		{"bad api name", func(c *config.Config) {
			c.RecordAPIs = []config.RecordAPIConfig{{Name: "9bad!", TableName: "t"}}
		}, "invalid name"},
		{"duplicate api", func(c *config.Config) {
			c.RecordAPIs = []config.RecordAPIConfig{
				{Name: "a", TableName: "t"}, {Name: "a", TableName: "t"},
			}
		}, "duplicate name"},
		{"bad conflict resolution", func(c *config.Config) {
			c.RecordAPIs = []config.RecordAPIConfig{{Name: "a", TableName: "t", ConflictResolution: "merge"}}
		}, "conflict_resolution"},
		{"bad schema json", func(c *config.Config) {
			c.Schemas = []config.NamedSchema{{Name: "s", Schema: "{"}}
		}, "not valid JSON"},
		{"incomplete job", func(c *config.Config) {
			c.Jobs = []config.JobConfig{{ID: "j"}}
		}, "required"},
	}

	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			cfg := config.Default()
			tc.mutate(cfg)
			testutil.ErrorContains(t, cfg.Validate(), tc.wantErr)
		})
	}
}

func TestRuleLookup(t *testing.T) {
	api := config.RecordAPIConfig{
		CreateAccessRule: "c", ReadAccessRule: "r", UpdateAccessRule: "u",
		DeleteAccessRule: "d", SchemaAccessRule: "s",
	}
	testutil.Equal(t, "c", api.Rule("create"))
	testutil.Equal(t, "r", api.Rule("read"))
	testutil.Equal(t, "u", api.Rule("update"))
	testutil.Equal(t, "d", api.Rule("delete"))
	testutil.Equal(t, "s", api.Rule("schema"))
	testutil.Equal(t, "", api.Rule("bogus"))
}

func TestHashChangesWithConfig(t *testing.T) {
	a := config.Default()
	b := config.Default()
	testutil.Equal(t, a.Hash(), b.Hash())

	b.Server.Port = 9999
	testutil.NotEqual(t, a.Hash(), b.Hash())
}

func TestHolderSwap(t *testing.T) {
	cfg := config.Default()
	h := config.NewHolder(cfg)
	testutil.Equal(t, cfg, h.Get())

	next := config.Default()
	next.Server.Port = 8080

	// Wrong hash is refused.
	_, err := h.Swap(next, "stale")
	testutil.Equal(t, config.ErrStaleHash, err)
	testutil.Equal(t, 4000, h.Get().Server.Port)

	newHash, err := h.Swap(next, cfg.Hash())
	testutil.NoError(t, err)
	testutil.Equal(t, next.Hash(), newHash)
	testutil.Equal(t, 8080, h.Get().Server.Port)
}

func TestHolderSwapValidation(t *testing.T) {
	h := config.NewHolder(config.Default())

	bad := config.Default()
	bad.Server.Port = -1
	_, err := h.Swap(bad, h.Get().Hash())
	testutil.ErrorContains(t, err, "port out of range")

	// The installed validator also gates the swap.
	h.SetValidator(func(c *config.Config) error {
		if len(c.RecordAPIs) > 0 {
			return os.ErrInvalid
		}
		return nil
	})
	next := config.Default()
	next.RecordAPIs = []config.RecordAPIConfig{{Name: "a", TableName: "t"}}
	_, err = h.Swap(next, h.Get().Hash())
	testutil.Equal(t, os.ErrInvalid, err)
}
