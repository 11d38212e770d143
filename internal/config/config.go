package config

import (
	"crypto/sha256"
	"encoding/base64"
	"encoding/json"
	"fmt"
	"os"
	"regexp"
	"strconv"
	"strings"

	"github.com/pelletier/go-toml/v2"
)

// Config is the top-level Bedrock configuration. It is held behind a Holder
// at runtime; handlers always read a consistent snapshot.
type Config struct {
	Server     ServerConfig      `toml:"server" json:"server"`
	Auth       AuthConfig        `toml:"auth" json:"auth"`
	Email      EmailConfig       `toml:"email" json:"email"`
	Storage    StorageConfig     `toml:"storage" json:"storage"`
	Logging    LoggingConfig     `toml:"logging" json:"logging"`
	RecordAPIs []RecordAPIConfig `toml:"record_apis" json:"record_apis"`
	Schemas    []NamedSchema     `toml:"schemas" json:"schemas"`
	Jobs       []JobConfig       `toml:"jobs" json:"jobs"`
}

type ServerConfig struct {
	Host               string   `toml:"host" json:"host"`
	Port               int      `toml:"port" json:"port"`
	SiteURL            string   `toml:"site_url" json:"site_url"`
	DataDir            string   `toml:"data_dir" json:"data_dir"`
	CORSAllowedOrigins []string `toml:"cors_allowed_origins" json:"cors_allowed_origins"`
	ShutdownTimeout    int      `toml:"shutdown_timeout" json:"shutdown_timeout"`
	BackupIntervalSec  int      `toml:"backup_interval_sec" json:"backup_interval_sec"`
	LogsRetentionSec   int      `toml:"logs_retention_sec" json:"logs_retention_sec"`
	GeoIPDBPath        string   `toml:"geoip_db_path" json:"geoip_db_path"`
}

// Address returns the host:port the HTTP server binds to.
func (s ServerConfig) Address() string {
	return s.Host + ":" + strconv.Itoa(s.Port)
}

type AuthConfig struct {
	TokenTTLSec         int                      `toml:"token_ttl_sec" json:"token_ttl_sec"`
	RefreshTokenTTLSec  int                      `toml:"refresh_token_ttl_sec" json:"refresh_token_ttl_sec"`
	MinPasswordLength   int                      `toml:"min_password_length" json:"min_password_length"`
	RequireMixedCase    bool                     `toml:"require_mixed_case" json:"require_mixed_case"`
	RequireDigit        bool                     `toml:"require_digit" json:"require_digit"`
	DisablePasswordAuth bool                     `toml:"disable_password_auth" json:"disable_password_auth"`
	OTPTTLSec           int                      `toml:"otp_ttl_sec" json:"otp_ttl_sec"`
	OTPRateLimitSec     int                      `toml:"otp_rate_limit_sec" json:"otp_rate_limit_sec"`
	OAuthProviders      map[string]OAuthProvider `toml:"oauth_providers" json:"oauth_providers"`
}

// OAuthProvider configures a single external OAuth2 provider.
// AuthURL/TokenURL/UserInfoURL are only needed for custom providers;
// well-known names (google, github, ...) have built-in endpoints.
type OAuthProvider struct {
	ClientID     string `toml:"client_id" json:"client_id"`
	ClientSecret string `toml:"client_secret" json:"client_secret"`
	AuthURL      string `toml:"auth_url" json:"auth_url"`
	TokenURL     string `toml:"token_url" json:"token_url"`
	UserInfoURL  string `toml:"user_info_url" json:"user_info_url"`
}

// ConflictResolution strategies for record creation.
const (
	ConflictReject  = "reject"
	ConflictReplace = "replace"
	ConflictIgnore  = "ignore"
)

// ACL operation bits for Record APIs.
const (
	ACLCreate = 1 << iota
	ACLRead
	ACLUpdate
	ACLDelete
	ACLSchema
)

// RecordAPIConfig binds a named CRUD surface to a table or simple view.
type RecordAPIConfig struct {
	Name      string `toml:"name" json:"name"`
	TableName string `toml:"table_name" json:"table_name"`

	// ACL bitmasks (ACLCreate|ACLRead|...) for anonymous and authenticated
	// callers respectively.
	ACLWorld         int `toml:"acl_world" json:"acl_world"`
	ACLAuthenticated int `toml:"acl_authenticated" json:"acl_authenticated"`

	// Optional boolean SQL access rules, evaluated per request.
	CreateAccessRule string `toml:"create_access_rule" json:"create_access_rule"`
	ReadAccessRule   string `toml:"read_access_rule" json:"read_access_rule"`
	UpdateAccessRule string `toml:"update_access_rule" json:"update_access_rule"`
	DeleteAccessRule string `toml:"delete_access_rule" json:"delete_access_rule"`
	SchemaAccessRule string `toml:"schema_access_rule" json:"schema_access_rule"`

	ConflictResolution          string   `toml:"conflict_resolution" json:"conflict_resolution"`
	AutofillMissingUserIDColumn bool     `toml:"autofill_missing_user_id_columns" json:"autofill_missing_user_id_columns"`
	Expand                      []string `toml:"expand" json:"expand"`
	ListHardLimit               int      `toml:"list_hard_limit" json:"list_hard_limit"`
}

// Rule returns the access rule configured for op ("create", "read", "update",
// "delete", "schema"), or "" when none is set.
func (r *RecordAPIConfig) Rule(op string) string {
	switch op {
	case "create":
		return r.CreateAccessRule
	case "read":
		return r.ReadAccessRule
	case "update":
		return r.UpdateAccessRule
	case "delete":
		return r.DeleteAccessRule
	case "schema":
		return r.SchemaAccessRule
	}
	return ""
}

// NamedSchema registers a user JSON schema under a name referable from
// jsonschema() CHECK constraints.
type NamedSchema struct {
	Name   string `toml:"name" json:"name"`
	Schema string `toml:"schema" json:"schema"`
}

// JobConfig declares a user cron job dispatched to a registered handler.
type JobConfig struct {
	ID      string `toml:"id" json:"id"`
	Spec    string `toml:"spec" json:"spec"`
	Handler string `toml:"handler" json:"handler"`
}

type EmailConfig struct {
	Backend  string `toml:"backend" json:"backend"` // "log" (default) or "smtp"
	From     string `toml:"from" json:"from"`
	FromName string `toml:"from_name" json:"from_name"`
	SMTPHost string `toml:"smtp_host" json:"smtp_host"`
	SMTPPort int    `toml:"smtp_port" json:"smtp_port"`
	SMTPUser string `toml:"smtp_user" json:"smtp_user"`
	SMTPPass string `toml:"smtp_pass" json:"smtp_pass"`
	SMTPTLS  bool   `toml:"smtp_tls" json:"smtp_tls"`
}

type StorageConfig struct {
	Backend     string `toml:"backend" json:"backend"` // "fs" (default) or "s3"
	S3Endpoint  string `toml:"s3_endpoint" json:"s3_endpoint"`
	S3Bucket    string `toml:"s3_bucket" json:"s3_bucket"`
	S3Region    string `toml:"s3_region" json:"s3_region"`
	S3AccessKey string `toml:"s3_access_key" json:"s3_access_key"`
	S3SecretKey string `toml:"s3_secret_key" json:"s3_secret_key"`
	S3UseSSL    bool   `toml:"s3_use_ssl" json:"s3_use_ssl"`
}

type LoggingConfig struct {
	Level  string `toml:"level" json:"level"`
	Format string `toml:"format" json:"format"`
}

// Default returns a Config with all defaults applied.
func Default() *Config {
	return &Config{
		Server: ServerConfig{
			Host:               "0.0.0.0",
			Port:               4000,
			DataDir:            "./bedrock_data",
			CORSAllowedOrigins: []string{"*"},
			ShutdownTimeout:    10,
			BackupIntervalSec:  0, // disabled unless set
			LogsRetentionSec:   7 * 24 * 3600,
		},
		Auth: AuthConfig{
			TokenTTLSec:        3600,
			RefreshTokenTTLSec: 30 * 24 * 3600,
			MinPasswordLength:  8,
			OTPTTLSec:          600,
			OTPRateLimitSec:    60,
		},
		Email: EmailConfig{
			Backend:  "log",
			FromName: "Bedrock",
		},
		Storage: StorageConfig{
			Backend:  "fs",
			S3Region: "us-east-1",
			S3UseSSL: true,
		},
		Logging: LoggingConfig{
			Level:  "info",
			Format: "json",
		},
	}
}

// Load reads configuration with priority: defaults → TOML file → env vars.
// A missing file is not an error; env overrides use the BEDROCK_ prefix.
func Load(path string) (*Config, error) {
	cfg := Default()

	if path != "" {
		data, err := os.ReadFile(path)
		if err != nil && !os.IsNotExist(err) {
			return nil, fmt.Errorf("reading config file: %w", err)
		}
		if err == nil {
			if err := toml.Unmarshal(data, cfg); err != nil {
				return nil, fmt.Errorf("parsing %s: %w", path, err)
			}
		}
	}

	applyEnv(cfg)

	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

func applyEnv(cfg *Config) {
	if v := os.Getenv("BEDROCK_HOST"); v != "" {
		cfg.Server.Host = v
	}
	if v := os.Getenv("BEDROCK_PORT"); v != "" {
		if p, err := strconv.Atoi(v); err == nil {
			cfg.Server.Port = p
		}
	}
	if v := os.Getenv("BEDROCK_DATA_DIR"); v != "" {
		cfg.Server.DataDir = v
	}
	if v := os.Getenv("BEDROCK_SITE_URL"); v != "" {
		cfg.Server.SiteURL = v
	}
}

var apiNameRe = regexp.MustCompile(`^[a-zA-Z][a-zA-Z0-9_-]*$`)

// Validate checks structural constraints that do not require database access.
// Schema-dependent Record API validation (target table exists, record PK,
// rule syntax) happens in the records package against the live schema cache.
func (c *Config) Validate() error {
	if c.Server.Port < 1 || c.Server.Port > 65535 {
		return fmt.Errorf("server.port out of range: %d", c.Server.Port)
	}
	if c.Auth.MinPasswordLength < 1 {
		return fmt.Errorf("auth.min_password_length must be positive")
	}

	seen := make(map[string]bool, len(c.RecordAPIs))
	for i := range c.RecordAPIs {
		api := &c.RecordAPIs[i]
		if !apiNameRe.MatchString(api.Name) {
			return fmt.Errorf("record_apis[%d]: invalid name %q", i, api.Name)
		}
		if seen[api.Name] {
			return fmt.Errorf("record_apis: duplicate name %q", api.Name)
		}
		seen[api.Name] = true
		if api.TableName == "" {
			return fmt.Errorf("record_apis[%d] (%s): table_name is required", i, api.Name)
		}
		if strings.HasPrefix(api.TableName, "_") {
			return fmt.Errorf("record_apis[%d] (%s): cannot expose system table %q", i, api.Name, api.TableName)
		}
		switch api.ConflictResolution {
		case "", ConflictReject, ConflictReplace, ConflictIgnore:
		default:
			return fmt.Errorf("record_apis[%d] (%s): unknown conflict_resolution %q", i, api.Name, api.ConflictResolution)
		}
	}

	schemaNames := make(map[string]bool, len(c.Schemas))
	for i, s := range c.Schemas {
		if s.Name == "" {
			return fmt.Errorf("schemas[%d]: name is required", i)
		}
		if schemaNames[s.Name] {
			return fmt.Errorf("schemas: duplicate name %q", s.Name)
		}
		schemaNames[s.Name] = true
		if !json.Valid([]byte(s.Schema)) {
			return fmt.Errorf("schemas[%d] (%s): schema is not valid JSON", i, s.Name)
		}
	}

	jobIDs := make(map[string]bool, len(c.Jobs))
	for i, j := range c.Jobs {
		if j.ID == "" || j.Spec == "" || j.Handler == "" {
			return fmt.Errorf("jobs[%d]: id, spec, and handler are all required", i)
		}
		if jobIDs[j.ID] {
			return fmt.Errorf("jobs: duplicate id %q", j.ID)
		}
		jobIDs[j.ID] = true
	}

	return nil
}

// APIByName returns the Record API config with the given name, or nil.
func (c *Config) APIByName(name string) *RecordAPIConfig {
	for i := range c.RecordAPIs {
		if c.RecordAPIs[i].Name == name {
			return &c.RecordAPIs[i]
		}
	}
	return nil
}

// Hash returns the canonical opaque hash of this config: unpadded URL-safe
// base64 of the SHA-256 of the JSON serialization. Used for compare-and-swap
// on config updates.
func (c *Config) Hash() string {
	data, _ := json.Marshal(c)
	sum := sha256.Sum256(data)
	return base64.RawURLEncoding.EncodeToString(sum[:])
}
