package db

import (
	"database/sql/driver"
	"encoding/base64"
	"encoding/json"
	"errors"
	"fmt"
	"regexp"
	"sync"

	"github.com/bedrockdb/bedrock/internal/geoip"
	"github.com/bedrockdb/bedrock/internal/pwhash"
	"github.com/bedrockdb/bedrock/internal/schemas"
	"github.com/google/uuid"
	sqlite3 "modernc.org/sqlite"
)

// Custom scalar functions available on every connection. Deterministic
// functions are safe inside CHECK, DEFAULT, and GENERATED contexts.
//
//	uuid_v7()                        fresh 16-byte UUIDv7 blob
//	uuid_v7_text()                   fresh UUIDv7 as text
//	is_uuid(b) / is_uuid_v7(b)       blob is a valid UUID (v7); NULL passes
//	parse_uuid(s)                    text uuid → 16-byte blob
//	uuid_text(b)                     16-byte blob → text uuid
//	hash_password(s)                 argon2id PHC hash
//	is_email(s)                      loose RFC email shape; NULL passes
//	is_json(s)                       JSON syntactic validity; NULL passes
//	jsonschema(doc, name[, extra])   validate doc against a registry schema
//	jsonschema_matches(doc, schema)  validate doc against an inline schema
//	geoip_country(ip)                ISO country code, NULL when unavailable
//	b64_text(blob) / b64_parse(text) URL-safe base64 helpers
var registerOnce sync.Once
var registerErr error

func registerFunctions() error {
	registerOnce.Do(func() {
		type fn struct {
			name          string
			nArg          int32
			deterministic bool
			impl          func(args []driver.Value) (driver.Value, error)
		}
		fns := []fn{
			{"uuid_v7", 0, false, fnUUIDv7},
			{"uuid_v7_text", 0, false, fnUUIDv7Text},
			{"is_uuid", 1, true, fnIsUUID},
			{"is_uuid_v7", 1, true, fnIsUUIDv7},
			{"parse_uuid", 1, true, fnParseUUID},
			{"uuid_text", 1, true, fnUUIDText},
			{"hash_password", 1, false, fnHashPassword},
			{"is_email", 1, true, fnIsEmail},
			{"is_json", 1, true, fnIsJSON},
			{"jsonschema", -1, true, fnJSONSchema},
			{"jsonschema_matches", 2, true, fnJSONSchemaMatches},
			{"geoip_country", 1, false, fnGeoIPCountry},
			{"b64_text", 1, true, fnB64Text},
			{"b64_parse", 1, true, fnB64Parse},
		}
		for _, f := range fns {
			impl := f.impl
			wrapped := func(_ *sqlite3.FunctionContext, args []driver.Value) (driver.Value, error) {
				return impl(args)
			}
			var err error
			if f.deterministic {
				err = sqlite3.RegisterDeterministicScalarFunction(f.name, f.nArg, wrapped)
			} else {
				err = sqlite3.RegisterScalarFunction(f.name, f.nArg, wrapped)
			}
			if err != nil {
				registerErr = fmt.Errorf("register %s: %w", f.name, err)
				return
			}
		}
	})
	return registerErr
}

func boolVal(b bool) (driver.Value, error) {
	if b {
		return int64(1), nil
	}
	return int64(0), nil
}

// asText accepts TEXT or BLOB arguments as a string.
func asText(v driver.Value) (string, bool) {
	switch t := v.(type) {
	case string:
		return t, true
	case []byte:
		return string(t), true
	}
	return "", false
}

func fnUUIDv7(_ []driver.Value) (driver.Value, error) {
	u, err := uuid.NewV7()
	if err != nil {
		return nil, err
	}
	return u[:], nil
}

func fnUUIDv7Text(_ []driver.Value) (driver.Value, error) {
	u, err := uuid.NewV7()
	if err != nil {
		return nil, err
	}
	return u.String(), nil
}

func uuidFromArg(v driver.Value) (uuid.UUID, bool) {
	b, ok := v.([]byte)
	if !ok || len(b) != 16 {
		return uuid.UUID{}, false
	}
	u, err := uuid.FromBytes(b)
	if err != nil {
		return uuid.UUID{}, false
	}
	return u, true
}

func fnIsUUID(args []driver.Value) (driver.Value, error) {
	if args[0] == nil {
		return boolVal(true)
	}
	_, ok := uuidFromArg(args[0])
	return boolVal(ok)
}

func fnIsUUIDv7(args []driver.Value) (driver.Value, error) {
	if args[0] == nil {
		return boolVal(true)
	}
	u, ok := uuidFromArg(args[0])
	return boolVal(ok && u.Version() == 7)
}

func fnParseUUID(args []driver.Value) (driver.Value, error) {
	if args[0] == nil {
		return nil, nil
	}
	s, ok := asText(args[0])
	if !ok {
		return nil, errors.New("parse_uuid: expected text")
	}
	u, err := uuid.Parse(s)
	if err != nil {
		return nil, fmt.Errorf("parse_uuid: %w", err)
	}
	return u[:], nil
}

func fnUUIDText(args []driver.Value) (driver.Value, error) {
	if args[0] == nil {
		return nil, nil
	}
	u, ok := uuidFromArg(args[0])
	if !ok {
		return nil, errors.New("uuid_text: expected 16-byte blob")
	}
	return u.String(), nil
}

func fnHashPassword(args []driver.Value) (driver.Value, error) {
	s, ok := asText(args[0])
	if !ok {
		return nil, errors.New("hash_password: expected text")
	}
	return pwhash.Hash(s)
}

var emailRe = regexp.MustCompile(`^[^@\s]+@[^@\s]+\.[^@\s]+$`)

func fnIsEmail(args []driver.Value) (driver.Value, error) {
	if args[0] == nil {
		return boolVal(true)
	}
	s, ok := asText(args[0])
	return boolVal(ok && emailRe.MatchString(s))
}

func fnIsJSON(args []driver.Value) (driver.Value, error) {
	if args[0] == nil {
		return boolVal(true)
	}
	s, ok := asText(args[0])
	return boolVal(ok && json.Valid([]byte(s)))
}

// fnJSONSchema validates a JSON document against a named registry schema.
// NULL documents pass; nullability is the column's own concern. Unknown
// schema names are hard errors so a bad CHECK fails loudly, not silently.
func fnJSONSchema(args []driver.Value) (driver.Value, error) {
	if len(args) < 2 || len(args) > 3 {
		return nil, errors.New("jsonschema: expected 2 or 3 arguments")
	}
	if args[0] == nil {
		return boolVal(true)
	}
	doc, ok := asText(args[0])
	if !ok {
		return boolVal(false)
	}
	name, ok := asText(args[1])
	if !ok {
		return nil, errors.New("jsonschema: schema name must be text")
	}
	extra := ""
	if len(args) == 3 && args[2] != nil {
		extra, _ = asText(args[2])
	}
	if schemas.Global().Get(name) == nil {
		return nil, fmt.Errorf("jsonschema: unknown schema %q", name)
	}
	if err := schemas.Global().ValidateRaw(name, []byte(doc), extra); err != nil {
		return boolVal(false)
	}
	return boolVal(true)
}

func fnJSONSchemaMatches(args []driver.Value) (driver.Value, error) {
	if args[0] == nil {
		return boolVal(true)
	}
	doc, ok := asText(args[0])
	if !ok {
		return boolVal(false)
	}
	schemaDoc, ok := asText(args[1])
	if !ok {
		return nil, errors.New("jsonschema_matches: schema must be text")
	}
	var value any
	if err := json.Unmarshal([]byte(doc), &value); err != nil {
		return boolVal(false)
	}
	if err := schemas.ValidateInline([]byte(schemaDoc), value); err != nil {
		return boolVal(false)
	}
	return boolVal(true)
}

func fnGeoIPCountry(args []driver.Value) (driver.Value, error) {
	if args[0] == nil {
		return nil, nil
	}
	s, ok := asText(args[0])
	if !ok {
		return nil, nil
	}
	code := geoip.CountryCode(s)
	if code == "" {
		return nil, nil
	}
	return code, nil
}

func fnB64Text(args []driver.Value) (driver.Value, error) {
	if args[0] == nil {
		return nil, nil
	}
	b, ok := args[0].([]byte)
	if !ok {
		if s, sok := args[0].(string); sok {
			b = []byte(s)
		} else {
			return nil, errors.New("b64_text: expected blob")
		}
	}
	return base64.RawURLEncoding.EncodeToString(b), nil
}

func fnB64Parse(args []driver.Value) (driver.Value, error) {
	if args[0] == nil {
		return nil, nil
	}
	s, ok := asText(args[0])
	if !ok {
		return nil, errors.New("b64_parse: expected text")
	}
	b, err := base64.RawURLEncoding.DecodeString(s)
	if err != nil {
		return nil, fmt.Errorf("b64_parse: %w", err)
	}
	return b, nil
}
