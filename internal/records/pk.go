// Package records serves the configured Record APIs: validated CRUD and list
// access to tables and views, file columns, FK expansion, and realtime
// subscriptions.
package records

import (
	"encoding/base64"
	"errors"
	"fmt"
	"strconv"

	"github.com/google/uuid"

	"github.com/bedrockdb/bedrock/internal/schema"
)

var errInvalidRecordID = errors.New("invalid record id")

// parseRecordID converts the URL form of a record id into the bound SQL
// value: int64 for integer PKs; 16 bytes for uuid PKs, accepting both the
// URL-safe base64 form and uuid text.
func parseRecordID(tbl *schema.Table, raw string) (any, error) {
	if tbl.RecordPK == "" {
		return nil, errInvalidRecordID
	}
	if !tbl.RecordPKIsUUID {
		n, err := strconv.ParseInt(raw, 10, 64)
		if err != nil {
			return nil, errInvalidRecordID
		}
		return n, nil
	}
	if b, err := base64.RawURLEncoding.DecodeString(raw); err == nil && len(b) == 16 {
		return b, nil
	}
	if id, err := uuid.Parse(raw); err == nil {
		return id[:], nil
	}
	return nil, errInvalidRecordID
}

// pkKey is the canonical text form of a PK value, used to match
// single-record subscriptions and returned as the record id.
func pkKey(v any) string {
	switch t := v.(type) {
	case int64:
		return strconv.FormatInt(t, 10)
	case []byte:
		return base64.RawURLEncoding.EncodeToString(t)
	case string:
		return t
	case float64:
		return strconv.FormatInt(int64(t), 10)
	}
	return fmt.Sprintf("%v", v)
}

func decodeB64URL(s string) ([]byte, error) {
	return base64.RawURLEncoding.DecodeString(s)
}

// encodeCursor wraps the canonical PK text of the last row of a page.
func encodeCursor(pkValue any) string {
	return base64.RawURLEncoding.EncodeToString([]byte(pkKey(pkValue)))
}

// decodeCursor converts a cursor back into a bindable PK value.
func decodeCursor(tbl *schema.Table, cursor string) (any, error) {
	raw, err := base64.RawURLEncoding.DecodeString(cursor)
	if err != nil {
		return nil, fmt.Errorf("invalid cursor")
	}
	v, err := parseRecordID(tbl, string(raw))
	if err != nil {
		return nil, fmt.Errorf("invalid cursor")
	}
	return v, nil
}
