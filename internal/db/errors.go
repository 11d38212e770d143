package db

import (
	"errors"

	sqlite3 "modernc.org/sqlite"
)

// SQLite extended result codes for constraint violations. These map to
// BadRequest at the HTTP surface; any other SQLite error is Internal.
const (
	codeConstraintCheck      = 275
	codeConstraintCommitHook = 531
	codeConstraintForeignKey = 787
	codeConstraintFunction   = 1043
	codeConstraintNotNull    = 1299
	codeConstraintPrimaryKey = 1555
	codeConstraintTrigger    = 1811
	codeConstraintUnique     = 2067
	codeConstraintVTab       = 2323
	codeConstraintRowID      = 2579
	codeConstraintPinned     = 2835
	codeConstraintDataType   = 3091
)

var constraintTags = map[int]string{
	codeConstraintCheck:      "check",
	codeConstraintCommitHook: "commit hook",
	codeConstraintForeignKey: "foreign key",
	codeConstraintFunction:   "function",
	codeConstraintNotNull:    "not null",
	codeConstraintPrimaryKey: "primary key",
	codeConstraintTrigger:    "trigger",
	codeConstraintUnique:     "unique",
	codeConstraintVTab:       "virtual table",
	codeConstraintRowID:      "rowid",
	codeConstraintPinned:     "pinned",
	codeConstraintDataType:   "data type",
}

// ConstraintTag returns a short tag ("unique", "check", ...) when err is a
// SQLite constraint violation, and ok=false otherwise. The generic
// SQLITE_CONSTRAINT code (19) reports as "constraint".
func ConstraintTag(err error) (tag string, ok bool) {
	var se *sqlite3.Error
	if !errors.As(err, &se) {
		return "", false
	}
	code := se.Code()
	if tag, ok := constraintTags[code]; ok {
		return tag, true
	}
	if code&0xff == 19 {
		return "constraint", true
	}
	return "", false
}

// IsUniqueViolation reports whether err is a unique or primary-key violation.
func IsUniqueViolation(err error) bool {
	var se *sqlite3.Error
	if !errors.As(err, &se) {
		return false
	}
	return se.Code() == codeConstraintUnique || se.Code() == codeConstraintPrimaryKey
}
