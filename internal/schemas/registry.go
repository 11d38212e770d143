// Package schemas holds the process-wide registry of named JSON schemas
// referable from jsonschema() CHECK constraints and Record API file columns.
package schemas

import (
	"encoding/json"
	"fmt"
	"sync"

	"github.com/google/jsonschema-go/jsonschema"
)

// Builtin schema names.
const (
	FileUpload  = "std.FileUpload"
	FileUploads = "std.FileUploads"
)

// ExtraValidator is an optional schema-specific hook invoked after structural
// validation. The extra argument carries schema-specific options from the
// third jsonschema() argument (e.g. an allowed MIME list for file uploads).
type ExtraValidator func(value any, extra string) error

// Entry is a compiled named schema.
type Entry struct {
	Name     string
	Raw      json.RawMessage
	Schema   *jsonschema.Schema
	Resolved *jsonschema.Resolved
	Extra    ExtraValidator
	Builtin  bool
}

// Registry is a named-schema map with compile-and-cache semantics.
// Reads clone nothing; entries are immutable once registered. Updates are
// serialized; connections and statements validate per-call, so replacing an
// entry takes effect on the next validation.
type Registry struct {
	mu      sync.RWMutex
	entries map[string]*Entry
}

// global is the process-wide registry, initialized with the builtins.
var global = mustBuiltins()

// Global returns the process-wide registry.
func Global() *Registry {
	return global
}

// fileUploadSchema is the structural schema for a single uploaded file's
// column value. The blob itself lives in the object store; the row holds
// only this metadata.
const fileUploadSchema = `{
	"type": "object",
	"properties": {
		"id": {"type": "string"},
		"filename": {"type": "string"},
		"content_type": {"type": "string"},
		"mime_type": {"type": "string"},
		"size": {"type": "integer"}
	},
	"required": ["id"],
	"additionalProperties": false
}`

const fileUploadsSchema = `{
	"type": "array",
	"items": ` + fileUploadSchema + `
}`

func mustBuiltins() *Registry {
	r := &Registry{entries: make(map[string]*Entry)}
	if err := r.register(FileUpload, json.RawMessage(fileUploadSchema), validateFileMime, true); err != nil {
		panic(err)
	}
	if err := r.register(FileUploads, json.RawMessage(fileUploadsSchema), validateFilesMime, true); err != nil {
		panic(err)
	}
	return r
}

func (r *Registry) register(name string, raw json.RawMessage, extra ExtraValidator, builtin bool) error {
	var s jsonschema.Schema
	if err := json.Unmarshal(raw, &s); err != nil {
		return fmt.Errorf("schema %q: %w", name, err)
	}
	resolved, err := s.Resolve(nil)
	if err != nil {
		return fmt.Errorf("compiling schema %q: %w", name, err)
	}

	r.mu.Lock()
	r.entries[name] = &Entry{
		Name:     name,
		Raw:      raw,
		Schema:   &s,
		Resolved: resolved,
		Extra:    extra,
		Builtin:  builtin,
	}
	r.mu.Unlock()
	return nil
}

// Register adds or replaces a user schema. Builtins cannot be replaced.
func (r *Registry) Register(name string, raw json.RawMessage) error {
	r.mu.RLock()
	existing := r.entries[name]
	r.mu.RUnlock()
	if existing != nil && existing.Builtin {
		return fmt.Errorf("schema %q is a builtin and cannot be replaced", name)
	}
	return r.register(name, raw, nil, false)
}

// Get returns the entry for name, or nil.
func (r *Registry) Get(name string) *Entry {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return r.entries[name]
}

// Names returns all registered schema names.
func (r *Registry) Names() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	names := make([]string, 0, len(r.entries))
	for n := range r.entries {
		names = append(names, n)
	}
	return names
}

// Validate checks value (a decoded JSON document) against the named schema.
// extra is passed to the schema's ExtraValidator when present.
func (r *Registry) Validate(name string, value any, extra string) error {
	e := r.Get(name)
	if e == nil {
		return fmt.Errorf("unknown schema %q", name)
	}
	if err := e.Resolved.Validate(value); err != nil {
		return fmt.Errorf("schema %q: %w", name, err)
	}
	if e.Extra != nil && extra != "" {
		if err := e.Extra(value, extra); err != nil {
			return fmt.Errorf("schema %q: %w", name, err)
		}
	}
	return nil
}

// ValidateRaw decodes a JSON document and validates it against the named schema.
func (r *Registry) ValidateRaw(name string, doc []byte, extra string) error {
	var value any
	if err := json.Unmarshal(doc, &value); err != nil {
		return fmt.Errorf("invalid JSON: %w", err)
	}
	return r.Validate(name, value, extra)
}

// ValidateInline validates a decoded JSON document against an inline schema,
// compiling it on the fly. Used by the jsonschema_matches() SQL function.
func ValidateInline(schemaDoc []byte, value any) error {
	var s jsonschema.Schema
	if err := json.Unmarshal(schemaDoc, &s); err != nil {
		return fmt.Errorf("invalid inline schema: %w", err)
	}
	resolved, err := s.Resolve(nil)
	if err != nil {
		return fmt.Errorf("compiling inline schema: %w", err)
	}
	return resolved.Validate(value)
}
