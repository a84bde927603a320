package config

import (
	"time"

	"gopkg.in/yaml.v3"
)

// ConflictStrategy selects how ImportDocument reconciles an incoming
// entry that collides with an existing one by (kind, name, scope).
type ConflictStrategy string

const (
	ConflictSkip    ConflictStrategy = "skip"
	ConflictUpdate  ConflictStrategy = "update"
	ConflictReplace ConflictStrategy = "replace"
	ConflictError   ConflictStrategy = "error"
)

// IsValid reports whether s is one of the four conflict strategies.
func (s ConflictStrategy) IsValid() bool {
	switch s {
	case ConflictSkip, ConflictUpdate, ConflictReplace, ConflictError:
		return true
	}
	return false
}

// ExportEntry is one entry within an export/import document, per §6
// Formats. Relation targets are expressed by name+scope rather than id
// since ids are not stable across stores.
type ExportEntry struct {
	Type       string         `yaml:"type"`
	ScopeType  string         `yaml:"scopeType"`
	ScopeID    string         `yaml:"scopeId,omitempty"`
	Name       string         `yaml:"name"`
	Category   string         `yaml:"category,omitempty"`
	Priority   *int           `yaml:"priority,omitempty"`
	Content    string         `yaml:"content"`
	Rationale  string         `yaml:"rationale,omitempty"`
	Examples   string         `yaml:"examples,omitempty"`
	Parameters map[string]any `yaml:"parameters,omitempty"`
	Tags       []string       `yaml:"tags,omitempty"`
	Relations  []ExportRelation `yaml:"relations,omitempty"`
}

// ExportRelation references another entry by name within the same
// document, resolved against the target scope during import.
type ExportRelation struct {
	Type       string `yaml:"type"`
	TargetKind string `yaml:"targetKind"`
	TargetName string `yaml:"targetName"`
}

// Document is the root of an export/import document (§6 Formats).
type Document struct {
	Version    int           `yaml:"version"`
	ExportedAt time.Time     `yaml:"exportedAt"`
	Entries    []ExportEntry `yaml:"entries"`
}

// RemapTable maps a scopeId found in an imported document to a scopeId
// in the destination store, used when importing into a different
// org/project/session than the document was exported from.
type RemapTable map[string]string

// Apply rewrites e.ScopeID through the remap table, if a mapping exists.
func (t RemapTable) Apply(scopeID string) string {
	if mapped, ok := t[scopeID]; ok {
		return mapped
	}
	return scopeID
}

// MarshalDocument serializes a Document to YAML, the export format named
// in §6 Formats.
func MarshalDocument(doc *Document) ([]byte, error) {
	return yaml.Marshal(doc)
}

// UnmarshalDocument parses a YAML export document for import.
func UnmarshalDocument(data []byte) (*Document, error) {
	var doc Document
	if err := yaml.Unmarshal(data, &doc); err != nil {
		return nil, err
	}
	return &doc, nil
}
