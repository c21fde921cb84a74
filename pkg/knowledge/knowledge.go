// Package knowledge parses knowledge entries: markdown files with a YAML
// frontmatter block delimited by "---" lines, carrying the zettel-style
// identity and relationship metadata described in spec.md §3/§10.
package knowledge

import (
	"fmt"
	"strings"

	"gopkg.in/yaml.v3"
)

// EntryType is one of the fixed knowledge categories.
type EntryType string

const (
	TypeConcept   EntryType = "concept"
	TypePattern   EntryType = "pattern"
	TypeLearning  EntryType = "learning"
	TypeReference EntryType = "reference"
	TypeProcedure EntryType = "procedure"
)

func (t EntryType) Valid() bool {
	switch t {
	case TypeConcept, TypePattern, TypeLearning, TypeReference, TypeProcedure:
		return true
	default:
		return false
	}
}

// RelationshipKind is one of the fixed typed-edge kinds.
type RelationshipKind string

const (
	RelationExtends     RelationshipKind = "extends"
	RelationReferences  RelationshipKind = "references"
	RelationContradicts RelationshipKind = "contradicts"
	RelationSupersedes  RelationshipKind = "supersedes"
)

func (k RelationshipKind) Valid() bool {
	switch k {
	case RelationExtends, RelationReferences, RelationContradicts, RelationSupersedes:
		return true
	default:
		return false
	}
}

// Relationship is a typed edge from this entry to another zettel_id.
type Relationship struct {
	From string           `yaml:"from"`
	To   string           `yaml:"to"`
	Kind RelationshipKind `yaml:"kind"`
}

type frontmatter struct {
	ZettelID      string         `yaml:"zettel_id"`
	Title         string         `yaml:"title"`
	EntryType     EntryType      `yaml:"entry_type"`
	Tags          []string       `yaml:"tags"`
	Relationships []Relationship `yaml:"relationships"`
}

// Entry is a fully parsed knowledge artifact.
type Entry struct {
	ZettelID      string
	Title         string
	EntryType     EntryType
	Tags          []string
	Relationships []Relationship
	Body          string
}

// Parse splits source into frontmatter and body and decodes the
// frontmatter against the fixed required-key schema.
func Parse(source []byte) (*Entry, error) {
	fm, body, err := splitFrontmatter(string(source))
	if err != nil {
		return nil, err
	}

	var raw frontmatter
	if err := yaml.Unmarshal([]byte(fm), &raw); err != nil {
		return nil, &ParseError{Err: err}
	}

	if strings.TrimSpace(raw.ZettelID) == "" {
		return nil, &SchemaError{Field: "zettel_id", Message: "required"}
	}
	if strings.TrimSpace(raw.Title) == "" {
		return nil, &SchemaError{Field: "title", Message: "required"}
	}
	if !raw.EntryType.Valid() {
		return nil, &SchemaError{Field: "entry_type", Message: fmt.Sprintf("unrecognized entry_type %q", raw.EntryType)}
	}
	for i, rel := range raw.Relationships {
		if !rel.Kind.Valid() {
			return nil, &SchemaError{Field: "relationships", Message: fmt.Sprintf("entry %d: unrecognized kind %q", i, rel.Kind)}
		}
	}

	return &Entry{
		ZettelID:      raw.ZettelID,
		Title:         raw.Title,
		EntryType:     raw.EntryType,
		Tags:          raw.Tags,
		Relationships: raw.Relationships,
		Body:          strings.TrimSpace(body),
	}, nil
}

// splitFrontmatter extracts the YAML block between the first two "---"
// delimiter lines; everything after is the body.
func splitFrontmatter(source string) (fm, body string, err error) {
	trimmed := strings.TrimLeft(source, "﻿ \t\r\n")
	if !strings.HasPrefix(trimmed, "---") {
		return "", "", &SchemaError{Message: "missing frontmatter delimiter '---'"}
	}

	rest := strings.TrimPrefix(trimmed, "---")
	rest = strings.TrimPrefix(rest, "\r\n")
	rest = strings.TrimPrefix(rest, "\n")

	idx := strings.Index(rest, "\n---")
	if idx == -1 {
		return "", "", &SchemaError{Message: "unterminated frontmatter block"}
	}

	fm = rest[:idx]
	after := rest[idx+len("\n---"):]
	after = strings.TrimPrefix(after, "\r\n")
	after = strings.TrimPrefix(after, "\n")
	return fm, after, nil
}

// ParseError wraps a malformed-YAML failure.
type ParseError struct{ Err error }

func (e *ParseError) Error() string { return fmt.Sprintf("parse_error: %v", e.Err) }
func (e *ParseError) Unwrap() error { return e.Err }

// SchemaError wraps a missing-required-key or invalid-enum failure.
type SchemaError struct {
	Field   string
	Message string
}

func (e *SchemaError) Error() string {
	if e.Field == "" {
		return fmt.Sprintf("schema_error: %s", e.Message)
	}
	return fmt.Sprintf("schema_error: %s: %s", e.Field, e.Message)
}
