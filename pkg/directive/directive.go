// Package directive parses directive artifacts: markdown files that embed
// exactly one <directive> XML block describing a workflow script for the
// harness to run (spec.md §4.2, §10 XML schema).
//
// Directives are otherwise plain markdown — the XML block's surrounding
// prose is preserved verbatim as narrative content the harness feeds to
// the LLM, but only the block itself is parsed into structured fields.
package directive

import (
	"encoding/xml"
	"fmt"
	"regexp"
	"strings"
)

var blockPattern = regexp.MustCompile(`(?s)<directive\b.*?</directive>`)

// Permission is one entry of a directive's <permissions> block, matching
// the capability triple {action, resource, scope_path?} (spec.md §4.5).
type Permission struct {
	Action    string `xml:"-"`
	Resource  string `xml:"resource,attr"`
	ScopePath string `xml:"path,attr"`
	Command   string `xml:"command,attr"`
}

// rawPermissions captures each permission child element by its tag name,
// since XML has no native "list of any of these elements" construct.
type rawPermissions struct {
	Read  []Permission `xml:"read"`
	Write []Permission `xml:"write"`
	Exec  []Permission `xml:"exec"`
}

// Model pins the LLM tier a directive expects to run under.
type Model struct {
	Tier string `xml:"tier,attr"`
}

// Cost declares the budget ceilings enforced by the harness (spec.md §4.9).
type Cost struct {
	MaxTurns  int     `xml:"max_turns,attr"`
	MaxTokens int     `xml:"max_tokens,attr"`
	MaxUSD    float64 `xml:"max_usd,attr"`
	TTL       string  `xml:"ttl,attr"`
}

type metadata struct {
	Description string         `xml:"description"`
	Category    string         `xml:"category"`
	Model       Model          `xml:"model"`
	Permissions rawPermissions `xml:"permissions"`
	Cost        Cost           `xml:"cost"`
}

// ToolRef is one prefetch hint in a directive's <tools> block.
type ToolRef struct {
	ID string `xml:"id,attr"`
}

type rawDirective struct {
	XMLName  xml.Name  `xml:"directive"`
	Name     string    `xml:"name,attr"`
	Version  string    `xml:"version,attr"`
	Metadata metadata  `xml:"metadata"`
	Inputs   string    `xml:"inputs"`
	Process  string    `xml:"process"`
	Outputs  string    `xml:"outputs"`
	Tools    []ToolRef `xml:"tools>tool"`
}

// Directive is the fully parsed artifact.
type Directive struct {
	Name        string
	Version     string
	Description string
	Category    string
	ModelTier   string
	Permissions []Permission
	Cost        Cost
	Inputs      string
	Process     string
	Outputs     string
	Tools       []ToolRef

	// Narrative is the full markdown source, prose and XML block alike —
	// what the harness feeds to the LLM as the directive's system prompt.
	Narrative string
}

// Parse extracts the single <directive> block from markdown source and
// decodes it. Exactly one block is required; zero or multiple is a
// schema error.
func Parse(source []byte) (*Directive, error) {
	text := string(source)
	blocks := blockPattern.FindAllString(text, -1)
	switch len(blocks) {
	case 0:
		return nil, &SchemaError{Message: "no <directive> block found"}
	case 1:
		// ok
	default:
		return nil, &SchemaError{Message: fmt.Sprintf("expected exactly one <directive> block, found %d", len(blocks))}
	}

	var raw rawDirective
	if err := xml.Unmarshal([]byte(blocks[0]), &raw); err != nil {
		return nil, &ParseError{Err: err}
	}

	if strings.TrimSpace(raw.Name) == "" {
		return nil, &SchemaError{Message: "directive name attribute is required"}
	}
	if strings.TrimSpace(raw.Version) == "" {
		return nil, &SchemaError{Message: "directive version attribute is required"}
	}

	d := &Directive{
		Name:        raw.Name,
		Version:     raw.Version,
		Description: strings.TrimSpace(raw.Metadata.Description),
		Category:    strings.TrimSpace(raw.Metadata.Category),
		ModelTier:   raw.Metadata.Model.Tier,
		Cost:        raw.Metadata.Cost,
		Inputs:      strings.TrimSpace(raw.Inputs),
		Process:     strings.TrimSpace(raw.Process),
		Outputs:     strings.TrimSpace(raw.Outputs),
		Tools:       raw.Tools,
		Narrative:   text,
	}

	for _, p := range raw.Metadata.Permissions.Read {
		p.Action = "read"
		d.Permissions = append(d.Permissions, p)
	}
	for _, p := range raw.Metadata.Permissions.Write {
		p.Action = "write"
		d.Permissions = append(d.Permissions, p)
	}
	for _, p := range raw.Metadata.Permissions.Exec {
		p.Action = "exec"
		d.Permissions = append(d.Permissions, p)
	}

	return d, nil
}

// IsCore reports whether a directive resolved from the given source tier
// belongs to the system-shipped core set: core directives are exactly
// those resolved from PackageRoot (source "package"). Capability minting
// uses it to apply the hierarchical rule without re-deriving the tier.
func IsCore(source string) bool {
	return source == "package"
}

// ParseError wraps a malformed-XML failure.
type ParseError struct{ Err error }

func (e *ParseError) Error() string { return fmt.Sprintf("parse_error: %v", e.Err) }
func (e *ParseError) Unwrap() error { return e.Err }

// SchemaError wraps a structurally invalid directive (missing required
// attribute, wrong block count).
type SchemaError struct{ Message string }

func (e *SchemaError) Error() string { return fmt.Sprintf("schema_error: %s", e.Message) }
