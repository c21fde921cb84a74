// Package tool defines the Tool Manifest data model (spec.md §3/§4.2):
// a closed tagged union over {Primitive, Runtime, Script, Api, McpServer,
// McpTool}, decoded from a YAML mapping. Unknown top-level keys are
// ignored rather than rejected and are not kept; the config mapping is
// kept whole, unknown keys included, in Manifest.Raw.
package tool

import (
	"fmt"
	"regexp"

	"github.com/mitchellh/mapstructure"
	"gopkg.in/yaml.v3"
)

// Type is the tool_type tag of the union.
type Type string

const (
	TypePrimitive Type = "primitive"
	TypeRuntime   Type = "runtime"
	TypeScript    Type = "script"
	TypeAPI       Type = "api"
	TypeMCPServer Type = "mcp_server"
	TypeMCPTool   Type = "mcp_tool"
)

func (t Type) Valid() bool {
	switch t {
	case TypePrimitive, TypeRuntime, TypeScript, TypeAPI, TypeMCPServer, TypeMCPTool:
		return true
	default:
		return false
	}
}

// IsPrimitive reports whether this tool type terminates a chain.
func (t Type) IsPrimitive() bool {
	return t == TypePrimitive
}

var idPattern = regexp.MustCompile(`^[a-z][a-z0-9_]*$`)

// Parameter describes one entry of a tool's parameters list.
type Parameter struct {
	Name     string `yaml:"name" json:"name" mapstructure:"name"`
	Type     string `yaml:"type" json:"type" mapstructure:"type"`
	Required bool   `yaml:"required" json:"required" mapstructure:"required"`
	Default  any    `yaml:"default,omitempty" json:"default,omitempty" mapstructure:"default"`
}

// RuntimeConfig backs tool_type=runtime: {command, args, env}.
type RuntimeConfig struct {
	Command string            `yaml:"command" mapstructure:"command"`
	Args    []string          `yaml:"args,omitempty" mapstructure:"args"`
	Env     map[string]string `yaml:"env,omitempty" mapstructure:"env"`
	Cwd     string            `yaml:"cwd,omitempty" mapstructure:"cwd"`
}

// ScriptConfig backs tool_type=script: an entrypoint handed to its runtime
// executor via config-key coverage (§4.4).
type ScriptConfig struct {
	Entrypoint string            `yaml:"entrypoint" mapstructure:"entrypoint"`
	Args       []string          `yaml:"args,omitempty" mapstructure:"args"`
	Env        map[string]string `yaml:"env,omitempty" mapstructure:"env"`
}

// APIConfig backs tool_type=api: {method, url_template, headers}.
type APIConfig struct {
	Method      string            `yaml:"method" mapstructure:"method"`
	URLTemplate string            `yaml:"url_template" mapstructure:"url_template"`
	Headers     map[string]string `yaml:"headers,omitempty" mapstructure:"headers"`
	Body        string            `yaml:"body,omitempty" mapstructure:"body"`
	TimeoutMS   int               `yaml:"timeout_ms,omitempty" mapstructure:"timeout_ms"`
}

// MCPServerConfig backs tool_type=mcp_server: the connection description
// for an MCP server exposing one or more tools.
type MCPServerConfig struct {
	Transport string            `yaml:"transport" mapstructure:"transport"` // stdio | sse | streamable-http
	URL       string            `yaml:"url,omitempty" mapstructure:"url"`
	Command   string            `yaml:"command,omitempty" mapstructure:"command"`
	Args      []string          `yaml:"args,omitempty" mapstructure:"args"`
	Env       map[string]string `yaml:"env,omitempty" mapstructure:"env"`
}

// MCPToolConfig backs tool_type=mcp_tool: one tool exposed by a named
// mcp_server executor link.
type MCPToolConfig struct {
	RemoteName string `yaml:"remote_name" mapstructure:"remote_name"`
}

// PrimitiveKind names one of the kernel's hard-coded leaf executors.
// The overall tool set (including primitive kinds) is not user-extensible
// at runtime (spec.md §9 Open Questions) — this is a closed enum.
type PrimitiveKind string

const (
	PrimitiveSubprocess PrimitiveKind = "subprocess"
	PrimitiveHTTP       PrimitiveKind = "http"
)

// PrimitiveConfig backs tool_type=primitive.
type PrimitiveConfig struct {
	Kind PrimitiveKind `yaml:"kind" mapstructure:"kind"`
}

// Manifest is the fully decoded, typed tool manifest.
type Manifest struct {
	ToolID               string   `yaml:"tool_id"`
	ToolType             Type     `yaml:"tool_type"`
	Version              string   `yaml:"version"`
	Executor             *string  `yaml:"executor"`
	Parameters           []Parameter
	RequiredCapabilities []string `yaml:"required_capabilities"`

	// Exactly one of these is populated, selected by ToolType.
	Runtime   *RuntimeConfig
	Script    *ScriptConfig
	API       *APIConfig
	MCPServer *MCPServerConfig
	MCPTool   *MCPToolConfig
	Primitive *PrimitiveConfig

	// Raw preserves the untyped config mapping. Unrecognized top-level
	// keys are dropped during decoding and do not appear here.
	Raw map[string]any
}

// rawManifest is the outer schema shared by every tool_type; Config varies.
type rawManifest struct {
	ToolID               string         `yaml:"tool_id"`
	ToolType             Type           `yaml:"tool_type"`
	Version              string         `yaml:"version"`
	Executor             *string        `yaml:"executor"`
	Config               map[string]any `yaml:"config"`
	Parameters           []Parameter    `yaml:"parameters"`
	RequiredCapabilities []string       `yaml:"required_capabilities"`
}

// Parse decodes YAML bytes into a typed Manifest, dispatching the Config
// mapping to the tool_type's concrete struct via mapstructure — the
// "typed outer schema, strongly-typed config varying by tool_type" shape
// from spec.md's Design Notes.
func Parse(data []byte) (*Manifest, error) {
	var raw rawManifest
	if err := yaml.Unmarshal(data, &raw); err != nil {
		return nil, &ParseError{Err: err}
	}

	if !idPattern.MatchString(raw.ToolID) {
		return nil, &SchemaError{Field: "tool_id", Message: fmt.Sprintf("must match %s", idPattern.String())}
	}
	if !raw.ToolType.Valid() {
		return nil, &SchemaError{Field: "tool_type", Message: fmt.Sprintf("unrecognized tool_type %q", raw.ToolType)}
	}

	m := &Manifest{
		ToolID:               raw.ToolID,
		ToolType:             raw.ToolType,
		Version:              raw.Version,
		Executor:             raw.Executor,
		Parameters:           raw.Parameters,
		RequiredCapabilities: raw.RequiredCapabilities,
		Raw:                  raw.Config,
	}

	if err := m.decodeConfig(raw.Config); err != nil {
		return nil, err
	}

	if err := m.validateSemantics(); err != nil {
		return nil, err
	}

	return m, nil
}

func (m *Manifest) decodeConfig(cfg map[string]any) error {
	decode := func(out any) error {
		dec, err := mapstructure.NewDecoder(&mapstructure.DecoderConfig{
			Result:           out,
			WeaklyTypedInput: true,
		})
		if err != nil {
			return err
		}
		return dec.Decode(cfg)
	}

	switch m.ToolType {
	case TypePrimitive:
		var c PrimitiveConfig
		if err := decode(&c); err != nil {
			return &SchemaError{Field: "config", Message: err.Error()}
		}
		m.Primitive = &c
	case TypeRuntime:
		var c RuntimeConfig
		if err := decode(&c); err != nil {
			return &SchemaError{Field: "config", Message: err.Error()}
		}
		m.Runtime = &c
	case TypeScript:
		var c ScriptConfig
		if err := decode(&c); err != nil {
			return &SchemaError{Field: "config", Message: err.Error()}
		}
		m.Script = &c
	case TypeAPI:
		var c APIConfig
		if err := decode(&c); err != nil {
			return &SchemaError{Field: "config", Message: err.Error()}
		}
		m.API = &c
	case TypeMCPServer:
		var c MCPServerConfig
		if err := decode(&c); err != nil {
			return &SchemaError{Field: "config", Message: err.Error()}
		}
		m.MCPServer = &c
	case TypeMCPTool:
		var c MCPToolConfig
		if err := decode(&c); err != nil {
			return &SchemaError{Field: "config", Message: err.Error()}
		}
		m.MCPTool = &c
	}
	return nil
}

// validateSemantics enforces "tool_type=primitive ⇔ executor=null".
func (m *Manifest) validateSemantics() error {
	isPrimitive := m.ToolType == TypePrimitive
	hasExecutor := m.Executor != nil && *m.Executor != ""

	if isPrimitive && hasExecutor {
		return &SemanticError{Message: "primitive tools must not declare an executor"}
	}
	if !isPrimitive && !hasExecutor {
		return &SemanticError{Message: "non-primitive tools must declare an executor"}
	}
	if isPrimitive && m.Primitive == nil {
		return &SemanticError{Message: "primitive tools must declare config.kind"}
	}
	return nil
}

// ParseError wraps a malformed-syntax failure.
type ParseError struct{ Err error }

func (e *ParseError) Error() string { return fmt.Sprintf("parse_error: %v", e.Err) }
func (e *ParseError) Unwrap() error { return e.Err }

// SchemaError wraps a known-field-wrong-type-or-missing failure.
type SchemaError struct {
	Field   string
	Message string
}

func (e *SchemaError) Error() string { return fmt.Sprintf("schema_error: %s: %s", e.Field, e.Message) }

// SemanticError wraps a structurally valid but semantically invalid
// manifest, e.g. a primitive with a non-null executor.
type SemanticError struct{ Message string }

func (e *SemanticError) Error() string { return fmt.Sprintf("semantic_error: %s", e.Message) }
