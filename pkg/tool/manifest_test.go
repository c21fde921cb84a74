package tool

import (
	"testing"

	"github.com/stretchr/testify/require"
)

func TestParse_Primitive(t *testing.T) {
	data := []byte(`
tool_id: subprocess_exec
tool_type: primitive
version: "1.0"
config:
  kind: subprocess
`)
	m, err := Parse(data)
	require.NoError(t, err)
	require.Equal(t, TypePrimitive, m.ToolType)
	require.Nil(t, m.Executor)
	require.NotNil(t, m.Primitive)
	require.Equal(t, PrimitiveSubprocess, m.Primitive.Kind)
}

func TestParse_Runtime(t *testing.T) {
	data := []byte(`
tool_id: python_runner
tool_type: runtime
version: "1.0"
executor: subprocess_exec
config:
  command: python3
  args: ["-u"]
  env:
    PYTHONUNBUFFERED: "1"
parameters:
  - name: script
    type: string
    required: true
`)
	m, err := Parse(data)
	require.NoError(t, err)
	require.Equal(t, TypeRuntime, m.ToolType)
	require.NotNil(t, m.Executor)
	require.Equal(t, "subprocess_exec", *m.Executor)
	require.NotNil(t, m.Runtime)
	require.Equal(t, "python3", m.Runtime.Command)
	require.Equal(t, []string{"-u"}, m.Runtime.Args)
	require.Len(t, m.Parameters, 1)
}

func TestParse_RejectsUnknownToolType(t *testing.T) {
	data := []byte(`
tool_id: bogus
tool_type: nonsense
version: "1.0"
`)
	_, err := Parse(data)
	require.Error(t, err)
	var schemaErr *SchemaError
	require.ErrorAs(t, err, &schemaErr)
}

func TestParse_RejectsPrimitiveWithExecutor(t *testing.T) {
	data := []byte(`
tool_id: bad_primitive
tool_type: primitive
version: "1.0"
executor: something
config:
  kind: http
`)
	_, err := Parse(data)
	require.Error(t, err)
	var semErr *SemanticError
	require.ErrorAs(t, err, &semErr)
}

func TestParse_RejectsNonPrimitiveWithoutExecutor(t *testing.T) {
	data := []byte(`
tool_id: bad_runtime
tool_type: runtime
version: "1.0"
config:
  command: echo
`)
	_, err := Parse(data)
	require.Error(t, err)
	var semErr *SemanticError
	require.ErrorAs(t, err, &semErr)
}

func TestParse_RejectsMalformedID(t *testing.T) {
	data := []byte(`
tool_id: "Bad ID!"
tool_type: primitive
version: "1.0"
config:
  kind: subprocess
`)
	_, err := Parse(data)
	require.Error(t, err)
	var schemaErr *SchemaError
	require.ErrorAs(t, err, &schemaErr)
	require.Equal(t, "tool_id", schemaErr.Field)
}

func TestParse_MalformedYAML(t *testing.T) {
	_, err := Parse([]byte("tool_id: [unterminated"))
	require.Error(t, err)
	var parseErr *ParseError
	require.ErrorAs(t, err, &parseErr)
}

func TestManifest_ToDefinition(t *testing.T) {
	m := &Manifest{
		ToolID: "search_files",
		Parameters: []Parameter{
			{Name: "query", Type: "string", Required: true},
			{Name: "limit", Type: "int", Required: false, Default: 10},
		},
	}
	def := m.ToDefinition("searches files by content")
	require.Equal(t, "search_files", def.Name)
	require.Equal(t, []string{"query"}, def.Parameters.Required)

	qProp, ok := def.Parameters.Properties.Get("query")
	require.True(t, ok)
	require.Equal(t, "string", qProp.Type)

	lProp, ok := def.Parameters.Properties.Get("limit")
	require.True(t, ok)
	require.Equal(t, "integer", lProp.Type)
}
