package mcpproxy

import (
	"testing"

	"github.com/mark3labs/mcp-go/mcp"
	"github.com/stretchr/testify/require"

	"github.com/kiwi-run/kiwi/pkg/tool"
)

func mcpToolInputSchema() mcp.ToolInputSchema {
	return mcp.ToolInputSchema{Type: "object"}
}

func TestManager_SessionIsCachedPerServerID(t *testing.T) {
	m := NewManager()
	cfg := tool.MCPServerConfig{Command: "/bin/echo"}

	s1, err := m.Session("supabase", cfg)
	require.NoError(t, err)

	s2, err := m.Session("supabase", cfg)
	require.NoError(t, err)

	require.Same(t, s1, s2)
}

func TestManager_DistinctServerIDsGetDistinctSessions(t *testing.T) {
	m := NewManager()

	s1, err := m.Session("server_a", tool.MCPServerConfig{Command: "/bin/echo"})
	require.NoError(t, err)

	s2, err := m.Session("server_b", tool.MCPServerConfig{Command: "/bin/cat"})
	require.NoError(t, err)

	require.NotSame(t, s1, s2)
}

func TestNewSession_RequiresURLOrCommand(t *testing.T) {
	_, err := NewSession(tool.MCPServerConfig{})
	require.Error(t, err)
}

func TestSession_IsStdioDetection(t *testing.T) {
	s, err := NewSession(tool.MCPServerConfig{Command: "/bin/echo"})
	require.NoError(t, err)
	require.True(t, s.isStdio())

	s, err = NewSession(tool.MCPServerConfig{URL: "http://localhost:9000", Transport: "streamable-http"})
	require.NoError(t, err)
	require.False(t, s.isStdio())
}

func TestConvertSchema_RoundTripsEmptySchema(t *testing.T) {
	schema := convertSchema(mcpToolInputSchema())
	require.NotNil(t, schema)
}
