package mcpproxy

import (
	"context"
	"fmt"
	"sync"

	"github.com/kiwi-run/kiwi/pkg/tool"
)

// Manager keeps one Session per mcp_server tool_id alive across calls, so
// a chain of mcp_tool invocations against the same server reuses its
// connection instead of reconnecting per call.
type Manager struct {
	mu       sync.Mutex
	sessions map[string]*Session
}

func NewManager() *Manager {
	return &Manager{sessions: make(map[string]*Session)}
}

// Session returns the live session for serverID, constructing and
// caching one from cfg if this is the first request for that server.
func (m *Manager) Session(serverID string, cfg tool.MCPServerConfig) (*Session, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if s, ok := m.sessions[serverID]; ok {
		return s, nil
	}
	s, err := NewSession(cfg)
	if err != nil {
		return nil, fmt.Errorf("mcpproxy: %s: %w", serverID, err)
	}
	m.sessions[serverID] = s
	return s, nil
}

// Execute resolves the mcp_server link for an mcp_tool manifest and calls
// its remote_name tool. serverID/serverCfg come from the chain link whose
// manifest has tool_type=mcp_server; toolCfg is the mcp_tool manifest's
// own config.
func (m *Manager) Execute(ctx context.Context, serverID string, serverCfg tool.MCPServerConfig, toolCfg tool.MCPToolConfig, args map[string]any) (map[string]any, error) {
	s, err := m.Session(serverID, serverCfg)
	if err != nil {
		return nil, err
	}
	return s.CallTool(ctx, toolCfg.RemoteName, args)
}

// CloseAll tears down every cached session, e.g. on kernel shutdown.
func (m *Manager) CloseAll() error {
	m.mu.Lock()
	defer m.mu.Unlock()
	var firstErr error
	for id, s := range m.sessions {
		if err := s.Close(); err != nil && firstErr == nil {
			firstErr = fmt.Errorf("mcpproxy: close %s: %w", id, err)
		}
	}
	m.sessions = make(map[string]*Session)
	return firstErr
}
