// Package mcpproxy implements the MCP-proxy chain link: connecting to an
// external MCP server (stdio or HTTP transport) and invoking one of its
// tools by name, for tool_type=mcp_server / mcp_tool manifests
// (spec.md §4.2/§4.4).
//
// Grounded on pkg/tool/mcptoolset.Toolset — same lazy-connect-on-first-use
// shape, same stdio-via-mark3labs/mcp-go / HTTP-via-pkg/httpclient
// transport split — generalized from "a toolset exposed to an agent" to
// "one chain link resolved and called by the kernel's executor", and from
// a single long-lived process-wide connection to one Session per
// mcp_server tool_id so multiple servers can be proxied concurrently
// without sharing state.
package mcpproxy

import (
	"bufio"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strings"
	"sync"
	"time"

	mcpclient "github.com/mark3labs/mcp-go/client"
	"github.com/mark3labs/mcp-go/mcp"

	"github.com/kiwi-run/kiwi/pkg/httpclient"
	"github.com/kiwi-run/kiwi/pkg/tool"
)

// DefaultSSEResponseTimeout bounds how long a streamable-http/SSE call
// waits for its first complete JSON-RPC response.
const DefaultSSEResponseTimeout = 5 * time.Minute

// ToolSpec describes one tool exposed by a connected MCP server.
type ToolSpec struct {
	Name        string
	Description string
	Schema      map[string]any
}

// Session is a live connection to one MCP server, established lazily on
// first use and reused for every subsequent call against that server.
type Session struct {
	cfg tool.MCPServerConfig

	mu         sync.Mutex
	stdio      *mcpclient.Client
	httpClient *httpclient.Client
	sessionID  string
	sessionMu  sync.RWMutex
	connected  bool
	tools      []ToolSpec
}

// NewSession constructs a Session from an mcp_server manifest's config.
// The connection itself is deferred until ListTools or CallTool.
func NewSession(cfg tool.MCPServerConfig) (*Session, error) {
	if cfg.URL == "" && cfg.Command == "" {
		return nil, fmt.Errorf("mcpproxy: mcp_server config needs url or command")
	}
	return &Session{cfg: cfg}, nil
}

func (s *Session) isStdio() bool {
	return s.cfg.Command != "" || s.cfg.Transport == "stdio"
}

// ListTools connects if necessary and returns the server's tool catalog.
// Neither the kernel's `help` meta-operation nor manifest loading calls
// it.
func (s *Session) ListTools(ctx context.Context) ([]ToolSpec, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if !s.connected {
		if err := s.connect(ctx); err != nil {
			return nil, err
		}
	}
	return s.tools, nil
}

// CallTool invokes remoteName on the connected server with args, returning
// the tool's structured result. Connects lazily if this is the first call.
func (s *Session) CallTool(ctx context.Context, remoteName string, args map[string]any) (map[string]any, error) {
	s.mu.Lock()
	if !s.connected {
		if err := s.connect(ctx); err != nil {
			s.mu.Unlock()
			return nil, err
		}
	}
	useStdio := s.isStdio()
	s.mu.Unlock()

	if useStdio {
		return s.callStdio(ctx, remoteName, args)
	}
	return s.callHTTP(ctx, remoteName, args)
}

func (s *Session) connect(ctx context.Context) error {
	if s.isStdio() {
		return s.connectStdio(ctx)
	}
	return s.connectHTTP(ctx)
}

func (s *Session) connectStdio(ctx context.Context) error {
	c, err := mcpclient.NewStdioMCPClient(s.cfg.Command, flattenEnv(s.cfg.Env), s.cfg.Args...)
	if err != nil {
		return fmt.Errorf("mcpproxy: create stdio client: %w", err)
	}
	if err := c.Start(ctx); err != nil {
		return fmt.Errorf("mcpproxy: start stdio client: %w", err)
	}

	initReq := mcp.InitializeRequest{}
	initReq.Params.ClientInfo = mcp.Implementation{Name: "kiwi", Version: "0.1.0"}
	initReq.Params.ProtocolVersion = "2024-11-05"
	if _, err := c.Initialize(ctx, initReq); err != nil {
		_ = c.Close()
		return fmt.Errorf("mcpproxy: initialize: %w", err)
	}

	listResp, err := c.ListTools(ctx, mcp.ListToolsRequest{})
	if err != nil {
		_ = c.Close()
		return fmt.Errorf("mcpproxy: list tools: %w", err)
	}

	specs := make([]ToolSpec, 0, len(listResp.Tools))
	for _, t := range listResp.Tools {
		specs = append(specs, ToolSpec{Name: t.Name, Description: t.Description, Schema: convertSchema(t.InputSchema)})
	}

	s.stdio = c
	s.tools = specs
	s.connected = true
	return nil
}

func (s *Session) callStdio(ctx context.Context, remoteName string, args map[string]any) (map[string]any, error) {
	s.mu.Lock()
	c := s.stdio
	s.mu.Unlock()
	if c == nil {
		return nil, fmt.Errorf("mcpproxy: stdio client not connected")
	}

	req := mcp.CallToolRequest{}
	req.Params.Name = remoteName
	req.Params.Arguments = args

	resp, err := c.CallTool(ctx, req)
	if err != nil {
		return nil, fmt.Errorf("mcpproxy: call %s: %w", remoteName, err)
	}
	return parseToolResult(resp)
}

func parseToolResult(resp *mcp.CallToolResult) (map[string]any, error) {
	result := make(map[string]any)
	if resp.IsError {
		for _, content := range resp.Content {
			if tc, ok := content.(mcp.TextContent); ok {
				result["error"] = tc.Text
				break
			}
		}
		if result["error"] == nil {
			result["error"] = "unknown error"
		}
		return result, nil
	}

	var texts []string
	for _, content := range resp.Content {
		if tc, ok := content.(mcp.TextContent); ok {
			texts = append(texts, tc.Text)
		}
	}
	switch len(texts) {
	case 0:
	case 1:
		result["result"] = texts[0]
	default:
		result["results"] = texts
	}
	return result, nil
}

// connectHTTP and callHTTP speak MCP's JSON-RPC-over-HTTP transport
// (sse / streamable-http) through a retrying httpclient.Client built per
// session, instead of the raw http.Client mcp-go's own HTTP client wraps.
func (s *Session) connectHTTP(ctx context.Context) error {
	s.httpClient = httpclient.New(
		httpclient.WithHTTPClient(&http.Client{Timeout: 30 * time.Second}),
		httpclient.WithMaxRetries(3),
		httpclient.WithBaseDelay(2*time.Second),
	)

	initResp, err := s.rpc(ctx, "initialize", map[string]any{
		"protocolVersion": "2024-11-05",
		"clientInfo":      map[string]any{"name": "kiwi", "version": "0.1.0"},
		"capabilities":    map[string]any{},
	})
	if err != nil {
		return fmt.Errorf("mcpproxy: initialize: %w", err)
	}
	if initResp.Error != nil {
		return fmt.Errorf("mcpproxy: initialize error: %s", initResp.Error.Message)
	}

	listResp, err := s.rpc(ctx, "tools/list", nil)
	if err != nil {
		return fmt.Errorf("mcpproxy: list tools: %w", err)
	}
	if listResp.Error != nil {
		return fmt.Errorf("mcpproxy: list tools error: %s", listResp.Error.Message)
	}

	resultMap, ok := listResp.Result.(map[string]any)
	if !ok {
		return fmt.Errorf("mcpproxy: unexpected tools/list result shape")
	}
	rawTools, _ := resultMap["tools"].([]any)

	specs := make([]ToolSpec, 0, len(rawTools))
	for _, raw := range rawTools {
		tm, ok := raw.(map[string]any)
		if !ok {
			continue
		}
		name, _ := tm["name"].(string)
		desc, _ := tm["description"].(string)
		schema, _ := tm["inputSchema"].(map[string]any)
		specs = append(specs, ToolSpec{Name: name, Description: desc, Schema: schema})
	}

	s.tools = specs
	s.connected = true
	return nil
}

func (s *Session) callHTTP(ctx context.Context, remoteName string, args map[string]any) (map[string]any, error) {
	resp, err := s.rpc(ctx, "tools/call", map[string]any{"name": remoteName, "arguments": args})
	if err != nil {
		return nil, fmt.Errorf("mcpproxy: call %s: %w", remoteName, err)
	}
	if resp.Error != nil {
		return map[string]any{"error": resp.Error.Message}, nil
	}

	resultMap, ok := resp.Result.(map[string]any)
	if !ok {
		return map[string]any{"result": resp.Result}, nil
	}

	if isErr, _ := resultMap["isError"].(bool); isErr {
		return map[string]any{"error": extractErrorText(resultMap)}, nil
	}

	result := make(map[string]any)
	if content, ok := resultMap["content"].([]any); ok {
		var texts []string
		for _, c := range content {
			cm, ok := c.(map[string]any)
			if !ok || cm["type"] != "text" {
				continue
			}
			if text, ok := cm["text"].(string); ok {
				texts = append(texts, text)
			}
		}
		switch len(texts) {
		case 0:
		case 1:
			result["result"] = texts[0]
		default:
			result["results"] = texts
		}
	}
	return result, nil
}

func extractErrorText(resultMap map[string]any) string {
	content, ok := resultMap["content"].([]any)
	if !ok {
		return "unknown error"
	}
	for _, c := range content {
		cm, ok := c.(map[string]any)
		if !ok {
			continue
		}
		if text, ok := cm["text"].(string); ok {
			return text
		}
	}
	return "unknown error"
}

type rpcRequest struct {
	JSONRPC string `json:"jsonrpc"`
	ID      int    `json:"id"`
	Method  string `json:"method"`
	Params  any    `json:"params,omitempty"`
}

type rpcResponse struct {
	JSONRPC string    `json:"jsonrpc"`
	ID      int       `json:"id"`
	Result  any       `json:"result,omitempty"`
	Error   *rpcError `json:"error,omitempty"`
}

type rpcError struct {
	Code    int    `json:"code"`
	Message string `json:"message"`
}

func (s *Session) rpc(ctx context.Context, method string, params any) (*rpcResponse, error) {
	body, err := json.Marshal(rpcRequest{JSONRPC: "2.0", ID: 1, Method: method, Params: params})
	if err != nil {
		return nil, fmt.Errorf("marshal request: %w", err)
	}

	httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost, s.cfg.URL, strings.NewReader(string(body)))
	if err != nil {
		return nil, fmt.Errorf("build request: %w", err)
	}
	httpReq.Header.Set("Content-Type", "application/json")
	httpReq.Header.Set("Accept", "application/json, text/event-stream")

	s.sessionMu.RLock()
	sessionID := s.sessionID
	s.sessionMu.RUnlock()
	if sessionID != "" {
		httpReq.Header.Set("mcp-session-id", sessionID)
	}

	resp, err := s.httpClient.Do(httpReq)
	if err != nil {
		return nil, fmt.Errorf("request failed: %w", err)
	}
	defer resp.Body.Close()

	if newSessionID := resp.Header.Get("mcp-session-id"); newSessionID != "" {
		s.sessionMu.Lock()
		s.sessionID = newSessionID
		s.sessionMu.Unlock()
	}

	if resp.StatusCode != http.StatusOK {
		b, _ := io.ReadAll(resp.Body)
		return nil, fmt.Errorf("http error %d: %s", resp.StatusCode, string(b))
	}

	if strings.Contains(resp.Header.Get("Content-Type"), "text/event-stream") {
		return readSSEResponse(resp)
	}

	b, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, fmt.Errorf("read response: %w", err)
	}
	var out rpcResponse
	if err := json.Unmarshal(b, &out); err != nil {
		return nil, fmt.Errorf("parse response: %w", err)
	}
	return &out, nil
}

// readSSEResponse reads the first complete JSON-RPC event from an SSE
// body, matching streamable-http's semantics where a single request
// produces exactly one terminal response event.
func readSSEResponse(resp *http.Response) (*rpcResponse, error) {
	type outcome struct {
		resp *rpcResponse
		err  error
	}
	out := make(chan outcome, 1)

	go func() {
		defer resp.Body.Close()
		reader := bufio.NewReader(resp.Body)
		var data strings.Builder

		for {
			line, err := reader.ReadBytes('\n')
			if err != nil {
				break
			}
			trimmed := strings.TrimSpace(string(line))
			if trimmed == "" {
				if data.Len() == 0 {
					continue
				}
				var r rpcResponse
				if json.Unmarshal([]byte(data.String()), &r) == nil {
					out <- outcome{resp: &r}
					return
				}
				data.Reset()
				continue
			}
			if strings.HasPrefix(trimmed, "data:") {
				data.WriteString(strings.TrimSpace(strings.TrimPrefix(trimmed, "data:")))
			}
		}
		if data.Len() > 0 {
			var r rpcResponse
			if json.Unmarshal([]byte(data.String()), &r) == nil {
				out <- outcome{resp: &r}
				return
			}
		}
		out <- outcome{err: fmt.Errorf("sse stream ended without a complete message")}
	}()

	select {
	case res := <-out:
		return res.resp, res.err
	case <-time.After(DefaultSSEResponseTimeout):
		return nil, fmt.Errorf("timeout reading sse response after %v", DefaultSSEResponseTimeout)
	}
}

func convertSchema(schema mcp.ToolInputSchema) map[string]any {
	data, err := json.Marshal(schema)
	if err != nil {
		return nil
	}
	var out map[string]any
	_ = json.Unmarshal(data, &out)
	return out
}

func flattenEnv(env map[string]string) []string {
	out := make([]string, 0, len(env))
	for k, v := range env {
		out = append(out, k+"="+v)
	}
	return out
}

// Close tears down the underlying connection, if one was established.
func (s *Session) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.stdio != nil {
		err := s.stdio.Close()
		s.stdio = nil
		s.connected = false
		s.tools = nil
		return err
	}
	s.httpClient = nil
	s.connected = false
	s.tools = nil
	return nil
}
