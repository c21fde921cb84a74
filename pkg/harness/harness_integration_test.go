package harness

import (
	"context"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/kiwi-run/kiwi/pkg/capability"
	"github.com/kiwi-run/kiwi/pkg/integrity"
	"github.com/kiwi-run/kiwi/pkg/kernel"
	"github.com/kiwi-run/kiwi/pkg/llms"
	"github.com/kiwi-run/kiwi/pkg/thread"
)

type noopAuthStore struct{}

func (noopAuthStore) Secret(name string) (string, bool) { return "", false }

// scriptedProvider is a stub llms.LLMProvider that returns one queued
// response per Generate call: the first turns a tool call, every
// subsequent call completes the thread with plain text. It lets a
// Spawn/turnLoop test exercise dispatchToolCalls without a real LLM.
type scriptedProvider struct {
	calls     int
	responses []scriptedResponse
}

type scriptedResponse struct {
	text      string
	toolCalls []llms.ToolCall
}

func (p *scriptedProvider) Generate(messages []*llms.Message, tools []llms.ToolDefinition) (string, []llms.ToolCall, int, error) {
	i := p.calls
	if i >= len(p.responses) {
		i = len(p.responses) - 1
	}
	p.calls++
	r := p.responses[i]
	return r.text, r.toolCalls, 5, nil
}

func (p *scriptedProvider) GenerateStreaming(messages []*llms.Message, tools []llms.ToolDefinition) (<-chan llms.StreamChunk, error) {
	ch := make(chan llms.StreamChunk)
	close(ch)
	return ch, nil
}

func (p *scriptedProvider) GetModelName() string    { return "scripted-model" }
func (p *scriptedProvider) GetMaxTokens() int       { return 1000 }
func (p *scriptedProvider) GetTemperature() float64 { return 0 }
func (p *scriptedProvider) Close() error            { return nil }

func newTestKernel(t *testing.T) *kernel.Kernel {
	t.Helper()
	dir := t.TempDir()
	cfg := kernel.Config{
		ProjectDir:   filepath.Join(dir, "project"),
		SessionsDir:  filepath.Join(dir, "project", "sessions"),
		LockfilePath: filepath.Join(dir, "project", "lock.json"),
		VerifyMode:   integrity.ModeOff,
		DefaultTTL:   time.Minute,
		ShellAllow:   capability.AllowedShellCommands{"echo"},
	}
	k, err := kernel.New(cfg, noopAuthStore{})
	require.NoError(t, err)
	t.Cleanup(func() { _ = k.Close() })
	return k
}

func writeDirectiveFixture(t *testing.T, projectDir, id, xml string) {
	t.Helper()
	dir := filepath.Join(projectDir, "directives")
	require.NoError(t, os.MkdirAll(dir, 0o755))
	require.NoError(t, os.WriteFile(filepath.Join(dir, id+".md"), []byte(xml), 0o644))
}

func writeToolFixtureFor(t *testing.T, projectDir, id, content string) {
	t.Helper()
	dir := filepath.Join(projectDir, "tools")
	require.NoError(t, os.MkdirAll(dir, 0o755))
	require.NoError(t, os.WriteFile(filepath.Join(dir, id+".yaml"), []byte(content), 0o644))
}

// TestHarness_Spawn_CompletesAfterToolCall drives a full Spawn →
// turnLoop run to a terminal state: the stub provider's first turn
// requests a tool call dispatched through kernel.Execute, its second
// turn returns plain text, ending the thread as completed.
func TestHarness_Spawn_CompletesAfterToolCall(t *testing.T) {
	k := newTestKernel(t)

	writeToolFixtureFor(t, k.ProjectSandbox(), "echo_tool", `
tool_id: echo_tool
tool_type: primitive
version: "1.0"
required_capabilities:
  - "execute:shell:echo"
config:
  kind: subprocess
  command: /bin/echo
  args:
    - hello
`)

	writeDirectiveFixture(t, k.ProjectSandbox(), "greeter", `
# Greeter

<directive name="greeter" version="1.0">
<metadata>
<description>says hello via a tool call</description>
<permissions>
<exec resource="shell" command="echo"/>
</permissions>
</metadata>
<inputs></inputs>
<process>call echo_tool, then finish</process>
<outputs></outputs>
<tools>
<tool id="echo_tool"/>
</tools>
</directive>
`)

	provider := &scriptedProvider{
		responses: []scriptedResponse{
			{
				text: "calling echo_tool",
				toolCalls: []llms.ToolCall{
					{ID: "call-1", Name: "echo_tool", Arguments: map[string]any{}},
				},
			},
			{text: "done"},
		},
	}

	h := New(k, Config{
		Providers: map[string]llms.LLMProvider{"default": provider},
	}, nil)

	threadID, err := h.Spawn(SpawnRequest{DirectiveID: "greeter"})
	require.NoError(t, err)

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	rec, err := h.Threads().Await(ctx, threadID)
	require.NoError(t, err)
	require.Equal(t, thread.StatusCompleted, rec.Status)
	require.Equal(t, "done", rec.FinalResult["text"])
	require.GreaterOrEqual(t, rec.Usage.Turns, 1)
}

// TestHarness_Spawn_DepthLimit confirms a spawn request at the
// configured max depth is rejected before a thread is even registered.
func TestHarness_Spawn_DepthLimit(t *testing.T) {
	k := newTestKernel(t)

	writeDirectiveFixture(t, k.ProjectSandbox(), "noop", `
<directive name="noop" version="1.0">
<metadata><description>never runs</description></metadata>
<inputs></inputs>
<process></process>
<outputs></outputs>
</directive>
`)

	h := New(k, Config{
		Providers: map[string]llms.LLMProvider{"default": &scriptedProvider{
			responses: []scriptedResponse{{text: "done"}},
		}},
		MaxDepth: 2,
	}, nil)

	_, err := h.Spawn(SpawnRequest{DirectiveID: "noop", Depth: 2})
	require.Error(t, err)
	var depthErr *DepthExceededError
	require.ErrorAs(t, err, &depthErr)
}
