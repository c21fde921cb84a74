package kernel

import (
	"context"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/kiwi-run/kiwi/pkg/capability"
	"github.com/kiwi-run/kiwi/pkg/integrity"
	"github.com/kiwi-run/kiwi/pkg/item"
)

// noopAuthStore satisfies environ.AuthStore for fixtures that never
// reference an auth-store secret.
type noopAuthStore struct{}

func (noopAuthStore) Secret(name string) (string, bool) { return "", false }

func newTestKernel(t *testing.T) *Kernel {
	t.Helper()
	dir := t.TempDir()
	cfg := Config{
		ProjectDir:   filepath.Join(dir, "project"),
		SessionsDir:  filepath.Join(dir, "project", "sessions"),
		LockfilePath: filepath.Join(dir, "project", "lock.json"),
		VerifyMode:   integrity.ModeOff,
		DefaultTTL:   time.Minute,
	}
	k, err := New(cfg, noopAuthStore{})
	require.NoError(t, err)
	t.Cleanup(func() { _ = k.Close() })
	return k
}

func writeToolFixture(t *testing.T, projectDir, id, content string) {
	t.Helper()
	dir := filepath.Join(projectDir, "tools")
	require.NoError(t, os.MkdirAll(dir, 0o755))
	require.NoError(t, os.WriteFile(filepath.Join(dir, id+".yaml"), []byte(content), 0o644))
}

// TestExecute_ScriptRuntimeSubprocessChain drives the three-link chain
// from a script tool through a runtime executor to a subprocess
// primitive (spec.md §8's first named scenario) all the way through
// kernel.Execute, checking both the config-coverage merge and the
// capability token the dispatcher validates along the way.
func TestExecute_ScriptRuntimeSubprocessChain(t *testing.T) {
	k := newTestKernel(t)

	writeToolFixture(t, k.cfg.ProjectDir, "greet", `
tool_id: greet
tool_type: script
version: "1.0"
executor: greet_runtime
required_capabilities:
  - "execute:shell:echo"
config:
  args:
    - "hello ${name}"
`)

	writeToolFixture(t, k.cfg.ProjectDir, "greet_runtime", `
tool_id: greet_runtime
tool_type: runtime
version: "1.0"
executor: shell_exec
required_capabilities:
  - "execute:shell:echo"
parameters:
  - name: name
    type: string
    required: true
config:
  command: /bin/echo
`)

	writeToolFixture(t, k.cfg.ProjectDir, "shell_exec", `
tool_id: shell_exec
tool_type: primitive
version: "1.0"
required_capabilities:
  - "execute:shell:echo"
config:
  kind: subprocess
`)

	tokenRaw, _, err := k.Capabilities.Mint(context.Background(), capability.MintRequest{
		ThreadID:        "thread-1",
		DirectiveID:     "core",
		IsCoreDirective: true,
		Requested: []capability.Capability{
			{Action: "execute", Resource: "shell", Scope: "echo"},
		},
		TTL: time.Minute,
	})
	require.NoError(t, err)

	_, kerr := k.Execute(context.Background(), ExecuteRequest{
		ItemType: item.TypeTool,
		Action:   "run",
		ItemID:   "greet",
		Parameters: map[string]any{
			"_auth": tokenRaw,
			"name":  "world",
		},
	})
	require.Nil(t, kerr, "%+v", kerr)
}

// TestExecute_RunTool_MissingToken confirms the dispatcher rejects a
// chain invocation with no bearer token before it ever reaches a
// primitive, rather than failing later inside subprocess execution.
func TestExecute_RunTool_MissingToken(t *testing.T) {
	k := newTestKernel(t)

	writeToolFixture(t, k.cfg.ProjectDir, "solo", `
tool_id: solo
tool_type: primitive
version: "1.0"
required_capabilities:
  - "execute:shell:echo"
config:
  kind: subprocess
  command: /bin/echo
  args:
    - hi
`)

	_, kerr := k.Execute(context.Background(), ExecuteRequest{
		ItemType: item.TypeTool,
		Action:   "run",
		ItemID:   "solo",
		Parameters: map[string]any{
			"name": "world",
		},
	})
	require.NotNil(t, kerr)
	require.Equal(t, KindPermissionDenied, kerr.Kind)
}

// TestExecute_RunTool_CapabilityMismatch confirms a token minted for a
// different capability scope is rejected rather than silently widened.
func TestExecute_RunTool_CapabilityMismatch(t *testing.T) {
	k := newTestKernel(t)

	writeToolFixture(t, k.cfg.ProjectDir, "solo2", `
tool_id: solo2
tool_type: primitive
version: "1.0"
required_capabilities:
  - "execute:shell:rm"
config:
  kind: subprocess
  command: /bin/echo
  args:
    - hi
`)

	tokenRaw, _, err := k.Capabilities.Mint(context.Background(), capability.MintRequest{
		ThreadID:        "thread-2",
		DirectiveID:     "core",
		IsCoreDirective: true,
		Requested: []capability.Capability{
			{Action: "execute", Resource: "shell", Scope: "echo"},
		},
		TTL: time.Minute,
	})
	require.NoError(t, err)

	_, kerr := k.Execute(context.Background(), ExecuteRequest{
		ItemType:   item.TypeTool,
		Action:     "run",
		ItemID:     "solo2",
		Parameters: map[string]any{"_auth": tokenRaw},
	})
	require.NotNil(t, kerr)
	require.Equal(t, KindPermissionDenied, kerr.Kind)
}

// TestExecute_RunDirective confirms the directive run path returns the
// parsed directive's fields without involving the capability store at
// all (spec.md §4.11: running a directive is read-only inspection, not
// a spawn).
func TestExecute_RunDirective(t *testing.T) {
	k := newTestKernel(t)

	dir := filepath.Join(k.cfg.ProjectDir, "directives")
	require.NoError(t, os.MkdirAll(dir, 0o755))
	require.NoError(t, os.WriteFile(filepath.Join(dir, "greeter.md"), []byte(`
# Greeter

<directive name="greeter" version="1.0">
<metadata>
<description>says hello</description>
</metadata>
<inputs></inputs>
<process></process>
<outputs></outputs>
</directive>
`), 0o644))

	res, kerr := k.Execute(context.Background(), ExecuteRequest{
		ItemType: item.TypeDirective,
		Action:   "run",
		ItemID:   "greeter",
	})
	require.Nil(t, kerr, "%+v", kerr)
	require.Equal(t, "greeter", res.Output["name"])
}
