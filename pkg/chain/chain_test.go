package chain

import (
	"fmt"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/kiwi-run/kiwi/pkg/tool"
)

type fakeLoader struct {
	tools map[string]*tool.Manifest
}

func (f *fakeLoader) LoadTool(id string) (*tool.Manifest, error) {
	m, ok := f.tools[id]
	if !ok {
		return nil, fmt.Errorf("no such tool: %s", id)
	}
	return m, nil
}

func strp(s string) *string { return &s }

func TestResolve_ScriptViaRuntimeViaSubprocess(t *testing.T) {
	loader := &fakeLoader{tools: map[string]*tool.Manifest{
		"run_script": {
			ToolID:   "run_script",
			ToolType: tool.TypeScript,
			Executor: strp("python_runtime"),
			Raw:      map[string]any{"entrypoint": "main.py"},
		},
		"python_runtime": {
			ToolID:               "python_runtime",
			ToolType:             tool.TypeRuntime,
			Executor:             strp("subprocess_exec"),
			RequiredCapabilities: []string{"execute:shell"},
			Raw:                  map[string]any{"command": "python3", "args": []string{"${entrypoint}"}},
		},
		"subprocess_exec": {
			ToolID:               "subprocess_exec",
			ToolType:             tool.TypePrimitive,
			RequiredCapabilities: []string{"execute:shell"},
			Parameters:           []tool.Parameter{{Name: "entrypoint", Type: "string", Required: true}},
			Primitive:            &tool.PrimitiveConfig{Kind: tool.PrimitiveSubprocess},
			Raw:                  map[string]any{"kind": "subprocess"},
		},
	}}

	c, err := Resolve(loader, "run_script")
	require.NoError(t, err)
	require.Len(t, c.Links, 3)
	require.Equal(t, "run_script", c.Head().ToolID)
	require.Equal(t, "subprocess_exec", c.Tail().ToolID)
	require.True(t, c.Tail().ToolType.IsPrimitive())

	merged := c.Links[2].MergedConfig
	require.Equal(t, "main.py", merged["entrypoint"])
	require.Equal(t, "python3", merged["command"])
}

func TestResolve_CycleDetected(t *testing.T) {
	loader := &fakeLoader{tools: map[string]*tool.Manifest{
		"a": {ToolID: "a", ToolType: tool.TypeRuntime, Executor: strp("b")},
		"b": {ToolID: "b", ToolType: tool.TypeRuntime, Executor: strp("a")},
	}}

	_, err := Resolve(loader, "a")
	require.Error(t, err)
	var cycleErr *CycleDetectedError
	require.ErrorAs(t, err, &cycleErr)
}

func TestResolve_DepthExceeded(t *testing.T) {
	tools := map[string]*tool.Manifest{}
	for i := 0; i < 10; i++ {
		id := fmt.Sprintf("t%d", i)
		next := fmt.Sprintf("t%d", i+1)
		tools[id] = &tool.Manifest{ToolID: id, ToolType: tool.TypeRuntime, Executor: strp(next)}
	}
	tools["t10"] = &tool.Manifest{ToolID: "t10", ToolType: tool.TypePrimitive, Primitive: &tool.PrimitiveConfig{Kind: tool.PrimitiveSubprocess}}

	loader := &fakeLoader{tools: tools}
	_, err := Resolve(loader, "t0")
	require.Error(t, err)
	var depthErr *DepthExceededError
	require.ErrorAs(t, err, &depthErr)
}

func TestResolve_UnresolvedExecutor(t *testing.T) {
	loader := &fakeLoader{tools: map[string]*tool.Manifest{
		"a": {ToolID: "a", ToolType: tool.TypeRuntime, Executor: strp("missing")},
	}}

	_, err := Resolve(loader, "a")
	require.Error(t, err)
	var unresolvedErr *UnresolvedExecutorError
	require.ErrorAs(t, err, &unresolvedErr)
}

func TestResolve_IncompatibleLinkCapabilityMismatch(t *testing.T) {
	loader := &fakeLoader{tools: map[string]*tool.Manifest{
		"a": {
			ToolID:               "a",
			ToolType:             tool.TypeRuntime,
			Executor:             strp("b"),
			RequiredCapabilities: []string{"write:fs"},
		},
		"b": {
			ToolID:               "b",
			ToolType:             tool.TypePrimitive,
			RequiredCapabilities: []string{"read:fs"},
			Primitive:            &tool.PrimitiveConfig{Kind: tool.PrimitiveSubprocess},
		},
	}}

	_, err := Resolve(loader, "a")
	require.Error(t, err)
	var incompatErr *IncompatibleLinkError
	require.ErrorAs(t, err, &incompatErr)
}

func TestResolve_IncompatibleLinkUndeclaredConfigKey(t *testing.T) {
	loader := &fakeLoader{tools: map[string]*tool.Manifest{
		"a": {
			ToolID:   "a",
			ToolType: tool.TypeRuntime,
			Executor: strp("b"),
			Raw:      map[string]any{"args": []string{"${undeclared_param}"}},
		},
		"b": {
			ToolID:    "b",
			ToolType:  tool.TypePrimitive,
			Primitive: &tool.PrimitiveConfig{Kind: tool.PrimitiveSubprocess},
		},
	}}

	_, err := Resolve(loader, "a")
	require.Error(t, err)
	var incompatErr *IncompatibleLinkError
	require.ErrorAs(t, err, &incompatErr)
}

func TestResolve_ConfigCoverageExemptsEnvVar(t *testing.T) {
	t.Setenv("KIWI_TEST_CHAIN_VAR", "value")
	loader := &fakeLoader{tools: map[string]*tool.Manifest{
		"a": {
			ToolID:   "a",
			ToolType: tool.TypeRuntime,
			Executor: strp("b"),
			Raw:      map[string]any{"args": []string{"${KIWI_TEST_CHAIN_VAR}"}},
		},
		"b": {
			ToolID:    "b",
			ToolType:  tool.TypePrimitive,
			Primitive: &tool.PrimitiveConfig{Kind: tool.PrimitiveSubprocess},
		},
	}}

	_, err := Resolve(loader, "a")
	require.NoError(t, err)
}

func TestSubstitute_ParamsAndEnv(t *testing.T) {
	t.Setenv("KIWI_TEST_VAR", "env-value")
	out, err := Substitute("cmd --name=${name} --flag=${KIWI_TEST_VAR}", map[string]string{"name": "widget"})
	require.NoError(t, err)
	require.Equal(t, "cmd --name=widget --flag=env-value", out)
}

func TestSubstitute_MissingFailsClosed(t *testing.T) {
	_, err := Substitute("cmd ${nonexistent}", map[string]string{})
	require.Error(t, err)
	var missing *UnresolvedPlaceholderError
	require.ErrorAs(t, err, &missing)
}
