package harness

import (
	"encoding/json"
	"fmt"

	"github.com/kiwi-run/kiwi/pkg/llms"
	"github.com/kiwi-run/kiwi/pkg/tool"
)

// toLLMToolDefinition bridges pkg/tool.Manifest.ToDefinition's typed
// jsonschema.Schema to the plain map[string]interface{} every
// pkg/llms provider expects: manifests carry no free-text description
// field (spec.md's tool schema has none), so the tool id doubles as one.
func toLLMToolDefinition(m *tool.Manifest) (llms.ToolDefinition, error) {
	def := m.ToDefinition(fmt.Sprintf("invoke tool %q", m.ToolID))

	raw, err := json.Marshal(def.Parameters)
	if err != nil {
		return llms.ToolDefinition{}, fmt.Errorf("marshal schema for %q: %w", m.ToolID, err)
	}
	var params map[string]interface{}
	if err := json.Unmarshal(raw, &params); err != nil {
		return llms.ToolDefinition{}, fmt.Errorf("unmarshal schema for %q: %w", m.ToolID, err)
	}

	return llms.ToolDefinition{
		Name:        def.Name,
		Description: def.Description,
		Parameters:  params,
	}, nil
}

// spawnToolDefinition is always offered to the model alongside whatever
// the directive prefetches: nested spawning is a harness-level facility
// available to every directive, not a resolvable tool manifest.
func spawnToolDefinition() llms.ToolDefinition {
	return llms.ToolDefinition{
		Name:        SpawnToolID,
		Description: "Spawn a nested directive run as its own thread, inheriting an explicit subset of this thread's capabilities.",
		Parameters: map[string]interface{}{
			"type": "object",
			"properties": map[string]interface{}{
				"directive_id": map[string]interface{}{"type": "string"},
				"inputs":       map[string]interface{}{"type": "object"},
				"capabilities": map[string]interface{}{
					"type":        "array",
					"items":       map[string]interface{}{"type": "string"},
					"description": "subset of this thread's own capabilities, as \"action:resource[:scope]\" strings",
				},
			},
			"required": []string{"directive_id"},
		},
	}
}
