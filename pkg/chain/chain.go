// Package chain implements the Chain Resolver (C4): walking a tool's
// `executor` references until a primitive is reached, producing an
// ordered pipeline and merging each link's config along the way
// (spec.md §4.4).
//
// Chains are cyclic-structure-shaped by construction (a tool could, by
// manifest error, reference an ancestor) so resolution is built as the
// arena-plus-visited-set pattern spec.md's Design Notes prescribe for
// cyclic/back-referential structures: an ordered slice (the arena) plus
// a HashSet-equivalent `map[string]struct{}` of tool_ids seen so far,
// rather than a pointer graph.
package chain

import (
	"fmt"
	"os"
	"regexp"
	"strings"

	"github.com/kiwi-run/kiwi/pkg/tool"
)

// MaxDepth is the hard ceiling on chain length, spec.md §4.4.
const MaxDepth = 8

// Loader fetches a tool manifest by id. Satisfied structurally by
// pkg/manifest's cache to avoid an import cycle between the two
// packages (chain depends on manifest lookups; manifest never depends
// on chain).
type Loader interface {
	LoadTool(toolID string) (*tool.Manifest, error)
}

// Link is one resolved element of a chain: its manifest plus the config
// accumulated by merging every ancestor's config into it.
type Link struct {
	Manifest     *tool.Manifest
	MergedConfig map[string]any
}

// Chain is the ordered pipeline [T0, T1, ..., Tn] with Tn a primitive.
type Chain struct {
	Links []Link
}

// Head is the originally invoked tool.
func (c Chain) Head() *tool.Manifest { return c.Links[0].Manifest }

// Tail is the terminal primitive.
func (c Chain) Tail() *tool.Manifest { return c.Links[len(c.Links)-1].Manifest }

// Resolve walks executor references from rootID to a primitive.
func Resolve(loader Loader, rootID string) (*Chain, error) {
	visited := make(map[string]struct{})
	var links []Link

	currentID := rootID
	var accumulated map[string]any

	for depth := 0; ; depth++ {
		if depth >= MaxDepth {
			return nil, &DepthExceededError{MaxDepth: MaxDepth}
		}
		if _, seen := visited[currentID]; seen {
			return nil, &CycleDetectedError{ToolID: currentID}
		}
		visited[currentID] = struct{}{}

		m, err := loader.LoadTool(currentID)
		if err != nil {
			return nil, &UnresolvedExecutorError{ToolID: currentID, Err: err}
		}

		accumulated = mergeConfig(accumulated, m.Raw)
		links = append(links, Link{Manifest: m, MergedConfig: cloneMap(accumulated)})

		if m.ToolType.IsPrimitive() {
			break
		}
		currentID = *m.Executor
	}

	if err := checkCompatibility(links); err != nil {
		return nil, err
	}

	return &Chain{Links: links}, nil
}

// mergeConfig implements the right-biased ⊕ operator: keys in `next`
// override keys in `base`; keys present only in `base` are preserved.
func mergeConfig(base, next map[string]any) map[string]any {
	out := cloneMap(base)
	if out == nil {
		out = make(map[string]any)
	}
	for k, v := range next {
		out[k] = v
	}
	return out
}

func cloneMap(m map[string]any) map[string]any {
	if m == nil {
		return nil
	}
	out := make(map[string]any, len(m))
	for k, v := range m {
		out[k] = v
	}
	return out
}

// placeholderPattern matches a ${name} reference inside a config template
// string, the same shape Substitute resolves at dispatch time.
var placeholderPattern = regexp.MustCompile(`\$\{([^}]+)\}`)

// checkCompatibility enforces the two link-validity rules that apply
// between adjacent links (spec.md §4.4): config-key coverage, then
// capability monotonicity.
func checkCompatibility(links []Link) error {
	for i := 0; i < len(links)-1; i++ {
		parent := links[i].Manifest
		child := links[i+1].Manifest

		if err := checkConfigCoverage(i, parent, child); err != nil {
			return err
		}
		if err := checkCapabilityMonotonicity(i, parent, child); err != nil {
			return err
		}
	}
	return nil
}

// checkConfigCoverage verifies that every ${param} reference in parent's
// raw config is declared in child.Parameters — the next link toward the
// primitive is the one that must supply it. A reference also resolvable
// from the process environment is exempt, matching resolvePlaceholder's
// own params-then-environment fallback order, so a manifest that legitimately
// threads an env var straight through a link isn't flagged as a static error.
func checkConfigCoverage(index int, parent, child *tool.Manifest) error {
	declared := make(map[string]struct{}, len(child.Parameters))
	for _, p := range child.Parameters {
		declared[p.Name] = struct{}{}
	}

	for _, name := range extractPlaceholders(parent.Raw) {
		if _, ok := declared[name]; ok {
			continue
		}
		if _, ok := os.LookupEnv(name); ok {
			continue
		}
		return &IncompatibleLinkError{
			Index:  index,
			Reason: fmt.Sprintf("parent %s config references ${%s}, not declared in child %s's parameters", parent.ToolID, name, child.ToolID),
		}
	}
	return nil
}

// checkCapabilityMonotonicity enforces that a parent may not require a
// capability its child (the link closer to the primitive) does not also
// require — capability floors rise monotonically toward the primitive.
func checkCapabilityMonotonicity(index int, parent, child *tool.Manifest) error {
	childCaps := make(map[string]struct{}, len(child.RequiredCapabilities))
	for _, c := range child.RequiredCapabilities {
		childCaps[c] = struct{}{}
	}
	for _, pc := range parent.RequiredCapabilities {
		if _, ok := childCaps[pc]; !ok {
			return &IncompatibleLinkError{
				Index:  index,
				Reason: fmt.Sprintf("parent %s requires capability %q not declared by child %s", parent.ToolID, pc, child.ToolID),
			}
		}
	}
	return nil
}

// extractPlaceholders walks a decoded YAML config mapping (maps, slices,
// and leaf strings) collecting every ${name} reference it finds.
func extractPlaceholders(cfg map[string]any) []string {
	var names []string
	var walk func(v any)
	walk = func(v any) {
		switch t := v.(type) {
		case string:
			for _, m := range placeholderPattern.FindAllStringSubmatch(t, -1) {
				names = append(names, m[1])
			}
		case map[string]any:
			for _, v := range t {
				walk(v)
			}
		case []any:
			for _, v := range t {
				walk(v)
			}
		case []string:
			for _, v := range t {
				walk(v)
			}
		}
	}
	walk(cfg)
	return names
}

// Substitute replaces ${param} references from params and ${ENV_VAR}
// references from the process environment within a template string.
// Missing references are left as an error rather than passed through
// literally, matching the environ package's fail-closed secret rule.
func Substitute(template string, params map[string]string) (string, error) {
	var b strings.Builder
	i := 0
	for i < len(template) {
		start := strings.Index(template[i:], "${")
		if start == -1 {
			b.WriteString(template[i:])
			break
		}
		start += i
		b.WriteString(template[i:start])

		end := strings.Index(template[start:], "}")
		if end == -1 {
			return "", fmt.Errorf("chain: unterminated placeholder in %q", template)
		}
		end += start

		name := template[start+2 : end]
		value, err := resolvePlaceholder(name, params)
		if err != nil {
			return "", err
		}
		b.WriteString(value)
		i = end + 1
	}
	return b.String(), nil
}

func resolvePlaceholder(name string, params map[string]string) (string, error) {
	if v, ok := params[name]; ok {
		return v, nil
	}
	if v, ok := os.LookupEnv(name); ok {
		return v, nil
	}
	return "", &UnresolvedPlaceholderError{Name: name}
}

// CycleDetectedError reports a chain that revisits a tool_id.
type CycleDetectedError struct{ ToolID string }

func (e *CycleDetectedError) Error() string { return fmt.Sprintf("cycle_detected: %s", e.ToolID) }

// DepthExceededError reports a chain longer than MaxDepth.
type DepthExceededError struct{ MaxDepth int }

func (e *DepthExceededError) Error() string { return fmt.Sprintf("depth_exceeded: max %d", e.MaxDepth) }

// UnresolvedExecutorError reports a link whose manifest could not be loaded.
type UnresolvedExecutorError struct {
	ToolID string
	Err    error
}

func (e *UnresolvedExecutorError) Error() string {
	return fmt.Sprintf("unresolved_executor(%s): %v", e.ToolID, e.Err)
}
func (e *UnresolvedExecutorError) Unwrap() error { return e.Err }

// IncompatibleLinkError reports a parent/child link mismatch: a capability
// the child does not also require, or a parent config placeholder the
// child's parameters do not declare.
type IncompatibleLinkError struct {
	Index  int
	Reason string
}

func (e *IncompatibleLinkError) Error() string {
	return fmt.Sprintf("incompatible_link(%d): %s", e.Index, e.Reason)
}

// UnresolvedPlaceholderError reports a ${name} with no matching param or
// environment variable.
type UnresolvedPlaceholderError struct{ Name string }

func (e *UnresolvedPlaceholderError) Error() string {
	return fmt.Sprintf("unresolved placeholder %q", e.Name)
}
