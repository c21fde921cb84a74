package kernel

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/mitchellh/mapstructure"

	"github.com/kiwi-run/kiwi/pkg/capability"
	"github.com/kiwi-run/kiwi/pkg/chain"
	"github.com/kiwi-run/kiwi/pkg/directive"
	"github.com/kiwi-run/kiwi/pkg/integrity"
	"github.com/kiwi-run/kiwi/pkg/item"
	"github.com/kiwi-run/kiwi/pkg/knowledge"
	"github.com/kiwi-run/kiwi/pkg/primitive/httpexec"
	"github.com/kiwi-run/kiwi/pkg/primitive/subprocess"
	"github.com/kiwi-run/kiwi/pkg/sink"
	"github.com/kiwi-run/kiwi/pkg/tool"
)

// ExecuteRequest is the input to the kernel's execute meta-operation.
// Parameters carries both the action's own arguments and, for "run" on a
// tool, the caller's bearer token under the "_auth" key — the same
// envelope a harness worker's tool-call loop builds (spec.md §4.9 step 5).
type ExecuteRequest struct {
	ItemType    item.Type      `json:"item_type"`
	Action      string         `json:"action"` // run | create | update | sign
	ItemID      string         `json:"item_id"`
	Parameters  map[string]any `json:"parameters,omitempty"`
	ProjectPath string         `json:"project_path,omitempty"`
}

// ExecuteResult is the uniform success envelope for execute.
type ExecuteResult struct {
	Output map[string]any `json:"output"`
}

// Execute implements execute(item_type, action, item_id, parameters,
// project_path?) → result (spec.md §4.11). publish/delete are
// intentionally absent: those belong to an external registry client, not
// this dispatcher.
func (k *Kernel) Execute(ctx context.Context, req ExecuteRequest) (*ExecuteResult, *Error) {
	if !req.ItemType.Valid() {
		return nil, newError(KindInvalidInput, "invalid item_type")
	}
	if req.ItemID == "" {
		return nil, newError(KindInvalidInput, "item_id is required")
	}

	switch req.Action {
	case "run":
		switch req.ItemType {
		case item.TypeDirective:
			return k.runDirective(req)
		case item.TypeTool:
			return k.runTool(ctx, req)
		case item.TypeKnowledge:
			return k.runKnowledge(req)
		}
	case "create", "update":
		return k.writeItem(req)
	case "sign":
		return k.signItem(req)
	}
	return nil, newError(KindUnsupported, fmt.Sprintf("unsupported action %q for item_type %q", req.Action, req.ItemType))
}

// runDirective loads and returns a directive's parsed fields without
// spawning a worker — spawning belongs to the harness, triggered through
// a separate spawn path that itself calls back into Execute for each
// tool the worker invokes.
func (k *Kernel) runDirective(req ExecuteRequest) (*ExecuteResult, *Error) {
	m, err := k.Manifests.Load(req.ItemID, item.TypeDirective, "")
	if err != nil {
		return nil, notFoundOr(err)
	}
	d := m.Directive
	return &ExecuteResult{Output: map[string]any{
		"name":        d.Name,
		"version":     d.Version,
		"description": d.Description,
		"model_tier":  d.ModelTier,
		"inputs":      d.Inputs,
		"process":     d.Process,
		"outputs":     d.Outputs,
		"narrative":   d.Narrative,
	}}, nil
}

func (k *Kernel) runKnowledge(req ExecuteRequest) (*ExecuteResult, *Error) {
	m, err := k.Manifests.Load(req.ItemID, item.TypeKnowledge, "")
	if err != nil {
		return nil, notFoundOr(err)
	}
	e := m.Knowledge
	return &ExecuteResult{Output: map[string]any{
		"zettel_id": e.ZettelID,
		"title":     e.Title,
		"body":      e.Body,
		"tags":      e.Tags,
	}}, nil
}

// runTool resolves the tool's chain to a primitive, validates the
// caller's capability token against every capability required along the
// way, and dispatches to the terminal primitive (or, for an mcp_tool
// chain, to the MCP-proxy manager).
func (k *Kernel) runTool(ctx context.Context, req ExecuteRequest) (*ExecuteResult, *Error) {
	ch, err := chain.Resolve(k.Manifests, req.ItemID)
	if err != nil {
		return nil, wrapError(KindInvalidInput, err).withHint("the tool's executor chain could not be resolved to a primitive")
	}

	if kerr := k.verifyChainIntegrity(ch); kerr != nil {
		return nil, kerr
	}

	tok, kerr := k.authorizeChain(ch, req.Parameters)
	if kerr != nil {
		return nil, kerr
	}

	args := cloneArgs(req.Parameters)
	delete(args, "_auth")

	if serverLink, toolLink, ok := mcpLinks(ch); ok {
		result, err := k.MCP.Execute(ctx, serverLink.Manifest.ToolID, *serverLink.Manifest.MCPServer, *toolLink.Manifest.MCPTool, args)
		if err != nil {
			return nil, wrapError(KindExecutionFailed, err)
		}
		return &ExecuteResult{Output: result}, nil
	}

	_ = tok // already validated; the minted scope narrowed nothing further here
	return k.runPrimitive(ctx, ch, args)
}

func (k *Kernel) verifyChainIntegrity(ch *chain.Chain) *Error {
	if k.Verifier == nil {
		return nil
	}
	for _, link := range ch.Links {
		m, err := k.Manifests.Load(link.Manifest.ToolID, item.TypeTool, "")
		if err != nil {
			return wrapError(KindInternal, err)
		}

		embedded, _ := integrity.ExtractEmbeddedSignature(m.RawBytes)
		hash := integrity.HashSingleFile(m.RawBytes)
		res, verr := k.Verifier.Verify(link.Manifest.ToolID, link.Manifest.Version, hash, embedded)
		if verr != nil {
			return wrapError(KindInternal, verr)
		}
		if !res.Verified {
			return newError(KindIntegrityFailed, fmt.Sprintf("integrity check failed for %s: %s", link.Manifest.ToolID, res.Reason)).
				withContext(map[string]any{"tool_id": link.Manifest.ToolID})
		}
	}
	return nil
}

// authorizeChain validates the bearer token carried as parameters["_auth"]
// against the union of capabilities required by every link in the chain.
func (k *Kernel) authorizeChain(ch *chain.Chain, params map[string]any) (*capability.Token, *Error) {
	raw, _ := params["_auth"].(string)
	if raw == "" {
		return nil, newError(KindPermissionDenied, "missing _auth capability token")
	}

	tok, err := k.Capabilities.Validate(raw)
	if err != nil {
		return nil, wrapError(KindPermissionDenied, err)
	}

	for _, link := range ch.Links {
		for _, reqCap := range link.Manifest.RequiredCapabilities {
			parsed := parseCapabilityString(reqCap)
			if !tok.HasCapability(parsed) {
				return nil, newError(KindPermissionDenied, fmt.Sprintf("token lacks required capability %q for %s", reqCap, link.Manifest.ToolID)).
					withHint("mint a token covering this capability before invoking this tool")
			}
		}
	}
	return tok, nil
}

func parseCapabilityString(s string) capability.Capability {
	parts := strings.SplitN(s, ":", 3)
	c := capability.Capability{}
	if len(parts) > 0 {
		c.Action = parts[0]
	}
	if len(parts) > 1 {
		c.Resource = parts[1]
	}
	if len(parts) > 2 {
		c.Scope = parts[2]
	}
	// An mcp resource keeps its server id: "mcp:<server_id>".
	if c.Resource == "mcp" && c.Scope != "" {
		server, scope, _ := strings.Cut(c.Scope, ":")
		c.Resource = "mcp:" + server
		c.Scope = scope
	}
	return c
}

func mcpLinks(ch *chain.Chain) (server, toolLink *chain.Link, ok bool) {
	var s, t *chain.Link
	for i := range ch.Links {
		switch ch.Links[i].Manifest.ToolType {
		case tool.TypeMCPServer:
			s = &ch.Links[i]
		case tool.TypeMCPTool:
			t = &ch.Links[i]
		}
	}
	if s != nil && t != nil {
		return s, t, true
	}
	return nil, nil, false
}

// primitiveRequest is the union of every typed tool config's templated
// fields, decoded straight off a chain's merged config map — whichever
// runtime/script/api link contributed command/url/etc further up the
// chain is what ends up populated here at the primitive link.
type primitiveRequest struct {
	Command   string            `mapstructure:"command"`
	Args      []string          `mapstructure:"args"`
	Cwd       string            `mapstructure:"cwd"`
	Env       map[string]string `mapstructure:"env"`
	Method    string            `mapstructure:"method"`
	URL       string            `mapstructure:"url_template"`
	Headers   map[string]string `mapstructure:"headers"`
	Body      string            `mapstructure:"body"`
	TimeoutMS int               `mapstructure:"timeout_ms"`
}

func (k *Kernel) runPrimitive(ctx context.Context, ch *chain.Chain, args map[string]any) (*ExecuteResult, *Error) {
	tail := ch.Tail()
	merged := ch.Links[len(ch.Links)-1].MergedConfig

	var pr primitiveRequest
	dec, err := mapstructure.NewDecoder(&mapstructure.DecoderConfig{Result: &pr, WeaklyTypedInput: true})
	if err != nil {
		return nil, wrapError(KindInternal, err)
	}
	if err := dec.Decode(merged); err != nil {
		return nil, wrapError(KindInvalidInput, fmt.Errorf("kernel: decode chain config: %w", err))
	}

	params := stringifyArgs(args)

	env, eerr := k.Environ.Resolve(pr.Env, nil)
	if eerr != nil {
		return nil, wrapError(KindPermissionDenied, eerr)
	}

	switch tail.Primitive.Kind {
	case tool.PrimitiveSubprocess:
		cmd, serr := chain.Substitute(pr.Command, params)
		if serr != nil {
			return nil, wrapError(KindInvalidInput, serr)
		}
		var substitutedArgs []string
		for _, a := range pr.Args {
			sub, serr := chain.Substitute(a, params)
			if serr != nil {
				return nil, wrapError(KindInvalidInput, serr)
			}
			substitutedArgs = append(substitutedArgs, sub)
		}

		res, err := subprocess.Run(ctx, subprocess.Request{
			Command: cmd,
			Args:    substitutedArgs,
			Env:     env,
			Cwd:     pr.Cwd,
			Sinks:   []sink.Sink{},
		})
		if err != nil {
			return nil, wrapError(KindExecutionFailed, err)
		}
		return &ExecuteResult{Output: map[string]any{
			"exit_code":   res.ExitCode,
			"stdout":      res.Stdout,
			"stderr":      res.Stderr,
			"duration_ms": res.DurationMS,
			"killed":      res.Killed,
		}}, nil

	case tool.PrimitiveHTTP:
		url, serr := chain.Substitute(pr.URL, params)
		if serr != nil {
			return nil, wrapError(KindInvalidInput, serr)
		}
		headers := make(map[string]string, len(pr.Headers))
		for hk, hv := range pr.Headers {
			sub, serr := chain.Substitute(hv, params)
			if serr != nil {
				return nil, wrapError(KindInvalidInput, serr)
			}
			headers[hk] = sub
		}
		body, serr := chain.Substitute(pr.Body, params)
		if serr != nil {
			return nil, wrapError(KindInvalidInput, serr)
		}

		res, err := httpexec.Run(ctx, k.HTTPClient, httpexec.Request{
			Method:    pr.Method,
			URL:       url,
			Headers:   headers,
			Body:      []byte(body),
			TimeoutMS: pr.TimeoutMS,
			Sinks:     []sink.Sink{},
		})
		if err != nil {
			return nil, wrapError(KindExecutionFailed, err)
		}
		return &ExecuteResult{Output: map[string]any{
			"status_code": res.StatusCode,
			"body":        res.Body,
			"duration_ms": res.DurationMS,
		}}, nil

	default:
		return nil, newError(KindUnsupported, fmt.Sprintf("unsupported primitive kind %q", tail.Primitive.Kind))
	}
}

// writeItem backs create/update for all three item kinds: it writes the
// caller-supplied content verbatim to the resolved tier path, parses it
// to catch a malformed write before it's considered committed, and
// invalidates the manifest cache so the next load/run sees it.
func (k *Kernel) writeItem(req ExecuteRequest) (*ExecuteResult, *Error) {
	content, _ := req.Parameters["content"].(string)
	if content == "" {
		return nil, newError(KindInvalidInput, "parameters.content is required for create/update")
	}

	root, kerr := k.writeRootFor(req)
	if kerr != nil {
		return nil, kerr
	}

	ext := ".md"
	if req.ItemType == item.TypeTool {
		ext = ".yaml"
	}
	dir := filepath.Join(root, string(req.ItemType)+"s")
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return nil, wrapError(KindInternal, err)
	}
	path := filepath.Join(dir, req.ItemID+ext)

	if err := validateBeforeWrite(req.ItemType, []byte(content)); err != nil {
		return nil, wrapError(KindInvalidInput, err)
	}

	if err := os.WriteFile(path, []byte(content), 0o644); err != nil {
		return nil, wrapError(KindInternal, fmt.Errorf("kernel: write %s: %w", path, err))
	}

	k.Manifests.Invalidate(req.ItemID, req.ItemType)

	if req.ItemType == item.TypeKnowledge {
		e, _ := knowledge.Parse([]byte(content))
		if e != nil {
			ref := item.Ref{ID: req.ItemID, Type: item.TypeKnowledge, Source: item.SourceProject}
			if err := k.Knowledge.Index(context.Background(), ref, path, e); err != nil {
				return nil, wrapError(KindInternal, err)
			}
		}
	}

	return &ExecuteResult{Output: map[string]any{"path": path}}, nil
}

func validateBeforeWrite(typ item.Type, content []byte) error {
	switch typ {
	case item.TypeDirective:
		_, err := directive.Parse(content)
		return err
	case item.TypeTool:
		_, err := tool.Parse(content)
		return err
	case item.TypeKnowledge:
		_, err := knowledge.Parse(content)
		return err
	}
	return nil
}

// signItem computes the canonical hash of the resolved artifact and pins
// it into the project lockfile, applying uniformly across directive,
// tool, and knowledge items — spec.md's §4.3 "a OR b" signing contract
// draws no distinction between item kinds, so none is introduced here.
func (k *Kernel) signItem(req ExecuteRequest) (*ExecuteResult, *Error) {
	m, err := k.Manifests.Load(req.ItemID, req.ItemType, "")
	if err != nil {
		return nil, notFoundOr(err)
	}

	version := "1.0"
	if m.Tool != nil {
		version = m.Tool.Version
	} else if m.Directive != nil {
		version = m.Directive.Version
	}

	hash := integrity.HashSingleFile(m.RawBytes)
	if perr := k.Lock.Pin(req.ItemID, version, hash, time.Now()); perr != nil {
		return nil, wrapError(KindInternal, perr)
	}

	return &ExecuteResult{Output: map[string]any{
		"tool_id":        req.ItemID,
		"version":        version,
		"canonical_hash": hash,
		"signed_at":      time.Now().UTC().Format(time.RFC3339),
	}}, nil
}

func (k *Kernel) writeRootFor(req ExecuteRequest) (string, *Error) {
	if req.ProjectPath != "" {
		return req.ProjectPath, nil
	}
	return k.cfg.ProjectDir, nil
}

func notFoundOr(err error) *Error {
	return wrapError(KindNotFound, err)
}

func cloneArgs(m map[string]any) map[string]any {
	out := make(map[string]any, len(m))
	for k, v := range m {
		out[k] = v
	}
	return out
}

func stringifyArgs(m map[string]any) map[string]string {
	out := make(map[string]string, len(m))
	for k, v := range m {
		out[k] = fmt.Sprintf("%v", v)
	}
	return out
}
