package harness

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"time"

	"github.com/google/uuid"
	"go.opentelemetry.io/otel/attribute"
	"golang.org/x/sync/errgroup"

	"github.com/kiwi-run/kiwi/pkg/capability"
	"github.com/kiwi-run/kiwi/pkg/directive"
	"github.com/kiwi-run/kiwi/pkg/integrity"
	"github.com/kiwi-run/kiwi/pkg/item"
	"github.com/kiwi-run/kiwi/pkg/kernel"
	"github.com/kiwi-run/kiwi/pkg/llms"
	"github.com/kiwi-run/kiwi/pkg/observability"
	"github.com/kiwi-run/kiwi/pkg/thread"
)

// SpawnToolID is the reserved tool name the turn loop intercepts locally
// instead of routing through the kernel's execute operation — spawning a
// nested thread is not a kernel concept (spec.md §4.11: "the kernel does
// not itself spawn anything; spawning is an explicit tool call").
const SpawnToolID = "spawn_thread"

// defaultTTL is used when a directive declares no <cost ttl="..."/>.
// Matches pkg/kernel.Config's own DefaultTTL fallback.
const defaultTTL = 30 * time.Minute

// SpawnRequest is the input to Spawn: everything needed to start a new
// worker, whether as a root invocation or a nested spawn-thread call.
type SpawnRequest struct {
	DirectiveID    string
	Inputs         map[string]any
	ParentThreadID string

	// ParentCapabilities, when non-nil, restricts the minted token to the
	// subset of these the directive's own permissions also request —
	// children cannot exceed the parent (spec.md §4.9 Nested spawns).
	ParentCapabilities []capability.Capability

	Depth int
}

// Spawn registers a new thread and starts its worker in the background,
// returning the thread id immediately — the worker itself loads the
// directive, mints its token, and runs the turn loop asynchronously
// (spec.md §4.9 Instantiation sequence).
func (h *Harness) Spawn(req SpawnRequest) (string, error) {
	if req.Depth >= h.cfg.MaxDepth {
		return "", &DepthExceededError{Depth: req.Depth, Max: h.cfg.MaxDepth}
	}

	threadID, err := h.register(req)
	if err != nil {
		return "", err
	}
	h.cfg.Metrics.RecordThreadSpawned(req.DirectiveID, req.Depth)
	h.trackActive(req.DirectiveID, 1)

	ctx, cancel := context.WithCancel(context.Background())
	h.mu.Lock()
	h.cancels[threadID] = cancel
	h.mu.Unlock()

	go h.run(ctx, threadID, req)

	return threadID, nil
}

func attrThread(threadID, directiveID string) []attribute.KeyValue {
	return []attribute.KeyValue{
		attribute.String(observability.AttrThreadID, threadID),
		attribute.String(observability.AttrDirectiveID, directiveID),
	}
}

// register inserts the thread's spawning record, retrying with a
// microsecond-precision suffix up to 3 times on id collision (spec.md
// §4.10 Invariants).
func (h *Harness) register(req SpawnRequest) (string, error) {
	base := uuid.NewString()
	var lastErr error
	for attempt := 0; attempt < 3; attempt++ {
		id := base
		if attempt > 0 {
			id = fmt.Sprintf("%s-%d", base, time.Now().UnixMicro())
		}
		rec := thread.Record{
			ThreadID:       id,
			ParentThreadID: req.ParentThreadID,
			DirectiveID:    req.DirectiveID,
			Status:         thread.StatusSpawning,
		}
		err := h.kernel.Threads.Register(rec)
		if err == nil {
			return id, nil
		}
		var collision *thread.CollisionError
		if !errors.As(err, &collision) {
			return "", err
		}
		lastErr = err
	}
	return "", fmt.Errorf("harness: could not register thread after 3 attempts: %w", lastErr)
}

// worker carries the mutable state of one running directive.
type worker struct {
	h        *Harness
	threadID string
	req      SpawnRequest

	directive *directive.Directive
	token     *capability.Token
	tokenRaw  string
	provider  llms.LLMProvider

	messages []*llms.Message
	usage    thread.Usage
	started  time.Time
}

func (h *Harness) run(ctx context.Context, threadID string, req SpawnRequest) {
	w := &worker{h: h, threadID: threadID, req: req, started: time.Now()}

	ctx, span := observability.GetTracer("harness").Start(ctx, observability.SpanThreadTurn)
	span.SetAttributes(attrThread(threadID, req.DirectiveID)...)
	defer span.End()

	status, finalResult, errMsg := w.runLifecycle(ctx)
	h.cfg.Metrics.RecordThreadTurn(req.DirectiveID, string(status), time.Since(w.started))
	if errMsg != "" {
		span.RecordError(fmt.Errorf("%s", errMsg))
	}

	h.kernel.Capabilities.Revoke(threadID)
	err := h.kernel.Threads.UpdateStatus(threadID, status, func(rec *thread.Record) {
		rec.Usage = w.usage
		rec.FinalResult = finalResult
		rec.Error = errMsg
	})
	// An external cancel(id) call (Registry is itself a capability-gated
	// tool, spec.md §4.10) may have already moved the record to
	// StatusCancelled before the worker noticed — that race is expected,
	// not a finalization failure, since terminal states are sticky and
	// single-writer-per-transition by design.
	var alreadyTerminal *thread.AlreadyTerminalError
	if err != nil && !errors.As(err, &alreadyTerminal) {
		h.log.Error("harness: failed to finalize thread record", "thread_id", threadID, "error", err)
	}
	w.writeTranscript(status, errMsg)
	h.forgetCancel(threadID)
	h.trackActive(req.DirectiveID, -1)
}

// runLifecycle implements the worker body (spec.md §4.9 steps 1-5): load,
// mint, publish, prompt, turn loop. It always returns a terminal status.
func (w *worker) runLifecycle(ctx context.Context) (thread.Status, map[string]any, string) {
	m, err := w.h.kernel.Manifests.Load(w.req.DirectiveID, item.TypeDirective, "")
	if err != nil {
		return thread.StatusFailed, nil, fmt.Sprintf("load directive %q: %v", w.req.DirectiveID, err)
	}
	w.directive = m.Directive

	hash := integrity.HashSingleFile(m.RawBytes)
	embedded, _ := integrity.ExtractEmbeddedSignature(m.RawBytes)
	result, err := w.h.kernel.Verifier.Verify(w.req.DirectiveID, m.Directive.Version, hash, embedded)
	if err != nil {
		return thread.StatusFailed, nil, fmt.Sprintf("verify directive %q: %v", w.req.DirectiveID, err)
	}
	if !result.Verified {
		return thread.StatusFailed, nil, fmt.Sprintf("integrity check failed for %q: %s", w.req.DirectiveID, result.Reason)
	}

	if err := w.mintToken(ctx, m.Source); err != nil {
		return thread.StatusFailed, nil, fmt.Sprintf("mint capability token: %v", err)
	}

	if err := w.h.kernel.Threads.UpdateStatus(w.threadID, thread.StatusRunning, nil); err != nil {
		return thread.StatusFailed, nil, fmt.Sprintf("publish running status: %v", err)
	}

	provider, err := w.h.providerFor(m.Directive.ModelTier)
	if err != nil {
		return thread.StatusFailed, nil, err.Error()
	}
	w.provider = provider

	toolDefs, err := w.buildToolCatalog()
	if err != nil {
		return thread.StatusFailed, nil, fmt.Sprintf("build tool catalog: %v", err)
	}

	w.messages = []*llms.Message{
		llms.SystemMessage(w.buildSystemPrompt()),
		llms.UserMessage(w.buildInputsMessage()),
	}

	return w.turnLoop(ctx, toolDefs)
}

func (w *worker) mintToken(ctx context.Context, source item.Source) error {
	ttl := defaultTTL
	if w.directive.Cost.TTL != "" {
		if parsed, err := time.ParseDuration(w.directive.Cost.TTL); err == nil {
			ttl = parsed
		}
	}
	mintTTL := time.Duration(float64(ttl) * 1.1)

	requested := make([]capability.Capability, 0, len(w.directive.Permissions))
	for _, p := range w.directive.Permissions {
		c := permissionToCapability(p)
		if w.req.ParentCapabilities != nil && !coveredByAny(c, w.req.ParentCapabilities) {
			continue // children cannot exceed the parent's grant
		}
		requested = append(requested, c)
	}

	raw, tok, err := w.h.kernel.Capabilities.Mint(ctx, capability.MintRequest{
		ThreadID:        w.threadID,
		DirectiveID:     w.req.DirectiveID,
		IsCoreDirective: directive.IsCore(string(source)),
		Requested:       requested,
		TTL:             mintTTL,
		Sandbox:         capability.SandboxRoot(w.h.kernel.ProjectSandbox()),
		ShellAllow:      w.h.kernel.ShellAllowList(),
	})
	if err != nil {
		return err
	}
	w.tokenRaw, w.token = raw, tok
	return nil
}

func permissionToCapability(p directive.Permission) capability.Capability {
	action := p.Action
	if action == "exec" {
		action = "execute"
	}
	scope := p.ScopePath
	if scope == "" {
		scope = p.Command
	}
	return capability.Capability{Action: action, Resource: p.Resource, Scope: scope}
}

func coveredByAny(c capability.Capability, grants []capability.Capability) bool {
	for _, g := range grants {
		if g.Covers(c) {
			return true
		}
	}
	return false
}

func (w *worker) buildSystemPrompt() string {
	return w.directive.Narrative
}

func (w *worker) buildInputsMessage() string {
	data, err := json.MarshalIndent(w.req.Inputs, "", "  ")
	if err != nil {
		return fmt.Sprintf("inputs: %v", w.req.Inputs)
	}
	return "## Inputs\n\n" + string(data)
}

// buildToolCatalog loads the manifests of every tool the directive
// prefetch-hints via <tools>, converting each to the LLM-facing
// definition shape (spec.md §4.9 step 4: "available tool schemas
// filtered by declared <tools> prefetch").
func (w *worker) buildToolCatalog() ([]llms.ToolDefinition, error) {
	defs := make([]llms.ToolDefinition, 0, len(w.directive.Tools)+1)
	defs = append(defs, spawnToolDefinition())

	for _, ref := range w.directive.Tools {
		m, err := w.h.kernel.Manifests.LoadTool(ref.ID)
		if err != nil {
			return nil, fmt.Errorf("load tool %q: %w", ref.ID, err)
		}
		def, err := toLLMToolDefinition(m)
		if err != nil {
			return nil, fmt.Errorf("convert tool %q: %w", ref.ID, err)
		}
		defs = append(defs, def)
	}
	return defs, nil
}

// turnLoop is spec.md §4.9 step 5: budget check, LLM call, append, stop
// or dispatch tool calls, repeat.
func (w *worker) turnLoop(ctx context.Context, toolDefs []llms.ToolDefinition) (thread.Status, map[string]any, string) {
	for {
		select {
		case <-ctx.Done():
			return thread.StatusCancelled, nil, "cancelled"
		default:
		}

		if status, reason := w.checkBudget(); status != "" {
			return status, nil, reason
		}

		llmStart := time.Now()
		model := w.provider.GetModelName()
		text, toolCalls, tokensUsed, err := w.provider.Generate(w.messages, toolDefs)
		w.h.cfg.Metrics.RecordLLMCall(model, w.directive.ModelTier, time.Since(llmStart))
		if err != nil {
			w.h.cfg.Metrics.RecordLLMError(model, w.directive.ModelTier, "generate")
			return thread.StatusFailed, nil, fmt.Sprintf("llm call failed: %v", err)
		}
		w.h.cfg.Metrics.RecordLLMTokens(model, w.directive.ModelTier, 0, tokensUsed)
		w.accountUsage(tokensUsed)
		w.messages = append(w.messages, llms.AssistantMessage(text, toolCalls...))

		if len(toolCalls) == 0 {
			return thread.StatusCompleted, map[string]any{"text": text}, ""
		}

		results := w.dispatchToolCalls(ctx, toolCalls)
		w.messages = append(w.messages, llms.ToolResultMessage(results...))
		w.usage.Turns++
	}
}

func (w *worker) checkBudget() (thread.Status, string) {
	cost := w.directive.Cost
	if cost.MaxTurns > 0 && w.usage.Turns >= cost.MaxTurns {
		return thread.StatusBudgetExceeded, "max_turns exceeded"
	}
	if cost.MaxTokens > 0 && w.usage.InputTokens+w.usage.OutputTokens >= cost.MaxTokens {
		return thread.StatusBudgetExceeded, "max_tokens exceeded"
	}
	if cost.MaxUSD > 0 && w.usage.USDSpent >= cost.MaxUSD {
		return thread.StatusBudgetExceeded, "max_usd exceeded"
	}
	if cost.TTL != "" {
		if ttl, err := time.ParseDuration(cost.TTL); err == nil && time.Since(w.started) >= ttl {
			return thread.StatusTimeout, "ttl exceeded"
		}
	}
	return "", ""
}

// accountUsage folds a provider's single combined token count into
// output tokens: every pkg/llms.LLMProvider.Generate implementation
// returns one total rather than a prompt/completion split, so there is
// no sound way to apportion it between the two budget fields.
func (w *worker) accountUsage(tokensUsed int) {
	w.usage.OutputTokens += tokensUsed
	if rate, ok := w.h.cfg.CostPerKToken[w.provider.GetModelName()]; ok {
		w.usage.USDSpent += float64(tokensUsed) / 1000.0 * rate
	}
}

// dispatchToolCalls fans the turn's tool calls out concurrently
// (golang.org/x/sync/errgroup), matching the reported results back to
// their originating call ids regardless of completion order.
func (w *worker) dispatchToolCalls(ctx context.Context, calls []llms.ToolCall) []llms.ToolResult {
	results := make([]llms.ToolResult, len(calls))
	var eg errgroup.Group
	for i, call := range calls {
		i, call := i, call
		eg.Go(func() error {
			results[i] = w.dispatchOne(ctx, call)
			return nil
		})
	}
	_ = eg.Wait()
	return results
}

func (w *worker) dispatchOne(ctx context.Context, call llms.ToolCall) llms.ToolResult {
	if call.Name == SpawnToolID {
		return w.dispatchSpawn(call)
	}

	start := time.Now()
	ctx, span := observability.GetTracer("harness").Start(ctx, observability.SpanToolExecution)
	span.SetAttributes(attribute.String(observability.AttrToolName, call.Name))
	defer span.End()

	params := make(map[string]any, len(call.Arguments)+1)
	for k, v := range call.Arguments {
		params[k] = v
	}
	params["_auth"] = w.tokenRaw

	res, kerr := w.h.kernel.Execute(ctx, kernel.ExecuteRequest{
		ItemType:   item.TypeTool,
		Action:     "run",
		ItemID:     call.Name,
		Parameters: params,
	})
	if kerr != nil {
		w.h.cfg.Metrics.RecordToolError(call.Name, "run", string(kerr.Kind))
		return llms.ToolResult{ToolCallID: call.ID, Error: kerr.Message}
	}
	w.h.cfg.Metrics.RecordToolCall(call.Name, "run", time.Since(start))

	data, err := json.Marshal(res.Output)
	if err != nil {
		return llms.ToolResult{ToolCallID: call.ID, Error: fmt.Sprintf("marshal tool result: %v", err)}
	}
	return llms.ToolResult{ToolCallID: call.ID, Content: string(data)}
}

// dispatchSpawn handles a spawn_thread call locally: it never reaches
// the kernel, since spawning is not a kernel operation (spec.md §4.11).
func (w *worker) dispatchSpawn(call llms.ToolCall) llms.ToolResult {
	directiveID, _ := call.Arguments["directive_id"].(string)
	if directiveID == "" {
		return llms.ToolResult{ToolCallID: call.ID, Error: "spawn_thread: directive_id is required"}
	}
	inputs, _ := call.Arguments["inputs"].(map[string]any)

	grant := w.token.Capabilities
	if raw, ok := call.Arguments["capabilities"].([]any); ok {
		grant = make([]capability.Capability, 0, len(raw))
		for _, v := range raw {
			s, ok := v.(string)
			if !ok {
				continue
			}
			c := parseCapability(s)
			if !w.token.HasCapability(c) {
				return llms.ToolResult{ToolCallID: call.ID, Error: fmt.Sprintf("spawn_thread: capability %q exceeds parent grant", s)}
			}
			grant = append(grant, c)
		}
	}

	childID, err := w.h.Spawn(SpawnRequest{
		DirectiveID:        directiveID,
		Inputs:             inputs,
		ParentThreadID:     w.threadID,
		ParentCapabilities: grant,
		Depth:              w.req.Depth + 1,
	})
	if err != nil {
		return llms.ToolResult{ToolCallID: call.ID, Error: err.Error()}
	}
	data, _ := json.Marshal(map[string]string{"thread_id": childID})
	return llms.ToolResult{ToolCallID: call.ID, Content: string(data)}
}

func parseCapability(s string) capability.Capability {
	parts := splitCapability(s)
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
	return c
}

func splitCapability(s string) []string {
	var parts []string
	start := 0
	for i := 0; i < len(s); i++ {
		if s[i] == ':' && len(parts) < 2 {
			parts = append(parts, s[start:i])
			start = i + 1
		}
	}
	parts = append(parts, s[start:])
	// An mcp resource keeps its server id: "mcp:<server_id>".
	if len(parts) == 3 && parts[1] == "mcp" {
		rest := parts[2]
		parts = []string{parts[0], "mcp:" + rest}
		for i := 0; i < len(rest); i++ {
			if rest[i] == ':' {
				parts = []string{parts[0], "mcp:" + rest[:i], rest[i+1:]}
				break
			}
		}
	}
	return parts
}

func (w *worker) writeTranscript(status thread.Status, errMsg string) {
	if w.h.cfg.LogsDir == "" {
		return
	}
	dir := filepath.Join(w.h.cfg.LogsDir, w.threadID)
	if err := os.MkdirAll(dir, 0o755); err != nil {
		w.h.log.Error("harness: create transcript dir", "thread_id", w.threadID, "error", err)
		return
	}

	payload := map[string]any{
		"thread_id":    w.threadID,
		"directive_id": w.req.DirectiveID,
		"status":       status,
		"error":        errMsg,
		"usage":        w.usage,
		"messages":     w.messages,
	}
	data, err := json.MarshalIndent(payload, "", "  ")
	if err != nil {
		w.h.log.Error("harness: marshal transcript", "thread_id", w.threadID, "error", err)
		return
	}
	if err := os.WriteFile(filepath.Join(dir, "transcript.json"), data, 0o644); err != nil {
		w.h.log.Error("harness: write transcript", "thread_id", w.threadID, "error", err)
	}
}
