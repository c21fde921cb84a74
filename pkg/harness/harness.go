// Package harness implements the Directive Executor (C9): the
// background worker that embodies one directive run end to end — load,
// mint, publish, prompt, turn loop, finalize (spec.md §4.9).
//
// Grounded on pkg/reasoning/chain_of_thought_strategy.go's turn-loop
// shape (ShouldStop on an empty tool-call set, AfterIteration bookkeeping
// after each round) and pkg/runner/runner.go's orchestration wrapper
// around one execution (session lookup/create, deferred cleanup, event
// persistence) generalized here to threads instead of sessions: a
// Harness owns no state of its own beyond the kernel it drives and the
// LLM providers it calls, mirroring pkg/component/manager.go's single
// explicit handle rather than reaching for package-level globals.
package harness

import (
	"context"
	"fmt"
	"log/slog"
	"sync"

	"github.com/kiwi-run/kiwi/pkg/kernel"
	"github.com/kiwi-run/kiwi/pkg/llms"
	"github.com/kiwi-run/kiwi/pkg/observability"
	"github.com/kiwi-run/kiwi/pkg/thread"
)

// Config is everything a Harness needs beyond the Kernel it drives.
type Config struct {
	// Providers maps a directive's <model tier="..."> attribute to the
	// LLM this harness calls for that tier. "default" is used when a
	// directive's tier has no dedicated entry.
	Providers map[string]llms.LLMProvider

	// LogsDir is the root a completed thread's transcript is written
	// under: LogsDir/<thread_id>/transcript.json (spec.md §4.9 step 6).
	LogsDir string

	// MaxDepth bounds nested spawn-thread recursion (spec.md §4.9
	// "Depth limit 5"). Zero defaults to 5.
	MaxDepth int

	// CostPerKToken maps a provider's GetModelName() to a USD-per-1000
	// -total-tokens rate, used to enforce a directive's max_usd budget.
	// A provider absent from this map is treated as free: its calls
	// never trip the cost budget, since spec.md does not fix a pricing
	// table and one is not derivable from any example repo.
	CostPerKToken map[string]float64

	// Metrics records thread/LLM/tool activity. A nil value is valid and
	// every recording call becomes a no-op.
	Metrics *observability.Metrics
}

// Harness is the single handle wiring a Kernel to the LLM providers and
// bookkeeping a running directive needs. Nothing here is package-level
// mutable state: every field is owned exclusively by the instance, so
// multiple Harnesses (e.g. one per test) never share a cancel table.
type Harness struct {
	kernel *kernel.Kernel
	cfg    Config
	log    *slog.Logger

	mu      sync.Mutex
	cancels map[string]context.CancelFunc
	active  map[string]int
}

// New constructs a Harness driving k.
func New(k *kernel.Kernel, cfg Config, log *slog.Logger) *Harness {
	if cfg.MaxDepth == 0 {
		cfg.MaxDepth = 5
	}
	if log == nil {
		log = slog.Default()
	}
	return &Harness{
		kernel:  k,
		cfg:     cfg,
		log:     log,
		cancels: make(map[string]context.CancelFunc),
		active:  make(map[string]int),
	}
}

// providerFor resolves a directive's model tier to an LLM provider,
// falling back to the "default" entry.
func (h *Harness) providerFor(tier string) (llms.LLMProvider, error) {
	if p, ok := h.cfg.Providers[tier]; ok {
		return p, nil
	}
	if p, ok := h.cfg.Providers["default"]; ok {
		return p, nil
	}
	return nil, fmt.Errorf("harness: no llm provider configured for tier %q and no \"default\" fallback", tier)
}

// Threads exposes the registry backing this harness's kernel, for a
// front-end that needs status/list/wait without a spawn or cancel.
func (h *Harness) Threads() *thread.Registry {
	return h.kernel.Threads
}

// Cancel requests cooperative cancellation of a running thread: the
// registry status moves to cancelled and the worker's context is
// cancelled, interrupting its current suspension point (spec.md §4.9
// Cancellation, §5 Cancellation).
func (h *Harness) Cancel(threadID string) error {
	if err := h.kernel.Threads.Cancel(threadID); err != nil {
		return err
	}
	h.mu.Lock()
	cancel, ok := h.cancels[threadID]
	h.mu.Unlock()
	if ok {
		cancel()
	}
	return nil
}

func (h *Harness) forgetCancel(threadID string) {
	h.mu.Lock()
	delete(h.cancels, threadID)
	h.mu.Unlock()
}

// trackActive adjusts the running-thread count for directiveID by delta and
// reports the new total, so the gauge always reflects threads actually in
// flight rather than a monotonic counter.
func (h *Harness) trackActive(directiveID string, delta int) {
	h.mu.Lock()
	h.active[directiveID] += delta
	count := h.active[directiveID]
	if count <= 0 {
		delete(h.active, directiveID)
	}
	h.mu.Unlock()
	h.cfg.Metrics.SetThreadsActive(directiveID, count)
}
