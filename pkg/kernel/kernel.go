// Package kernel implements the Meta-Operation Dispatcher (C11): the
// single handle tying every other component together behind four public
// operations — search, load, execute, help (spec.md §4.11).
//
// Grounded on pkg/component/manager.go's single explicit handle wiring
// every registry together with no package-level mutable state, so
// multiple Kernel instances can coexist in one process (test isolation,
// spec.md Design Notes "Global state").
package kernel

import (
	"fmt"
	"net/http"
	"time"

	"github.com/kiwi-run/kiwi/pkg/capability"
	"github.com/kiwi-run/kiwi/pkg/environ"
	"github.com/kiwi-run/kiwi/pkg/integrity"
	"github.com/kiwi-run/kiwi/pkg/knowledgeindex"
	"github.com/kiwi-run/kiwi/pkg/lockfile"
	"github.com/kiwi-run/kiwi/pkg/manifest"
	"github.com/kiwi-run/kiwi/pkg/mcpproxy"
	"github.com/kiwi-run/kiwi/pkg/observability"
	"github.com/kiwi-run/kiwi/pkg/resolver"
	"github.com/kiwi-run/kiwi/pkg/thread"
)

// Config is the kernel-wide set of paths and policy knobs every
// subsystem is constructed from.
type Config struct {
	ProjectDir   string // <project>/.ai
	UserSpace    string // default ~/.ai
	PackageRoot  string // shipped <type>s/ directories
	SessionsDir  string // <project>/.ai/sessions
	LockfilePath string
	VerifyMode   integrity.Mode
	EnvAllowList environ.AllowList
	ShellAllow   capability.AllowedShellCommands
	DefaultTTL   time.Duration

	// Metrics, when set, is threaded into the manifest loader so load
	// outcomes are recorded. Nil is valid.
	Metrics *observability.Metrics
}

// Kernel is the single handle wiring the resolver, manifest loader,
// capability store, thread registry, lockfile/verifier, environment
// resolver, knowledge index, and MCP-proxy manager together. Every
// request-handling path (local IPC, HTTP front-end, the harness itself)
// drives the kernel purely through its four public operations.
type Kernel struct {
	cfg Config

	Resolver     *resolver.Resolver
	Manifests    *manifest.Loader
	Capabilities *capability.Store
	Threads      *thread.Registry
	Archive      *thread.Archive
	Lock         *lockfile.File
	Verifier     *integrity.Verifier
	Environ      *environ.Resolver
	Knowledge    *knowledgeindex.Index
	MCP          *mcpproxy.Manager
	HTTPClient   *http.Client
}

// New constructs a Kernel from cfg and an Auth Store for secret
// resolution. Nothing here touches global state: every field is owned
// exclusively by the returned instance.
func New(cfg Config, auth environ.AuthStore) (*Kernel, error) {
	res := resolver.New(resolver.Roots{
		ProjectDir:  cfg.ProjectDir,
		UserSpace:   cfg.UserSpace,
		PackageRoot: cfg.PackageRoot,
	})

	capStore, err := capability.NewStore()
	if err != nil {
		return nil, fmt.Errorf("kernel: create capability store: %w", err)
	}

	idx, err := knowledgeindex.New()
	if err != nil {
		return nil, fmt.Errorf("kernel: create knowledge index: %w", err)
	}

	if cfg.DefaultTTL == 0 {
		cfg.DefaultTTL = 30 * time.Minute
	}

	manifests := manifest.New(res)
	manifests.Metrics = cfg.Metrics

	k := &Kernel{
		cfg:          cfg,
		Resolver:     res,
		Manifests:    manifests,
		Capabilities: capStore,
		Threads:      thread.New(cfg.SessionsDir),
		Lock:         lockfile.Open(cfg.LockfilePath),
		Environ:      environ.NewResolver(cfg.EnvAllowList, auth),
		Knowledge:    idx,
		MCP:          mcpproxy.NewManager(),
		HTTPClient:   &http.Client{Timeout: 60 * time.Second},
	}
	k.Verifier = integrity.NewVerifier(k.Lock, cfg.VerifyMode)
	return k, nil
}

// ProjectSandbox returns the project directory capability minting
// confines non-core directives' fs scopes under.
func (k *Kernel) ProjectSandbox() string { return k.cfg.ProjectDir }

// ShellAllowList returns the global shell command allow-list non-core
// directives' exec capabilities are intersected against at mint time.
func (k *Kernel) ShellAllowList() capability.AllowedShellCommands { return k.cfg.ShellAllow }

// SetArchive attaches an optional SQL-backed archive for the 7-day
// terminal-record retention tier (spec.md §4.9 Lifecycles). A Kernel
// works correctly without one; terminal records then live only in the
// 24h sessions-dir JSON view.
func (k *Kernel) SetArchive(a *thread.Archive) { k.Archive = a }

// Close releases resources (MCP sessions, archive DB handle) held by
// long-lived kernel subsystems.
func (k *Kernel) Close() error {
	var firstErr error
	if err := k.MCP.CloseAll(); err != nil && firstErr == nil {
		firstErr = err
	}
	if k.Archive != nil {
		if err := k.Archive.Close(); err != nil && firstErr == nil {
			firstErr = err
		}
	}
	return firstErr
}
