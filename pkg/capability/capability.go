// Package capability implements the kernel's Capability Token Store
// (spec.md §4.5): minting, validating, and revoking short-lived bearer
// tokens carrying a permission set derived from a directive.
//
// Tokens are opaque to consumers but are structurally JWTs signed with a
// process-local HS256 key (lestrrat-go/jwx/v2, grounded on
// pkg/auth/jwt.go's JWKS-validator pattern) — unlike that teacher code,
// which verifies tokens minted by an *external* identity provider via a
// fetched JWKS, this store both mints and validates with a single
// in-memory signing key generated at Kernel construction. There is no
// JWKS endpoint because there is no external issuer: the kernel is the
// only party that ever mints a capability token.
package capability

import (
	"context"
	"crypto/rand"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/lestrrat-go/jwx/v2/jwa"
	"github.com/lestrrat-go/jwx/v2/jwt"
)

// Capability is one {action, resource, scope?} triple.
type Capability struct {
	Action   string `json:"action"`
	Resource string `json:"resource"`
	Scope    string `json:"scope,omitempty"`
}

// String renders a capability as the canonical form used in error hints,
// e.g. "write:fs:<project>/.ai/outputs/**".
func (c Capability) String() string {
	if c.Scope == "" {
		return fmt.Sprintf("%s:%s", c.Action, c.Resource)
	}
	return fmt.Sprintf("%s:%s:%s", c.Action, c.Resource, c.Scope)
}

// Covers reports whether c grants the requested capability. Resources of
// the form "mcp:<server_id>" and fs scopes are matched by exact
// action/resource equality plus a glob-style scope containment check;
// a capability with no scope covers any scope for the same action/resource.
func (c Capability) Covers(requested Capability) bool {
	if c.Action != requested.Action || c.Resource != requested.Resource {
		return false
	}
	if c.Scope == "" {
		return true
	}
	return scopeContains(c.Scope, requested.Scope)
}

// Token is the decoded, process-local view of a minted capability token.
type Token struct {
	TokenID      string
	ThreadID     string
	DirectiveID  string
	Capabilities []Capability
	IssuedAt     time.Time
	ExpiresAt    time.Time
	Revoked      bool
}

// HasCapability reports whether the token grants the requested capability
// and has not expired or been revoked.
func (t Token) HasCapability(requested Capability) bool {
	if t.Revoked {
		return false
	}
	if time.Now().After(t.ExpiresAt) {
		return false
	}
	for _, c := range t.Capabilities {
		if c.Covers(requested) {
			return true
		}
	}
	return false
}

// Store is the process-wide, in-memory capability token store. Tokens
// are never persisted to disk and are destroyed on thread completion
// (spec.md §3 Capability Token). Exactly one active token per thread;
// nested tool executions reuse the same token, so Store is keyed by
// thread_id as well as token_id.
type Store struct {
	mu          sync.RWMutex
	key         []byte
	byTokenID   map[string]*Token
	byThreadID  map[string]string // thread_id -> token_id
}

// NewStore creates an empty token store with a fresh random HS256
// signing key. The key lives only for the process's lifetime — tokens
// from a prior process are never valid against a new Store.
func NewStore() (*Store, error) {
	key := make([]byte, 32)
	if _, err := rand.Read(key); err != nil {
		return nil, fmt.Errorf("capability: generate signing key: %w", err)
	}
	return &Store{
		key:        key,
		byTokenID:  make(map[string]*Token),
		byThreadID: make(map[string]string),
	}, nil
}

// SandboxRoot is the project directory fs-scoped capabilities must stay
// under for non-core directives (spec.md §4.5 hierarchical rule).
type SandboxRoot string

// AllowedShellCommands is the global allow-list non-core directives'
// exec/shell capabilities are intersected against.
type AllowedShellCommands []string

// MintRequest carries everything needed to mint a new token.
type MintRequest struct {
	ThreadID      string
	DirectiveID   string
	IsCoreDirective bool
	Requested     []Capability
	TTL           time.Duration
	Sandbox       SandboxRoot
	ShellAllow    AllowedShellCommands
}

// Mint issues a new capability token for a thread, applying the
// hierarchical rule: core directives may request any capability;
// user-authored directives may only request capabilities whose fs
// scopes fall under the project sandbox and whose shell commands are a
// subset of the global allow-list. Out-of-sandbox requests are rejected
// wholesale — spec.md §15 scenario 3 requires the whole mint to fail,
// not a silent narrowing.
func (s *Store) Mint(ctx context.Context, req MintRequest) (string, *Token, error) {
	if !req.IsCoreDirective {
		for _, c := range req.Requested {
			if err := checkSandboxed(c, req.Sandbox, req.ShellAllow); err != nil {
				return "", nil, err
			}
		}
	}

	now := time.Now()
	tok := &Token{
		TokenID:      uuid.NewString(),
		ThreadID:     req.ThreadID,
		DirectiveID:  req.DirectiveID,
		Capabilities: req.Requested,
		IssuedAt:     now,
		ExpiresAt:    now.Add(req.TTL),
	}

	raw, err := s.encode(tok)
	if err != nil {
		return "", nil, err
	}

	s.mu.Lock()
	s.byTokenID[tok.TokenID] = tok
	s.byThreadID[req.ThreadID] = tok.TokenID
	s.mu.Unlock()

	return raw, tok, nil
}

func checkSandboxed(c Capability, sandbox SandboxRoot, shellAllow AllowedShellCommands) error {
	if c.Resource == "fs" && c.Scope != "" {
		if !pathUnderSandbox(c.Scope, string(sandbox)) {
			return &PermissionDeniedError{Capability: c, Reason: fmt.Sprintf("fs scope %q is not under sandbox %q", c.Scope, sandbox)}
		}
	}
	if c.Resource == "shell" && c.Action == "execute" {
		if !commandAllowed(c.Scope, shellAllow) {
			return &PermissionDeniedError{Capability: c, Reason: fmt.Sprintf("shell command %q is not in the allow-list", c.Scope)}
		}
	}
	return nil
}

// Validate parses and checks a bearer token string, returning the
// decoded Token if it is well-formed, unexpired, and unrevoked.
func (s *Store) Validate(raw string) (*Token, error) {
	parsed, err := jwt.Parse([]byte(raw), jwt.WithKey(jwa.HS256, s.key), jwt.WithValidate(true))
	if err != nil {
		return nil, &InvalidTokenError{Err: err}
	}

	tokenID, _ := parsed.JwtID()

	s.mu.RLock()
	tok, ok := s.byTokenID[tokenID]
	s.mu.RUnlock()
	if !ok {
		return nil, &InvalidTokenError{Err: fmt.Errorf("unknown token_id %q", tokenID)}
	}
	if tok.Revoked {
		return nil, &InvalidTokenError{Err: fmt.Errorf("token %q has been revoked", tokenID)}
	}
	if time.Now().After(tok.ExpiresAt) {
		return nil, &InvalidTokenError{Err: fmt.Errorf("token %q has expired", tokenID)}
	}
	return tok, nil
}

// Revoke marks the token for a thread as revoked, e.g. on budget
// exhaustion or thread completion. Revocation is idempotent.
func (s *Store) Revoke(threadID string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	tokenID, ok := s.byThreadID[threadID]
	if !ok {
		return
	}
	if tok, ok := s.byTokenID[tokenID]; ok {
		tok.Revoked = true
	}
}

// Forget removes a thread's token from the store entirely, called on
// thread completion so tokens never outlive their worker.
func (s *Store) Forget(threadID string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	tokenID, ok := s.byThreadID[threadID]
	if ok {
		delete(s.byTokenID, tokenID)
		delete(s.byThreadID, threadID)
	}
}

func (s *Store) encode(tok *Token) (string, error) {
	builder := jwt.NewBuilder().
		JwtID(tok.TokenID).
		Subject(tok.ThreadID).
		Claim("directive_id", tok.DirectiveID).
		IssuedAt(tok.IssuedAt).
		Expiration(tok.ExpiresAt)

	caps := make([]map[string]string, 0, len(tok.Capabilities))
	for _, c := range tok.Capabilities {
		caps = append(caps, map[string]string{"action": c.Action, "resource": c.Resource, "scope": c.Scope})
	}
	builder = builder.Claim("capabilities", caps)

	built, err := builder.Build()
	if err != nil {
		return "", fmt.Errorf("capability: build token: %w", err)
	}

	signed, err := jwt.Sign(built, jwt.WithKey(jwa.HS256, s.key))
	if err != nil {
		return "", fmt.Errorf("capability: sign token: %w", err)
	}
	return string(signed), nil
}

// PermissionDeniedError reports an out-of-sandbox mint request.
type PermissionDeniedError struct {
	Capability Capability
	Reason     string
}

func (e *PermissionDeniedError) Error() string {
	return fmt.Sprintf("permission_denied: %s: %s", e.Capability, e.Reason)
}

// InvalidTokenError reports a malformed, expired, revoked, or unknown
// bearer token.
type InvalidTokenError struct{ Err error }

func (e *InvalidTokenError) Error() string { return fmt.Sprintf("invalid_token: %v", e.Err) }
func (e *InvalidTokenError) Unwrap() error { return e.Err }
