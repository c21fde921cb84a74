package capability

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
)

func TestMintAndValidate(t *testing.T) {
	s, err := NewStore()
	require.NoError(t, err)

	raw, tok, err := s.Mint(context.Background(), MintRequest{
		ThreadID:        "t1",
		DirectiveID:     "core.search",
		IsCoreDirective: true,
		Requested:       []Capability{{Action: "read", Resource: "fs", Scope: "/etc/**"}},
		TTL:             time.Minute,
	})
	require.NoError(t, err)
	require.NotEmpty(t, raw)

	validated, err := s.Validate(raw)
	require.NoError(t, err)
	require.Equal(t, tok.TokenID, validated.TokenID)
	require.True(t, validated.HasCapability(Capability{Action: "read", Resource: "fs", Scope: "/etc/passwd"}))
}

func TestMint_NonCoreOutOfSandboxDenied(t *testing.T) {
	s, err := NewStore()
	require.NoError(t, err)

	_, _, err = s.Mint(context.Background(), MintRequest{
		ThreadID:        "t2",
		DirectiveID:     "user.cleanup",
		IsCoreDirective: false,
		Requested:       []Capability{{Action: "write", Resource: "fs", Scope: "/etc/**"}},
		TTL:             time.Minute,
		Sandbox:         "/home/user/project",
	})
	require.Error(t, err)
	var denied *PermissionDeniedError
	require.ErrorAs(t, err, &denied)
}

func TestMint_NonCoreInSandboxAllowed(t *testing.T) {
	s, err := NewStore()
	require.NoError(t, err)

	_, tok, err := s.Mint(context.Background(), MintRequest{
		ThreadID:        "t3",
		DirectiveID:     "user.build",
		IsCoreDirective: false,
		Requested:       []Capability{{Action: "write", Resource: "fs", Scope: "/home/user/project/build/**"}},
		TTL:             time.Minute,
		Sandbox:         "/home/user/project",
	})
	require.NoError(t, err)
	require.True(t, tok.HasCapability(Capability{Action: "write", Resource: "fs", Scope: "/home/user/project/build/out.bin"}))
}

func TestMint_NonCoreShellCommandAllowList(t *testing.T) {
	s, err := NewStore()
	require.NoError(t, err)

	_, _, err = s.Mint(context.Background(), MintRequest{
		ThreadID:        "t4",
		DirectiveID:     "user.deploy",
		IsCoreDirective: false,
		Requested:       []Capability{{Action: "execute", Resource: "shell", Scope: "rm"}},
		TTL:             time.Minute,
		ShellAllow:      AllowedShellCommands{"git", "npm"},
	})
	require.Error(t, err)

	_, tok, err := s.Mint(context.Background(), MintRequest{
		ThreadID:        "t5",
		DirectiveID:     "user.deploy",
		IsCoreDirective: false,
		Requested:       []Capability{{Action: "execute", Resource: "shell", Scope: "npm"}},
		TTL:             time.Minute,
		ShellAllow:      AllowedShellCommands{"git", "npm"},
	})
	require.NoError(t, err)
	require.True(t, tok.HasCapability(Capability{Action: "execute", Resource: "shell", Scope: "npm"}))
}

func TestValidate_RevokedTokenRejected(t *testing.T) {
	s, err := NewStore()
	require.NoError(t, err)

	raw, _, err := s.Mint(context.Background(), MintRequest{
		ThreadID:        "t6",
		DirectiveID:     "core.search",
		IsCoreDirective: true,
		TTL:             time.Minute,
	})
	require.NoError(t, err)

	s.Revoke("t6")
	_, err = s.Validate(raw)
	require.Error(t, err)
	var invalid *InvalidTokenError
	require.ErrorAs(t, err, &invalid)
}

func TestValidate_ExpiredTokenRejected(t *testing.T) {
	s, err := NewStore()
	require.NoError(t, err)

	raw, _, err := s.Mint(context.Background(), MintRequest{
		ThreadID:        "t7",
		DirectiveID:     "core.search",
		IsCoreDirective: true,
		TTL:             -time.Minute,
	})
	require.NoError(t, err)

	_, err = s.Validate(raw)
	require.Error(t, err)
}

func TestForget_RemovesToken(t *testing.T) {
	s, err := NewStore()
	require.NoError(t, err)

	raw, _, err := s.Mint(context.Background(), MintRequest{
		ThreadID:        "t8",
		DirectiveID:     "core.search",
		IsCoreDirective: true,
		TTL:             time.Minute,
	})
	require.NoError(t, err)

	s.Forget("t8")
	_, err = s.Validate(raw)
	require.Error(t, err)
}

func TestCapability_CoversNoScopeGrantsAnyScope(t *testing.T) {
	granted := Capability{Action: "read", Resource: "fs"}
	require.True(t, granted.Covers(Capability{Action: "read", Resource: "fs", Scope: "/anywhere"}))
}

func TestCapability_CoversDifferentActionFails(t *testing.T) {
	granted := Capability{Action: "read", Resource: "fs", Scope: "/**"}
	require.False(t, granted.Covers(Capability{Action: "write", Resource: "fs", Scope: "/x"}))
}
