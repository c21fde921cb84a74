package integrity

import (
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/kiwi-run/kiwi/pkg/lockfile"
)

func TestHashSingleFile_Deterministic(t *testing.T) {
	h1 := HashSingleFile([]byte("hello"))
	h2 := HashSingleFile([]byte("hello"))
	require.Equal(t, h1, h2)
	require.Len(t, h1, 64)
}

func TestHashSingleFile_ChangesOnMutation(t *testing.T) {
	h1 := HashSingleFile([]byte("hello"))
	h2 := HashSingleFile([]byte("hellp"))
	require.NotEqual(t, h1, h2)
}

func TestHashMultiFile_OrderIndependent(t *testing.T) {
	manifest := map[string]any{"tool_id": "t", "version": "1.0.0"}
	files := []FileContent{
		{RelPath: "b.py", Bytes: []byte("b")},
		{RelPath: "a.py", Bytes: []byte("a")},
	}
	filesReversed := []FileContent{files[1], files[0]}

	h1, err := HashMultiFile(manifest, files)
	require.NoError(t, err)
	h2, err := HashMultiFile(manifest, filesReversed)
	require.NoError(t, err)
	require.Equal(t, h1, h2)
}

func TestHashMultiFile_ChangesOnContentMutation(t *testing.T) {
	manifest := map[string]any{"tool_id": "t", "version": "1.0.0"}
	files := []FileContent{{RelPath: "a.py", Bytes: []byte("a")}}
	filesMutated := []FileContent{{RelPath: "a.py", Bytes: []byte("a2")}}

	h1, err := HashMultiFile(manifest, files)
	require.NoError(t, err)
	h2, err := HashMultiFile(manifest, filesMutated)
	require.NoError(t, err)
	require.NotEqual(t, h1, h2)
}

func TestExtractEmbeddedSignature(t *testing.T) {
	hash := HashSingleFile([]byte("x"))
	content := []byte("#!/usr/bin/env python3\n# kiwi-validated:2026-01-01T00:00:00Z:" + hash + "\nprint(1)\n")
	got, ok := ExtractEmbeddedSignature(content)
	require.True(t, ok)
	require.Equal(t, hash, got)
}

func TestExtractEmbeddedSignature_Absent(t *testing.T) {
	_, ok := ExtractEmbeddedSignature([]byte("print(1)\n"))
	require.False(t, ok)
}

func TestVerify_StrictModeFailsClosedWithoutLockEntry(t *testing.T) {
	lock := lockfile.Open(filepath.Join(t.TempDir(), "lockfile.json"))
	v := NewVerifier(lock, ModeStrict)

	res, err := v.Verify("echo", "1.0.0", "abc123", "")
	require.NoError(t, err)
	require.False(t, res.Verified)
}

func TestVerify_TOFUPinsOnFirstLoad(t *testing.T) {
	lock := lockfile.Open(filepath.Join(t.TempDir(), "lockfile.json"))
	v := NewVerifier(lock, ModeTOFU)

	res, err := v.Verify("echo", "1.0.0", "abc123", "")
	require.NoError(t, err)
	require.True(t, res.Verified)

	entry, found, err := lock.Lookup("echo", "1.0.0")
	require.NoError(t, err)
	require.True(t, found)
	require.Equal(t, "abc123", entry.CanonicalHash)
}

func TestVerify_MatchingLockEntrySucceeds(t *testing.T) {
	lock := lockfile.Open(filepath.Join(t.TempDir(), "lockfile.json"))
	require.NoError(t, lock.Pin("echo", "1.0.0", "abc123", time.Now()))

	v := NewVerifier(lock, ModeStrict)
	res, err := v.Verify("echo", "1.0.0", "abc123", "")
	require.NoError(t, err)
	require.True(t, res.Verified)
}

func TestVerify_TamperedContentFailsIntegrityMonotonicity(t *testing.T) {
	lock := lockfile.Open(filepath.Join(t.TempDir(), "lockfile.json"))
	require.NoError(t, lock.Pin("echo", "1.0.0", "abc123", time.Now()))

	v := NewVerifier(lock, ModeStrict)
	res, err := v.Verify("echo", "1.0.0", "different_hash", "")
	require.NoError(t, err)
	require.False(t, res.Verified)
	require.Equal(t, "abc123", res.LockedHash)
}

func TestVerify_EmbeddedSignatureAcceptedWithoutLockEntry(t *testing.T) {
	lock := lockfile.Open(filepath.Join(t.TempDir(), "lockfile.json"))
	v := NewVerifier(lock, ModeStrict)

	res, err := v.Verify("echo", "1.0.0", "abc123", "abc123")
	require.NoError(t, err)
	require.True(t, res.Verified)
}

func TestVerify_OffModeAlwaysSucceeds(t *testing.T) {
	lock := lockfile.Open(filepath.Join(t.TempDir(), "lockfile.json"))
	v := NewVerifier(lock, ModeOff)

	res, err := v.Verify("echo", "1.0.0", "whatever", "")
	require.NoError(t, err)
	require.True(t, res.Verified)
}
