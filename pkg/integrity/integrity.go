// Package integrity computes canonical hashes for loaded artifacts and
// verifies them against a lockfile or an embedded signature (spec.md
// §4.3 Integrity Verifier).
//
// Hashing is deliberately built on crypto/sha256 and encoding/json's
// sorted-map-key marshaling rather than a third-party hashing or
// canonical-JSON library: no example repo in the pack reaches for one
// for this narrow a concern, and the canonical form spec.md demands
// (sorted keys, no whitespace) is exactly what encoding/json already
// produces for a map[string]any with Go's native key-sort-on-marshal
// behavior — introducing a dependency here would be net-new surface
// with no teacher precedent.
package integrity

import (
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"regexp"
	"sort"
	"time"

	"github.com/kiwi-run/kiwi/pkg/lockfile"
)

// Mode controls how a missing lockfile entry is treated.
type Mode string

const (
	ModeStrict Mode = "strict"
	ModeTOFU   Mode = "tofu"
	ModeOff    Mode = "off"
)

// FileContent is one file's path (relative to the tool root) and bytes,
// used for multi-file canonical hashing.
type FileContent struct {
	RelPath string
	Bytes   []byte
}

// HashSingleFile implements spec.md's single-file canonical hash:
// sha256 of the UTF-8 content bytes.
func HashSingleFile(content []byte) string {
	sum := sha256.Sum256(content)
	return hex.EncodeToString(sum[:])
}

// HashMultiFile implements spec.md's multi-file canonical hash: a sorted
// list of (rel_path, sha256(bytes)) pairs, concatenated with a
// canonicalized JSON manifest, then hashed again.
func HashMultiFile(manifest map[string]any, files []FileContent) (string, error) {
	sorted := make([]FileContent, len(files))
	copy(sorted, files)
	sort.Slice(sorted, func(i, j int) bool { return sorted[i].RelPath < sorted[j].RelPath })

	type pair struct {
		RelPath string `json:"rel_path"`
		SHA256  string `json:"sha256"`
	}
	pairs := make([]pair, 0, len(sorted))
	for _, f := range sorted {
		sum := sha256.Sum256(f.Bytes)
		pairs = append(pairs, pair{RelPath: f.RelPath, SHA256: hex.EncodeToString(sum[:])})
	}

	manifestJSON, err := canonicalJSON(manifest)
	if err != nil {
		return "", fmt.Errorf("integrity: canonicalize manifest: %w", err)
	}
	fileListJSON, err := canonicalJSON(pairs)
	if err != nil {
		return "", fmt.Errorf("integrity: canonicalize file list: %w", err)
	}

	h := sha256.New()
	h.Write(manifestJSON)
	h.Write(fileListJSON)
	return hex.EncodeToString(h.Sum(nil)), nil
}

// canonicalJSON marshals v with sorted object keys and no insignificant
// whitespace. encoding/json already sorts map[string]any keys and emits
// no whitespace via Marshal (as opposed to MarshalIndent); struct fields
// marshal in declaration order, which is stable for our fixed pair type.
func canonicalJSON(v any) ([]byte, error) {
	return json.Marshal(v)
}

// Result is the outcome of a verification attempt.
type Result struct {
	Verified     bool
	ComputedHash string
	LockedHash   string
	Reason       string
}

var signatureLine = regexp.MustCompile(`^#\s*kiwi-validated:([0-9T:\-+.Z]+):([0-9a-f]{64})\s*$`)

// ExtractEmbeddedSignature scans content line-by-line for a
// "# kiwi-validated:<ISO8601>:<sha256hex>" comment, returning the hash it
// asserts, if any. Only this embedded comment form is read; detached
// signature files are not consulted. EmbedSignature renders the same form.
func ExtractEmbeddedSignature(content []byte) (hash string, ok bool) {
	lines := splitLines(content)
	for _, line := range lines {
		if m := signatureLine.FindStringSubmatch(line); m != nil {
			return m[2], true
		}
	}
	return "", false
}

func splitLines(b []byte) []string {
	var lines []string
	start := 0
	for i, c := range b {
		if c == '\n' {
			lines = append(lines, string(b[start:i]))
			start = i + 1
		}
	}
	if start < len(b) {
		lines = append(lines, string(b[start:]))
	}
	return lines
}

// EmbedSignature renders the canonical write-form of an embedded
// signature comment.
func EmbedSignature(hash string, signedAt time.Time) string {
	return fmt.Sprintf("# kiwi-validated:%s:%s", signedAt.UTC().Format(time.RFC3339), hash)
}

// Verifier checks a computed hash against a lockfile entry or an
// embedded signature, according to the configured Mode.
type Verifier struct {
	lock *lockfile.File
	mode Mode
}

func NewVerifier(lock *lockfile.File, mode Mode) *Verifier {
	return &Verifier{lock: lock, mode: mode}
}

// Verify checks computedHash for (toolID, version) under a lockfile.
// embeddedHash, if non-empty, is the signature found in the artifact
// itself — checked as a secondary, equally-authoritative acceptance path
// per the Open Question resolution (the spec's own "a" OR "b" wording
// in §4.3's Responsibility line).
func (v *Verifier) Verify(toolID, version, computedHash, embeddedHash string) (Result, error) {
	entry, found, err := v.lock.Lookup(toolID, version)
	if err != nil {
		return Result{}, err
	}

	if found {
		if entry.CanonicalHash == computedHash {
			return Result{Verified: true, ComputedHash: computedHash, LockedHash: entry.CanonicalHash}, nil
		}
		return Result{
			Verified:     false,
			ComputedHash: computedHash,
			LockedHash:   entry.CanonicalHash,
			Reason:       "hash mismatch against lockfile entry",
		}, nil
	}

	if embeddedHash != "" && embeddedHash == computedHash {
		return Result{Verified: true, ComputedHash: computedHash}, nil
	}

	switch v.mode {
	case ModeOff:
		return Result{Verified: true, ComputedHash: computedHash, Reason: "verification disabled"}, nil
	case ModeTOFU:
		if err := v.lock.Pin(toolID, version, computedHash, time.Now()); err != nil {
			return Result{}, err
		}
		return Result{Verified: true, ComputedHash: computedHash, Reason: "trust-on-first-use: pinned"}, nil
	case ModeStrict:
		return Result{
			Verified:     false,
			ComputedHash: computedHash,
			Reason:       "strict mode: no lockfile entry and no matching embedded signature",
		}, nil
	default:
		return Result{}, fmt.Errorf("integrity: unknown verification mode %q", v.mode)
	}
}
