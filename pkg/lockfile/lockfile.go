// Package lockfile implements the project-local pinning store mapping
// (tool_id, version) to a canonical hash (spec.md §3 Lockfile Entry,
// §4.3 Integrity Verifier).
package lockfile

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"sync"
	"time"
)

// Entry is one pinned (tool_id, version) -> hash record.
type Entry struct {
	ToolID        string    `json:"tool_id"`
	Version       string    `json:"version"`
	CanonicalHash string    `json:"canonical_hash"`
	PinnedAt      time.Time `json:"pinned_at"`
}

func key(toolID, version string) string {
	return toolID + "@" + version
}

type document struct {
	Tools    map[string]Entry `json:"tools"`
	SignedAt time.Time        `json:"signed_at"`
}

// File is a lockfile handle backed by a single JSON file on disk, guarded
// by an in-process mutex. No file lock is taken on the lockfile path, so
// writes from separate kernel processes are not serialized against each
// other.
type File struct {
	path string
	mu   sync.Mutex
}

// Open returns a handle to the lockfile at path. The file need not exist
// yet; it is created on first write.
func Open(path string) *File {
	return &File{path: path}
}

// Lookup returns the pinned entry for (toolID, version), if any.
func (f *File) Lookup(toolID, version string) (Entry, bool, error) {
	f.mu.Lock()
	defer f.mu.Unlock()

	doc, err := f.load()
	if err != nil {
		return Entry{}, false, err
	}
	e, ok := doc.Tools[key(toolID, version)]
	return e, ok, nil
}

// Pin records (toolID, version) -> hash, used both for TOFU first-sight
// recording and for explicit `sign` operations overwriting a prior pin.
func (f *File) Pin(toolID, version, hash string, pinnedAt time.Time) error {
	f.mu.Lock()
	defer f.mu.Unlock()

	doc, err := f.load()
	if err != nil {
		return err
	}
	if doc.Tools == nil {
		doc.Tools = make(map[string]Entry)
	}
	doc.Tools[key(toolID, version)] = Entry{
		ToolID:        toolID,
		Version:       version,
		CanonicalHash: hash,
		PinnedAt:      pinnedAt,
	}
	doc.SignedAt = pinnedAt
	return f.save(doc)
}

func (f *File) load() (document, error) {
	data, err := os.ReadFile(f.path)
	if err != nil {
		if os.IsNotExist(err) {
			return document{Tools: make(map[string]Entry)}, nil
		}
		return document{}, fmt.Errorf("lockfile: read %s: %w", f.path, err)
	}
	var doc document
	if err := json.Unmarshal(data, &doc); err != nil {
		return document{}, fmt.Errorf("lockfile: decode %s: %w", f.path, err)
	}
	if doc.Tools == nil {
		doc.Tools = make(map[string]Entry)
	}
	return doc, nil
}

// save writes doc via a temp-file-plus-rename to avoid torn writes under
// concurrent readers and to stay crash safe; the mutex above covers
// in-process races.
func (f *File) save(doc document) error {
	if err := os.MkdirAll(filepath.Dir(f.path), 0o755); err != nil {
		return fmt.Errorf("lockfile: mkdir %s: %w", filepath.Dir(f.path), err)
	}
	data, err := json.MarshalIndent(doc, "", "  ")
	if err != nil {
		return fmt.Errorf("lockfile: encode: %w", err)
	}

	tmp, err := os.CreateTemp(filepath.Dir(f.path), ".lockfile-*.tmp")
	if err != nil {
		return fmt.Errorf("lockfile: create temp: %w", err)
	}
	tmpName := tmp.Name()
	if _, err := tmp.Write(data); err != nil {
		tmp.Close()
		os.Remove(tmpName)
		return fmt.Errorf("lockfile: write temp: %w", err)
	}
	if err := tmp.Close(); err != nil {
		os.Remove(tmpName)
		return fmt.Errorf("lockfile: close temp: %w", err)
	}
	if err := os.Rename(tmpName, f.path); err != nil {
		os.Remove(tmpName)
		return fmt.Errorf("lockfile: rename temp: %w", err)
	}
	return nil
}
