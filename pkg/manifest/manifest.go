// Package manifest implements the Manifest Loader (C2): resolving an
// item through pkg/resolver, reading its bytes, and parsing it into a
// typed Manifest via pkg/tool, pkg/directive, or pkg/knowledge,
// depending on item type (spec.md §4.2).
//
// Grounded on pkg/tools/registry.go's lazy, cached tool construction
// (manifests loaded once and kept warm) plus pkg/config/koanf_loader.go's
// YAML decode entrypoint — generalized to all three item kinds and to
// all three search tiers via pkg/resolver. golang.org/x/sync/singleflight
// deduplicates concurrent loads of the same item (mirroring the
// request-coalescing shape pkg/tools/registry.go's sync.Once-guarded
// lazy factories use, but scoped per key instead of per registry).
package manifest

import (
	"fmt"
	"os"
	"path/filepath"
	"sync"
	"time"

	"golang.org/x/sync/singleflight"

	"github.com/kiwi-run/kiwi/pkg/directive"
	"github.com/kiwi-run/kiwi/pkg/item"
	"github.com/kiwi-run/kiwi/pkg/knowledge"
	"github.com/kiwi-run/kiwi/pkg/observability"
	"github.com/kiwi-run/kiwi/pkg/resolver"
	"github.com/kiwi-run/kiwi/pkg/tool"
)

// Manifest is the loaded, typed result for one artifact, regardless of
// item kind. Exactly one of Tool/Directive/Knowledge is populated,
// selected by Kind.
type Manifest struct {
	ID       string
	Kind     item.Type
	Source   item.Source
	Path     string
	ModTime  time.Time
	RawBytes []byte

	Tool      *tool.Manifest
	Directive *directive.Directive
	Knowledge *knowledge.Entry
}

type cacheEntry struct {
	manifest *Manifest
	modTime  time.Time
}

// Loader resolves, reads, and parses items, caching successfully parsed
// results keyed by (type, id) and invalidating an entry whenever the
// backing file's mtime changes.
type Loader struct {
	resolver *resolver.Resolver

	mu    sync.RWMutex
	cache map[string]cacheEntry

	group singleflight.Group

	watcher *Watcher

	// Metrics, when set, records load outcomes and durations. Nil is
	// valid: every recording call becomes a no-op.
	Metrics *observability.Metrics
}

func New(res *resolver.Resolver) *Loader {
	return &Loader{
		resolver: res,
		cache:    make(map[string]cacheEntry),
	}
}

// SetWatcher attaches a fsnotify-backed Watcher so that every future
// successful load is tracked for external invalidation. Optional — a
// Loader works correctly (just without live invalidation) if never set.
func (l *Loader) SetWatcher(w *Watcher) {
	l.watcher = w
}

func cacheKey(typ item.Type, id string) string {
	return string(typ) + ":" + id
}

// Load resolves and parses an item by (id, type, location). location
// may be empty to search all tiers in priority order.
func (l *Loader) Load(id string, typ item.Type, location item.Source) (*Manifest, error) {
	key := cacheKey(typ, id)
	start := time.Now()

	v, err, shared := l.group.Do(key, func() (any, error) {
		return l.loadUncached(id, typ, location)
	})
	if err != nil {
		if _, ok := err.(*NotFoundError); ok {
			l.Metrics.RecordManifestNotFound(string(typ))
		}
		return nil, err
	}

	outcome := "miss"
	if shared {
		outcome = "singleflight_shared"
	}
	l.Metrics.RecordManifestLoad(string(typ), outcome, time.Since(start))
	return v.(*Manifest), nil
}

func (l *Loader) loadUncached(id string, typ item.Type, location item.Source) (*Manifest, error) {
	res, err := l.resolver.Resolve(id, typ, location)
	if err != nil {
		return nil, err
	}
	if !res.Found {
		return nil, &NotFoundError{ID: id, Type: typ}
	}

	info, err := os.Stat(res.Path)
	if err != nil {
		return nil, fmt.Errorf("manifest: stat %s: %w", res.Path, err)
	}

	l.mu.RLock()
	cached, ok := l.cache[cacheKey(typ, id)]
	l.mu.RUnlock()
	if ok && cached.manifest.Path == res.Path && cached.modTime.Equal(info.ModTime()) {
		return cached.manifest, nil
	}

	m, err := l.parse(id, typ, res)
	if err != nil {
		return nil, err
	}
	m.ModTime = info.ModTime()

	l.mu.Lock()
	l.cache[cacheKey(typ, id)] = cacheEntry{manifest: m, modTime: info.ModTime()}
	l.mu.Unlock()

	if l.watcher != nil {
		if err := l.watcher.Track(m); err != nil {
			l.watcher.log.Warn("manifest watch failed", "path", m.Path, "error", err)
		}
	}

	return m, nil
}

func (l *Loader) parse(id string, typ item.Type, res resolver.Result) (*Manifest, error) {
	switch typ {
	case item.TypeTool:
		return l.parseTool(id, res)
	case item.TypeDirective:
		return l.parseDirective(id, res)
	case item.TypeKnowledge:
		return l.parseKnowledge(id, res)
	default:
		return nil, fmt.Errorf("manifest: unsupported item type %q", typ)
	}
}

func (l *Loader) parseTool(id string, res resolver.Result) (*Manifest, error) {
	manifestPath := res.Path
	info, err := os.Stat(res.Path)
	if err != nil {
		return nil, fmt.Errorf("manifest: stat %s: %w", res.Path, err)
	}
	if info.IsDir() {
		for _, name := range []string{"tool.yaml", "tool.yml"} {
			p := filepath.Join(res.Path, name)
			if _, err := os.Stat(p); err == nil {
				manifestPath = p
				break
			}
		}
	}

	data, err := os.ReadFile(manifestPath)
	if err != nil {
		return nil, fmt.Errorf("manifest: read %s: %w", manifestPath, err)
	}

	m, err := tool.Parse(data)
	if err != nil {
		return nil, err
	}

	return &Manifest{
		ID:       id,
		Kind:     item.TypeTool,
		Source:   res.Source,
		Path:     res.Path,
		RawBytes: data,
		Tool:     m,
	}, nil
}

func (l *Loader) parseDirective(id string, res resolver.Result) (*Manifest, error) {
	data, err := os.ReadFile(res.Path)
	if err != nil {
		return nil, fmt.Errorf("manifest: read %s: %w", res.Path, err)
	}
	d, err := directive.Parse(data)
	if err != nil {
		return nil, err
	}
	return &Manifest{
		ID:        id,
		Kind:      item.TypeDirective,
		Source:    res.Source,
		Path:      res.Path,
		RawBytes:  data,
		Directive: d,
	}, nil
}

func (l *Loader) parseKnowledge(id string, res resolver.Result) (*Manifest, error) {
	data, err := os.ReadFile(res.Path)
	if err != nil {
		return nil, fmt.Errorf("manifest: read %s: %w", res.Path, err)
	}
	e, err := knowledge.Parse(data)
	if err != nil {
		return nil, err
	}
	return &Manifest{
		ID:        id,
		Kind:      item.TypeKnowledge,
		Source:    res.Source,
		Path:      res.Path,
		RawBytes:  data,
		Knowledge: e,
	}, nil
}

// LoadTool satisfies pkg/chain.Loader, letting the chain resolver walk
// executor references through the same cache ordinary loads use.
func (l *Loader) LoadTool(toolID string) (*tool.Manifest, error) {
	m, err := l.Load(toolID, item.TypeTool, "")
	if err != nil {
		return nil, err
	}
	return m.Tool, nil
}

// Invalidate drops a cached entry, forcing the next Load to re-resolve
// and re-parse from disk. Called by the fsnotify watcher on mtime
// change, and by the kernel's `load` and `create`/`update` operations
// after they write an item file.
func (l *Loader) Invalidate(id string, typ item.Type) {
	l.mu.Lock()
	defer l.mu.Unlock()
	delete(l.cache, cacheKey(typ, id))
}

// NotFoundError reports a resolver miss surfaced as a manifest-load failure.
type NotFoundError struct {
	ID   string
	Type item.Type
}

func (e *NotFoundError) Error() string { return fmt.Sprintf("not_found: %s:%s", e.Type, e.ID) }
