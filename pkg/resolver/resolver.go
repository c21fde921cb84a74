// Package resolver implements the kernel's single path resolver (C1):
// mapping an (item_id, item_type, location) tuple to a concrete on-disk
// artifact path, searching project, then user, then package space.
//
// A prior version of this system had three independent resolvers with
// subtly different glob patterns per item type — a documented source of
// bugs. This package is the single consolidated replacement; every item
// type shares the same search algorithm.
package resolver

import (
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"sort"
	"strings"

	"github.com/kiwi-run/kiwi/pkg/item"
)

// Roots configures the three search tiers. PackageRoot is read-only,
// shipped content; Project and UserSpace are read-write.
type Roots struct {
	ProjectDir  string // <project>/.ai
	UserSpace   string // default ~/.ai
	PackageRoot string // shipped <type>s/ directories
}

// DefaultUserSpace returns $USER_SPACE, or ~/.ai if unset.
func DefaultUserSpace() string {
	if v := os.Getenv("USER_SPACE"); v != "" {
		return v
	}
	home, err := os.UserHomeDir()
	if err != nil {
		return ".ai"
	}
	return filepath.Join(home, ".ai")
}

// Candidate is one artifact found while searching a single location.
type Candidate struct {
	Path   string
	Source item.Source
}

// Result is always returned, even when nothing is found — resolution
// failure is a NotFound result, not an error. Filesystem errors distinct
// from "nothing here" are carried in Warnings.
type Result struct {
	Found      bool
	Path       string
	Source     item.Source
	Candidates []Candidate
	Ambiguous  bool
	Searched   []string
	Warnings   []string
}

// Resolver walks Roots in priority order to resolve items by id and type.
type Resolver struct {
	roots Roots
}

func New(roots Roots) *Resolver {
	return &Resolver{roots: roots}
}

// Resolve finds the artifact for (id, typ). If location is non-empty, only
// that tier is searched. The chosen candidate is always the
// lexicographically smallest relative path within the highest-priority
// location that contains a match — deterministic across repeated calls
// on an unchanged filesystem.
func (r *Resolver) Resolve(id string, typ item.Type, location item.Source) (Result, error) {
	if !typ.Valid() {
		return Result{}, fmt.Errorf("resolver: invalid item type %q", typ)
	}

	tiers := r.tiersFor(typ, location)

	var res Result
	for _, tier := range tiers {
		if tier.root == "" {
			continue
		}
		res.Searched = append(res.Searched, tier.root)

		matches, warn := r.searchTier(tier.root, id, typ)
		if warn != "" {
			res.Warnings = append(res.Warnings, warn)
		}
		if len(matches) == 0 {
			continue
		}

		sort.Strings(matches)
		res.Found = true
		res.Path = matches[0]
		res.Source = tier.source
		for _, m := range matches {
			res.Candidates = append(res.Candidates, Candidate{Path: m, Source: tier.source})
		}
		if len(matches) > 1 {
			res.Ambiguous = true
			res.Warnings = append(res.Warnings, fmt.Sprintf(
				"ambiguous_resolution: %d candidates for %s:%s in %s, chose %s",
				len(matches), typ, id, tier.root, matches[0]))
		}
		return res, nil
	}

	return res, nil
}

type tier struct {
	root   string
	source item.Source
}

func (r *Resolver) tiersFor(typ item.Type, location item.Source) []tier {
	all := []tier{
		{root: r.dirFor(r.roots.ProjectDir, typ), source: item.SourceProject},
		{root: r.dirFor(r.roots.UserSpace, typ), source: item.SourceUser},
		{root: r.dirFor(r.roots.PackageRoot, typ), source: item.SourcePackage},
	}
	if location == "" {
		return all
	}
	for _, t := range all {
		if t.source == location {
			return []tier{t}
		}
	}
	return nil
}

func (r *Resolver) dirFor(root string, typ item.Type) string {
	if root == "" {
		return ""
	}
	return filepath.Join(root, string(typ)+"s")
}

// searchTier walks one directory tree looking for a stem match. Tools may
// be a single file with a recognized extension, or a directory containing
// tool.yaml (or tool.yml) plus auxiliary files — the directory itself is
// the match in that case.
func (r *Resolver) searchTier(root, id string, typ item.Type) (matches []string, warning string) {
	info, err := os.Stat(root)
	if err != nil {
		if os.IsNotExist(err) {
			return nil, ""
		}
		return nil, fmt.Sprintf("resolver: cannot stat %s: %v", root, err)
	}
	if !info.IsDir() {
		return nil, fmt.Sprintf("resolver: expected directory at %s", root)
	}

	exts := item.Extensions(typ)

	err = filepath.WalkDir(root, func(path string, d fs.DirEntry, walkErr error) error {
		if walkErr != nil {
			if os.IsPermission(walkErr) {
				warning = fmt.Sprintf("resolver: permission denied traversing %s: %v", path, walkErr)
				return fs.SkipDir
			}
			return walkErr
		}

		rel, _ := filepath.Rel(root, path)

		if d.IsDir() {
			if typ == item.TypeTool && path != root {
				if manifestPath := toolDirManifest(path); manifestPath != "" {
					stem := filepath.Base(path)
					if stem == id {
						matches = append(matches, path)
					}
					return fs.SkipDir
				}
			}
			return nil
		}

		stem := strings.TrimSuffix(d.Name(), filepath.Ext(d.Name()))
		if stem != id {
			return nil
		}
		if !matchesExt(d.Name(), exts) {
			return nil
		}
		_ = rel
		matches = append(matches, path)
		return nil
	})
	if err != nil && warning == "" {
		warning = fmt.Sprintf("resolver: error walking %s: %v", root, err)
	}

	return matches, warning
}

func toolDirManifest(dir string) string {
	for _, name := range []string{"tool.yaml", "tool.yml"} {
		p := filepath.Join(dir, name)
		if _, err := os.Stat(p); err == nil {
			return p
		}
	}
	return ""
}

func matchesExt(name string, exts []string) bool {
	for _, e := range exts {
		if e == "" {
			continue
		}
		if strings.HasSuffix(name, e) {
			return true
		}
	}
	return false
}
