package kernel

import (
	"context"
	"os"
	"path/filepath"
	"strings"

	"github.com/kiwi-run/kiwi/pkg/item"
)

// SearchRequest is the input to the kernel's search meta-operation.
type SearchRequest struct {
	ItemType item.Type         `json:"item_type"`
	Query    string            `json:"query"`
	Source   item.Source       `json:"source,omitempty"` // optional: restrict to one search tier
	Filters  map[string]string `json:"filters,omitempty"`
	Limit    int               `json:"limit,omitempty"`
}

// SearchHit is one matched item, uniform across item types.
type SearchHit struct {
	ID     string      `json:"id"`
	Type   item.Type   `json:"type"`
	Source item.Source `json:"source"`
	Title  string      `json:"title,omitempty"`
	Path   string      `json:"path,omitempty"`
	Score  float32     `json:"score,omitempty"`
}

// Search implements search(item_type, query, source?, filters, limit)
// (spec.md §4.11). Knowledge items are matched by the embedded
// knowledge index; directive and tool items are enumerated straight off
// disk and filtered by a case-insensitive id substring, since those two
// kinds have no semantic index behind them — the same three-tier roots
// pkg/resolver walks, listed rather than resolved to a single winner.
func (k *Kernel) Search(ctx context.Context, req SearchRequest) ([]SearchHit, *Error) {
	if !req.ItemType.Valid() {
		return nil, newError(KindInvalidInput, "invalid item_type").withHint("item_type must be one of directive, tool, knowledge")
	}
	limit := req.Limit
	if limit <= 0 {
		limit = 20
	}

	if req.ItemType == item.TypeKnowledge && req.Query != "" {
		hits, err := k.Knowledge.Search(ctx, req.Query, limit)
		if err != nil {
			return nil, wrapError(KindInternal, err)
		}
		out := make([]SearchHit, 0, len(hits))
		for _, h := range hits {
			out = append(out, SearchHit{ID: h.ZettelID, Type: item.TypeKnowledge, Title: h.Title, Path: h.Path, Score: h.Score})
		}
		return out, nil
	}

	var out []SearchHit
	for _, tier := range k.tiers(req.ItemType, req.Source) {
		if len(out) >= limit {
			break
		}
		out = append(out, k.listTier(tier.root, tier.source, req.ItemType, req.Query, limit-len(out))...)
	}
	return out, nil
}

type tierRoot struct {
	root   string
	source item.Source
}

func (k *Kernel) tiers(typ item.Type, location item.Source) []tierRoot {
	all := []tierRoot{
		{root: filepath.Join(k.cfg.ProjectDir, string(typ)+"s"), source: item.SourceProject},
		{root: filepath.Join(k.cfg.UserSpace, string(typ)+"s"), source: item.SourceUser},
		{root: filepath.Join(k.cfg.PackageRoot, string(typ)+"s"), source: item.SourcePackage},
	}
	if location == "" {
		return all
	}
	for _, t := range all {
		if t.source == location {
			return []tierRoot{t}
		}
	}
	return nil
}

func (k *Kernel) listTier(root string, source item.Source, typ item.Type, query string, limit int) []SearchHit {
	entries, err := os.ReadDir(root)
	if err != nil {
		return nil
	}

	query = strings.ToLower(query)
	var out []SearchHit
	for _, e := range entries {
		if len(out) >= limit {
			break
		}
		name := e.Name()
		var id string
		if e.IsDir() {
			id = name // tool.yaml-backed directory tool
		} else {
			id = strings.TrimSuffix(name, filepath.Ext(name))
		}
		if query != "" && !strings.Contains(strings.ToLower(id), query) {
			continue
		}
		out = append(out, SearchHit{
			ID:     id,
			Type:   typ,
			Source: source,
			Path:   filepath.Join(root, name),
		})
	}
	return out
}
