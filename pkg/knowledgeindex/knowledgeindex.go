// Package knowledgeindex backs the kernel's search meta-operation over
// knowledge entries (spec.md §4.11 search(item_type="knowledge", query)).
//
// Grounded on pkg/vector.ChromemProvider's embedded, no-external-server
// chromem-go wiring: same GetOrCreateCollection/AddDocuments/
// QueryEmbedding shape. That teacher code receives pre-computed vectors
// from an external embedder.Embedder (OpenAI, Ollama); this package has
// no LLM-backed embedding step to call, so it supplies its own local,
// deterministic bag-of-words hashing vector instead — the same role an
// embedder plays, without a network round-trip on every search.
package knowledgeindex

import (
	"context"
	"fmt"
	"math"
	"regexp"
	"strings"
	"sync"

	"github.com/philippgille/chromem-go"

	"github.com/kiwi-run/kiwi/pkg/item"
	"github.com/kiwi-run/kiwi/pkg/knowledge"
)

const collectionName = "knowledge"

// vectorDim is the fixed width of the hashed bag-of-words vector every
// document and query is embedded into.
const vectorDim = 256

var tokenPattern = regexp.MustCompile(`[a-zA-Z0-9_]+`)

// Index is an embedded, in-memory full-text-ish search index over
// knowledge entries, backed by chromem-go for storage and cosine
// similarity search.
type Index struct {
	mu  sync.Mutex
	db  *chromem.DB
	col *chromem.Collection
}

// New creates an empty index. Persistence is the caller's concern (the
// kernel indexes a knowledge item when it writes one and does not
// rebuild the index from disk at startup; spec.md does not require a
// cross-restart search cache).
func New() (*Index, error) {
	db := chromem.NewDB()
	col, err := db.GetOrCreateCollection(collectionName, nil, hashEmbed)
	if err != nil {
		return nil, fmt.Errorf("knowledgeindex: create collection: %w", err)
	}
	return &Index{db: db, col: col}, nil
}

// Hit is one search result.
type Hit struct {
	ZettelID string
	Title    string
	Score    float32
	Path     string
}

// Index adds or replaces the searchable entry for one knowledge item.
func (idx *Index) Index(ctx context.Context, ref item.Ref, path string, e *knowledge.Entry) error {
	idx.mu.Lock()
	defer idx.mu.Unlock()

	doc := chromem.Document{
		ID:      e.ZettelID,
		Content: e.Title + "\n" + e.Body,
		Metadata: map[string]string{
			"title":  e.Title,
			"path":   path,
			"source": string(ref.Source),
		},
	}
	if err := idx.col.AddDocuments(ctx, []chromem.Document{doc}, 1); err != nil {
		return fmt.Errorf("knowledgeindex: index %s: %w", e.ZettelID, err)
	}
	return nil
}

// Remove drops a previously indexed entry, e.g. after a delete/update.
func (idx *Index) Remove(ctx context.Context, zettelID string) error {
	idx.mu.Lock()
	defer idx.mu.Unlock()
	return idx.col.Delete(ctx, nil, nil, zettelID)
}

// Search returns the topK entries most similar to query.
func (idx *Index) Search(ctx context.Context, query string, topK int) ([]Hit, error) {
	idx.mu.Lock()
	count := idx.col.Count()
	idx.mu.Unlock()
	if count == 0 {
		return nil, nil
	}
	if topK > count {
		topK = count
	}

	results, err := idx.col.Query(ctx, query, topK, nil, nil)
	if err != nil {
		return nil, fmt.Errorf("knowledgeindex: search: %w", err)
	}

	hits := make([]Hit, 0, len(results))
	for _, r := range results {
		hits = append(hits, Hit{
			ZettelID: r.ID,
			Title:    r.Metadata["title"],
			Path:     r.Metadata["path"],
			Score:    r.Similarity,
		})
	}
	return hits, nil
}

// hashEmbed builds a fixed-width vector from a bag of hashed tokens,
// normalized to unit length so chromem's cosine similarity behaves like
// a term-overlap score. No network call, no model weights — deterministic
// and fully offline, matching this kernel's embedded-only search scope.
func hashEmbed(_ context.Context, text string) ([]float32, error) {
	vec := make([]float32, vectorDim)
	for _, tok := range tokenPattern.FindAllString(strings.ToLower(text), -1) {
		vec[fnv1a(tok)%vectorDim]++
	}

	var norm float64
	for _, v := range vec {
		norm += float64(v) * float64(v)
	}
	if norm == 0 {
		return vec, nil
	}
	norm = math.Sqrt(norm)
	for i, v := range vec {
		vec[i] = float32(float64(v) / norm)
	}
	return vec, nil
}

func fnv1a(s string) int {
	const (
		offset = 2166136261
		prime  = 16777619
	)
	h := uint32(offset)
	for i := 0; i < len(s); i++ {
		h ^= uint32(s[i])
		h *= prime
	}
	return int(h)
}
