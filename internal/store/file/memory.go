package file

import (
	"context"
	"time"

	"github.com/nevinhive/clawgate/internal/memory"
	"github.com/nevinhive/clawgate/internal/store"
)

// FileMemoryStore adapts memory.Store to store.MemoryStore. It ignores any
// configured EmbeddingProvider — candidate scoring is token-overlap, not
// vector similarity, so there's nothing to wire the provider into.
type FileMemoryStore struct {
	store *memory.Store
}

func NewFileMemoryStore(s *memory.Store) *FileMemoryStore {
	return &FileMemoryStore{store: s}
}

func (f *FileMemoryStore) SetEmbeddingProvider(store.EmbeddingProvider) {}

func (f *FileMemoryStore) Add(ctx context.Context, content string, tags []string) (*store.MemoryEntry, error) {
	entry, err := f.store.Add(ctx, content, tags)
	if err != nil {
		return nil, err
	}
	return entryToStore(entry), nil
}

func (f *FileMemoryStore) Search(ctx context.Context, query string, limit int) ([]store.MemorySearchResult, error) {
	results, err := f.store.Search(ctx, query, limit)
	if err != nil {
		return nil, err
	}
	out := make([]store.MemorySearchResult, len(results))
	for i, r := range results {
		out[i] = store.MemorySearchResult{
			MemoryEntry: *entryToStore(&r.Entry),
			Score:       r.Score,
			Snippet:     r.Snippet,
		}
	}
	return out, nil
}

func (f *FileMemoryStore) GetByID(ctx context.Context, id string) (*store.MemoryEntry, bool, error) {
	entry, ok, err := f.store.GetByID(ctx, id)
	if err != nil || !ok {
		return nil, ok, err
	}
	return entryToStore(entry), true, nil
}

func (f *FileMemoryStore) Close() error {
	return f.store.Close()
}

func entryToStore(e *memory.Entry) *store.MemoryEntry {
	return &store.MemoryEntry{
		ID:        e.ID,
		Content:   e.Content,
		Tags:      e.Tags,
		CreatedAt: e.CreatedAt.Format(time.RFC3339),
	}
}
