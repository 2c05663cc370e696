package store

import "context"

// EmbeddingProvider generates vector embeddings for memory content. No
// MemoryStore implementation in this repository uses it: the file-backed
// implementation scores candidates by token overlap and accepts (but
// ignores) a configured provider.
type EmbeddingProvider interface {
	Name() string
	Model() string
	Embed(ctx context.Context, text string) ([]float32, error)
}

// MemoryEntry is the store-facing shape of one memory record.
type MemoryEntry struct {
	ID        string
	Content   string
	Tags      []string
	CreatedAt string // RFC3339
}

// MemorySearchResult is one scored Search hit.
type MemorySearchResult struct {
	MemoryEntry
	Score   float64
	Snippet string
}

// MemoryStore is the persistence interface memory-backed tools talk to.
// SetEmbeddingProvider is a no-op for implementations that don't need a real
// embedding model; the file-backed store, the only implementation in this
// repository, scores by token overlap and has no vector search.
type MemoryStore interface {
	SetEmbeddingProvider(provider EmbeddingProvider)
	Add(ctx context.Context, content string, tags []string) (*MemoryEntry, error)
	Search(ctx context.Context, query string, limit int) ([]MemorySearchResult, error)
	GetByID(ctx context.Context, id string) (*MemoryEntry, bool, error)
	Close() error
}
