// Package memory implements the agent's long-term memory: an append-only
// entry log persisted to SQLite, mirrored into a chromem-go document
// collection that Search uses as its candidate pool before re-scoring
// candidates by query/content token overlap.
package memory

import (
	"context"
	"database/sql"
	"fmt"
	"path/filepath"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/philippgille/chromem-go"
	_ "modernc.org/sqlite"
)

const (
	defaultMaxResults  = 6
	defaultMaxChunkLen = 1000
	defaultMinScore    = 0.35
	snippetWindow      = 60
)

// Entry is one appended memory record.
type Entry struct {
	ID        string
	Content   string
	Tags      []string
	CreatedAt time.Time
}

// SearchResult is one scored Search hit.
type SearchResult struct {
	Entry
	Score   float64
	Snippet string
}

// Store is the memory subsystem: SQLite is the durable append-only log
// (source of truth for GetByID and restart recovery); the chromem-go
// collection mirrors every entry's content so Search has a document pool
// to draw candidates from. No real embedding model is configured — every
// document gets the same placeholder vector, so chromem's own
// cosine-similarity ranking is a no-op and candidates are re-scored here by
// token overlap, matching the plain substring-overlap algorithm the
// original memory contract defines.
type Store struct {
	mu         sync.Mutex
	db         *sql.DB
	collection *chromem.Collection

	maxResults  int
	maxChunkLen int
	minScore    float64
}

// Config mirrors the subset of config.MemoryConfig Store needs, kept
// decoupled from the config package to avoid an import cycle with tools.
type Config struct {
	MaxResults  int
	MaxChunkLen int
	MinScore    float64
}

// NewStore opens (creating if needed) the SQLite log and chromem
// collection rooted at storageDir.
func NewStore(storageDir string, cfg Config) (*Store, error) {
	dbPath := filepath.Join(storageDir, "memory.db")
	db, err := sql.Open("sqlite", dbPath)
	if err != nil {
		return nil, fmt.Errorf("memory: open sqlite: %w", err)
	}
	if _, err := db.Exec(`CREATE TABLE IF NOT EXISTS entries (
		id TEXT PRIMARY KEY,
		content TEXT NOT NULL,
		tags TEXT,
		created_at TEXT NOT NULL
	)`); err != nil {
		db.Close()
		return nil, fmt.Errorf("memory: create schema: %w", err)
	}

	chromemDB, err := chromem.NewPersistentDB(filepath.Join(storageDir, "vectors"), false)
	if err != nil {
		db.Close()
		return nil, fmt.Errorf("memory: open vector collection: %w", err)
	}
	collection, err := chromemDB.GetOrCreateCollection("memory", nil, placeholderEmbedding)
	if err != nil {
		db.Close()
		return nil, fmt.Errorf("memory: create collection: %w", err)
	}

	s := &Store{
		db:          db,
		collection:  collection,
		maxResults:  cfg.MaxResults,
		maxChunkLen: cfg.MaxChunkLen,
		minScore:    cfg.MinScore,
	}
	if s.maxResults <= 0 {
		s.maxResults = defaultMaxResults
	}
	if s.maxChunkLen <= 0 {
		s.maxChunkLen = defaultMaxChunkLen
	}
	if s.minScore <= 0 {
		s.minScore = defaultMinScore
	}

	if err := s.reindexMissing(context.Background()); err != nil {
		db.Close()
		return nil, err
	}
	return s, nil
}

// reindexMissing mirrors any SQLite row not yet present in the chromem
// collection — covers the case where the vector collection's own persisted
// file was deleted or is stale relative to the SQLite log.
func (s *Store) reindexMissing(ctx context.Context) error {
	rows, err := s.db.Query(`SELECT id, content, tags, created_at FROM entries`)
	if err != nil {
		return err
	}
	defer rows.Close()

	for rows.Next() {
		var id, content, tags, createdAt string
		if err := rows.Scan(&id, &content, &tags, &createdAt); err != nil {
			return err
		}
		if _, err := s.collection.GetByID(ctx, id); err == nil {
			continue
		}
		_ = s.collection.AddDocument(ctx, chromem.Document{
			ID:        id,
			Content:   content,
			Metadata:  map[string]string{"tags": tags, "created_at": createdAt},
			Embedding: []float32{1},
		})
	}
	return rows.Err()
}

// Add appends a new entry, writing the SQLite row and the chromem mirror
// document under the same mutex so the two never diverge mid-write. This
// is the "serialize writes" guarantee for a single process; cross-process
// serialization across a Postgres-backed MemoryStore is a separate
// managed-mode concern this package doesn't address.
func (s *Store) Add(ctx context.Context, content string, tags []string) (*Entry, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if len(content) > s.maxChunkLen {
		content = truncateRunes(content, s.maxChunkLen)
	}

	entry := &Entry{
		ID:        uuid.NewString(),
		Content:   content,
		Tags:      tags,
		CreatedAt: time.Now().UTC(),
	}
	tagStr := strings.Join(tags, ",")

	if _, err := s.db.ExecContext(ctx,
		`INSERT INTO entries (id, content, tags, created_at) VALUES (?, ?, ?, ?)`,
		entry.ID, entry.Content, tagStr, entry.CreatedAt.Format(time.RFC3339)); err != nil {
		return nil, fmt.Errorf("memory: insert entry: %w", err)
	}

	if err := s.collection.AddDocument(ctx, chromem.Document{
		ID:        entry.ID,
		Content:   entry.Content,
		Metadata:  map[string]string{"tags": tagStr, "created_at": entry.CreatedAt.Format(time.RFC3339)},
		Embedding: []float32{1},
	}); err != nil {
		return nil, fmt.Errorf("memory: index entry: %w", err)
	}

	return entry, nil
}

// Search tokenizes query on whitespace, pulls every mirrored document as a
// candidate, scores each by the fraction of query tokens that occur as a
// case-insensitive substring of its content, and returns the top `limit`
// entries scoring at least the configured minimum.
func (s *Store) Search(ctx context.Context, query string, limit int) ([]SearchResult, error) {
	if limit <= 0 {
		limit = s.maxResults
	}

	s.mu.Lock()
	count := s.collection.Count()
	s.mu.Unlock()
	if count == 0 {
		return nil, nil
	}

	candidates, err := s.collection.Query(ctx, query, count, nil, nil)
	if err != nil {
		return nil, fmt.Errorf("memory: query collection: %w", err)
	}

	var scored []SearchResult
	for _, c := range candidates {
		score, snippet := scoreOverlap(query, c.Content)
		if score < s.minScore {
			continue
		}
		created, _ := time.Parse(time.RFC3339, c.Metadata["created_at"])
		var tags []string
		if t := c.Metadata["tags"]; t != "" {
			tags = strings.Split(t, ",")
		}
		scored = append(scored, SearchResult{
			Entry: Entry{
				ID:        c.ID,
				Content:   c.Content,
				Tags:      tags,
				CreatedAt: created,
			},
			Score:   score,
			Snippet: snippet,
		})
	}

	sort.Slice(scored, func(i, j int) bool { return scored[i].Score > scored[j].Score })
	if len(scored) > limit {
		scored = scored[:limit]
	}
	return scored, nil
}

// GetByID returns the full entry for id, or ok=false if not found.
func (s *Store) GetByID(ctx context.Context, id string) (*Entry, bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	var content, tags, createdAt string
	err := s.db.QueryRowContext(ctx, `SELECT content, tags, created_at FROM entries WHERE id = ?`, id).
		Scan(&content, &tags, &createdAt)
	if err == sql.ErrNoRows {
		return nil, false, nil
	}
	if err != nil {
		return nil, false, err
	}

	created, _ := time.Parse(time.RFC3339, createdAt)
	var tagList []string
	if tags != "" {
		tagList = strings.Split(tags, ",")
	}
	return &Entry{ID: id, Content: content, Tags: tagList, CreatedAt: created}, true, nil
}

// Close releases the underlying SQLite handle.
func (s *Store) Close() error {
	return s.db.Close()
}

func placeholderEmbedding(_ context.Context, _ string) ([]float32, error) {
	return []float32{1}, nil
}

// scoreOverlap scores content by the fraction of query's whitespace tokens
// that occur as a case-insensitive substring, returning a snippet centered
// on the first match.
func scoreOverlap(query, content string) (float64, string) {
	tokens := strings.Fields(strings.ToLower(query))
	if len(tokens) == 0 {
		return 0, ""
	}
	lowerContent := strings.ToLower(content)

	matched := 0
	firstIdx := -1
	for _, tok := range tokens {
		idx := strings.Index(lowerContent, tok)
		if idx < 0 {
			continue
		}
		matched++
		if firstIdx < 0 || idx < firstIdx {
			firstIdx = idx
		}
	}
	if matched == 0 {
		return 0, ""
	}

	score := float64(matched) / float64(len(tokens))
	return score, snippetAround(content, firstIdx)
}

func snippetAround(content string, idx int) string {
	if idx < 0 {
		return truncateRunes(content, snippetWindow*2)
	}
	start := idx - snippetWindow
	if start < 0 {
		start = 0
	}
	end := idx + snippetWindow
	if end > len(content) {
		end = len(content)
	}
	snippet := content[start:end]
	if start > 0 {
		snippet = "…" + snippet
	}
	if end < len(content) {
		snippet = snippet + "…"
	}
	return snippet
}

func truncateRunes(s string, max int) string {
	runes := []rune(s)
	if len(runes) <= max {
		return s
	}
	return string(runes[:max])
}
