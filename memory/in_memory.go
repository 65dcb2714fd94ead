package memory

import (
	"context"
	"fmt"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/hupe1980/spellbridge/core"
)

// SearchResult is one hit of Store.Search.
type SearchResult struct {
	ID       string         `json:"id"`
	Content  string         `json:"content"`
	Score    float64        `json:"score"`
	Metadata map[string]any `json:"metadata,omitempty"`
}

// Store is the retrieval backend contract. Implementations must be safe for
// concurrent use; bridge workers call them in parallel.
type Store interface {
	Get(ctx context.Context, sessionID string) (map[string]any, error)
	Put(ctx context.Context, sessionID string, delta map[string]any) error
	Store(ctx context.Context, sessionID, content string, metadata map[string]any) (string, error)
	Search(ctx context.Context, sessionID, query string, limit int) ([]SearchResult, error)
	Delete(ctx context.Context, sessionID, memoryID string) error
}

type storedMemory struct {
	id       string
	content  string
	metadata map[string]any
	seq      int
	storedAt time.Time
}

// InMemoryStore is a process-local Store. It keeps session scoped key/value
// memory plus append-only stored memories searched by case-insensitive
// substring. Every hit scores 1.0 and hits come back in insertion order.
type InMemoryStore struct {
	mu      sync.RWMutex
	memory  map[string]map[string]any           // sessionID -> key -> value
	storage map[string]map[string]*storedMemory // sessionID -> memoryID -> memory
	seq     map[string]int                      // sessionID -> next sequence
}

var _ Store = (*InMemoryStore)(nil)

// NewInMemoryStore creates an empty store.
func NewInMemoryStore() *InMemoryStore {
	return &InMemoryStore{
		memory:  make(map[string]map[string]any),
		storage: make(map[string]map[string]*storedMemory),
		seq:     make(map[string]int),
	}
}

// Get returns a copy of the session's key/value memory.
func (m *InMemoryStore) Get(_ context.Context, sessionID string) (map[string]any, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return cloneMap(m.memory[sessionID]), nil
}

// Put merges delta into the session's key/value memory. A nil value deletes
// its key.
func (m *InMemoryStore) Put(_ context.Context, sessionID string, delta map[string]any) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	kv, ok := m.memory[sessionID]
	if !ok {
		kv = make(map[string]any, len(delta))
		m.memory[sessionID] = kv
	}
	for k, v := range delta {
		if v == nil {
			delete(kv, k)
			continue
		}
		kv[k] = v
	}
	return nil
}

// Store appends a memory and returns its id. Ids are unique per session and
// never reused after Delete.
func (m *InMemoryStore) Store(_ context.Context, sessionID, content string, metadata map[string]any) (string, error) {
	if strings.TrimSpace(content) == "" {
		return "", fmt.Errorf("memory content is empty")
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, ok := m.storage[sessionID]; !ok {
		m.storage[sessionID] = make(map[string]*storedMemory)
	}
	seq := m.seq[sessionID]
	m.seq[sessionID] = seq + 1
	id := fmt.Sprintf("mem_%d", seq)
	m.storage[sessionID][id] = &storedMemory{
		id:       id,
		content:  content,
		metadata: cloneMap(metadata),
		seq:      seq,
		storedAt: time.Now(),
	}
	return id, nil
}

// Search returns up to limit memories containing query. An empty query
// matches everything; limit <= 0 means no limit.
func (m *InMemoryStore) Search(ctx context.Context, sessionID, query string, limit int) ([]SearchResult, error) {
	m.mu.RLock()
	hits := make([]*storedMemory, 0, len(m.storage[sessionID]))
	q := strings.ToLower(query)
	for _, s := range m.storage[sessionID] {
		if q == "" || strings.Contains(strings.ToLower(s.content), q) {
			hits = append(hits, s)
		}
	}
	m.mu.RUnlock()

	if err := ctx.Err(); err != nil {
		return nil, err
	}
	sort.Slice(hits, func(i, j int) bool { return hits[i].seq < hits[j].seq })
	if limit > 0 && len(hits) > limit {
		hits = hits[:limit]
	}
	results := make([]SearchResult, len(hits))
	for i, s := range hits {
		results[i] = SearchResult{ID: s.id, Content: s.content, Score: 1.0, Metadata: cloneMap(s.metadata)}
	}
	return results, nil
}

// Delete removes one stored memory.
func (m *InMemoryStore) Delete(_ context.Context, sessionID, memoryID string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, ok := m.storage[sessionID][memoryID]; !ok {
		return fmt.Errorf("memory %q not found in session %q", memoryID, sessionID)
	}
	delete(m.storage[sessionID], memoryID)
	return nil
}

// Len reports how many memories a session holds.
func (m *InMemoryStore) Len(sessionID string) int {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return len(m.storage[sessionID])
}

func cloneMap(in map[string]any) map[string]any {
	out := make(map[string]any, len(in))
	for k, v := range in {
		out[k] = v
	}
	return out
}

func (r SearchResult) value() core.Value {
	obj := map[string]core.Value{
		"id":      core.NewString(r.ID),
		"content": core.NewString(r.Content),
		"score":   core.NewFloat(r.Score),
	}
	if len(r.Metadata) > 0 {
		if md, err := core.FromAny(r.Metadata); err == nil {
			obj["metadata"] = md
		}
	}
	return core.NewObject(obj)
}
