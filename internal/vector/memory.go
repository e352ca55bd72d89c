package vector

import (
	"context"
	"sync"

	"github.com/carbonwatch/emissions-cli/internal/model"
)

// MemoryIndex is an in-process Index for tests and local runs.
type MemoryIndex struct {
	mu sync.RWMutex
	// fingerprint -> seq -> paragraph
	docs map[string]map[int]model.Paragraph
}

// NewMemoryIndex creates an empty in-memory index.
func NewMemoryIndex() *MemoryIndex {
	return &MemoryIndex{docs: make(map[string]map[int]model.Paragraph)}
}

func (m *MemoryIndex) Upsert(_ context.Context, paragraphs []model.Paragraph) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	for _, p := range paragraphs {
		doc, ok := m.docs[p.Fingerprint]
		if !ok {
			doc = make(map[int]model.Paragraph)
			m.docs[p.Fingerprint] = doc
		}
		doc[p.Seq] = p
	}
	return nil
}

func (m *MemoryIndex) Search(_ context.Context, fingerprint string, query []float32, k int) ([]Hit, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	doc := m.docs[fingerprint]
	paragraphs := make([]model.Paragraph, 0, len(doc))
	for _, p := range doc {
		paragraphs = append(paragraphs, p)
	}
	return rank(paragraphs, query, k), nil
}

func (m *MemoryIndex) Count(_ context.Context, fingerprint string) (int, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return len(m.docs[fingerprint]), nil
}
