package record

import (
	"context"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/rotisserie/eris"

	"github.com/carbonwatch/emissions-cli/internal/model"
)

// MemoryStore is an in-process Store for tests and local dry runs.
type MemoryStore struct {
	mu        sync.Mutex
	documents map[string]string           // fingerprint -> url
	records   map[string]*PersistedRecord // id -> record
	byFp      map[string]string           // fingerprint -> id
	requests  map[string]ReviewRequest    // recordID -> request
}

// NewMemory creates an empty in-memory store.
func NewMemory() *MemoryStore {
	return &MemoryStore{
		documents: make(map[string]string),
		records:   make(map[string]*PersistedRecord),
		byFp:      make(map[string]string),
		requests:  make(map[string]ReviewRequest),
	}
}

func (s *MemoryStore) Migrate(context.Context) error { return nil }
func (s *MemoryStore) Close() error                  { return nil }

func (s *MemoryStore) ClaimDocument(_ context.Context, fingerprint, url string) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if owner, ok := s.documents[fingerprint]; ok {
		return owner == url, nil
	}
	s.documents[fingerprint] = url
	return true, nil
}

func (s *MemoryStore) UpsertProvisional(_ context.Context, fingerprint, url string, draft model.DraftRecord) (*PersistedRecord, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	now := time.Now().UTC()
	if id, ok := s.byFp[fingerprint]; ok {
		rec := s.records[id]
		if rec.ReviewState == StatePending {
			rec.Draft = draft
			rec.URL = url
			rec.UpdatedAt = now
		}
		cp := *rec
		return &cp, nil
	}

	rec := &PersistedRecord{
		ID:          uuid.New().String(),
		Fingerprint: fingerprint,
		URL:         url,
		Draft:       draft,
		ReviewState: StatePending,
		CreatedAt:   now,
		UpdatedAt:   now,
	}
	s.records[rec.ID] = rec
	s.byFp[fingerprint] = rec.ID
	cp := *rec
	return &cp, nil
}

func (s *MemoryStore) Get(_ context.Context, id string) (*PersistedRecord, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	rec, ok := s.records[id]
	if !ok {
		return nil, eris.Errorf("record: not found: %s", id)
	}
	cp := *rec
	return &cp, nil
}

func (s *MemoryStore) List(_ context.Context, filter ListFilter) ([]PersistedRecord, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	var out []PersistedRecord
	for _, rec := range s.records {
		if !filter.IncludeHidden && !rec.Visible {
			continue
		}
		out = append(out, *rec)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].CreatedAt.After(out[j].CreatedAt) })

	if filter.Offset > 0 {
		if filter.Offset >= len(out) {
			return nil, nil
		}
		out = out[filter.Offset:]
	}
	limit := filter.Limit
	if limit <= 0 {
		limit = 100
	}
	if len(out) > limit {
		out = out[:limit]
	}
	return out, nil
}

func (s *MemoryStore) Resolve(_ context.Context, id string, decision model.Decision, patch model.Patch) (*PersistedRecord, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	rec, ok := s.records[id]
	if !ok {
		return nil, eris.Errorf("record: not found: %s", id)
	}

	draft, state, visible, changed, err := resolveTransition(rec, decision, patch)
	if err != nil {
		return nil, err
	}
	if changed {
		rec.Draft = draft
		rec.ReviewState = state
		rec.Visible = visible
		rec.UpdatedAt = time.Now().UTC()
	}
	cp := *rec
	return &cp, nil
}

func (s *MemoryStore) SaveReviewRequest(_ context.Context, req ReviewRequest) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.requests[req.RecordID]; ok {
		return nil
	}
	if req.CreatedAt.IsZero() {
		req.CreatedAt = time.Now().UTC()
	}
	s.requests[req.RecordID] = req
	return nil
}

func (s *MemoryStore) GetReviewRequest(_ context.Context, recordID string) (*ReviewRequest, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	req, ok := s.requests[recordID]
	if !ok {
		return nil, nil
	}
	cp := req
	return &cp, nil
}
