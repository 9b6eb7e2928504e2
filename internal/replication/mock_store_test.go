package replication

import (
	"context"
	"fmt"
	"io"
	"log/slog"
	"slices"
	"sync"
	"time"

	"github.com/ziptility/rxsync/internal/models"
	"github.com/ziptility/rxsync/internal/server/storage"
)

// mockStore is an in-memory DocumentStore for heroes with error injection.
type mockStore struct {
	docs       map[string]*models.Hero
	getErr     error
	listErr    error
	applyErr   error
	applyHook  func() // runs before each apply, outside the store lock
	applyCalls int
	mu         sync.Mutex
}

func newMockStore(heroes ...*models.Hero) *mockStore {
	s := &mockStore{docs: make(map[string]*models.Hero)}
	for _, h := range heroes {
		s.docs[h.ID] = cloneHero(h)
	}
	return s
}

func (s *mockStore) GetDocument(ctx context.Context, id string) (*models.Hero, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.getErr != nil {
		return nil, s.getErr
	}
	h, ok := s.docs[id]
	if !ok {
		return nil, storage.ErrDocumentNotFound
	}
	return cloneHero(h), nil
}

func (s *mockStore) ListDocumentsAfter(ctx context.Context, checkpoint models.Checkpoint, limit int) ([]*models.Hero, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.listErr != nil {
		return nil, s.listErr
	}

	var out []*models.Hero
	for _, h := range s.docs {
		if checkpoint.Before(h) {
			out = append(out, cloneHero(h))
		}
	}
	slices.SortFunc(out, func(a, b *models.Hero) int { return models.CompareDocuments(a, b) })
	if len(out) > limit {
		out = out[:limit]
	}
	return out, nil
}

func (s *mockStore) ApplyChanges(ctx context.Context, changes []storage.Change[*models.Hero]) error {
	if s.applyHook != nil {
		s.applyHook()
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	s.applyCalls++
	if s.applyErr != nil {
		return s.applyErr
	}

	for _, c := range changes {
		existing, ok := s.docs[c.Document.ID]
		switch c.Kind {
		case storage.ChangeCreate:
			if ok {
				return fmt.Errorf("%s: %w", c.Document.ID, storage.ErrDocumentExists)
			}
		default:
			if !ok || !existing.UpdatedAt.Equal(c.ExpectedUpdatedAt) {
				return fmt.Errorf("%s: %w", c.Document.ID, storage.ErrStaleDocument)
			}
		}
	}

	for _, c := range changes {
		s.docs[c.Document.ID] = cloneHero(c.Document)
	}
	return nil
}

func (s *mockStore) get(id string) (*models.Hero, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	h, ok := s.docs[id]
	if !ok {
		return nil, false
	}
	return cloneHero(h), true
}

func (s *mockStore) len() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.docs)
}

func cloneHero(h *models.Hero) *models.Hero {
	c := *h
	c.Topics = slices.Clone(h.Topics)
	return &c
}

func testHero(id, name string, updatedAt time.Time, topics ...string) *models.Hero {
	h := &models.Hero{Name: name, Color: "red"}
	h.ID = id
	h.SetUpdatedAt(updatedAt)
	if len(topics) > 0 {
		h.Topics = topics
	}
	return h
}

func setupTestLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}
