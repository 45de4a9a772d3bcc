package store

import (
	"context"
	"fmt"
	"sync"
	"time"

	"framecast-server-go/internal/domain/image"
)

type memoryStore struct {
	mu         sync.RWMutex
	records    map[string]image.Image
	order      []string
	seq        uint64
	currentID  string
	lastStamp  time.Time
	maxHistory int
}

// NewMemory builds the in-memory driver. It is the default and keeps every
// committed record for the life of the process unless MaxHistory caps it.
func NewMemory(cfg Config) image.Store {
	return &memoryStore{
		records:    make(map[string]image.Image),
		maxHistory: cfg.MaxHistory,
	}
}

func (s *memoryStore) Commit(_ context.Context, img image.Image) (image.Image, error) {
	if img.ID == "" {
		return image.Image{}, fmt.Errorf("image id required")
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	if _, exists := s.records[img.ID]; exists {
		return image.Image{}, fmt.Errorf("image id already committed: %s", img.ID)
	}

	s.seq++
	img.Seq = s.seq
	if img.IngestedAt.IsZero() {
		img.IngestedAt = time.Now().UTC()
	}
	// Stamps never go backward relative to commit order; ties are broken
	// by sequence.
	if img.IngestedAt.Before(s.lastStamp) {
		img.IngestedAt = s.lastStamp
	}
	s.lastStamp = img.IngestedAt

	s.records[img.ID] = img
	s.order = append(s.order, img.ID)
	s.currentID = img.ID
	s.evictLocked()

	return img, nil
}

func (s *memoryStore) evictLocked() {
	if s.maxHistory <= 0 {
		return
	}
	for len(s.order) > s.maxHistory {
		idx := -1
		for i, id := range s.order {
			if id != s.currentID {
				idx = i
				break
			}
		}
		if idx < 0 {
			return
		}
		delete(s.records, s.order[idx])
		s.order = append(s.order[:idx], s.order[idx+1:]...)
	}
}

func (s *memoryStore) Current(_ context.Context) (image.Image, bool, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	if s.currentID == "" {
		return image.Image{}, false, nil
	}
	img, ok := s.records[s.currentID]
	return img, ok, nil
}

func (s *memoryStore) Get(_ context.Context, id string) (image.Image, bool, error) {
	s.mu.RLock()
	img, ok := s.records[id]
	s.mu.RUnlock()
	return img, ok, nil
}

func (s *memoryStore) List(_ context.Context) ([]image.Image, error) {
	s.mu.RLock()
	out := make([]image.Image, 0, len(s.order))
	for _, id := range s.order {
		if img, ok := s.records[id]; ok {
			out = append(out, img)
		}
	}
	s.mu.RUnlock()

	sortNewestFirst(out)
	return out, nil
}

func (s *memoryStore) Count(_ context.Context) (int64, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return int64(len(s.records)), nil
}

func (s *memoryStore) Stats() map[string]any {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return map[string]any{
		"type":        "memory",
		"total":       len(s.records),
		"seq":         s.seq,
		"max_history": s.maxHistory,
	}
}

func (s *memoryStore) Close() error {
	return nil
}
