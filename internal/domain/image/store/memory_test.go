package store

import (
	"context"
	"fmt"
	"sync"
	"testing"
	"time"

	"framecast-server-go/internal/domain/image"
)

func testImage(id string) image.Image {
	return image.Image{
		ID:         id,
		SourceType: image.SourceUpload,
		Format:     "png",
		Width:      2,
		Height:     2,
		SizeBytes:  68,
		Payload:    "data:image/png;base64,aGk=",
	}
}

func TestMemoryStoreCommitLifecycle(t *testing.T) {
	ctx := context.Background()
	s := NewMemory(Config{})
	t.Cleanup(func() { _ = s.Close() })

	if _, ok, err := s.Current(ctx); err != nil || ok {
		t.Fatalf("expected empty store, got ok=%v err=%v", ok, err)
	}

	first, err := s.Commit(ctx, testImage("img-1"))
	if err != nil {
		t.Fatalf("Commit error: %v", err)
	}
	if first.Seq != 1 {
		t.Fatalf("expected seq 1, got %d", first.Seq)
	}
	if first.IngestedAt.IsZero() {
		t.Fatalf("expected commit to stamp ingestion time")
	}

	second, err := s.Commit(ctx, testImage("img-2"))
	if err != nil {
		t.Fatalf("Commit error: %v", err)
	}
	if second.Seq != 2 {
		t.Fatalf("expected seq 2, got %d", second.Seq)
	}

	current, ok, err := s.Current(ctx)
	if err != nil || !ok {
		t.Fatalf("Current returned ok=%v err=%v", ok, err)
	}
	if current.ID != "img-2" {
		t.Fatalf("expected img-2 to be current, got %s", current.ID)
	}

	got, ok, err := s.Get(ctx, "img-1")
	if err != nil || !ok {
		t.Fatalf("Get returned ok=%v err=%v", ok, err)
	}
	if got.ID != "img-1" || got.Seq != 1 {
		t.Fatalf("unexpected record: %+v", got)
	}

	if _, ok, _ := s.Get(ctx, "missing"); ok {
		t.Fatalf("expected miss for unknown id")
	}

	count, err := s.Count(ctx)
	if err != nil || count != 2 {
		t.Fatalf("expected count 2, got %d err=%v", count, err)
	}

	list, err := s.List(ctx)
	if err != nil {
		t.Fatalf("List error: %v", err)
	}
	if len(list) != 2 || list[0].ID != "img-2" || list[1].ID != "img-1" {
		t.Fatalf("unexpected list order: %+v", list)
	}
}

func TestMemoryStoreRejectsDuplicateID(t *testing.T) {
	ctx := context.Background()
	s := NewMemory(Config{})

	if _, err := s.Commit(ctx, testImage("img-1")); err != nil {
		t.Fatalf("Commit error: %v", err)
	}
	if _, err := s.Commit(ctx, testImage("img-1")); err == nil {
		t.Fatalf("expected duplicate id commit to fail")
	}
	if _, err := s.Commit(ctx, image.Image{}); err == nil {
		t.Fatalf("expected empty id commit to fail")
	}
}

func TestMemoryStoreListBreaksTiesBySequence(t *testing.T) {
	ctx := context.Background()
	s := NewMemory(Config{})

	stamp := time.Date(2025, 6, 1, 12, 0, 0, 0, time.UTC)
	for i := 1; i <= 3; i++ {
		img := testImage(fmt.Sprintf("img-%d", i))
		img.IngestedAt = stamp
		if _, err := s.Commit(ctx, img); err != nil {
			t.Fatalf("Commit error: %v", err)
		}
	}

	list, err := s.List(ctx)
	if err != nil {
		t.Fatalf("List error: %v", err)
	}
	if len(list) != 3 || list[0].ID != "img-3" || list[1].ID != "img-2" || list[2].ID != "img-1" {
		t.Fatalf("expected newest sequence first on equal stamps, got %+v", list)
	}
}

func TestMemoryStoreStampsNeverGoBackward(t *testing.T) {
	ctx := context.Background()
	s := NewMemory(Config{})

	newer := testImage("img-newer")
	newer.IngestedAt = time.Date(2025, 6, 1, 12, 0, 0, 0, time.UTC)
	if _, err := s.Commit(ctx, newer); err != nil {
		t.Fatalf("Commit error: %v", err)
	}

	older := testImage("img-older")
	older.IngestedAt = time.Date(2025, 6, 1, 11, 0, 0, 0, time.UTC)
	committed, err := s.Commit(ctx, older)
	if err != nil {
		t.Fatalf("Commit error: %v", err)
	}
	if committed.IngestedAt.Before(newer.IngestedAt) {
		t.Fatalf("stamp went backward: %v", committed.IngestedAt)
	}

	list, err := s.List(ctx)
	if err != nil {
		t.Fatalf("List error: %v", err)
	}
	if list[0].ID != "img-older" {
		t.Fatalf("latest commit should list first, got %+v", list)
	}
}

func TestMemoryStoreConcurrentCommits(t *testing.T) {
	ctx := context.Background()
	s := NewMemory(Config{})

	const n = 32
	var wg sync.WaitGroup
	for i := 0; i < n; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			if _, err := s.Commit(ctx, testImage(fmt.Sprintf("img-%d", i))); err != nil {
				t.Errorf("Commit error: %v", err)
			}
		}(i)
	}
	wg.Wait()

	count, err := s.Count(ctx)
	if err != nil || count != n {
		t.Fatalf("expected %d records, got %d err=%v", n, count, err)
	}

	current, ok, err := s.Current(ctx)
	if err != nil || !ok {
		t.Fatalf("Current returned ok=%v err=%v", ok, err)
	}
	if current.Seq != n {
		t.Fatalf("current should be the last committer, got seq %d", current.Seq)
	}

	for i := 0; i < n; i++ {
		if _, ok, _ := s.Get(ctx, fmt.Sprintf("img-%d", i)); !ok {
			t.Fatalf("img-%d missing after concurrent commits", i)
		}
	}
}

func TestMemoryStoreEvictionKeepsCurrent(t *testing.T) {
	ctx := context.Background()
	s := NewMemory(Config{MaxHistory: 2})

	for i := 1; i <= 4; i++ {
		if _, err := s.Commit(ctx, testImage(fmt.Sprintf("img-%d", i))); err != nil {
			t.Fatalf("Commit error: %v", err)
		}
	}

	count, _ := s.Count(ctx)
	if count != 2 {
		t.Fatalf("expected history capped at 2, got %d", count)
	}
	if _, ok, _ := s.Get(ctx, "img-1"); ok {
		t.Fatalf("expected oldest record evicted")
	}
	if _, ok, _ := s.Get(ctx, "img-2"); ok {
		t.Fatalf("expected second record evicted")
	}

	current, ok, _ := s.Current(ctx)
	if !ok || current.ID != "img-4" {
		t.Fatalf("current must survive eviction, got %+v ok=%v", current, ok)
	}
}
