package memory

import (
	"context"
	"testing"
	"time"
)

func newTestWorking(t *testing.T, store *SQLiteStore, flushThreshold int) *WorkingMemory {
	t.Helper()
	vibes := NewVibeCache(64, time.Hour)
	return NewWorkingMemory(store, &stubEmbedder{}, vibes, quietLogger(), 0.90, flushThreshold)
}

func TestIngestDedupsNearDuplicates(t *testing.T) {
	store := newTestStore(t)
	w := newTestWorking(t, store, 100)

	now := time.Now().UnixMilli()
	result := ExtractionResult{Episodes: []EpisodicMemory{
		{Summary: "聊了周末爬山的计划", Embedding: vecA, EventAtMS: now},
		{Summary: "又聊了一遍周末爬山", Embedding: vecNearA, EventAtMS: now},
		{Summary: "阿明换了新工作", Embedding: vecB, EventAtMS: now},
	}}

	accepted, rejected, err := w.Ingest(context.Background(), "c1", result)
	if err != nil {
		t.Fatalf("ingest: %v", err)
	}
	if accepted != 2 || rejected != 1 {
		t.Fatalf("accepted=%d rejected=%d, want 2/1", accepted, rejected)
	}
	if got := len(w.PendingEpisodic("c1")); got != 2 {
		t.Fatalf("pending=%d, want 2", got)
	}
}

func TestIngestDedupsAgainstDurable(t *testing.T) {
	store := newTestStore(t)
	w := newTestWorking(t, store, 100)
	ctx := context.Background()

	err := store.CreateEpisode(ctx, EpisodicMemory{
		ID: "epi-existing", CommunityID: "c1",
		Summary: "聊了周末爬山的计划", Embedding: vecA,
		EventAtMS: time.Now().UnixMilli(), CreatedAtMS: time.Now().UnixMilli(),
	})
	if err != nil {
		t.Fatalf("seed episode: %v", err)
	}

	accepted, rejected, err := w.Ingest(ctx, "c1", ExtractionResult{Episodes: []EpisodicMemory{
		{Summary: "重复的爬山记忆", Embedding: vecNearA, EventAtMS: time.Now().UnixMilli()},
	}})
	if err != nil {
		t.Fatalf("ingest: %v", err)
	}
	if accepted != 0 || rejected != 1 {
		t.Fatalf("accepted=%d rejected=%d, want 0/1", accepted, rejected)
	}
}

func TestIngestIsIdempotentAcrossFlush(t *testing.T) {
	store := newTestStore(t)
	w := newTestWorking(t, store, 100)
	ctx := context.Background()

	result := ExtractionResult{Episodes: []EpisodicMemory{
		{Summary: "群里吵了一架", Embedding: vecA, EventAtMS: time.Now().UnixMilli()},
	}}
	if _, _, err := w.Ingest(ctx, "c1", result); err != nil {
		t.Fatalf("first ingest: %v", err)
	}
	w.Flush(ctx)

	accepted, rejected, err := w.Ingest(ctx, "c1", result)
	if err != nil {
		t.Fatalf("second ingest: %v", err)
	}
	if accepted != 0 || rejected != 1 {
		t.Fatalf("replay accepted=%d rejected=%d, want 0/1", accepted, rejected)
	}

	durable, err := store.ListEpisodes(ctx, "c1", EpisodeFilter{})
	if err != nil {
		t.Fatalf("list: %v", err)
	}
	if len(durable) != 1 {
		t.Fatalf("durable=%d, want 1", len(durable))
	}
}

func TestFlushDrainsPending(t *testing.T) {
	store := newTestStore(t)
	w := newTestWorking(t, store, 100)
	ctx := context.Background()

	_, _, err := w.Ingest(ctx, "c1", ExtractionResult{Episodes: []EpisodicMemory{
		{Summary: "a", Embedding: vecA, EventAtMS: 1},
		{Summary: "b", Embedding: vecB, EventAtMS: 2},
	}})
	if err != nil {
		t.Fatalf("ingest: %v", err)
	}

	w.Flush(ctx)
	if w.PendingCount() != 0 {
		t.Fatalf("pending=%d after flush, want 0", w.PendingCount())
	}
	durable, err := store.ListEpisodes(ctx, "c1", EpisodeFilter{})
	if err != nil {
		t.Fatalf("list: %v", err)
	}
	if len(durable) != 2 {
		t.Fatalf("durable=%d, want 2", len(durable))
	}
}

func TestThresholdTriggersFlush(t *testing.T) {
	store := newTestStore(t)
	w := newTestWorking(t, store, 2)
	ctx := context.Background()

	_, _, err := w.Ingest(ctx, "c1", ExtractionResult{Episodes: []EpisodicMemory{
		{Summary: "a", Embedding: vecA, EventAtMS: 1},
		{Summary: "b", Embedding: vecB, EventAtMS: 2},
		{Summary: "c", Embedding: []float32{0, 0, 1, 0}, EventAtMS: 3},
	}})
	if err != nil {
		t.Fatalf("ingest: %v", err)
	}
	if w.PendingCount() != 0 {
		t.Fatalf("pending=%d, want 0 after threshold flush", w.PendingCount())
	}
}

func TestVibesBypassTheQueue(t *testing.T) {
	store := newTestStore(t)
	w := newTestWorking(t, store, 100)

	_, _, err := w.Ingest(context.Background(), "c1", ExtractionResult{
		Vibes: []VibeObservation{{PersonID: "u1", Mood: "兴奋"}},
	})
	if err != nil {
		t.Fatalf("ingest: %v", err)
	}
	mood, ok := w.SessionVibe("c1", "u1")
	if !ok || mood != "兴奋" {
		t.Fatalf("vibe=%q ok=%v, want 兴奋/true", mood, ok)
	}
	if w.PendingCount() != 0 {
		t.Fatalf("vibes must not enqueue episodes")
	}
}
