package memory

import (
	"context"
	"testing"
	"time"
)

func newTestRetriever(t *testing.T, store *SQLiteStore, embedder *stubEmbedder) (*Retriever, *WorkingMemory) {
	t.Helper()
	vibes := NewVibeCache(64, time.Hour)
	working := NewWorkingMemory(store, embedder, vibes, quietLogger(), 0.90, 100)
	r := NewRetriever(store, working, embedder, RetrieverConfig{
		SimilarityWeight: 0.55,
		DecayWeight:      0.25,
		ImportanceWeight: 0.10,
		TagBoost:         0.10,
		HalfLife:         7 * 24 * time.Hour,
	})
	return r, working
}

func seedEpisode(t *testing.T, store *SQLiteStore, ep EpisodicMemory) {
	t.Helper()
	if ep.CreatedAtMS == 0 {
		ep.CreatedAtMS = time.Now().UnixMilli()
	}
	if err := store.CreateEpisode(context.Background(), ep); err != nil {
		t.Fatalf("seed episode %s: %v", ep.ID, err)
	}
}

func TestRetrievePrefersSimilarAndRecent(t *testing.T) {
	store := newTestStore(t)
	embedder := &stubEmbedder{vecs: map[string][]float32{"爬山": vecA}}
	r, _ := newTestRetriever(t, store, embedder)

	now := time.Now()
	seedEpisode(t, store, EpisodicMemory{
		ID: "epi-recent", CommunityID: "c1", Summary: "昨天聊爬山",
		Embedding: vecA, EventAtMS: now.Add(-24 * time.Hour).UnixMilli(),
	})
	seedEpisode(t, store, EpisodicMemory{
		ID: "epi-old", CommunityID: "c1", Summary: "很久以前聊爬山",
		Embedding: vecA, EventAtMS: now.Add(-60 * 24 * time.Hour).UnixMilli(),
	})
	seedEpisode(t, store, EpisodicMemory{
		ID: "epi-offtopic", CommunityID: "c1", Summary: "聊了别的",
		Embedding: vecB, EventAtMS: now.Add(-24 * time.Hour).UnixMilli(),
	})

	got, err := r.Retrieve(context.Background(), "c1", "爬山", nil, 2, time.Time{})
	if err != nil {
		t.Fatalf("retrieve: %v", err)
	}
	if len(got) != 2 {
		t.Fatalf("got %d results, want 2", len(got))
	}
	if got[0].ID != "epi-recent" {
		t.Fatalf("top result %s, want epi-recent", got[0].ID)
	}
}

func TestRetrieveTagBoostBreaksSimilarityTies(t *testing.T) {
	store := newTestStore(t)
	embedder := &stubEmbedder{vecs: map[string][]float32{"深夜 聊天 emo": vecA}}
	r, _ := newTestRetriever(t, store, embedder)

	eventAt := time.Now().Add(-24 * time.Hour).UnixMilli()
	seedEpisode(t, store, EpisodicMemory{
		ID: "epi-plain", CommunityID: "c1", Summary: "深夜闲聊",
		Embedding: vecA, EventAtMS: eventAt,
	})
	seedEpisode(t, store, EpisodicMemory{
		ID: "epi-tagged", CommunityID: "c1", Summary: "深夜emo时刻",
		Embedding: vecA, Tags: []string{"emo"}, EventAtMS: eventAt,
	})

	got, err := r.Retrieve(context.Background(), "c1", "深夜 聊天 emo", nil, 2, time.Time{})
	if err != nil {
		t.Fatalf("retrieve: %v", err)
	}
	if got[0].ID != "epi-tagged" {
		t.Fatalf("top result %s, want epi-tagged", got[0].ID)
	}
}

func TestRetrieveEqualScoresPreferNewerEvent(t *testing.T) {
	store := newTestStore(t)
	embedder := &stubEmbedder{vecs: map[string][]float32{"q": vecA}}
	r, _ := newTestRetriever(t, store, embedder)

	// Both orthogonal to the query with zero importance, so the blend is
	// dominated by recency and ties resolve toward the newer event.
	eventAt := time.Now().Add(-time.Hour).UnixMilli()
	seedEpisode(t, store, EpisodicMemory{
		ID: "epi-older", CommunityID: "c1", Summary: "a",
		Embedding: vecB, EventAtMS: eventAt - 1,
	})
	seedEpisode(t, store, EpisodicMemory{
		ID: "epi-newer", CommunityID: "c1", Summary: "b",
		Embedding: vecB, EventAtMS: eventAt,
	})

	got, err := r.Retrieve(context.Background(), "c1", "q", nil, 2, time.Time{})
	if err != nil {
		t.Fatalf("retrieve: %v", err)
	}
	if got[0].ID != "epi-newer" {
		t.Fatalf("top result %s, want epi-newer", got[0].ID)
	}
}

func TestRetrieveExcludesTranscriptWindow(t *testing.T) {
	store := newTestStore(t)
	embedder := &stubEmbedder{vecs: map[string][]float32{"q": vecA}}
	r, _ := newTestRetriever(t, store, embedder)

	now := time.Now()
	seedEpisode(t, store, EpisodicMemory{
		ID: "epi-visible", CommunityID: "c1", Summary: "正在聊的事",
		Embedding: vecA, EventAtMS: now.UnixMilli(),
	})
	seedEpisode(t, store, EpisodicMemory{
		ID: "epi-past", CommunityID: "c1", Summary: "上周的事",
		Embedding: vecA, EventAtMS: now.Add(-7 * 24 * time.Hour).UnixMilli(),
	})

	got, err := r.Retrieve(context.Background(), "c1", "q", nil, 5, now.Add(-time.Hour))
	if err != nil {
		t.Fatalf("retrieve: %v", err)
	}
	if len(got) != 1 || got[0].ID != "epi-past" {
		t.Fatalf("got %v, want only epi-past", ids(got))
	}
}

func TestRetrieveSkipsArchived(t *testing.T) {
	store := newTestStore(t)
	embedder := &stubEmbedder{vecs: map[string][]float32{"q": vecA}}
	r, _ := newTestRetriever(t, store, embedder)
	ctx := context.Background()

	seedEpisode(t, store, EpisodicMemory{
		ID: "epi-live", CommunityID: "c1", Summary: "a",
		Embedding: vecA, EventAtMS: time.Now().Add(-time.Hour).UnixMilli(),
	})
	seedEpisode(t, store, EpisodicMemory{
		ID: "epi-gone", CommunityID: "c1", Summary: "b",
		Embedding: vecA, EventAtMS: time.Now().Add(-time.Hour).UnixMilli(),
	})
	if err := store.SetEpisodeArchived(ctx, "epi-gone", true); err != nil {
		t.Fatalf("archive: %v", err)
	}

	got, err := r.Retrieve(ctx, "c1", "q", nil, 5, time.Time{})
	if err != nil {
		t.Fatalf("retrieve: %v", err)
	}
	if len(got) != 1 || got[0].ID != "epi-live" {
		t.Fatalf("got %v, want only epi-live", ids(got))
	}
}

func TestRetrieveIncludesPendingWrites(t *testing.T) {
	store := newTestStore(t)
	embedder := &stubEmbedder{vecs: map[string][]float32{"q": vecA}}
	r, working := newTestRetriever(t, store, embedder)
	ctx := context.Background()

	_, _, err := working.Ingest(ctx, "c1", ExtractionResult{Episodes: []EpisodicMemory{
		{Summary: "还没落盘的记忆", Embedding: vecA, EventAtMS: time.Now().Add(-time.Hour).UnixMilli()},
	}})
	if err != nil {
		t.Fatalf("ingest: %v", err)
	}

	got, err := r.Retrieve(ctx, "c1", "q", nil, 5, time.Time{})
	if err != nil {
		t.Fatalf("retrieve: %v", err)
	}
	if len(got) != 1 || got[0].Summary != "还没落盘的记忆" {
		t.Fatalf("pending write not retrievable: %v", ids(got))
	}
}

func TestAccessBumpsApplyOffPath(t *testing.T) {
	store := newTestStore(t)
	embedder := &stubEmbedder{vecs: map[string][]float32{"q": vecA}}
	r, _ := newTestRetriever(t, store, embedder)
	ctx := context.Background()

	seedEpisode(t, store, EpisodicMemory{
		ID: "epi-1", CommunityID: "c1", Summary: "a",
		Embedding: vecA, EventAtMS: time.Now().Add(-time.Hour).UnixMilli(),
	})

	if _, err := r.Retrieve(ctx, "c1", "q", nil, 1, time.Time{}); err != nil {
		t.Fatalf("retrieve: %v", err)
	}
	ep, err := store.GetEpisode(ctx, "epi-1")
	if err != nil {
		t.Fatalf("get: %v", err)
	}
	if ep.AccessCount != 0 {
		t.Fatalf("access count mutated on the read path")
	}

	r.DrainAccessBumps(ctx)
	ep, err = store.GetEpisode(ctx, "epi-1")
	if err != nil {
		t.Fatalf("get: %v", err)
	}
	if ep.AccessCount != 1 {
		t.Fatalf("access count=%d after drain, want 1", ep.AccessCount)
	}
}

func ids(eps []EpisodicMemory) []string {
	out := make([]string, len(eps))
	for i, ep := range eps {
		out[i] = ep.ID
	}
	return out
}
