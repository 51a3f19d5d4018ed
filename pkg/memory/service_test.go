package memory

import (
	"context"
	"path/filepath"
	"strings"
	"testing"
	"time"
)

func newTestService(t *testing.T, client *fakeClient, embedder *stubEmbedder) (*Service, *SQLiteStore) {
	t.Helper()
	store := newTestStore(t)
	svc := NewService(store, client, embedder, quietLogger(), ServiceOptions{
		PersonaID:   "mio",
		PersonaName: "mio",
	})
	return svc, store
}

func TestRecordRunsTheFullWritePath(t *testing.T) {
	resp := `{
		"episodes": [{"summary": "老张约大家周末爬山", "participants": ["10001"], "tags": ["爬山"],
			"importance": 0.6, "valence": 0.4, "intensity": 0.3, "involvement": "observer"}],
		"relations": [{"person": "10001", "impression": "组织能力强"}],
		"vibes": [{"person": "10001", "mood": "兴奋"}],
		"names": [{"person": "10001", "name": "张哥"}],
		"facts": [{"subject": "10001", "fact_type": "hobby", "content": "喜欢爬山", "confidence": 0.7}]
	}`
	client := &fakeClient{resp: resp}
	svc, store := newTestService(t, client, &stubEmbedder{})
	ctx := context.Background()

	base := time.Now().Add(-time.Hour)
	summary, err := svc.Record(ctx, RecordInput{
		CommunityID: "c1",
		RecentMessages: []Message{
			{ID: "m1", SenderID: "10001", SenderName: "老张", Content: "mio 周末爬山走不走", SentAt: base},
			{ID: "m2", SenderID: "10002", SenderName: "小李", Content: "我也想去看看", SentAt: base.Add(time.Minute)},
		},
	})
	if err != nil {
		t.Fatalf("record: %v", err)
	}
	if summary.Skipped {
		t.Fatalf("record skipped unexpectedly")
	}
	if summary.ChunksTotal != 1 || summary.ChunksSelected != 1 {
		t.Fatalf("summary=%+v, want one selected chunk", summary)
	}
	if summary.EpisodesAccepted != 1 || summary.RelationalUpdates != 1 ||
		summary.FactsWritten != 1 || summary.VibesRecorded != 1 {
		t.Fatalf("summary=%+v", summary)
	}

	// Interaction counters update for every sender, extraction aside.
	for _, personID := range []string{"10001", "10002"} {
		rel, ok, err := store.GetRelational(ctx, "c1", personID)
		if err != nil || !ok {
			t.Fatalf("relational row for %s missing (err=%v)", personID, err)
		}
		if rel.InteractionCount != 1 {
			t.Fatalf("interaction count=%d for %s, want 1", rel.InteractionCount, personID)
		}
	}

	facts, err := store.ListFacts(ctx, "c1", FactFilter{SubjectType: SubjectPerson, SubjectID: "10001"})
	if err != nil {
		t.Fatalf("list facts: %v", err)
	}
	if len(facts) != 1 || facts[0].Content != "喜欢爬山" {
		t.Fatalf("facts=%v", facts)
	}
}

func TestRecordSkipsWhenCommunityInFlight(t *testing.T) {
	svc, _ := newTestService(t, &fakeClient{resp: `{}`}, &stubEmbedder{})

	svc.mu.Lock()
	svc.inFlight["c1"] = true
	svc.mu.Unlock()

	summary, err := svc.Record(context.Background(), RecordInput{CommunityID: "c1"})
	if err != nil {
		t.Fatalf("record: %v", err)
	}
	if !summary.Skipped {
		t.Fatalf("overlapping record must report Skipped")
	}

	// A different community is unaffected.
	summary, err = svc.Record(context.Background(), RecordInput{CommunityID: "c2"})
	if err != nil {
		t.Fatalf("record: %v", err)
	}
	if summary.Skipped {
		t.Fatalf("independent community must not be skipped")
	}
}

func TestGetMemoryContextAssemblesProfileAndMemories(t *testing.T) {
	embedder := &stubEmbedder{vecs: map[string][]float32{"爬山的事定了吗": vecA}}
	svc, store := newTestService(t, &fakeClient{}, embedder)
	ctx := context.Background()
	now := time.Now()

	if err := store.UpsertRelational(ctx, RelationalMemory{
		CommunityID: "c1", PersonID: "10001", DisplayName: "老张",
		Closeness: ClosenessFamiliar, CoreImpression: "靠谱的户外搭子",
		CreatedAtMS: 1,
	}); err != nil {
		t.Fatalf("seed relational: %v", err)
	}
	seedEpisode(t, store, EpisodicMemory{
		ID: "epi-1", CommunityID: "c1", Summary: "上周约好这周末去爬山",
		Embedding: vecA, EventAtMS: now.Add(-7 * 24 * time.Hour).UnixMilli(),
	})
	if err := store.CreateFact(ctx, SemanticFact{
		ID: "fact-1", CommunityID: "c1", SubjectType: SubjectPerson, SubjectID: "10001",
		FactType: "hobby", Content: "喜欢爬山", Confidence: 0.8,
		FirstObservedMS: 1, LastConfirmedMS: 1,
	}); err != nil {
		t.Fatalf("seed fact: %v", err)
	}

	mc, err := svc.GetMemoryContext(ctx, "c1", []string{"10001"}, []Message{
		{ID: "m1", SenderID: "10001", SenderName: "老张", Content: "爬山的事定了吗", SentAt: now},
	}, now.Add(-time.Hour))
	if err != nil {
		t.Fatalf("get context: %v", err)
	}

	if !strings.Contains(mc.UserProfile, "老张") || !strings.Contains(mc.UserProfile, "靠谱的户外搭子") {
		t.Fatalf("profile missing relational state:\n%s", mc.UserProfile)
	}
	if !strings.Contains(mc.Memories, "上周约好这周末去爬山") {
		t.Fatalf("memories missing retrieved episode:\n%s", mc.Memories)
	}
	if !strings.Contains(mc.Memories, "喜欢爬山") {
		t.Fatalf("memories missing beliefs:\n%s", mc.Memories)
	}
}

func TestStatsCountsCollections(t *testing.T) {
	svc, store := newTestService(t, &fakeClient{}, &stubEmbedder{})
	ctx := context.Background()
	now := time.Now()

	seedEpisode(t, store, EpisodicMemory{
		ID: "epi-1", CommunityID: "c1", Summary: "a", Embedding: vecA,
		EventAtMS: now.UnixMilli(),
	})
	seedEpisode(t, store, EpisodicMemory{
		ID: "epi-2", CommunityID: "c1", Summary: "b", Embedding: vecB,
		EventAtMS: now.UnixMilli(),
	})
	if err := store.SetEpisodeArchived(ctx, "epi-2", true); err != nil {
		t.Fatalf("archive: %v", err)
	}
	if err := store.UpsertRelational(ctx, RelationalMemory{
		CommunityID: "c1", PersonID: "u1", Closeness: ClosenessStranger, CreatedAtMS: 1,
	}); err != nil {
		t.Fatalf("seed relational: %v", err)
	}

	stats, err := svc.Stats(ctx, "c1")
	if err != nil {
		t.Fatalf("stats: %v", err)
	}
	if stats.ActiveEpisodes != 1 || stats.ArchivedEpisodes != 1 || stats.Relationships != 1 || stats.ActiveFacts != 0 {
		t.Fatalf("stats=%+v", stats)
	}
}

func TestCloseFlushesAndIsIdempotent(t *testing.T) {
	client := &fakeClient{resp: `{
		"episodes": [{"summary": "临走前聊的一件事", "participants": [], "tags": [],
			"importance": 0.5, "valence": 0, "intensity": 0, "involvement": "observer"}],
		"relations": [], "vibes": [], "names": [], "facts": []
	}`}
	dbPath := filepath.Join(t.TempDir(), "memory.db")
	store, err := NewSQLiteStore(dbPath)
	if err != nil {
		t.Fatalf("open store: %v", err)
	}
	svc := NewService(store, client, &stubEmbedder{}, quietLogger(), ServiceOptions{
		PersonaID:   "mio",
		PersonaName: "mio",
	})
	svc.Start()
	ctx := context.Background()

	if _, err := svc.Record(ctx, RecordInput{
		CommunityID: "c1",
		RecentMessages: []Message{
			{ID: "m1", SenderID: "mio", SenderName: "mio", Content: "我先说一句", SentAt: time.Now()},
		},
	}); err != nil {
		t.Fatalf("record: %v", err)
	}

	if err := svc.Close(); err != nil {
		t.Fatalf("close: %v", err)
	}
	if err := svc.Close(); err != nil {
		t.Fatalf("second close: %v", err)
	}

	// The final flush happens before the store closes, so reopen to observe it.
	reopened, err := NewSQLiteStore(dbPath)
	if err != nil {
		t.Fatalf("reopen: %v", err)
	}
	defer reopened.Close()
	durable, err := reopened.ListEpisodes(ctx, "c1", EpisodeFilter{})
	if err != nil {
		t.Fatalf("list: %v", err)
	}
	if len(durable) != 1 {
		t.Fatalf("durable=%d after close, want 1", len(durable))
	}
}
