package memory

import (
	"context"
	"io"
	"path/filepath"
	"testing"

	"github.com/charmbracelet/log"
)

func newTestStore(t *testing.T) *SQLiteStore {
	t.Helper()
	store, err := NewSQLiteStore(filepath.Join(t.TempDir(), "memory.db"))
	if err != nil {
		t.Fatalf("open store: %v", err)
	}
	t.Cleanup(func() { _ = store.Close() })
	return store
}

func quietLogger() *log.Logger {
	return log.New(io.Discard)
}

// stubEmbedder returns fixed vectors per text so similarity is exact in tests.
// Unknown texts get a vector orthogonal to everything registered.
type stubEmbedder struct {
	vecs map[string][]float32
}

func (s *stubEmbedder) ModelID() string { return "stub" }

func (s *stubEmbedder) Embed(_ context.Context, text string) ([]float32, error) {
	if v, ok := s.vecs[text]; ok {
		return v, nil
	}
	return []float32{0, 0, 0, 1}, nil
}

func (s *stubEmbedder) EmbedBatch(ctx context.Context, texts []string) ([][]float32, error) {
	out := make([][]float32, len(texts))
	for i, text := range texts {
		out[i], _ = s.Embed(ctx, text)
	}
	return out, nil
}

// fakeClient plays the chat model with a canned response.
type fakeClient struct {
	resp  string
	err   error
	calls int
}

func (f *fakeClient) Complete(_ context.Context, _, _ string) (string, error) {
	f.calls++
	return f.resp, f.err
}

var (
	vecA     = []float32{1, 0, 0, 0}
	vecNearA = []float32{0.9806, 0.1961, 0, 0} // cosine with vecA ~0.98
	vecB     = []float32{0, 1, 0, 0}
)
