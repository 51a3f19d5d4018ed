package memory

import (
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"

	"github.com/HuanCheng65/mio/pkg/embedding"
	"github.com/HuanCheng65/mio/pkg/model"
)

// SemanticWriter maintains the confidence-weighted fact collection.
type SemanticWriter struct {
	store          Store
	embedder       embedding.Embedder
	dedupThreshold float64
	confidenceBump float64
}

func NewSemanticWriter(store Store, embedder embedding.Embedder, dedupThreshold, confidenceBump float64) *SemanticWriter {
	if dedupThreshold <= 0 {
		dedupThreshold = 0.90
	}
	if confidenceBump <= 0 {
		confidenceBump = 0.10
	}
	return &SemanticWriter{
		store:          store,
		embedder:       embedder,
		dedupThreshold: dedupThreshold,
		confidenceBump: confidenceBump,
	}
}

// WriteFact inserts a fact, unless an active fact with the same subject and
// fact type is a near-duplicate (cosine at or above the dedup threshold) —
// then the existing fact's confidence is bumped instead and no row is
// created. Returns the id of the surviving fact and whether a row was
// inserted.
func (w *SemanticWriter) WriteFact(ctx context.Context, fact SemanticFact) (string, bool, error) {
	fact.Content = strings.TrimSpace(fact.Content)
	if fact.Content == "" {
		return "", false, fmt.Errorf("empty fact content")
	}
	fact.Confidence = model.Clamp(fact.Confidence, 0, 1)

	if fact.Embedding == nil {
		vec, err := w.embedder.Embed(ctx, fact.Content)
		if err != nil {
			return "", false, fmt.Errorf("embed fact: %w", err)
		}
		fact.Embedding = vec
	}

	existing, err := w.store.ListFacts(ctx, fact.CommunityID, FactFilter{
		SubjectType: fact.SubjectType,
		SubjectID:   fact.SubjectID,
	})
	if err != nil {
		return "", false, fmt.Errorf("load facts for dedup: %w", err)
	}

	nowMS := time.Now().UnixMilli()
	for _, f := range existing {
		if f.FactType != fact.FactType {
			continue
		}
		if embedding.Cosine(fact.Embedding, f.Embedding) < w.dedupThreshold {
			continue
		}
		bumped := model.Clamp(f.Confidence+w.confidenceBump, 0, 1)
		err := w.store.UpdateFact(ctx, f.ID, FactUpdate{
			Confidence:      &bumped,
			LastConfirmedMS: &nowMS,
		})
		if err != nil {
			return "", false, fmt.Errorf("bump fact confidence: %w", err)
		}
		return f.ID, false, nil
	}

	if fact.ID == "" {
		fact.ID = "fact-" + uuid.NewString()
	}
	if fact.FirstObservedMS == 0 {
		fact.FirstObservedMS = nowMS
	}
	if fact.LastConfirmedMS == 0 {
		fact.LastConfirmedMS = nowMS
	}
	if err := w.store.CreateFact(ctx, fact); err != nil {
		return "", false, err
	}
	return fact.ID, true, nil
}

// Evolve records a material content change: a new fact row is created and the
// old fact is retired by pointing its superseding reference at the new row.
func (w *SemanticWriter) Evolve(ctx context.Context, oldID string, replacement SemanticFact) (string, error) {
	old, err := w.store.GetFact(ctx, oldID)
	if err != nil {
		return "", fmt.Errorf("load fact to evolve: %w", err)
	}
	if old.SupersededBy != "" {
		// Already retired; follow the chain head so repeated evolution of a
		// stale reference cannot fork it.
		head, err := w.ChainHead(ctx, oldID)
		if err != nil {
			return "", err
		}
		old = head
	}

	replacement.CommunityID = old.CommunityID
	replacement.SubjectType = old.SubjectType
	replacement.SubjectID = old.SubjectID
	if replacement.FactType == "" {
		replacement.FactType = old.FactType
	}
	replacement.ID = "fact-" + uuid.NewString()
	nowMS := time.Now().UnixMilli()
	replacement.FirstObservedMS = old.FirstObservedMS
	replacement.LastConfirmedMS = nowMS
	replacement.Confidence = model.Clamp(replacement.Confidence, 0, 1)
	if replacement.Embedding == nil {
		vec, err := w.embedder.Embed(ctx, replacement.Content)
		if err != nil {
			return "", fmt.Errorf("embed evolved fact: %w", err)
		}
		replacement.Embedding = vec
	}

	if err := w.store.CreateFact(ctx, replacement); err != nil {
		return "", err
	}
	superseded := replacement.ID
	if err := w.store.UpdateFact(ctx, old.ID, FactUpdate{SupersededBy: &superseded}); err != nil {
		return "", fmt.Errorf("retire superseded fact: %w", err)
	}
	return replacement.ID, nil
}

// Decay reduces a fact's confidence, clamped to [0, 1].
func (w *SemanticWriter) Decay(ctx context.Context, id string, amount float64) error {
	fact, err := w.store.GetFact(ctx, id)
	if err != nil {
		return err
	}
	reduced := model.Clamp(fact.Confidence-amount, 0, 1)
	return w.store.UpdateFact(ctx, id, FactUpdate{Confidence: &reduced})
}

// Confirm refreshes a fact's confidence and last-confirmed time.
func (w *SemanticWriter) Confirm(ctx context.Context, id string) error {
	fact, err := w.store.GetFact(ctx, id)
	if err != nil {
		return err
	}
	bumped := model.Clamp(fact.Confidence+w.confidenceBump, 0, 1)
	nowMS := time.Now().UnixMilli()
	return w.store.UpdateFact(ctx, id, FactUpdate{
		Confidence:      &bumped,
		LastConfirmedMS: &nowMS,
	})
}

// ChainHead follows superseding references to the live end of the chain. The
// walk is bounded so a corrupted cycle surfaces as an error rather than a
// hang.
func (w *SemanticWriter) ChainHead(ctx context.Context, id string) (SemanticFact, error) {
	const maxHops = 64
	seen := map[string]struct{}{}
	for hops := 0; hops < maxHops; hops++ {
		if _, ok := seen[id]; ok {
			return SemanticFact{}, fmt.Errorf("supersession cycle at fact %s", id)
		}
		seen[id] = struct{}{}
		fact, err := w.store.GetFact(ctx, id)
		if err != nil {
			return SemanticFact{}, err
		}
		if fact.SupersededBy == "" {
			return fact, nil
		}
		id = fact.SupersededBy
	}
	return SemanticFact{}, fmt.Errorf("supersession chain too deep from fact %s", id)
}
