package memory

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/charmbracelet/log"
	"github.com/google/uuid"

	"github.com/HuanCheng65/mio/pkg/embedding"
)

// WorkingMemory stages freshly extracted episodes before durable storage.
// Candidates are deduplicated against both the pending queue and the durable
// store, then flushed on a timer, on a size threshold, or manually.
//
// Flushes are at-least-once, not atomic: each item is written on its own, and
// a failure keeps only the unwritten suffix queued for the next tick.
type WorkingMemory struct {
	store    Store
	embedder embedding.Embedder
	vibes    *VibeCache
	logger   *log.Logger

	dedupThreshold float64
	flushThreshold int

	mu      sync.Mutex
	pending map[string][]PendingWrite

	// onIngest is invoked (outside the lock) after every successful ingest so
	// the owning service can reset its flush timer.
	onIngest func()
}

func NewWorkingMemory(store Store, embedder embedding.Embedder, vibes *VibeCache, logger *log.Logger, dedupThreshold float64, flushThreshold int) *WorkingMemory {
	if dedupThreshold <= 0 {
		dedupThreshold = 0.90
	}
	if flushThreshold <= 0 {
		flushThreshold = 16
	}
	return &WorkingMemory{
		store:          store,
		embedder:       embedder,
		vibes:          vibes,
		logger:         logger,
		dedupThreshold: dedupThreshold,
		flushThreshold: flushThreshold,
		pending:        map[string][]PendingWrite{},
	}
}

// SetOnIngest registers the flush-timer reset hook. Call before the service
// loop starts.
func (w *WorkingMemory) SetOnIngest(fn func()) { w.onIngest = fn }

// Ingest accepts an extraction result for a community. Candidate episodes are
// embedded (when they did not arrive pre-embedded), deduplicated, and queued;
// vibe signals go straight to the session cache. Returns (accepted, rejected
// as duplicate).
func (w *WorkingMemory) Ingest(ctx context.Context, communityID string, result ExtractionResult) (int, int, error) {
	for _, vibe := range result.Vibes {
		w.vibes.Set(communityID, vibe.PersonID, vibe.Mood)
	}
	if len(result.Episodes) == 0 {
		if !result.empty() && w.onIngest != nil {
			w.onIngest()
		}
		return 0, 0, nil
	}

	durable, err := w.store.ListEpisodes(ctx, communityID, EpisodeFilter{})
	if err != nil {
		return 0, 0, fmt.Errorf("load durable episodes for dedup: %w", err)
	}

	accepted := 0
	rejected := 0
	for _, ep := range result.Episodes {
		if ep.Embedding == nil {
			vec, err := w.embedder.Embed(ctx, ep.Summary)
			if err != nil {
				return accepted, rejected, fmt.Errorf("embed candidate episode: %w", err)
			}
			ep.Embedding = vec
		}
		if w.isDuplicate(communityID, ep, durable) {
			rejected++
			continue
		}
		if ep.ID == "" {
			ep.ID = "epi-" + uuid.NewString()
		}
		ep.CommunityID = communityID
		if ep.CreatedAtMS == 0 {
			ep.CreatedAtMS = time.Now().UnixMilli()
		}
		w.mu.Lock()
		w.pending[communityID] = append(w.pending[communityID], PendingWrite{
			Episode:    ep,
			EnqueuedAt: time.Now(),
		})
		w.mu.Unlock()
		accepted++
	}

	if w.onIngest != nil {
		w.onIngest()
	}
	if w.sizeExceeded() {
		w.Flush(ctx)
	}
	return accepted, rejected, nil
}

// isDuplicate reports cosine similarity at or above the dedup threshold
// against any pending candidate for the community or any non-archived durable
// episode.
func (w *WorkingMemory) isDuplicate(communityID string, ep EpisodicMemory, durable []EpisodicMemory) bool {
	w.mu.Lock()
	queued := w.pending[communityID]
	w.mu.Unlock()

	for _, pw := range queued {
		if embedding.Cosine(ep.Embedding, pw.Episode.Embedding) >= w.dedupThreshold {
			return true
		}
	}
	for _, existing := range durable {
		if embedding.Cosine(ep.Embedding, existing.Embedding) >= w.dedupThreshold {
			return true
		}
	}
	return false
}

// Flush durably writes all pending items, one create per item. A failed write
// leaves that item and everything after it queued; earlier items stay
// committed. Errors are logged, never returned: the buffer degrades to
// retry-next-tick.
func (w *WorkingMemory) Flush(ctx context.Context) {
	w.mu.Lock()
	snapshot := w.pending
	w.pending = map[string][]PendingWrite{}
	w.mu.Unlock()

	for communityID, queue := range snapshot {
		written := 0
		var failed []PendingWrite
		for i, pw := range queue {
			if err := w.store.CreateEpisode(ctx, pw.Episode); err != nil {
				w.logger.Error("working memory flush failed, retaining suffix",
					"community", communityID, "written", written, "pending", len(queue)-i, "err", err)
				failed = queue[i:]
				break
			}
			written++
		}
		if len(failed) > 0 {
			w.mu.Lock()
			w.pending[communityID] = append(failed, w.pending[communityID]...)
			w.mu.Unlock()
		}
		if written > 0 {
			w.logger.Debug("working memory flushed", "community", communityID, "episodes", written)
		}
	}
}

// PendingEpisodic exposes in-flight candidates to the retriever without
// forcing a flush.
func (w *WorkingMemory) PendingEpisodic(communityID string) []EpisodicMemory {
	w.mu.Lock()
	defer w.mu.Unlock()
	queue := w.pending[communityID]
	out := make([]EpisodicMemory, 0, len(queue))
	for _, pw := range queue {
		out = append(out, pw.Episode)
	}
	return out
}

// SessionVibe exposes the current mood read for a person, if one is live.
func (w *WorkingMemory) SessionVibe(communityID, personID string) (string, bool) {
	return w.vibes.Get(communityID, personID)
}

// PendingCount reports the total queued items across communities.
func (w *WorkingMemory) PendingCount() int {
	w.mu.Lock()
	defer w.mu.Unlock()
	n := 0
	for _, queue := range w.pending {
		n += len(queue)
	}
	return n
}

func (w *WorkingMemory) sizeExceeded() bool {
	return w.PendingCount() > w.flushThreshold
}
