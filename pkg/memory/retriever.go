package memory

import (
	"context"
	"fmt"
	"math"
	"sort"
	"strings"
	"time"

	"github.com/HuanCheng65/mio/pkg/embedding"
)

// RetrieverConfig holds the scoring blend. Weights are hand-tuned defaults.
type RetrieverConfig struct {
	SimilarityWeight float64
	DecayWeight      float64
	ImportanceWeight float64
	TagBoost         float64
	HalfLife         time.Duration
}

// Retriever ranks episodic memories for a conversational moment by blending
// embedding similarity, time decay, and importance, with an optional tag
// boost. It never mutates state on the critical path; access-count bumps go
// through a buffered channel drained elsewhere.
type Retriever struct {
	store    Store
	working  *WorkingMemory
	embedder embedding.Embedder
	cfg      RetrieverConfig

	// accessCh carries episode ids whose access counters should be bumped.
	// Sends are non-blocking; dropped bumps are acceptable instrumentation
	// loss.
	accessCh chan string
}

type scoredEpisode struct {
	episode    EpisodicMemory
	similarity float64
	decay      float64
	score      float64
	pending    bool
}

func NewRetriever(store Store, working *WorkingMemory, embedder embedding.Embedder, cfg RetrieverConfig) *Retriever {
	if cfg.SimilarityWeight <= 0 {
		cfg.SimilarityWeight = 0.55
	}
	if cfg.DecayWeight <= 0 {
		cfg.DecayWeight = 0.25
	}
	if cfg.ImportanceWeight <= 0 {
		cfg.ImportanceWeight = 0.10
	}
	if cfg.TagBoost < 0 {
		cfg.TagBoost = 0
	}
	if cfg.HalfLife <= 0 {
		cfg.HalfLife = 7 * 24 * time.Hour
	}
	return &Retriever{
		store:    store,
		working:  working,
		embedder: embedder,
		cfg:      cfg,
		accessCh: make(chan string, 256),
	}
}

// Retrieve returns the top-K episodic memories for the query. Candidates are
// all non-archived durable episodes plus working-memory pending episodes for
// the community; anything with event time at or after excludeAfter is dropped
// (those events are already visible in the live transcript). A zero
// excludeAfter disables the cutoff.
func (r *Retriever) Retrieve(ctx context.Context, communityID, query string, participantIDs []string, topK int, excludeAfter time.Time) ([]EpisodicMemory, error) {
	query = strings.TrimSpace(query)
	if query == "" || topK <= 0 {
		return nil, nil
	}

	queryVec, err := r.embedder.Embed(ctx, query)
	if err != nil {
		return nil, fmt.Errorf("embed query: %w", err)
	}

	durable, err := r.store.ListEpisodes(ctx, communityID, EpisodeFilter{})
	if err != nil {
		return nil, fmt.Errorf("load episodes: %w", err)
	}

	now := time.Now()
	cutoffMS := int64(0)
	if !excludeAfter.IsZero() {
		cutoffMS = excludeAfter.UnixMilli()
	}

	candidates := make([]*scoredEpisode, 0, len(durable))
	for _, ep := range durable {
		candidates = append(candidates, &scoredEpisode{episode: ep})
	}
	for _, ep := range r.working.PendingEpisodic(communityID) {
		candidates = append(candidates, &scoredEpisode{episode: ep, pending: true})
	}

	scored := make([]*scoredEpisode, 0, len(candidates))
	for _, c := range candidates {
		if cutoffMS > 0 && c.episode.EventAtMS >= cutoffMS {
			continue
		}
		c.similarity = embedding.Cosine(queryVec, c.episode.Embedding)
		c.decay = decayWeight(now.UnixMilli(), c.episode.EventAtMS, r.cfg.HalfLife)
		c.score = r.cfg.SimilarityWeight*c.similarity +
			r.cfg.DecayWeight*c.decay +
			r.cfg.ImportanceWeight*c.episode.Importance
		if tagMatches(query, c.episode.Tags) {
			c.score += r.cfg.TagBoost
		}
		scored = append(scored, c)
	}

	sort.SliceStable(scored, func(i, j int) bool {
		if scored[i].score == scored[j].score {
			return scored[i].episode.EventAtMS > scored[j].episode.EventAtMS
		}
		return scored[i].score > scored[j].score
	})

	out := make([]EpisodicMemory, 0, topK)
	for _, c := range scored {
		out = append(out, c.episode)
		if !c.pending {
			select {
			case r.accessCh <- c.episode.ID:
			default:
			}
		}
		if len(out) >= topK {
			break
		}
	}
	return out, nil
}

// DrainAccessBumps applies queued access-count bumps. Called off the critical
// path by the service loop.
func (r *Retriever) DrainAccessBumps(ctx context.Context) {
	now := time.Now().UnixMilli()
	for {
		select {
		case id := <-r.accessCh:
			_ = r.store.BumpEpisodeAccess(ctx, id, now)
		default:
			return
		}
	}
}

func decayWeight(nowMS, eventMS int64, halfLife time.Duration) float64 {
	deltaMS := float64(nowMS - eventMS)
	if deltaMS < 0 {
		deltaMS = 0
	}
	hl := float64(halfLife / time.Millisecond)
	if hl <= 0 {
		hl = float64((7 * 24 * time.Hour) / time.Millisecond)
	}
	return math.Exp(-math.Ln2 * deltaMS / hl)
}

func tagMatches(query string, tags []string) bool {
	for _, tag := range tags {
		if tag != "" && strings.Contains(query, tag) {
			return true
		}
	}
	return false
}
