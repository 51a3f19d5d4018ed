package memory

import (
	"context"
	"fmt"
	"sort"
	"strings"
	"time"

	"github.com/charmbracelet/log"

	"github.com/HuanCheng65/mio/pkg/embedding"
	"github.com/HuanCheng65/mio/pkg/model"
)

// DistillerConfig bounds the scheduled knowledge-evolution cycle.
type DistillerConfig struct {
	SemanticWindow   time.Duration
	SilenceThreshold time.Duration
	CoreStale        time.Duration
	Retention        RetentionConfig
}

// Distiller runs the scheduled batch cycle per community: embedding backfill,
// semantic fact maintenance, relational impression rewrites, and episodic
// cleanup/eviction. Stage and community failures are isolated; a failed
// model call or parse degrades the stage to a no-op.
type Distiller struct {
	store      Store
	client     model.Client
	embedder   embedding.Embedder
	relational *RelationalManager
	semantic   *SemanticWriter
	logger     *log.Logger
	cfg        DistillerConfig
}

func NewDistiller(store Store, client model.Client, embedder embedding.Embedder, relational *RelationalManager, semantic *SemanticWriter, logger *log.Logger, cfg DistillerConfig) *Distiller {
	if cfg.SemanticWindow <= 0 {
		cfg.SemanticWindow = 7 * 24 * time.Hour
	}
	if cfg.SilenceThreshold <= 0 {
		cfg.SilenceThreshold = 30 * 24 * time.Hour
	}
	if cfg.CoreStale <= 0 {
		cfg.CoreStale = 30 * 24 * time.Hour
	}
	if cfg.Retention.Window <= 0 {
		cfg.Retention.Window = 90 * 24 * time.Hour
	}
	if cfg.Retention.HalfLife <= 0 {
		cfg.Retention.HalfLife = 14 * 24 * time.Hour
	}
	if cfg.Retention.Floor <= 0 {
		cfg.Retention.Floor = 0.15
	}
	if cfg.Retention.CommunityCapacity <= 0 {
		cfg.Retention.CommunityCapacity = 500
	}
	return &Distiller{
		store:      store,
		client:     client,
		embedder:   embedder,
		relational: relational,
		semantic:   semantic,
		logger:     logger,
		cfg:        cfg,
	}
}

// Run executes one full cycle over every community with relational history.
func (d *Distiller) Run(ctx context.Context) error {
	communities, err := d.store.ListCommunitiesWithRelational(ctx)
	if err != nil {
		return fmt.Errorf("list communities: %w", err)
	}
	for _, communityID := range communities {
		d.runCommunity(ctx, communityID)
	}
	return nil
}

func (d *Distiller) runCommunity(ctx context.Context, communityID string) {
	now := time.Now()
	stages := []struct {
		name string
		run  func(context.Context, string, time.Time) error
	}{
		{"embedding_backfill", d.runBackfill},
		{"semantic_maintenance", d.runSemantic},
		{"relational_rewrite", d.runRelational},
		{"cleanup_eviction", d.runCleanup},
	}
	for _, stage := range stages {
		if err := stage.run(ctx, communityID, now); err != nil {
			d.logger.Warn("distillation stage failed, continuing",
				"community", communityID, "stage", stage.name, "err", err)
		}
	}
}

// runBackfill fills missing vectors on episodic and semantic rows. Idempotent
// and safe to re-run: only rows without embeddings are touched.
func (d *Distiller) runBackfill(ctx context.Context, communityID string, _ time.Time) error {
	episodes, err := d.store.ListEpisodes(ctx, communityID, EpisodeFilter{
		IncludeArchived:  true,
		MissingEmbedding: true,
	})
	if err != nil {
		return err
	}
	if len(episodes) > 0 {
		texts := make([]string, len(episodes))
		for i, ep := range episodes {
			texts[i] = ep.Summary
		}
		vecs, err := d.embedder.EmbedBatch(ctx, texts)
		if err != nil {
			return fmt.Errorf("backfill episode embeddings: %w", err)
		}
		for i, ep := range episodes {
			if err := d.store.SetEpisodeEmbedding(ctx, ep.ID, vecs[i]); err != nil {
				return err
			}
		}
	}

	facts, err := d.store.ListFacts(ctx, communityID, FactFilter{MissingEmbedding: true})
	if err != nil {
		return err
	}
	if len(facts) > 0 {
		texts := make([]string, len(facts))
		for i, f := range facts {
			texts[i] = f.Content
		}
		vecs, err := d.embedder.EmbedBatch(ctx, texts)
		if err != nil {
			return fmt.Errorf("backfill fact embeddings: %w", err)
		}
		for i, f := range facts {
			if err := d.store.UpdateFact(ctx, f.ID, FactUpdate{Embedding: vecs[i]}); err != nil {
				return err
			}
		}
	}

	if len(episodes) > 0 || len(facts) > 0 {
		d.logger.Info("embedding backfill done",
			"community", communityID, "episodes", len(episodes), "facts", len(facts))
	}
	return nil
}

// semanticOpsPayload is the documented fact-maintenance schema.
type semanticOpsPayload struct {
	Ops []struct {
		Op          string  `json:"op"` // new | confirm | evolve | decay
		ID          string  `json:"id"`
		SubjectType string  `json:"subject_type"`
		SubjectID   string  `json:"subject_id"`
		FactType    string  `json:"fact_type"`
		Content     string  `json:"content"`
		Confidence  float64 `json:"confidence"`
	} `json:"ops"`
}

// runSemantic hands the trailing episode window plus the active fact set to
// the model and applies the returned operations. An unparseable response is
// a no-op; prior state is left untouched.
func (d *Distiller) runSemantic(ctx context.Context, communityID string, now time.Time) error {
	episodes, err := d.store.ListEpisodes(ctx, communityID, EpisodeFilter{
		SinceMS: now.Add(-d.cfg.SemanticWindow).UnixMilli(),
	})
	if err != nil {
		return err
	}
	if len(episodes) == 0 {
		return nil
	}
	facts, err := d.store.ListFacts(ctx, communityID, FactFilter{})
	if err != nil {
		return err
	}

	raw, err := d.client.Complete(ctx, semanticSystemPrompt, buildSemanticContext(episodes, facts))
	if err != nil {
		return fmt.Errorf("semantic maintenance model call: %w", err)
	}
	var payload semanticOpsPayload
	if err := model.Unmarshal(raw, &payload); err != nil {
		d.logger.Warn("semantic maintenance output unparseable, skipping cycle",
			"community", communityID)
		return nil
	}

	factByID := map[string]SemanticFact{}
	for _, f := range facts {
		factByID[f.ID] = f
	}

	applied := 0
	for _, op := range payload.Ops {
		switch strings.ToLower(op.Op) {
		case "new":
			subjectType := SubjectType(op.SubjectType)
			if subjectType != SubjectPerson && subjectType != SubjectCommunity {
				subjectType = SubjectCommunity
			}
			_, _, err = d.semantic.WriteFact(ctx, SemanticFact{
				CommunityID: communityID,
				SubjectType: subjectType,
				SubjectID:   op.SubjectID,
				FactType:    op.FactType,
				Content:     op.Content,
				Confidence:  op.Confidence,
			})
		case "confirm":
			if _, ok := factByID[op.ID]; !ok {
				continue
			}
			err = d.semantic.Confirm(ctx, op.ID)
		case "evolve":
			if _, ok := factByID[op.ID]; !ok {
				continue
			}
			_, err = d.semantic.Evolve(ctx, op.ID, SemanticFact{
				FactType:   op.FactType,
				Content:    op.Content,
				Confidence: op.Confidence,
			})
		case "decay":
			if _, ok := factByID[op.ID]; !ok {
				continue
			}
			amount := op.Confidence
			if amount <= 0 {
				amount = 0.1
			}
			err = d.semantic.Decay(ctx, op.ID, amount)
		default:
			continue
		}
		if err != nil {
			d.logger.Warn("semantic op failed", "community", communityID, "op", op.Op, "err", err)
			err = nil
			continue
		}
		applied++
	}
	if applied > 0 {
		d.logger.Info("semantic maintenance applied", "community", communityID, "ops", applied)
	}
	return nil
}

// impressionPayload is the documented impression-rewrite schema.
type impressionPayload struct {
	Short string `json:"short"`
	Core  string `json:"core"`
}

// runRelational rewrites impressions for recently active people. The short
// impression is rewritten every cycle; the core impression only for new
// subjects, strong recent signal, or staleness — it is the highest-cost,
// highest-drift-risk step. Silence downgrades also happen here, one tier per
// cycle.
func (d *Distiller) runRelational(ctx context.Context, communityID string, now time.Time) error {
	all, err := d.store.ListRelational(ctx, communityID)
	if err != nil {
		return err
	}

	activeSince := now.Add(-d.cfg.SemanticWindow)
	for _, rel := range all {
		rel, downgraded, err := d.relational.DowngradeIfSilent(ctx, rel, now, d.cfg.SilenceThreshold)
		if err != nil {
			d.logger.Warn("tier downgrade failed", "community", communityID, "person", rel.PersonID, "err", err)
			continue
		}
		if downgraded {
			d.logger.Info("closeness downgraded after silence",
				"community", communityID, "person", rel.PersonID, "tier", rel.Closeness)
		}
		if rel.LastInteractionMS < activeSince.UnixMilli() {
			continue
		}
		if err := d.rewriteImpressions(ctx, communityID, rel, now); err != nil {
			d.logger.Warn("impression rewrite failed",
				"community", communityID, "person", rel.PersonID, "err", err)
		}
	}
	return nil
}

func (d *Distiller) rewriteImpressions(ctx context.Context, communityID string, rel RelationalMemory, now time.Time) error {
	facts, err := d.store.ListFacts(ctx, communityID, FactFilter{
		SubjectType: SubjectPerson,
		SubjectID:   rel.PersonID,
	})
	if err != nil {
		return err
	}
	episodes, err := d.recentEpisodesFor(ctx, communityID, rel.PersonID, now)
	if err != nil {
		return err
	}
	if len(facts) == 0 && len(episodes) == 0 && rel.ShortImpression == "" {
		return nil
	}

	rewriteCore := rel.CoreImpression == "" ||
		now.Sub(time.UnixMilli(rel.CoreUpdatedMS)) > d.cfg.CoreStale ||
		strongRecentSignal(episodes)

	raw, err := d.client.Complete(ctx, impressionSystemPrompt,
		buildImpressionContext(rel, facts, episodes, rewriteCore))
	if err != nil {
		return err
	}
	var payload impressionPayload
	if err := model.Unmarshal(raw, &payload); err != nil {
		// Unparseable rewrite leaves the stored impressions untouched.
		return nil
	}

	nowMS := now.UnixMilli()
	if short := strings.TrimSpace(payload.Short); short != "" {
		runes := []rune(short)
		if len(runes) > maxShortImpressionRunes {
			short = string(runes[:maxShortImpressionRunes])
		}
		rel.ShortImpression = short
		rel.ShortUpdatedMS = nowMS
	}
	if core := strings.TrimSpace(payload.Core); rewriteCore && core != "" {
		rel.CoreImpression = core
		rel.CoreUpdatedMS = nowMS
	}
	return d.store.UpsertRelational(ctx, rel)
}

func (d *Distiller) recentEpisodesFor(ctx context.Context, communityID, personID string, now time.Time) ([]EpisodicMemory, error) {
	episodes, err := d.store.ListEpisodes(ctx, communityID, EpisodeFilter{
		SinceMS: now.Add(-d.cfg.SemanticWindow).UnixMilli(),
	})
	if err != nil {
		return nil, err
	}
	out := []EpisodicMemory{}
	for _, ep := range episodes {
		for _, id := range ep.ParticipantIDs {
			if id == personID {
				out = append(out, ep)
				break
			}
		}
	}
	return out, nil
}

// strongRecentSignal flags an interaction burst worth refreshing the core
// impression for.
func strongRecentSignal(episodes []EpisodicMemory) bool {
	if len(episodes) >= 8 {
		return true
	}
	important := 0
	for _, ep := range episodes {
		if ep.Importance >= 0.7 {
			important++
		}
	}
	return important >= 3
}

// runCleanup archives low-value episodes. TTL archival and capacity eviction
// are deliberately separate routines with different triggers; both only flip
// the archived flag.
func (d *Distiller) runCleanup(ctx context.Context, communityID string, now time.Time) error {
	episodes, err := d.store.ListEpisodes(ctx, communityID, EpisodeFilter{})
	if err != nil {
		return err
	}

	archived := 0
	remaining := make([]EpisodicMemory, 0, len(episodes))
	windowStartMS := now.Add(-d.cfg.Retention.Window).UnixMilli()
	for _, ep := range episodes {
		if ep.EventAtMS < windowStartMS || retentionScore(ep, now, d.cfg.Retention.HalfLife) < d.cfg.Retention.Floor {
			if err := d.store.SetEpisodeArchived(ctx, ep.ID, true); err != nil {
				return err
			}
			archived++
			continue
		}
		remaining = append(remaining, ep)
	}

	if over := len(remaining) - d.cfg.Retention.CommunityCapacity; over > 0 {
		sort.SliceStable(remaining, func(i, j int) bool {
			return retentionScore(remaining[i], now, d.cfg.Retention.HalfLife) <
				retentionScore(remaining[j], now, d.cfg.Retention.HalfLife)
		})
		for _, ep := range remaining[:over] {
			if err := d.store.SetEpisodeArchived(ctx, ep.ID, true); err != nil {
				return err
			}
			archived++
		}
	}

	if archived > 0 {
		d.logger.Info("episodic cleanup archived", "community", communityID, "episodes", archived)
	}
	return nil
}

const semanticSystemPrompt = `You maintain a group-chat persona's beliefs. You
are given recent episodes and the current fact list. Respond with exactly one
JSON object:
{"ops": [{"op": "new|confirm|evolve|decay", "id": "existing fact id when not new",
  "subject_type": "person|community", "subject_id": "id", "fact_type": "short type",
  "content": "first-person belief", "confidence": 0.0}]}
Use "confirm" when an episode re-supports an existing fact, "evolve" when its
content materially changed, "decay" (confidence = reduction amount) when an
episode contradicts it weakly. Emit {"ops": []} when nothing changed.`

const impressionSystemPrompt = `You maintain a group-chat persona's impression
of one person. Given current impressions, known facts and recent shared
episodes, respond with exactly one JSON object:
{"short": "rewritten short-term impression", "core": "rewritten core impression or empty"}
Keep the short impression under 200 characters. Only fill "core" when asked in
the context.`

func buildSemanticContext(episodes []EpisodicMemory, facts []SemanticFact) string {
	var b strings.Builder
	b.WriteString("Current facts:\n")
	if len(facts) == 0 {
		b.WriteString("(none)\n")
	}
	for _, f := range facts {
		fmt.Fprintf(&b, "- id=%s subject=%s/%s type=%s confidence=%.2f: %s\n",
			f.ID, f.SubjectType, f.SubjectID, f.FactType, f.Confidence, f.Content)
	}
	b.WriteString("\nRecent episodes:\n")
	for _, ep := range episodes {
		fmt.Fprintf(&b, "- [%s] %s (participants: %s)\n",
			time.UnixMilli(ep.EventAtMS).Format("01-02"), ep.Summary,
			strings.Join(ep.ParticipantIDs, ", "))
	}
	return b.String()
}

func buildImpressionContext(rel RelationalMemory, facts []SemanticFact, episodes []EpisodicMemory, rewriteCore bool) string {
	var b strings.Builder
	name := rel.PreferredName
	if name == "" {
		name = rel.DisplayName
	}
	fmt.Fprintf(&b, "Person: %s (%s), closeness: %s\n", name, rel.PersonID, rel.Closeness)
	fmt.Fprintf(&b, "Current short impression: %s\n", rel.ShortImpression)
	fmt.Fprintf(&b, "Current core impression: %s\n", rel.CoreImpression)
	if rewriteCore {
		b.WriteString("Rewrite the core impression as well.\n")
	} else {
		b.WriteString("Do not rewrite the core impression; leave \"core\" empty.\n")
	}
	b.WriteString("\nFacts:\n")
	for _, f := range facts {
		fmt.Fprintf(&b, "- (%.2f) %s\n", f.Confidence, f.Content)
	}
	b.WriteString("\nRecent shared episodes:\n")
	for _, ep := range episodes {
		fmt.Fprintf(&b, "- %s\n", ep.Summary)
	}
	return b.String()
}
