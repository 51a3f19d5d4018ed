package memory

import (
	"context"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/adhocore/gronx"
	"github.com/charmbracelet/log"

	"github.com/HuanCheng65/mio/pkg/embedding"
	"github.com/HuanCheng65/mio/pkg/model"
)

// ServiceOptions carries the persona identity and the tunables the facade
// itself needs. Component-level knobs ride along in the nested configs.
type ServiceOptions struct {
	PersonaID   string
	PersonaName string

	FlushInterval time.Duration
	RetrieveTopK  int
	DistillCron   string

	DedupThreshold float64
	ConfidenceBump float64
	FlushThreshold int
	VibeTTL        time.Duration
	VibeCacheSize  int

	Extractor ExtractorConfig
	Retriever RetrieverConfig
	Distiller DistillerConfig
}

// Service is the single entry point for the memory subsystem: the read path
// (GetMemoryContext), the write path (Record), manual maintenance triggers,
// and the background flush/distillation loop. One instance owns all state;
// there is no package-level state.
type Service struct {
	store      Store
	logger     *log.Logger
	opts       ServiceOptions
	working    *WorkingMemory
	extractor  *Extractor
	retriever  *Retriever
	relational *RelationalManager
	semantic   *SemanticWriter
	distiller  *Distiller
	vibes      *VibeCache

	mu       sync.Mutex
	inFlight map[string]bool

	resetCh   chan struct{}
	stopCh    chan struct{}
	wg        sync.WaitGroup
	closeOnce sync.Once
}

func NewService(store Store, client model.Client, embedder embedding.Embedder, logger *log.Logger, opts ServiceOptions) *Service {
	if opts.FlushInterval <= 0 {
		opts.FlushInterval = 30 * time.Second
	}
	if opts.RetrieveTopK <= 0 {
		opts.RetrieveTopK = 5
	}
	if opts.DistillCron == "" {
		opts.DistillCron = "0 4 * * *"
	}
	if opts.VibeTTL <= 0 {
		opts.VibeTTL = 4 * time.Hour
	}
	if opts.VibeCacheSize <= 0 {
		opts.VibeCacheSize = 2048
	}

	vibes := NewVibeCache(opts.VibeCacheSize, opts.VibeTTL)
	working := NewWorkingMemory(store, embedder, vibes, logger, opts.DedupThreshold, opts.FlushThreshold)
	relational := NewRelationalManager(store)
	semantic := NewSemanticWriter(store, embedder, opts.DedupThreshold, opts.ConfidenceBump)

	s := &Service{
		store:      store,
		logger:     logger,
		opts:       opts,
		working:    working,
		extractor:  NewExtractor(client, logger, opts.Extractor),
		retriever:  NewRetriever(store, working, embedder, opts.Retriever),
		relational: relational,
		semantic:   semantic,
		distiller:  NewDistiller(store, client, embedder, relational, semantic, logger, opts.Distiller),
		vibes:      vibes,
		inFlight:   map[string]bool{},
		resetCh:    make(chan struct{}, 1),
		stopCh:     make(chan struct{}),
	}
	// Every accepted write restarts the flush countdown so an active
	// conversation batches instead of dribbling rows out.
	working.SetOnIngest(func() {
		select {
		case s.resetCh <- struct{}{}:
		default:
		}
	})
	return s
}

// Start launches the background flush and distillation loop.
func (s *Service) Start() {
	s.wg.Add(1)
	go s.run()
}

func (s *Service) run() {
	defer s.wg.Done()

	flushTimer := time.NewTimer(s.opts.FlushInterval)
	defer flushTimer.Stop()
	minute := time.NewTicker(time.Minute)
	defer minute.Stop()
	gron := gronx.New()

	for {
		select {
		case <-s.stopCh:
			return
		case <-s.resetCh:
			if !flushTimer.Stop() {
				select {
				case <-flushTimer.C:
				default:
				}
			}
			flushTimer.Reset(s.opts.FlushInterval)
		case <-flushTimer.C:
			s.working.Flush(context.Background())
			flushTimer.Reset(s.opts.FlushInterval)
		case <-minute.C:
			s.retriever.DrainAccessBumps(context.Background())
			if due, err := gron.IsDue(s.opts.DistillCron, time.Now()); err != nil {
				s.logger.Warn("bad distillation cron expression", "cron", s.opts.DistillCron, "err", err)
			} else if due {
				if err := s.RunDistillation(context.Background()); err != nil {
					s.logger.Error("scheduled distillation failed", "err", err)
				}
			}
		}
	}
}

// GetMemoryContext assembles the read-path context for one conversational
// moment: relational profiles (with live vibes) for the named participants,
// plus retrieved episodic memories and active beliefs. Events at or after
// transcriptWindowStart are excluded from retrieval since the caller already
// sees them verbatim.
func (s *Service) GetMemoryContext(ctx context.Context, communityID string, participantIDs []string, recentMessages []Message, transcriptWindowStart time.Time) (MemoryContext, error) {
	profile, err := s.relational.ProfileDigest(ctx, communityID, participantIDs, s.vibes)
	if err != nil {
		return MemoryContext{}, fmt.Errorf("build profile digest: %w", err)
	}

	query := buildQuery(recentMessages)
	episodes, err := s.retriever.Retrieve(ctx, communityID, query, participantIDs, s.opts.RetrieveTopK, transcriptWindowStart)
	if err != nil {
		return MemoryContext{}, fmt.Errorf("retrieve episodes: %w", err)
	}

	facts, err := s.contextFacts(ctx, communityID, participantIDs)
	if err != nil {
		return MemoryContext{}, fmt.Errorf("load facts: %w", err)
	}

	return MemoryContext{
		UserProfile: profile,
		Memories:    renderMemories(episodes, facts),
	}, nil
}

// contextFacts gathers active community-level beliefs plus person-level
// beliefs about the named participants.
func (s *Service) contextFacts(ctx context.Context, communityID string, participantIDs []string) ([]SemanticFact, error) {
	out, err := s.store.ListFacts(ctx, communityID, FactFilter{
		SubjectType: SubjectCommunity,
		SubjectID:   communityID,
	})
	if err != nil {
		return nil, err
	}
	for _, personID := range participantIDs {
		facts, err := s.store.ListFacts(ctx, communityID, FactFilter{
			SubjectType: SubjectPerson,
			SubjectID:   personID,
		})
		if err != nil {
			return nil, err
		}
		out = append(out, facts...)
	}
	return out, nil
}

// Record runs the write path over a batch of recent messages. A second Record
// for the same community while one is in flight returns immediately with
// Skipped set; callers serialize per community, this is the safety net.
func (s *Service) Record(ctx context.Context, in RecordInput) (RecordSummary, error) {
	s.mu.Lock()
	if s.inFlight[in.CommunityID] {
		s.mu.Unlock()
		return RecordSummary{Skipped: true}, nil
	}
	s.inFlight[in.CommunityID] = true
	s.mu.Unlock()
	defer func() {
		s.mu.Lock()
		delete(s.inFlight, in.CommunityID)
		s.mu.Unlock()
	}()

	personaName := in.PersonaName
	if personaName == "" {
		personaName = s.opts.PersonaName
	}

	// Interaction counters update for every sender regardless of what
	// extraction finds; showing up is itself a relational signal.
	for _, msg := range in.RecentMessages {
		if msg.SenderID == "" || msg.SenderID == s.opts.PersonaID {
			continue
		}
		if err := s.relational.RecordInteraction(ctx, in.CommunityID, msg.SenderID, msg.SenderName, msg.SentAt); err != nil {
			s.logger.Warn("record interaction failed",
				"community", in.CommunityID, "person", msg.SenderID, "err", err)
		}
	}

	result, stats, err := s.extractor.ExtractMessages(ctx, in.CommunityID, in.RecentMessages, s.opts.PersonaID, personaName)
	if err != nil {
		return RecordSummary{}, fmt.Errorf("extract messages: %w", err)
	}

	summary := RecordSummary{
		ChunksTotal:    stats.Total,
		ChunksSpam:     stats.Spam,
		ChunksSelected: stats.Selected,
		VibesRecorded:  len(result.Vibes),
	}

	accepted, rejected, err := s.working.Ingest(ctx, in.CommunityID, result)
	summary.EpisodesAccepted = accepted
	summary.EpisodesDeduped = rejected
	if err != nil {
		return summary, fmt.Errorf("ingest episodes: %w", err)
	}

	now := time.Now()
	for _, obs := range result.Relational {
		if err := s.relational.ApplyObservation(ctx, in.CommunityID, obs, now); err != nil {
			s.logger.Warn("apply relational observation failed",
				"community", in.CommunityID, "person", obs.PersonID, "err", err)
			continue
		}
		summary.RelationalUpdates++
	}
	for _, sighting := range result.Names {
		if err := s.relational.RecordNameSighting(ctx, in.CommunityID, sighting, now); err != nil {
			s.logger.Warn("record name sighting failed",
				"community", in.CommunityID, "person", sighting.PersonID, "err", err)
		}
	}
	for _, obs := range result.Facts {
		_, _, err := s.semantic.WriteFact(ctx, SemanticFact{
			CommunityID: in.CommunityID,
			SubjectType: obs.SubjectType,
			SubjectID:   obs.SubjectID,
			FactType:    obs.FactType,
			Content:     obs.Content,
			Confidence:  obs.Confidence,
		})
		if err != nil {
			s.logger.Warn("write fact failed", "community", in.CommunityID, "err", err)
			continue
		}
		summary.FactsWritten++
	}

	s.logger.Info("recorded batch",
		"community", in.CommunityID,
		"chunks", summary.ChunksTotal,
		"selected", summary.ChunksSelected,
		"episodes", summary.EpisodesAccepted,
		"deduped", summary.EpisodesDeduped)
	return summary, nil
}

// RunDistillation triggers one full distillation cycle immediately.
func (s *Service) RunDistillation(ctx context.Context) error {
	return s.distiller.Run(ctx)
}

// FlushWorkingMemory forces all pending episodic writes to the store.
func (s *Service) FlushWorkingMemory(ctx context.Context) {
	s.working.Flush(ctx)
}

// Retrieve exposes raw episodic retrieval for tooling.
func (s *Service) Retrieve(ctx context.Context, communityID, query string, topK int) ([]EpisodicMemory, error) {
	if topK <= 0 {
		topK = s.opts.RetrieveTopK
	}
	return s.retriever.Retrieve(ctx, communityID, query, nil, topK, time.Time{})
}

// Stats summarizes stored state for one community.
func (s *Service) Stats(ctx context.Context, communityID string) (CommunityStats, error) {
	stats := CommunityStats{CommunityID: communityID}

	active, err := s.store.CountActiveEpisodes(ctx, communityID)
	if err != nil {
		return stats, err
	}
	stats.ActiveEpisodes = active

	all, err := s.store.ListEpisodes(ctx, communityID, EpisodeFilter{IncludeArchived: true})
	if err != nil {
		return stats, err
	}
	stats.ArchivedEpisodes = len(all) - active

	rels, err := s.store.ListRelational(ctx, communityID)
	if err != nil {
		return stats, err
	}
	stats.Relationships = len(rels)

	facts, err := s.store.ListFacts(ctx, communityID, FactFilter{})
	if err != nil {
		return stats, err
	}
	stats.ActiveFacts = len(facts)
	return stats, nil
}

// Close stops the background loop, flushes working memory one last time, and
// closes the store.
func (s *Service) Close() error {
	var err error
	s.closeOnce.Do(func() {
		close(s.stopCh)
		s.wg.Wait()
		s.working.Flush(context.Background())
		s.retriever.DrainAccessBumps(context.Background())
		err = s.store.Close()
	})
	return err
}

// buildQuery condenses the live transcript tail into retrieval text.
func buildQuery(msgs []Message) string {
	parts := make([]string, 0, len(msgs))
	for _, msg := range msgs {
		if content := strings.TrimSpace(msg.Content); content != "" {
			parts = append(parts, content)
		}
	}
	return strings.Join(parts, "\n")
}

func renderMemories(episodes []EpisodicMemory, facts []SemanticFact) string {
	var b strings.Builder
	if len(episodes) > 0 {
		b.WriteString("Things I remember:\n")
		for _, ep := range episodes {
			fmt.Fprintf(&b, "- [%s] %s\n",
				time.UnixMilli(ep.EventAtMS).Format("2006-01-02"), ep.Summary)
		}
	}
	if len(facts) > 0 {
		if b.Len() > 0 {
			b.WriteString("\n")
		}
		b.WriteString("What I believe:\n")
		for _, f := range facts {
			fmt.Fprintf(&b, "- (%.2f) %s\n", f.Confidence, f.Content)
		}
	}
	return strings.TrimSpace(b.String())
}
