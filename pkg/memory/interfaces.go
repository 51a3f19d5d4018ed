package memory

import "context"

// EpisodeFilter narrows episodic queries. Zero value means all non-archived
// rows for the community.
type EpisodeFilter struct {
	IncludeArchived  bool
	SinceMS          int64
	UntilMS          int64
	MissingEmbedding bool
	Limit            int
}

// FactFilter narrows semantic queries. Superseded facts are excluded unless
// asked for explicitly.
type FactFilter struct {
	SubjectType       SubjectType
	SubjectID         string
	IncludeSuperseded bool
	MissingEmbedding  bool
}

// FactUpdate is a partial update; nil fields are left untouched.
type FactUpdate struct {
	Confidence      *float64
	LastConfirmedMS *int64
	SupersededBy    *string
	Embedding       []float32
}

// Store is the durable record store over the three memory collections.
// No multi-row transaction guarantee is assumed by callers.
type Store interface {
	Close() error

	CreateEpisode(ctx context.Context, ep EpisodicMemory) error
	GetEpisode(ctx context.Context, id string) (EpisodicMemory, error)
	ListEpisodes(ctx context.Context, communityID string, f EpisodeFilter) ([]EpisodicMemory, error)
	SetEpisodeArchived(ctx context.Context, id string, archived bool) error
	SetEpisodeEmbedding(ctx context.Context, id string, vec []float32) error
	BumpEpisodeAccess(ctx context.Context, id string, atMS int64) error
	CountActiveEpisodes(ctx context.Context, communityID string) (int, error)

	GetRelational(ctx context.Context, communityID, personID string) (RelationalMemory, bool, error)
	UpsertRelational(ctx context.Context, rel RelationalMemory) error
	ListRelational(ctx context.Context, communityID string) ([]RelationalMemory, error)
	ListCommunitiesWithRelational(ctx context.Context) ([]string, error)

	CreateFact(ctx context.Context, f SemanticFact) error
	GetFact(ctx context.Context, id string) (SemanticFact, error)
	ListFacts(ctx context.Context, communityID string, f FactFilter) ([]SemanticFact, error)
	UpdateFact(ctx context.Context, id string, u FactUpdate) error
}
