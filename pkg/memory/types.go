package memory

import "time"

// Involvement classifies how the persona related to a remembered event.
type Involvement string

const (
	InvolvementActive    Involvement = "active"
	InvolvementObserver  Involvement = "observer"
	InvolvementMentioned Involvement = "mentioned"
)

// Closeness is the relational tier ladder. Transitions are adjacent-step
// only, both directions.
type Closeness string

const (
	ClosenessStranger     Closeness = "stranger"
	ClosenessAcquaintance Closeness = "acquaintance"
	ClosenessFamiliar     Closeness = "familiar"
	ClosenessClose        Closeness = "close"
)

var closenessLadder = []Closeness{
	ClosenessStranger,
	ClosenessAcquaintance,
	ClosenessFamiliar,
	ClosenessClose,
}

func closenessRank(c Closeness) int {
	for i, tier := range closenessLadder {
		if tier == c {
			return i
		}
	}
	return 0
}

// NextCloseness returns the tier one step up; the top tier returns itself.
func NextCloseness(c Closeness) Closeness {
	i := closenessRank(c)
	if i+1 < len(closenessLadder) {
		return closenessLadder[i+1]
	}
	return closenessLadder[i]
}

// PrevCloseness returns the tier one step down; the bottom tier returns itself.
func PrevCloseness(c Closeness) Closeness {
	i := closenessRank(c)
	if i > 0 {
		return closenessLadder[i-1]
	}
	return closenessLadder[i]
}

// EpisodicMemory is one remembered event, summarized in first person.
type EpisodicMemory struct {
	ID             string
	CommunityID    string
	Summary        string
	ParticipantIDs []string
	Tags           []string
	Embedding      []float32
	Importance     float64 // 0..1
	Valence        float64 // -1..1
	Intensity      float64 // 0..1
	Involvement    Involvement
	EventAtMS      int64
	Archived       bool
	AccessCount    int
	LastAccessMS   int64
	CreatedAtMS    int64
}

// NameObservation counts how often a person was referred to by a name.
type NameObservation struct {
	Name  string `json:"name"`
	Count int    `json:"count"`
}

// RelationalMemory is the accumulated impression state about one person in
// one community. Created on first observation, never deleted.
type RelationalMemory struct {
	CommunityID       string
	PersonID          string
	DisplayName       string
	ShortImpression   string
	ShortUpdatedMS    int64
	CoreImpression    string
	CoreUpdatedMS     int64
	Closeness         Closeness
	InteractionCount  int
	ActiveDays        int
	LastInteractionMS int64
	NameObservations  []NameObservation
	PreferredName     string
	CreatedAtMS       int64
}

// SubjectType scopes a semantic fact to a person or the community itself.
type SubjectType string

const (
	SubjectPerson    SubjectType = "person"
	SubjectCommunity SubjectType = "community"
)

// SemanticFact is a confidence-weighted belief distilled from episodes.
// A non-empty SupersededBy retires the fact; readers must exclude it.
type SemanticFact struct {
	ID               string
	CommunityID      string
	SubjectType      SubjectType
	SubjectID        string
	FactType         string
	Content          string
	Embedding        []float32
	Confidence       float64 // 0..1
	SourceEpisodeIDs []string
	FirstObservedMS  int64
	LastConfirmedMS  int64
	SupersededBy     string
}

// Message is one normalized chat message handed in by the ingestion pipeline.
type Message struct {
	ID         string
	SenderID   string
	SenderName string
	Content    string
	SentAt     time.Time
	MentionIDs []string
}

// PendingWrite stages an episodic candidate inside working memory until a
// flush commits it. Working memory owns these exclusively.
type PendingWrite struct {
	Episode    EpisodicMemory
	EnqueuedAt time.Time
}

// RelationalObservation is an extraction-pipeline signal about a person.
type RelationalObservation struct {
	PersonID   string
	Impression string
}

// VibeObservation is a short-lived mood read on a person.
type VibeObservation struct {
	PersonID string
	Mood     string
}

// NameSighting records a name someone was called by in a chunk.
type NameSighting struct {
	PersonID string
	Name     string
}

// FactObservation is an explicit belief the extraction pipeline surfaced,
// written through the semantic writer (which dedups and bumps confidence).
type FactObservation struct {
	SubjectType SubjectType
	SubjectID   string
	FactType    string
	Content     string
	Confidence  float64
}

// ExtractionResult is everything the extraction pipeline learned from one
// chunk (or one direct batch).
type ExtractionResult struct {
	Episodes   []EpisodicMemory
	Relational []RelationalObservation
	Vibes      []VibeObservation
	Names      []NameSighting
	Facts      []FactObservation
}

func (r ExtractionResult) empty() bool {
	return len(r.Episodes) == 0 && len(r.Relational) == 0 && len(r.Vibes) == 0 &&
		len(r.Names) == 0 && len(r.Facts) == 0
}

// RecordInput is the write-path request from the message pipeline.
type RecordInput struct {
	CommunityID    string
	RecentMessages []Message
	PersonaName    string
}

// RecordSummary reports what one Record call did, for observability.
type RecordSummary struct {
	ChunksTotal       int
	ChunksSpam        int
	ChunksSelected    int
	EpisodesAccepted  int
	EpisodesDeduped   int
	RelationalUpdates int
	FactsWritten      int
	VibesRecorded     int
	Skipped           bool // another Record for the community was in flight
}

// MemoryContext is the read-path product consumed by the prompt layer.
type MemoryContext struct {
	UserProfile string
	Memories    string
}

// CommunityStats summarizes stored state for one community.
type CommunityStats struct {
	CommunityID      string
	ActiveEpisodes   int
	ArchivedEpisodes int
	Relationships    int
	ActiveFacts      int
}
