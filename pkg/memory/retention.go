package memory

import "time"

// RetentionConfig controls archival and eviction.
type RetentionConfig struct {
	Window            time.Duration // episodes older than this are archived outright
	HalfLife          time.Duration // recency decay half-life in the retention score
	Floor             float64       // archive below this score
	CommunityCapacity int           // max active episodes per community
}

const (
	retentionImportanceWeight = 0.45
	retentionRecencyWeight    = 0.35
	retentionAccessWeight     = 0.20
	retentionAccessBonusCap   = 5
)

// retentionScore blends importance, recency decay, and an access bonus. For
// equal importance and access history, an older event never scores above a
// newer one.
func retentionScore(ep EpisodicMemory, now time.Time, halfLife time.Duration) float64 {
	recency := decayWeight(now.UnixMilli(), ep.EventAtMS, halfLife)
	access := float64(ep.AccessCount) / retentionAccessBonusCap
	if access > 1 {
		access = 1
	}
	return retentionImportanceWeight*ep.Importance +
		retentionRecencyWeight*recency +
		retentionAccessWeight*access
}
