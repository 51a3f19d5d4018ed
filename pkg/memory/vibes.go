package memory

import (
	"strings"
	"time"

	"github.com/hashicorp/golang-lru/v2/expirable"
)

// VibeCache holds ephemeral per-(community, person) mood reads. Entries live
// for hours and are never persisted; they are purely additive read-path
// context.
type VibeCache struct {
	cache *expirable.LRU[string, string]
}

func NewVibeCache(size int, ttl time.Duration) *VibeCache {
	if size <= 0 {
		size = 2048
	}
	if ttl <= 0 {
		ttl = 4 * time.Hour
	}
	return &VibeCache{
		cache: expirable.NewLRU[string, string](size, nil, ttl),
	}
}

func (v *VibeCache) Set(communityID, personID, mood string) {
	mood = strings.TrimSpace(mood)
	if mood == "" {
		return
	}
	v.cache.Add(vibeKey(communityID, personID), mood)
}

func (v *VibeCache) Get(communityID, personID string) (string, bool) {
	return v.cache.Get(vibeKey(communityID, personID))
}

func vibeKey(communityID, personID string) string {
	return communityID + "|" + personID
}
