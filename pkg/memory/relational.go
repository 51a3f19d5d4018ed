package memory

import (
	"context"
	"fmt"
	"sort"
	"strings"
	"time"
)

// Tier upgrade gates: minimum interactions and distinct active days before a
// person can climb one step. Indexed by the rank being left.
var tierUpgradeGates = []struct {
	interactions int
	activeDays   int
}{
	{interactions: 5, activeDays: 2},   // stranger -> acquaintance
	{interactions: 25, activeDays: 7},  // acquaintance -> familiar
	{interactions: 80, activeDays: 21}, // familiar -> close
}

const maxShortImpressionRunes = 200

// RelationalManager owns per-(community, person) impression state.
type RelationalManager struct {
	store Store
}

func NewRelationalManager(store Store) *RelationalManager {
	return &RelationalManager{store: store}
}

// RecordInteraction bumps counters for a person seen in the stream, creating
// the row on first observation. Upgrades happen here, one adjacent step at a
// time, once sustained-interaction gates are met.
func (m *RelationalManager) RecordInteraction(ctx context.Context, communityID, personID, displayName string, at time.Time) error {
	rel, ok, err := m.store.GetRelational(ctx, communityID, personID)
	if err != nil {
		return err
	}
	nowMS := at.UnixMilli()
	if !ok {
		rel = RelationalMemory{
			CommunityID: communityID,
			PersonID:    personID,
			Closeness:   ClosenessStranger,
			CreatedAtMS: nowMS,
		}
	}

	if displayName != "" {
		rel.DisplayName = displayName
	}
	if !sameDayMS(rel.LastInteractionMS, nowMS) {
		rel.ActiveDays++
	}
	rel.InteractionCount++
	rel.LastInteractionMS = nowMS

	if next, ok := m.upgradeEligible(rel); ok {
		rel.Closeness = next
	}
	return m.store.UpsertRelational(ctx, rel)
}

func (m *RelationalManager) upgradeEligible(rel RelationalMemory) (Closeness, bool) {
	rank := closenessRank(rel.Closeness)
	if rank >= len(tierUpgradeGates) {
		return rel.Closeness, false
	}
	gate := tierUpgradeGates[rank]
	if rel.InteractionCount >= gate.interactions && rel.ActiveDays >= gate.activeDays {
		return NextCloseness(rel.Closeness), true
	}
	return rel.Closeness, false
}

// ApplyObservation folds one extraction-pipeline relational note into the
// short-term impression, appending bounded evidence rather than rewriting.
func (m *RelationalManager) ApplyObservation(ctx context.Context, communityID string, obs RelationalObservation, at time.Time) error {
	rel, ok, err := m.store.GetRelational(ctx, communityID, obs.PersonID)
	if err != nil {
		return err
	}
	nowMS := at.UnixMilli()
	if !ok {
		rel = RelationalMemory{
			CommunityID: communityID,
			PersonID:    obs.PersonID,
			Closeness:   ClosenessStranger,
			CreatedAtMS: nowMS,
		}
	}
	rel.ShortImpression = appendImpression(rel.ShortImpression, obs.Impression)
	rel.ShortUpdatedMS = nowMS
	return m.store.UpsertRelational(ctx, rel)
}

// RecordNameSighting counts a name reference and re-resolves the preferred
// name as the most-observed one.
func (m *RelationalManager) RecordNameSighting(ctx context.Context, communityID string, sighting NameSighting, at time.Time) error {
	rel, ok, err := m.store.GetRelational(ctx, communityID, sighting.PersonID)
	if err != nil {
		return err
	}
	if !ok {
		rel = RelationalMemory{
			CommunityID: communityID,
			PersonID:    sighting.PersonID,
			Closeness:   ClosenessStranger,
			CreatedAtMS: at.UnixMilli(),
		}
	}

	found := false
	for i := range rel.NameObservations {
		if rel.NameObservations[i].Name == sighting.Name {
			rel.NameObservations[i].Count++
			found = true
			break
		}
	}
	if !found {
		rel.NameObservations = append(rel.NameObservations, NameObservation{Name: sighting.Name, Count: 1})
	}
	rel.PreferredName = preferredName(rel.NameObservations, rel.DisplayName)
	return m.store.UpsertRelational(ctx, rel)
}

func preferredName(obs []NameObservation, fallback string) string {
	best := fallback
	bestCount := 0
	for _, o := range obs {
		if o.Count > bestCount {
			best = o.Name
			bestCount = o.Count
		}
	}
	return best
}

// DowngradeIfSilent steps the tier down exactly one level when the person has
// been silent past the threshold, at most once per distillation cycle. Tiers
// never skip in either direction.
func (m *RelationalManager) DowngradeIfSilent(ctx context.Context, rel RelationalMemory, now time.Time, silence time.Duration) (RelationalMemory, bool, error) {
	if rel.Closeness == ClosenessStranger || rel.LastInteractionMS == 0 {
		return rel, false, nil
	}
	if now.Sub(time.UnixMilli(rel.LastInteractionMS)) < silence {
		return rel, false, nil
	}
	rel.Closeness = PrevCloseness(rel.Closeness)
	// Reset the sustained-interaction evidence so a single message does not
	// immediately climb back.
	rel.ActiveDays = 0
	if err := m.store.UpsertRelational(ctx, rel); err != nil {
		return rel, false, err
	}
	return rel, true, nil
}

// ProfileDigest renders a human-readable relational profile for the prompt
// layer, covering the named participants.
func (m *RelationalManager) ProfileDigest(ctx context.Context, communityID string, personIDs []string, vibes *VibeCache) (string, error) {
	var b strings.Builder
	for _, personID := range personIDs {
		rel, ok, err := m.store.GetRelational(ctx, communityID, personID)
		if err != nil {
			return "", err
		}
		if !ok {
			continue
		}
		name := rel.PreferredName
		if name == "" {
			name = rel.DisplayName
		}
		if name == "" {
			name = rel.PersonID
		}
		fmt.Fprintf(&b, "%s (%s", name, rel.Closeness)
		if mood, ok := vibes.Get(communityID, personID); ok {
			fmt.Fprintf(&b, ", right now: %s", mood)
		}
		b.WriteString(")")
		if rel.CoreImpression != "" {
			fmt.Fprintf(&b, "\n  %s", rel.CoreImpression)
		}
		if rel.ShortImpression != "" {
			fmt.Fprintf(&b, "\n  recently: %s", rel.ShortImpression)
		}
		b.WriteString("\n")
	}
	return strings.TrimSpace(b.String()), nil
}

// RecentlyActive lists people in a community who interacted within the
// window, most recent first.
func (m *RelationalManager) RecentlyActive(ctx context.Context, communityID string, since time.Time) ([]RelationalMemory, error) {
	all, err := m.store.ListRelational(ctx, communityID)
	if err != nil {
		return nil, err
	}
	out := make([]RelationalMemory, 0, len(all))
	for _, rel := range all {
		if rel.LastInteractionMS >= since.UnixMilli() {
			out = append(out, rel)
		}
	}
	sort.SliceStable(out, func(i, j int) bool {
		return out[i].LastInteractionMS > out[j].LastInteractionMS
	})
	return out, nil
}

func appendImpression(existing, note string) string {
	note = strings.TrimSpace(note)
	if note == "" {
		return existing
	}
	combined := note
	if existing != "" {
		combined = existing + "；" + note
	}
	runes := []rune(combined)
	if len(runes) > maxShortImpressionRunes {
		combined = string(runes[len(runes)-maxShortImpressionRunes:])
	}
	return combined
}

func sameDayMS(aMS, bMS int64) bool {
	if aMS == 0 {
		return false
	}
	a := time.UnixMilli(aMS)
	b := time.UnixMilli(bMS)
	ay, am, ad := a.Date()
	by, bm, bd := b.Date()
	return ay == by && am == bm && ad == bd
}
