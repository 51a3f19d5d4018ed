package memory

import (
	"context"
	"fmt"
	"math/rand"
	"regexp"
	"strings"
	"time"

	"github.com/charmbracelet/log"

	"github.com/HuanCheng65/mio/pkg/model"
)

var (
	symbolOnlyRegex = regexp.MustCompile(`^[\p{P}\p{S}\s]+$`)
	idPrefixRegex   = regexp.MustCompile(`^(?:@|user:|qq:)`)
)

const (
	spamEmptyRatio = 0.60
	spamDupeRatio  = 0.70
)

// ExtractorConfig bounds chunking and selection behavior.
type ExtractorConfig struct {
	MaxChunkSize   int
	IdleGap        time.Duration
	SampleRate     float64
	KeywordDensity float64
	TopicKeywords  []string
}

// Extractor segments message streams, filters spam, selects chunks worth a
// model call, and validates the candidate observations that come back.
type Extractor struct {
	client model.Client
	logger *log.Logger
	cfg    ExtractorConfig
	rng    *rand.Rand
}

func NewExtractor(client model.Client, logger *log.Logger, cfg ExtractorConfig) *Extractor {
	if cfg.MaxChunkSize <= 0 {
		cfg.MaxChunkSize = 40
	}
	if cfg.IdleGap <= 0 {
		cfg.IdleGap = 20 * time.Minute
	}
	if cfg.SampleRate <= 0 {
		cfg.SampleRate = 0.33
	}
	if cfg.KeywordDensity <= 0 {
		cfg.KeywordDensity = 0.12
	}
	return &Extractor{
		client: client,
		logger: logger,
		cfg:    cfg,
		rng:    rand.New(rand.NewSource(time.Now().UnixNano())),
	}
}

// chunkMessages partitions an ordered stream by the hard size cap and the
// idle-gap rule, whichever triggers first.
func chunkMessages(msgs []Message, maxSize int, idleGap time.Duration) [][]Message {
	if len(msgs) == 0 {
		return nil
	}
	chunks := [][]Message{}
	current := []Message{msgs[0]}
	for _, msg := range msgs[1:] {
		prev := current[len(current)-1]
		if len(current) >= maxSize || msg.SentAt.Sub(prev.SentAt) >= idleGap {
			chunks = append(chunks, current)
			current = []Message{msg}
			continue
		}
		current = append(current, msg)
	}
	return append(chunks, current)
}

// isSpamChunk discards chunks dominated by near-empty or near-duplicate
// messages.
func isSpamChunk(chunk []Message) bool {
	if len(chunk) == 0 {
		return true
	}
	nearEmpty := 0
	counts := map[string]int{}
	dupes := 0
	for _, msg := range chunk {
		content := strings.TrimSpace(msg.Content)
		if len([]rune(content)) <= 3 || symbolOnlyRegex.MatchString(content) {
			nearEmpty++
		}
		norm := normalizeMessage(content)
		counts[norm]++
		if counts[norm] > 1 {
			dupes++
		}
	}
	total := float64(len(chunk))
	if float64(nearEmpty)/total > spamEmptyRatio {
		return true
	}
	return float64(dupes)/total > spamDupeRatio
}

func normalizeMessage(content string) string {
	content = strings.ToLower(strings.TrimSpace(content))
	return strings.Join(strings.Fields(content), " ")
}

// shouldExtractChunk selects chunks for the model call: persona involvement
// always wins, keyword-dense chunks are taken opportunistically, and the
// remainder is sampled to bound model cost while keeping coverage.
func (e *Extractor) shouldExtractChunk(chunk []Message, personaID, personaName string) bool {
	for _, msg := range chunk {
		if msg.SenderID == personaID {
			return true
		}
		if personaName != "" && strings.Contains(msg.Content, personaName) {
			return true
		}
		for _, mention := range msg.MentionIDs {
			if mention == personaID {
				return true
			}
		}
	}
	if e.keywordDensity(chunk) >= e.cfg.KeywordDensity {
		return true
	}
	return e.rng.Float64() < e.cfg.SampleRate
}

func (e *Extractor) keywordDensity(chunk []Message) float64 {
	if len(e.cfg.TopicKeywords) == 0 || len(chunk) == 0 {
		return 0
	}
	hits := 0
	for _, msg := range chunk {
		lower := strings.ToLower(msg.Content)
		for _, kw := range e.cfg.TopicKeywords {
			if kw != "" && strings.Contains(lower, strings.ToLower(kw)) {
				hits++
				break
			}
		}
	}
	return float64(hits) / float64(len(chunk))
}

// ExtractMessages runs the full pipeline over a message stream: chunk, filter,
// select, call the model per selected chunk, and validate results. Per-chunk
// model failures degrade to skipping that chunk.
func (e *Extractor) ExtractMessages(ctx context.Context, communityID string, msgs []Message, personaID, personaName string) (ExtractionResult, ChunkStats, error) {
	stats := ChunkStats{}
	merged := ExtractionResult{}

	for _, chunk := range chunkMessages(msgs, e.cfg.MaxChunkSize, e.cfg.IdleGap) {
		stats.Total++
		if isSpamChunk(chunk) {
			stats.Spam++
			continue
		}
		if !e.shouldExtractChunk(chunk, personaID, personaName) {
			continue
		}
		stats.Selected++

		result, err := e.extractChunk(ctx, communityID, chunk, personaID, personaName)
		if err != nil {
			e.logger.Warn("chunk extraction failed, skipping chunk",
				"community", communityID, "messages", len(chunk), "err", err)
			continue
		}
		merged.Episodes = append(merged.Episodes, result.Episodes...)
		merged.Relational = append(merged.Relational, result.Relational...)
		merged.Vibes = append(merged.Vibes, result.Vibes...)
		merged.Names = append(merged.Names, result.Names...)
		merged.Facts = append(merged.Facts, result.Facts...)
	}
	return merged, stats, nil
}

// ChunkStats reports selection behavior for one extraction run.
type ChunkStats struct {
	Total    int
	Spam     int
	Selected int
}

func (e *Extractor) extractChunk(ctx context.Context, communityID string, chunk []Message, personaID, personaName string) (ExtractionResult, error) {
	raw, err := e.client.Complete(ctx, extractionSystemPrompt(personaName), buildTranscript(chunk))
	if err != nil {
		return ExtractionResult{}, err
	}

	var payload extractionPayload
	if err := model.Unmarshal(raw, &payload); err != nil {
		return ExtractionResult{}, err
	}

	known := knownParticipants(chunk)
	return e.validate(payload, communityID, known, personaID, chunk), nil
}

// ExtractDirect is the single-call variant for small ad hoc batches. It skips
// chunk-level filtering and selection but still normalizes the output.
func (e *Extractor) ExtractDirect(ctx context.Context, communityID string, msgs []Message, personaID, personaName string) (ExtractionResult, error) {
	if len(msgs) == 0 {
		return ExtractionResult{}, nil
	}
	raw, err := e.client.Complete(ctx, extractionSystemPrompt(personaName), buildTranscript(msgs))
	if err != nil {
		return ExtractionResult{}, err
	}
	var payload extractionPayload
	if err := model.Unmarshal(raw, &payload); err != nil {
		return ExtractionResult{}, err
	}
	return e.validate(payload, communityID, knownParticipants(msgs), personaID, msgs), nil
}

// extractionPayload is the documented model-output schema. Anything the model
// returns outside this shape is ignored.
type extractionPayload struct {
	Episodes []struct {
		Summary      string   `json:"summary"`
		Participants []string `json:"participants"`
		Tags         []string `json:"tags"`
		Importance   float64  `json:"importance"`
		Valence      float64  `json:"valence"`
		Intensity    float64  `json:"intensity"`
		Involvement  string   `json:"involvement"`
	} `json:"episodes"`
	Relations []struct {
		Person     string `json:"person"`
		Impression string `json:"impression"`
	} `json:"relations"`
	Vibes []struct {
		Person string `json:"person"`
		Mood   string `json:"mood"`
	} `json:"vibes"`
	Names []struct {
		Person string `json:"person"`
		Name   string `json:"name"`
	} `json:"names"`
	Facts []struct {
		Subject    string  `json:"subject"` // participant id, or "community"
		FactType   string  `json:"fact_type"`
		Content    string  `json:"content"`
		Confidence float64 `json:"confidence"`
	} `json:"facts"`
}

type participantTable struct {
	ids    map[string]struct{}
	byName map[string]string
}

func knownParticipants(chunk []Message) participantTable {
	t := participantTable{
		ids:    map[string]struct{}{},
		byName: map[string]string{},
	}
	for _, msg := range chunk {
		t.ids[msg.SenderID] = struct{}{}
		if name := strings.TrimSpace(msg.SenderName); name != "" {
			t.byName[strings.ToLower(name)] = msg.SenderID
		}
		for _, mention := range msg.MentionIDs {
			t.ids[mention] = struct{}{}
		}
	}
	return t
}

// resolve maps a model-emitted participant reference to a known id: strip
// spurious prefixes, accept exact ids, then fall back to the chunk's name
// table. Unknown references resolve to "".
func (t participantTable) resolve(ref, personaID string) string {
	ref = strings.TrimSpace(idPrefixRegex.ReplaceAllString(strings.TrimSpace(ref), ""))
	if ref == "" {
		return ""
	}
	lower := strings.ToLower(ref)
	if lower == "me" || lower == "self" || ref == personaID {
		return personaID
	}
	if _, ok := t.ids[ref]; ok {
		return ref
	}
	if id, ok := t.byName[lower]; ok {
		return id
	}
	return ""
}

func (e *Extractor) validate(payload extractionPayload, communityID string, known participantTable, personaID string, chunk []Message) ExtractionResult {
	eventAt := time.Now().UnixMilli()
	if len(chunk) > 0 {
		eventAt = chunk[len(chunk)-1].SentAt.UnixMilli()
	}

	out := ExtractionResult{}
	for _, ep := range payload.Episodes {
		summary := strings.TrimSpace(ep.Summary)
		if summary == "" {
			continue
		}
		participants := []string{}
		for _, ref := range ep.Participants {
			id := known.resolve(ref, personaID)
			if id == "" {
				e.logger.Warn("dropping unknown participant reference",
					"community", communityID, "ref", ref)
				continue
			}
			participants = append(participants, id)
		}
		involvement := Involvement(strings.ToLower(strings.TrimSpace(ep.Involvement)))
		switch involvement {
		case InvolvementActive, InvolvementObserver, InvolvementMentioned:
		default:
			involvement = InvolvementObserver
		}
		out.Episodes = append(out.Episodes, EpisodicMemory{
			CommunityID:    communityID,
			Summary:        summary,
			ParticipantIDs: participants,
			Tags:           cleanTags(ep.Tags),
			Importance:     model.Clamp(ep.Importance, 0, 1),
			Valence:        model.Clamp(ep.Valence, -1, 1),
			Intensity:      model.Clamp(ep.Intensity, 0, 1),
			Involvement:    involvement,
			EventAtMS:      eventAt,
		})
	}

	for _, rel := range payload.Relations {
		id := known.resolve(rel.Person, personaID)
		impression := strings.TrimSpace(rel.Impression)
		if id == "" || id == personaID || impression == "" {
			continue
		}
		out.Relational = append(out.Relational, RelationalObservation{
			PersonID:   id,
			Impression: impression,
		})
	}

	for _, vibe := range payload.Vibes {
		id := known.resolve(vibe.Person, personaID)
		mood := strings.TrimSpace(vibe.Mood)
		if id == "" || mood == "" {
			continue
		}
		out.Vibes = append(out.Vibes, VibeObservation{PersonID: id, Mood: mood})
	}

	for _, name := range payload.Names {
		id := known.resolve(name.Person, personaID)
		n := strings.TrimSpace(name.Name)
		if id == "" || n == "" {
			continue
		}
		out.Names = append(out.Names, NameSighting{PersonID: id, Name: n})
	}

	for _, fact := range payload.Facts {
		content := strings.TrimSpace(fact.Content)
		if content == "" {
			continue
		}
		obs := FactObservation{
			FactType:   strings.TrimSpace(fact.FactType),
			Content:    content,
			Confidence: model.Clamp(fact.Confidence, 0, 1),
		}
		if strings.EqualFold(strings.TrimSpace(fact.Subject), "community") {
			obs.SubjectType = SubjectCommunity
			obs.SubjectID = communityID
		} else {
			id := known.resolve(fact.Subject, personaID)
			if id == "" {
				e.logger.Warn("dropping fact with unknown subject",
					"community", communityID, "subject", fact.Subject)
				continue
			}
			obs.SubjectType = SubjectPerson
			obs.SubjectID = id
		}
		out.Facts = append(out.Facts, obs)
	}
	return out
}

func cleanTags(tags []string) []string {
	out := make([]string, 0, len(tags))
	seen := map[string]struct{}{}
	for _, tag := range tags {
		tag = strings.TrimSpace(tag)
		if tag == "" {
			continue
		}
		if _, ok := seen[tag]; ok {
			continue
		}
		seen[tag] = struct{}{}
		out = append(out, tag)
	}
	return out
}

func buildTranscript(msgs []Message) string {
	var b strings.Builder
	b.WriteString("Participants:\n")
	seen := map[string]struct{}{}
	for _, msg := range msgs {
		if _, ok := seen[msg.SenderID]; ok {
			continue
		}
		seen[msg.SenderID] = struct{}{}
		fmt.Fprintf(&b, "- %s (%s)\n", msg.SenderName, msg.SenderID)
	}
	b.WriteString("\nTranscript:\n")
	for _, msg := range msgs {
		fmt.Fprintf(&b, "[%s] %s(%s): %s\n",
			msg.SentAt.Format("15:04"), msg.SenderName, msg.SenderID, msg.Content)
	}
	return b.String()
}

func extractionSystemPrompt(personaName string) string {
	return fmt.Sprintf(`You are the memory of %s, a group-chat participant.
Read the transcript and extract what %s would remember. Respond with exactly
one JSON object:
{
  "episodes": [{"summary": "first-person summary", "participants": ["id"],
    "tags": ["topic"], "importance": 0.0, "valence": 0.0, "intensity": 0.0,
    "involvement": "active|observer|mentioned"}],
  "relations": [{"person": "id", "impression": "short note"}],
  "vibes": [{"person": "id", "mood": "short mood tag"}],
  "names": [{"person": "id", "name": "what they were called"}],
  "facts": [{"subject": "id or community", "fact_type": "short type",
    "content": "stable first-person belief", "confidence": 0.0}]
}
Use participant ids from the participant list. Emit empty arrays when there is
nothing worth remembering.`, personaName, personaName)
}
