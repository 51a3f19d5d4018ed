package memory

import (
	"context"
	"fmt"
	"strings"
	"testing"
	"time"
)

func msgAt(id, sender, name, content string, at time.Time) Message {
	return Message{ID: id, SenderID: sender, SenderName: name, Content: content, SentAt: at}
}

func TestChunkMessagesBySizeAndIdleGap(t *testing.T) {
	base := time.Now()
	msgs := []Message{}
	for i := 0; i < 5; i++ {
		msgs = append(msgs, msgAt(fmt.Sprintf("m%d", i), "u1", "A", "hello", base.Add(time.Duration(i)*time.Minute)))
	}
	// A long silence before the last message forces a break regardless of size.
	msgs = append(msgs, msgAt("m5", "u1", "A", "回来了", base.Add(2*time.Hour)))

	chunks := chunkMessages(msgs, 3, 20*time.Minute)
	if len(chunks) != 3 {
		t.Fatalf("chunks=%d, want 3", len(chunks))
	}
	if len(chunks[0]) != 3 || len(chunks[1]) != 2 || len(chunks[2]) != 1 {
		t.Fatalf("chunk sizes %d/%d/%d, want 3/2/1", len(chunks[0]), len(chunks[1]), len(chunks[2]))
	}
}

func TestSpamChunkNearEmpty(t *testing.T) {
	base := time.Now()
	chunk := []Message{}
	for i := 0; i < 8; i++ {
		chunk = append(chunk, msgAt(fmt.Sprintf("m%d", i), fmt.Sprintf("u%d", i), "A", "草", base))
	}
	if !isSpamChunk(chunk) {
		t.Fatalf("8x single-character chunk should be spam")
	}
}

func TestSpamChunkNearDuplicate(t *testing.T) {
	base := time.Now()
	chunk := []Message{}
	for i := 0; i < 10; i++ {
		chunk = append(chunk, msgAt(fmt.Sprintf("m%d", i), "u1", "A", "哈哈哈哈哈哈", base))
	}
	if !isSpamChunk(chunk) {
		t.Fatalf("copy-pasted chunk should be spam")
	}
}

func TestNormalChunkIsNotSpam(t *testing.T) {
	base := time.Now()
	chunk := []Message{
		msgAt("m1", "u1", "A", "周末有人想去爬山吗", base),
		msgAt("m2", "u2", "B", "我想去，几点集合", base),
		msgAt("m3", "u3", "C", "我上次去的那条线路不错", base),
	}
	if isSpamChunk(chunk) {
		t.Fatalf("conversation chunk flagged as spam")
	}
}

func TestChunkSelectionFavorsPersona(t *testing.T) {
	e := NewExtractor(&fakeClient{}, quietLogger(), ExtractorConfig{SampleRate: 0.0001})
	base := time.Now()

	spoke := []Message{msgAt("m1", "mio", "mio", "我来啦", base)}
	if !e.shouldExtractChunk(spoke, "mio", "mio") {
		t.Fatalf("persona speaking must select the chunk")
	}

	named := []Message{msgAt("m1", "u1", "A", "mio怎么看", base)}
	if !e.shouldExtractChunk(named, "mio", "mio") {
		t.Fatalf("persona named must select the chunk")
	}

	mentioned := []Message{{ID: "m1", SenderID: "u1", SenderName: "A", Content: "在吗", SentAt: base, MentionIDs: []string{"mio"}}}
	if !e.shouldExtractChunk(mentioned, "mio", "mio") {
		t.Fatalf("persona mention must select the chunk")
	}
}

func TestKeywordDensitySelection(t *testing.T) {
	e := NewExtractor(&fakeClient{}, quietLogger(), ExtractorConfig{
		SampleRate:     0.0001,
		KeywordDensity: 0.5,
		TopicKeywords:  []string{"爬山"},
	})
	base := time.Now()
	dense := []Message{
		msgAt("m1", "u1", "A", "爬山走不走", base),
		msgAt("m2", "u2", "B", "爬山可以", base),
	}
	if !e.shouldExtractChunk(dense, "mio", "mio") {
		t.Fatalf("keyword-dense chunk must be selected")
	}
}

func TestResolveParticipantReferences(t *testing.T) {
	base := time.Now()
	known := knownParticipants([]Message{
		msgAt("m1", "10001", "老张", "hi", base),
		{ID: "m2", SenderID: "10002", SenderName: "小李", Content: "hi", SentAt: base, MentionIDs: []string{"10003"}},
	})

	cases := []struct {
		ref  string
		want string
	}{
		{"10001", "10001"},
		{"@10001", "10001"},
		{"user:10002", "10002"},
		{"老张", "10001"},
		{"10003", "10003"}, // known via mention
		{"me", "mio"},
		{"self", "mio"},
		{"路人甲", ""},
	}
	for _, c := range cases {
		if got := known.resolve(c.ref, "mio"); got != c.want {
			t.Fatalf("resolve(%q)=%q, want %q", c.ref, got, c.want)
		}
	}
}

func TestExtractMessagesValidatesModelOutput(t *testing.T) {
	resp := "```json\n" + `{
		"episodes": [
			{"summary": "大家约了周末爬山", "participants": ["10001", "ghost"], "tags": ["爬山"],
			 "importance": 1.7, "valence": 0.5, "intensity": 0.4, "involvement": "weird"}
		],
		"relations": [{"person": "10001", "impression": "很热心"}],
		"vibes": [{"person": "10001", "mood": "兴奋"}],
		"names": [{"person": "10001", "name": "张哥"}],
		"facts": [
			{"subject": "10001", "fact_type": "hobby", "content": "喜欢爬山", "confidence": 0.8},
			{"subject": "community", "fact_type": "ritual", "content": "周末常约户外", "confidence": 0.6},
			{"subject": "nobody", "fact_type": "x", "content": "丢弃", "confidence": 0.9}
		]
	}` + "\n```"
	e := NewExtractor(&fakeClient{resp: resp}, quietLogger(), ExtractorConfig{})

	base := time.Now()
	msgs := []Message{
		msgAt("m1", "10001", "老张", "周末爬山走不走 mio", base),
		msgAt("m2", "10002", "小李", "可以啊", base.Add(time.Minute)),
	}
	result, stats, err := e.ExtractMessages(context.Background(), "c1", msgs, "mio", "mio")
	if err != nil {
		t.Fatalf("extract: %v", err)
	}
	if stats.Total != 1 || stats.Selected != 1 {
		t.Fatalf("stats=%+v, want one selected chunk", stats)
	}
	if len(result.Episodes) != 1 {
		t.Fatalf("episodes=%d, want 1", len(result.Episodes))
	}

	ep := result.Episodes[0]
	if ep.Importance != 1 {
		t.Fatalf("importance=%v, want clamped to 1", ep.Importance)
	}
	if ep.Involvement != InvolvementObserver {
		t.Fatalf("involvement=%q, want observer fallback", ep.Involvement)
	}
	if len(ep.ParticipantIDs) != 1 || ep.ParticipantIDs[0] != "10001" {
		t.Fatalf("participants=%v, want unknown refs dropped", ep.ParticipantIDs)
	}
	if ep.EventAtMS != msgs[1].SentAt.UnixMilli() {
		t.Fatalf("event time must come from the last chunk message")
	}

	if len(result.Relational) != 1 || result.Relational[0].PersonID != "10001" {
		t.Fatalf("relational=%v", result.Relational)
	}
	if len(result.Vibes) != 1 || result.Vibes[0].Mood != "兴奋" {
		t.Fatalf("vibes=%v", result.Vibes)
	}
	if len(result.Names) != 1 || result.Names[0].Name != "张哥" {
		t.Fatalf("names=%v", result.Names)
	}
	if len(result.Facts) != 2 {
		t.Fatalf("facts=%d, want 2 (unknown subject dropped)", len(result.Facts))
	}
	if result.Facts[1].SubjectType != SubjectCommunity || result.Facts[1].SubjectID != "c1" {
		t.Fatalf("community fact=%+v", result.Facts[1])
	}
}

func TestExtractMessagesSkipsFailingChunks(t *testing.T) {
	e := NewExtractor(&fakeClient{resp: "not json at all"}, quietLogger(), ExtractorConfig{})
	base := time.Now()
	msgs := []Message{msgAt("m1", "mio", "mio", "今天好累", base)}

	result, stats, err := e.ExtractMessages(context.Background(), "c1", msgs, "mio", "mio")
	if err != nil {
		t.Fatalf("extract: %v", err)
	}
	if stats.Selected != 1 {
		t.Fatalf("stats=%+v", stats)
	}
	if !result.empty() {
		t.Fatalf("unparseable chunk must contribute nothing, got %+v", result)
	}
}

func TestBuildTranscriptListsParticipantsOnce(t *testing.T) {
	base := time.Now()
	out := buildTranscript([]Message{
		msgAt("m1", "u1", "A", "一", base),
		msgAt("m2", "u1", "A", "二", base),
		msgAt("m3", "u2", "B", "三", base),
	})
	if strings.Count(out, "- A (u1)") != 1 {
		t.Fatalf("participant listed more than once:\n%s", out)
	}
	if !strings.Contains(out, "B(u2): 三") {
		t.Fatalf("missing message line:\n%s", out)
	}
}
