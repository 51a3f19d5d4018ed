package memory

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"

	_ "modernc.org/sqlite"
)

// ErrNotFound reports a missing row on direct id lookups.
var ErrNotFound = errors.New("memory: record not found")

// SQLiteStore is the canonical persistent binding of Store.
type SQLiteStore struct {
	db *sql.DB
}

// NewSQLiteStore creates/opens the memory database at path.
func NewSQLiteStore(path string) (*SQLiteStore, error) {
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return nil, fmt.Errorf("create memory db dir: %w", err)
	}

	db, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, fmt.Errorf("open sqlite db: %w", err)
	}
	// Single-process memory service. One shared connection avoids writer lock
	// contention with SQLite under concurrent goroutines.
	db.SetMaxOpenConns(1)
	db.SetMaxIdleConns(1)

	store := &SQLiteStore{db: db}
	if err := store.init(); err != nil {
		_ = db.Close()
		return nil, err
	}
	return store, nil
}

func (s *SQLiteStore) Close() error {
	if s == nil || s.db == nil {
		return nil
	}
	return s.db.Close()
}

func (s *SQLiteStore) init() error {
	stmts := []string{
		`PRAGMA journal_mode=WAL;`,
		`PRAGMA synchronous=NORMAL;`,
		`PRAGMA temp_store=MEMORY;`,
		`PRAGMA busy_timeout=5000;`,
		`CREATE TABLE IF NOT EXISTS episodic_memories (
			id TEXT PRIMARY KEY,
			community_id TEXT NOT NULL,
			summary TEXT NOT NULL,
			participant_ids_json TEXT NOT NULL DEFAULT '[]',
			tags_json TEXT NOT NULL DEFAULT '[]',
			embedding_json TEXT NOT NULL DEFAULT '',
			importance REAL NOT NULL DEFAULT 0,
			valence REAL NOT NULL DEFAULT 0,
			intensity REAL NOT NULL DEFAULT 0,
			involvement TEXT NOT NULL DEFAULT 'observer',
			event_at_ms INTEGER NOT NULL,
			archived INTEGER NOT NULL DEFAULT 0,
			access_count INTEGER NOT NULL DEFAULT 0,
			last_access_ms INTEGER NOT NULL DEFAULT 0,
			created_at_ms INTEGER NOT NULL
		);`,
		`CREATE INDEX IF NOT EXISTS episodic_community_active_idx
			ON episodic_memories(community_id, archived, event_at_ms DESC);`,
		`CREATE TABLE IF NOT EXISTS relational_memories (
			community_id TEXT NOT NULL,
			person_id TEXT NOT NULL,
			display_name TEXT NOT NULL DEFAULT '',
			short_impression TEXT NOT NULL DEFAULT '',
			short_updated_ms INTEGER NOT NULL DEFAULT 0,
			core_impression TEXT NOT NULL DEFAULT '',
			core_updated_ms INTEGER NOT NULL DEFAULT 0,
			closeness TEXT NOT NULL DEFAULT 'stranger',
			interaction_count INTEGER NOT NULL DEFAULT 0,
			active_days INTEGER NOT NULL DEFAULT 0,
			last_interaction_ms INTEGER NOT NULL DEFAULT 0,
			name_observations_json TEXT NOT NULL DEFAULT '[]',
			preferred_name TEXT NOT NULL DEFAULT '',
			created_at_ms INTEGER NOT NULL,
			PRIMARY KEY(community_id, person_id)
		);`,
		`CREATE INDEX IF NOT EXISTS relational_last_interaction_idx
			ON relational_memories(community_id, last_interaction_ms DESC);`,
		`CREATE TABLE IF NOT EXISTS semantic_facts (
			id TEXT PRIMARY KEY,
			community_id TEXT NOT NULL,
			subject_type TEXT NOT NULL,
			subject_id TEXT NOT NULL,
			fact_type TEXT NOT NULL,
			content TEXT NOT NULL,
			embedding_json TEXT NOT NULL DEFAULT '',
			confidence REAL NOT NULL DEFAULT 0,
			source_episode_ids_json TEXT NOT NULL DEFAULT '[]',
			first_observed_ms INTEGER NOT NULL,
			last_confirmed_ms INTEGER NOT NULL,
			superseded_by TEXT NOT NULL DEFAULT ''
		);`,
		`CREATE INDEX IF NOT EXISTS semantic_subject_idx
			ON semantic_facts(community_id, subject_type, subject_id, superseded_by);`,
	}
	for _, stmt := range stmts {
		if _, err := s.db.Exec(stmt); err != nil {
			return fmt.Errorf("init schema: %w", err)
		}
	}
	return nil
}

func marshalJSON(v any) string {
	data, err := json.Marshal(v)
	if err != nil {
		return "[]"
	}
	return string(data)
}

func unmarshalStrings(raw string) []string {
	if strings.TrimSpace(raw) == "" {
		return nil
	}
	var out []string
	if err := json.Unmarshal([]byte(raw), &out); err != nil {
		return nil
	}
	return out
}

func marshalVector(vec []float32) string {
	if len(vec) == 0 {
		return ""
	}
	return marshalJSON(vec)
}

func unmarshalVector(raw string) []float32 {
	if strings.TrimSpace(raw) == "" {
		return nil
	}
	var out []float32
	if err := json.Unmarshal([]byte(raw), &out); err != nil {
		return nil
	}
	return out
}

func (s *SQLiteStore) CreateEpisode(ctx context.Context, ep EpisodicMemory) error {
	_, err := s.db.ExecContext(ctx, `INSERT INTO episodic_memories
		(id, community_id, summary, participant_ids_json, tags_json, embedding_json,
		 importance, valence, intensity, involvement, event_at_ms, archived,
		 access_count, last_access_ms, created_at_ms)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		ep.ID, ep.CommunityID, ep.Summary,
		marshalJSON(ep.ParticipantIDs), marshalJSON(ep.Tags), marshalVector(ep.Embedding),
		ep.Importance, ep.Valence, ep.Intensity, string(ep.Involvement),
		ep.EventAtMS, boolToInt(ep.Archived), ep.AccessCount, ep.LastAccessMS, ep.CreatedAtMS)
	if err != nil {
		return fmt.Errorf("create episode: %w", err)
	}
	return nil
}

const episodeColumns = `id, community_id, summary, participant_ids_json, tags_json,
	embedding_json, importance, valence, intensity, involvement, event_at_ms,
	archived, access_count, last_access_ms, created_at_ms`

func scanEpisode(row interface{ Scan(...any) error }) (EpisodicMemory, error) {
	var ep EpisodicMemory
	var participants, tags, vec, involvement string
	var archived int
	err := row.Scan(&ep.ID, &ep.CommunityID, &ep.Summary, &participants, &tags,
		&vec, &ep.Importance, &ep.Valence, &ep.Intensity, &involvement,
		&ep.EventAtMS, &archived, &ep.AccessCount, &ep.LastAccessMS, &ep.CreatedAtMS)
	if err != nil {
		return EpisodicMemory{}, err
	}
	ep.ParticipantIDs = unmarshalStrings(participants)
	ep.Tags = unmarshalStrings(tags)
	ep.Embedding = unmarshalVector(vec)
	ep.Involvement = Involvement(involvement)
	ep.Archived = archived != 0
	return ep, nil
}

func (s *SQLiteStore) GetEpisode(ctx context.Context, id string) (EpisodicMemory, error) {
	row := s.db.QueryRowContext(ctx,
		`SELECT `+episodeColumns+` FROM episodic_memories WHERE id = ?`, id)
	ep, err := scanEpisode(row)
	if errors.Is(err, sql.ErrNoRows) {
		return EpisodicMemory{}, ErrNotFound
	}
	if err != nil {
		return EpisodicMemory{}, fmt.Errorf("get episode: %w", err)
	}
	return ep, nil
}

func (s *SQLiteStore) ListEpisodes(ctx context.Context, communityID string, f EpisodeFilter) ([]EpisodicMemory, error) {
	query := `SELECT ` + episodeColumns + ` FROM episodic_memories WHERE community_id = ?`
	args := []any{communityID}
	if !f.IncludeArchived {
		query += ` AND archived = 0`
	}
	if f.SinceMS > 0 {
		query += ` AND event_at_ms >= ?`
		args = append(args, f.SinceMS)
	}
	if f.UntilMS > 0 {
		query += ` AND event_at_ms < ?`
		args = append(args, f.UntilMS)
	}
	if f.MissingEmbedding {
		query += ` AND embedding_json = ''`
	}
	query += ` ORDER BY event_at_ms DESC`
	if f.Limit > 0 {
		query += ` LIMIT ?`
		args = append(args, f.Limit)
	}

	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("list episodes: %w", err)
	}
	defer rows.Close()

	out := []EpisodicMemory{}
	for rows.Next() {
		ep, err := scanEpisode(rows)
		if err != nil {
			return nil, fmt.Errorf("scan episode: %w", err)
		}
		out = append(out, ep)
	}
	return out, rows.Err()
}

func (s *SQLiteStore) SetEpisodeArchived(ctx context.Context, id string, archived bool) error {
	res, err := s.db.ExecContext(ctx,
		`UPDATE episodic_memories SET archived = ? WHERE id = ?`, boolToInt(archived), id)
	if err != nil {
		return fmt.Errorf("set episode archived: %w", err)
	}
	return requireRow(res)
}

func (s *SQLiteStore) SetEpisodeEmbedding(ctx context.Context, id string, vec []float32) error {
	res, err := s.db.ExecContext(ctx,
		`UPDATE episodic_memories SET embedding_json = ? WHERE id = ?`, marshalVector(vec), id)
	if err != nil {
		return fmt.Errorf("set episode embedding: %w", err)
	}
	return requireRow(res)
}

func (s *SQLiteStore) BumpEpisodeAccess(ctx context.Context, id string, atMS int64) error {
	_, err := s.db.ExecContext(ctx,
		`UPDATE episodic_memories SET access_count = access_count + 1, last_access_ms = ? WHERE id = ?`,
		atMS, id)
	if err != nil {
		return fmt.Errorf("bump episode access: %w", err)
	}
	return nil
}

func (s *SQLiteStore) CountActiveEpisodes(ctx context.Context, communityID string) (int, error) {
	var n int
	err := s.db.QueryRowContext(ctx,
		`SELECT COUNT(*) FROM episodic_memories WHERE community_id = ? AND archived = 0`,
		communityID).Scan(&n)
	if err != nil {
		return 0, fmt.Errorf("count active episodes: %w", err)
	}
	return n, nil
}

func (s *SQLiteStore) GetRelational(ctx context.Context, communityID, personID string) (RelationalMemory, bool, error) {
	row := s.db.QueryRowContext(ctx, `SELECT community_id, person_id, display_name,
		short_impression, short_updated_ms, core_impression, core_updated_ms,
		closeness, interaction_count, active_days, last_interaction_ms,
		name_observations_json, preferred_name, created_at_ms
		FROM relational_memories WHERE community_id = ? AND person_id = ?`,
		communityID, personID)

	var rel RelationalMemory
	var closeness, names string
	err := row.Scan(&rel.CommunityID, &rel.PersonID, &rel.DisplayName,
		&rel.ShortImpression, &rel.ShortUpdatedMS, &rel.CoreImpression, &rel.CoreUpdatedMS,
		&closeness, &rel.InteractionCount, &rel.ActiveDays, &rel.LastInteractionMS,
		&names, &rel.PreferredName, &rel.CreatedAtMS)
	if errors.Is(err, sql.ErrNoRows) {
		return RelationalMemory{}, false, nil
	}
	if err != nil {
		return RelationalMemory{}, false, fmt.Errorf("get relational: %w", err)
	}
	rel.Closeness = Closeness(closeness)
	_ = json.Unmarshal([]byte(names), &rel.NameObservations)
	return rel, true, nil
}

func (s *SQLiteStore) UpsertRelational(ctx context.Context, rel RelationalMemory) error {
	_, err := s.db.ExecContext(ctx, `INSERT INTO relational_memories
		(community_id, person_id, display_name, short_impression, short_updated_ms,
		 core_impression, core_updated_ms, closeness, interaction_count, active_days,
		 last_interaction_ms, name_observations_json, preferred_name, created_at_ms)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT(community_id, person_id) DO UPDATE SET
		 display_name = excluded.display_name,
		 short_impression = excluded.short_impression,
		 short_updated_ms = excluded.short_updated_ms,
		 core_impression = excluded.core_impression,
		 core_updated_ms = excluded.core_updated_ms,
		 closeness = excluded.closeness,
		 interaction_count = excluded.interaction_count,
		 active_days = excluded.active_days,
		 last_interaction_ms = excluded.last_interaction_ms,
		 name_observations_json = excluded.name_observations_json,
		 preferred_name = excluded.preferred_name`,
		rel.CommunityID, rel.PersonID, rel.DisplayName,
		rel.ShortImpression, rel.ShortUpdatedMS, rel.CoreImpression, rel.CoreUpdatedMS,
		string(rel.Closeness), rel.InteractionCount, rel.ActiveDays, rel.LastInteractionMS,
		marshalJSON(rel.NameObservations), rel.PreferredName, rel.CreatedAtMS)
	if err != nil {
		return fmt.Errorf("upsert relational: %w", err)
	}
	return nil
}

func (s *SQLiteStore) ListRelational(ctx context.Context, communityID string) ([]RelationalMemory, error) {
	rows, err := s.db.QueryContext(ctx, `SELECT community_id, person_id, display_name,
		short_impression, short_updated_ms, core_impression, core_updated_ms,
		closeness, interaction_count, active_days, last_interaction_ms,
		name_observations_json, preferred_name, created_at_ms
		FROM relational_memories WHERE community_id = ?
		ORDER BY last_interaction_ms DESC`, communityID)
	if err != nil {
		return nil, fmt.Errorf("list relational: %w", err)
	}
	defer rows.Close()

	out := []RelationalMemory{}
	for rows.Next() {
		var rel RelationalMemory
		var closeness, names string
		if err := rows.Scan(&rel.CommunityID, &rel.PersonID, &rel.DisplayName,
			&rel.ShortImpression, &rel.ShortUpdatedMS, &rel.CoreImpression, &rel.CoreUpdatedMS,
			&closeness, &rel.InteractionCount, &rel.ActiveDays, &rel.LastInteractionMS,
			&names, &rel.PreferredName, &rel.CreatedAtMS); err != nil {
			return nil, fmt.Errorf("scan relational: %w", err)
		}
		rel.Closeness = Closeness(closeness)
		_ = json.Unmarshal([]byte(names), &rel.NameObservations)
		out = append(out, rel)
	}
	return out, rows.Err()
}

func (s *SQLiteStore) ListCommunitiesWithRelational(ctx context.Context) ([]string, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT DISTINCT community_id FROM relational_memories ORDER BY community_id`)
	if err != nil {
		return nil, fmt.Errorf("list communities: %w", err)
	}
	defer rows.Close()

	out := []string{}
	for rows.Next() {
		var id string
		if err := rows.Scan(&id); err != nil {
			return nil, err
		}
		out = append(out, id)
	}
	return out, rows.Err()
}

func (s *SQLiteStore) CreateFact(ctx context.Context, f SemanticFact) error {
	_, err := s.db.ExecContext(ctx, `INSERT INTO semantic_facts
		(id, community_id, subject_type, subject_id, fact_type, content,
		 embedding_json, confidence, source_episode_ids_json,
		 first_observed_ms, last_confirmed_ms, superseded_by)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		f.ID, f.CommunityID, string(f.SubjectType), f.SubjectID, f.FactType, f.Content,
		marshalVector(f.Embedding), f.Confidence, marshalJSON(f.SourceEpisodeIDs),
		f.FirstObservedMS, f.LastConfirmedMS, f.SupersededBy)
	if err != nil {
		return fmt.Errorf("create fact: %w", err)
	}
	return nil
}

const factColumns = `id, community_id, subject_type, subject_id, fact_type, content,
	embedding_json, confidence, source_episode_ids_json,
	first_observed_ms, last_confirmed_ms, superseded_by`

func scanFact(row interface{ Scan(...any) error }) (SemanticFact, error) {
	var f SemanticFact
	var subjectType, vec, sources string
	err := row.Scan(&f.ID, &f.CommunityID, &subjectType, &f.SubjectID, &f.FactType,
		&f.Content, &vec, &f.Confidence, &sources,
		&f.FirstObservedMS, &f.LastConfirmedMS, &f.SupersededBy)
	if err != nil {
		return SemanticFact{}, err
	}
	f.SubjectType = SubjectType(subjectType)
	f.Embedding = unmarshalVector(vec)
	f.SourceEpisodeIDs = unmarshalStrings(sources)
	return f, nil
}

func (s *SQLiteStore) GetFact(ctx context.Context, id string) (SemanticFact, error) {
	row := s.db.QueryRowContext(ctx,
		`SELECT `+factColumns+` FROM semantic_facts WHERE id = ?`, id)
	f, err := scanFact(row)
	if errors.Is(err, sql.ErrNoRows) {
		return SemanticFact{}, ErrNotFound
	}
	if err != nil {
		return SemanticFact{}, fmt.Errorf("get fact: %w", err)
	}
	return f, nil
}

func (s *SQLiteStore) ListFacts(ctx context.Context, communityID string, f FactFilter) ([]SemanticFact, error) {
	query := `SELECT ` + factColumns + ` FROM semantic_facts WHERE community_id = ?`
	args := []any{communityID}
	if !f.IncludeSuperseded {
		query += ` AND superseded_by = ''`
	}
	if f.SubjectType != "" {
		query += ` AND subject_type = ?`
		args = append(args, string(f.SubjectType))
	}
	if f.SubjectID != "" {
		query += ` AND subject_id = ?`
		args = append(args, f.SubjectID)
	}
	if f.MissingEmbedding {
		query += ` AND embedding_json = ''`
	}
	query += ` ORDER BY last_confirmed_ms DESC`

	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("list facts: %w", err)
	}
	defer rows.Close()

	out := []SemanticFact{}
	for rows.Next() {
		fact, err := scanFact(rows)
		if err != nil {
			return nil, fmt.Errorf("scan fact: %w", err)
		}
		out = append(out, fact)
	}
	return out, rows.Err()
}

func (s *SQLiteStore) UpdateFact(ctx context.Context, id string, u FactUpdate) error {
	sets := []string{}
	args := []any{}
	if u.Confidence != nil {
		sets = append(sets, "confidence = ?")
		args = append(args, *u.Confidence)
	}
	if u.LastConfirmedMS != nil {
		sets = append(sets, "last_confirmed_ms = ?")
		args = append(args, *u.LastConfirmedMS)
	}
	if u.SupersededBy != nil {
		sets = append(sets, "superseded_by = ?")
		args = append(args, *u.SupersededBy)
	}
	if u.Embedding != nil {
		sets = append(sets, "embedding_json = ?")
		args = append(args, marshalVector(u.Embedding))
	}
	if len(sets) == 0 {
		return nil
	}
	args = append(args, id)
	res, err := s.db.ExecContext(ctx,
		`UPDATE semantic_facts SET `+strings.Join(sets, ", ")+` WHERE id = ?`, args...)
	if err != nil {
		return fmt.Errorf("update fact: %w", err)
	}
	return requireRow(res)
}

func boolToInt(b bool) int {
	if b {
		return 1
	}
	return 0
}

func requireRow(res sql.Result) error {
	n, err := res.RowsAffected()
	if err != nil {
		return nil
	}
	if n == 0 {
		return ErrNotFound
	}
	return nil
}
