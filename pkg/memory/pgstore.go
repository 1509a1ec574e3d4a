package memory

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"sort"
	"strings"

	"github.com/wheelhouse-io/wheelhouse/pkg/models"
)

// PGStore is the PostgreSQL VectorStore over the memory_records table.
// Embeddings and string lists are stored as JSONB; similarity is
// computed in process, which is fine at per-agent memory sizes.
type PGStore struct {
	db *sql.DB
}

// NewPGStore creates a store over the shared pool.
func NewPGStore(db *sql.DB) *PGStore {
	return &PGStore{db: db}
}

const memoryColumns = `id, agent_id, type, content, tags, people, projects,
	importance, confidence, source, supersedes_id, embedding, access_count,
	last_accessed_at, created_at`

// Upsert inserts or replaces records by id.
func (s *PGStore) Upsert(ctx context.Context, agentID string, records []StoredRecord) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("starting upsert transaction: %w", err)
	}
	defer func() { _ = tx.Rollback() }()

	for _, r := range records {
		rec := r.Record
		vec, err := json.Marshal(r.Vector)
		if err != nil {
			return fmt.Errorf("encoding embedding for record %s: %w", rec.ID, err)
		}
		tags := marshalList(rec.Tags)
		people := marshalList(rec.People)
		projects := marshalList(rec.Projects)

		var supersedes any
		if rec.SupersedesID != "" {
			supersedes = rec.SupersedesID
		}
		_, err = tx.ExecContext(ctx, `
			INSERT INTO memory_records (id, agent_id, type, content, tags, people,
				projects, importance, confidence, source, supersedes_id, embedding,
				access_count, last_accessed_at, created_at)
			VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, $13, $14, $15)
			ON CONFLICT (id) DO UPDATE SET
				content = EXCLUDED.content,
				tags = EXCLUDED.tags,
				people = EXCLUDED.people,
				projects = EXCLUDED.projects,
				importance = EXCLUDED.importance,
				confidence = EXCLUDED.confidence,
				embedding = EXCLUDED.embedding,
				access_count = EXCLUDED.access_count,
				last_accessed_at = EXCLUDED.last_accessed_at`,
			rec.ID, agentID, rec.Type, rec.Content, tags, people, projects,
			rec.Importance, rec.Confidence, rec.Source, supersedes, vec,
			rec.AccessCount, rec.LastAccessedAt, rec.CreatedAt)
		if err != nil {
			return fmt.Errorf("upserting memory record %s: %w", rec.ID, err)
		}
	}
	return tx.Commit()
}

// Search loads candidate rows and ranks them by cosine similarity.
func (s *PGStore) Search(ctx context.Context, vector []float64, filter Filter, limit int) ([]Scored, error) {
	if limit < 1 {
		limit = 10
	}

	query := `SELECT ` + memoryColumns + ` FROM memory_records WHERE 1=1`
	args := []any{}
	if filter.AgentID != "" {
		args = append(args, filter.AgentID)
		query += fmt.Sprintf(" AND agent_id = $%d", len(args))
	}
	if filter.Type != "" {
		args = append(args, filter.Type)
		query += fmt.Sprintf(" AND type = $%d", len(args))
	}

	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("querying memory records: %w", err)
	}
	defer func() { _ = rows.Close() }()

	var hits []Scored
	for rows.Next() {
		rec, vec, err := scanMemoryRecord(rows)
		if err != nil {
			return nil, err
		}
		hits = append(hits, Scored{
			Record:     *rec,
			Vector:     vec,
			Similarity: Cosine(vector, vec),
		})
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}

	sort.Slice(hits, func(i, j int) bool { return hits[i].Similarity > hits[j].Similarity })
	if len(hits) > limit {
		hits = hits[:limit]
	}
	return hits, nil
}

// List returns every record matching the filter.
func (s *PGStore) List(ctx context.Context, filter Filter) ([]StoredRecord, error) {
	query := `SELECT ` + memoryColumns + ` FROM memory_records WHERE 1=1`
	args := []any{}
	if filter.AgentID != "" {
		args = append(args, filter.AgentID)
		query += fmt.Sprintf(" AND agent_id = $%d", len(args))
	}
	if filter.Type != "" {
		args = append(args, filter.Type)
		query += fmt.Sprintf(" AND type = $%d", len(args))
	}
	query += " ORDER BY created_at"

	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("listing memory records: %w", err)
	}
	defer func() { _ = rows.Close() }()

	var out []StoredRecord
	for rows.Next() {
		rec, vec, err := scanMemoryRecord(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, StoredRecord{Record: *rec, Vector: vec})
	}
	return out, rows.Err()
}

// GetByID loads one record.
func (s *PGStore) GetByID(ctx context.Context, id string) (*StoredRecord, error) {
	row := s.db.QueryRowContext(ctx, `SELECT `+memoryColumns+` FROM memory_records WHERE id = $1`, id)
	rec, vec, err := scanMemoryRecord(row)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, ErrRecordNotFound
		}
		return nil, fmt.Errorf("loading memory record %s: %w", id, err)
	}
	return &StoredRecord{Record: *rec, Vector: vec}, nil
}

// Delete removes records by id.
func (s *PGStore) Delete(ctx context.Context, ids []string) error {
	if len(ids) == 0 {
		return nil
	}
	placeholders, args := idArgs(ids)
	_, err := s.db.ExecContext(ctx,
		`DELETE FROM memory_records WHERE id IN (`+placeholders+`)`, args...)
	if err != nil {
		return fmt.Errorf("deleting memory records: %w", err)
	}
	return nil
}

// TouchAccess bumps access_count and last_accessed_at for retrieved
// records, feeding the utility term of the retrieval score.
func (s *PGStore) TouchAccess(ctx context.Context, ids []string) error {
	if len(ids) == 0 {
		return nil
	}
	placeholders, args := idArgs(ids)
	_, err := s.db.ExecContext(ctx, `
		UPDATE memory_records
		SET access_count = access_count + 1, last_accessed_at = now()
		WHERE id IN (`+placeholders+`)`, args...)
	if err != nil {
		return fmt.Errorf("touching memory records: %w", err)
	}
	return nil
}

func idArgs(ids []string) (string, []any) {
	placeholders := make([]string, len(ids))
	args := make([]any, len(ids))
	for i, id := range ids {
		placeholders[i] = fmt.Sprintf("$%d", i+1)
		args[i] = id
	}
	return strings.Join(placeholders, ", "), args
}

func marshalList(list []string) []byte {
	if list == nil {
		list = []string{}
	}
	blob, _ := json.Marshal(list)
	return blob
}

type rowScanner interface {
	Scan(dest ...any) error
}

func scanMemoryRecord(row rowScanner) (*models.MemoryRecord, []float64, error) {
	var (
		rec        models.MemoryRecord
		agentID    string
		tags       []byte
		people     []byte
		projects   []byte
		supersedes sql.NullString
		embedding  []byte
		lastAccess sql.NullTime
	)
	err := row.Scan(&rec.ID, &agentID, &rec.Type, &rec.Content,
		&tags, &people, &projects,
		&rec.Importance, &rec.Confidence, &rec.Source, &supersedes, &embedding,
		&rec.AccessCount, &lastAccess, &rec.CreatedAt)
	if err != nil {
		return nil, nil, err
	}
	_ = json.Unmarshal(tags, &rec.Tags)
	_ = json.Unmarshal(people, &rec.People)
	_ = json.Unmarshal(projects, &rec.Projects)
	if supersedes.Valid {
		rec.SupersedesID = supersedes.String
	}
	if lastAccess.Valid {
		t := lastAccess.Time
		rec.LastAccessedAt = &t
	}
	var vec []float64
	if err := json.Unmarshal(embedding, &vec); err != nil {
		return nil, nil, fmt.Errorf("decoding embedding for record %s: %w", rec.ID, err)
	}
	return &rec, vec, nil
}
