// Package postgres is the server catalog store. Vectors live in a pgvector
// column and Nearest runs the cosine operator in the database.
package postgres

import (
	"context"
	"errors"
	"fmt"
	"strconv"
	"strings"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/rotisserie/eris"
	"go.uber.org/zap"

	"github.com/hs-classifier/backend/internal/catalog"
	"github.com/hs-classifier/backend/internal/storage/models"
	"github.com/hs-classifier/backend/internal/textproc"
	"github.com/hs-classifier/backend/pkg/logger"
)

// Pool is the subset of pgxpool.Pool the store uses.
type Pool interface {
	Exec(ctx context.Context, sql string, args ...any) (pgconn.CommandTag, error)
	Query(ctx context.Context, sql string, args ...any) (pgx.Rows, error)
	QueryRow(ctx context.Context, sql string, args ...any) pgx.Row
	Begin(ctx context.Context) (pgx.Tx, error)
	Ping(ctx context.Context) error
	Close()
}

type Store struct {
	pool Pool
}

func New(pool Pool) *Store {
	return &Store{pool: pool}
}

// Connect opens a pool for dsn and checks connectivity.
func Connect(ctx context.Context, dsn string, maxConns int32) (*Store, error) {
	cfg, err := pgxpool.ParseConfig(dsn)
	if err != nil {
		return nil, catalog.Configuration("invalid postgres dsn: %v", err)
	}
	if maxConns > 0 {
		cfg.MaxConns = maxConns
	}
	pool, err := pgxpool.NewWithConfig(ctx, cfg)
	if err != nil {
		return nil, eris.Wrap(err, "postgres: connect")
	}
	if err := pool.Ping(ctx); err != nil {
		pool.Close()
		return nil, eris.Wrap(err, "postgres: ping")
	}
	logger.Info("Postgres store initialized", zap.String("host", cfg.ConnConfig.Host))
	return New(pool), nil
}

func (s *Store) Close() {
	s.pool.Close()
}

func (s *Store) Ping(ctx context.Context) error {
	return s.pool.Ping(ctx)
}

const schemaSQL = `
CREATE EXTENSION IF NOT EXISTS vector;

CREATE TABLE IF NOT EXISTS hs_codes (
	code TEXT PRIMARY KEY,
	level INTEGER NOT NULL,
	name_primary TEXT NOT NULL,
	name_secondary TEXT NOT NULL DEFAULT '',
	name_primary_norm TEXT NOT NULL,
	name_secondary_norm TEXT NOT NULL DEFAULT '',
	category_label TEXT NOT NULL DEFAULT '',
	category_code TEXT NOT NULL DEFAULT '',
	parent_code TEXT NOT NULL DEFAULT '',
	aliases TEXT[] NOT NULL DEFAULT '{}',
	keywords TEXT[] NOT NULL DEFAULT '{}',
	embedding vector,
	embedding_model TEXT,
	valid_from TEXT NOT NULL DEFAULT '',
	valid_to TEXT NOT NULL DEFAULT '',
	updated_at TIMESTAMPTZ NOT NULL DEFAULT NOW()
);
CREATE INDEX IF NOT EXISTS idx_hs_codes_aliases ON hs_codes USING GIN (aliases);
CREATE INDEX IF NOT EXISTS idx_hs_codes_keywords ON hs_codes USING GIN (keywords);
CREATE INDEX IF NOT EXISTS idx_hs_codes_prefix ON hs_codes (code text_pattern_ops);

CREATE TABLE IF NOT EXISTS search_logs (
	id TEXT PRIMARY KEY,
	session_id TEXT NOT NULL,
	query_text TEXT NOT NULL,
	context TEXT[] NOT NULL DEFAULT '{}',
	status TEXT NOT NULL,
	stage TEXT NOT NULL DEFAULT '',
	top_code TEXT NOT NULL DEFAULT '',
	top_confidence DOUBLE PRECISION NOT NULL DEFAULT 0,
	candidate_count INTEGER NOT NULL DEFAULT 0,
	rounds INTEGER NOT NULL DEFAULT 0,
	latency_ms INTEGER NOT NULL DEFAULT 0,
	created_at TIMESTAMPTZ NOT NULL
);

CREATE TABLE IF NOT EXISTS selections (
	id BIGSERIAL PRIMARY KEY,
	search_id TEXT NOT NULL REFERENCES search_logs(id) ON DELETE CASCADE,
	hs_code TEXT NOT NULL,
	user_id TEXT NOT NULL DEFAULT '',
	was_top BOOLEAN NOT NULL DEFAULT FALSE,
	created_at TIMESTAMPTZ NOT NULL
);
`

func (s *Store) InitSchema(ctx context.Context) error {
	if _, err := s.pool.Exec(ctx, schemaSQL); err != nil {
		return eris.Wrap(err, "postgres: init schema")
	}
	return nil
}

const entryColumns = `code, level, name_primary, name_secondary, category_label, category_code, parent_code,
	aliases, keywords, embedding::text, embedding_model, valid_from, valid_to`

func scanEntry(row pgx.Row) (catalog.Entry, error) {
	var e catalog.Entry
	var vec, model *string
	err := row.Scan(&e.Code, &e.Level, &e.NamePrimary, &e.NameSecondary, &e.CategoryLabel, &e.CategoryCode,
		&e.ParentCode, &e.Aliases, &e.Keywords, &vec, &model, &e.ValidFrom, &e.ValidTo)
	if err != nil {
		return e, err
	}
	if model != nil {
		e.EmbeddingModel = *model
	}
	if vec != nil {
		e.Embedding, err = parseVector(*vec)
		if err != nil {
			return e, eris.Wrapf(err, "decode embedding of %s", e.Code)
		}
	}
	return e, nil
}

func (s *Store) queryEntries(ctx context.Context, sql string, args ...any) ([]catalog.Entry, error) {
	rows, err := s.pool.Query(ctx, sql, args...)
	if err != nil {
		return nil, eris.Wrap(err, "postgres: query hs codes")
	}
	defer rows.Close()

	var out []catalog.Entry
	for rows.Next() {
		e, err := scanEntry(rows)
		if err != nil {
			return nil, eris.Wrap(err, "postgres: scan hs code")
		}
		out = append(out, e)
	}
	return out, eris.Wrap(rows.Err(), "postgres: iterate hs codes")
}

func (s *Store) GetByExact(ctx context.Context, field catalog.Field, value string) ([]catalog.Entry, error) {
	value = textproc.Normalize(value)
	var where string
	switch field {
	case catalog.FieldAlias:
		where = `$1 = ANY(aliases)`
	case catalog.FieldKeyword:
		where = `$1 = ANY(keywords)`
	case catalog.FieldNamePrimary:
		where = `name_primary_norm = $1`
	case catalog.FieldNameSecondary:
		where = `name_secondary_norm = $1`
	default:
		return nil, catalog.Configuration("unknown lookup field %q", field)
	}
	return s.queryEntries(ctx, `SELECT `+entryColumns+` FROM hs_codes WHERE `+where+` ORDER BY code`, value)
}

func (s *Store) GetByPrefix(ctx context.Context, prefix string) ([]catalog.Entry, error) {
	return s.queryEntries(ctx, `SELECT `+entryColumns+` FROM hs_codes WHERE code LIKE $1 ORDER BY code`,
		textproc.DigitsOnly(prefix)+"%")
}

func (s *Store) GetByCode(ctx context.Context, code string) (catalog.Entry, error) {
	e, err := scanEntry(s.pool.QueryRow(ctx, `SELECT `+entryColumns+` FROM hs_codes WHERE code = $1`, code))
	if errors.Is(err, pgx.ErrNoRows) {
		return catalog.Entry{}, catalog.NotFound(code)
	}
	if err != nil {
		return catalog.Entry{}, eris.Wrapf(err, "postgres: get hs code %s", code)
	}
	return e, nil
}

func (s *Store) SearchNames(ctx context.Context, term string, limit int) ([]catalog.Entry, error) {
	term = textproc.Normalize(term)
	if term == "" {
		return nil, nil
	}
	if limit <= 0 {
		limit = 1000
	}
	return s.queryEntries(ctx, `SELECT `+entryColumns+` FROM hs_codes
		WHERE strpos(name_primary_norm, $1) > 0 OR strpos(name_secondary_norm, $1) > 0
		ORDER BY code LIMIT $2`, term, limit)
}

func (s *Store) All(ctx context.Context) ([]catalog.Entry, error) {
	return s.queryEntries(ctx, `SELECT `+entryColumns+` FROM hs_codes ORDER BY code`)
}

func (s *Store) UpsertEmbedding(ctx context.Context, code string, vector []float32, model string) error {
	tag, err := s.pool.Exec(ctx,
		`UPDATE hs_codes SET embedding = $1::vector, embedding_model = $2, updated_at = NOW() WHERE code = $3`,
		pgVector(vector), model, code)
	if err != nil {
		return eris.Wrapf(err, "postgres: store embedding for %s", code)
	}
	if tag.RowsAffected() == 0 {
		return catalog.NotFound(code)
	}
	return nil
}

func (s *Store) ClearEmbedding(ctx context.Context, code string) error {
	_, err := s.pool.Exec(ctx,
		`UPDATE hs_codes SET embedding = NULL, embedding_model = NULL, updated_at = NOW() WHERE code = $1`, code)
	return eris.Wrapf(err, "postgres: clear embedding for %s", code)
}

func (s *Store) EmbeddingModels(ctx context.Context) ([]string, error) {
	rows, err := s.pool.Query(ctx,
		`SELECT DISTINCT embedding_model FROM hs_codes WHERE embedding IS NOT NULL AND embedding_model IS NOT NULL ORDER BY embedding_model`)
	if err != nil {
		return nil, eris.Wrap(err, "postgres: list embedding models")
	}
	defer rows.Close()

	var out []string
	for rows.Next() {
		var m string
		if err := rows.Scan(&m); err != nil {
			return nil, eris.Wrap(err, "postgres: scan embedding model")
		}
		out = append(out, m)
	}
	return out, rows.Err()
}

// UpsertEntries writes entries in one transaction. The stored embedding is
// cleared when any embedded text column changes.
func (s *Store) UpsertEntries(ctx context.Context, entries []catalog.Entry) (int, error) {
	tx, err := s.pool.Begin(ctx)
	if err != nil {
		return 0, eris.Wrap(err, "postgres: begin tx")
	}
	defer tx.Rollback(ctx)

	for i, e := range entries {
		if e.Level == 0 {
			e.Level = catalog.LevelOf(e.Code)
		}
		if err := e.Validate(); err != nil {
			return i, eris.Wrap(err, "postgres: invalid entry")
		}
		_, err := tx.Exec(ctx, `
			INSERT INTO hs_codes (code, level, name_primary, name_secondary, name_primary_norm, name_secondary_norm,
				category_label, category_code, parent_code, aliases, keywords, valid_from, valid_to, updated_at)
			VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, $13, NOW())
			ON CONFLICT (code) DO UPDATE SET
				level = EXCLUDED.level,
				name_primary = EXCLUDED.name_primary,
				name_secondary = EXCLUDED.name_secondary,
				name_primary_norm = EXCLUDED.name_primary_norm,
				name_secondary_norm = EXCLUDED.name_secondary_norm,
				category_label = EXCLUDED.category_label,
				category_code = EXCLUDED.category_code,
				parent_code = EXCLUDED.parent_code,
				aliases = EXCLUDED.aliases,
				keywords = EXCLUDED.keywords,
				valid_from = EXCLUDED.valid_from,
				valid_to = EXCLUDED.valid_to,
				updated_at = NOW(),
				embedding = CASE WHEN hs_codes.name_primary = EXCLUDED.name_primary
					AND hs_codes.name_secondary = EXCLUDED.name_secondary
					AND hs_codes.category_label = EXCLUDED.category_label
					AND hs_codes.category_code = EXCLUDED.category_code
					THEN hs_codes.embedding ELSE NULL END,
				embedding_model = CASE WHEN hs_codes.name_primary = EXCLUDED.name_primary
					AND hs_codes.name_secondary = EXCLUDED.name_secondary
					AND hs_codes.category_label = EXCLUDED.category_label
					AND hs_codes.category_code = EXCLUDED.category_code
					THEN hs_codes.embedding_model ELSE NULL END`,
			e.Code, e.Level, e.NamePrimary, e.NameSecondary,
			textproc.Normalize(e.NamePrimary), textproc.Normalize(e.NameSecondary),
			e.CategoryLabel, e.CategoryCode, e.ParentCode,
			textproc.NormalizeAll(e.Aliases), textproc.NormalizeAll(e.Keywords),
			e.ValidFrom, e.ValidTo,
		)
		if err != nil {
			return i, eris.Wrapf(err, "postgres: upsert %s", e.Code)
		}
	}

	if err := tx.Commit(ctx); err != nil {
		return 0, eris.Wrap(err, "postgres: commit entries")
	}
	return len(entries), nil
}

// Nearest orders embedded entries by cosine distance with pgvector's <=>.
func (s *Store) Nearest(ctx context.Context, vector []float32, topK int) ([]catalog.Neighbor, error) {
	if topK <= 0 {
		topK = 10
	}
	rows, err := s.pool.Query(ctx, `
		SELECT `+entryColumns+`, 1 - (embedding <=> $1::vector) AS similarity
		FROM hs_codes
		WHERE embedding IS NOT NULL
		ORDER BY embedding <=> $1::vector, code
		LIMIT $2`, pgVector(vector), topK)
	if err != nil {
		return nil, eris.Wrap(err, "postgres: vector search")
	}
	defer rows.Close()

	var out []catalog.Neighbor
	for rows.Next() {
		var n catalog.Neighbor
		var vec, model *string
		e := &n.Entry
		if err := rows.Scan(&e.Code, &e.Level, &e.NamePrimary, &e.NameSecondary, &e.CategoryLabel, &e.CategoryCode,
			&e.ParentCode, &e.Aliases, &e.Keywords, &vec, &model, &e.ValidFrom, &e.ValidTo, &n.Similarity); err != nil {
			return nil, eris.Wrap(err, "postgres: scan neighbor")
		}
		if model != nil {
			e.EmbeddingModel = *model
		}
		n.Similarity = catalog.Clamp01(n.Similarity)
		out = append(out, n)
	}
	return out, eris.Wrap(rows.Err(), "postgres: iterate neighbors")
}

func (s *Store) InsertSearchLog(ctx context.Context, log *models.SearchLog) error {
	_, err := s.pool.Exec(ctx, `
		INSERT INTO search_logs (id, session_id, query_text, context, status, stage, top_code, top_confidence,
			candidate_count, rounds, latency_ms, created_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12)`,
		log.ID, log.SessionID, log.Query, nonNil(log.Context), log.Status, log.Stage, log.TopCode,
		log.TopConfidence, log.CandidateCount, log.Rounds, log.LatencyMS, log.CreatedAt,
	)
	return eris.Wrap(err, "postgres: insert search log")
}

const searchLogColumns = `id, session_id, query_text, context, status, stage, top_code, top_confidence,
	candidate_count, rounds, latency_ms, created_at`

func scanSearchLog(row pgx.Row) (models.SearchLog, error) {
	var l models.SearchLog
	err := row.Scan(&l.ID, &l.SessionID, &l.Query, &l.Context, &l.Status, &l.Stage, &l.TopCode,
		&l.TopConfidence, &l.CandidateCount, &l.Rounds, &l.LatencyMS, &l.CreatedAt)
	return l, err
}

func (s *Store) GetSearchLog(ctx context.Context, id string) (*models.SearchLog, error) {
	l, err := scanSearchLog(s.pool.QueryRow(ctx, `SELECT `+searchLogColumns+` FROM search_logs WHERE id = $1`, id))
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, eris.Wrapf(catalog.ErrNotFound, "search %s", id)
	}
	if err != nil {
		return nil, eris.Wrap(err, "postgres: get search log")
	}
	return &l, nil
}

func (s *Store) RecentSearchLogs(ctx context.Context, limit int) ([]models.SearchLog, error) {
	rows, err := s.pool.Query(ctx,
		`SELECT `+searchLogColumns+` FROM search_logs ORDER BY created_at DESC, id LIMIT $1`, limit)
	if err != nil {
		return nil, eris.Wrap(err, "postgres: recent search logs")
	}
	defer rows.Close()

	var out []models.SearchLog
	for rows.Next() {
		l, err := scanSearchLog(rows)
		if err != nil {
			return nil, eris.Wrap(err, "postgres: scan search log")
		}
		out = append(out, l)
	}
	return out, rows.Err()
}

func (s *Store) InsertSelection(ctx context.Context, sel *models.Selection) error {
	if sel.CreatedAt.IsZero() {
		sel.CreatedAt = time.Now()
	}
	err := s.pool.QueryRow(ctx, `
		INSERT INTO selections (search_id, hs_code, user_id, was_top, created_at)
		VALUES ($1, $2, $3, $4, $5) RETURNING id`,
		sel.SearchID, sel.HSCode, sel.UserID, sel.WasTop, sel.CreatedAt,
	).Scan(&sel.ID)
	return eris.Wrap(err, "postgres: insert selection")
}

// pgVector renders v in pgvector's text input format.
func pgVector(v []float32) string {
	if len(v) == 0 {
		return "[0]"
	}
	buf := make([]byte, 0, len(v)*13+2)
	buf = append(buf, '[')
	for i, f := range v {
		if i > 0 {
			buf = append(buf, ',')
		}
		buf = strconv.AppendFloat(buf, float64(f), 'f', -1, 32)
	}
	return string(append(buf, ']'))
}

func parseVector(s string) ([]float32, error) {
	s = strings.TrimSpace(s)
	if !strings.HasPrefix(s, "[") || !strings.HasSuffix(s, "]") {
		return nil, fmt.Errorf("not a vector literal: %.20q", s)
	}
	s = strings.TrimSpace(s[1 : len(s)-1])
	if s == "" {
		return nil, nil
	}
	parts := strings.Split(s, ",")
	out := make([]float32, len(parts))
	for i, p := range parts {
		f, err := strconv.ParseFloat(strings.TrimSpace(p), 32)
		if err != nil {
			return nil, err
		}
		out[i] = float32(f)
	}
	return out, nil
}

func nonNil(s []string) []string {
	if s == nil {
		return []string{}
	}
	return s
}
