package sqlite

import (
	"context"
	"database/sql"
	"encoding/binary"
	"encoding/json"
	"errors"
	"math"
	"strings"
	"sync"
	"time"

	_ "github.com/mattn/go-sqlite3"
	"github.com/rotisserie/eris"
	"go.uber.org/zap"

	"github.com/hs-classifier/backend/internal/catalog"
	"github.com/hs-classifier/backend/internal/storage/models"
	"github.com/hs-classifier/backend/internal/textproc"
	"github.com/hs-classifier/backend/pkg/logger"
)

// Client is the embedded catalog store. It implements catalog.Store,
// catalog.VectorIndex and the search log repository.
type Client struct {
	db *sql.DB

	// vectors is a lazily built snapshot of embedded entries for Nearest.
	// generation counts writes so a snapshot read before a write is dropped.
	mu         sync.Mutex
	vectors    *catalog.MemoryStore
	generation uint64

	snapshotLoaded func() // test hook between reading and publishing a snapshot
}

func NewClient(dbPath string) (*Client, error) {
	db, err := sql.Open("sqlite3", dbPath)
	if err != nil {
		return nil, eris.Wrap(err, "failed to open database")
	}

	_, err = db.Exec("PRAGMA foreign_keys = ON")
	if err != nil {
		return nil, eris.Wrap(err, "failed to enable foreign keys")
	}

	_, err = db.Exec("PRAGMA journal_mode = WAL")
	if err != nil {
		return nil, eris.Wrap(err, "failed to enable WAL mode")
	}

	logger.Info("SQLite client initialized", zap.String("path", dbPath))

	return &Client{db: db}, nil
}

func (c *Client) Close() error {
	return c.db.Close()
}

func (c *Client) Ping(ctx context.Context) error {
	return c.db.PingContext(ctx)
}

func (c *Client) InitSchema() error {
	schema := `
	CREATE TABLE IF NOT EXISTS hs_codes (
		code TEXT PRIMARY KEY,
		level INTEGER NOT NULL,
		name_primary TEXT NOT NULL,
		name_secondary TEXT,
		name_primary_norm TEXT NOT NULL,
		name_secondary_norm TEXT,
		category_label TEXT,
		category_code TEXT,
		parent_code TEXT,
		aliases TEXT,
		keywords TEXT,
		embedding BLOB,
		embedding_model TEXT,
		valid_from TEXT,
		valid_to TEXT,
		updated_at INTEGER NOT NULL
	);
	CREATE INDEX IF NOT EXISTS idx_hs_codes_level ON hs_codes(level);
	CREATE INDEX IF NOT EXISTS idx_hs_codes_name ON hs_codes(name_primary_norm);
	CREATE INDEX IF NOT EXISTS idx_hs_codes_name_secondary ON hs_codes(name_secondary_norm);

	CREATE TABLE IF NOT EXISTS hs_code_terms (
		code TEXT NOT NULL,
		field TEXT NOT NULL,
		term TEXT NOT NULL,
		PRIMARY KEY (field, term, code),
		FOREIGN KEY (code) REFERENCES hs_codes(code) ON DELETE CASCADE
	);
	CREATE INDEX IF NOT EXISTS idx_terms_code ON hs_code_terms(code);

	CREATE TABLE IF NOT EXISTS search_logs (
		id TEXT PRIMARY KEY,
		session_id TEXT NOT NULL,
		query_text TEXT NOT NULL,
		context TEXT,
		status TEXT NOT NULL,
		stage TEXT,
		top_code TEXT,
		top_confidence REAL,
		candidate_count INTEGER,
		rounds INTEGER,
		latency_ms INTEGER,
		created_at INTEGER NOT NULL
	);
	CREATE INDEX IF NOT EXISTS idx_search_created ON search_logs(created_at);

	CREATE TABLE IF NOT EXISTS selections (
		id INTEGER PRIMARY KEY AUTOINCREMENT,
		search_id TEXT NOT NULL,
		hs_code TEXT NOT NULL,
		user_id TEXT,
		was_top INTEGER DEFAULT 0,
		created_at INTEGER NOT NULL,
		FOREIGN KEY (search_id) REFERENCES search_logs(id) ON DELETE CASCADE
	);
	CREATE INDEX IF NOT EXISTS idx_selections_search ON selections(search_id);

	CREATE TABLE IF NOT EXISTS evaluation_runs (
		id TEXT PRIMARY KEY,
		dataset TEXT NOT NULL,
		total INTEGER NOT NULL,
		top1_hits INTEGER NOT NULL,
		top5_hits INTEGER NOT NULL,
		no_match INTEGER NOT NULL,
		need_info INTEGER NOT NULL,
		duration_ms INTEGER,
		created_at INTEGER NOT NULL
	);
	`

	_, err := c.db.Exec(schema)
	if err != nil {
		return eris.Wrap(err, "failed to initialize schema")
	}

	logger.Info("SQLite schema initialized")
	return nil
}

const entryColumns = `code, level, name_primary, name_secondary, category_label, category_code, parent_code,
	aliases, keywords, embedding, embedding_model, valid_from, valid_to`

type rowScanner interface {
	Scan(dest ...any) error
}

func scanEntry(row rowScanner) (catalog.Entry, error) {
	var e catalog.Entry
	var secondary, label, catCode, parent, aliases, keywords, model, from, to sql.NullString
	var blob []byte

	err := row.Scan(&e.Code, &e.Level, &e.NamePrimary, &secondary, &label, &catCode, &parent,
		&aliases, &keywords, &blob, &model, &from, &to)
	if err != nil {
		return e, err
	}

	e.NameSecondary = secondary.String
	e.CategoryLabel = label.String
	e.CategoryCode = catCode.String
	e.ParentCode = parent.String
	e.EmbeddingModel = model.String
	e.ValidFrom = from.String
	e.ValidTo = to.String
	if aliases.Valid && aliases.String != "" {
		if err := json.Unmarshal([]byte(aliases.String), &e.Aliases); err != nil {
			return e, eris.Wrapf(err, "decode aliases of %s", e.Code)
		}
	}
	if keywords.Valid && keywords.String != "" {
		if err := json.Unmarshal([]byte(keywords.String), &e.Keywords); err != nil {
			return e, eris.Wrapf(err, "decode keywords of %s", e.Code)
		}
	}
	e.Embedding = decodeVector(blob)
	return e, nil
}

func (c *Client) queryEntries(ctx context.Context, query string, args ...any) ([]catalog.Entry, error) {
	rows, err := c.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, eris.Wrap(err, "failed to query hs codes")
	}
	defer rows.Close()

	var entries []catalog.Entry
	for rows.Next() {
		e, err := scanEntry(rows)
		if err != nil {
			return nil, eris.Wrap(err, "failed to scan row")
		}
		entries = append(entries, e)
	}
	return entries, eris.Wrap(rows.Err(), "failed to iterate hs codes")
}

func (c *Client) GetByExact(ctx context.Context, field catalog.Field, value string) ([]catalog.Entry, error) {
	value = textproc.Normalize(value)
	switch field {
	case catalog.FieldAlias, catalog.FieldKeyword:
		return c.queryEntries(ctx, `SELECT `+entryColumns+` FROM hs_codes
			WHERE code IN (SELECT code FROM hs_code_terms WHERE field = ? AND term = ?)
			ORDER BY code`, string(field), value)
	case catalog.FieldNamePrimary:
		return c.queryEntries(ctx, `SELECT `+entryColumns+` FROM hs_codes WHERE name_primary_norm = ? ORDER BY code`, value)
	case catalog.FieldNameSecondary:
		return c.queryEntries(ctx, `SELECT `+entryColumns+` FROM hs_codes WHERE name_secondary_norm = ? ORDER BY code`, value)
	default:
		return nil, catalog.Configuration("unknown lookup field %q", field)
	}
}

func (c *Client) GetByPrefix(ctx context.Context, prefix string) ([]catalog.Entry, error) {
	return c.queryEntries(ctx, `SELECT `+entryColumns+` FROM hs_codes WHERE code LIKE ? ORDER BY code`, likePrefix(prefix))
}

func (c *Client) GetByCode(ctx context.Context, code string) (catalog.Entry, error) {
	row := c.db.QueryRowContext(ctx, `SELECT `+entryColumns+` FROM hs_codes WHERE code = ?`, code)
	e, err := scanEntry(row)
	if errors.Is(err, sql.ErrNoRows) {
		return catalog.Entry{}, catalog.NotFound(code)
	}
	if err != nil {
		return catalog.Entry{}, eris.Wrapf(err, "failed to get hs code %s", code)
	}
	return e, nil
}

func (c *Client) SearchNames(ctx context.Context, term string, limit int) ([]catalog.Entry, error) {
	term = textproc.Normalize(term)
	if term == "" {
		return nil, nil
	}
	if limit <= 0 {
		limit = -1
	}
	pattern := likeContains(term)
	return c.queryEntries(ctx, `SELECT `+entryColumns+` FROM hs_codes
		WHERE name_primary_norm LIKE ? ESCAPE '\' OR name_secondary_norm LIKE ? ESCAPE '\'
		ORDER BY code LIMIT ?`, pattern, pattern, limit)
}

func (c *Client) All(ctx context.Context) ([]catalog.Entry, error) {
	return c.queryEntries(ctx, `SELECT `+entryColumns+` FROM hs_codes ORDER BY code`)
}

func (c *Client) UpsertEmbedding(ctx context.Context, code string, vector []float32, model string) error {
	res, err := c.db.ExecContext(ctx,
		`UPDATE hs_codes SET embedding = ?, embedding_model = ?, updated_at = ? WHERE code = ?`,
		encodeVector(vector), model, time.Now().Unix(), code)
	if err != nil {
		return eris.Wrapf(err, "failed to store embedding for %s", code)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return catalog.NotFound(code)
	}
	c.invalidate()
	return nil
}

func (c *Client) ClearEmbedding(ctx context.Context, code string) error {
	_, err := c.db.ExecContext(ctx,
		`UPDATE hs_codes SET embedding = NULL, embedding_model = NULL, updated_at = ? WHERE code = ?`,
		time.Now().Unix(), code)
	if err != nil {
		return eris.Wrapf(err, "failed to clear embedding for %s", code)
	}
	c.invalidate()
	return nil
}

func (c *Client) EmbeddingModels(ctx context.Context) ([]string, error) {
	rows, err := c.db.QueryContext(ctx,
		`SELECT DISTINCT embedding_model FROM hs_codes WHERE embedding IS NOT NULL AND embedding_model IS NOT NULL ORDER BY embedding_model`)
	if err != nil {
		return nil, eris.Wrap(err, "failed to list embedding models")
	}
	defer rows.Close()

	var models []string
	for rows.Next() {
		var m string
		if err := rows.Scan(&m); err != nil {
			return nil, eris.Wrap(err, "failed to scan row")
		}
		models = append(models, m)
	}
	return models, rows.Err()
}

// UpsertEntries writes entries and their alias and keyword terms in one
// transaction. An existing embedding survives only when the embedded text
// did not change.
func (c *Client) UpsertEntries(ctx context.Context, entries []catalog.Entry) (int, error) {
	tx, err := c.db.BeginTx(ctx, nil)
	if err != nil {
		return 0, eris.Wrap(err, "failed to begin transaction")
	}
	defer tx.Rollback()

	now := time.Now().Unix()
	written := 0
	for _, e := range entries {
		if e.Level == 0 {
			e.Level = catalog.LevelOf(e.Code)
		}
		if err := e.Validate(); err != nil {
			return written, eris.Wrap(err, "invalid entry")
		}

		keep := false
		old, err := scanEntry(tx.QueryRowContext(ctx, `SELECT `+entryColumns+` FROM hs_codes WHERE code = ?`, e.Code))
		switch {
		case errors.Is(err, sql.ErrNoRows):
		case err != nil:
			return written, eris.Wrapf(err, "failed to load %s", e.Code)
		default:
			keep = catalog.SameText(old, e)
		}

		aliases, _ := json.Marshal(textproc.NormalizeAll(e.Aliases))
		keywords, _ := json.Marshal(textproc.NormalizeAll(e.Keywords))

		_, err = tx.ExecContext(ctx, `
			INSERT INTO hs_codes (code, level, name_primary, name_secondary, name_primary_norm, name_secondary_norm,
				category_label, category_code, parent_code, aliases, keywords, valid_from, valid_to, updated_at)
			VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
			ON CONFLICT(code) DO UPDATE SET
				level = excluded.level,
				name_primary = excluded.name_primary,
				name_secondary = excluded.name_secondary,
				name_primary_norm = excluded.name_primary_norm,
				name_secondary_norm = excluded.name_secondary_norm,
				category_label = excluded.category_label,
				category_code = excluded.category_code,
				parent_code = excluded.parent_code,
				aliases = excluded.aliases,
				keywords = excluded.keywords,
				valid_from = excluded.valid_from,
				valid_to = excluded.valid_to,
				updated_at = excluded.updated_at
		`,
			e.Code, e.Level, e.NamePrimary, e.NameSecondary,
			textproc.Normalize(e.NamePrimary), textproc.Normalize(e.NameSecondary),
			e.CategoryLabel, e.CategoryCode, e.ParentCode,
			string(aliases), string(keywords), e.ValidFrom, e.ValidTo, now,
		)
		if err != nil {
			return written, eris.Wrapf(err, "failed to upsert %s", e.Code)
		}

		if !keep {
			if _, err := tx.ExecContext(ctx, `UPDATE hs_codes SET embedding = NULL, embedding_model = NULL WHERE code = ?`, e.Code); err != nil {
				return written, eris.Wrapf(err, "failed to reset embedding of %s", e.Code)
			}
		}

		if _, err := tx.ExecContext(ctx, `DELETE FROM hs_code_terms WHERE code = ?`, e.Code); err != nil {
			return written, eris.Wrapf(err, "failed to reset terms of %s", e.Code)
		}
		if err := insertTerms(ctx, tx, e.Code, catalog.FieldAlias, e.Aliases); err != nil {
			return written, err
		}
		if err := insertTerms(ctx, tx, e.Code, catalog.FieldKeyword, e.Keywords); err != nil {
			return written, err
		}
		written++
	}

	if err := tx.Commit(); err != nil {
		return 0, eris.Wrap(err, "failed to commit entries")
	}
	c.invalidate()

	logger.Debug("HS codes upserted", zap.Int("count", written))
	return written, nil
}

func insertTerms(ctx context.Context, tx *sql.Tx, code string, field catalog.Field, terms []string) error {
	for _, t := range textproc.NormalizeAll(terms) {
		_, err := tx.ExecContext(ctx,
			`INSERT OR IGNORE INTO hs_code_terms (code, field, term) VALUES (?, ?, ?)`, code, string(field), t)
		if err != nil {
			return eris.Wrapf(err, "failed to insert %s %q for %s", field, t, code)
		}
	}
	return nil
}

// Nearest scans the embedded entries by cosine similarity. The snapshot is
// rebuilt after any write; a snapshot that raced with a write is used for
// this call only.
func (c *Client) Nearest(ctx context.Context, vector []float32, topK int) ([]catalog.Neighbor, error) {
	c.mu.Lock()
	snapshot := c.vectors
	gen := c.generation
	c.mu.Unlock()

	if snapshot == nil {
		entries, err := c.queryEntries(ctx, `SELECT `+entryColumns+` FROM hs_codes WHERE embedding IS NOT NULL`)
		if err != nil {
			return nil, err
		}
		snapshot = catalog.NewMemoryStore(entries...)
		if c.snapshotLoaded != nil {
			c.snapshotLoaded()
		}
		c.mu.Lock()
		if c.generation == gen {
			c.vectors = snapshot
		}
		c.mu.Unlock()
	}
	return snapshot.Nearest(ctx, vector, topK)
}

func (c *Client) invalidate() {
	c.mu.Lock()
	c.vectors = nil
	c.generation++
	c.mu.Unlock()
}

func (c *Client) InsertSearchLog(ctx context.Context, log *models.SearchLog) error {
	contextJSON, _ := json.Marshal(log.Context)

	query := `
		INSERT INTO search_logs (id, session_id, query_text, context, status, stage, top_code, top_confidence,
			candidate_count, rounds, latency_ms, created_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
	`

	_, err := c.db.ExecContext(ctx, query,
		log.ID,
		log.SessionID,
		log.Query,
		string(contextJSON),
		log.Status,
		log.Stage,
		log.TopCode,
		log.TopConfidence,
		log.CandidateCount,
		log.Rounds,
		log.LatencyMS,
		log.CreatedAt.Unix(),
	)
	if err != nil {
		return eris.Wrap(err, "failed to insert search log")
	}

	logger.Debug("Search recorded", zap.String("search_id", log.ID), zap.String("status", log.Status))
	return nil
}

const searchLogColumns = `id, session_id, query_text, context, status, stage, top_code, top_confidence,
	candidate_count, rounds, latency_ms, created_at`

func scanSearchLog(row rowScanner) (models.SearchLog, error) {
	var l models.SearchLog
	var contextJSON, stage, topCode sql.NullString
	var topConfidence sql.NullFloat64
	var count, rounds, latency sql.NullInt64
	var createdAt int64

	err := row.Scan(&l.ID, &l.SessionID, &l.Query, &contextJSON, &l.Status, &stage, &topCode,
		&topConfidence, &count, &rounds, &latency, &createdAt)
	if err != nil {
		return l, err
	}
	if contextJSON.String != "" {
		_ = json.Unmarshal([]byte(contextJSON.String), &l.Context)
	}
	l.Stage = stage.String
	l.TopCode = topCode.String
	l.TopConfidence = topConfidence.Float64
	l.CandidateCount = int(count.Int64)
	l.Rounds = int(rounds.Int64)
	l.LatencyMS = int(latency.Int64)
	l.CreatedAt = time.Unix(createdAt, 0)
	return l, nil
}

func (c *Client) GetSearchLog(ctx context.Context, id string) (*models.SearchLog, error) {
	row := c.db.QueryRowContext(ctx, `SELECT `+searchLogColumns+` FROM search_logs WHERE id = ?`, id)
	l, err := scanSearchLog(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, eris.Wrapf(catalog.ErrNotFound, "search %s", id)
	}
	if err != nil {
		return nil, eris.Wrap(err, "failed to get search log")
	}
	return &l, nil
}

func (c *Client) RecentSearchLogs(ctx context.Context, limit int) ([]models.SearchLog, error) {
	rows, err := c.db.QueryContext(ctx,
		`SELECT `+searchLogColumns+` FROM search_logs ORDER BY created_at DESC, id LIMIT ?`, limit)
	if err != nil {
		return nil, eris.Wrap(err, "failed to get search logs")
	}
	defer rows.Close()

	var logs []models.SearchLog
	for rows.Next() {
		l, err := scanSearchLog(rows)
		if err != nil {
			return nil, eris.Wrap(err, "failed to scan row")
		}
		logs = append(logs, l)
	}
	return logs, rows.Err()
}

func (c *Client) InsertSelection(ctx context.Context, sel *models.Selection) error {
	wasTop := 0
	if sel.WasTop {
		wasTop = 1
	}

	res, err := c.db.ExecContext(ctx,
		`INSERT INTO selections (search_id, hs_code, user_id, was_top, created_at) VALUES (?, ?, ?, ?, ?)`,
		sel.SearchID, sel.HSCode, sel.UserID, wasTop, sel.CreatedAt.Unix())
	if err != nil {
		return eris.Wrap(err, "failed to insert selection")
	}
	sel.ID, _ = res.LastInsertId()

	logger.Info("Selection stored",
		zap.String("search_id", sel.SearchID),
		zap.String("hs_code", sel.HSCode),
	)
	return nil
}

func (c *Client) InsertEvaluationRun(ctx context.Context, run *models.EvaluationRun) error {
	_, err := c.db.ExecContext(ctx, `
		INSERT INTO evaluation_runs (id, dataset, total, top1_hits, top5_hits, no_match, need_info, duration_ms, created_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		run.ID, run.Dataset, run.Total, run.Top1Hits, run.Top5Hits, run.NoMatch, run.NeedInfo,
		run.DurationMS, run.CreatedAt.Unix(),
	)
	if err != nil {
		return eris.Wrap(err, "failed to insert evaluation run")
	}
	return nil
}

func encodeVector(v []float32) []byte {
	buf := make([]byte, 4*len(v))
	for i, f := range v {
		binary.LittleEndian.PutUint32(buf[i*4:], math.Float32bits(f))
	}
	return buf
}

func decodeVector(b []byte) []float32 {
	if len(b) == 0 || len(b)%4 != 0 {
		return nil
	}
	v := make([]float32, len(b)/4)
	for i := range v {
		v[i] = math.Float32frombits(binary.LittleEndian.Uint32(b[i*4:]))
	}
	return v
}

var likeEscaper = strings.NewReplacer(`\`, `\\`, `%`, `\%`, `_`, `\_`)

func likeContains(term string) string {
	return "%" + likeEscaper.Replace(term) + "%"
}

func likePrefix(prefix string) string {
	return textproc.DigitsOnly(prefix) + "%"
}
