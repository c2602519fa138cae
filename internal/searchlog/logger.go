// Package searchlog records classification queries and the codes users pick,
// for offline tuning. Nothing here feeds live ranking.
package searchlog

import (
	"context"
	"errors"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/rotisserie/eris"
	"go.uber.org/zap"

	"github.com/hs-classifier/backend/internal/catalog"
	"github.com/hs-classifier/backend/internal/metrics"
	"github.com/hs-classifier/backend/internal/storage/models"
	"github.com/hs-classifier/backend/pkg/logger"
)

var ErrInvalidSelection = errors.New("invalid selection")

type Repository interface {
	InsertSearchLog(ctx context.Context, log *models.SearchLog) error
	GetSearchLog(ctx context.Context, id string) (*models.SearchLog, error)
	InsertSelection(ctx context.Context, sel *models.Selection) error
	RecentSearchLogs(ctx context.Context, limit int) ([]models.SearchLog, error)
}

type Logger struct {
	repo Repository
	now  func() time.Time
}

func NewLogger(repo Repository) *Logger {
	return &Logger{repo: repo, now: time.Now}
}

// RecordQuery stores a finished session and returns the search id callers
// quote when they report a selection. Failures are logged and yield "".
func (l *Logger) RecordQuery(ctx context.Context, sess *catalog.Session, latency time.Duration) string {
	if l == nil || l.repo == nil || sess == nil {
		return ""
	}

	rec := &models.SearchLog{
		ID:             uuid.NewString(),
		SessionID:      sess.ID,
		Query:          sess.OriginalQuery,
		Context:        append([]string(nil), sess.Context...),
		Status:         string(sess.Status),
		Stage:          string(sess.ResolvedBy),
		CandidateCount: len(sess.Candidates),
		Rounds:         sess.Rounds,
		LatencyMS:      int(latency.Milliseconds()),
		CreatedAt:      l.now(),
	}
	if top, ok := sess.Top(); ok {
		rec.TopCode = top.Code
		rec.TopConfidence = top.Confidence
		if rec.Stage == "" {
			rec.Stage = string(top.Stage())
		}
	}

	if err := l.repo.InsertSearchLog(ctx, rec); err != nil {
		logger.Warn("Failed to record search", zap.String("session_id", sess.ID), zap.Error(err))
		return ""
	}
	return rec.ID
}

// RecordSelection stores the code a user chose for an earlier search.
func (l *Logger) RecordSelection(ctx context.Context, searchID, code, userID string) error {
	searchID = strings.TrimSpace(searchID)
	if searchID == "" {
		return eris.Wrap(ErrInvalidSelection, "search id is required")
	}
	if !catalog.ValidCode(code) {
		return eris.Wrapf(ErrInvalidSelection, "invalid hs code %q", code)
	}

	search, err := l.repo.GetSearchLog(ctx, searchID)
	if err != nil {
		return err
	}

	sel := &models.Selection{
		SearchID:  searchID,
		HSCode:    code,
		UserID:    userID,
		WasTop:    search.TopCode == code,
		CreatedAt: l.now(),
	}
	if err := l.repo.InsertSelection(ctx, sel); err != nil {
		return eris.Wrap(err, "record selection")
	}

	top := "false"
	if sel.WasTop {
		top = "true"
	}
	metrics.Selections.WithLabelValues(top).Inc()
	logger.Info("Selection recorded",
		zap.String("search_id", searchID),
		zap.String("hs_code", code),
		zap.Bool("was_top", sel.WasTop),
	)
	return nil
}

func (l *Logger) Recent(ctx context.Context, limit int) ([]models.SearchLog, error) {
	if limit <= 0 || limit > 500 {
		limit = 50
	}
	return l.repo.RecentSearchLogs(ctx, limit)
}
