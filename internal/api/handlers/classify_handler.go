package handlers

import (
	"context"
	"errors"
	"time"

	"github.com/gofiber/fiber/v2"
	"go.uber.org/zap"

	"github.com/hs-classifier/backend/internal/catalog"
	"github.com/hs-classifier/backend/internal/classifier"
	"github.com/hs-classifier/backend/internal/searchlog"
	"github.com/hs-classifier/backend/internal/storage/models"
	"github.com/hs-classifier/backend/internal/textproc"
	"github.com/hs-classifier/backend/pkg/logger"
)

type Classifier interface {
	Classify(ctx context.Context, query string, sess *catalog.Session) (*catalog.Session, error)
}

type SearchLog interface {
	RecordQuery(ctx context.Context, sess *catalog.Session, latency time.Duration) string
	RecordSelection(ctx context.Context, searchID, code, userID string) error
	Recent(ctx context.Context, limit int) ([]models.SearchLog, error)
}

// ClassifyRequest starts a session with Query, or continues Session with
// Answer (Query is accepted as the answer too).
type ClassifyRequest struct {
	Query   string           `json:"query"`
	Answer  string           `json:"answer,omitempty"`
	Session *catalog.Session `json:"session,omitempty"`
}

func (r ClassifyRequest) text() string {
	if r.Session != nil && r.Answer != "" {
		return r.Answer
	}
	return r.Query
}

type ClassifyResponse struct {
	SessionID      string              `json:"session_id"`
	Status         catalog.Status      `json:"status"`
	Candidates     []catalog.Candidate `json:"candidates"`
	Questions      []string            `json:"clarifying_questions"`
	AttemptedTerms []string            `json:"attempted_terms"`
	ResolvedBy     catalog.Stage       `json:"resolved_by,omitempty"`
	Rounds         int                 `json:"gpt_rounds"`
	SearchID       string              `json:"search_id,omitempty"`
	LatencyMS      int64               `json:"latency_ms"`
	// Session is sent back unchanged by clients that answer a question.
	Session *catalog.Session `json:"session"`
}

type ClassifyHandler struct {
	classifier Classifier
	searchLog  SearchLog
}

func NewClassifyHandler(c Classifier, searchLog SearchLog) *ClassifyHandler {
	return &ClassifyHandler{
		classifier: c,
		searchLog:  searchLog,
	}
}

// Run classifies one turn and records it. The HTTP and websocket handlers
// share it.
func (h *ClassifyHandler) Run(ctx context.Context, text string, sess *catalog.Session) (*ClassifyResponse, error) {
	start := time.Now()
	out, err := h.classifier.Classify(ctx, text, sess)
	if err != nil {
		return nil, err
	}
	latency := time.Since(start)

	resp := &ClassifyResponse{
		SessionID:      out.ID,
		Status:         out.Status,
		Candidates:     nonNilCandidates(out.Candidates),
		Questions:      nonNilStrings(out.Questions),
		AttemptedTerms: nonNilStrings(out.AttemptedTerms),
		ResolvedBy:     out.ResolvedBy,
		Rounds:         out.Rounds,
		LatencyMS:      latency.Milliseconds(),
		Session:        out,
	}
	if h.searchLog != nil {
		resp.SearchID = h.searchLog.RecordQuery(ctx, out, latency)
	}
	return resp, nil
}

func (h *ClassifyHandler) HandleClassify(c *fiber.Ctx) error {
	var req ClassifyRequest
	if err := c.BodyParser(&req); err != nil {
		logger.Error("Failed to parse request body", zap.Error(err))
		return c.Status(fiber.StatusBadRequest).JSON(fiber.Map{
			"error": "Invalid request body",
		})
	}

	resp, err := h.Run(c.UserContext(), req.text(), req.Session)
	if err != nil {
		status, msg := errorStatus(err)
		if status >= fiber.StatusInternalServerError {
			logger.Error("Failed to classify", zap.String("query", req.text()), zap.Error(err))
		}
		return c.Status(status).JSON(fiber.Map{"error": msg})
	}

	return c.JSON(resp)
}

func (h *ClassifyHandler) HandleSelection(c *fiber.Ctx) error {
	var req struct {
		SearchID string `json:"search_id"`
		HSCode   string `json:"hs_code"`
		UserID   string `json:"user_id"`
	}
	if err := c.BodyParser(&req); err != nil {
		return c.Status(fiber.StatusBadRequest).JSON(fiber.Map{
			"error": "Invalid request body",
		})
	}
	if h.searchLog == nil {
		return c.Status(fiber.StatusServiceUnavailable).JSON(fiber.Map{
			"error": "Search logging is disabled",
		})
	}

	code := textproc.DigitsOnly(req.HSCode)
	if err := h.searchLog.RecordSelection(c.UserContext(), req.SearchID, code, req.UserID); err != nil {
		status, msg := errorStatus(err)
		if status >= fiber.StatusInternalServerError {
			logger.Error("Failed to record selection", zap.Error(err))
		}
		return c.Status(status).JSON(fiber.Map{"error": msg})
	}

	return c.Status(fiber.StatusCreated).JSON(fiber.Map{
		"search_id": req.SearchID,
		"hs_code":   code,
	})
}

func (h *ClassifyHandler) GetRecentSearches(c *fiber.Ctx) error {
	if h.searchLog == nil {
		return c.JSON(fiber.Map{"searches": []interface{}{}})
	}

	logs, err := h.searchLog.Recent(c.UserContext(), c.QueryInt("limit", 50))
	if err != nil {
		logger.Error("Failed to load recent searches", zap.Error(err))
		return c.Status(fiber.StatusInternalServerError).JSON(fiber.Map{
			"error": "Failed to load recent searches",
		})
	}

	out := make([]fiber.Map, 0, len(logs))
	for _, l := range logs {
		out = append(out, fiber.Map{
			"id":              l.ID,
			"session_id":      l.SessionID,
			"query":           l.Query,
			"context":         l.Context,
			"status":          l.Status,
			"stage":           l.Stage,
			"top_code":        l.TopCode,
			"top_confidence":  l.TopConfidence,
			"candidate_count": l.CandidateCount,
			"gpt_rounds":      l.Rounds,
			"latency_ms":      l.LatencyMS,
			"created_at":      l.CreatedAt.Unix(),
		})
	}
	return c.JSON(fiber.Map{"searches": out})
}

// errorStatus maps classification errors to HTTP. Only not-found and
// configuration errors reach this point from the classifier.
func errorStatus(err error) (int, string) {
	switch {
	case errors.Is(err, classifier.ErrEmptyQuery):
		return fiber.StatusBadRequest, "Query is required"
	case errors.Is(err, searchlog.ErrInvalidSelection):
		return fiber.StatusBadRequest, err.Error()
	case errors.Is(err, catalog.ErrNotFound):
		return fiber.StatusNotFound, "Not found"
	case errors.Is(err, catalog.ErrConfiguration):
		return fiber.StatusServiceUnavailable, "Classifier is not configured correctly"
	case errors.Is(err, context.DeadlineExceeded), errors.Is(err, context.Canceled):
		return fiber.StatusGatewayTimeout, "Request timed out"
	default:
		return fiber.StatusInternalServerError, "Failed to process request"
	}
}

func nonNilCandidates(c []catalog.Candidate) []catalog.Candidate {
	if c == nil {
		return []catalog.Candidate{}
	}
	return c
}

func nonNilStrings(s []string) []string {
	if s == nil {
		return []string{}
	}
	return s
}
