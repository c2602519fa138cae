package handlers

import (
	"bytes"
	"context"
	"sort"

	"github.com/gofiber/fiber/v2"
	"go.uber.org/zap"

	"github.com/hs-classifier/backend/internal/catalog"
	"github.com/hs-classifier/backend/internal/ingestion"
	"github.com/hs-classifier/backend/internal/textproc"
	"github.com/hs-classifier/backend/pkg/logger"
)

type PathBuilder interface {
	Build(ctx context.Context, code string) (catalog.HierarchyPath, error)
}

type CatalogReader interface {
	GetByCode(ctx context.Context, code string) (catalog.Entry, error)
	GetByPrefix(ctx context.Context, prefix string) ([]catalog.Entry, error)
}

type Importer interface {
	Import(ctx context.Context, entries []catalog.Entry, seeds map[string]ingestion.Seed) (ingestion.Report, error)
}

type CatalogHandler struct {
	paths    PathBuilder
	store    CatalogReader
	importer Importer
}

func NewCatalogHandler(paths PathBuilder, store CatalogReader, importer Importer) *CatalogHandler {
	return &CatalogHandler{
		paths:    paths,
		store:    store,
		importer: importer,
	}
}

type entryView struct {
	Code          string `json:"code"`
	Level         int    `json:"level"`
	NamePrimary   string `json:"name_primary"`
	NameSecondary string `json:"name_secondary,omitempty"`
	CategoryLabel string `json:"category_label,omitempty"`
	ParentCode    string `json:"parent_code,omitempty"`
}

func viewOf(e catalog.Entry) entryView {
	return entryView{
		Code:          e.Code,
		Level:         e.Level,
		NamePrimary:   e.NamePrimary,
		NameSecondary: e.NameSecondary,
		CategoryLabel: e.CategoryLabel,
		ParentCode:    e.ParentCode,
	}
}

func (h *CatalogHandler) GetHierarchy(c *fiber.Ctx) error {
	code := textproc.DigitsOnly(c.Params("code"))

	path, err := h.paths.Build(c.UserContext(), code)
	if err != nil {
		return h.fail(c, err, "build hierarchy")
	}

	out := make([]entryView, len(path))
	for i, e := range path {
		out[i] = viewOf(e)
	}
	return c.JSON(fiber.Map{
		"code": code,
		"path": out,
	})
}

func (h *CatalogHandler) GetCode(c *fiber.Ctx) error {
	code := textproc.DigitsOnly(c.Params("code"))

	e, err := h.store.GetByCode(c.UserContext(), code)
	if err != nil {
		return h.fail(c, err, "load code")
	}

	return c.JSON(fiber.Map{
		"code":           e.Code,
		"level":          e.Level,
		"name_primary":   e.NamePrimary,
		"name_secondary": e.NameSecondary,
		"category_label": e.CategoryLabel,
		"category_code":  e.CategoryCode,
		"parent_code":    e.ParentCode,
		"aliases":        nonNilStrings(e.Aliases),
		"keywords":       nonNilStrings(e.Keywords),
		"embedded":       e.HasEmbedding(),
	})
}

// GetChildren lists the entries one catalog level below code.
func (h *CatalogHandler) GetChildren(c *fiber.Ctx) error {
	code := textproc.DigitsOnly(c.Params("code"))

	if _, err := h.store.GetByCode(c.UserContext(), code); err != nil {
		return h.fail(c, err, "load code")
	}
	under, err := h.store.GetByPrefix(c.UserContext(), code)
	if err != nil {
		return h.fail(c, err, "load children")
	}

	next := 0
	for _, e := range under {
		if len(e.Code) > len(code) && (next == 0 || len(e.Code) < next) {
			next = len(e.Code)
		}
	}
	children := make([]entryView, 0)
	for _, e := range under {
		if len(e.Code) == next {
			children = append(children, viewOf(e))
		}
	}
	sort.Slice(children, func(i, j int) bool { return children[i].Code < children[j].Code })

	return c.JSON(fiber.Map{
		"code":     code,
		"children": children,
	})
}

// ImportCSV loads a flat customs export posted as the request body.
func (h *CatalogHandler) ImportCSV(c *fiber.Ctx) error {
	if h.importer == nil {
		return c.Status(fiber.StatusServiceUnavailable).JSON(fiber.Map{
			"error": "Catalog import is disabled",
		})
	}

	entries, stats, err := ingestion.ReadCSV(bytes.NewReader(c.Body()))
	if err != nil {
		return c.Status(fiber.StatusBadRequest).JSON(fiber.Map{
			"error": err.Error(),
		})
	}

	report, err := h.importer.Import(c.UserContext(), entries, nil)
	if err != nil {
		logger.Error("Failed to import catalog", zap.Error(err))
		return c.Status(fiber.StatusInternalServerError).JSON(fiber.Map{
			"error":   "Failed to import catalog",
			"written": report.Written,
		})
	}

	return c.JSON(fiber.Map{
		"rows":       stats.Rows,
		"invalid":    stats.Invalid,
		"expired":    report.Expired,
		"duplicates": report.Duplicates,
		"written":    report.Written,
	})
}

func (h *CatalogHandler) fail(c *fiber.Ctx, err error, op string) error {
	status, msg := errorStatus(err)
	if status >= fiber.StatusInternalServerError {
		logger.Error("Catalog request failed", zap.String("op", op), zap.Error(err))
	}
	return c.Status(status).JSON(fiber.Map{"error": msg})
}
