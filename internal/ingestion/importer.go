package ingestion

import (
	"context"
	"errors"
	"sort"
	"time"

	"github.com/rotisserie/eris"
	"go.uber.org/zap"

	"github.com/hs-classifier/backend/internal/catalog"
	"github.com/hs-classifier/backend/pkg/logger"
)

const defaultChunkSize = 100

// Invalidator drops derived state, such as cached classifications, that a
// catalog change makes stale.
type Invalidator interface {
	InvalidateSessions(ctx context.Context) (int, error)
}

// Report summarizes one import.
type Report struct {
	Expired      int
	Duplicates   int
	Written      int
	UnknownSeeds []string
}

type Importer struct {
	store       catalog.Store
	chunkSize   int
	invalidator Invalidator
	now         func() time.Time
}

func NewImporter(store catalog.Store, chunkSize int) *Importer {
	if chunkSize <= 0 {
		chunkSize = defaultChunkSize
	}
	return &Importer{
		store:     store,
		chunkSize: chunkSize,
		now:       time.Now,
	}
}

func (im *Importer) WithInvalidator(inv Invalidator) *Importer {
	im.invalidator = inv
	return im
}

// Prepare drops entries outside their validity window, keeps the last row
// for each code and derives parent codes from the surviving set.
func (im *Importer) Prepare(entries []catalog.Entry) ([]catalog.Entry, Report) {
	var report Report
	today := im.now()

	byCode := make(map[string]catalog.Entry, len(entries))
	for _, e := range entries {
		if !e.ActiveOn(today) {
			report.Expired++
			continue
		}
		if _, dup := byCode[e.Code]; dup {
			report.Duplicates++
		}
		byCode[e.Code] = e
	}

	exists := func(code string) bool {
		_, ok := byCode[code]
		return ok
	}
	out := make([]catalog.Entry, 0, len(byCode))
	for _, e := range byCode {
		e.Level = catalog.LevelOf(e.Code)
		e.ParentCode = catalog.ParentCode(e.Code, exists)
		out = append(out, e)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Code < out[j].Code })
	return out, report
}

// Import prepares the entries, merges the seed terms and upserts in chunks.
func (im *Importer) Import(ctx context.Context, entries []catalog.Entry, seeds map[string]Seed) (Report, error) {
	prepared, report := im.Prepare(entries)
	if len(seeds) > 0 {
		report.UnknownSeeds = ApplySeeds(prepared, seeds)
		sort.Strings(report.UnknownSeeds)
	}

	for start := 0; start < len(prepared); start += im.chunkSize {
		if err := ctx.Err(); err != nil {
			return report, eris.Wrap(err, "import cancelled")
		}
		end := min(start+im.chunkSize, len(prepared))
		n, err := im.store.UpsertEntries(ctx, prepared[start:end])
		report.Written += n
		if err != nil {
			return report, eris.Wrapf(err, "failed to upsert entries %d-%d", start, end)
		}
		logger.Debug("Catalog chunk written",
			zap.Int("batch", start/im.chunkSize+1),
			zap.Int("written", report.Written),
			zap.Int("total", len(prepared)),
		)
	}

	im.invalidate(ctx)

	logger.Info("Catalog import finished",
		zap.Int("entries", len(entries)),
		zap.Int("written", report.Written),
		zap.Int("expired", report.Expired),
		zap.Int("duplicates", report.Duplicates),
		zap.Int("unknown_seeds", len(report.UnknownSeeds)),
	)
	return report, nil
}

// SeedExisting merges seed terms onto entries already in the catalog.
// It returns the number of updated entries and the seed codes not found.
func (im *Importer) SeedExisting(ctx context.Context, seeds map[string]Seed) (int, []string, error) {
	var (
		entries []catalog.Entry
		missing []string
	)
	for code := range seeds {
		e, err := im.store.GetByCode(ctx, code)
		if errors.Is(err, catalog.ErrNotFound) {
			missing = append(missing, code)
			continue
		}
		if err != nil {
			return 0, nil, err
		}
		entries = append(entries, e)
	}
	sort.Strings(missing)
	if len(entries) == 0 {
		return 0, missing, nil
	}

	ApplySeeds(entries, seeds)
	n, err := im.store.UpsertEntries(ctx, entries)
	if err != nil {
		return n, missing, eris.Wrap(err, "failed to upsert seeded entries")
	}
	im.invalidate(ctx)
	return n, missing, nil
}

func (im *Importer) invalidate(ctx context.Context) {
	if im.invalidator == nil {
		return
	}
	if _, err := im.invalidator.InvalidateSessions(ctx); err != nil {
		logger.Warn("Failed to invalidate cached sessions", zap.Error(err))
	}
}
