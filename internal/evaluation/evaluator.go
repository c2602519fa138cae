package evaluation

import (
	"context"
	"fmt"
	"io"
	"sort"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/rotisserie/eris"
	"go.uber.org/zap"
	"gopkg.in/yaml.v3"

	"github.com/hs-classifier/backend/internal/catalog"
	"github.com/hs-classifier/backend/internal/storage/models"
	"github.com/hs-classifier/backend/internal/textproc"
	"github.com/hs-classifier/backend/pkg/logger"
)

const topN = 5

type Classifier interface {
	Classify(ctx context.Context, query string, sess *catalog.Session) (*catalog.Session, error)
}

type RunRecorder interface {
	InsertEvaluationRun(ctx context.Context, run *models.EvaluationRun) error
}

type Evaluator struct {
	classifier Classifier
	recorder   RunRecorder
}

// Dataset is a labelled query set. Answers are replayed, in order, whenever
// the classifier asks for more information.
type Dataset struct {
	Name  string        `yaml:"name"`
	Items []DatasetItem `yaml:"items"`
}

type DatasetItem struct {
	Query    string   `yaml:"query"`
	Expected string   `yaml:"expected"`
	Answers  []string `yaml:"answers,omitempty"`
}

type ItemResult struct {
	Query    string
	Expected string
	Status   catalog.Status
	Stage    catalog.Stage
	Codes    []string
	Top1     bool
	Top5     bool
	Err      string
}

type EvaluationReport struct {
	Dataset  string
	Total    int
	Top1Hits int
	Top5Hits int
	Resolved int
	NeedInfo int
	NoMatch  int
	Errors   int
	Top1     float64
	Top5     float64
	ByStage  map[catalog.Stage]int
	Duration time.Duration
	Results  []ItemResult
}

func NewEvaluator(c Classifier) *Evaluator {
	return &Evaluator{classifier: c}
}

func (e *Evaluator) WithRecorder(r RunRecorder) *Evaluator {
	e.recorder = r
	return e
}

func LoadDataset(r io.Reader) (*Dataset, error) {
	var dataset Dataset
	if err := yaml.NewDecoder(r).Decode(&dataset); err != nil {
		return nil, eris.Wrap(err, "failed to decode dataset")
	}

	for i, item := range dataset.Items {
		code := textproc.DigitsOnly(item.Expected)
		if strings.TrimSpace(item.Query) == "" || !catalog.ValidCode(code) {
			return nil, eris.Errorf("dataset item %d: need a query and a valid expected code", i+1)
		}
		dataset.Items[i].Expected = code
	}
	return &dataset, nil
}

// matches counts a candidate as correct when it is the expected code or a
// more specific code under it.
func matches(candidate, expected string) bool {
	return strings.HasPrefix(candidate, expected)
}

func (e *Evaluator) EvaluateItem(ctx context.Context, item DatasetItem) ItemResult {
	result := ItemResult{Query: item.Query, Expected: item.Expected}

	sess, err := e.classifier.Classify(ctx, item.Query, nil)
	for _, answer := range item.Answers {
		if err != nil || sess.Status != catalog.StatusNeedInfo {
			break
		}
		sess, err = e.classifier.Classify(ctx, answer, sess)
	}
	if err != nil {
		result.Err = err.Error()
		return result
	}

	result.Status = sess.Status
	result.Stage = sess.ResolvedBy
	for i, c := range sess.Candidates {
		if i == topN {
			break
		}
		result.Codes = append(result.Codes, c.Code)
		if matches(c.Code, item.Expected) {
			result.Top5 = true
			if i == 0 {
				result.Top1 = true
			}
		}
	}
	if result.Stage == "" {
		if top, ok := sess.Top(); ok {
			result.Stage = top.Stage()
		}
	}
	return result
}

func (e *Evaluator) RunDatasetEvaluation(ctx context.Context, dataset *Dataset) (*EvaluationReport, error) {
	logger.Info("Running dataset evaluation",
		zap.String("dataset", dataset.Name),
		zap.Int("items", len(dataset.Items)),
	)

	start := time.Now()
	report := &EvaluationReport{
		Dataset: dataset.Name,
		Total:   len(dataset.Items),
		ByStage: make(map[catalog.Stage]int),
	}

	for i, item := range dataset.Items {
		if err := ctx.Err(); err != nil {
			return nil, eris.Wrap(err, "evaluation cancelled")
		}
		logger.Debug("Evaluating item", zap.Int("index", i+1), zap.Int("total", len(dataset.Items)))

		r := e.EvaluateItem(ctx, item)
		report.Results = append(report.Results, r)
		if r.Err != "" {
			report.Errors++
			logger.Warn("Evaluation item failed", zap.String("query", item.Query), zap.String("error", r.Err))
			continue
		}

		switch r.Status {
		case catalog.StatusResolved:
			report.Resolved++
		case catalog.StatusNeedInfo:
			report.NeedInfo++
		case catalog.StatusNoMatch:
			report.NoMatch++
		}
		if r.Stage != "" {
			report.ByStage[r.Stage]++
		}
		if r.Top1 {
			report.Top1Hits++
		}
		if r.Top5 {
			report.Top5Hits++
		}
	}

	if report.Total > 0 {
		report.Top1 = float64(report.Top1Hits) / float64(report.Total)
		report.Top5 = float64(report.Top5Hits) / float64(report.Total)
	}
	report.Duration = time.Since(start)

	logger.Info("Dataset evaluation completed",
		zap.Int("total", report.Total),
		zap.Float64("top1", report.Top1),
		zap.Float64("top5", report.Top5),
		zap.Int("no_match", report.NoMatch),
		zap.Int("need_info", report.NeedInfo),
	)

	if e.recorder != nil {
		run := &models.EvaluationRun{
			ID:         uuid.NewString(),
			Dataset:    report.Dataset,
			Total:      report.Total,
			Top1Hits:   report.Top1Hits,
			Top5Hits:   report.Top5Hits,
			NoMatch:    report.NoMatch,
			NeedInfo:   report.NeedInfo,
			Top1:       report.Top1,
			Top5:       report.Top5,
			DurationMS: int(report.Duration.Milliseconds()),
			CreatedAt:  time.Now(),
		}
		if err := e.recorder.InsertEvaluationRun(ctx, run); err != nil {
			logger.Warn("Failed to record evaluation run", zap.Error(err))
		}
	}

	return report, nil
}

func (e *Evaluator) GenerateReport(report *EvaluationReport) string {
	var b strings.Builder
	fmt.Fprintf(&b, `
Evaluation Report: %s
=================

Total Queries: %d

Accuracy:
- Top-1: %d (%.1f%%)
- Top-5: %d (%.1f%%)

Status:
- Resolved: %d
- Need info: %d
- No match: %d
- Errors: %d
`,
		report.Dataset,
		report.Total,
		report.Top1Hits, report.Top1*100,
		report.Top5Hits, report.Top5*100,
		report.Resolved,
		report.NeedInfo,
		report.NoMatch,
		report.Errors,
	)

	stages := make([]string, 0, len(report.ByStage))
	for s := range report.ByStage {
		stages = append(stages, string(s))
	}
	sort.Strings(stages)
	b.WriteString("\nResolved by stage:\n")
	for _, s := range stages {
		fmt.Fprintf(&b, "- %s: %d\n", s, report.ByStage[catalog.Stage(s)])
	}

	var misses []ItemResult
	for _, r := range report.Results {
		if !r.Top5 {
			misses = append(misses, r)
		}
	}
	if len(misses) > 0 {
		b.WriteString("\nMisses:\n")
		for _, r := range misses {
			got := strings.Join(r.Codes, ", ")
			if r.Err != "" {
				got = "error: " + r.Err
			}
			fmt.Fprintf(&b, "- %q expected %s, got [%s] (%s)\n", r.Query, r.Expected, got, r.Status)
		}
	}

	fmt.Fprintf(&b, "\nDuration: %s\n", report.Duration.Round(time.Millisecond))
	return b.String()
}
