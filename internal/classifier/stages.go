package classifier

import (
	"context"
	"errors"

	"go.uber.org/zap"

	"github.com/hs-classifier/backend/internal/catalog"
	"github.com/hs-classifier/backend/internal/metrics"
	"github.com/hs-classifier/backend/internal/textproc"
	"github.com/hs-classifier/backend/pkg/logger"
)

// stage is one step of the cascade. accept decides which of its candidates
// end the cascade; the rest are kept as preliminary.
type stage struct {
	name   catalog.Stage
	run    func(ctx context.Context, sess *catalog.Session) ([]catalog.Candidate, error)
	accept func(c catalog.Candidate) bool
}

func always(catalog.Candidate) bool { return true }

func (c *Classifier) buildStages() []stage {
	stages := []stage{
		{name: catalog.StageAlias, run: c.aliasStage, accept: always},
		{name: catalog.StageKeyword, run: c.keywordStage, accept: always},
	}
	if c.semantic != nil {
		stages = append(stages, stage{
			name: catalog.StageSemantic,
			run:  c.semanticStage,
			accept: func(cand catalog.Candidate) bool {
				return cand.Confidence >= c.cfg.SemanticCutoff
			},
		})
	}
	return stages
}

// probes lists the texts the lexical stages look up: the combined search
// text, then each term on its own with the newest context first.
func probes(sess *catalog.Session) []string {
	seen := map[string]bool{}
	var out []string
	add := func(s string) {
		n := textproc.Normalize(s)
		if n != "" && !seen[n] {
			seen[n] = true
			out = append(out, n)
		}
	}
	add(sess.SearchText())
	terms := sess.Terms()
	for i := len(terms) - 1; i >= 0; i-- {
		add(terms[i])
	}
	return out
}

func (c *Classifier) aliasStage(ctx context.Context, sess *catalog.Session) ([]catalog.Candidate, error) {
	var lists [][]catalog.Candidate
	for _, p := range probes(sess) {
		alias, err := c.lexical.MatchAlias(ctx, p)
		if err != nil {
			return nil, err
		}
		names, err := c.lexical.MatchExactName(ctx, p)
		if err != nil {
			return nil, err
		}
		lists = append(lists, alias, names)
	}
	return catalog.MergeCandidates(lists...), nil
}

func (c *Classifier) keywordStage(ctx context.Context, sess *catalog.Session) ([]catalog.Candidate, error) {
	texts := probes(sess)
	seen := map[string]bool{}
	for _, t := range texts {
		seen[t] = true
	}
	for _, tok := range textproc.Tokenize(sess.SearchText()) {
		if !seen[tok] {
			seen[tok] = true
			texts = append(texts, tok)
		}
	}

	var lists [][]catalog.Candidate
	for _, t := range texts {
		hits, err := c.lexical.MatchKeyword(ctx, t)
		if err != nil {
			return nil, err
		}
		lists = append(lists, hits)
	}
	return catalog.MergeCandidates(lists...), nil
}

func (c *Classifier) semanticStage(ctx context.Context, sess *catalog.Session) ([]catalog.Candidate, error) {
	return c.semantic.Match(ctx, sess.SearchText(), c.cfg.SemanticTopK)
}

// runStage calls one stage under the per-stage timeout. Errors other than
// configuration errors degrade the stage to an empty result.
func (c *Classifier) runStage(ctx context.Context, st stage, sess *catalog.Session) ([]catalog.Candidate, error) {
	sctx, cancel := context.WithTimeout(ctx, c.cfg.StageTimeout)
	defer cancel()

	cands, err := st.run(sctx, sess)
	if err != nil {
		if errors.Is(err, catalog.ErrConfiguration) {
			return nil, err
		}
		metrics.StageResults.WithLabelValues(string(st.name), "degraded").Inc()
		logger.Warn("classification stage degraded",
			zap.String("stage", string(st.name)),
			zap.String("session_id", sess.ID),
			zap.Error(err),
		)
		return nil, nil
	}

	outcome := "empty"
	if len(cands) > 0 {
		outcome = "hit"
	}
	metrics.StageResults.WithLabelValues(string(st.name), outcome).Inc()
	return cands, nil
}
