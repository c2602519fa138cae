package classifier

import (
	"context"
	"errors"

	"go.uber.org/zap"

	"github.com/hs-classifier/backend/internal/catalog"
	"github.com/hs-classifier/backend/internal/metrics"
	"github.com/hs-classifier/backend/internal/resolver"
	"github.com/hs-classifier/backend/pkg/logger"
)

type roundOutcome int

const (
	// roundDone means the round set the session status.
	roundDone roundOutcome = iota
	// roundRetry means new terms were added to the context.
	roundRetry
	roundExhausted
	roundFailed
)

const maxShown = 10

// gptRound asks the model to propose headings, judges them together with the
// preliminary candidates and, when nothing fits, asks for better terms. It
// also returns the catalog-validated proposals so later rounds can show them.
func (c *Classifier) gptRound(ctx context.Context, sess *catalog.Session, prelim []catalog.Candidate) (roundOutcome, []catalog.Candidate, error) {
	fail := func(op string, err error) (roundOutcome, error) {
		if errors.Is(err, catalog.ErrConfiguration) {
			return roundFailed, err
		}
		metrics.StageResults.WithLabelValues(string(catalog.StageGPT), "degraded").Inc()
		logger.Warn("model-assisted round degraded",
			zap.String("operation", op),
			zap.String("session_id", sess.ID),
			zap.Error(err),
		)
		return roundFailed, nil
	}

	var proposals []resolver.Proposal
	err := c.step(ctx, func(ctx context.Context) error {
		p, err := c.resolver.Propose(ctx, sess.OriginalQuery, sess.Context)
		if err != nil {
			return err
		}
		proposals, err = c.resolver.Validate(ctx, p)
		return err
	})
	if err != nil {
		outcome, err := fail("propose", err)
		return outcome, nil, err
	}

	err = c.step(ctx, func(ctx context.Context) error {
		filled, err := c.resolver.Backfill(ctx, sess.SearchText(), proposals)
		if err == nil {
			proposals = filled
		}
		return err
	})
	if err != nil {
		logger.Warn("keyword backfill failed", zap.String("session_id", sess.ID), zap.Error(err))
	}

	proposed, err := c.proposalCandidates(ctx, proposals)
	if err != nil {
		outcome, err := fail("candidates", err)
		return outcome, nil, err
	}

	shown := prelim
	if len(shown) > maxShown/2 {
		shown = shown[:maxShown/2]
	}
	shown = catalog.MergeCandidates(shown, proposed)
	if len(shown) > maxShown {
		shown = shown[:maxShown]
	}

	var verdict resolver.Verdict
	err = c.step(ctx, func(ctx context.Context) error {
		verdict, err = c.resolver.Judge(ctx, sess.OriginalQuery, sess.Context, shown)
		return err
	})
	if err != nil {
		outcome, err := fail("judge", err)
		return outcome, proposed, err
	}

	if verdict.Found {
		c.accept(ctx, sess, verdict, shown, catalog.MergeCandidates(prelim, proposed))
		metrics.StageResults.WithLabelValues(string(catalog.StageGPT), "hit").Inc()
		return roundDone, proposed, nil
	}
	metrics.StageResults.WithLabelValues(string(catalog.StageGPT), "empty").Inc()

	if rivals := contenders(prelim, c.cfg.AmbiguityMargin); len(rivals) > 1 {
		sess.Candidates = c.trim(catalog.MergeCandidates(prelim, proposed))
		sess.Status = catalog.StatusNeedInfo
		sess.Questions = clarifyingQuestions(rivals, c.cfg.MaxQuestions)
		return roundDone, proposed, nil
	}

	var terms []string
	err = c.step(ctx, func(ctx context.Context) error {
		terms, err = c.resolver.BetterTerms(ctx, sess.OriginalQuery, sess.AttemptedTerms)
		return err
	})
	if err != nil {
		outcome, err := fail("better_terms", err)
		return outcome, proposed, err
	}
	if len(terms) == 0 {
		return roundExhausted, proposed, nil
	}
	for _, t := range terms {
		sess.AddContext(t)
		sess.RecordAttempt(t)
	}
	logger.Debug("retrying with model-suggested terms",
		zap.String("session_id", sess.ID),
		zap.Strings("terms", terms),
		zap.Int("round", sess.Rounds),
	)
	return roundRetry, proposed, nil
}

// accept resolves the session to the judged code, refined to a deeper level
// when enabled.
func (c *Classifier) accept(ctx context.Context, sess *catalog.Session, verdict resolver.Verdict, shown, others []catalog.Candidate) {
	var chosen catalog.Candidate
	for _, cand := range shown {
		if cand.Code == verdict.Code {
			chosen = cand
			break
		}
	}
	stages := []catalog.Stage{catalog.StageGPT}
	for _, st := range chosen.Stages {
		if st != catalog.StageGPT {
			stages = append(stages, st)
		}
	}
	chosen.Stages = stages
	if chosen.Confidence < JudgeConfidence {
		chosen.Confidence = JudgeConfidence
	}
	chosen.Reason = verdict.Reason

	if c.cfg.Refine && chosen.Level < 10 {
		err := c.step(ctx, func(ctx context.Context) error {
			entry, reason, err := c.resolver.Refine(ctx, sess.SearchText(), chosen.Code)
			if err != nil {
				return err
			}
			if entry.Code != "" && entry.Code != chosen.Code {
				refined := catalog.NewCandidate(entry, chosen.Confidence, catalog.StageGPT)
				refined.Reason = reason
				if refined.Reason == "" {
					refined.Reason = chosen.Reason
				}
				chosen = refined
			}
			return nil
		})
		if err != nil {
			logger.Warn("refinement failed", zap.String("session_id", sess.ID), zap.String("hs_code", chosen.Code), zap.Error(err))
		}
	}

	merged := catalog.MergeCandidates([]catalog.Candidate{chosen}, others)
	sess.Candidates = c.trim(merged)
	sess.Status = catalog.StatusResolved
	sess.ResolvedBy = catalog.StageGPT
}

func (c *Classifier) proposalCandidates(ctx context.Context, proposals []resolver.Proposal) ([]catalog.Candidate, error) {
	var fromModel, fromKeyword []resolver.Proposal
	for _, p := range proposals {
		if p.Source == resolver.SourceKeyword {
			fromKeyword = append(fromKeyword, p)
		} else {
			fromModel = append(fromModel, p)
		}
	}

	var out []catalog.Candidate
	err := c.step(ctx, func(ctx context.Context) error {
		a, err := c.resolver.Candidates(ctx, fromModel, ProposalConfidence)
		if err != nil {
			return err
		}
		b, err := c.resolver.Candidates(ctx, fromKeyword, BackfillConfidence)
		if err != nil {
			return err
		}
		out = catalog.MergeCandidates(a, b)
		return nil
	})
	return out, err
}

// step runs one model-facing call under the stage timeout.
func (c *Classifier) step(ctx context.Context, fn func(ctx context.Context) error) error {
	sctx, cancel := context.WithTimeout(ctx, c.cfg.StageTimeout)
	defer cancel()
	return fn(sctx)
}
