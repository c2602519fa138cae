// Package classifier runs the classification cascade over a caller-held
// session: alias, keyword and semantic stages first, then model-assisted
// rounds, then the substring fallback.
package classifier

import (
	"context"
	"errors"
	"strings"
	"time"

	"github.com/rotisserie/eris"
	"go.uber.org/zap"

	"github.com/hs-classifier/backend/internal/catalog"
	"github.com/hs-classifier/backend/internal/metrics"
	"github.com/hs-classifier/backend/internal/resolver"
	"github.com/hs-classifier/backend/internal/textproc"
	"github.com/hs-classifier/backend/pkg/logger"
	"github.com/hs-classifier/backend/pkg/utils"
)

var ErrEmptyQuery = errors.New("query is empty")

// Confidence given to catalog-validated model output.
const (
	ProposalConfidence = 0.6
	BackfillConfidence = 0.5
	JudgeConfidence    = 0.95
)

type Lexical interface {
	MatchAlias(ctx context.Context, query string) ([]catalog.Candidate, error)
	MatchExactName(ctx context.Context, query string) ([]catalog.Candidate, error)
	MatchKeyword(ctx context.Context, query string) ([]catalog.Candidate, error)
	MatchSubstring(ctx context.Context, query string) ([]catalog.Candidate, error)
}

type Semantic interface {
	Match(ctx context.Context, query string, topK int) ([]catalog.Candidate, error)
}

type Resolver interface {
	Propose(ctx context.Context, query string, context []string) ([]resolver.Proposal, error)
	Validate(ctx context.Context, proposals []resolver.Proposal) ([]resolver.Proposal, error)
	Backfill(ctx context.Context, query string, proposals []resolver.Proposal) ([]resolver.Proposal, error)
	Candidates(ctx context.Context, proposals []resolver.Proposal, confidence float64) ([]catalog.Candidate, error)
	Judge(ctx context.Context, query string, context []string, shown []catalog.Candidate) (resolver.Verdict, error)
	Refine(ctx context.Context, query string, code string) (catalog.Entry, string, error)
	BetterTerms(ctx context.Context, query string, tried []string) ([]string, error)
}

// SessionCache holds finished sessions for session-less queries.
type SessionCache interface {
	GetSession(ctx context.Context, key string) (*catalog.Session, bool, error)
	SetSession(ctx context.Context, key string, sess *catalog.Session, ttl time.Duration) error
}

type Config struct {
	SemanticCutoff  float64
	SemanticTopK    int
	MaxRounds       int
	AmbiguityMargin float64
	StageTimeout    time.Duration
	CacheTTL        time.Duration
	MaxCandidates   int
	MaxQuestions    int
	// Refine descends from a judged code to its most specific child.
	Refine bool
}

type Classifier struct {
	lexical  Lexical
	semantic Semantic
	resolver Resolver
	cache    SessionCache
	cfg      Config
	stages   []stage
}

// New builds a classifier. semantic and res may be nil, which drops the
// semantic stage and the model-assisted rounds respectively.
func New(lex Lexical, semantic Semantic, res Resolver, cfg Config) *Classifier {
	if cfg.SemanticCutoff <= 0 {
		cfg.SemanticCutoff = 0.8
	}
	if cfg.SemanticTopK <= 0 {
		cfg.SemanticTopK = 10
	}
	if cfg.MaxRounds <= 0 {
		cfg.MaxRounds = 3
	}
	if cfg.AmbiguityMargin < 0 {
		cfg.AmbiguityMargin = 0
	}
	if cfg.StageTimeout <= 0 {
		cfg.StageTimeout = 20 * time.Second
	}
	if cfg.CacheTTL <= 0 {
		cfg.CacheTTL = time.Hour
	}
	if cfg.MaxCandidates <= 0 {
		cfg.MaxCandidates = 10
	}
	if cfg.MaxQuestions <= 0 {
		cfg.MaxQuestions = 3
	}

	c := &Classifier{lexical: lex, semantic: semantic, resolver: res, cfg: cfg}
	c.stages = c.buildStages()
	return c
}

func (c *Classifier) WithCache(cache SessionCache) *Classifier {
	c.cache = cache
	return c
}

// Classify runs the cascade. With a nil session it starts a new one for
// query; otherwise query is the caller's answer to the session's clarifying
// questions and is appended to its context. The caller's session is never
// modified; the updated copy is returned.
func (c *Classifier) Classify(ctx context.Context, query string, sess *catalog.Session) (*catalog.Session, error) {
	start := time.Now()
	query = strings.TrimSpace(textproc.StripMarkup(query))

	var cacheKey string
	if sess == nil {
		if query == "" {
			return nil, ErrEmptyQuery
		}
		sess = catalog.NewSession(query)
		cacheKey = utils.HashKey("classify", textproc.Normalize(query))
		if cached, ok := c.fromCache(ctx, cacheKey); ok {
			cached.ID = sess.ID
			return cached, nil
		}
	} else {
		sess = sess.Clone()
		sess.AddContext(query)
	}
	if sess.OriginalQuery == "" {
		return nil, ErrEmptyQuery
	}

	sess.Candidates = nil
	sess.Questions = nil
	sess.Status = ""
	sess.ResolvedBy = ""
	for _, t := range sess.Terms() {
		sess.RecordAttempt(t)
	}

	rounds, err := c.resolve(ctx, sess)
	if err != nil {
		return nil, err
	}

	c.observe(sess, rounds, start)
	if cacheKey != "" {
		c.toCache(ctx, cacheKey, sess)
	}
	return sess, nil
}

// resolve loops over the cascade and model rounds until the session has a
// status. It returns the number of model rounds used, at most MaxRounds.
func (c *Classifier) resolve(ctx context.Context, sess *catalog.Session) (int, error) {
	var carried []catalog.Candidate
	rounds := 0
	for {
		merged, accepted, err := c.cascade(ctx, sess)
		if err != nil {
			return rounds, err
		}
		if accepted {
			c.decide(sess, merged)
			return rounds, nil
		}

		if c.resolver == nil {
			c.settle(ctx, sess, catalog.MergeCandidates(merged, carried), false)
			return rounds, nil
		}
		if rounds >= c.cfg.MaxRounds {
			c.settle(ctx, sess, catalog.MergeCandidates(merged, carried), true)
			return rounds, nil
		}

		rounds++
		sess.Rounds++
		outcome, extra, err := c.gptRound(ctx, sess, merged)
		carried = catalog.MergeCandidates(carried, extra)
		if err != nil {
			return rounds, err
		}
		switch outcome {
		case roundDone:
			return rounds, nil
		case roundFailed:
			c.settle(ctx, sess, catalog.MergeCandidates(merged, carried), false)
			return rounds, nil
		case roundExhausted:
			c.settle(ctx, sess, catalog.MergeCandidates(merged, carried), true)
			return rounds, nil
		}
	}
}

// cascade runs the stages in order and stops at the first one that yields
// an acceptable candidate. The merged list covers every stage that ran.
func (c *Classifier) cascade(ctx context.Context, sess *catalog.Session) ([]catalog.Candidate, bool, error) {
	var merged []catalog.Candidate
	for _, st := range c.stages {
		if err := ctx.Err(); err != nil {
			return nil, false, eris.Wrap(err, "classification cancelled")
		}
		cands, err := c.runStage(ctx, st, sess)
		if err != nil {
			return nil, false, err
		}
		merged = catalog.MergeCandidates(merged, cands)
		for _, cand := range cands {
			if st.accept(cand) {
				return merged, true, nil
			}
		}
	}
	return merged, false, nil
}

// decide sets the status after a stage accepted a candidate.
func (c *Classifier) decide(sess *catalog.Session, merged []catalog.Candidate) {
	sess.Candidates = c.trim(merged)
	if isUnique(merged, c.cfg.AmbiguityMargin) {
		sess.Status = catalog.StatusResolved
		sess.ResolvedBy = merged[0].Stage()
		return
	}
	sess.Status = catalog.StatusNeedInfo
	sess.Questions = clarifyingQuestions(contenders(merged, c.cfg.AmbiguityMargin), c.cfg.MaxQuestions)
}

// settle finishes a session nothing was accepted for. Preliminary
// candidates are always shown; when they are missing the substring fallback
// supplies some. exhausted marks that the model rounds ran out, which ends
// in no_match.
func (c *Classifier) settle(ctx context.Context, sess *catalog.Session, cands []catalog.Candidate, exhausted bool) {
	if len(cands) == 0 {
		cands = c.fallback(ctx, sess)
	}
	sess.Candidates = c.trim(cands)

	switch {
	case exhausted || len(cands) == 0:
		sess.Status = catalog.StatusNoMatch
	default:
		sess.Status = catalog.StatusNeedInfo
		sess.Questions = clarifyingQuestions(contenders(cands, c.cfg.AmbiguityMargin), c.cfg.MaxQuestions)
	}
}

func (c *Classifier) fallback(ctx context.Context, sess *catalog.Session) []catalog.Candidate {
	fctx, cancel := context.WithTimeout(ctx, c.cfg.StageTimeout)
	defer cancel()

	var lists [][]catalog.Candidate
	for _, p := range probes(sess) {
		hits, err := c.lexical.MatchSubstring(fctx, p)
		if err != nil {
			logger.Warn("substring fallback failed", zap.String("session_id", sess.ID), zap.Error(err))
			metrics.StageResults.WithLabelValues(string(catalog.StageFallback), "degraded").Inc()
			return catalog.MergeCandidates(lists...)
		}
		lists = append(lists, hits)
	}
	out := catalog.MergeCandidates(lists...)
	outcome := "empty"
	if len(out) > 0 {
		outcome = "hit"
	}
	metrics.StageResults.WithLabelValues(string(catalog.StageFallback), outcome).Inc()
	return out
}

func (c *Classifier) trim(cands []catalog.Candidate) []catalog.Candidate {
	if len(cands) > c.cfg.MaxCandidates {
		cands = cands[:c.cfg.MaxCandidates]
	}
	return cands
}

func (c *Classifier) fromCache(ctx context.Context, key string) (*catalog.Session, bool) {
	if c.cache == nil {
		return nil, false
	}
	sess, ok, err := c.cache.GetSession(ctx, key)
	if err != nil {
		logger.Warn("classification cache read failed", zap.Error(err))
		return nil, false
	}
	if !ok {
		metrics.CacheMisses.WithLabelValues("classify").Inc()
		return nil, false
	}
	metrics.CacheHits.WithLabelValues("classify").Inc()
	return sess, true
}

func (c *Classifier) toCache(ctx context.Context, key string, sess *catalog.Session) {
	if c.cache == nil {
		return
	}
	if err := c.cache.SetSession(ctx, key, sess.Clone(), c.cfg.CacheTTL); err != nil {
		logger.Warn("classification cache write failed", zap.Error(err))
	}
}

func (c *Classifier) observe(sess *catalog.Session, rounds int, start time.Time) {
	stage := "none"
	if top, ok := sess.Top(); ok {
		stage = string(top.Stage())
		metrics.TopConfidence.WithLabelValues(stage).Observe(top.Confidence)
	}
	if sess.ResolvedBy != "" {
		stage = string(sess.ResolvedBy)
	}
	metrics.ClassifyDuration.WithLabelValues(string(sess.Status)).Observe(time.Since(start).Seconds())
	metrics.ClassifyTotal.WithLabelValues(string(sess.Status), stage).Inc()
	metrics.GPTRounds.Observe(float64(rounds))

	logger.Info("Classification finished",
		zap.String("session_id", sess.ID),
		zap.String("status", string(sess.Status)),
		zap.String("resolved_by", string(sess.ResolvedBy)),
		zap.Int("candidates", len(sess.Candidates)),
		zap.Int("rounds", rounds),
		zap.Duration("latency", time.Since(start)),
	)
}
