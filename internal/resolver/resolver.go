// Package resolver uses a completion model as a reasoning aid for queries the
// lexical and semantic stages cannot settle. Every code the model mentions is
// checked against the catalog before it is surfaced.
package resolver

import (
	"context"
	"errors"
	"sort"
	"strings"

	"github.com/rotisserie/eris"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"github.com/hs-classifier/backend/internal/catalog"
	"github.com/hs-classifier/backend/internal/llm"
	"github.com/hs-classifier/backend/internal/textproc"
	"github.com/hs-classifier/backend/pkg/logger"
)

// ProposalSource tells where a heading proposal came from.
type ProposalSource string

const (
	SourceModel   ProposalSource = "model"
	SourceChapter ProposalSource = "chapter"
	SourceKeyword ProposalSource = "keyword"
)

type Proposal struct {
	Code   string         `json:"code"`
	Reason string         `json:"reason,omitempty"`
	Source ProposalSource `json:"source"`
	// Filled in by validation.
	Name         string `json:"name,omitempty"`
	MatchCount   int    `json:"match_count"`
	ShortestCode string `json:"shortest_code,omitempty"`
}

type Verdict struct {
	Found  bool   `json:"found"`
	Code   string `json:"hs_code,omitempty"`
	Reason string `json:"reason,omitempty"`
}

type Config struct {
	MaxProposals int
	// BackfillPerTerm bounds the name search for each query token.
	BackfillPerTerm int
	MaxTerms        int
	// MaxChildren bounds the list shown when refining to a deeper level.
	MaxChildren int
}

type Resolver struct {
	llm   llm.Completer
	store catalog.Store
	cfg   Config
}

func New(completer llm.Completer, store catalog.Store, cfg Config) *Resolver {
	if cfg.MaxProposals <= 0 {
		cfg.MaxProposals = 5
	}
	if cfg.BackfillPerTerm <= 0 {
		cfg.BackfillPerTerm = 50
	}
	if cfg.MaxTerms <= 0 {
		cfg.MaxTerms = 3
	}
	if cfg.MaxChildren <= 0 {
		cfg.MaxChildren = 60
	}
	return &Resolver{llm: completer, store: store, cfg: cfg}
}

// degrade turns malformed output into an empty result and passes other
// errors through for the caller to treat as a failed stage.
func degrade(op string, err error) error {
	if errors.Is(err, catalog.ErrMalformedResponse) {
		logger.Warn("model output discarded", zap.String("operation", op), zap.Error(err))
		return nil
	}
	return err
}

// Propose asks the model for up to MaxProposals 4-digit headings. The result
// is unvalidated.
func (r *Resolver) Propose(ctx context.Context, query string, context []string) ([]Proposal, error) {
	resp, err := r.llm.Complete(ctx, llm.CompletionRequest{
		SystemPrompt: systemPrompt,
		UserPrompt:   proposePrompt(query, context, r.cfg.MaxProposals),
		JSON:         true,
		Operation:    "propose",
	})
	if err != nil {
		return nil, degrade("propose", err)
	}

	var parsed struct {
		Categories []struct {
			Code   flexString `json:"code"`
			Reason string     `json:"reason"`
		} `json:"categories"`
	}
	if err := parseJSON(resp.Content, &parsed); err != nil {
		return nil, degrade("propose", err)
	}

	seen := map[string]bool{}
	var out []Proposal
	for _, c := range parsed.Categories {
		code := headingOf(string(c.Code))
		if code == "" || seen[code] {
			continue
		}
		seen[code] = true
		out = append(out, Proposal{Code: code, Reason: strings.TrimSpace(c.Reason), Source: SourceModel})
		if len(out) == r.cfg.MaxProposals {
			break
		}
	}
	return out, nil
}

// headingOf reduces a proposed code to its 4-digit heading, or to the
// chapter when only two digits were given.
func headingOf(raw string) string {
	d := textproc.DigitsOnly(raw)
	switch {
	case len(d) >= 4:
		return d[:4]
	case len(d) == 2:
		return d
	case len(d) == 3:
		return "0" + d
	default:
		return ""
	}
}

// Validate keeps proposals whose prefix matches at least one catalog entry.
// When none survive, the proposals' chapters are tried instead.
func (r *Resolver) Validate(ctx context.Context, proposals []Proposal) ([]Proposal, error) {
	valid, err := r.validate(ctx, proposals)
	if err != nil || len(valid) > 0 || len(proposals) == 0 {
		return valid, err
	}

	seen := map[string]bool{}
	var chapters []Proposal
	for _, p := range proposals {
		if len(p.Code) < 2 || seen[p.Code[:2]] {
			continue
		}
		seen[p.Code[:2]] = true
		chapters = append(chapters, Proposal{Code: p.Code[:2], Reason: p.Reason, Source: SourceChapter})
	}
	return r.validate(ctx, chapters)
}

func (r *Resolver) validate(ctx context.Context, proposals []Proposal) ([]Proposal, error) {
	results := make([]Proposal, len(proposals))
	ok := make([]bool, len(proposals))

	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(5)
	for i, p := range proposals {
		g.Go(func() error {
			entries, err := r.store.GetByPrefix(gctx, p.Code)
			if err != nil {
				return eris.Wrapf(err, "validate prefix %s", p.Code)
			}
			if len(entries) == 0 {
				return nil
			}
			shortest := entries[0]
			for _, e := range entries[1:] {
				if len(e.Code) < len(shortest.Code) {
					shortest = e
				}
			}
			p.MatchCount = len(entries)
			p.ShortestCode = shortest.Code
			p.Name = shortest.Name()
			results[i], ok[i] = p, true
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		return nil, err
	}

	seen := map[string]bool{}
	var out []Proposal
	for i, p := range results {
		if ok[i] && !seen[p.Code] {
			seen[p.Code] = true
			out = append(out, p)
		}
	}
	return out, nil
}

// Backfill tops proposals up to MaxProposals with headings whose item names
// contain the query's tokens, most hits first.
func (r *Resolver) Backfill(ctx context.Context, query string, proposals []Proposal) ([]Proposal, error) {
	out := append([]Proposal(nil), proposals...)
	if len(out) >= r.cfg.MaxProposals {
		return out, nil
	}
	have := map[string]bool{}
	for _, p := range out {
		have[p.Code] = true
	}

	for _, tok := range textproc.Tokenize(query) {
		if len(out) >= r.cfg.MaxProposals {
			break
		}
		entries, err := r.store.SearchNames(ctx, tok, r.cfg.BackfillPerTerm)
		if err != nil {
			return out, eris.Wrapf(err, "backfill search %q", tok)
		}

		type group struct {
			code    string
			name    string
			hits    int
			samples []string
		}
		groups := map[string]*group{}
		for _, e := range entries {
			heading := e.Prefix(4)
			if heading == "" {
				continue
			}
			g, ok := groups[heading]
			if !ok {
				g = &group{code: heading, name: e.Name()}
				groups[heading] = g
			}
			g.hits++
			if e.Code == heading {
				g.name = e.Name()
			}
			g.samples = append(g.samples, e.Code)
		}

		ranked := make([]*group, 0, len(groups))
		for _, g := range groups {
			ranked = append(ranked, g)
		}
		sort.Slice(ranked, func(i, j int) bool {
			if ranked[i].hits != ranked[j].hits {
				return ranked[i].hits > ranked[j].hits
			}
			return ranked[i].code < ranked[j].code
		})

		for _, g := range ranked {
			if len(out) >= r.cfg.MaxProposals {
				break
			}
			if have[g.code] {
				continue
			}
			have[g.code] = true
			sort.Strings(g.samples)
			out = append(out, Proposal{
				Code:         g.code,
				Reason:       "품목명에 '" + tok + "' 포함",
				Source:       SourceKeyword,
				Name:         g.name,
				MatchCount:   g.hits,
				ShortestCode: g.samples[0],
			})
		}
	}
	return out, nil
}

// Candidates turns validated proposals into preliminary candidates for the
// heading (or its shortest catalog entry when the heading row is missing).
func (r *Resolver) Candidates(ctx context.Context, proposals []Proposal, confidence float64) ([]catalog.Candidate, error) {
	out := make([]catalog.Candidate, 0, len(proposals))
	for _, p := range proposals {
		code := p.Code
		e, err := r.store.GetByCode(ctx, code)
		if errors.Is(err, catalog.ErrNotFound) && p.ShortestCode != "" {
			e, err = r.store.GetByCode(ctx, p.ShortestCode)
		}
		if errors.Is(err, catalog.ErrNotFound) {
			continue
		}
		if err != nil {
			return nil, eris.Wrapf(err, "load proposal %s", code)
		}
		c := catalog.NewCandidate(e, confidence, catalog.StageGPT)
		c.Reason = p.Reason
		out = append(out, c)
	}
	return out, nil
}

// Judge asks the model whether any shown candidate fits. A positive verdict
// naming a code outside the shown list is rejected.
func (r *Resolver) Judge(ctx context.Context, query string, context []string, shown []catalog.Candidate) (Verdict, error) {
	if len(shown) == 0 {
		return Verdict{}, nil
	}
	resp, err := r.llm.Complete(ctx, llm.CompletionRequest{
		SystemPrompt: systemPrompt,
		UserPrompt:   judgePrompt(query, context, shown),
		JSON:         true,
		Operation:    "judge",
	})
	if err != nil {
		return Verdict{}, degrade("judge", err)
	}

	var parsed struct {
		Found  flexBool   `json:"found"`
		HSCode flexString `json:"hsCode"`
		Code   flexString `json:"code"`
		Reason string     `json:"reason"`
	}
	if err := parseJSON(resp.Content, &parsed); err != nil {
		return Verdict{}, degrade("judge", err)
	}

	code := textproc.DigitsOnly(string(parsed.HSCode))
	if code == "" {
		code = textproc.DigitsOnly(string(parsed.Code))
	}
	if !parsed.Found || code == "" {
		return Verdict{Reason: parsed.Reason}, nil
	}
	for _, c := range shown {
		if c.Code == code {
			return Verdict{Found: true, Code: code, Reason: parsed.Reason}, nil
		}
	}

	logger.Warn("judge picked a code outside the shown candidates",
		zap.String("query", query),
		zap.String("hs_code", code),
	)
	return Verdict{Reason: "model chose a code that was not offered"}, nil
}

// Refine walks from an accepted code down to its most specific descendant
// the model can justify. Each step only accepts a code from the listed
// children; the walk stops at the first refusal.
func (r *Resolver) Refine(ctx context.Context, query string, code string) (catalog.Entry, string, error) {
	current, err := r.store.GetByCode(ctx, code)
	if err != nil {
		return catalog.Entry{}, "", err
	}

	var reason string
	for step := 0; step < 4 && current.Level < 10; step++ {
		children, err := r.children(ctx, current.Code)
		if err != nil {
			return current, reason, err
		}
		if len(children) == 0 {
			break
		}
		if len(children) == 1 {
			current = children[0]
			continue
		}
		if len(children) > r.cfg.MaxChildren {
			children = children[:r.cfg.MaxChildren]
		}

		resp, err := r.llm.Complete(ctx, llm.CompletionRequest{
			SystemPrompt: systemPrompt,
			UserPrompt:   refinePrompt(query, current, children),
			JSON:         true,
			Operation:    "refine",
		})
		if err != nil {
			return current, reason, degrade("refine", err)
		}
		var parsed struct {
			HSCode flexString `json:"hsCode"`
			Reason string     `json:"reason"`
		}
		if err := parseJSON(resp.Content, &parsed); err != nil {
			return current, reason, degrade("refine", err)
		}

		picked := textproc.DigitsOnly(string(parsed.HSCode))
		var next *catalog.Entry
		for i := range children {
			if children[i].Code == picked {
				next = &children[i]
				break
			}
		}
		if next == nil {
			break
		}
		current, reason = *next, parsed.Reason
	}
	return current, reason, nil
}

// children returns the entries one catalog level below code.
func (r *Resolver) children(ctx context.Context, code string) ([]catalog.Entry, error) {
	entries, err := r.store.GetByPrefix(ctx, code)
	if err != nil {
		return nil, eris.Wrapf(err, "children of %s", code)
	}
	next := 0
	for _, e := range entries {
		if len(e.Code) > len(code) && (next == 0 || len(e.Code) < next) {
			next = len(e.Code)
		}
	}
	var out []catalog.Entry
	for _, e := range entries {
		if len(e.Code) == next {
			out = append(out, e)
		}
	}
	return out, nil
}

// BetterTerms asks for alternative search terms, excluding those tried.
func (r *Resolver) BetterTerms(ctx context.Context, query string, tried []string) ([]string, error) {
	resp, err := r.llm.Complete(ctx, llm.CompletionRequest{
		SystemPrompt: systemPrompt,
		UserPrompt:   betterTermsPrompt(query, tried, r.cfg.MaxTerms),
		JSON:         true,
		Operation:    "better_terms",
	})
	if err != nil {
		return nil, degrade("better_terms", err)
	}

	var parsed struct {
		Terms []string `json:"terms"`
	}
	if err := parseJSON(resp.Content, &parsed); err != nil {
		return nil, degrade("better_terms", err)
	}

	seen := map[string]bool{}
	for _, t := range tried {
		seen[textproc.Normalize(t)] = true
	}
	var out []string
	for _, t := range parsed.Terms {
		n := textproc.Normalize(t)
		if n == "" || seen[n] {
			continue
		}
		seen[n] = true
		out = append(out, strings.TrimSpace(t))
		if len(out) == r.cfg.MaxTerms {
			break
		}
	}
	return out, nil
}
