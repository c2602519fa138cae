package catalog

import (
	"strings"

	"github.com/google/uuid"
)

type Status string

const (
	StatusResolved Status = "resolved"
	StatusNeedInfo Status = "need_info"
	StatusNoMatch  Status = "no_match"
)

func (s Status) Terminal() bool {
	return s == StatusResolved || s == StatusNoMatch
}

// Session is the caller-held state of one query-to-resolution interaction.
// Only the classifier mutates it.
type Session struct {
	ID             string      `json:"session_id"`
	OriginalQuery  string      `json:"original_query"`
	Context        []string    `json:"accumulated_context,omitempty"`
	Candidates     []Candidate `json:"candidates"`
	Status         Status      `json:"status"`
	Questions      []string    `json:"clarifying_questions,omitempty"`
	AttemptedTerms []string    `json:"attempted_terms,omitempty"`
	Rounds         int         `json:"gpt_rounds"`
	ResolvedBy     Stage       `json:"resolved_by,omitempty"`
}

func NewSession(query string) *Session {
	return &Session{
		ID:            uuid.NewString(),
		OriginalQuery: strings.TrimSpace(query),
	}
}

// AddContext appends a clarifying answer or revised search term.
func (s *Session) AddContext(text string) {
	text = strings.TrimSpace(text)
	if text == "" {
		return
	}
	s.Context = append(s.Context, text)
}

// SearchText is the query combined with everything learned so far.
func (s *Session) SearchText() string {
	parts := append([]string{s.OriginalQuery}, s.Context...)
	return strings.Join(parts, " ")
}

// Terms lists the original query and each context entry separately, which
// is how the lexical stages probe them.
func (s *Session) Terms() []string {
	out := make([]string, 0, 1+len(s.Context))
	if s.OriginalQuery != "" {
		out = append(out, s.OriginalQuery)
	}
	return append(out, s.Context...)
}

func (s *Session) RecordAttempt(term string) {
	term = strings.TrimSpace(term)
	if term == "" {
		return
	}
	for _, t := range s.AttemptedTerms {
		if t == term {
			return
		}
	}
	s.AttemptedTerms = append(s.AttemptedTerms, term)
}

func (s *Session) Top() (Candidate, bool) {
	if len(s.Candidates) == 0 {
		return Candidate{}, false
	}
	return s.Candidates[0], true
}

// Clone deep-copies the session so cached copies are never shared.
func (s *Session) Clone() *Session {
	c := *s
	c.Context = append([]string(nil), s.Context...)
	c.Questions = append([]string(nil), s.Questions...)
	c.AttemptedTerms = append([]string(nil), s.AttemptedTerms...)
	c.Candidates = make([]Candidate, len(s.Candidates))
	for i, cand := range s.Candidates {
		cand.Stages = append([]Stage(nil), cand.Stages...)
		c.Candidates[i] = cand
	}
	return &c
}
