package catalog

import (
	"math"
	"sort"
)

// Stage names the cascade step that produced a candidate.
type Stage string

const (
	StageAlias    Stage = "alias"
	StageKeyword  Stage = "keyword"
	StageSemantic Stage = "semantic"
	StageGPT      Stage = "gpt"
	StageFallback Stage = "fallback"
)

type Candidate struct {
	Code          string  `json:"code"`
	Name          string  `json:"name"`
	NameSecondary string  `json:"name_secondary,omitempty"`
	Level         int     `json:"level"`
	CategoryLabel string  `json:"category_label,omitempty"`
	Confidence    float64 `json:"confidence"`
	Stages        []Stage `json:"source_stages"`
	Reason        string  `json:"reason,omitempty"`
}

func NewCandidate(e Entry, confidence float64, stage Stage) Candidate {
	return Candidate{
		Code:          e.Code,
		Name:          e.Name(),
		NameSecondary: e.NameSecondary,
		Level:         e.Level,
		CategoryLabel: e.CategoryLabel,
		Confidence:    Clamp01(confidence),
		Stages:        []Stage{stage},
	}
}

// Stage returns the stage that produced the highest confidence, which is the
// first one recorded for the winning score.
func (c Candidate) Stage() Stage {
	if len(c.Stages) == 0 {
		return ""
	}
	return c.Stages[0]
}

func (c Candidate) HasStage(s Stage) bool {
	for _, st := range c.Stages {
		if st == s {
			return true
		}
	}
	return false
}

// MergeCandidates dedups by code. The surviving candidate carries the maximum
// confidence seen and every contributing stage, the winning stage first.
func MergeCandidates(lists ...[]Candidate) []Candidate {
	index := make(map[string]int)
	var out []Candidate
	for _, list := range lists {
		for _, c := range list {
			i, ok := index[c.Code]
			if !ok {
				c.Stages = append([]Stage(nil), c.Stages...)
				index[c.Code] = len(out)
				out = append(out, c)
				continue
			}
			cur := &out[i]
			if c.Confidence > cur.Confidence {
				stages := append(append([]Stage(nil), c.Stages...), cur.Stages...)
				reason := c.Reason
				if reason == "" {
					reason = cur.Reason
				}
				*cur = c
				cur.Stages = dedupStages(stages)
				cur.Reason = reason
			} else {
				cur.Stages = dedupStages(append(cur.Stages, c.Stages...))
				if cur.Reason == "" {
					cur.Reason = c.Reason
				}
			}
		}
	}
	SortCandidates(out)
	return out
}

func dedupStages(stages []Stage) []Stage {
	seen := make(map[Stage]bool, len(stages))
	out := stages[:0]
	for _, s := range stages {
		if seen[s] {
			continue
		}
		seen[s] = true
		out = append(out, s)
	}
	return out
}

// SortCandidates orders by confidence desc, then more specific level, then code.
func SortCandidates(cs []Candidate) {
	sort.SliceStable(cs, func(i, j int) bool {
		if cs[i].Confidence != cs[j].Confidence {
			return cs[i].Confidence > cs[j].Confidence
		}
		if cs[i].Level != cs[j].Level {
			return cs[i].Level > cs[j].Level
		}
		return cs[i].Code < cs[j].Code
	})
}

func Clamp01(v float64) float64 {
	if math.IsNaN(v) || v < 0 {
		return 0
	}
	if v > 1 {
		return 1
	}
	return v
}
