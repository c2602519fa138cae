package classifier

import (
	"fmt"
	"strings"

	"github.com/hs-classifier/backend/internal/catalog"
)

// sameBranch reports whether one code is an ancestor of the other. Such
// candidates describe the same goods at different depth and never compete.
func sameBranch(a, b string) bool {
	return strings.HasPrefix(a, b) || strings.HasPrefix(b, a)
}

// contenders returns the candidates that compete with the best one: those
// within margin of its confidence on a different branch, best first.
func contenders(cands []catalog.Candidate, margin float64) []catalog.Candidate {
	if len(cands) == 0 {
		return nil
	}
	best := cands[0]
	out := []catalog.Candidate{best}
	for _, c := range cands[1:] {
		if best.Confidence-c.Confidence > margin {
			break
		}
		if sameBranch(best.Code, c.Code) {
			continue
		}
		out = append(out, c)
	}
	return out
}

// isUnique reports whether the best candidate stands alone.
func isUnique(cands []catalog.Candidate, margin float64) bool {
	return len(cands) > 0 && len(contenders(cands, margin)) == 1
}

// clarifyingQuestions derives up to limit questions from what differs among
// the competing candidates: section of the tariff, category, then the items
// themselves.
func clarifyingQuestions(cands []catalog.Candidate, limit int) []string {
	if len(cands) == 0 || limit <= 0 {
		return nil
	}
	if len(cands) > 4 {
		cands = cands[:4]
	}

	var questions []string
	if groups := distinct(cands, func(c catalog.Candidate) string { return catalog.ChapterGroup(c.Code) }); len(groups) > 1 {
		questions = append(questions, fmt.Sprintf(
			"이 제품은 %s 중 어느 쪽에 가깝습니까? (예: 재질로 분류되는 물품인지, 기계·기기인지)",
			joinOr(groups)))
	}
	if labels := distinct(cands, func(c catalog.Candidate) string { return c.CategoryLabel }); len(labels) > 1 {
		questions = append(questions, fmt.Sprintf("제품의 성질은 %s 중 무엇에 해당합니까?", joinOr(labels)))
	}
	if len(cands) == 1 {
		questions = append(questions, fmt.Sprintf(
			"제품이 %s(%s)에 해당합니까? 아니라면 재질, 기능, 용도를 알려주세요.", cands[0].Name, cands[0].Code))
	} else {
		items := make([]string, 0, len(cands))
		for i, c := range cands {
			items = append(items, fmt.Sprintf("%d) %s(%s)", i+1, c.Name, c.Code))
		}
		questions = append(questions, "다음 중 어느 품목에 해당합니까? "+strings.Join(items, " "))
	}

	if len(questions) > limit {
		// The item list is the most direct question; keep it.
		questions = append(questions[:limit-1], questions[len(questions)-1])
	}
	return questions
}

func distinct(cands []catalog.Candidate, key func(catalog.Candidate) string) []string {
	seen := map[string]bool{}
	var out []string
	for _, c := range cands {
		k := key(c)
		if k == "" || seen[k] {
			continue
		}
		seen[k] = true
		out = append(out, k)
	}
	return out
}

func joinOr(values []string) string {
	quoted := make([]string, len(values))
	for i, v := range values {
		quoted[i] = "'" + v + "'"
	}
	return strings.Join(quoted, ", ")
}
