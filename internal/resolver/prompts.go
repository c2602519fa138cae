package resolver

import (
	"fmt"
	"strings"

	"github.com/hs-classifier/backend/internal/catalog"
)

const systemPrompt = `당신은 한국 관세 HS 코드 분류 전문가입니다.
제품 설명을 읽고 관세율표의 류(2단위)와 호(4단위) 구조에 따라 추론합니다.
항상 요청된 JSON 형식으로만 답하고, 목록에 없는 코드를 만들어내지 않습니다.`

func proposePrompt(query string, context []string, limit int) string {
	var b strings.Builder
	fmt.Fprintf(&b, "제품: %s\n", query)
	if len(context) > 0 {
		fmt.Fprintf(&b, "추가 정보: %s\n", strings.Join(context, ", "))
	}
	fmt.Fprintf(&b, `
이 제품이 속할 가능성이 있는 4자리 HS 호를 최대 %d개 제안하세요.
재질, 기능, 용도가 다른 해석이 가능하면 각각을 별도 후보로 포함하세요.

류 범위 참고:
%s
예시:
- 커피머신 → 8419, 8516, 8509, 8473, 8479
- 노트북 → 8471, 8473, 8504, 8523, 8528

JSON 형식: {"categories": [{"code": "8516", "reason": "전기 가열식 가정용 기기"}]}`, limit, catalog.ChapterHints())
	return b.String()
}

func judgePrompt(query string, context []string, shown []catalog.Candidate) string {
	var b strings.Builder
	fmt.Fprintf(&b, "제품: %s\n", query)
	if len(context) > 0 {
		fmt.Fprintf(&b, "추가 정보: %s\n", strings.Join(context, ", "))
	}
	b.WriteString("\n아래 후보 중 제품에 해당하는 HS 코드가 있는지 판단하세요.\n\n")
	for _, c := range shown {
		name := c.Name
		if c.NameSecondary != "" {
			name += " (" + c.NameSecondary + ")"
		}
		fmt.Fprintf(&b, "- %s: %s\n", c.Code, name)
	}
	b.WriteString(`
목록에 있는 코드만 선택할 수 있습니다. 적합한 후보가 없으면 found를 false로 답하세요.
JSON 형식: {"found": true, "hsCode": "8516710000", "reason": "선택 이유"}`)
	return b.String()
}

func refinePrompt(query string, parent catalog.Entry, children []catalog.Entry) string {
	var b strings.Builder
	fmt.Fprintf(&b, "제품: %s\n선택된 코드: %s - %s\n\n", query, parent.Code, parent.Name())
	b.WriteString("아래 하위 코드 중 제품에 가장 적합한 하나를 고르세요.\n\n")
	for _, c := range children {
		fmt.Fprintf(&b, "- %s: %s\n", c.Code, c.Name())
	}
	b.WriteString(`
목록에 있는 코드만 선택할 수 있습니다. 판단할 수 없으면 hsCode를 빈 문자열로 답하세요.
JSON 형식: {"hsCode": "8516710000", "reason": "선택 이유"}`)
	return b.String()
}

func betterTermsPrompt(query string, tried []string, limit int) string {
	return fmt.Sprintf(`제품: %s
이미 검색한 용어: %s

관세율표 품목명에서 찾을 수 있도록 다른 검색어를 최대 %d개 제안하세요.
일반 명칭, 재질, 기능, 용도 중심의 짧은 한국어 명사로 답하세요. 이미 검색한 용어는 제외하세요.
JSON 형식: {"terms": ["전기 가열기", "조리기기"]}`, query, strings.Join(tried, ", "), limit)
}
