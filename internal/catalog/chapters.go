package catalog

import (
	"fmt"
	"strconv"
	"strings"
)

type chapterRange struct {
	from, to int
	label    string
}

var chapterRanges = []chapterRange{
	{1, 5, "동물 및 동물성 생산품"},
	{6, 14, "식물성 생산품"},
	{15, 15, "동식물성 유지"},
	{16, 24, "조제 식료품, 음료, 담배"},
	{25, 27, "광물성 생산품"},
	{28, 38, "화학공업 생산품"},
	{39, 40, "플라스틱과 고무"},
	{41, 43, "가죽과 모피"},
	{44, 46, "목재와 코르크"},
	{47, 49, "펄프와 종이"},
	{50, 63, "방직용 섬유와 그 제품"},
	{64, 67, "신발류와 모자류"},
	{68, 70, "석재, 도자제품, 유리"},
	{71, 71, "귀금속과 보석"},
	{72, 83, "비금속과 그 제품"},
	{84, 85, "기계류와 전기기기"},
	{86, 89, "차량, 항공기, 선박"},
	{90, 92, "광학, 정밀기기, 악기"},
	{93, 93, "무기"},
	{94, 96, "잡품"},
	{97, 97, "예술품과 골동품"},
}

// ChapterGroup names the section a code's chapter belongs to, or "".
func ChapterGroup(code string) string {
	if len(code) < 2 {
		return ""
	}
	ch, err := strconv.Atoi(code[:2])
	if err != nil {
		return ""
	}
	for _, r := range chapterRanges {
		if ch >= r.from && ch <= r.to {
			return r.label
		}
	}
	return ""
}

// ChapterHints renders the chapter table for model prompts.
func ChapterHints() string {
	var b strings.Builder
	for _, r := range chapterRanges {
		if r.from == r.to {
			fmt.Fprintf(&b, "- %02d류: %s\n", r.from, r.label)
		} else {
			fmt.Fprintf(&b, "- %02d-%02d류: %s\n", r.from, r.to, r.label)
		}
	}
	return b.String()
}
