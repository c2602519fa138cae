// Package textproc holds the text handling shared by the matchers: query
// normalization, tokenization and markup stripping.
package textproc

import (
	"regexp"
	"strings"
	"unicode"

	"github.com/PuerkitoBio/goquery"
	"github.com/jdkato/prose/v2"
	"golang.org/x/text/unicode/norm"
)

var markupPattern = regexp.MustCompile(`<[a-zA-Z/][^>]*>`)

// Normalize composes Hangul (NFC), lowercases, trims and collapses inner
// whitespace. Alias and keyword sets are stored in this form.
func Normalize(s string) string {
	s = norm.NFC.String(s)
	s = strings.ToLower(s)
	return strings.Join(strings.Fields(s), " ")
}

// NormalizeAll normalizes every element and drops empties and duplicates,
// keeping first-seen order.
func NormalizeAll(values []string) []string {
	seen := make(map[string]struct{}, len(values))
	out := make([]string, 0, len(values))
	for _, v := range values {
		n := Normalize(v)
		if n == "" {
			continue
		}
		if _, ok := seen[n]; ok {
			continue
		}
		seen[n] = struct{}{}
		out = append(out, n)
	}
	return out
}

// Tokenize splits text into normalized word tokens. Punctuation-only tokens
// are dropped and duplicates removed.
func Tokenize(s string) []string {
	s = Normalize(s)
	if s == "" {
		return nil
	}

	doc, err := prose.NewDocument(s,
		prose.WithTagging(false),
		prose.WithSegmentation(false),
		prose.WithExtraction(false),
	)
	var raw []string
	if err != nil {
		raw = strings.Fields(s)
	} else {
		for _, tok := range doc.Tokens() {
			raw = append(raw, tok.Text)
		}
	}

	out := make([]string, 0, len(raw))
	seen := make(map[string]struct{}, len(raw))
	for _, tok := range raw {
		tok = strings.TrimFunc(tok, func(r rune) bool { return !unicode.IsLetter(r) && !unicode.IsNumber(r) })
		if tok == "" {
			continue
		}
		if _, ok := seen[tok]; ok {
			continue
		}
		seen[tok] = struct{}{}
		out = append(out, tok)
	}
	return out
}

// StripMarkup returns the visible text of s when it contains HTML tags, as
// happens with product descriptions pasted from marketplace pages.
func StripMarkup(s string) string {
	if !markupPattern.MatchString(s) {
		return s
	}
	doc, err := goquery.NewDocumentFromReader(strings.NewReader(s))
	if err != nil {
		return markupPattern.ReplaceAllString(s, " ")
	}
	doc.Find("script, style, noscript").Remove()
	return strings.Join(strings.Fields(doc.Text()), " ")
}

// DigitsOnly removes everything but ASCII digits, so "8471.30-1000" becomes
// "8471301000".
func DigitsOnly(s string) string {
	var b strings.Builder
	b.Grow(len(s))
	for _, r := range s {
		if r >= '0' && r <= '9' {
			b.WriteRune(r)
		}
	}
	return b.String()
}
