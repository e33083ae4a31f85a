package tools

import (
	"math"
	"slices"
	"strings"
	"unicode"
)

// Okapi BM25 parameters.
const (
	bm25K1      = 1.2
	bm25B       = 0.75
	bm25Epsilon = 0.25

	// titleWeight repeats title tokens so headings rank above body text.
	titleWeight = 3
)

// document is one indexed file.
type document struct {
	Path  string
	Title string
	Body  string
}

// hit is a ranked search result.
type hit struct {
	doc   *document
	score float64
}

// index is an immutable BM25 index over documents.
type index struct {
	docs   []*document
	tf     []map[string]int
	length []int
	avgLen float64
	idf    map[string]float64
}

func newIndex(docs []*document) *index {
	ix := &index{
		docs:   docs,
		tf:     make([]map[string]int, len(docs)),
		length: make([]int, len(docs)),
		idf:    make(map[string]float64),
	}
	df := make(map[string]int)
	total := 0
	for i, d := range docs {
		var toks []string
		title := tokenize(d.Title)
		for range titleWeight {
			toks = append(toks, title...)
		}
		toks = append(toks, tokenize(d.Body)...)

		tf := make(map[string]int)
		for _, tok := range toks {
			if tf[tok] == 0 {
				df[tok]++
			}
			tf[tok]++
		}
		ix.tf[i] = tf
		ix.length[i] = len(toks)
		total += len(toks)
	}
	if len(docs) > 0 {
		ix.avgLen = float64(total) / float64(len(docs))
	}
	n := float64(len(docs))
	for term, f := range df {
		idf := math.Log(1 + (n-float64(f)+0.5)/(float64(f)+0.5))
		if idf < 0 {
			idf = bm25Epsilon
		}
		ix.idf[term] = idf
	}
	return ix
}

// search returns up to limit documents with a positive score, best first.
// Ties keep index order.
func (ix *index) search(query string, limit int) []hit {
	q := tokenize(query)
	if len(q) == 0 || ix.avgLen == 0 {
		return nil
	}
	var hits []hit
	for i, d := range ix.docs {
		var score float64
		for _, tok := range q {
			f := float64(ix.tf[i][tok])
			if f == 0 {
				continue
			}
			dl := float64(ix.length[i])
			score += ix.idf[tok] * f * (bm25K1 + 1) / (f + bm25K1*(1-bm25B+bm25B*dl/ix.avgLen))
		}
		if score > 0 {
			hits = append(hits, hit{doc: d, score: score})
		}
	}
	slices.SortStableFunc(hits, func(a, b hit) int {
		switch {
		case a.score > b.score:
			return -1
		case a.score < b.score:
			return 1
		}
		return 0
	})
	if limit > 0 && len(hits) > limit {
		hits = hits[:limit]
	}
	return hits
}

func isCJK(r rune) bool {
	return unicode.In(r, unicode.Han, unicode.Hiragana, unicode.Katakana, unicode.Hangul)
}

// tokenize lowercases s and splits it into letter/digit runs. CJK runes
// have no word boundaries and become one token each.
func tokenize(s string) []string {
	var (
		toks []string
		cur  strings.Builder
	)
	flush := func() {
		if cur.Len() > 0 {
			toks = append(toks, cur.String())
			cur.Reset()
		}
	}
	for _, r := range strings.ToLower(s) {
		switch {
		case isCJK(r):
			flush()
			toks = append(toks, string(r))
		case unicode.IsLetter(r) || unicode.IsDigit(r):
			cur.WriteRune(r)
		default:
			flush()
		}
	}
	flush()
	return toks
}

// docTitle returns the first markdown heading of body, or "".
func docTitle(body string) string {
	for line := range strings.Lines(body) {
		line = strings.TrimSpace(line)
		if strings.HasPrefix(line, "#") {
			return strings.TrimSpace(strings.TrimLeft(line, "#"))
		}
	}
	return ""
}

// snippet returns the first line of body containing a query token,
// clipped to width runes.
func snippet(body, query string, width int) string {
	q := tokenize(query)
	for line := range strings.Lines(body) {
		line = strings.TrimSpace(line)
		if line == "" {
			continue
		}
		lower := strings.ToLower(line)
		for _, tok := range q {
			if strings.Contains(lower, tok) {
				return clip(line, width)
			}
		}
	}
	return ""
}

func clip(s string, width int) string {
	r := []rune(s)
	if len(r) <= width {
		return s
	}
	return string(r[:width]) + "…"
}
