package main

import (
	"strings"
	"unicode"

	"golang.org/x/text/cases"
	"golang.org/x/text/runes"
	"golang.org/x/text/transform"
	"golang.org/x/text/unicode/norm"
)

// NormalizeClue reduces clue text to the form clues are compared under:
// accents stripped, case folded, and every run of punctuation or
// whitespace collapsed to a single space.
func NormalizeClue(text string) string {
	t := transform.Chain(norm.NFKD, runes.Remove(runes.In(unicode.Mn)), norm.NFC)
	stripped, _, err := transform.String(t, text)
	if err != nil {
		stripped = text
	}
	folded := cases.Fold().String(stripped)

	var b strings.Builder
	b.Grow(len(folded))
	pendingSpace := false
	for _, r := range folded {
		if unicode.IsLetter(r) || unicode.IsDigit(r) {
			if pendingSpace && b.Len() > 0 {
				b.WriteByte(' ')
			}
			pendingSpace = false
			b.WriteRune(r)
			continue
		}
		pendingSpace = true
	}
	return b.String()
}

// ClueVariants returns every corpus record whose clue normalizes like text,
// whatever its answer.
func ClueVariants(idx *CorpusIndex, text string) []ClueAnswer {
	return idx.LookupByClue(NormalizeClue(text))
}

func overlap(a, b *Puzzle) (rows, cols int) {
	return min(a.Rows, b.Rows, len(a.Grid), len(b.Grid)), min(a.Cols, b.Cols)
}

// CompareGrids marks which cells of the overlapping extent hold the same value.
func CompareGrids(a, b *Puzzle) [][]bool {
	rows, cols := overlap(a, b)
	same := make([][]bool, rows)
	for r := range rows {
		same[r] = make([]bool, cols)
		for c := range cols {
			same[r][c] = a.Cell(r, c) == b.Cell(r, c)
		}
	}
	return same
}

// GridSimilarity is the percentage of matching cells over the overlapping
// extent, rounded down. It applies no threshold.
func GridSimilarity(a, b *Puzzle) int {
	rows, cols := overlap(a, b)
	total := rows * cols
	if total <= 0 {
		return 0
	}
	matches := 0
	for r := range rows {
		for c := range cols {
			if a.Cell(r, c) == b.Cell(r, c) {
				matches++
			}
		}
	}
	return 100 * matches / total
}
