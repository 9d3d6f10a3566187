// Package chunker splits normalized text into overlapping, bounded-size
// passages. Chunking is pure and deterministic for identical input and
// parameters, which is what makes reprocessing idempotent.
package chunker

import "fmt"

// Piece is one chunk plus its rune offsets into the source text. Offsets feed
// chunk metadata so a retrieval hit can be traced back to its location.
type Piece struct {
	Index int
	Text  string
	Start int // inclusive rune offset
	End   int // exclusive rune offset
}

// Chunk splits text into pieces of at most maxChars runes, adjacent pieces
// sharing exactly overlapChars runes of context (except possibly the final
// piece, which keeps whatever remains). Cuts prefer paragraph boundaries,
// then sentence boundaries, then hard character cuts.
//
// Stripping the leading overlapChars runes from every piece after the first
// and concatenating reconstructs text losslessly: piece i+1 always starts at
// piece i's end minus overlapChars.
func Chunk(text string, maxChars, overlapChars int) ([]Piece, error) {
	if maxChars <= 0 {
		return nil, fmt.Errorf("maxChars must be positive, got %d", maxChars)
	}
	if overlapChars < 0 || overlapChars >= maxChars {
		return nil, fmt.Errorf("overlapChars must be in [0, maxChars), got %d", overlapChars)
	}
	if text == "" {
		return nil, nil
	}

	runes := []rune(text)
	n := len(runes)

	if n <= maxChars {
		return []Piece{{Index: 0, Text: text, Start: 0, End: n}}, nil
	}

	var pieces []Piece
	start := 0
	for start < n {
		end := start + maxChars
		if end >= n {
			end = n
		} else {
			end = cutPoint(runes, start, end)
			// A soft cut must still make progress past the next overlap.
			if end-overlapChars <= start {
				end = start + maxChars
			}
		}

		pieces = append(pieces, Piece{
			Index: len(pieces),
			Text:  string(runes[start:end]),
			Start: start,
			End:   end,
		})
		if end == n {
			break
		}
		start = end - overlapChars
	}
	return pieces, nil
}

// cutPoint picks the cut for a chunk spanning [start, limit). It scans
// backwards from limit for a paragraph break, then a sentence end, never
// going below the window midpoint (a cut too close to start would produce
// tiny chunks from one long paragraph). Falls back to the hard limit.
func cutPoint(runes []rune, start, limit int) int {
	floor := start + (limit-start)/2

	for i := limit; i > floor; i-- {
		if i >= 2 && runes[i-1] == '\n' && runes[i-2] == '\n' {
			return i
		}
	}
	for i := limit; i > floor; i-- {
		if isSentenceEnd(runes, i) {
			return i
		}
	}
	return limit
}

// isSentenceEnd reports whether position i (exclusive end of a cut) sits
// right after a sentence terminator followed by whitespace, or after a
// newline.
func isSentenceEnd(runes []rune, i int) bool {
	if i < 2 || i >= len(runes) {
		return false
	}
	if runes[i-1] == '\n' {
		return true
	}
	prev := runes[i-2]
	cur := runes[i-1]
	if (prev == '.' || prev == '!' || prev == '?') && (cur == ' ' || cur == '\t') {
		return true
	}
	return false
}

// Reassemble concatenates pieces with overlaps removed. It exists for the
// lossless-reconstruction invariant and for tests; the pipeline itself never
// needs the full text back.
func Reassemble(pieces []Piece, overlapChars int) string {
	var runes []rune
	for i, p := range pieces {
		pr := []rune(p.Text)
		if i > 0 && overlapChars > 0 {
			if overlapChars > len(pr) {
				pr = nil
			} else {
				pr = pr[overlapChars:]
			}
		}
		runes = append(runes, pr...)
	}
	return string(runes)
}
