// Package transcript assembles per-chunk transcription results into one text.
package transcript

import (
	"sort"
	"strings"
	"unicode"

	"go.uber.org/zap"
)

const (
	BlankAudioToken = "[BLANK_AUDIO]"

	// DefaultMinOverlapWords is the shortest repeated run trimmed at a chunk
	// boundary. Shorter matches are too likely to be coincidental.
	DefaultMinOverlapWords = 3

	maxOverlapWords = 64
	separator       = "\n\n"
)

// Part is the result of transcribing one chunk. Failed parts carry a reason
// tag and the typed error behind it.
type Part struct {
	Index  int
	Text   string
	OK     bool
	Reason string
	Err    error
}

type Assembler struct {
	MinOverlapWords int
	Logger          *zap.Logger
}

// Merge orders parts by index, skips failed and blank parts and joins the
// rest with a blank line. Text repeated across a chunk boundary, caused by
// the overlapping audio windows, is kept only once.
func Merge(parts []Part) string {
	return Assembler{}.Merge(parts)
}

func (a Assembler) Merge(parts []Part) string {
	logger := a.Logger
	if logger == nil {
		logger = zap.NewNop()
	}
	minWords := a.MinOverlapWords
	if minWords <= 0 {
		minWords = DefaultMinOverlapWords
	}

	ordered := append([]Part(nil), parts...)
	sort.SliceStable(ordered, func(i, j int) bool { return ordered[i].Index < ordered[j].Index })

	var (
		kept []string
		prev string
	)
	for _, part := range ordered {
		if !part.OK {
			logger.Warn("skipping failed transcript part", zap.Int("chunk", part.Index), zap.String("reason", part.Reason))
			continue
		}
		if IsBlank(part.Text) {
			continue
		}

		text := strings.TrimSpace(part.Text)
		if prev != "" {
			if trimmed, n := trimOverlap(prev, text, minWords); n > 0 {
				logger.Debug("trimmed repeated words at chunk boundary", zap.Int("chunk", part.Index), zap.Int("words", n))
				text = trimmed
			}
		}
		if text == "" {
			continue
		}

		kept = append(kept, text)
		prev = text
	}

	return strings.Join(kept, separator)
}

// IsBlank reports whether text carries no speech.
func IsBlank(text string) bool {
	trimmed := strings.TrimSpace(text)
	if trimmed == "" {
		return true
	}
	return strings.EqualFold(trimmed, BlankAudioToken)
}

// WordCount counts whitespace separated words.
func WordCount(text string) int {
	return len(strings.Fields(text))
}

// trimOverlap removes the longest run of leading words of next that repeats
// the trailing words of prev, provided the run is at least minWords long.
func trimOverlap(prev, next string, minWords int) (string, int) {
	prevWords := strings.Fields(prev)
	nextSpans := fieldSpans(next)

	limit := min(len(prevWords), len(nextSpans), maxOverlapWords)
	for n := limit; n >= minWords; n-- {
		if sameWords(prevWords[len(prevWords)-n:], next, nextSpans[:n]) {
			return strings.TrimSpace(next[nextSpans[n-1][1]:]), n
		}
	}
	return next, 0
}

func sameWords(tail []string, text string, spans [][2]int) bool {
	for i, span := range spans {
		if normalizeWord(tail[i]) != normalizeWord(text[span[0]:span[1]]) {
			return false
		}
	}
	return true
}

func normalizeWord(word string) string {
	stripped := strings.TrimFunc(word, func(r rune) bool {
		return unicode.IsPunct(r) || unicode.IsSymbol(r)
	})
	if stripped == "" {
		stripped = word
	}
	return strings.ToLower(stripped)
}

// fieldSpans returns the byte offsets of the whitespace separated words of s.
func fieldSpans(s string) [][2]int {
	var (
		spans [][2]int
		start = -1
	)
	for i, r := range s {
		if unicode.IsSpace(r) {
			if start >= 0 {
				spans = append(spans, [2]int{start, i})
				start = -1
			}
			continue
		}
		if start < 0 {
			start = i
		}
	}
	if start >= 0 {
		spans = append(spans, [2]int{start, len(s)})
	}
	return spans
}
