package chunker

import (
	"strings"
	"unicode"
)

// bullets maps glyphs PDF extractors emit for list markers to a plain bullet.
var bullets = map[rune]bool{
	'\uf0b7': true, // Symbol-font private-use bullet
	'●':      true,
	'▪':      true,
	'◦':      true,
	'‣':      true,
	'⁃':      true,
	'∙':      true,
}

// Clean normalises extracted page text: control characters are dropped, bullet glyphs
// become "•" and whitespace runs collapse to a single space.
func Clean(text string) string {
	var b strings.Builder
	b.Grow(len(text))

	pendingSpace := false
	for _, r := range text {
		switch {
		case unicode.IsSpace(r):
			pendingSpace = true
			continue
		case r == unicode.ReplacementChar, unicode.IsControl(r):
			continue
		case bullets[r]:
			r = '•'
		}
		if pendingSpace && b.Len() > 0 {
			b.WriteByte(' ')
		}
		pendingSpace = false
		b.WriteRune(r)
	}
	return b.String()
}

// SplitSentences splits cleaned text after ".", "!", "?" or "。" when followed by
// whitespace. The terminator stays with its sentence.
func SplitSentences(text string) []string {
	runes := []rune(text)
	var sentences []string
	start := 0
	for i, r := range runes {
		if !isTerminator(r) || i+1 >= len(runes) || !unicode.IsSpace(runes[i+1]) {
			continue
		}
		if s := strings.TrimSpace(string(runes[start : i+1])); s != "" {
			sentences = append(sentences, s)
		}
		start = i + 1
	}
	if s := strings.TrimSpace(string(runes[start:])); s != "" {
		sentences = append(sentences, s)
	}
	return sentences
}

func isTerminator(r rune) bool {
	switch r {
	case '.', '!', '?', '。':
		return true
	}
	return false
}
