package chunker

import (
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestClean(t *testing.T) {
	tests := []struct {
		name  string
		input string
		want  string
	}{
		{"collapses whitespace", "  a \t\n b\r\n\nc  ", "a b c"},
		{"drops NUL", "fu\x00el", "fuel"},
		{"drops control characters", "a\x07b\x1bc", "abc"},
		{"private-use bullet", "\uf0b7 Check oil", "• Check oil"},
		{"unicode bullets", "● one ▪ two ◦ three", "• one • two • three"},
		{"keeps CJK", "항공기  정비。 다음", "항공기 정비。 다음"},
		{"empty", "", ""},
		{"only whitespace", " \n\t ", ""},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.want, Clean(tt.input))
		})
	}
}

func TestSplitSentences(t *testing.T) {
	tests := []struct {
		name  string
		input string
		want  []string
	}{
		{"basic", "One. Two! Three?", []string{"One.", "Two!", "Three?"}},
		{"no trailing terminator", "One. Two", []string{"One.", "Two"}},
		{"decimal stays", "Pressure is 29.92 inHg. Next.", []string{"Pressure is 29.92 inHg.", "Next."}},
		{"ideographic full stop", "第一。 第二。", []string{"第一。", "第二。"}},
		{"empty", "", nil},
		{"single", "No terminator at all", []string{"No terminator at all"}},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.want, SplitSentences(tt.input))
		})
	}
}
