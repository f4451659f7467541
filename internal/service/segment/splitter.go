package segment

import (
	"strings"
	"unicode"
	"unicode/utf8"
)

// DefaultTerminators end a sentence when followed by whitespace.
const DefaultTerminators = ".!?"

// Splitter finds sentence boundaries in running text.
type Splitter struct {
	terminators string
}

// NewSplitter returns a splitter for the given terminator runes. An empty
// string selects DefaultTerminators.
func NewSplitter(terminators string) Splitter {
	if terminators == "" {
		terminators = DefaultTerminators
	}
	return Splitter{terminators: terminators}
}

// Split returns the complete sentences in text and the trailing remainder.
// A sentence ends at a terminator immediately followed by whitespace, so a
// terminator at the very end of text is not yet a boundary. Sentences and
// remainder are trimmed; sentences without a letter or digit are skipped.
func (s Splitter) Split(text string) (sentences []string, rest string) {
	start := 0
	for i, r := range text {
		if !strings.ContainsRune(s.terminators, r) {
			continue
		}
		end := i + utf8.RuneLen(r)
		next, _ := utf8.DecodeRuneInString(text[end:])
		if end >= len(text) || !unicode.IsSpace(next) {
			continue
		}
		if sentence := strings.TrimSpace(text[start:end]); hasWord(sentence) {
			sentences = append(sentences, sentence)
		}
		start = end
	}
	return sentences, strings.TrimSpace(text[start:])
}

func hasWord(s string) bool {
	return strings.IndexFunc(s, func(r rune) bool {
		return unicode.IsLetter(r) || unicode.IsDigit(r)
	}) >= 0
}
