package embedding

import (
	"regexp"
	"strings"
	"unicode/utf8"
)

const (
	MinTokenLength = 3
	MaxTokenLength = 49
)

var splitPattern = regexp.MustCompile(`\W+`)

var stopwords = func() map[string]struct{} {
	words := []string{
		"the", "and", "for", "are", "but", "not", "you", "all", "any", "can", "had", "her", "was", "one", "our", "out",
		"has", "have", "this", "that", "with", "from", "they", "will", "would", "there", "their", "what", "about",
		"which", "when", "were", "been", "into", "than", "then", "them", "these", "those", "some", "such", "very",
		"just", "should", "over", "under", "again", "further", "being", "after", "before", "above", "below", "same",
		"too", "now", "its", "also",
	}
	m := make(map[string]struct{}, len(words))
	for _, w := range words {
		m[w] = struct{}{}
	}
	return m
}()

// Tokenize lowercases text, splits it on non-word characters and keeps the
// tokens between MinTokenLength and MaxTokenLength characters that are not
// stop words. Order and duplicates are preserved.
func Tokenize(text string) []string {
	raw := splitPattern.Split(strings.ToLower(text), -1)
	out := make([]string, 0, len(raw))
	for _, tok := range raw {
		n := utf8.RuneCountInString(tok)
		if n < MinTokenLength || n > MaxTokenLength {
			continue
		}
		if _, isStop := stopwords[tok]; isStop {
			continue
		}
		out = append(out, tok)
	}
	return out
}

// UniqueTokens returns the distinct tokens of text in first-seen order.
func UniqueTokens(text string) []string {
	tokens := Tokenize(text)
	seen := make(map[string]struct{}, len(tokens))
	out := tokens[:0]
	for _, tok := range tokens {
		if _, ok := seen[tok]; ok {
			continue
		}
		seen[tok] = struct{}{}
		out = append(out, tok)
	}
	return out
}
