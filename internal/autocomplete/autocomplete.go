// Package autocomplete suggests completions for the last word of a partially typed query.
package autocomplete

import (
	"regexp"
	"strings"
)

// DefaultLimit is the number of suggestions returned when no positive limit is given.
const DefaultLimit = 5

var separator = regexp.MustCompile(`[^a-z0-9]+`)

// LastToken returns the lower-cased word being typed at the end of input. It is empty when input
// ends in whitespace or punctuation.
func LastToken(input string) string {
	tokens := separator.Split(strings.ToLower(input), -1)
	return tokens[len(tokens)-1]
}

// Suggest returns up to limit vocabulary entries that extend the last word of input, in
// vocabulary order. Entries equal to the word itself are skipped. A limit of zero or less
// selects DefaultLimit. The result is never nil.
func Suggest(input string, vocabulary []string, limit int) []string {
	if limit <= 0 {
		limit = DefaultLimit
	}
	out := []string{}

	last := LastToken(input)
	if last == "" {
		return out
	}
	for _, word := range vocabulary {
		if word == last || !strings.HasPrefix(word, last) {
			continue
		}
		out = append(out, word)
		if len(out) == limit {
			break
		}
	}
	return out
}
