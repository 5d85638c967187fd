package search

import "strings"

// Stop words to filter out when comparing texts
var stopWords = map[string]bool{
	"the": true, "a": true, "an": true, "be": true, "is": true, "are": true,
	"was": true, "to": true, "of": true, "and": true, "in": true, "that": true,
	"have": true, "it": true, "for": true, "not": true, "on": true, "with": true,
	"as": true, "you": true, "do": true, "at": true, "this": true, "but": true,
	"by": true, "from": true, "what": true, "which": true, "how": true,
}

// tokenizeAndFilter splits text into words, lowercases, trims punctuation, and removes stop words
func tokenizeAndFilter(text string) []string {
	words := strings.Fields(text)
	filtered := make([]string, 0, len(words))

	for _, word := range words {
		// Lowercase and trim punctuation
		cleaned := strings.ToLower(strings.Trim(word, ".,!?;:'\"-()[]{}"))

		// Skip stop words and empty strings
		if cleaned != "" && !stopWords[cleaned] {
			filtered = append(filtered, cleaned)
		}
	}

	return filtered
}

func tokenSet(text string) map[string]bool {
	words := tokenizeAndFilter(text)
	set := make(map[string]bool, len(words))
	for _, w := range words {
		set[w] = true
	}
	return set
}

// jaccard is the overlap of two token sets; two empty sets are identical.
func jaccard(a, b map[string]bool) float64 {
	if len(a) == 0 && len(b) == 0 {
		return 1
	}
	inter := 0
	for w := range a {
		if b[w] {
			inter++
		}
	}
	return float64(inter) / float64(len(a)+len(b)-inter)
}

// coverage is the fraction of query words that appear in the document.
func coverage(document map[string]bool, query string) float64 {
	queryWords := tokenizeAndFilter(query)
	if len(queryWords) == 0 {
		return 0
	}
	found := 0
	for _, w := range queryWords {
		if document[w] {
			found++
		}
	}
	return float64(found) / float64(len(queryWords))
}

// compactTokens lowercases text and keeps only letters and digits of each
// word, dropping the word "form" so "DD Form 254" reads as "dd", "254".
func compactTokens(text string) []string {
	var out []string
	for _, word := range strings.Fields(strings.ToLower(text)) {
		word = strings.Map(func(r rune) rune {
			if (r >= 'a' && r <= 'z') || (r >= '0' && r <= '9') {
				return r
			}
			return -1
		}, word)
		if word == "" || word == "form" || word == "forms" {
			continue
		}
		out = append(out, word)
	}
	return out
}

// mentions reports whether up to three adjacent tokens spell key, so a
// document type "DD254" matches "DD Form 254", "DD-254" and "dd254".
func mentions(tokens []string, key string) bool {
	if key == "" {
		return false
	}
	for i := range tokens {
		joined := ""
		for j := i; j < len(tokens) && j < i+3 && len(joined) < len(key); j++ {
			joined += tokens[j]
			if joined == key {
				return true
			}
		}
	}
	return false
}
