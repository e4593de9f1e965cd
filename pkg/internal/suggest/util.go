package suggest

import (
	"sort"

	"github.com/agext/levenshtein"
)

type suggestion struct {
	text  string
	score float64
}

// Closest returns up to max candidates similar to given, best first.
// Candidates scoring below minScore are dropped.
func Closest(given string, candidates []string, minScore float64, max int) []string {
	var result []suggestion
	for _, text := range candidates {
		score := Score(given, text)
		if score < minScore {
			continue
		}
		result = append(result, suggestion{
			text:  text,
			score: score,
		})
	}
	sortSuggestions(result)
	if len(result) > max {
		result = result[:max]
	}
	out := make([]string, len(result))
	for i, s := range result {
		out[i] = s.text
	}
	return out
}

func sortSuggestions(s []suggestion) {
	sort.SliceStable(s, func(i, j int) bool {
		return s[i].score > s[j].score
	})
}

// Score rates the similarity of two strings between 0 and 1.
func Score(given, suggestion string) float64 {
	return levenshtein.Similarity(given, suggestion, nil)
}
