// Package tokenutil provides rough token estimates for transcript sizing.
package tokenutil

import "strings"

// EstimateTokens returns a word-based token estimate: whitespace-split
// word count times 1.33, floored at len/4 for code and non-English text.
func EstimateTokens(content string) int {
	if content == "" {
		return 0
	}
	words := len(strings.Fields(content))
	wordEstimate := int(float64(words) * 1.33)
	charEstimate := len(content) / 4
	if wordEstimate > charEstimate {
		return wordEstimate
	}
	return charEstimate
}

// EstimateAll sums the estimate over several strings.
func EstimateAll(contents ...string) int {
	total := 0
	for _, c := range contents {
		total += EstimateTokens(c)
	}
	return total
}
