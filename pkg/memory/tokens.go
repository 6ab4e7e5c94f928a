package memory

// EstimateTokens approximates model tokens: about four ASCII characters per
// token and one token per non-ASCII rune. Non-empty text is at least 1.
func EstimateTokens(text string) int {
	weight := 0
	for _, r := range text {
		if r <= 127 {
			weight++
		} else {
			weight += 4
		}
	}
	return (weight + 3) / 4
}
