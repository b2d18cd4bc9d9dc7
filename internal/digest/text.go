package digest

// Snippet returns at most max runes of s, appending an ellipsis when the
// text was cut. Prompts embed snippets rather than full bodies to keep
// token usage bounded.
func Snippet(s string, max int) string {
	if max <= 0 {
		return ""
	}
	runes := []rune(s)
	if len(runes) <= max {
		return s
	}
	return string(runes[:max]) + "..."
}
