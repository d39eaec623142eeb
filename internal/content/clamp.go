// Package content builds and trims the free text agents publish: posts,
// replies and private messages.
package content

import (
	"strings"
	"unicode"

	"github.com/ankittk/sybil/pkg/models"
)

// sentenceFloor is the fraction of the window a sentence cut must lie beyond.
const sentenceFloor = 0.15

// Clamp trims text to at most limit runes. When cutting is needed it prefers the
// last sentence end inside the window (if it lies beyond the first 15%), then the
// last word boundary, and only cuts mid-word when the window has no space at all.
func Clamp(text string, limit int) string {
	text = strings.TrimSpace(text)
	if limit <= 0 {
		return ""
	}
	runes := []rune(text)
	if len(runes) <= limit {
		return text
	}
	window := runes[:limit]

	floor := int(float64(limit) * sentenceFloor)
	for i := len(window) - 1; i >= floor; i-- {
		if !isSentenceEnd(window[i]) {
			continue
		}
		// The terminator must close a sentence, not sit inside a token like "3.5".
		if !unicode.IsSpace(runes[i+1]) {
			continue
		}
		return strings.TrimSpace(string(window[:i+1]))
	}

	if unicode.IsSpace(runes[limit]) {
		return strings.TrimSpace(string(window))
	}
	for i := len(window) - 1; i > 0; i-- {
		if unicode.IsSpace(window[i]) {
			return strings.TrimRightFunc(string(window[:i]), unicode.IsSpace)
		}
	}
	return string(window)
}

// ClampFor clamps text to the limit of the given action.
func ClampFor(action models.Action, text string) string {
	return Clamp(text, action.ContentLimit())
}

func isSentenceEnd(r rune) bool {
	return r == '.' || r == '!' || r == '?' || r == '…'
}
