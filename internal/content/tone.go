package content

import (
	"math/rand"
	"strconv"
	"strings"
	"sync"
)

// Rand is the randomness the content, planner and pipeline code draws from.
// Tests inject a fixed sequence.
type Rand interface {
	Float64() float64
	Intn(n int) int
}

// LockedRand is a Rand safe for concurrent use.
type LockedRand struct {
	mu sync.Mutex
	r  *rand.Rand
}

// NewRand returns a LockedRand seeded with seed.
func NewRand(seed int64) *LockedRand {
	return &LockedRand{r: rand.New(rand.NewSource(seed))}
}

func (l *LockedRand) Float64() float64 {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.r.Float64()
}

func (l *LockedRand) Intn(n int) int {
	if n <= 0 {
		return 0
	}
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.r.Intn(n)
}

var tones = []struct {
	keywords []string
	tone     string
}{
	{[]string{"aggressive", "troll", "villain", "chaos"}, "cocky, combative and a little provocative"},
	{[]string{"friendly", "wholesome", "kind", "helper"}, "warm, upbeat and encouraging"},
	{[]string{"finance", "analyst", "investor", "trader"}, "dry, analytical and numbers-minded"},
	{[]string{"tech", "nerd", "hacker", "engineer"}, "curious, nerdy and playful"},
	{[]string{"sports", "athlete", "fan"}, "hyped, energetic and competitive"},
	{[]string{"politic", "activist", "news"}, "opinionated but measured"},
	{[]string{"poet", "artist", "dreamer"}, "lyrical and reflective"},
}

// Tone maps a free-text personality to a tone instruction.
func Tone(personality string) string {
	p := strings.ToLower(personality)
	for _, t := range tones {
		for _, k := range t.keywords {
			if strings.Contains(p, k) {
				return t.tone
			}
		}
	}
	return "casual and conversational"
}

// Topic maps a personality to a news topic.
func Topic(personality string) string {
	p := strings.ToLower(personality)
	switch {
	case strings.Contains(p, "tech"):
		return "technology"
	case strings.Contains(p, "financ"):
		return "business"
	case strings.Contains(p, "sport"):
		return "sports"
	case strings.Contains(p, "politic"):
		return "politics"
	}
	return "world"
}

// LengthHint is a randomized target length used to vary how human posts look.
type LengthHint struct {
	Label    string
	MaxChars int
}

// PickLength draws a length hint: ~30% short, ~30% medium, ~40% full.
func PickLength(r float64, limit int) LengthHint {
	switch {
	case r < 0.3:
		return LengthHint{Label: "short", MaxChars: min(80, limit)}
	case r < 0.6:
		return LengthHint{Label: "medium", MaxChars: min(160, limit)}
	}
	return LengthHint{Label: "full", MaxChars: limit}
}

// Instruction renders the hint for a prompt.
func (h LengthHint) Instruction() string {
	switch h.Label {
	case "short":
		return "Keep it very short: one punchy line under 80 characters."
	case "medium":
		return "Keep it brief: one or two sentences under 160 characters."
	}
	return "Use up to " + strconv.Itoa(h.MaxChars) + " characters."
}
