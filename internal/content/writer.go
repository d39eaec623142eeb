package content

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"unicode/utf8"

	"github.com/ankittk/sybil/internal/actuation"
	"github.com/ankittk/sybil/internal/policy"
	"github.com/ankittk/sybil/pkg/models"
)

// newsChance is the probability a post carries a news link.
const newsChance = 0.3

// ErrEmpty is returned when the policy service produced no usable text.
var ErrEmpty = errors.New("content: empty text")

// Writer turns an agent's personality into publishable text.
type Writer struct {
	Policy policy.Service
	News   NewsSource // optional
	Rand   Rand
}

// NewWriter returns a Writer. rnd may be nil.
func NewWriter(svc policy.Service, news NewsSource, rnd Rand) *Writer {
	if rnd == nil {
		rnd = NewRand(1)
	}
	return &Writer{Policy: svc, News: news, Rand: rnd}
}

func persona(a models.Agent) string {
	p := strings.TrimSpace(a.Personality)
	if p == "" {
		p = "an ordinary user"
	}
	return fmt.Sprintf("You are @%s, %s, on a short-form social network. Your tone is %s. "+
		"Write like a real person: no hashtags spam, no emoji walls, never mention being an AI.",
		a.Handle, p, Tone(a.Personality))
}

// Post writes an original public post. hint is the agent's free-text policy hint;
// feed gives recent posts for context.
func (w *Writer) Post(ctx context.Context, a models.Agent, hint string, feed []actuation.Post) (string, error) {
	limit := models.PostCharLimit
	var link Headline
	if w.News != nil && w.Rand.Float64() < newsChance {
		h, err := w.News.Headline(ctx, Topic(a.Personality))
		if err != nil {
			slog.Debug("news headline unavailable", "agent", a.Handle, "err", err)
		} else if h.URL != "" {
			link = h
			limit -= utf8.RuneCountInString(h.URL) + 1
		}
	}
	length := PickLength(w.Rand.Float64(), limit)

	var b strings.Builder
	if link.URL != "" {
		fmt.Fprintf(&b, "Write a post reacting to this headline: %q.\n", link.Title)
	} else {
		b.WriteString("Write one new post about whatever is on your mind.\n")
	}
	if hint != "" {
		fmt.Fprintf(&b, "Guidance: %s\n", hint)
	}
	if len(feed) > 0 {
		b.WriteString("Recent posts in your feed:\n")
		for i, p := range feed {
			if i == 5 {
				break
			}
			fmt.Fprintf(&b, "- @%s: %s\n", p.AuthorHandle, Clamp(p.Content, 140))
		}
	}
	b.WriteString(length.Instruction())
	b.WriteString(" Reply with the post text only.")

	text, err := w.generate(ctx, a, b.String(), length.MaxChars)
	if err != nil {
		return "", err
	}
	if link.URL != "" {
		text += " " + link.URL
	}
	return text, nil
}

// ReplyTo writes a public reply to post.
func (w *Writer) ReplyTo(ctx context.Context, a models.Agent, post actuation.Post) (string, error) {
	length := PickLength(w.Rand.Float64(), models.PostCharLimit)
	prompt := fmt.Sprintf("@%s posted: %q\nWrite a reply to it. %s Reply with the text only.",
		post.AuthorHandle, Clamp(post.Content, 280), length.Instruction())
	return w.generate(ctx, a, prompt, length.MaxChars)
}

// MessageReply answers a private conversation. history is used when available,
// otherwise summary (the last message) stands in for it.
func (w *Writer) MessageReply(ctx context.Context, a models.Agent, peerHandle string, history []actuation.Message, summary string) (string, error) {
	var b strings.Builder
	fmt.Fprintf(&b, "You are in a private conversation with @%s.\n", peerHandle)
	if len(history) > 0 {
		start := 0
		if len(history) > 10 {
			start = len(history) - 10
		}
		for _, m := range history[start:] {
			fmt.Fprintf(&b, "@%s: %s\n", m.SenderHandle, m.Content)
		}
	} else {
		fmt.Fprintf(&b, "Their last message: %q\n", summary)
	}
	b.WriteString("Write your next message. Keep it natural and under a few sentences. Reply with the text only.")
	return w.generate(ctx, a, b.String(), models.MessageCharLimit)
}

// Reactions generates n short generic replies to post for the fleet reaction cache.
func (w *Writer) Reactions(ctx context.Context, post actuation.Post, n int) ([]string, error) {
	if n <= 0 {
		return nil, nil
	}
	prompt := fmt.Sprintf("Someone posted: %q\nWrite %d different short, casual replies a fan might leave, "+
		"each under 100 characters, one per line, no numbering.", Clamp(post.Content, 280), n)
	text, err := w.Policy.Generate(ctx, prompt, policy.GenerateOptions{MaxTokens: 60 * n})
	if err != nil {
		return nil, err
	}
	var out []string
	for _, line := range strings.Split(text, "\n") {
		line = strings.TrimSpace(strings.TrimLeft(line, "-*0123456789.) "))
		line = strings.Trim(line, `"`)
		if line == "" {
			continue
		}
		out = append(out, Clamp(line, models.PostCharLimit))
		if len(out) == n {
			break
		}
	}
	return out, nil
}

// Bio writes a one-line profile bio for a newly created account.
func (w *Writer) Bio(ctx context.Context, name, handle string) (string, error) {
	prompt := fmt.Sprintf("Write a short profile bio for %s. One line, first person, no hashtags. Reply with the text only.", name)
	return w.generate(ctx, models.Agent{Handle: handle}, prompt, bioCharLimit)
}

const bioCharLimit = 160

func (w *Writer) generate(ctx context.Context, a models.Agent, prompt string, limit int) (string, error) {
	text, err := w.Policy.Generate(ctx, prompt, policy.GenerateOptions{
		System:    persona(a),
		MaxTokens: limit/2 + 40,
	})
	if err != nil {
		return "", fmt.Errorf("generate content: %w", err)
	}
	text = Clamp(strings.Trim(strings.TrimSpace(text), `"`), limit)
	if text == "" {
		return "", ErrEmpty
	}
	return text, nil
}
