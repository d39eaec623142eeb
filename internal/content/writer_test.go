package content

import (
	"context"
	"errors"
	"strings"
	"testing"
	"unicode/utf8"

	"github.com/ankittk/sybil/internal/actuation"
	"github.com/ankittk/sybil/internal/policy"
	"github.com/ankittk/sybil/pkg/models"
)

type fakePolicy struct {
	text    string
	err     error
	prompts []string
	systems []string
}

func (f *fakePolicy) Generate(_ context.Context, prompt string, opts policy.GenerateOptions) (string, error) {
	f.prompts = append(f.prompts, prompt)
	f.systems = append(f.systems, opts.System)
	return f.text, f.err
}

func (f *fakePolicy) Decide(context.Context, string, any) error { return errors.New("not used") }

// seqRand returns a fixed sequence of floats, repeating the last one.
type seqRand struct {
	f []float64
	i int
}

func (s *seqRand) Float64() float64 {
	v := s.f[min(s.i, len(s.f)-1)]
	s.i++
	return v
}

func (s *seqRand) Intn(n int) int { return 0 }

func TestWriterPostClampsAndUsesPersona(t *testing.T) {
	fp := &fakePolicy{text: strings.Repeat("The market is wild today. ", 30)}
	w := NewWriter(fp, nil, &seqRand{f: []float64{0.9}})
	a := models.Agent{Handle: "neo", Personality: "tech nerd"}
	text, err := w.Post(context.Background(), a, "talk about gadgets", []actuation.Post{{AuthorHandle: "x", Content: "hi"}})
	if err != nil {
		t.Fatalf("Post: %v", err)
	}
	if text == "" || utf8.RuneCountInString(text) > models.PostCharLimit {
		t.Fatalf("post length %d", utf8.RuneCountInString(text))
	}
	if !strings.HasSuffix(text, "today.") {
		t.Fatalf("post should end at a sentence boundary: %q", text)
	}
	if !strings.Contains(fp.systems[0], "@neo") || !strings.Contains(fp.systems[0], Tone("tech")) {
		t.Fatalf("system prompt: %q", fp.systems[0])
	}
	if !strings.Contains(fp.prompts[0], "gadgets") || !strings.Contains(fp.prompts[0], "@x: hi") {
		t.Fatalf("prompt: %q", fp.prompts[0])
	}
}

func TestWriterPostAppendsNewsLinkWithinLimit(t *testing.T) {
	fp := &fakePolicy{text: strings.Repeat("word ", 100)}
	news := NewStaticNews(map[string][]Headline{
		"technology": {{Title: "Chips get smaller", URL: "https://news.example/chips"}},
	})
	// first draw < 0.3 picks a link, second draw selects the full length
	w := NewWriter(fp, news, &seqRand{f: []float64{0.1, 0.9}})
	text, err := w.Post(context.Background(), models.Agent{Handle: "neo", Personality: "tech"}, "", nil)
	if err != nil {
		t.Fatalf("Post: %v", err)
	}
	if !strings.HasSuffix(text, " https://news.example/chips") {
		t.Fatalf("missing link: %q", text)
	}
	if n := utf8.RuneCountInString(text); n > models.PostCharLimit {
		t.Fatalf("post with link is %d runes", n)
	}
	if !strings.Contains(fp.prompts[0], "Chips get smaller") {
		t.Fatalf("prompt should mention the headline: %q", fp.prompts[0])
	}
}

func TestWriterErrors(t *testing.T) {
	w := NewWriter(&fakePolicy{err: errors.New("timeout")}, nil, &seqRand{f: []float64{0.9}})
	if _, err := w.ReplyTo(context.Background(), models.Agent{}, actuation.Post{Content: "x"}); err == nil {
		t.Fatal("expected policy error to propagate")
	}
	w = NewWriter(&fakePolicy{text: "   "}, nil, &seqRand{f: []float64{0.9}})
	if _, err := w.Post(context.Background(), models.Agent{}, "", nil); !errors.Is(err, ErrEmpty) {
		t.Fatalf("expected ErrEmpty, got %v", err)
	}
}

func TestWriterMessageReplyUsesHistoryOrSummary(t *testing.T) {
	fp := &fakePolicy{text: "sounds good"}
	w := NewWriter(fp, nil, nil)
	a := models.Agent{Handle: "neo"}
	if _, err := w.MessageReply(context.Background(), a, "trin", []actuation.Message{{SenderHandle: "trin", Content: "meet at noon?"}}, ""); err != nil {
		t.Fatal(err)
	}
	if _, err := w.MessageReply(context.Background(), a, "trin", nil, "you there?"); err != nil {
		t.Fatal(err)
	}
	if !strings.Contains(fp.prompts[0], "@trin: meet at noon?") || !strings.Contains(fp.prompts[1], "you there?") {
		t.Fatalf("prompts: %q", fp.prompts)
	}
}

func TestWriterReactions(t *testing.T) {
	fp := &fakePolicy{text: "1. so true\n- love this\n\n\"big if true\"\nextra"}
	w := NewWriter(fp, nil, nil)
	got, err := w.Reactions(context.Background(), actuation.Post{Content: "new drop tomorrow"}, 3)
	if err != nil {
		t.Fatal(err)
	}
	want := []string{"so true", "love this", "big if true"}
	if strings.Join(got, "|") != strings.Join(want, "|") {
		t.Fatalf("Reactions = %q, want %q", got, want)
	}
}

func TestStaticNewsFallsBackToWorld(t *testing.T) {
	n := NewStaticNews(map[string][]Headline{"world": {{URL: "a"}, {URL: "b"}}})
	h1, _ := n.Headline(context.Background(), "sports")
	h2, _ := n.Headline(context.Background(), "sports")
	if h1.URL != "a" || h2.URL != "b" {
		t.Fatalf("rotation: %v %v", h1, h2)
	}
	if _, err := NewStaticNews(nil).Headline(context.Background(), "x"); !errors.Is(err, ErrNoHeadline) {
		t.Fatalf("expected ErrNoHeadline, got %v", err)
	}
}
