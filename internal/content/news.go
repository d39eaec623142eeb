package content

import (
	"context"
	"errors"
	"sync"
)

// Headline is one linkable news item.
type Headline struct {
	Title string `json:"title"`
	URL   string `json:"url"`
}

// NewsSource supplies a current headline for a topic. Fetching feeds lives outside
// this package; anything that can answer by topic plugs in here.
type NewsSource interface {
	Headline(ctx context.Context, topic string) (Headline, error)
}

// ErrNoHeadline is returned when a source has nothing for a topic.
var ErrNoHeadline = errors.New("no headline for topic")

// StaticNews serves headlines from a fixed table, rotating through each topic's list.
type StaticNews struct {
	mu     sync.Mutex
	topics map[string][]Headline
	next   map[string]int
}

// NewStaticNews returns a StaticNews over topics.
func NewStaticNews(topics map[string][]Headline) *StaticNews {
	return &StaticNews{topics: topics, next: map[string]int{}}
}

func (s *StaticNews) Headline(_ context.Context, topic string) (Headline, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	list := s.topics[topic]
	if len(list) == 0 {
		list = s.topics["world"]
		topic = "world"
	}
	if len(list) == 0 {
		return Headline{}, ErrNoHeadline
	}
	h := list[s.next[topic]%len(list)]
	s.next[topic]++
	return h, nil
}
