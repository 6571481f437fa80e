package materialize

import (
	"math"

	"github.com/quillsocial/feedsync/internal/feedcache/schema"
)

// Scorer ranks a post within a feed. Higher scores list first.
//
// A scorer must depend only on the post row. Scores that drift with the
// wall clock would make two identical sync passes write different rows.
type Scorer interface {
	Score(p *schema.Post) float64
}

// ScorerFunc adapts a function to Scorer.
type ScorerFunc func(p *schema.Post) float64

// Score calls f.
func (f ScorerFunc) Score(p *schema.Post) float64 { return f(p) }

// Chronological scores posts by creation time.
var Chronological Scorer = ScorerFunc(func(p *schema.Post) float64 {
	return float64(p.CreatedAt.Unix())
})

// Weights configures the Engagement scorer.
type Weights struct {
	Like    float64 `mapstructure:"like" yaml:"like" toml:"like"`
	Laugh   float64 `mapstructure:"laugh" yaml:"laugh" toml:"laugh"`
	Dislike float64 `mapstructure:"dislike" yaml:"dislike" toml:"dislike"`
	Repost  float64 `mapstructure:"repost" yaml:"repost" toml:"repost"`
	Reply   float64 `mapstructure:"reply" yaml:"reply" toml:"reply"`

	// HalfLife is the number of seconds of recency worth one order of
	// magnitude of engagement.
	HalfLife float64 `mapstructure:"half_life" yaml:"half_life" toml:"half_life"`
}

// DefaultWeights returns the weights used by the home feed.
func DefaultWeights() Weights {
	return Weights{Like: 1, Laugh: 1, Dislike: -1, Repost: 2, Reply: 1.5, HalfLife: 45000}
}

// Engagement returns a scorer that mixes weighted counters with recency:
// log10 of the weighted engagement plus creation time over HalfLife. The
// score grows with engagement but a fresh post eventually outranks an old
// popular one.
func Engagement(w Weights) Scorer {
	if w.HalfLife <= 0 {
		w.HalfLife = DefaultWeights().HalfLife
	}
	return ScorerFunc(func(p *schema.Post) float64 {
		e := w.Like*float64(p.Likes) +
			w.Laugh*float64(p.Laughs) +
			w.Dislike*float64(p.Dislikes) +
			w.Repost*float64(p.Reposts) +
			w.Reply*float64(p.Replies)
		sign := 1.0
		if e < 0 {
			sign = -1
		}
		order := math.Log10(math.Max(math.Abs(e), 1))
		return sign*order + float64(p.CreatedAt.Unix())/w.HalfLife
	})
}
