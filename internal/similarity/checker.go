// Package similarity gates generated content against recent posts using
// cosine similarity over stored embeddings.
package similarity

import (
	"context"
	"math"

	"github.com/google/uuid"

	"github.com/itskum47/PostForge/internal/store"
)

// DefaultThreshold is the cosine ceiling above which a candidate is
// considered a near-duplicate.
const DefaultThreshold = 0.86

// DefaultRecentWindow is how many recently posted posts are compared.
const DefaultRecentWindow = 60

// Checker compares candidate vectors against the most recent POSTED posts.
type Checker struct {
	store  store.Store
	window int
}

// NewChecker builds a Checker over the given store. window <= 0 uses the
// default of 60 recent posts.
func NewChecker(s store.Store, window int) *Checker {
	if window <= 0 {
		window = DefaultRecentWindow
	}
	return &Checker{store: s, window: window}
}

// CheckAgainstRecent returns the max cosine similarity between candidate
// and the recent posted embeddings, plus the post that produced it.
// Empty history short-circuits to accept (maxSim 0).
func (c *Checker) CheckAgainstRecent(ctx context.Context, candidate []float64) (float64, uuid.UUID, error) {
	recent, err := c.store.RecentPostedEmbeddings(ctx, c.window)
	if err != nil {
		return 0, uuid.Nil, err
	}
	var (
		maxSim float64
		maxID  uuid.UUID
	)
	for _, re := range recent {
		sim := Cosine(candidate, re.Vector)
		if sim > maxSim {
			maxSim = sim
			maxID = re.PostID
		}
	}
	return maxSim, maxID, nil
}

// Cosine computes the cosine similarity of two vectors. Mismatched lengths
// compare over the shorter prefix; zero vectors yield 0.
func Cosine(a, b []float64) float64 {
	n := len(a)
	if len(b) < n {
		n = len(b)
	}
	var dot, normA, normB float64
	for i := 0; i < n; i++ {
		dot += a[i] * b[i]
		normA += a[i] * a[i]
		normB += b[i] * b[i]
	}
	if normA == 0 || normB == 0 {
		return 0
	}
	return dot / (math.Sqrt(normA) * math.Sqrt(normB))
}
