package similarity

import (
	"context"
	"math"
	"testing"
	"time"

	"github.com/google/uuid"

	"github.com/itskum47/PostForge/internal/store"
)

func TestCosine(t *testing.T) {
	cases := []struct {
		name string
		a, b []float64
		want float64
	}{
		{"identical", []float64{1, 2, 3}, []float64{1, 2, 3}, 1},
		{"orthogonal", []float64{1, 0}, []float64{0, 1}, 0},
		{"opposite", []float64{1, 0}, []float64{-1, 0}, -1},
		{"zero vector", []float64{0, 0}, []float64{1, 1}, 0},
	}
	for _, c := range cases {
		got := Cosine(c.a, c.b)
		if math.Abs(got-c.want) > 1e-9 {
			t.Errorf("%s: Cosine = %f, want %f", c.name, got, c.want)
		}
	}
}

func TestEmptyHistoryAccepts(t *testing.T) {
	s := store.NewMemoryStore()
	checker := NewChecker(s, 60)

	maxSim, _, err := checker.CheckAgainstRecent(context.Background(), []float64{1, 0, 0})
	if err != nil {
		t.Fatalf("check: %v", err)
	}
	if maxSim != 0 {
		t.Errorf("maxSim = %f with no history", maxSim)
	}
}

func TestCheckFindsNearestPostedPost(t *testing.T) {
	s := store.NewMemoryStore()
	ctx := context.Background()

	post := postWithVector(t, s, []float64{1, 0})
	postWithVector(t, s, []float64{0, 1})

	checker := NewChecker(s, 60)
	maxSim, nearest, err := checker.CheckAgainstRecent(ctx, []float64{0.9, 0.1})
	if err != nil {
		t.Fatalf("check: %v", err)
	}
	if nearest != post {
		t.Errorf("nearest = %s, want %s", nearest, post)
	}
	if maxSim < 0.9 {
		t.Errorf("maxSim = %f", maxSim)
	}
}

func postWithVector(t *testing.T, s *store.MemoryStore, vec []float64) uuid.UUID {
	t.Helper()
	ctx := context.Background()
	p := &store.Post{Status: store.PostPublishing}
	if err := s.CreatePost(ctx, p); err != nil {
		t.Fatalf("post: %v", err)
	}
	r := &store.Revision{PostID: p.ID, Content: "x"}
	if err := s.CreateRevision(ctx, r); err != nil {
		t.Fatalf("revision: %v", err)
	}
	if err := s.CreateEmbedding(ctx, &store.Embedding{RevisionID: r.ID, Vector: vec}); err != nil {
		t.Fatalf("embedding: %v", err)
	}
	if err := s.MarkPostPosted(ctx, p.ID, "m", "u", time.Now()); err != nil {
		t.Fatalf("posted: %v", err)
	}
	return p.ID
}
