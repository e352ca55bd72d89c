// Package vector stores paragraph embeddings and answers top-k similarity
// queries scoped to a single document fingerprint. Corpora are small (one
// report, a few hundred paragraphs), so scoring happens in-process; the
// backends only persist.
package vector

import (
	"context"
	"math"
	"sort"

	"github.com/carbonwatch/emissions-cli/internal/model"
)

// Embedder turns text into an embedding vector.
type Embedder interface {
	Embed(ctx context.Context, text string) ([]float32, error)
}

// Hit is one retrieval result.
type Hit struct {
	Paragraph model.Paragraph
	Score     float64
}

// Index persists paragraph embeddings keyed by (fingerprint, seq) and serves
// similarity search within one fingerprint.
type Index interface {
	// Upsert writes paragraphs, replacing any prior rows with the same
	// (fingerprint, seq). Redelivered index jobs converge to one row set.
	Upsert(ctx context.Context, paragraphs []model.Paragraph) error
	// Search returns up to k paragraphs of the fingerprint ranked by cosine
	// similarity to the query vector.
	Search(ctx context.Context, fingerprint string, query []float32, k int) ([]Hit, error)
	// Count reports how many paragraphs are indexed for the fingerprint.
	Count(ctx context.Context, fingerprint string) (int, error)
}

// Cosine computes cosine similarity between two vectors. Mismatched lengths
// or zero vectors score 0.
func Cosine(a, b []float32) float64 {
	if len(a) != len(b) || len(a) == 0 {
		return 0
	}
	var dot, na, nb float64
	for i := range a {
		dot += float64(a[i]) * float64(b[i])
		na += float64(a[i]) * float64(a[i])
		nb += float64(b[i]) * float64(b[i])
	}
	if na == 0 || nb == 0 {
		return 0
	}
	return dot / (math.Sqrt(na) * math.Sqrt(nb))
}

// rank scores paragraphs against the query and returns the top k, ordered by
// descending score with seq as the tiebreak.
func rank(paragraphs []model.Paragraph, query []float32, k int) []Hit {
	hits := make([]Hit, 0, len(paragraphs))
	for _, p := range paragraphs {
		hits = append(hits, Hit{Paragraph: p, Score: Cosine(p.Embedding, query)})
	}
	sort.Slice(hits, func(i, j int) bool {
		if hits[i].Score != hits[j].Score {
			return hits[i].Score > hits[j].Score
		}
		return hits[i].Paragraph.Seq < hits[j].Paragraph.Seq
	})
	if k > 0 && len(hits) > k {
		hits = hits[:k]
	}
	return hits
}
