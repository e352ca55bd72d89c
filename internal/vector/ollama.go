package vector

import (
	"context"
	"net/http"
	"net/url"
	"time"

	"github.com/ollama/ollama/api"
	"github.com/rotisserie/eris"

	"github.com/carbonwatch/emissions-cli/internal/resilience"
)

// OllamaEmbedder embeds text through a local ollama server.
type OllamaEmbedder struct {
	client     *api.Client
	model      string
	dimensions int
}

// NewOllamaEmbedder creates an embedder against the given ollama host.
// dimensions, when non-zero, is validated against every response; a model
// swap that changes dimensionality must fail loudly, not corrupt the index.
func NewOllamaEmbedder(host, embedModel string, dimensions int) (*OllamaEmbedder, error) {
	base, err := url.Parse(host)
	if err != nil {
		return nil, eris.Wrap(err, "vector: parse ollama host")
	}
	return &OllamaEmbedder{
		client:     api.NewClient(base, &http.Client{Timeout: 120 * time.Second}),
		model:      embedModel,
		dimensions: dimensions,
	}, nil
}

// Embed returns the embedding vector for text. Server errors are transient;
// ollama restarts are routine.
func (e *OllamaEmbedder) Embed(ctx context.Context, text string) ([]float32, error) {
	req := &api.EmbeddingRequest{
		Model:  e.model,
		Prompt: text,
		// Keep the model loaded between paragraphs of the same document.
		KeepAlive: &api.Duration{Duration: 60 * time.Minute},
	}
	resp, err := e.client.Embeddings(ctx, req)
	if err != nil {
		return nil, resilience.NewTransientError(eris.Wrap(err, "vector: ollama embeddings"), 0)
	}

	emb := make([]float32, len(resp.Embedding))
	for i, v := range resp.Embedding {
		emb[i] = float32(v)
	}
	if e.dimensions > 0 && len(emb) != e.dimensions {
		return nil, eris.Errorf("vector: model %s returned %d dimensions, expected %d", e.model, len(emb), e.dimensions)
	}
	return emb, nil
}
