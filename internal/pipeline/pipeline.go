// Package pipeline wires the document-processing stages onto the stage
// queues. Each stage is a queue handler that does its own work, persists the
// result, and enqueues the next stage; the broker's at-least-once redelivery
// is the only retry mechanism above in-call retries, so every handler here is
// written to converge under redelivery.
package pipeline

import (
	"context"

	"go.uber.org/zap"

	"github.com/carbonwatch/emissions-cli/internal/config"
	"github.com/carbonwatch/emissions-cli/internal/fetcher"
	"github.com/carbonwatch/emissions-cli/internal/ocr"
	"github.com/carbonwatch/emissions-cli/internal/queue"
	"github.com/carbonwatch/emissions-cli/internal/record"
	"github.com/carbonwatch/emissions-cli/internal/schema"
	"github.com/carbonwatch/emissions-cli/internal/vector"
	"github.com/carbonwatch/emissions-cli/pkg/anthropic"
	"github.com/carbonwatch/emissions-cli/pkg/discord"
	"github.com/carbonwatch/emissions-cli/pkg/notion"
)

// Publisher posts review messages to the chat channel. *discord client and
// test fakes implement it.
type Publisher interface {
	CreateMessage(ctx context.Context, channelID string, msg discord.MessagePayload) (*discord.Message, error)
}

// ReviewMirror mirrors review-queue state to an external tracker. Optional.
type ReviewMirror interface {
	Upsert(ctx context.Context, entry notion.Entry) error
}

// Pipeline holds every stage dependency. Stages are methods so tests can
// drive a single stage against fakes or run the whole chain on the in-memory
// broker.
type Pipeline struct {
	cfg       *config.Config
	store     record.Store
	fetch     fetcher.Fetcher
	converter *ocr.Converter
	embedder  vector.Embedder
	index     vector.Index
	ai        anthropic.Client
	publisher Publisher
	mirror    ReviewMirror
	contract  *schema.Contract
}

// Deps collects the pipeline's collaborators. Mirror and Publisher may be nil
// when the corresponding channel is not configured.
type Deps struct {
	Store     record.Store
	Fetcher   fetcher.Fetcher
	Converter *ocr.Converter
	Embedder  vector.Embedder
	Index     vector.Index
	AI        anthropic.Client
	Publisher Publisher
	Mirror    ReviewMirror
}

// New builds a Pipeline from configuration and dependencies.
func New(cfg *config.Config, deps Deps) (*Pipeline, error) {
	contract, err := schema.Load()
	if err != nil {
		return nil, err
	}
	return &Pipeline{
		cfg:       cfg,
		store:     deps.Store,
		fetch:     deps.Fetcher,
		converter: deps.Converter,
		embedder:  deps.Embedder,
		index:     deps.Index,
		ai:        deps.AI,
		publisher: deps.Publisher,
		mirror:    deps.Mirror,
		contract:  contract,
	}, nil
}

// Registry maps every stage queue to its handler.
func (p *Pipeline) Registry() queue.Registry {
	return queue.Registry{
		queue.QueueDownload: p.HandleDownload,
		queue.QueueConvert:  p.HandleConvert,
		queue.QueueSegment:  p.HandleSegment,
		queue.QueueIndex:    p.HandleIndex,
		queue.QueueExtract:  p.HandleExtract,
		queue.QueueReflect:  p.HandleReflect,
		queue.QueueReview:   p.HandleReview,
		queue.QueueResolve:  p.HandleResolve,
	}
}

func stageLogger(stage string, job *queue.ActiveJob) *zap.Logger {
	return zap.L().With(
		zap.String("stage", stage),
		zap.String("job_id", job.ID),
		zap.String("fingerprint", job.Payload.Fingerprint),
	)
}
