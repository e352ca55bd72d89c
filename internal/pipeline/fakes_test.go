package pipeline

import (
	"context"
	"crypto/sha256"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/carbonwatch/emissions-cli/internal/config"
	"github.com/carbonwatch/emissions-cli/internal/model"
	"github.com/carbonwatch/emissions-cli/internal/ocr"
	"github.com/carbonwatch/emissions-cli/internal/queue"
	"github.com/carbonwatch/emissions-cli/internal/record"
	"github.com/carbonwatch/emissions-cli/internal/vector"
	"github.com/carbonwatch/emissions-cli/pkg/anthropic"
	"github.com/carbonwatch/emissions-cli/pkg/discord"
	"github.com/carbonwatch/emissions-cli/pkg/notion"
)

type fakeFetcher struct {
	mu    sync.Mutex
	docs  map[string][]byte
	errs  map[string]error
	calls map[string]int
}

func newFakeFetcher() *fakeFetcher {
	return &fakeFetcher{
		docs:  make(map[string][]byte),
		errs:  make(map[string]error),
		calls: make(map[string]int),
	}
}

func (f *fakeFetcher) Fetch(_ context.Context, rawURL string) ([]byte, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.calls[rawURL]++
	if err, ok := f.errs[rawURL]; ok {
		return nil, err
	}
	doc, ok := f.docs[rawURL]
	if !ok {
		return nil, fmt.Errorf("no document at %s", rawURL)
	}
	return doc, nil
}

// fakeEmbedder derives a deterministic vector from the text hash.
type fakeEmbedder struct{}

func (fakeEmbedder) Embed(_ context.Context, text string) ([]float32, error) {
	sum := sha256.Sum256([]byte(text))
	out := make([]float32, 8)
	for i := range out {
		out[i] = float32(sum[i])/255 + 0.01
	}
	return out, nil
}

// fakeAI serves canned responses in call order and records every request.
type fakeAI struct {
	mu        sync.Mutex
	responses []string
	requests  []anthropic.MessageRequest
	err       error
}

func (f *fakeAI) CreateMessage(_ context.Context, req anthropic.MessageRequest) (*anthropic.MessageResponse, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.requests = append(f.requests, req)
	if f.err != nil {
		return nil, f.err
	}
	if len(f.responses) == 0 {
		return nil, fmt.Errorf("fake ai: no canned response for call %d", len(f.requests))
	}
	text := f.responses[0]
	f.responses = f.responses[1:]
	return &anthropic.MessageResponse{
		ID:      fmt.Sprintf("resp-%d", len(f.requests)),
		Model:   req.Model,
		Content: []anthropic.ContentBlock{{Type: "text", Text: text}},
	}, nil
}

type fakePublisher struct {
	mu       sync.Mutex
	calls    int
	channels []string
	payloads []discord.MessagePayload
	err      error
}

func (f *fakePublisher) CreateMessage(_ context.Context, channelID string, msg discord.MessagePayload) (*discord.Message, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.err != nil {
		return nil, f.err
	}
	f.calls++
	f.channels = append(f.channels, channelID)
	f.payloads = append(f.payloads, msg)
	return &discord.Message{ID: fmt.Sprintf("msg-%d", f.calls), ChannelID: channelID}, nil
}

type fakeMirror struct {
	mu      sync.Mutex
	entries []notion.Entry
}

func (f *fakeMirror) Upsert(_ context.Context, entry notion.Entry) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.entries = append(f.entries, entry)
	return nil
}

func testConfig() *config.Config {
	return &config.Config{
		Segment:   config.SegmentConfig{MinChars: 20, MaxChars: 400},
		Embedding: config.EmbeddingConfig{Dimensions: 8},
		Anthropic: config.AnthropicConfig{Model: "claude-sonnet-4-5-20250929", MaxTokens: 8192},
		Extract:   config.ExtractConfig{TopK: 8, TargetLanguage: "Swedish"},
		Review:    config.ReviewConfig{ChannelID: "chan-1", CommentMaxLen: 100},
	}
}

type fixture struct {
	cfg       *config.Config
	store     *record.MemoryStore
	broker    *queue.MemoryBroker
	fetcher   *fakeFetcher
	ai        *fakeAI
	publisher *fakePublisher
	mirror    *fakeMirror
	index     *vector.MemoryIndex
	pl        *Pipeline
}

func newFixture(t *testing.T) *fixture {
	t.Helper()
	f := &fixture{
		cfg:       testConfig(),
		store:     record.NewMemory(),
		broker:    queue.NewMemory(queue.Options{MaxAttempts: 3, InitialBackoff: time.Second}),
		fetcher:   newFakeFetcher(),
		ai:        &fakeAI{},
		publisher: &fakePublisher{},
		mirror:    &fakeMirror{},
		index:     vector.NewMemoryIndex(),
	}
	pl, err := New(f.cfg, Deps{
		Store:     f.store,
		Fetcher:   f.fetcher,
		Converter: ocr.NewConverter("pdftotext"),
		Embedder:  fakeEmbedder{},
		Index:     f.index,
		AI:        f.ai,
		Publisher: f.publisher,
		Mirror:    f.mirror,
	})
	require.NoError(t, err)
	f.pl = pl
	return f
}

// run pushes one job through a single stage handler and settles it with the
// broker the way the worker pool would.
func (f *fixture) run(t *testing.T, queueName string, payload model.JobPayload) error {
	t.Helper()
	ctx := context.Background()
	id, err := f.broker.Enqueue(ctx, queueName, payload)
	require.NoError(t, err)
	job, err := f.broker.Dequeue(ctx, queueName)
	require.NoError(t, err)
	require.NotNil(t, job, "job %s not claimable", id)

	handler := f.pl.Registry()[queueName]
	require.NotNil(t, handler)
	if herr := handler(ctx, queue.NewActiveJob(*job, f.broker)); herr != nil {
		require.NoError(t, f.broker.Fail(ctx, job.ID, herr))
		return herr
	}
	require.NoError(t, f.broker.Complete(ctx, job.ID))
	return nil
}

// drain processes every due job on every queue until the broker is idle.
func (f *fixture) drain(t *testing.T) {
	t.Helper()
	ctx := context.Background()
	registry := f.pl.Registry()
	for {
		worked := false
		for _, q := range queue.Queues {
			for {
				job, err := f.broker.Dequeue(ctx, q)
				require.NoError(t, err)
				if job == nil {
					break
				}
				worked = true
				if herr := registry[q](ctx, queue.NewActiveJob(*job, f.broker)); herr != nil {
					require.NoError(t, f.broker.Fail(ctx, job.ID, herr))
				} else {
					require.NoError(t, f.broker.Complete(ctx, job.ID))
				}
			}
		}
		if !worked {
			return
		}
	}
}
