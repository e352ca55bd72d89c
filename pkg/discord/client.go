// Package discord wraps the Discord REST API for publishing review messages
// with decision buttons. The interaction callback is received elsewhere; this
// client only sends.
package discord

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"time"

	"github.com/rotisserie/eris"
	"golang.org/x/time/rate"

	"github.com/carbonwatch/emissions-cli/internal/resilience"
)

// Default base URL for the Discord REST API.
const defaultBaseURL = "https://discord.com/api/v10"

// Button style constants from the Discord component spec.
const (
	StylePrimary = 1
	StyleSuccess = 3
	StyleDanger  = 4
)

// Component type constants.
const (
	componentActionRow = 1
	componentButton    = 2
)

// Client defines the Discord operations used by the review gate.
type Client interface {
	CreateMessage(ctx context.Context, channelID string, msg MessagePayload) (*Message, error)
}

// MessagePayload is the body for POST /channels/{id}/messages.
type MessagePayload struct {
	Content    string      `json:"content"`
	Components []ActionRow `json:"components,omitempty"`
}

// ActionRow groups up to five buttons.
type ActionRow struct {
	Type       int      `json:"type"`
	Components []Button `json:"components"`
}

// Button is an interactive message button.
type Button struct {
	Type     int    `json:"type"`
	Style    int    `json:"style"`
	Label    string `json:"label"`
	CustomID string `json:"custom_id"`
}

// NewActionRow builds an action row from buttons.
func NewActionRow(buttons ...Button) ActionRow {
	return ActionRow{Type: componentActionRow, Components: buttons}
}

// NewButton builds a button with the given style, label, and custom id.
func NewButton(style int, label, customID string) Button {
	return Button{Type: componentButton, Style: style, Label: label, CustomID: customID}
}

// Message is the created message returned by Discord.
type Message struct {
	ID        string `json:"id"`
	ChannelID string `json:"channel_id"`
}

// APIError is returned when Discord responds with a non-2xx status.
type APIError struct {
	StatusCode int
	Body       string
}

func (e *APIError) Error() string {
	return fmt.Sprintf("discord: HTTP %d: %s", e.StatusCode, e.Body)
}

// Option configures the httpClient.
type Option func(*httpClient)

// WithBaseURL overrides the default base URL.
func WithBaseURL(url string) Option {
	return func(c *httpClient) {
		c.baseURL = url
	}
}

// WithHTTPClient sets a custom *http.Client.
func WithHTTPClient(hc *http.Client) Option {
	return func(c *httpClient) {
		c.http = hc
	}
}

// httpClient implements Client using net/http.
type httpClient struct {
	token   string
	baseURL string
	http    *http.Client
	limiter *rate.Limiter
}

// NewClient creates a Discord client authenticated with a bot token.
// Requests are throttled well under Discord's global limit.
func NewClient(token string, opts ...Option) Client {
	c := &httpClient{
		token:   token,
		baseURL: defaultBaseURL,
		http: &http.Client{
			Timeout: 30 * time.Second,
		},
		limiter: rate.NewLimiter(5, 5),
	}
	for _, opt := range opts {
		opt(c)
	}
	return c
}

func (c *httpClient) CreateMessage(ctx context.Context, channelID string, msg MessagePayload) (*Message, error) {
	if err := c.limiter.Wait(ctx); err != nil {
		return nil, eris.Wrap(err, "discord: rate limit")
	}

	buf, err := json.Marshal(msg)
	if err != nil {
		return nil, eris.Wrap(err, "discord: marshal message")
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost,
		fmt.Sprintf("%s/channels/%s/messages", c.baseURL, channelID), bytes.NewReader(buf))
	if err != nil {
		return nil, eris.Wrap(err, "discord: create request")
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("Authorization", "Bot "+c.token)

	resp, err := c.http.Do(req)
	if err != nil {
		return nil, resilience.NewTransientError(eris.Wrap(err, "discord: execute request"), 0)
	}
	defer resp.Body.Close() //nolint:errcheck

	data, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, eris.Wrap(err, "discord: read response body")
	}

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		apiErr := &APIError{StatusCode: resp.StatusCode, Body: string(data)}
		if resilience.IsTransientHTTPStatus(resp.StatusCode) {
			return nil, resilience.NewTransientError(apiErr, resp.StatusCode)
		}
		return nil, apiErr
	}

	var out Message
	if err := json.Unmarshal(data, &out); err != nil {
		return nil, eris.Wrap(err, "discord: unmarshal response")
	}
	return &out, nil
}
