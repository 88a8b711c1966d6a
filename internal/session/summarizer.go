// Package session produces end-of-call artifacts from a call's transcript.
package session

import (
	"context"
	"fmt"
	"net/http"
	"strings"
	"time"

	oai "github.com/openai/openai-go"
	"github.com/openai/openai-go/option"
	"github.com/openai/openai-go/packages/param"
	"github.com/openai/openai-go/shared"

	"github.com/yobell-ai/voicebridge/internal/bridge"
)

const summarySystemPrompt = "以下は飲食店の予約受付通話の書き起こしです。" +
	"要点（ご用件、確定した予約内容、未解決の事項）を日本語で3行以内に要約してください。"

// Summarizer generates a short Japanese summary of a finished call via the
// chat completions API.
type Summarizer struct {
	client oai.Client
	model  string
}

// Compile-time interface check.
var _ bridge.Summarizer = (*Summarizer)(nil)

// config holds optional configuration for the summarizer.
type config struct {
	baseURL string
	timeout time.Duration
}

// Option is a functional option for Summarizer.
type Option func(*config)

// WithBaseURL overrides the default OpenAI API base URL.
func WithBaseURL(url string) Option {
	return func(c *config) { c.baseURL = url }
}

// WithTimeout sets a per-request HTTP timeout.
func WithTimeout(d time.Duration) Option {
	return func(c *config) { c.timeout = d }
}

// NewSummarizer constructs a Summarizer.
func NewSummarizer(apiKey, model string, opts ...Option) (*Summarizer, error) {
	if apiKey == "" {
		return nil, fmt.Errorf("session: apiKey must not be empty")
	}
	if model == "" {
		return nil, fmt.Errorf("session: model must not be empty")
	}

	cfg := &config{timeout: 30 * time.Second}
	for _, o := range opts {
		o(cfg)
	}

	reqOpts := []option.RequestOption{option.WithAPIKey(apiKey)}
	if cfg.baseURL != "" {
		reqOpts = append(reqOpts, option.WithBaseURL(cfg.baseURL))
	}
	if cfg.timeout > 0 {
		reqOpts = append(reqOpts, option.WithHTTPClient(&http.Client{Timeout: cfg.timeout}))
	}

	return &Summarizer{client: oai.NewClient(reqOpts...), model: model}, nil
}

// Summarize implements [bridge.Summarizer].
func (s *Summarizer) Summarize(ctx context.Context, transcript []bridge.TranscriptEntry) (string, error) {
	if len(transcript) == 0 {
		return "", nil
	}

	resp, err := s.client.Chat.Completions.New(ctx, oai.ChatCompletionNewParams{
		Model: shared.ChatModel(s.model),
		Messages: []oai.ChatCompletionMessageParamUnion{
			oai.SystemMessage(summarySystemPrompt),
			oai.UserMessage(FormatTranscript(transcript)),
		},
		MaxCompletionTokens: param.NewOpt(int64(300)),
	})
	if err != nil {
		return "", fmt.Errorf("session: chat completion: %w", err)
	}
	if len(resp.Choices) == 0 {
		return "", fmt.Errorf("session: empty choices in response")
	}
	return strings.TrimSpace(resp.Choices[0].Message.Content), nil
}

// FormatTranscript renders the transcript as speaker-labelled lines.
func FormatTranscript(transcript []bridge.TranscriptEntry) string {
	var b strings.Builder
	for _, e := range transcript {
		speaker := "店員"
		if e.Role == "user" {
			speaker = "お客様"
		}
		fmt.Fprintf(&b, "%s: %s\n", speaker, e.Text)
	}
	return b.String()
}
