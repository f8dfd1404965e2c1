package llm

import (
	"context"
	"iter"
	"log/slog"
	"math/rand"
	"strings"
	"time"

	"github.com/openai/openai-go/v3"
	"github.com/openai/openai-go/v3/option"
	"github.com/openai/openai-go/v3/packages/param"

	"github.com/querystack/ragserve/internal/apperr"
)

// Config configures the OpenAI-format client.
type Config struct {
	APIKey      string
	BaseURL     string
	Model       string
	MaxRetries  int
	Timeout     time.Duration
	Temperature float64
	MaxTokens   int64
}

// browserFingerprints are the User-Agent hints rotated across retries.
// Some upstream gateways fingerprint clients and block repeated identical
// requests after a WAF challenge.
var browserFingerprints = []string{
	"Mozilla/5.0 (Windows NT 10.0; Win64; x64) AppleWebKit/537.36 (KHTML, like Gecko) Chrome/126.0.0.0 Safari/537.36",
	"Mozilla/5.0 (Macintosh; Intel Mac OS X 10_15_7) AppleWebKit/605.1.15 (KHTML, like Gecko) Version/17.4 Safari/605.1.15",
	"Mozilla/5.0 (X11; Linux x86_64; rv:126.0) Gecko/20100101 Firefox/126.0",
}

// wafMarkers identify challenge pages returned instead of JSON.
var wafMarkers = []string{
	"<html",
	"<!doctype html",
	"just a moment",
	"attention required",
	"access denied",
	"cloudflare",
	"challenge-platform",
}

// OpenAIClient talks to an OpenAI-format chat endpoint with retries.
type OpenAIClient struct {
	cfg    Config
	logger *slog.Logger
}

var _ Client = (*OpenAIClient)(nil)

// NewOpenAIClient creates a chat client.
func NewOpenAIClient(cfg Config, logger *slog.Logger) *OpenAIClient {
	if cfg.MaxRetries <= 0 {
		cfg.MaxRetries = 3
	}
	if cfg.Timeout <= 0 {
		cfg.Timeout = 120 * time.Second
	}
	return &OpenAIClient{cfg: cfg, logger: logger}
}

// Model returns the configured model identifier.
func (c *OpenAIClient) Model() string { return c.cfg.Model }

// newClient builds an SDK client pinned to one browser fingerprint.
// Retries within the SDK are disabled; this client owns the retry loop.
func (c *OpenAIClient) newClient(attempt int) openai.Client {
	opts := []option.RequestOption{
		option.WithAPIKey(c.cfg.APIKey),
		option.WithMaxRetries(0),
		option.WithRequestTimeout(c.cfg.Timeout),
		option.WithHeader("User-Agent", browserFingerprints[attempt%len(browserFingerprints)]),
	}
	if c.cfg.BaseURL != "" {
		opts = append(opts, option.WithBaseURL(c.cfg.BaseURL))
	}
	return openai.NewClient(opts...)
}

// params converts a Request into SDK params.
func (c *OpenAIClient) params(req Request) openai.ChatCompletionNewParams {
	messages := make([]openai.ChatCompletionMessageParamUnion, 0, len(req.Messages))
	for _, msg := range req.Messages {
		switch msg.Role {
		case RoleSystem:
			messages = append(messages, openai.SystemMessage(msg.Content))
		case RoleAssistant:
			messages = append(messages, openai.AssistantMessage(msg.Content))
		default:
			messages = append(messages, openai.UserMessage(msg.Content))
		}
	}
	p := openai.ChatCompletionNewParams{
		Messages: messages,
		Model:    openai.ChatModel(c.cfg.Model),
	}
	temp := req.Temperature
	if temp == 0 {
		temp = c.cfg.Temperature
	}
	if temp > 0 {
		p.Temperature = param.NewOpt(temp)
	}
	maxTokens := req.MaxTokens
	if maxTokens == 0 {
		maxTokens = c.cfg.MaxTokens
	}
	if maxTokens > 0 {
		p.MaxCompletionTokens = param.NewOpt(maxTokens)
	}
	return p
}

// Chat runs a completion with retry on WAF challenges and transient errors.
func (c *OpenAIClient) Chat(ctx context.Context, req Request) (string, Usage, error) {
	params := c.params(req)

	var lastErr error
	for attempt := 0; attempt <= c.cfg.MaxRetries; attempt++ {
		if attempt > 0 {
			if err := sleepBackoff(ctx, attempt); err != nil {
				return "", Usage{}, err
			}
			c.logger.Warn("llm_retry",
				slog.Int("attempt", attempt),
				slog.String("error", lastErr.Error()))
		}

		client := c.newClient(attempt)
		completion, err := client.Chat.Completions.New(ctx, params)
		if err != nil {
			lastErr = err
			if !retryable(err) {
				return "", Usage{}, apperr.Permanent("llm request failed", err)
			}
			continue
		}
		if len(completion.Choices) == 0 {
			lastErr = apperr.Transient("llm returned no choices", nil)
			continue
		}
		content := completion.Choices[0].Message.Content
		if isWAFBody(content) {
			lastErr = apperr.Transient("llm response blocked by gateway", nil)
			continue
		}
		usage := Usage{
			InputTokens:  int(completion.Usage.PromptTokens),
			OutputTokens: int(completion.Usage.CompletionTokens),
			TotalTokens:  int(completion.Usage.TotalTokens),
		}
		if usage.TotalTokens == 0 {
			usage = estimateUsage(c.cfg.Model, req.Messages, content)
		}
		return content, usage, nil
	}
	return "", Usage{}, apperr.Transient("llm request failed after retries", lastErr)
}

// ChatStream streams a completion. The retry loop only covers establishing
// the stream; once deltas flow, an error ends the stream.
func (c *OpenAIClient) ChatStream(ctx context.Context, req Request) (iter.Seq2[string, error], *StreamResult) {
	result := &StreamResult{}
	params := c.params(req)

	seq := func(yield func(string, error) bool) {
		var lastErr error
		for attempt := 0; attempt <= c.cfg.MaxRetries; attempt++ {
			if attempt > 0 {
				if err := sleepBackoff(ctx, attempt); err != nil {
					yield("", err)
					return
				}
				c.logger.Warn("llm_stream_retry",
					slog.Int("attempt", attempt),
					slog.String("error", lastErr.Error()))
			}

			client := c.newClient(attempt)
			stream := client.Chat.Completions.NewStreaming(ctx, params)

			var answer strings.Builder
			started := false
			for stream.Next() {
				event := stream.Current()
				if len(event.Choices) == 0 {
					if event.Usage.TotalTokens > 0 {
						result.Usage = Usage{
							InputTokens:  int(event.Usage.PromptTokens),
							OutputTokens: int(event.Usage.CompletionTokens),
							TotalTokens:  int(event.Usage.TotalTokens),
						}
					}
					continue
				}
				delta := event.Choices[0].Delta.Content
				if delta == "" {
					continue
				}
				started = true
				answer.WriteString(delta)
				if !yield(delta, nil) {
					_ = stream.Close()
					return
				}
			}
			err := stream.Err()
			_ = stream.Close()

			if err != nil {
				lastErr = err
				// A failure after deltas were emitted cannot be retried
				// transparently; surface it.
				if started || !retryable(err) {
					yield("", apperr.Transient("llm stream failed", err))
					return
				}
				continue
			}

			result.Answer = answer.String()
			result.Finished = true
			if result.Usage.TotalTokens == 0 {
				result.Usage = estimateUsage(c.cfg.Model, req.Messages, result.Answer)
			}
			return
		}
		yield("", apperr.Transient("llm stream failed after retries", lastErr))
	}
	return seq, result
}

// retryable reports whether an error is worth retrying: transient upstream
// failures and WAF challenge responses.
func retryable(err error) bool {
	if apperr.IsRetryable(err) {
		return true
	}
	msg := strings.ToLower(err.Error())
	if isWAFBody(msg) {
		return true
	}
	return strings.Contains(msg, "429") ||
		strings.Contains(msg, "502") ||
		strings.Contains(msg, "503") ||
		strings.Contains(msg, "timeout") ||
		strings.Contains(msg, "connection reset") ||
		strings.Contains(msg, "eof")
}

// isWAFBody reports whether text looks like an HTML challenge page rather
// than model output.
func isWAFBody(text string) bool {
	probe := strings.ToLower(text)
	if len(probe) > 2048 {
		probe = probe[:2048]
	}
	for _, marker := range wafMarkers {
		if strings.Contains(probe, marker) {
			return true
		}
	}
	return false
}

// sleepBackoff waits 2^attempt seconds with up to 50% random jitter.
func sleepBackoff(ctx context.Context, attempt int) error {
	base := time.Second << uint(attempt-1)
	if base > 30*time.Second {
		base = 30 * time.Second
	}
	jitter := time.Duration(rand.Int63n(int64(base) / 2))
	select {
	case <-time.After(base + jitter):
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}
