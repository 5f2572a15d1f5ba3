package llm

import (
	"context"
	"encoding/base64"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"strings"
	"time"

	"github.com/anthropics/anthropic-sdk-go"
	"github.com/anthropics/anthropic-sdk-go/option"
	"github.com/spf13/viper"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"golang.org/x/time/rate"

	"github.com/joescharf/docreview/internal/metrics"
)

var tracer = otel.Tracer("github.com/joescharf/docreview/internal/llm")

// Config holds model client configuration.
type Config struct {
	APIKey            string
	Model             string
	MaxTokens         int
	RequestsPerMinute int
	Timeout           time.Duration
}

// DefaultConfig returns the client config, reading from viper when available.
func DefaultConfig() Config {
	apiKey := viper.GetString("anthropic.api_key")
	if apiKey == "" {
		apiKey = os.Getenv("ANTHROPIC_API_KEY")
	}

	model := viper.GetString("anthropic.model")
	if model == "" {
		model = "claude-haiku-4-5-20251001"
	}

	maxTokens := viper.GetInt("anthropic.max_tokens")
	if maxTokens <= 0 {
		maxTokens = 8192
	}

	return Config{
		APIKey:            apiKey,
		Model:             model,
		MaxTokens:         maxTokens,
		RequestsPerMinute: viper.GetInt("anthropic.requests_per_minute"),
		Timeout:           viper.GetDuration("anthropic.timeout"),
	}
}

// Client wraps the Anthropic API as a Generator.
type Client struct {
	api       *anthropic.Client
	model     anthropic.Model
	maxTokens int
	timeout   time.Duration
	limiter   *rate.Limiter
	logger    *slog.Logger
}

// NewClient creates a model client. A nil logger discards log output.
func NewClient(cfg Config, logger *slog.Logger) *Client {
	opts := []option.RequestOption{}
	if cfg.APIKey != "" {
		opts = append(opts, option.WithAPIKey(cfg.APIKey))
	}
	client := anthropic.NewClient(opts...)

	if logger == nil {
		logger = slog.New(slog.DiscardHandler)
	}

	maxTokens := cfg.MaxTokens
	if maxTokens <= 0 {
		maxTokens = 8192
	}

	return &Client{
		api:       &client,
		model:     anthropic.Model(cfg.Model),
		maxTokens: maxTokens,
		timeout:   cfg.Timeout,
		limiter:   newLimiter(cfg.RequestsPerMinute),
		logger:    logger,
	}
}

// newLimiter spreads calls evenly across a minute. Zero or negative means unlimited.
func newLimiter(requestsPerMinute int) *rate.Limiter {
	if requestsPerMinute <= 0 {
		return rate.NewLimiter(rate.Inf, 1)
	}
	return rate.NewLimiter(rate.Limit(float64(requestsPerMinute)/60), 1)
}

// Generate sends one request and decodes the JSON answer into out.
func (c *Client) Generate(ctx context.Context, req Request, out any, repair RepairFunc) error {
	ctx, span := tracer.Start(ctx, "llm.Generate")
	defer span.End()
	span.SetAttributes(
		attribute.String("llm.operation", req.Operation),
		attribute.String("llm.model", string(c.model)),
		attribute.Int("llm.images", len(req.Images)),
	)

	if err := c.limiter.Wait(ctx); err != nil {
		return fmt.Errorf("rate limiter: %w", err)
	}

	if c.timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, c.timeout)
		defer cancel()
	}

	maxTokens := req.MaxTokens
	if maxTokens <= 0 {
		maxTokens = c.maxTokens
	}

	params := anthropic.MessageNewParams{
		Model:     c.model,
		MaxTokens: int64(maxTokens),
		Messages: []anthropic.MessageParam{
			anthropic.NewUserMessage(buildContent(req)...),
		},
	}
	if req.System != "" {
		params.System = []anthropic.TextBlockParam{{Text: req.System}}
	}

	start := time.Now()
	msg, err := c.api.Messages.New(ctx, params)
	if err != nil {
		metrics.RecordModelCall(req.Operation, "error", time.Since(start))
		span.RecordError(err)
		span.SetStatus(codes.Error, "api call failed")
		return classifyError(err)
	}

	var text string
	for _, block := range msg.Content {
		if block.Type == "text" {
			text = block.Text
			break
		}
	}
	if text == "" {
		metrics.RecordModelCall(req.Operation, "invalid", time.Since(start))
		return ErrEmptyResponse
	}

	if msg.StopReason == anthropic.StopReasonMaxTokens {
		c.logger.Warn("model output hit the token limit",
			"operation", req.Operation,
			"max_tokens", maxTokens,
			"output_tokens", msg.Usage.OutputTokens)
	}

	if err := Decode(text, out, repair); err != nil {
		metrics.RecordModelCall(req.Operation, "invalid", time.Since(start))
		span.RecordError(err)
		span.SetStatus(codes.Error, "invalid output")
		return err
	}

	metrics.RecordModelCall(req.Operation, "ok", time.Since(start))
	c.logger.Debug("model call complete",
		"operation", req.Operation,
		"input_tokens", msg.Usage.InputTokens,
		"output_tokens", msg.Usage.OutputTokens,
		"elapsed", time.Since(start))
	return nil
}

// buildContent puts images before the text prompt, as the API recommends.
func buildContent(req Request) []anthropic.ContentBlockParamUnion {
	blocks := make([]anthropic.ContentBlockParamUnion, 0, len(req.Images)+1)
	for _, img := range req.Images {
		blocks = append(blocks, anthropic.NewImageBlockBase64(img.MediaType, base64.StdEncoding.EncodeToString(img.Data)))
	}
	blocks = append(blocks, anthropic.NewTextBlock(req.Prompt))
	return blocks
}

// classifyError maps context-window overflows onto ErrContextLength.
func classifyError(err error) error {
	var apiErr *anthropic.Error
	if errors.As(err, &apiErr) && apiErr.StatusCode == http.StatusBadRequest && isContextLengthMessage(apiErr.Error()) {
		return fmt.Errorf("%w: %v", ErrContextLength, err)
	}
	return fmt.Errorf("anthropic API call: %w", err)
}

func isContextLengthMessage(msg string) bool {
	lower := strings.ToLower(msg)
	for _, marker := range []string{"prompt is too long", "context window", "context length", "too many tokens"} {
		if strings.Contains(lower, marker) {
			return true
		}
	}
	return false
}
