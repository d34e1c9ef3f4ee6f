package llm

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	openai "github.com/sashabaranov/go-openai"
	"go.uber.org/zap"

	"github.com/accred-agent/backend/internal/metrics"
	"github.com/accred-agent/backend/pkg/circuitbreaker"
	"github.com/accred-agent/backend/pkg/logger"
	"github.com/accred-agent/backend/pkg/retry"
)

var (
	// ErrUpstreamTimeout marks an LLM call that exceeded its deadline.
	ErrUpstreamTimeout = errors.New("llm request timed out")
	// ErrEmptyResponse marks a completion that came back with no content.
	ErrEmptyResponse = errors.New("llm returned empty response")
)

// Role scopes a prompt to one pipeline agent.
type Role string

const (
	RoleMapper    Role = "mapper"
	RoleGapFinder Role = "gap_finder"
	RoleNarrator  Role = "narrator"
)

// Generator is the capability the pipeline stages consume. Satisfied by
// *Client in production and by deterministic stubs in tests.
type Generator interface {
	Generate(ctx context.Context, req GenerateRequest) (*GenerateResponse, error)
}

type Client struct {
	client      *openai.Client
	apiKey      string
	model       string
	temperature float32
	maxTokens   int
	timeout     time.Duration
	cb          *circuitbreaker.CircuitBreaker
	retryConfig retry.Config
}

type GenerateRequest struct {
	Role         Role
	SystemPrompt string
	UserPrompt   string
	Temperature  float32
	MaxTokens    int
}

type GenerateResponse struct {
	Content      string
	FinishReason string
	Usage        Usage
}

type Usage struct {
	PromptTokens     int
	CompletionTokens int
	TotalTokens      int
}

func NewClient(apiKey, model string, temperature float32, maxTokens, timeoutSec int) *Client {
	client := openai.NewClient(apiKey)

	cb := circuitbreaker.NewCircuitBreaker("llm", circuitbreaker.Config{
		MaxRequests:      5,
		Interval:         time.Minute,
		Timeout:          30 * time.Second,
		FailureThreshold: 5,
		SuccessThreshold: 2,
		Logger:           logger.GetLogger(),
	})

	retryConfig := retry.Config{
		MaxAttempts:    3,
		InitialDelay:   500 * time.Millisecond,
		MaxDelay:       5 * time.Second,
		Multiplier:     2.0,
		JitterFraction: 0.1,
		Logger:         logger.GetLogger(),
	}

	if timeoutSec <= 0 {
		timeoutSec = 60
	}

	logger.Info("LLM client initialized",
		zap.String("model", model),
		zap.Int("timeout_sec", timeoutSec),
	)

	return &Client{
		client:      client,
		apiKey:      apiKey,
		model:       model,
		temperature: temperature,
		maxTokens:   maxTokens,
		timeout:     time.Duration(timeoutSec) * time.Second,
		cb:          cb,
		retryConfig: retryConfig,
	}
}

// Available reports whether the client holds enough configuration to issue
// requests. Wiring checks it before building the pipeline.
func (c *Client) Available() bool {
	return c.client != nil && c.apiKey != "" && c.model != ""
}

func (c *Client) Generate(ctx context.Context, req GenerateRequest) (*GenerateResponse, error) {
	ctx, cancel := context.WithTimeout(ctx, c.timeout)
	defer cancel()

	temperature := req.Temperature
	if temperature == 0 {
		temperature = c.temperature
	}

	maxTokens := req.MaxTokens
	if maxTokens == 0 {
		maxTokens = c.maxTokens
	}

	messages := []openai.ChatCompletionMessage{
		{
			Role:    openai.ChatMessageRoleSystem,
			Content: req.SystemPrompt,
		},
		{
			Role:    openai.ChatMessageRoleUser,
			Content: req.UserPrompt,
		},
	}

	var result *GenerateResponse

	err := c.cb.Execute(ctx, func() error {
		return retry.Do(ctx, c.retryConfig, func() error {
			resp, err := c.client.CreateChatCompletion(
				ctx,
				openai.ChatCompletionRequest{
					Model:       c.model,
					Messages:    messages,
					Temperature: temperature,
					MaxTokens:   maxTokens,
				},
			)

			if err != nil {
				return fmt.Errorf("failed to create completion: %w", err)
			}

			if len(resp.Choices) == 0 || strings.TrimSpace(resp.Choices[0].Message.Content) == "" {
				return ErrEmptyResponse
			}

			logger.Debug("LLM completion generated",
				zap.String("role", string(req.Role)),
				zap.Int("prompt_tokens", resp.Usage.PromptTokens),
				zap.Int("completion_tokens", resp.Usage.CompletionTokens),
			)

			result = &GenerateResponse{
				Content:      resp.Choices[0].Message.Content,
				FinishReason: string(resp.Choices[0].FinishReason),
				Usage: Usage{
					PromptTokens:     resp.Usage.PromptTokens,
					CompletionTokens: resp.Usage.CompletionTokens,
					TotalTokens:      resp.Usage.TotalTokens,
				},
			}

			return nil
		})
	})

	if err != nil {
		if errors.Is(err, context.DeadlineExceeded) {
			return nil, fmt.Errorf("%w: role %s: %v", ErrUpstreamTimeout, req.Role, err)
		}
		return nil, err
	}

	metrics.LLMTokensUsed.WithLabelValues(c.model, "prompt").Add(float64(result.Usage.PromptTokens))
	metrics.LLMTokensUsed.WithLabelValues(c.model, "completion").Add(float64(result.Usage.CompletionTokens))
	metrics.LLMCost.WithLabelValues(c.model).Add(estimateCost(c.model, result.Usage))

	return result, nil
}

// estimateCost converts token usage into approximate USD for the metrics
// counter. Rates are per 1K tokens.
func estimateCost(model string, usage Usage) float64 {
	promptRate, completionRate := 0.03, 0.06
	if strings.Contains(model, "mini") || strings.Contains(model, "3.5") {
		promptRate, completionRate = 0.0005, 0.0015
	}
	return float64(usage.PromptTokens)/1000*promptRate +
		float64(usage.CompletionTokens)/1000*completionRate
}
