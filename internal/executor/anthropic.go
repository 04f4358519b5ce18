// Package executor provides the Anthropic-backed reference implementation
// of the swarm executor port.
package executor

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"math"
	"net"
	"os"
	"time"

	"github.com/anthropics/anthropic-sdk-go"
	"github.com/anthropics/anthropic-sdk-go/option"
	"github.com/google/uuid"
	"github.com/rs/zerolog"

	"github.com/abathur-dev/abathur/internal/swarm"
	"github.com/abathur-dev/abathur/internal/types"
)

const (
	// DefaultModel is used when no model is configured.
	DefaultModel = "claude-sonnet-4-5"

	maxAPIRetries   = 3
	initialBackoff  = 1 * time.Second
	maxOutputTokens = 4096
)

// ErrAPIKeyRequired is returned when no API key is available.
var ErrAPIKeyRequired = errors.New("API key required")

// AnthropicExecutor runs tasks as single-turn Anthropic message calls.
// The task prompt becomes the user message; the response text becomes
// the result payload.
type AnthropicExecutor struct {
	client anthropic.Client
	model  anthropic.Model
	log    zerolog.Logger
}

// NewAnthropicExecutor builds an executor. ANTHROPIC_API_KEY takes
// precedence over the explicit key; model falls back to DefaultModel.
func NewAnthropicExecutor(apiKey, model string, log zerolog.Logger) (*AnthropicExecutor, error) {
	if envKey := os.Getenv("ANTHROPIC_API_KEY"); envKey != "" {
		apiKey = envKey
	}
	if apiKey == "" {
		return nil, fmt.Errorf("%w: set ANTHROPIC_API_KEY or configure executor.api_key", ErrAPIKeyRequired)
	}
	if model == "" {
		model = DefaultModel
	}
	return &AnthropicExecutor{
		client: anthropic.NewClient(option.WithAPIKey(apiKey)),
		model:  anthropic.Model(model),
		log:    log.With().Str("component", "executor").Logger(),
	}, nil
}

// ExecuteTask sends the task prompt to the model and wraps the reply as
// the execution result. Business failures (refusals, empty responses)
// come back as unsuccessful results; only infrastructure errors are
// returned as Go errors.
func (e *AnthropicExecutor) ExecuteTask(ctx context.Context, task *types.Task) (*swarm.Result, error) {
	result := &swarm.Result{
		TaskID:  task.ID,
		AgentID: uuid.NewString(),
	}

	prompt := task.Prompt
	if len(task.InputData) > 0 {
		prompt = fmt.Sprintf("%s\n\nInput data:\n%s", prompt, task.InputData)
	}

	text, err := e.callWithRetry(ctx, prompt)
	if err != nil {
		if ctx.Err() != nil {
			return nil, ctx.Err()
		}
		var apiErr *anthropic.Error
		if errors.As(err, &apiErr) && apiErr.StatusCode >= 400 && apiErr.StatusCode < 500 {
			// Rejected request: the task itself is the problem.
			result.Error = err.Error()
			return result, nil
		}
		return nil, err
	}
	if text == "" {
		result.Error = "model returned no text content"
		return result, nil
	}

	payload, err := json.Marshal(map[string]string{"response": text})
	if err != nil {
		return nil, fmt.Errorf("encode result: %w", err)
	}
	result.Success = true
	result.Data = payload
	return result, nil
}

func (e *AnthropicExecutor) callWithRetry(ctx context.Context, prompt string) (string, error) {
	params := anthropic.MessageNewParams{
		Model:     e.model,
		MaxTokens: maxOutputTokens,
		Messages: []anthropic.MessageParam{
			anthropic.NewUserMessage(anthropic.NewTextBlock(prompt)),
		},
	}

	var lastErr error
	for attempt := 0; attempt <= maxAPIRetries; attempt++ {
		if attempt > 0 {
			backoff := initialBackoff * time.Duration(math.Pow(2, float64(attempt-1)))
			select {
			case <-time.After(backoff):
			case <-ctx.Done():
				return "", ctx.Err()
			}
		}

		message, err := e.client.Messages.New(ctx, params)
		if err == nil {
			if len(message.Content) == 0 {
				return "", nil
			}
			content := message.Content[0]
			if content.Type != "text" {
				return "", nil
			}
			return content.Text, nil
		}

		lastErr = err
		if ctx.Err() != nil {
			return "", ctx.Err()
		}
		if !isRetryable(err) {
			return "", err
		}
		e.log.Warn().Err(err).Int("attempt", attempt+1).Msg("anthropic call retrying")
	}
	return "", fmt.Errorf("failed after %d attempts: %w", maxAPIRetries+1, lastErr)
}

// isRetryable treats timeouts, rate limits, and server errors as
// transient.
func isRetryable(err error) bool {
	if err == nil {
		return false
	}
	if errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
		return false
	}
	var netErr net.Error
	if errors.As(err, &netErr) && netErr.Timeout() {
		return true
	}
	var apiErr *anthropic.Error
	if errors.As(err, &apiErr) {
		return apiErr.StatusCode == 429 || apiErr.StatusCode >= 500
	}
	return false
}
