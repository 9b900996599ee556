package llm

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	"github.com/sirupsen/logrus"

	"github.com/tessira/cartwright/internal/config"
	"github.com/tessira/cartwright/internal/validation"
)

// ErrRateLimited marks provider 429 responses that survived the retry
// budget. Callers with a rule-based fallback switch to it on this
// error.
var ErrRateLimited = errors.New("llm provider rate limited")

const defaultModel = "openai/gpt-4o-mini"

// Client talks to an OpenRouter-compatible chat-completions API and
// enforces structured-output schemas on the responses. Parsing calls
// use the semantic parser model; question generation and narration use
// the question generator model when one is configured.
type Client struct {
	baseURL       string
	apiKey        string
	model         string
	questionModel string
	temperature   float64
	maxRetries    int

	httpClient *http.Client
	validator  *validation.SchemaValidator
	logger     *logrus.Logger
}

// Message represents a chat message.
type Message struct {
	Role    string `json:"role"`
	Content string `json:"content"`
}

type responseFormat struct {
	Type string `json:"type"`
}

// Request represents the API request structure.
type Request struct {
	Model          string          `json:"model"`
	Messages       []Message       `json:"messages"`
	Temperature    float64         `json:"temperature"`
	Stream         bool            `json:"stream"`
	ResponseFormat *responseFormat `json:"response_format,omitempty"`
}

// Response represents the API response structure.
type Response struct {
	ID      string   `json:"id"`
	Choices []Choice `json:"choices"`
}

// Choice represents a single completion choice.
type Choice struct {
	Message      Message `json:"message"`
	FinishReason string  `json:"finish_reason"`
}

func New(cfg config.LLMConfig, validator *validation.SchemaValidator, logger *logrus.Logger) *Client {
	model := cfg.SemanticParserModel
	if model == "" {
		model = defaultModel
	}
	questionModel := cfg.QuestionGeneratorModel
	if questionModel == "" {
		questionModel = model
	}
	timeout := cfg.Timeout
	if timeout == 0 {
		timeout = 5 * time.Second
	}
	maxRetries := cfg.MaxRetries
	if maxRetries == 0 {
		maxRetries = 2
	}

	return &Client{
		baseURL:       strings.TrimSuffix(cfg.BaseURL, "/"),
		apiKey:        cfg.APIKey,
		model:         model,
		questionModel: questionModel,
		temperature:   cfg.Temperature,
		maxRetries:    maxRetries,
		httpClient:    &http.Client{Timeout: timeout},
		validator:     validator,
		logger:        logger,
	}
}

// Complete sends one system+user exchange and returns the raw reply
// text.
func (c *Client) Complete(ctx context.Context, system, user string) (string, error) {
	return c.complete(ctx, c.model, system, user, nil)
}

// modelFor routes generative schemas to the question model and keeps
// extraction and classification on the parser model.
func (c *Client) modelFor(schemaName string) string {
	switch schemaName {
	case validation.SchemaGeneratedQuestion, validation.SchemaComparisonNarrative:
		return c.questionModel
	default:
		return c.model
	}
}

// CompleteJSON asks for a JSON reply, extracts the object from the
// response text, validates it against the named schema, and
// unmarshals it into out.
func (c *Client) CompleteJSON(ctx context.Context, system, user, schemaName string, out interface{}) error {
	content, err := c.complete(ctx, c.modelFor(schemaName), system, user, &responseFormat{Type: "json_object"})
	if err != nil {
		return err
	}

	jsonContent, err := ExtractJSON(content)
	if err != nil {
		return fmt.Errorf("no JSON in %s response: %w", schemaName, err)
	}

	if c.validator != nil {
		if result := c.validator.Validate(schemaName, jsonContent); !result.Valid {
			return fmt.Errorf("%s response failed schema validation: %w", schemaName, result.FirstError())
		}
	}

	if err := json.Unmarshal([]byte(jsonContent), out); err != nil {
		return fmt.Errorf("failed to parse %s response: %w", schemaName, err)
	}

	return nil
}

func (c *Client) complete(ctx context.Context, model, system, user string, format *responseFormat) (string, error) {
	messages := make([]Message, 0, 2)
	if system != "" {
		messages = append(messages, Message{Role: "system", Content: system})
	}
	messages = append(messages, Message{Role: "user", Content: user})

	body, err := json.Marshal(Request{
		Model:          model,
		Messages:       messages,
		Temperature:    c.temperature,
		Stream:         false,
		ResponseFormat: format,
	})
	if err != nil {
		return "", fmt.Errorf("failed to marshal request: %w", err)
	}

	resp, err := c.retryWithBackoff(ctx, func() (*http.Response, error) {
		httpReq, err := http.NewRequestWithContext(ctx, "POST", c.baseURL+"/chat/completions", bytes.NewReader(body))
		if err != nil {
			return nil, err
		}

		httpReq.Header.Set("Content-Type", "application/json")
		httpReq.Header.Set("Authorization", "Bearer "+c.apiKey)

		return c.httpClient.Do(httpReq)
	})
	if err != nil {
		return "", err
	}
	defer resp.Body.Close()

	if resp.StatusCode == http.StatusTooManyRequests {
		return "", ErrRateLimited
	}
	if resp.StatusCode != http.StatusOK {
		bodyBytes, _ := io.ReadAll(resp.Body)
		return "", fmt.Errorf("llm API returned status %d: %s", resp.StatusCode, string(bodyBytes))
	}

	bodyBytes, err := io.ReadAll(resp.Body)
	if err != nil {
		return "", fmt.Errorf("failed to read llm response: %w", err)
	}

	var apiResp Response
	if err := json.Unmarshal(bodyBytes, &apiResp); err != nil {
		return "", fmt.Errorf("failed to parse llm response: %w", err)
	}
	if len(apiResp.Choices) == 0 {
		return "", fmt.Errorf("no choices in llm response")
	}

	return apiResp.Choices[0].Message.Content, nil
}

const (
	initialBackoff = 500 * time.Millisecond
	maxBackoff     = 8 * time.Second
)

func shouldRetry(statusCode int) bool {
	switch statusCode {
	case http.StatusTooManyRequests,
		http.StatusInternalServerError,
		http.StatusBadGateway,
		http.StatusServiceUnavailable,
		http.StatusGatewayTimeout:
		return true
	default:
		return false
	}
}

func backoffFor(attempt int) time.Duration {
	backoff := initialBackoff << uint(attempt)
	if backoff > maxBackoff {
		backoff = maxBackoff
	}
	return backoff
}

// retryWithBackoff retries transient failures with exponential
// backoff, honouring context cancellation between attempts. The last
// response is returned unconsumed so callers can map its status.
func (c *Client) retryWithBackoff(ctx context.Context, reqFunc func() (*http.Response, error)) (*http.Response, error) {
	var lastErr error

	for attempt := 0; attempt <= c.maxRetries; attempt++ {
		select {
		case <-ctx.Done():
			return nil, ctx.Err()
		default:
		}

		resp, err := reqFunc()

		if err == nil && resp.StatusCode == http.StatusOK {
			return resp, nil
		}

		if err != nil {
			lastErr = err
		} else {
			lastErr = fmt.Errorf("HTTP %d", resp.StatusCode)
			if !shouldRetry(resp.StatusCode) {
				return resp, nil
			}
			if attempt == c.maxRetries {
				// Hand the final retryable response back so the
				// caller can distinguish a 429 from other failures.
				return resp, nil
			}
			resp.Body.Close()
		}

		if attempt == c.maxRetries {
			break
		}

		backoff := backoffFor(attempt)
		c.logger.WithFields(logrus.Fields{
			"attempt": attempt + 1,
			"backoff": backoff.String(),
			"error":   lastErr.Error(),
		}).Warn("LLM request failed, retrying")

		select {
		case <-ctx.Done():
			return nil, ctx.Err()
		case <-time.After(backoff):
		}
	}

	return nil, fmt.Errorf("llm request failed after %d retries: %w", c.maxRetries, lastErr)
}

// ExtractJSON pulls the first JSON object out of a model reply,
// tolerating markdown code fences and prose around it.
func ExtractJSON(content string) (string, error) {
	content = strings.TrimSpace(content)
	content = strings.TrimPrefix(content, "```json")
	content = strings.TrimPrefix(content, "```")
	content = strings.TrimSuffix(content, "```")
	content = strings.TrimSpace(content)

	start := strings.Index(content, "{")
	end := strings.LastIndex(content, "}")
	if start == -1 || end == -1 || end <= start {
		return "", fmt.Errorf("no JSON object found")
	}

	return content[start : end+1], nil
}
