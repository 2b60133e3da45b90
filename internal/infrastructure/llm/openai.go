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

	"github.com/pr3m/smartbeat-crypto-sub005/internal/domain"
	"go.uber.org/zap"
)

const DefaultBaseURL = "https://api.openai.com/v1"

// Client talks to any OpenAI-compatible chat-completions endpoint.
type Client struct {
	baseURL string
	apiKey  string
	client  *http.Client
	logger  *zap.Logger
}

func NewClient(baseURL, apiKey string, timeout time.Duration, logger *zap.Logger) *Client {
	if baseURL == "" {
		baseURL = DefaultBaseURL
	}
	if timeout <= 0 {
		timeout = 30 * time.Second
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Client{
		baseURL: strings.TrimRight(baseURL, "/"),
		apiKey:  apiKey,
		client:  &http.Client{Timeout: timeout},
		logger:  logger,
	}
}

type chatMessage struct {
	Role    string `json:"role"`
	Content string `json:"content"`
}

type responseFormat struct {
	Type       string          `json:"type"`
	JSONSchema *jsonSchemaSpec `json:"json_schema,omitempty"`
}

type jsonSchemaSpec struct {
	Name   string         `json:"name"`
	Schema map[string]any `json:"schema"`
}

type chatRequest struct {
	Model          string          `json:"model"`
	Messages       []chatMessage   `json:"messages"`
	MaxTokens      int             `json:"max_tokens,omitempty"`
	ResponseFormat *responseFormat `json:"response_format,omitempty"`
}

type chatResponse struct {
	Choices []struct {
		Message struct {
			Content string `json:"content"`
		} `json:"message"`
		FinishReason string `json:"finish_reason"`
	} `json:"choices"`
	Usage struct {
		PromptTokens     int `json:"prompt_tokens"`
		CompletionTokens int `json:"completion_tokens"`
	} `json:"usage"`
	Error *struct {
		Message string `json:"message"`
		Type    string `json:"type"`
	} `json:"error,omitempty"`
}

// Complete sends one chat completion. A Schema on the request asks the
// provider for structured JSON output.
func (c *Client) Complete(ctx context.Context, req domain.CompletionRequest) (*domain.Completion, error) {
	if c.apiKey == "" {
		return nil, domain.ErrLLMUnavailable
	}

	body := chatRequest{
		Model:     req.Model,
		MaxTokens: req.MaxTokens,
	}
	if req.System != "" {
		body.Messages = append(body.Messages, chatMessage{Role: "system", Content: req.System})
	}
	body.Messages = append(body.Messages, chatMessage{Role: "user", Content: req.Prompt})
	if req.Schema != nil {
		body.ResponseFormat = &responseFormat{
			Type:       "json_schema",
			JSONSchema: &jsonSchemaSpec{Name: "response", Schema: req.Schema},
		}
	}

	payload, err := json.Marshal(body)
	if err != nil {
		return nil, err
	}
	httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost, c.baseURL+"/chat/completions", bytes.NewReader(payload))
	if err != nil {
		return nil, err
	}
	httpReq.Header.Set("Authorization", "Bearer "+c.apiKey)
	httpReq.Header.Set("Content-Type", "application/json")

	start := time.Now()
	resp, err := c.client.Do(httpReq)
	if err != nil {
		return nil, fmt.Errorf("llm request: %w", err)
	}
	defer resp.Body.Close()

	raw, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, err
	}

	var out chatResponse
	decodeErr := json.Unmarshal(raw, &out)
	if resp.StatusCode >= 400 {
		msg := strings.TrimSpace(string(raw))
		if decodeErr == nil && out.Error != nil {
			msg = out.Error.Message
		}
		return nil, fmt.Errorf("llm status %d: %s", resp.StatusCode, truncate(msg, 200))
	}
	if decodeErr != nil {
		return nil, fmt.Errorf("llm decode: %w", decodeErr)
	}
	if len(out.Choices) == 0 {
		return nil, errors.New("llm returned no choices")
	}

	c.logger.Debug("LLM completion",
		zap.String("model", req.Model),
		zap.Int("tokens_in", out.Usage.PromptTokens),
		zap.Int("tokens_out", out.Usage.CompletionTokens),
		zap.Duration("latency", time.Since(start)),
		zap.String("finish_reason", out.Choices[0].FinishReason))

	return &domain.Completion{
		Text:      out.Choices[0].Message.Content,
		TokensIn:  out.Usage.PromptTokens,
		TokensOut: out.Usage.CompletionTokens,
	}, nil
}

func truncate(s string, n int) string {
	if len(s) <= n {
		return s
	}
	return s[:n] + "..."
}
