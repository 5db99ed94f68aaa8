package llm

import (
	"bytes"
	"context"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	"vibe/internal/shared/jsonx"
	"vibe/internal/shared/logging"
	"vibe/internal/verr"
)

const defaultBaseURL = "https://openrouter.ai/api/v1"

// OpenAIConfig configures the chat-completions client.
type OpenAIConfig struct {
	Model   string
	APIKey  string
	BaseURL string
	Timeout time.Duration
	Headers map[string]string
}

// openaiClient speaks the OpenAI-compatible chat completions API.
type openaiClient struct {
	model      string
	apiKey     string
	baseURL    string
	headers    map[string]string
	httpClient *http.Client
	logger     logging.Logger
}

// NewOpenAIClient constructs a completion client for any OpenAI-compatible
// endpoint.
func NewOpenAIClient(cfg OpenAIConfig) (Client, error) {
	if cfg.Model == "" {
		return nil, fmt.Errorf("llm: model is required")
	}
	if cfg.BaseURL == "" {
		cfg.BaseURL = defaultBaseURL
	}
	if cfg.Timeout <= 0 {
		cfg.Timeout = 120 * time.Second
	}
	return &openaiClient{
		model:      cfg.Model,
		apiKey:     cfg.APIKey,
		baseURL:    strings.TrimRight(cfg.BaseURL, "/"),
		headers:    cfg.Headers,
		httpClient: &http.Client{Timeout: cfg.Timeout},
		logger:     logging.NewLLMLogger("openai"),
	}, nil
}

func (c *openaiClient) Model() string { return c.model }

type chatMessage struct {
	Role    string `json:"role"`
	Content string `json:"content"`
}

type chatRequest struct {
	Model          string         `json:"model"`
	Messages       []chatMessage  `json:"messages"`
	Temperature    float64        `json:"temperature"`
	Stream         bool           `json:"stream"`
	ResponseFormat map[string]any `json:"response_format,omitempty"`
}

type chatResponse struct {
	Choices []struct {
		Message chatMessage `json:"message"`
	} `json:"choices"`
	Error *struct {
		Message string `json:"message"`
	} `json:"error,omitempty"`
}

func (c *openaiClient) Complete(ctx context.Context, req Request) (string, error) {
	if req.Timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, req.Timeout)
		defer cancel()
	}

	var messages []chatMessage
	if req.SystemPrompt != "" {
		messages = append(messages, chatMessage{Role: "system", Content: req.SystemPrompt})
	}
	prompt := req.Prompt
	if req.Schema != "" {
		// Providers without native schema enforcement still honor an inline
		// contract most of the time; the parse layer repairs the rest.
		prompt = prompt + "\n\nThe response must be JSON conforming to this schema:\n" + req.Schema
	}
	messages = append(messages, chatMessage{Role: "user", Content: prompt})

	payload := chatRequest{
		Model:       c.model,
		Messages:    messages,
		Temperature: 0.2,
	}
	if req.Schema != "" {
		payload.ResponseFormat = map[string]any{"type": "json_object"}
	}
	body, err := jsonx.Marshal(payload)
	if err != nil {
		return "", fmt.Errorf("llm: marshal request: %w", err)
	}

	endpoint := c.baseURL + "/chat/completions"
	c.logger.Debug("POST %s model=%s prompt_bytes=%d", endpoint, c.model, len(req.Prompt))

	httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost, endpoint, bytes.NewReader(body))
	if err != nil {
		return "", err
	}
	httpReq.Header.Set("Content-Type", "application/json")
	if c.apiKey != "" {
		httpReq.Header.Set("Authorization", "Bearer "+c.apiKey)
	}
	for k, v := range c.headers {
		httpReq.Header.Set(k, v)
	}

	resp, err := c.httpClient.Do(httpReq)
	if err != nil {
		return "", err
	}
	defer func() { _ = resp.Body.Close() }()

	raw, err := io.ReadAll(io.LimitReader(resp.Body, 8<<20))
	if err != nil {
		return "", err
	}
	if resp.StatusCode == http.StatusTooManyRequests || resp.StatusCode >= 500 {
		return "", verr.New(verr.KindBusy, "llm provider returned %d", resp.StatusCode)
	}
	if resp.StatusCode != http.StatusOK {
		return "", verr.New(verr.KindValidation, "llm provider returned %d: %s", resp.StatusCode, truncate(string(raw), 200))
	}

	var parsed chatResponse
	if err := jsonx.Unmarshal(raw, &parsed); err != nil {
		return "", verr.Wrap(err, verr.KindParse, "llm response body")
	}
	if parsed.Error != nil {
		return "", verr.New(verr.KindBusy, "llm provider error: %s", parsed.Error.Message)
	}
	if len(parsed.Choices) == 0 {
		return "", verr.New(verr.KindParse, "llm response has no choices")
	}
	return parsed.Choices[0].Message.Content, nil
}

func truncate(s string, n int) string {
	if len(s) <= n {
		return s
	}
	return s[:n] + "..."
}
