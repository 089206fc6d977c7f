package driver

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strconv"
	"time"

	"github.com/hyperxav/clara-engine/internal/model"
	"github.com/hyperxav/clara-engine/internal/redact"
)

// maxResponseBody bounds how much of a driver response body is read.
const maxResponseBody = 1 << 20 // 1MB

// OpenAIConfig holds configuration for the OpenAI-compatible driver.
type OpenAIConfig struct {
	// BaseURL is the API root, e.g. "https://api.openai.com/v1".
	BaseURL string
	// Model names the completion model.
	Model string
	// EmbeddingModel names the embedding model.
	EmbeddingModel string
	// APIKey authenticates requests.
	APIKey string
	// Timeout bounds each HTTP call.
	Timeout time.Duration
}

// OpenAI implements LLM and Embedder against any OpenAI-compatible API.
type OpenAI struct {
	cfg        OpenAIConfig
	httpClient *http.Client
}

// NewOpenAI creates a new OpenAI-compatible driver.
func NewOpenAI(cfg OpenAIConfig) (*OpenAI, error) {
	if cfg.BaseURL == "" {
		return nil, fmt.Errorf("openai: baseURL must not be empty")
	}
	if cfg.Model == "" {
		return nil, fmt.Errorf("openai: model must not be empty")
	}
	if cfg.APIKey == "" {
		return nil, fmt.Errorf("openai: api key must not be empty")
	}
	if cfg.Timeout <= 0 {
		return nil, fmt.Errorf("openai: timeout must be positive, got %v", cfg.Timeout)
	}
	return &OpenAI{
		cfg:        cfg,
		httpClient: &http.Client{Timeout: cfg.Timeout},
	}, nil
}

// Name returns the driver identifier.
func (o *OpenAI) Name() string { return "openai" }

// chatRequest is the Chat Completions API request body.
type chatRequest struct {
	Model       string        `json:"model"`
	MaxTokens   int           `json:"max_tokens"`
	Temperature float64       `json:"temperature"`
	Messages    []chatMessage `json:"messages"`
}

// chatMessage represents one message in the Chat Completions API.
type chatMessage struct {
	Role    string `json:"role"`
	Content string `json:"content"`
}

// chatResponse is the Chat Completions API response body.
type chatResponse struct {
	Choices []chatChoice `json:"choices"`
	Usage   usage        `json:"usage"`
	Error   *apiError    `json:"error,omitempty"`
}

type chatChoice struct {
	Message      chatMessage `json:"message"`
	FinishReason string      `json:"finish_reason"`
}

type usage struct {
	PromptTokens     int `json:"prompt_tokens"`
	CompletionTokens int `json:"completion_tokens"`
}

type apiError struct {
	Message string `json:"message"`
	Type    string `json:"type"`
}

// embedRequest is the Embeddings API request body.
type embedRequest struct {
	Model string `json:"model"`
	Input string `json:"input"`
}

// embedResponse is the Embeddings API response body.
type embedResponse struct {
	Data  []embedDatum `json:"data"`
	Error *apiError    `json:"error,omitempty"`
}

type embedDatum struct {
	Embedding []float32 `json:"embedding"`
}

// Complete implements LLM.
func (o *OpenAI) Complete(ctx context.Context, prompt string, params Params) (*Completion, error) {
	reqBody := chatRequest{
		Model:       o.cfg.Model,
		MaxTokens:   params.MaxTokens,
		Temperature: params.Temperature,
		Messages: []chatMessage{
			{Role: "user", Content: prompt},
		},
	}

	var resp chatResponse
	if err := o.post(ctx, "/chat/completions", reqBody, &resp); err != nil {
		return nil, err
	}
	if resp.Error != nil {
		return nil, model.NewError(model.KindConfiguration,
			fmt.Sprintf("openai: API error: %s: %s", resp.Error.Type, resp.Error.Message), nil)
	}
	if len(resp.Choices) == 0 {
		return nil, model.NewError(model.KindTransient, "openai: response contained no choices", nil)
	}

	return &Completion{
		Text: resp.Choices[0].Message.Content,
		Usage: model.TokenUsage{
			Input:  resp.Usage.PromptTokens,
			Output: resp.Usage.CompletionTokens,
		},
		FinishReason: resp.Choices[0].FinishReason,
	}, nil
}

// Embed implements Embedder.
func (o *OpenAI) Embed(ctx context.Context, text string) ([]float32, error) {
	reqBody := embedRequest{
		Model: o.cfg.EmbeddingModel,
		Input: text,
	}

	var resp embedResponse
	if err := o.post(ctx, "/embeddings", reqBody, &resp); err != nil {
		return nil, err
	}
	if resp.Error != nil {
		return nil, model.NewError(model.KindConfiguration,
			fmt.Sprintf("openai: API error: %s: %s", resp.Error.Type, resp.Error.Message), nil)
	}
	if len(resp.Data) == 0 {
		return nil, model.NewError(model.KindTransient, "openai: response contained no embeddings", nil)
	}
	return resp.Data[0].Embedding, nil
}

// post sends a JSON request and decodes the JSON response, classifying
// HTTP-level failures into error kinds.
func (o *OpenAI) post(ctx context.Context, path string, reqBody, out any) error {
	bodyBytes, err := json.Marshal(reqBody)
	if err != nil {
		return model.NewError(model.KindConfiguration, "openai: marshaling request", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, o.cfg.BaseURL+path, bytes.NewReader(bodyBytes))
	if err != nil {
		return model.NewError(model.KindConfiguration, "openai: creating request", err)
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("Authorization", "Bearer "+o.cfg.APIKey)

	resp, err := o.httpClient.Do(req)
	if err != nil {
		return model.NewError(model.KindTransient, "openai: sending request", err)
	}
	defer resp.Body.Close()

	respBody, err := io.ReadAll(io.LimitReader(resp.Body, maxResponseBody))
	if err != nil {
		return model.NewError(model.KindTransient, "openai: reading response", err)
	}

	if err := classifyStatus("openai", resp, respBody); err != nil {
		return err
	}

	if err := json.Unmarshal(respBody, out); err != nil {
		return model.NewError(model.KindTransient, "openai: parsing response JSON", err)
	}
	return nil
}

// classifyStatus maps HTTP status codes onto the error taxonomy. 2xx is
// nil; 429 carries the Retry-After hint; 5xx is transient; anything else
// is a request error the caller cannot retry away. Response bodies are
// scrubbed before they reach an error message: backends sometimes echo the
// request, credentials included.
func classifyStatus(name string, resp *http.Response, body []byte) error {
	code := resp.StatusCode
	scrubbed := redact.Scrub(string(body))
	switch {
	case code >= 200 && code < 300:
		return nil
	case code == http.StatusTooManyRequests:
		return model.NewRateLimited(
			fmt.Sprintf("%s: rate limited: %s", name, scrubbed),
			parseRetryAfter(resp), nil)
	case code >= 500:
		return model.NewError(model.KindTransient,
			fmt.Sprintf("%s: server error %d: %s", name, code, scrubbed), nil)
	default:
		return model.NewError(model.KindConfiguration,
			fmt.Sprintf("%s: request rejected with status %d: %s", name, code, scrubbed), nil)
	}
}

// parseRetryAfter reads the Retry-After header in seconds, defaulting to 1s
// when absent or unparseable.
func parseRetryAfter(resp *http.Response) time.Duration {
	if v := resp.Header.Get("Retry-After"); v != "" {
		if secs, err := strconv.Atoi(v); err == nil && secs > 0 {
			return time.Duration(secs) * time.Second
		}
	}
	return time.Second
}
