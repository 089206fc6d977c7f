package driver

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"time"

	"github.com/hyperxav/clara-engine/internal/model"
)

// ErrDuplicateContent is returned when the posting backend rejects a text
// it considers a duplicate of a recent post. Terminal for the post.
var ErrDuplicateContent = model.NewError(model.KindValidation, "posting backend rejected duplicate content", nil)

// HTTPPostingConfig holds configuration for the HTTP posting driver.
type HTTPPostingConfig struct {
	// BaseURL is the posting backend API root.
	BaseURL string
	// Timeout bounds each HTTP call.
	Timeout time.Duration
}

// HTTPPosting publishes posts through a Twitter-style v2 HTTP API.
// Credentials are supplied per call; the driver holds no tenant state.
type HTTPPosting struct {
	cfg        HTTPPostingConfig
	httpClient *http.Client
}

// NewHTTPPosting creates a new HTTP posting driver.
func NewHTTPPosting(cfg HTTPPostingConfig) (*HTTPPosting, error) {
	if cfg.BaseURL == "" {
		return nil, fmt.Errorf("posting: baseURL must not be empty")
	}
	if cfg.Timeout <= 0 {
		return nil, fmt.Errorf("posting: timeout must be positive, got %v", cfg.Timeout)
	}
	return &HTTPPosting{
		cfg:        cfg,
		httpClient: &http.Client{Timeout: cfg.Timeout},
	}, nil
}

// Name returns the driver identifier.
func (p *HTTPPosting) Name() string { return "http-posting" }

// publishRequest is the publish endpoint request body.
type publishRequest struct {
	Text string `json:"text"`
}

// publishResponse is the publish endpoint response body.
type publishResponse struct {
	Data struct {
		ID string `json:"id"`
	} `json:"data"`
}

// Publish implements Posting.
func (p *HTTPPosting) Publish(ctx context.Context, creds model.Credentials, text string) (string, error) {
	bodyBytes, err := json.Marshal(publishRequest{Text: text})
	if err != nil {
		return "", model.NewError(model.KindConfiguration, "posting: marshaling request", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, p.cfg.BaseURL+"/tweets", bytes.NewReader(bodyBytes))
	if err != nil {
		return "", model.NewError(model.KindConfiguration, "posting: creating request", err)
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("Authorization", "Bearer "+creds.AccessToken)

	resp, err := p.httpClient.Do(req)
	if err != nil {
		return "", model.NewError(model.KindTransient, "posting: sending request", err)
	}
	defer resp.Body.Close()

	respBody, err := io.ReadAll(io.LimitReader(resp.Body, maxResponseBody))
	if err != nil {
		return "", model.NewError(model.KindTransient, "posting: reading response", err)
	}

	// The backend signals duplicates with 403; surface that separately so
	// the pipeline records a validation failure instead of retrying.
	if resp.StatusCode == http.StatusForbidden && bytes.Contains(respBody, []byte("duplicate")) {
		return "", ErrDuplicateContent
	}
	if err := classifyStatus("posting", resp, respBody); err != nil {
		return "", err
	}

	var parsed publishResponse
	if err := json.Unmarshal(respBody, &parsed); err != nil {
		return "", model.NewError(model.KindTransient, "posting: parsing response JSON", err)
	}
	if parsed.Data.ID == "" {
		return "", model.NewError(model.KindTransient, "posting: response missing post id", nil)
	}
	return parsed.Data.ID, nil
}

// Delete implements Posting.
func (p *HTTPPosting) Delete(ctx context.Context, creds model.Credentials, externalID string) error {
	req, err := http.NewRequestWithContext(ctx, http.MethodDelete, p.cfg.BaseURL+"/tweets/"+externalID, nil)
	if err != nil {
		return model.NewError(model.KindConfiguration, "posting: creating request", err)
	}
	req.Header.Set("Authorization", "Bearer "+creds.AccessToken)

	resp, err := p.httpClient.Do(req)
	if err != nil {
		return model.NewError(model.KindTransient, "posting: sending request", err)
	}
	defer resp.Body.Close()
	respBody, _ := io.ReadAll(io.LimitReader(resp.Body, maxResponseBody))

	return classifyStatus("posting", resp, respBody)
}
