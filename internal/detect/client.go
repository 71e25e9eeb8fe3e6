package detect

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"time"

	"github.com/rs/zerolog"

	"mockupforge/internal/domain"
)

// Options controls how the vision client is configured.
type Options struct {
	BaseURL    string
	APIKey     string
	HTTPClient *http.Client
	Logger     zerolog.Logger
}

// Client is a lightweight facade over the external vision inference service.
// The request carries only the template's blob-store URL — the inference
// host dereferences it itself, keeping image bytes out of this hop too.
// When no endpoint is configured the client reports Configured() == false
// and the detector degrades to the local heuristic, which keeps the worker
// fully operational in local and CI environments.
type Client struct {
	baseURL    string
	apiKey     string
	httpClient *http.Client
	logger     zerolog.Logger
}

func NewClient(opts Options) *Client {
	httpClient := opts.HTTPClient
	if httpClient == nil {
		httpClient = &http.Client{Timeout: 3 * time.Minute}
	}
	return &Client{
		baseURL:    opts.BaseURL,
		apiKey:     opts.APIKey,
		httpClient: httpClient,
		logger:     opts.Logger,
	}
}

// Configured reports whether a remote inference endpoint is available.
func (c *Client) Configured() bool {
	return c != nil && c.baseURL != ""
}

type detectRequest struct {
	TemplateURL string `json:"template_url"`
}

type detectResponse struct {
	Regions []domain.Region `json:"regions"`
}

// Detect runs one inference pass and returns the raw ranked candidates.
func (c *Client) Detect(ctx context.Context, templateURL string) ([]domain.Region, error) {
	if !c.Configured() {
		return nil, domain.NewPipelineError(domain.ErrServiceUnavailable, "no detector endpoint configured", nil)
	}

	body, err := json.Marshal(detectRequest{TemplateURL: templateURL})
	if err != nil {
		return nil, domain.NewPipelineError(domain.ErrInternal, "encode detect request", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.baseURL+"/v1/detect", bytes.NewReader(body))
	if err != nil {
		return nil, domain.NewPipelineError(domain.ErrInternal, "build detect request", err)
	}
	req.Header.Set("Content-Type", "application/json")
	if c.apiKey != "" {
		req.Header.Set("Authorization", "Bearer "+c.apiKey)
	}

	resp, err := c.httpClient.Do(req)
	if err != nil {
		if errors.Is(err, context.DeadlineExceeded) {
			return nil, domain.NewPipelineError(domain.ErrTimeout, "detection inference timed out", err)
		}
		return nil, domain.NewPipelineError(domain.ErrServiceUnavailable, "detector unreachable", err)
	}
	defer resp.Body.Close()

	switch {
	case resp.StatusCode >= 500 || resp.StatusCode == http.StatusTooManyRequests:
		return nil, domain.NewPipelineError(domain.ErrServiceUnavailable,
			fmt.Sprintf("detector returned %d", resp.StatusCode), nil)
	case resp.StatusCode >= 400:
		return nil, domain.NewPipelineError(domain.ErrDetectionFailed,
			fmt.Sprintf("detector rejected request with %d", resp.StatusCode), nil)
	}

	var parsed detectResponse
	if err := json.NewDecoder(resp.Body).Decode(&parsed); err != nil {
		return nil, domain.NewPipelineError(domain.ErrServiceUnavailable, "malformed detector response", err)
	}

	c.logger.Debug().Int("regions", len(parsed.Regions)).Msg("detector responded")
	return parsed.Regions, nil
}
