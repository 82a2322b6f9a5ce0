// Package httpimg is a generation provider adapter for OpenAI-compatible
// image APIs (POST {base}/images/generations with a bearer key).
package httpimg

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strings"

	"github.com/pixelforge/admitgate"
)

// Provider calls an OpenAI-compatible image generation endpoint.
type Provider struct {
	name       string
	baseURL    string
	apiKey     string
	httpClient *http.Client

	// models maps gate operation ids onto upstream model names. Unmapped
	// operations are sent through unchanged.
	models map[string]string
}

var _ admitgate.Provider = (*Provider)(nil)

// Option configures the provider.
type Option func(*Provider)

// WithHTTPClient sets a custom HTTP client.
func WithHTTPClient(c *http.Client) Option {
	return func(p *Provider) { p.httpClient = c }
}

// WithModelMap maps operation ids onto upstream model names.
func WithModelMap(models map[string]string) Option {
	return func(p *Provider) { p.models = models }
}

// New creates a provider for the given API endpoint.
func New(name, baseURL, apiKey string, opts ...Option) *Provider {
	p := &Provider{
		name:       name,
		baseURL:    strings.TrimRight(baseURL, "/"),
		apiKey:     apiKey,
		httpClient: http.DefaultClient,
	}
	for _, opt := range opts {
		opt(p)
	}
	return p
}

func (p *Provider) Name() string { return p.name }

// apiRequest is the image generation request format.
type apiRequest struct {
	Model  string `json:"model"`
	Prompt string `json:"prompt"`
	Size   string `json:"size,omitempty"`
	N      int    `json:"n"`
}

// apiResponse is the image generation response format.
type apiResponse struct {
	Data []struct {
		URL string `json:"url"`
	} `json:"data"`
}

func (p *Provider) Generate(ctx context.Context, req admitgate.GenerateRequest) (admitgate.GenerateResult, error) {
	body := apiRequest{
		Model:  p.modelFor(req.Operation),
		Prompt: stringParam(req.Params, "prompt"),
		Size:   stringParam(req.Params, "size"),
		N:      1,
	}
	jsonBody, err := json.Marshal(body)
	if err != nil {
		return admitgate.GenerateResult{}, fmt.Errorf("admitgate/httpimg: marshal request: %w", err)
	}

	url := p.baseURL + "/images/generations"
	httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost, url, bytes.NewReader(jsonBody))
	if err != nil {
		return admitgate.GenerateResult{}, fmt.Errorf("admitgate/httpimg: create request: %w", err)
	}
	httpReq.Header.Set("Content-Type", "application/json")
	httpReq.Header.Set("Authorization", "Bearer "+p.apiKey)

	httpResp, err := p.httpClient.Do(httpReq)
	if err != nil {
		// Includes context deadline/cancellation; the gate decides whether
		// the outcome counts as ambiguous.
		return admitgate.GenerateResult{}, fmt.Errorf("admitgate/httpimg: %w", err)
	}
	defer httpResp.Body.Close()

	if httpResp.StatusCode < 200 || httpResp.StatusCode >= 300 {
		raw, _ := io.ReadAll(io.LimitReader(httpResp.Body, 1024))
		return admitgate.GenerateResult{}, fmt.Errorf("admitgate/httpimg: upstream status %d: %s",
			httpResp.StatusCode, string(raw))
	}

	var resp apiResponse
	if err := json.NewDecoder(httpResp.Body).Decode(&resp); err != nil {
		return admitgate.GenerateResult{}, fmt.Errorf("admitgate/httpimg: decode response: %w", err)
	}
	if len(resp.Data) == 0 || resp.Data[0].URL == "" {
		return admitgate.GenerateResult{}, fmt.Errorf("admitgate/httpimg: empty artifact in response")
	}

	return admitgate.GenerateResult{ArtifactURL: resp.Data[0].URL}, nil
}

func (p *Provider) modelFor(operation string) string {
	if m, ok := p.models[operation]; ok {
		return m
	}
	return operation
}

func stringParam(params map[string]any, key string) string {
	if v, ok := params[key].(string); ok {
		return v
	}
	return ""
}
