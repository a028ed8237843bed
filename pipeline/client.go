package pipeline

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"time"

	"herringbone/core"

	"go.uber.org/zap"
)

// ServiceClient calls a dependent HTTP service with bearer-token auth.
// A 401 forces one token refresh and a single retry, which covers the
// common case of an expired cached token without looping on a service
// that genuinely rejects us.
type ServiceClient struct {
	name    string
	baseURL string
	client  *http.Client
	tokens  core.TokenSource
	logger  *zap.SugaredLogger
}

// NewServiceClient creates a client for the named service.
func NewServiceClient(name, baseURL string, timeout time.Duration, tokens core.TokenSource, logger *zap.SugaredLogger) *ServiceClient {
	return &ServiceClient{
		name:    name,
		baseURL: baseURL,
		client:  &http.Client{Timeout: timeout},
		tokens:  tokens,
		logger:  logger,
	}
}

// PostJSON posts a JSON body and decodes a JSON response into out.
// Errors are wrapped as upstream failures of the client's service.
func (c *ServiceClient) PostJSON(ctx context.Context, path string, body interface{}, out interface{}) error {
	payload, err := json.Marshal(body)
	if err != nil {
		return fmt.Errorf("failed to encode %s request: %w", c.name, err)
	}

	resp, err := c.post(ctx, path, payload, false)
	if err != nil {
		return core.NewUpstreamError(c.name, err)
	}
	if resp.StatusCode == http.StatusUnauthorized {
		resp.Body.Close()
		resp, err = c.post(ctx, path, payload, true)
		if err != nil {
			return core.NewUpstreamError(c.name, err)
		}
	}
	defer resp.Body.Close()

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		snippet, _ := io.ReadAll(io.LimitReader(resp.Body, 512))
		return core.NewUpstreamError(c.name,
			fmt.Errorf("unexpected status %d: %s", resp.StatusCode, snippet))
	}

	if out == nil {
		io.Copy(io.Discard, resp.Body)
		return nil
	}
	if err := json.NewDecoder(resp.Body).Decode(out); err != nil {
		return core.NewUpstreamError(c.name, fmt.Errorf("failed to decode response: %w", err))
	}
	return nil
}

func (c *ServiceClient) post(ctx context.Context, path string, payload []byte, refresh bool) (*http.Response, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.baseURL+path, bytes.NewReader(payload))
	if err != nil {
		return nil, err
	}
	req.Header.Set("Content-Type", "application/json")

	if c.tokens != nil {
		var token string
		if refresh {
			token, err = c.tokens.ForceRefresh(ctx)
		} else {
			token, err = c.tokens.Token(ctx)
		}
		if err != nil {
			return nil, fmt.Errorf("failed to obtain service token: %w", err)
		}
		req.Header.Set("Authorization", "Bearer "+token)
	}

	return c.client.Do(req)
}
