package core

import (
	"bytes"
	"context"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
)

// HTTPTransport is the production Transport over net/http. It injects the
// API-key header, merges configured headers (caller-supplied values win),
// and reads the full response body so the kernel can classify by status
// and payload.
type HTTPTransport struct {
	cfg    *Config
	client *http.Client
	logger Logger
}

// NewHTTPTransport creates a transport bound to cfg.
func NewHTTPTransport(cfg *Config, logger Logger) *HTTPTransport {
	if logger == nil {
		logger = &NoOpLogger{}
	}
	return &HTTPTransport{
		cfg:    cfg,
		client: &http.Client{Timeout: cfg.RequestTimeout},
		logger: logger,
	}
}

// Post sends a JSON payload.
func (t *HTTPTransport) Post(ctx context.Context, rawurl string, headers map[string]string, body []byte) (*Response, error) {
	return t.do(ctx, http.MethodPost, rawurl, headers, body)
}

// Get fetches a resource.
func (t *HTTPTransport) Get(ctx context.Context, rawurl string, headers map[string]string) (*Response, error) {
	return t.do(ctx, http.MethodGet, rawurl, headers, nil)
}

// Delete removes a resource.
func (t *HTTPTransport) Delete(ctx context.Context, rawurl string, headers map[string]string) (*Response, error) {
	return t.do(ctx, http.MethodDelete, rawurl, headers, nil)
}

func (t *HTTPTransport) do(ctx context.Context, method, rawurl string, headers map[string]string, body []byte) (*Response, error) {
	var reader io.Reader
	if body != nil {
		reader = bytes.NewReader(body)
	}

	req, err := http.NewRequestWithContext(ctx, method, rawurl, reader)
	if err != nil {
		return nil, fmt.Errorf("building %s %s: %w", method, rawurl, err)
	}

	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("Accept", "application/json")
	if t.cfg.APIKey != "" {
		req.Header.Set(t.cfg.APIKeyHeader, t.cfg.APIKey)
	}
	for k, v := range t.cfg.Headers {
		req.Header.Set(k, v)
	}
	// Caller headers merge last
	for k, v := range headers {
		req.Header.Set(k, v)
	}

	t.logger.Debug("Engine request", map[string]interface{}{
		"operation": "transport_request",
		"method":    method,
		"url":       rawurl,
	})

	resp, err := t.client.Do(req)
	if err != nil {
		return nil, err
	}
	defer resp.Body.Close()

	data, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, fmt.Errorf("reading response body: %w", err)
	}

	t.logger.Debug("Engine response", map[string]interface{}{
		"operation": "transport_response",
		"method":    method,
		"url":       rawurl,
		"status":    resp.StatusCode,
	})

	return &Response{
		StatusCode: resp.StatusCode,
		Body:       data,
		Header:     resp.Header,
	}, nil
}

// Engine endpoint builders. The webhook path is escaped per segment so
// nested paths survive.

// WebhookURL is the workflow trigger endpoint.
func (c *Config) WebhookURL(path string) string {
	return fmt.Sprintf("%s/webhook/%s", c.BaseURL, escapePath(path))
}

// ExecutionsURL lists executions, optionally filtered by workflow id.
func (c *Config) ExecutionsURL(workflowID string, limit int) string {
	q := url.Values{}
	if workflowID != "" {
		q.Set("workflowId", workflowID)
	}
	if limit > 0 {
		q.Set("limit", fmt.Sprintf("%d", limit))
	}
	u := fmt.Sprintf("%s/api/v1/executions", c.BaseURL)
	if enc := q.Encode(); enc != "" {
		u += "?" + enc
	}
	return u
}

// ExecutionURL fetches one execution.
func (c *Config) ExecutionURL(id string) string {
	return fmt.Sprintf("%s/api/v1/executions/%s", c.BaseURL, url.PathEscape(id))
}

// WorkflowsURL lists workflow definitions.
func (c *Config) WorkflowsURL() string {
	return fmt.Sprintf("%s/api/v1/workflows", c.BaseURL)
}

// WorkflowURL fetches one workflow definition.
func (c *Config) WorkflowURL(id string) string {
	return fmt.Sprintf("%s/api/v1/workflows/%s", c.BaseURL, url.PathEscape(id))
}

// ResumeURL resumes a waiting execution.
func (c *Config) ResumeURL(executionID string) string {
	return fmt.Sprintf("%s/api/resume-workflow/%s", c.BaseURL, url.PathEscape(executionID))
}

// CancelURL cancels a running execution.
func (c *Config) CancelURL(executionID string) string {
	return fmt.Sprintf("%s/api/cancel-workflow/%s", c.BaseURL, url.PathEscape(executionID))
}

// HealthURL is the engine health probe endpoint.
func (c *Config) HealthURL() string {
	return fmt.Sprintf("%s/api/health", c.BaseURL)
}

func escapePath(p string) string {
	segs := strings.Split(p, "/")
	for i, s := range segs {
		segs[i] = url.PathEscape(s)
	}
	return strings.Join(segs, "/")
}
