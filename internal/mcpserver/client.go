package mcpserver

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strconv"
	"time"
)

// Config holds the configuration for connecting to the fieldguard API.
type Config struct {
	APIURL string // Base URL, e.g. "http://localhost:8080"
	APIKey string // Optional bearer token for a gateway in front of the API
}

// FieldguardClient is a pure HTTP client for the fieldguard API.
type FieldguardClient struct {
	cfg        Config
	httpClient *http.Client
}

// NewFieldguardClient creates a new client for the fieldguard API.
func NewFieldguardClient(cfg Config) *FieldguardClient {
	return &FieldguardClient{
		cfg: cfg,
		httpClient: &http.Client{
			Timeout: 30 * time.Second,
		},
	}
}

// apiError represents an error response from the API.
type apiError struct {
	Error   string `json:"error"`
	Message string `json:"message"`
}

// doRequest makes an HTTP request to the API and returns the response body.
func (c *FieldguardClient) doRequest(ctx context.Context, method, path string, query url.Values, body any) (json.RawMessage, error) {
	u, err := url.Parse(c.cfg.APIURL + path)
	if err != nil {
		return nil, fmt.Errorf("invalid URL: %w", err)
	}
	if query != nil {
		u.RawQuery = query.Encode()
	}

	var reqBody io.Reader
	if body != nil {
		data, err := json.Marshal(body)
		if err != nil {
			return nil, fmt.Errorf("marshal request body: %w", err)
		}
		reqBody = bytes.NewReader(data)
	}

	req, err := http.NewRequestWithContext(ctx, method, u.String(), reqBody)
	if err != nil {
		return nil, fmt.Errorf("create request: %w", err)
	}

	if c.cfg.APIKey != "" {
		req.Header.Set("Authorization", "Bearer "+c.cfg.APIKey)
	}
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return nil, fmt.Errorf("request failed: %w", err)
	}
	defer resp.Body.Close()

	respBody, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, fmt.Errorf("read response: %w", err)
	}

	if resp.StatusCode >= 400 {
		var apiErr apiError
		if json.Unmarshal(respBody, &apiErr) == nil && apiErr.Message != "" {
			return nil, fmt.Errorf("API error (%d): %s", resp.StatusCode, apiErr.Message)
		}
		return nil, fmt.Errorf("API error (%d): %s", resp.StatusCode, string(respBody))
	}

	return json.RawMessage(respBody), nil
}

// GetActorRisk returns an actor's score, band and strongest signals.
func (c *FieldguardClient) GetActorRisk(ctx context.Context, actorID string) (json.RawMessage, error) {
	path := "/v1/actors/" + url.PathEscape(actorID) + "/risk"
	return c.doRequest(ctx, http.MethodGet, path, nil, nil)
}

// ListSignals returns an actor's signals, newest first.
func (c *FieldguardClient) ListSignals(ctx context.Context, actorID string, limit int) (json.RawMessage, error) {
	q := url.Values{}
	if limit > 0 {
		q.Set("limit", strconv.Itoa(limit))
	}
	path := "/v1/actors/" + url.PathEscape(actorID) + "/signals"
	return c.doRequest(ctx, http.MethodGet, path, q, nil)
}

// AuditRoute audits an actor's day against its plan.
func (c *FieldguardClient) AuditRoute(ctx context.Context, actorID, date string) (json.RawMessage, error) {
	path := "/v1/routes/" + url.PathEscape(actorID) + "/" + url.PathEscape(date) + "/audit"
	return c.doRequest(ctx, http.MethodGet, path, nil, nil)
}

// GetPayment returns one payment's custody record.
func (c *FieldguardClient) GetPayment(ctx context.Context, paymentID string) (json.RawMessage, error) {
	path := "/v1/payments/" + url.PathEscape(paymentID)
	return c.doRequest(ctx, http.MethodGet, path, nil, nil)
}

// ListActorPayments returns an actor's payments, newest first.
func (c *FieldguardClient) ListActorPayments(ctx context.Context, actorID string, limit int) (json.RawMessage, error) {
	q := url.Values{}
	if limit > 0 {
		q.Set("limit", strconv.Itoa(limit))
	}
	path := "/v1/actors/" + url.PathEscape(actorID) + "/payments"
	return c.doRequest(ctx, http.MethodGet, path, q, nil)
}
