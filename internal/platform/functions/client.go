// Package functions invokes separately deployed HTTP functions
// (POST <base>/<name> with a JSON body).
package functions

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"
)

// FunctionError is a non-2xx answer. Message is the function's own "error"
// field when it sent one, otherwise the raw body.
type FunctionError struct {
	Function   string
	StatusCode int
	Message    string
}

func (e *FunctionError) Error() string {
	return fmt.Sprintf("function %s returned %d: %s", e.Function, e.StatusCode, e.Message)
}

type Option func(*Client)

func WithHTTPClient(c *http.Client) Option {
	return func(cl *Client) { cl.httpClient = c }
}

// WithTenantFunc sets how the X-Tenant-ID header is derived from ctx.
func WithTenantFunc(fn func(ctx context.Context) string) Option {
	return func(cl *Client) { cl.tenant = fn }
}

type Client struct {
	baseURL    string
	apiKey     string
	httpClient *http.Client
	tenant     func(ctx context.Context) string
}

func NewClient(baseURL, apiKey string, opts ...Option) *Client {
	c := &Client{
		baseURL:    strings.TrimRight(baseURL, "/"),
		apiKey:     apiKey,
		httpClient: &http.Client{Timeout: 30 * time.Second},
	}
	for _, o := range opts {
		o(c)
	}
	return c
}

const maxErrorBody = 4096

// Invoke posts body to the named function and decodes the JSON answer into
// out (which may be nil).
func (c *Client) Invoke(ctx context.Context, name string, body, out any) error {
	payload, err := json.Marshal(body)
	if err != nil {
		return fmt.Errorf("encode %s request: %w", name, err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.baseURL+"/"+name, bytes.NewReader(payload))
	if err != nil {
		return fmt.Errorf("build %s request: %w", name, err)
	}
	req.Header.Set("Content-Type", "application/json")
	if c.apiKey != "" {
		req.Header.Set("Authorization", "Bearer "+c.apiKey)
	}
	if c.tenant != nil {
		if tid := c.tenant(ctx); tid != "" {
			req.Header.Set("X-Tenant-ID", tid)
		}
	}

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return fmt.Errorf("invoke %s: %w", name, err)
	}
	defer resp.Body.Close()

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		raw, _ := io.ReadAll(io.LimitReader(resp.Body, maxErrorBody))
		return &FunctionError{Function: name, StatusCode: resp.StatusCode, Message: errorMessage(raw)}
	}

	if out == nil {
		return nil
	}
	if err := json.NewDecoder(resp.Body).Decode(out); err != nil {
		return fmt.Errorf("decode %s response: %w", name, err)
	}
	return nil
}

// errorMessage accepts {"error":"..."} and {"error":{"message":"..."}}.
func errorMessage(raw []byte) string {
	var flat struct {
		Error string `json:"error"`
	}
	if json.Unmarshal(raw, &flat) == nil && flat.Error != "" {
		return flat.Error
	}
	var nested struct {
		Error struct {
			Message string `json:"message"`
		} `json:"error"`
	}
	if json.Unmarshal(raw, &nested) == nil && nested.Error.Message != "" {
		return nested.Error.Message
	}
	msg := strings.TrimSpace(string(raw))
	if msg == "" {
		msg = http.StatusText(http.StatusInternalServerError)
	}
	return msg
}
