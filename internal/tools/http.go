package tools

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"
)

type httpInput struct {
	URL     string            `json:"url"`
	Method  string            `json:"method"`
	Headers map[string]string `json:"headers"`
	Body    string            `json:"body"`
	Timeout int               `json:"timeout"` // seconds
}

// HTTP is the built-in "http" source. A nil client uses http.DefaultClient.
func HTTP(client *http.Client) Source {
	if client == nil {
		client = http.DefaultClient
	}
	return Source{Name: "http", Tools: []Tool{{
		Name:        "http_request",
		Description: "Perform an HTTP request and return the status line and body.",
		Parameters:  json.RawMessage(`{"type":"object","properties":{"url":{"type":"string"},"method":{"type":"string"},"headers":{"type":"object"},"body":{"type":"string"},"timeout":{"type":"integer"}},"required":["url"]}`),
		Handler: func(ctx context.Context, input json.RawMessage) (string, error) {
			var req httpInput
			if err := json.Unmarshal(input, &req); err != nil {
				return "", fmt.Errorf("invalid http_request input: %w", err)
			}
			if req.URL == "" {
				return "", fmt.Errorf("url is required")
			}
			if req.Method == "" {
				req.Method = http.MethodGet
			}
			if req.Timeout <= 0 {
				req.Timeout = 30
			}
			ctx, cancel := context.WithTimeout(ctx, time.Duration(req.Timeout)*time.Second)
			defer cancel()

			var body io.Reader
			if req.Body != "" {
				body = strings.NewReader(req.Body)
			}
			httpReq, err := http.NewRequestWithContext(ctx, req.Method, req.URL, body)
			if err != nil {
				return "", fmt.Errorf("failed to create HTTP request: %w", err)
			}
			for k, v := range req.Headers {
				httpReq.Header.Set(k, v)
			}
			resp, err := client.Do(httpReq)
			if err != nil {
				return "", fmt.Errorf("HTTP request failed: %w", err)
			}
			defer resp.Body.Close()

			respBody, err := io.ReadAll(io.LimitReader(resp.Body, maxOutput+1))
			if err != nil {
				return "", fmt.Errorf("failed to read response body: %w", err)
			}
			out := fmt.Sprintf("HTTP %d\n%s", resp.StatusCode, truncate(respBody))
			if resp.StatusCode >= 400 {
				return out, fmt.Errorf("HTTP %d error: %s", resp.StatusCode, truncate(respBody))
			}
			return out, nil
		},
	}}}
}
