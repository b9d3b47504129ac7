package generator

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"time"

	"github.com/otaforge/lifecycle/common/clients"
)

// HTTPGenerator delegates firmware generation to an external HTTP service.
// The service receives the full request as JSON and replies with
// {"source": "..."} or an Error:-prefixed body.
type HTTPGenerator struct {
	client  *clients.HTTPClient
	url     string
	timeout time.Duration
}

// NewHTTPGenerator creates a generator backed by an external service
func NewHTTPGenerator(client *clients.HTTPClient, url string, timeout time.Duration) *HTTPGenerator {
	return &HTTPGenerator{
		client:  client,
		url:     url,
		timeout: timeout,
	}
}

type generateResponse struct {
	Source string `json:"source"`
}

// Generate posts the request to the generation service and returns the
// produced source. Transport failures, non-2xx statuses, and malformed
// bodies are all generation failures.
func (g *HTTPGenerator) Generate(ctx context.Context, req *Request) ([]byte, error) {
	ctx, cancel := context.WithTimeout(ctx, g.timeout)
	defer cancel()

	payload, err := json.Marshal(req)
	if err != nil {
		return nil, fmt.Errorf("failed to marshal generation request: %w", err)
	}

	resp, err := g.client.DoRequest(ctx, http.MethodPost, g.url, bytes.NewReader(payload))
	if err != nil {
		return nil, fmt.Errorf("generation request failed: %w", err)
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(io.LimitReader(resp.Body, 4<<20))
	if err != nil {
		return nil, fmt.Errorf("failed to read generation response: %w", err)
	}

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		return nil, fmt.Errorf("generation service returned %d: %s", resp.StatusCode, truncate(string(body), 200))
	}

	var out generateResponse
	if err := json.Unmarshal(body, &out); err != nil {
		return nil, fmt.Errorf("failed to decode generation response: %w", err)
	}

	return []byte(out.Source), nil
}

func truncate(s string, n int) string {
	if len(s) > n {
		return s[:n]
	}
	return s
}
