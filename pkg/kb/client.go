// Package kb queries the knowledge base server over its HTTP API.
package kb

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"time"

	"github.com/lamb-project/lamb/pkg/apperr"
	"github.com/lamb-project/lamb/pkg/httpclient"
	"github.com/lamb-project/lamb/pkg/org"
	"github.com/lamb-project/lamb/pkg/protocol"
)

// Client talks to one KB server. Queries are best-effort lookups on
// the request path, so there are no retries and a hard timeout.
type Client struct {
	baseURL    string
	apiToken   string
	httpClient *httpclient.Client
}

func NewClient(cfg org.KBConfig) *Client {
	return &Client{
		baseURL:  cfg.ServerURL,
		apiToken: cfg.APIToken,
		httpClient: httpclient.New(
			httpclient.WithTimeout(10*time.Second),
			httpclient.WithoutRetries(),
		),
	}
}

func (c *Client) Configured() bool { return c.baseURL != "" }

// QueryRequest is one similarity query against a collection.
type QueryRequest struct {
	QueryText    string                 `json:"query_text"`
	TopK         int                    `json:"top_k"`
	Threshold    float64                `json:"threshold"`
	PluginParams map[string]interface{} `json:"plugin_params,omitempty"`
}

// QueryResult is one matched chunk.
type QueryResult struct {
	Similarity float64                `json:"similarity"`
	Data       string                 `json:"data"`
	Metadata   map[string]interface{} `json:"metadata"`
}

type queryResponse struct {
	Documents []QueryResult `json:"documents"`
	Results   []QueryResult `json:"results"`
}

// Query runs a plain similarity query against one collection.
func (c *Client) Query(ctx context.Context, collectionID string, req QueryRequest) ([]QueryResult, error) {
	return c.post(ctx, fmt.Sprintf("%s/collections/%s/query", c.baseURL, collectionID), req)
}

// ParentChildQuery runs the hierarchical variant that returns parent
// chunks for semantically matched child chunks.
func (c *Client) ParentChildQuery(ctx context.Context, collectionID string, req QueryRequest) ([]QueryResult, error) {
	return c.post(ctx, fmt.Sprintf("%s/collections/%s/query?plugin_name=parent_child_query", c.baseURL, collectionID), req)
}

func (c *Client) post(ctx context.Context, url string, req QueryRequest) ([]QueryResult, error) {
	if c.baseURL == "" {
		return nil, apperr.New(apperr.KindUpstreamUnavailable, "knowledge base server not configured")
	}
	if req.TopK <= 0 {
		req.TopK = 5
	}

	body, err := json.Marshal(req)
	if err != nil {
		return nil, fmt.Errorf("failed to encode kb query: %w", err)
	}

	httpReq, err := http.NewRequestWithContext(ctx, "POST", url, bytes.NewReader(body))
	if err != nil {
		return nil, fmt.Errorf("failed to create kb request: %w", err)
	}
	httpReq.Header.Set("Content-Type", "application/json")
	if c.apiToken != "" {
		httpReq.Header.Set("Authorization", "Bearer "+c.apiToken)
	}

	resp, err := c.httpClient.Do(httpReq)
	if resp == nil {
		return nil, apperr.Wrap(apperr.KindUpstreamUnavailable, "knowledge base server unreachable", err)
	}
	defer resp.Body.Close()

	respBody, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, apperr.Wrap(apperr.KindUpstreamUnavailable, "failed to read kb response", err)
	}

	if resp.StatusCode != http.StatusOK {
		return nil, apperr.Newf(apperr.KindUpstreamUnavailable, "knowledge base server returned HTTP %d: %s", resp.StatusCode, truncate(string(respBody), 200))
	}

	var payload queryResponse
	if err := json.Unmarshal(respBody, &payload); err != nil {
		// Tolerate a bare array body.
		var results []QueryResult
		if err2 := json.Unmarshal(respBody, &results); err2 != nil {
			return nil, apperr.Wrap(apperr.KindUpstreamUnavailable, "unexpected kb response", err)
		}
		return results, nil
	}
	if payload.Documents != nil {
		return payload.Documents, nil
	}
	return payload.Results, nil
}

// Source converts one result into a citation. The source URL is
// chosen by priority: source_url, then original_file_url, then
// file_url.
func (r QueryResult) Source() protocol.Source {
	s := protocol.Source{Similarity: r.Similarity}

	s.Title = metaString(r.Metadata, "title")
	if s.Title == "" {
		s.Title = metaString(r.Metadata, "filename")
	}
	if s.Title == "" {
		s.Title = metaString(r.Metadata, "original_filename")
	}

	s.URL = metaString(r.Metadata, "source_url")
	if s.URL == "" {
		s.URL = metaString(r.Metadata, "original_file_url")
	}
	if s.URL == "" {
		s.URL = metaString(r.Metadata, "file_url")
	}

	s.OriginalURL = metaString(r.Metadata, "original_file_url")
	s.MarkdownURL = metaString(r.Metadata, "markdown_file_url")

	if v, ok := metaInt(r.Metadata, "chunk_index"); ok {
		s.ChunkIndex = &v
	}
	if v, ok := metaInt(r.Metadata, "page"); ok {
		s.Page = &v
	}
	return s
}

func metaString(m map[string]interface{}, key string) string {
	if v, ok := m[key].(string); ok {
		return v
	}
	return ""
}

func metaInt(m map[string]interface{}, key string) (int, bool) {
	switch v := m[key].(type) {
	case float64:
		return int(v), true
	case int:
		return v, true
	case json.Number:
		if n, err := v.Int64(); err == nil {
			return int(n), true
		}
	}
	return 0, false
}

func truncate(s string, n int) string {
	if len(s) <= n {
		return s
	}
	return s[:n] + "..."
}
