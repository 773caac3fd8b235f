// Package pinecone implements the vector index client over the Pinecone-style
// HTTP+JSON protocol.
package pinecone

import (
	"bytes"
	"context"
	"fmt"
	"io"
	"net/http"
	"strings"
	"sync"
	"time"

	"github.com/goccy/go-json"
	"github.com/rs/zerolog/log"

	"github.com/thebtf/chromaseek/internal/vector"
)

// DefaultControllerURL is the control-plane endpoint used to resolve index hosts.
const DefaultControllerURL = "https://api.pinecone.io"

// DefaultTimeout bounds every request made by the client.
const DefaultTimeout = 15 * time.Second

// Config holds client configuration.
type Config struct {
	HTTPClient    *http.Client
	APIKey        string
	IndexName     string
	ControllerURL string // defaults to DefaultControllerURL
	Host          string // data-plane host; resolved from the controller when empty
	Namespace     string // defaults to vector.DefaultNamespace
	Timeout       time.Duration
	BatchSize     int // upsert chunk size, capped at vector.MaxBatchSize
}

// indexDescription is the control-plane answer for GET /indexes/{name}.
type indexDescription struct {
	Host   string `json:"host"`
	Metric string `json:"metric"`
	Status struct {
		State string `json:"state"`
		Ready bool   `json:"ready"`
	} `json:"status"`
	Dimension int `json:"dimension"`
}

// Client talks to a remote vector index. It is safe for concurrent use.
type Client struct {
	http       *http.Client
	apiKey     string
	indexName  string
	controller string
	namespace  string
	timeout    time.Duration
	batchSize  int

	mu   sync.Mutex
	host string
}

var _ vector.Index = (*Client)(nil)

// NewClient creates a client. Missing credentials yield a *vector.ConfigurationError.
func NewClient(cfg Config) (*Client, error) {
	if strings.TrimSpace(cfg.APIKey) == "" {
		return nil, &vector.ConfigurationError{Field: "api key"}
	}
	if cfg.IndexName == "" && cfg.Host == "" {
		return nil, &vector.ConfigurationError{Field: "index name or host"}
	}

	c := &Client{
		http:       cfg.HTTPClient,
		apiKey:     cfg.APIKey,
		indexName:  cfg.IndexName,
		controller: strings.TrimRight(cfg.ControllerURL, "/"),
		namespace:  cfg.Namespace,
		timeout:    cfg.Timeout,
		batchSize:  cfg.BatchSize,
		host:       normalizeHost(cfg.Host),
	}
	if c.http == nil {
		c.http = &http.Client{}
	}
	if c.controller == "" {
		c.controller = DefaultControllerURL
	}
	if c.namespace == "" {
		c.namespace = vector.DefaultNamespace
	}
	if c.timeout <= 0 {
		c.timeout = DefaultTimeout
	}
	if c.batchSize <= 0 || c.batchSize > vector.MaxBatchSize {
		c.batchSize = vector.MaxBatchSize
	}
	return c, nil
}

// Configured reports whether credentials are present. A constructed client always has them.
func (c *Client) Configured() bool {
	return c != nil && c.apiKey != ""
}

// Namespace returns the namespace all operations target.
func (c *Client) Namespace() string {
	return c.namespace
}

// BatchSize returns the effective upsert chunk size.
func (c *Client) BatchSize() int {
	return c.batchSize
}

func normalizeHost(h string) string {
	h = strings.TrimRight(strings.TrimSpace(h), "/")
	if h == "" {
		return ""
	}
	if !strings.HasPrefix(h, "http://") && !strings.HasPrefix(h, "https://") {
		h = "https://" + h
	}
	return h
}

// describeIndex fetches the index description from the control plane.
func (c *Client) describeIndex(ctx context.Context) (*indexDescription, error) {
	if c.indexName == "" {
		return nil, &vector.ConfigurationError{Field: "index name"}
	}
	var desc indexDescription
	url := c.controller + "/indexes/" + c.indexName
	if err := c.do(ctx, http.MethodGet, url, nil, &desc); err != nil {
		return nil, err
	}
	return &desc, nil
}

// resolvedHost returns the data-plane base URL, empty until resolved.
func (c *Client) resolvedHost() string {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.host
}

// dataHost returns the data-plane base URL, resolving it once.
func (c *Client) dataHost(ctx context.Context) (string, error) {
	host := c.resolvedHost()
	if host != "" {
		return host, nil
	}

	desc, err := c.describeIndex(ctx)
	if err != nil {
		return "", fmt.Errorf("resolve index host: %w", err)
	}
	if desc.Host == "" {
		return "", vector.Unavailable("resolve index host", fmt.Errorf("index %q has no host", c.indexName))
	}

	host = normalizeHost(desc.Host)
	c.mu.Lock()
	c.host = host
	c.mu.Unlock()

	log.Debug().
		Str("index", c.indexName).
		Str("host", host).
		Str("state", desc.Status.State).
		Msg("Resolved vector index host")
	return host, nil
}

// do performs one request under the client timeout. Transport failures,
// timeouts and non-2xx answers are reported as vector.ErrIndexUnavailable.
func (c *Client) do(ctx context.Context, method, url string, body, out any) error {
	reqCtx, cancel := context.WithTimeout(ctx, c.timeout)
	defer cancel()

	var reader io.Reader
	if body != nil {
		data, err := json.Marshal(body)
		if err != nil {
			return fmt.Errorf("encode request: %w", err)
		}
		reader = bytes.NewReader(data)
	}

	req, err := http.NewRequestWithContext(reqCtx, method, url, reader)
	if err != nil {
		return fmt.Errorf("build request: %w", err)
	}
	req.Header.Set("Api-Key", c.apiKey)
	req.Header.Set("Accept", "application/json")
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}

	resp, err := c.http.Do(req)
	if err != nil {
		return vector.Unavailable(method+" "+url, err)
	}
	defer resp.Body.Close()

	data, err := io.ReadAll(io.LimitReader(resp.Body, 8<<20))
	if err != nil {
		return vector.Unavailable("read response", err)
	}
	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		return vector.Unavailable(method+" "+url, fmt.Errorf("status %d: %s", resp.StatusCode, truncate(string(data), 200)))
	}
	if out == nil || len(bytes.TrimSpace(data)) == 0 {
		return nil
	}
	if err := json.Unmarshal(data, out); err != nil {
		return vector.Unavailable("decode response", err)
	}
	return nil
}

func truncate(s string, maxLen int) string {
	s = strings.TrimSpace(s)
	if len(s) <= maxLen {
		return s
	}
	return s[:maxLen] + "..."
}
