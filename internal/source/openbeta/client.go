// Package openbeta discovers climbing areas through the OpenBeta GraphQL API.
package openbeta

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net"
	"net/http"
	"strings"
	"time"

	"github.com/JakeFAU/cragwatch/internal/crawler"
	"github.com/JakeFAU/cragwatch/internal/fetcher"
	"github.com/JakeFAU/cragwatch/internal/policy/ratelimit"
	"github.com/JakeFAU/cragwatch/internal/resilience"
)

const (
	// DefaultEndpoint is the public GraphQL endpoint.
	DefaultEndpoint = "https://api.openbeta.io"
	// USARootUUID identifies the USA area whose children are the states.
	USARootUUID = "1db1e8ba-a40e-587c-88a4-64f5ea814b8e"
)

const areaQuery = `query GetArea($uuid: ID) {
  area(uuid: $uuid) {
    area_name
    uuid
    metadata { lat lng leaf }
    pathTokens
    children { area_name uuid }
  }
}`

const childrenQuery = `query GetChildren($uuid: ID) {
  area(uuid: $uuid) {
    children { area_name uuid }
  }
}`

// Config configures the GraphQL client.
type Config struct {
	Endpoint  string
	UserAgent string
	Timeout   time.Duration
}

// Client executes GraphQL queries against OpenBeta.
type Client struct {
	endpoint  string
	userAgent string
	http      *http.Client
	transport *http.Transport
	limiter   *ratelimit.Limiter
}

// NewClient builds a client with its own connection pool. limiter may be nil.
func NewClient(cfg Config, limiter *ratelimit.Limiter) *Client {
	if cfg.Endpoint == "" {
		cfg.Endpoint = DefaultEndpoint
	}
	if cfg.Timeout <= 0 {
		cfg.Timeout = 30 * time.Second
	}
	if cfg.UserAgent == "" {
		cfg.UserAgent = "cragwatch/1.0"
	}
	transport := &http.Transport{
		Proxy:               http.ProxyFromEnvironment,
		DialContext:         (&net.Dialer{Timeout: 10 * time.Second, KeepAlive: 30 * time.Second}).DialContext,
		TLSHandshakeTimeout: 10 * time.Second,
		MaxIdleConns:        10,
		IdleConnTimeout:     90 * time.Second,
	}
	return &Client{
		endpoint:  cfg.Endpoint,
		userAgent: cfg.UserAgent,
		http:      &http.Client{Timeout: cfg.Timeout, Transport: transport},
		transport: transport,
		limiter:   limiter,
	}
}

// Factory returns a fetcher.SessionFactory; every session gets a fresh
// client while sharing the limiter.
func Factory(cfg Config, limiter *ratelimit.Limiter) fetcher.SessionFactory {
	return func(context.Context) (fetcher.Session, error) {
		return NewClient(cfg, limiter), nil
	}
}

// Fetch implements fetcher.Session. areaURL is a canonical area URL; the
// returned payload is the JSON response of the area query.
func (c *Client) Fetch(ctx context.Context, areaURL string) ([]byte, error) {
	id, err := UUIDFromURL(areaURL)
	if err != nil {
		return nil, err
	}
	raw, err := c.query(ctx, areaQuery, map[string]any{"uuid": id})
	if err != nil {
		return nil, err
	}
	var probe struct {
		Data struct {
			Area json.RawMessage `json:"area"`
		} `json:"data"`
	}
	if err := json.Unmarshal(raw, &probe); err != nil {
		return nil, fmt.Errorf("%w: %v", resilience.ErrMalformedResponse, err)
	}
	if len(probe.Data.Area) == 0 || string(probe.Data.Area) == "null" {
		return nil, &resilience.StatusError{URL: areaURL, StatusCode: http.StatusNotFound}
	}
	return raw, nil
}

// Close drops pooled connections.
func (c *Client) Close() error {
	c.transport.CloseIdleConnections()
	return nil
}

// Roots lists the direct children of parentUUID (the USA states by default)
// as traversal roots.
func (c *Client) Roots(ctx context.Context, parentUUID string) ([]crawler.Root, error) {
	if parentUUID == "" {
		parentUUID = USARootUUID
	}
	raw, err := c.query(ctx, childrenQuery, map[string]any{"uuid": parentUUID})
	if err != nil {
		return nil, err
	}
	var resp struct {
		Data struct {
			Area *struct {
				Children []childRef `json:"children"`
			} `json:"area"`
		} `json:"data"`
	}
	if err := json.Unmarshal(raw, &resp); err != nil {
		return nil, fmt.Errorf("%w: %v", resilience.ErrMalformedResponse, err)
	}
	if resp.Data.Area == nil {
		return nil, fmt.Errorf("openbeta area %s not found", parentUUID)
	}
	var roots []crawler.Root
	for _, child := range resp.Data.Area.Children {
		if child.UUID == "" || strings.TrimSpace(child.Name) == "" {
			continue
		}
		roots = append(roots, crawler.Root{URL: AreaURL(child.UUID), Name: strings.TrimSpace(child.Name)})
	}
	return roots, nil
}

type graphQLRequest struct {
	Query     string         `json:"query"`
	Variables map[string]any `json:"variables,omitempty"`
}

type graphQLError struct {
	Message string `json:"message"`
}

func (c *Client) query(ctx context.Context, query string, vars map[string]any) ([]byte, error) {
	if c.limiter != nil {
		if err := c.limiter.Wait(ctx, c.endpoint); err != nil {
			return nil, err
		}
	}
	payload, err := json.Marshal(graphQLRequest{Query: query, Variables: vars})
	if err != nil {
		return nil, fmt.Errorf("encode graphql request: %w", err)
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.endpoint, bytes.NewReader(payload))
	if err != nil {
		return nil, fmt.Errorf("build graphql request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("User-Agent", c.userAgent)

	resp, err := c.http.Do(req)
	if err != nil {
		return nil, fmt.Errorf("graphql request: %w", err)
	}
	defer func() { _ = resp.Body.Close() }()
	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		_, _ = io.Copy(io.Discard, resp.Body)
		return nil, &resilience.StatusError{URL: c.endpoint, StatusCode: resp.StatusCode}
	}
	body, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, fmt.Errorf("read graphql response: %w", err)
	}

	var envelope struct {
		Errors []graphQLError `json:"errors"`
	}
	if err := json.Unmarshal(body, &envelope); err != nil {
		return nil, fmt.Errorf("%w: %v", resilience.ErrMalformedResponse, err)
	}
	if len(envelope.Errors) > 0 {
		msgs := make([]string, 0, len(envelope.Errors))
		for _, e := range envelope.Errors {
			msgs = append(msgs, e.Message)
		}
		return nil, fmt.Errorf("%w: graphql errors: %s", resilience.ErrMalformedResponse, strings.Join(msgs, "; "))
	}
	return body, nil
}
