package store

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"net/url"
	"time"

	"github.com/rs/zerolog/log"
)

// HTTP reads records over the Planora REST API.
type HTTP struct {
	baseURL    string
	token      string
	httpClient *http.Client
}

// HTTPOption configures an HTTP store.
type HTTPOption func(*HTTP)

// WithHTTPClient overrides the underlying HTTP client.
func WithHTTPClient(c *http.Client) HTTPOption {
	return func(s *HTTP) { s.httpClient = c }
}

// NewHTTP creates an HTTP store for the given API base URL. The token, if
// set, is sent as a bearer token.
func NewHTTP(baseURL, token string, opts ...HTTPOption) *HTTP {
	s := &HTTP{
		baseURL: baseURL,
		token:   token,
		httpClient: &http.Client{
			Timeout: 30 * time.Second,
		},
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// GetByID fetches one row by id: GET /api/v1/tables/public/{resource}?id=eq.{id}.
// A missing row returns (nil, nil).
func (s *HTTP) GetByID(ctx context.Context, resource, id string) (Record, error) {
	endpoint := fmt.Sprintf("%s/api/v1/tables/public/%s", s.baseURL, url.PathEscape(resource))

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, endpoint, nil)
	if err != nil {
		return nil, err
	}

	q := req.URL.Query()
	q.Set("id", "eq."+id)
	q.Set("limit", "1")
	req.URL.RawQuery = q.Encode()

	req.Header.Set("Accept", "application/json")
	if s.token != "" {
		req.Header.Set("Authorization", "Bearer "+s.token)
	}

	resp, err := s.httpClient.Do(req)
	if err != nil {
		return nil, fmt.Errorf("fetch %s/%s: %w", resource, id, err)
	}
	defer func() { _ = resp.Body.Close() }()

	if resp.StatusCode == http.StatusNotFound {
		return nil, nil
	}
	if resp.StatusCode >= 400 {
		return nil, fmt.Errorf("fetch %s/%s: unexpected status %d", resource, id, resp.StatusCode)
	}

	var rows []Record
	if err := json.NewDecoder(resp.Body).Decode(&rows); err != nil {
		return nil, fmt.Errorf("fetch %s/%s: decode response: %w", resource, id, err)
	}
	if len(rows) == 0 {
		return nil, nil
	}

	log.Debug().
		Str("resource", resource).
		Str("id", id).
		Msg("Point read completed")

	return rows[0], nil
}
