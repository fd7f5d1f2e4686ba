// Package query is a GraphQL client for the CDP event indexer, the query
// service behind position event history.
package query

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"math/big"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/abbaskiko/mcdkit/internal/domain"
)

const rateKey = "query"

// Client queries the indexer over HTTP.
type Client struct {
	graphqlURL string
	apiKey     string
	httpClient *http.Client

	limiter domain.RateLimiter
	limit   int
	window  time.Duration
}

// Option configures a Client.
type Option func(*Client)

// WithRateLimit bounds calls to limit per window through rl, shared by
// every process using the same limiter backend.
func WithRateLimit(rl domain.RateLimiter, limit int, window time.Duration) Option {
	return func(c *Client) {
		c.limiter, c.limit, c.window = rl, limit, window
	}
}

// WithHTTPClient replaces the default 30s-timeout client.
func WithHTTPClient(hc *http.Client) Option {
	return func(c *Client) { c.httpClient = hc }
}

// NewClient creates a Client for graphqlURL.
func NewClient(graphqlURL, apiKey string, opts ...Option) *Client {
	c := &Client{
		graphqlURL: graphqlURL,
		apiKey:     strings.TrimSpace(apiKey),
		httpClient: &http.Client{Timeout: 30 * time.Second},
	}
	for _, o := range opts {
		o(c)
	}
	return c
}

type graphqlRequest struct {
	Query     string         `json:"query"`
	Variables map[string]any `json:"variables,omitempty"`
}

type graphqlResponse struct {
	Data   json.RawMessage `json:"data"`
	Errors []struct {
		Message string `json:"message"`
	} `json:"errors"`
}

const eventsQuery = `
	query CdpEvents($ilks: [String!]!, $urns: [String!]!) {
		allCdpEvents(
			filter: { ilk: { in: $ilks }, urn: { in: $urns } }
			orderBy: BLOCK_DESC
		) {
			nodes {
				kind
				cdpId
				ilk
				urn
				dink
				dart
				rate
				newOwner
				txHash
				txFrom
				blockNumber
				timestamp
			}
		}
	}
`

type eventNode struct {
	Kind        string `json:"kind"`
	CdpID       string `json:"cdpId"`
	Ilk         string `json:"ilk"`
	Urn         string `json:"urn"`
	Dink        string `json:"dink"`
	Dart        string `json:"dart"`
	Rate        string `json:"rate"`
	NewOwner    string `json:"newOwner"`
	TxHash      string `json:"txHash"`
	TxFrom      string `json:"txFrom"`
	BlockNumber string `json:"blockNumber"`
	Timestamp   string `json:"timestamp"`
}

// EventsForIlksAndOwners returns every open, frob and give event touching
// one of owners (urn addresses) under one of ilks, in a single request.
func (c *Client) EventsForIlksAndOwners(ctx context.Context, ilks []string, owners []string) ([]domain.RawCdpEvent, error) {
	if len(ilks) == 0 || len(owners) == 0 {
		return []domain.RawCdpEvent{}, nil
	}
	lower := make([]string, len(owners))
	for i, o := range owners {
		lower[i] = strings.ToLower(o)
	}

	data, err := c.doQuery(ctx, eventsQuery, map[string]any{"ilks": ilks, "urns": lower})
	if err != nil {
		return nil, fmt.Errorf("query: cdp events: %w", err)
	}

	var result struct {
		AllCdpEvents struct {
			Nodes []eventNode `json:"nodes"`
		} `json:"allCdpEvents"`
	}
	if err := json.Unmarshal(data, &result); err != nil {
		return nil, fmt.Errorf("query: decode cdp events: %w", err)
	}

	events := make([]domain.RawCdpEvent, 0, len(result.AllCdpEvents.Nodes))
	for _, n := range result.AllCdpEvents.Nodes {
		ev, err := n.decode()
		if err != nil {
			return nil, fmt.Errorf("query: cdp event %s: %w", n.TxHash, err)
		}
		events = append(events, ev)
	}
	return events, nil
}

func (n eventNode) decode() (domain.RawCdpEvent, error) {
	ev := domain.RawCdpEvent{
		Kind:     n.Kind,
		Ilk:      n.Ilk,
		Urn:      n.Urn,
		NewOwner: n.NewOwner,
		TxHash:   n.TxHash,
		TxFrom:   n.TxFrom,
	}
	var err error
	if n.CdpID != "" {
		if ev.CdpID, err = strconv.ParseUint(n.CdpID, 10, 64); err != nil {
			return ev, fmt.Errorf("cdp id %q: %w", n.CdpID, err)
		}
	}
	if n.BlockNumber != "" {
		if ev.Block, err = strconv.ParseUint(n.BlockNumber, 10, 64); err != nil {
			return ev, fmt.Errorf("block %q: %w", n.BlockNumber, err)
		}
	}
	if ev.Dink, err = bigOrNil(n.Dink); err != nil {
		return ev, fmt.Errorf("dink: %w", err)
	}
	if ev.Dart, err = bigOrNil(n.Dart); err != nil {
		return ev, fmt.Errorf("dart: %w", err)
	}
	if ev.Rate, err = bigOrNil(n.Rate); err != nil {
		return ev, fmt.Errorf("rate: %w", err)
	}
	if n.Timestamp != "" {
		if ev.Time, err = parseTime(n.Timestamp); err != nil {
			return ev, err
		}
	}
	return ev, nil
}

func bigOrNil(s string) (*big.Int, error) {
	if s == "" {
		return nil, nil
	}
	v, ok := new(big.Int).SetString(s, 10)
	if !ok {
		return nil, fmt.Errorf("not an integer: %q", s)
	}
	return v, nil
}

// parseTime accepts unix seconds or RFC 3339.
func parseTime(s string) (time.Time, error) {
	if secs, err := strconv.ParseInt(s, 10, 64); err == nil {
		return time.Unix(secs, 0).UTC(), nil
	}
	t, err := time.Parse(time.RFC3339, s)
	if err != nil {
		return time.Time{}, fmt.Errorf("timestamp %q: %w", s, err)
	}
	return t.UTC(), nil
}

// doQuery executes a GraphQL query and returns the raw "data" field.
func (c *Client) doQuery(ctx context.Context, query string, variables map[string]any) (json.RawMessage, error) {
	if c.limiter != nil {
		if err := c.limiter.Wait(ctx, rateKey, c.limit, c.window); err != nil {
			return nil, fmt.Errorf("rate limit: %w", err)
		}
	}

	jsonBody, err := json.Marshal(graphqlRequest{Query: query, Variables: variables})
	if err != nil {
		return nil, fmt.Errorf("marshal graphql request: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.graphqlURL, bytes.NewReader(jsonBody))
	if err != nil {
		return nil, fmt.Errorf("create request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("Accept", "application/json")
	if c.apiKey != "" {
		req.Header.Set("Authorization", "Bearer "+c.apiKey)
	}

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return nil, fmt.Errorf("http request: %w", err)
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, fmt.Errorf("read response: %w", err)
	}
	if resp.StatusCode == http.StatusTooManyRequests {
		return nil, fmt.Errorf("HTTP 429: %w", domain.ErrRateLimited)
	}
	if resp.StatusCode != http.StatusOK {
		return nil, fmt.Errorf("HTTP %d: %s", resp.StatusCode, string(body))
	}

	var gqlResp graphqlResponse
	if err := json.Unmarshal(body, &gqlResp); err != nil {
		return nil, fmt.Errorf("decode graphql response: %w", err)
	}
	if len(gqlResp.Errors) > 0 {
		return nil, fmt.Errorf("graphql error: %s", gqlResp.Errors[0].Message)
	}
	return gqlResp.Data, nil
}
