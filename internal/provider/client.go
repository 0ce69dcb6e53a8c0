// Package provider talks to the external agent execution service: price
// quotes, job starts and status polls.
package provider

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"time"

	"agent-job-sync/internal/credits"
	"agent-job-sync/internal/models"
)

var (
	// ErrUpstreamUnavailable covers transport failures, timeouts and 5xx responses.
	ErrUpstreamUnavailable = errors.New("provider: upstream unavailable")
	// ErrAgentUnavailable means the agent does not exist or refused the job.
	ErrAgentUnavailable = errors.New("provider: agent unavailable")
	// ErrUnknownJob means the provider has no record of the external id.
	ErrUnknownJob = errors.New("provider: unknown job")
)

// Report is one status observation for a job.
type Report struct {
	AgentStatus  models.AgentStatus  `json:"agent_status"`
	LedgerStatus models.LedgerStatus `json:"ledger_status"`
	Result       json.RawMessage     `json:"result,omitempty"`
	ResultHash   string              `json:"result_hash,omitempty"`
}

// StartRequest asks the provider to run an agent.
type StartRequest struct {
	JobID     string          `json:"job_id"`
	AgentID   string          `json:"agent_id"`
	Input     json.RawMessage `json:"input,omitempty"`
	InputHash string          `json:"input_hash"`
}

type startResponse struct {
	ExternalID string `json:"external_id"`
}

// Prices are quoted in credits as decimal text.
type quoteResponse struct {
	AgentID string `json:"agent_id"`
	Price   string `json:"price"`
}

// Client is the HTTP client for the provider API.
type Client struct {
	baseURL string
	client  *http.Client
}

// New builds a client; timeout applies to each request.
func New(baseURL string, timeout time.Duration) *Client {
	if timeout <= 0 {
		timeout = 20 * time.Second
	}
	return &Client{
		baseURL: strings.TrimRight(strings.TrimSpace(baseURL), "/"),
		client:  &http.Client{Timeout: timeout},
	}
}

// Quote returns the agent's current price in minor units.
func (c *Client) Quote(ctx context.Context, agentID string) (credits.Amount, error) {
	var out quoteResponse
	if err := c.do(ctx, http.MethodGet, "/agents/"+url.PathEscape(agentID)+"/quote", nil, &out, ErrAgentUnavailable); err != nil {
		return credits.Amount{}, fmt.Errorf("quote agent %s: %w", agentID, err)
	}
	price, err := credits.CreditsToCentsExact(out.Price)
	if err != nil {
		return credits.Amount{}, fmt.Errorf("quote agent %s: %w", agentID, err)
	}
	if price.Sign() < 0 {
		return credits.Amount{}, fmt.Errorf("quote agent %s: negative price %s", agentID, out.Price)
	}
	return price, nil
}

// Start submits a job and returns the provider's id for it.
func (c *Client) Start(ctx context.Context, req StartRequest) (string, error) {
	var out startResponse
	if err := c.do(ctx, http.MethodPost, "/jobs", req, &out, ErrAgentUnavailable); err != nil {
		return "", fmt.Errorf("start job %s: %w", req.JobID, err)
	}
	if out.ExternalID == "" {
		return "", fmt.Errorf("start job %s: empty external id", req.JobID)
	}
	return out.ExternalID, nil
}

// Status polls the current sub-statuses of a job.
func (c *Client) Status(ctx context.Context, externalID string) (Report, error) {
	var out Report
	if err := c.do(ctx, http.MethodGet, "/jobs/"+url.PathEscape(externalID)+"/status", nil, &out, ErrUnknownJob); err != nil {
		return Report{}, fmt.Errorf("status %s: %w", externalID, err)
	}
	return out, nil
}

func (c *Client) do(ctx context.Context, method, path string, body, out any, notFound error) error {
	var reader io.Reader
	if body != nil {
		raw, err := json.Marshal(body)
		if err != nil {
			return err
		}
		reader = bytes.NewReader(raw)
	}
	req, err := http.NewRequestWithContext(ctx, method, c.baseURL+path, reader)
	if err != nil {
		return err
	}
	req.Header.Set("Accept", "application/json")
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}

	resp, err := c.client.Do(req)
	if err != nil {
		return fmt.Errorf("%w: %v", ErrUpstreamUnavailable, err)
	}
	defer resp.Body.Close()

	switch {
	case resp.StatusCode >= 500:
		return fmt.Errorf("%w: %s", ErrUpstreamUnavailable, resp.Status)
	case resp.StatusCode == http.StatusNotFound, resp.StatusCode == http.StatusGone:
		return fmt.Errorf("%w: %s", notFound, resp.Status)
	case resp.StatusCode == http.StatusConflict && notFound == ErrAgentUnavailable:
		return fmt.Errorf("%w: %s", ErrAgentUnavailable, resp.Status)
	case resp.StatusCode >= 300:
		return fmt.Errorf("provider returned %s", resp.Status)
	}
	if err := json.NewDecoder(resp.Body).Decode(out); err != nil {
		return fmt.Errorf("decode provider response: %w", err)
	}
	return nil
}
