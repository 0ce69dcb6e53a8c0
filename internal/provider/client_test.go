package provider

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"agent-job-sync/internal/credits"
	"agent-job-sync/internal/models"
)

func newTestServer(t *testing.T) *httptest.Server {
	mux := http.NewServeMux()
	mux.HandleFunc("/agents/summarizer/quote", func(w http.ResponseWriter, r *http.Request) {
		_ = json.NewEncoder(w).Encode(map[string]string{"agent_id": "summarizer", "price": "2.5"})
	})
	mux.HandleFunc("/agents/flaky/quote", func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusBadGateway)
	})
	mux.HandleFunc("/jobs", func(w http.ResponseWriter, r *http.Request) {
		var req StartRequest
		require.NoError(t, json.NewDecoder(r.Body).Decode(&req))
		if req.AgentID == "retired" {
			w.WriteHeader(http.StatusNotFound)
			return
		}
		_ = json.NewEncoder(w).Encode(map[string]string{"external_id": "ext-" + req.JobID})
	})
	mux.HandleFunc("/jobs/ext-1/status", func(w http.ResponseWriter, r *http.Request) {
		_, _ = w.Write([]byte(`{"agent_status":"completed","ledger_status":"result_submitted","result":{"summary":"ok"},"result_hash":"sha256:beef"}`))
	})
	srv := httptest.NewServer(mux)
	t.Cleanup(srv.Close)
	return srv
}

func TestQuote(t *testing.T) {
	c := New(newTestServer(t).URL, time.Second)
	price, err := c.Quote(context.Background(), "summarizer")
	require.NoError(t, err)
	assert.Equal(t, "2500000000000", price.String())
	assert.Equal(t, "2.5", credits.CentsToCredits(price))

	_, err = c.Quote(context.Background(), "flaky")
	assert.ErrorIs(t, err, ErrUpstreamUnavailable)

	_, err = c.Quote(context.Background(), "nobody")
	assert.ErrorIs(t, err, ErrAgentUnavailable)
}

func TestStart(t *testing.T) {
	c := New(newTestServer(t).URL, time.Second)
	ext, err := c.Start(context.Background(), StartRequest{JobID: "j1", AgentID: "summarizer", InputHash: "h"})
	require.NoError(t, err)
	assert.Equal(t, "ext-j1", ext)

	_, err = c.Start(context.Background(), StartRequest{JobID: "j2", AgentID: "retired"})
	assert.ErrorIs(t, err, ErrAgentUnavailable)
}

func TestStatus(t *testing.T) {
	c := New(newTestServer(t).URL, time.Second)
	rep, err := c.Status(context.Background(), "ext-1")
	require.NoError(t, err)
	assert.Equal(t, models.AgentCompleted, rep.AgentStatus)
	assert.Equal(t, models.LedgerResultSubmitted, rep.LedgerStatus)
	assert.Equal(t, "sha256:beef", rep.ResultHash)
	assert.JSONEq(t, `{"summary":"ok"}`, string(rep.Result))

	_, err = c.Status(context.Background(), "ext-missing")
	assert.ErrorIs(t, err, ErrUnknownJob)
}

func TestTransportFailureIsUpstreamUnavailable(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		time.Sleep(200 * time.Millisecond)
	}))
	defer srv.Close()
	c := New(srv.URL, 20*time.Millisecond)
	_, err := c.Status(context.Background(), "ext-1")
	assert.ErrorIs(t, err, ErrUpstreamUnavailable)
}
