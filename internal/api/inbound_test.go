package api

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"net/http/httptest"
	"strconv"
	"testing"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/stretchr/testify/require"

	"webhook-relay/internal/config"
	"webhook-relay/internal/models"
	"webhook-relay/internal/store"
	"webhook-relay/internal/webhook"
)

// fakeDatastore implements Datastore in memory. The inbound ledger mirrors the
// Postgres semantics: a row whose processing failed counts as not yet seen.
type fakeDatastore struct {
	ledger map[string]string
}

func newFakeDatastore() *fakeDatastore {
	return &fakeDatastore{ledger: map[string]string{}}
}

func ledgerKey(source, id string) string { return source + "/" + id }

func (f *fakeDatastore) RecordInboundEvent(ctx context.Context, source, externalEventID string) (bool, error) {
	k := ledgerKey(source, externalEventID)
	result, seen := f.ledger[k]
	if seen && result != "failed" {
		return false, nil
	}
	f.ledger[k] = ""
	return true, nil
}

func (f *fakeDatastore) SetInboundResult(ctx context.Context, source, externalEventID, result string) error {
	f.ledger[ledgerKey(source, externalEventID)] = result
	return nil
}

func (f *fakeDatastore) Ping(ctx context.Context) error { return nil }

func (f *fakeDatastore) GetJob(ctx context.Context, id string) (models.Job, error) {
	return models.Job{}, store.ErrNotFound
}

func (f *fakeDatastore) ListJobs(ctx context.Context, status, jobType string, limit int) ([]models.Job, error) {
	return nil, nil
}

func (f *fakeDatastore) CreateSubscriber(ctx context.Context, tenant, url, secret string, events []string) (models.Subscriber, error) {
	return models.Subscriber{}, nil
}

func (f *fakeDatastore) GetSubscriber(ctx context.Context, id string) (models.Subscriber, error) {
	return models.Subscriber{}, store.ErrNotFound
}

func (f *fakeDatastore) ListSubscribers(ctx context.Context, tenant string) ([]models.Subscriber, error) {
	return nil, nil
}

func (f *fakeDatastore) DeactivateSubscriber(ctx context.Context, id string) (bool, error) {
	return false, nil
}

func (f *fakeDatastore) ListDeliveryLogs(ctx context.Context, filter store.DeliveryLogFilter) ([]models.DeliveryLogEntry, error) {
	return nil, nil
}

type fakeEventDispatcher struct {
	calls int
	err   error
}

func (f *fakeEventDispatcher) Dispatch(ctx context.Context, event, tenant string, data json.RawMessage) ([]string, error) {
	f.calls++
	if f.err != nil {
		return nil, f.err
	}
	return []string{fmt.Sprintf("job-%d", f.calls)}, nil
}

// Validation failures must answer before anything touches the store, so most
// of these run against a server with no backing store at all.
func newInboundTestServer(cfg config.Config, st Datastore, d EventDispatcher) *httptest.Server {
	s := New(cfg, st, nil, d, nil, nil)
	r := chi.NewRouter()
	r.Post("/webhooks/inbound/{source}", s.handleInbound)
	return httptest.NewServer(r)
}

func signedInboundRequest(t *testing.T, url, secret string, body []byte) *http.Request {
	t.Helper()
	req, err := http.NewRequest(http.MethodPost, url, bytes.NewReader(body))
	require.NoError(t, err)
	req.Header.Set(webhook.HeaderSignature, webhook.Sign(secret, body))
	req.Header.Set(webhook.HeaderTimestamp, strconv.FormatInt(time.Now().Unix(), 10))
	return req
}

func TestInboundUnknownSourceIs404(t *testing.T) {
	srv := newInboundTestServer(config.Config{
		InboundSecrets: map[string]string{"stripe": "sk"},
	}, nil, nil)
	defer srv.Close()

	resp, err := http.Post(srv.URL+"/webhooks/inbound/github", "application/json", bytes.NewReader([]byte(`{}`)))
	require.NoError(t, err)
	defer resp.Body.Close()
	require.Equal(t, http.StatusNotFound, resp.StatusCode)
}

func TestInboundRejectsBadSignature(t *testing.T) {
	srv := newInboundTestServer(config.Config{
		InboundSecrets:      map[string]string{"stripe": "sk"},
		InboundMaxClockSkew: 2 * time.Minute,
	}, nil, nil)
	defer srv.Close()

	body := []byte(`{"id":"evt-1","event":"charge.succeeded","data":{}}`)
	req := signedInboundRequest(t, srv.URL+"/webhooks/inbound/stripe", "wrong-secret", body)

	resp, err := http.DefaultClient.Do(req)
	require.NoError(t, err)
	defer resp.Body.Close()
	require.Equal(t, http.StatusUnauthorized, resp.StatusCode)
}

func TestInboundRejectsStaleTimestamp(t *testing.T) {
	srv := newInboundTestServer(config.Config{
		InboundSecrets:      map[string]string{"stripe": "sk"},
		InboundMaxClockSkew: 2 * time.Minute,
	}, nil, nil)
	defer srv.Close()

	body := []byte(`{"id":"evt-1","event":"charge.succeeded","data":{}}`)
	req := signedInboundRequest(t, srv.URL+"/webhooks/inbound/stripe", "sk", body)
	req.Header.Set(webhook.HeaderTimestamp, strconv.FormatInt(time.Now().Add(-time.Hour).Unix(), 10))

	resp, err := http.DefaultClient.Do(req)
	require.NoError(t, err)
	defer resp.Body.Close()
	require.Equal(t, http.StatusUnauthorized, resp.StatusCode)
}

func TestInboundRejectsNonAllowlistedIP(t *testing.T) {
	srv := newInboundTestServer(config.Config{
		InboundSecrets:      map[string]string{"stripe": "sk"},
		InboundMaxClockSkew: 2 * time.Minute,
		InboundIPAllowlist:  []string{"203.0.113.0/24"},
	}, nil, nil)
	defer srv.Close()

	body := []byte(`{"id":"evt-1","event":"charge.succeeded","data":{}}`)
	req := signedInboundRequest(t, srv.URL+"/webhooks/inbound/stripe", "sk", body)
	req.Header.Set("X-Forwarded-For", "198.51.100.7")

	resp, err := http.DefaultClient.Do(req)
	require.NoError(t, err)
	defer resp.Body.Close()
	require.Equal(t, http.StatusForbidden, resp.StatusCode)
}

func TestInboundRejectsMalformedEvent(t *testing.T) {
	srv := newInboundTestServer(config.Config{
		InboundSecrets:      map[string]string{"stripe": "sk"},
		InboundMaxClockSkew: 2 * time.Minute,
	}, nil, nil)
	defer srv.Close()

	cases := []struct {
		name string
		body string
	}{
		{"not json", `not json at all`},
		{"missing id", `{"event":"charge.succeeded","data":{}}`},
		{"missing event", `{"id":"evt-1","data":{}}`},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			req := signedInboundRequest(t, srv.URL+"/webhooks/inbound/stripe", "sk", []byte(tc.body))
			resp, err := http.DefaultClient.Do(req)
			require.NoError(t, err)
			defer resp.Body.Close()
			require.Equal(t, http.StatusBadRequest, resp.StatusCode)
		})
	}
}

func TestInboundDuplicateEventShortCircuits(t *testing.T) {
	st := newFakeDatastore()
	d := &fakeEventDispatcher{}
	srv := newInboundTestServer(config.Config{
		InboundSecrets:      map[string]string{"stripe": "sk"},
		InboundMaxClockSkew: 2 * time.Minute,
	}, st, d)
	defer srv.Close()

	body := []byte(`{"id":"evt-1","event":"charge.succeeded","tenant":"acme","data":{"amount":5}}`)

	req := signedInboundRequest(t, srv.URL+"/webhooks/inbound/stripe", "sk", body)
	resp, err := http.DefaultClient.Do(req)
	require.NoError(t, err)
	defer resp.Body.Close()
	require.Equal(t, http.StatusAccepted, resp.StatusCode)

	var accepted struct {
		Status string   `json:"status"`
		JobIDs []string `json:"job_ids"`
	}
	require.NoError(t, json.NewDecoder(resp.Body).Decode(&accepted))
	require.Equal(t, "accepted", accepted.Status)
	require.Len(t, accepted.JobIDs, 1)
	require.Equal(t, 1, d.calls)
	require.Equal(t, "dispatched", st.ledger[ledgerKey("stripe", "evt-1")])

	// Redelivery of the same event id is answered without a second fan-out.
	req = signedInboundRequest(t, srv.URL+"/webhooks/inbound/stripe", "sk", body)
	resp, err = http.DefaultClient.Do(req)
	require.NoError(t, err)
	defer resp.Body.Close()
	require.Equal(t, http.StatusOK, resp.StatusCode)

	var dup struct {
		Status string `json:"status"`
	}
	require.NoError(t, json.NewDecoder(resp.Body).Decode(&dup))
	require.Equal(t, "duplicate", dup.Status)
	require.Equal(t, 1, d.calls)
}

func TestInboundDispatchFailureIsRetriedNotSwallowed(t *testing.T) {
	st := newFakeDatastore()
	d := &fakeEventDispatcher{err: errors.New("store unavailable")}
	srv := newInboundTestServer(config.Config{
		InboundSecrets:      map[string]string{"stripe": "sk"},
		InboundMaxClockSkew: 2 * time.Minute,
	}, st, d)
	defer srv.Close()

	body := []byte(`{"id":"evt-1","event":"charge.succeeded","data":{}}`)

	req := signedInboundRequest(t, srv.URL+"/webhooks/inbound/stripe", "sk", body)
	resp, err := http.DefaultClient.Do(req)
	require.NoError(t, err)
	defer resp.Body.Close()
	require.Equal(t, http.StatusInternalServerError, resp.StatusCode)
	require.Equal(t, "failed", st.ledger[ledgerKey("stripe", "evt-1")])

	// The provider retries the same event id; it must be processed, not
	// short-circuited as a duplicate of the failed run.
	d.err = nil
	req = signedInboundRequest(t, srv.URL+"/webhooks/inbound/stripe", "sk", body)
	resp, err = http.DefaultClient.Do(req)
	require.NoError(t, err)
	defer resp.Body.Close()
	require.Equal(t, http.StatusAccepted, resp.StatusCode)
	require.Equal(t, 2, d.calls)
	require.Equal(t, "dispatched", st.ledger[ledgerKey("stripe", "evt-1")])
}

func TestClientIPPrefersForwardedFor(t *testing.T) {
	req := httptest.NewRequest(http.MethodPost, "/", nil)
	req.RemoteAddr = "10.0.0.1:5555"
	require.Equal(t, "10.0.0.1", clientIP(req))

	req.Header.Set("X-Forwarded-For", "203.0.113.9, 10.0.0.1")
	require.Equal(t, "203.0.113.9", clientIP(req))
}
