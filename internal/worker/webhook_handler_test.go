package worker

import (
	"context"
	"encoding/json"
	"io"
	"net/http"
	"net/http/httptest"
	"strconv"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"webhook-relay/internal/config"
	"webhook-relay/internal/models"
	"webhook-relay/internal/store"
	"webhook-relay/internal/webhook"
)

type fakeSubscribers struct {
	subs    map[string]models.Subscriber
	secrets map[string]string
}

func (f *fakeSubscribers) GetSubscriber(ctx context.Context, id string) (models.Subscriber, error) {
	sub, ok := f.subs[id]
	if !ok {
		return models.Subscriber{}, store.ErrNotFound
	}
	return sub, nil
}

func (f *fakeSubscribers) GetSubscriberSecret(ctx context.Context, id string) (string, error) {
	secret, ok := f.secrets[id]
	if !ok {
		return "", store.ErrNotFound
	}
	return secret, nil
}

type fakeDeliveryLog struct {
	entries []models.DeliveryLogEntry
}

func (f *fakeDeliveryLog) AppendDeliveryLog(ctx context.Context, e models.DeliveryLogEntry) error {
	f.entries = append(f.entries, e)
	return nil
}

func deliveryJob(t *testing.T, subscriberID string, attempts int) models.Job {
	t.Helper()
	payload, err := json.Marshal(models.WebhookDeliveryPayload{
		SubscriberID: subscriberID,
		Event:        "ingestion.completed",
		Data:         json.RawMessage(`{"ingestion_id":"ing-1"}`),
		OccurredAt:   time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC),
	})
	require.NoError(t, err)
	return models.Job{
		ID:       "job-1",
		Type:     models.TypeWebhookDelivery,
		Payload:  payload,
		Attempts: attempts,
	}
}

func newHandlerForTest(subs *fakeSubscribers, logs *fakeDeliveryLog) *DeliveryHandler {
	return NewDeliveryHandler(config.Config{WebhookTimeout: 2 * time.Second}, subs, logs)
}

func TestDeliverySignsAndSucceeds(t *testing.T) {
	secret := "whsec_test"
	var gotBody []byte
	var gotHeader http.Header
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		gotBody, _ = io.ReadAll(r.Body)
		gotHeader = r.Header.Clone()
		w.WriteHeader(http.StatusOK)
	}))
	defer srv.Close()

	subs := &fakeSubscribers{
		subs:    map[string]models.Subscriber{"sub-1": {ID: "sub-1", URL: srv.URL, Active: true}},
		secrets: map[string]string{"sub-1": secret},
	}
	logs := &fakeDeliveryLog{}
	h := newHandlerForTest(subs, logs)

	result, err := h.Handle(context.Background(), deliveryJob(t, "sub-1", 0))
	require.NoError(t, err)
	require.JSONEq(t, `{"status_code":200}`, string(result))

	// The receiver can verify the signature with the shared secret.
	require.NoError(t, webhook.ValidateSignature(gotHeader.Get(webhook.HeaderSignature), gotBody, secret))
	require.Equal(t, "ingestion.completed", gotHeader.Get(webhook.HeaderEvent))
	require.Equal(t, "1", gotHeader.Get(webhook.HeaderAttempt))
	_, err = strconv.ParseInt(gotHeader.Get(webhook.HeaderTimestamp), 10, 64)
	require.NoError(t, err)

	var body struct {
		Event     string          `json:"event"`
		Timestamp string          `json:"timestamp"`
		Data      json.RawMessage `json:"data"`
	}
	require.NoError(t, json.Unmarshal(gotBody, &body))
	require.Equal(t, "ingestion.completed", body.Event)
	require.Equal(t, "2026-03-01T12:00:00Z", body.Timestamp)

	require.Len(t, logs.entries, 1)
	entry := logs.entries[0]
	require.Equal(t, models.OutcomeSuccess, entry.Outcome)
	require.Equal(t, 1, entry.Attempt)
	require.NotNil(t, entry.StatusCode)
	require.Equal(t, 200, *entry.StatusCode)
	require.Equal(t, webhook.BodyHash(gotBody), entry.BodyHash)
}

func TestDeliveryRetriesThenSucceeds(t *testing.T) {
	var calls int
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		calls++
		if calls <= 3 {
			w.WriteHeader(http.StatusInternalServerError)
			return
		}
		w.WriteHeader(http.StatusOK)
	}))
	defer srv.Close()

	subs := &fakeSubscribers{
		subs:    map[string]models.Subscriber{"sub-1": {ID: "sub-1", URL: srv.URL, Active: true}},
		secrets: map[string]string{"sub-1": "s"},
	}
	logs := &fakeDeliveryLog{}
	h := newHandlerForTest(subs, logs)
	ctx := context.Background()

	// Three failing attempts, each retryable, then the fourth lands.
	for attempt := 0; attempt < 3; attempt++ {
		_, err := h.Handle(ctx, deliveryJob(t, "sub-1", attempt))
		require.Error(t, err)
		require.False(t, IsPermanent(err))
	}
	_, err := h.Handle(ctx, deliveryJob(t, "sub-1", 3))
	require.NoError(t, err)

	require.Len(t, logs.entries, 4)
	for i := 0; i < 3; i++ {
		require.Equal(t, models.OutcomeRetryableFailure, logs.entries[i].Outcome)
		require.Equal(t, i+1, logs.entries[i].Attempt)
	}
	require.Equal(t, models.OutcomeSuccess, logs.entries[3].Outcome)
	require.Equal(t, 4, logs.entries[3].Attempt)
}

func TestDeliveryToDeactivatedSubscriberIsPermanent(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		t.Error("no HTTP call expected for a deactivated subscriber")
	}))
	defer srv.Close()

	subs := &fakeSubscribers{
		subs:    map[string]models.Subscriber{"sub-1": {ID: "sub-1", URL: srv.URL, Active: false}},
		secrets: map[string]string{"sub-1": "s"},
	}
	logs := &fakeDeliveryLog{}
	h := newHandlerForTest(subs, logs)

	_, err := h.Handle(context.Background(), deliveryJob(t, "sub-1", 0))
	require.Error(t, err)
	require.True(t, IsPermanent(err))

	require.Len(t, logs.entries, 1)
	require.Equal(t, models.OutcomePermanentFailure, logs.entries[0].Outcome)
}

func TestDeliveryToMissingSubscriberIsPermanent(t *testing.T) {
	subs := &fakeSubscribers{subs: map[string]models.Subscriber{}}
	logs := &fakeDeliveryLog{}
	h := newHandlerForTest(subs, logs)

	_, err := h.Handle(context.Background(), deliveryJob(t, "sub-gone", 0))
	require.Error(t, err)
	require.True(t, IsPermanent(err))
}

func TestDeliveryStatusClassification(t *testing.T) {
	cases := []struct {
		code      int
		outcome   string
		permanent bool
	}{
		{http.StatusNoContent, models.OutcomeSuccess, false},
		{http.StatusBadRequest, models.OutcomePermanentFailure, true},
		{http.StatusNotFound, models.OutcomePermanentFailure, true},
		{http.StatusGone, models.OutcomePermanentFailure, true},
		{http.StatusTooManyRequests, models.OutcomeRetryableFailure, false},
		{http.StatusBadGateway, models.OutcomeRetryableFailure, false},
	}
	for _, tc := range cases {
		t.Run(strconv.Itoa(tc.code), func(t *testing.T) {
			srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
				w.WriteHeader(tc.code)
			}))
			defer srv.Close()

			subs := &fakeSubscribers{
				subs:    map[string]models.Subscriber{"sub-1": {ID: "sub-1", URL: srv.URL, Active: true}},
				secrets: map[string]string{"sub-1": "s"},
			}
			logs := &fakeDeliveryLog{}
			h := newHandlerForTest(subs, logs)

			_, err := h.Handle(context.Background(), deliveryJob(t, "sub-1", 0))
			if tc.outcome == models.OutcomeSuccess {
				require.NoError(t, err)
			} else {
				require.Error(t, err)
				require.Equal(t, tc.permanent, IsPermanent(err))
			}
			require.Len(t, logs.entries, 1)
			require.Equal(t, tc.outcome, logs.entries[0].Outcome)
		})
	}
}

func TestDeliveryNetworkErrorIsRetryable(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {}))
	srv.Close() // connection refused from here on

	subs := &fakeSubscribers{
		subs:    map[string]models.Subscriber{"sub-1": {ID: "sub-1", URL: srv.URL, Active: true}},
		secrets: map[string]string{"sub-1": "s"},
	}
	logs := &fakeDeliveryLog{}
	h := newHandlerForTest(subs, logs)

	_, err := h.Handle(context.Background(), deliveryJob(t, "sub-1", 0))
	require.Error(t, err)
	require.False(t, IsPermanent(err))

	require.Len(t, logs.entries, 1)
	require.Equal(t, models.OutcomeRetryableFailure, logs.entries[0].Outcome)
	require.NotNil(t, logs.entries[0].Error)
}
