package worker

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"log"
	"net/http"
	"strconv"
	"time"

	"webhook-relay/internal/config"
	"webhook-relay/internal/models"
	"webhook-relay/internal/store"
	"webhook-relay/internal/telemetry"
	"webhook-relay/internal/webhook"
)

// SubscriberResolver loads subscriber records and resolves signing secrets.
// *store.Store implements it.
type SubscriberResolver interface {
	GetSubscriber(ctx context.Context, id string) (models.Subscriber, error)
	GetSubscriberSecret(ctx context.Context, id string) (string, error)
}

// DeliveryLogAppender records delivery attempts. *store.Store implements it.
type DeliveryLogAppender interface {
	AppendDeliveryLog(ctx context.Context, e models.DeliveryLogEntry) error
}

// DeliveryHandler executes webhook_delivery jobs: resolve the subscriber, sign
// the payload, POST it with a bounded timeout, classify the outcome, and log
// the attempt.
type DeliveryHandler struct {
	subs       SubscriberResolver
	logs       DeliveryLogAppender
	httpClient *http.Client
	maxRespLen int64
	now        func() time.Time
}

func NewDeliveryHandler(cfg config.Config, subs SubscriberResolver, logs DeliveryLogAppender) *DeliveryHandler {
	timeout := cfg.WebhookTimeout
	if timeout == 0 {
		timeout = 5 * time.Second
	}
	maxResp := cfg.WebhookMaxRespBytes
	if maxResp == 0 {
		maxResp = 4096
	}
	return &DeliveryHandler{
		subs:       subs,
		logs:       logs,
		httpClient: &http.Client{Timeout: timeout},
		maxRespLen: maxResp,
		now:        time.Now,
	}
}

// Handle delivers one event to one subscriber. A deactivated or missing
// subscriber is a permanent failure with no HTTP call attempted.
func (h *DeliveryHandler) Handle(ctx context.Context, job models.Job) ([]byte, error) {
	payload, err := models.DecodePayload(job.Type, job.Payload)
	if err != nil {
		return nil, Permanent(err)
	}
	dp := payload.(*models.WebhookDeliveryPayload)
	attempt := job.Attempts + 1

	sub, err := h.subs.GetSubscriber(ctx, dp.SubscriberID)
	if err != nil {
		if errors.Is(err, store.ErrNotFound) {
			err = Permanent(fmt.Errorf("subscriber %s not found", dp.SubscriberID))
		}
		h.logSkipped(ctx, job, dp, attempt, err)
		return nil, err
	}
	if !sub.Active {
		err := Permanent(fmt.Errorf("subscriber %s is deactivated", sub.ID))
		h.logSkipped(ctx, job, dp, attempt, err)
		return nil, err
	}

	secret, err := h.subs.GetSubscriberSecret(ctx, sub.ID)
	if err != nil {
		return nil, fmt.Errorf("resolve secret: %w", err)
	}

	body, err := webhook.EncodeEventBody(dp.Event, dp.OccurredAt, dp.Data)
	if err != nil {
		return nil, Permanent(err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, sub.URL, bytes.NewReader(body))
	if err != nil {
		return nil, Permanent(fmt.Errorf("build request: %w", err))
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set(webhook.HeaderSignature, webhook.Sign(secret, body))
	req.Header.Set(webhook.HeaderTimestamp, strconv.FormatInt(h.now().Unix(), 10))
	req.Header.Set(webhook.HeaderEvent, dp.Event)
	req.Header.Set(webhook.HeaderAttempt, strconv.Itoa(attempt))

	entry := models.DeliveryLogEntry{
		JobID:          job.ID,
		SubscriberID:   sub.ID,
		Event:          dp.Event,
		Attempt:        attempt,
		RequestHeaders: loggableHeaders(req.Header),
		BodyHash:       webhook.BodyHash(body),
	}

	started := h.now()
	resp, err := h.httpClient.Do(req)
	entry.LatencyMS = h.now().Sub(started).Milliseconds()

	if err != nil {
		// Network error or timeout; the subscriber may recover.
		msg := err.Error()
		entry.Outcome = models.OutcomeRetryableFailure
		entry.Error = &msg
		h.appendLog(ctx, entry)
		return nil, fmt.Errorf("deliver to %s: %w", sub.URL, err)
	}
	defer resp.Body.Close()

	respBody, _ := io.ReadAll(io.LimitReader(resp.Body, h.maxRespLen))
	captured := string(respBody)
	entry.StatusCode = &resp.StatusCode
	entry.ResponseBody = &captured
	entry.Outcome = classifyStatus(resp.StatusCode)
	h.appendLog(ctx, entry)

	switch entry.Outcome {
	case models.OutcomeSuccess:
		return []byte(fmt.Sprintf(`{"status_code":%d}`, resp.StatusCode)), nil
	case models.OutcomePermanentFailure:
		return nil, Permanent(fmt.Errorf("subscriber returned %d", resp.StatusCode))
	default:
		return nil, fmt.Errorf("subscriber returned %d", resp.StatusCode)
	}
}

// classifyStatus maps HTTP responses to delivery outcomes: 2xx success, 4xx
// except 429 permanent (client misconfiguration), everything else retryable.
func classifyStatus(code int) string {
	switch {
	case code >= 200 && code < 300:
		return models.OutcomeSuccess
	case code == http.StatusTooManyRequests:
		return models.OutcomeRetryableFailure
	case code >= 400 && code < 500:
		return models.OutcomePermanentFailure
	default:
		return models.OutcomeRetryableFailure
	}
}

func (h *DeliveryHandler) logSkipped(ctx context.Context, job models.Job, dp *models.WebhookDeliveryPayload, attempt int, cause error) {
	msg := cause.Error()
	outcome := models.OutcomeRetryableFailure
	if IsPermanent(cause) {
		outcome = models.OutcomePermanentFailure
	}
	h.appendLog(ctx, models.DeliveryLogEntry{
		JobID:        job.ID,
		SubscriberID: dp.SubscriberID,
		Event:        dp.Event,
		Attempt:      attempt,
		Outcome:      outcome,
		Error:        &msg,
	})
}

func (h *DeliveryHandler) appendLog(ctx context.Context, entry models.DeliveryLogEntry) {
	telemetry.Deliveries.WithLabelValues(entry.Outcome).Inc()
	if err := h.logs.AppendDeliveryLog(ctx, entry); err != nil {
		log.Printf("append delivery log for job %s: %v", entry.JobID, err)
	}
}

// loggableHeaders snapshots request headers for the delivery log. The
// signature proves secret possession without revealing it, so headers are
// recorded as sent.
func loggableHeaders(h http.Header) string {
	var buf bytes.Buffer
	for _, k := range []string{"Content-Type", webhook.HeaderSignature, webhook.HeaderTimestamp, webhook.HeaderEvent, webhook.HeaderAttempt} {
		if v := h.Get(k); v != "" {
			fmt.Fprintf(&buf, "%s: %s\n", k, v)
		}
	}
	return buf.String()
}
