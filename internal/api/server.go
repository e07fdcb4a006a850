package api

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"strconv"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/cors"

	"webhook-relay/internal/config"
	"webhook-relay/internal/models"
	"webhook-relay/internal/queue"
	"webhook-relay/internal/quota"
	"webhook-relay/internal/ratelimit"
	"webhook-relay/internal/store"
	"webhook-relay/internal/telemetry"
)

// Datastore is the persistence surface the API reads and writes. *store.Store
// implements it; tests substitute a fake.
type Datastore interface {
	Ping(ctx context.Context) error
	GetJob(ctx context.Context, id string) (models.Job, error)
	ListJobs(ctx context.Context, status, jobType string, limit int) ([]models.Job, error)
	CreateSubscriber(ctx context.Context, tenant, url, secret string, events []string) (models.Subscriber, error)
	GetSubscriber(ctx context.Context, id string) (models.Subscriber, error)
	ListSubscribers(ctx context.Context, tenant string) ([]models.Subscriber, error)
	DeactivateSubscriber(ctx context.Context, id string) (bool, error)
	ListDeliveryLogs(ctx context.Context, f store.DeliveryLogFilter) ([]models.DeliveryLogEntry, error)
	RecordInboundEvent(ctx context.Context, source, externalEventID string) (bool, error)
	SetInboundResult(ctx context.Context, source, externalEventID, result string) error
}

// EventDispatcher fans a domain event out to delivery jobs. *webhook.Dispatcher
// implements it.
type EventDispatcher interface {
	Dispatch(ctx context.Context, event, tenant string, data json.RawMessage) ([]string, error)
}

// Server wires HTTP handlers for the enqueue boundary, the inbound webhook
// gateway, and the administrative surface.
type Server struct {
	cfg        config.Config
	store      Datastore
	queue      *queue.Queue
	dispatcher EventDispatcher
	limiter    *ratelimit.SlidingWindow
	quota      *quota.Enforcer
}

// New constructs the API server.
func New(cfg config.Config, st Datastore, q *queue.Queue, d EventDispatcher, limiter *ratelimit.SlidingWindow, enforcer *quota.Enforcer) *Server {
	return &Server{
		cfg:        cfg,
		store:      st,
		queue:      q,
		dispatcher: d,
		limiter:    limiter,
		quota:      enforcer,
	}
}

// Router builds the HTTP router.
func (s *Server) Router() http.Handler {
	r := chi.NewRouter()
	r.Use(cors.Handler(cors.Options{
		AllowedMethods: []string{"GET", "POST", "OPTIONS"},
		AllowedHeaders: []string{"Accept", "Content-Type", "X-Tenant-ID"},
	}))

	r.Get("/healthz", func(w http.ResponseWriter, r *http.Request) {
		if err := s.store.Ping(r.Context()); err != nil {
			writeError(w, http.StatusServiceUnavailable, "store unavailable")
			return
		}
		writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
	})
	r.Mount("/metrics", telemetry.Handler())

	r.Post("/jobs", s.handleEnqueue)
	r.Get("/jobs", s.handleListJobs)
	r.Get("/jobs/{id}", s.handleGetJob)
	r.Post("/jobs/{id}/cancel", s.handleCancelJob)
	r.Post("/jobs/{id}/retry", s.handleRetryJob)
	r.Get("/dlq", s.handleDLQ)

	r.Post("/subscribers", s.handleCreateSubscriber)
	r.Get("/subscribers", s.handleListSubscribers)
	r.Get("/subscribers/{id}", s.handleGetSubscriber)
	r.Post("/subscribers/{id}/deactivate", s.handleDeactivateSubscriber)

	r.Get("/deliveries", s.handleListDeliveries)
	r.Get("/tenants/{id}/limits", s.handleTenantLimits)

	r.Post("/webhooks/inbound/{source}", s.handleInbound)

	return r
}

type enqueueRequest struct {
	Type         string          `json:"type"`
	Payload      json.RawMessage `json:"payload"`
	DelaySeconds int             `json:"delay_seconds"`
}

func (s *Server) handleEnqueue(w http.ResponseWriter, r *http.Request) {
	var req enqueueRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid json")
		return
	}
	if req.Type == "" {
		writeError(w, http.StatusBadRequest, "type is required")
		return
	}
	tenant := tenantFromRequest(r)

	if !s.gate(w, r, tenant, "api_call") {
		return
	}

	payload, err := models.DecodePayload(req.Type, req.Payload)
	if err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}

	availableAt := time.Now().UTC()
	if req.DelaySeconds > 0 {
		availableAt = availableAt.Add(time.Duration(req.DelaySeconds) * time.Second)
	}

	job, err := s.queue.EnqueueAt(r.Context(), tenant, payload, availableAt)
	if err != nil {
		writeError(w, http.StatusInternalServerError, err.Error())
		return
	}
	_ = s.quota.RecordUsage(r.Context(), tenant, "api_call", 1)

	writeJSON(w, http.StatusAccepted, job)
}

// gate runs the rate-limit and quota pre-execution checks. Rejections are not
// job failures; they answer the caller directly with a machine-readable
// reason and a retry hint.
func (s *Server) gate(w http.ResponseWriter, r *http.Request, tenant, resource string) bool {
	if s.limiter != nil {
		res, err := s.limiter.CheckAndIncrement(r.Context(), tenant, resource)
		if err != nil {
			writeError(w, http.StatusInternalServerError, "rate limit check failed")
			return false
		}
		if !res.Allowed {
			telemetry.RateLimitRejects.Inc()
			retryAfter := time.Until(res.ResetAt)
			if retryAfter < 0 {
				retryAfter = 0
			}
			w.Header().Set("Retry-After", formatSeconds(retryAfter))
			writeJSON(w, http.StatusTooManyRequests, map[string]any{
				"error":    "rate limited",
				"reason":   "try later",
				"reset_at": res.ResetAt.UTC().Format(time.RFC3339),
			})
			return false
		}
	}
	if s.quota != nil {
		d, err := s.quota.CheckResource(r.Context(), tenant, resource)
		if err != nil {
			writeError(w, http.StatusInternalServerError, "quota check failed")
			return false
		}
		if !d.Allowed {
			telemetry.QuotaRejects.Inc()
			writeJSON(w, http.StatusTooManyRequests, map[string]any{
				"error":    "quota exceeded",
				"reason":   d.Reason,
				"reset_at": d.ResetAt.UTC().Format(time.RFC3339),
			})
			return false
		}
		if d.Warning {
			w.Header().Set("X-Quota-Warning", "true")
		}
	}
	return true
}

func (s *Server) handleListJobs(w http.ResponseWriter, r *http.Request) {
	jobs, err := s.store.ListJobs(r.Context(), r.URL.Query().Get("status"), r.URL.Query().Get("type"), 0)
	if err != nil {
		writeError(w, http.StatusInternalServerError, err.Error())
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"jobs": jobs})
}

func (s *Server) handleGetJob(w http.ResponseWriter, r *http.Request) {
	job, err := s.store.GetJob(r.Context(), chi.URLParam(r, "id"))
	if errors.Is(err, store.ErrNotFound) {
		writeError(w, http.StatusNotFound, "job not found")
		return
	}
	if err != nil {
		writeError(w, http.StatusInternalServerError, err.Error())
		return
	}
	writeJSON(w, http.StatusOK, job)
}

func (s *Server) handleCancelJob(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "id")
	ok, err := s.queue.Cancel(r.Context(), id)
	if err != nil {
		writeError(w, http.StatusInternalServerError, err.Error())
		return
	}
	if !ok {
		// Already claimed, finished, or unknown; cancelling running work is
		// deliberately a no-op.
		writeError(w, http.StatusConflict, "job is not pending")
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"status": "cancelled"})
}

func (s *Server) handleRetryJob(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "id")
	ok, err := s.queue.Retry(r.Context(), id)
	if err != nil {
		writeError(w, http.StatusInternalServerError, err.Error())
		return
	}
	if !ok {
		writeError(w, http.StatusConflict, "job is not dead-lettered")
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"status": "pending"})
}

func (s *Server) handleDLQ(w http.ResponseWriter, r *http.Request) {
	jobs, err := s.store.ListJobs(r.Context(), models.StatusDeadLetter, "", 0)
	if err != nil {
		writeError(w, http.StatusInternalServerError, err.Error())
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"jobs": jobs})
}

type createSubscriberRequest struct {
	URL    string   `json:"url"`
	Secret string   `json:"secret"`
	Events []string `json:"events"`
}

func (s *Server) handleCreateSubscriber(w http.ResponseWriter, r *http.Request) {
	var req createSubscriberRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid json")
		return
	}
	if req.URL == "" || req.Secret == "" || len(req.Events) == 0 {
		writeError(w, http.StatusBadRequest, "url, secret, and events are required")
		return
	}
	sub, err := s.store.CreateSubscriber(r.Context(), tenantFromRequest(r), req.URL, req.Secret, req.Events)
	if err != nil {
		writeError(w, http.StatusInternalServerError, err.Error())
		return
	}
	// The secret is visible in this response only; reads return it masked.
	writeJSON(w, http.StatusCreated, sub)
}

func (s *Server) handleListSubscribers(w http.ResponseWriter, r *http.Request) {
	subs, err := s.store.ListSubscribers(r.Context(), tenantFromRequest(r))
	if err != nil {
		writeError(w, http.StatusInternalServerError, err.Error())
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"subscribers": subs})
}

func (s *Server) handleGetSubscriber(w http.ResponseWriter, r *http.Request) {
	sub, err := s.store.GetSubscriber(r.Context(), chi.URLParam(r, "id"))
	if errors.Is(err, store.ErrNotFound) {
		writeError(w, http.StatusNotFound, "subscriber not found")
		return
	}
	if err != nil {
		writeError(w, http.StatusInternalServerError, err.Error())
		return
	}
	writeJSON(w, http.StatusOK, sub)
}

func (s *Server) handleDeactivateSubscriber(w http.ResponseWriter, r *http.Request) {
	ok, err := s.store.DeactivateSubscriber(r.Context(), chi.URLParam(r, "id"))
	if err != nil {
		writeError(w, http.StatusInternalServerError, err.Error())
		return
	}
	if !ok {
		writeError(w, http.StatusConflict, "subscriber not found or already inactive")
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"status": "deactivated"})
}

func (s *Server) handleListDeliveries(w http.ResponseWriter, r *http.Request) {
	q := r.URL.Query()
	entries, err := s.store.ListDeliveryLogs(r.Context(), store.DeliveryLogFilter{
		JobID:        q.Get("job_id"),
		SubscriberID: q.Get("subscriber_id"),
		Event:        q.Get("event"),
		Outcome:      q.Get("outcome"),
	})
	if err != nil {
		writeError(w, http.StatusInternalServerError, err.Error())
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"deliveries": entries})
}

func (s *Server) handleTenantLimits(w http.ResponseWriter, r *http.Request) {
	tenant := chi.URLParam(r, "id")
	limits := map[string]any{}

	for resource := range s.limiter.Policies() {
		res, err := s.limiter.Status(r.Context(), tenant, resource)
		if err != nil {
			writeError(w, http.StatusInternalServerError, err.Error())
			return
		}
		limits[resource] = res
	}

	quotas := map[string]any{}
	for _, resource := range s.quota.Resources() {
		d, err := s.quota.CheckResource(r.Context(), tenant, resource)
		if err != nil {
			writeError(w, http.StatusInternalServerError, err.Error())
			return
		}
		quotas[resource] = d
	}

	writeJSON(w, http.StatusOK, map[string]any{"rate_limits": limits, "quotas": quotas})
}

func tenantFromRequest(r *http.Request) string {
	if v := r.Header.Get("X-Tenant-ID"); v != "" {
		return v
	}
	return "default"
}

func writeJSON(w http.ResponseWriter, code int, payload any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(code)
	_ = json.NewEncoder(w).Encode(payload)
}

func writeError(w http.ResponseWriter, code int, msg string) {
	writeJSON(w, code, map[string]string{"error": msg})
}

// formatSeconds renders a Retry-After value in whole seconds, minimum 1.
func formatSeconds(d time.Duration) string {
	secs := int64(d.Seconds())
	if secs < 1 {
		secs = 1
	}
	return strconv.FormatInt(secs, 10)
}
