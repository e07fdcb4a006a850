package api

import (
	"encoding/json"
	"io"
	"log"
	"net"
	"net/http"
	"strings"
	"time"

	"github.com/go-chi/chi/v5"

	"webhook-relay/internal/webhook"
)

// maxInboundBody bounds how much of an inbound webhook body is read before
// validation succeeds.
const maxInboundBody = 1 << 20

type inboundEvent struct {
	ID     string          `json:"id"`
	Event  string          `json:"event"`
	Tenant string          `json:"tenant"`
	Data   json.RawMessage `json:"data"`
}

// handleInbound is the gateway for upstream provider webhooks. Security
// validation runs over the raw body and short-circuits with 401/403 before
// the payload is parsed or persisted; duplicates are suppressed via the
// idempotency ledger; fresh events fan out through the dispatcher.
func (s *Server) handleInbound(w http.ResponseWriter, r *http.Request) {
	source := chi.URLParam(r, "source")
	secret, ok := s.cfg.InboundSecrets[source]
	if !ok {
		writeError(w, http.StatusNotFound, "unknown webhook source")
		return
	}

	if err := webhook.CheckAllowlist(clientIP(r), s.cfg.InboundIPAllowlist); err != nil {
		log.Printf("inbound %s rejected: %v", source, err)
		writeError(w, http.StatusForbidden, "forbidden")
		return
	}

	rawBody, err := io.ReadAll(io.LimitReader(r.Body, maxInboundBody))
	if err != nil {
		writeError(w, http.StatusBadRequest, "unreadable body")
		return
	}

	if err := webhook.EnforceClockSkew(r.Header.Get(webhook.HeaderTimestamp), s.cfg.InboundMaxClockSkew, time.Now()); err != nil {
		log.Printf("inbound %s rejected: %v", source, err)
		writeError(w, http.StatusUnauthorized, "unauthorized")
		return
	}
	if err := webhook.ValidateSignature(r.Header.Get(webhook.HeaderSignature), rawBody, secret); err != nil {
		log.Printf("inbound %s rejected: %v", source, err)
		writeError(w, http.StatusUnauthorized, "unauthorized")
		return
	}

	var evt inboundEvent
	if err := json.Unmarshal(rawBody, &evt); err != nil {
		writeError(w, http.StatusBadRequest, "invalid json")
		return
	}
	if evt.ID == "" || evt.Event == "" {
		writeError(w, http.StatusBadRequest, "id and event are required")
		return
	}
	if evt.Tenant == "" {
		evt.Tenant = tenantFromRequest(r)
	}

	firstSeen, err := s.store.RecordInboundEvent(r.Context(), source, evt.ID)
	if err != nil {
		writeError(w, http.StatusInternalServerError, err.Error())
		return
	}
	if !firstSeen {
		writeJSON(w, http.StatusOK, map[string]string{"status": "duplicate"})
		return
	}

	jobIDs, err := s.dispatcher.Dispatch(r.Context(), evt.Event, evt.Tenant, evt.Data)
	if err != nil {
		// Mark the ledger row failed so the provider's retry of this event id
		// is reprocessed instead of short-circuited as a duplicate.
		if ledgerErr := s.store.SetInboundResult(r.Context(), source, evt.ID, "failed"); ledgerErr != nil {
			log.Printf("mark inbound %s/%s failed: %v", source, evt.ID, ledgerErr)
		}
		writeError(w, http.StatusInternalServerError, err.Error())
		return
	}
	if err := s.store.SetInboundResult(r.Context(), source, evt.ID, "dispatched"); err != nil {
		log.Printf("set inbound result for %s/%s: %v", source, evt.ID, err)
	}

	writeJSON(w, http.StatusAccepted, map[string]any{"status": "accepted", "job_ids": jobIDs})
}

func clientIP(r *http.Request) string {
	if fwd := r.Header.Get("X-Forwarded-For"); fwd != "" {
		first, _, _ := strings.Cut(fwd, ",")
		return strings.TrimSpace(first)
	}
	host, _, err := net.SplitHostPort(r.RemoteAddr)
	if err != nil {
		return r.RemoteAddr
	}
	return host
}
