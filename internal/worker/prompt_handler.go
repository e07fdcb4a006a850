package worker

import (
	"context"
	"encoding/json"
	"fmt"

	"webhook-relay/internal/models"
)

// PromptService snapshots prompt versions. External collaborator, contract only.
type PromptService interface {
	CreateVersion(ctx context.Context, promptID, body, createdBy string) (version int, err error)
}

// PromptHandler executes prompt_version_create jobs.
type PromptHandler struct {
	svc PromptService
}

func NewPromptHandler(svc PromptService) *PromptHandler {
	return &PromptHandler{svc: svc}
}

func (h *PromptHandler) Handle(ctx context.Context, job models.Job) ([]byte, error) {
	payload, err := models.DecodePayload(job.Type, job.Payload)
	if err != nil {
		return nil, Permanent(err)
	}
	pp := payload.(*models.PromptVersionPayload)

	version, err := h.svc.CreateVersion(ctx, pp.PromptID, pp.Body, pp.CreatedBy)
	if err != nil {
		return nil, fmt.Errorf("create version for prompt %s: %w", pp.PromptID, err)
	}
	return json.Marshal(map[string]any{"prompt_id": pp.PromptID, "version": version})
}
