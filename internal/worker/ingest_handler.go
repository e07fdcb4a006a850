package worker

import (
	"bytes"
	"context"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"time"

	"github.com/aws/aws-sdk-go-v2/aws"
	awsconfig "github.com/aws/aws-sdk-go-v2/config"
	"github.com/aws/aws-sdk-go-v2/service/s3"

	"webhook-relay/internal/config"
	"webhook-relay/internal/models"
)

// IngestionService is the external vector-store collaborator. Only the
// contract lives here; the implementation belongs to the surrounding platform.
type IngestionService interface {
	Ingest(ctx context.Context, fileID, vectorStoreID string, data []byte) (ingestionID string, err error)
	Attach(ctx context.Context, fileID, vectorStoreID string) error
	Status(ctx context.Context, ingestionID string) (state string, err error)
}

// Ingestion states reported by the collaborator.
const (
	IngestStateInProgress = "in_progress"
	IngestStateCompleted  = "completed"
	IngestStateFailed     = "failed"
)

// Scheduler re-enqueues follow-up jobs. *queue.Queue implements it.
type Scheduler interface {
	EnqueueAt(ctx context.Context, tenant string, payload models.Payload, availableAt time.Time) (models.Job, error)
}

// IngestHandler executes file_ingest, attach_file_to_store, and
// poll_ingestion_status jobs. Source bytes come from S3 or a plain URL.
type IngestHandler struct {
	svc        IngestionService
	sched      Scheduler
	s3         *s3.Client
	httpClient *http.Client
	maxBytes   int64
	pollEvery  time.Duration
	maxPolls   int
}

func NewIngestHandler(ctx context.Context, cfg config.Config, svc IngestionService, sched Scheduler) (*IngestHandler, error) {
	h := &IngestHandler{
		svc:        svc,
		sched:      sched,
		httpClient: &http.Client{Timeout: 30 * time.Second},
		maxBytes:   cfg.IngestMaxBytes,
		pollEvery:  5 * time.Second,
		maxPolls:   60,
	}
	if cfg.IngestS3Bucket != "" {
		client, err := newS3Client(ctx, cfg)
		if err != nil {
			return nil, err
		}
		h.s3 = client
	}
	return h, nil
}

func newS3Client(ctx context.Context, cfg config.Config) (*s3.Client, error) {
	opts := []func(*awsconfig.LoadOptions) error{
		awsconfig.WithRegion(cfg.IngestS3Region),
	}
	if cfg.IngestS3Endpoint != "" {
		resolver := aws.EndpointResolverWithOptionsFunc(func(service, region string, _ ...interface{}) (aws.Endpoint, error) {
			if service == s3.ServiceID {
				return aws.Endpoint{
					URL:               cfg.IngestS3Endpoint,
					HostnameImmutable: cfg.IngestS3PathStyle,
					SigningRegion:     cfg.IngestS3Region,
					Source:            aws.EndpointSourceCustom,
				}, nil
			}
			return aws.Endpoint{}, &aws.EndpointNotFoundError{}
		})
		opts = append(opts, awsconfig.WithEndpointResolverWithOptions(resolver))
	}
	awsCfg, err := awsconfig.LoadDefaultConfig(ctx, opts...)
	if err != nil {
		return nil, fmt.Errorf("load aws config: %w", err)
	}
	return s3.NewFromConfig(awsCfg, func(o *s3.Options) {
		o.UsePathStyle = cfg.IngestS3PathStyle
	}), nil
}

// HandleFileIngest fetches the source object, hands it to the ingestion
// service, and schedules a status poll.
func (h *IngestHandler) HandleFileIngest(ctx context.Context, job models.Job) ([]byte, error) {
	payload, err := models.DecodePayload(job.Type, job.Payload)
	if err != nil {
		return nil, Permanent(err)
	}
	fp := payload.(*models.FileIngestPayload)

	data, err := h.fetch(ctx, fp)
	if err != nil {
		return nil, err
	}

	ingestionID, err := h.svc.Ingest(ctx, fp.FileID, fp.VectorStoreID, data)
	if err != nil {
		return nil, fmt.Errorf("ingest file %s: %w", fp.FileID, err)
	}

	if h.sched != nil {
		_, err = h.sched.EnqueueAt(ctx, job.Tenant, models.PollIngestionPayload{
			IngestionID:   ingestionID,
			VectorStoreID: fp.VectorStoreID,
		}, time.Now().UTC().Add(h.pollEvery))
		if err != nil {
			return nil, fmt.Errorf("schedule status poll: %w", err)
		}
	}

	sum := sha256.Sum256(data)
	return json.Marshal(map[string]any{
		"ingestion_id": ingestionID,
		"bytes":        len(data),
		"sha256":       hex.EncodeToString(sum[:]),
	})
}

// HandleAttachFile links an ingested file to a vector store.
func (h *IngestHandler) HandleAttachFile(ctx context.Context, job models.Job) ([]byte, error) {
	payload, err := models.DecodePayload(job.Type, job.Payload)
	if err != nil {
		return nil, Permanent(err)
	}
	ap := payload.(*models.AttachFilePayload)

	if err := h.svc.Attach(ctx, ap.FileID, ap.VectorStoreID); err != nil {
		return nil, fmt.Errorf("attach file %s to store %s: %w", ap.FileID, ap.VectorStoreID, err)
	}
	return json.Marshal(map[string]string{"file_id": ap.FileID, "vector_store_id": ap.VectorStoreID})
}

// HandlePollIngestion checks ingestion progress, re-enqueuing itself while
// the ingestion is still running.
func (h *IngestHandler) HandlePollIngestion(ctx context.Context, job models.Job) ([]byte, error) {
	payload, err := models.DecodePayload(job.Type, job.Payload)
	if err != nil {
		return nil, Permanent(err)
	}
	pp := payload.(*models.PollIngestionPayload)

	state, err := h.svc.Status(ctx, pp.IngestionID)
	if err != nil {
		return nil, fmt.Errorf("poll ingestion %s: %w", pp.IngestionID, err)
	}

	switch state {
	case IngestStateCompleted:
		return json.Marshal(map[string]string{"ingestion_id": pp.IngestionID, "state": state})
	case IngestStateFailed:
		return nil, Permanent(fmt.Errorf("ingestion %s failed", pp.IngestionID))
	case IngestStateInProgress:
		if pp.Polls+1 >= h.maxPolls {
			return nil, Permanent(fmt.Errorf("ingestion %s still running after %d polls", pp.IngestionID, h.maxPolls))
		}
		if h.sched == nil {
			return nil, errors.New("ingestion in progress and no scheduler configured")
		}
		_, err := h.sched.EnqueueAt(ctx, job.Tenant, models.PollIngestionPayload{
			IngestionID:   pp.IngestionID,
			VectorStoreID: pp.VectorStoreID,
			Polls:         pp.Polls + 1,
		}, time.Now().UTC().Add(h.pollEvery))
		if err != nil {
			return nil, fmt.Errorf("schedule next poll: %w", err)
		}
		return json.Marshal(map[string]any{"ingestion_id": pp.IngestionID, "state": state, "polls": pp.Polls + 1})
	default:
		return nil, Permanent(fmt.Errorf("unknown ingestion state %q", state))
	}
}

func (h *IngestHandler) fetch(ctx context.Context, fp *models.FileIngestPayload) ([]byte, error) {
	if fp.SourceBucket != "" && fp.SourceKey != "" {
		if h.s3 == nil {
			return nil, Permanent(errors.New("s3 source requested but INGEST_S3_BUCKET is not configured"))
		}
		out, err := h.s3.GetObject(ctx, &s3.GetObjectInput{
			Bucket: aws.String(fp.SourceBucket),
			Key:    aws.String(fp.SourceKey),
		})
		if err != nil {
			return nil, fmt.Errorf("get s3 object %s/%s: %w", fp.SourceBucket, fp.SourceKey, err)
		}
		defer out.Body.Close()
		return h.readBounded(out.Body)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, fp.SourceURL, nil)
	if err != nil {
		return nil, Permanent(fmt.Errorf("build request: %w", err))
	}
	resp, err := h.httpClient.Do(req)
	if err != nil {
		return nil, fmt.Errorf("download source: %w", err)
	}
	defer resp.Body.Close()
	if resp.StatusCode >= http.StatusBadRequest {
		err := fmt.Errorf("download source: status %d", resp.StatusCode)
		if resp.StatusCode >= 400 && resp.StatusCode < 500 && resp.StatusCode != http.StatusTooManyRequests {
			return nil, Permanent(err)
		}
		return nil, err
	}
	return h.readBounded(resp.Body)
}

func (h *IngestHandler) readBounded(r io.Reader) ([]byte, error) {
	limit := h.maxBytes
	if limit == 0 {
		limit = 50 * 1024 * 1024
	}
	var buf bytes.Buffer
	n, err := io.Copy(&buf, io.LimitReader(r, limit+1))
	if err != nil {
		return nil, fmt.Errorf("read source: %w", err)
	}
	if n > limit {
		return nil, Permanent(fmt.Errorf("source too large (>%d bytes)", limit))
	}
	return buf.Bytes(), nil
}
