// Package platform is the thin HTTP adapter to the surrounding platform's
// ingestion and prompt services. The subsystem only depends on the worker
// interfaces; this client exists so the worker binary runs against a real
// deployment.
package platform

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"time"
)

// Client calls the platform's internal REST API.
type Client struct {
	baseURL    string
	httpClient *http.Client
}

func NewClient(baseURL string) *Client {
	return &Client{
		baseURL:    baseURL,
		httpClient: &http.Client{Timeout: 30 * time.Second},
	}
}

func (c *Client) Ingest(ctx context.Context, fileID, vectorStoreID string, data []byte) (string, error) {
	var out struct {
		IngestionID string `json:"ingestion_id"`
	}
	err := c.post(ctx, fmt.Sprintf("/internal/vector-stores/%s/ingest?file_id=%s", vectorStoreID, fileID), data, &out)
	if err != nil {
		return "", err
	}
	return out.IngestionID, nil
}

func (c *Client) Attach(ctx context.Context, fileID, vectorStoreID string) error {
	body, _ := json.Marshal(map[string]string{"file_id": fileID})
	return c.post(ctx, fmt.Sprintf("/internal/vector-stores/%s/files", vectorStoreID), body, nil)
}

func (c *Client) Status(ctx context.Context, ingestionID string) (string, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, c.baseURL+"/internal/ingestions/"+ingestionID, nil)
	if err != nil {
		return "", err
	}
	resp, err := c.httpClient.Do(req)
	if err != nil {
		return "", fmt.Errorf("get ingestion status: %w", err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		return "", fmt.Errorf("get ingestion status: status %d", resp.StatusCode)
	}
	var out struct {
		State string `json:"state"`
	}
	if err := json.NewDecoder(resp.Body).Decode(&out); err != nil {
		return "", fmt.Errorf("decode ingestion status: %w", err)
	}
	return out.State, nil
}

func (c *Client) CreateVersion(ctx context.Context, promptID, body, createdBy string) (int, error) {
	payload, _ := json.Marshal(map[string]string{"body": body, "created_by": createdBy})
	var out struct {
		Version int `json:"version"`
	}
	if err := c.post(ctx, "/internal/prompts/"+promptID+"/versions", payload, &out); err != nil {
		return 0, err
	}
	return out.Version, nil
}

func (c *Client) post(ctx context.Context, path string, body []byte, out any) error {
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.baseURL+path, bytes.NewReader(body))
	if err != nil {
		return err
	}
	req.Header.Set("Content-Type", "application/json")
	resp, err := c.httpClient.Do(req)
	if err != nil {
		return fmt.Errorf("post %s: %w", path, err)
	}
	defer resp.Body.Close()
	if resp.StatusCode >= http.StatusBadRequest {
		snippet, _ := io.ReadAll(io.LimitReader(resp.Body, 512))
		return fmt.Errorf("post %s: status %d: %s", path, resp.StatusCode, snippet)
	}
	if out == nil {
		return nil
	}
	if err := json.NewDecoder(resp.Body).Decode(out); err != nil {
		return fmt.Errorf("decode %s response: %w", path, err)
	}
	return nil
}
