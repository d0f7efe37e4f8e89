package comfyui

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/taskmgr818/stargraph-broker/internal/apperr"
)

const maxResponseBody = 1 << 20 // 1 MB

// Client calls the worker's HTTP API.
type Client struct {
	baseURL    string
	clientID   string
	httpClient *http.Client
}

// NewClient creates a worker client. clientID is the process-wide caller
// identifier the worker uses to route callbacks to our listener.
func NewClient(baseURL, clientID string, timeout time.Duration) *Client {
	return &Client{
		baseURL:    strings.TrimRight(baseURL, "/"),
		clientID:   clientID,
		httpClient: &http.Client{Timeout: timeout},
	}
}

// ClientID returns the caller identifier sent with every submission.
func (c *Client) ClientID() string {
	return c.clientID
}

type promptRequest struct {
	ClientID string          `json:"client_id"`
	Prompt   json.RawMessage `json:"prompt"`
}

type promptResponse struct {
	PromptID   string          `json:"prompt_id"`
	Number     int             `json:"number"`
	NodeErrors json.RawMessage `json:"node_errors,omitempty"`
}

// Submit queues payload on the worker and returns the worker-assigned
// prompt id. Every failure is an apperr.ErrWorkerSubmissionFailed.
func (c *Client) Submit(ctx context.Context, payload json.RawMessage) (string, error) {
	body, err := json.Marshal(promptRequest{ClientID: c.clientID, Prompt: payload})
	if err != nil {
		return "", apperr.Wrap(apperr.KindWorkerSubmissionFailed, "encode prompt", err)
	}

	resp, err := c.do(ctx, http.MethodPost, "/prompt", body)
	if err != nil {
		return "", apperr.Wrap(apperr.KindWorkerSubmissionFailed, "post /prompt", err)
	}
	defer resp.Body.Close()

	data, err := io.ReadAll(io.LimitReader(resp.Body, maxResponseBody))
	if err != nil {
		return "", apperr.Wrap(apperr.KindWorkerSubmissionFailed, "read /prompt response", err)
	}
	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		return "", apperr.Wrap(apperr.KindWorkerSubmissionFailed, "post /prompt",
			fmt.Errorf("status %d: %s", resp.StatusCode, truncate(data, 256)))
	}

	var pr promptResponse
	if err := json.Unmarshal(data, &pr); err != nil {
		return "", apperr.Wrap(apperr.KindWorkerSubmissionFailed, "decode /prompt response", err)
	}
	if pr.PromptID == "" {
		return "", apperr.New(apperr.KindWorkerSubmissionFailed, "worker response missing prompt_id")
	}
	return pr.PromptID, nil
}

// Interrupt asks the worker to stop whatever it is executing. Safe to retry.
func (c *Client) Interrupt(ctx context.Context) error {
	resp, err := c.do(ctx, http.MethodPost, "/interrupt", nil)
	if err != nil {
		return fmt.Errorf("post /interrupt: %w", err)
	}
	defer resp.Body.Close()
	io.Copy(io.Discard, io.LimitReader(resp.Body, maxResponseBody))

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		return fmt.Errorf("post /interrupt: status %d", resp.StatusCode)
	}
	return nil
}

// ArtifactURL builds the public view URL of a generated image.
func (c *Client) ArtifactURL(img Image) string {
	q := url.Values{}
	q.Set("filename", img.Filename)
	q.Set("type", img.Type)
	q.Set("subfolder", img.Subfolder)
	return c.baseURL + "/view?" + q.Encode()
}

func (c *Client) do(ctx context.Context, method, path string, body []byte) (*http.Response, error) {
	var reader io.Reader
	if body != nil {
		reader = bytes.NewReader(body)
	}
	req, err := http.NewRequestWithContext(ctx, method, c.baseURL+path, reader)
	if err != nil {
		return nil, err
	}
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	return c.httpClient.Do(req)
}

func truncate(b []byte, n int) string {
	if len(b) > n {
		return string(b[:n]) + "..."
	}
	return string(b)
}
