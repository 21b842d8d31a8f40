// Package worker talks to the remote Strift worker that trains avatars, runs
// inference and performs virtual try-on.
package worker

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"mime/multipart"
	"net"
	"net/http"
	"net/textproto"
	"net/url"
	"os"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/kiranshivaraju/strift/pkg/models"
)

// maxErrorBody bounds how much of an error response is kept as the server message.
const maxErrorBody = 4 << 10

// ErrReadMedia reports a local file that could not be read into an upload.
// It is the caller's input error, so no request was sent.
var ErrReadMedia = errors.New("cannot read media for upload")

// Client is the interface for the remote worker.
// Every error it returns is a *models.JobError, except ErrReadMedia.
type Client interface {
	// SubmitMultipart posts form fields and files to the kind's upload endpoint.
	SubmitMultipart(ctx context.Context, kind models.JobKind, fields map[string]string, files []FilePart) (*SubmitResponse, error)
	// SubmitJSON posts a JSON body to the kind's upload endpoint.
	SubmitJSON(ctx context.Context, kind models.JobKind, body any) (*SubmitResponse, error)
	// JobStatus fetches the current status of a job from the kind's status endpoint.
	JobStatus(ctx context.Context, handle models.JobHandle) (*StatusResponse, error)
	// ListUserJobs returns every job the worker knows for a user.
	ListUserJobs(ctx context.Context, userID string) ([]models.UserJob, error)
}

// FilePart is one file of a multipart submission. Exactly one of Data or Path is used.
type FilePart struct {
	Field       string
	FileName    string
	ContentType string
	Data        []byte
	Path        string
}

// SubmitResponse is the worker's answer to an upload.
type SubmitResponse struct {
	JobID   string `json:"job_id"`
	Status  string `json:"status"`
	Message string `json:"message,omitempty"`
}

// StatusResponse covers the status, inference and try-on result payloads; which
// fields are set depends on the job kind.
type StatusResponse struct {
	JobID     string   `json:"job_id"`
	Status    string   `json:"status"`
	Progress  string   `json:"progress,omitempty"`
	Images    []string `json:"images,omitempty"`
	OutputURL string   `json:"output_url,omitempty"`
	Error     string   `json:"error,omitempty"`
	Message   string   `json:"message,omitempty"`
}

// Options configures an HTTPClient.
type Options struct {
	BaseURL       string
	APIKey        string
	UploadTimeout time.Duration
	HTTPClient    *http.Client
}

// HTTPClient implements Client over the worker's REST API.
type HTTPClient struct {
	baseURL       string
	apiKey        string
	uploadTimeout time.Duration
	client        *http.Client
}

// NewHTTPClient creates a worker client. Per-request deadlines come from the
// caller's context; UploadTimeout caps submissions that carry no deadline.
func NewHTTPClient(opts Options) *HTTPClient {
	client := opts.HTTPClient
	if client == nil {
		client = &http.Client{}
	}
	timeout := opts.UploadTimeout
	if timeout <= 0 {
		timeout = 2 * time.Minute
	}
	return &HTTPClient{
		baseURL:       strings.TrimRight(opts.BaseURL, "/"),
		apiKey:        strings.TrimSpace(opts.APIKey),
		uploadTimeout: timeout,
		client:        client,
	}
}

func (c *HTTPClient) SubmitMultipart(ctx context.Context, kind models.JobKind, fields map[string]string, files []FilePart) (*SubmitResponse, error) {
	body := &bytes.Buffer{}
	mw := multipart.NewWriter(body)
	for k, v := range fields {
		if err := mw.WriteField(k, v); err != nil {
			return nil, models.NewJobError(models.FailureTransport, "encoding form field", err)
		}
	}
	for _, f := range files {
		if err := writeFilePart(mw, f); err != nil {
			return nil, err
		}
	}
	if err := mw.Close(); err != nil {
		return nil, models.NewJobError(models.FailureTransport, "encoding multipart body", err)
	}

	return c.submit(ctx, kind, body, mw.FormDataContentType())
}

func (c *HTTPClient) SubmitJSON(ctx context.Context, kind models.JobKind, payload any) (*SubmitResponse, error) {
	b, err := json.Marshal(payload)
	if err != nil {
		return nil, models.NewJobError(models.FailureProtocol, "encoding request body", err)
	}
	return c.submit(ctx, kind, bytes.NewReader(b), "application/json")
}

func (c *HTTPClient) submit(ctx context.Context, kind models.JobKind, body io.Reader, contentType string) (*SubmitResponse, error) {
	if _, ok := ctx.Deadline(); !ok {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, c.uploadTimeout)
		defer cancel()
	}

	u := fmt.Sprintf("%s/%s/upload", c.baseURL, kind)
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, u, body)
	if err != nil {
		return nil, models.NewJobError(models.FailureTransport, "building request", err)
	}
	req.Header.Set("Content-Type", contentType)
	req.Header.Set("X-Request-ID", uuid.NewString())

	var out SubmitResponse
	if err := c.do(req, &out); err != nil {
		return nil, err
	}
	return &out, nil
}

func (c *HTTPClient) JobStatus(ctx context.Context, handle models.JobHandle) (*StatusResponse, error) {
	u := c.statusURL(handle)
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, u, nil)
	if err != nil {
		return nil, models.NewJobError(models.FailureTransport, "building request", err)
	}

	var out StatusResponse
	if err := c.do(req, &out); err != nil {
		return nil, err
	}
	return &out, nil
}

func (c *HTTPClient) ListUserJobs(ctx context.Context, userID string) ([]models.UserJob, error) {
	u := fmt.Sprintf("%s/jobs?%s", c.baseURL, url.Values{"user_id": {userID}}.Encode())
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, u, nil)
	if err != nil {
		return nil, models.NewJobError(models.FailureTransport, "building request", err)
	}

	var out []models.UserJob
	if err := c.do(req, &out); err != nil {
		return nil, err
	}
	if out == nil {
		return []models.UserJob{}, nil
	}
	return out, nil
}

// statusURL picks the endpoint that carries the kind's result payload.
func (c *HTTPClient) statusURL(handle models.JobHandle) string {
	id := url.PathEscape(handle.ID)
	switch handle.Kind {
	case models.KindInfer:
		return fmt.Sprintf("%s/infer/%s", c.baseURL, id)
	case models.KindVTON:
		return fmt.Sprintf("%s/vton/%s", c.baseURL, id)
	default:
		return fmt.Sprintf("%s/jobs/%s", c.baseURL, id)
	}
}

// do sends req and decodes a 2xx JSON body into out.
func (c *HTTPClient) do(req *http.Request, out any) error {
	req.Header.Set("Accept", "application/json")
	if c.apiKey != "" {
		req.Header.Set("Authorization", "Bearer "+c.apiKey)
	}

	resp, err := c.client.Do(req)
	if err != nil {
		return classifyError(err)
	}
	defer resp.Body.Close()

	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		raw, _ := io.ReadAll(io.LimitReader(resp.Body, maxErrorBody))
		return &models.JobError{
			Kind:       models.FailureRequestRejected,
			StatusCode: resp.StatusCode,
			Message:    serverMessage(raw, resp.Status),
		}
	}

	if err := json.NewDecoder(resp.Body).Decode(out); err != nil {
		if isTransportError(err) {
			return classifyError(err)
		}
		return models.NewJobError(models.FailureProtocol, "decoding worker response", err)
	}
	return nil
}

func writeFilePart(mw *multipart.Writer, f FilePart) error {
	h := make(textproto.MIMEHeader)
	h.Set("Content-Disposition", fmt.Sprintf(`form-data; name="%s"; filename="%s"`,
		escapeQuotes(f.Field), escapeQuotes(f.FileName)))
	h.Set("Content-Type", f.ContentType)

	part, err := mw.CreatePart(h)
	if err != nil {
		return models.NewJobError(models.FailureTransport, "creating form part", err)
	}

	if f.Data != nil {
		if _, err := part.Write(f.Data); err != nil {
			return models.NewJobError(models.FailureTransport, "writing form part", err)
		}
		return nil
	}

	src, err := os.Open(f.Path)
	if err != nil {
		return fmt.Errorf("%w %s: %w", ErrReadMedia, f.Path, err)
	}
	defer src.Close()
	if _, err := io.Copy(part, src); err != nil {
		return fmt.Errorf("%w %s: %w", ErrReadMedia, f.Path, err)
	}
	return nil
}

var quoteEscaper = strings.NewReplacer("\\", "\\\\", `"`, "\\\"")

func escapeQuotes(s string) string { return quoteEscaper.Replace(s) }

// serverMessage extracts a human-readable message from an error body.
func serverMessage(raw []byte, status string) string {
	var body struct {
		Message string `json:"message"`
		Error   any    `json:"error"`
		Detail  string `json:"detail"`
	}
	if json.Unmarshal(raw, &body) == nil {
		switch {
		case body.Message != "":
			return body.Message
		case body.Detail != "":
			return body.Detail
		}
		switch e := body.Error.(type) {
		case string:
			if e != "" {
				return e
			}
		case map[string]any:
			if m, ok := e["message"].(string); ok && m != "" {
				return m
			}
		}
	}
	if msg := strings.TrimSpace(string(raw)); msg != "" {
		return msg
	}
	return status
}

// classifyError maps transport-level errors to a transport JobError.
func classifyError(err error) error {
	if errors.Is(err, context.DeadlineExceeded) {
		return models.NewJobError(models.FailureTransport, "worker request timed out", err)
	}
	var netErr net.Error
	if errors.As(err, &netErr) && netErr.Timeout() {
		return models.NewJobError(models.FailureTransport, "worker request timed out", err)
	}
	return models.NewJobError(models.FailureTransport, "worker unreachable", err)
}

// isTransportError reports whether a body read failed because the connection did.
func isTransportError(err error) bool {
	if errors.Is(err, context.DeadlineExceeded) || errors.Is(err, context.Canceled) {
		return true
	}
	var netErr net.Error
	return errors.As(err, &netErr)
}

// Compile-time check that HTTPClient implements Client.
var _ Client = (*HTTPClient)(nil)
