// Package backend talks to the vehicle detection service.
package backend

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"mime/multipart"
	"net/http"
	"net/textproto"
	"path/filepath"
	"strings"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"

	"github.com/dj-oyu/vehicle-counter/web-form/pkg/types"
)

const (
	// DefaultEndpoint is where the detection service listens in local setups.
	DefaultEndpoint = "http://localhost:8000/process-video/"

	// FileField is the multipart part name the service reads the video from.
	FileField = "file"

	maxErrorBody = 512
	maxBody      = 1 << 20
)

// ErrMalformedResponse is returned when a 2xx body is not a valid counts object.
var ErrMalformedResponse = errors.New("malformed response from detection service")

// StatusError reports a non-2xx reply.
type StatusError struct {
	StatusCode int
	Detail     string
}

func (e *StatusError) Error() string {
	if e.Detail == "" {
		return fmt.Sprintf("detection service returned %d %s", e.StatusCode, http.StatusText(e.StatusCode))
	}
	return fmt.Sprintf("detection service returned %d: %s", e.StatusCode, e.Detail)
}

// Config configures a Client.
type Config struct {
	Endpoint string
	// Timeout bounds the whole exchange. Zero waits for the transport to give up.
	Timeout time.Duration
}

// Client uploads videos to the detection service.
type Client struct {
	endpoint string
	http     *http.Client
}

// NewClient returns a client for cfg. A nil httpClient uses a fresh one.
func NewClient(cfg Config, httpClient *http.Client) *Client {
	if cfg.Endpoint == "" {
		cfg.Endpoint = DefaultEndpoint
	}
	if httpClient == nil {
		httpClient = &http.Client{}
	}
	if cfg.Timeout > 0 {
		c := *httpClient
		c.Timeout = cfg.Timeout
		httpClient = &c
	}
	return &Client{endpoint: cfg.Endpoint, http: httpClient}
}

// Endpoint returns the URL videos are posted to.
func (c *Client) Endpoint() string {
	return c.endpoint
}

// Process uploads one video and returns the service's up/down tally.
func (c *Client) Process(ctx context.Context, filename string, video io.Reader) (counts types.Counts, err error) {
	ctx, span := otel.Tracer("backend").Start(ctx, "backend.Process")
	span.SetAttributes(
		attribute.String("video.filename", filename),
		attribute.String("backend.endpoint", c.endpoint),
	)
	defer func() {
		if err != nil {
			span.RecordError(err)
			span.SetStatus(codes.Error, err.Error())
		}
		span.End()
	}()

	body, contentType := multipartBody(filename, video)
	defer body.Close()

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.endpoint, body)
	if err != nil {
		return types.Counts{}, fmt.Errorf("build request: %w", err)
	}
	req.Header.Set("Content-Type", contentType)
	req.Header.Set("Accept", "application/json")

	resp, err := c.http.Do(req)
	if err != nil {
		return types.Counts{}, fmt.Errorf("post video: %w", err)
	}
	defer resp.Body.Close()
	span.SetAttributes(attribute.Int("http.status_code", resp.StatusCode))

	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		raw, _ := io.ReadAll(io.LimitReader(resp.Body, maxErrorBody))
		return types.Counts{}, &StatusError{StatusCode: resp.StatusCode, Detail: errorDetail(raw)}
	}

	raw, err := io.ReadAll(io.LimitReader(resp.Body, maxBody))
	if err != nil {
		return types.Counts{}, fmt.Errorf("read response: %w", err)
	}
	counts, err = types.DecodeCounts(raw)
	if err != nil {
		return types.Counts{}, fmt.Errorf("%w: %w", ErrMalformedResponse, err)
	}
	span.SetAttributes(attribute.Int("counts.up", counts.Up), attribute.Int("counts.down", counts.Down))
	return counts, nil
}

// multipartBody streams a single-part form through a pipe so large videos are
// never buffered in memory.
func multipartBody(filename string, video io.Reader) (io.ReadCloser, string) {
	pr, pw := io.Pipe()
	mw := multipart.NewWriter(pw)

	go func() {
		part, err := mw.CreatePart(fileHeader(filename))
		if err == nil {
			_, err = io.Copy(part, video)
		}
		if err == nil {
			err = mw.Close()
		}
		pw.CloseWithError(err)
	}()

	return pr, mw.FormDataContentType()
}

var quoteEscaper = strings.NewReplacer("\\", "\\\\", `"`, "\\\"")

func fileHeader(filename string) textproto.MIMEHeader {
	h := make(textproto.MIMEHeader)
	h.Set("Content-Disposition",
		fmt.Sprintf(`form-data; name="%s"; filename="%s"`, FileField, quoteEscaper.Replace(filename)))
	h.Set("Content-Type", PartContentType(filename))
	return h
}

// PartContentType guesses the part type from the file extension.
func PartContentType(filename string) string {
	if strings.EqualFold(filepath.Ext(filename), ".mp4") {
		return "video/mp4"
	}
	return "application/octet-stream"
}

// errorDetail pulls the message out of a {"detail": ...} error body and falls
// back to the trimmed raw text.
func errorDetail(raw []byte) string {
	var payload struct {
		Detail any `json:"detail"`
	}
	if err := json.Unmarshal(raw, &payload); err == nil && payload.Detail != nil {
		if s, ok := payload.Detail.(string); ok {
			return s
		}
		if b, err := json.Marshal(payload.Detail); err == nil {
			return string(b)
		}
	}
	return strings.TrimSpace(string(raw))
}
