package stream

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"net/http"

	"github.com/opendx-health/opendx/internal/errors"
)

// ErrUnauthorized is returned when the backend rejects the request before
// streaming begins because the caller's token is missing, expired or invalid.
var ErrUnauthorized = errors.NewSentinel("unauthorized")

// SubmitRequest is the body posted to open a diagnosis stream.
type SubmitRequest struct {
	Question string `json:"question"`
	CaseID   string `json:"case_id,omitempty"`
}

// Transport opens a diagnosis stream and hands back its byte reader. The
// session owns closing the reader.
type Transport interface {
	Open(ctx context.Context, req SubmitRequest) (io.ReadCloser, error)
}

// HTTPTransport opens streams against the OpenDx API with a Bearer token.
type HTTPTransport struct {
	baseURL string
	token   string
	client  *http.Client
}

// NewHTTPTransport creates a transport for the API at baseURL, e.g.
// "http://localhost:4000". The client deliberately has no overall timeout:
// a diagnosis stream stays open for as long as the backend keeps reasoning.
func NewHTTPTransport(baseURL, token string) *HTTPTransport {
	return &HTTPTransport{
		baseURL: baseURL,
		token:   token,
		client:  &http.Client{},
	}
}

// Open issues the streaming request. A 401 maps to [ErrUnauthorized]; any
// other non-2xx status is a generic open failure.
func (t *HTTPTransport) Open(ctx context.Context, submitReq SubmitRequest) (io.ReadCloser, error) {
	body, err := json.Marshal(submitReq)
	if err != nil {
		return nil, errors.Wrap(err, "marshal submit request")
	}

	url := t.baseURL + "/api/cases/stream"
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, url, bytes.NewReader(body))
	if err != nil {
		return nil, errors.Wrap(err, "create request", slog.String("url", url))
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("Accept", "text/event-stream")
	req.Header.Set("Authorization", fmt.Sprintf("Bearer %s", t.token))

	resp, err := t.client.Do(req)
	if err != nil {
		return nil, errors.Wrap(err, "open stream", slog.String("url", url))
	}
	if resp.StatusCode == http.StatusUnauthorized {
		_ = resp.Body.Close()
		return nil, errors.Wrap(ErrUnauthorized, "open stream")
	}
	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		_ = resp.Body.Close()
		return nil, errors.New("open stream", slog.Int("status", resp.StatusCode))
	}

	return resp.Body, nil
}
