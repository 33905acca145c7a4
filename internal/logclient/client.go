// Package logclient is a thin typed wrapper over the durable append-only log
// service every other component builds on. It owns nothing itself: no
// retries beyond what net/http gives for free, no caching, no business
// logic. Callers decide how to interpret status codes.
package logclient

import (
	"bytes"
	"context"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strconv"
	"time"
)

// Client talks to the external log service identified by CoreURL.
type Client interface {
	// PutStream idempotently creates a stream. A 409 response is reported as
	// ok=true, status=409 so callers can treat "already exists" as success.
	PutStream(ctx context.Context, doKey string, opts PutOptions) (*StatusResult, error)

	// PostStream appends payload to a stream.
	PostStream(ctx context.Context, doKey string, payload []byte, contentType string, producer *ProducerID) (*AppendResult, error)

	// HeadStream checks existence and returns response headers.
	HeadStream(ctx context.Context, doKey string) (*StatusResult, error)

	// DeleteStream removes a stream. A 404 response is reported as ok=true.
	DeleteStream(ctx context.Context, doKey string) (*StatusResult, error)

	// ReadStream performs a read against the stream, returning the raw HTTP
	// response so the edge cache layer can inspect headers and stream the
	// body without an intermediate buffer.
	ReadStream(ctx context.Context, doKey string, query url.Values) (*http.Response, error)
}

// PutOptions configures a PutStream call.
type PutOptions struct {
	ContentType  string
	ExpiresAtMs  int64 // 0 means no expiry header sent
}

// ProducerID is the idempotency triple forwarded to the log on append.
type ProducerID struct {
	ID    string
	Epoch string
	Seq   string
}

// StatusResult is the outcome of a non-append call.
type StatusResult struct {
	OK      bool
	Status  int
	Headers http.Header
}

// AppendResult is the outcome of PostStream.
type AppendResult struct {
	OK         bool
	Status     int
	NextOffset string
	Body       []byte
}

type httpClient struct {
	baseURL    string
	authToken  string
	httpClient *http.Client
}

// New constructs a Client against coreURL, using authToken as a bearer
// credential on every outbound request if non-empty.
func New(coreURL, authToken string) Client {
	return &httpClient{
		baseURL:   coreURL,
		authToken: authToken,
		httpClient: &http.Client{
			Timeout: 30 * time.Second,
		},
	}
}

func (c *httpClient) streamURL(doKey string, query url.Values) string {
	u := c.baseURL + "/streams/" + url.PathEscape(doKey)
	if len(query) > 0 {
		u += "?" + query.Encode()
	}
	return u
}

func (c *httpClient) newRequest(ctx context.Context, method, streamURL string, body io.Reader) (*http.Request, error) {
	req, err := http.NewRequestWithContext(ctx, method, streamURL, body)
	if err != nil {
		return nil, fmt.Errorf("logclient: build request: %w", err)
	}
	if c.authToken != "" {
		req.Header.Set("Authorization", "Bearer "+c.authToken)
	}
	return req, nil
}

func (c *httpClient) PutStream(ctx context.Context, doKey string, opts PutOptions) (*StatusResult, error) {
	req, err := c.newRequest(ctx, http.MethodPut, c.streamURL(doKey, nil), nil)
	if err != nil {
		return nil, err
	}
	if opts.ContentType != "" {
		req.Header.Set("Content-Type", opts.ContentType)
	}
	if opts.ExpiresAtMs > 0 {
		req.Header.Set("X-Stream-Expires-At", strconv.FormatInt(opts.ExpiresAtMs, 10))
	}

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return nil, fmt.Errorf("logclient: put stream %s: %w", doKey, err)
	}
	defer resp.Body.Close()
	io.Copy(io.Discard, resp.Body)

	ok := resp.StatusCode == http.StatusOK || resp.StatusCode == http.StatusCreated || resp.StatusCode == http.StatusConflict
	return &StatusResult{OK: ok, Status: resp.StatusCode, Headers: resp.Header.Clone()}, nil
}

func (c *httpClient) PostStream(ctx context.Context, doKey string, payload []byte, contentType string, producer *ProducerID) (*AppendResult, error) {
	req, err := c.newRequest(ctx, http.MethodPost, c.streamURL(doKey, nil), bytes.NewReader(payload))
	if err != nil {
		return nil, err
	}
	if contentType != "" {
		req.Header.Set("Content-Type", contentType)
	}
	if producer != nil {
		req.Header.Set("Producer-Id", producer.ID)
		req.Header.Set("Producer-Epoch", producer.Epoch)
		req.Header.Set("Producer-Seq", producer.Seq)
	}

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return nil, fmt.Errorf("logclient: post stream %s: %w", doKey, err)
	}
	defer resp.Body.Close()
	body, _ := io.ReadAll(resp.Body)

	return &AppendResult{
		OK:         resp.StatusCode >= 200 && resp.StatusCode < 300,
		Status:     resp.StatusCode,
		NextOffset: resp.Header.Get("Stream-Next-Offset"),
		Body:       body,
	}, nil
}

func (c *httpClient) HeadStream(ctx context.Context, doKey string) (*StatusResult, error) {
	req, err := c.newRequest(ctx, http.MethodHead, c.streamURL(doKey, nil), nil)
	if err != nil {
		return nil, err
	}
	resp, err := c.httpClient.Do(req)
	if err != nil {
		return nil, fmt.Errorf("logclient: head stream %s: %w", doKey, err)
	}
	defer resp.Body.Close()
	io.Copy(io.Discard, resp.Body)

	return &StatusResult{OK: resp.StatusCode == http.StatusOK, Status: resp.StatusCode, Headers: resp.Header.Clone()}, nil
}

func (c *httpClient) DeleteStream(ctx context.Context, doKey string) (*StatusResult, error) {
	req, err := c.newRequest(ctx, http.MethodDelete, c.streamURL(doKey, nil), nil)
	if err != nil {
		return nil, err
	}
	resp, err := c.httpClient.Do(req)
	if err != nil {
		return nil, fmt.Errorf("logclient: delete stream %s: %w", doKey, err)
	}
	defer resp.Body.Close()
	io.Copy(io.Discard, resp.Body)

	ok := resp.StatusCode == http.StatusOK || resp.StatusCode == http.StatusNoContent || resp.StatusCode == http.StatusNotFound
	return &StatusResult{OK: ok, Status: resp.StatusCode, Headers: resp.Header.Clone()}, nil
}

func (c *httpClient) ReadStream(ctx context.Context, doKey string, query url.Values) (*http.Response, error) {
	req, err := c.newRequest(ctx, http.MethodGet, c.streamURL(doKey, query), nil)
	if err != nil {
		return nil, err
	}
	resp, err := c.httpClient.Do(req)
	if err != nil {
		return nil, fmt.Errorf("logclient: read stream %s: %w", doKey, err)
	}
	return resp, nil
}

// DoKey builds the "project/streamId" addressing scheme used throughout.
func DoKey(project, streamID string) string {
	return project + "/" + streamID
}

// SessionStreamID builds the "session:{sessionId}" stream id convention.
func SessionStreamID(sessionID string) string {
	return "session:" + sessionID
}
