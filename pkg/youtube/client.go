package youtube

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"mime/multipart"
	"net/http"
	"net/textproto"
	"net/url"
	"strconv"
	"strings"
	"time"

	"golang.org/x/time/rate"
)

// Client talks to the YouTube upload endpoints. A Client holds no
// per-transfer state and can be shared by concurrent upload sessions.
type Client struct {
	httpClient    *http.Client
	uploadBaseURL string
	limiter       *rate.Limiter
	logger        Logger
}

// NewClient creates a Client. httpClient is expected to attach credentials,
// typically via oauth2.NewClient with Authorizer.TokenSource.
func NewClient(httpClient *http.Client, logger Logger) *Client {
	if httpClient == nil {
		httpClient = &http.Client{Timeout: DefaultTimeout}
	}
	return &Client{
		httpClient:    httpClient,
		uploadBaseURL: DefaultUploadBaseURL,
		logger:        orNoop(logger),
	}
}

// SetUploadBaseURL overrides the upload endpoint. An empty value keeps the
// current setting. Used for testing against a local server.
func (c *Client) SetUploadBaseURL(uploadBaseURL string) {
	if uploadBaseURL != "" {
		c.uploadBaseURL = strings.TrimRight(uploadBaseURL, "/")
	}
}

// SetRateLimit caps the request rate of this client. A non-positive value
// removes the cap.
func (c *Client) SetRateLimit(requestsPerSecond float64) {
	if requestsPerSecond <= 0 {
		c.limiter = nil
		return
	}
	c.limiter = rate.NewLimiter(rate.Limit(requestsPerSecond), 1)
}

// UploadRequest describes the resource an upload creates.
type UploadRequest struct {
	// Path is the resource path below the upload base URL, e.g. "/videos".
	Path        string
	Params      url.Values
	Metadata    any
	ContentType string
}

// chunkResult is the remote endpoint's answer to a chunk or status query.
type chunkResult struct {
	complete  bool
	confirmed int64
	body      []byte
}

func (c *Client) do(ctx context.Context, req *http.Request) (*http.Response, error) {
	if c.limiter != nil {
		if err := c.limiter.Wait(ctx); err != nil {
			return nil, err
		}
	}
	return c.httpClient.Do(req)
}

func (c *Client) uploadURL(req UploadRequest, uploadType string) string {
	params := url.Values{}
	for k, v := range req.Params {
		params[k] = v
	}
	params.Set("uploadType", uploadType)
	return c.uploadBaseURL + req.Path + "?" + params.Encode()
}

// initiate opens a resumable session and returns its URI.
func (c *Client) initiate(ctx context.Context, req UploadRequest, total int64) (string, error) {
	var body io.Reader = http.NoBody
	if req.Metadata != nil {
		data, err := json.Marshal(req.Metadata)
		if err != nil {
			return "", fmt.Errorf("encoding upload metadata: %w", err)
		}
		body = bytes.NewReader(data)
	}

	httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost, c.uploadURL(req, "resumable"), body)
	if err != nil {
		return "", fmt.Errorf("creating initiation request: %w", err)
	}
	if req.Metadata != nil {
		httpReq.Header.Set("Content-Type", "application/json; charset=UTF-8")
	}
	httpReq.Header.Set("X-Upload-Content-Type", req.ContentType)
	if total != SizeUnknown {
		httpReq.Header.Set("X-Upload-Content-Length", strconv.FormatInt(total, 10))
	}

	c.logger.Debug("initiating resumable upload", "path", req.Path, "total", total)
	res, err := c.do(ctx, httpReq)
	if err != nil {
		return "", err
	}
	defer closeBodySafely(res.Body, c.logger, "initiation")

	if res.StatusCode != http.StatusOK && res.StatusCode != http.StatusCreated {
		return "", newStatusError(res)
	}
	location := res.Header.Get("Location")
	if location == "" {
		return "", ErrMissingSessionURI
	}
	return location, nil
}

// putChunk sends data as the bytes at offset of a payload of size total.
func (c *Client) putChunk(ctx context.Context, sessionURI string, data []byte, offset, total int64) (*chunkResult, error) {
	httpReq, err := http.NewRequestWithContext(ctx, http.MethodPut, sessionURI, bytes.NewReader(data))
	if err != nil {
		return nil, fmt.Errorf("creating chunk request: %w", err)
	}
	httpReq.ContentLength = int64(len(data))
	httpReq.Header.Set("Content-Range", contentRange(offset, int64(len(data)), total))

	c.logger.Debugf("uploading chunk %s", httpReq.Header.Get("Content-Range"))
	return c.sendSessionRequest(ctx, httpReq, "chunk")
}

// queryStatus asks how many bytes of the session the server holds.
func (c *Client) queryStatus(ctx context.Context, sessionURI string, total int64) (*chunkResult, error) {
	httpReq, err := http.NewRequestWithContext(ctx, http.MethodPut, sessionURI, http.NoBody)
	if err != nil {
		return nil, fmt.Errorf("creating status request: %w", err)
	}
	httpReq.ContentLength = 0
	httpReq.Header.Set("Content-Range", contentRange(0, 0, total))

	c.logger.Debug("querying upload status")
	return c.sendSessionRequest(ctx, httpReq, "status query")
}

func (c *Client) sendSessionRequest(ctx context.Context, httpReq *http.Request, operation string) (*chunkResult, error) {
	res, err := c.do(ctx, httpReq)
	if err != nil {
		return nil, err
	}
	defer closeBodySafely(res.Body, c.logger, operation)

	switch res.StatusCode {
	case http.StatusOK, http.StatusCreated:
		body, err := io.ReadAll(res.Body)
		if err != nil {
			return nil, fmt.Errorf("reading final response: %w", err)
		}
		return &chunkResult{complete: true, body: body}, nil
	case StatusResumeIncomplete:
		confirmed, err := parseRangeHeader(res.Header.Get("Range"))
		if err != nil {
			return nil, err
		}
		return &chunkResult{confirmed: confirmed}, nil
	default:
		return nil, newStatusError(res)
	}
}

// cancel deletes a resumable session on the server.
func (c *Client) cancel(ctx context.Context, sessionURI string) error {
	httpReq, err := http.NewRequestWithContext(ctx, http.MethodDelete, sessionURI, http.NoBody)
	if err != nil {
		return fmt.Errorf("creating cancel request: %w", err)
	}
	res, err := c.do(ctx, httpReq)
	if err != nil {
		return err
	}
	defer closeBodySafely(res.Body, c.logger, "cancel")

	switch {
	case res.StatusCode == StatusClientClosedRequest, res.StatusCode >= 200 && res.StatusCode < 300:
		return nil
	case res.StatusCode == http.StatusNotFound, res.StatusCode == http.StatusGone:
		// Already gone.
		return nil
	default:
		return newStatusError(res)
	}
}

// uploadDirect sends metadata and media in one multipart/related request.
func (c *Client) uploadDirect(ctx context.Context, req UploadRequest, media []byte) ([]byte, error) {
	var body bytes.Buffer
	mw := multipart.NewWriter(&body)

	if req.Metadata != nil {
		part, err := mw.CreatePart(textproto.MIMEHeader{"Content-Type": {"application/json; charset=UTF-8"}})
		if err != nil {
			return nil, err
		}
		if err := json.NewEncoder(part).Encode(req.Metadata); err != nil {
			return nil, fmt.Errorf("encoding upload metadata: %w", err)
		}
	}
	part, err := mw.CreatePart(textproto.MIMEHeader{"Content-Type": {req.ContentType}})
	if err != nil {
		return nil, err
	}
	if _, err := part.Write(media); err != nil {
		return nil, err
	}
	if err := mw.Close(); err != nil {
		return nil, err
	}

	httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost, c.uploadURL(req, "multipart"), bytes.NewReader(body.Bytes()))
	if err != nil {
		return nil, fmt.Errorf("creating direct upload request: %w", err)
	}
	httpReq.Header.Set("Content-Type", "multipart/related; boundary="+mw.Boundary())

	c.logger.Debug("uploading directly", "path", req.Path, "size", len(media))
	res, err := c.do(ctx, httpReq)
	if err != nil {
		return nil, err
	}
	defer closeBodySafely(res.Body, c.logger, "direct upload")

	if res.StatusCode != http.StatusOK && res.StatusCode != http.StatusCreated {
		return nil, newStatusError(res)
	}
	return io.ReadAll(res.Body)
}

// parseRangeHeader turns "bytes=0-N" into N+1. An empty header means
// nothing was received.
func parseRangeHeader(value string) (int64, error) {
	if value == "" {
		return 0, nil
	}
	rng, ok := strings.CutPrefix(value, "bytes=")
	if !ok {
		return 0, fmt.Errorf("%w: malformed Range header %q", ErrRangeMismatch, value)
	}
	start, end, ok := strings.Cut(rng, "-")
	if !ok || start != "0" {
		return 0, fmt.Errorf("%w: malformed Range header %q", ErrRangeMismatch, value)
	}
	last, err := strconv.ParseInt(end, 10, 64)
	if err != nil || last < 0 {
		return 0, fmt.Errorf("%w: malformed Range header %q", ErrRangeMismatch, value)
	}
	return last + 1, nil
}

func newStatusError(res *http.Response) *StatusError {
	return &StatusError{
		StatusCode: res.StatusCode,
		Body:       readErrorBody(res.Body),
		RetryAfter: parseRetryAfter(res.Header.Get("Retry-After"), time.Now()),
	}
}

// closeBodySafely closes an HTTP response body and logs any error.
func closeBodySafely(body io.Closer, logger Logger, operation string) {
	if err := body.Close(); err != nil {
		logger.Warnf("Failed to close %s body: %v", operation, err)
	}
}

// readErrorBody reads a bounded prefix of an error response body.
func readErrorBody(body io.Reader) string {
	if body == nil {
		return ""
	}
	data, err := io.ReadAll(io.LimitReader(body, maxErrorBodySize))
	if err != nil {
		return ""
	}
	return strings.TrimSpace(string(data))
}
