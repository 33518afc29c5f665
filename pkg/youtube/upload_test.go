package youtube

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"mime"
	"mime/multipart"
	"net/http"
	"net/http/httptest"
	"strconv"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

const fakeSessionPath = "/session/abc123"

// fakeUploadServer implements the resumable upload protocol in memory.
type fakeUploadServer struct {
	t   *testing.T
	srv *httptest.Server

	mu            sync.Mutex
	received      []byte
	total         int64
	initiations   int
	initMetadata  map[string]any
	initType      string
	chunkRanges   []string
	emptyPuts     int
	failuresAt    map[int64]int
	gone          bool
	directPayload []byte

	// initStatus, when non-zero, fails initiation with that status.
	initStatus int
	// failChunk returns a status to fail a data PUT with, or 0. n counts
	// previous failures at the same offset.
	failChunk func(offset int64, n int) int
	// storeBeforeFail keeps the bytes of a failed PUT, as if only the
	// response was lost.
	storeBeforeFail bool
	// partialAck, when positive, makes the next data PUT keep only that
	// many bytes.
	partialAck int64
	// stall delays the first data PUT by this long and then drops it.
	stall time.Duration
}

func newFakeUploadServer(t *testing.T) *fakeUploadServer {
	f := &fakeUploadServer{t: t, total: SizeUnknown, failuresAt: make(map[int64]int)}
	f.srv = httptest.NewServer(http.HandlerFunc(f.handle))
	t.Cleanup(f.srv.Close)
	return f
}

func (f *fakeUploadServer) client() *Client {
	c := NewClient(f.srv.Client(), nil)
	c.SetUploadBaseURL(f.srv.URL + "/upload")
	return c
}

func (f *fakeUploadServer) sessionURI() string { return f.srv.URL + fakeSessionPath }

// set runs fn with the server state locked.
func (f *fakeUploadServer) set(fn func(f *fakeUploadServer)) {
	f.mu.Lock()
	defer f.mu.Unlock()
	fn(f)
}

type fakeSnapshot struct {
	received      []byte
	ranges        []string
	emptyPuts     int
	initiations   int
	failuresAt    map[int64]int
	gone          bool
	directPayload []byte
	initType      string
	initMetadata  map[string]any
}

func (f *fakeUploadServer) snapshot() fakeSnapshot {
	f.mu.Lock()
	defer f.mu.Unlock()
	failures := make(map[int64]int, len(f.failuresAt))
	for k, v := range f.failuresAt {
		failures[k] = v
	}
	return fakeSnapshot{
		received:      append([]byte(nil), f.received...),
		ranges:        append([]string(nil), f.chunkRanges...),
		emptyPuts:     f.emptyPuts,
		initiations:   f.initiations,
		failuresAt:    failures,
		gone:          f.gone,
		directPayload: f.directPayload,
		initType:      f.initType,
		initMetadata:  f.initMetadata,
	}
}

func (f *fakeUploadServer) handle(w http.ResponseWriter, r *http.Request) {
	switch {
	case r.Method == http.MethodPost && r.URL.Query().Get("uploadType") == "resumable":
		f.handleInitiate(w, r)
	case r.Method == http.MethodPost && r.URL.Query().Get("uploadType") == "multipart":
		f.handleDirect(w, r)
	case r.Method == http.MethodPut && r.URL.Path == fakeSessionPath:
		f.handlePut(w, r)
	case r.Method == http.MethodDelete && r.URL.Path == fakeSessionPath:
		f.mu.Lock()
		f.gone = true
		f.mu.Unlock()
		w.WriteHeader(StatusClientClosedRequest)
	default:
		http.NotFound(w, r)
	}
}

func (f *fakeUploadServer) handleInitiate(w http.ResponseWriter, r *http.Request) {
	f.mu.Lock()
	defer f.mu.Unlock()

	f.initiations++
	if f.initStatus != 0 {
		http.Error(w, "initiation refused", f.initStatus)
		return
	}

	f.received = nil
	f.gone = false
	f.total = SizeUnknown
	if v := r.Header.Get("X-Upload-Content-Length"); v != "" {
		f.total, _ = strconv.ParseInt(v, 10, 64)
	}
	f.initType = r.Header.Get("X-Upload-Content-Type")
	f.initMetadata = nil
	_ = json.NewDecoder(r.Body).Decode(&f.initMetadata)

	w.Header().Set("Location", f.sessionURI())
	w.WriteHeader(http.StatusOK)
}

func (f *fakeUploadServer) handleDirect(w http.ResponseWriter, r *http.Request) {
	mediaType, params, err := mime.ParseMediaType(r.Header.Get("Content-Type"))
	if err != nil || mediaType != "multipart/related" {
		http.Error(w, "bad content type", http.StatusBadRequest)
		return
	}
	mr := multipart.NewReader(r.Body, params["boundary"])
	var parts [][]byte
	for {
		part, err := mr.NextPart()
		if errors.Is(err, io.EOF) {
			break
		}
		if err != nil {
			http.Error(w, err.Error(), http.StatusBadRequest)
			return
		}
		data, _ := io.ReadAll(part)
		parts = append(parts, data)
	}

	f.mu.Lock()
	f.directPayload = parts[len(parts)-1]
	f.mu.Unlock()

	w.Header().Set("Content-Type", "application/json")
	fmt.Fprint(w, `{"kind":"youtube#video","id":"direct123"}`)
}

func (f *fakeUploadServer) handlePut(w http.ResponseWriter, r *http.Request) {
	body, _ := io.ReadAll(r.Body)
	cr := r.Header.Get("Content-Range")

	f.mu.Lock()
	stall := f.stall
	f.stall = 0
	f.mu.Unlock()
	if stall > 0 && len(body) > 0 {
		time.Sleep(stall)
		return
	}

	f.mu.Lock()
	defer f.mu.Unlock()

	if f.gone {
		http.NotFound(w, r)
		return
	}

	if len(body) == 0 {
		f.emptyPuts++
		if total, ok := strings.CutPrefix(cr, "bytes */"); ok && total != "*" {
			f.total, _ = strconv.ParseInt(total, 10, 64)
		}
		f.respond(w)
		return
	}

	f.chunkRanges = append(f.chunkRanges, cr)
	offset, total, err := parseTestContentRange(cr)
	if err != nil {
		f.t.Errorf("malformed Content-Range %q: %v", cr, err)
		http.Error(w, err.Error(), http.StatusBadRequest)
		return
	}

	if f.failChunk != nil {
		if code := f.failChunk(offset, f.failuresAt[offset]); code != 0 {
			f.failuresAt[offset]++
			if f.storeBeforeFail {
				f.store(offset, body)
			}
			if code == http.StatusTooManyRequests {
				w.Header().Set("Retry-After", "7")
			}
			http.Error(w, "injected failure", code)
			return
		}
	}

	if total != SizeUnknown {
		f.total = total
	}
	if f.partialAck > 0 {
		body = body[:f.partialAck]
		f.partialAck = 0
	}
	f.store(offset, body)
	f.respond(w)
}

func (f *fakeUploadServer) store(offset int64, body []byte) {
	if offset != int64(len(f.received)) {
		f.t.Errorf("chunk at offset %d but server holds %d bytes", offset, len(f.received))
		return
	}
	f.received = append(f.received, body...)
}

func (f *fakeUploadServer) respond(w http.ResponseWriter) {
	if f.total != SizeUnknown && int64(len(f.received)) == f.total {
		w.Header().Set("Content-Type", "application/json")
		fmt.Fprintf(w, `{"kind":"youtube#video","id":"vid123","status":{"uploadStatus":"uploaded"}}`)
		return
	}
	if len(f.received) > 0 {
		w.Header().Set("Range", fmt.Sprintf("bytes=0-%d", len(f.received)-1))
	}
	w.WriteHeader(StatusResumeIncomplete)
}

func parseTestContentRange(cr string) (int64, int64, error) {
	var start, end int64
	var total string
	if _, err := fmt.Sscanf(cr, "bytes %d-%d/%s", &start, &end, &total); err != nil {
		return 0, 0, err
	}
	if total == "*" {
		return start, SizeUnknown, nil
	}
	n, err := strconv.ParseInt(total, 10, 64)
	return start, n, err
}

type eventRecorder struct {
	events []ProgressEvent
}

func (r *eventRecorder) OnProgress(e ProgressEvent) { r.events = append(r.events, e) }

func (r *eventRecorder) states() []State {
	out := make([]State, len(r.events))
	for i, e := range r.events {
		out[i] = e.State
	}
	return out
}

func (r *eventRecorder) count(s State) int {
	n := 0
	for _, e := range r.events {
		if e.State == s {
			n++
		}
	}
	return n
}

func noSleep(context.Context, time.Duration) error { return nil }

func testSession(c *Client, data []byte, size int64, opts SessionOptions) *UploadSession {
	var src MediaSource
	if size == SizeUnknown {
		src = NewReaderSource(&sequentialReader{bytes.NewReader(data)}, SizeUnknown)
	} else {
		src = NewReaderSource(bytes.NewReader(data), size)
	}
	s := c.NewUploadSession(UploadRequest{
		Path:        "/videos",
		Params:      map[string][]string{"part": {"snippet,status"}},
		Metadata:    map[string]string{"title": "test"},
		ContentType: "video/mp4",
	}, src, opts)
	s.sleep = noSleep
	return s
}

func TestUploadSessionFiveChunks(t *testing.T) {
	f := newFakeUploadServer(t)
	data := payload(5_000_000)
	rec := &eventRecorder{}

	s := testSession(f.client(), data, int64(len(data)), SessionOptions{ChunkSize: 1_000_000, Listener: rec})
	require.NoError(t, s.Run(context.Background()))

	assert.Equal(t, StateMediaComplete, s.State())
	assert.Equal(t, int64(5_000_000), s.BytesConfirmed())
	assert.Equal(t, data, f.snapshot().received)
	assert.Equal(t, []string{
		"bytes 0-999999/5000000",
		"bytes 1000000-1999999/5000000",
		"bytes 2000000-2999999/5000000",
		"bytes 3000000-3999999/5000000",
		"bytes 4000000-4999999/5000000",
	}, f.snapshot().ranges)

	assert.Equal(t, []State{
		StateInitiationStarted,
		StateInitiationComplete,
		StateMediaInProgress,
		StateMediaInProgress,
		StateMediaInProgress,
		StateMediaInProgress,
		StateMediaInProgress,
		StateMediaComplete,
	}, rec.states())

	// Progress is reported with the bytes confirmed before each chunk.
	for i, e := range rec.events[2:7] {
		assert.Equal(t, int64(i)*1_000_000, e.BytesConfirmed)
		assert.Equal(t, int64(5_000_000), e.TotalSize)
	}
	last := rec.events[len(rec.events)-1]
	assert.Equal(t, int64(5_000_000), last.BytesConfirmed)

	assert.Equal(t, "video/mp4", f.snapshot().initType)
	assert.Equal(t, "test", f.snapshot().initMetadata["title"])

	var v Video
	require.NoError(t, s.DecodeResult(&v))
	assert.Equal(t, "vid123", v.ID)
}

func TestUploadSessionEmptyPayload(t *testing.T) {
	f := newFakeUploadServer(t)
	rec := &eventRecorder{}

	s := testSession(f.client(), nil, 0, SessionOptions{ChunkSize: 1024, Listener: rec})
	require.NoError(t, s.Run(context.Background()))

	assert.Equal(t, StateMediaComplete, s.State())
	assert.Equal(t, 1, f.snapshot().emptyPuts)
	assert.Empty(t, f.snapshot().ranges)
	assert.Equal(t, 1, rec.count(StateMediaInProgress))
	assert.Equal(t, StateMediaComplete, rec.events[len(rec.events)-1].State)
}

func TestUploadSessionTransientFailuresWithinBudget(t *testing.T) {
	f := newFakeUploadServer(t)
	policy := RetryPolicy{MaxAttempts: 4, BaseDelay: time.Millisecond, MaxDelay: time.Millisecond, Multiplier: 2}
	f.set(func(f *fakeUploadServer) {
		f.failChunk = func(_ int64, n int) int {
			if n < policy.MaxAttempts-1 {
				return http.StatusServiceUnavailable
			}
			return 0
		}
	})
	data := payload(3000)

	s := testSession(f.client(), data, int64(len(data)), SessionOptions{ChunkSize: 1000, Retry: policy})
	require.NoError(t, s.Run(context.Background()))

	assert.Equal(t, StateMediaComplete, s.State())
	assert.Equal(t, data, f.snapshot().received)
	// Every chunk failed MaxAttempts-1 times, so the counter is per chunk.
	assert.Len(t, f.snapshot().ranges, 3*policy.MaxAttempts)
}

func TestUploadSessionTransientFailuresExhaustBudget(t *testing.T) {
	f := newFakeUploadServer(t)
	f.set(func(f *fakeUploadServer) {
		f.failChunk = func(offset int64, _ int) int {
			if offset == 1000 {
				return http.StatusBadGateway
			}
			return 0
		}
	})
	policy := RetryPolicy{MaxAttempts: 3, BaseDelay: time.Millisecond, Multiplier: 2}
	rec := &eventRecorder{}
	data := payload(3000)

	s := testSession(f.client(), data, int64(len(data)), SessionOptions{ChunkSize: 1000, Retry: policy, Listener: rec})
	err := s.Run(context.Background())
	require.Error(t, err)

	var uploadErr *UploadError
	require.ErrorAs(t, err, &uploadErr)
	assert.Equal(t, UploadPermanent, uploadErr.Kind)
	var statusErr *StatusError
	require.ErrorAs(t, err, &statusErr)
	assert.Equal(t, http.StatusBadGateway, statusErr.StatusCode)

	assert.Equal(t, StateFailed, s.State())
	assert.Equal(t, 3, f.snapshot().failuresAt[1000])
	assert.Equal(t, StateFailed, rec.events[len(rec.events)-1].State)

	// Further runs fail fast with the same error.
	calls := len(f.snapshot().ranges)
	assert.Same(t, err, s.Run(context.Background()))
	assert.Len(t, f.snapshot().ranges, calls)
}

func TestUploadSessionClientErrorFailsImmediately(t *testing.T) {
	f := newFakeUploadServer(t)
	f.set(func(f *fakeUploadServer) {
		f.failChunk = func(int64, int) int { return http.StatusForbidden }
	})
	data := payload(3000)

	s := testSession(f.client(), data, int64(len(data)), SessionOptions{ChunkSize: 1000})
	err := s.Run(context.Background())

	var uploadErr *UploadError
	require.ErrorAs(t, err, &uploadErr)
	assert.Equal(t, UploadPermanent, uploadErr.Kind)
	assert.Equal(t, StateFailed, s.State())
	assert.Len(t, f.snapshot().ranges, 1)
}

func TestUploadSessionInvalidSessionFailsImmediately(t *testing.T) {
	f := newFakeUploadServer(t)
	f.set(func(f *fakeUploadServer) {
		f.failChunk = func(int64, int) int { return http.StatusGone }
	})
	data := payload(3000)

	s := testSession(f.client(), data, int64(len(data)), SessionOptions{ChunkSize: 1000})
	err := s.Run(context.Background())

	require.Error(t, err)
	assert.Equal(t, KindInvalidSession, classifyError(err))
	assert.Equal(t, StateFailed, s.State())
	assert.Len(t, f.snapshot().ranges, 1)
}

func TestUploadSessionRateLimitUsesRetryAfter(t *testing.T) {
	f := newFakeUploadServer(t)
	f.set(func(f *fakeUploadServer) {
		f.failChunk = func(_ int64, n int) int {
			if n == 0 {
				return http.StatusTooManyRequests
			}
			return 0
		}
	})
	data := payload(1000)

	s := testSession(f.client(), data, int64(len(data)), SessionOptions{ChunkSize: 1000})
	var delays []time.Duration
	s.sleep = func(_ context.Context, d time.Duration) error {
		delays = append(delays, d)
		return nil
	}

	require.NoError(t, s.Run(context.Background()))
	assert.Equal(t, []time.Duration{7 * time.Second}, delays)
}

func TestUploadSessionLostResponseIsNotResent(t *testing.T) {
	f := newFakeUploadServer(t)
	f.set(func(f *fakeUploadServer) {
		f.storeBeforeFail = true
		f.failChunk = func(offset int64, n int) int {
			if offset == 1000 && n == 0 {
				return http.StatusServiceUnavailable
			}
			return 0
		}
	})
	data := payload(3000)

	s := testSession(f.client(), data, int64(len(data)), SessionOptions{ChunkSize: 1000})
	require.NoError(t, s.Run(context.Background()))

	assert.Equal(t, data, f.snapshot().received)
	assert.Equal(t, []string{
		"bytes 0-999/3000",
		"bytes 1000-1999/3000",
		"bytes 2000-2999/3000",
	}, f.snapshot().ranges)
}

func TestUploadSessionPartialAcknowledgment(t *testing.T) {
	f := newFakeUploadServer(t)
	f.set(func(f *fakeUploadServer) { f.partialAck = 400 })
	data := payload(2500)

	s := testSession(f.client(), data, int64(len(data)), SessionOptions{ChunkSize: 1000})
	require.NoError(t, s.Run(context.Background()))

	assert.Equal(t, data, f.snapshot().received)
	assert.Equal(t, []string{
		"bytes 0-999/2500",
		"bytes 400-1399/2500",
		"bytes 1400-2399/2500",
		"bytes 2400-2499/2500",
	}, f.snapshot().ranges)
}

func TestUploadSessionStreamingUnknownSize(t *testing.T) {
	f := newFakeUploadServer(t)
	data := payload(25)
	rec := &eventRecorder{}

	s := testSession(f.client(), data, SizeUnknown, SessionOptions{ChunkSize: 10, Listener: rec})
	require.NoError(t, s.Run(context.Background()))

	assert.Equal(t, data, f.snapshot().received)
	assert.Equal(t, []string{"bytes 0-9/*", "bytes 10-19/*", "bytes 20-24/25"}, f.snapshot().ranges)
	assert.Equal(t, int64(25), s.TotalSize())
	assert.Equal(t, SizeUnknown, rec.events[0].TotalSize)
	assert.Equal(t, int64(25), rec.events[len(rec.events)-1].TotalSize)
}

func TestUploadSessionStreamingExactMultiple(t *testing.T) {
	f := newFakeUploadServer(t)
	data := payload(20)

	s := testSession(f.client(), data, SizeUnknown, SessionOptions{ChunkSize: 10})
	require.NoError(t, s.Run(context.Background()))

	assert.Equal(t, data, f.snapshot().received)
	assert.Equal(t, []string{"bytes 0-9/*", "bytes 10-19/*"}, f.snapshot().ranges)
	assert.Equal(t, 1, f.snapshot().emptyPuts)
	assert.Equal(t, StateMediaComplete, s.State())
	assert.Equal(t, int64(20), s.BytesConfirmed())
}

func TestUploadSessionResumeSkipsConfirmedBytes(t *testing.T) {
	f := newFakeUploadServer(t)
	data := payload(5000)
	f.set(func(f *fakeUploadServer) {
		f.total = int64(len(data))
		f.received = append([]byte(nil), data[:3000]...)
	})

	rec := &eventRecorder{}
	req := UploadRequest{Path: "/videos", ContentType: "video/mp4"}
	s := f.client().ResumeUploadSession(f.sessionURI(), 2000, req,
		NewReaderSource(bytes.NewReader(data), int64(len(data))),
		SessionOptions{ChunkSize: 1000, Listener: rec})
	s.sleep = noSleep

	require.NoError(t, s.Run(context.Background()))

	assert.Equal(t, 0, f.snapshot().initiations)
	assert.Equal(t, data, f.snapshot().received)
	assert.Equal(t, []string{"bytes 3000-3999/5000", "bytes 4000-4999/5000"}, f.snapshot().ranges)
	assert.Equal(t, int64(3000), rec.events[0].BytesConfirmed)
}

func TestUploadSessionResumeAdoptsLowerServerCount(t *testing.T) {
	f := newFakeUploadServer(t)
	data := payload(3000)
	f.set(func(f *fakeUploadServer) {
		f.total = int64(len(data))
		f.received = append([]byte(nil), data[:1000]...)
	})

	req := UploadRequest{Path: "/videos", ContentType: "video/mp4"}
	s := f.client().ResumeUploadSession(f.sessionURI(), 2000, req,
		NewReaderSource(bytes.NewReader(data), int64(len(data))), SessionOptions{ChunkSize: 1000})
	s.sleep = noSleep

	got, err := s.QueryStatus(context.Background())
	require.NoError(t, err)
	assert.Equal(t, int64(1000), got)

	require.NoError(t, s.Run(context.Background()))
	assert.Equal(t, data, f.snapshot().received)
}

func TestUploadSessionResumeAlreadyComplete(t *testing.T) {
	f := newFakeUploadServer(t)
	data := payload(100)
	f.set(func(f *fakeUploadServer) {
		f.total = int64(len(data))
		f.received = append([]byte(nil), data...)
	})

	s := f.client().ResumeUploadSession(f.sessionURI(), 0, UploadRequest{Path: "/videos"},
		NewReaderSource(bytes.NewReader(data), int64(len(data))), SessionOptions{ChunkSize: 1000})

	require.NoError(t, s.Run(context.Background()))
	assert.Equal(t, StateMediaComplete, s.State())
	assert.Empty(t, f.snapshot().ranges)

	v, err := UploadedVideo(s)
	require.NoError(t, err)
	assert.Equal(t, "vid123", v.ID)
}

func TestUploadSessionResumeExpiredSession(t *testing.T) {
	f := newFakeUploadServer(t)
	f.set(func(f *fakeUploadServer) { f.gone = true })

	s := f.client().ResumeUploadSession(f.sessionURI(), 500, UploadRequest{Path: "/videos"},
		NewReaderSource(bytes.NewReader(payload(1000)), 1000), SessionOptions{ChunkSize: 1000})

	err := s.Run(context.Background())
	require.Error(t, err)
	assert.Equal(t, KindInvalidSession, classifyError(err))
	assert.Equal(t, StateFailed, s.State())

	// A fresh initiation restarts the transfer from zero.
	f.set(func(f *fakeUploadServer) { f.gone = false })
	s.sleep = noSleep
	require.NoError(t, s.Initiate(context.Background()))
	require.NoError(t, s.Run(context.Background()))
	assert.Equal(t, StateMediaComplete, s.State())
	assert.Equal(t, payload(1000), f.snapshot().received)
}

func TestUploadSessionInitiationFailure(t *testing.T) {
	f := newFakeUploadServer(t)
	f.set(func(f *fakeUploadServer) { f.initStatus = http.StatusForbidden })
	rec := &eventRecorder{}

	s := testSession(f.client(), payload(10), 10, SessionOptions{Listener: rec})
	err := s.Run(context.Background())

	var initErr *InitiationError
	require.ErrorAs(t, err, &initErr)
	assert.Equal(t, StateFailed, s.State())
	assert.Equal(t, []State{StateInitiationStarted, StateFailed}, rec.states())
	assert.Equal(t, 1, f.snapshot().initiations)
}

func TestUploadSessionInitiateTwice(t *testing.T) {
	f := newFakeUploadServer(t)
	s := testSession(f.client(), payload(10), 10, SessionOptions{})

	require.NoError(t, s.Initiate(context.Background()))
	assert.ErrorIs(t, s.Initiate(context.Background()), ErrAlreadyInitiated)
}

func TestUploadSessionCancelledDuringInitiationBackoff(t *testing.T) {
	f := newFakeUploadServer(t)
	f.set(func(f *fakeUploadServer) { f.initStatus = http.StatusServiceUnavailable })
	rec := &eventRecorder{}
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	s := testSession(f.client(), payload(10), 10, SessionOptions{Listener: rec})
	s.sleep = func(ctx context.Context, _ time.Duration) error {
		cancel()
		return ctx.Err()
	}

	err := s.Initiate(ctx)
	assert.ErrorIs(t, err, context.Canceled)
	var initErr *InitiationError
	assert.False(t, errors.As(err, &initErr))
	assert.Equal(t, StateNotStarted, s.State())
	assert.NotContains(t, rec.states(), StateFailed)

	// Nothing was opened on the server, so a new run starts from scratch.
	f.set(func(f *fakeUploadServer) { f.initStatus = 0 })
	s.sleep = noSleep
	require.NoError(t, s.Run(context.Background()))
	assert.Equal(t, StateMediaComplete, s.State())
	assert.Equal(t, 2, f.snapshot().initiations)
}

func TestUploadSessionEmptyPayloadNotFinalized(t *testing.T) {
	var (
		mu   sync.Mutex
		puts int
	)
	var srv *httptest.Server
	srv = httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.Method == http.MethodPost {
			w.Header().Set("Location", srv.URL+fakeSessionPath)
			return
		}
		mu.Lock()
		puts++
		mu.Unlock()
		w.WriteHeader(StatusResumeIncomplete)
	}))
	defer srv.Close()

	c := NewClient(srv.Client(), nil)
	c.SetUploadBaseURL(srv.URL)
	policy := RetryPolicy{MaxAttempts: 3, BaseDelay: time.Millisecond, Multiplier: 2}

	s := testSession(c, nil, 0, SessionOptions{ChunkSize: 1024, Retry: policy})
	err := s.Run(context.Background())

	require.ErrorIs(t, err, ErrRangeMismatch)
	assert.Equal(t, StateFailed, s.State())
	mu.Lock()
	defer mu.Unlock()
	// Three finalize attempts with a status query between each.
	assert.Equal(t, 5, puts)
}

func TestUploadSessionCancellationBetweenChunks(t *testing.T) {
	f := newFakeUploadServer(t)
	data := payload(3000)
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	listener := ProgressFunc(func(e ProgressEvent) {
		if e.State == StateMediaInProgress {
			cancel()
		}
	})
	s := testSession(f.client(), data, int64(len(data)), SessionOptions{ChunkSize: 1000, Listener: listener})

	err := s.Run(ctx)
	assert.ErrorIs(t, err, context.Canceled)
	// The chunk in flight when the caller cancelled still completed.
	assert.Len(t, f.snapshot().ranges, 1)
	assert.Equal(t, int64(1000), s.BytesConfirmed())
	assert.Equal(t, StateMediaInProgress, s.State())

	// The session stays resumable.
	require.NoError(t, s.Run(context.Background()))
	assert.Equal(t, data, f.snapshot().received)
}

func TestUploadSessionChunkTimeoutIsRetried(t *testing.T) {
	f := newFakeUploadServer(t)
	f.set(func(f *fakeUploadServer) { f.stall = 500 * time.Millisecond })
	data := payload(1000)

	s := testSession(f.client(), data, int64(len(data)), SessionOptions{ChunkSize: 1000, ChunkTimeout: 50 * time.Millisecond})
	require.NoError(t, s.Run(context.Background()))

	assert.Equal(t, StateMediaComplete, s.State())
	assert.Equal(t, data, f.snapshot().received)
}

func TestUploadSessionDirectMode(t *testing.T) {
	f := newFakeUploadServer(t)
	data := payload(4321)
	rec := &eventRecorder{}

	s := testSession(f.client(), data, int64(len(data)), SessionOptions{Direct: true, Listener: rec})
	require.NoError(t, s.Run(context.Background()))

	assert.Equal(t, []State{StateMediaComplete}, rec.states())
	assert.Equal(t, data, f.snapshot().directPayload)
	assert.Equal(t, 0, f.snapshot().initiations)

	v, err := UploadedVideo(s)
	require.NoError(t, err)
	assert.Equal(t, "direct123", v.ID)
}

func TestUploadSessionCancel(t *testing.T) {
	f := newFakeUploadServer(t)
	s := testSession(f.client(), payload(3000), 3000, SessionOptions{ChunkSize: 1000})

	assert.ErrorIs(t, s.Cancel(context.Background()), ErrNotInitiated)

	require.NoError(t, s.Initiate(context.Background()))
	require.NoError(t, s.Cancel(context.Background()))
	assert.True(t, f.snapshot().gone)
	assert.Equal(t, StateFailed, s.State())
}

func TestParseRangeHeader(t *testing.T) {
	n, err := parseRangeHeader("bytes=0-999")
	require.NoError(t, err)
	assert.Equal(t, int64(1000), n)

	n, err = parseRangeHeader("")
	require.NoError(t, err)
	assert.Equal(t, int64(0), n)

	for _, bad := range []string{"0-999", "bytes=10-999", "bytes=0-x", "bytes=0"} {
		_, err := parseRangeHeader(bad)
		assert.ErrorIs(t, err, ErrRangeMismatch, bad)
	}
}
