package youtube

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"time"
)

// SessionOptions configures an UploadSession. Zero values select defaults.
type SessionOptions struct {
	ChunkSize    int64
	Retry        RetryPolicy
	ChunkTimeout time.Duration
	// Direct sends the whole payload in a single non-resumable request.
	Direct   bool
	Listener ProgressListener
}

// UploadSession owns one logical transfer. It is not safe for concurrent
// use; run each session on its own goroutine.
type UploadSession struct {
	client       *Client
	req          UploadRequest
	media        *chunkBuffer
	planner      ChunkPlanner
	policy       RetryPolicy
	chunkTimeout time.Duration
	direct       bool
	listener     ProgressListener
	logger       Logger
	sleep        func(context.Context, time.Duration) error

	sessionURI     string
	totalSize      int64
	bytesConfirmed int64
	state          State
	err            error
	result         json.RawMessage

	// resumed is set until the first status query of a session rebuilt
	// from a persisted URI.
	resumed bool
	// sentThisRun is set once a chunk has been acknowledged in this process.
	sentThisRun bool
}

// NewUploadSession prepares a transfer of media. Nothing is sent until
// Initiate or Run is called.
func (c *Client) NewUploadSession(req UploadRequest, media MediaSource, opts SessionOptions) *UploadSession {
	if opts.Retry.MaxAttempts == 0 && opts.Retry.BaseDelay == 0 {
		opts.Retry = DefaultRetryPolicy()
	}
	if opts.ChunkTimeout <= 0 {
		opts.ChunkTimeout = DefaultChunkTimeout
	}
	return &UploadSession{
		client:       c,
		req:          req,
		media:        newChunkBuffer(media),
		planner:      NewChunkPlanner(opts.ChunkSize),
		policy:       opts.Retry,
		chunkTimeout: opts.ChunkTimeout,
		direct:       opts.Direct,
		listener:     opts.Listener,
		logger:       c.logger,
		sleep:        timeSleep,
		totalSize:    media.Length(),
		state:        StateNotStarted,
	}
}

// ResumeUploadSession rebuilds a session from a previously issued session
// URI. bytesConfirmed is only a hint: Run asks the server for the
// authoritative count before sending anything.
func (c *Client) ResumeUploadSession(sessionURI string, bytesConfirmed int64, req UploadRequest, media MediaSource, opts SessionOptions) *UploadSession {
	s := c.NewUploadSession(req, media, opts)
	s.sessionURI = sessionURI
	s.bytesConfirmed = bytesConfirmed
	s.state = StateInitiationComplete
	s.resumed = true
	s.direct = false
	return s
}

func (s *UploadSession) State() State            { return s.state }
func (s *UploadSession) SessionURI() string      { return s.sessionURI }
func (s *UploadSession) TotalSize() int64        { return s.totalSize }
func (s *UploadSession) BytesConfirmed() int64   { return s.bytesConfirmed }
func (s *UploadSession) ContentType() string     { return s.req.ContentType }
func (s *UploadSession) ChunkSize() int64        { return s.planner.ChunkSize }
func (s *UploadSession) Err() error              { return s.err }
func (s *UploadSession) Result() json.RawMessage { return s.result }

// DecodeResult unmarshals the final resource representation into v.
func (s *UploadSession) DecodeResult(v any) error {
	if s.state != StateMediaComplete {
		return fmt.Errorf("decoding upload result in state %s: %w", s.state, ErrNotInitiated)
	}
	if len(s.result) == 0 {
		return errors.New("upload completed without a resource representation")
	}
	return json.Unmarshal(s.result, v)
}

func (s *UploadSession) transition(next State) {
	s.state = next
	s.notify()
}

func (s *UploadSession) notify() {
	if s.listener == nil {
		return
	}
	s.listener.OnProgress(ProgressEvent{
		State:          s.state,
		BytesConfirmed: s.bytesConfirmed,
		TotalSize:      s.totalSize,
	})
}

func (s *UploadSession) fail(err error) error {
	s.err = err
	s.transition(StateFailed)
	return err
}

// Initiate opens the resumable transfer. On a FAILED session it starts
// over with a fresh session URI.
func (s *UploadSession) Initiate(ctx context.Context) error {
	switch s.state {
	case StateNotStarted:
	case StateFailed:
		s.sessionURI = ""
		s.bytesConfirmed = 0
		s.err = nil
		s.result = nil
		s.resumed = false
		s.sentThisRun = false
	default:
		return ErrAlreadyInitiated
	}
	if err := ctx.Err(); err != nil {
		return err
	}

	s.transition(StateInitiationStarted)

	var uri string
	err := s.withRetry(ctx, "initiation", func(attemptCtx context.Context) error {
		var err error
		uri, err = s.client.initiate(attemptCtx, s.req, s.totalSize)
		return err
	})
	if err != nil {
		if isCancellation(ctx, err) {
			// No session exists yet, so a later Initiate starts clean.
			s.state = StateNotStarted
			return err
		}
		return s.fail(&InitiationError{Err: err})
	}

	s.sessionURI = uri
	s.logger.Debug("resumable session opened", "path", s.req.Path)
	s.transition(StateInitiationComplete)
	return nil
}

// Run transfers the payload, initiating the session first if needed, and
// blocks until it completes, fails, or ctx is cancelled. Cancellation is
// observed between chunks only; the session stays resumable.
func (s *UploadSession) Run(ctx context.Context) error {
	if s.state.Terminal() {
		// nil once complete
		return s.err
	}

	if s.direct {
		return s.runDirect(ctx)
	}

	if s.state == StateNotStarted {
		if err := s.Initiate(ctx); err != nil {
			return err
		}
	}

	if s.resumed {
		if _, err := s.QueryStatus(ctx); err != nil {
			return err
		}
		if s.state == StateMediaComplete {
			return nil
		}
	}

	for {
		if err := ctx.Err(); err != nil {
			return err
		}

		r, ok := s.planner.NextRange(s)
		if !ok {
			s.transition(StateMediaComplete)
			return nil
		}

		data, err := s.media.read(r.Offset, r.Length)
		if err != nil {
			return s.fail(&UploadError{Kind: UploadPermanent, Err: &IOError{Op: "reading media", Err: err}})
		}
		short := int64(len(data)) < r.Length
		if s.totalSize == SizeUnknown && short {
			s.totalSize = r.Offset + int64(len(data))
		} else if short {
			return s.fail(&UploadError{Kind: UploadPermanent, Err: &IOError{
				Op:  "reading media",
				Err: fmt.Errorf("source ended at %d of %d bytes: %w", r.Offset+int64(len(data)), s.totalSize, io.ErrUnexpectedEOF),
			}})
		}

		s.transition(StateMediaInProgress)

		res, err := s.sendChunk(ctx, data, r.Offset)
		if err != nil {
			return err
		}

		if res.complete {
			s.result = res.body
			s.bytesConfirmed = r.Offset + int64(len(data))
			if s.totalSize == SizeUnknown {
				s.totalSize = s.bytesConfirmed
			}
			s.transition(StateMediaComplete)
			return nil
		}

		if err := s.advance(res.confirmed, r.Offset+int64(len(data))); err != nil {
			return s.fail(&UploadError{Kind: UploadPermanent, Err: err})
		}
		s.sentThisRun = true
	}
}

// advance moves bytesConfirmed to the server's count, which must lie
// between the current value and limit.
func (s *UploadSession) advance(confirmed, limit int64) error {
	if confirmed < s.bytesConfirmed || confirmed > limit {
		return fmt.Errorf("%w: server holds %d bytes, expected %d..%d", ErrRangeMismatch, confirmed, s.bytesConfirmed, limit)
	}
	s.bytesConfirmed = confirmed
	return nil
}

// sendChunk transfers one chunk under the retry policy. Before a retry the
// server is asked how much it already holds, and progress there ends the
// attempt loop so the planner can compute the remaining range.
func (s *UploadSession) sendChunk(ctx context.Context, data []byte, offset int64) (*chunkResult, error) {
	total := s.totalSize

	for attempt := 1; ; attempt++ {
		attemptCtx, cancel := s.attemptContext(ctx)
		res, err := s.client.putChunk(attemptCtx, s.sessionURI, data, offset, total)
		cancel()
		switch {
		case err != nil || res.complete:
		case len(data) == 0:
			// A finalize request is only answered by the final resource.
			err = fmt.Errorf("%w: finalize at offset %d was not accepted", ErrRangeMismatch, offset)
		case res.confirmed <= offset:
			err = fmt.Errorf("%w: chunk at offset %d was not acknowledged", ErrRangeMismatch, offset)
		}
		if err == nil {
			return res, nil
		}

		kind := classifyError(err)
		if kind == KindInvalidSession {
			return nil, s.fail(&UploadError{Kind: UploadPermanent, Err: err})
		}

		decision := s.policy.decide(attempt, kind, retryAfter(err))
		if !decision.Retry {
			if kind == KindClientError {
				return nil, s.fail(&UploadError{Kind: UploadPermanent, Err: err})
			}
			return nil, s.fail(&UploadError{
				Kind: UploadPermanent,
				Err:  fmt.Errorf("giving up after %d attempts: %w", attempt, &UploadError{Kind: UploadTransient, Err: err}),
			})
		}

		s.logger.Warn("retrying chunk after error",
			"offset", offset,
			"attempt", attempt,
			"kind", kind.String(),
			"backoff", decision.Delay,
			"error", err.Error(),
		)
		if err := s.sleep(ctx, decision.Delay); err != nil {
			return nil, err
		}

		status, qerr := s.queryWithTimeout(ctx, total)
		switch {
		case qerr == nil && (status.complete || status.confirmed > offset):
			return status, nil
		case qerr != nil && classifyError(qerr) == KindInvalidSession:
			return nil, s.fail(&UploadError{Kind: UploadPermanent, Err: qerr})
		case qerr != nil:
			s.logger.Debug("status query before retry failed", "error", qerr.Error())
		}
	}
}

// attemptContext bounds a single request. It is detached from ctx's
// cancellation so an in-flight chunk is never cut off by the caller.
func (s *UploadSession) attemptContext(ctx context.Context) (context.Context, context.CancelFunc) {
	return context.WithTimeout(context.WithoutCancel(ctx), s.chunkTimeout)
}

func (s *UploadSession) queryWithTimeout(ctx context.Context, total int64) (*chunkResult, error) {
	attemptCtx, cancel := s.attemptContext(ctx)
	defer cancel()
	return s.client.queryStatus(attemptCtx, s.sessionURI, total)
}

// QueryStatus asks the server how many bytes it holds and adopts that
// count. It returns the confirmed byte count.
func (s *UploadSession) QueryStatus(ctx context.Context) (int64, error) {
	if s.sessionURI == "" {
		return 0, ErrNotInitiated
	}
	if s.state == StateFailed {
		return s.bytesConfirmed, s.err
	}
	if s.state == StateMediaComplete {
		return s.bytesConfirmed, nil
	}

	var status *chunkResult
	err := s.withRetry(ctx, "status query", func(attemptCtx context.Context) error {
		var err error
		status, err = s.client.queryStatus(attemptCtx, s.sessionURI, s.totalSize)
		return err
	})
	if err != nil {
		if classifyError(err) == KindInvalidSession || classifyError(err) == KindClientError {
			return s.bytesConfirmed, s.fail(&UploadError{Kind: UploadPermanent, Err: err})
		}
		return s.bytesConfirmed, err
	}

	if status.complete {
		s.result = status.body
		if s.totalSize != SizeUnknown {
			s.bytesConfirmed = s.totalSize
		}
		s.resumed = false
		s.transition(StateMediaComplete)
		return s.bytesConfirmed, nil
	}

	if s.totalSize != SizeUnknown && status.confirmed > s.totalSize {
		return s.bytesConfirmed, s.fail(&UploadError{
			Kind: UploadPermanent,
			Err:  fmt.Errorf("%w: server holds %d of %d bytes", ErrRangeMismatch, status.confirmed, s.totalSize),
		})
	}
	if status.confirmed < s.bytesConfirmed {
		if s.sentThisRun {
			return s.bytesConfirmed, s.fail(&UploadError{
				Kind: UploadPermanent,
				Err:  fmt.Errorf("%w: server holds %d bytes, %d were acknowledged", ErrRangeMismatch, status.confirmed, s.bytesConfirmed),
			})
		}
		s.logger.Warn("server holds fewer bytes than recorded, resuming from server offset",
			"recorded", s.bytesConfirmed, "server", status.confirmed)
	}

	s.bytesConfirmed = status.confirmed
	s.resumed = false
	s.notify()
	return s.bytesConfirmed, nil
}

// Cancel abandons the session on the server. The session is left FAILED.
func (s *UploadSession) Cancel(ctx context.Context) error {
	if s.sessionURI == "" {
		return ErrNotInitiated
	}
	if err := s.client.cancel(ctx, s.sessionURI); err != nil {
		return fmt.Errorf("cancelling upload session: %w", err)
	}
	if s.state != StateMediaComplete {
		s.fail(&UploadError{Kind: UploadPermanent, Err: context.Canceled})
	}
	return nil
}

// runDirect sends the whole payload as one request. It skips the
// initiation states and cannot be resumed.
func (s *UploadSession) runDirect(ctx context.Context) error {
	if err := ctx.Err(); err != nil {
		return err
	}

	want := s.totalSize
	if want == SizeUnknown {
		data, err := io.ReadAll(s.media.src)
		if err != nil {
			return s.fail(&UploadError{Kind: UploadPermanent, Err: &IOError{Op: "reading media", Err: err}})
		}
		s.media.buf, s.media.eof = data, true
		want = int64(len(data))
	}

	data, err := s.media.read(0, want)
	if err != nil {
		return s.fail(&UploadError{Kind: UploadPermanent, Err: &IOError{Op: "reading media", Err: err}})
	}
	if int64(len(data)) < want {
		return s.fail(&UploadError{Kind: UploadPermanent, Err: &IOError{Op: "reading media", Err: io.ErrUnexpectedEOF}})
	}
	s.totalSize = want

	var body []byte
	err = s.withRetry(ctx, "direct upload", func(attemptCtx context.Context) error {
		var err error
		body, err = s.client.uploadDirect(attemptCtx, s.req, data)
		return err
	})
	if err != nil {
		if isCancellation(ctx, err) {
			return err
		}
		return s.fail(&UploadError{Kind: UploadPermanent, Err: err})
	}

	s.result = body
	s.bytesConfirmed = want
	s.transition(StateMediaComplete)
	return nil
}

// withRetry runs op under the retry policy for requests that carry no
// byte range of their own.
func (s *UploadSession) withRetry(ctx context.Context, operation string, op func(context.Context) error) error {
	for attempt := 1; ; attempt++ {
		attemptCtx, cancel := s.attemptContext(ctx)
		err := op(attemptCtx)
		cancel()
		if err == nil {
			return nil
		}

		kind := classifyError(err)
		decision := s.policy.decide(attempt, kind, retryAfter(err))
		if !decision.Retry {
			return err
		}

		s.logger.Warn("retrying "+operation+" after error",
			"attempt", attempt,
			"kind", kind.String(),
			"backoff", decision.Delay,
			"error", err.Error(),
		)
		if err := s.sleep(ctx, decision.Delay); err != nil {
			return err
		}
	}
}
