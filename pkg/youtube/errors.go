package youtube

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"strconv"
	"time"
)

// Sentinel errors returned by the SDK.
var (
	ErrNotLoggedIn       = errors.New("not logged in")
	ErrConsentRequired   = errors.New("interactive consent required but no consent flow is configured")
	ErrConsentDenied     = errors.New("user denied consent")
	ErrNotInitiated      = errors.New("upload session not initiated")
	ErrAlreadyInitiated  = errors.New("upload session already initiated")
	ErrSourceRewind      = errors.New("media source cannot rewind to the requested offset")
	ErrRangeMismatch     = errors.New("server confirmed an invalid byte range")
	ErrMissingSessionURI = errors.New("initiation response carried no session URI")
)

// AuthErrorKind classifies authorization failures.
type AuthErrorKind int

const (
	// AuthDenied means the user declined consent.
	AuthDenied AuthErrorKind = iota + 1
	// AuthNetworkFailure means the token endpoint could not be reached. The
	// caller may retry.
	AuthNetworkFailure
	// AuthInvalidGrant means the refresh token or code was revoked or expired.
	AuthInvalidGrant
	// AuthRejected covers other token endpoint rejections such as
	// invalid_client or invalid_scope.
	AuthRejected
)

func (k AuthErrorKind) String() string {
	switch k {
	case AuthDenied:
		return "denied"
	case AuthNetworkFailure:
		return "network failure"
	case AuthInvalidGrant:
		return "invalid grant"
	case AuthRejected:
		return "rejected"
	default:
		return "unknown"
	}
}

// AuthError is returned by the Authorizer.
type AuthError struct {
	Kind AuthErrorKind
	Err  error
}

func (e *AuthError) Error() string {
	if e.Err == nil {
		return fmt.Sprintf("authorization failed (%s)", e.Kind)
	}
	return fmt.Sprintf("authorization failed (%s): %v", e.Kind, e.Err)
}

func (e *AuthError) Unwrap() error { return e.Err }

// IsAuthError reports whether err is an AuthError of the given kind.
func IsAuthError(err error, kind AuthErrorKind) bool {
	var authErr *AuthError
	return errors.As(err, &authErr) && authErr.Kind == kind
}

// InitiationError is returned when a resumable session cannot be opened.
type InitiationError struct {
	Err error
}

func (e *InitiationError) Error() string {
	return fmt.Sprintf("initiating upload: %v", e.Err)
}

func (e *InitiationError) Unwrap() error { return e.Err }

// UploadErrorKind separates failures the retry policy may recover from
// and failures it may not.
type UploadErrorKind int

const (
	UploadTransient UploadErrorKind = iota + 1
	UploadPermanent
)

func (k UploadErrorKind) String() string {
	switch k {
	case UploadTransient:
		return "transient"
	case UploadPermanent:
		return "permanent"
	default:
		return "unknown"
	}
}

// UploadError is returned by UploadSession.Run. Transient errors are
// retried internally, so callers normally only see UploadPermanent.
type UploadError struct {
	Kind UploadErrorKind
	Err  error
}

func (e *UploadError) Error() string {
	return fmt.Sprintf("upload failed (%s): %v", e.Kind, e.Err)
}

func (e *UploadError) Unwrap() error { return e.Err }

// IOError reports a failure reading or writing local storage, either the
// credential store or the media source.
type IOError struct {
	Op  string
	Err error
}

func (e *IOError) Error() string {
	return fmt.Sprintf("%s: %v", e.Op, e.Err)
}

func (e *IOError) Unwrap() error { return e.Err }

// ErrorKind is the retry policy's view of a failed request.
type ErrorKind int

const (
	KindNetworkFailure ErrorKind = iota + 1
	KindServerError
	KindRateLimited
	KindClientError
	KindInvalidSession
)

func (k ErrorKind) String() string {
	switch k {
	case KindNetworkFailure:
		return "network failure"
	case KindServerError:
		return "server error"
	case KindRateLimited:
		return "rate limited"
	case KindClientError:
		return "client error"
	case KindInvalidSession:
		return "invalid session"
	default:
		return "unknown"
	}
}

// StatusError is an unexpected HTTP response from the remote endpoint.
type StatusError struct {
	StatusCode int
	Body       string
	RetryAfter time.Duration
}

func (e *StatusError) Error() string {
	if e.Body == "" {
		return fmt.Sprintf("unexpected HTTP status %d", e.StatusCode)
	}
	return fmt.Sprintf("unexpected HTTP status %d: %s", e.StatusCode, e.Body)
}

// classifyStatus maps an HTTP status code to an ErrorKind.
func classifyStatus(code int) ErrorKind {
	switch {
	case code == http.StatusTooManyRequests:
		return KindRateLimited
	case code == http.StatusNotFound, code == http.StatusGone:
		return KindInvalidSession
	case code == http.StatusRequestTimeout, code >= 500:
		return KindServerError
	default:
		return KindClientError
	}
}

// classifyError maps any error returned by a chunk attempt to an ErrorKind.
// Anything that is not an HTTP status is treated as a network failure,
// including attempt timeouts.
func classifyError(err error) ErrorKind {
	var statusErr *StatusError
	if errors.As(err, &statusErr) {
		return classifyStatus(statusErr.StatusCode)
	}
	return KindNetworkFailure
}

// IsInvalidSession reports whether err means the remote session is gone
// and the transfer has to start over with a new initiation.
func IsInvalidSession(err error) bool {
	var statusErr *StatusError
	return errors.As(err, &statusErr) && classifyStatus(statusErr.StatusCode) == KindInvalidSession
}

// retryAfter extracts the server-requested delay from err, if any.
func retryAfter(err error) time.Duration {
	var statusErr *StatusError
	if errors.As(err, &statusErr) {
		return statusErr.RetryAfter
	}
	return 0
}

// parseRetryAfter accepts both delta-seconds and HTTP-date forms.
func parseRetryAfter(value string, now time.Time) time.Duration {
	if value == "" {
		return 0
	}
	if secs, err := strconv.Atoi(value); err == nil && secs >= 0 {
		return time.Duration(secs) * time.Second
	}
	if t, err := http.ParseTime(value); err == nil {
		if d := t.Sub(now); d > 0 {
			return d
		}
	}
	return 0
}

// isCancellation reports whether err stems from the caller's context rather
// than from the remote endpoint.
func isCancellation(ctx context.Context, err error) bool {
	return ctx.Err() != nil && (errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded))
}
