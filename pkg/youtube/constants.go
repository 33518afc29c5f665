// Package youtube provides constants used throughout the YouTube upload SDK.
package youtube

import "time"

// HTTP Status Code Constants not covered by net/http.
const (
	// StatusResumeIncomplete is returned by the resumable endpoint while more
	// bytes are expected.
	StatusResumeIncomplete = 308
	// StatusClientClosedRequest is returned when a session is cancelled.
	StatusClientClosedRequest = 499
)

// Endpoint Constants
const (
	DefaultUploadBaseURL = "https://www.googleapis.com/upload/youtube/v3"
	DefaultAuthURL       = "https://accounts.google.com/o/oauth2/auth"
	DefaultTokenURL      = "https://oauth2.googleapis.com/token"
)

// OAuth scopes used by the upload programs.
const (
	ScopeUpload = "https://www.googleapis.com/auth/youtube.upload"
	ScopeManage = "https://www.googleapis.com/auth/youtube"
)

// Chunking Constants
const (
	// MinChunkSize is the granularity the resumable endpoint accepts for
	// every chunk except the last.
	MinChunkSize = 256 * 1024
	// DefaultChunkSize is the chunk size used when none is configured.
	DefaultChunkSize = 40 * MinChunkSize // 10 MiB
	// SizeUnknown marks a media source whose length is not known up front.
	SizeUnknown int64 = -1
)

// Default Retry Configuration Constants
const (
	DefaultMaxAttempts    = 5
	DefaultBaseDelay      = 1 * time.Second
	DefaultMaxDelay       = 32 * time.Second
	DefaultJitterFraction = 0.25
	DefaultBackoffFactor  = 2.0
	DefaultChunkTimeout   = 2 * time.Minute
	DefaultTimeout        = 30 * time.Second
)

// tokenExpiryDelta is subtracted from a credential's expiry so an access
// token is never sent in the last seconds of its lifetime.
const tokenExpiryDelta = 10 * time.Second

// Content types used when the caller does not provide one.
const (
	DefaultVideoContentType     = "video/*"
	DefaultThumbnailContentType = "image/png"
)

// maxErrorBodySize bounds how much of an error response body is kept.
const maxErrorBodySize = 64 * 1024
