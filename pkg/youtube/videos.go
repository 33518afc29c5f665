package youtube

import (
	"fmt"
	"net/url"
	"strings"
)

// Privacy statuses accepted by the videos endpoint.
const (
	PrivacyPublic   = "public"
	PrivacyUnlisted = "unlisted"
	PrivacyPrivate  = "private"
)

// VideoSnippet holds the descriptive fields of a video.
type VideoSnippet struct {
	Title       string   `json:"title,omitempty"`
	Description string   `json:"description,omitempty"`
	Tags        []string `json:"tags,omitempty"`
	CategoryID  string   `json:"categoryId,omitempty"`
	ChannelID   string   `json:"channelId,omitempty"`
	PublishedAt string   `json:"publishedAt,omitempty"`
}

// VideoStatus holds the upload and privacy status of a video.
type VideoStatus struct {
	PrivacyStatus string `json:"privacyStatus,omitempty"`
	UploadStatus  string `json:"uploadStatus,omitempty"`
}

// VideoStatistics holds the counters returned for a video.
type VideoStatistics struct {
	ViewCount    string `json:"viewCount,omitempty"`
	LikeCount    string `json:"likeCount,omitempty"`
	CommentCount string `json:"commentCount,omitempty"`
}

// Video is the video resource returned by a completed upload.
type Video struct {
	Kind       string           `json:"kind,omitempty"`
	ID         string           `json:"id,omitempty"`
	Snippet    *VideoSnippet    `json:"snippet,omitempty"`
	Status     *VideoStatus     `json:"status,omitempty"`
	Statistics *VideoStatistics `json:"statistics,omitempty"`
}

// VideoMetadata is what a caller supplies for a new video.
type VideoMetadata struct {
	Title       string
	Description string
	Tags        []string
	CategoryID  string
	Privacy     string
}

// Validate checks the metadata before an upload is started.
func (m VideoMetadata) Validate() error {
	if strings.TrimSpace(m.Title) == "" {
		return fmt.Errorf("video title is required")
	}
	switch m.Privacy {
	case "", PrivacyPublic, PrivacyUnlisted, PrivacyPrivate:
		return nil
	default:
		return fmt.Errorf("invalid privacy status %q", m.Privacy)
	}
}

func (m VideoMetadata) resource() Video {
	privacy := m.Privacy
	if privacy == "" {
		privacy = PrivacyPublic
	}
	return Video{
		Snippet: &VideoSnippet{
			Title:       m.Title,
			Description: m.Description,
			Tags:        m.Tags,
			CategoryID:  m.CategoryID,
		},
		Status: &VideoStatus{PrivacyStatus: privacy},
	}
}

// VideoUploadRequest builds the request that inserts a video.
func VideoUploadRequest(meta VideoMetadata, contentType string) UploadRequest {
	if contentType == "" {
		contentType = DefaultVideoContentType
	}
	return UploadRequest{
		Path:        "/videos",
		Params:      url.Values{"part": {"snippet,statistics,status"}},
		Metadata:    meta.resource(),
		ContentType: contentType,
	}
}

// ThumbnailUploadRequest builds the request that sets a video's custom
// thumbnail.
func ThumbnailUploadRequest(videoID, contentType string) UploadRequest {
	if contentType == "" {
		contentType = DefaultThumbnailContentType
	}
	return UploadRequest{
		Path:        "/thumbnails/set",
		Params:      url.Values{"videoId": {videoID}},
		ContentType: contentType,
	}
}

// Thumbnail is a single thumbnail image.
type Thumbnail struct {
	URL    string `json:"url"`
	Width  int    `json:"width,omitempty"`
	Height int    `json:"height,omitempty"`
}

// ThumbnailSet maps size names (default, medium, high...) to thumbnails.
type ThumbnailSet map[string]Thumbnail

// ThumbnailSetResponse is returned by a completed thumbnail upload.
type ThumbnailSetResponse struct {
	Kind  string         `json:"kind,omitempty"`
	Items []ThumbnailSet `json:"items"`
}

// NewVideoUpload prepares a video insert.
func (c *Client) NewVideoUpload(meta VideoMetadata, media MediaSource, contentType string, opts SessionOptions) *UploadSession {
	return c.NewUploadSession(VideoUploadRequest(meta, contentType), media, opts)
}

// NewThumbnailUpload prepares a thumbnail upload for videoID.
func (c *Client) NewThumbnailUpload(videoID string, media MediaSource, contentType string, opts SessionOptions) *UploadSession {
	return c.NewUploadSession(ThumbnailUploadRequest(videoID, contentType), media, opts)
}

// UploadedVideo decodes the video resource from a completed session.
func UploadedVideo(s *UploadSession) (*Video, error) {
	var v Video
	if err := s.DecodeResult(&v); err != nil {
		return nil, fmt.Errorf("decoding uploaded video: %w", err)
	}
	return &v, nil
}

// UploadedThumbnails decodes the thumbnail set from a completed session.
func UploadedThumbnails(s *UploadSession) (*ThumbnailSetResponse, error) {
	var r ThumbnailSetResponse
	if err := s.DecodeResult(&r); err != nil {
		return nil, fmt.Errorf("decoding thumbnail response: %w", err)
	}
	return &r, nil
}
