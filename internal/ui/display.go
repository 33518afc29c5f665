// Package ui formats youtube-uploader results for the terminal: uploaded
// videos and thumbnails, stored credentials, pending upload sessions, and
// live upload progress.
package ui

import (
	"fmt"
	"io"
	"path/filepath"
	"strings"
	"time"

	"github.com/tonimelisma/youtube-uploader/internal/session"
	"github.com/tonimelisma/youtube-uploader/pkg/youtube"
)

const watchURL = "https://www.youtube.com/watch?v="

// Success prints a one-line confirmation.
func Success(w io.Writer, format string, args ...any) {
	fmt.Fprintf(w, format+"\n", args...)
}

// PrintError prints err, followed by hint when there is one.
func PrintError(w io.Writer, err error, hint string) {
	fmt.Fprintf(w, "Error: %v\n", err)
	if hint != "" {
		fmt.Fprintf(w, "Hint: %s\n", hint)
	}
}

// DisplayVideo prints the resource returned by a completed video upload.
func DisplayVideo(w io.Writer, v *youtube.Video) {
	fmt.Fprintln(w, "Video uploaded:")
	fmt.Fprintf(w, "  ID:             %s\n", v.ID)
	if v.Snippet != nil {
		fmt.Fprintf(w, "  Title:          %s\n", v.Snippet.Title)
		if len(v.Snippet.Tags) > 0 {
			fmt.Fprintf(w, "  Tags:           %s\n", strings.Join(v.Snippet.Tags, ", "))
		}
	}
	if v.Status != nil {
		fmt.Fprintf(w, "  Privacy:        %s\n", v.Status.PrivacyStatus)
		if v.Status.UploadStatus != "" {
			fmt.Fprintf(w, "  Upload status:  %s\n", v.Status.UploadStatus)
		}
	}
	if v.ID != "" {
		fmt.Fprintf(w, "  URL:            %s%s\n", watchURL, v.ID)
	}
}

// DisplayThumbnails prints the thumbnail set returned by thumbnails/set.
func DisplayThumbnails(w io.Writer, videoID string, r *youtube.ThumbnailSetResponse) {
	fmt.Fprintf(w, "Thumbnail set for video %s\n", videoID)
	for _, set := range r.Items {
		for _, name := range []string{"default", "medium", "high", "standard", "maxres"} {
			th, ok := set[name]
			if !ok {
				continue
			}
			if th.Width > 0 {
				fmt.Fprintf(w, "  %-9s %dx%d %s\n", name, th.Width, th.Height, th.URL)
			} else {
				fmt.Fprintf(w, "  %-9s %s\n", name, th.URL)
			}
		}
	}
}

// DisplayCredential prints what is stored for identity. A nil credential
// means the identity is not logged in.
func DisplayCredential(w io.Writer, identity string, cred *youtube.Credential, now time.Time) {
	if cred == nil {
		fmt.Fprintf(w, "%s: not logged in\n", identity)
		return
	}
	fmt.Fprintf(w, "%s:\n", identity)
	fmt.Fprintf(w, "  Scopes:         %s\n", strings.Join(cred.Scopes, " "))
	switch {
	case cred.Expiry.IsZero():
		fmt.Fprintln(w, "  Access token:   no expiry recorded")
	case cred.Expired(now):
		fmt.Fprintf(w, "  Access token:   expired %s\n", cred.Expiry.Local().Format(time.RFC1123))
	default:
		fmt.Fprintf(w, "  Access token:   valid until %s\n", cred.Expiry.Local().Format(time.RFC1123))
	}
	if cred.RefreshToken != "" {
		fmt.Fprintln(w, "  Refresh token:  present")
	} else {
		fmt.Fprintln(w, "  Refresh token:  missing (login again for offline access)")
	}
}

// DisplaySessions prints pending resumable uploads.
func DisplaySessions(w io.Writer, recs []*session.Record) {
	if len(recs) == 0 {
		fmt.Fprintln(w, "No pending uploads.")
		return
	}

	fmt.Fprintf(w, "%-10s %-32s %-22s %-8s %s\n", "Kind", "File", "Progress", "Identity", "Expires")
	fmt.Fprintln(w, strings.Repeat("-", 96))
	for _, r := range recs {
		name := filepath.Base(r.LocalPath)
		if r.Target != "" {
			name += " -> " + r.Target
		}
		fmt.Fprintf(w, "%-10s %-32s %-22s %-8s %s\n",
			r.Kind, truncate(name, 32), sessionProgress(r), r.Identity, r.ExpiresAt.Local().Format("2006-01-02 15:04"))
	}
}

func sessionProgress(r *session.Record) string {
	if r.TotalSize <= 0 {
		return formatBytes(r.BytesConfirmed)
	}
	pct := float64(r.BytesConfirmed) / float64(r.TotalSize) * 100
	return fmt.Sprintf("%s/%s %3.0f%%", formatBytes(r.BytesConfirmed), formatBytes(r.TotalSize), pct)
}

func truncate(s string, n int) string {
	if len(s) <= n {
		return s
	}
	return s[:n-3] + "..."
}
