// Package cmd (upload.go) defines the 'upload' command group: 'upload
// video', 'upload thumbnail', 'upload status' and 'upload cancel'.
//
// Every resumable upload keeps a session record on disk from the moment the
// server issues a session URI until the upload completes. Running the same
// command again for the same file finds that record and continues from the
// last byte the server confirmed instead of starting over.
package cmd

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"mime"
	"net/http"
	"os"
	"path/filepath"
	"strings"
	"sync"

	"github.com/docker/go-units"
	"github.com/spf13/cobra"
	"golang.org/x/sync/errgroup"

	"github.com/tonimelisma/youtube-uploader/internal/app"
	"github.com/tonimelisma/youtube-uploader/internal/config"
	"github.com/tonimelisma/youtube-uploader/internal/session"
	"github.com/tonimelisma/youtube-uploader/internal/ui"
	"github.com/tonimelisma/youtube-uploader/pkg/youtube"
)

// newUploadCmd builds the 'upload' command group.
func newUploadCmd() *cobra.Command {
	uploadCmd := &cobra.Command{
		Use:   "upload",
		Short: "Upload videos and thumbnails",
		Long:  `Provides subcommands to upload videos and custom thumbnails, list interrupted uploads, and abandon them.`,
	}
	uploadCmd.AddCommand(
		newUploadVideoCmd(),
		newUploadThumbnailCmd(),
		newUploadStatusCmd(),
		newUploadCancelCmd(),
	)
	return uploadCmd
}

// addTransferFlags registers the flags that tune a transfer. They override
// the [upload] table of the config file.
func addTransferFlags(cmd *cobra.Command) {
	cmd.Flags().String("identity", "", "Credential identity to upload as")
	cmd.Flags().String("chunk-size", "", "Chunk size, a multiple of 256KB (e.g. 8MB)")
	cmd.Flags().Bool("direct", false, "Send each file in a single non-resumable request")
}

func newUploadVideoCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "video <file>...",
		Short: "Upload one or more videos",
		Long: `Uploads each file as a new video. With a single file --title is required;
with several files each video is titled after its file name unless --title
is given.

Uploads are resumable: if one is interrupted, running the same command for
the same file continues where it stopped.`,
		Args: cobra.MinimumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			a, err := newApp(cmd)
			if err != nil {
				return err
			}
			return uploadVideoLogic(a, cmd, args)
		},
	}
	cmd.Flags().String("title", "", "Video title")
	cmd.Flags().String("description", "", "Video description")
	cmd.Flags().StringSlice("tags", nil, "Comma-separated video tags")
	cmd.Flags().String("category", "22", "Numeric video category ID")
	cmd.Flags().String("privacy", youtube.PrivacyPublic, "Privacy status: public, unlisted or private")
	cmd.Flags().Int("parallel", 0, "Number of files uploaded at once (default from config)")
	addTransferFlags(cmd)
	return cmd
}

func newUploadThumbnailCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "thumbnail <video-id> <image>",
		Short: "Set the custom thumbnail of a video",
		Long:  `Uploads an image (JPEG or PNG, at most 2MB) and sets it as the custom thumbnail of the given video.`,
		Args:  cobra.ExactArgs(2),
		RunE: func(cmd *cobra.Command, args []string) error {
			a, err := newApp(cmd)
			if err != nil {
				return err
			}
			return uploadThumbnailLogic(a, cmd, args)
		},
	}
	addTransferFlags(cmd)
	return cmd
}

func newUploadStatusCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "status",
		Short: "List interrupted uploads",
		Long: `Lists uploads that can be resumed. With --check the server is asked how many
bytes of each it holds, and uploads the server has forgotten are removed.`,
		Args: cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			a, err := newApp(cmd)
			if err != nil {
				return err
			}
			return uploadStatusLogic(a, cmd)
		},
	}
	cmd.Flags().Bool("check", false, "Query the server for the confirmed byte count of each upload")
	return cmd
}

func newUploadCancelCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "cancel <file>",
		Short: "Abandon an interrupted upload",
		Long:  `Deletes the resumable session of an interrupted upload on the server and removes its local record. Use --video-id to cancel a thumbnail upload.`,
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			a, err := newApp(cmd)
			if err != nil {
				return err
			}
			return uploadCancelLogic(a, cmd, args)
		},
	}
	cmd.Flags().String("video-id", "", "Video ID the thumbnail was being uploaded for")
	return cmd
}

// uploadJob is one file to transfer.
type uploadJob struct {
	kind      session.Kind
	localPath string
	target    string
	identity  string
	request   youtube.UploadRequest
	opts      youtube.SessionOptions
	plain     bool
}

// transferOptions merges the transfer flags over the config file.
func transferOptions(a *app.App, cmd *cobra.Command) (youtube.SessionOptions, error) {
	opts := a.SessionOptions()
	if cmd.Flags().Changed("chunk-size") {
		raw, _ := cmd.Flags().GetString("chunk-size")
		size, err := config.UploadConfig{ChunkSize: raw}.ChunkSizeBytes()
		if err != nil {
			return opts, fmt.Errorf("--chunk-size: %w", err)
		}
		opts.ChunkSize = size
	}
	if cmd.Flags().Changed("direct") {
		opts.Direct, _ = cmd.Flags().GetBool("direct")
	}
	return opts, nil
}

func uploadVideoLogic(a *app.App, cmd *cobra.Command, args []string) error {
	opts, err := transferOptions(a, cmd)
	if err != nil {
		return err
	}

	title, _ := cmd.Flags().GetString("title")
	if title == "" && len(args) == 1 {
		return errors.New("--title is required when uploading a single video")
	}
	description, _ := cmd.Flags().GetString("description")
	tags, _ := cmd.Flags().GetStringSlice("tags")
	category, _ := cmd.Flags().GetString("category")
	privacy, _ := cmd.Flags().GetString("privacy")

	parallel, _ := cmd.Flags().GetInt("parallel")
	if parallel <= 0 {
		parallel = a.Config.Upload.Parallel
	}
	identity, _ := cmd.Flags().GetString("identity")
	if identity == "" {
		identity = a.Config.IdentityOr(config.IdentityVideo)
	}

	// Build and check every job before anything is sent.
	jobs := make([]uploadJob, 0, len(args))
	for _, path := range args {
		meta := youtube.VideoMetadata{
			Title:       title,
			Description: description,
			Tags:        tags,
			CategoryID:  category,
			Privacy:     privacy,
		}
		if meta.Title == "" {
			meta.Title = strings.TrimSuffix(filepath.Base(path), filepath.Ext(path))
		}
		if err := meta.Validate(); err != nil {
			return fmt.Errorf("%s: %w", path, err)
		}
		jobs = append(jobs, uploadJob{
			kind:      session.KindVideo,
			localPath: path,
			identity:  identity,
			request:   youtube.VideoUploadRequest(meta, contentTypeFor(path, youtube.DefaultVideoContentType)),
			opts:      opts,
			plain:     parallel > 1 && len(args) > 1,
		})
	}

	client, err := a.Client(cmd.Context(), []string{youtube.ScopeUpload}, identity)
	if err != nil {
		return err
	}

	out := cmd.OutOrStdout()
	var (
		g    errgroup.Group
		mu   sync.Mutex
		errs []error
	)
	g.SetLimit(parallel)
	for _, job := range jobs {
		g.Go(func() error {
			s, err := runUpload(cmd.Context(), a, client, job, cmd.ErrOrStderr())
			if err == nil {
				var v *youtube.Video
				if v, err = youtube.UploadedVideo(s); err == nil {
					mu.Lock()
					ui.DisplayVideo(out, v)
					mu.Unlock()
					return nil
				}
			}
			mu.Lock()
			errs = append(errs, fmt.Errorf("%s: %w", job.localPath, err))
			mu.Unlock()
			return nil
		})
	}
	_ = g.Wait()
	return errors.Join(errs...)
}

func uploadThumbnailLogic(a *app.App, cmd *cobra.Command, args []string) error {
	videoID, path := args[0], args[1]
	opts, err := transferOptions(a, cmd)
	if err != nil {
		return err
	}
	identity, _ := cmd.Flags().GetString("identity")
	if identity == "" {
		identity = a.Config.IdentityOr(config.IdentityThumbnail)
	}

	client, err := a.Client(cmd.Context(), []string{youtube.ScopeManage}, identity)
	if err != nil {
		return err
	}

	s, err := runUpload(cmd.Context(), a, client, uploadJob{
		kind:      session.KindThumbnail,
		localPath: path,
		target:    videoID,
		identity:  identity,
		request:   youtube.ThumbnailUploadRequest(videoID, contentTypeFor(path, youtube.DefaultThumbnailContentType)),
		opts:      opts,
	}, cmd.ErrOrStderr())
	if err != nil {
		return err
	}

	thumbs, err := youtube.UploadedThumbnails(s)
	if err != nil {
		return err
	}
	ui.DisplayThumbnails(cmd.OutOrStdout(), videoID, thumbs)
	return nil
}

// runUpload transfers one file, resuming from a saved session record when
// one matches the file. Progress is reported on progressOut.
func runUpload(ctx context.Context, a *app.App, client *youtube.Client, job uploadJob, progressOut io.Writer) (*youtube.UploadSession, error) {
	f, err := os.Open(job.localPath)
	if err != nil {
		return nil, &youtube.IOError{Op: "opening media file", Err: err}
	}
	defer f.Close()

	info, err := f.Stat()
	if err != nil {
		return nil, &youtube.IOError{Op: "stat media file", Err: err}
	}
	media, err := youtube.NewFileSource(f)
	if err != nil {
		return nil, err
	}

	label := filepath.Base(job.localPath)
	printer := ui.NewProgressPrinter(progressOut, label, job.plain)
	opts := job.opts

	if opts.Direct {
		opts.Listener = printer
		s := client.NewUploadSession(job.request, media, opts)
		return s, s.Run(ctx)
	}

	release, err := a.Sessions.Acquire(job.kind, job.localPath, job.target)
	if err != nil {
		return nil, err
	}
	defer release()

	rec, err := a.Sessions.Load(job.kind, job.localPath, job.target)
	if err != nil {
		return nil, err
	}
	if rec != nil && !(rec.Matches(info) && rec.Identity == job.identity) {
		a.Logger.Info("saved upload session does not match the file, starting over", "file", job.localPath)
		if err := a.Sessions.Delete(job.kind, job.localPath, job.target); err != nil {
			return nil, err
		}
		rec = nil
	}

	resumed := rec != nil
	if rec == nil {
		rec = newRecord(job, info)
	}

	tracker := a.Sessions.NewTracker(rec)
	opts.Listener = youtube.MultiListener{tracker, printer}

	var s *youtube.UploadSession
	if resumed {
		fmt.Fprintf(progressOut, "%s: resuming upload at %s of %s\n", label,
			units.BytesSize(float64(rec.BytesConfirmed)), units.BytesSize(float64(rec.TotalSize)))
		s = client.ResumeUploadSession(rec.SessionURI, rec.BytesConfirmed, job.request, media, opts)
	} else {
		s = client.NewUploadSession(job.request, media, opts)
	}
	tracker.Attach(s)

	err = s.Run(ctx)
	if err != nil && resumed && youtube.IsInvalidSession(err) {
		// The tracker already dropped the dead record.
		a.Logger.Warn("saved upload session is no longer valid, starting a new one", "file", job.localPath)
		if err = s.Initiate(ctx); err == nil {
			err = s.Run(ctx)
		}
	}
	return s, err
}

func newRecord(job uploadJob, info os.FileInfo) *session.Record {
	localPath := job.localPath
	if abs, err := filepath.Abs(localPath); err == nil {
		localPath = abs
	}
	rec := &session.Record{
		Kind:        job.kind,
		LocalPath:   localPath,
		Target:      job.target,
		Identity:    job.identity,
		ContentType: job.request.ContentType,
		TotalSize:   info.Size(),
		FileModTime: info.ModTime(),
		ChunkSize:   job.opts.ChunkSize,
	}
	if job.request.Metadata != nil {
		if raw, err := json.Marshal(job.request.Metadata); err == nil {
			rec.Metadata = raw
		}
	}
	return rec
}

// contentTypeFor guesses the media type from the file extension.
func contentTypeFor(path, fallback string) string {
	if t := mime.TypeByExtension(strings.ToLower(filepath.Ext(path))); t != "" {
		if i := strings.IndexByte(t, ';'); i >= 0 {
			t = t[:i]
		}
		return t
	}
	return fallback
}

func uploadStatusLogic(a *app.App, cmd *cobra.Command) error {
	recs, err := a.Sessions.List()
	if err != nil {
		return err
	}

	if check, _ := cmd.Flags().GetBool("check"); check && len(recs) > 0 {
		recs, err = checkRecords(cmd.Context(), a, recs)
		if err != nil {
			return err
		}
	}

	ui.DisplaySessions(cmd.OutOrStdout(), recs)
	return nil
}

// checkRecords asks the server for the confirmed byte count of every
// record, saving what it reports and dropping sessions it has forgotten.
func checkRecords(ctx context.Context, a *app.App, recs []*session.Record) ([]*session.Record, error) {
	kept := recs[:0]
	for _, rec := range recs {
		s, err := sessionFor(ctx, a, rec)
		if err != nil {
			return nil, err
		}
		confirmed, err := s.QueryStatus(ctx)
		switch {
		case youtube.IsInvalidSession(err):
			a.Logger.Info("server no longer knows upload session, removing it", "file", rec.LocalPath)
			if err := a.Sessions.Delete(rec.Kind, rec.LocalPath, rec.Target); err != nil {
				return nil, err
			}
			continue
		case err != nil:
			return nil, fmt.Errorf("%s: %w", rec.LocalPath, err)
		}

		if s.State() == youtube.StateMediaComplete {
			// Finished on the server but the process died before hearing so.
			if err := a.Sessions.Delete(rec.Kind, rec.LocalPath, rec.Target); err != nil {
				return nil, err
			}
			continue
		}
		if confirmed != rec.BytesConfirmed {
			rec.BytesConfirmed = confirmed
			if err := a.Sessions.Save(rec); err != nil {
				return nil, err
			}
		}
		kept = append(kept, rec)
	}
	return kept, nil
}

// sessionFor rebuilds the session of rec for status queries and cancels.
// No media is attached, so it cannot send chunks.
func sessionFor(ctx context.Context, a *app.App, rec *session.Record) (*youtube.UploadSession, error) {
	scopes := []string{youtube.ScopeUpload}
	if rec.Kind == session.KindThumbnail {
		scopes = []string{youtube.ScopeManage}
	}
	client, err := a.Client(ctx, scopes, rec.Identity)
	if err != nil {
		return nil, err
	}
	return client.ResumeUploadSession(rec.SessionURI, rec.BytesConfirmed,
		youtube.UploadRequest{ContentType: rec.ContentType},
		youtube.NewReaderSource(http.NoBody, rec.TotalSize),
		a.SessionOptions()), nil
}

func uploadCancelLogic(a *app.App, cmd *cobra.Command, args []string) error {
	path := args[0]
	kind := session.KindVideo
	videoID, _ := cmd.Flags().GetString("video-id")
	if videoID != "" {
		kind = session.KindThumbnail
	}

	release, err := a.Sessions.Acquire(kind, path, videoID)
	if err != nil {
		return err
	}
	defer release()

	rec, err := a.Sessions.Load(kind, path, videoID)
	if err != nil {
		return err
	}
	if rec == nil {
		return fmt.Errorf("no interrupted upload for %s", path)
	}

	s, err := sessionFor(cmd.Context(), a, rec)
	if err != nil {
		return err
	}
	if err := s.Cancel(cmd.Context()); err != nil {
		return err
	}
	if err := a.Sessions.Delete(kind, path, videoID); err != nil {
		return err
	}
	ui.Success(cmd.OutOrStdout(), "Upload of %s cancelled.", filepath.Base(path))
	return nil
}
