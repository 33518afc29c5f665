package ui

import (
	"fmt"
	"io"
	"os"
	"sync"
	"time"

	"github.com/docker/go-units"
	"github.com/mattn/go-isatty"
	"github.com/schollz/progressbar/v3"

	"github.com/tonimelisma/youtube-uploader/pkg/youtube"
)

// IsTerminal reports whether w is an interactive terminal.
func IsTerminal(w io.Writer) bool {
	f, ok := w.(*os.File)
	if !ok {
		return false
	}
	return isatty.IsTerminal(f.Fd()) || isatty.IsCygwinTerminal(f.Fd())
}

// NewProgressBar creates a byte-counting bar for one transfer. A negative
// maxBytes gives a spinner for streams of unknown size.
func NewProgressBar(w io.Writer, maxBytes int64, description string) *progressbar.ProgressBar {
	if description == "" {
		description = "Uploading"
	}
	return progressbar.NewOptions64(
		maxBytes,
		progressbar.OptionSetDescription(description),
		progressbar.OptionSetWriter(w),
		progressbar.OptionShowBytes(true),
		progressbar.OptionSetWidth(40),
		progressbar.OptionThrottle(100*time.Millisecond),
		progressbar.OptionShowCount(),
		progressbar.OptionOnCompletion(func() {
			fmt.Fprint(w, "\n")
		}),
		progressbar.OptionSpinnerType(14),
	)
}

// ProgressPrinter is a youtube.ProgressListener that reports an upload on
// a terminal as a progress bar and elsewhere as one line per state change.
type ProgressPrinter struct {
	out   io.Writer
	label string
	plain bool

	mu      sync.Mutex
	bar     *progressbar.ProgressBar
	lastPct int
}

// NewProgressPrinter returns a printer for the upload named label. Set
// plain to force line output, e.g. when several uploads share a terminal.
func NewProgressPrinter(out io.Writer, label string, plain bool) *ProgressPrinter {
	return &ProgressPrinter{
		out:     out,
		label:   label,
		plain:   plain || !IsTerminal(out),
		lastPct: -1,
	}
}

// OnProgress implements youtube.ProgressListener.
func (p *ProgressPrinter) OnProgress(e youtube.ProgressEvent) {
	p.mu.Lock()
	defer p.mu.Unlock()

	if p.plain {
		p.printLine(e)
		return
	}

	switch e.State {
	case youtube.StateInitiationStarted:
		fmt.Fprintf(p.out, "%s: starting upload\n", p.label)
	case youtube.StateInitiationComplete, youtube.StateMediaInProgress:
		if p.bar == nil {
			p.bar = NewProgressBar(p.out, e.TotalSize, p.label)
		}
		_ = p.bar.Set64(e.BytesConfirmed)
	case youtube.StateMediaComplete:
		if p.bar != nil {
			_ = p.bar.Set64(e.BytesConfirmed)
			_ = p.bar.Finish()
		}
		fmt.Fprintf(p.out, "%s: upload complete (%s)\n", p.label, formatBytes(e.BytesConfirmed))
	case youtube.StateFailed:
		if p.bar != nil {
			_ = p.bar.Exit()
		}
		fmt.Fprintf(p.out, "%s: upload failed at %s\n", p.label, formatBytes(e.BytesConfirmed))
	}
}

// printLine writes the line-oriented form. In-progress lines are limited to
// one per whole percent so long uploads do not flood a log file.
func (p *ProgressPrinter) printLine(e youtube.ProgressEvent) {
	switch e.State {
	case youtube.StateInitiationStarted:
		fmt.Fprintf(p.out, "%s: upload initiation started\n", p.label)
	case youtube.StateInitiationComplete:
		fmt.Fprintf(p.out, "%s: upload initiation complete\n", p.label)
	case youtube.StateMediaInProgress:
		if e.TotalSize == youtube.SizeUnknown {
			fmt.Fprintf(p.out, "%s: upload in progress, %s sent\n", p.label, formatBytes(e.BytesConfirmed))
			return
		}
		pct := int(e.Fraction() * 100)
		if pct == p.lastPct {
			return
		}
		p.lastPct = pct
		fmt.Fprintf(p.out, "%s: upload in progress, %d%% (%s of %s)\n",
			p.label, pct, formatBytes(e.BytesConfirmed), formatBytes(e.TotalSize))
	case youtube.StateMediaComplete:
		fmt.Fprintf(p.out, "%s: upload complete (%s)\n", p.label, formatBytes(e.BytesConfirmed))
	case youtube.StateFailed:
		fmt.Fprintf(p.out, "%s: upload failed at %s\n", p.label, formatBytes(e.BytesConfirmed))
	}
}

func formatBytes(n int64) string {
	return units.BytesSize(float64(n))
}
