package ui

import (
	"bytes"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"

	"github.com/tonimelisma/youtube-uploader/pkg/youtube"
)

func TestIsTerminalBuffer(t *testing.T) {
	assert.False(t, IsTerminal(&bytes.Buffer{}))
}

func TestProgressPrinterPlain(t *testing.T) {
	var buf bytes.Buffer
	p := NewProgressPrinter(&buf, "clip.mp4", true)

	const total = 4 << 20
	events := []youtube.ProgressEvent{
		{State: youtube.StateInitiationStarted, TotalSize: total},
		{State: youtube.StateInitiationComplete, TotalSize: total},
		{State: youtube.StateMediaInProgress, TotalSize: total},
		{State: youtube.StateMediaInProgress, BytesConfirmed: 1 << 20, TotalSize: total},
		{State: youtube.StateMediaInProgress, BytesConfirmed: 1<<20 + 10, TotalSize: total},
		{State: youtube.StateMediaComplete, BytesConfirmed: total, TotalSize: total},
	}
	for _, e := range events {
		p.OnProgress(e)
	}

	lines := strings.Split(strings.TrimSpace(buf.String()), "\n")
	assert.Equal(t, []string{
		"clip.mp4: upload initiation started",
		"clip.mp4: upload initiation complete",
		"clip.mp4: upload in progress, 0% (0B of 4MiB)",
		"clip.mp4: upload in progress, 25% (1MiB of 4MiB)",
		"clip.mp4: upload complete (4MiB)",
	}, lines)
}

func TestProgressPrinterPlainUnknownSize(t *testing.T) {
	var buf bytes.Buffer
	p := NewProgressPrinter(&buf, "stream", true)

	p.OnProgress(youtube.ProgressEvent{State: youtube.StateMediaInProgress, BytesConfirmed: 2048, TotalSize: youtube.SizeUnknown})
	p.OnProgress(youtube.ProgressEvent{State: youtube.StateFailed, BytesConfirmed: 2048, TotalSize: youtube.SizeUnknown})

	assert.Equal(t, "stream: upload in progress, 2KiB sent\nstream: upload failed at 2KiB\n", buf.String())
}

func TestProgressPrinterFallsBackToPlainOffTerminal(t *testing.T) {
	var buf bytes.Buffer
	p := NewProgressPrinter(&buf, "clip.mp4", false)
	assert.True(t, p.plain)
}

func TestNewProgressBarWritesToWriter(t *testing.T) {
	var buf bytes.Buffer
	bar := NewProgressBar(&buf, 100, "")
	assert.NoError(t, bar.Set64(100))
	assert.Contains(t, buf.String(), "Uploading")
}
