// Package ffmpegcli implements the media backend on the ffmpeg and
// ffprobe command-line tools: ffprobe JSON for probing, rawvideo and
// s16le pipes for decoding, and a two-pass encode+mux for writing.
// Every subprocess is owned by the handle that spawned it.
package ffmpegcli

import (
	"context"
	"fmt"
	"log/slog"
	"os/exec"
	"strings"

	"github.com/r4ai/cutit/internal/media"
)

// Backend runs ffmpeg subprocesses. Safe to share across goroutines;
// the handles it returns are not.
type Backend struct {
	ffmpegPath  string
	ffprobePath string
	logger      *slog.Logger
}

// New uses the ffmpeg and ffprobe binaries found on PATH.
func New(logger *slog.Logger) *Backend {
	return NewWithTools("", "", logger)
}

// NewWithTools pins the ffmpeg and ffprobe binaries to explicit paths;
// empty strings fall back to PATH lookup.
func NewWithTools(ffmpegPath, ffprobePath string, logger *slog.Logger) *Backend {
	if ffmpegPath == "" {
		ffmpegPath = "ffmpeg"
	}
	if ffprobePath == "" {
		ffprobePath = "ffprobe"
	}
	return &Backend{ffmpegPath: ffmpegPath, ffprobePath: ffprobePath, logger: logger}
}

// retargetCmd points a compiled ffmpeg invocation at a configured
// binary. The library compiles against the PATH name, so the default
// needs no rewrite.
func retargetCmd(cmd *exec.Cmd, bin string) {
	if bin == "" || bin == "ffmpeg" {
		return
	}
	if resolved, err := exec.LookPath(bin); err == nil {
		cmd.Path = resolved
	} else {
		cmd.Path = bin
	}
	cmd.Args[0] = bin
}

// encoderName maps a codec policy name onto the ffmpeg encoder that
// implements it.
func encoderName(codec string) string {
	switch codec {
	case "h264":
		return "libx264"
	case "hevc":
		return "libx265"
	default:
		return codec
	}
}

// CheckEncoders verifies the settings' encoders are compiled into the
// installed ffmpeg before an export touches the output path.
func (b *Backend) CheckEncoders(ctx context.Context, settings media.WriterSettings) error {
	out, err := exec.CommandContext(ctx, b.ffmpegPath, "-hide_banner", "-encoders").Output()
	if err != nil {
		return fmt.Errorf("ffmpeg -encoders: %w", err)
	}
	listing := string(out)

	for _, name := range requiredEncoders(settings) {
		if !strings.Contains(listing, " "+name+" ") {
			return fmt.Errorf("%w: %s", media.ErrEncoderUnavailable, name)
		}
	}
	return nil
}

// requiredEncoders lists only the encoders the job will actually run;
// an audio-only export must pass on an ffmpeg without libx264.
func requiredEncoders(settings media.WriterSettings) []string {
	var required []string
	if settings.Width > 0 && settings.Height > 0 {
		required = append(required, encoderName(settings.VideoCodec))
	}
	if settings.HasAudio {
		required = append(required, encoderName(settings.AudioCodec))
	}
	return required
}

// boundedBuffer keeps the tail of a subprocess's stderr for error
// reporting without letting a chatty process grow memory.
type boundedBuffer struct {
	max  int
	data []byte
}

func newBoundedBuffer(max int) *boundedBuffer {
	return &boundedBuffer{max: max}
}

func (b *boundedBuffer) Write(p []byte) (int, error) {
	b.data = append(b.data, p...)
	if len(b.data) > b.max {
		b.data = b.data[len(b.data)-b.max:]
	}
	return len(p), nil
}

func (b *boundedBuffer) String() string {
	return strings.TrimSpace(string(b.data))
}
