package ffmpegcli

import (
	"context"
	"encoding/json"
	"fmt"
	"math"
	"os/exec"
	"strconv"
	"strings"
	"time"

	ffmpeg "github.com/u2takey/ffmpeg-go"

	"github.com/r4ai/cutit/internal/media"
	"github.com/r4ai/cutit/internal/timebase"
)

// probeFormat mirrors the ffprobe JSON we consume.
type probeFormat struct {
	Format struct {
		Duration string `json:"duration"`
	} `json:"format"`
	Streams []probeStream `json:"streams"`
}

type probeStream struct {
	Index        int    `json:"index"`
	CodecType    string `json:"codec_type"`
	TimeBase     string `json:"time_base"`
	AvgFrameRate string `json:"avg_frame_rate"`
	StartPTS     *int64 `json:"start_pts"`
	DurationTS   *int64 `json:"duration_ts"`
	Width        int    `json:"width"`
	Height       int    `json:"height"`
	SampleRate   string `json:"sample_rate"`
	Channels     int    `json:"channels"`
}

// Probe runs ffprobe and maps the first video and first audio stream
// into the engine's model. Per-stream source ranges default to
// [start_pts, start_pts+duration_ts); when a stream reports no
// duration, the container duration is rescaled instead.
func (b *Backend) Probe(ctx context.Context, path string) (*media.ProbeResult, error) {
	raw, err := b.runProbe(ctx, path)
	if err != nil {
		return nil, fmt.Errorf("ffprobe %s: %w", path, err)
	}

	var parsed probeFormat
	if err := json.Unmarshal([]byte(raw), &parsed); err != nil {
		return nil, fmt.Errorf("ffprobe %s: parse output: %w", path, err)
	}

	durationSec, _ := strconv.ParseFloat(parsed.Format.Duration, 64)
	durationTL := int64(math.Round(durationSec * 1_000_000))

	result := &media.ProbeResult{Path: path, DurationTL: durationTL}

	for _, stream := range parsed.Streams {
		switch stream.CodecType {
		case "video":
			if result.Video != nil {
				continue
			}
			base, err := parseRational(stream.TimeBase)
			if err != nil {
				return nil, fmt.Errorf("ffprobe %s: video time base: %w", path, err)
			}
			srcIn, srcOut := streamRange(&stream, base, durationTL)
			rate, _ := parseRational(stream.AvgFrameRate)
			result.Video = &media.VideoStreamInfo{
				StreamIndex: stream.Index,
				TimeBase:    base,
				FrameRate:   rate,
				SrcIn:       srcIn,
				SrcOut:      srcOut,
				Width:       stream.Width,
				Height:      stream.Height,
			}
		case "audio":
			if result.Audio != nil {
				continue
			}
			base, err := parseRational(stream.TimeBase)
			if err != nil {
				return nil, fmt.Errorf("ffprobe %s: audio time base: %w", path, err)
			}
			sampleRate, _ := strconv.Atoi(stream.SampleRate)
			if sampleRate <= 0 {
				return nil, fmt.Errorf("ffprobe %s: audio stream %d has no sample rate", path, stream.Index)
			}
			srcIn, srcOut := streamRange(&stream, base, durationTL)
			result.Audio = &media.AudioStreamInfo{
				StreamIndex: stream.Index,
				TimeBase:    base,
				SrcIn:       srcIn,
				SrcOut:      srcOut,
				SampleRate:  sampleRate,
				Channels:    stream.Channels,
			}
		}
	}

	if result.Video == nil && result.Audio == nil {
		return nil, fmt.Errorf("%s: no usable video or audio stream", path)
	}
	return result, nil
}

// runProbe shells out to ffprobe. The library helper only knows the
// PATH binary, so a configured ffprobe runs through the same argument
// set by hand.
func (b *Backend) runProbe(ctx context.Context, path string) (string, error) {
	if b.ffprobePath == "" || b.ffprobePath == "ffprobe" {
		return ffmpeg.ProbeWithTimeout(path, probeTimeout(ctx), nil)
	}
	out, err := exec.CommandContext(ctx, b.ffprobePath,
		"-show_format", "-show_streams", "-of", "json", path).Output()
	if err != nil {
		return "", err
	}
	return string(out), nil
}

// streamRange maps probed timing onto [srcIn, srcOut) in the stream's
// base: start_pts when present (else 0), plus duration_ts when present
// (else the rescaled container duration).
func streamRange(stream *probeStream, base timebase.Rational, durationTL int64) (int64, int64) {
	var srcIn int64
	if stream.StartPTS != nil {
		srcIn = *stream.StartPTS
	}
	if stream.DurationTS != nil && *stream.DurationTS > 0 {
		return srcIn, srcIn + *stream.DurationTS
	}
	return srcIn, srcIn + timebase.Rescale(durationTL, timebase.TimelineBase, base)
}

// parseRational parses ffprobe's "num/den" (or bare integer) form.
func parseRational(s string) (timebase.Rational, error) {
	if s == "" || s == "0/0" {
		return timebase.Rational{}, fmt.Errorf("empty rational")
	}
	numStr, denStr, found := strings.Cut(s, "/")
	if !found {
		denStr = "1"
	}
	num, err := strconv.ParseInt(numStr, 10, 32)
	if err != nil {
		return timebase.Rational{}, fmt.Errorf("rational %q: %w", s, err)
	}
	den, err := strconv.ParseInt(denStr, 10, 32)
	if err != nil {
		return timebase.Rational{}, fmt.Errorf("rational %q: %w", s, err)
	}
	r, err := timebase.New(int32(num), int32(den))
	if err != nil {
		return timebase.Rational{}, fmt.Errorf("rational %q: %w", s, err)
	}
	return r, nil
}

func probeTimeout(ctx context.Context) time.Duration {
	deadline, ok := ctx.Deadline()
	if !ok {
		return 0
	}
	remaining := time.Until(deadline)
	if remaining < 0 {
		return time.Nanosecond
	}
	return remaining
}
