// Package media defines the boundary between the engine and the
// codec/container capability. The engine treats decoding, encoding,
// muxing and resampling as opaque operations behind these interfaces;
// no backend type crosses a channel, and every handle obtained here is
// confined to the goroutine that opened it.
package media

import (
	"context"
	"errors"

	"github.com/r4ai/cutit/internal/timebase"
)

// PixelLayout tags the memory layout of preview frame bytes.
type PixelLayout string

const (
	// LayoutRGBA8 is interleaved 8-bit RGBA, the default delivery
	// layout for preview frames.
	LayoutRGBA8 PixelLayout = "rgba8"
	// LayoutNV12 is the native chroma-subsampled layout; conversion
	// is deferred to the consumer when a backend delivers it.
	LayoutNV12 PixelLayout = "nv12"
)

// PreviewFrame is the display-ready frame handed across the pipeline
// boundary: plain dimensions, a layout tag and an owned byte buffer.
type PreviewFrame struct {
	Width  int
	Height int
	Layout PixelLayout
	Bytes  []byte
}

// SizeBytes reports the payload size, used for cache accounting.
func (f *PreviewFrame) SizeBytes() int {
	return len(f.Bytes)
}

// VideoFrame is one decoded video frame in presentation order.
type VideoFrame struct {
	// PTS is the presentation timestamp in Base ticks. BestEffort is
	// set when the true timestamp was missing or non-monotonic and
	// the decoder substituted its best guess.
	PTS        int64
	BestEffort bool
	Base       timebase.Rational
	Width      int
	Height     int
	// Bytes is interleaved RGBA, owned by the receiver.
	Bytes []byte
}

// AudioFrame is a run of decoded interleaved s16 samples.
type AudioFrame struct {
	PTS        int64
	Base       timebase.Rational
	SampleRate int
	Channels   int
	// Samples counts frames of Channels samples each; len(Bytes) ==
	// Samples*Channels*2.
	Samples int
	Bytes   []byte
}

// VideoStreamInfo describes a probed video stream. FrameRate is the
// container's average rate and may be zero for streams that do not
// report one.
type VideoStreamInfo struct {
	StreamIndex int
	TimeBase    timebase.Rational
	FrameRate   timebase.Rational
	SrcIn       int64
	SrcOut      int64
	Width       int
	Height      int
}

// AudioStreamInfo describes a probed audio stream.
type AudioStreamInfo struct {
	StreamIndex int
	TimeBase    timebase.Rational
	SrcIn       int64
	SrcOut      int64
	SampleRate  int
	Channels    int
}

// ProbeResult is the outcome of probing one media file. DurationTL is
// in timeline ticks (microseconds). Either stream may be absent, but
// never both.
type ProbeResult struct {
	Path       string
	DurationTL int64
	Video      *VideoStreamInfo
	Audio      *AudioStreamInfo
}

// DecodeRange restricts a decoder to [SrcIn, SrcOut) in the stream's
// native base. The backend seeks to a keyframe at or before SrcIn and
// flushes before the first ReadFrame.
type DecodeRange struct {
	SrcIn  int64
	SrcOut int64
}

// WriterSettings fixes the output container and codec pair. The
// defaults (mp4, h264, aac) are the one supported output policy.
type WriterSettings struct {
	Container  string
	VideoCodec string
	AudioCodec string

	Width     int
	Height    int
	VideoBase timebase.Rational
	FrameRate timebase.Rational

	SampleRate int
	Channels   int
	HasAudio   bool
}

// DefaultWriterSettings returns the fixed mp4/h264/aac output policy.
func DefaultWriterSettings() WriterSettings {
	return WriterSettings{
		Container:  "mp4",
		VideoCodec: "h264",
		AudioCodec: "aac",
	}
}

// ErrEncoderUnavailable reports a failed export pre-flight check.
var ErrEncoderUnavailable = errors.New("required encoder unavailable")

// VideoDecoder yields decoded frames in presentation order until
// io.EOF. Confined to the goroutine that opened it.
type VideoDecoder interface {
	ReadFrame() (*VideoFrame, error)
	Close() error
}

// AudioDecoder yields decoded sample runs until io.EOF. Confined to
// the goroutine that opened it.
type AudioDecoder interface {
	ReadFrame() (*AudioFrame, error)
	Close() error
}

// Writer encodes frames and muxes them into one output container.
// Video PTS values arrive already rescaled to the output video base
// and strictly increasing; audio PTS values are counted samples in
// the output rate base. Close finalizes the container; Abort discards
// any partial output. Confined to the export worker goroutine.
type Writer interface {
	WriteVideo(*VideoFrame) error
	WriteAudio(*AudioFrame) error
	Close() error
	Abort() error
}

// Backend is the full codec/container capability consumed by the
// engine: probe, ranged decode, encode+mux, and the export pre-flight
// capability check.
type Backend interface {
	Probe(ctx context.Context, path string) (*ProbeResult, error)
	OpenVideoDecoder(ctx context.Context, path string, stream VideoStreamInfo, rng DecodeRange) (VideoDecoder, error)
	OpenAudioDecoder(ctx context.Context, path string, stream AudioStreamInfo, rng DecodeRange) (AudioDecoder, error)
	OpenWriter(ctx context.Context, path string, settings WriterSettings) (Writer, error)
	// CheckEncoders verifies the settings' encoders exist before any
	// decoding begins. Export fails fast on error.
	CheckEncoders(ctx context.Context, settings WriterSettings) error
}

// Resample converts an audio frame to the target rate with plain
// linear interpolation, preserving channel count. Sample-exact
// trimming happens before resampling, so small per-segment runs stay
// cheap. Returns the input unchanged when the rate already matches.
func Resample(in *AudioFrame, targetRate int) *AudioFrame {
	if in.SampleRate == targetRate || in.Samples == 0 {
		return in
	}

	outSamples := int(int64(in.Samples) * int64(targetRate) / int64(in.SampleRate))
	if outSamples == 0 {
		outSamples = 1
	}
	out := &AudioFrame{
		PTS:        in.PTS,
		Base:       timebase.Rational{Num: 1, Den: int32(targetRate)},
		SampleRate: targetRate,
		Channels:   in.Channels,
		Samples:    outSamples,
		Bytes:      make([]byte, outSamples*in.Channels*2),
	}

	for i := 0; i < outSamples; i++ {
		srcPos := int64(i) * int64(in.SampleRate) / int64(targetRate)
		if srcPos >= int64(in.Samples) {
			srcPos = int64(in.Samples) - 1
		}
		for c := 0; c < in.Channels; c++ {
			srcOff := (int(srcPos)*in.Channels + c) * 2
			dstOff := (i*in.Channels + c) * 2
			out.Bytes[dstOff] = in.Bytes[srcOff]
			out.Bytes[dstOff+1] = in.Bytes[srcOff+1]
		}
	}
	return out
}
