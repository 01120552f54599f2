package ffmpegcli

import (
	"context"
	"errors"
	"fmt"
	"io"
	"os/exec"
	"strconv"

	ffmpeg "github.com/u2takey/ffmpeg-go"

	"github.com/r4ai/cutit/internal/media"
	"github.com/r4ai/cutit/internal/timebase"
)

// stderrTail bounds how much subprocess stderr is kept for errors.
const stderrTail = 4096

// ticksToSeconds renders a stream timestamp as an ffmpeg -ss/-t
// argument.
func ticksToSeconds(ticks int64, base timebase.Rational) string {
	sec := float64(ticks) * float64(base.Num) / float64(base.Den)
	return strconv.FormatFloat(sec, 'f', 6, 64)
}

// pipedProcess is one running ffmpeg decode with its output pipe.
type pipedProcess struct {
	cmd    *exec.Cmd
	out    *io.PipeReader
	stderr *boundedBuffer
	waited chan struct{}
}

func startPipedDecode(stream *ffmpeg.Stream, ffmpegPath string) (*pipedProcess, error) {
	pr, pw := io.Pipe()
	stderr := newBoundedBuffer(stderrTail)
	cmd := stream.WithOutput(pw).WithErrorOutput(stderr).Silent(true).Compile()
	retargetCmd(cmd, ffmpegPath)
	if err := cmd.Start(); err != nil {
		pr.Close()
		pw.Close()
		return nil, err
	}

	p := &pipedProcess{cmd: cmd, out: pr, stderr: stderr, waited: make(chan struct{})}
	go func() {
		err := cmd.Wait()
		if err != nil && p.stderr.String() != "" {
			err = fmt.Errorf("%w: %s", err, p.stderr.String())
		}
		pw.CloseWithError(err)
		close(p.waited)
	}()
	return p, nil
}

func (p *pipedProcess) close() error {
	p.out.Close()
	select {
	case <-p.waited:
	default:
		if p.cmd.Process != nil {
			p.cmd.Process.Kill()
		}
		<-p.waited
	}
	return nil
}

// videoDecoder reads interleaved RGBA frames from a rawvideo pipe.
// The pipe carries no timestamps, so presentation times are
// synthesized from the seek position and the stream's frame cadence
// and flagged best-effort.
type videoDecoder struct {
	proc      *pipedProcess
	base      timebase.Rational
	width     int
	height    int
	frameSize int
	pts       int64
	step      int64
	end       int64
}

// OpenVideoDecoder seeks to the range start and decodes forward as
// RGBA through a pipe. The seek lands at or before SrcIn; frames past
// SrcOut are cut by ffmpeg's own duration limit.
func (b *Backend) OpenVideoDecoder(_ context.Context, path string, stream media.VideoStreamInfo, rng media.DecodeRange) (media.VideoDecoder, error) {
	if stream.Width <= 0 || stream.Height <= 0 {
		return nil, fmt.Errorf("decode %s: video stream has no dimensions", path)
	}

	input := ffmpeg.KwArgs{"ss": ticksToSeconds(rng.SrcIn, stream.TimeBase)}
	output := ffmpeg.KwArgs{
		"format":  "rawvideo",
		"pix_fmt": "rgba",
		"map":     fmt.Sprintf("0:%d", stream.StreamIndex),
	}
	if rng.SrcOut > rng.SrcIn {
		output["t"] = ticksToSeconds(rng.SrcOut-rng.SrcIn, stream.TimeBase)
	}

	proc, err := startPipedDecode(ffmpeg.Input(path, input).Output("pipe:", output), b.ffmpegPath)
	if err != nil {
		return nil, fmt.Errorf("decode %s: %w", path, err)
	}

	step := frameStep(stream.FrameRate, stream.TimeBase)
	return &videoDecoder{
		proc:      proc,
		base:      stream.TimeBase,
		width:     stream.Width,
		height:    stream.Height,
		frameSize: stream.Width * stream.Height * 4,
		pts:       rng.SrcIn,
		step:      step,
		end:       rng.SrcOut,
	}, nil
}

// frameStep is one frame's duration in stream ticks, defaulting to
// 30 fps when the container reports no rate.
func frameStep(rate, base timebase.Rational) int64 {
	if !rate.Valid() || rate.Num <= 0 {
		rate = timebase.Rational{Num: 30, Den: 1}
	}
	step := timebase.Rescale(int64(rate.Den), timebase.Rational{Num: 1, Den: rate.Num}, base)
	if step < 1 {
		step = 1
	}
	return step
}

func (d *videoDecoder) ReadFrame() (*media.VideoFrame, error) {
	if d.end > 0 && d.pts >= d.end {
		return nil, io.EOF
	}

	buf := make([]byte, d.frameSize)
	if _, err := io.ReadFull(d.proc.out, buf); err != nil {
		if errors.Is(err, io.EOF) || errors.Is(err, io.ErrUnexpectedEOF) {
			return nil, io.EOF
		}
		return nil, err
	}

	frame := &media.VideoFrame{
		PTS:        d.pts,
		BestEffort: true,
		Base:       d.base,
		Width:      d.width,
		Height:     d.height,
		Bytes:      buf,
	}
	d.pts += d.step
	return frame, nil
}

func (d *videoDecoder) Close() error {
	return d.proc.close()
}

// audioSamplesPerRead sizes one decoded audio run.
const audioSamplesPerRead = 1024

// audioDecoder reads interleaved s16 samples from a pipe, stamping
// each run from the count of samples already read.
type audioDecoder struct {
	proc       *pipedProcess
	base       timebase.Rational
	sampleRate int
	channels   int
	srcIn      int64
	samples    int64
}

// OpenAudioDecoder decodes the range as interleaved s16 at the
// stream's native rate and channel count.
func (b *Backend) OpenAudioDecoder(_ context.Context, path string, stream media.AudioStreamInfo, rng media.DecodeRange) (media.AudioDecoder, error) {
	if stream.SampleRate <= 0 || stream.Channels <= 0 {
		return nil, fmt.Errorf("decode %s: audio stream has no sample format", path)
	}

	input := ffmpeg.KwArgs{"ss": ticksToSeconds(rng.SrcIn, stream.TimeBase)}
	output := ffmpeg.KwArgs{
		"format": "s16le",
		"acodec": "pcm_s16le",
		"ar":     stream.SampleRate,
		"ac":     stream.Channels,
		"map":    fmt.Sprintf("0:%d", stream.StreamIndex),
	}
	if rng.SrcOut > rng.SrcIn {
		output["t"] = ticksToSeconds(rng.SrcOut-rng.SrcIn, stream.TimeBase)
	}

	proc, err := startPipedDecode(ffmpeg.Input(path, input).Output("pipe:", output), b.ffmpegPath)
	if err != nil {
		return nil, fmt.Errorf("decode %s: %w", path, err)
	}

	return &audioDecoder{
		proc:       proc,
		base:       stream.TimeBase,
		sampleRate: stream.SampleRate,
		channels:   stream.Channels,
		srcIn:      rng.SrcIn,
	}, nil
}

func (d *audioDecoder) ReadFrame() (*media.AudioFrame, error) {
	stride := d.channels * 2
	buf := make([]byte, audioSamplesPerRead*stride)
	n, err := io.ReadFull(d.proc.out, buf)
	if err != nil && !errors.Is(err, io.ErrUnexpectedEOF) {
		if errors.Is(err, io.EOF) {
			return nil, io.EOF
		}
		return nil, err
	}
	n -= n % stride
	if n == 0 {
		return nil, io.EOF
	}

	samples := n / stride
	pts := d.srcIn + timebase.Rescale(d.samples, timebase.Rational{Num: 1, Den: int32(d.sampleRate)}, d.base)
	d.samples += int64(samples)

	return &media.AudioFrame{
		PTS:        pts,
		Base:       d.base,
		SampleRate: d.sampleRate,
		Channels:   d.channels,
		Samples:    samples,
		Bytes:      buf[:n],
	}, nil
}

func (d *audioDecoder) Close() error {
	return d.proc.close()
}
