package ffmpegcli

import (
	"context"
	"fmt"
	"io"
	"os"
	"os/exec"
	"path/filepath"

	ffmpeg "github.com/u2takey/ffmpeg-go"

	"github.com/r4ai/cutit/internal/media"
	"github.com/r4ai/cutit/internal/timebase"
)

// writer encodes in two passes: video frames stream through a pipe
// into one ffmpeg encode producing a video-only intermediate, audio
// samples accumulate as raw s16le, and Close muxes both into the
// final container. The output path only appears on a successful
// Close.
type writer struct {
	settings   media.WriterSettings
	outPath    string
	tmpDir     string
	ffmpegPath string

	videoProc *encodeProcess
	videoTmp  string

	audioFile *os.File
	audioTmp  string

	aborted bool
}

type encodeProcess struct {
	cmd    *exec.Cmd
	in     *io.PipeWriter
	stderr *boundedBuffer
	waited chan error
}

// OpenWriter stages intermediates in a fresh temp directory. Abort
// discards them; Close produces the container at path.
func (b *Backend) OpenWriter(_ context.Context, path string, settings media.WriterSettings) (media.Writer, error) {
	tmpDir, err := os.MkdirTemp("", "cutit-export-*")
	if err != nil {
		return nil, fmt.Errorf("open writer: %w", err)
	}

	w := &writer{settings: settings, outPath: path, tmpDir: tmpDir, ffmpegPath: b.ffmpegPath}

	if settings.Width > 0 && settings.Height > 0 {
		w.videoTmp = filepath.Join(tmpDir, "video."+settings.Container)
		if err := w.startVideoEncode(); err != nil {
			os.RemoveAll(tmpDir)
			return nil, err
		}
	}
	if settings.HasAudio {
		w.audioTmp = filepath.Join(tmpDir, "audio.s16le")
		w.audioFile, err = os.Create(w.audioTmp)
		if err != nil {
			w.Abort()
			return nil, fmt.Errorf("open writer: %w", err)
		}
	}
	if w.videoProc == nil && w.audioFile == nil {
		os.RemoveAll(tmpDir)
		return nil, fmt.Errorf("open writer %s: nothing to encode", path)
	}
	return w, nil
}

func (w *writer) startVideoEncode() error {
	rate := w.settings.FrameRate
	if !rate.Valid() || rate.Num <= 0 {
		rate = timebase.Rational{Num: 30, Den: 1}
	}

	pr, pw := io.Pipe()
	stderr := newBoundedBuffer(stderrTail)
	cmd := ffmpeg.Input("pipe:", ffmpeg.KwArgs{
		"format":    "rawvideo",
		"pix_fmt":   "rgba",
		"s":         fmt.Sprintf("%dx%d", w.settings.Width, w.settings.Height),
		"framerate": fmt.Sprintf("%d/%d", rate.Num, rate.Den),
	}).Output(w.videoTmp, ffmpeg.KwArgs{
		"c:v":     encoderName(w.settings.VideoCodec),
		"pix_fmt": "yuv420p",
	}).OverWriteOutput().WithInput(pr).WithErrorOutput(stderr).Silent(true).Compile()
	retargetCmd(cmd, w.ffmpegPath)

	if err := cmd.Start(); err != nil {
		pr.Close()
		pw.Close()
		return fmt.Errorf("start video encoder: %w", err)
	}

	proc := &encodeProcess{cmd: cmd, in: pw, stderr: stderr, waited: make(chan error, 1)}
	go func() {
		err := cmd.Wait()
		if err != nil && stderr.String() != "" {
			err = fmt.Errorf("%w: %s", err, stderr.String())
		}
		pr.CloseWithError(err)
		proc.waited <- err
	}()
	w.videoProc = proc
	return nil
}

// WriteVideo streams one RGBA frame into the encoder. Frames arrive
// in presentation order with strictly increasing timestamps; the
// intermediate encode paces them at the settings' frame rate.
func (w *writer) WriteVideo(frame *media.VideoFrame) error {
	if w.videoProc == nil {
		return fmt.Errorf("writer has no video stream")
	}
	want := w.settings.Width * w.settings.Height * 4
	if len(frame.Bytes) != want {
		return fmt.Errorf("video frame is %d bytes, want %d", len(frame.Bytes), want)
	}
	if _, err := w.videoProc.in.Write(frame.Bytes); err != nil {
		return fmt.Errorf("write video frame: %w", err)
	}
	return nil
}

// WriteAudio appends one run of interleaved s16 samples. Timestamps
// are counted samples, so the byte stream itself is already gapless.
func (w *writer) WriteAudio(frame *media.AudioFrame) error {
	if w.audioFile == nil {
		return fmt.Errorf("writer has no audio stream")
	}
	if _, err := w.audioFile.Write(frame.Bytes); err != nil {
		return fmt.Errorf("write audio samples: %w", err)
	}
	return nil
}

// Close finalizes the intermediates and muxes them into the output
// container.
func (w *writer) Close() error {
	if w.aborted {
		return fmt.Errorf("writer already aborted")
	}
	defer os.RemoveAll(w.tmpDir)

	if w.videoProc != nil {
		w.videoProc.in.Close()
		if err := <-w.videoProc.waited; err != nil {
			return fmt.Errorf("video encode: %w", err)
		}
	}
	if w.audioFile != nil {
		if err := w.audioFile.Close(); err != nil {
			return fmt.Errorf("flush audio: %w", err)
		}
	}

	return w.mux()
}

func (w *writer) mux() error {
	var streams []*ffmpeg.Stream
	output := ffmpeg.KwArgs{"movflags": "+faststart"}

	if w.videoProc != nil {
		streams = append(streams, ffmpeg.Input(w.videoTmp))
		output["c:v"] = "copy"
	}
	if w.audioFile != nil {
		streams = append(streams, ffmpeg.Input(w.audioTmp, ffmpeg.KwArgs{
			"format": "s16le",
			"ar":     w.settings.SampleRate,
			"ac":     w.settings.Channels,
		}))
		output["c:a"] = encoderName(w.settings.AudioCodec)
	}

	stderr := newBoundedBuffer(stderrTail)
	cmd := ffmpeg.Output(streams, w.outPath, output).
		OverWriteOutput().WithErrorOutput(stderr).Silent(true).Compile()
	retargetCmd(cmd, w.ffmpegPath)
	if err := cmd.Run(); err != nil {
		os.Remove(w.outPath)
		if stderr.String() != "" {
			return fmt.Errorf("mux %s: %w: %s", w.outPath, err, stderr.String())
		}
		return fmt.Errorf("mux %s: %w", w.outPath, err)
	}
	return nil
}

// Abort kills the in-flight encode and discards all intermediates.
func (w *writer) Abort() error {
	w.aborted = true
	if w.videoProc != nil {
		w.videoProc.in.Close()
		if w.videoProc.cmd.Process != nil {
			w.videoProc.cmd.Process.Kill()
		}
		<-w.videoProc.waited
	}
	if w.audioFile != nil {
		w.audioFile.Close()
	}
	return os.RemoveAll(w.tmpDir)
}
