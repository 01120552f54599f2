// Package export renders the timeline into one continuous output
// file. A plan is built on the engine goroutine from owned state; the
// runner then executes it on a dedicated worker that exclusively owns
// the decoder, encoder and muxer for the lifetime of one job.
package export

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os"
	"path/filepath"
	"strings"

	"github.com/r4ai/cutit/internal/media"
	"github.com/r4ai/cutit/internal/project"
	"github.com/r4ai/cutit/internal/timebase"
)

// ErrEmptyPlan reports an export attempt on an empty timeline.
var ErrEmptyPlan = errors.New("timeline has no exportable segments")

// StreamRange is one stream's decode instruction for a plan entry:
// where to read and how to interpret the timestamps.
type StreamRange struct {
	StreamIndex int
	TimeBase    timebase.Rational
	SrcIn       int64
	SrcOut      int64
}

// Entry is one segment's worth of work in timeline order.
type Entry struct {
	SegmentID  int64
	Path       string
	StartTL    int64
	DurationTL int64
	// Video is nil when the segment's video range is zero-length or the
	// asset has no video stream.
	Video *StreamRange
	Audio *StreamRange

	SampleRate int
	Channels   int
}

// Plan is a fully-owned description of one export job. It aliases no
// live project state and can safely cross into the worker goroutine.
type Plan struct {
	Entries []Entry
	// Inputs lists distinct source paths in first-use order.
	Inputs  []string
	TotalTL int64

	Width     int
	Height    int
	VideoBase timebase.Rational
	FrameRate timebase.Rational

	SampleRate int
	Channels   int
	HasVideo   bool
	HasAudio   bool
}

// BuildPlan walks the timeline in order and resolves each segment
// against its asset. Zero-length video ranges are skipped; zero-length
// audio ranges are extended by one tick so the muxer never sees an
// empty stream.
func BuildPlan(p *project.Project) (*Plan, error) {
	plan := &Plan{}
	seen := make(map[string]struct{})

	for _, segment := range p.Timeline.Segments {
		asset, err := p.Asset(segment.AssetID)
		if err != nil {
			return nil, err
		}

		entry := Entry{
			SegmentID:  segment.ID,
			Path:       asset.Path,
			StartTL:    segment.Start,
			DurationTL: segment.Duration,
		}

		if asset.Video != nil && segment.SrcInVideo != nil {
			in, out := *segment.SrcInVideo, *segment.SrcOutVideo
			if out > in {
				entry.Video = &StreamRange{
					StreamIndex: *asset.VideoStreamIndex,
					TimeBase:    asset.Video.TimeBase,
					SrcIn:       in,
					SrcOut:      out,
				}
				if !plan.HasVideo {
					plan.HasVideo = true
					plan.Width = asset.Video.Width
					plan.Height = asset.Video.Height
					plan.VideoBase = asset.Video.TimeBase
					plan.FrameRate = asset.Video.FrameRate
				}
			}
		}

		if asset.Audio != nil && segment.SrcInAudio != nil {
			in, out := *segment.SrcInAudio, *segment.SrcOutAudio
			if out <= in {
				out = in + 1
			}
			entry.Audio = &StreamRange{
				StreamIndex: *asset.AudioStreamIndex,
				TimeBase:    asset.Audio.TimeBase,
				SrcIn:       in,
				SrcOut:      out,
			}
			entry.SampleRate = asset.Audio.SampleRate
			entry.Channels = asset.Audio.Channels
			if !plan.HasAudio {
				plan.HasAudio = true
				plan.SampleRate = asset.Audio.SampleRate
				plan.Channels = asset.Audio.Channels
			}
		}

		if entry.Video == nil && entry.Audio == nil {
			continue
		}
		if _, dup := seen[asset.Path]; !dup {
			seen[asset.Path] = struct{}{}
			plan.Inputs = append(plan.Inputs, asset.Path)
		}
		plan.Entries = append(plan.Entries, entry)
		plan.TotalTL += segment.Duration
	}

	if len(plan.Entries) == 0 {
		return nil, ErrEmptyPlan
	}
	if !plan.VideoBase.Valid() {
		plan.VideoBase = timebase.Rational{Num: 1, Den: 90000}
	}
	return plan, nil
}

// WriterSettings merges the plan's stream parameters into the output
// policy settings.
func (p *Plan) WriterSettings(base media.WriterSettings) media.WriterSettings {
	base.Width = p.Width
	base.Height = p.Height
	base.VideoBase = p.VideoBase
	base.FrameRate = p.FrameRate
	base.SampleRate = p.SampleRate
	base.Channels = p.Channels
	base.HasAudio = p.HasAudio
	return base
}

// EventKind discriminates job events.
type EventKind string

const (
	// EventProgress carries a monotonic (done, total) pair in timeline
	// ticks.
	EventProgress EventKind = "progress"
	// EventFinished is the single success terminal.
	EventFinished EventKind = "finished"
	// EventCancelled is the single cancellation terminal; never
	// conflated with failure.
	EventCancelled EventKind = "cancelled"
	// EventFailed is the single failure terminal.
	EventFailed EventKind = "failed"
)

// Event is one job notification. Exactly one terminal event is emitted
// per job, after all of its progress events.
type Event struct {
	JobID   string
	Kind    EventKind
	DoneTL  int64
	TotalTL int64
	Path    string
	Err     error
}

// progressInterval throttles intra-segment progress to one event per
// this many video frames.
const progressInterval = 30

// Runner executes one export job at a time. All codec and container
// handles it opens stay on the goroutine running Run.
type Runner struct {
	backend media.Backend
	logger  *slog.Logger
}

// NewRunner wires an export runner over the given backend.
func NewRunner(backend media.Backend, logger *slog.Logger) *Runner {
	return &Runner{backend: backend, logger: logger}
}

// Run executes the plan, writing the output to path and reporting
// progress plus exactly one terminal event on events. Terminal events
// are sent blocking so they are never dropped; progress events are
// best-effort. Cancelling ctx stops the job between frame batches,
// aborts the writer and removes the partial file.
func (r *Runner) Run(ctx context.Context, jobID string, plan *Plan, path string, settings media.WriterSettings, events chan<- Event) {
	err := r.run(ctx, jobID, plan, path, settings, events)
	switch {
	case err == nil:
		events <- Event{JobID: jobID, Kind: EventFinished, DoneTL: plan.TotalTL, TotalTL: plan.TotalTL, Path: path}
	case errors.Is(err, context.Canceled):
		r.logger.Info("export cancelled", "job_id", jobID, "path", path)
		events <- Event{JobID: jobID, Kind: EventCancelled, TotalTL: plan.TotalTL, Path: path}
	default:
		r.logger.Error("export failed", "job_id", jobID, "path", path, "error", err)
		events <- Event{JobID: jobID, Kind: EventFailed, TotalTL: plan.TotalTL, Path: path, Err: err}
	}
}

func (r *Runner) run(ctx context.Context, jobID string, plan *Plan, path string, settings media.WriterSettings, events chan<- Event) error {
	if len(plan.Entries) == 0 {
		return ErrEmptyPlan
	}

	// Pre-flight: fail before anything touches the output path.
	if err := r.backend.CheckEncoders(ctx, settings); err != nil {
		return fmt.Errorf("encoder pre-flight: %w", err)
	}

	writer, err := r.backend.OpenWriter(ctx, path, settings)
	if err != nil {
		return fmt.Errorf("open writer %s: %w", path, err)
	}

	state := &jobState{
		jobID:   jobID,
		writer:  writer,
		events:  events,
		totalTL: plan.TotalTL,
		prevPTS: -1,
	}

	for _, entry := range plan.Entries {
		if err := ctx.Err(); err != nil {
			return r.teardown(writer, path, err)
		}
		if entry.Video != nil {
			if err := r.exportVideo(ctx, &entry, plan.VideoBase, state); err != nil {
				return r.teardown(writer, path, err)
			}
		}
		if entry.Audio != nil {
			if err := r.exportAudio(ctx, &entry, plan.SampleRate, state); err != nil {
				return r.teardown(writer, path, err)
			}
		}
		state.report(entry.StartTL + entry.DurationTL)
	}

	if err := writer.Close(); err != nil {
		os.Remove(path)
		return fmt.Errorf("finalize %s: %w", path, err)
	}
	r.writeEDL(plan, path)
	r.logger.Info("export finished",
		"job_id", jobID,
		"path", path,
		"segments", len(plan.Entries),
		"duration_tl", plan.TotalTL,
	)
	return nil
}

// writeEDL drops a CMX3600 cut list next to a finished export so the
// result can be handed to an external editor. Best-effort: a failed
// sidecar write never fails the job.
func (r *Runner) writeEDL(plan *Plan, path string) {
	fps := 30.0
	if plan.FrameRate.Valid() {
		fps = float64(plan.FrameRate.Num) / float64(plan.FrameRate.Den)
	}
	title := strings.TrimSuffix(filepath.Base(path), filepath.Ext(path))
	edlPath := strings.TrimSuffix(path, filepath.Ext(path)) + ".edl"
	if err := os.WriteFile(edlPath, []byte(plan.EDL(title, fps)), 0644); err != nil {
		r.logger.Warn("edl sidecar not written", "path", edlPath, "error", err)
	}
}

// teardown aborts the container and removes the partial file, keeping
// the original error.
func (r *Runner) teardown(writer media.Writer, path string, cause error) error {
	if err := writer.Abort(); err != nil {
		r.logger.Warn("writer abort failed", "path", path, "error", err)
	}
	if err := os.Remove(path); err != nil && !errors.Is(err, os.ErrNotExist) {
		r.logger.Warn("partial output not removed", "path", path, "error", err)
	}
	return cause
}

// jobState carries the per-job output clocks: the last emitted video
// PTS and the running audio sample count.
type jobState struct {
	jobID   string
	writer  media.Writer
	events  chan<- Event
	totalTL int64

	prevPTS        int64
	samplesEmitted int64
	doneTL         int64
}

// report emits a progress event if done advanced; progress never goes
// backwards.
func (s *jobState) report(doneTL int64) {
	if doneTL > s.totalTL {
		doneTL = s.totalTL
	}
	if doneTL <= s.doneTL {
		return
	}
	s.doneTL = doneTL
	select {
	case s.events <- Event{JobID: s.jobID, Kind: EventProgress, DoneTL: doneTL, TotalTL: s.totalTL}:
	default:
	}
}

// exportVideo decodes the entry's video range and retimestamps every
// frame onto the single timeline clock. The source PTS is used only to
// position the frame; the emitted PTS sequence is strictly increasing
// across the whole file.
func (r *Runner) exportVideo(ctx context.Context, entry *Entry, outBase timebase.Rational, state *jobState) error {
	stream := media.VideoStreamInfo{
		StreamIndex: entry.Video.StreamIndex,
		TimeBase:    entry.Video.TimeBase,
		SrcIn:       entry.Video.SrcIn,
		SrcOut:      entry.Video.SrcOut,
	}
	decoder, err := r.backend.OpenVideoDecoder(ctx, entry.Path, stream, media.DecodeRange{
		SrcIn:  entry.Video.SrcIn,
		SrcOut: entry.Video.SrcOut,
	})
	if err != nil {
		return fmt.Errorf("segment %d: open video decoder: %w", entry.SegmentID, err)
	}
	defer decoder.Close()

	frames := 0
	for {
		if frames%progressInterval == 0 {
			if err := ctx.Err(); err != nil {
				return err
			}
		}
		frame, err := decoder.ReadFrame()
		if errors.Is(err, io.EOF) {
			return nil
		}
		if err != nil {
			return fmt.Errorf("segment %d: decode video: %w", entry.SegmentID, err)
		}
		// Pre-roll from the keyframe seek and frames past the range are
		// decoded but not emitted.
		if frame.PTS < entry.Video.SrcIn {
			continue
		}
		if frame.PTS >= entry.Video.SrcOut {
			return nil
		}

		outTL := entry.StartTL + timebase.Rescale(frame.PTS-entry.Video.SrcIn, entry.Video.TimeBase, timebase.TimelineBase)
		outPTS := timebase.Rescale(outTL, timebase.TimelineBase, outBase)
		if outPTS <= state.prevPTS {
			outPTS = state.prevPTS + 1
		}
		state.prevPTS = outPTS

		out := *frame
		out.PTS = outPTS
		out.Base = outBase
		if err := state.writer.WriteVideo(&out); err != nil {
			return fmt.Errorf("segment %d: write video: %w", entry.SegmentID, err)
		}

		frames++
		if frames%progressInterval == 0 {
			state.report(outTL)
		}
	}
}

// exportAudio decodes the entry's audio range, trims it to exact
// sample granularity so the emitted samples cover [srcIn, srcOut) and
// nothing else, resamples when the output rate differs, and stamps
// each run with the accumulated output sample count.
func (r *Runner) exportAudio(ctx context.Context, entry *Entry, outRate int, state *jobState) error {
	stream := media.AudioStreamInfo{
		StreamIndex: entry.Audio.StreamIndex,
		TimeBase:    entry.Audio.TimeBase,
		SrcIn:       entry.Audio.SrcIn,
		SrcOut:      entry.Audio.SrcOut,
		SampleRate:  entry.SampleRate,
		Channels:    entry.Channels,
	}
	decoder, err := r.backend.OpenAudioDecoder(ctx, entry.Path, stream, media.DecodeRange{
		SrcIn:  entry.Audio.SrcIn,
		SrcOut: entry.Audio.SrcOut,
	})
	if err != nil {
		return fmt.Errorf("segment %d: open audio decoder: %w", entry.SegmentID, err)
	}
	defer decoder.Close()

	srcBase := entry.Audio.TimeBase
	rateBase := timebase.Rational{Num: 1, Den: int32(entry.SampleRate)}
	// The segment's sample budget, in source-rate samples.
	wanted := timebase.Rescale(entry.Audio.SrcOut-entry.Audio.SrcIn, srcBase, rateBase)
	var taken int64

	batches := 0
	for taken < wanted {
		if batches%progressInterval == 0 {
			if err := ctx.Err(); err != nil {
				return err
			}
		}
		batches++

		frame, err := decoder.ReadFrame()
		if errors.Is(err, io.EOF) {
			return nil
		}
		if err != nil {
			return fmt.Errorf("segment %d: decode audio: %w", entry.SegmentID, err)
		}

		var skip int64
		if frame.PTS < entry.Audio.SrcIn {
			skip = timebase.Rescale(entry.Audio.SrcIn-frame.PTS, srcBase, rateBase)
			if skip >= int64(frame.Samples) {
				continue
			}
		}
		n := int64(frame.Samples) - skip
		if remain := wanted - taken; n > remain {
			n = remain
		}
		taken += n

		stride := frame.Channels * 2
		trimmed := &media.AudioFrame{
			Base:       srcBase,
			SampleRate: frame.SampleRate,
			Channels:   frame.Channels,
			Samples:    int(n),
			Bytes:      frame.Bytes[skip*int64(stride) : (skip+n)*int64(stride)],
		}

		out := media.Resample(trimmed, outRate)
		out.PTS = state.samplesEmitted
		out.Base = timebase.Rational{Num: 1, Den: int32(outRate)}
		state.samplesEmitted += int64(out.Samples)

		if err := state.writer.WriteAudio(out); err != nil {
			return fmt.Errorf("segment %d: write audio: %w", entry.SegmentID, err)
		}
	}
	return nil
}
