package export

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/r4ai/cutit/internal/media"
	"github.com/r4ai/cutit/internal/project"
	"github.com/r4ai/cutit/internal/timebase"
	"github.com/r4ai/cutit/internal/timeline"
)

// twoSegmentProject builds an asset at 90 kHz video / 48 kHz audio cut
// into two contiguous segments. The second segment's first output
// timestamp collides with the first segment's last, exercising the
// monotonicity bump at the join.
func twoSegmentProject(t *testing.T) *project.Project {
	t.Helper()
	vIdx, aIdx := 0, 1
	p := &project.Project{
		Assets: []project.MediaAsset{{
			ID:               1,
			Path:             "assets/demo.mp4",
			VideoStreamIndex: &vIdx,
			AudioStreamIndex: &aIdx,
			Video: &project.VideoStreamInfo{
				TimeBase: timebase.Rational{Num: 1, Den: 90000},
				Width:    1280, Height: 720,
			},
			Audio: &project.AudioStreamInfo{
				TimeBase:   timebase.Rational{Num: 1, Den: 48000},
				SampleRate: 48000,
				Channels:   2,
			},
			DurationTL: 166_668,
		}},
		Timeline: timeline.Timeline{Segments: []timeline.Segment{
			{
				ID: 1, AssetID: 1, Start: 0, Duration: 66_668,
				SrcInVideo: timeline.Tick(0), SrcOutVideo: timeline.Tick(6001),
				SrcInAudio: timeline.Tick(0), SrcOutAudio: timeline.Tick(3200),
			},
			{
				ID: 2, AssetID: 1, Start: 66_668, Duration: 100_000,
				SrcInVideo: timeline.Tick(6000), SrcOutVideo: timeline.Tick(12_000),
				SrcInAudio: timeline.Tick(3200), SrcOutAudio: timeline.Tick(8000),
			},
		}},
	}
	if err := p.Validate(); err != nil {
		t.Fatalf("fixture project invalid: %v", err)
	}
	return p
}

type fakeVideoDecoder struct {
	pts  int64
	end  int64
	step int64
}

func (d *fakeVideoDecoder) ReadFrame() (*media.VideoFrame, error) {
	if d.pts > d.end {
		return nil, io.EOF
	}
	frame := &media.VideoFrame{
		PTS:    d.pts,
		Base:   timebase.Rational{Num: 1, Den: 90000},
		Width:  1280,
		Height: 720,
		Bytes:  []byte{0},
	}
	d.pts += d.step
	return frame, nil
}

func (d *fakeVideoDecoder) Close() error { return nil }

type fakeAudioDecoder struct {
	pts int64
	end int64
}

func (d *fakeAudioDecoder) ReadFrame() (*media.AudioFrame, error) {
	if d.pts >= d.end {
		return nil, io.EOF
	}
	const samples = 1024
	frame := &media.AudioFrame{
		PTS:        d.pts,
		Base:       timebase.Rational{Num: 1, Den: 48000},
		SampleRate: 48000,
		Channels:   2,
		Samples:    samples,
		Bytes:      make([]byte, samples*2*2),
	}
	d.pts += samples
	return frame, nil
}

func (d *fakeAudioDecoder) Close() error { return nil }

type recordingWriter struct {
	path     string
	videoPTS []int64
	audio    []*media.AudioFrame
	closed   bool
	aborted  bool
}

func (w *recordingWriter) WriteVideo(f *media.VideoFrame) error {
	w.videoPTS = append(w.videoPTS, f.PTS)
	return nil
}

func (w *recordingWriter) WriteAudio(f *media.AudioFrame) error {
	copied := *f
	w.audio = append(w.audio, &copied)
	return nil
}

func (w *recordingWriter) Close() error { w.closed = true; return nil }
func (w *recordingWriter) Abort() error { w.aborted = true; return nil }

type exportBackend struct {
	writer      *recordingWriter
	checkErr    error
	writerOpens int
}

func (b *exportBackend) Probe(context.Context, string) (*media.ProbeResult, error) {
	return nil, errors.New("not used")
}

func (b *exportBackend) OpenVideoDecoder(_ context.Context, _ string, _ media.VideoStreamInfo, rng media.DecodeRange) (media.VideoDecoder, error) {
	// Keyframe-aligned pre-roll: start below SrcIn, overrun past SrcOut.
	return &fakeVideoDecoder{pts: rng.SrcIn - rng.SrcIn%3000, end: rng.SrcOut + 3000, step: 3000}, nil
}

func (b *exportBackend) OpenAudioDecoder(_ context.Context, _ string, _ media.AudioStreamInfo, rng media.DecodeRange) (media.AudioDecoder, error) {
	return &fakeAudioDecoder{pts: rng.SrcIn - rng.SrcIn%1024, end: rng.SrcOut}, nil
}

func (b *exportBackend) OpenWriter(_ context.Context, path string, _ media.WriterSettings) (media.Writer, error) {
	b.writerOpens++
	if err := os.WriteFile(path, []byte("partial"), 0644); err != nil {
		return nil, err
	}
	b.writer = &recordingWriter{path: path}
	return b.writer, nil
}

func (b *exportBackend) CheckEncoders(context.Context, media.WriterSettings) error {
	return b.checkErr
}

func runJob(t *testing.T, ctx context.Context, p *project.Project, backend *exportBackend, path string) []Event {
	t.Helper()
	plan, err := BuildPlan(p)
	if err != nil {
		t.Fatalf("BuildPlan: %v", err)
	}
	events := make(chan Event, 64)
	runner := NewRunner(backend, slog.New(slog.NewTextHandler(io.Discard, nil)))
	runner.Run(ctx, "job-1", plan, path, plan.WriterSettings(media.DefaultWriterSettings()), events)
	close(events)

	var all []Event
	for ev := range events {
		all = append(all, ev)
	}
	return all
}

func TestBuildPlanResolvesSegments(t *testing.T) {
	plan, err := BuildPlan(twoSegmentProject(t))
	if err != nil {
		t.Fatalf("BuildPlan: %v", err)
	}

	if len(plan.Entries) != 2 {
		t.Fatalf("got %d entries, want 2", len(plan.Entries))
	}
	if plan.TotalTL != 166_668 {
		t.Errorf("TotalTL = %d, want 166_668", plan.TotalTL)
	}
	if len(plan.Inputs) != 1 || plan.Inputs[0] != "assets/demo.mp4" {
		t.Errorf("Inputs = %v, want the one deduped source", plan.Inputs)
	}
	if plan.Width != 1280 || plan.Height != 720 || !plan.HasVideo || !plan.HasAudio {
		t.Error("stream parameters not carried into the plan")
	}
	second := plan.Entries[1]
	if second.Video.SrcIn != 6000 || second.Video.SrcOut != 12_000 {
		t.Errorf("second video range [%d, %d), want [6000, 12_000)", second.Video.SrcIn, second.Video.SrcOut)
	}
}

func TestBuildPlanSkipsZeroLengthVideoAndExtendsZeroLengthAudio(t *testing.T) {
	p := twoSegmentProject(t)
	seg := &p.Timeline.Segments[0]
	*seg.SrcOutVideo = *seg.SrcInVideo
	*seg.SrcOutAudio = *seg.SrcInAudio

	plan, err := BuildPlan(p)
	if err != nil {
		t.Fatalf("BuildPlan: %v", err)
	}
	first := plan.Entries[0]
	if first.Video != nil {
		t.Error("zero-length video range should be skipped")
	}
	if first.Audio == nil || first.Audio.SrcOut != first.Audio.SrcIn+1 {
		t.Error("zero-length audio range should be extended by one tick")
	}
}

func TestBuildPlanRejectsEmptyTimeline(t *testing.T) {
	if _, err := BuildPlan(&project.Project{}); !errors.Is(err, ErrEmptyPlan) {
		t.Errorf("got %v, want ErrEmptyPlan", err)
	}
}

func TestRunProducesMonotonicVideoAndCountedAudio(t *testing.T) {
	backend := &exportBackend{}
	path := filepath.Join(t.TempDir(), "out.mp4")

	events := runJob(t, context.Background(), twoSegmentProject(t), backend, path)

	last := events[len(events)-1]
	if last.Kind != EventFinished || last.Path != path {
		t.Fatalf("terminal event %+v, want finished at %s", last, path)
	}
	for _, ev := range events[:len(events)-1] {
		if ev.Kind != EventProgress {
			t.Fatalf("non-progress event %q before the terminal", ev.Kind)
		}
	}

	w := backend.writer
	if !w.closed || w.aborted {
		t.Error("successful job must close, not abort, the writer")
	}

	// Segment 1 emits PTS 0, 3000, 6000; segment 2's first frame also
	// lands on 6000 and is bumped to 6001.
	wantVideo := []int64{0, 3000, 6000, 6001, 9000}
	if len(w.videoPTS) != len(wantVideo) {
		t.Fatalf("got %d video frames %v, want %v", len(w.videoPTS), w.videoPTS, wantVideo)
	}
	for i, pts := range w.videoPTS {
		if pts != wantVideo[i] {
			t.Errorf("video PTS[%d] = %d, want %d", i, pts, wantVideo[i])
		}
		if i > 0 && pts <= w.videoPTS[i-1] {
			t.Errorf("video PTS not strictly increasing at %d", i)
		}
	}

	// Audio must be gapless counted samples covering exactly the two
	// source ranges: 3200 + 4800 samples.
	var total int64
	for i, frame := range w.audio {
		if frame.PTS != total {
			t.Errorf("audio PTS[%d] = %d, want counted %d", i, frame.PTS, total)
		}
		if frame.Base.Den != 48000 {
			t.Errorf("audio base %s, want 1/48000", frame.Base)
		}
		total += int64(frame.Samples)
	}
	if total != 8000 {
		t.Errorf("emitted %d audio samples, want 8000", total)
	}
}

func TestRunProgressIsMonotonic(t *testing.T) {
	backend := &exportBackend{}
	path := filepath.Join(t.TempDir(), "out.mp4")

	events := runJob(t, context.Background(), twoSegmentProject(t), backend, path)

	var prev int64 = -1
	for _, ev := range events {
		if ev.Kind != EventProgress {
			continue
		}
		if ev.DoneTL <= prev {
			t.Errorf("progress went from %d to %d", prev, ev.DoneTL)
		}
		if ev.TotalTL != 166_668 {
			t.Errorf("TotalTL = %d, want 166_668", ev.TotalTL)
		}
		prev = ev.DoneTL
	}
	if prev != 166_668 {
		t.Errorf("final progress %d, want the full duration", prev)
	}
}

func TestRunFailsPreFlightBeforeWriting(t *testing.T) {
	backend := &exportBackend{checkErr: media.ErrEncoderUnavailable}
	path := filepath.Join(t.TempDir(), "out.mp4")

	events := runJob(t, context.Background(), twoSegmentProject(t), backend, path)

	if len(events) != 1 || events[0].Kind != EventFailed {
		t.Fatalf("events %+v, want exactly one failed terminal", events)
	}
	if !errors.Is(events[0].Err, media.ErrEncoderUnavailable) {
		t.Errorf("terminal error %v, want ErrEncoderUnavailable", events[0].Err)
	}
	if backend.writerOpens != 0 {
		t.Error("pre-flight failure must not open the writer")
	}
	if _, err := os.Stat(path); !errors.Is(err, os.ErrNotExist) {
		t.Error("pre-flight failure must leave no file behind")
	}
}

func TestRunCancellationRemovesPartialOutput(t *testing.T) {
	backend := &exportBackend{}
	path := filepath.Join(t.TempDir(), "out.mp4")
	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	events := runJob(t, ctx, twoSegmentProject(t), backend, path)

	terminals := 0
	for _, ev := range events {
		if ev.Kind == EventCancelled || ev.Kind == EventFailed || ev.Kind == EventFinished {
			terminals++
			if ev.Kind != EventCancelled {
				t.Errorf("terminal %q, want cancelled", ev.Kind)
			}
		}
	}
	if terminals != 1 {
		t.Fatalf("got %d terminal events, want exactly 1", terminals)
	}
	if !backend.writer.aborted {
		t.Error("cancellation must abort the writer")
	}
	if _, err := os.Stat(path); !errors.Is(err, os.ErrNotExist) {
		t.Error("partial output should be removed on cancellation")
	}
}

func TestRunWritesEDLSidecarOnSuccess(t *testing.T) {
	backend := &exportBackend{}
	dir := t.TempDir()
	path := filepath.Join(dir, "out.mp4")

	events := runJob(t, context.Background(), twoSegmentProject(t), backend, path)
	if last := events[len(events)-1]; last.Kind != EventFinished {
		t.Fatalf("terminal event %q, want finished", last.Kind)
	}

	data, err := os.ReadFile(filepath.Join(dir, "out.edl"))
	if err != nil {
		t.Fatalf("edl sidecar missing: %v", err)
	}
	edl := string(data)
	if !strings.HasPrefix(edl, "TITLE: out") {
		t.Errorf("sidecar title line wrong:\n%s", edl)
	}
	if !strings.Contains(edl, "001  AX") || !strings.Contains(edl, "002  AX") {
		t.Errorf("sidecar missing segment events:\n%s", edl)
	}
}

func TestRunCancellationLeavesNoEDLSidecar(t *testing.T) {
	backend := &exportBackend{}
	dir := t.TempDir()
	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	runJob(t, ctx, twoSegmentProject(t), backend, filepath.Join(dir, "out.mp4"))

	if _, err := os.Stat(filepath.Join(dir, "out.edl")); !errors.Is(err, os.ErrNotExist) {
		t.Error("cancelled job must not write an edl sidecar")
	}
}

func TestRunIsDeterministic(t *testing.T) {
	dir := t.TempDir()
	first := &exportBackend{}
	second := &exportBackend{}

	runJob(t, context.Background(), twoSegmentProject(t), first, filepath.Join(dir, "a.mp4"))
	runJob(t, context.Background(), twoSegmentProject(t), second, filepath.Join(dir, "b.mp4"))

	a, b := first.writer.videoPTS, second.writer.videoPTS
	if len(a) != len(b) {
		t.Fatalf("frame counts differ: %d vs %d", len(a), len(b))
	}
	for i := range a {
		if a[i] != b[i] {
			t.Errorf("video PTS[%d] differs: %d vs %d", i, a[i], b[i])
		}
	}
}

func TestEDLListsVideoEvents(t *testing.T) {
	plan, err := BuildPlan(twoSegmentProject(t))
	if err != nil {
		t.Fatalf("BuildPlan: %v", err)
	}

	edl := plan.EDL("Rough Cut: v1", 30)

	if !strings.HasPrefix(edl, "TITLE: Rough Cut_ v1") {
		t.Errorf("title line missing or unsanitized:\n%s", edl)
	}
	if !strings.Contains(edl, "FCM: NON-DROP FRAME") {
		t.Error("frame-count mode line missing")
	}
	if !strings.Contains(edl, "001  AX") || !strings.Contains(edl, "002  AX") {
		t.Error("expected one event per video segment")
	}
	if !strings.Contains(edl, "* MEDIA PATH:  assets/demo.mp4") {
		t.Error("media path comment missing")
	}
}

func TestValidateOutputPath(t *testing.T) {
	dir := t.TempDir()

	if err := ValidateOutputPath(filepath.Join(dir, "out.mp4")); err != nil {
		t.Errorf("fresh file in an existing directory should pass: %v", err)
	}
	if err := ValidateOutputPath(""); err == nil {
		t.Error("empty path should fail")
	}
	// filepath.Join would clean the traversal away before the
	// validator sees it, so build the raw path by hand.
	if err := ValidateOutputPath(dir + string(filepath.Separator) + ".." + string(filepath.Separator) + "escape.mp4"); err == nil {
		t.Error("traversal should fail")
	}
	if err := ValidateOutputPath(filepath.Join(dir, "missing", "out.mp4")); err == nil {
		t.Error("missing parent directory should fail")
	}
	if err := ValidateOutputPath(dir); err == nil {
		t.Error("a directory target should fail")
	}
}
