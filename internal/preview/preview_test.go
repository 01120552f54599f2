package preview

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"testing"

	"github.com/r4ai/cutit/internal/cache"
	"github.com/r4ai/cutit/internal/media"
	"github.com/r4ai/cutit/internal/project"
	"github.com/r4ai/cutit/internal/timebase"
)

type stubDecoder struct {
	frames []*media.VideoFrame
	next   int
	closed bool
}

func (d *stubDecoder) ReadFrame() (*media.VideoFrame, error) {
	if d.next >= len(d.frames) {
		return nil, io.EOF
	}
	f := d.frames[d.next]
	d.next++
	return f, nil
}

func (d *stubDecoder) Close() error {
	d.closed = true
	return nil
}

// stubBackend opens decoders positioned at the requested range start,
// producing frames every 3000 ticks of a 90 kHz stream.
type stubBackend struct {
	opens    int
	lastOpen media.DecodeRange
	openErr  error
	frameEnd int64
}

func (b *stubBackend) Probe(context.Context, string) (*media.ProbeResult, error) {
	return nil, errors.New("not used")
}

func (b *stubBackend) OpenVideoDecoder(_ context.Context, _ string, _ media.VideoStreamInfo, rng media.DecodeRange) (media.VideoDecoder, error) {
	b.opens++
	b.lastOpen = rng
	if b.openErr != nil {
		return nil, b.openErr
	}
	// Keyframe-aligned start: snap down to a multiple of 3000. Seeking
	// past the stream lands on the last keyframe, as ffmpeg does.
	start := rng.SrcIn - rng.SrcIn%3000
	if start > b.frameEnd {
		start = b.frameEnd - b.frameEnd%3000
	}
	var frames []*media.VideoFrame
	for pts := start; pts <= b.frameEnd; pts += 3000 {
		frames = append(frames, &media.VideoFrame{
			PTS:    pts,
			Base:   timebase.Rational{Num: 1, Den: 90000},
			Width:  16,
			Height: 9,
			Bytes:  []byte{byte(pts / 3000)},
		})
	}
	return &stubDecoder{frames: frames}, nil
}

func (b *stubBackend) OpenAudioDecoder(context.Context, string, media.AudioStreamInfo, media.DecodeRange) (media.AudioDecoder, error) {
	return nil, errors.New("not used")
}

func (b *stubBackend) OpenWriter(context.Context, string, media.WriterSettings) (media.Writer, error) {
	return nil, errors.New("not used")
}

func (b *stubBackend) CheckEncoders(context.Context, media.WriterSettings) error {
	return nil
}

func testTarget(srcTarget int64) *project.PreviewTarget {
	return &project.PreviewTarget{
		AssetID: 1,
		Path:    "assets/demo.mp4",
		Stream: media.VideoStreamInfo{
			StreamIndex: 0,
			TimeBase:    timebase.Rational{Num: 1, Den: 90000},
			SrcIn:       0,
			SrcOut:      900_000,
			Width:       16,
			Height:      9,
		},
		SrcTarget: srcTarget,
		SourceTL:  timebase.Rescale(srcTarget, timebase.Rational{Num: 1, Den: 90000}, timebase.TimelineBase),
		Width:     16,
		Height:    9,
	}
}

func newTestWorker(t *testing.T, backend media.Backend) (*Worker, *Mailbox, chan Result) {
	t.Helper()
	frames, err := cache.NewFrameCache(8, cache.DefaultFrameBucketTL)
	if err != nil {
		t.Fatalf("NewFrameCache: %v", err)
	}
	seeks, err := cache.NewSeekCache(4, cache.DefaultSeekRegionTL)
	if err != nil {
		t.Fatalf("NewSeekCache: %v", err)
	}
	mailbox := NewMailbox()
	results := make(chan Result, 1)
	logger := slog.New(slog.NewTextHandler(io.Discard, nil))
	return NewWorker(backend, mailbox, results, frames, seeks, logger), mailbox, results
}

func TestMailboxKeepsOnlyTheNewestRequest(t *testing.T) {
	m := NewMailbox()

	m.Send(100, testTarget(9000))
	m.Send(200, testTarget(18_000))
	gen := m.Send(300, testTarget(27_000))

	if m.Newest() != gen {
		t.Errorf("Newest() = %d, want %d", m.Newest(), gen)
	}

	req := <-m.Receive()
	if req.TTL != 300 || req.Generation != gen {
		t.Errorf("received (t_tl=%d, gen=%d), want the latest request", req.TTL, req.Generation)
	}
	select {
	case stale := <-m.Receive():
		t.Errorf("stale request %d should have been displaced", stale.TTL)
	default:
	}
}

func TestWorkerDeliversFirstFrameAtOrPastTarget(t *testing.T) {
	backend := &stubBackend{frameEnd: 900_000}
	w, m, results := newTestWorker(t, backend)

	gen := m.Send(0, testTarget(10_000))
	w.handle(context.Background(), <-m.Receive())

	result := <-results
	if result.Generation != gen {
		t.Errorf("generation %d, want %d", result.Generation, gen)
	}
	if result.Err != nil {
		t.Fatalf("unexpected error: %v", result.Err)
	}
	// Frames fall on multiples of 3000; the first at or past 10_000
	// carries PTS 12_000, tagged 4.
	if result.Frame.Bytes[0] != 4 {
		t.Errorf("delivered frame tag %d, want 4", result.Frame.Bytes[0])
	}
	if result.Frame.Layout != media.LayoutRGBA8 {
		t.Errorf("layout %q, want rgba8", result.Frame.Layout)
	}
	if backend.lastOpen.SrcIn != 10_000 {
		t.Errorf("decode range started at %d, want 10_000", backend.lastOpen.SrcIn)
	}
}

func TestWorkerServesRepeatRequestsFromTheFrameCache(t *testing.T) {
	backend := &stubBackend{frameEnd: 900_000}
	w, m, results := newTestWorker(t, backend)

	m.Send(0, testTarget(9000))
	w.handle(context.Background(), <-m.Receive())
	<-results

	m.Send(0, testTarget(9000))
	w.handle(context.Background(), <-m.Receive())
	result := <-results

	if result.Err != nil {
		t.Fatalf("unexpected error: %v", result.Err)
	}
	if backend.opens != 1 {
		t.Errorf("backend opened %d times, want 1 (second request should hit the cache)", backend.opens)
	}
}

func TestWorkerReusesWarmDecoderWithinARegion(t *testing.T) {
	backend := &stubBackend{frameEnd: 900_000}
	w, m, results := newTestWorker(t, backend)

	m.Send(0, testTarget(9000))
	w.handle(context.Background(), <-m.Receive())
	<-results

	// Further ahead in the same one-second region: the cached decoder
	// is behind the new target and is decoded forward, not reopened.
	m.Send(0, testTarget(45_000))
	w.handle(context.Background(), <-m.Receive())
	result := <-results

	if result.Err != nil {
		t.Fatalf("unexpected error: %v", result.Err)
	}
	if backend.opens != 1 {
		t.Errorf("backend opened %d times, want 1 (warm decoder should be reused)", backend.opens)
	}
	if result.Frame.Bytes[0] != 15 {
		t.Errorf("delivered frame tag %d, want 15 (pts 45_000)", result.Frame.Bytes[0])
	}
}

func TestWorkerReopensWhenWarmDecoderIsPastTheTarget(t *testing.T) {
	backend := &stubBackend{frameEnd: 900_000}
	w, m, results := newTestWorker(t, backend)

	m.Send(0, testTarget(45_000))
	w.handle(context.Background(), <-m.Receive())
	<-results

	// Scrub backwards within the same region: forward-only decode
	// cannot serve it, so a fresh open is required.
	m.Send(0, testTarget(9000))
	w.handle(context.Background(), <-m.Receive())
	result := <-results

	if result.Err != nil {
		t.Fatalf("unexpected error: %v", result.Err)
	}
	if backend.opens != 2 {
		t.Errorf("backend opened %d times, want 2", backend.opens)
	}
}

func TestWorkerDropsSupersededResults(t *testing.T) {
	backend := &stubBackend{frameEnd: 900_000}
	w, m, results := newTestWorker(t, backend)

	m.Send(0, testTarget(9000))
	stale := <-m.Receive()
	// A newer request arrives while the first would be decoding.
	m.Send(0, testTarget(600_000))

	w.handle(context.Background(), stale)

	select {
	case result := <-results:
		t.Errorf("superseded request delivered a result (gen %d)", result.Generation)
	default:
	}
}

func TestWorkerFallsBackToTheLastFrameAtStreamEnd(t *testing.T) {
	// The stream runs out before the target; the last decoded frame is
	// still delivered rather than failing.
	backend := &stubBackend{frameEnd: 30_000}
	w, m, results := newTestWorker(t, backend)

	m.Send(0, testTarget(60_000))
	w.handle(context.Background(), <-m.Receive())
	result := <-results

	if result.Err != nil {
		t.Fatalf("unexpected error: %v", result.Err)
	}
	if result.Frame.Bytes[0] != 10 {
		t.Errorf("delivered frame tag %d, want 10 (pts 30_000)", result.Frame.Bytes[0])
	}
}

func TestWorkerReportsRecoverableFailures(t *testing.T) {
	backend := &stubBackend{openErr: errors.New("moov atom not found")}
	w, m, results := newTestWorker(t, backend)

	gen := m.Send(0, testTarget(9000))
	w.handle(context.Background(), <-m.Receive())
	result := <-results

	if result.Err == nil {
		t.Fatal("decoder open failure should surface as a result error")
	}
	if result.Generation != gen {
		t.Errorf("generation %d, want %d", result.Generation, gen)
	}
	if result.Frame != nil {
		t.Error("failed request must not carry a frame")
	}
}
