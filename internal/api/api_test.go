package api

import (
	"bytes"
	"context"
	"encoding/json"
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/r4ai/cutit/internal/engine"
	"github.com/r4ai/cutit/internal/media"
	"github.com/r4ai/cutit/internal/timebase"
)

type stubBackend struct{}

func (stubBackend) Probe(_ context.Context, path string) (*media.ProbeResult, error) {
	return &media.ProbeResult{
		Path:       path,
		DurationTL: 2_000_000,
		Video: &media.VideoStreamInfo{
			TimeBase: timebase.Rational{Num: 1, Den: 90000},
			SrcIn:    0, SrcOut: 180_000,
			Width: 16, Height: 9,
		},
	}, nil
}

func (stubBackend) OpenVideoDecoder(_ context.Context, _ string, _ media.VideoStreamInfo, rng media.DecodeRange) (media.VideoDecoder, error) {
	return &stubDecoder{pts: rng.SrcIn}, nil
}

func (stubBackend) OpenAudioDecoder(context.Context, string, media.AudioStreamInfo, media.DecodeRange) (media.AudioDecoder, error) {
	return nil, io.EOF
}

func (stubBackend) OpenWriter(context.Context, string, media.WriterSettings) (media.Writer, error) {
	return nil, io.EOF
}

func (stubBackend) CheckEncoders(context.Context, media.WriterSettings) error { return nil }

type stubDecoder struct {
	pts  int64
	done bool
}

func (d *stubDecoder) ReadFrame() (*media.VideoFrame, error) {
	if d.done {
		return nil, io.EOF
	}
	d.done = true
	return &media.VideoFrame{
		PTS:   d.pts,
		Base:  timebase.Rational{Num: 1, Den: 90000},
		Width: 16, Height: 9,
		Bytes: bytes.Repeat([]byte{7}, 16*9*4),
	}, nil
}

func (d *stubDecoder) Close() error { return nil }

func testConfig(t *testing.T) ServerConfig {
	t.Helper()
	logger := slog.New(slog.NewTextHandler(io.Discard, nil))
	e, err := engine.New(stubBackend{}, nil, engine.DefaultOptions(), logger)
	if err != nil {
		t.Fatalf("engine.New: %v", err)
	}
	ctx, cancel := context.WithCancel(context.Background())
	t.Cleanup(cancel)
	go e.Run(ctx)

	hub := NewEventHub()
	go hub.Run(ctx, e.Events())

	return ServerConfig{
		Engine:    e,
		Hub:       hub,
		Logger:    logger,
		StartTime: time.Now(),
	}
}

func postJSON(t *testing.T, router http.Handler, path string, body any) *httptest.ResponseRecorder {
	t.Helper()
	data, err := json.Marshal(body)
	if err != nil {
		t.Fatalf("marshal request: %v", err)
	}
	req := httptest.NewRequest(http.MethodPost, path, bytes.NewReader(data))
	rec := httptest.NewRecorder()
	router.ServeHTTP(rec, req)
	return rec
}

func TestHealthEndpoint(t *testing.T) {
	router := NewRouter(testConfig(t))

	req := httptest.NewRequest(http.MethodGet, "/health", nil)
	rec := httptest.NewRecorder()
	router.ServeHTTP(rec, req)

	if rec.Code != http.StatusOK {
		t.Fatalf("status %d, want 200", rec.Code)
	}
	var resp HealthResponse
	if err := json.Unmarshal(rec.Body.Bytes(), &resp); err != nil {
		t.Fatalf("decode: %v", err)
	}
	if resp.Status != "ok" || resp.Exporting {
		t.Errorf("health = %+v, want ok and not exporting", resp)
	}
	if rec.Header().Get("X-Request-ID") == "" {
		t.Error("request id header missing")
	}
}

func TestImportCommandFlow(t *testing.T) {
	cfg := testConfig(t)
	router := NewRouter(cfg)

	if rec := postJSON(t, router, "/import", ImportRequest{}); rec.Code != http.StatusBadRequest {
		t.Errorf("empty path: status %d, want 400", rec.Code)
	}

	rec := postJSON(t, router, "/import", ImportRequest{Path: "assets/demo.mp4"})
	if rec.Code != http.StatusAccepted {
		t.Fatalf("status %d, want 202", rec.Code)
	}

	// The command is asynchronous; poll the snapshot endpoint.
	deadline := time.Now().Add(2 * time.Second)
	for {
		req := httptest.NewRequest(http.MethodGet, "/project", nil)
		out := httptest.NewRecorder()
		router.ServeHTTP(out, req)

		var resp ProjectResponse
		if err := json.Unmarshal(out.Body.Bytes(), &resp); err != nil {
			t.Fatalf("decode project: %v", err)
		}
		if resp.Project != nil && len(resp.Project.Segments) == 1 {
			if resp.Project.DurationTL != 2_000_000 {
				t.Errorf("duration %d, want 2_000_000", resp.Project.DurationTL)
			}
			return
		}
		if time.Now().After(deadline) {
			t.Fatal("import never reached the published snapshot")
		}
		time.Sleep(10 * time.Millisecond)
	}
}

func TestRippleDeleteValidatesRange(t *testing.T) {
	router := NewRouter(testConfig(t))

	rec := postJSON(t, router, "/ripple-delete", RippleDeleteRequest{StartTL: 100, EndTL: 50})
	if rec.Code != http.StatusBadRequest {
		t.Errorf("status %d, want 400", rec.Code)
	}
}

func TestExportRequiresPath(t *testing.T) {
	router := NewRouter(testConfig(t))

	if rec := postJSON(t, router, "/export", ExportRequest{}); rec.Code != http.StatusBadRequest {
		t.Errorf("status %d, want 400", rec.Code)
	}
}

func TestPreviewFrameBeforeAnyDelivery(t *testing.T) {
	router := NewRouter(testConfig(t))

	req := httptest.NewRequest(http.MethodGet, "/preview/frame", nil)
	rec := httptest.NewRecorder()
	router.ServeHTTP(rec, req)

	if rec.Code != http.StatusNotFound {
		t.Errorf("status %d, want 404", rec.Code)
	}
}

func TestListImportsWithoutCatalog(t *testing.T) {
	router := NewRouter(testConfig(t))

	req := httptest.NewRequest(http.MethodGet, "/imports", nil)
	rec := httptest.NewRecorder()
	router.ServeHTTP(rec, req)

	if rec.Code != http.StatusOK {
		t.Fatalf("status %d, want 200", rec.Code)
	}
	var resp ImportsResponse
	if err := json.Unmarshal(rec.Body.Bytes(), &resp); err != nil {
		t.Fatalf("decode: %v", err)
	}
	if len(resp.Imports) != 0 {
		t.Errorf("imports %v, want empty", resp.Imports)
	}
}

func TestEventHubFanOut(t *testing.T) {
	hub := NewEventHub()
	src := make(chan engine.Event, 1)
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go hub.Run(ctx, src)

	a, cancelA := hub.Subscribe()
	b, cancelB := hub.Subscribe()
	defer cancelA()

	src <- engine.Event{Kind: engine.EventPlayheadChanged, TTL: 42}

	for name, ch := range map[string]<-chan engine.Event{"a": a, "b": b} {
		select {
		case ev := <-ch:
			if ev.TTL != 42 {
				t.Errorf("subscriber %s got t_tl %d, want 42", name, ev.TTL)
			}
		case <-time.After(2 * time.Second):
			t.Fatalf("subscriber %s never received the event", name)
		}
	}

	// After unsubscribe, b stops receiving.
	cancelB()
	src <- engine.Event{Kind: engine.EventPlayheadChanged, TTL: 43}
	select {
	case ev := <-a:
		if ev.TTL != 43 {
			t.Errorf("got t_tl %d, want 43", ev.TTL)
		}
	case <-time.After(2 * time.Second):
		t.Fatal("remaining subscriber never received the event")
	}
	select {
	case ev, ok := <-b:
		if ok {
			t.Errorf("unsubscribed channel received %+v", ev)
		}
	default:
	}
}

func TestEventPayloadElidesFrameBytes(t *testing.T) {
	ev := engine.Event{
		Kind: engine.EventPreviewFrameReady,
		TTL:  100,
		Frame: &media.PreviewFrame{
			Width: 16, Height: 9,
			Layout: media.LayoutRGBA8,
			Bytes:  bytes.Repeat([]byte{1}, 16*9*4),
		},
	}

	data, err := json.Marshal(toPayload(ev))
	if err != nil {
		t.Fatalf("marshal: %v", err)
	}
	if bytes.Contains(data, []byte("bytes")) {
		t.Error("payload should not carry pixel data")
	}

	var decoded map[string]any
	if err := json.Unmarshal(data, &decoded); err != nil {
		t.Fatalf("unmarshal: %v", err)
	}
	if decoded["frame_width"].(float64) != 16 || decoded["frame_height"].(float64) != 9 {
		t.Errorf("payload %s missing frame dimensions", data)
	}
	if decoded["t_tl"].(float64) != 100 {
		t.Errorf("payload %s missing t_tl", data)
	}
}
