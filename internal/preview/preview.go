// Package preview implements the scrub pipeline: map a playhead tick
// to a source timestamp, seek, decode forward, select a frame and
// deliver it as display-ready pixels. At most one request is in
// flight; newer requests supersede older ones and superseded results
// are never delivered.
package preview

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"sync/atomic"

	"github.com/r4ai/cutit/internal/cache"
	"github.com/r4ai/cutit/internal/media"
	"github.com/r4ai/cutit/internal/project"
)

// Request is one preview order, carrying the timeline tick it was
// issued for and the source mapping resolved against the snapshot
// current at submission time.
type Request struct {
	Generation uint64
	TTL        int64
	Target     *project.PreviewTarget
}

// Result reports the outcome of one request. Err is set for a
// recoverable preview failure; superseded requests produce no Result
// at all.
type Result struct {
	Generation uint64
	TTL        int64
	Frame      *media.PreviewFrame
	Err        error
}

// Mailbox is a single-slot, replace-on-send channel: the newest
// request displaces a pending one, so the worker only ever sees the
// latest scrub position.
type Mailbox struct {
	slot   chan Request
	newest atomic.Uint64
}

// NewMailbox creates an empty mailbox.
func NewMailbox() *Mailbox {
	return &Mailbox{slot: make(chan Request, 1)}
}

// Send queues a request, displacing any undelivered one, and returns
// the generation assigned to it.
func (m *Mailbox) Send(ttl int64, target *project.PreviewTarget) uint64 {
	gen := m.newest.Add(1)
	req := Request{Generation: gen, TTL: ttl, Target: target}
	for {
		select {
		case m.slot <- req:
			return gen
		default:
			// Drain the stale request and retry; the loop settles in
			// at most two iterations per concurrent sender.
			select {
			case <-m.slot:
			default:
			}
		}
	}
}

// Newest returns the generation of the most recently sent request.
func (m *Mailbox) Newest() uint64 {
	return m.newest.Load()
}

// Receive exposes the slot for the worker's select loop.
func (m *Mailbox) Receive() <-chan Request {
	return m.slot
}

// Worker owns the decode-only codec resources of the preview path.
// All handles it opens stay on its goroutine; frames leave as owned
// byte buffers through the results channel.
type Worker struct {
	backend media.Backend
	mailbox *Mailbox
	results chan<- Result
	frames  *cache.FrameCache
	seeks   *cache.SeekCache
	logger  *slog.Logger
}

// NewWorker wires a preview worker. The results channel must be
// consumed by the coordinator; sends drop when the context ends.
func NewWorker(backend media.Backend, mailbox *Mailbox, results chan<- Result, frames *cache.FrameCache, seeks *cache.SeekCache, logger *slog.Logger) *Worker {
	return &Worker{
		backend: backend,
		mailbox: mailbox,
		results: results,
		frames:  frames,
		seeks:   seeks,
		logger:  logger,
	}
}

// Run processes requests until the context ends, then releases all
// warm decode state.
func (w *Worker) Run(ctx context.Context) {
	defer w.seeks.Close()
	for {
		select {
		case <-ctx.Done():
			return
		case req := <-w.mailbox.Receive():
			w.handle(ctx, req)
		}
	}
}

func (w *Worker) handle(ctx context.Context, req Request) {
	target := req.Target

	// Cache hit bypasses the decode path entirely.
	if frame, ok := w.frames.Get(target.AssetID, target.Width, target.Height, target.SourceTL); ok {
		w.deliver(ctx, Result{Generation: req.Generation, TTL: req.TTL, Frame: frame})
		return
	}

	frame, err := w.decodeFrame(ctx, req)
	if req.Generation != w.mailbox.Newest() {
		// Superseded while decoding: the result is discarded, but a
		// successfully decoded frame is still worth caching.
		if frame != nil {
			w.frames.Add(target.AssetID, target.Width, target.Height, target.SourceTL, frame)
		}
		w.logger.Debug("preview request superseded",
			"generation", req.Generation,
			"t_tl", req.TTL,
		)
		return
	}
	if err != nil {
		w.deliver(ctx, Result{Generation: req.Generation, TTL: req.TTL, Err: err})
		return
	}

	w.frames.Add(target.AssetID, target.Width, target.Height, target.SourceTL, frame)
	w.deliver(ctx, Result{Generation: req.Generation, TTL: req.TTL, Frame: frame})
}

// decodeFrame seeks (reusing a warm decoder when one covers the
// region) and decodes forward to the first frame at or past the
// target timestamp.
func (w *Worker) decodeFrame(ctx context.Context, req Request) (*media.PreviewFrame, error) {
	target := req.Target

	decoder, err := w.openDecoder(ctx, target)
	if err != nil {
		return nil, fmt.Errorf("seek %s to %d: %w", target.Path, target.SrcTarget, err)
	}

	var selected *media.VideoFrame
	position := target.SrcTarget
	for {
		frame, err := decoder.ReadFrame()
		if errors.Is(err, io.EOF) {
			break
		}
		if err != nil {
			decoder.Close()
			return nil, fmt.Errorf("decode %s near %d: %w", target.Path, target.SrcTarget, err)
		}
		selected = frame
		position = frame.PTS + 1
		if frame.PTS >= target.SrcTarget {
			break
		}
	}

	if selected == nil {
		decoder.Close()
		return nil, fmt.Errorf("decode %s near %d: no frame in range", target.Path, target.SrcTarget)
	}

	w.seeks.Put(target.AssetID, target.SourceTL, &cache.WarmDecoder{Decoder: decoder, Position: position})

	return &media.PreviewFrame{
		Width:  selected.Width,
		Height: selected.Height,
		Layout: media.LayoutRGBA8,
		Bytes:  selected.Bytes,
	}, nil
}

// openDecoder reuses a warm decoder positioned at or before the
// target, otherwise opens a fresh one seeked to a keyframe at or
// before the target.
func (w *Worker) openDecoder(ctx context.Context, target *project.PreviewTarget) (media.VideoDecoder, error) {
	if warm, ok := w.seeks.Take(target.AssetID, target.SourceTL); ok {
		if warm.Position <= target.SrcTarget {
			w.logger.Debug("reusing warm decoder",
				"asset_id", target.AssetID,
				"position", warm.Position,
				"target", target.SrcTarget,
			)
			return warm.Decoder, nil
		}
		// Decoders only run forward; a position past the target is
		// useless for this request.
		warm.Decoder.Close()
	}

	return w.backend.OpenVideoDecoder(ctx, target.Path, target.Stream, media.DecodeRange{
		SrcIn:  target.SrcTarget,
		SrcOut: target.Stream.SrcOut,
	})
}

func (w *Worker) deliver(ctx context.Context, result Result) {
	select {
	case w.results <- result:
	case <-ctx.Done():
	}
}
