// Package engine is the coordinator: one goroutine owns the project
// and applies commands strictly in submission order, spawning the
// preview worker and at most one export worker. Codec handles never
// leave the worker that opened them; everything crossing a channel
// here is an owned value.
package engine

import (
	"context"
	"fmt"
	"log/slog"
	"strings"
	"sync/atomic"
	"time"

	"github.com/google/uuid"

	"github.com/r4ai/cutit/internal/cache"
	"github.com/r4ai/cutit/internal/export"
	"github.com/r4ai/cutit/internal/media"
	"github.com/r4ai/cutit/internal/preview"
	"github.com/r4ai/cutit/internal/project"
	"github.com/r4ai/cutit/internal/store"
)

// Command is one engine order. Commands apply in submission order.
type Command interface{ isCommand() }

type Import struct{ Path string }
type SetPlayhead struct{ TTL int64 }
type Split struct{ AtTL int64 }
type RippleDelete struct{ StartTL, EndTL int64 }
type Export struct{ Path string }
type CancelExport struct{}
type SaveProject struct{ Path string }
type LoadProject struct{ Path string }

func (Import) isCommand()       {}
func (SetPlayhead) isCommand()  {}
func (Split) isCommand()        {}
func (RippleDelete) isCommand() {}
func (Export) isCommand()       {}
func (CancelExport) isCommand() {}
func (SaveProject) isCommand()  {}
func (LoadProject) isCommand()  {}

// EventKind discriminates engine events.
type EventKind string

const (
	EventProjectChanged    EventKind = "project_changed"
	EventPlayheadChanged   EventKind = "playhead_changed"
	EventPreviewFrameReady EventKind = "preview_frame_ready"
	EventExportProgress    EventKind = "export_progress"
	EventExportFinished    EventKind = "export_finished"
	EventExportCancelled   EventKind = "export_cancelled"
	EventError             EventKind = "error"
)

// Error kinds carried by EventError.
const (
	ErrorImport  = "import"
	ErrorEdit    = "edit"
	ErrorPreview = "preview"
	ErrorExport  = "export"
	ErrorProject = "project"
)

// Event is one engine notification. Only the fields relevant to the
// kind are set.
type Event struct {
	Kind     EventKind
	Snapshot *project.Snapshot
	TTL      int64
	Frame    *media.PreviewFrame
	DoneTL   int64
	TotalTL  int64
	Path     string
	JobID    string
	ErrKind  string
	Message  string
}

// Options sizes the engine's caches and channels.
type Options struct {
	FrameCacheEntries int
	SeekCacheEntries  int
	EventBuffer       int
	CommandBuffer     int
}

// DefaultOptions match a small interactive session.
func DefaultOptions() Options {
	return Options{
		FrameCacheEntries: 128,
		SeekCacheEntries:  8,
		EventBuffer:       64,
		CommandBuffer:     16,
	}
}

type latestFrame struct {
	frame *media.PreviewFrame
	ttl   int64
}

// Engine owns the project state. All mutation happens on the Run
// goroutine; accessors expose atomically swapped copies.
type Engine struct {
	backend media.Backend
	repo    store.Repository
	logger  *slog.Logger
	opts    Options

	commands chan Command
	events   chan Event

	proj          *project.Project
	playhead      int64
	nextAssetID   int64
	nextSegmentID int64

	mailbox        *preview.Mailbox
	previewResults chan preview.Result
	frames         *cache.FrameCache

	runner       *export.Runner
	exportEvents chan export.Event
	exportCancel context.CancelFunc
	exportJobID  string

	snapshot  atomic.Pointer[project.Snapshot]
	playheadA atomic.Int64
	frameA    atomic.Pointer[latestFrame]
	exporting atomic.Bool
}

// New wires an engine. The repository may be nil when no catalog is
// configured.
func New(backend media.Backend, repo store.Repository, opts Options, logger *slog.Logger) (*Engine, error) {
	frames, err := cache.NewFrameCache(opts.FrameCacheEntries, cache.DefaultFrameBucketTL)
	if err != nil {
		return nil, err
	}

	e := &Engine{
		backend:        backend,
		repo:           repo,
		logger:         logger,
		opts:           opts,
		commands:       make(chan Command, opts.CommandBuffer),
		events:         make(chan Event, opts.EventBuffer),
		proj:           &project.Project{},
		nextAssetID:    1,
		nextSegmentID:  1,
		mailbox:        preview.NewMailbox(),
		previewResults: make(chan preview.Result, 1),
		frames:         frames,
		runner:         export.NewRunner(backend, logger),
		exportEvents:   make(chan export.Event, 16),
	}
	e.snapshot.Store(&project.Snapshot{})
	return e, nil
}

// Submit queues a command for the engine goroutine.
func (e *Engine) Submit(ctx context.Context, cmd Command) error {
	select {
	case e.commands <- cmd:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// Events is the engine's notification stream. The caller must drain
// it; progress and frame events are dropped rather than blocking the
// engine, terminal export events and errors are not.
func (e *Engine) Events() <-chan Event {
	return e.events
}

// CurrentSnapshot returns the latest published project snapshot.
func (e *Engine) CurrentSnapshot() *project.Snapshot {
	return e.snapshot.Load()
}

// Playhead returns the current playhead in timeline ticks.
func (e *Engine) Playhead() int64 {
	return e.playheadA.Load()
}

// LatestFrame returns the most recently delivered preview frame.
func (e *Engine) LatestFrame() (*media.PreviewFrame, int64, bool) {
	lf := e.frameA.Load()
	if lf == nil {
		return nil, 0, false
	}
	return lf.frame, lf.ttl, true
}

// Exporting reports whether an export job is in flight.
func (e *Engine) Exporting() bool {
	return e.exporting.Load()
}

// Run drives the engine until ctx ends. It spawns the preview worker
// and processes commands, preview results and export events.
func (e *Engine) Run(ctx context.Context) {
	seeks, err := cache.NewSeekCache(e.opts.SeekCacheEntries, cache.DefaultSeekRegionTL)
	if err != nil {
		e.logger.Error("seek cache init failed", "error", err)
		return
	}
	worker := preview.NewWorker(e.backend, e.mailbox, e.previewResults, e.frames, seeks, e.logger)
	go worker.Run(ctx)

	for {
		select {
		case <-ctx.Done():
			if e.exportCancel != nil {
				e.exportCancel()
				e.drainExport()
			}
			return
		case cmd := <-e.commands:
			e.apply(ctx, cmd)
		case res := <-e.previewResults:
			e.onPreviewResult(res)
		case ev := <-e.exportEvents:
			e.onExportEvent(ev)
		}
	}
}

// drainExport waits for the running job's terminal event so its
// outcome still reaches the catalog during shutdown.
func (e *Engine) drainExport() {
	for e.exportJobID != "" {
		ev, ok := <-e.exportEvents
		if !ok {
			return
		}
		e.onExportEvent(ev)
	}
}

func (e *Engine) apply(ctx context.Context, cmd Command) {
	switch c := cmd.(type) {
	case Import:
		e.doImport(ctx, c.Path)
	case SetPlayhead:
		e.doSetPlayhead(c.TTL)
	case Split:
		e.doSplit(c.AtTL)
	case RippleDelete:
		e.doRippleDelete(c.StartTL, c.EndTL)
	case Export:
		e.doExport(ctx, c.Path)
	case CancelExport:
		e.doCancelExport()
	case SaveProject:
		e.doSaveProject(c.Path)
	case LoadProject:
		e.doLoadProject(c.Path)
	}
}

func (e *Engine) doImport(ctx context.Context, path string) {
	probed, err := e.backend.Probe(ctx, path)
	if err != nil {
		e.fail(ErrorImport, "probe failed", "path", path, "error", err)
		return
	}

	assetID := e.nextAssetID
	segmentID := e.nextSegmentID
	if err := e.proj.AppendProbe(assetID, segmentID, probed); err != nil {
		e.fail(ErrorImport, "unusable media", "path", path, "error", err)
		return
	}
	e.nextAssetID++
	e.nextSegmentID++

	if e.repo != nil {
		rec := &store.ImportRecord{
			ID:         assetID,
			Path:       path,
			HasVideo:   probed.Video != nil,
			HasAudio:   probed.Audio != nil,
			DurationTL: probed.DurationTL,
			CreatedAt:  time.Now().UTC(),
		}
		if v := probed.Video; v != nil {
			rec.Width, rec.Height = v.Width, v.Height
		}
		if a := probed.Audio; a != nil {
			rec.SampleRate, rec.Channels = a.SampleRate, a.Channels
		}
		if err := e.repo.RecordImport(ctx, rec); err != nil {
			e.logger.Warn("import not recorded in catalog", "path", path, "error", err)
		}
	}

	e.logger.Info("imported media",
		"path", path,
		"asset_id", assetID,
		"duration_tl", probed.DurationTL,
	)
	e.publishProject()
}

func (e *Engine) doSetPlayhead(tTL int64) {
	tTL = e.proj.NormalizePlayhead(tTL)
	e.playhead = tTL
	e.playheadA.Store(tTL)
	e.emitSoft(Event{Kind: EventPlayheadChanged, TTL: tTL})

	target, err := e.proj.PreviewTargetAt(tTL)
	if err != nil {
		// An empty timeline has nothing to preview; that is not an
		// error worth reporting.
		if len(e.proj.Timeline.Segments) > 0 {
			e.fail(ErrorPreview, "preview target unresolved", "t_tl", tTL, "error", err)
		}
		return
	}
	e.mailbox.Send(tTL, target)
}

func (e *Engine) doSplit(atTL int64) {
	if e.proj.Timeline.Split(atTL, e.allocSegmentID, e.proj.Bases) {
		e.logger.Info("split segment", "at_tl", atTL)
		e.publishProject()
	}
}

func (e *Engine) doRippleDelete(startTL, endTL int64) {
	if e.proj.Timeline.RippleDelete(startTL, endTL, e.allocSegmentID, e.proj.Bases) {
		e.logger.Info("ripple deleted range", "start_tl", startTL, "end_tl", endTL)
		e.publishProject()
		e.doSetPlayhead(e.playhead)
	}
}

func (e *Engine) allocSegmentID() int64 {
	id := e.nextSegmentID
	e.nextSegmentID++
	return id
}

func (e *Engine) doExport(ctx context.Context, path string) {
	if e.exportJobID != "" {
		e.fail(ErrorExport, "an export is already running", "path", path)
		return
	}
	if err := export.ValidateOutputPath(path); err != nil {
		e.fail(ErrorExport, "invalid output path", "path", path, "error", err)
		return
	}

	plan, err := export.BuildPlan(e.proj)
	if err != nil {
		e.fail(ErrorExport, "nothing to export", "path", path, "error", err)
		return
	}

	settings := media.DefaultWriterSettings()
	if s := e.proj.Settings.Export; s != nil {
		settings.Container = s.Container
		settings.VideoCodec = s.VideoCodec
		settings.AudioCodec = s.AudioCodec
	}
	settings = plan.WriterSettings(settings)

	jobID := uuid.NewString()
	if e.repo != nil {
		now := time.Now().UTC()
		err := e.repo.CreateExport(ctx, &store.ExportRecord{
			ID: jobID, OutputPath: path, Status: store.ExportRunning,
			TotalTL: plan.TotalTL, CreatedAt: now, UpdatedAt: now,
		})
		if err != nil {
			e.logger.Warn("export not recorded in catalog", "job_id", jobID, "error", err)
		}
	}

	jobCtx, cancel := context.WithCancel(ctx)
	e.exportCancel = cancel
	e.exportJobID = jobID
	e.exporting.Store(true)

	e.logger.Info("export started", "job_id", jobID, "path", path, "total_tl", plan.TotalTL)
	go e.runner.Run(jobCtx, jobID, plan, path, settings, e.exportEvents)
}

func (e *Engine) doCancelExport() {
	if e.exportJobID == "" {
		e.fail(ErrorExport, "no export to cancel")
		return
	}
	e.exportCancel()
}

func (e *Engine) doSaveProject(path string) {
	if err := e.proj.Save(path); err != nil {
		e.fail(ErrorProject, "save failed", "path", path, "error", err)
		return
	}
	e.logger.Info("project saved", "path", path)
}

func (e *Engine) doLoadProject(path string) {
	loaded, err := project.Load(path)
	if err != nil {
		e.fail(ErrorProject, "load failed", "path", path, "error", err)
		return
	}
	e.proj = loaded
	e.nextAssetID, e.nextSegmentID = loaded.NextIDs()
	e.frames.Purge()
	e.logger.Info("project loaded", "path", path, "assets", len(loaded.Assets))
	e.publishProject()
	e.doSetPlayhead(0)
}

func (e *Engine) onPreviewResult(res preview.Result) {
	if res.Err != nil {
		e.fail(ErrorPreview, "preview failed", "t_tl", res.TTL, "error", res.Err)
		return
	}
	e.frameA.Store(&latestFrame{frame: res.Frame, ttl: res.TTL})
	e.emitSoft(Event{Kind: EventPreviewFrameReady, TTL: res.TTL, Frame: res.Frame})
}

func (e *Engine) onExportEvent(ev export.Event) {
	switch ev.Kind {
	case export.EventProgress:
		if e.repo != nil {
			if err := e.repo.UpdateExportProgress(context.Background(), ev.JobID, ev.DoneTL); err != nil {
				e.logger.Warn("export progress not recorded", "job_id", ev.JobID, "error", err)
			}
		}
		e.emitSoft(Event{Kind: EventExportProgress, JobID: ev.JobID, DoneTL: ev.DoneTL, TotalTL: ev.TotalTL})
	case export.EventFinished:
		e.finishExport(ev.JobID, store.ExportFinished, "")
		e.emit(Event{Kind: EventExportFinished, JobID: ev.JobID, Path: ev.Path, DoneTL: ev.DoneTL, TotalTL: ev.TotalTL})
	case export.EventCancelled:
		e.finishExport(ev.JobID, store.ExportCancelled, "")
		e.emit(Event{Kind: EventExportCancelled, JobID: ev.JobID, Path: ev.Path})
	case export.EventFailed:
		msg := ""
		if ev.Err != nil {
			msg = ev.Err.Error()
		}
		e.finishExport(ev.JobID, store.ExportFailed, msg)
		e.fail(ErrorExport, "export failed", "job_id", ev.JobID, "path", ev.Path, "error", ev.Err)
	}
}

func (e *Engine) finishExport(jobID, status, errorMsg string) {
	if e.repo != nil {
		if err := e.repo.FinishExport(context.Background(), jobID, status, errorMsg); err != nil {
			e.logger.Warn("export outcome not recorded", "job_id", jobID, "error", err)
		}
	}
	if e.exportCancel != nil {
		e.exportCancel()
	}
	e.exportCancel = nil
	e.exportJobID = ""
	e.exporting.Store(false)
}

// publishProject snapshots the project and emits ProjectChanged.
func (e *Engine) publishProject() {
	snap := e.proj.Snapshot()
	e.snapshot.Store(&snap)
	e.playhead = e.proj.NormalizePlayhead(e.playhead)
	e.playheadA.Store(e.playhead)
	e.emit(Event{Kind: EventProjectChanged, Snapshot: &snap})
}

func (e *Engine) fail(kind, message string, args ...any) {
	logArgs := append([]any{"kind", kind}, args...)
	e.logger.Error(message, logArgs...)
	e.emit(Event{Kind: EventError, ErrKind: kind, Message: failMessage(message, args)})
}

// failMessage folds the diagnostic key/value context into the event
// message, so stream consumers see the same detail as the log.
func failMessage(message string, args []any) string {
	if len(args) == 0 {
		return message
	}
	var b strings.Builder
	b.WriteString(message)
	for i := 0; i+1 < len(args); i += 2 {
		fmt.Fprintf(&b, " %v=%v", args[i], args[i+1])
	}
	return b.String()
}

// softKind reports whether an event may be coalesced away; terminal
// and state-change events are never valid victims.
func softKind(kind EventKind) bool {
	switch kind {
	case EventPlayheadChanged, EventPreviewFrameReady, EventExportProgress:
		return true
	default:
		return false
	}
}

// emit delivers an event that must not be lost. The buffer absorbs
// bursts; if a consumer stalls completely a buffered soft event is
// sacrificed to make room, and only when none exists does the oldest
// event go.
func (e *Engine) emit(ev Event) {
	for {
		select {
		case e.events <- ev:
			return
		default:
		}
		e.makeRoom()
	}
}

// makeRoom drops one buffered event, preferring soft kinds. Only the
// engine goroutine sends on events, so draining and refilling keeps
// order.
func (e *Engine) makeRoom() {
	n := len(e.events)
	kept := make([]Event, 0, n)
	dropped := false
	for i := 0; i < n; i++ {
		select {
		case old := <-e.events:
			if !dropped && softKind(old.Kind) {
				dropped = true
				e.logger.Warn("event dropped under backpressure", "kind", old.Kind)
				continue
			}
			kept = append(kept, old)
		default:
		}
	}
	if !dropped && len(kept) > 0 {
		e.logger.Warn("event dropped under backpressure", "kind", kept[0].Kind)
		kept = kept[1:]
	}
	for _, old := range kept {
		e.events <- old
	}
}

// emitSoft delivers a coalescible event, dropped when the buffer is
// full.
func (e *Engine) emitSoft(ev Event) {
	select {
	case e.events <- ev:
	default:
	}
}
