package api

import (
	"time"

	"github.com/r4ai/cutit/internal/project"
	"github.com/r4ai/cutit/internal/store"
)

type ErrorResponse struct {
	Error string `json:"error"`
	Code  string `json:"code"`
}

type HealthResponse struct {
	Status    string `json:"status"`
	Version   string `json:"version"`
	UptimeS   int64  `json:"uptime_s"`
	Exporting bool   `json:"exporting"`
}

type AcceptedResponse struct {
	Status string `json:"status"`
}

type ProjectResponse struct {
	Project    *project.Snapshot `json:"project"`
	PlayheadTL int64             `json:"playhead_tl"`
}

type ImportRequest struct {
	Path string `json:"path"`
}

type PlayheadRequest struct {
	TTL int64 `json:"t_tl"`
}

type SplitRequest struct {
	AtTL int64 `json:"at_tl"`
}

type RippleDeleteRequest struct {
	StartTL int64 `json:"start_tl"`
	EndTL   int64 `json:"end_tl"`
}

type ExportRequest struct {
	Path string `json:"path"`
}

type ProjectFileRequest struct {
	Path string `json:"path"`
}

type ImportEntryResponse struct {
	ID         int64  `json:"id"`
	Path       string `json:"path"`
	HasVideo   bool   `json:"has_video"`
	HasAudio   bool   `json:"has_audio"`
	Width      int    `json:"width,omitempty"`
	Height     int    `json:"height,omitempty"`
	SampleRate int    `json:"sample_rate,omitempty"`
	Channels   int    `json:"channels,omitempty"`
	DurationTL int64  `json:"duration_tl"`
	CreatedAt  string `json:"created_at"`
}

type ImportsResponse struct {
	Imports []ImportEntryResponse `json:"imports"`
}

func ImportToResponse(rec *store.ImportRecord) ImportEntryResponse {
	return ImportEntryResponse{
		ID:         rec.ID,
		Path:       rec.Path,
		HasVideo:   rec.HasVideo,
		HasAudio:   rec.HasAudio,
		Width:      rec.Width,
		Height:     rec.Height,
		SampleRate: rec.SampleRate,
		Channels:   rec.Channels,
		DurationTL: rec.DurationTL,
		CreatedAt:  rec.CreatedAt.Format(time.RFC3339),
	}
}

type ExportEntryResponse struct {
	ID         string `json:"id"`
	OutputPath string `json:"output_path"`
	Status     string `json:"status"`
	Error      string `json:"error,omitempty"`
	DoneTL     int64  `json:"done_tl"`
	TotalTL    int64  `json:"total_tl"`
	CreatedAt  string `json:"created_at"`
}

type ExportsResponse struct {
	Exports []ExportEntryResponse `json:"exports"`
}

func ExportToResponse(rec *store.ExportRecord) ExportEntryResponse {
	return ExportEntryResponse{
		ID:         rec.ID,
		OutputPath: rec.OutputPath,
		Status:     rec.Status,
		Error:      rec.Error,
		DoneTL:     rec.DoneTL,
		TotalTL:    rec.TotalTL,
		CreatedAt:  rec.CreatedAt.Format(time.RFC3339),
	}
}

// eventPayload is the SSE wire shape. Frame bytes are elided; clients
// fetch pixels from /preview/frame.
type eventPayload struct {
	Kind       string            `json:"kind"`
	TTL        *int64            `json:"t_tl,omitempty"`
	Snapshot   *project.Snapshot `json:"project,omitempty"`
	FrameW     int               `json:"frame_width,omitempty"`
	FrameH     int               `json:"frame_height,omitempty"`
	DoneTL     int64             `json:"done_tl,omitempty"`
	TotalTL    int64             `json:"total_tl,omitempty"`
	Path       string            `json:"path,omitempty"`
	JobID      string            `json:"job_id,omitempty"`
	ErrKind    string            `json:"error_kind,omitempty"`
	ErrMessage string            `json:"error_message,omitempty"`
}
