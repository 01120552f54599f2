package api

import (
	"encoding/json"
	"fmt"
	"net/http"
	"strconv"
	"time"

	"github.com/go-chi/chi/v5"

	"github.com/r4ai/cutit/internal/engine"
)

func NewRouter(cfg ServerConfig) *chi.Mux {
	r := chi.NewRouter()

	r.Use(RequestIDMiddleware())
	r.Use(RecoveryMiddleware(cfg.Logger))
	r.Use(LoggingMiddleware(cfg.Logger))

	r.Get("/health", healthHandler(cfg))
	r.Get("/project", projectHandler(cfg))
	r.Get("/imports", listImportsHandler(cfg))
	r.Get("/exports", listExportsHandler(cfg))
	r.Get("/events", eventsHandler(cfg))
	r.Get("/preview/frame", previewFrameHandler(cfg))

	r.Post("/import", importHandler(cfg))
	r.Post("/playhead", playheadHandler(cfg))
	r.Post("/split", splitHandler(cfg))
	r.Post("/ripple-delete", rippleDeleteHandler(cfg))
	r.Post("/export", exportHandler(cfg))
	r.Post("/export/cancel", cancelExportHandler(cfg))
	r.Post("/project/save", saveProjectHandler(cfg))
	r.Post("/project/load", loadProjectHandler(cfg))

	return r
}

func healthHandler(cfg ServerConfig) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		uptime := int64(time.Since(cfg.StartTime).Seconds())
		WriteJSON(w, http.StatusOK, HealthResponse{
			Status:    "ok",
			Version:   "0.1.0",
			UptimeS:   uptime,
			Exporting: cfg.Engine.Exporting(),
		})
	}
}

func projectHandler(cfg ServerConfig) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		WriteJSON(w, http.StatusOK, ProjectResponse{
			Project:    cfg.Engine.CurrentSnapshot(),
			PlayheadTL: cfg.Engine.Playhead(),
		})
	}
}

func listImportsHandler(cfg ServerConfig) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		if cfg.Repository == nil {
			WriteJSON(w, http.StatusOK, ImportsResponse{Imports: []ImportEntryResponse{}})
			return
		}
		records, err := cfg.Repository.ListImports(r.Context())
		if err != nil {
			WriteError(w, http.StatusInternalServerError, "failed to list imports", "INTERNAL_ERROR")
			return
		}
		resp := ImportsResponse{Imports: make([]ImportEntryResponse, len(records))}
		for i, rec := range records {
			resp.Imports[i] = ImportToResponse(rec)
		}
		WriteJSON(w, http.StatusOK, resp)
	}
}

func listExportsHandler(cfg ServerConfig) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		if cfg.Repository == nil {
			WriteJSON(w, http.StatusOK, ExportsResponse{Exports: []ExportEntryResponse{}})
			return
		}
		records, err := cfg.Repository.ListExports(r.Context(), 50)
		if err != nil {
			WriteError(w, http.StatusInternalServerError, "failed to list exports", "INTERNAL_ERROR")
			return
		}
		resp := ExportsResponse{Exports: make([]ExportEntryResponse, len(records))}
		for i, rec := range records {
			resp.Exports[i] = ExportToResponse(rec)
		}
		WriteJSON(w, http.StatusOK, resp)
	}
}

// submitCommand queues a command and acknowledges; the outcome arrives
// on the event stream.
func submitCommand(cfg ServerConfig, w http.ResponseWriter, r *http.Request, cmd engine.Command) {
	if err := cfg.Engine.Submit(r.Context(), cmd); err != nil {
		WriteError(w, http.StatusServiceUnavailable, "engine unavailable", "ENGINE_BUSY")
		return
	}
	WriteJSON(w, http.StatusAccepted, AcceptedResponse{Status: "accepted"})
}

func importHandler(cfg ServerConfig) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		var req ImportRequest
		if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
			WriteError(w, http.StatusBadRequest, "invalid request body", "BAD_REQUEST")
			return
		}
		if req.Path == "" {
			WriteError(w, http.StatusBadRequest, "path is required", "BAD_REQUEST")
			return
		}
		submitCommand(cfg, w, r, engine.Import{Path: req.Path})
	}
}

func playheadHandler(cfg ServerConfig) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		var req PlayheadRequest
		if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
			WriteError(w, http.StatusBadRequest, "invalid request body", "BAD_REQUEST")
			return
		}
		submitCommand(cfg, w, r, engine.SetPlayhead{TTL: req.TTL})
	}
}

func splitHandler(cfg ServerConfig) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		var req SplitRequest
		if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
			WriteError(w, http.StatusBadRequest, "invalid request body", "BAD_REQUEST")
			return
		}
		submitCommand(cfg, w, r, engine.Split{AtTL: req.AtTL})
	}
}

func rippleDeleteHandler(cfg ServerConfig) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		var req RippleDeleteRequest
		if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
			WriteError(w, http.StatusBadRequest, "invalid request body", "BAD_REQUEST")
			return
		}
		if req.EndTL < req.StartTL {
			WriteError(w, http.StatusBadRequest, "end_tl must not precede start_tl", "BAD_REQUEST")
			return
		}
		submitCommand(cfg, w, r, engine.RippleDelete{StartTL: req.StartTL, EndTL: req.EndTL})
	}
}

func exportHandler(cfg ServerConfig) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		var req ExportRequest
		if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
			WriteError(w, http.StatusBadRequest, "invalid request body", "BAD_REQUEST")
			return
		}
		if req.Path == "" {
			WriteError(w, http.StatusBadRequest, "path is required", "BAD_REQUEST")
			return
		}
		submitCommand(cfg, w, r, engine.Export{Path: req.Path})
	}
}

func cancelExportHandler(cfg ServerConfig) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		submitCommand(cfg, w, r, engine.CancelExport{})
	}
}

func saveProjectHandler(cfg ServerConfig) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		var req ProjectFileRequest
		if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
			WriteError(w, http.StatusBadRequest, "invalid request body", "BAD_REQUEST")
			return
		}
		if req.Path == "" {
			WriteError(w, http.StatusBadRequest, "path is required", "BAD_REQUEST")
			return
		}
		submitCommand(cfg, w, r, engine.SaveProject{Path: req.Path})
	}
}

func loadProjectHandler(cfg ServerConfig) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		var req ProjectFileRequest
		if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
			WriteError(w, http.StatusBadRequest, "invalid request body", "BAD_REQUEST")
			return
		}
		if req.Path == "" {
			WriteError(w, http.StatusBadRequest, "path is required", "BAD_REQUEST")
			return
		}
		submitCommand(cfg, w, r, engine.LoadProject{Path: req.Path})
	}
}

func eventsHandler(cfg ServerConfig) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		flusher, ok := w.(http.Flusher)
		if !ok {
			WriteError(w, http.StatusInternalServerError, "streaming unsupported", "INTERNAL_ERROR")
			return
		}

		w.Header().Set("Content-Type", "text/event-stream")
		w.Header().Set("Cache-Control", "no-cache")
		w.Header().Set("Connection", "keep-alive")
		w.WriteHeader(http.StatusOK)
		flusher.Flush()

		events, cancel := cfg.Hub.Subscribe()
		defer cancel()

		for {
			select {
			case <-r.Context().Done():
				return
			case ev := <-events:
				data, err := json.Marshal(toPayload(ev))
				if err != nil {
					continue
				}
				fmt.Fprintf(w, "event: %s\ndata: %s\n\n", ev.Kind, data)
				flusher.Flush()
			}
		}
	}
}

func previewFrameHandler(cfg ServerConfig) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		frame, ttl, ok := cfg.Engine.LatestFrame()
		if !ok {
			WriteError(w, http.StatusNotFound, "no frame delivered yet", "NOT_FOUND")
			return
		}

		w.Header().Set("Content-Type", "application/octet-stream")
		w.Header().Set("X-Frame-Width", strconv.Itoa(frame.Width))
		w.Header().Set("X-Frame-Height", strconv.Itoa(frame.Height))
		w.Header().Set("X-Frame-Layout", string(frame.Layout))
		w.Header().Set("X-Frame-TTL", strconv.FormatInt(ttl, 10))
		w.WriteHeader(http.StatusOK)
		w.Write(frame.Bytes)
	}
}
