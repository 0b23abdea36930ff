// Package debughttp exposes the observability control plane: the event feed
// and stream, per-session timelines, the risk/time overrides, and demo data
// resets. Everything here is a demo/debug surface and carries no production
// authorization of its own.
package debughttp

import (
	"context"
	"encoding/json"
	"log/slog"
	"net/http"
	"strconv"
	"time"

	"github.com/go-chi/chi/v5"

	"anybank/internal/audit"
	"anybank/internal/debugevents"
	"anybank/internal/overrides"
	"anybank/internal/session"
	jsonResponse "anybank/internal/transport/http/json"
)

// Reseeder restores the demo directory dataset.
type Reseeder interface {
	Reseed(ctx context.Context)
}

// Handler serves the /debug surface.
type Handler struct {
	bus      *debugevents.Bus
	controls *overrides.Controls
	auditLog audit.Store
	sessions session.Store
	dir      Reseeder
	logger   *slog.Logger
}

// New creates the debug handler. The audit store, session store, and reseeder
// are only needed for resets and may be nil when resets are disabled.
func New(bus *debugevents.Bus, controls *overrides.Controls, auditLog audit.Store, sessions session.Store, dir Reseeder, logger *slog.Logger) *Handler {
	if logger == nil {
		logger = slog.Default()
	}
	return &Handler{
		bus:      bus,
		controls: controls,
		auditLog: auditLog,
		sessions: sessions,
		dir:      dir,
		logger:   logger,
	}
}

// Register mounts the debug routes.
func (h *Handler) Register(r chi.Router) {
	r.Route("/debug", func(r chi.Router) {
		r.Get("/events", h.HandleEvents)
		r.Get("/events/stream", h.HandleEventStream)
		r.Get("/sessions/{id}/timeline", h.HandleSessionTimeline)

		r.Get("/controls", h.HandleControls)
		r.Delete("/controls", h.HandleClearOverrides)
		r.Get("/controls/risk", h.HandleGetRiskOverride)
		r.Post("/controls/risk", h.HandleSetRiskOverride)
		r.Get("/controls/time", h.HandleGetTimeOverride)
		r.Post("/controls/time", h.HandleSetTimeOverride)
		r.Post("/controls/reset", h.HandleReset)
	})
}

// HandleEvents lists buffered events, most recent first, with optional
// type/session/correlation filters.
func (h *Handler) HandleEvents(w http.ResponseWriter, r *http.Request) {
	q := r.URL.Query()
	limit := 0
	if raw := q.Get("limit"); raw != "" {
		n, err := strconv.Atoi(raw)
		if err != nil || n < 0 {
			jsonResponse.WriteJSON(w, http.StatusBadRequest, map[string]string{"error": "limit must be a non-negative integer"})
			return
		}
		limit = n
	}

	events := h.bus.Events(debugevents.Filter{
		Type:          debugevents.EventType(q.Get("type")),
		SessionID:     q.Get("sessionId"),
		CorrelationID: q.Get("correlationId"),
		Limit:         limit,
	})

	jsonResponse.WriteJSON(w, http.StatusOK, map[string]any{
		"events": events,
		"count":  len(events),
		"total":  h.bus.Len(),
	})
}

// HandleEventStream pushes live events as newline-delimited JSON. The
// connection stays open until the client goes away.
func (h *Handler) HandleEventStream(w http.ResponseWriter, r *http.Request) {
	flusher, ok := w.(http.Flusher)
	if !ok {
		http.Error(w, "streaming unsupported", http.StatusInternalServerError)
		return
	}

	w.Header().Set("Content-Type", "application/x-ndjson")
	w.Header().Set("Cache-Control", "no-cache")
	w.WriteHeader(http.StatusOK)
	flusher.Flush()

	events, cancel := h.bus.Subscribe()
	defer cancel()

	h.logger.Info("debug event stream opened")
	enc := json.NewEncoder(w)
	for {
		select {
		case <-r.Context().Done():
			h.logger.Info("debug event stream closed by client")
			return
		case e, open := <-events:
			if !open {
				// Dropped as a stalled subscriber.
				return
			}
			if err := enc.Encode(e); err != nil {
				return
			}
			flusher.Flush()
		}
	}
}

// HandleSessionTimeline returns a session's events in chronological order.
func (h *Handler) HandleSessionTimeline(w http.ResponseWriter, r *http.Request) {
	sessionID := chi.URLParam(r, "id")
	events := h.bus.Timeline(sessionID)
	jsonResponse.WriteJSON(w, http.StatusOK, map[string]any{
		"sessionId":  sessionID,
		"events":     events,
		"eventCount": len(events),
	})
}

// HandleControls reports the full override state.
func (h *Handler) HandleControls(w http.ResponseWriter, _ *http.Request) {
	jsonResponse.WriteJSON(w, http.StatusOK, h.controls.Snapshot())
}

// HandleClearOverrides drops both overrides.
func (h *Handler) HandleClearOverrides(w http.ResponseWriter, _ *http.Request) {
	h.controls.ClearAll()
	jsonResponse.WriteJSON(w, http.StatusOK, map[string]string{"message": "All overrides cleared"})
}

type riskOverrideRequest struct {
	Score *int `json:"score"`
}

// HandleSetRiskOverride pins or clears (score null) the risk score.
func (h *Handler) HandleSetRiskOverride(w http.ResponseWriter, r *http.Request) {
	var req riskOverrideRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		jsonResponse.WriteJSON(w, http.StatusBadRequest, map[string]string{"error": "Invalid JSON in request body"})
		return
	}
	if err := h.controls.SetRiskOverride(req.Score); err != nil {
		jsonResponse.WriteJSON(w, http.StatusBadRequest, map[string]string{"error": err.Error()})
		return
	}

	message := "Risk override cleared"
	if req.Score != nil {
		message = "Risk override set"
	}
	jsonResponse.WriteJSON(w, http.StatusOK, map[string]any{
		"message": message,
		"score":   req.Score,
	})
}

// HandleGetRiskOverride reports the current risk override.
func (h *Handler) HandleGetRiskOverride(w http.ResponseWriter, _ *http.Request) {
	score, active := h.controls.RiskOverride()
	resp := map[string]any{"active": active}
	if active {
		resp["score"] = score
	} else {
		resp["score"] = nil
	}
	jsonResponse.WriteJSON(w, http.StatusOK, resp)
}

type timeOverrideRequest struct {
	Time *string `json:"time"`
}

// HandleSetTimeOverride pins or clears (time null) the simulated clock.
func (h *Handler) HandleSetTimeOverride(w http.ResponseWriter, r *http.Request) {
	var req timeOverrideRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		jsonResponse.WriteJSON(w, http.StatusBadRequest, map[string]string{"error": "Invalid JSON in request body"})
		return
	}

	if req.Time == nil {
		h.controls.SetTimeOverride(nil)
		jsonResponse.WriteJSON(w, http.StatusOK, map[string]string{"message": "Time override cleared"})
		return
	}

	t, err := time.Parse(time.RFC3339, *req.Time)
	if err != nil {
		jsonResponse.WriteJSON(w, http.StatusBadRequest, map[string]string{"error": "Invalid time format. Use RFC 3339."})
		return
	}
	h.controls.SetTimeOverride(&t)
	jsonResponse.WriteJSON(w, http.StatusOK, map[string]any{
		"message": "Time override set",
		"time":    t,
	})
}

// HandleGetTimeOverride reports the time override and the effective clock.
func (h *Handler) HandleGetTimeOverride(w http.ResponseWriter, _ *http.Request) {
	state := h.controls.Snapshot()
	jsonResponse.WriteJSON(w, http.StatusOK, map[string]any{
		"active":    state.TimeOverrideActive,
		"override":  state.TimeOverride,
		"effective": h.controls.EffectiveTime(),
	})
}

type resetRequest struct {
	Target string `json:"target"`
}

// HandleReset clears demo state. Targets: events, audit, sessions, all.
func (h *Handler) HandleReset(w http.ResponseWriter, r *http.Request) {
	var req resetRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		jsonResponse.WriteJSON(w, http.StatusBadRequest, map[string]string{"error": "Invalid JSON in request body"})
		return
	}

	ctx := r.Context()
	switch req.Target {
	case "events":
		h.bus.Clear()
	case "audit":
		if err := h.clearAudit(ctx); err != nil {
			jsonResponse.WriteJSON(w, http.StatusInternalServerError, map[string]string{"error": "Failed to reset audit log"})
			return
		}
	case "sessions":
		if err := h.clearSessions(ctx); err != nil {
			jsonResponse.WriteJSON(w, http.StatusInternalServerError, map[string]string{"error": "Failed to reset sessions"})
			return
		}
	case "all":
		h.bus.Clear()
		h.controls.ClearAll()
		if err := h.clearAudit(ctx); err != nil {
			jsonResponse.WriteJSON(w, http.StatusInternalServerError, map[string]string{"error": "Failed to reset audit log"})
			return
		}
		if err := h.clearSessions(ctx); err != nil {
			jsonResponse.WriteJSON(w, http.StatusInternalServerError, map[string]string{"error": "Failed to reset sessions"})
			return
		}
		if h.dir != nil {
			h.dir.Reseed(ctx)
		}
	default:
		jsonResponse.WriteJSON(w, http.StatusBadRequest, map[string]string{"error": "Unknown reset target. Use events, audit, sessions, or all."})
		return
	}

	h.logger.Info("demo data reset", "target", req.Target)
	jsonResponse.WriteJSON(w, http.StatusOK, map[string]string{
		"message": "Reset completed",
		"target":  req.Target,
	})
}

func (h *Handler) clearAudit(ctx context.Context) error {
	if h.auditLog == nil {
		return nil
	}
	return h.auditLog.Clear(ctx)
}

func (h *Handler) clearSessions(ctx context.Context) error {
	if h.sessions == nil {
		return nil
	}
	return h.sessions.Clear(ctx)
}
