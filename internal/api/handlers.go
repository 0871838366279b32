// Package api exposes the query surface and HTTP ingestion over a chi router.
package api

import (
	"encoding/json"
	"errors"
	"net/http"
	"strconv"
	"strings"

	"github.com/go-chi/chi/v5"

	"sensorwatch/internal/logger"
	"sensorwatch/internal/models"
	"sensorwatch/internal/query"
	"sensorwatch/internal/storage"
)

// DefaultAlertListLimit is used by GET /alerts/all without ?limit.
const DefaultAlertListLimit = 10

// Handler serves the HTTP surface.
type Handler struct {
	Query *query.Service
	// Ingest receives envelopes posted to /ingest. Nil disables the route.
	Ingest *IngestHandler
	// Observers serves GET /ws/data.
	Observers http.Handler
	// Channels lists the channels accepted in ?topic.
	Channels       []string
	AlertListLimit int
}

type errorResponse struct {
	Error string `json:"error"`
}

type countResponse struct {
	Count int `json:"count"`
}

// RegisterRoutes mounts every route on r.
func (h *Handler) RegisterRoutes(r chi.Router) {
	r.Route("/data", func(r chi.Router) {
		r.Get("/latest", h.handleLatest)
		r.Get("/history", h.handleHistory)
		r.Get("/recent", h.handleRecent)
	})
	r.Route("/alerts", func(r chi.Router) {
		r.Get("/count", h.handleAlertCount)
		r.Get("/all", h.handleAlerts)
		r.Get("/summary", h.handleSummary)
		r.Patch("/acknowledge/{id}", h.handleAcknowledge)
	})
	if h.Ingest != nil {
		r.Method(http.MethodPost, "/ingest", h.Ingest)
	}
}

// RegisterStreamRoutes mounts the WebSocket endpoint. It is kept apart from
// RegisterRoutes so request timeouts are not applied to long-lived streams.
func (h *Handler) RegisterStreamRoutes(r chi.Router) {
	if h.Observers != nil {
		r.Method(http.MethodGet, "/ws/data", h.Observers)
	}
}

func (h *Handler) handleLatest(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, h.Query.LatestSnapshot())
}

func (h *Handler) handleHistory(w http.ResponseWriter, r *http.Request) {
	channel, ok := h.channelParam(w, r)
	if !ok {
		return
	}
	history, err := h.Query.History(r.Context(), channel)
	if err != nil {
		h.internalError(w, err, "history query failed")
		return
	}
	writeJSON(w, http.StatusOK, history)
}

func (h *Handler) handleRecent(w http.ResponseWriter, r *http.Request) {
	channel, ok := h.channelParam(w, r)
	if !ok {
		return
	}
	limit, ok := intParam(w, r, "limit", query.DefaultRecentLimit)
	if !ok {
		return
	}

	if channel == "" {
		all, err := h.Query.RecentAll(r.Context(), limit)
		if err != nil {
			h.internalError(w, err, "recent readings query failed")
			return
		}
		writeJSON(w, http.StatusOK, all)
		return
	}

	readings, err := h.Query.RecentReadings(r.Context(), channel, limit)
	if err != nil {
		h.internalError(w, err, "recent readings query failed")
		return
	}
	if readings == nil {
		readings = []models.Reading{}
	}
	writeJSON(w, http.StatusOK, readings)
}

func (h *Handler) handleAlertCount(w http.ResponseWriter, r *http.Request) {
	n, err := h.Query.ActiveAlertCount(r.Context())
	if err != nil {
		h.internalError(w, err, "alert count query failed")
		return
	}
	writeJSON(w, http.StatusOK, countResponse{Count: n})
}

func (h *Handler) handleAlerts(w http.ResponseWriter, r *http.Request) {
	def := h.AlertListLimit
	if def <= 0 {
		def = DefaultAlertListLimit
	}
	limit, ok := intParam(w, r, "limit", def)
	if !ok {
		return
	}
	list, err := h.Query.LatestAlerts(r.Context(), limit)
	if err != nil {
		h.internalError(w, err, "alert list query failed")
		return
	}
	if list == nil {
		list = []*models.Alert{}
	}
	writeJSON(w, http.StatusOK, list)
}

func (h *Handler) handleSummary(w http.ResponseWriter, r *http.Request) {
	days, ok := intParam(w, r, "days", query.DefaultSummaryDays)
	if !ok {
		return
	}
	summary, err := h.Query.AlertSummary(r.Context(), days)
	if err != nil {
		h.internalError(w, err, "alert summary query failed")
		return
	}
	writeJSON(w, http.StatusOK, summary)
}

func (h *Handler) handleAcknowledge(w http.ResponseWriter, r *http.Request) {
	id := strings.TrimSpace(chi.URLParam(r, "id"))
	if id == "" {
		writeJSON(w, http.StatusBadRequest, errorResponse{Error: "alert id is required"})
		return
	}

	alert, err := h.Query.Acknowledge(r.Context(), id)
	if errors.Is(err, storage.ErrNotFound) {
		writeJSON(w, http.StatusNotFound, errorResponse{Error: "alert not found"})
		return
	}
	if err != nil {
		h.internalError(w, err, "acknowledge failed")
		return
	}
	writeJSON(w, http.StatusOK, alert)
}

// channelParam reads the optional ?topic. Bare channel names and full
// topics such as "client1/temperature" are accepted.
func (h *Handler) channelParam(w http.ResponseWriter, r *http.Request) (string, bool) {
	topic := strings.ToLower(strings.TrimSpace(r.URL.Query().Get("topic")))
	if topic == "" {
		return "", true
	}
	if i := strings.LastIndexAny(topic, "/."); i >= 0 {
		topic = topic[i+1:]
	}
	for _, ch := range h.Channels {
		if ch == topic {
			return topic, true
		}
	}
	writeJSON(w, http.StatusBadRequest, errorResponse{Error: "unknown topic " + strconv.Quote(topic)})
	return "", false
}

func (h *Handler) internalError(w http.ResponseWriter, err error, msg string) {
	logger.WithComponent("api").Error().Err(err).Msg(msg)
	writeJSON(w, http.StatusInternalServerError, errorResponse{Error: msg})
}

// intParam parses a positive integer query parameter, writing a 400 when
// it is malformed.
func intParam(w http.ResponseWriter, r *http.Request, name string, def int) (int, bool) {
	raw := strings.TrimSpace(r.URL.Query().Get(name))
	if raw == "" {
		return def, true
	}
	n, err := strconv.Atoi(raw)
	if err != nil || n <= 0 {
		writeJSON(w, http.StatusBadRequest, errorResponse{Error: name + " must be a positive integer"})
		return 0, false
	}
	return n, true
}

func writeJSON(w http.ResponseWriter, status int, payload any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(payload)
}
