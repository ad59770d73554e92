package server

import (
	"log/slog"
	"net/http"
	"strconv"
	"time"

	"github.com/ashita-ai/kotori/internal/actor"
	"github.com/ashita-ai/kotori/internal/eventstore"
	"github.com/ashita-ai/kotori/internal/model"
	"github.com/ashita-ai/kotori/internal/storage"
)

// maxChatBodyBytes bounds the POST /v1/chat request body.
const maxChatBodyBytes = 64 * 1024

// Handlers holds HTTP handler dependencies.
type Handlers struct {
	coordinator *actor.Session
	memory      *actor.Memory
	events      *eventstore.Store
	db          *storage.DB
	logger      *slog.Logger
	startedAt   time.Time
	version     string
}

// HandlersDeps holds all dependencies for constructing Handlers.
type HandlersDeps struct {
	Coordinator *actor.Session
	Memory      *actor.Memory
	Events      *eventstore.Store
	DB          *storage.DB
	Logger      *slog.Logger
	Version     string
}

// NewHandlers creates a new Handlers with all dependencies.
func NewHandlers(d HandlersDeps) *Handlers {
	return &Handlers{
		coordinator: d.Coordinator,
		memory:      d.Memory,
		events:      d.Events,
		db:          d.DB,
		logger:      d.Logger,
		startedAt:   time.Now(),
		version:     d.Version,
	}
}

// HandleChat handles POST /v1/chat. The pipeline always produces a
// response, so the only error paths here are malformed requests.
func (h *Handlers) HandleChat(w http.ResponseWriter, r *http.Request) {
	r.Body = http.MaxBytesReader(w, r.Body, maxChatBodyBytes)

	var req model.ChatRequest
	if err := decodeJSON(r, &req); err != nil {
		writeError(w, r, http.StatusBadRequest, model.ErrCodeBadRequest, "invalid request body")
		return
	}
	if req.UserID <= 0 {
		writeError(w, r, http.StatusBadRequest, model.ErrCodeBadRequest, "user_id must be positive")
		return
	}
	if req.Message == "" {
		writeError(w, r, http.StatusBadRequest, model.ErrCodeBadRequest, "message must not be empty")
		return
	}
	if len(req.Message) > model.MaxUserMessageChars {
		writeError(w, r, http.StatusBadRequest, model.ErrCodeBadRequest,
			"message exceeds "+strconv.Itoa(model.MaxUserMessageChars)+" characters")
		return
	}

	response := h.coordinator.Handle(r.Context(), req.UserID, req.Message)

	writeJSON(w, r, http.StatusOK, model.ChatResponse{
		UserID:   req.UserID,
		Response: response,
	})
}

// HandleUserStats handles GET /v1/users/{user_id}/stats.
func (h *Handlers) HandleUserStats(w http.ResponseWriter, r *http.Request) {
	userID, ok := pathUserID(w, r)
	if !ok {
		return
	}

	stats, err := h.memory.Stats(r.Context(), userID)
	if err != nil {
		h.logger.Error("user stats failed", "user_id", userID, "error", err)
		writeError(w, r, http.StatusInternalServerError, model.ErrCodeInternal, "failed to load stats")
		return
	}
	writeJSON(w, r, http.StatusOK, stats)
}

// HandleUserContext handles GET /v1/users/{user_id}/context.
func (h *Handlers) HandleUserContext(w http.ResponseWriter, r *http.Request) {
	userID, ok := pathUserID(w, r)
	if !ok {
		return
	}

	limit := 0
	if raw := r.URL.Query().Get("limit"); raw != "" {
		n, err := strconv.Atoi(raw)
		if err != nil || n < 1 {
			writeError(w, r, http.StatusBadRequest, model.ErrCodeBadRequest, "limit must be a positive integer")
			return
		}
		limit = n
	}

	window, err := h.memory.Context(r.Context(), userID, limit)
	if err != nil {
		h.logger.Error("user context failed", "user_id", userID, "error", err)
		writeError(w, r, http.StatusInternalServerError, model.ErrCodeInternal, "failed to load context")
		return
	}
	writeJSON(w, r, http.StatusOK, window)
}

// HandleUserEvents handles GET /v1/users/{user_id}/events. An optional
// repeated "type" query parameter filters by event type.
func (h *Handlers) HandleUserEvents(w http.ResponseWriter, r *http.Request) {
	userID, ok := pathUserID(w, r)
	if !ok {
		return
	}

	limit := 100
	if raw := r.URL.Query().Get("limit"); raw != "" {
		n, err := strconv.Atoi(raw)
		if err != nil || n < 1 || n > 1000 {
			writeError(w, r, http.StatusBadRequest, model.ErrCodeBadRequest, "limit must be between 1 and 1000")
			return
		}
		limit = n
	}

	events, err := h.events.EventsByUser(r.Context(), userID, r.URL.Query()["type"], limit)
	if err != nil {
		h.logger.Error("user events failed", "user_id", userID, "error", err)
		writeError(w, r, http.StatusInternalServerError, model.ErrCodeInternal, "failed to load events")
		return
	}
	writeJSON(w, r, http.StatusOK, map[string]any{
		"events": events,
		"count":  len(events),
	})
}

// HandleHealth handles GET /health.
func (h *Handlers) HandleHealth(w http.ResponseWriter, r *http.Request) {
	status := "ok"
	if h.db != nil {
		if err := h.db.Ping(r.Context()); err != nil {
			status = "degraded"
			h.logger.Warn("health: database ping failed", "error", err)
		}
	}

	writeJSON(w, r, http.StatusOK, map[string]any{
		"status":         status,
		"version":        h.version,
		"uptime_seconds": time.Since(h.startedAt).Seconds(),
		"actors":         h.coordinator.HealthCheck(),
		"event_buffer": map[string]any{
			"depth":   h.events.Len(),
			"dropped": h.events.DroppedEvents(),
		},
	})
}

func pathUserID(w http.ResponseWriter, r *http.Request) (int64, bool) {
	userID, err := strconv.ParseInt(r.PathValue("user_id"), 10, 64)
	if err != nil || userID <= 0 {
		writeError(w, r, http.StatusBadRequest, model.ErrCodeBadRequest, "user_id must be a positive integer")
		return 0, false
	}
	return userID, true
}
