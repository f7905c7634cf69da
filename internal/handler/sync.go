package handler

import (
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"

	appI18n "github.com/provasonline/provas/internal/i18n"
	"github.com/provasonline/provas/internal/model"
	"github.com/provasonline/provas/internal/store"
)

// handleSync applies one queued mutation delivered by a dispatcher.
func (h *Handler) handleSync(w http.ResponseWriter, r *http.Request) {
	coll := chi.URLParam(r, "collection")
	if !h.registry.Supported(coll) {
		writeError(w, http.StatusBadRequest, appI18n.Td(r.Context(), "ErrUnsupportedCollection", map[string]any{"Collection": coll}))
		return
	}
	var req model.SyncRequest
	if err := decodeBody(w, r, &req); err != nil {
		writeErr(w, r, err)
		return
	}

	actor := model.UserFromContext(r.Context())
	out, err := h.registry.Apply(r.Context(), coll, req.Action, actor, req.Data)
	if err != nil {
		writeErr(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{
		"success": true,
		"syncId":  req.SyncID,
		"result":  out,
		"message": appI18n.Td(r.Context(), "SyncApplied", map[string]any{"Collection": coll, "Action": req.Action}),
	})
}

type queueStatusResponse struct {
	Success bool `json:"success"`
	model.QueueStatus
	Failed int `json:"failed,omitempty"`
}

func (h *Handler) handleSyncStatus(w http.ResponseWriter, r *http.Request) {
	resp := queueStatusResponse{Success: true, QueueStatus: h.queue.Status()}
	if dead, err := h.queue.ListDeadLetter(); err == nil {
		resp.Failed = len(dead)
	}
	writeJSON(w, http.StatusOK, resp)
}

func (h *Handler) handleSyncFailed(w http.ResponseWriter, r *http.Request) {
	items, err := h.queue.ListDeadLetter()
	if err != nil {
		writeErr(w, r, err)
		return
	}
	if items == nil {
		items = []model.SyncItem{}
	}
	writeJSON(w, http.StatusOK, map[string]any{"success": true, "items": items})
}

func (h *Handler) handleSyncRetry(w http.ResponseWriter, r *http.Request) {
	if err := h.queue.Requeue(chi.URLParam(r, "id")); err != nil {
		writeErr(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"success": true, "message": appI18n.T(r.Context(), "SyncRequeued")})
}

func (h *Handler) handleSyncDrain(w http.ResponseWriter, r *http.Request) {
	if h.drainer == nil {
		writeError(w, http.StatusNotFound, appI18n.T(r.Context(), "ErrNotFound"))
		return
	}
	report, err := h.drainer.Drain(r.Context())
	if err != nil {
		writeErr(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{
		"success": true,
		"message": appI18n.Td(r.Context(), "SyncDrained", map[string]any{
			"Delivered": report.Delivered,
			"Failed":    report.Failed,
		}),
		"report": report,
	})
}

type offlineSaveRequest struct {
	ExamID    string   `json:"provaId"`
	Answers   []string `json:"respostas"`
	TimeSpent int      `json:"tempoGasto"`
}

// offlinePayload is the queued body of a respostas.create item.
type offlinePayload struct {
	ExamID    string   `json:"provaId"`
	Answers   []string `json:"respostas"`
	TimeSpent int      `json:"tempoGasto"`
	StudentID string   `json:"alunoId"`
	Timestamp string   `json:"timestamp"`
}

// handleOfflineSave queues a submission for later delivery.
func (h *Handler) handleOfflineSave(w http.ResponseWriter, r *http.Request) {
	var req offlineSaveRequest
	if err := decodeBody(w, r, &req); err != nil {
		writeErr(w, r, err)
		return
	}
	if req.ExamID == "" {
		writeError(w, http.StatusBadRequest, appI18n.T(r.Context(), "ErrInvalidRequest"))
		return
	}
	user := model.UserFromContext(r.Context())
	id, err := h.queue.Enqueue(store.CollSubmissions, model.ActionCreate, offlinePayload{
		ExamID:    req.ExamID,
		Answers:   req.Answers,
		TimeSpent: req.TimeSpent,
		StudentID: user.ID,
		Timestamp: h.now().UTC().Format(time.RFC3339Nano),
	})
	if err != nil {
		writeErr(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{
		"success": true,
		"syncId":  id,
		"message": appI18n.T(r.Context(), "SyncQueued"),
	})
}

func (h *Handler) handleOfflinePending(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, queueStatusResponse{Success: true, QueueStatus: h.queue.Status()})
}
