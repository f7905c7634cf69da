package handler

import (
	"net/http"
	"path/filepath"
	"strings"

	"github.com/go-chi/chi/v5"
	"golang.org/x/crypto/bcrypt"

	appI18n "github.com/provasonline/provas/internal/i18n"
	"github.com/provasonline/provas/internal/model"
	"github.com/provasonline/provas/internal/store"
)

type createUserRequest struct {
	Name     string         `json:"nome"`
	Email    string         `json:"email"`
	Password string         `json:"password"`
	Role     model.UserRole `json:"role"`
}

func (h *Handler) handleListUsers(w http.ResponseWriter, r *http.Request) {
	users, err := h.store.ListUsers(r.Context())
	if err != nil {
		writeErr(w, r, err)
		return
	}
	for i := range users {
		users[i].PasswordHash = ""
	}
	writeJSON(w, http.StatusOK, map[string]any{"success": true, "users": users})
}

func (h *Handler) handleCreateUser(w http.ResponseWriter, r *http.Request) {
	var req createUserRequest
	if err := decodeBody(w, r, &req); err != nil {
		writeErr(w, r, err)
		return
	}
	req.Email = strings.TrimSpace(req.Email)
	if req.Email == "" || req.Password == "" {
		writeError(w, http.StatusBadRequest, appI18n.T(r.Context(), "ErrInvalidRequest"))
		return
	}
	switch req.Role {
	case "":
		req.Role = model.UserRoleStudent
	case model.UserRoleStudent, model.UserRoleProfessor, model.UserRoleAdmin:
	default:
		writeError(w, http.StatusBadRequest, appI18n.T(r.Context(), "ErrInvalidRequest"))
		return
	}
	if req.Name == "" {
		req.Name = req.Email
	}

	hash, err := bcrypt.GenerateFromPassword([]byte(req.Password), bcrypt.DefaultCost)
	if err != nil {
		writeErr(w, r, err)
		return
	}
	id, err := h.store.CreateUser(r.Context(), model.User{
		Name:         req.Name,
		Email:        req.Email,
		PasswordHash: string(hash),
		Role:         req.Role,
		Active:       true,
	})
	if err != nil {
		writeErr(w, r, err)
		return
	}
	writeJSON(w, http.StatusCreated, map[string]any{"success": true, "id": id})
}

func (h *Handler) handleBackupManual(w http.ResponseWriter, r *http.Request) {
	res, err := h.backup.Backup(r.Context())
	if err != nil {
		writeErr(w, r, err)
		return
	}
	file := filepath.Base(res.File)
	if err := h.store.RecordBackup(r.Context(), file, res.Summary.Timestamp); err != nil {
		writeErr(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{
		"success": true,
		"message": appI18n.T(r.Context(), "BackupCreated"),
		"file":    file,
		"summary": res.Summary,
	})
}

func (h *Handler) handleBackupList(w http.ResponseWriter, r *http.Request) {
	backups, err := h.backup.ListBackups()
	if err != nil {
		writeErr(w, r, err)
		return
	}
	if backups == nil {
		backups = []model.BackupInfo{}
	}
	last, err := h.store.GetMetadata(r.Context(), store.MetaLastBackupAt)
	if err != nil {
		writeErr(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"success": true, "backups": backups, "lastBackup": last})
}

// handleBackupRestore answers 200 when every collection was restored and
// 207 with the per-collection outcome otherwise.
func (h *Handler) handleBackupRestore(w http.ResponseWriter, r *http.Request) {
	path, err := h.backup.ResolvePath(chi.URLParam(r, "filename"))
	if err != nil {
		writeErr(w, r, err)
		return
	}
	report, err := h.backup.Restore(r.Context(), path)
	if err != nil {
		writeErr(w, r, err)
		return
	}

	status, msg := http.StatusOK, appI18n.T(r.Context(), "RestoreCompleted")
	if !report.Complete() {
		status, msg = http.StatusMultiStatus, appI18n.T(r.Context(), "RestorePartial")
	}
	writeJSON(w, status, map[string]any{
		"success":     report.Complete(),
		"message":     msg,
		"timestamp":   report.Timestamp,
		"collections": report.Collections,
	})
}
