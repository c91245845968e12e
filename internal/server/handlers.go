package server

import (
	"encoding/json"
	"net/http"
	"strconv"

	lterrors "github.com/Million1701/Lulutracker-sub000/internal/errors"
	"github.com/Million1701/Lulutracker-sub000/internal/identity"
	"github.com/Million1701/Lulutracker-sub000/internal/model"
	"github.com/Million1701/Lulutracker-sub000/internal/schema"
	"github.com/Million1701/Lulutracker-sub000/internal/storage"
)

// handleRegisterPet handles POST /v1/pets
func (m *Mux) handleRegisterPet(w http.ResponseWriter, r *http.Request) {
	body, err := readBody(r)
	if err != nil {
		m.writeErr(w, r, err)
		return
	}
	resp, err := m.pets.Register(r.Context(), body)
	if err != nil {
		m.writeErr(w, r, err)
		return
	}
	m.writeSuccess(w, http.StatusCreated, resp)
}

// handleListPets handles GET /v1/pets
func (m *Mux) handleListPets(w http.ResponseWriter, r *http.Request) {
	list, err := m.pets.List(r.Context())
	if err != nil {
		m.writeErr(w, r, err)
		return
	}
	m.writeSuccess(w, http.StatusOK, list)
}

// handleUpdatePetStatus handles PUT /v1/pets/{petId}/status. Marking a pet found
// archives its pending reports.
func (m *Mux) handleUpdatePetStatus(w http.ResponseWriter, r *http.Request) {
	body, err := readBody(r)
	if err != nil {
		m.writeErr(w, r, err)
		return
	}
	if err := m.validate(schema.KindPetStatus, body); err != nil {
		m.writeErr(w, r, err)
		return
	}
	var req model.UpdatePetStatusRequest
	if err := json.Unmarshal(body, &req); err != nil {
		m.writeErr(w, r, lterrors.Wrap(lterrors.LT_BAD_REQUEST, "invalid JSON", err))
		return
	}

	result, err := m.reconciler.HandleStatusChange(r.Context(), r.PathValue("petId"), req.Status)
	if err != nil {
		m.writeErr(w, r, err)
		return
	}
	m.writeSuccess(w, http.StatusOK, model.StatusChangeResponse{
		PetID:          result.Pet.ID,
		Status:         result.Pet.Status,
		DismissedCount: result.DismissedCount,
	})
}

// handlePhotoUpload handles POST /v1/pets/{petId}/photo
func (m *Mux) handlePhotoUpload(w http.ResponseWriter, r *http.Request) {
	body, err := readBody(r)
	if err != nil {
		m.writeErr(w, r, err)
		return
	}
	var req struct {
		ContentType string `json:"contentType"`
	}
	if err := json.Unmarshal(body, &req); err != nil {
		m.writeErr(w, r, lterrors.Wrap(lterrors.LT_BAD_REQUEST, "invalid JSON", err))
		return
	}
	resp, err := m.pets.PhotoUpload(r.Context(), r.PathValue("petId"), req.ContentType)
	if err != nil {
		m.writeErr(w, r, err)
		return
	}
	m.writeSuccess(w, http.StatusCreated, resp)
}

// handlePublicProfile handles GET /v1/public/pets/{code}
func (m *Mux) handlePublicProfile(w http.ResponseWriter, r *http.Request) {
	profile, err := m.pets.PublicProfile(r.Context(), r.PathValue("code"), r.UserAgent())
	if err != nil {
		m.writeErr(w, r, err)
		return
	}
	m.writeSuccess(w, http.StatusOK, profile)
}

// handleSubmitReport handles POST /v1/public/pets/{petId}/reports. Finders are anonymous.
func (m *Mux) handleSubmitReport(w http.ResponseWriter, r *http.Request) {
	body, err := readBody(r)
	if err != nil {
		m.writeErr(w, r, err)
		return
	}
	report, err := m.reports.Submit(r.Context(), r.PathValue("petId"), body)
	if err != nil {
		m.writeErr(w, r, err)
		return
	}
	m.writeSuccess(w, http.StatusCreated, report)
}

// handleListPetReports handles GET /v1/pets/{petId}/reports
func (m *Mux) handleListPetReports(w http.ResponseWriter, r *http.Request) {
	list, err := m.reports.ListByPet(r.Context(), r.PathValue("petId"))
	if err != nil {
		m.writeErr(w, r, err)
		return
	}
	m.writeSuccess(w, http.StatusOK, list)
}

// handlePendingCount handles GET /v1/pets/{petId}/reports/pending
func (m *Mux) handlePendingCount(w http.ResponseWriter, r *http.Request) {
	petID := r.PathValue("petId")
	m.writeSuccess(w, http.StatusOK, model.PendingCountResponse{
		PetID:   petID,
		Pending: m.reports.CountPending(r.Context(), petID),
	})
}

// handleListReports handles GET /v1/reports
func (m *Mux) handleListReports(w http.ResponseWriter, r *http.Request) {
	list, err := m.reports.ListForOwner(r.Context())
	if err != nil {
		m.writeErr(w, r, err)
		return
	}
	m.writeSuccess(w, http.StatusOK, list)
}

// handleUpdateReport handles PATCH /v1/reports/{reportId}
func (m *Mux) handleUpdateReport(w http.ResponseWriter, r *http.Request) {
	body, err := readBody(r)
	if err != nil {
		m.writeErr(w, r, err)
		return
	}
	if err := m.validate(schema.KindReportStatus, body); err != nil {
		m.writeErr(w, r, err)
		return
	}
	var req model.UpdateReportStatusRequest
	if err := json.Unmarshal(body, &req); err != nil {
		m.writeErr(w, r, lterrors.Wrap(lterrors.LT_BAD_REQUEST, "invalid JSON", err))
		return
	}
	report, err := m.reports.UpdateStatus(r.Context(), r.PathValue("reportId"), req.Status)
	if err != nil {
		m.writeErr(w, r, err)
		return
	}
	m.writeSuccess(w, http.StatusOK, report)
}

// handleDeleteReport handles DELETE /v1/reports/{reportId}
func (m *Mux) handleDeleteReport(w http.ResponseWriter, r *http.Request) {
	if err := m.reports.Delete(r.Context(), r.PathValue("reportId")); err != nil {
		m.writeErr(w, r, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

// sessionUser returns the authenticated user or writes the error.
func (m *Mux) sessionUser(w http.ResponseWriter, r *http.Request) (string, bool) {
	user, err := identity.CurrentUser(r.Context())
	if err != nil {
		m.writeErr(w, r, lterrors.Wrap(lterrors.LT_AUTHN, "Sign in to see your notifications.", err))
		return "", false
	}
	return user.ID, true
}

// handleListNotifications handles GET /v1/notifications?limit=&unread=
func (m *Mux) handleListNotifications(w http.ResponseWriter, r *http.Request) {
	userID, ok := m.sessionUser(w, r)
	if !ok {
		return
	}

	limit := storage.DefaultNotificationLimit
	if v := r.URL.Query().Get("limit"); v != "" {
		n, err := strconv.Atoi(v)
		if err != nil {
			m.writeErr(w, r, lterrors.New(lterrors.LT_VALIDATION, "limit must be a number", ""))
			return
		}
		limit = n
	}
	onlyUnread, _ := strconv.ParseBool(r.URL.Query().Get("unread"))

	page, err := m.notifications.Page(r.Context(), userID, limit, onlyUnread)
	if err != nil {
		m.writeErr(w, r, err)
		return
	}
	m.writeSuccess(w, http.StatusOK, page)
}

// handleUnreadCount handles GET /v1/notifications/unread
func (m *Mux) handleUnreadCount(w http.ResponseWriter, r *http.Request) {
	userID, ok := m.sessionUser(w, r)
	if !ok {
		return
	}
	m.writeSuccess(w, http.StatusOK, model.UnreadCountResponse{UnreadCount: m.notifications.UnreadCount(r.Context(), userID)})
}

// handleMarkRead handles POST /v1/notifications/{id}/read
func (m *Mux) handleMarkRead(w http.ResponseWriter, r *http.Request) {
	userID, ok := m.sessionUser(w, r)
	if !ok {
		return
	}
	if err := m.notifications.MarkRead(r.Context(), userID, r.PathValue("id")); err != nil {
		m.writeErr(w, r, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

// handleMarkAllRead handles POST /v1/notifications/read
func (m *Mux) handleMarkAllRead(w http.ResponseWriter, r *http.Request) {
	userID, ok := m.sessionUser(w, r)
	if !ok {
		return
	}
	n, err := m.notifications.MarkAllRead(r.Context(), userID)
	if err != nil {
		m.writeErr(w, r, err)
		return
	}
	m.writeSuccess(w, http.StatusOK, model.BulkResult{Affected: n})
}

// handleDeleteNotification handles DELETE /v1/notifications/{id}
func (m *Mux) handleDeleteNotification(w http.ResponseWriter, r *http.Request) {
	userID, ok := m.sessionUser(w, r)
	if !ok {
		return
	}
	if err := m.notifications.Delete(r.Context(), userID, r.PathValue("id")); err != nil {
		m.writeErr(w, r, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

// handleDeleteRead handles DELETE /v1/notifications/read
func (m *Mux) handleDeleteRead(w http.ResponseWriter, r *http.Request) {
	userID, ok := m.sessionUser(w, r)
	if !ok {
		return
	}
	n, err := m.notifications.DeleteAllRead(r.Context(), userID)
	if err != nil {
		m.writeErr(w, r, err)
		return
	}
	m.writeSuccess(w, http.StatusOK, model.BulkResult{Affected: n})
}
