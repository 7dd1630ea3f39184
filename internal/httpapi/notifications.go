package httpapi

import (
	"encoding/json"
	"net/http"

	"github.com/notifyx/platform/internal/notification"
	"github.com/notifyx/platform/internal/policy"
	"github.com/notifyx/platform/internal/store"
)

// handleSendNotification ingests an event. The tenant comes from the
// principal, never the body.
func (s *Server) handleSendNotification(w http.ResponseWriter, r *http.Request) {
	var event notification.Event
	if err := json.NewDecoder(r.Body).Decode(&event); err != nil {
		writeJSON(w, http.StatusBadRequest, map[string]string{"error": "invalid request body"})
		return
	}
	event.TenantID = tenantOf(r)

	channels := make([]string, 0, len(event.PreferredChannels))
	for _, ch := range event.PreferredChannels {
		channels = append(channels, string(ch))
	}
	if err := s.checkPolicy(r.Context(), &policy.Input{
		TenantID:  event.TenantID,
		UserID:    userOf(r),
		Action:    "notification.send",
		EventType: event.EventType,
		Priority:  event.Priority.String(),
		Channels:  channels,
	}); err != nil {
		s.writeError(w, err)
		return
	}

	result, err := s.orchestrator.Send(r.Context(), event)
	if err != nil {
		s.writeError(w, err)
		return
	}
	writeJSON(w, http.StatusCreated, map[string]interface{}{
		"notificationId":   result.NotificationID,
		"status":           result.Status,
		"perTargetResults": result.Targets,
	})
}

func (s *Server) handleGetNotification(w http.ResponseWriter, r *http.Request) {
	rec, err := s.orchestrator.Status(r.Context(), tenantOf(r), r.PathValue("id"))
	if err != nil {
		s.writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, rec)
}

func (s *Server) handleAckNotification(w http.ResponseWriter, r *http.Request) {
	tenantID := tenantOf(r)
	id := r.PathValue("id")
	by := userOf(r)
	if err := s.orchestrator.Ack(r.Context(), tenantID, id, by); err != nil {
		s.writeError(w, err)
		return
	}
	s.audit.Record(r.Context(), store.AuditEntry{
		TenantID: tenantID,
		UserID:   by,
		Action:   "notification.ack",
		EntityID: id,
	})
	writeJSON(w, http.StatusOK, map[string]string{"status": "acknowledged"})
}
