package server

import (
	"io"
	"net/http"
	"strings"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/tutorlink/portal/internal/applications"
	"github.com/tutorlink/portal/internal/auth"
	"github.com/tutorlink/portal/internal/matching"
	"github.com/tutorlink/portal/internal/notifications"
	"go.uber.org/zap"
)

func (h *httpHandler) handleAdminDashboard(c *gin.Context) {
	dashboard, err := h.matching.AdminDashboard(c.Request.Context())
	if err != nil {
		h.writeServiceError(c, err)
		return
	}
	c.JSON(http.StatusOK, dashboard)
}

func (h *httpHandler) handleAdminParents(c *gin.Context) {
	parents, err := h.matching.ParentOverview(c.Request.Context())
	if err != nil {
		h.writeServiceError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"parents": parents})
}

func (h *httpHandler) handleAdminTeachers(c *gin.Context) {
	teachers, err := h.profiles.ListByRole(c.Request.Context(), auth.RoleTeacher)
	if err != nil {
		h.writeServiceError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"teachers": teachers})
}

func (h *httpHandler) handleAdminApplications(c *gin.Context) {
	var filter applications.ListFilter
	if raw := c.Query("status"); raw != "" {
		status, err := applications.ParseStatus(raw)
		if err != nil {
			h.writeServiceError(c, err)
			return
		}
		filter.Status = status
	}
	if raw := c.Query("kind"); raw != "" {
		kind, err := applications.ParseKind(raw)
		if err != nil {
			h.writeServiceError(c, err)
			return
		}
		filter.Kind = kind
	}
	list, err := h.applications.List(c.Request.Context(), filter)
	if err != nil {
		h.writeServiceError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"applications": list})
}

type applicationStatusRequest struct {
	Status string `json:"status" validate:"required,oneof=pending approved rejected"`
}

func (h *httpHandler) handleAdminUpdateApplication(c *gin.Context) {
	var request applicationStatusRequest
	if !h.bindAndValidate(c, &request) {
		return
	}
	status, err := applications.ParseStatus(request.Status)
	if err != nil {
		h.writeServiceError(c, err)
		return
	}
	application, err := h.applications.UpdateStatus(c.Request.Context(), c.Param("id"), status)
	if err != nil {
		h.writeServiceError(c, err)
		return
	}
	c.JSON(http.StatusOK, application)
}

type assignRequest struct {
	TeacherID string `json:"teacher_id" validate:"required,max=190"`
}

func (h *httpHandler) handleAdminAssignLead(c *gin.Context) {
	var request assignRequest
	if !h.bindAndValidate(c, &request) {
		return
	}
	assignment, err := h.matching.AssignTeacher(c.Request.Context(), c.Param("id"), request.TeacherID)
	if err != nil {
		h.writeServiceError(c, err)
		return
	}
	c.JSON(http.StatusCreated, assignment)
}

func (h *httpHandler) handleTeacherDashboard(c *gin.Context) {
	profile, _ := profileFrom(c)
	dashboard, err := h.matching.TeacherDashboard(c.Request.Context(), profile.ID)
	if err != nil {
		h.writeServiceError(c, err)
		return
	}
	c.JSON(http.StatusOK, dashboard)
}

type respondRequest struct {
	Accept *bool `json:"accept" validate:"required"`
}

func (h *httpHandler) handleTeacherRespond(c *gin.Context) {
	var request respondRequest
	if !h.bindAndValidate(c, &request) {
		return
	}
	profile, _ := profileFrom(c)
	assignment, err := h.matching.RespondToAssignment(c.Request.Context(), profile.ID, c.Param("id"), *request.Accept)
	if err != nil {
		h.writeServiceError(c, err)
		return
	}
	c.JSON(http.StatusOK, assignment)
}

func (h *httpHandler) handleParentDashboard(c *gin.Context) {
	profile, _ := profileFrom(c)
	dashboard, err := h.matching.ParentDashboard(c.Request.Context(), profile.ID)
	if err != nil {
		h.writeServiceError(c, err)
		return
	}
	c.JSON(http.StatusOK, dashboard)
}

type leadRequest struct {
	StudentName string `json:"student_name" validate:"required,max=190"`
	Subject     string `json:"subject" validate:"required,max=190"`
	GradeLevel  string `json:"grade_level" validate:"omitempty,max=64"`
	Notes       string `json:"notes" validate:"omitempty,max=2000"`
}

func (h *httpHandler) handleParentCreateLead(c *gin.Context) {
	var request leadRequest
	if !h.bindAndValidate(c, &request) {
		return
	}
	profile, _ := profileFrom(c)
	lead, err := h.matching.CreateLead(c.Request.Context(), profile.ID, matching.LeadInput{
		StudentName: request.StudentName,
		Subject:     request.Subject,
		GradeLevel:  request.GradeLevel,
		Notes:       request.Notes,
	})
	if err != nil {
		h.writeServiceError(c, err)
		return
	}
	c.JSON(http.StatusCreated, lead)
}

// participant returns the caller of a conversation endpoint. It reports false and
// writes a 403 when the caller has no profile yet.
func (h *httpHandler) participant(c *gin.Context) (matching.Participant, bool) {
	profile, ok := profileFrom(c)
	if !ok {
		c.JSON(http.StatusForbidden, gin.H{"error": "forbidden"})
		return matching.Participant{}, false
	}
	return matching.Participant{ID: profile.ID, Role: profile.Role}, true
}

func (h *httpHandler) handleListMessages(c *gin.Context) {
	caller, ok := h.participant(c)
	if !ok {
		return
	}
	messages, err := h.matching.ListMessages(c.Request.Context(), caller, c.Param("id"))
	if err != nil {
		h.writeServiceError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"messages": messages})
}

type messageRequest struct {
	Body string `json:"body" validate:"required,max=4000"`
}

func (h *httpHandler) handlePostMessage(c *gin.Context) {
	caller, ok := h.participant(c)
	if !ok {
		return
	}
	var request messageRequest
	if !h.bindAndValidate(c, &request) {
		return
	}
	message, err := h.matching.PostMessage(c.Request.Context(), caller, c.Param("id"), request.Body)
	if err != nil {
		h.writeServiceError(c, err)
		return
	}
	c.JSON(http.StatusCreated, message)
}

func (h *httpHandler) handleListNotifications(c *gin.Context) {
	caller, ok := h.participant(c)
	if !ok {
		return
	}
	unreadOnly := strings.EqualFold(c.Query("unread"), "true")
	list, err := h.matching.ListNotifications(c.Request.Context(), caller.ID, unreadOnly)
	if err != nil {
		h.writeServiceError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"notifications": list})
}

func (h *httpHandler) handleMarkNotificationRead(c *gin.Context) {
	caller, ok := h.participant(c)
	if !ok {
		return
	}
	if err := h.matching.MarkNotificationRead(c.Request.Context(), caller.ID, c.Param("id")); err != nil {
		h.writeServiceError(c, err)
		return
	}
	c.Status(http.StatusNoContent)
}

// handleNotificationStream relays live notification events as server-sent events
// until the client disconnects.
func (h *httpHandler) handleNotificationStream(c *gin.Context) {
	caller, ok := h.participant(c)
	if !ok {
		return
	}
	if h.notifications == nil {
		c.JSON(http.StatusServiceUnavailable, gin.H{"error": "stream_unavailable"})
		return
	}
	ctx := c.Request.Context()
	events, release := h.notifications.Subscribe(ctx, caller.ID)
	defer release()

	c.Header("Content-Type", "text/event-stream")
	c.Header("Cache-Control", "no-cache")
	c.Header("Connection", "keep-alive")
	c.Header("X-Accel-Buffering", "no")
	c.Status(http.StatusOK)
	c.Writer.Flush()

	ticker := time.NewTicker(h.heartbeat)
	defer ticker.Stop()

	h.logger.Debug("notification stream opened", zap.String("user_id", caller.ID))
	c.Stream(func(w io.Writer) bool {
		select {
		case <-ctx.Done():
			return false
		case event, open := <-events:
			if !open {
				return false
			}
			c.SSEvent(notifications.EventNotification, event)
			return true
		case tick := <-ticker.C:
			c.SSEvent(notifications.EventHeartbeat, notifications.Event{Timestamp: tick.UTC()})
			return true
		}
	})
	h.logger.Debug("notification stream closed", zap.String("user_id", caller.ID))
}
