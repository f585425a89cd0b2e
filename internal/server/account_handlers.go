package server

import (
	"errors"
	"net/http"
	"strings"

	"github.com/gin-gonic/gin"
	"github.com/tutorlink/portal/internal/applications"
	"github.com/tutorlink/portal/internal/auth"
	"github.com/tutorlink/portal/internal/redirect"
	"github.com/tutorlink/portal/internal/users"
	"go.uber.org/zap"
)

type passwordRequest struct {
	Password      string `json:"password" validate:"required,min=8,max=72"`
	FullName      string `json:"full_name" validate:"omitempty,max=190"`
	ApplicationID string `json:"applicationId" validate:"omitempty,max=64"`
}

type passwordResponse struct {
	Destination string `json:"destination"`
	Claimed     bool   `json:"claimed"`
}

// handleSetPassword completes signup: it stores the password with the provider, claims
// the linked application and returns the caller's role home.
func (h *httpHandler) handleSetPassword(c *gin.Context) {
	identity, ok := identityFrom(c)
	accessToken := c.GetString(accessTokenContextKey)
	if !ok || accessToken == "" {
		c.JSON(http.StatusUnauthorized, gin.H{"error": "unauthorized"})
		return
	}
	var request passwordRequest
	if !h.bindAndValidate(c, &request) {
		return
	}
	ctx := c.Request.Context()

	err := h.provider.UpdateUser(ctx, accessToken, auth.UserUpdate{
		Password:    request.Password,
		PasswordSet: true,
		FullName:    strings.TrimSpace(request.FullName),
	})
	if err != nil {
		h.logger.Warn("password update failed", zap.String("user_id", identity.ID), zap.Error(err))
		c.JSON(http.StatusBadGateway, gin.H{"error": "password_update_failed"})
		return
	}

	claimed := false
	if applicationID := strings.TrimSpace(request.ApplicationID); applicationID != "" {
		switch claimErr := h.applications.Claim(ctx, applicationID, identity); {
		case claimErr == nil:
			claimed = true
		case errors.Is(claimErr, applications.ErrClaimRejected):
			h.logger.Info("application claim rejected",
				zap.String("user_id", identity.ID),
				zap.String("application_id", applicationID))
		default:
			h.logger.Warn("application claim failed",
				zap.String("user_id", identity.ID),
				zap.String("application_id", applicationID),
				zap.Error(claimErr))
		}
	}

	profile, err := h.profiles.Reconcile(ctx, identity)
	if err != nil {
		h.logger.Error("profile reconciliation failed", zap.String("user_id", identity.ID), zap.Error(err))
		c.JSON(http.StatusInternalServerError, gin.H{"error": "reconciliation_failed"})
		return
	}
	if fullName := strings.TrimSpace(request.FullName); fullName != "" && profile.FullName == "" {
		if _, err := h.profiles.UpdateContact(ctx, identity.ID, users.ContactUpdate{FullName: fullName, Phone: profile.Phone}); err != nil {
			h.logger.Warn("profile name update failed", zap.String("user_id", identity.ID), zap.Error(err))
		}
	}

	destination := redirect.Resolve(redirect.Decision{
		Role:        profile.Role,
		Email:       identity.Email,
		PasswordSet: true,
	})
	c.JSON(http.StatusOK, passwordResponse{Destination: destination, Claimed: claimed})
}

func (h *httpHandler) handleGetProfile(c *gin.Context) {
	profile, ok := profileFrom(c)
	if !ok {
		c.JSON(http.StatusNotFound, gin.H{"error": "profile_not_found"})
		return
	}
	c.JSON(http.StatusOK, profile)
}

type profileUpdateRequest struct {
	FullName string `json:"full_name" validate:"required,max=190"`
	Phone    string `json:"phone" validate:"omitempty,max=40"`
}

func (h *httpHandler) handleUpdateProfile(c *gin.Context) {
	identity, ok := identityFrom(c)
	if !ok {
		c.JSON(http.StatusUnauthorized, gin.H{"error": "unauthorized"})
		return
	}
	var request profileUpdateRequest
	if !h.bindAndValidate(c, &request) {
		return
	}
	profile, err := h.profiles.UpdateContact(c.Request.Context(), identity.ID, users.ContactUpdate{
		FullName: request.FullName,
		Phone:    request.Phone,
	})
	if err != nil {
		h.writeServiceError(c, err)
		return
	}
	c.JSON(http.StatusOK, profile)
}

type applicationRequest struct {
	Kind         string   `json:"kind" validate:"required,oneof=teacher parent"`
	Email        string   `json:"email" validate:"required,email,max=320"`
	FullName     string   `json:"full_name" validate:"required,max=190"`
	Phone        string   `json:"phone" validate:"omitempty,max=40"`
	Subjects     []string `json:"subjects" validate:"omitempty,max=12,dive,required,max=80"`
	GradeLevels  []string `json:"grade_levels" validate:"omitempty,max=12,dive,required,max=40"`
	StudentName  string   `json:"student_name" validate:"omitempty,max=190"`
	Availability string   `json:"availability" validate:"omitempty,max=500"`
	Notes        string   `json:"notes" validate:"omitempty,max=2000"`
}

func (r applicationRequest) details() map[string]any {
	details := map[string]any{}
	if len(r.Subjects) > 0 {
		details["subjects"] = r.Subjects
	}
	if len(r.GradeLevels) > 0 {
		details["grade_levels"] = r.GradeLevels
	}
	for key, value := range map[string]string{
		"student_name": r.StudentName,
		"availability": r.Availability,
		"notes":        r.Notes,
	} {
		if trimmed := strings.TrimSpace(value); trimmed != "" {
			details[key] = trimmed
		}
	}
	return details
}

// handleCreateApplication records an intake submission and mails a sign-in link that
// carries the new application id.
func (h *httpHandler) handleCreateApplication(c *gin.Context) {
	var request applicationRequest
	if !h.bindAndValidate(c, &request) {
		return
	}
	kind, err := applications.ParseKind(request.Kind)
	if err != nil {
		h.writeServiceError(c, err)
		return
	}
	ctx := c.Request.Context()
	application, err := h.applications.Create(ctx, applications.Submission{
		Kind:     kind,
		Email:    request.Email,
		FullName: request.FullName,
		Phone:    request.Phone,
		Details:  request.details(),
	})
	if err != nil {
		h.writeServiceError(c, err)
		return
	}

	linkSent := true
	err = h.provider.SendMagicLink(ctx, auth.MagicLinkRequest{
		Email:       application.Email,
		RedirectURL: h.callbackURL(application.ID, ""),
		Metadata: auth.IdentityMetadata{
			RoleName:      string(kind),
			ApplicationID: application.ID,
			FullName:      application.FullName,
		},
	})
	if err != nil {
		linkSent = false
		h.logger.Warn("application magic link failed",
			zap.String("application_id", application.ID),
			zap.Error(err))
	}

	c.JSON(http.StatusCreated, gin.H{
		"application":     application,
		"magic_link_sent": linkSent,
	})
}
