package server

import (
	"errors"
	"net/http"
	"reflect"
	"strings"

	"github.com/gin-gonic/gin"
	"github.com/go-playground/validator/v10"
	"github.com/tutorlink/portal/internal/applications"
	"github.com/tutorlink/portal/internal/matching"
	"github.com/tutorlink/portal/internal/users"
	"go.uber.org/zap"
)

const (
	errorCodeInvalidRequest   = "invalid_request"
	errorCodeValidationFailed = "validation_failed"
)

// newRequestValidator reports field errors under their JSON names.
func newRequestValidator() *validator.Validate {
	validate := validator.New(validator.WithRequiredStructEnabled())
	validate.RegisterTagNameFunc(func(field reflect.StructField) string {
		name := strings.SplitN(field.Tag.Get("json"), ",", 2)[0]
		if name == "-" {
			return ""
		}
		return name
	})
	return validate
}

// bindAndValidate decodes the JSON body into target and validates it. On failure the
// response has been written and false is returned.
func (h *httpHandler) bindAndValidate(c *gin.Context, target any) bool {
	if err := c.ShouldBindJSON(target); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": errorCodeInvalidRequest})
		return false
	}
	if err := h.validate.Struct(target); err != nil {
		var validationErrors validator.ValidationErrors
		if !errors.As(err, &validationErrors) {
			c.JSON(http.StatusBadRequest, gin.H{"error": errorCodeInvalidRequest})
			return false
		}
		c.JSON(http.StatusUnprocessableEntity, gin.H{
			"error":  errorCodeValidationFailed,
			"fields": fieldMessages(validationErrors),
		})
		return false
	}
	return true
}

func fieldMessages(validationErrors validator.ValidationErrors) map[string]string {
	messages := make(map[string]string, len(validationErrors))
	for _, fieldErr := range validationErrors {
		messages[fieldErr.Field()] = fieldMessage(fieldErr)
	}
	return messages
}

func fieldMessage(fieldErr validator.FieldError) string {
	switch fieldErr.Tag() {
	case "required":
		return "is required"
	case "email":
		return "must be a valid email address"
	case "oneof":
		return "must be one of: " + fieldErr.Param()
	case "max":
		return "must be at most " + fieldErr.Param() + " characters"
	case "min":
		return "must be at least " + fieldErr.Param() + " characters"
	case "e164":
		return "must be an international phone number"
	default:
		return "is invalid"
	}
}

// writeServiceError maps domain errors onto HTTP responses.
func (h *httpHandler) writeServiceError(c *gin.Context, err error) {
	status := http.StatusInternalServerError
	code := "internal_error"

	var serviceErr *matching.ServiceError
	if errors.As(err, &serviceErr) {
		code = serviceErr.Code()
	}

	switch {
	case errors.Is(err, matching.ErrNotFound),
		errors.Is(err, users.ErrProfileNotFound),
		errors.Is(err, applications.ErrApplicationNotFound):
		status = http.StatusNotFound
		if serviceErr == nil {
			code = "not_found"
		}
	case errors.Is(err, matching.ErrForbidden):
		status = http.StatusForbidden
	case errors.Is(err, matching.ErrConflict),
		errors.Is(err, applications.ErrClaimRejected):
		status = http.StatusConflict
		if serviceErr == nil {
			code = "conflict"
		}
	case errors.Is(err, matching.ErrInvalidInput),
		errors.Is(err, users.ErrInvalidContact),
		errors.Is(err, applications.ErrInvalidSubmission),
		errors.Is(err, applications.ErrInvalidStatus),
		errors.Is(err, applications.ErrInvalidKind):
		status = http.StatusUnprocessableEntity
		if serviceErr == nil {
			code = errorCodeValidationFailed
		}
	}

	if status == http.StatusInternalServerError {
		h.logger.Error("request failed", zap.String("path", c.FullPath()), zap.Error(err))
	}
	c.JSON(status, gin.H{"error": code})
}
