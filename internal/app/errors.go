package app

import (
	"errors"
	"fmt"
	"net/http"

	"markup/internal/annotations"
	"markup/internal/content"
	"markup/internal/export"
	"markup/internal/identity"
	"markup/internal/versions"
	"markup/internal/viewer"
)

type DomainError struct {
	Status  int
	Code    string
	Message string
	Details any
}

func (e *DomainError) Error() string {
	if e == nil {
		return ""
	}
	return fmt.Sprintf("%s: %s", e.Code, e.Message)
}

func domainError(status int, code, message string, details any) *DomainError {
	return &DomainError{
		Status:  status,
		Code:    code,
		Message: message,
		Details: details,
	}
}

var validationErrors = []error{
	annotations.ErrInvalidAnnotation,
	annotations.ErrInvalidStatus,
	versions.ErrInvalidRecord,
	identity.ErrEmptyName,
	viewer.ErrMissingActor,
	viewer.ErrInvalidPage,
	viewer.ErrInvalidRotation,
	export.ErrUnsupportedFormat,
}

func mapError(err error) (status int, code, message string, details any) {
	var domainErr *DomainError
	if errors.As(err, &domainErr) {
		return domainErr.Status, domainErr.Code, domainErr.Message, domainErr.Details
	}
	if errors.Is(err, content.ErrContentUnavailable) {
		return http.StatusNotFound, "CONTENT_UNAVAILABLE", "Content for this version is unavailable", nil
	}
	if errors.Is(err, viewer.ErrInvalidState) {
		return http.StatusConflict, "INVALID_STATE", err.Error(), nil
	}
	if errors.Is(err, versions.ErrVersionNotFound) || errors.Is(err, viewer.ErrAnnotationNotFound) {
		return http.StatusNotFound, "NOT_FOUND", err.Error(), nil
	}
	for _, target := range validationErrors {
		if errors.Is(err, target) {
			return http.StatusUnprocessableEntity, "VALIDATION_ERROR", err.Error(), nil
		}
	}
	if errors.Is(err, export.ErrPDFDependencyMissing) || errors.Is(err, export.ErrDOCXDependencyMissing) {
		return http.StatusServiceUnavailable, "EXPORT_UNAVAILABLE", err.Error(), nil
	}
	return http.StatusInternalServerError, "SERVER_ERROR", "Server error", nil
}
