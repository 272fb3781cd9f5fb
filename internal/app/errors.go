package app

import (
	"errors"
	"fmt"
	"net/http"

	"freely/api/internal/auth"
	"freely/api/internal/docstore"
	"freely/api/internal/export"
	"freely/api/internal/extract"
	"freely/api/internal/gitrepo"
	"freely/api/internal/worker"
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

func badRequest(message string) *DomainError {
	return domainError(http.StatusBadRequest, "VALIDATION_ERROR", message, nil)
}

func mapError(err error) (status int, code, message string, details any) {
	var domainErr *DomainError
	if errors.As(err, &domainErr) {
		return domainErr.Status, domainErr.Code, domainErr.Message, domainErr.Details
	}
	var validationErr *docstore.ValidationError
	if errors.As(err, &validationErr) {
		var fieldDetails any
		if validationErr.Field != "" {
			fieldDetails = map[string]string{"field": validationErr.Field}
		}
		return http.StatusBadRequest, "VALIDATION_ERROR", validationErr.Message, fieldDetails
	}
	var authErr *auth.AuthError
	if errors.As(err, &authErr) {
		return http.StatusUnauthorized, "UNAUTHORIZED", authErr.Message(), map[string]string{"reason": string(authErr.Kind)}
	}
	var extractErr *extract.ExtractionError
	if errors.As(err, &extractErr) {
		return http.StatusUnprocessableEntity, "EXTRACTION_FAILED", "Could not read text from the uploaded file", map[string]string{"reason": string(extractErr.Kind)}
	}
	switch {
	case errors.Is(err, docstore.ErrNotFound), errors.Is(err, gitrepo.ErrNoArchive), errors.Is(err, gitrepo.ErrUnknownCommit):
		return http.StatusNotFound, "NOT_FOUND", "Not found", nil
	case errors.Is(err, docstore.ErrConflict), errors.Is(err, worker.ErrBusy):
		return http.StatusConflict, "CONFLICT", "Another operation is still running for this record", nil
	case errors.Is(err, worker.ErrClosed):
		return http.StatusServiceUnavailable, "UNAVAILABLE", "Server is shutting down", nil
	case errors.Is(err, export.ErrContentUnavailable):
		return http.StatusBadRequest, "VALIDATION_ERROR", "Proposal has not been generated yet", nil
	case errors.Is(err, export.ErrVersionOutOfRange):
		return http.StatusBadRequest, "VALIDATION_ERROR", "Invalid version index", nil
	case errors.Is(err, export.ErrUnsupportedFormat):
		return http.StatusBadRequest, "VALIDATION_ERROR", "format must be pdf or docx", nil
	case errors.Is(err, export.ErrPDFDependencyMissing), errors.Is(err, export.ErrDOCXDependencyMissing):
		return http.StatusServiceUnavailable, "EXPORT_UNAVAILABLE", "Export is not available on this server", nil
	}
	return http.StatusInternalServerError, "SERVER_ERROR", "Server error", nil
}
