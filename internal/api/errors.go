package api

import (
	"errors"
	"net/http"

	"github.com/nodalwatch/ace/internal/domain"
	"github.com/nodalwatch/ace/pkg/httputil"
)

// writeError maps a domain error onto the wire error taxonomy of spec §6
// (UnknownAnalysisModuleTypeError, StaleVersionError, etc.), falling back
// to a generic 500 for anything this layer doesn't recognize - module
// errors never reach here at all (spec §7: they are recorded onto the
// Analysis, never surfaced as a transport error).
func writeError(w http.ResponseWriter, r *http.Request, err error) {
	code, status, message := classify(err)
	httputil.WriteErrorResponse(w, r, status, code, message, nil)
}

func classify(err error) (code string, status int, message string) {
	var depErr *domain.DependencyError
	var cycleErr *domain.CircularDependencyError
	var versionErr *domain.VersionError
	var extVersionErr *domain.ExtendedVersionError
	var staleErr *domain.StaleVersionError

	switch {
	case errors.Is(err, domain.ErrUnknownAnalysisModuleType):
		return "UnknownAnalysisModuleTypeError", http.StatusNotFound, err.Error()
	case errors.As(err, &depErr):
		return "AnalysisModuleTypeDependencyError", http.StatusBadRequest, err.Error()
	case errors.As(err, &cycleErr):
		return "CircularDependencyError", http.StatusBadRequest, err.Error()
	case errors.As(err, &versionErr):
		return "AnalysisModuleTypeVersionError", http.StatusConflict, err.Error()
	case errors.As(err, &extVersionErr):
		return "AnalysisModuleTypeExtendedVersionError", http.StatusConflict, err.Error()
	case errors.Is(err, domain.ErrUnknownObservable):
		return "UnknownObservableError", http.StatusNotFound, err.Error()
	case errors.Is(err, domain.ErrDuplicateAPIKeyName):
		return "DuplicateApiKeyNameError", http.StatusConflict, err.Error()
	case errors.Is(err, domain.ErrInvalidPassword):
		return "InvalidPasswordError", http.StatusUnauthorized, err.Error()
	case errors.Is(err, domain.ErrMissingEncryptionSettings):
		return "MissingEncryptionSettingsError", http.StatusBadRequest, err.Error()
	case errors.As(err, &staleErr), errors.Is(err, domain.ErrStaleVersion):
		return "StaleVersionError", http.StatusConflict, err.Error()
	case errors.Is(err, domain.ErrUnknownAlertSystem):
		return "UnknownAlertSystemError", http.StatusNotFound, err.Error()
	case errors.Is(err, domain.ErrRootNotFound):
		return "RootNotFoundError", http.StatusNotFound, err.Error()
	case errors.Is(err, domain.ErrRequestNotFound):
		return "AnalysisRequestNotFoundError", http.StatusNotFound, err.Error()
	case errors.Is(err, domain.ErrContentNotFound):
		return "ContentNotFoundError", http.StatusNotFound, err.Error()
	default:
		return "InternalError", http.StatusInternalServerError, err.Error()
	}
}
