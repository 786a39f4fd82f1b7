package httpapi

import (
	"errors"
	"fmt"
	"net/http"

	"github.com/John-Robertt/reqguard/internal/dnr"
	"github.com/John-Robertt/reqguard/internal/engine"
	"github.com/John-Robertt/reqguard/internal/fetch"
	"github.com/John-Robertt/reqguard/internal/geoip"
	"github.com/John-Robertt/reqguard/internal/model"
	"github.com/John-Robertt/reqguard/internal/rules"
	"github.com/John-Robertt/reqguard/internal/storage"
)

// APIError is used by the HTTP layer for request validation and a few
// HTTP-specific errors.
type APIError struct {
	Status   int
	AppError model.AppError
	Cause    error
}

func (e *APIError) Error() string {
	if e == nil {
		return "<nil>"
	}
	if e.Cause == nil {
		return fmt.Sprintf("%s: %s", e.AppError.Code, e.AppError.Message)
	}
	return fmt.Sprintf("%s: %s: %v", e.AppError.Code, e.AppError.Message, e.Cause)
}

func (e *APIError) Unwrap() error { return e.Cause }

func apiError(status int, app model.AppError, cause error) error {
	return &APIError{Status: status, AppError: app, Cause: cause}
}

func requestError(code, message, hint string) error {
	return apiError(http.StatusBadRequest, model.AppError{
		Code:    code,
		Message: message,
		Stage:   "validate_request",
		Hint:    hint,
	}, nil)
}

func notFoundError(message string) error {
	return apiError(http.StatusNotFound, model.AppError{
		Code:    "NOT_FOUND",
		Message: message,
		Stage:   "validate_request",
	}, nil)
}

func writeErrorFromErr(w http.ResponseWriter, err error) {
	if err == nil {
		return
	}

	var ae *APIError
	if errors.As(err, &ae) {
		WriteError(w, ae.Status, ae.AppError)
		return
	}

	var fe *fetch.FetchError
	if errors.As(err, &fe) {
		WriteError(w, fe.Status, fe.AppError)
		return
	}

	// Rule content errors are user content errors => 422.
	var rpe *rules.ParseError
	if errors.As(err, &rpe) {
		WriteError(w, http.StatusUnprocessableEntity, rpe.AppError)
		return
	}

	var rve *rules.RuleError
	if errors.As(err, &rve) {
		WriteError(w, http.StatusUnprocessableEntity, model.AppError{
			Code:    rve.Code,
			Message: rve.Message,
			Stage:   "validate_rule",
			Hint:    rve.Hint,
		})
		return
	}

	var ee *engine.EngineError
	if errors.As(err, &ee) {
		status := http.StatusInternalServerError
		switch ee.AppError.Code {
		case "INVALID_ARGUMENT", "UNKNOWN_MESSAGE":
			status = http.StatusBadRequest
		}
		WriteError(w, status, ee.AppError)
		return
	}

	var ge *geoip.GeoError
	if errors.As(err, &ge) {
		WriteError(w, http.StatusBadGateway, ge.AppError)
		return
	}

	var se *storage.StorageError
	if errors.As(err, &se) {
		WriteError(w, http.StatusInternalServerError, se.AppError)
		return
	}

	var te *dnr.TableError
	if errors.As(err, &te) {
		WriteError(w, http.StatusInternalServerError, te.AppError)
		return
	}

	// Fallback: internal bug.
	WriteError(w, http.StatusInternalServerError, model.AppError{
		Code:    "INTERNAL_ERROR",
		Message: "服务端内部错误",
		Stage:   "internal",
		Hint:    err.Error(),
	})
}
