package main

import (
	"context"
	"errors"
	"fmt"
	"net/http"

	"github.com/gin-gonic/gin"
	"github.com/jackc/pgx/v5/pgconn"
)

const (
	codeNotFound          = "not_found"
	codeInvalidArgument   = "invalid_argument"
	codeMissingLocation   = "missing_location"
	codeAlreadyMerged     = "already_merged"
	codeConflict          = "conflict"
	codeUnavailable       = "unavailable"
	codeInvalidTransition = "invalid_transition"
	codeUnauthorized      = "unauthorized"
	codeForbidden         = "forbidden"
)

type apiError struct {
	Status  int
	Code    string
	Message string
}

func (e *apiError) Error() string { return e.Message }

// Retryable reports whether the caller may repeat the request unchanged.
func (e *apiError) Retryable() bool {
	switch e.Code {
	case codeUnavailable, codeConflict, codeAlreadyMerged:
		return true
	}
	return false
}

func errNotFound(format string, args ...any) *apiError {
	return &apiError{Status: http.StatusNotFound, Code: codeNotFound, Message: fmt.Sprintf(format, args...)}
}

func errInvalidArgument(format string, args ...any) *apiError {
	return &apiError{Status: http.StatusBadRequest, Code: codeInvalidArgument, Message: fmt.Sprintf(format, args...)}
}

func errMissingLocation(complaintID string) *apiError {
	return &apiError{Status: http.StatusPreconditionFailed, Code: codeMissingLocation, Message: fmt.Sprintf("Complaint %s has no location data", complaintID)}
}

func errAlreadyMerged(format string, args ...any) *apiError {
	return &apiError{Status: http.StatusConflict, Code: codeAlreadyMerged, Message: fmt.Sprintf(format, args...)}
}

func errConflict(format string, args ...any) *apiError {
	return &apiError{Status: http.StatusConflict, Code: codeConflict, Message: fmt.Sprintf(format, args...)}
}

func errUnavailable(format string, args ...any) *apiError {
	return &apiError{Status: http.StatusServiceUnavailable, Code: codeUnavailable, Message: fmt.Sprintf(format, args...)}
}

func errForbidden(message string) *apiError {
	return &apiError{Status: http.StatusForbidden, Code: codeForbidden, Message: message}
}

func errUnauthorized(message string) *apiError {
	return &apiError{Status: http.StatusUnauthorized, Code: codeUnauthorized, Message: message}
}

func errInvalidTransition(from MergeSessionState, event string) *apiError {
	return &apiError{Status: http.StatusConflict, Code: codeInvalidTransition, Message: fmt.Sprintf("Cannot %s while %s", event, from)}
}

// errorCode returns the taxonomy code of err, or "" for untyped errors.
func errorCode(err error) string {
	var apiErr *apiError
	if errors.As(err, &apiErr) {
		return apiErr.Code
	}
	return ""
}

// classifyTransient turns context and driver timeouts into Unavailable and
// passes every other error through.
func classifyTransient(err error, operation string) error {
	if err == nil {
		return nil
	}
	var apiErr *apiError
	if errors.As(err, &apiErr) {
		return err
	}
	if errors.Is(err, context.DeadlineExceeded) || errors.Is(err, context.Canceled) {
		return errUnavailable("%s did not complete in time, please retry", operation)
	}
	return err
}

// isUniqueViolation reports a Postgres unique_violation (23505).
func isUniqueViolation(err error) bool {
	var pgErr *pgconn.PgError
	return errors.As(err, &pgErr) && pgErr.Code == "23505"
}

// isForeignKeyViolation reports a Postgres foreign_key_violation (23503).
func isForeignKeyViolation(err error) bool {
	var pgErr *pgconn.PgError
	return errors.As(err, &pgErr) && pgErr.Code == "23503"
}

func writeAPIError(c *gin.Context, err error) {
	var apiErr *apiError
	if errors.As(err, &apiErr) {
		c.JSON(apiErr.Status, gin.H{"error": apiErr.Code, "message": apiErr.Message, "retryable": apiErr.Retryable()})
		return
	}

	c.JSON(http.StatusInternalServerError, gin.H{"error": "internal_error", "message": err.Error()})
}
