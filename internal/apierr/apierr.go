// Package apierr centralizes the error-kind → HTTP status mapping used
// by both the orchestrator API (C6) and the sandbox proxy's error
// responses, so neither has to string-match an error message to decide
// what status to return.
package apierr

import (
	"encoding/json"
	"errors"
	"net/http"

	"github.com/bastionlabs/harbor/internal/capability"
	"github.com/bastionlabs/harbor/internal/extruntime"
	"github.com/bastionlabs/harbor/internal/jobs"
	"github.com/bastionlabs/harbor/internal/ledger"
	"github.com/bastionlabs/harbor/internal/sandbox/container"
)

// StatusFor maps err to the HTTP status the taxonomy in SPEC_FULL.md §7
// assigns its kind, falling back to 500 for anything unrecognized.
func StatusFor(err error) int {
	if err == nil {
		return http.StatusOK
	}

	var denied *capability.DeniedError
	if errors.As(err, &denied) {
		return http.StatusForbidden // CapabilityDenied
	}

	var exhausted *ledger.ResourceExhaustedError
	if errors.As(err, &exhausted) {
		return http.StatusTooManyRequests // ResourceExhausted
	}

	var guestFailure *extruntime.GuestFailureError
	if errors.As(err, &guestFailure) {
		switch guestFailure.Class {
		case extruntime.ClassTimeout:
			return http.StatusGatewayTimeout
		case extruntime.ClassResourceLimit:
			return http.StatusTooManyRequests
		default: // trap, invalid_io
			return http.StatusBadGateway
		}
	}

	var workspaceEscape *capability.WorkspaceEscapeError
	if errors.As(err, &workspaceEscape) {
		return http.StatusForbidden // WorkspaceEscape
	}

	if isUpstreamFailure(err) {
		return http.StatusBadGateway // UpstreamFailure
	}

	if errors.Is(err, jobs.ErrJobNotFound) {
		return http.StatusNotFound // NotFound
	}

	var notAuthorized *container.NotAuthorizedError
	if errors.As(err, &notAuthorized) {
		return http.StatusForbidden
	}

	var timeoutErr *container.TimeoutError
	if errors.As(err, &timeoutErr) {
		return http.StatusGatewayTimeout // Timeout
	}

	return http.StatusInternalServerError
}

func isUpstreamFailure(err error) bool {
	var upstream *container.UpstreamFailureError
	return errors.As(err, &upstream)
}

// WriteJSON writes body as JSON with status, matching the orchestrator's
// and proxy's shared response convention.
func WriteJSON(w http.ResponseWriter, status int, body interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(body)
}

// WriteError maps err to a status via StatusFor and writes
// {"error": err.Error()} at that status.
func WriteError(w http.ResponseWriter, err error) {
	WriteJSON(w, StatusFor(err), map[string]string{"error": err.Error()})
}
