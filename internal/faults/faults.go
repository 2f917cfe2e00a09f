// Package faults defines the error kinds shared by every engine component.
//
// Components wrap one of these kinds in their own sentinel errors so callers
// can branch with errors.Is without importing the component:
//
//	var ErrDocumentNotFound = fmt.Errorf("%w: document not found", faults.ErrNotFound)
package faults

import (
	"errors"
	"net/http"
)

var (
	// ErrValidation marks bad caller input (coordinates, hashes, codes, amounts).
	ErrValidation = errors.New("validation error")

	// ErrStateConflict marks an illegal state transition.
	ErrStateConflict = errors.New("state conflict")

	// ErrNotFound marks an unknown entity id.
	ErrNotFound = errors.New("not found")

	// ErrDependencyUnavailable marks a collaborator (classifier, notifier,
	// deadline index) that could not be reached. Core transitions never fail
	// because of it.
	ErrDependencyUnavailable = errors.New("dependency unavailable")

	// ErrInvariantViolation marks data that would corrupt the audit trail.
	ErrInvariantViolation = errors.New("invariant violation")

	// ErrPolicyDenied marks an operation refused by a risk policy.
	ErrPolicyDenied = errors.New("policy denied")
)

// Code returns a short machine-readable code for the kind of err.
func Code(err error) string {
	switch {
	case err == nil:
		return ""
	case errors.Is(err, ErrInvariantViolation):
		return "invariant_violation"
	case errors.Is(err, ErrNotFound):
		return "not_found"
	case errors.Is(err, ErrValidation):
		return "validation_error"
	case errors.Is(err, ErrStateConflict):
		return "state_conflict"
	case errors.Is(err, ErrPolicyDenied):
		return "policy_denied"
	case errors.Is(err, ErrDependencyUnavailable):
		return "dependency_unavailable"
	default:
		return "internal_error"
	}
}

// HTTPStatus maps the kind of err to an HTTP status code.
func HTTPStatus(err error) int {
	switch Code(err) {
	case "":
		return http.StatusOK
	case "not_found":
		return http.StatusNotFound
	case "validation_error":
		return http.StatusBadRequest
	case "state_conflict":
		return http.StatusConflict
	case "policy_denied":
		return http.StatusForbidden
	case "dependency_unavailable":
		return http.StatusServiceUnavailable
	default:
		return http.StatusInternalServerError
	}
}
