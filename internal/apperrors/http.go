package apperrors

import (
	"errors"
	"net/http"
)

// class describes how one sentinel surfaces over HTTP.
type class struct {
	sentinel  error
	status    int
	code      string
	retryable bool
}

// classes is checked in order; the first sentinel err matches wins.
var classes = []class{
	{ErrValidation, http.StatusBadRequest, "invalid_request", false},
	{ErrForbidden, http.StatusForbidden, "forbidden", false},
	{ErrNotFound, http.StatusNotFound, "not_found", false},
	{ErrConflict, http.StatusConflict, "conflict", false},
	{ErrProvider, http.StatusBadGateway, "provider_unavailable", true},
	{ErrMaterialization, http.StatusServiceUnavailable, "materialization_failed", true},
	{ErrUnavailable, http.StatusServiceUnavailable, "store_unavailable", true},
}

var internalClass = class{ErrInternal, http.StatusInternalServerError, "internal", false}

func classify(err error) class {
	for _, c := range classes {
		if errors.Is(err, c.sentinel) {
			return c
		}
	}
	return internalClass
}

// HTTPStatus maps err to a response status. Unclassified errors are 500.
func HTTPStatus(err error) int { return classify(err).status }

// Code returns a stable machine-readable code for err.
func Code(err error) string { return classify(err).code }

// Retryable reports whether the caller should simply try again later.
// Provider, materialization and store failures leave nothing half-written,
// so repeating the request is always safe.
func Retryable(err error) bool { return classify(err).retryable }

// FieldOf returns the request field a validation error refers to.
func FieldOf(err error) string {
	var e *Error
	if errors.As(err, &e) {
		return e.Field
	}
	return ""
}
