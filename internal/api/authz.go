package api

import (
	"net/http"
	"strings"

	"aggregator/internal/apperrors"
	"aggregator/internal/record"
)

// DefaultPrincipalHeader carries the caller identity set by the upstream gateway.
const DefaultPrincipalHeader = "X-Principal-ID"

// Authorizer decides whether a request may access a record.
// Authentication itself happens upstream of this service.
type Authorizer interface {
	Authorize(r *http.Request, rec *record.Record) error
}

// OwnerHeaderAuthorizer allows a request when its principal header is absent
// or matches the record owner.
type OwnerHeaderAuthorizer struct {
	Header string
}

// Principal returns the caller identity from the request, or "".
func (a OwnerHeaderAuthorizer) Principal(r *http.Request) string {
	header := a.Header
	if header == "" {
		header = DefaultPrincipalHeader
	}
	return strings.TrimSpace(r.Header.Get(header))
}

// Authorize implements Authorizer.
func (a OwnerHeaderAuthorizer) Authorize(r *http.Request, rec *record.Record) error {
	principal := a.Principal(r)
	if principal == "" || rec.OwnerID == "" || principal == rec.OwnerID {
		return nil
	}
	return apperrors.Forbidden("record", rec.ID)
}

// AllowAll authorizes every request.
type AllowAll struct{}

// Authorize implements Authorizer.
func (AllowAll) Authorize(*http.Request, *record.Record) error { return nil }
