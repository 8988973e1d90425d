package oauth

import "errors"

// Error taxonomy for the authorization flow and authenticated calls. Callers
// branch with errors.Is; remote payloads stay attached via wrapping.
var (
	// ErrHandleNotFound is returned when no resolution service could turn
	// the handle into a DID.
	ErrHandleNotFound = errors.New("handle not found")

	// ErrPDSNotFound is returned when a DID document carries no PDS
	// service entry.
	ErrPDSNotFound = errors.New("pds not found in did document")

	// ErrOAuthUnsupported is returned when a PDS does not serve protected
	// resource metadata or lists no authorization servers.
	ErrOAuthUnsupported = errors.New("pds does not support oauth")

	// ErrMetadataInvalid is returned when a discovery document is missing
	// required fields or fails validation.
	ErrMetadataInvalid = errors.New("authorization server metadata invalid")

	// ErrInvalidState is returned when a callback state token cannot be
	// decoded or its signature does not verify.
	ErrInvalidState = errors.New("invalid state token")

	// ErrStateExpired is returned when a callback state token is older
	// than the flow window.
	ErrStateExpired = errors.New("state token expired")

	ErrTokenExchangeFailed = errors.New("token exchange failed")

	// ErrTokenExpired marks an access token the server rejected. It is
	// surfaced only when the refresh that follows also fails.
	ErrTokenExpired = errors.New("access token expired")

	ErrRefreshFailed = errors.New("token refresh failed")

	// ErrRecordConflict is returned when a compare-and-swap write loses
	// the race (the record changed between read and write).
	ErrRecordConflict = errors.New("record compare-and-swap conflict")

	// ErrAccessDenied is returned when an operation targets a repo other
	// than the session's own DID.
	ErrAccessDenied = errors.New("access denied for requested repo")

	// ErrUnauthenticated is returned when no usable session exists and
	// the user must run the authorization flow again.
	ErrUnauthenticated = errors.New("unauthenticated")

	ErrSessionNotFound = errors.New("session not found")
)
