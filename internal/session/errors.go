package session

import "errors"

var (
	// ErrInvalidSessionID is returned for session codes that are not six
	// uppercase alphanumerics.
	ErrInvalidSessionID = errors.New("invalid session id")

	// ErrSessionNotFound is returned when no transport can confirm the
	// session exists.
	ErrSessionNotFound = errors.New("session not found")

	// ErrPermissionDenied is returned when a non-host attempts a
	// host-only action.
	ErrPermissionDenied = errors.New("permission denied")

	// ErrInvalidVote is returned for vote values outside the card deck.
	ErrInvalidVote = errors.New("invalid vote value")

	// ErrVotingClosed is returned for votes cast after reveal or before a
	// round is open.
	ErrVotingClosed = errors.New("voting closed")

	// ErrAuthenticationFailed is returned when the remote store's
	// anonymous identity step fails.
	ErrAuthenticationFailed = errors.New("authentication failed")

	// ErrRemoteWriteDenied is returned when the remote store rejects a
	// write under its access-control rules.
	ErrRemoteWriteDenied = errors.New("remote write denied")

	// ErrNoTransportAvailable is returned when every transport candidate
	// failed to initialize.
	ErrNoTransportAvailable = errors.New("no transport available")

	// ErrInvalidShareToken is returned for malformed share tokens.
	ErrInvalidShareToken = errors.New("invalid share token")
)
