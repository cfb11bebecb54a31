package protocol

import (
	"errors"
	"fmt"
)

// Kind identifies an error class surfaced at the API boundary as
// {"error": <kind>, "message": <detail>}.
type Kind string

// Authentication
const (
	KindMeshUnauthorized Kind = "mesh_unauthorized"
	KindInvalidSignature Kind = "invalid_signature"
	KindTimestampSkew    Kind = "timestamp_skew"
	KindReplayDetected   Kind = "replay_detected"
)

// Input
const (
	KindBadRequest     Kind = "bad_request"
	KindMissingBody    Kind = "missing_body"
	KindInvalidDataHex Kind = "invalid_data_hex"
)

// State
const (
	KindInsufficientCredits Kind = "insufficient_credits"
	KindContributionPolicy  Kind = "contribution_policy_violation"
	KindDuplicateReport     Kind = "duplicate_contribution_report"
	KindNotFound            Kind = "not_found"
)

// Chain
const (
	KindHashMismatch        Kind = "hash_mismatch"
	KindSequenceGap         Kind = "sequence_gap"
	KindChainBreak          Kind = "chain_break"
	KindCoordinatorSigError Kind = "coordinator_signature_invalid"
	KindChainHeadMismatch   Kind = "chain_head_mismatch"
)

// Capacity
const (
	KindRateLimited     Kind = "rate_limited"
	KindQueueFull       Kind = "queue_full"
	KindNoEligibleAgent Kind = "no_eligible_agent"
)

// Upstream
const (
	KindProviderUnavailable   Kind = "provider_unavailable"
	KindAnchorBroadcastFailed Kind = "anchor_broadcast_failed"
)

// Gossip validation
const (
	KindDuplicateMessage Kind = "duplicate_message"
	KindMessageExpired   Kind = "message_expired"
)

// Error pairs a stable Kind with optional detail and an optional cause.
// Security-sensitive call sites construct bare errors (no Message) so the
// response reveals nothing beyond the kind.
type Error struct {
	Kind    Kind
	Message string
	Err     error
}

func (e *Error) Error() string {
	if e.Message == "" {
		return string(e.Kind)
	}
	return string(e.Kind) + ": " + e.Message
}

func (e *Error) Unwrap() error { return e.Err }

// Is matches any *Error with the same Kind, so call sites can test
// errors.Is(err, protocol.E(protocol.KindNotFound)).
func (e *Error) Is(target error) bool {
	var t *Error
	if errors.As(target, &t) {
		return t.Kind == e.Kind
	}
	return false
}

// E builds a bare Error carrying only a kind.
func E(kind Kind) *Error { return &Error{Kind: kind} }

// Ef builds an Error with printf-style detail.
func Ef(kind Kind, format string, a ...any) *Error {
	return &Error{Kind: kind, Message: fmt.Sprintf(format, a...)}
}

// Wrap attaches a kind to an upstream cause, preserving it for errors.Is/As.
func Wrap(kind Kind, err error) *Error {
	if err == nil {
		return &Error{Kind: kind}
	}
	return &Error{Kind: kind, Message: err.Error(), Err: err}
}

// KindOf extracts the Kind from err, or "" when err carries none.
func KindOf(err error) Kind {
	var e *Error
	if errors.As(err, &e) {
		return e.Kind
	}
	return ""
}
