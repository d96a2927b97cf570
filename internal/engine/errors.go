package engine

import (
	"errors"
	"fmt"
)

// Kind groups error codes for callers that only need the class of failure.
type Kind string

const (
	KindValidation    Kind = "validation"
	KindState         Kind = "state"
	KindAuthorization Kind = "authorization"
	KindTemporal      Kind = "temporal"
	KindCapacity      Kind = "capacity"
	KindArithmetic    Kind = "arithmetic"
)

// Error is a ledger rejection. Two Errors match under errors.Is when their
// codes match, so wrapped or re-messaged values still compare to the sentinels.
type Error struct {
	Code    string
	Kind    Kind
	Message string
}

func (e *Error) Error() string { return e.Message }

func (e *Error) Is(target error) bool {
	var t *Error
	if !errors.As(target, &t) {
		return false
	}
	return t.Code == e.Code
}

// withDetail keeps the code of e but extends the message.
func (e *Error) withDetail(format string, args ...any) *Error {
	return &Error{Code: e.Code, Kind: e.Kind, Message: e.Message + ": " + fmt.Sprintf(format, args...)}
}

func newError(kind Kind, code, msg string) *Error {
	return &Error{Code: code, Kind: kind, Message: msg}
}

var (
	ErrNameTooLong          = newError(KindValidation, "NameTooLong", "Name exceeds 32 characters")
	ErrSkillsTooLong        = newError(KindValidation, "SkillsTooLong", "Skills exceeds 256 characters")
	ErrInvalidEncryptionKey = newError(KindValidation, "InvalidEncryptionKey", "Encryption key cannot be all zeros")
	ErrInvalidTTL           = newError(KindValidation, "InvalidTTL", "TTL must be between 1 and 604800 seconds")
	ErrInvalidMaxClaimers   = newError(KindValidation, "InvalidMaxClaimers", "max_claimers must be 1-10")
	ErrInvalidCategory      = newError(KindValidation, "InvalidCategory", "Unknown prayer category")
	ErrInvalidAddress       = newError(KindValidation, "InvalidAddress", "Address is required")
	ErrInvalidPayee         = newError(KindValidation, "InvalidPayee", "Payee does not hold a claim on this prayer")
	ErrPayloadTooLarge      = newError(KindValidation, "PayloadTooLarge", "Encrypted payload exceeds the size limit")
	ErrInvalidAmount        = newError(KindValidation, "InvalidAmount", "Amount must be greater than zero")

	ErrNotOpen            = newError(KindState, "NotOpen", "Prayer is not open for claims")
	ErrNotClaimed         = newError(KindState, "NotClaimed", "Prayer has no active claims")
	ErrNotFulfilled       = newError(KindState, "NotFulfilled", "Prayer is not fulfilled")
	ErrHasClaimers        = newError(KindState, "HasClaimers", "Cannot cancel a prayer with active claims")
	ErrCannotCancel       = newError(KindState, "CannotCancel", "Can only cancel open prayers with no claims")
	ErrCannotClose        = newError(KindState, "CannotClose", "Prayer must be confirmed, cancelled, or expired to close")
	ErrAlreadyDelivered   = newError(KindState, "AlreadyDelivered", "Content has already been delivered to this claimer")
	ErrAlreadyInitialized = newError(KindState, "AlreadyInitialized", "Protocol is already initialized")
	ErrNotInitialized     = newError(KindState, "NotInitialized", "Protocol is not initialized")
	ErrAgentExists        = newError(KindState, "AgentExists", "Agent is already registered")
	ErrAgentNotFound      = newError(KindState, "AgentNotFound", "Agent is not registered")
	ErrAlreadyClaimed     = newError(KindState, "AlreadyClaimed", "Prayer is already claimed by this agent")
	ErrUnknownStatus      = newError(KindState, "UnknownStatus", "Prayer has an unknown status")

	ErrCannotClaimOwn = newError(KindAuthorization, "CannotClaimOwn", "Cannot claim your own prayer")
	ErrNotClaimer     = newError(KindAuthorization, "NotClaimer", "Not authorized (not the claimer)")
	ErrNotRequester   = newError(KindAuthorization, "NotRequester", "Only the requester can perform this action")
	ErrNotAuthority   = newError(KindAuthorization, "NotAuthority", "Only the protocol authority can perform this action")

	ErrExpired = newError(KindTemporal, "Expired", "Prayer has expired")

	ErrInsufficientFunds = newError(KindCapacity, "InsufficientFunds", "Insufficient balance for reward escrow")

	ErrArithmeticOverflow = newError(KindArithmetic, "ArithmeticOverflow", "Arithmetic overflow")
)

// KindOf returns the kind of a ledger error, or "" for anything else.
func KindOf(err error) Kind {
	var e *Error
	if errors.As(err, &e) {
		return e.Kind
	}
	return ""
}

// CodeOf returns the code of a ledger error, or "" for anything else.
func CodeOf(err error) string {
	var e *Error
	if errors.As(err, &e) {
		return e.Code
	}
	return ""
}
