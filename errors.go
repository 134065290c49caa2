package authcore

import (
	"errors"
	"fmt"
)

// Kind is the coarse category of a failure. Callers decide whether to retry
// based on the kind alone.
type Kind string

const (
	// KindValidation means the input was malformed. Retrying with corrected input may succeed.
	KindValidation Kind = "validation"

	// KindAuth means the credential was rejected. Retrying the same credential will not help.
	KindAuth Kind = "auth"

	// KindConflict means a uniqueness constraint was violated.
	KindConflict Kind = "conflict"

	// KindDependency means a repository, store or notifier failed. Safe to retry.
	KindDependency Kind = "dependency"
)

// Reason is a stable machine readable code for a failure.
type Reason string

const (
	ReasonInvalidInput        Reason = "invalid_input"
	ReasonNotFound            Reason = "not_found"
	ReasonBadPassword         Reason = "bad_password"
	ReasonProviderOnlyAccount Reason = "provider_only_account"
	ReasonOtpMismatch         Reason = "otp_mismatch"
	ReasonOtpExpired          Reason = "otp_expired"
	ReasonOtpNotRequested     Reason = "otp_not_requested"
	ReasonInvalidToken        Reason = "invalid_token"
	ReasonExpiredToken        Reason = "expired_token"
	ReasonBadSignature        Reason = "bad_signature"
	ReasonWrongPurpose        Reason = "wrong_purpose"
	ReasonResetTokenInvalid   Reason = "reset_token_invalid"
	ReasonAccountGone         Reason = "account_gone"
	ReasonTokenReused         Reason = "token_reused"
	ReasonForbidden           Reason = "forbidden"
	ReasonEmailTaken          Reason = "email_taken"
	ReasonConflict            Reason = "conflict"
	ReasonNotificationFailed  Reason = "notification_failed"
	ReasonUnavailable         Reason = "dependency_unavailable"
)

// Error is the failure type returned by every core operation.
//
// Message is safe to show to end users. Err holds the underlying cause, which
// may contain driver details and should only be logged.
type Error struct {
	Kind    Kind
	Reason  Reason
	Message string
	Err     error
}

func (e *Error) Error() string {
	if e.Err != nil {
		return e.Message + ": " + e.Err.Error()
	}
	return e.Message
}

func (e *Error) Unwrap() error { return e.Err }

// Is matches any *Error with the same Reason, so a wrapped copy of a sentinel
// still satisfies errors.Is(err, ErrOtpMismatch).
func (e *Error) Is(target error) bool {
	t, ok := target.(*Error)
	if !ok {
		return false
	}
	return t.Reason == e.Reason
}

// Wrap returns a copy of e carrying cause.
func (e *Error) Wrap(cause error) *Error {
	out := *e
	out.Err = cause
	return &out
}

// WithMessage returns a copy of e with a different outward message.
func (e *Error) WithMessage(msg string) *Error {
	out := *e
	out.Message = msg
	return &out
}

var (
	ErrInvalidInput        = &Error{Kind: KindValidation, Reason: ReasonInvalidInput, Message: "invalid input"}
	ErrNotFound            = &Error{Kind: KindAuth, Reason: ReasonNotFound, Message: "account not found"}
	ErrBadPassword         = &Error{Kind: KindAuth, Reason: ReasonBadPassword, Message: "invalid credentials"}
	ErrProviderOnlyAccount = &Error{Kind: KindAuth, Reason: ReasonProviderOnlyAccount, Message: "please login with Google/GitHub"}
	ErrOtpMismatch         = &Error{Kind: KindAuth, Reason: ReasonOtpMismatch, Message: "invalid OTP"}
	ErrOtpExpired          = &Error{Kind: KindAuth, Reason: ReasonOtpExpired, Message: "OTP expired"}
	ErrOtpNotRequested     = &Error{Kind: KindAuth, Reason: ReasonOtpNotRequested, Message: "OTP expired or not requested"}
	ErrInvalidToken        = &Error{Kind: KindAuth, Reason: ReasonInvalidToken, Message: "invalid token"}
	ErrExpiredToken        = &Error{Kind: KindAuth, Reason: ReasonExpiredToken, Message: "token expired"}
	ErrBadSignature        = &Error{Kind: KindAuth, Reason: ReasonBadSignature, Message: "invalid token signature"}
	ErrWrongPurpose        = &Error{Kind: KindAuth, Reason: ReasonWrongPurpose, Message: "invalid token type"}
	ErrResetTokenInvalid   = &Error{Kind: KindAuth, Reason: ReasonResetTokenInvalid, Message: "invalid or expired token"}
	ErrAccountGone         = &Error{Kind: KindAuth, Reason: ReasonAccountGone, Message: "account no longer exists"}
	ErrTokenReused         = &Error{Kind: KindAuth, Reason: ReasonTokenReused, Message: "token reuse detected, all sessions revoked"}
	ErrForbidden           = &Error{Kind: KindAuth, Reason: ReasonForbidden, Message: "not authorized as an admin"}
	ErrEmailTaken          = &Error{Kind: KindConflict, Reason: ReasonEmailTaken, Message: "email already registered"}
	ErrConflict            = &Error{Kind: KindConflict, Reason: ReasonConflict, Message: "conflicting update"}
	ErrNotificationFailed  = &Error{Kind: KindDependency, Reason: ReasonNotificationFailed, Message: "failed to send notification"}
	ErrUnavailable         = &Error{Kind: KindDependency, Reason: ReasonUnavailable, Message: "service temporarily unavailable"}
)

// invalidCredentials is how NotFound and BadPassword look from outside a
// password login. The Reason is kept so callers can still tell them apart.
const invalidCredentials = "invalid credentials"

// Invalid returns a validation failure naming the offending field.
func Invalid(format string, args ...any) *Error {
	return ErrInvalidInput.WithMessage(fmt.Sprintf(format, args...))
}

// Dependency wraps an infrastructure error as a retryable failure.
// Errors that are already *Error pass through unchanged.
func Dependency(op string, err error) error {
	if err == nil {
		return nil
	}
	var ae *Error
	if errors.As(err, &ae) {
		return err
	}
	return ErrUnavailable.Wrap(fmt.Errorf("%s: %w", op, err))
}

// KindOf returns the Kind of err, or KindDependency for errors outside the taxonomy.
func KindOf(err error) Kind {
	var ae *Error
	if errors.As(err, &ae) {
		return ae.Kind
	}
	return KindDependency
}

// ReasonOf returns the Reason of err, or ReasonUnavailable for unknown errors.
func ReasonOf(err error) Reason {
	var ae *Error
	if errors.As(err, &ae) {
		return ae.Reason
	}
	return ReasonUnavailable
}

// PublicMessage returns the stable outward message for err.
func PublicMessage(err error) string {
	var ae *Error
	if errors.As(err, &ae) {
		return ae.Message
	}
	return ErrUnavailable.Message
}

// Retryable reports whether the whole operation can be retried safely.
func Retryable(err error) bool {
	return err != nil && KindOf(err) == KindDependency
}
