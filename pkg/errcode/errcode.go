// Package errcode defines the stable machine codes returned by every
// governance operation. Human-readable messages ride alongside the codes;
// callers branch on Code and Sub, never on message text.
package errcode

import (
	"errors"
	"fmt"
)

// Code is a stable top-level error class.
type Code string

const (
	Usage               Code = "USAGE"
	SchemaInvalid       Code = "SCHEMA_INVALID"
	NotFound            Code = "NOT_FOUND"
	InvalidTransition   Code = "INVALID_TRANSITION"
	ConcurrencyConflict Code = "CONCURRENCY_CONFLICT"
	IntegrityFailure    Code = "INTEGRITY_FAILURE"
	Io                  Code = "IO"
)

// Subcodes for InvalidTransition.
const (
	SubWrongStatus               = "WRONG_STATUS"
	SubIdentityConflict          = "IDENTITY_CONFLICT"
	SubDependencyUnmet           = "DEPENDENCY_UNMET"
	SubContextAttestationMissing = "CONTEXT_ATTESTATION_MISSING"
	SubEvidenceMissing           = "EVIDENCE_MISSING"
	SubInvalidResidualRisk       = "INVALID_RESIDUAL_RISK"
	SubAlreadyClaimed            = "ALREADY_CLAIMED"
	SubAlreadyTerminal           = "ALREADY_TERMINAL"
)

// Subcodes for IntegrityFailure.
const (
	SubSeqDiscontinuity       = "SEQ_DISCONTINUITY"
	SubPrevHashMismatch       = "PREV_HASH_MISMATCH"
	SubStateHashMismatch      = "STATE_HASH_MISMATCH"
	SubHeadDrift              = "HEAD_DRIFT"
	SubCommitHashMismatch     = "COMMIT_HASH_MISMATCH"
	SubRuntimeBindingMismatch = "RUNTIME_BINDING_MISMATCH"
	SubConfigLock             = "CONFIG_LOCK"
	SubConstitutionDrift      = "CONSTITUTION_DRIFT"
	SubLogChainBroken         = "LOG_CHAIN_BROKEN"
	SubReadOnly               = "READ_ONLY"
)

// Error carries a stable code, an optional subcode, and a human message.
type Error struct {
	Code    Code
	Sub     string
	Message string
	Err     error
}

func (e *Error) Error() string {
	code := string(e.Code)
	if e.Sub != "" {
		code += "/" + e.Sub
	}
	if e.Message == "" {
		return code
	}
	return code + ": " + e.Message
}

func (e *Error) Unwrap() error { return e.Err }

// Is matches another *Error by Code, and by Sub when the target specifies one.
// This lets sentinel values like ErrDependencyUnmet work with errors.Is even
// though operational errors carry dynamic messages.
func (e *Error) Is(target error) bool {
	t, ok := target.(*Error)
	if !ok {
		return false
	}
	if t.Code != e.Code {
		return false
	}
	return t.Sub == "" || t.Sub == e.Sub
}

// New builds an Error with a formatted message.
func New(code Code, sub, format string, args ...any) *Error {
	return &Error{Code: code, Sub: sub, Message: fmt.Sprintf(format, args...)}
}

// Wrap attaches a code to an underlying error.
func Wrap(code Code, sub string, err error) *Error {
	if err == nil {
		return nil
	}
	return &Error{Code: code, Sub: sub, Message: err.Error(), Err: err}
}

// Sentinels for errors.Is matching. Message-free on purpose.
var (
	ErrUsage                     = &Error{Code: Usage}
	ErrSchemaInvalid             = &Error{Code: SchemaInvalid}
	ErrNotFound                  = &Error{Code: NotFound}
	ErrWrongStatus               = &Error{Code: InvalidTransition, Sub: SubWrongStatus}
	ErrIdentityConflict          = &Error{Code: InvalidTransition, Sub: SubIdentityConflict}
	ErrDependencyUnmet           = &Error{Code: InvalidTransition, Sub: SubDependencyUnmet}
	ErrContextAttestationMissing = &Error{Code: InvalidTransition, Sub: SubContextAttestationMissing}
	ErrEvidenceMissing           = &Error{Code: InvalidTransition, Sub: SubEvidenceMissing}
	ErrInvalidResidualRisk       = &Error{Code: InvalidTransition, Sub: SubInvalidResidualRisk}
	ErrAlreadyClaimed            = &Error{Code: InvalidTransition, Sub: SubAlreadyClaimed}
	ErrAlreadyTerminal           = &Error{Code: InvalidTransition, Sub: SubAlreadyTerminal}
	ErrConcurrencyConflict       = &Error{Code: ConcurrencyConflict}
	ErrIntegrityFailure          = &Error{Code: IntegrityFailure}
	ErrSeqDiscontinuity          = &Error{Code: IntegrityFailure, Sub: SubSeqDiscontinuity}
	ErrPrevHashMismatch          = &Error{Code: IntegrityFailure, Sub: SubPrevHashMismatch}
	ErrStateHashMismatch         = &Error{Code: IntegrityFailure, Sub: SubStateHashMismatch}
	ErrHeadDrift                 = &Error{Code: IntegrityFailure, Sub: SubHeadDrift}
	ErrCommitHashMismatch        = &Error{Code: IntegrityFailure, Sub: SubCommitHashMismatch}
	ErrRuntimeBindingMismatch    = &Error{Code: IntegrityFailure, Sub: SubRuntimeBindingMismatch}
	ErrReadOnly                  = &Error{Code: IntegrityFailure, Sub: SubReadOnly}
	ErrIo                        = &Error{Code: Io}
)

// CodeOf extracts the stable code from any error chain. Unclassified errors
// report as Io, the catch-all for unexpected runtime failures.
func CodeOf(err error) Code {
	var e *Error
	if errors.As(err, &e) {
		return e.Code
	}
	return Io
}

// SubOf extracts the subcode, if any.
func SubOf(err error) string {
	var e *Error
	if errors.As(err, &e) {
		return e.Sub
	}
	return ""
}

// WireCode renders "CODE" or "CODE/SUB" for result envelopes.
func WireCode(err error) string {
	var e *Error
	if errors.As(err, &e) {
		if e.Sub != "" {
			return string(e.Code) + "/" + e.Sub
		}
		return string(e.Code)
	}
	return string(Io)
}

// Operator exit codes: 0 success, 2 usage, 3 governance rejection,
// 4 precondition missing, 5 integrity failure.
func ExitCode(err error) int {
	if err == nil {
		return 0
	}
	switch CodeOf(err) {
	case Usage, SchemaInvalid:
		return 2
	case InvalidTransition:
		if SubOf(err) == SubDependencyUnmet {
			return 4
		}
		return 3
	case NotFound, ConcurrencyConflict:
		return 3
	case IntegrityFailure:
		return 5
	default:
		return 1
	}
}
