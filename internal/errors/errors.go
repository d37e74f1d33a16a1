package errors

import (
	"errors"
	"fmt"
)

// Code is a stable, machine-readable error type mapped to process exit codes.
type Code int

const (
	CodeSuccess          Code = 0
	CodeInternal         Code = 1
	CodeUsage            Code = 2
	CodeConfig           Code = 3
	CodeAuth             Code = 10
	CodeRateLimited      Code = 11
	CodeUnavailable      Code = 12
	CodeUnsupported      Code = 13
	CodeStale            Code = 14
	CodeBlocked          Code = 16
	CodeQuoteUnavailable Code = 17
	CodeInvalidRunState  Code = 18
	CodeRunExpired       Code = 19
	CodeNotFound         Code = 20
	CodeIdentity         Code = 21
	CodeSigner           Code = 22
	CodeActionTimeout    Code = 23
	CodeWalletExists     Code = 24

	// Upstream services (swap aggregator, ledger RPC) rejecting our
	// credentials or throttling us. Kept apart from CodeAuth and
	// CodeRateLimited, which only describe the caller.
	CodeUpstreamAuth        Code = 25
	CodeUpstreamRateLimited Code = 26
)

// Error is a typed error that carries a stable error code across the core boundary.
type Error struct {
	Code    Code
	Message string
	Cause   error
}

func (e *Error) Error() string {
	if e.Cause == nil {
		return e.Message
	}
	return fmt.Sprintf("%s: %v", e.Message, e.Cause)
}

func (e *Error) Unwrap() error { return e.Cause }

func New(code Code, message string) *Error {
	return &Error{Code: code, Message: message}
}

func Wrap(code Code, message string, cause error) *Error {
	return &Error{Code: code, Message: message, Cause: cause}
}

func As(err error) (*Error, bool) {
	var target *Error
	if errors.As(err, &target) {
		return target, true
	}
	return nil, false
}

// Is reports whether the outermost typed error in err's chain has code.
func Is(err error, code Code) bool {
	cErr, ok := As(err)
	return ok && cErr.Code == code
}

func ExitCode(err error) int {
	if err == nil {
		return int(CodeSuccess)
	}
	if cliErr, ok := As(err); ok {
		return int(cliErr.Code)
	}
	return int(CodeInternal)
}

// TypeOf returns the machine-readable error type rendered in envelopes.
func TypeOf(err error) string {
	cErr, ok := As(err)
	if !ok {
		return "internal_error"
	}
	switch cErr.Code {
	case CodeUsage:
		return "usage_error"
	case CodeConfig:
		return "configuration_error"
	case CodeAuth:
		return "authentication_error"
	case CodeRateLimited:
		return "rate_limit_exceeded"
	case CodeUnavailable:
		return "network_unavailable"
	case CodeUnsupported:
		return "unsupported"
	case CodeStale:
		return "stale_quote"
	case CodeBlocked:
		return "command_blocked"
	case CodeQuoteUnavailable:
		return "quote_unavailable"
	case CodeInvalidRunState:
		return "invalid_run_state"
	case CodeRunExpired:
		return "run_expired"
	case CodeNotFound:
		return "not_found"
	case CodeIdentity:
		return "identity_missing"
	case CodeSigner:
		return "signer_error"
	case CodeActionTimeout:
		return "confirmation_timeout"
	case CodeWalletExists:
		return "wallet_exists"
	case CodeUpstreamAuth:
		return "upstream_auth_error"
	case CodeUpstreamRateLimited:
		return "upstream_rate_limited"
	default:
		return "internal_error"
	}
}
