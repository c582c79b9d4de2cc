package recovery

import (
	"context"
	"encoding/json"
	"errors"
	"io/fs"
	"net"
	"os"
	"syscall"
)

// Strategy is the policy applied when a recovery-wrapped operation fails.
type Strategy string

const (
	// StrategyRetry re-invokes the operation under exponential backoff.
	StrategyRetry Strategy = "retry"
	// StrategyRollback restores registered backup artifacts and returns
	// the original error.
	StrategyRollback Strategy = "rollback"
	// StrategySkip swallows the error and returns an empty result.
	StrategySkip Strategy = "skip"
	// StrategyManual returns the error immediately for human follow-up.
	StrategyManual Strategy = "manual"
	// StrategyEscalate persists an escalation record and returns the error.
	StrategyEscalate Strategy = "escalate"
)

// Kind classifies an error for strategy selection.
type Kind string

const (
	KindFileNotFound  Kind = "file_not_found"
	KindPermission    Kind = "permission"
	KindMalformedData Kind = "malformed_data"
	KindConnection    Kind = "connection"
	KindTimeout       Kind = "timeout"
	KindUnknown       Kind = "unknown"
)

// Classifier maps an error to a Kind.
type Classifier func(error) Kind

// DefaultClassifier inspects standard library error types and sentinels.
// Anything unrecognized is KindUnknown.
func DefaultClassifier(err error) Kind {
	if err == nil {
		return KindUnknown
	}

	switch {
	case errors.Is(err, fs.ErrNotExist), errors.Is(err, os.ErrNotExist):
		return KindFileNotFound
	case errors.Is(err, fs.ErrPermission), errors.Is(err, os.ErrPermission),
		errors.Is(err, syscall.EACCES):
		return KindPermission
	case errors.Is(err, context.DeadlineExceeded):
		return KindTimeout
	case errors.Is(err, syscall.ECONNREFUSED), errors.Is(err, syscall.ECONNRESET),
		errors.Is(err, syscall.EPIPE):
		return KindConnection
	}

	var syntaxErr *json.SyntaxError
	var typeErr *json.UnmarshalTypeError
	if errors.As(err, &syntaxErr) || errors.As(err, &typeErr) {
		return KindMalformedData
	}

	var netErr net.Error
	if errors.As(err, &netErr) {
		if netErr.Timeout() {
			return KindTimeout
		}
		return KindConnection
	}

	return KindUnknown
}

// DefaultTable returns the built-in error kind → strategy mapping.
// Kinds absent from the table resolve to StrategyRetry.
func DefaultTable() map[Kind]Strategy {
	return map[Kind]Strategy{
		KindFileNotFound:  StrategySkip,
		KindPermission:    StrategyEscalate,
		KindMalformedData: StrategyRollback,
		KindConnection:    StrategyRetry,
		KindTimeout:       StrategyRetry,
	}
}
