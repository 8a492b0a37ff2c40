package types

import (
	"errors"
	"fmt"
)

// ErrResourceExhausted is returned by the paymaster when no fee cell is
// available after a refill attempt. Non-fatal to the caller, alert-worthy.
var ErrResourceExhausted = errors.New("paymaster: fee cell pool exhausted")

// ErrTxNotFound is returned by the Bitcoin data provider when a transaction
// is not yet visible. Settlement jobs treat it as retryable.
var ErrTxNotFound = errors.New("bitcoin transaction not found")

// ChainRpcError preserves the remote node's structured error verbatim.
type ChainRpcError struct {
	Code    int
	Message string
}

func (e *ChainRpcError) Error() string {
	return fmt.Sprintf("chain rpc error %d: %s", e.Code, e.Message)
}

// ValidationError rejects malformed input synchronously at the boundary,
// before anything enters the queue.
type ValidationError struct {
	Field  string
	Reason string
}

func (e *ValidationError) Error() string {
	return fmt.Sprintf("invalid %s: %s", e.Field, e.Reason)
}

// IsValidationError reports whether err is a boundary rejection.
func IsValidationError(err error) bool {
	var ve *ValidationError
	return errors.As(err, &ve)
}
