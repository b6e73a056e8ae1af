package exchange

import (
	"errors"
	"fmt"
	"strings"
)

// ErrCircuitOpen signals that the adapter refused the call pre-emptively
// because the circuit breaker is open. No I/O was performed.
var ErrCircuitOpen = errors.New("circuit open")

// AdapterError wraps a failed adapter call with method and symbol context.
type AdapterError struct {
	Op        string // "fetch_ticker", "load_markets", ...
	Symbol    string // empty for symbol-less operations
	Permanent bool   // permanent provider errors are not retried
	Err       error
}

func (e *AdapterError) Error() string {
	if e.Symbol == "" {
		return fmt.Sprintf("adapter %s: %v", e.Op, e.Err)
	}
	return fmt.Sprintf("adapter %s %s: %v", e.Op, e.Symbol, e.Err)
}

func (e *AdapterError) Unwrap() error {
	return e.Err
}

// IsRetryable checks whether an error is worth retrying. Permanent provider
// errors (unknown symbol, bad request) abort the retry loop immediately.
func IsRetryable(err error) bool {
	if err == nil {
		return false
	}
	var ae *AdapterError
	if errors.As(err, &ae) && ae.Permanent {
		return false
	}
	if errors.Is(err, ErrCircuitOpen) {
		return false
	}

	errStr := err.Error()
	for _, marker := range []string{
		"connection refused",
		"connection reset",
		"timeout",
		"deadline exceeded",
		"temporary failure",
		"too many requests",
		"rate limit",
		"EOF",
		"-1001", // internal error (Binance)
		"-1021", // recvWindow timestamp drift (Binance)
	} {
		if strings.Contains(errStr, marker) {
			return true
		}
	}
	return false
}
