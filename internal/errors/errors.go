// Package errors defines the collector's error taxonomy. Callers branch on
// recoverability with errors.As or the Is* helpers instead of inspecting
// message strings:
//
//   - TransientFetchError: network, timeout or rate-limit failure. Retry later.
//   - PermanentFetchError: unknown symbol or unsupported timeframe. Stop polling the pair.
//   - StorageBusyError: lock contention in the store. Retry with bounded backoff.
//   - ConfigError: invalid startup configuration. Fatal.
package errors

import (
	"context"
	"errors"
	"fmt"
	"net"
	"strings"
	"time"
)

// Kind classifies an error for handling decisions.
type Kind string

const (
	KindTransientFetch Kind = "transient_fetch"
	KindPermanentFetch Kind = "permanent_fetch"
	KindStorageBusy    Kind = "storage_busy"
	KindConfiguration  Kind = "configuration"
	KindUnknown        Kind = "unknown"
)

// TransientFetchError reports an exchange call that may succeed if retried later.
type TransientFetchError struct {
	Exchange   string
	Operation  string
	Symbol     string
	Timeframe  string
	StatusCode int
	RetryAfter time.Duration
	Err        error
}

func (e *TransientFetchError) Error() string {
	return fmt.Sprintf("transient %s error on %s %s: %v", e.Exchange, e.Operation, identity(e.Symbol, e.Timeframe), e.Err)
}

func (e *TransientFetchError) Unwrap() error {
	return e.Err
}

// PermanentFetchError reports an exchange call that will never succeed for the
// given symbol/timeframe.
type PermanentFetchError struct {
	Exchange   string
	Operation  string
	Symbol     string
	Timeframe  string
	StatusCode int
	Reason     string
	Err        error
}

func (e *PermanentFetchError) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("permanent %s error on %s %s: %s: %v", e.Exchange, e.Operation, identity(e.Symbol, e.Timeframe), e.Reason, e.Err)
	}
	return fmt.Sprintf("permanent %s error on %s %s: %s", e.Exchange, e.Operation, identity(e.Symbol, e.Timeframe), e.Reason)
}

func (e *PermanentFetchError) Unwrap() error {
	return e.Err
}

// StorageBusyError reports lock contention surfaced by the store instead of
// an indefinite wait.
type StorageBusyError struct {
	Operation string
	Table     string
	Err       error
}

func (e *StorageBusyError) Error() string {
	return fmt.Sprintf("storage busy during %s on %s: %v", e.Operation, e.Table, e.Err)
}

func (e *StorageBusyError) Unwrap() error {
	return e.Err
}

// ConfigError collects every problem found while validating configuration.
type ConfigError struct {
	Problems []string
}

func (e *ConfigError) Error() string {
	return fmt.Sprintf("configuration validation errors:\n- %s", strings.Join(e.Problems, "\n- "))
}

// NewTransientFetch wraps err as a TransientFetchError.
func NewTransientFetch(exchange, operation, symbol, timeframe string, err error) *TransientFetchError {
	return &TransientFetchError{Exchange: exchange, Operation: operation, Symbol: symbol, Timeframe: timeframe, Err: err}
}

// NewPermanentFetch builds a PermanentFetchError with a human readable reason.
func NewPermanentFetch(exchange, operation, symbol, timeframe, reason string, err error) *PermanentFetchError {
	return &PermanentFetchError{Exchange: exchange, Operation: operation, Symbol: symbol, Timeframe: timeframe, Reason: reason, Err: err}
}

// NewStorageBusy wraps err as a StorageBusyError.
func NewStorageBusy(operation, table string, err error) *StorageBusyError {
	return &StorageBusyError{Operation: operation, Table: table, Err: err}
}

// IsTransient reports whether err is, or wraps, a TransientFetchError.
func IsTransient(err error) bool {
	var t *TransientFetchError
	return errors.As(err, &t)
}

// IsPermanent reports whether err is, or wraps, a PermanentFetchError.
func IsPermanent(err error) bool {
	var p *PermanentFetchError
	return errors.As(err, &p)
}

// IsStorageBusy reports whether err is, or wraps, a StorageBusyError.
func IsStorageBusy(err error) bool {
	var b *StorageBusyError
	return errors.As(err, &b)
}

// KindOf classifies err. Typed errors win; untyped network and timeout
// failures are treated as transient.
func KindOf(err error) Kind {
	if err == nil {
		return ""
	}

	var cfgErr *ConfigError
	switch {
	case IsPermanent(err):
		return KindPermanentFetch
	case IsTransient(err):
		return KindTransientFetch
	case IsStorageBusy(err):
		return KindStorageBusy
	case errors.As(err, &cfgErr):
		return KindConfiguration
	case IsNetworkError(err), IsTimeoutError(err):
		return KindTransientFetch
	default:
		return KindUnknown
	}
}

// IsNetworkError checks whether err comes from the network stack.
func IsNetworkError(err error) bool {
	var netErr net.Error
	if errors.As(err, &netErr) {
		return true
	}

	var opErr *net.OpError
	if errors.As(err, &opErr) {
		return true
	}

	var dnsErr *net.DNSError
	if errors.As(err, &dnsErr) {
		return true
	}

	errStr := strings.ToLower(err.Error())
	return strings.Contains(errStr, "connection refused") ||
		strings.Contains(errStr, "connection reset") ||
		strings.Contains(errStr, "no such host") ||
		strings.Contains(errStr, "broken pipe")
}

// IsTimeoutError checks whether err is a deadline or timeout failure.
func IsTimeoutError(err error) bool {
	if errors.Is(err, context.DeadlineExceeded) {
		return true
	}

	var netErr net.Error
	if errors.As(err, &netErr) && netErr.Timeout() {
		return true
	}

	errStr := strings.ToLower(err.Error())
	return strings.Contains(errStr, "timeout") || strings.Contains(errStr, "deadline exceeded")
}

func identity(symbol, timeframe string) string {
	switch {
	case symbol == "":
		return "-"
	case timeframe == "":
		return symbol
	default:
		return symbol + " " + timeframe
	}
}
