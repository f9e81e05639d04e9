package xrpl

import (
	"context"
	"errors"
	"fmt"
)

var (
	// ErrAddressNotFound matches AddressNotFoundError.
	ErrAddressNotFound = errors.New("address not found on ledger")
	// ErrNetwork matches NetworkError.
	ErrNetwork = errors.New("ledger network error")
)

// AddressNotFoundError means the account does not exist in the ledger,
// usually because it has never been funded.
type AddressNotFoundError struct {
	Address string
}

func (e *AddressNotFoundError) Error() string {
	return fmt.Sprintf("account %s not found (unfunded or non-existent)", e.Address)
}

func (e *AddressNotFoundError) Is(target error) bool { return target == ErrAddressNotFound }

// NetworkError is a transient failure talking to the RPC endpoint: transport
// errors, timeouts, non-200 responses and unexpected server-side errors.
type NetworkError struct {
	Method string
	Err    error
}

func (e *NetworkError) Error() string {
	return fmt.Sprintf("%s: %v", e.Method, e.Err)
}

func (e *NetworkError) Unwrap() error { return e.Err }

func (e *NetworkError) Is(target error) bool { return target == ErrNetwork }

// Timeout reports whether the failure was a deadline expiry.
func (e *NetworkError) Timeout() bool {
	return errors.Is(e.Err, context.DeadlineExceeded)
}

// RPCError is an error object returned inside a JSON-RPC result.
type RPCError struct {
	Method  string
	Code    string
	Message string
}

func (e *RPCError) Error() string {
	if e.Message == "" {
		return fmt.Sprintf("%s: %s", e.Method, e.Code)
	}
	return fmt.Sprintf("%s: %s: %s", e.Method, e.Code, e.Message)
}
