package engine

import (
	"errors"
	"fmt"
)

var (
	// ErrContract marks calls whose inputs violate the operation's contract:
	// shapes, dtypes, indices or unsupported kernel parameters.
	ErrContract = errors.New("contract violation")
	// ErrCacheOverflow marks decode calls that would write past MaxSeqLen.
	ErrCacheOverflow = errors.New("cache overflow")
	// ErrResourceExhausted marks calls or allocations over a memory budget.
	ErrResourceExhausted = errors.New("resource exhausted")
	// ErrClosed is returned by every operation after Close.
	ErrClosed = errors.New("engine closed")
	// ErrExecution wraps a failure inside a running kernel.
	ErrExecution = errors.New("kernel execution failed")
)

// ContractError describes a rejected input.
type ContractError struct {
	Op  string
	Msg string
	Err error
}

func (e *ContractError) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("%s: %s: %v", e.Op, e.Msg, e.Err)
	}
	return e.Op + ": " + e.Msg
}

func (e *ContractError) Unwrap() []error {
	if e.Err != nil {
		return []error{ErrContract, e.Err}
	}
	return []error{ErrContract}
}

func contractf(op, format string, args ...any) error {
	return &ContractError{Op: op, Msg: fmt.Sprintf(format, args...)}
}

func contractWrap(op, msg string, err error) error {
	return &ContractError{Op: op, Msg: msg, Err: err}
}

// OverflowError names the first request whose history is full.
type OverflowError struct {
	Request   int
	Slot      int
	PastLen   int
	MaxSeqLen int
}

func (e *OverflowError) Error() string {
	return fmt.Sprintf("rotary_mha_decode: request %d (slot %d) has past length %d, cache holds %d positions",
		e.Request, e.Slot, e.PastLen, e.MaxSeqLen)
}

func (e *OverflowError) Unwrap() error { return ErrCacheOverflow }

// ExhaustedError reports a request for more bytes than a budget allows.
type ExhaustedError struct {
	Op     string
	Need   int64
	Budget int64
}

func (e *ExhaustedError) Error() string {
	return fmt.Sprintf("%s: needs %d bytes, budget is %d", e.Op, e.Need, e.Budget)
}

func (e *ExhaustedError) Unwrap() error { return ErrResourceExhausted }

type executionError struct {
	op  string
	err error
}

func (e executionError) Error() string { return e.op + ": " + e.err.Error() }

func (e executionError) Unwrap() []error { return []error{ErrExecution, e.err} }

// Kind classifies an engine error for logs, counters and API responses.
func Kind(err error) string {
	switch {
	case err == nil:
		return ""
	case errors.Is(err, ErrCacheOverflow):
		return "cache_overflow"
	case errors.Is(err, ErrResourceExhausted):
		return "resource_exhausted"
	case errors.Is(err, ErrContract):
		return "contract_violation"
	case errors.Is(err, ErrClosed):
		return "closed"
	case errors.Is(err, ErrExecution):
		return "execution"
	default:
		return "internal"
	}
}
