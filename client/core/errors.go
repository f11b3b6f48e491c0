// This code is available on the terms of the project LICENSE.md file,
// also available online at https://blueoakcouncil.org/license/1.0.0.

package core

import (
	"errors"
	"fmt"

	"github.com/mintward/mintward/wallet"
)

const (
	capabilityErr = iota
	dbErr
	derivationErr
	keyErr
	createQuoteErr
	completeQuoteErr
	expireQuoteErr
	failQuoteErr
	createSwapErr
	completeSwapErr
	crossAccountErr
	trackingErr
)

// Error is an error code and a wrapped error.
type Error struct {
	code int
	err  error
}

// Error returns the error string. Satisfies the error interface.
func (e *Error) Error() string {
	return e.err.Error()
}

// Code returns the error code.
func (e *Error) Code() *int {
	return &e.code
}

// Unwrap returns the underlying wrapped error.
func (e *Error) Unwrap() error {
	return e.err
}

// newError is a constructor for a new Error.
func newError(code int, s string, a ...any) error {
	return &Error{
		code: code,
		err:  fmt.Errorf(s, a...), // s may contain a %w verb to wrap an error
	}
}

// codedError converts the error to an Error with the specified code.
func codedError(code int, err error) error {
	return &Error{
		code: code,
		err:  err,
	}
}

// errorHasCode checks whether the error is an Error and has the specified
// code.
func errorHasCode(err error, code int) bool {
	var e *Error
	return errors.As(err, &e) && e.code == code
}

// User-facing failures. These are wallet.DomainError so the message is
// surfaced verbatim.
var (
	// ErrQuoteExpired is returned when completing a quote that expired
	// unpaid.
	ErrQuoteExpired = wallet.DomainError("quote expired")
	// ErrQuoteNotPaid is returned when completing a quote whose payment
	// request has not been paid.
	ErrQuoteNotPaid = wallet.DomainError("quote not paid")
	// ErrTokenAlreadyClaimed is returned when a token's proofs were already
	// redeemed, by this wallet or another.
	ErrTokenAlreadyClaimed = wallet.DomainError("token already claimed")
	// ErrAmountTooSmall is returned when a token's value does not cover the
	// mint's fee for spending it.
	ErrAmountTooSmall = wallet.DomainError("amount too small to claim")
	// ErrNoValidQuotes is returned when cross-account quote convergence
	// fails within the attempt bound.
	ErrNoValidQuotes = wallet.DomainError("could not find valid quotes")
	// ErrWrongMint is returned when a token swap targets an account on a
	// different mint or currency. Such claims go through the cross-account
	// path instead.
	ErrWrongMint = wallet.DomainError("token is from a different mint or currency than the account")
)
