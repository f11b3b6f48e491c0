// This code is available on the terms of the project LICENSE.md file,
// also available online at https://blueoakcouncil.org/license/1.0.0.

// Package netreq has JSON-over-HTTP helpers for provider endpoints.
// Transport failures come back as wallet.NetworkError, which callers treat
// as retryable; HTTP error statuses come back as StatusError with the
// response body optionally decoded for protocol-level classification.
package netreq

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"

	"github.com/mintward/mintward/wallet"
)

const defaultResponseSizeLimit = 1 << 20 // 1 MiB

// StatusError is a non-2xx HTTP response.
type StatusError struct {
	Status int
}

// Error satisfies the error interface.
func (e *StatusError) Error() string {
	return fmt.Sprintf("HTTP status %d", e.Status)
}

// RequestOption is an optional argument to Get, Post, or Do.
type RequestOption struct {
	responseSizeLimit int64
	header            *[2]string
	errThing          any
}

// WithSizeLimit sets a size limit for a response. See
// defaultResponseSizeLimit for the default.
func WithSizeLimit(limit int64) *RequestOption {
	return &RequestOption{responseSizeLimit: limit}
}

// WithRequestHeader adds a header entry to the request.
func WithRequestHeader(k, v string) *RequestOption {
	h := [2]string{k, v}
	return &RequestOption{header: &h}
}

// WithErrorParsing adds parsing of response bodies for HTTP error responses.
// The StatusError is still returned; errThing holds whatever decoded.
func WithErrorParsing(thing any) *RequestOption {
	return &RequestOption{errThing: thing}
}

// Post performs an HTTP POST request with a JSON-encoded body. If thing is
// non-nil, the response is JSON-decoded into thing.
func Post(ctx context.Context, uri string, body, thing any, opts ...*RequestOption) error {
	var r io.Reader
	if body != nil {
		b, err := json.Marshal(body)
		if err != nil {
			return fmt.Errorf("error encoding request body: %w", err)
		}
		r = bytes.NewReader(b)
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, uri, r)
	if err != nil {
		return fmt.Errorf("error constructing request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")
	return Do(req, thing, opts...)
}

// Get performs an HTTP GET request. If thing is non-nil, the response is
// JSON-decoded into thing.
func Get(ctx context.Context, uri string, thing any, opts ...*RequestOption) error {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, uri, nil)
	if err != nil {
		return fmt.Errorf("error constructing request: %w", err)
	}
	return Do(req, thing, opts...)
}

// Do does the request and JSON-decodes the result into thing, if non-nil.
func Do(req *http.Request, thing any, opts ...*RequestOption) error {
	var sizeLimit int64 = defaultResponseSizeLimit
	var errThing any
	for _, opt := range opts {
		switch {
		case opt.responseSizeLimit > 0:
			sizeLimit = opt.responseSizeLimit
		case opt.header != nil:
			h := *opt.header
			req.Header.Add(h[0], h[1])
		case opt.errThing != nil:
			errThing = opt.errThing
		}
	}
	resp, err := http.DefaultClient.Do(req)
	if err != nil {
		return &wallet.NetworkError{Err: err}
	}
	defer resp.Body.Close()
	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		if errThing != nil {
			reader := io.LimitReader(resp.Body, sizeLimit)
			// A malformed error body still yields the StatusError.
			json.NewDecoder(reader).Decode(errThing)
		}
		return &StatusError{Status: resp.StatusCode}
	}
	if thing == nil {
		return nil
	}
	reader := io.LimitReader(resp.Body, sizeLimit)
	if err = json.NewDecoder(reader).Decode(thing); err != nil {
		return fmt.Errorf("error decoding response: %w", err)
	}
	return nil
}
