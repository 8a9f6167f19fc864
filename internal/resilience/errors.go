// Package resilience classifies upstream failures and retries transient ones
// with jittered exponential backoff.
package resilience

import (
	"context"
	"errors"
	"fmt"
	"net"
	"net/http"
	"strings"
)

// Class buckets an error by how the caller should react to it.
type Class int

// Error classes.
const (
	// ClassPermanent errors are returned to the caller without retrying.
	ClassPermanent Class = iota
	// ClassTransient errors are retried after the session is rebuilt.
	ClassTransient
	// ClassCanceled means the caller's context ended.
	ClassCanceled
)

func (c Class) String() string {
	switch c {
	case ClassTransient:
		return "transient"
	case ClassCanceled:
		return "canceled"
	default:
		return "permanent"
	}
}

// StatusError reports a non-2xx response from an upstream.
type StatusError struct {
	URL        string
	StatusCode int
}

func (e *StatusError) Error() string {
	return fmt.Sprintf("%s: unexpected status %d %s", e.URL, e.StatusCode, http.StatusText(e.StatusCode))
}

// ErrMalformedResponse marks a response that could not be decoded.
var ErrMalformedResponse = errors.New("malformed response")

// transientSignatures are substrings of error messages produced by net/http,
// colly and chromedp when a connection or render engine died mid-request.
var transientSignatures = []string{
	"connection closed",
	"connection reset",
	"connection refused",
	"broken pipe",
	"unexpected eof",
	"eof",
	"target closed",
	"session closed",
	"browser closed",
	"crashed",
	"websocket",
	"protocol error",
	"timeout",
	"timed out",
	"deadline exceeded",
	"tls handshake",
	"no such host",
	"server misbehaving",
}

// Classify decides whether err is worth retrying.
func Classify(err error) Class {
	if err == nil {
		return ClassPermanent
	}
	if errors.Is(err, context.Canceled) {
		return ClassCanceled
	}
	var statusErr *StatusError
	if errors.As(err, &statusErr) {
		if statusErr.StatusCode == http.StatusTooManyRequests || statusErr.StatusCode >= 500 {
			return ClassTransient
		}
		return ClassPermanent
	}
	if errors.Is(err, ErrMalformedResponse) {
		return ClassPermanent
	}
	if errors.Is(err, context.DeadlineExceeded) {
		return ClassTransient
	}
	var netErr net.Error
	if errors.As(err, &netErr) && netErr.Timeout() {
		return ClassTransient
	}
	msg := strings.ToLower(err.Error())
	for _, sig := range transientSignatures {
		if strings.Contains(msg, sig) {
			return ClassTransient
		}
	}
	return ClassPermanent
}

// IsTransient is shorthand for Classify(err) == ClassTransient.
func IsTransient(err error) bool {
	return Classify(err) == ClassTransient
}
