package platform

import (
	"errors"
	"fmt"
	"net/http"
	"strconv"
	"strings"
	"time"
)

// Kind classifies a publish failure.
type Kind int

const (
	// Transient failures may succeed on retry.
	Transient Kind = iota + 1
	// Permanent failures are content or request errors that will not change on retry.
	Permanent
	// AuthInvalid means the platform rejected the credential.
	AuthInvalid
)

func (k Kind) String() string {
	switch k {
	case Transient:
		return "transient"
	case Permanent:
		return "permanent"
	case AuthInvalid:
		return "auth_invalid"
	default:
		return "unknown"
	}
}

// Error is the only error type returned by Client.
type Error struct {
	Kind       Kind
	Op         string
	Status     int
	RetryAfter time.Duration
	Err        error
}

func (e *Error) Error() string {
	var b strings.Builder
	b.WriteString("platform ")
	b.WriteString(e.Op)
	b.WriteString(": ")
	b.WriteString(e.Kind.String())
	if e.Status != 0 {
		fmt.Fprintf(&b, " (status %d)", e.Status)
	}
	if e.Err != nil {
		b.WriteString(": ")
		b.WriteString(e.Err.Error())
	}
	return b.String()
}

func (e *Error) Unwrap() error { return e.Err }

// KindOf returns the Kind of err. Errors not produced by this package are Transient.
func KindOf(err error) Kind {
	var pe *Error
	if errors.As(err, &pe) && pe.Kind != 0 {
		return pe.Kind
	}
	return Transient
}

// RetryAfterOf returns the server-requested delay carried by err, if any.
func RetryAfterOf(err error) time.Duration {
	var pe *Error
	if errors.As(err, &pe) {
		return pe.RetryAfter
	}
	return 0
}

func transportErr(op string, err error) *Error {
	return &Error{Kind: Transient, Op: op, Err: err}
}

// statusErr maps a non-2xx response to an Error. snippet is a short body excerpt.
func statusErr(op string, resp *http.Response, snippet string, kindFor func(int) Kind) *Error {
	e := &Error{Kind: kindFor(resp.StatusCode), Op: op, Status: resp.StatusCode}
	if snippet != "" {
		e.Err = errors.New(snippet)
	}
	if resp.StatusCode == http.StatusTooManyRequests || resp.StatusCode == http.StatusServiceUnavailable {
		e.RetryAfter = parseRetryAfter(resp.Header.Get("Retry-After"), time.Now())
	}
	return e
}

func identityKind(int) Kind { return AuthInvalid }

func uploadKind(status int) Kind {
	switch {
	case status == http.StatusTooManyRequests:
		return Transient
	case status >= 400 && status < 500:
		return Permanent
	default:
		return Transient
	}
}

func postKind(status int) Kind {
	switch status {
	case http.StatusBadRequest, http.StatusUnprocessableEntity:
		return Permanent
	case http.StatusUnauthorized, http.StatusForbidden:
		return AuthInvalid
	default:
		return Transient
	}
}

func transferKind(int) Kind { return Transient }

// parseRetryAfter accepts delta-seconds or an HTTP date.
func parseRetryAfter(v string, now time.Time) time.Duration {
	v = strings.TrimSpace(v)
	if v == "" {
		return 0
	}
	if secs, err := strconv.Atoi(v); err == nil {
		if secs < 0 {
			return 0
		}
		return time.Duration(secs) * time.Second
	}
	if t, err := http.ParseTime(v); err == nil {
		if d := t.Sub(now); d > 0 {
			return d
		}
	}
	return 0
}
