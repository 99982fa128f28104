// Package fetch performs the outbound HTTP requests issued by guest programs
// and memoises their responses by request fingerprint.
package fetch

import (
	"errors"
	"fmt"
	"net/http"
	"strings"

	"github.com/fluxprotocol/oraclevm/pkg/canonicalize"
)

// Request is the normalised form of a guest fetch.
type Request struct {
	Method  string            `json:"method"`
	URL     string            `json:"url"`
	Headers map[string]string `json:"headers"`
	Body    string            `json:"body"`
}

// Normalize returns a copy with the method upper-cased (GET when empty) and
// header names in canonical MIME form. Two requests that normalise to the same
// value are the same network request.
func (r Request) Normalize() Request {
	out := Request{
		Method:  strings.ToUpper(strings.TrimSpace(r.Method)),
		URL:     r.URL,
		Headers: make(map[string]string, len(r.Headers)),
		Body:    r.Body,
	}
	if out.Method == "" {
		out.Method = http.MethodGet
	}
	for k, v := range r.Headers {
		out.Headers[http.CanonicalHeaderKey(k)] = v
	}
	return out
}

// Fingerprint identifies a request in the cache:
// "sha256:" + hex(sha256(JCS(normalised request))).
func Fingerprint(r Request) (string, error) {
	d, err := canonicalize.Digest(r.Normalize())
	if err != nil {
		return "", fmt.Errorf("fingerprint: %w", err)
	}
	return d, nil
}

// Response is what the cache stores: the status code and the raw body.
// Responses are shared between callers and must not be modified.
type Response struct {
	Status int    `json:"status"`
	Body   []byte `json:"body"`
}

// Fetch failure codes.
const (
	ErrCodeBadRequest  = "FETCH_BAD_REQUEST"
	ErrCodeDenied      = "FETCH_DENIED"
	ErrCodeNetwork     = "FETCH_NETWORK"
	ErrCodeStatus      = "FETCH_STATUS"
	ErrCodeTooLarge    = "FETCH_TOO_LARGE"
	ErrCodeBreakerOpen = "FETCH_BREAKER_OPEN"
)

// ErrFetchFailed is matched by every *FetchError through errors.Is.
var ErrFetchFailed = errors.New("fetch failed")

// FetchError is a recoverable fetch failure. It is reported to the guest,
// never cached, and never aborts an execution by itself.
type FetchError struct {
	Code   string
	URL    string
	Status int
	Err    error
}

func (e *FetchError) Error() string {
	msg := fmt.Sprintf("[%s] %s", e.Code, e.URL)
	if e.Status != 0 {
		msg += fmt.Sprintf(": status %d", e.Status)
	}
	if e.Err != nil {
		msg += ": " + e.Err.Error()
	}
	return msg
}

func (e *FetchError) Unwrap() error { return e.Err }

func (e *FetchError) Is(target error) bool { return target == ErrFetchFailed }
