package proxy

import (
	"fmt"
	"net/http"
	"strings"
)

// ErrorKind is the internal error taxonomy surfaced uniformly at the HTTP
// boundary, independent of how any particular transport reports it.
type ErrorKind int

const (
	KindInternal ErrorKind = iota
	KindBadRequest
	KindNotFound
	KindNotImplemented
	KindBackendUnavailable
	KindCancelled
	KindCustom
)

// StatusCode returns the HTTP status this kind maps to.
func (k ErrorKind) StatusCode() int {
	switch k {
	case KindBadRequest:
		return http.StatusBadRequest
	case KindNotFound:
		return http.StatusNotFound
	case KindNotImplemented:
		return http.StatusNotImplemented
	case KindBackendUnavailable:
		return http.StatusServiceUnavailable
	case KindCancelled:
		return 499
	case KindInternal:
		return http.StatusInternalServerError
	default:
		return http.StatusInternalServerError
	}
}

// ProxyError is the error type every component in this proxy returns;
// it carries enough information to be written straight to an HTTP
// response without further translation.
type ProxyError struct {
	Kind       ErrorKind
	Message    string
	StatusCode int // only meaningful when Kind == KindCustom
}

func (e *ProxyError) Error() string {
	return e.Message
}

func newErr(kind ErrorKind, msg string) *ProxyError {
	return &ProxyError{Kind: kind, Message: msg}
}

func BadRequest(msg string) *ProxyError         { return newErr(KindBadRequest, msg) }
func NotFound(msg string) *ProxyError           { return newErr(KindNotFound, msg) }
func NotImplemented(msg string) *ProxyError     { return newErr(KindNotImplemented, msg) }
func BackendUnavailable(msg string) *ProxyError { return newErr(KindBackendUnavailable, msg) }
func Cancelled() *ProxyError                    { return newErr(KindCancelled, "request cancelled by client") }
func Internal(msg string) *ProxyError           { return newErr(KindInternal, msg) }

func BadRequestf(format string, a ...any) *ProxyError { return BadRequest(fmt.Sprintf(format, a...)) }
func NotFoundf(format string, a ...any) *ProxyError   { return NotFound(fmt.Sprintf(format, a...)) }
func Internalf(format string, a ...any) *ProxyError   { return Internal(fmt.Sprintf(format, a...)) }

// Custom builds a ProxyError carrying an arbitrary HTTP status, for the
// handful of HTTP-level rejections (405, 413, 415) that don't fit the
// taxonomy above.
func Custom(status int, msg string) *ProxyError {
	return &ProxyError{Kind: KindCustom, Message: msg, StatusCode: status}
}

// HTTPStatus returns the status code this error should be written with.
func (e *ProxyError) HTTPStatus() int {
	if e.Kind == KindCustom {
		return e.StatusCode
	}
	return e.Kind.StatusCode()
}

func IsCancelled(err error) bool {
	pe, ok := err.(*ProxyError)
	return ok && pe.Kind == KindCancelled
}

func IsBackendUnavailable(err error) bool {
	pe, ok := err.(*ProxyError)
	return ok && pe.Kind == KindBackendUnavailable
}

// loadingIndicators are substrings whose presence anywhere in an error
// message means "the backend has not finished loading the model yet".
var loadingIndicators = []string{
	"loading model", "model loading", "model is loading", "loading the model",
	"model not loaded", "not loaded", "model unavailable", "model not available",
	"model not found", "no model", "invalid model", "unknown model",
	"failed to load", "loading failed", "model error", "is not embedding",
	"model initialization", "initializing model", "warming up model",
	"model startup", "preparing model", "model not ready",
}

var negativeTokens = []string{"no", "not", "missing", "invalid", "unknown", "failed", "unavailable", "unreachable"}
var modelRefTokens = []string{"model", "load", "available", "ready", "initialize"}

var transportFailureHints = []string{
	"service unavailable", "server error", "internal error", "timeout",
	"connection", "503", "500",
}

// IsModelLoadingError classifies a backend error message as "the model is
// still loading" (worth one automated trigger+retry) versus anything else.
func IsModelLoadingError(message string) bool {
	lower := strings.ToLower(message)

	for _, phrase := range loadingIndicators {
		if strings.Contains(lower, phrase) {
			return true
		}
	}

	hasNegative := false
	for _, tok := range negativeTokens {
		if strings.Contains(lower, tok) {
			hasNegative = true
			break
		}
	}
	if hasNegative {
		for _, tok := range modelRefTokens {
			if strings.Contains(lower, tok) {
				return true
			}
		}
	}

	for _, hint := range transportFailureHints {
		if strings.Contains(lower, hint) {
			return true
		}
	}

	return false
}
