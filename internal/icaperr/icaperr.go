// Package icaperr defines the error taxonomy from the design's error
// handling section and the ICAP status code each kind maps to. The
// connection state machine is the single place that translates an
// error into bytes on the wire (§7: "centralized in the connection SM
// to guarantee exactly one response per request").
package icaperr

import "fmt"

// Kind identifies a class of failure independent of its Go error chain.
type Kind string

const (
	// Protocol-level framing and header errors.
	KindFraming        Kind = "framing"
	KindHeaderLimits   Kind = "header_limits"
	KindBadURI         Kind = "bad_uri"
	KindBadVersion     Kind = "bad_version"
	KindBadEncapsulated Kind = "bad_encapsulated"
	KindUnknownMethod  Kind = "unknown_method"

	// Service resolution errors.
	KindServiceNotFound     Kind = "service_not_found"
	KindMethodNotAllowed    Kind = "method_not_allowed"

	// Transaction-level errors.
	KindTimeout  Kind = "timeout"
	KindTooLarge Kind = "too_large"

	// Module errors.
	KindModuleInitFailed Kind = "module_init_failed"
	KindModuleTransient  Kind = "module_transient"
	KindModuleFatal      Kind = "module_fatal"

	// Scan errors.
	KindScanTimeout          Kind = "scan_timeout"
	KindScanEngineUnavailable Kind = "scan_engine_unavailable"

	KindInternal Kind = "internal"
)

// Error is a typed ICAP-domain error. Recoverable classifies the kind
// as one after which the connection could stay usable; internal/conn
// does not read it: it closes the connection after any error raised
// while decoding a request, and keeps it open after errors raised for
// a request that decoded.
type Error struct {
	Kind        Kind
	Recoverable bool
	Status      int
	Module      string // populated for ModuleError / ScanError when known
	Err         error
}

func (e *Error) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("icap: %s: %v", e.Kind, e.Err)
	}
	return fmt.Sprintf("icap: %s", e.Kind)
}

func (e *Error) Unwrap() error { return e.Err }

// statusFor is the single source of truth mapping a Kind to the ICAP
// status code the connection SM emits.
var statusFor = map[Kind]int{
	KindFraming:               400,
	KindHeaderLimits:          413,
	KindBadURI:                400,
	KindBadVersion:            505,
	KindBadEncapsulated:       400,
	KindUnknownMethod:         405,
	KindServiceNotFound:       404,
	KindMethodNotAllowed:      405,
	KindTimeout:               408,
	KindTooLarge:              413,
	KindModuleInitFailed:      500,
	KindModuleTransient:       503,
	KindModuleFatal:           500,
	KindScanTimeout:           503,
	KindScanEngineUnavailable: 503,
	KindInternal:              500,
}

// recoverableKinds are the kinds New marks Recoverable; every other
// kind is marked unrecoverable (§4.1, §7).
var recoverableKinds = map[Kind]bool{
	KindHeaderLimits:          true,
	KindBadURI:                true,
	KindBadVersion:            true,
	KindBadEncapsulated:       true,
	KindUnknownMethod:         true,
	KindServiceNotFound:       true,
	KindMethodNotAllowed:      true,
	KindTimeout:               true,
	KindTooLarge:              true,
	KindModuleTransient:       true,
	KindScanTimeout:           true,
	KindScanEngineUnavailable: true,
}

// New builds an *Error for kind, wrapping cause (which may be nil).
func New(kind Kind, cause error) *Error {
	status, ok := statusFor[kind]
	if !ok {
		status = 500
	}
	return &Error{
		Kind:        kind,
		Recoverable: recoverableKinds[kind],
		Status:      status,
		Err:         cause,
	}
}

// Newf builds an *Error with a formatted cause.
func Newf(kind Kind, format string, args ...interface{}) *Error {
	return New(kind, fmt.Errorf(format, args...))
}

// WithModule attaches the offending module name and returns e for chaining.
func (e *Error) WithModule(name string) *Error {
	e.Module = name
	return e
}

// StatusText returns the canonical reason phrase for an ICAP status code.
func StatusText(status int) string {
	switch status {
	case 100:
		return "Continue"
	case 200:
		return "OK"
	case 204:
		return "No Content"
	case 400:
		return "Bad Request"
	case 404:
		return "Not Found"
	case 405:
		return "Method Not Allowed"
	case 408:
		return "Request Timeout"
	case 413:
		return "Request Entity Too Large"
	case 500:
		return "Internal Server Error"
	case 501:
		return "Not Implemented"
	case 502:
		return "Bad Gateway"
	case 503:
		return "Service Unavailable"
	case 505:
		return "ICAP Version Not Supported"
	default:
		return "Unknown"
	}
}
