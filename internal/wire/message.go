// Package wire implements the ICAP/1.0 wire-protocol codec (RFC 3507):
// request/response lines, headers, the Encapsulated offset list, and
// chunked bodies with preview framing. It is a pure decode/encode
// layer — it never dials sockets itself; internal/conn drives it over
// a connection's bufio.Reader/Writer.
package wire

import (
	"strings"

	"github.com/tokenshield/icapd/internal/icaperr"
)

// Method is one of the three ICAP methods this server implements.
type Method string

const (
	REQMOD  Method = "REQMOD"
	RESPMOD Method = "RESPMOD"
	OPTIONS Method = "OPTIONS"
)

// ParseMethod validates token against the known ICAP methods.
func ParseMethod(token string) (Method, *icaperr.Error) {
	switch Method(token) {
	case REQMOD, RESPMOD, OPTIONS:
		return Method(token), nil
	default:
		return "", icaperr.Newf(icaperr.KindUnknownMethod, "unknown ICAP method %q", token)
	}
}

// SectionName identifies a region of the encapsulated payload.
type SectionName string

const (
	SectionReqHdr   SectionName = "req-hdr"
	SectionReqBody  SectionName = "req-body"
	SectionResHdr   SectionName = "res-hdr"
	SectionResBody  SectionName = "res-body"
	SectionOptBody  SectionName = "opt-body"
	SectionNullBody SectionName = "null-body"
)

func (s SectionName) isBody() bool {
	switch s {
	case SectionReqBody, SectionResBody, SectionOptBody, SectionNullBody:
		return true
	default:
		return false
	}
}

// EncapsulatedSection is a single (name, offset) pair from the
// Encapsulated header, in the order they appeared on the wire.
type EncapsulatedSection struct {
	Name   SectionName
	Offset int
}

// Body is the encapsulated HTTP body carried by a request or response.
// Per the data model it is either absent, fully buffered, or a preview
// prefix with the remainder still to be read from the connection.
type Body struct {
	Present bool
	Data    []byte // preview prefix, or the whole body if Complete
	Complete bool  // true once Data holds the entire body
	// PreviewRequested is the N from "Preview: N" on the request, or
	// -1 if the client did not send Preview.
	PreviewRequested int
}

// NeedsMore reports whether the pipeline may ask the connection SM to
// read the remainder of the body (preview active, not yet complete).
func (b *Body) NeedsMore() bool {
	return b.Present && !b.Complete && b.PreviewRequested >= 0
}

// Request is a decoded ICAP request with its encapsulated HTTP head(s)
// and body.
type Request struct {
	Method     Method
	RawURI     string
	Header     *Header
	Version    string

	Sections []EncapsulatedSection

	// HTTPRequestHead / HTTPResponseHead hold the raw start-line+headers
	// bytes of the encapsulated HTTP message(s), terminated by the
	// blank line. REQMOD carries only HTTPRequestHead; RESPMOD may
	// carry both (the originating request plus the response being
	// adapted).
	HTTPRequestHead  []byte
	HTTPResponseHead []byte

	Body Body

	RemoteAddr string

	// TxnID is a server-assigned identifier for correlating this
	// transaction's audit record, logs, and any X-Transaction-ID debug
	// header across a multi-module pipeline run.
	TxnID string
}

// Allow204 reports whether the client advertised it will accept a
// bodiless 204 verdict (§4.5 invariant 6).
func (r *Request) Allow204() bool {
	for _, v := range r.Header.Values("Allow") {
		for _, token := range strings.Split(v, ",") {
			if strings.TrimSpace(token) == "204" {
				return true
			}
		}
	}
	return false
}

// Response is an ICAP response ready to encode, or just decoded (the
// codec is used symmetrically by the connection SM and by tests that
// round-trip messages).
type Response struct {
	Status int
	Reason string
	Header *Header

	HTTPRequestHead  []byte
	HTTPResponseHead []byte
	Body             []byte
}

// NewResponse creates a Response with a fresh Header and the canonical
// reason phrase for status.
func NewResponse(status int) *Response {
	return &Response{Status: status, Reason: icaperr.StatusText(status), Header: NewHeader()}
}
