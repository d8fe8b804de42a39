// Package conn implements the per-connection state machine (§4.6):
// decode one ICAP request at a time off a persistent TCP connection,
// run it through the matched service's pipeline, handle the preview
// continuation round-trip, and encode the response — repeating for as
// many pipelined requests as the client sends until it closes or an
// error while decoding a request forces the connection down.
package conn

import (
	"bufio"
	"context"
	"errors"
	"io"
	"net"
	"strings"
	"time"

	"github.com/google/uuid"

	"github.com/tokenshield/icapd/internal/audit"
	"github.com/tokenshield/icapd/internal/icaperr"
	"github.com/tokenshield/icapd/internal/logging"
	"github.com/tokenshield/icapd/internal/metrics"
	"github.com/tokenshield/icapd/internal/module"
	"github.com/tokenshield/icapd/internal/pipeline"
	"github.com/tokenshield/icapd/internal/registry"
	"github.com/tokenshield/icapd/internal/wire"
)

// Handler serves a single persistent connection against a registry and
// pipeline shared by the whole listener.
type Handler struct {
	Registry       *registry.Registry
	Pipeline       *pipeline.Pipeline
	Log            *logging.Logger
	Metrics        *metrics.Metrics
	Audit          *audit.Sink
	IdleTimeout    time.Duration // bounds waiting for the next request's first bytes
	ReadTimeout    time.Duration // bounds reading the rest of an in-progress request
	WriteTimeout   time.Duration // bounds writing the response
	DefaultPreview int
}

// Serve drives the state machine for conn until the client disconnects
// or ctx is cancelled (graceful drain, §4.7).
func (h *Handler) Serve(ctx context.Context, nc net.Conn) {
	defer nc.Close()
	remote := nc.RemoteAddr().String()
	br := bufio.NewReader(nc)
	bw := bufio.NewWriter(nc)

	for {
		select {
		case <-ctx.Done():
			return
		default:
		}

		if h.IdleTimeout > 0 {
			nc.SetReadDeadline(time.Now().Add(h.IdleTimeout))
		}

		parseStart := time.Now()
		req, derr := wire.DecodeRequest(br)
		parseElapsed := time.Since(parseStart)
		if derr != nil {
			if isConnectionClosed(derr) {
				return
			}
			h.writeError(bw, derr)
			return
		}
		req.RemoteAddr = remote
		req.TxnID = uuid.NewString()

		if h.ReadTimeout > 0 {
			nc.SetReadDeadline(time.Now().Add(h.ReadTimeout))
		}
		if h.WriteTimeout > 0 {
			nc.SetWriteDeadline(time.Now().Add(h.WriteTimeout))
		}

		if !h.handleOne(ctx, br, bw, req, parseElapsed) {
			return
		}
	}
}

func isConnectionClosed(err *icaperr.Error) bool {
	if err == nil || err.Err == nil {
		return false
	}
	return errors.Is(err.Err, io.EOF) || errors.Is(err.Err, io.ErrUnexpectedEOF) || errors.Is(err.Err, net.ErrClosed)
}

// handleOne processes a single decoded request, returning false when
// the connection must close afterward (Connection: close, or a failure
// sending 100 Continue or reading the rest of a previewed body). Error
// responses written for a decoded request (404, 405, module errors)
// leave the connection open. parseElapsed is the time
// DecodeRequest took for this request, folded into the "parse" and
// "total" stage metrics (§4.8).
func (h *Handler) handleOne(ctx context.Context, br *bufio.Reader, bw *bufio.Writer, req *wire.Request, parseElapsed time.Duration) bool {
	start := time.Now()
	if h.Log != nil {
		h.Log.Debugf("txn %s: %s %s from %s", req.TxnID, req.Method, req.RawURI, req.RemoteAddr)
	}
	if h.Metrics != nil {
		h.Metrics.InFlightInc()
	}
	defer func() {
		if h.Metrics != nil {
			h.Metrics.InFlightDec()
			h.Metrics.ObserveStage(string(req.Method), "parse", parseElapsed)
			h.Metrics.ObserveStage(string(req.Method), "total", parseElapsed+time.Since(start))
		}
	}()

	serviceName := serviceNameFromURI(req.RawURI)
	svc, ok := h.Registry.Lookup(serviceName)
	if !ok {
		h.writeError(bw, icaperr.Newf(icaperr.KindServiceNotFound, "unknown service %q", serviceName))
		return !wantsClose(req)
	}

	if req.Method == wire.OPTIONS {
		h.writeOptions(bw, svc)
		return !wantsClose(req)
	}

	if !serviceAllows(svc, req.Method) {
		h.writeError(bw, icaperr.Newf(icaperr.KindMethodNotAllowed, "service %q does not support %s", serviceName, req.Method))
		return !wantsClose(req)
	}

	pipelineStart := time.Now()
	outcome := h.Pipeline.Run(ctx, svc, req.Method, req)

	if outcome.Verdict.Kind == module.NeedMoreBody {
		if !h.continuePreview(br, bw, req) {
			return false
		}
		outcome = h.Pipeline.Resume(ctx, svc, req.Method, req, outcome.ModuleName)
	}
	if h.Metrics != nil {
		h.Metrics.ObserveStage(string(req.Method), "pipeline", time.Since(pipelineStart))
	}

	if h.Audit != nil {
		h.Audit.Record(audit.Record{
			TxnID:      req.TxnID,
			Time:       time.Now(),
			RemoteAddr: req.RemoteAddr,
			Method:     string(req.Method),
			Service:    serviceName,
			Verdict:    outcomeLabel(outcome.Verdict.Kind),
			Reason:     outcome.Verdict.BlockReason,
			Module:     outcome.ModuleName,
			Elapsed:    outcome.Elapsed,
		})
	}
	if h.Metrics != nil {
		h.Metrics.ObserveVerdict(serviceName, outcomeLabel(outcome.Verdict.Kind))
	}

	encodeStart := time.Now()
	h.writeOutcome(bw, svc, req, outcome)
	if h.Metrics != nil {
		h.Metrics.ObserveStage(string(req.Method), "encode", time.Since(encodeStart))
	}
	return !wantsClose(req)
}

// continuePreview sends 100 Continue and reads the remainder of the
// body (§4.1 preview continuation). Returns false if the read fails,
// in which case the connection must close.
func (h *Handler) continuePreview(br *bufio.Reader, bw *bufio.Writer, req *wire.Request) bool {
	if _, err := io.WriteString(bw, "ICAP/1.0 100 Continue\r\n\r\n"); err != nil {
		return false
	}
	if err := bw.Flush(); err != nil {
		return false
	}
	if err := wire.ContinueBody(br, req); err != nil {
		h.writeError(bw, err)
		return false
	}
	return true
}

func serviceNameFromURI(rawURI string) string {
	authority := strings.TrimPrefix(rawURI, "icap://")
	slash := strings.IndexByte(authority, '/')
	if slash < 0 {
		return ""
	}
	name := authority[slash+1:]
	if q := strings.IndexByte(name, '?'); q >= 0 {
		name = name[:q]
	}
	return name
}

func serviceAllows(svc *registry.Service, method wire.Method) bool {
	for _, mod := range svc.Modules {
		for _, m := range mod.Methods() {
			if m == method {
				return true
			}
		}
	}
	return false
}

func wantsClose(req *wire.Request) bool {
	return strings.EqualFold(req.Header.Get("Connection"), "close")
}

func outcomeLabel(kind module.VerdictKind) string {
	switch kind {
	case module.Block:
		return "block"
	case module.Modify:
		return "modify"
	case module.Err:
		return "error"
	default:
		return "continue"
	}
}
