package conn

import (
	"bufio"
	"fmt"

	"github.com/tokenshield/icapd/internal/icaperr"
	"github.com/tokenshield/icapd/internal/module"
	"github.com/tokenshield/icapd/internal/pipeline"
	"github.com/tokenshield/icapd/internal/registry"
	"github.com/tokenshield/icapd/internal/wire"
)

func (h *Handler) writeError(bw *bufio.Writer, err *icaperr.Error) {
	h.Log.Warnf("request error: %v", err)
	resp := wire.NewResponse(err.Status)
	resp.Header.Set("ISTag", h.Registry.ISTag())
	resp.Header.Set("Connection", "close")
	// Retry-After applies to the transient 503-class kinds (§7:
	// ModuleError.transient, ScanError.timeout) that the caller has a
	// real chance of succeeding at on a later attempt — not the 408/413
	// kinds, which won't resolve themselves by waiting.
	if err.Kind == icaperr.KindScanTimeout || err.Kind == icaperr.KindModuleTransient {
		resp.Header.Set("Retry-After", "5")
	}
	if werr := wire.EncodeResponse(bw, resp); werr != nil {
		h.Log.Errorf("failed to write error response: %v", werr)
		return
	}
	bw.Flush()
}

func (h *Handler) writeOptions(bw *bufio.Writer, svc *registry.Service) {
	resp := wire.NewResponse(200)
	resp.Header.Set("ISTag", h.Registry.ISTag())
	resp.Header.Set("Methods", optionsMethods(svc))
	resp.Header.Set("Allow", "204")
	resp.Header.Set("Preview", fmt.Sprintf("%d", previewFor(svc, h.DefaultPreview)))
	resp.Header.Set("Options-TTL", fmt.Sprintf("%d", optionsTTLFor(svc)))
	if svc.MaxConns > 0 {
		resp.Header.Set("Max-Connections", fmt.Sprintf("%d", svc.MaxConns))
	}
	resp.Header.Set("Service", "icapd/"+svc.Name)

	if werr := wire.EncodeResponse(bw, resp); werr != nil {
		h.Log.Errorf("failed to write OPTIONS response: %v", werr)
		return
	}
	bw.Flush()
}

// writeOutcome translates a pipeline Outcome into the ICAP response
// wire form (§4.5 verdict → response mapping).
func (h *Handler) writeOutcome(bw *bufio.Writer, svc *registry.Service, req *wire.Request, outcome pipeline.Outcome) {
	var resp *wire.Response

	switch outcome.Verdict.Kind {
	case module.Err:
		h.writeError(bw, outcome.Verdict.Error)
		return

	case module.Block:
		resp = wire.NewResponse(200)
		resp.HTTPResponseHead = buildBlockHead(outcome.Verdict)
		resp.Body = outcome.Verdict.BlockHTTPBody
		if outcome.Verdict.BlockReason != "" {
			resp.Header.Set("X-Block-Reason", outcome.Verdict.BlockReason)
		}

	case module.Modify:
		resp = wire.NewResponse(200)
		switch req.Method {
		case wire.RESPMOD:
			resp.HTTPRequestHead = req.HTTPRequestHead
			resp.HTTPResponseHead = req.HTTPResponseHead
		default:
			resp.HTTPRequestHead = req.HTTPRequestHead
		}
		resp.Body = req.Body.Data

	default: // Continue
		if req.Allow204() {
			resp = wire.NewResponse(204)
		} else {
			resp = wire.NewResponse(200)
			switch req.Method {
			case wire.RESPMOD:
				resp.HTTPRequestHead = req.HTTPRequestHead
				resp.HTTPResponseHead = req.HTTPResponseHead
			default:
				resp.HTTPRequestHead = req.HTTPRequestHead
			}
			resp.Body = req.Body.Data
		}
	}

	resp.Header.Set("ISTag", h.Registry.ISTag())
	if wantsClose(req) {
		resp.Header.Set("Connection", "close")
	}

	if werr := wire.EncodeResponse(bw, resp); werr != nil {
		h.Log.Errorf("failed to write response: %v", werr)
		return
	}
	bw.Flush()
}

// buildBlockHead synthesizes a minimal HTTP response head for a block
// verdict (status line plus whatever headers the module supplied).
func buildBlockHead(v module.Verdict) []byte {
	status := v.BlockHTTPStatus
	if status == 0 {
		status = 403
	}
	head := fmt.Sprintf("HTTP/1.1 %d %s\r\n", status, icaperr.StatusText(status))
	for name, value := range v.BlockHTTPHeaders {
		head += fmt.Sprintf("%s: %s\r\n", name, value)
	}
	head += fmt.Sprintf("Content-Length: %d\r\n\r\n", len(v.BlockHTTPBody))
	return []byte(head)
}

func optionsMethods(svc *registry.Service) string {
	seen := map[wire.Method]bool{}
	var methods []string
	for _, mod := range svc.Modules {
		for _, m := range mod.Methods() {
			if m == wire.OPTIONS || seen[m] {
				continue
			}
			seen[m] = true
			methods = append(methods, string(m))
		}
	}
	if len(methods) == 0 {
		return string(wire.REQMOD)
	}
	out := methods[0]
	for _, m := range methods[1:] {
		out += ", " + m
	}
	return out
}

func previewFor(svc *registry.Service, def int) int {
	if svc.Preview > 0 {
		return svc.Preview
	}
	return def
}

func optionsTTLFor(svc *registry.Service) int {
	if svc.OptionsTTL > 0 {
		return svc.OptionsTTL
	}
	return 3600
}
