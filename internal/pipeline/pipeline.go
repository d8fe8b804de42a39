// Package pipeline implements ordered module execution for a single
// transaction (§4.5): modules run in registration order, the first
// Block or Err verdict short-circuits the rest, and a per-transaction
// timeout bounds the whole run regardless of how many modules are
// configured.
package pipeline

import (
	"context"
	"time"

	"github.com/tokenshield/icapd/internal/icaperr"
	"github.com/tokenshield/icapd/internal/module"
	"github.com/tokenshield/icapd/internal/registry"
	"github.com/tokenshield/icapd/internal/wire"
)

// Outcome is the pipeline's aggregated decision for a transaction.
type Outcome struct {
	Verdict     module.Verdict
	ModuleName  string // which module produced the terminal verdict, if any
	Elapsed     time.Duration
}

// Pipeline runs a service's modules against one request.
type Pipeline struct {
	timeout time.Duration
}

// New creates a pipeline bounding every run to timeout.
func New(timeout time.Duration) *Pipeline {
	if timeout <= 0 {
		timeout = 30 * time.Second
	}
	return &Pipeline{timeout: timeout}
}

// Run dispatches req to svc's modules in order for method, stopping at
// the first Block or Err verdict. A Modify verdict updates req in
// place so the next module sees the modified content (§4.5 step 4). A
// NeedMoreBody verdict is returned immediately to the caller, which is
// expected to fetch more body and call Resume to re-enter at that module.
func (p *Pipeline) Run(ctx context.Context, svc *registry.Service, method wire.Method, req *wire.Request) Outcome {
	return p.run(ctx, svc, method, req, 0)
}

// Resume re-enters the pipeline at fromModule, the module that
// previously returned NeedMoreBody, now that its body has been
// completed (§4.5 step 5). Modules before fromModule are not re-run.
func (p *Pipeline) Resume(ctx context.Context, svc *registry.Service, method wire.Method, req *wire.Request, fromModule string) Outcome {
	start := 0
	for i, mod := range svc.Modules {
		if mod.Name() == fromModule {
			start = i
			break
		}
	}
	return p.run(ctx, svc, method, req, start)
}

func (p *Pipeline) run(ctx context.Context, svc *registry.Service, method wire.Method, req *wire.Request, fromIndex int) Outcome {
	start := time.Now()
	ctx, cancel := context.WithTimeout(ctx, p.timeout)
	defer cancel()

	for _, mod := range svc.Modules[fromIndex:] {
		if !allows(mod, method) {
			continue
		}
		// A module a fatal failure left Degraded is routed around rather
		// than invoked again on every subsequent transaction (§7:
		// "routes subsequent transactions around it per policy").
		if mod.Health().State == module.Degraded {
			continue
		}

		select {
		case <-ctx.Done():
			return Outcome{
				Verdict:    module.ErrorVerdict(icaperr.New(icaperr.KindTimeout, ctx.Err())),
				ModuleName: mod.Name(),
				Elapsed:    time.Since(start),
			}
		default:
		}

		verdict := invoke(ctx, mod, method, req)

		switch verdict.Kind {
		case module.Continue:
			continue
		case module.Modify:
			applyModify(req, verdict)
			continue
		default: // Block, Err, NeedMoreBody all stop the pipeline here
			return Outcome{Verdict: verdict, ModuleName: mod.Name(), Elapsed: time.Since(start)}
		}
	}

	return Outcome{Verdict: module.ContinueVerdict(), Elapsed: time.Since(start)}
}

func allows(mod module.Module, method wire.Method) bool {
	for _, m := range mod.Methods() {
		if m == method {
			return true
		}
	}
	return false
}

func invoke(ctx context.Context, mod module.Module, method wire.Method, req *wire.Request) module.Verdict {
	switch method {
	case wire.REQMOD:
		return mod.HandleREQMOD(ctx, req)
	case wire.RESPMOD:
		return mod.HandleRESPMOD(ctx, req)
	case wire.OPTIONS:
		return mod.HandleOPTIONS(ctx, req)
	default:
		return module.ErrorVerdict(icaperr.Newf(icaperr.KindUnknownMethod, "pipeline: unknown method %v", method))
	}
}

func applyModify(req *wire.Request, v module.Verdict) {
	if v.NewHTTPRequestHead != nil {
		req.HTTPRequestHead = v.NewHTTPRequestHead
	}
	if v.NewHTTPResponseHead != nil {
		req.HTTPResponseHead = v.NewHTTPResponseHead
	}
	if v.NewBody != nil {
		req.Body.Data = v.NewBody
	}
}
