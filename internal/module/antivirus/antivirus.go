// Package antivirus implements the antivirus module (§4.3): every
// REQMOD/RESPMOD body is scanned against the configured YARA rule set,
// with a match quarantining the payload and producing a Block verdict
// carrying an X-Infection-Found-style reason, matching the header
// convention the clamav-exporter reference client parses back out of
// real ICAP AV gateways.
package antivirus

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"net/http"
	"sync"
	"time"

	"github.com/tokenshield/icapd/internal/icaperr"
	"github.com/tokenshield/icapd/internal/logging"
	"github.com/tokenshield/icapd/internal/metrics"
	"github.com/tokenshield/icapd/internal/module"
	"github.com/tokenshield/icapd/internal/scanengine"
	"github.com/tokenshield/icapd/internal/wire"
)

// FailPolicy decides what happens to a transaction when the scan
// engine itself is unavailable or times out (§9 Open Question:
// resolved here as an explicit, operator-set policy rather than a
// hardcoded choice).
type FailPolicy string

const (
	// FailClosed blocks the transaction when scanning cannot complete.
	// This is the module's default: an AV gateway that silently lets
	// unscanned content through on engine failure defeats its purpose.
	FailClosed FailPolicy = "fail_closed"
	// FailOpen continues the transaction unscanned when scanning cannot
	// complete, trading detection coverage for availability.
	FailOpen FailPolicy = "fail_open"
)

// Config is the antivirus module's configuration surface (§6).
type Config struct {
	RulesPath      string
	ScanTimeout    time.Duration
	FailPolicy     FailPolicy
	QuarantineKey  string // base64 Fernet key
	QuarantineDir  string // base dir for <hash>.bin/<hash>.meta; "" runs memory-only
	QuarantineDSN  string // optional MySQL DSN for the metadata index; empty disables it
	MaxScanBytes   int64
	Metrics        *metrics.Metrics // optional; nil disables rule-match/quarantine-size export
}

// Antivirus is the Module implementation.
type Antivirus struct {
	log *logging.Logger

	engine      *scanengine.Engine
	quarantine  *scanengine.Store
	policy      FailPolicy
	maxBytes    int64
	promMetrics *metrics.Metrics

	mu      sync.RWMutex
	health  module.HealthSnapshot
	metrics module.Metrics
}

// New creates an uninitialized antivirus module.
func New(log *logging.Logger) *Antivirus {
	return &Antivirus{
		log:    log.With("antivirus"),
		health: module.HealthSnapshot{State: module.Uninitialized, CheckedAt: time.Now()},
	}
}

func (a *Antivirus) Name() string           { return "antivirus" }
func (a *Antivirus) Version() string        { return "1.0.0" }
func (a *Antivirus) Methods() []wire.Method { return []wire.Method{wire.REQMOD, wire.RESPMOD, wire.OPTIONS} }

func (a *Antivirus) Init(raw interface{}) error {
	cfg, ok := raw.(Config)
	if !ok {
		if p, ok2 := raw.(*Config); ok2 {
			cfg = *p
		} else {
			return fmt.Errorf("antivirus: unexpected config type %T", raw)
		}
	}
	if cfg.FailPolicy == "" {
		cfg.FailPolicy = FailClosed
	}
	if cfg.QuarantineKey == "" {
		// Mirrors the teacher's unified-tokenizer dev-key fallback: generate
		// a Fernet key rather than refuse to start, but make it loud, since
		// a restart invalidates every previously-quarantined payload.
		key, err := scanengine.GenerateQuarantineKey()
		if err != nil {
			return fmt.Errorf("antivirus: generating fallback quarantine key: %w", err)
		}
		a.log.Warnf("no quarantine_key configured, generated an ephemeral one; quarantined payloads will not decrypt across restarts")
		cfg.QuarantineKey = key
	}

	engine := scanengine.NewEngine(cfg.RulesPath, cfg.ScanTimeout)
	if err := engine.Open(); err != nil {
		a.mu.Lock()
		a.health = module.HealthSnapshot{State: module.Failed, Message: err.Error(), CheckedAt: time.Now()}
		a.mu.Unlock()
		return fmt.Errorf("antivirus: %w", err)
	}

	var pool *sql.DB
	if cfg.QuarantineDSN != "" {
		d, err := scanengine.OpenMySQLIndex(cfg.QuarantineDSN)
		if err != nil {
			a.log.Warnf("quarantine metadata index unavailable, continuing with in-memory index only: %v", err)
		} else {
			pool = d
		}
	}
	quarantine, err := scanengine.NewStore(a.log, cfg.QuarantineKey, cfg.QuarantineDir, pool)
	if err != nil {
		a.mu.Lock()
		a.health = module.HealthSnapshot{State: module.Failed, Message: err.Error(), CheckedAt: time.Now()}
		a.mu.Unlock()
		return fmt.Errorf("antivirus: %w", err)
	}

	a.mu.Lock()
	a.engine = engine
	a.quarantine = quarantine
	a.policy = cfg.FailPolicy
	a.maxBytes = cfg.MaxScanBytes
	a.promMetrics = cfg.Metrics
	a.health = module.HealthSnapshot{State: module.Ready, CheckedAt: time.Now()}
	a.mu.Unlock()
	return nil
}

func (a *Antivirus) HandleOPTIONS(ctx context.Context, req *wire.Request) module.Verdict {
	return module.ContinueVerdict()
}

func (a *Antivirus) HandleREQMOD(ctx context.Context, req *wire.Request) module.Verdict {
	return a.scanBody(ctx, req, "REQMOD")
}

func (a *Antivirus) HandleRESPMOD(ctx context.Context, req *wire.Request) module.Verdict {
	return a.scanBody(ctx, req, "RESPMOD")
}

func (a *Antivirus) scanBody(ctx context.Context, req *wire.Request, method string) module.Verdict {
	if !req.Body.Present || len(req.Body.Data) == 0 {
		return a.record(module.ContinueVerdict())
	}
	if a.maxBytes > 0 && int64(len(req.Body.Data)) > a.maxBytes {
		// Oversized bodies are out of scope for scanning; the
		// content-filter module's size policy is the gate for these.
		return a.record(module.ContinueVerdict())
	}

	a.mu.RLock()
	engine := a.engine
	policy := a.policy
	a.mu.RUnlock()

	if engine.Degraded() {
		a.setDegraded("yara engine has no usable rule set loaded")
		// Degraded, unlike Failed, is expected to clear on the next
		// successful Reload, so this is the transient module kind (503,
		// Retry-After) rather than the fatal one (500) (§7:
		// ModuleError.transient).
		return a.record(module.ErrorVerdict(icaperr.New(icaperr.KindModuleTransient, fmt.Errorf("antivirus: scan engine degraded")).WithModule(a.Name())))
	}
	a.clearDegraded()

	result, err := engine.Scan(ctx, req.Body.Data)
	if err != nil {
		a.log.Errorf("scan failed: %v", err)
		if policy == FailOpen {
			return a.record(module.ContinueVerdict())
		}
		kind := icaperr.KindScanEngineUnavailable
		if errors.Is(err, scanengine.ErrScanTimeout) {
			kind = icaperr.KindScanTimeout
		}
		return a.record(module.ErrorVerdict(icaperr.New(kind, err).WithModule(a.Name())))
	}
	if !result.Matched {
		return a.record(module.ContinueVerdict())
	}

	rule := result.Matches[0].Rule
	if a.promMetrics != nil {
		a.promMetrics.RuleMatch(rule)
	}
	host := req.Header.Get("Host")
	entry, qerr := a.quarantine.Put(ctx, req.Body.Data, rule, host, method)
	if qerr != nil {
		a.log.Errorf("failed to quarantine matched payload for rule %s: %v", rule, qerr)
	} else if a.promMetrics != nil {
		a.promMetrics.SetQuarantineSize(a.quarantine.Count())
	}

	reason := fmt.Sprintf("threat detected: %s", rule)
	blockHeaders := map[string]string{
		"X-Infection-Found": fmt.Sprintf("Type=0; Resolution=2; Threat=%s;", rule),
		"Content-Type":      "text/plain; charset=utf-8",
	}
	if entry != nil {
		blockHeaders["X-Quarantine-Id"] = entry.ID
	}

	return a.record(module.Verdict{
		Kind:             module.Block,
		BlockReason:      reason,
		BlockHTTPStatus:  http.StatusForbidden,
		BlockHTTPBody:    []byte(reason + "\n"),
		BlockHTTPHeaders: blockHeaders,
	})
}

func (a *Antivirus) record(v module.Verdict) module.Verdict {
	a.metrics.Record(v)
	return v
}

// setDegraded marks the module Degraded so the pipeline routes
// subsequent transactions around it until a later Reload recompiles a
// usable rule set (§4.2, §7).
func (a *Antivirus) setDegraded(message string) {
	a.mu.Lock()
	if a.health.State != module.Degraded {
		a.log.Warnf("antivirus module degraded: %s", message)
	}
	a.health = module.HealthSnapshot{State: module.Degraded, Message: message, CheckedAt: time.Now()}
	a.mu.Unlock()
}

// clearDegraded restores Ready health once the engine has a usable rule
// set again, e.g. after an operator fixes and reloads the rule source.
func (a *Antivirus) clearDegraded() {
	a.mu.Lock()
	if a.health.State == module.Degraded {
		a.health = module.HealthSnapshot{State: module.Ready, CheckedAt: time.Now()}
	}
	a.mu.Unlock()
}

func (a *Antivirus) Health() module.HealthSnapshot {
	a.mu.RLock()
	defer a.mu.RUnlock()
	return a.health
}

func (a *Antivirus) Metrics() module.Metrics { return a.metrics.Snapshot() }

// RuleSetVersion satisfies registry.RuleSetVersioned so a YARA rule
// reload is reflected in the service ISTag (§4.4) even though the
// module's own Name()/Version() never change.
func (a *Antivirus) RuleSetVersion() string {
	a.mu.RLock()
	engine := a.engine
	a.mu.RUnlock()
	if engine == nil {
		return ""
	}
	return engine.RuleSetVersion()
}

func (a *Antivirus) Shutdown() error { return nil }

var _ module.Module = (*Antivirus)(nil)
