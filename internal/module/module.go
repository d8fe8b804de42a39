// Package module defines the small capability contract every
// content-adaptation module implements (§4.3, design note "module
// polymorphism is expressed as a small capability interface, not
// inheritance"). contentfilter and antivirus are the two concrete
// implementations; dispatch by the pipeline is by registered name.
package module

import (
	"context"
	"sync/atomic"
	"time"

	"github.com/tokenshield/icapd/internal/icaperr"
	"github.com/tokenshield/icapd/internal/wire"
)

// LifecycleState is a module's current operating state.
type LifecycleState int

const (
	Uninitialized LifecycleState = iota
	Ready
	Degraded
	Failed
)

func (s LifecycleState) String() string {
	switch s {
	case Ready:
		return "ready"
	case Degraded:
		return "degraded"
	case Failed:
		return "failed"
	default:
		return "uninitialized"
	}
}

// HealthSnapshot is a point-in-time view of a module's health.
type HealthSnapshot struct {
	State     LifecycleState
	Message   string
	CheckedAt time.Time
}

// Metrics holds lock-free counters for a module, merged into the
// exported Prometheus series by internal/metrics.
type Metrics struct {
	Invocations uint64
	Errors      uint64
	Blocks      uint64
	Modifies    uint64
}

func (m *Metrics) recordInvocation() { atomic.AddUint64(&m.Invocations, 1) }
func (m *Metrics) recordError()      { atomic.AddUint64(&m.Errors, 1) }
func (m *Metrics) recordBlock()      { atomic.AddUint64(&m.Blocks, 1) }
func (m *Metrics) recordModify()     { atomic.AddUint64(&m.Modifies, 1) }

// Snapshot returns a copy of the current counter values.
func (m *Metrics) Snapshot() Metrics {
	return Metrics{
		Invocations: atomic.LoadUint64(&m.Invocations),
		Errors:      atomic.LoadUint64(&m.Errors),
		Blocks:      atomic.LoadUint64(&m.Blocks),
		Modifies:    atomic.LoadUint64(&m.Modifies),
	}
}

// Record updates the counters from v's outcome. Each module calls it
// on the verdicts it returns; the pipeline does not call it.
func (m *Metrics) Record(v Verdict) {
	m.recordInvocation()
	switch v.Kind {
	case Block:
		m.recordBlock()
	case Modify:
		m.recordModify()
	case Err:
		m.recordError()
	}
}

// VerdictKind is the outcome of a module invocation (§3 Verdict).
type VerdictKind int

const (
	Continue VerdictKind = iota
	Modify
	Block
	Err
	NeedMoreBody
)

// Verdict is a module's (or the pipeline's aggregated) decision for a
// transaction. Only the fields relevant to Kind are populated.
type Verdict struct {
	Kind VerdictKind

	// Modify
	NewHTTPRequestHead  []byte
	NewHTTPResponseHead []byte
	NewBody             []byte

	// Block
	BlockReason         string
	BlockHTTPStatus     int
	BlockHTTPBody       []byte
	BlockHTTPHeaders    map[string]string

	// Error
	Error *icaperr.Error
}

// ContinueVerdict is the shared no-op verdict.
func ContinueVerdict() Verdict { return Verdict{Kind: Continue} }

// NeedMoreBodyVerdict asks the connection SM to fetch the remainder of
// the body and re-enter the pipeline at this module (§4.5 step 5).
func NeedMoreBodyVerdict() Verdict { return Verdict{Kind: NeedMoreBody} }

// ErrorVerdict wraps an *icaperr.Error as a terminal module outcome.
func ErrorVerdict(err *icaperr.Error) Verdict { return Verdict{Kind: Err, Error: err} }

// Module is the capability contract every content-adaptation module
// implements (§4.3).
type Module interface {
	Name() string
	Version() string
	Methods() []wire.Method

	// Init performs synchronous preparation from a module-specific
	// config value; it returns an error only when the module cannot
	// serve at all (Failed), not for degraded-but-serving states.
	Init(config interface{}) error

	HandleREQMOD(ctx context.Context, req *wire.Request) Verdict
	HandleRESPMOD(ctx context.Context, req *wire.Request) Verdict
	HandleOPTIONS(ctx context.Context, req *wire.Request) Verdict

	Health() HealthSnapshot
	Metrics() Metrics
	Shutdown() error
}
