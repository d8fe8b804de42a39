// Package scanengine implements the YARA-backed rule engine and the
// quarantine store (§4.2). Rule compilation and the quarantine index
// are both copy-on-write / append-only so a running scan never blocks
// on a rule reload, mirroring the registry's snapshot-swap discipline
// (internal/registry).
package scanengine

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"errors"
	"fmt"
	"os"
	"sync"
	"sync/atomic"
	"time"

	yara "github.com/hillu/go-yara/v4"
)

// ErrScanTimeout is returned by Scan when the configured timeout (or the
// caller's context deadline) elapses before YARA finishes matching.
// Callers distinguish it from other scan failures to pick the right
// icaperr.Kind (§7: ScanError.timeout vs. a generic engine failure).
var ErrScanTimeout = errors.New("scanengine: scan timed out")

// Match is one YARA rule hit against a scanned buffer.
type Match struct {
	Rule      string
	Namespace string
	Tags      []string
	Meta      map[string]interface{}
}

// ScanResult is the outcome of a single buffer scan.
type ScanResult struct {
	Matched  bool
	Matches  []Match
	Duration time.Duration
}

// Engine compiles a YARA rule set and serves concurrent scans against
// the current compiled snapshot. Reloading installs a new snapshot
// atomically; in-flight scans keep running against whichever snapshot
// they started with.
type Engine struct {
	rulesPath string
	timeout   time.Duration

	current atomic.Pointer[yara.Rules]

	mu          sync.Mutex // serializes Reload calls only
	lastReload  time.Time
	lastErr     error
	reloadCount uint64
	ruleSetHash string
	degraded    bool
}

// NewEngine constructs an engine that compiles rules from rulesPath
// on Open. rulesPath names a single rule file; a directory is not
// walked for .yar/.yara files.
func NewEngine(rulesPath string, timeout time.Duration) *Engine {
	if timeout <= 0 {
		timeout = 5 * time.Second
	}
	return &Engine{rulesPath: rulesPath, timeout: timeout}
}

// Open performs the initial rule compilation. The engine is unusable
// for Scan until Open (or a later Reload) succeeds at least once.
func (e *Engine) Open() error {
	return e.Reload()
}

// Reload recompiles the rule set from disk and, on success, swaps it
// in atomically. A failed reload leaves the previously-compiled rule
// set in place so in-flight and future scans are unaffected (fail-open
// on the rule source, independent of the per-module AV fail policy).
func (e *Engine) Reload() error {
	e.mu.Lock()
	defer e.mu.Unlock()

	compiler, err := yara.NewCompiler()
	if err != nil {
		e.lastErr = err
		e.degraded = e.current.Load() == nil
		return fmt.Errorf("scanengine: creating compiler: %w", err)
	}
	f, err := os.Open(e.rulesPath)
	if err != nil {
		e.lastErr = err
		e.degraded = e.current.Load() == nil
		return fmt.Errorf("scanengine: loading rules from %s: %w", e.rulesPath, err)
	}
	defer f.Close()
	if err := compiler.AddFile(f, ""); err != nil {
		e.lastErr = err
		e.degraded = e.current.Load() == nil
		return fmt.Errorf("scanengine: loading rules from %s: %w", e.rulesPath, err)
	}
	rules, err := compiler.GetRules()
	if err != nil {
		e.lastErr = err
		// A total compile failure with no previously-installed rule set
		// leaves the engine Degraded (§4.2); a failed reload of an
		// already-running engine keeps the old rules live instead.
		e.degraded = e.current.Load() == nil
		return fmt.Errorf("scanengine: compiling rules: %w", err)
	}

	hash, hashErr := hashRuleSource(e.rulesPath)
	if hashErr != nil {
		e.lastErr = hashErr
		e.degraded = e.current.Load() == nil
		return fmt.Errorf("scanengine: hashing rule set: %w", hashErr)
	}

	e.current.Store(rules)
	e.lastReload = time.Now()
	e.lastErr = nil
	e.degraded = false
	e.ruleSetHash = hash
	atomic.AddUint64(&e.reloadCount, 1)
	return nil
}

// hashRuleSource hashes the rule file's bytes so RuleSetVersion changes
// whenever the rules on disk change, independent of the engine's own
// version string (§4.4: ISTag folds in "rule set versions").
func hashRuleSource(path string) (string, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return "", err
	}
	sum := sha256.Sum256(data)
	return hex.EncodeToString(sum[:8]), nil
}

// RuleSetVersion returns a short hash identifying the currently
// installed rule set, or "" if no rule set has ever loaded successfully.
func (e *Engine) RuleSetVersion() string {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.ruleSetHash
}

// Degraded reports whether the engine has no usable rule set installed
// because every compile attempt so far has failed (§4.2, §7).
func (e *Engine) Degraded() bool {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.degraded
}

// Ready reports whether a compiled rule set is installed.
func (e *Engine) Ready() bool { return e.current.Load() != nil }

// LastError is the error from the most recent Reload attempt, nil if
// the last attempt (or the only attempt, via Open) succeeded.
func (e *Engine) LastError() error {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.lastErr
}

// Scan matches buf against the currently installed rule set. ctx's
// deadline, if any, is capped by the engine's configured timeout.
func (e *Engine) Scan(ctx context.Context, buf []byte) (ScanResult, error) {
	rules := e.current.Load()
	if rules == nil {
		return ScanResult{}, fmt.Errorf("scanengine: no rule set loaded")
	}

	start := time.Now()
	done := make(chan struct{})
	var matches yara.MatchRules
	var scanErr error

	go func() {
		defer close(done)
		scanErr = rules.ScanMem(buf, 0, e.timeout, &matches)
	}()

	select {
	case <-done:
	case <-time.After(e.timeout):
		return ScanResult{}, fmt.Errorf("%w: exceeded %s", ErrScanTimeout, e.timeout)
	case <-ctx.Done():
		if errors.Is(ctx.Err(), context.DeadlineExceeded) {
			return ScanResult{}, fmt.Errorf("%w: %v", ErrScanTimeout, ctx.Err())
		}
		return ScanResult{}, ctx.Err()
	}

	if scanErr != nil {
		return ScanResult{}, fmt.Errorf("scanengine: scan failed: %w", scanErr)
	}

	result := ScanResult{Duration: time.Since(start)}
	for _, m := range matches {
		meta := make(map[string]interface{}, len(m.Metas))
		for _, md := range m.Metas {
			meta[md.Identifier] = md.Value
		}
		result.Matches = append(result.Matches, Match{
			Rule:      m.Rule,
			Namespace: m.Namespace,
			Tags:      m.Tags,
			Meta:      meta,
		})
	}
	result.Matched = len(result.Matches) > 0
	return result, nil
}
