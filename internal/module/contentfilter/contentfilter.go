// Package contentfilter implements the content-filter module (§4.3):
// domain/URL/MIME/extension/size policy evaluated in a fixed order,
// the first match producing a Block verdict.
//
// Grounded on the teacher's internal/validation and internal/utils
// (SQL-injection/XSS pattern detection), repurposed here as an extra,
// later-checked SuspiciousPayload signal rather than a replacement for
// the spec's domain→URL→extension→MIME→size order.
package contentfilter

import (
	"context"
	"fmt"
	"net/http"
	"path"
	"regexp"
	"strings"
	"sync"
	"time"

	"github.com/tokenshield/icapd/internal/logging"
	"github.com/tokenshield/icapd/internal/module"
	"github.com/tokenshield/icapd/internal/wire"
)

// Action selects what a matching rule does.
type Action string

const (
	ActionBlock Action = "block"
	ActionWarn  Action = "warn"
	ActionAllow Action = "allow"
)

// Config is the content-filter module's configuration surface (§6).
type Config struct {
	BlockedDomains    []string
	BlockedURLs       []string // regex source patterns
	BlockedMIME       []string
	BlockedExtensions []string
	MaxSize           int64
	Action            Action
	// CheckSuspiciousPayload enables the supplemented SQL-injection/XSS
	// heuristic from the teacher's internal/validation as one more,
	// lowest-priority signal.
	CheckSuspiciousPayload bool
}

var sqlInjectionPatterns = []*regexp.Regexp{
	regexp.MustCompile(`(?i)(union\s+select|insert\s+into|delete\s+from|update\s+set|drop\s+table|create\s+table)`),
	regexp.MustCompile(`(?i)(exec\s*\(|execute\s*\(|sp_executesql)`),
}

var xssPatterns = []*regexp.Regexp{
	regexp.MustCompile(`(?i)<script[^>]*>.*?</script>`),
	regexp.MustCompile(`(?i)javascript:`),
	regexp.MustCompile(`(?i)on\w+\s*=`),
}

type compiled struct {
	domains    map[string]bool
	suffixes   []string
	urls       []*regexp.Regexp
	mime       map[string]bool
	extensions map[string]bool
	maxSize    int64
	action     Action
	checkBody  bool
}

// ContentFilter is the Module implementation.
type ContentFilter struct {
	log *logging.Logger

	mu       sync.RWMutex
	cfg      compiled
	health   module.HealthSnapshot
	metrics  module.Metrics
}

// New creates an uninitialized content-filter module.
func New(log *logging.Logger) *ContentFilter {
	return &ContentFilter{
		log:    log.With("contentfilter"),
		health: module.HealthSnapshot{State: module.Uninitialized, CheckedAt: time.Now()},
	}
}

func (f *ContentFilter) Name() string           { return "content_filter" }
func (f *ContentFilter) Version() string        { return "1.0.0" }
func (f *ContentFilter) Methods() []wire.Method { return []wire.Method{wire.REQMOD, wire.RESPMOD, wire.OPTIONS} }

func (f *ContentFilter) Init(raw interface{}) error {
	cfg, ok := raw.(Config)
	if !ok {
		if p, ok2 := raw.(*Config); ok2 {
			cfg = *p
		} else {
			return fmt.Errorf("contentfilter: unexpected config type %T", raw)
		}
	}

	c := compiled{
		domains:    make(map[string]bool, len(cfg.BlockedDomains)),
		mime:       make(map[string]bool, len(cfg.BlockedMIME)),
		extensions: make(map[string]bool, len(cfg.BlockedExtensions)),
		maxSize:    cfg.MaxSize,
		action:     cfg.Action,
		checkBody:  cfg.CheckSuspiciousPayload,
	}
	if c.action == "" {
		c.action = ActionBlock
	}
	for _, d := range cfg.BlockedDomains {
		d = strings.ToLower(strings.TrimSpace(d))
		if strings.HasPrefix(d, "*.") {
			c.suffixes = append(c.suffixes, d[1:]) // keep the leading dot
		} else {
			c.domains[d] = true
		}
	}
	for _, pattern := range cfg.BlockedURLs {
		re, err := regexp.Compile(pattern)
		if err != nil {
			f.mu.Lock()
			f.health = module.HealthSnapshot{State: module.Failed, Message: err.Error(), CheckedAt: time.Now()}
			f.mu.Unlock()
			return fmt.Errorf("contentfilter: invalid blocked_urls pattern %q: %w", pattern, err)
		}
		c.urls = append(c.urls, re)
	}
	for _, m := range cfg.BlockedMIME {
		c.mime[strings.ToLower(strings.TrimSpace(m))] = true
	}
	for _, ext := range cfg.BlockedExtensions {
		ext = strings.ToLower(strings.TrimSpace(ext))
		if !strings.HasPrefix(ext, ".") {
			ext = "." + ext
		}
		c.extensions[ext] = true
	}

	f.mu.Lock()
	f.cfg = c
	f.health = module.HealthSnapshot{State: module.Ready, CheckedAt: time.Now()}
	f.mu.Unlock()
	return nil
}

func (f *ContentFilter) HandleOPTIONS(ctx context.Context, req *wire.Request) module.Verdict {
	return module.ContinueVerdict()
}

func (f *ContentFilter) HandleREQMOD(ctx context.Context, req *wire.Request) module.Verdict {
	httpReq, err := wire.ParseHTTPRequestHead(req.HTTPRequestHead)
	if err != nil || httpReq == nil {
		return f.record(module.ContinueVerdict())
	}
	return f.record(f.evaluate(httpReq.Host, httpReq.URL.Path+queryOf(httpReq), httpReq.Header.Get("Content-Type"), req.Body.Data))
}

func (f *ContentFilter) HandleRESPMOD(ctx context.Context, req *wire.Request) module.Verdict {
	var host, target string
	if origReq, err := wire.ParseHTTPRequestHead(req.HTTPRequestHead); err == nil && origReq != nil {
		host = origReq.Host
		target = origReq.URL.Path + queryOf(origReq)
	}
	contentType := ""
	if httpResp, err := wire.ParseHTTPResponseHead(req.HTTPResponseHead, nil); err == nil && httpResp != nil {
		contentType = httpResp.Header.Get("Content-Type")
	}
	return f.record(f.evaluate(host, target, contentType, req.Body.Data))
}

func queryOf(r *http.Request) string {
	if r.URL.RawQuery == "" {
		return ""
	}
	return "?" + r.URL.RawQuery
}

func (f *ContentFilter) record(v module.Verdict) module.Verdict {
	f.metrics.Record(v)
	return v
}

// evaluate runs the fixed domain → URL → extension → MIME → size
// order from §4.3, returning the first matching block (or Continue).
func (f *ContentFilter) evaluate(host, target, contentType string, body []byte) module.Verdict {
	f.mu.RLock()
	c := f.cfg
	f.mu.RUnlock()

	if c.action == ActionAllow {
		return module.ContinueVerdict()
	}

	if reason, blocked := matchDomain(c, host); blocked {
		return f.verdict(c, "domain", reason)
	}
	if reason, blocked := matchURL(c, target); blocked {
		return f.verdict(c, "url", reason)
	}
	if reason, blocked := matchExtension(c, target); blocked {
		return f.verdict(c, "extension", reason)
	}
	if reason, blocked := matchMIME(c, contentType); blocked {
		return f.verdict(c, "mime", reason)
	}
	if c.maxSize > 0 && int64(len(body)) > c.maxSize {
		return f.verdict(c, "size", fmt.Sprintf("body of %d bytes exceeds max_size %d", len(body), c.maxSize))
	}
	if c.checkBody && containsSuspiciousPayload(body) {
		return f.verdict(c, "suspicious_payload", "request body matched a suspicious-content heuristic")
	}
	return module.ContinueVerdict()
}

func (f *ContentFilter) verdict(c compiled, kind, reason string) module.Verdict {
	if c.action == ActionWarn {
		f.log.Warnf("content filter would block on %s: %s", kind, reason)
		return module.ContinueVerdict()
	}
	return module.Verdict{
		Kind:             module.Block,
		BlockReason:      reason,
		BlockHTTPStatus: http.StatusForbidden,
		BlockHTTPBody:   []byte(blockPageBody(kind, reason)),
		BlockHTTPHeaders: map[string]string{
			"X-Block-Reason": kind,
			"Content-Type":   "text/plain; charset=utf-8",
		},
	}
}

func blockPageBody(kind, reason string) string {
	return "Blocked by content policy (" + kind + "): " + reason + "\n"
}

func matchDomain(c compiled, host string) (string, bool) {
	if host == "" {
		return "", false
	}
	host = strings.ToLower(host)
	if i := strings.IndexByte(host, ':'); i >= 0 {
		host = host[:i]
	}
	if c.domains[host] {
		return host, true
	}
	for _, suffix := range c.suffixes {
		if strings.HasSuffix(host, suffix) {
			return host, true
		}
	}
	return "", false
}

func matchURL(c compiled, target string) (string, bool) {
	for _, re := range c.urls {
		if re.MatchString(target) {
			return target, true
		}
	}
	return "", false
}

func matchExtension(c compiled, target string) (string, bool) {
	if len(c.extensions) == 0 {
		return "", false
	}
	ext := strings.ToLower(path.Ext(strings.SplitN(target, "?", 2)[0]))
	if ext != "" && c.extensions[ext] {
		return ext, true
	}
	return "", false
}

func matchMIME(c compiled, contentType string) (string, bool) {
	if contentType == "" {
		return "", false
	}
	mime := strings.ToLower(strings.TrimSpace(strings.SplitN(contentType, ";", 2)[0]))
	if c.mime[mime] {
		return mime, true
	}
	return "", false
}

func containsSuspiciousPayload(body []byte) bool {
	s := string(body)
	for _, p := range sqlInjectionPatterns {
		if p.MatchString(s) {
			return true
		}
	}
	for _, p := range xssPatterns {
		if p.MatchString(s) {
			return true
		}
	}
	return false
}

func (f *ContentFilter) Health() module.HealthSnapshot {
	f.mu.RLock()
	defer f.mu.RUnlock()
	return f.health
}

func (f *ContentFilter) Metrics() module.Metrics { return f.metrics.Snapshot() }

func (f *ContentFilter) Shutdown() error { return nil }

var _ module.Module = (*ContentFilter)(nil)
