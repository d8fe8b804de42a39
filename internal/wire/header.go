package wire

import "strings"

// canonicalOrder is the header emission order mandated by §4.1: ISTag,
// Encapsulated, Methods, Service, Max-Connections, Options-TTL, Preview,
// Allow, Connection, then whatever remains in insertion order.
var canonicalOrder = []string{
	"istag", "encapsulated", "methods", "service", "max-connections",
	"options-ttl", "preview", "allow", "connection",
}

// wellKnownNames is the exact casing the protocol and its clients expect
// on the wire for well-known headers; anything not listed here is
// emitted using whatever casing the caller passed to Set/Add.
var wellKnownNames = map[string]string{
	"istag":           "ISTag",
	"encapsulated":    "Encapsulated",
	"methods":         "Methods",
	"service":         "Service",
	"max-connections": "Max-Connections",
	"options-ttl":     "Options-TTL",
	"preview":         "Preview",
	"allow":           "Allow",
	"connection":      "Connection",
	"host":            "Host",
	"date":            "Date",
	"server":          "Server",
	"authorization":   "Authorization",
	"content-type":    "Content-Type",
	"content-length":  "Content-Length",
	"x-block-reason":  "X-Block-Reason",
	"retry-after":     "Retry-After",
}

// Header is an ordered, case-insensitive ICAP/HTTP header set. Unlike
// net/http.Header it preserves the order fields were first inserted,
// per the data-model invariant that insertion order is kept on emit.
type Header struct {
	order   []string
	values  map[string][]string
	display map[string]string // lowercase key -> caller-supplied casing, for unknown headers
}

// NewHeader returns an empty Header ready to use.
func NewHeader() *Header {
	return &Header{values: make(map[string][]string), display: make(map[string]string)}
}

func key(name string) string { return strings.ToLower(name) }

func (h *Header) remember(k, name string) {
	if _, known := wellKnownNames[k]; !known {
		h.display[k] = name
	}
}

// Set replaces all values for name.
func (h *Header) Set(name, value string) {
	k := key(name)
	if _, ok := h.values[k]; !ok {
		h.order = append(h.order, k)
	}
	h.values[k] = []string{value}
	h.remember(k, name)
}

// Add appends a value for name without clearing existing ones; per
// §4.1 duplicate non-list-valued headers are collapsed into a single
// comma-joined value on Get.
func (h *Header) Add(name, value string) {
	k := key(name)
	if _, ok := h.values[k]; !ok {
		h.order = append(h.order, k)
	}
	h.values[k] = append(h.values[k], value)
	h.remember(k, name)
}

// Get returns the comma-joined value for name, or "" if absent.
func (h *Header) Get(name string) string {
	vals := h.values[key(name)]
	if len(vals) == 0 {
		return ""
	}
	return strings.Join(vals, ", ")
}

// Values returns the raw, un-joined values for name.
func (h *Header) Values(name string) []string {
	return h.values[key(name)]
}

// Has reports whether name was ever set.
func (h *Header) Has(name string) bool {
	_, ok := h.values[key(name)]
	return ok
}

// Del removes all values for name.
func (h *Header) Del(name string) {
	k := key(name)
	delete(h.values, k)
	delete(h.display, k)
	for i, existing := range h.order {
		if existing == k {
			h.order = append(h.order[:i], h.order[i+1:]...)
			break
		}
	}
}

// displayFor resolves the wire casing for a lowercase key.
func (h *Header) displayFor(k string) string {
	if name, ok := wellKnownNames[k]; ok {
		return name
	}
	if name, ok := h.display[k]; ok {
		return name
	}
	return k
}

// Write emits the headers in canonical order (known headers first, in
// the fixed sequence from §4.1, then everything else in insertion
// order), each as "Name: value\r\n".
func (h *Header) Write(sb *strings.Builder) {
	written := make(map[string]bool, len(h.order))
	for _, k := range canonicalOrder {
		if vals, ok := h.values[k]; ok {
			writeHeaderLine(sb, h.displayFor(k), vals)
			written[k] = true
		}
	}
	for _, k := range h.order {
		if written[k] {
			continue
		}
		writeHeaderLine(sb, h.displayFor(k), h.values[k])
		written[k] = true
	}
}

func writeHeaderLine(sb *strings.Builder, name string, vals []string) {
	sb.WriteString(name)
	sb.WriteString(": ")
	sb.WriteString(strings.Join(vals, ", "))
	sb.WriteString("\r\n")
}

// Clone returns a deep copy of h.
func (h *Header) Clone() *Header {
	c := NewHeader()
	for _, k := range h.order {
		vals := make([]string, len(h.values[k]))
		copy(vals, h.values[k])
		c.order = append(c.order, k)
		c.values[k] = vals
	}
	for k, v := range h.display {
		c.display[k] = v
	}
	return c
}
