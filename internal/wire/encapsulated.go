package wire

import (
	"strconv"
	"strings"

	"github.com/tokenshield/icapd/internal/icaperr"
)

// parseEncapsulated parses the value of an Encapsulated header into an
// ordered list of sections, enforcing the invariants from §3: offsets
// strictly increasing, and exactly one body section present as the
// last entry.
func parseEncapsulated(value string) ([]EncapsulatedSection, *icaperr.Error) {
	value = strings.TrimSpace(value)
	if value == "" {
		return nil, icaperr.New(icaperr.KindBadEncapsulated, nil)
	}

	parts := strings.Split(value, ",")
	sections := make([]EncapsulatedSection, 0, len(parts))
	for _, part := range parts {
		part = strings.TrimSpace(part)
		eq := strings.IndexByte(part, '=')
		if eq <= 0 {
			return nil, icaperr.Newf(icaperr.KindBadEncapsulated, "malformed Encapsulated entry %q", part)
		}
		name := SectionName(strings.TrimSpace(part[:eq]))
		switch name {
		case SectionReqHdr, SectionReqBody, SectionResHdr, SectionResBody, SectionOptBody, SectionNullBody:
		default:
			return nil, icaperr.Newf(icaperr.KindBadEncapsulated, "unknown Encapsulated section %q", name)
		}
		offset, err := strconv.Atoi(strings.TrimSpace(part[eq+1:]))
		if err != nil || offset < 0 {
			return nil, icaperr.Newf(icaperr.KindBadEncapsulated, "bad offset in Encapsulated entry %q", part)
		}
		sections = append(sections, EncapsulatedSection{Name: name, Offset: offset})
	}

	bodyCount := 0
	for i, s := range sections {
		if s.Name.isBody() {
			bodyCount++
			if i != len(sections)-1 {
				return nil, icaperr.Newf(icaperr.KindBadEncapsulated, "body section %q is not last", s.Name)
			}
		}
		if i > 0 && s.Offset <= sections[i-1].Offset {
			return nil, icaperr.Newf(icaperr.KindBadEncapsulated, "Encapsulated offsets not strictly increasing")
		}
	}
	if bodyCount != 1 {
		return nil, icaperr.Newf(icaperr.KindBadEncapsulated, "expected exactly one body section, got %d", bodyCount)
	}

	return sections, nil
}

// encodeEncapsulated renders sections back into a header value, e.g.
// "req-hdr=0, req-body=231".
func encodeEncapsulated(sections []EncapsulatedSection) string {
	parts := make([]string, len(sections))
	for i, s := range sections {
		parts[i] = string(s.Name) + "=" + strconv.Itoa(s.Offset)
	}
	return strings.Join(parts, ", ")
}
