package wire

import (
	"bufio"
	"bytes"
	"io"
	"strconv"
	"strings"

	"github.com/tokenshield/icapd/internal/icaperr"
)

const (
	maxHeaderBytes  = 64 * 1024
	maxHeaderFields = 128
)

// DecodeRequest reads one ICAP request (request line, headers,
// encapsulated head(s), and preview/body) from br. It never reads past
// the logical end of the current request, so the same br can be
// reused for the connection's next pipelined request.
func DecodeRequest(br *bufio.Reader) (*Request, *icaperr.Error) {
	line, err := readCRLFLine(br, 0)
	if err != nil {
		return nil, icaperr.New(icaperr.KindFraming, err)
	}
	if len(line) == 0 {
		return nil, icaperr.New(icaperr.KindFraming, io.ErrUnexpectedEOF)
	}

	fields := strings.Fields(string(line))
	if len(fields) != 3 {
		return nil, icaperr.Newf(icaperr.KindFraming, "malformed request line %q", line)
	}
	method, err2 := ParseMethod(fields[0])
	if err2 != nil {
		return nil, err2
	}
	uri := fields[1]
	version := fields[2]

	if !strings.HasPrefix(uri, "icap://") || len(uri) <= len("icap://") {
		return nil, icaperr.Newf(icaperr.KindBadURI, "invalid ICAP URI %q", uri)
	}
	authority := uri[len("icap://"):]
	if authority == "" || strings.HasPrefix(authority, "/") {
		return nil, icaperr.Newf(icaperr.KindBadURI, "invalid ICAP URI authority in %q", uri)
	}

	if version != "ICAP/1.0" {
		return nil, icaperr.Newf(icaperr.KindBadVersion, "unsupported version %q", version)
	}

	header, herr := decodeHeaders(br)
	if herr != nil {
		return nil, herr
	}

	req := &Request{
		Method:  method,
		RawURI:  uri,
		Version: version,
		Header:  header,
		Body:    Body{PreviewRequested: -1},
	}

	if preview := header.Get("Preview"); preview != "" {
		n, convErr := strconv.Atoi(strings.TrimSpace(preview))
		if convErr != nil || n < 0 {
			return nil, icaperr.Newf(icaperr.KindFraming, "invalid Preview value %q", preview)
		}
		req.Body.PreviewRequested = n
	}

	encapsulated := header.Get("Encapsulated")
	if encapsulated == "" {
		if method == OPTIONS {
			return req, nil
		}
		return nil, icaperr.New(icaperr.KindBadEncapsulated, nil)
	}
	sections, serr := parseEncapsulated(encapsulated)
	if serr != nil {
		return nil, serr
	}
	req.Sections = sections

	bodySection := sections[len(sections)-1]
	headLen := bodySection.Offset
	headBytes := make([]byte, headLen)
	if headLen > 0 {
		if _, err := io.ReadFull(br, headBytes); err != nil {
			return nil, icaperr.New(icaperr.KindFraming, err)
		}
	}
	assignHeadSections(req, sections, headBytes)

	if bodySection.Name == SectionNullBody {
		req.Body.Present = false
		req.Body.Complete = true
		return req, nil
	}

	req.Body.Present = true
	data, sawIEOF, rerr := readChunkedBody(br)
	if rerr != nil {
		return nil, icaperr.New(icaperr.KindFraming, rerr)
	}
	req.Body.Data = data
	req.Body.Complete = req.Body.PreviewRequested < 0 || sawIEOF

	return req, nil
}

// ContinueBody reads the remainder of a previewed body after the
// pipeline has requested more data (NeedMoreBody → 100 Continue).
// It is a resumption point: the same br that decoded the preview
// continues straight into the remaining chunks.
func ContinueBody(br *bufio.Reader, req *Request) *icaperr.Error {
	rest, _, err := readChunkedBody(br)
	if err != nil {
		return icaperr.New(icaperr.KindFraming, err)
	}
	req.Body.Data = append(req.Body.Data, rest...)
	req.Body.Complete = true
	return nil
}

func assignHeadSections(req *Request, sections []EncapsulatedSection, head []byte) {
	for i, s := range sections {
		if s.Name != SectionReqHdr && s.Name != SectionResHdr {
			continue
		}
		end := len(head)
		if i+1 < len(sections) {
			end = sections[i+1].Offset
		}
		start := s.Offset
		if start > len(head) {
			start = len(head)
		}
		if end > len(head) {
			end = len(head)
		}
		switch s.Name {
		case SectionReqHdr:
			req.HTTPRequestHead = head[start:end]
		case SectionResHdr:
			req.HTTPResponseHead = head[start:end]
		}
	}
}

func readChunkedBody(br *bufio.Reader) ([]byte, bool, error) {
	cr := newChunkedReader(br)
	var buf bytes.Buffer
	_, err := io.Copy(&buf, cr)
	if err != nil && err != io.EOF {
		return nil, false, err
	}
	return buf.Bytes(), cr.SawIEOF(), nil
}

// decodeHeaders reads header lines up to the blank line terminator,
// enforcing the §4.1 hard limits (64 KiB total, 128 fields).
func decodeHeaders(br *bufio.Reader) (*Header, *icaperr.Error) {
	h := NewHeader()
	total := 0
	fields := 0
	for {
		line, err := readCRLFLine(br, maxHeaderBytes-total)
		if err != nil {
			if err == errHeaderTooLarge {
				return nil, icaperr.New(icaperr.KindHeaderLimits, err)
			}
			return nil, icaperr.New(icaperr.KindFraming, err)
		}
		total += len(line) + 2
		if total > maxHeaderBytes {
			return nil, icaperr.New(icaperr.KindHeaderLimits, errHeaderTooLarge)
		}
		if len(line) == 0 {
			return h, nil
		}
		fields++
		if fields > maxHeaderFields {
			return nil, icaperr.New(icaperr.KindHeaderLimits, errTooManyHeaders)
		}
		colon := bytes.IndexByte(line, ':')
		if colon <= 0 {
			return nil, icaperr.Newf(icaperr.KindFraming, "malformed header line %q", line)
		}
		name := strings.TrimSpace(string(line[:colon]))
		value := strings.TrimSpace(string(line[colon+1:]))
		h.Add(name, value)
	}
}
