package wire

import (
	"bufio"
	"bytes"
	"net/http"
)

// ParseHTTPRequestHead parses the raw req-hdr bytes (start-line plus
// headers, terminated by the blank line) into a *http.Request. The
// returned request's Body is always http.NoBody; the ICAP body is
// carried separately in Request.Body.
func ParseHTTPRequestHead(raw []byte) (*http.Request, error) {
	if len(raw) == 0 {
		return nil, nil
	}
	req, err := http.ReadRequest(bufio.NewReader(bytes.NewReader(ensureTerminated(raw))))
	if err != nil {
		return nil, err
	}
	req.Body = http.NoBody
	return req, nil
}

// ParseHTTPResponseHead parses the raw res-hdr bytes into a
// *http.Response. req, if non-nil, is associated for methods where
// the response's interpretation depends on the request (HEAD, etc).
func ParseHTTPResponseHead(raw []byte, req *http.Request) (*http.Response, error) {
	if len(raw) == 0 {
		return nil, nil
	}
	resp, err := http.ReadResponse(bufio.NewReader(bytes.NewReader(ensureTerminated(raw))), req)
	if err != nil {
		return nil, err
	}
	resp.Body = http.NoBody
	return resp, nil
}

// ensureTerminated guarantees the header block ends with the blank
// line http.ReadRequest/ReadResponse require, in case an encapsulated
// section's offset math trimmed it.
func ensureTerminated(raw []byte) []byte {
	if bytes.HasSuffix(raw, []byte("\r\n\r\n")) {
		return raw
	}
	if bytes.HasSuffix(raw, []byte("\r\n")) {
		return append(raw, []byte("\r\n")...)
	}
	return append(raw, []byte("\r\n\r\n")...)
}
