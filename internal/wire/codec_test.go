package wire

import (
	"bufio"
	"strings"
	"testing"

	"github.com/stretchr/testify/require"
)

func TestDecodeRequest_REQMODWithNullBody(t *testing.T) {
	raw := "REQMOD icap://icapd.local/icapd ICAP/1.0\r\n" +
		"Host: icapd.local\r\n" +
		"Allow: 204\r\n" +
		"Encapsulated: req-hdr=0, null-body=47\r\n" +
		"\r\n" +
		"GET /index.html HTTP/1.1\r\nHost: example.com\r\n\r\n"

	req, err := DecodeRequest(bufio.NewReader(strings.NewReader(raw)))
	require.Nil(t, err)
	require.Equal(t, REQMOD, req.Method)
	require.True(t, req.Allow204())
	require.False(t, req.Body.Present)
	require.Contains(t, string(req.HTTPRequestHead), "GET /index.html HTTP/1.1")
}

func TestDecodeRequest_RESPMODWithChunkedBody(t *testing.T) {
	httpReqHead := "GET /download.exe HTTP/1.1\r\nHost: example.com\r\n\r\n"
	httpRespHead := "HTTP/1.1 200 OK\r\nContent-Type: application/octet-stream\r\nContent-Length: 5\r\n\r\n"
	body := "hello"

	encapsulated := fmtEncapsulated(len(httpReqHead), len(httpRespHead))

	raw := "RESPMOD icap://icapd.local/icapd ICAP/1.0\r\n" +
		"Host: icapd.local\r\n" +
		"Encapsulated: " + encapsulated + "\r\n" +
		"\r\n" +
		httpReqHead + httpRespHead +
		"5\r\n" + body + "\r\n" +
		"0\r\n\r\n"

	req, err := DecodeRequest(bufio.NewReader(strings.NewReader(raw)))
	require.Nil(t, err)
	require.Equal(t, RESPMOD, req.Method)
	require.True(t, req.Body.Present)
	require.True(t, req.Body.Complete)
	require.Equal(t, body, string(req.Body.Data))
}

func fmtEncapsulated(reqHdrLen, resHdrLen int) string {
	return "req-hdr=0, res-hdr=" + itoa(reqHdrLen) + ", res-body=" + itoa(reqHdrLen+resHdrLen)
}

func itoa(n int) string {
	if n == 0 {
		return "0"
	}
	digits := ""
	for n > 0 {
		digits = string(rune('0'+n%10)) + digits
		n /= 10
	}
	return digits
}

func TestEncodeDecodeResponse_RoundTrip(t *testing.T) {
	resp := NewResponse(200)
	resp.Header.Set("ISTag", "\"abc123\"")
	resp.HTTPRequestHead = []byte("GET / HTTP/1.1\r\nHost: example.com\r\n\r\n")
	resp.Body = []byte("modified body")

	var sb strings.Builder
	require.NoError(t, EncodeResponse(&stringWriter{&sb}, resp))

	decoded, err := DecodeResponse([]byte(sb.String()))
	require.NoError(t, err)
	require.Equal(t, 200, decoded.Status)
	require.Equal(t, "\"abc123\"", decoded.Header.Get("ISTag"))
	require.Equal(t, "modified body", string(decoded.Body))
}

func TestEncodeDecodeResponse_RoundTrip_DualHeadRESPMOD(t *testing.T) {
	resp := NewResponse(200)
	resp.Header.Set("ISTag", "\"abc123\"")
	resp.HTTPRequestHead = []byte("GET /download.exe HTTP/1.1\r\nHost: example.com\r\n\r\n")
	resp.HTTPResponseHead = []byte("HTTP/1.1 200 OK\r\nContent-Type: application/octet-stream\r\n\r\n")
	resp.Body = []byte("modified response body")

	var sb strings.Builder
	require.NoError(t, EncodeResponse(&stringWriter{&sb}, resp))
	require.Contains(t, sb.String(), "req-hdr=0")
	require.Contains(t, sb.String(), "res-hdr=")
	require.Contains(t, sb.String(), "res-body=")

	decoded, err := DecodeResponse([]byte(sb.String()))
	require.NoError(t, err)
	require.Contains(t, string(decoded.HTTPRequestHead), "GET /download.exe HTTP/1.1")
	require.Contains(t, string(decoded.HTTPResponseHead), "HTTP/1.1 200 OK")
	require.Equal(t, "modified response body", string(decoded.Body))
}

func TestEncodeDecodeResponse_RoundTrip_DualHeadNullBody(t *testing.T) {
	resp := NewResponse(200)
	resp.Header.Set("ISTag", "\"abc123\"")
	resp.HTTPRequestHead = []byte("GET / HTTP/1.1\r\nHost: example.com\r\n\r\n")
	resp.HTTPResponseHead = []byte("HTTP/1.1 204 No Content\r\n\r\n")

	var sb strings.Builder
	require.NoError(t, EncodeResponse(&stringWriter{&sb}, resp))
	require.Contains(t, sb.String(), "req-hdr=0")
	require.Contains(t, sb.String(), "null-body=")

	decoded, err := DecodeResponse([]byte(sb.String()))
	require.NoError(t, err)
	require.Contains(t, string(decoded.HTTPRequestHead), "GET / HTTP/1.1")
	require.Contains(t, string(decoded.HTTPResponseHead), "204 No Content")
}

type stringWriter struct{ sb *strings.Builder }

func (w *stringWriter) Write(p []byte) (int, error) { return w.sb.WriteString(string(p)) }

func TestParseEncapsulated_RejectsOutOfOrderOffsets(t *testing.T) {
	_, err := parseEncapsulated("req-body=50, req-hdr=0")
	require.NotNil(t, err)
}

func TestParseEncapsulated_RejectsUnknownSection(t *testing.T) {
	_, err := parseEncapsulated("bogus-hdr=0, null-body=10")
	require.NotNil(t, err)
}

func TestAllow204_MatchesCommaSeparatedValue(t *testing.T) {
	req := &Request{Header: NewHeader()}
	req.Header.Set("Allow", "204, 206")
	require.True(t, req.Allow204())
}
