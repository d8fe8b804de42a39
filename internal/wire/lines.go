package wire

import (
	"bufio"
	"bytes"
	"errors"
)

func newBufReaderFromBytes(b []byte) *bufio.Reader {
	return bufio.NewReader(bytes.NewReader(b))
}

var errHeaderTooLarge = errors.New("wire: header section exceeds limit")
var errTooManyHeaders = errors.New("wire: too many header fields")

// readCRLFLine reads one line up to and including "\r\n" (or a bare
// "\n"), returning its content with the terminator stripped. budget, if
// positive, is the longest line (terminator included) accepted: the
// whole line is read first, and a longer one is rejected with
// errHeaderTooLarge. A non-positive budget means unbounded.
func readCRLFLine(br *bufio.Reader, budget int) ([]byte, error) {
	line, err := br.ReadBytes('\n')
	if err != nil {
		return nil, err
	}
	if budget > 0 && len(line) > budget {
		return nil, errHeaderTooLarge
	}
	return bytes.TrimRight(line, "\r\n"), nil
}
