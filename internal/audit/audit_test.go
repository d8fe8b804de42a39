package audit

import (
	"bytes"
	"encoding/json"
	"strings"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/tokenshield/icapd/internal/logging"
)

// newUnstartedSink builds a Sink without its drain goroutine running, so
// Record's drop-oldest behavior can be asserted deterministically against
// the channel buffer rather than racing a live consumer.
func newUnstartedSink(capacity int) *Sink {
	return &Sink{
		log:     logging.Default(),
		records: make(chan Record, capacity),
		done:    make(chan struct{}),
	}
}

func TestRecord_DropsOldestWhenBufferFull(t *testing.T) {
	s := newUnstartedSink(2)

	s.Record(Record{Service: "a"})
	s.Record(Record{Service: "b"})
	s.Record(Record{Service: "c"}) // buffer full, "a" should be dropped

	require.Equal(t, uint64(1), s.Dropped())

	first := <-s.records
	second := <-s.records
	require.Equal(t, "b", first.Service)
	require.Equal(t, "c", second.Service)
}

func TestSink_WritesNewlineDelimitedJSON(t *testing.T) {
	var buf bytes.Buffer
	s := NewSink(logging.Default(), &buf, 4)

	s.Record(Record{Service: "icapd", Verdict: "block", Reason: "domain"})
	s.Close()

	lines := strings.Split(strings.TrimSpace(buf.String()), "\n")
	require.Len(t, lines, 1)

	var rec Record
	require.NoError(t, json.Unmarshal([]byte(lines[0]), &rec))
	require.Equal(t, "icapd", rec.Service)
	require.Equal(t, "block", rec.Verdict)
}
