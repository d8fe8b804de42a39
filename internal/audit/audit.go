// Package audit implements the per-transaction audit trail (§4.8,
// §5 "single-writer quarantine" sibling discipline): every completed
// transaction is recorded asynchronously through a bounded channel so
// a slow sink (disk, syslog, a remote collector) never stalls the
// connections producing the records. Under sustained back-pressure the
// oldest queued record is dropped in favor of the newest, matching the
// "drop-oldest" policy called out for bounded producer/consumer queues
// elsewhere in the design.
package audit

import (
	"encoding/json"
	"io"
	"sync/atomic"
	"time"

	"github.com/tokenshield/icapd/internal/logging"
)

// Record is one transaction's audit entry.
type Record struct {
	TxnID      string        `json:"txn_id,omitempty"`
	Time       time.Time     `json:"time"`
	RemoteAddr string        `json:"remote_addr"`
	Method     string        `json:"method"`
	Service    string        `json:"service"`
	Verdict    string        `json:"verdict"`
	Reason     string        `json:"reason,omitempty"`
	Module     string        `json:"module,omitempty"`
	Elapsed    time.Duration `json:"elapsed_ns"`
}

// Sink is the asynchronous, bounded-queue audit writer.
type Sink struct {
	log     *logging.Logger
	out     io.Writer
	records chan Record
	dropped uint64
	done    chan struct{}
}

// NewSink starts a sink writing newline-delimited JSON records to out,
// buffering up to capacity records before dropping the oldest queued
// one to make room for the newest.
func NewSink(log *logging.Logger, out io.Writer, capacity int) *Sink {
	if capacity <= 0 {
		capacity = 1024
	}
	s := &Sink{
		log:     log.With("audit"),
		out:     out,
		records: make(chan Record, capacity),
		done:    make(chan struct{}),
	}
	go s.run()
	return s
}

// Record enqueues rec, dropping the oldest queued record if the buffer
// is full rather than blocking the caller.
func (s *Sink) Record(rec Record) {
	select {
	case s.records <- rec:
		return
	default:
	}
	select {
	case <-s.records:
		atomic.AddUint64(&s.dropped, 1)
	default:
	}
	select {
	case s.records <- rec:
	default:
		atomic.AddUint64(&s.dropped, 1)
	}
}

// Dropped returns the count of records dropped so far for back-pressure.
func (s *Sink) Dropped() uint64 { return atomic.LoadUint64(&s.dropped) }

func (s *Sink) run() {
	defer close(s.done)
	enc := json.NewEncoder(s.out)
	for rec := range s.records {
		if err := enc.Encode(rec); err != nil {
			s.log.Errorf("failed to write audit record: %v", err)
		}
	}
}

// Close stops accepting new records and waits for the writer goroutine
// to drain the buffer (§4.7 graceful shutdown).
func (s *Sink) Close() {
	close(s.records)
	<-s.done
}
