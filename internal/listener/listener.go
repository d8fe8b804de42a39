// Package listener implements the accept loop and connection
// supervisor (§4.7): bound concurrent connections, rate-limit by
// client address, and drain in-flight connections on shutdown instead
// of severing them. Generalizes the teacher's bare
// "for { Accept(); go handleConnection }" loop (icap-server-go/main.go)
// with the connection-limit and graceful-shutdown discipline §4.7 and
// §5 require.
package listener

import (
	"context"
	"net"
	"sync"
	"time"

	"github.com/tokenshield/icapd/internal/conn"
	"github.com/tokenshield/icapd/internal/logging"
	"github.com/tokenshield/icapd/internal/metrics"
	"github.com/tokenshield/icapd/internal/ratelimit"
)

// Listener accepts connections on a single TCP address and dispatches
// each to a conn.Handler, bounded by MaxConnections in aggregate and,
// separately, by MaxConnectionsPerClient for any single client
// address — a concurrency cap distinct from RateLimiter, which bounds
// how many new connections per second a client may open rather than
// how many it holds open at once (§4.7, §6).
type Listener struct {
	Addr                    string
	MaxConnections          int
	MaxConnectionsPerClient int
	Handler                 *conn.Handler
	Log                     *logging.Logger
	Metrics                 *metrics.Metrics
	RateLimiter             *ratelimit.Limiter

	mu        sync.Mutex
	listener  net.Listener
	wg        sync.WaitGroup
	sem       chan struct{}
	perClient map[string]int
}

// acquireClientSlot reports whether addr is under its concurrent
// connection cap, incrementing its count if so.
func (l *Listener) acquireClientSlot(addr string) bool {
	l.mu.Lock()
	defer l.mu.Unlock()
	if l.perClient == nil {
		l.perClient = make(map[string]int)
	}
	if l.perClient[addr] >= l.MaxConnectionsPerClient {
		return false
	}
	l.perClient[addr]++
	return true
}

func (l *Listener) releaseClientSlot(addr string) {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.perClient[addr]--
	if l.perClient[addr] <= 0 {
		delete(l.perClient, addr)
	}
}

// Run listens on l.Addr and serves connections until ctx is cancelled.
// On cancellation it stops accepting new connections and blocks until
// every in-flight connection's Handler.Serve returns (graceful drain).
func (l *Listener) Run(ctx context.Context) error {
	ln, err := net.Listen("tcp", l.Addr)
	if err != nil {
		return err
	}
	l.mu.Lock()
	l.listener = ln
	l.mu.Unlock()

	max := l.MaxConnections
	if max <= 0 {
		max = 512
	}
	l.sem = make(chan struct{}, max)

	l.Log.Infof("listening on %s (max_connections=%d)", l.Addr, max)

	go func() {
		<-ctx.Done()
		ln.Close()
	}()

	for {
		nc, err := ln.Accept()
		if err != nil {
			select {
			case <-ctx.Done():
				l.wg.Wait()
				return nil
			default:
				l.Log.Errorf("accept failed: %v", err)
				continue
			}
		}

		addr := clientAddr(nc)

		if l.RateLimiter != nil && !l.RateLimiter.Allow(addr) {
			if l.Metrics != nil {
				l.Metrics.ConnectionRejected()
			}
			nc.Close()
			continue
		}

		if l.MaxConnectionsPerClient > 0 && !l.acquireClientSlot(addr) {
			if l.Metrics != nil {
				l.Metrics.ConnectionRejected()
			}
			nc.Close()
			continue
		}

		select {
		case l.sem <- struct{}{}:
		default:
			if l.MaxConnectionsPerClient > 0 {
				l.releaseClientSlot(addr)
			}
			if l.Metrics != nil {
				l.Metrics.ConnectionRejected()
			}
			nc.Close()
			continue
		}

		if l.Metrics != nil {
			l.Metrics.ConnectionOpened()
		}
		l.wg.Add(1)
		go func() {
			defer func() {
				<-l.sem
				if l.MaxConnectionsPerClient > 0 {
					l.releaseClientSlot(addr)
				}
				l.wg.Done()
				if l.Metrics != nil {
					l.Metrics.ConnectionClosed()
				}
			}()
			l.Handler.Serve(ctx, nc)
		}()
	}
}

// Shutdown waits up to timeout for in-flight connections to drain
// after the caller has already cancelled the Run context.
func (l *Listener) Shutdown(timeout time.Duration) {
	done := make(chan struct{})
	go func() {
		l.wg.Wait()
		close(done)
	}()
	select {
	case <-done:
	case <-time.After(timeout):
		l.Log.Warnf("shutdown timed out after %s with connections still draining", timeout)
	}
}

func clientAddr(nc net.Conn) string {
	if tcp, ok := nc.RemoteAddr().(*net.TCPAddr); ok {
		return tcp.IP.String()
	}
	return nc.RemoteAddr().String()
}
