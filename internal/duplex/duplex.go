// Package duplex pumps bytes between two net.Conn halves of a proxied
// stream until both directions terminate or a timeout fires.
package duplex

import (
	"errors"
	"io"
	"net"
	"sync"
	"sync/atomic"
	"time"

	"github.com/olla-mesh/streamrouter/internal/domain"
	"github.com/olla-mesh/streamrouter/pkg/pool"
)

const copyBufferSize = 32 * 1024

var bufferPool = pool.NewLitePool(func() *copyBuffer {
	return &copyBuffer{buf: make([]byte, copyBufferSize)}
})

// copyBuffer wraps a byte slice so it satisfies pool.Resettable without
// reallocating between uses.
type copyBuffer struct {
	buf []byte
}

func (c *copyBuffer) Reset() {}

// Result is the completion record emitted once both directions of a
// Duplex have terminated.
type Result struct {
	Reason    domain.CompletionReason
	Timeout   domain.TimeoutKind // valid only when Reason == ReasonTimeout
	Err       error
	RxBytes   int64
	TxBytes   int64
	Duration  time.Duration
}

// Config bounds one Duplex's lifetime.
type Config struct {
	// StreamDeadline is an absolute cap measured from connection open;
	// zero means no cap.
	StreamDeadline time.Time
	// IdleTimeout resets on every successful read in either direction;
	// zero means no idle timeout.
	IdleTimeout time.Duration
	// OnRx/OnTx are invoked with the byte count of every successful
	// read, for metrics accounting. May be nil.
	OnRx func(n int)
	OnTx func(n int)
}

// readResult lets a read be raced against an idle timer on a separate
// goroutine without blocking the caller on a potentially stalled socket.
type readResult struct {
	n   int
	err error
}

// Run copies client<->upstream concurrently, applying half-close
// semantics: when one side reaches EOF, the corresponding write half of
// the other connection is shut down (via CloseWrite, when supported)
// while the reverse direction keeps running until it, too, terminates.
// Run blocks until both directions have completed.
func Run(client, upstream net.Conn, cfg Config) Result {
	start := time.Now()

	var rx, tx atomic.Int64
	var once sync.Once
	var timeoutKind domain.TimeoutKind
	var sawTimeout atomic.Bool
	var firstErr atomic.Value // error
	var closeOnce sync.Once
	var closeReason domain.CompletionReason

	done := make(chan struct{})
	deadlineTimer := (*time.Timer)(nil)
	if !cfg.StreamDeadline.IsZero() {
		deadlineTimer = time.NewTimer(time.Until(cfg.StreamDeadline))
		defer deadlineTimer.Stop()
	}

	var idleTimer *time.Timer
	idleCh := make(chan struct{})
	if cfg.IdleTimeout > 0 {
		idleTimer = time.NewTimer(cfg.IdleTimeout)
		defer idleTimer.Stop()
	}

	var wg sync.WaitGroup
	wg.Add(2)

	abort := func(kind domain.TimeoutKind) {
		once.Do(func() {
			sawTimeout.Store(true)
			timeoutKind = kind
			_ = client.Close()
			_ = upstream.Close()
		})
	}

	if deadlineTimer != nil || idleTimer != nil {
		go func() {
			for {
				var deadlineCh <-chan time.Time
				if deadlineTimer != nil {
					deadlineCh = deadlineTimer.C
				}
				var idleTimerCh <-chan time.Time
				if idleTimer != nil {
					idleTimerCh = idleTimer.C
				}
				select {
				case <-done:
					return
				case <-deadlineCh:
					abort(domain.TimeoutStream)
					return
				case <-idleTimerCh:
					abort(domain.TimeoutIdle)
					return
				case <-idleCh:
					if idleTimer != nil {
						if !idleTimer.Stop() {
							select {
							case <-idleTimer.C:
							default:
							}
						}
						idleTimer.Reset(cfg.IdleTimeout)
					}
				}
			}
		}()
	}

	pump := func(dst, src net.Conn, counter *atomic.Int64, onCount func(int), reasonOnClose domain.CompletionReason) {
		defer wg.Done()
		cb := bufferPool.Get()
		defer bufferPool.Put(cb)

		for {
			n, err := src.Read(cb.buf)
			if n > 0 {
				counter.Add(int64(n))
				if onCount != nil {
					onCount(n)
				}
				if cfg.IdleTimeout > 0 {
					select {
					case idleCh <- struct{}{}:
					case <-done:
					}
				}
				if _, werr := dst.Write(cb.buf[:n]); werr != nil {
					storeFirstErr(&firstErr, werr)
					_ = src.Close()
					_ = dst.Close()
					return
				}
			}
			if err != nil {
				if !errors.Is(err, io.EOF) {
					storeFirstErr(&firstErr, err)
				} else {
					closeOnce.Do(func() { closeReason = reasonOnClose })
				}
				halfCloseWrite(dst)
				return
			}
		}
	}

	// client's read side reaching clean EOF means the client half-closed
	// first; upstream's read side reaching clean EOF means the upstream
	// (server) half-closed first. Whichever happens first wins the race
	// recorded in closeReason, unless a timeout or error supersedes it.
	go pump(upstream, client, &tx, cfg.OnTx, domain.ReasonClientClose)
	go pump(client, upstream, &rx, cfg.OnRx, domain.ReasonServerClose)

	wg.Wait()
	close(done)

	_ = client.Close()
	_ = upstream.Close()

	res := Result{
		RxBytes:  rx.Load(),
		TxBytes:  tx.Load(),
		Duration: time.Since(start),
	}

	if sawTimeout.Load() {
		res.Reason = domain.ReasonTimeout
		res.Timeout = timeoutKind
		return res
	}

	if v := firstErr.Load(); v != nil {
		res.Reason = domain.ReasonError
		res.Err = v.(error)
		return res
	}

	res.Reason = closeReason
	return res
}

func storeFirstErr(v *atomic.Value, err error) {
	if err == nil {
		return
	}
	v.CompareAndSwap(nil, err)
}

// halfCloseWrite shuts down the write half of conn if it supports
// CloseWrite (true for *net.TCPConn and *tls.Conn), otherwise closes it
// outright — the read side of the pair will observe EOF/closed either
// way, but CloseWrite lets the reverse direction keep flowing.
func halfCloseWrite(conn net.Conn) {
	type writeCloser interface {
		CloseWrite() error
	}
	if wc, ok := conn.(writeCloser); ok {
		_ = wc.CloseWrite()
		return
	}
	_ = conn.Close()
}
