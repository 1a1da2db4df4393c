// Package transport hides the difference between a plain UDP socket and a
// peer-addressed channel brokered by the lobby server.
//
// Both are datagram, best-effort and unordered. Reliability is built on top,
// at the message layer.
package transport

import (
	"io"

	"github.com/phuslu/log"
)

// Transport never blocks for long and never panics: "nothing to read" and
// "could not send right now" are both reported as ok == false and the caller
// just tries again next tick.
type Transport interface {
	Send(data []byte) (n int, ok bool)
	Recv(buf []byte) (n int, ok bool)
	// Duplicate returns an independent handle to the same endpoint so that
	// sending and receiving can live on different goroutines.
	Duplicate() (Transport, bool)
	Close() error
}

// if logger is nil (which might be true in tests) => use default, but
// silenced logger
func silentIfNil(logger *log.Logger) *log.Logger {
	if logger != nil {
		return logger
	}
	tmp := log.DefaultLogger
	tmp.Writer = &log.IOWriter{Writer: io.Discard}
	return &tmp
}
