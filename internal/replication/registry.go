// Package replication implements the master-side replica registry and
// write-propagation fan-out, and the replica-side handshake plus
// apply-only loop.
package replication

import (
	"bufio"
	"net"
	"sync"

	"go.uber.org/zap"

	"github.com/kvnode/redisd/internal/resp"
)

// Sink is one replica connection registered after a completed PSYNC.
type Sink struct {
	conn net.Conn
	w    *bufio.Writer
	mu   sync.Mutex
}

// NewSink wraps a connection whose PSYNC handshake has just completed.
// w is the same buffered writer the connection handler was using, so
// ownership of the wire transfers cleanly with no byte left stranded in
// either buffer.
func NewSink(conn net.Conn, w *bufio.Writer) *Sink {
	return &Sink{conn: conn, w: w}
}

// Registry is the process-wide ordered set of replica sinks. A master
// fans write commands out to every registered sink in the order the
// commands executed locally.
type Registry struct {
	mu    sync.Mutex
	sinks []*Sink
	log   *zap.Logger
}

// NewRegistry returns an empty registry.
func NewRegistry(log *zap.Logger) *Registry {
	return &Registry{log: log}
}

// Register appends sink to the registry. Order of registration is the
// order PSYNC completed in, which the registry never reshuffles.
func (r *Registry) Register(s *Sink) {
	r.mu.Lock()
	r.sinks = append(r.sinks, s)
	r.mu.Unlock()
}

// Count reports the number of registered sinks, for INFO replication and
// tests.
func (r *Registry) Count() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.sinks)
}

// Propagate re-encodes args as a RESP array and best-effort writes it to
// every registered sink, in registration order. A write failure is
// logged; per this version's design the faulty sink is kept registered
// rather than evicted (see the replica-unregistration open question).
func (r *Registry) Propagate(args [][]byte) {
	buf := resp.EncodeCommand(args)

	r.mu.Lock()
	sinks := make([]*Sink, len(r.sinks))
	copy(sinks, r.sinks)
	r.mu.Unlock()

	for _, s := range sinks {
		s.mu.Lock()
		_, err := s.w.Write(buf)
		if err == nil {
			err = s.w.Flush()
		}
		s.mu.Unlock()
		if err != nil && r.log != nil {
			r.log.Warn("replica propagation failed",
				zap.String("remote", s.conn.RemoteAddr().String()),
				zap.Error(err))
		}
	}
}
