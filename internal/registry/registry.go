// Package registry tracks live client connections and performs the in-process
// broadcast tier of the fan-out pipeline.
package registry

import (
	"sync"

	"github.com/google/uuid"

	"github.com/relayline-systems/relayline/internal/metrics"
	"github.com/relayline-systems/relayline/internal/model"
	"github.com/relayline-systems/relayline/pkg/logging"
)

// Registry owns the membership set of live connections and their bounded
// outbound buffers. Membership mutation and broadcast enumeration are mutually
// exclusive: a connection is never delivered to after Unregister returns.
type Registry struct {
	mu         sync.RWMutex
	conns      map[string]chan model.Message
	sendBuffer int
	closed     bool
	log        *logging.Logger
}

// New creates a registry. sendBuffer is the per-connection outbound buffer
// size; a delivery that would overflow it is dropped for that connection only.
func New(sendBuffer int, log *logging.Logger) *Registry {
	if log == nil {
		log = logging.Default()
	}
	return &Registry{
		conns:      make(map[string]chan model.Message),
		sendBuffer: sendBuffer,
		log:        log,
	}
}

// Register adds a connection to the membership set and returns its assigned
// identifier together with the outbound channel the transport must drain.
// The channel is closed by Unregister or Close; in-flight deliveries buffered
// at that point are discarded with it.
func (r *Registry) Register() (string, <-chan model.Message) {
	id := uuid.New().String()
	out := make(chan model.Message, r.sendBuffer)

	r.mu.Lock()
	if r.closed {
		r.mu.Unlock()
		close(out)
		return id, out
	}
	r.conns[id] = out
	n := len(r.conns)
	r.mu.Unlock()

	metrics.Connections.Set(float64(n))
	r.log.Debug("connection registered", logging.ConnectionID(id))
	return id, out
}

// Unregister removes a connection and closes its outbound channel. Idempotent:
// unregistering an unknown id is a no-op.
func (r *Registry) Unregister(id string) {
	r.mu.Lock()
	out, ok := r.conns[id]
	if ok {
		delete(r.conns, id)
	}
	n := len(r.conns)
	r.mu.Unlock()

	if !ok {
		return
	}
	close(out)
	metrics.Connections.Set(float64(n))
	r.log.Debug("connection unregistered", logging.ConnectionID(id))
}

// BroadcastExceptSender delivers msg to every registered connection other than
// senderID. A connection whose buffer is full is skipped; slow receivers never
// stall the broadcast loop.
func (r *Registry) BroadcastExceptSender(msg model.Message, senderID string) {
	r.broadcast(msg, senderID)
}

// BroadcastAll delivers msg to every registered connection. Used for messages
// arriving via the bus, where the originating instance already delivered to
// its own connections.
func (r *Registry) BroadcastAll(msg model.Message) {
	r.broadcast(msg, "")
}

func (r *Registry) broadcast(msg model.Message, skip string) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	for id, out := range r.conns {
		if id == skip {
			continue
		}
		select {
		case out <- msg:
			metrics.BroadcastsTotal.Inc()
		default:
			metrics.BroadcastDrops.Inc()
			r.log.Warn("outbound buffer full, dropping delivery", logging.ConnectionID(id))
		}
	}
}

// Len returns the number of registered connections.
func (r *Registry) Len() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.conns)
}

// Close unregisters every connection and refuses further registrations.
func (r *Registry) Close() {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.closed {
		return
	}
	r.closed = true
	for id, out := range r.conns {
		delete(r.conns, id)
		close(out)
	}
	metrics.Connections.Set(0)
}
