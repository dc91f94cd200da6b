package orchestration

import (
	"context"
	"errors"
	"sync"
	"time"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"

	"github.com/miavoice/mia-core/core/messages"
)

var (
	// ErrWaitTimeout is returned by SyncGate.Wait when the client did not
	// respond within the allotted time.
	ErrWaitTimeout = errors.New("timed out waiting for client response")
	// ErrClientReleased is returned by SyncGate.Wait when the client was
	// released while the wait was in flight.
	ErrClientReleased = errors.New("client released while waiting for response")
)

type responseKey struct {
	kind      string
	requestID string
}

// SyncGate lets turn flows suspend until a specific client message arrives.
// Waiters are keyed by (client, message type, request ID); a response with no
// registered waiter is dropped, not queued.
type SyncGate struct {
	mu      sync.Mutex
	waiters map[ClientID]map[responseKey]chan messages.Inbound
}

func NewSyncGate() *SyncGate {
	return &SyncGate{waiters: map[ClientID]map[responseKey]chan messages.Inbound{}}
}

// Wait suspends until a message of the given kind (and request ID, which may
// be empty) arrives from the client, the timeout elapses, the client is
// released, or ctx is cancelled. Registering a second waiter on the same key
// displaces the first, which observes ErrClientReleased.
func (g *SyncGate) Wait(ctx context.Context, client ClientID, kind string, requestID string, timeout time.Duration) (messages.Inbound, error) {
	key := responseKey{kind: kind, requestID: requestID}
	ch := make(chan messages.Inbound, 1)

	g.mu.Lock()
	if g.waiters[client] == nil {
		g.waiters[client] = map[responseKey]chan messages.Inbound{}
	}
	if previous, ok := g.waiters[client][key]; ok {
		close(previous)
	}
	g.waiters[client][key] = ch
	g.mu.Unlock()

	trace.SpanFromContext(ctx).AddEvent("awaiting client response",
		trace.WithAttributes(
			attribute.String("client.id", string(client)),
			attribute.String("response.kind", kind),
		),
	)

	timer := time.NewTimer(timeout)
	defer timer.Stop()

	select {
	case msg, ok := <-ch:
		if !ok {
			return messages.Inbound{}, ErrClientReleased
		}
		return msg, nil

	case <-timer.C:
		g.removeWaiter(client, key, ch)
		return messages.Inbound{}, ErrWaitTimeout

	case <-ctx.Done():
		g.removeWaiter(client, key, ch)
		return messages.Inbound{}, ctx.Err()
	}
}

// Deliver routes a client response to its waiter. It reports whether a waiter
// was found; unmatched responses are the caller's to log and drop.
func (g *SyncGate) Deliver(client ClientID, msg messages.Inbound) bool {
	key := responseKey{kind: msg.Type, requestID: msg.RequestID}

	g.mu.Lock()
	defer g.mu.Unlock()

	ch, ok := g.waiters[client][key]
	if !ok {
		return false
	}
	delete(g.waiters[client], key)
	ch <- msg
	return true
}

// ReleaseClient wakes every waiter registered for the client with
// ErrClientReleased. Safe to call for unknown clients and more than once.
func (g *SyncGate) ReleaseClient(client ClientID) {
	g.mu.Lock()
	defer g.mu.Unlock()

	for _, ch := range g.waiters[client] {
		close(ch)
	}
	delete(g.waiters, client)
}

// ActiveWaiters reports how many waits are currently registered, across all
// clients.
func (g *SyncGate) ActiveWaiters() int {
	g.mu.Lock()
	defer g.mu.Unlock()

	count := 0
	for _, keyed := range g.waiters {
		count += len(keyed)
	}
	return count
}

func (g *SyncGate) removeWaiter(client ClientID, key responseKey, ch chan messages.Inbound) {
	g.mu.Lock()
	defer g.mu.Unlock()

	if current, ok := g.waiters[client][key]; ok && current == ch {
		delete(g.waiters[client], key)
	}
}
