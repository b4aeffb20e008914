// Package handler implements the dispatch table and its driving loop:
// MessageHandlerList (id → functor) and MailboxProcessor (spec §4.3).
package handler

import (
	"log/slog"
	"sync"

	"github.com/dashingfabric/mailbox/internal/message"
)

// Func handles one message, returning an implementation-defined status
// code (spec §4.3: "one MessageBase* argument, int return").
type Func func(msg message.Message) int

// List is a thread-safe messageId → Func dispatch table.
type List struct {
	mu             sync.RWMutex
	handlers       map[uint16]Func
	defaultHandler Func
	savedDefault   Func
}

// NewList constructs a List with the stock default handler installed: it
// logs and returns (spec §4.3).
func NewList() *List {
	l := &List{handlers: make(map[uint16]Func)}
	l.defaultHandler = func(msg message.Message) int {
		slog.Warn("no handler registered for message id, using default", "message_id", msg.ID())
		return 0
	}
	l.savedDefault = l.defaultHandler
	return l
}

func (l *List) Add(id uint16, fn Func) {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.handlers[id] = fn
}

func (l *List) Remove(id uint16) {
	l.mu.Lock()
	defer l.mu.Unlock()
	delete(l.handlers, id)
}

// Find returns the handler for id, or the current default if none is
// registered.
func (l *List) Find(id uint16) Func {
	l.mu.RLock()
	defer l.mu.RUnlock()
	if fn, ok := l.handlers[id]; ok {
		return fn
	}
	return l.defaultHandler
}

// SetDefault replaces the default handler (invoked for unregistered ids).
func (l *List) SetDefault(fn Func) {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.defaultHandler = fn
}

// RestoreDefault resets the default handler back to the stock
// log-and-return implementation installed by NewList.
func (l *List) RestoreDefault() {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.defaultHandler = l.savedDefault
}

// ListIDs returns the currently registered message ids, for diagnostics.
func (l *List) ListIDs() []uint16 {
	l.mu.RLock()
	defer l.mu.RUnlock()
	ids := make([]uint16, 0, len(l.handlers))
	for id := range l.handlers {
		ids = append(ids, id)
	}
	return ids
}
