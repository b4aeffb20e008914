package handler

import (
	"sync"
	"time"

	"github.com/dashingfabric/mailbox/internal/message"
)

// Source is the minimal surface a MailboxProcessor needs from an owner
// handle: a blocking dequeue that returns (nil, false) once the mailbox
// has deactivated (spec §4.3: "terminates when getMessage returns NULL").
// The owner handle implementation is responsible for serializing
// concurrent GetMessage calls under its own per-handle mutex (spec §5) —
// the processor does not add its own locking on top.
type Source interface {
	GetMessage(timeout time.Duration) (message.Message, bool)
}

// Processor binds a handler List to a message Source and drives dispatch.
type Processor struct {
	handlers *List
	source   Source
}

// NewProcessor constructs a Processor over the given handler list and
// message source.
func NewProcessor(handlers *List, source Source) *Processor {
	return &Processor{handlers: handlers, source: source}
}

// ProcessMailbox runs the dispatch loop. With n == 1 it blocks the calling
// goroutine; with n > 1 it spawns n worker goroutines against the same
// Source and returns immediately, the returned sync.WaitGroup letting
// callers wait for all workers to drain (spec §4.3).
func (p *Processor) ProcessMailbox(n int) *sync.WaitGroup {
	var wg sync.WaitGroup

	if n <= 1 {
		wg.Add(1)
		p.loop(&wg)
		return &wg
	}

	for i := 0; i < n; i++ {
		wg.Add(1)
		go p.loop(&wg)
	}
	return &wg
}

func (p *Processor) loop(wg *sync.WaitGroup) {
	defer wg.Done()

	for {
		msg, ok := p.source.GetMessage(0) // 0 == block indefinitely
		if !ok {
			return
		}
		fn := p.handlers.Find(msg.ID())
		fn(msg)
		msg.Delete()
	}
}
