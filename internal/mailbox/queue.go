package mailbox

import (
	"sync"
	"time"

	"github.com/dashingfabric/mailbox/internal/message"
	"github.com/dashingfabric/mailbox/internal/mlserr"
)

// queue is the local FIFO every queue-backed mailbox variant uses —
// ACE_Message_Queue-equivalent per spec §4.5: bounded for LocalMailbox,
// unbounded (bound == 0) for LocalSMMailbox (spec §4.8).
//
// Push's timeout follows spec §5 ("post may block ... up to the caller's
// timeout, default zero"): timeout <= 0 means fail fast on a full queue
// rather than wait. Pop's timeout follows the getMessage(timeoutMs)
// contract instead, where zero means block indefinitely — the two zero
// values mean opposite things because post's hot-path default is
// non-blocking and getMessage's is a worker loop that lives on the
// blocking call.
type queue struct {
	mu     sync.Mutex
	cond   *sync.Cond
	items  []message.Message
	bound  int
	closed bool
}

func newQueue(bound int) *queue {
	q := &queue{bound: bound}
	q.cond = sync.NewCond(&q.mu)
	return q
}

func (q *queue) Push(msg message.Message, timeout time.Duration) error {
	q.mu.Lock()
	defer q.mu.Unlock()

	if q.closed {
		return mlserr.New(mlserr.TransportFatal).WithMessage("mailbox queue closed").WithSource("mailbox").Build()
	}

	if q.bound > 0 && len(q.items) >= q.bound {
		if timeout <= 0 {
			return mlserr.New(mlserr.TransportTransient).WithMessage("local queue full").WithSource("mailbox").Build()
		}
		deadline := time.Now().Add(timeout)
		for q.bound > 0 && len(q.items) >= q.bound && !q.closed {
			remaining := time.Until(deadline)
			if remaining <= 0 {
				return mlserr.New(mlserr.TransportTransient).WithMessage("local queue full, post timed out").WithSource("mailbox").Build()
			}
			q.waitWithTimeout(remaining)
		}
		if q.closed {
			return mlserr.New(mlserr.TransportFatal).WithMessage("mailbox queue closed").WithSource("mailbox").Build()
		}
	}

	q.items = append(q.items, msg)
	q.cond.Signal()
	return nil
}

// Pop dequeues, blocking indefinitely when timeout <= 0, until a message
// arrives or the queue is closed (deactivated) — the latter surfaces as
// ok == false, unblocking any in-flight getMessage callers (spec §5
// cancellation).
func (q *queue) Pop(timeout time.Duration) (message.Message, bool) {
	q.mu.Lock()
	defer q.mu.Unlock()

	var deadline time.Time
	hasDeadline := timeout > 0
	if hasDeadline {
		deadline = time.Now().Add(timeout)
	}

	for len(q.items) == 0 && !q.closed {
		if hasDeadline {
			remaining := time.Until(deadline)
			if remaining <= 0 {
				return nil, false
			}
			q.waitWithTimeout(remaining)
		} else {
			q.cond.Wait()
		}
	}

	if len(q.items) == 0 {
		return nil, false
	}

	msg := q.items[0]
	q.items = q.items[1:]
	return msg, true
}

func (q *queue) PopNonBlocking() (message.Message, bool) {
	q.mu.Lock()
	defer q.mu.Unlock()
	if len(q.items) == 0 {
		return nil, false
	}
	msg := q.items[0]
	q.items = q.items[1:]
	return msg, true
}

// waitWithTimeout wakes the condition variable wait after d even if
// nothing is pushed, via a one-shot timer that rebroadcasts; must be
// called with q.mu held (sync.Cond.Wait releases and reacquires it).
func (q *queue) waitWithTimeout(d time.Duration) {
	timer := time.AfterFunc(d, func() {
		q.mu.Lock()
		q.cond.Broadcast()
		q.mu.Unlock()
	})
	q.cond.Wait()
	timer.Stop()
}

// Close idempotently shuts the queue down, making every blocked and
// future Pop observe (nil, false) — spec §4.5 "must idempotently
// interrupt blocked getMessage callers".
func (q *queue) Close() {
	q.mu.Lock()
	defer q.mu.Unlock()
	if q.closed {
		return
	}
	q.closed = true
	q.cond.Broadcast()
}

func (q *queue) Len() int {
	q.mu.Lock()
	defer q.mu.Unlock()
	return len(q.items)
}
