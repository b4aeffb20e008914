package handler

import (
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/dashingfabric/mailbox/internal/message"
)

type stubMessage struct {
	message.Base
	payload string
}

func (m *stubMessage) Serialize(buf *message.Buffer) error   { return nil }
func (m *stubMessage) Deserialize(buf *message.Buffer) error { return nil }

type fakeSource struct {
	mu     sync.Mutex
	queue  []message.Message
	closed bool
}

func (f *fakeSource) push(m message.Message) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.queue = append(f.queue, m)
}

func (f *fakeSource) close() {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.closed = true
}

func (f *fakeSource) GetMessage(timeout time.Duration) (message.Message, bool) {
	for {
		f.mu.Lock()
		if len(f.queue) > 0 {
			m := f.queue[0]
			f.queue = f.queue[1:]
			f.mu.Unlock()
			return m, true
		}
		closed := f.closed
		f.mu.Unlock()
		if closed {
			return nil, false
		}
		time.Sleep(time.Millisecond)
	}
}

func TestListFindUsesDefaultWhenUnregistered(t *testing.T) {
	l := NewList()
	var calledDefault int32
	l.SetDefault(func(msg message.Message) int {
		atomic.StoreInt32(&calledDefault, 1)
		return 0
	})

	fn := l.Find(99)
	fn(&stubMessage{Base: message.NewBase(99, 1)})
	require.Equal(t, int32(1), calledDefault)
}

func TestListAddFindRemove(t *testing.T) {
	l := NewList()
	var got string
	l.Add(7, func(msg message.Message) int {
		got = msg.(*stubMessage).payload
		return 0
	})

	l.Find(7)(&stubMessage{Base: message.NewBase(7, 1), payload: "hi"})
	require.Equal(t, "hi", got)

	l.Remove(7)
	require.NotPanics(t, func() {
		l.Find(7)(&stubMessage{Base: message.NewBase(7, 1)})
	})
}

func TestRestoreDefault(t *testing.T) {
	l := NewList()
	l.SetDefault(func(msg message.Message) int { return 1 })
	l.RestoreDefault()
	// Stock default just logs; calling it should not panic.
	require.NotPanics(t, func() {
		l.Find(123)(&stubMessage{Base: message.NewBase(123, 1)})
	})
}

func TestProcessorSingleWorkerDispatchesAndStops(t *testing.T) {
	l := NewList()
	var received []string
	var mu sync.Mutex
	l.Add(1, func(msg message.Message) int {
		mu.Lock()
		received = append(received, msg.(*stubMessage).payload)
		mu.Unlock()
		return 0
	})

	src := &fakeSource{}
	src.push(&stubMessage{Base: message.NewBase(1, 1), payload: "a"})
	src.push(&stubMessage{Base: message.NewBase(1, 1), payload: "b"})
	src.close()

	p := NewProcessor(l, src)
	wg := p.ProcessMailbox(1)
	wg.Wait()

	mu.Lock()
	defer mu.Unlock()
	require.Equal(t, []string{"a", "b"}, received)
}

func TestProcessorMultiWorkerDrainsAll(t *testing.T) {
	l := NewList()
	var count int32
	l.Add(1, func(msg message.Message) int {
		atomic.AddInt32(&count, 1)
		return 0
	})

	src := &fakeSource{}
	for i := 0; i < 50; i++ {
		src.push(&stubMessage{Base: message.NewBase(1, 1)})
	}
	src.close()

	p := NewProcessor(l, src)
	wg := p.ProcessMailbox(5)
	wg.Wait()

	require.Equal(t, int32(50), atomic.LoadInt32(&count))
}
