package threadmgr

import (
	"errors"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
)

func TestCreateThreadRunsFunction(t *testing.T) {
	m := NewManager()
	var ran int32

	id := m.CreateThread("worker", func(stop <-chan struct{}) error {
		atomic.StoreInt32(&ran, 1)
		return nil
	}, false)

	require.NotEmpty(t, id)
	require.Eventually(t, func() bool {
		return atomic.LoadInt32(&ran) == 1
	}, time.Second, 5*time.Millisecond)
}

func TestTrampolineRetriesOnError(t *testing.T) {
	m := NewManager()
	var attempts int32

	m.CreateThread("flaky", func(stop <-chan struct{}) error {
		n := atomic.AddInt32(&attempts, 1)
		if n < 3 {
			return errors.New("transient")
		}
		return nil
	}, false)

	require.Eventually(t, func() bool {
		return atomic.LoadInt32(&attempts) == 3
	}, time.Second, 5*time.Millisecond)
}

func TestRestartRequeuesAfterExit(t *testing.T) {
	m := NewManager()
	defer m.Stop()

	var starts int32
	m.CreateThread("restartable", func(stop <-chan struct{}) error {
		atomic.AddInt32(&starts, 1)
		return nil // exits immediately every time; a nil return gets no in-place retry
	}, true)

	// The monitor drains every 2s; wait past one cycle for at least one
	// restart to have been re-queued and re-spawned.
	require.Eventually(t, func() bool {
		return atomic.LoadInt32(&starts) >= 2
	}, 5*time.Second, 50*time.Millisecond)
}

func TestCreateThreadPoolSpawnsN(t *testing.T) {
	m := NewManager()
	ids := m.CreateThreadPool(4, "pool-worker", func(stop <-chan struct{}) error {
		<-stop
		return nil
	}, false)

	require.Len(t, ids, 4)
	require.Len(t, m.Snapshot(), 4)
	m.Stop()
}

func TestSnapshotTracksLiveThreads(t *testing.T) {
	m := NewManager()
	done := make(chan struct{})
	m.CreateThread("long-runner", func(stop <-chan struct{}) error {
		<-stop
		close(done)
		return nil
	}, false)

	snap := m.Snapshot()
	require.Len(t, snap, 1)
	require.Equal(t, "long-runner", snap[0].Name)

	m.Stop()
	select {
	case <-done:
	case <-time.After(time.Second):
		t.Fatal("worker did not observe stop signal")
	}
}
