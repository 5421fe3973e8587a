package session

import (
	"fmt"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newTestRegistry(t *testing.T, opts RegistryOptions) *Registry {
	t.Helper()
	r := NewRegistry(opts)
	t.Cleanup(r.Close)
	return r
}

func TestRegistry_GetOrCreate(t *testing.T) {
	t.Run("concurrent callers share one winner", func(t *testing.T) {
		r := newTestRegistry(t, RegistryOptions{})

		const callers = 64
		var created atomic.Int32
		results := make([]*Session, callers)
		var wg sync.WaitGroup
		start := make(chan struct{})

		for i := 0; i < callers; i++ {
			wg.Add(1)
			go func(i int) {
				defer wg.Done()
				<-start
				s, isNew, err := r.GetOrCreate("same")
				if err != nil {
					return
				}
				if isNew {
					created.Add(1)
				}
				results[i] = s
			}(i)
		}
		close(start)
		wg.Wait()

		assert.Equal(t, int32(1), created.Load())
		for _, s := range results {
			assert.Same(t, results[0], s)
		}
		assert.Equal(t, 1, r.Len())
	})

	t.Run("existing session is returned", func(t *testing.T) {
		r := newTestRegistry(t, RegistryOptions{})
		first, isNew, err := r.GetOrCreate("a")
		require.NoError(t, err)
		assert.True(t, isNew)

		again, isNew, err := r.GetOrCreate("a")
		require.NoError(t, err)
		assert.False(t, isNew)
		assert.Same(t, first, again)
	})
}

func TestRegistry_Attach(t *testing.T) {
	r := newTestRegistry(t, RegistryOptions{})
	conn := NewConnection(1, newPipeStream())

	s, err := r.Attach("a", conn)
	require.NoError(t, err)
	assert.True(t, s.Attached())
	assert.Equal(t, SessionID("a"), conn.Owner())

	_, err = r.Attach("b", conn)
	assert.ErrorIs(t, err, ErrConnectionClaimed)
}

func TestRegistry_Remove(t *testing.T) {
	r := newTestRegistry(t, RegistryOptions{})
	conn := NewConnection(1, newPipeStream())
	s, err := r.Attach("a", conn)
	require.NoError(t, err)

	assert.ErrorIs(t, r.Remove("a"), ErrStillActive)
	_, ok := r.Get("a")
	assert.True(t, ok)

	s.Detach(conn)
	assert.NoError(t, r.Remove("a"))
	assert.ErrorIs(t, r.Remove("a"), ErrNotFound)
	assert.ErrorIs(t, r.Remove("never"), ErrNotFound)
	assert.Equal(t, 0, r.Len())
}

func TestRegistry_RemoveConcurrent(t *testing.T) {
	r := newTestRegistry(t, RegistryOptions{})
	_, _, err := r.GetOrCreate("a")
	require.NoError(t, err)

	var removed atomic.Int32
	var wg sync.WaitGroup
	for i := 0; i < 16; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			if r.Remove("a") == nil {
				removed.Add(1)
			}
		}()
	}
	wg.Wait()
	assert.Equal(t, int32(1), removed.Load())
}

func TestRegistry_Send(t *testing.T) {
	r := newTestRegistry(t, RegistryOptions{Capacity: 1})
	stream := newPipeStream()
	_, err := r.Attach("a", NewConnection(1, stream))
	require.NoError(t, err)

	require.NoError(t, r.Send("a", NewText("hi")))
	assert.Eventually(t, func() bool { return len(stream.texts()) == 1 }, waitFor, tick)

	assert.ErrorIs(t, r.Send("ghost", NewText("hi")), ErrNotFound)

	_, _, err = r.GetOrCreate("offline")
	require.NoError(t, err)
	require.NoError(t, r.Send("offline", NewText("1")))
	assert.ErrorIs(t, r.Send("offline", NewText("2")), ErrBackpressure)
}

func TestRegistry_Broadcast(t *testing.T) {
	r := newTestRegistry(t, RegistryOptions{Capacity: 1})
	for _, id := range []SessionID{"a", "b", "c"} {
		_, _, err := r.GetOrCreate(id)
		require.NoError(t, err)
	}
	require.NoError(t, r.Send("c", NewText("filler")))

	report := r.Broadcast(NewText("news"), func(id SessionID) bool { return id != "a" })
	assert.Equal(t, []SessionID{"b"}, report.Delivered)
	require.Contains(t, report.Failed, SessionID("c"))
	assert.ErrorIs(t, report.Failed["c"], ErrBackpressure)

	a, _ := r.Get("a")
	assert.Equal(t, 0, a.Pending())

	report = r.Broadcast(NewText("all"), nil)
	assert.ElementsMatch(t, []SessionID{"a"}, report.Delivered)
	assert.Len(t, report.Failed, 2)
}

func TestRegistry_Expire(t *testing.T) {
	r := newTestRegistry(t, RegistryOptions{})
	conn := NewConnection(1, newPipeStream())
	_, err := r.Attach("online", conn)
	require.NoError(t, err)

	idle, _, err := r.GetOrCreate("idle")
	require.NoError(t, err)
	require.NoError(t, idle.Enqueue(NewText("stale")))

	expired := r.Expire(time.Now().Add(time.Hour), time.Minute)
	assert.Equal(t, []SessionID{"idle"}, expired)
	assert.Equal(t, 1, r.Len())
	assert.ErrorIs(t, idle.Enqueue(NewText("late")), ErrSessionClosed)

	fresh, isNew, err := r.GetOrCreate("idle")
	require.NoError(t, err)
	assert.True(t, isNew)
	assert.NotSame(t, idle, fresh)
	assert.Equal(t, 0, fresh.Pending())

	assert.Empty(t, r.Expire(time.Now(), time.Minute))
}

func TestRegistry_Close(t *testing.T) {
	r := NewRegistry(RegistryOptions{})
	streams := make([]*pipeStream, 3)
	for i := range streams {
		streams[i] = newPipeStream()
		_, err := r.Attach(SessionID(fmt.Sprintf("s%d", i)), NewConnection(ConnectionID(i+1), streams[i]))
		require.NoError(t, err)
	}

	r.Close()
	r.Close()

	assert.Equal(t, 0, r.Len())
	for _, stream := range streams {
		assert.True(t, stream.isClosed())
	}

	_, _, err := r.GetOrCreate("late")
	assert.ErrorIs(t, err, ErrRegistryClosed)
	_, err = r.Attach("late", NewConnection(99, newPipeStream()))
	assert.ErrorIs(t, err, ErrRegistryClosed)
}

func TestRegistry_Range(t *testing.T) {
	r := newTestRegistry(t, RegistryOptions{})
	for _, id := range []SessionID{"a", "b"} {
		_, _, err := r.GetOrCreate(id)
		require.NoError(t, err)
	}

	var seen []SessionID
	r.Range(func(s *Session) bool {
		seen = append(seen, s.ID())
		return true
	})
	assert.ElementsMatch(t, []SessionID{"a", "b"}, seen)
}
