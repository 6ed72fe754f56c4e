// internal/state/state_test.go
package state

import (
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/sightglass-sh/sightglass/api/schemas"
)

func TestBeginAgentRun(t *testing.T) {
	t.Run("claims an idle viewport", func(t *testing.T) {
		s := New(10)
		require.NoError(t, s.BeginAgentRun("find the pricing page"))
		assert.Equal(t, schemas.ModeAgent, s.Mode())
		assert.True(t, s.AgentRunning())
		assert.Equal(t, "find the pricing page", s.Task())
		assert.Zero(t, s.IterationCount())
	})

	t.Run("rejects a second start", func(t *testing.T) {
		s := New(10)
		require.NoError(t, s.BeginAgentRun("first"))
		err := s.BeginAgentRun("second")
		require.ErrorIs(t, err, ErrAgentAlreadyRunning)
		// The losing request must not disturb the active run.
		assert.Equal(t, "first", s.Task())
	})

	t.Run("prior human action does not block a start", func(t *testing.T) {
		s := New(10)
		s.MarkHuman()
		require.Equal(t, schemas.ModeHuman, s.Mode())
		require.NoError(t, s.BeginAgentRun("task"))
	})

	t.Run("only one of many concurrent starts wins", func(t *testing.T) {
		s := New(10)
		var wg sync.WaitGroup
		errs := make([]error, 16)
		for i := range errs {
			wg.Add(1)
			go func(i int) {
				defer wg.Done()
				errs[i] = s.BeginAgentRun("race")
			}(i)
		}
		wg.Wait()

		winners := 0
		for _, err := range errs {
			if err == nil {
				winners++
			} else {
				assert.ErrorIs(t, err, ErrAgentAlreadyRunning)
			}
		}
		assert.Equal(t, 1, winners)
	})
}

func TestEndAgentRun(t *testing.T) {
	s := New(10)
	require.NoError(t, s.BeginAgentRun("task"))
	require.True(t, s.SetExchange("ex-1"))

	s.EndAgentRun()
	assert.Equal(t, schemas.ModeIdle, s.Mode())
	assert.False(t, s.AgentRunning())
	assert.Empty(t, s.Task())
	assert.Empty(t, s.ExchangeID())

	// Idempotent.
	s.EndAgentRun()
	assert.Equal(t, schemas.ModeIdle, s.Mode())
}

func TestRequestStop(t *testing.T) {
	s := New(10)
	assert.False(t, s.RequestStop(), "stop with no run active reports false")

	require.NoError(t, s.BeginAgentRun("task"))
	assert.True(t, s.RequestStop())
	assert.False(t, s.AgentRunning())
	assert.False(t, s.RequestStop(), "second stop is a no-op")
	// Mode stays agent until the loop tears down via EndAgentRun.
	assert.Equal(t, schemas.ModeAgent, s.Mode())
}

func TestSetExchangeAfterStop(t *testing.T) {
	s := New(10)
	require.NoError(t, s.BeginAgentRun("task"))
	require.True(t, s.SetExchange("ex-1"))

	s.RequestStop()
	assert.False(t, s.SetExchange("ex-2"), "a stopped run must not accept new exchange ids")
	assert.Equal(t, "ex-1", s.ExchangeID())
}

func TestMarkHumanDuringRun(t *testing.T) {
	s := New(10)
	require.NoError(t, s.BeginAgentRun("task"))

	s.MarkHuman()
	assert.Equal(t, schemas.ModeAgent, s.Mode(), "human one-shots do not steal the mode mid-run")
	assert.False(t, s.LastHuman().IsZero())
}

func TestFrameCache(t *testing.T) {
	s := New(10)
	assert.Nil(t, s.LastFrame())

	buf := []byte("frame-1")
	s.SetFrame(buf)
	buf[0] = 'X'
	assert.Equal(t, []byte("frame-1"), s.LastFrame(), "published frame is a copy")

	s.SetFrame(nil)
	assert.Equal(t, []byte("frame-1"), s.LastFrame(), "empty captures never clobber the cache")

	s.SetFrame([]byte("frame-2"))
	assert.Equal(t, []byte("frame-2"), s.LastFrame())
}

func TestHistory(t *testing.T) {
	t.Run("evicts oldest beyond capacity", func(t *testing.T) {
		s := New(3)
		for _, kind := range []string{"a", "b", "c", "d"} {
			s.AppendHistory(schemas.HistoryEntry{Kind: kind, Mode: schemas.ModeHuman})
		}
		got := s.Recent(0)
		require.Len(t, got, 3)
		assert.Equal(t, "b", got[0].Kind)
		assert.Equal(t, "d", got[2].Kind)
	})

	t.Run("recent honors the limit oldest-first", func(t *testing.T) {
		s := New(10)
		for _, kind := range []string{"a", "b", "c"} {
			s.AppendHistory(schemas.HistoryEntry{Kind: kind})
		}
		got := s.Recent(2)
		require.Len(t, got, 2)
		assert.Equal(t, "b", got[0].Kind)
		assert.Equal(t, "c", got[1].Kind)
	})

	t.Run("stamps missing timestamps", func(t *testing.T) {
		s := New(10)
		s.AppendHistory(schemas.HistoryEntry{Kind: "click"})
		got := s.Recent(1)
		require.Len(t, got, 1)
		assert.False(t, got[0].Timestamp.IsZero())
	})

	t.Run("clear reports the dropped count", func(t *testing.T) {
		s := New(10)
		s.AppendHistory(schemas.HistoryEntry{Kind: "a"})
		s.AppendHistory(schemas.HistoryEntry{Kind: "b"})
		assert.Equal(t, 2, s.ClearHistory())
		assert.Empty(t, s.Recent(0))
		assert.Zero(t, s.ClearHistory())
	})
}

func TestStatusSnapshot(t *testing.T) {
	s := New(10)
	require.NoError(t, s.BeginAgentRun("task"))
	s.NextIteration()
	s.NextIteration()
	s.AppendHistory(schemas.HistoryEntry{Kind: "click", Mode: schemas.ModeAgent})

	st := s.Status()
	assert.Equal(t, schemas.ModeAgent, st.Mode)
	assert.True(t, st.AgentRunning)
	assert.Equal(t, "task", st.Task)
	assert.Equal(t, 2, st.IterationCount)
	assert.Equal(t, 1, st.HistoryLength)
}
