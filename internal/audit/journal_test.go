package audit

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
)

func TestJournalFlushesOnStop(t *testing.T) {
	sink := NewMemory()
	j := NewJournal(sink, zap.NewNop(), 0, time.Hour)
	j.Start()

	for i := 0; i < 150; i++ {
		j.Emit(Event{Type: AgentSwapExecuted, StrategyID: 1})
	}
	j.Stop()

	events := sink.Events()
	require.Len(t, events, 150)
	for _, e := range events {
		assert.NotEmpty(t, e.ID)
		assert.False(t, e.Timestamp.IsZero())
	}

	// Stopped journals drop events; Stop is idempotent.
	j.Emit(Event{Type: PolicyDisabled})
	j.Stop()
	assert.Len(t, sink.Events(), 150)
}

func TestJournalFlushesOnInterval(t *testing.T) {
	sink := NewMemory()
	j := NewJournal(sink, zap.NewNop(), 10, 10*time.Millisecond)
	j.Start()
	defer j.Stop()

	j.Emit(Event{Type: StrategyAuthorized})
	assert.Eventually(t, func() bool { return len(sink.Events()) == 1 }, time.Second, 5*time.Millisecond)
}

func TestJournalShedsOnOverflow(t *testing.T) {
	sink := NewMemory()
	j := NewJournal(sink, zap.NewNop(), 2, time.Hour)

	var (
		mu    sync.Mutex
		sizes []int
	)
	j.ObserveBuffer(func(n int) {
		mu.Lock()
		sizes = append(sizes, n)
		mu.Unlock()
	})

	// Worker not started: the third event does not fit.
	for _, typ := range []EventType{PolicyInstalled, PolicyEnabled, PolicyDisabled} {
		j.Emit(Event{Type: typ})
	}
	j.Start()
	j.Stop()

	assert.Equal(t, []int{1, 2}, sizes)
	events := sink.Events()
	require.Len(t, events, 2)
	assert.Equal(t, PolicyInstalled, events[0].Type)
	assert.Equal(t, PolicyEnabled, events[1].Type)
}

type failingStorage struct{ calls int }

func (f *failingStorage) WriteBatch(context.Context, []Event) error {
	f.calls++
	return errors.New("db down")
}

func TestJournalStorageFailureIsLogged(t *testing.T) {
	repo := &failingStorage{}
	j := NewJournal(repo, zap.NewNop(), 0, time.Hour)
	j.Start()
	j.Emit(Event{Type: PolicyViolation})
	j.Stop()
	assert.Equal(t, 1, repo.calls)
}

func TestFanout(t *testing.T) {
	a, b := NewMemory(), NewMemory()
	Fanout{a, b, Discard{}}.Emit(Event{Type: StrategyRevoked})

	require.Len(t, a.Events(), 1)
	require.Len(t, b.Events(), 1)
	assert.Equal(t, a.Events()[0].ID, b.Events()[0].ID)
	assert.Len(t, a.OfType(StrategyRevoked), 1)
	assert.Empty(t, a.OfType(StrategyAuthorized))

	a.Reset()
	assert.Empty(t, a.Events())
}

func TestJournalEmitRacingStop(t *testing.T) {
	sink := NewMemory()
	j := NewJournal(sink, zap.NewNop(), 1000, time.Hour)
	j.Start()

	var wg sync.WaitGroup
	for w := 0; w < 8; w++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for i := 0; i < 200; i++ {
				j.Emit(Event{Type: AgentSwapExecuted, StrategyID: 1})
			}
		}()
	}
	assert.NotPanics(t, j.Stop)
	wg.Wait()

	// Everything accepted before Stop was flushed; nothing arrives after.
	n := len(sink.Events())
	assert.LessOrEqual(t, n, 1600)
	j.Emit(Event{Type: PolicyDisabled})
	assert.Len(t, sink.Events(), n)
}
