package lifecycle

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/ppiankov/impactgate/internal/model"
)

func TestSweepOnce(t *testing.T) {
	e, c := newEngine(t)
	ctx := context.Background()
	stale, err := e.Submit(ctx, "agent", lowRisk(false))
	require.NoError(t, err)

	c.Advance(30 * time.Second)
	fresh, err := e.Submit(ctx, "agent", lowRisk(false))
	require.NoError(t, err)
	c.Advance(31 * time.Second)

	n, err := NewSweeper(e, nil, time.Second).SweepOnce(ctx)
	require.NoError(t, err)
	assert.Equal(t, 1, n)

	got, err := e.Get(ctx, stale.ID)
	require.NoError(t, err)
	assert.Equal(t, model.StatusTimedOut, got.Status)

	got, err = e.Get(ctx, fresh.ID)
	require.NoError(t, err)
	assert.Equal(t, model.StatusPending, got.Status)
}

func TestConcurrentSweepersTimeOutOnce(t *testing.T) {
	e, c := newEngine(t)
	ctx := context.Background()
	a, err := e.Submit(ctx, "agent", lowRisk(false))
	require.NoError(t, err)
	c.Advance(2 * time.Minute)

	const sweepers = 4
	var (
		wg    sync.WaitGroup
		mu    sync.Mutex
		total int
	)
	for range sweepers {
		wg.Add(1)
		go func() {
			defer wg.Done()
			n, err := NewSweeper(e, nil, time.Second).SweepOnce(ctx)
			assert.NoError(t, err)
			mu.Lock()
			total += n
			mu.Unlock()
		}()
	}
	wg.Wait()

	assert.Equal(t, 1, total)
	assert.Equal(t, []string{EventProposed, EventPreviewGenerated, EventTimedOut}, eventTypes(t, e, a.ID))
}

type staticCandidates []string

func (s staticCandidates) Expired(time.Time) []string { return s }

func TestSweepSkipsDecidedCandidates(t *testing.T) {
	e, c := newEngine(t)
	ctx := context.Background()
	a, err := e.Submit(ctx, "agent", lowRisk(true))
	require.NoError(t, err)
	c.Advance(time.Hour)

	n, err := NewSweeper(e, staticCandidates{a.ID}, time.Second).SweepOnce(ctx)
	require.NoError(t, err)
	assert.Zero(t, n)
}

func TestRunStopsOnCancel(t *testing.T) {
	e, _ := newEngine(t)
	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- NewSweeper(e, nil, 5*time.Millisecond).Run(ctx) }()
	time.Sleep(20 * time.Millisecond)
	cancel()
	select {
	case err := <-done:
		assert.ErrorIs(t, err, context.Canceled)
	case <-time.After(time.Second):
		t.Fatal("sweeper did not stop")
	}
}
