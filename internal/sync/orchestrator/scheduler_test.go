package orchestrator

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/opuslog/opuslog/internal/core/events/bus"
	"github.com/opuslog/opuslog/internal/core/observability/log"
)

func testScheduler(t *testing.T) (*Scheduler, *fakeRemote, bus.EventBus) {
	t.Helper()
	rc := &fakeRemote{token: "c1"}
	o, _, b := testOrchestrator(t, rc)
	s := NewScheduler(o, b, time.Hour, 500*time.Millisecond, log.Nop())
	return s, rc, b
}

func TestTriggerDebounces(t *testing.T) {
	s, rc, _ := testScheduler(t)

	base := int64(1_000_000)
	s.now = func() int64 { return base }

	s.Trigger("local-edit")
	s.Trigger("local-edit")
	s.Trigger("local-edit")

	// Not due inside the debounce window.
	assert.Zero(t, s.RunPending(context.Background(), base+100))
	assert.Zero(t, len(rc.pullTokens))

	// Due after the window, and the three triggers collapse into one
	// cycle.
	consumed := s.RunPending(context.Background(), base+600)
	assert.Equal(t, 1, consumed)
	assert.Equal(t, 1, len(rc.pullTokens))
}

func TestDistinctReasonsCoalesceIntoOneCycle(t *testing.T) {
	s, rc, _ := testScheduler(t)

	base := int64(1_000_000)
	s.now = func() int64 { return base }

	s.Trigger("local-edit")
	s.TriggerNow("connectivity")

	consumed := s.RunPending(context.Background(), base+600)
	assert.Equal(t, 2, consumed)
	assert.Equal(t, 1, len(rc.pullTokens))
}

func TestTriggerNowBeatsPendingDebounce(t *testing.T) {
	s, _, _ := testScheduler(t)

	base := int64(1_000_000)
	s.now = func() int64 { return base }

	s.Trigger("connectivity")
	s.TriggerNow("connectivity")

	assert.Equal(t, 1, s.RunPending(context.Background(), base))
}

func TestBusEventsSchedule(t *testing.T) {
	s, rc, b := testScheduler(t)
	t.Cleanup(s.Stop)

	base := int64(1_000_000)
	s.now = func() int64 { return base }

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	require.NoError(t, s.Start(ctx))

	require.NoError(t, b.Publish(bus.NewEvent(bus.EventEntityModified, "test", nil)))

	consumed := s.RunPending(ctx, base+600)
	assert.Equal(t, 1, consumed)
	assert.Equal(t, 1, len(rc.pullTokens))
}
