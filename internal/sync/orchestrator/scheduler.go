package orchestrator

import (
	"context"
	"sync"
	"time"

	"github.com/opuslog/opuslog/internal/core/entity"
	"github.com/opuslog/opuslog/internal/core/events/bus"
	"github.com/opuslog/opuslog/internal/core/observability/log"
	"github.com/opuslog/opuslog/pkg/sequence"
)

// Scheduler decides when cycles run: a periodic interval, a debounced
// trigger after every local edit, and manual triggers. Due work is
// executed by RunPending, which the background loop calls on a tick and
// tests call directly.
type Scheduler struct {
	orch     *Orchestrator
	bus      bus.EventBus
	interval time.Duration
	debounce time.Duration
	logger   log.Log
	now      func() int64

	mu     sync.Mutex
	timers *sequence.ScheduleQueue[string]
	next   map[string]*sequence.ScheduledItem[string]

	subs []bus.Subscription
	stop chan struct{}
	once sync.Once
}

// NewScheduler builds a Scheduler over the orchestrator. interval is the
// periodic cycle spacing, debounce the quiet window after a local edit.
func NewScheduler(orch *Orchestrator, eventBus bus.EventBus, interval, debounce time.Duration, logger log.Log) *Scheduler {
	if logger == nil {
		logger = log.Provide()
	}
	return &Scheduler{
		orch:     orch,
		bus:      eventBus,
		interval: interval,
		debounce: debounce,
		logger:   logger.With(log.String("component", "scheduler")),
		now:      entity.NowMillis,
		timers:   sequence.NewScheduleQueue[string](),
		next:     map[string]*sequence.ScheduledItem[string]{},
		stop:     make(chan struct{}),
	}
}

// Trigger schedules a cycle after the debounce window. A trigger with
// the same reason already waiting is moved earlier, never duplicated.
func (s *Scheduler) Trigger(reason string) {
	s.scheduleAt(reason, s.now()+s.debounce.Milliseconds())
}

// TriggerNow schedules a cycle due immediately.
func (s *Scheduler) TriggerNow(reason string) {
	s.scheduleAt(reason, s.now())
}

func (s *Scheduler) scheduleAt(reason string, due int64) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if item, ok := s.next[reason]; ok {
		if item.Due <= due {
			return
		}
		s.timers.Remove(item)
	}
	s.next[reason] = s.timers.Schedule(reason, due)
}

// RunPending executes one cycle if any scheduled trigger is due at now,
// draining every due trigger first so they coalesce. It returns the
// number of triggers consumed.
func (s *Scheduler) RunPending(ctx context.Context, now int64) int {
	s.mu.Lock()
	consumed := 0
	for {
		item, ok := s.timers.PopDue(now)
		if !ok {
			break
		}
		delete(s.next, item.Value)
		consumed++
	}
	s.mu.Unlock()

	if consumed == 0 {
		return 0
	}
	if _, err := s.orch.PerformIncrementalSync(ctx); err != nil {
		s.logger.Warn("scheduled cycle failed", log.Error(err))
	}
	return consumed
}

// Start subscribes to local-edit and connectivity events and runs the
// background loop until Stop or ctx cancellation.
func (s *Scheduler) Start(ctx context.Context) error {
	if s.bus != nil {
		sub, err := s.bus.Subscribe(bus.EventEntityModified, func(bus.Event) error {
			s.Trigger("local-edit")
			return nil
		})
		if err != nil {
			return err
		}
		s.subs = append(s.subs, sub)

		sub, err = s.bus.Subscribe(bus.EventConnectivity, func(bus.Event) error {
			s.TriggerNow("connectivity")
			return nil
		})
		if err != nil {
			return err
		}
		s.subs = append(s.subs, sub)
	}

	go s.loop(ctx)
	return nil
}

// Stop cancels subscriptions and halts the loop.
func (s *Scheduler) Stop() {
	s.once.Do(func() { close(s.stop) })
	for _, sub := range s.subs {
		_ = sub.Cancel()
	}
}

func (s *Scheduler) loop(ctx context.Context) {
	tick := time.NewTicker(time.Second)
	defer tick.Stop()
	periodic := time.NewTicker(s.interval)
	defer periodic.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-s.stop:
			return
		case <-periodic.C:
			s.TriggerNow("interval")
		case <-tick.C:
			s.RunPending(ctx, s.now())
		}
	}
}
