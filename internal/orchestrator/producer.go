package orchestrator

import (
	"context"
	"time"

	"github.com/scrypster/sidekick/internal/queue"
	"github.com/scrypster/sidekick/pkg/types"
)

// Producer feeds events into the queue until ctx ends. Producers only hold
// the enqueue capability.
type Producer interface {
	Name() string
	Run(ctx context.Context, q queue.Enqueuer) error
}

type producerFunc struct {
	name string
	run  func(ctx context.Context, q queue.Enqueuer) error
}

func (p producerFunc) Name() string { return p.name }

func (p producerFunc) Run(ctx context.Context, q queue.Enqueuer) error { return p.run(ctx, q) }

// NewProducer adapts a function to Producer. It is also used for background
// tasks that never enqueue, such as the status server.
func NewProducer(name string, run func(ctx context.Context, q queue.Enqueuer) error) Producer {
	return producerFunc{name: name, run: run}
}

// StatsTicker enqueues a BACKGROUND stats housekeeping event every interval.
type StatsTicker struct {
	interval time.Duration
}

// NewStatsTicker creates a StatsTicker.
func NewStatsTicker(interval time.Duration) *StatsTicker {
	return &StatsTicker{interval: interval}
}

// Name identifies the producer.
func (t *StatsTicker) Name() string { return "stats_timer" }

// Run ticks until ctx ends. A full queue drops the tick.
func (t *StatsTicker) Run(ctx context.Context, q queue.Enqueuer) error {
	ticker := time.NewTicker(t.interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return nil
		case <-ticker.C:
			q.TryEnqueue(types.NewEvent(types.EventHousekeeping, types.PriorityBackground, t.Name(),
				types.Housekeeping{Task: types.TaskStats}))
		}
	}
}
