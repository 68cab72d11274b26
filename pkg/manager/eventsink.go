package manager

import (
	"context"

	"github.com/erx-fd/fachdienst/pkg/events"
	"github.com/erx-fd/fachdienst/pkg/log"
	"github.com/erx-fd/fachdienst/pkg/metrics"
	"github.com/erx-fd/fachdienst/pkg/task"
)

// startEventSink subscribes to the broker, logging every event as it
// arrives and keeping the per-status Task gauge in sync with task
// lifecycle events. It is the broker's only subscriber: every
// Publish call made by the engine and the trust store now has a
// consumer instead of being broadcast into an empty subscriber set.
func (m *Manager) startEventSink(ctx context.Context) {
	sub := m.Broker.Subscribe()
	logger := log.WithComponent("events")

	go func() {
		defer m.Broker.Unsubscribe(sub)
		for {
			select {
			case <-ctx.Done():
				return
			case ev, ok := <-sub:
				if !ok {
					return
				}
				logger.Info().Str("type", string(ev.Type)).Str("message", ev.Message).Msg("event")
				if isTaskLifecycleEvent(ev.Type) {
					refreshTaskGauge(m.Engine)
				}
			}
		}
	}()
}

func isTaskLifecycleEvent(t events.EventType) bool {
	switch t {
	case events.EventTaskCreated, events.EventTaskActivated, events.EventTaskAccepted,
		events.EventTaskRejected, events.EventTaskClosed, events.EventTaskAborted, events.EventTaskExpired:
		return true
	default:
		return false
	}
}

// refreshTaskGauge recomputes fd_tasks_total by status from the current
// aggregate. A full recompute (rather than incremental inc/dec at each
// transition) keeps the gauge correct regardless of which event fired,
// at the cost of an O(n) scan per lifecycle event.
func refreshTaskGauge(engine *task.Engine) {
	counts := map[task.Status]float64{
		task.StatusDraft:      0,
		task.StatusReady:      0,
		task.StatusInProgress: 0,
		task.StatusCompleted:  0,
		task.StatusCancelled:  0,
	}
	for _, t := range engine.Snapshot().Tasks {
		counts[t.Status]++
	}
	for status, count := range counts {
		metrics.TasksTotal.WithLabelValues(string(status)).Set(count)
	}
}
