package app

import (
	"context"
	"time"

	"llmsched/internal/eventbus"
	"llmsched/internal/sched"
	"llmsched/internal/storage"
	logx "llmsched/pkg/logx"
)

// terminalEvents end a request's life and are recorded in the journal.
var terminalEvents = []string{
	sched.EventCompleted,
	sched.EventFailed,
	sched.EventCancelled,
	sched.EventCacheHit,
	sched.EventRejected,
}

// runJournal copies terminal request events into the store until ctx ends.
// A full subscriber buffer drops events (counted by the bus) rather than
// slowing the scheduler.
func runJournal(ctx context.Context, bus eventbus.Bus, store storage.Store, log logx.Logger) error {
	events, unsub := bus.Subscribe(512, terminalEvents...)
	defer unsub()
	for {
		select {
		case <-ctx.Done():
			drainJournal(events, store, log)
			return nil
		case ev, ok := <-events:
			if !ok {
				return nil
			}
			appendEvent(ctx, ev, store, log)
		}
	}
}

// drainJournal records whatever is already buffered, so outcomes published
// during shutdown still reach the store.
func drainJournal(events <-chan eventbus.Event, store storage.Store, log logx.Logger) {
	for {
		select {
		case ev, ok := <-events:
			if !ok {
				return
			}
			appendEvent(context.Background(), ev, store, log)
		default:
			return
		}
	}
}

func appendEvent(ctx context.Context, ev eventbus.Event, store storage.Store, log logx.Logger) {
	o, ok := outcomeFromEvent(ev)
	if !ok {
		return
	}
	wctx, cancel := context.WithTimeout(ctx, 2*time.Second)
	defer cancel()
	if err := store.AppendOutcome(wctx, o); err != nil {
		log.Warn("journal append failed", logx.String("id", o.ID), logx.Err(err))
	}
}

func outcomeFromEvent(ev eventbus.Event) (storage.Outcome, bool) {
	re, ok := ev.Data.(sched.RequestEvent)
	if !ok {
		return storage.Outcome{}, false
	}
	state := re.State
	switch ev.Type {
	case sched.EventCacheHit:
		state = "cached"
	case sched.EventRejected:
		state = "rejected"
	}
	return storage.Outcome{
		ID:          re.ID,
		State:       state,
		Priority:    re.Priority,
		Attempts:    re.Attempt,
		Retries:     re.Retries,
		Route:       string(re.Route),
		Cached:      re.Cached || ev.Type == sched.EventCacheHit,
		Batched:     re.Batched,
		ErrorKind:   re.ErrorKind,
		Error:       re.Error,
		SubmittedAt: re.SubmittedAt,
		FinishedAt:  ev.Time,
		TookMS:      re.Elapsed.Milliseconds(),
		Labels:      re.Labels,
	}, true
}
