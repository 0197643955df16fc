// Package router implements the Event Router: a periodic poll over the
// event spool's pending directory that translates each event into a
// side effect against the store and the Agent Lifecycle Manager. A
// single-flight gate and a bounded recently-processed set keep
// concurrent polls and manual markProcessed races from double-handling
// the same event.
package router

import (
	"context"
	"log/slog"
	"sync"
	"time"

	"github.com/forgehq/forge/internal/alm"
	"github.com/forgehq/forge/internal/notify"
	"github.com/forgehq/forge/internal/spool"
	"github.com/forgehq/forge/internal/store"
	"github.com/forgehq/forge/internal/tick"
)

// handlerFunc processes one event's payload, returning an error to
// leave the event pending for the next tick.
type handlerFunc func(ctx context.Context, r *Router, ev spool.Event) error

// Router dispatches spool events to their handlers.
type Router struct {
	spool  *spool.Spool
	store  *store.Store
	alm    *alm.Manager
	notify *notify.Notifier
	logger *slog.Logger

	recent        *recentSet
	warnedUnknown *recentSet
	poller        *tick.Ticker

	pollMu sync.Mutex
}

// New builds a Router polling at interval (default 5s). notifier may
// be nil, in which case escalation and dead-letter alerts are skipped.
func New(sp *spool.Spool, st *store.Store, manager *alm.Manager, notifier *notify.Notifier, logger *slog.Logger, interval time.Duration) *Router {
	if logger == nil {
		logger = slog.Default()
	}
	if interval <= 0 {
		interval = 5 * time.Second
	}
	if notifier == nil {
		notifier = notify.New(notify.Config{}, logger)
	}
	r := &Router{
		spool:         sp,
		store:         st,
		alm:           manager,
		notify:        notifier,
		logger:        logger.With("component", "router"),
		recent:        newRecentSet(),
		warnedUnknown: newRecentSet(),
	}
	r.poller = tick.New("event-router-poll", interval, r.logger, func(ctx context.Context) {
		r.poll(ctx)
	})
	return r
}

// Start begins the poll loop. If the spool exposes a fast-path
// fsnotify channel, a new pending file fires an out-of-band poll
// instead of waiting for the next interval.
func (r *Router) Start(ctx context.Context) {
	r.poller.Start(ctx)
	go func() {
		for range r.spool.WatchPending(ctx) {
			r.poller.Fire()
		}
	}()
}

// Stop halts the poll loop.
func (r *Router) Stop() {
	r.poller.Stop()
}

// poll is the single-flight tick body: concurrent polls are forbidden,
// so a poll already in flight causes this call to skip rather than
// queue.
func (r *Router) poll(ctx context.Context) {
	if !r.pollMu.TryLock() {
		return
	}
	defer r.pollMu.Unlock()

	events, err := r.spool.ListPending()
	if err != nil {
		r.logger.Warn("list pending events failed", "error", err)
		return
	}

	for _, ev := range events {
		if r.recent.Contains(ev.ID) {
			continue
		}
		r.handleOne(ctx, ev)
	}
}

func (r *Router) handleOne(ctx context.Context, ev spool.Event) {
	handler, ok := handlers[ev.Kind]
	if !ok {
		if !r.warnedUnknown.Contains(ev.ID) {
			r.warnedUnknown.Add(ev.ID)
			r.logger.Warn("unknown event kind, leaving pending", "event_id", ev.ID, "kind", ev.Kind)
		}
		return
	}

	if err := handler(ctx, r, ev); err != nil {
		r.logger.Warn("event handler failed, will retry next tick", "event_id", ev.ID, "kind", ev.Kind, "error", err)
		return
	}

	if err := r.spool.MarkProcessed(ev.ID); err != nil {
		r.logger.Warn("mark event processed failed", "event_id", ev.ID, "error", err)
		return
	}
	r.recent.Add(ev.ID)
}

// ignoreNotFound swallows a not-found error, used where a handler's
// secondary side effect (e.g. a QueueEntry that was never created for
// an investigation-only task) is optional.
func ignoreNotFound(err error) error {
	if err == nil {
		return nil
	}
	if isNotFound(err) {
		return nil
	}
	return err
}
