// Package queueproc implements the Queue Processor: a periodic tick
// that claims the next queued task (respecting pause, stop-on-failure,
// and max-concurrency settings) and either hands it to the Agent
// Lifecycle Manager directly or, in multi-agent-events mode, appends a
// task.assigned event for the Event Router to pick up.
package queueproc

import (
	"context"
	"log/slog"
	"time"

	"github.com/forgehq/forge/internal/alm"
	"github.com/forgehq/forge/internal/spool"
	"github.com/forgehq/forge/internal/store"
	"github.com/forgehq/forge/internal/tick"
)

// Config tunes the processor's behavior.
type Config struct {
	Interval         time.Duration // default 5s
	MultiAgentEvents bool          // route via the spool instead of spawning directly
	Enabled          bool          // ENABLE_QUEUE_PROCESSOR; false disables the ticker entirely
}

// Processor runs the queue tick.
type Processor struct {
	store  *store.Store
	alm    *alm.Manager
	spool  *spool.Spool
	logger *slog.Logger
	cfg    Config

	ticker *tick.Ticker
}

// New builds a Processor.
func New(st *store.Store, manager *alm.Manager, sp *spool.Spool, logger *slog.Logger, cfg Config) *Processor {
	if logger == nil {
		logger = slog.Default()
	}
	if cfg.Interval <= 0 {
		cfg.Interval = 5 * time.Second
	}
	p := &Processor{
		store:  st,
		alm:    manager,
		spool:  sp,
		logger: logger.With("component", "queueproc"),
		cfg:    cfg,
	}
	p.ticker = tick.New("queue-processor", cfg.Interval, p.logger, func(ctx context.Context) {
		p.tick(ctx)
	})
	return p
}

// Start begins the tick loop, a no-op if the processor is disabled.
func (p *Processor) Start(ctx context.Context) {
	if !p.cfg.Enabled {
		p.logger.Info("queue processor disabled")
		return
	}
	p.ticker.Start(ctx)
}

// Stop halts the tick loop.
func (p *Processor) Stop() {
	if !p.cfg.Enabled {
		return
	}
	p.ticker.Stop()
}

// tick implements the 7-step algorithm from spec.
func (p *Processor) tick(ctx context.Context) {
	settings, err := p.store.GetQueueSettings(ctx)
	if err != nil {
		p.logger.Warn("read queue settings failed", "error", err)
		return
	}
	if settings.Paused {
		return
	}

	if settings.StopOnFailure {
		anyFailed, err := p.store.AnyQueuedTaskFailed(ctx)
		if err != nil {
			p.logger.Warn("check stop-on-failure gate failed", "error", err)
			return
		}
		if anyFailed {
			return
		}
	}

	processing, err := p.store.CountProcessingQueue(ctx)
	if err != nil {
		p.logger.Warn("count processing queue failed", "error", err)
		return
	}
	if processing >= settings.MaxConcurrent {
		return
	}

	head, err := p.store.GetPendingQueueHead(ctx)
	if err != nil {
		p.logger.Warn("get pending queue head failed", "error", err)
		return
	}
	if head == nil {
		return
	}

	repo := head.Task.Repo
	if repo == "" && len(head.Task.Repos) > 0 {
		repo = head.Task.Repos[0]
	}
	if repo == "" {
		if err := p.store.UpdateTaskStatus(ctx, head.Task.ID, store.TaskStatusFailed, nil); err != nil {
			p.logger.Warn("mark task failed (no repo)", "task_id", head.Task.ID, "error", err)
		}
		if err := p.store.DequeueTask(ctx, head.Task.ID); err != nil {
			p.logger.Warn("dequeue task (no repo)", "task_id", head.Task.ID, "error", err)
		}
		return
	}

	if err := p.store.MarkQueueEntryProcessing(ctx, head.Task.ID); err != nil {
		p.logger.Warn("mark queue entry processing failed", "task_id", head.Task.ID, "error", err)
		return
	}

	if p.cfg.MultiAgentEvents {
		if _, err := p.spool.Append("task.assigned", taskAssignedPayload(head.Task, repo), "queueproc"); err != nil {
			p.logger.Warn("append task.assigned event failed", "task_id", head.Task.ID, "error", err)
		}
		return
	}

	if _, err := p.alm.Spawn(ctx, alm.SpawnRequest{
		TaskID:      head.Task.ID,
		Repo:        repo,
		Title:       head.Task.Title,
		Description: head.Task.Description,
		Kind:        store.AgentKindTriage,
	}); err != nil {
		p.logger.Warn("direct spawn failed", "task_id", head.Task.ID, "error", err)
	}
}

func taskAssignedPayload(t store.Task, repo string) map[string]any {
	return map[string]any{
		"taskId":            t.ID,
		"title":             t.Title,
		"description":       t.Description,
		"repo":              repo,
		"repos":             t.Repos,
		"investigationOnly": t.InvestigationOnly,
	}
}
