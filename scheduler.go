package lexrag

import (
	"context"
	"errors"
	"log/slog"
	"sync/atomic"
	"time"

	"github.com/robfig/cron/v3"

	"github.com/brunobiangulo/lexrag/store"
)

// MaintenanceReport describes what one maintenance pass did.
type MaintenanceReport struct {
	// Requeued counts pending documents handed back to the workers.
	Requeued int `json:"requeued"`
	// Retried counts completed documents whose missing vectors were queued.
	Retried int `json:"retried"`
	// Interrupted counts documents failed after being left in processing.
	Interrupted int `json:"interrupted"`
	// Pruned counts search log entries dropped for age.
	Pruned int64 `json:"pruned"`
}

func (e *Engine) startMaintenance(spec string) error {
	e.cron = cron.New(cron.WithParser(cronParser))
	var running atomic.Bool
	_, err := e.cron.AddFunc(spec, func() {
		if !running.CompareAndSwap(false, true) {
			slog.Info("maintenance: skipped, previous run still active")
			return
		}
		defer running.Store(false)

		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Minute)
		defer cancel()
		start := time.Now()
		rep, err := e.Maintain(ctx)
		if err != nil {
			slog.Warn("maintenance: run failed", "error", err)
			return
		}
		slog.Info("maintenance: run finished",
			"requeued", rep.Requeued, "retried", rep.Retried, "interrupted", rep.Interrupted,
			"pruned", rep.Pruned,
			"elapsed", time.Since(start).Round(time.Millisecond))
	})
	if err != nil {
		return err
	}
	e.cron.Start()
	slog.Info("maintenance: scheduled", "spec", spec)
	return nil
}

// busy reports whether a job for id is queued or running in this process.
func (e *Engine) busy(id string) bool {
	if e.pool.done(id) != nil {
		return true
	}
	_, ok := e.active.Load(id)
	return ok
}

// Maintain recovers documents that were left behind: pending documents
// nobody is working on are queued again, documents stuck in processing
// after a crash are failed, and completed documents with missing vectors
// get them retried. Search log entries older than the retention are
// pruned. A full queue stops the pass without error; the rest is
// picked up next time.
func (e *Engine) Maintain(ctx context.Context) (MaintenanceReport, error) {
	var rep MaintenanceReport
	if err := e.checkOpen(); err != nil {
		return rep, err
	}
	now := time.Now()

	if e.cfg.SearchLogRetention > 0 {
		n, err := e.store.PruneSearchLog(ctx, now.Add(-e.cfg.SearchLogRetention))
		if err != nil {
			return rep, err
		}
		rep.Pruned = n
	}

	stale, err := e.store.ListDocuments(ctx, store.ListOptions{
		Status:        store.StatusProcessing,
		UpdatedBefore: now.Add(-e.staleAfter),
	})
	if err != nil {
		return rep, err
	}
	for _, d := range stale {
		if e.busy(d.ID) {
			continue
		}
		if err := e.store.TransitionStatus(ctx, d.ID, store.StatusFailed, "processing interrupted"); err != nil {
			slog.Warn("maintenance: failing interrupted document", "doc_id", d.ID, "error", err)
			continue
		}
		rep.Interrupted++
	}

	pending, err := e.store.ListDocuments(ctx, store.ListOptions{
		Status:        store.StatusPending,
		UpdatedBefore: now.Add(-e.pendingGrace),
	})
	if err != nil {
		return rep, err
	}
	for _, d := range pending {
		if e.busy(d.ID) {
			continue
		}
		if err := e.pool.submit(job{docID: d.ID}); err != nil {
			return rep, queueStop(err)
		}
		rep.Requeued++
	}

	ids, err := e.store.DocumentsMissingVectors(ctx)
	if err != nil {
		return rep, err
	}
	for _, id := range ids {
		if e.busy(id) {
			continue
		}
		if err := e.pool.submit(job{docID: id}); err != nil {
			return rep, queueStop(err)
		}
		rep.Retried++
	}
	return rep, nil
}

// queueStop turns a full queue into a clean end of the pass.
func queueStop(err error) error {
	if errors.Is(err, ErrQueueFull) {
		slog.Info("maintenance: queue full, resuming next run")
		return nil
	}
	return err
}
