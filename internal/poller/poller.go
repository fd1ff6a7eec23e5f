package poller

import (
	"context"
	"log/slog"
	"time"

	"aoidash/internal/metrics"
	"aoidash/internal/model"
	"aoidash/internal/storage"
	"aoidash/internal/watermark"
)

// Notifier receives the change signal. Satisfied by hub.Hub.
type Notifier interface {
	Broadcast(ev model.Event)
}

// Poller detects new inspection data by comparing per-line update
// timestamps against the watermark store on a fixed cadence. It is a
// best-effort notifier: a failed tick is skipped and the next successful
// one picks up the cumulative delta.
type Poller struct {
	store    storage.Store
	marks    *watermark.Store
	notifier Notifier
	logger   *slog.Logger
	metrics  *metrics.Set
	interval time.Duration
	timeout  time.Duration
}

func New(store storage.Store, marks *watermark.Store, notifier Notifier,
	logger *slog.Logger, mset *metrics.Set, interval, timeout time.Duration) *Poller {
	if interval <= 0 {
		interval = 1500 * time.Millisecond
	}
	if timeout <= 0 {
		timeout = 5 * time.Second
	}
	return &Poller{
		store:    store,
		marks:    marks,
		notifier: notifier,
		logger:   logger,
		metrics:  mset,
		interval: interval,
		timeout:  timeout,
	}
}

// Run ticks until ctx is cancelled. Cancel before closing the store so no
// tick can race a closed handle.
func (p *Poller) Run(ctx context.Context) {
	ticker := time.NewTicker(p.interval)
	defer ticker.Stop()
	for {
		select {
		case <-ticker.C:
			p.Tick(ctx)
		case <-ctx.Done():
			return
		}
	}
}

// Tick performs one poll and reports whether an update was broadcast.
func (p *Poller) Tick(ctx context.Context) bool {
	queryCtx, cancel := context.WithTimeout(ctx, p.timeout)
	defer cancel()
	updates, err := p.store.LineUpdates(queryCtx)
	if err != nil {
		p.metrics.PollError()
		if p.logger != nil {
			p.logger.Error("poll dashboard_events failed", "err", err)
		}
		return false
	}
	changed := 0
	for _, u := range updates {
		if p.marks.Advance(u.LineID, u.LastUpdated) {
			changed++
			if p.logger != nil {
				p.logger.Debug("update detected", "line", u.LineID, "last_updated", u.LastUpdated)
			}
		}
	}
	if changed == 0 {
		return false
	}
	p.metrics.UpdateDetected(changed)
	p.notifier.Broadcast(model.Event{
		Type:      model.EventDataUpdate,
		Timestamp: time.Now().UnixMilli(),
	})
	return true
}
