// SPDX-License-Identifier: Apache-2.0
// Copyright 2026 TIFPoint Contributors

package audit

import (
	"context"
	"fmt"
	"log/slog"
	"path/filepath"
	"sync"
	"time"

	"github.com/oklog/ulid/v2"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/samber/oops"

	"github.com/tifpoint/tifpoint/internal/xdg"
)

// Store persists and queries activity log entries.
type Store interface {
	Append(ctx context.Context, entry Entry) error
	List(ctx context.Context, filter Filter, page, limit int) ([]Entry, int, error)
}

// Recorder is the write side consumed by handlers and services.
type Recorder interface {
	Record(actorID string, action Action, description string, rc *RequestContext)
}

var (
	droppedCounter = promauto.NewCounter(prometheus.CounterOpts{
		Name: "tifpoint_audit_dropped_total",
		Help: "Total number of audit entries dropped because the queue was full",
	})

	failuresCounter = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "tifpoint_audit_failures_total",
		Help: "Total number of audit write failures",
	}, []string{"reason"})

	walEntriesGauge = promauto.NewGauge(prometheus.GaugeOpts{
		Name: "tifpoint_audit_wal_entries",
		Help: "Current number of entries waiting in the audit WAL",
	})
)

// Options configures a Pipeline.
type Options struct {
	// QueueSize bounds the number of pending entries. Defaults to 1024.
	QueueSize int
	// Workers is the number of goroutines draining the queue. Defaults to 2.
	Workers int
	// WALPath is the write-ahead file used when the store rejects a write.
	// Defaults to audit-wal.jsonl in the XDG state directory.
	WALPath string
	Logger  *slog.Logger
	// Clock overrides time.Now for entry timestamps.
	Clock func() time.Time
}

// Pipeline is the asynchronous audit recorder.
type Pipeline struct {
	store  Store
	wal    *wal
	logger *slog.Logger
	now    func() time.Time

	mu     sync.RWMutex
	closed bool
	queue  chan Entry
	wg     sync.WaitGroup
}

// NewPipeline starts the worker pool. Call Close to drain and stop it.
func NewPipeline(store Store, opts Options) *Pipeline {
	if opts.QueueSize <= 0 {
		opts.QueueSize = 1024
	}
	if opts.Workers <= 0 {
		opts.Workers = 2
	}
	if opts.Logger == nil {
		opts.Logger = slog.Default()
	}
	if opts.Clock == nil {
		opts.Clock = time.Now
	}
	if opts.WALPath == "" {
		opts.WALPath = defaultWALPath(opts.Logger)
	}

	p := &Pipeline{
		store:  store,
		wal:    newWAL(opts.WALPath),
		logger: opts.Logger,
		now:    opts.Clock,
		queue:  make(chan Entry, opts.QueueSize),
	}

	p.wg.Add(opts.Workers)
	for range opts.Workers {
		go p.worker()
	}
	return p
}

func defaultWALPath(logger *slog.Logger) string {
	stateDir, err := xdg.StateDir()
	if err != nil {
		logger.Error("failed to get state directory for audit WAL", "error", err)
		return filepath.Join("/tmp", "tifpoint-audit-wal.jsonl")
	}
	if err := xdg.EnsureDir(stateDir); err != nil {
		logger.Error("failed to ensure state directory", "error", err)
	}
	return filepath.Join(stateDir, "audit-wal.jsonl")
}

// Record builds an entry stamped with the current time and queues it.
// It never blocks: when the queue is full or the pipeline is closed the
// entry is dropped.
func (p *Pipeline) Record(actorID string, action Action, description string, rc *RequestContext) {
	entry := Entry{
		ID:          ulid.Make().String(),
		ActorID:     actorID,
		Action:      action,
		Description: description,
		Timestamp:   p.now().UTC(),
	}
	if rc != nil {
		entry.IPAddress = rc.RemoteAddr
		entry.UserAgent = rc.UserAgent
	}

	p.mu.RLock()
	defer p.mu.RUnlock()
	if p.closed {
		droppedCounter.Inc()
		p.logger.Warn("audit entry dropped: pipeline closed", "action", action)
		return
	}

	select {
	case p.queue <- entry:
	default:
		droppedCounter.Inc()
		p.logger.Warn("audit entry dropped: queue full",
			"action", action,
			"actor_id", actorID,
		)
	}
}

func (p *Pipeline) worker() {
	defer p.wg.Done()
	for entry := range p.queue {
		p.write(entry)
	}
}

// write appends one entry, falling back to the WAL. A panicking store is
// contained here so one bad write cannot take the worker down.
func (p *Pipeline) write(entry Entry) {
	defer func() {
		if r := recover(); r != nil {
			failuresCounter.WithLabelValues("panic").Inc()
			p.logger.Error("audit write panicked",
				"panic", fmt.Sprint(r),
				"action", entry.Action,
			)
		}
	}()

	err := p.store.Append(context.Background(), entry)
	if err == nil {
		return
	}
	failuresCounter.WithLabelValues("store_write_failed").Inc()

	if walErr := p.wal.append(entry); walErr != nil {
		failuresCounter.WithLabelValues("wal_failed").Inc()
		p.logger.Error("audit write failed: both store and WAL failed",
			"store_error", err,
			"wal_error", walErr,
			"action", entry.Action,
			"actor_id", entry.ActorID,
		)
		return
	}
	walEntriesGauge.Inc()
	p.logger.Warn("audit write failed, entry saved to WAL",
		"error", err,
		"action", entry.Action,
	)
}

// ReplayWAL writes pending WAL entries to the store. Entries the store
// still rejects stay in the WAL.
func (p *Pipeline) ReplayWAL(ctx context.Context) error {
	replayed, remaining, err := p.wal.replay(ctx, p.store.Append)
	if err != nil {
		failuresCounter.WithLabelValues("wal_replay_failed").Inc()
		return oops.Code("AUDIT_WAL_REPLAY_FAILED").With("path", p.wal.path).Wrap(err)
	}
	walEntriesGauge.Set(float64(remaining))
	if replayed > 0 || remaining > 0 {
		p.logger.Info("replayed audit WAL", "replayed", replayed, "remaining", remaining)
	}
	return nil
}

// List returns entries newest first. Page and limit are normalized with
// NormalizePage.
func (p *Pipeline) List(ctx context.Context, filter Filter, page, limit int) ([]Entry, Pagination, error) {
	page, limit = NormalizePage(page, limit)
	entries, total, err := p.store.List(ctx, filter, page, limit)
	if err != nil {
		return nil, Pagination{}, oops.Code("AUDIT_LIST_FAILED").
			With("page", page).
			With("limit", limit).
			Wrap(err)
	}
	if entries == nil {
		entries = []Entry{}
	}
	return entries, Pagination{Page: page, Limit: limit, Total: total}, nil
}

// Close stops accepting entries and waits for the queue to drain.
// It is safe to call more than once.
func (p *Pipeline) Close() error {
	p.mu.Lock()
	if p.closed {
		p.mu.Unlock()
		return nil
	}
	p.closed = true
	close(p.queue)
	p.mu.Unlock()

	p.wg.Wait()
	return nil
}
