// Package sync owns the offline write queue: it routes writes to the network
// or the durable queue depending on connectivity, and replays queued writes
// in enqueue order once the network is back.
package sync

import (
	"context"
	"encoding/json"
	"sync"
	"sync/atomic"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"dispatch-sync-client/internal/httpx"
	"dispatch-sync-client/internal/logger"
	"dispatch-sync-client/internal/metrics"
	"dispatch-sync-client/internal/store"
)

type Config struct {
	RetryCeiling int
	FailedCap    int
}

// SubmitResult reports which path a write took. When Queued is set the write
// is durably persisted and will be replayed; Response is only set for writes
// applied directly.
type SubmitResult struct {
	Queued   bool
	Entry    *store.QueueEntry
	Response *httpx.Response
}

type Engine struct {
	cfg    Config
	store  store.Store
	client httpx.Doer

	online   atomic.Bool
	draining atomic.Bool

	mu           sync.Mutex
	listeners    map[int]Listener
	nextListener int
}

func NewEngine(cfg Config, st store.Store, client httpx.Doer) (*Engine, error) {
	if cfg.RetryCeiling <= 0 {
		cfg.RetryCeiling = 5
	}
	if cfg.FailedCap <= 0 {
		cfg.FailedCap = 100
	}

	// Entries stranded in syncing by a crash go back to pending before the
	// first drain.
	if err := st.RecoverSyncing(context.Background()); err != nil {
		return nil, err
	}

	return &Engine{
		cfg:       cfg,
		store:     st,
		client:    client,
		listeners: make(map[int]Listener),
	}, nil
}

// SetOnline flips the connectivity state. A transition to online triggers a
// drain in the background.
func (e *Engine) SetOnline(online bool) {
	was := e.online.Swap(online)
	if online && !was {
		logger.Log.Info("Connectivity restored, draining offline queue")
		go func() {
			_ = e.Drain(context.Background())
		}()
	}
	if !online && was {
		logger.Log.Info("Connectivity lost, writes will be queued")
	}
}

func (e *Engine) Online() bool {
	return e.online.Load()
}

// Submit applies a write directly when online, falling back to the durable
// queue when offline or when the direct attempt fails for a transient reason.
// Client errors (4xx) surface immediately: more attempts will not fix them.
func (e *Engine) Submit(ctx context.Context, op WriteOp) (*SubmitResult, error) {
	if !e.online.Load() {
		entry, err := e.Enqueue(ctx, op)
		if err != nil {
			return nil, err
		}
		return &SubmitResult{Queued: true, Entry: entry}, nil
	}

	resp, err := e.client.Do(ctx, httpx.Request{
		Method:  op.HTTPMethod,
		URL:     op.TargetURL,
		Headers: op.Headers,
		Body:    op.Payload,
	})
	if err == nil {
		return &SubmitResult{Response: resp}, nil
	}
	if ctx.Err() != nil {
		return nil, err
	}
	if httpx.IsClientError(err) && !httpx.IsRetryable(err) {
		return nil, err
	}

	// Transient failure or circuit open: the write must not be lost.
	logger.Log.Warn("Direct write failed, queueing for replay",
		zap.String("op", op.String()),
		zap.Error(err),
	)
	entry, qErr := e.Enqueue(ctx, op)
	if qErr != nil {
		return nil, qErr
	}
	return &SubmitResult{Queued: true, Entry: entry}, nil
}

// Enqueue durably persists a write for later replay and emits the UI-visible
// "saved offline" signal. Triggers a drain when currently online.
func (e *Engine) Enqueue(ctx context.Context, op WriteOp) (*store.QueueEntry, error) {
	headers, err := marshalHeaders(op.Headers)
	if err != nil {
		return nil, err
	}

	entry := &store.QueueEntry{
		ID:         uuid.New().String(),
		EntityType: op.EntityType,
		EntityID:   op.EntityID,
		Operation:  op.Operation,
		TargetURL:  op.TargetURL,
		HTTPMethod: op.HTTPMethod,
		Headers:    headers,
		Payload:    op.Payload,
		Status:     store.EntryPending,
	}
	if err := e.store.EnqueueEntry(ctx, entry); err != nil {
		return nil, err
	}

	logger.Log.Info("Queued offline write",
		zap.String("entryID", entry.ID),
		zap.String("op", op.String()),
	)
	e.emit(QueueEvent{Type: EventQueued, EntryID: entry.ID, EntityType: entry.EntityType, EntityID: entry.EntityID})
	e.updateDepthGauge(ctx)

	if e.online.Load() {
		go func() {
			_ = e.Drain(context.Background())
		}()
	}
	return entry, nil
}

// Drain replays pending entries strictly in enqueue order. Idempotent: a
// call while a drain is running is a no-op. A failure that leaves an entry
// pending stops the pass so later writes to the same entity cannot overtake
// it; an entry that crosses the retry ceiling goes failed and the pass moves
// on.
func (e *Engine) Drain(ctx context.Context) error {
	if !e.draining.CompareAndSwap(false, true) {
		return nil
	}
	defer e.draining.Store(false)
	defer e.updateDepthGauge(context.Background())

	entries, err := e.store.ListPending(ctx)
	if err != nil {
		metrics.DrainRuns.WithLabelValues("error").Inc()
		return err
	}
	if len(entries) == 0 {
		return nil
	}

	logger.Log.Info("Draining offline queue", zap.Int("pending", len(entries)))

	for _, entry := range entries {
		if err := ctx.Err(); err != nil {
			metrics.DrainRuns.WithLabelValues("cancelled").Inc()
			return err
		}
		stop, err := e.drainOne(ctx, entry)
		if err != nil {
			metrics.DrainRuns.WithLabelValues("error").Inc()
			return err
		}
		if stop {
			metrics.DrainRuns.WithLabelValues("partial").Inc()
			return nil
		}
	}

	metrics.DrainRuns.WithLabelValues("complete").Inc()
	return nil
}

// drainOne replays a single entry. stop=true halts the pass because the
// entry stays pending ahead of everything behind it.
func (e *Engine) drainOne(ctx context.Context, entry *store.QueueEntry) (stop bool, err error) {
	if err := e.store.MarkSyncing(ctx, entry.ID); err != nil {
		return false, err
	}
	e.emit(QueueEvent{Type: EventSyncing, EntryID: entry.ID, EntityType: entry.EntityType, EntityID: entry.EntityID})

	headers, err := unmarshalHeaders(entry.Headers)
	if err != nil {
		headers = map[string]string{}
	}
	// Tag replayed writes so the server can deduplicate offline-origin
	// requests if it chooses to.
	headers["X-Idempotency-Key"] = entry.ID
	headers["X-Offline-Replay"] = "1"

	_, doErr := e.client.Do(ctx, httpx.Request{
		Method:  entry.HTTPMethod,
		URL:     entry.TargetURL,
		Headers: headers,
		Body:    entry.Payload,
	})
	if doErr == nil {
		if err := e.store.DeleteEntry(ctx, entry.ID); err != nil {
			return false, err
		}
		e.emit(QueueEvent{Type: EventSynced, EntryID: entry.ID, EntityType: entry.EntityType, EntityID: entry.EntityID})
		return false, nil
	}

	if ctx.Err() != nil {
		// Cancellation is not a sync failure; put the entry back untouched.
		if mpErr := e.store.MarkPending(context.Background(), entry.ID); mpErr != nil {
			return false, mpErr
		}
		return false, ctx.Err()
	}

	failed, recErr := e.store.RecordEntryFailure(ctx, entry.ID, doErr.Error(), e.cfg.RetryCeiling)
	if recErr != nil {
		return false, recErr
	}

	if failed {
		logger.Log.Error("Offline write exceeded retry ceiling",
			zap.String("entryID", entry.ID),
			zap.Error(doErr),
		)
		e.emit(QueueEvent{Type: EventFailed, EntryID: entry.ID, EntityType: entry.EntityType, EntityID: entry.EntityID, Err: doErr.Error()})
		if err := e.store.PruneFailed(ctx, e.cfg.FailedCap); err != nil {
			return false, err
		}
		// Permanently out of the queue; later entries may proceed.
		return false, nil
	}

	logger.Log.Warn("Offline write replay failed, will retry",
		zap.String("entryID", entry.ID),
		zap.Error(doErr),
	)
	return true, nil
}

// Requeue puts a failed entry back in line. Operator action via the admin API.
func (e *Engine) Requeue(ctx context.Context, entryID string) error {
	if err := e.store.RequeueEntry(ctx, entryID); err != nil {
		return err
	}
	if e.online.Load() {
		go func() {
			_ = e.Drain(context.Background())
		}()
	}
	return nil
}

type Status struct {
	Online   bool              `json:"online"`
	Draining bool              `json:"draining"`
	Counts   store.QueueCounts `json:"counts"`
}

func (e *Engine) Status(ctx context.Context) (*Status, error) {
	counts, err := e.store.CountQueue(ctx)
	if err != nil {
		return nil, err
	}
	return &Status{
		Online:   e.online.Load(),
		Draining: e.draining.Load(),
		Counts:   *counts,
	}, nil
}

// AddListener registers a queue status observer and returns a handle for
// RemoveListener.
func (e *Engine) AddListener(fn Listener) int {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.nextListener++
	e.listeners[e.nextListener] = fn
	return e.nextListener
}

func (e *Engine) RemoveListener(id int) {
	e.mu.Lock()
	defer e.mu.Unlock()
	delete(e.listeners, id)
}

func (e *Engine) emit(event QueueEvent) {
	e.mu.Lock()
	fns := make([]Listener, 0, len(e.listeners))
	for _, fn := range e.listeners {
		fns = append(fns, fn)
	}
	e.mu.Unlock()
	for _, fn := range fns {
		fn(event)
	}
}

func (e *Engine) updateDepthGauge(ctx context.Context) {
	counts, err := e.store.CountQueue(ctx)
	if err != nil {
		return
	}
	metrics.QueueDepth.Set(float64(counts.Pending))
}

func marshalHeaders(headers map[string]string) ([]byte, error) {
	if len(headers) == 0 {
		return nil, nil
	}
	return json.Marshal(headers)
}

func unmarshalHeaders(raw []byte) (map[string]string, error) {
	headers := map[string]string{}
	if len(raw) == 0 {
		return headers, nil
	}
	if err := json.Unmarshal(raw, &headers); err != nil {
		return nil, err
	}
	return headers, nil
}
