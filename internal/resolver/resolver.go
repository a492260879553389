// Package resolver reconciles divergent writes recorded during the dual-write
// migration. Every resolution writes the winning value to both backing
// systems; a conflict record is only retired once both systems acknowledge.
package resolver

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"go.uber.org/zap"

	"dispatch-sync-client/internal/logger"
	"dispatch-sync-client/internal/metrics"
	"dispatch-sync-client/internal/store"
)

// Resolution strategies accepted by Resolve and ReconcileAll.
const (
	StrategyAWins      = "a_wins"
	StrategyBWins      = "b_wins"
	StrategyNewestWins = "newest_wins"
	StrategyManual     = "manual"
)

var (
	// ErrUnresolved reports that a resolution attempt could not complete and
	// the conflict record was left untouched for a later pass.
	ErrUnresolved = errors.New("conflict remains unresolved")

	ErrUnknownStrategy = errors.New("unknown resolution strategy")

	// ErrManualValueRequired means a manual resolution arrived without a
	// replacement value.
	ErrManualValueRequired = errors.New("manual resolution requires a value")

	ErrNotFound = errors.New("conflict not found")
)

// SystemWriter applies a resolved value to one backing system.
type SystemWriter interface {
	Apply(ctx context.Context, entityType, entityID string, value json.RawMessage) error
	Name() string
}

// Config controls reconciliation defaults.
type Config struct {
	// DefaultStrategy is applied by ReconcileAll. "manual" means records are
	// left for an operator.
	DefaultStrategy string
	// TimestampField names the JSON field compared by newest_wins.
	TimestampField string
}

type Resolver struct {
	cfg     Config
	store   store.Store
	systemA SystemWriter
	systemB SystemWriter
}

func NewResolver(cfg Config, st store.Store, systemA, systemB SystemWriter) *Resolver {
	if cfg.DefaultStrategy == "" {
		cfg.DefaultStrategy = StrategyNewestWins
	}
	if cfg.TimestampField == "" {
		cfg.TimestampField = "updatedAt"
	}
	return &Resolver{cfg: cfg, store: st, systemA: systemA, systemB: systemB}
}

// Record stores a newly detected divergence for later resolution.
func (r *Resolver) Record(ctx context.Context, conflict *store.Conflict) error {
	if conflict.Resolution == "" {
		conflict.Resolution = store.ResolutionUnresolved
	}
	if conflict.DetectedAt.IsZero() {
		conflict.DetectedAt = time.Now().UTC()
	}
	if err := r.store.CreateConflict(ctx, conflict); err != nil {
		return fmt.Errorf("recording conflict: %w", err)
	}
	logger.Log.Info("Conflict recorded",
		zap.String("conflictId", conflict.ID),
		zap.String("entityType", conflict.EntityType),
		zap.String("entityId", conflict.EntityID),
	)
	return nil
}

func (r *Resolver) ListUnresolved(ctx context.Context, limit, offset int) ([]*store.Conflict, error) {
	return r.store.ListConflicts(ctx, store.ResolutionUnresolved, limit, offset)
}

func (r *Resolver) List(ctx context.Context, resolution string, limit, offset int) ([]*store.Conflict, error) {
	return r.store.ListConflicts(ctx, resolution, limit, offset)
}

// Resolve settles one conflict with the given strategy. The winning value is
// written to both systems; only after both acknowledge is the record removed.
// Any write failure leaves the record unresolved and returns ErrUnresolved so
// the next reconciliation pass retries it.
func (r *Resolver) Resolve(ctx context.Context, id, strategy string, manualValue json.RawMessage) error {
	conflict, err := r.store.GetConflict(ctx, id)
	if err != nil {
		return err
	}
	if conflict == nil {
		return fmt.Errorf("%w: %s", ErrNotFound, id)
	}

	value, resolution, err := r.pickWinner(conflict, strategy, manualValue)
	if err != nil {
		return err
	}

	if err := r.applyBoth(ctx, conflict, value); err != nil {
		logger.Log.Warn("Conflict resolution write failed",
			zap.String("conflictId", conflict.ID),
			zap.String("strategy", strategy),
			zap.Error(err),
		)
		return fmt.Errorf("%w: %v", ErrUnresolved, err)
	}

	if err := r.store.FinalizeConflict(ctx, conflict.ID); err != nil {
		return err
	}
	metrics.ConflictsResolved.WithLabelValues(strategy).Inc()
	logger.Log.Info("Conflict resolved",
		zap.String("conflictId", conflict.ID),
		zap.String("entityType", conflict.EntityType),
		zap.String("entityId", conflict.EntityID),
		zap.String("resolution", resolution),
	)
	return nil
}

// Discard drops a conflict record without resolving it. Nothing is written to
// either system and the resolved counter is untouched.
func (r *Resolver) Discard(ctx context.Context, id string) error {
	if err := r.store.DeleteConflict(ctx, id); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return fmt.Errorf("%w: %s", ErrNotFound, id)
		}
		return err
	}
	logger.Log.Info("Conflict discarded", zap.String("conflictId", id))
	return nil
}

const reconcileBatchSize = 100

// ReconcileAll applies the configured default strategy to every unresolved
// conflict, paging through the store in batches. Records that fail to resolve
// are skipped, not retried within the same pass. With a "manual" default the
// pass is a no-op.
func (r *Resolver) ReconcileAll(ctx context.Context) (resolved int, err error) {
	if r.cfg.DefaultStrategy == StrategyManual {
		return 0, nil
	}

	// Resolved records leave the table, so the offset only has to step over
	// the ones this pass skipped.
	skipped := 0
	for {
		conflicts, err := r.ListUnresolved(ctx, reconcileBatchSize, skipped)
		if err != nil {
			return resolved, err
		}
		if len(conflicts) == 0 {
			break
		}

		for _, c := range conflicts {
			if ctx.Err() != nil {
				return resolved, ctx.Err()
			}
			if err := r.Resolve(ctx, c.ID, r.cfg.DefaultStrategy, nil); err != nil {
				logger.Log.Warn("Reconciliation skipped conflict",
					zap.String("conflictId", c.ID),
					zap.Error(err),
				)
				skipped++
				continue
			}
			resolved++
		}

		if len(conflicts) < reconcileBatchSize {
			break
		}
	}

	if resolved > 0 {
		logger.Log.Info("Reconciliation pass completed", zap.Int("resolved", resolved))
	}
	return resolved, nil
}

func (r *Resolver) Progress(ctx context.Context) (*store.MigrationProgress, error) {
	return r.store.GetMigrationProgress(ctx)
}

func (r *Resolver) pickWinner(conflict *store.Conflict, strategy string, manualValue json.RawMessage) (json.RawMessage, string, error) {
	switch strategy {
	case StrategyAWins:
		return conflict.CandidateA, store.ResolutionAWins, nil
	case StrategyBWins:
		return conflict.CandidateB, store.ResolutionBWins, nil
	case StrategyManual:
		if len(manualValue) == 0 {
			return nil, "", ErrManualValueRequired
		}
		return manualValue, store.ResolutionManual, nil
	case StrategyNewestWins:
		tsA, okA := extractTimestamp(conflict.CandidateA, r.cfg.TimestampField)
		tsB, okB := extractTimestamp(conflict.CandidateB, r.cfg.TimestampField)
		switch {
		case okA && okB:
			if tsB.After(tsA) {
				return conflict.CandidateB, store.ResolutionBWins, nil
			}
			return conflict.CandidateA, store.ResolutionAWins, nil
		case okA:
			return conflict.CandidateA, store.ResolutionAWins, nil
		case okB:
			return conflict.CandidateB, store.ResolutionBWins, nil
		default:
			// Neither candidate carries a usable timestamp: the divergence
			// needs an operator.
			return nil, "", fmt.Errorf("%w: no %q field in either candidate", ErrUnresolved, r.cfg.TimestampField)
		}
	default:
		return nil, "", fmt.Errorf("%w: %q", ErrUnknownStrategy, strategy)
	}
}

// applyBoth writes value to system A then system B. A failure on either side
// aborts; a duplicate write of the same value on a later retry is harmless
// because Apply is idempotent for identical payloads.
func (r *Resolver) applyBoth(ctx context.Context, conflict *store.Conflict, value json.RawMessage) error {
	for _, w := range []SystemWriter{r.systemA, r.systemB} {
		if err := w.Apply(ctx, conflict.EntityType, conflict.EntityID, value); err != nil {
			return fmt.Errorf("writing to %s: %w", w.Name(), err)
		}
	}
	return nil
}

func extractTimestamp(candidate json.RawMessage, field string) (time.Time, bool) {
	if len(candidate) == 0 {
		return time.Time{}, false
	}
	var doc map[string]json.RawMessage
	if err := json.Unmarshal(candidate, &doc); err != nil {
		return time.Time{}, false
	}
	raw, ok := doc[field]
	if !ok {
		return time.Time{}, false
	}

	var s string
	if err := json.Unmarshal(raw, &s); err == nil {
		for _, layout := range []string{time.RFC3339Nano, time.RFC3339, "2006-01-02 15:04:05"} {
			if ts, err := time.Parse(layout, s); err == nil {
				return ts, true
			}
		}
		return time.Time{}, false
	}

	var epoch int64
	if err := json.Unmarshal(raw, &epoch); err == nil && epoch > 0 {
		// Heuristic: values past the year ~2100 in seconds are milliseconds.
		if epoch > 4_102_444_800 {
			return time.UnixMilli(epoch).UTC(), true
		}
		return time.Unix(epoch, 0).UTC(), true
	}
	return time.Time{}, false
}
