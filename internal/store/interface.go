package store

import (
	"context"
)

type Store interface {
	// Offline queue
	EnqueueEntry(ctx context.Context, entry *QueueEntry) error
	GetEntry(ctx context.Context, id string) (*QueueEntry, error)
	ListPending(ctx context.Context) ([]*QueueEntry, error)
	ListFailed(ctx context.Context, limit int) ([]*QueueEntry, error)
	MarkSyncing(ctx context.Context, id string) error
	MarkPending(ctx context.Context, id string) error
	RecoverSyncing(ctx context.Context) error
	DeleteEntry(ctx context.Context, id string) error
	RecordEntryFailure(ctx context.Context, id string, lastError string, ceiling int) (failed bool, err error)
	RequeueEntry(ctx context.Context, id string) error
	PruneFailed(ctx context.Context, cap int) error
	CountQueue(ctx context.Context) (*QueueCounts, error)

	// Conflicts
	CreateConflict(ctx context.Context, conflict *Conflict) error
	GetConflict(ctx context.Context, id string) (*Conflict, error)
	ListConflicts(ctx context.Context, resolution string, limit, offset int) ([]*Conflict, error)
	FinalizeConflict(ctx context.Context, id string) error
	DeleteConflict(ctx context.Context, id string) error

	// Migration progress
	GetMigrationProgress(ctx context.Context) (*MigrationProgress, error)

	// General
	Close() error
}
