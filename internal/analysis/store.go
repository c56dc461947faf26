package analysis

import (
	"context"

	"github.com/linnemanlabs/argus/internal/progress"
)

// Store is the persistence interface for orchestration records. Save
// overwrites; Get returns the same shape for every lineage.
type Store interface {
	Get(ctx context.Context, alertID string) (*Record, bool, error)
	Save(ctx context.Context, r *Record) error
	Delete(ctx context.Context, alertID string) error
}

// Publisher receives progress events. Publishing is best effort.
type Publisher interface {
	Publish(ctx context.Context, ev progress.Event)
}

// Notifier is told about records reaching a terminal status.
type Notifier interface {
	Notify(ctx context.Context, r *Record) error
}

// Archiver snapshots a record before it is reset and returns the
// snapshot location.
type Archiver interface {
	Archive(ctx context.Context, r *Record) (string, error)
}

type nopPublisher struct{}

func (nopPublisher) Publish(context.Context, progress.Event) {}
