package deadletter

import (
	"context"

	"relaybot/internal/domain"
)

// NopStore discards everything. Used when dead-lettering is disabled.
type NopStore struct{}

func (NopStore) Append(ctx context.Context, rec domain.DeadLetterRecord) error { return nil }

func (NopStore) List(ctx context.Context, limit int) ([]domain.DeadLetterRecord, error) {
	return nil, nil
}

func (NopStore) MarkReplayed(ctx context.Context, id int64) error { return nil }

func (NopStore) Close() error { return nil }
