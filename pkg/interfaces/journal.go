package interfaces

import (
	"context"

	"renung/pkg/types"
)

// Journal is the append-only log of room lifecycle events.
// Failures never affect game state; callers log and continue.
type Journal interface {
	// Record stores event and waits for the write.
	Record(ctx context.Context, event *types.JournalEvent) error

	// Append queues event without waiting and reports whether it was accepted.
	Append(event *types.JournalEvent) bool

	RoomHistory(ctx context.Context, roomCode string) ([]*types.JournalEvent, error)
	Counts(ctx context.Context) (map[string]int, error)
	HealthCheck(ctx context.Context) error
	Close() error
}
