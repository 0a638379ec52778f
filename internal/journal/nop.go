package journal

import (
	"context"

	"renung/pkg/types"
)

// Nop is the journal used when persistence is disabled.
type Nop struct{}

func (Nop) Record(context.Context, *types.JournalEvent) error { return nil }
func (Nop) Append(*types.JournalEvent) bool                   { return true }
func (Nop) RoomHistory(context.Context, string) ([]*types.JournalEvent, error) {
	return nil, nil
}
func (Nop) Counts(context.Context) (map[string]int, error) { return map[string]int{}, nil }
func (Nop) HealthCheck(context.Context) error              { return nil }
func (Nop) Close() error                                   { return nil }
