package interfaces_test

import (
	"context"
	"testing"

	"renung/pkg/interfaces"
	"renung/pkg/types"
)

type mockBroadcaster struct{}

func (m *mockBroadcaster) JoinRoom(connectionID, roomCode string)  {}
func (m *mockBroadcaster) LeaveRoom(connectionID, roomCode string) {}
func (m *mockBroadcaster) BroadcastToRoom(roomCode, event string, data any) int {
	return 0
}
func (m *mockBroadcaster) SendTo(connectionID, event string, data any) error { return nil }

type mockJournal struct{}

func (m *mockJournal) Record(ctx context.Context, event *types.JournalEvent) error { return nil }
func (m *mockJournal) Append(event *types.JournalEvent) bool                       { return true }
func (m *mockJournal) RoomHistory(ctx context.Context, roomCode string) ([]*types.JournalEvent, error) {
	return nil, nil
}
func (m *mockJournal) Counts(ctx context.Context) (map[string]int, error) { return nil, nil }
func (m *mockJournal) HealthCheck(ctx context.Context) error              { return nil }
func (m *mockJournal) Close() error                                       { return nil }

func TestInterfaces_Implementable(t *testing.T) {
	var _ interfaces.Broadcaster = (*mockBroadcaster)(nil)
	var _ interfaces.Journal = (*mockJournal)(nil)
}

func TestErrors_Distinct(t *testing.T) {
	if interfaces.ErrConnectionNotFound == interfaces.ErrJournalClosed {
		t.Error("sentinel errors must be distinct")
	}
}
