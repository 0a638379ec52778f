package session

import (
	"context"
	"encoding/json"
	"io"
	"sync"
	"testing"
	"time"

	"github.com/charmbracelet/log"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"renung/internal/ratelimit"
	"renung/internal/room"
	"renung/pkg/types"
)

type sentEvent struct {
	target string // room code for broadcasts, connection id for direct sends
	event  string
	data   any
}

// mockBroadcaster records every outbound event and tracks subscriptions.
type mockBroadcaster struct {
	mu         sync.Mutex
	broadcasts []sentEvent
	direct     []sentEvent
	members    map[string]map[string]bool
}

func newMockBroadcaster() *mockBroadcaster {
	return &mockBroadcaster{members: make(map[string]map[string]bool)}
}

func (m *mockBroadcaster) JoinRoom(connectionID, roomCode string) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.members[roomCode] == nil {
		m.members[roomCode] = make(map[string]bool)
	}
	m.members[roomCode][connectionID] = true
}

func (m *mockBroadcaster) LeaveRoom(connectionID, roomCode string) {
	m.mu.Lock()
	defer m.mu.Unlock()
	delete(m.members[roomCode], connectionID)
}

func (m *mockBroadcaster) BroadcastToRoom(roomCode, event string, data any) int {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.broadcasts = append(m.broadcasts, sentEvent{target: roomCode, event: event, data: data})
	return len(m.members[roomCode])
}

func (m *mockBroadcaster) SendTo(connectionID, event string, data any) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.direct = append(m.direct, sentEvent{target: connectionID, event: event, data: data})
	return nil
}

func (m *mockBroadcaster) subscribed(roomCode, connectionID string) bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.members[roomCode][connectionID]
}

func (m *mockBroadcaster) reset() {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.broadcasts = nil
	m.direct = nil
}

func (m *mockBroadcaster) lastBroadcast(t *testing.T, event string) any {
	t.Helper()
	m.mu.Lock()
	defer m.mu.Unlock()
	for i := len(m.broadcasts) - 1; i >= 0; i-- {
		if m.broadcasts[i].event == event {
			return m.broadcasts[i].data
		}
	}
	t.Fatalf("no %s broadcast", event)
	return nil
}

func (m *mockBroadcaster) broadcastEvents() []string {
	m.mu.Lock()
	defer m.mu.Unlock()
	var events []string
	for _, b := range m.broadcasts {
		events = append(events, b.event)
	}
	return events
}

// mockJournal keeps appended events in memory.
type mockJournal struct {
	mu     sync.Mutex
	events []*types.JournalEvent
}

func (m *mockJournal) Record(ctx context.Context, event *types.JournalEvent) error {
	m.Append(event)
	return nil
}

func (m *mockJournal) Append(event *types.JournalEvent) bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.events = append(m.events, event)
	return true
}

func (m *mockJournal) RoomHistory(ctx context.Context, roomCode string) ([]*types.JournalEvent, error) {
	return nil, nil
}
func (m *mockJournal) Counts(ctx context.Context) (map[string]int, error) { return nil, nil }
func (m *mockJournal) HealthCheck(ctx context.Context) error              { return nil }
func (m *mockJournal) Close() error                                       { return nil }

func (m *mockJournal) kinds() []string {
	m.mu.Lock()
	defer m.mu.Unlock()
	var kinds []string
	for _, e := range m.events {
		kinds = append(kinds, e.Kind)
	}
	return kinds
}

type fixture struct {
	orch    *Orchestrator
	rooms   *room.Registry
	limiter *ratelimit.ConnectionLimiter
	bc      *mockBroadcaster
	journal *mockJournal
	now     time.Time
}

func newFixture(t *testing.T) *fixture {
	t.Helper()
	f := &fixture{
		rooms:   room.NewRegistry(),
		bc:      newMockBroadcaster(),
		journal: &mockJournal{},
		now:     time.Date(2024, 3, 1, 12, 0, 0, 0, time.UTC),
	}
	logger := log.New(io.Discard)
	f.limiter = ratelimit.NewConnectionLimiter(logger, ratelimit.WithClock(func() time.Time { return f.now }))
	f.orch = NewOrchestrator(f.rooms, f.limiter, ratelimit.DefaultPolicies(), f.bc, f.journal, logger)
	return f
}

func (f *fixture) join(t *testing.T, conn, code, player string) {
	t.Helper()
	require.NoError(t, f.orch.HandleJoinRoom(conn, types.JoinRoomData{RoomCode: code, PlayerID: player}))
}

func TestOrchestrator_JoinBroadcastsStatusAndStartsGame(t *testing.T) {
	f := newFixture(t)
	f.rooms.CreateRoom("AB12CD", "keluarga")

	f.join(t, "s1", "AB12CD", "P1")
	assert.True(t, f.bc.subscribed("AB12CD", "s1"))
	assert.Equal(t, []string{types.EventRoomStatus}, f.bc.broadcastEvents())
	assert.Equal(t, types.RoomStatus{Players: 1, Theme: "keluarga"}, f.bc.lastBroadcast(t, types.EventRoomStatus))

	f.join(t, "s2", "AB12CD", "P2")
	assert.Equal(t, []string{types.EventRoomStatus, types.EventRoomStatus, types.EventGameState}, f.bc.broadcastEvents())

	gs := f.bc.lastBroadcast(t, types.EventGameState).(types.GameState)
	require.NotNil(t, gs.CurrentTurn)
	assert.Equal(t, "P1", *gs.CurrentTurn)
	assert.Equal(t, 2, gs.Players)
	require.NotNil(t, gs.Theme)
	assert.Equal(t, "keluarga", *gs.Theme)
	assert.Nil(t, gs.CurrentCard)

	assert.Equal(t, []string{types.JournalPlayerJoined, types.JournalPlayerJoined, types.JournalGameStarted}, f.journal.kinds())
}

func TestOrchestrator_JoinNormalizesCodeAndCreatesLazily(t *testing.T) {
	f := newFixture(t)

	f.join(t, "s1", "ab12cd", "P1")
	assert.True(t, f.rooms.RoomExists("AB12CD"))
	assert.Equal(t, []string{types.JournalRoomCreated, types.JournalPlayerJoined}, f.journal.kinds())
}

func TestOrchestrator_JoinFullRoomSendsError(t *testing.T) {
	f := newFixture(t)
	f.rooms.CreateRoom("AB12CD", "t")
	f.join(t, "s1", "AB12CD", "P1")
	f.join(t, "s2", "AB12CD", "P2")
	f.bc.reset()

	err := f.orch.HandleJoinRoom("s3", types.JoinRoomData{RoomCode: "AB12CD", PlayerID: "P3"})
	assert.ErrorIs(t, err, room.ErrRoomFull)
	assert.Empty(t, f.bc.broadcastEvents())
	require.Len(t, f.bc.direct, 1)
	assert.Equal(t, sentEvent{target: "s3", event: types.EventError, data: types.ErrorPayload{Message: MsgRoomFull, Event: types.EventJoinRoom}}, f.bc.direct[0])
	assert.False(t, f.bc.subscribed("AB12CD", "s3"))
}

func TestOrchestrator_RejoinMovesSubscription(t *testing.T) {
	f := newFixture(t)
	f.rooms.CreateRoom("AB12CD", "t")
	f.join(t, "s1", "AB12CD", "P1")
	f.join(t, "s2", "AB12CD", "P2")
	f.bc.reset()

	f.join(t, "s9", "AB12CD", "P2")
	assert.False(t, f.bc.subscribed("AB12CD", "s2"))
	assert.True(t, f.bc.subscribed("AB12CD", "s9"))

	require.Len(t, f.bc.direct, 1)
	assert.Equal(t, "s9", f.bc.direct[0].target)
	assert.Equal(t, types.EventGameState, f.bc.direct[0].event)

	view, _ := f.rooms.GetRoom("AB12CD")
	assert.Equal(t, 2, view.PlayerCount)
	assert.Equal(t, "P1", view.CurrentTurn, "rejoin keeps the turn")
}

func TestOrchestrator_InvalidPayloadSendsError(t *testing.T) {
	f := newFixture(t)

	err := f.orch.HandleJoinRoom("s1", types.JoinRoomData{RoomCode: "short", PlayerID: "P1"})
	assert.ErrorIs(t, err, types.ErrInvalidRoomCode)
	require.Len(t, f.bc.direct, 1)
	assert.Equal(t, types.EventError, f.bc.direct[0].event)
	assert.False(t, f.rooms.RoomExists("SHORT"))
}

// Two players join AB12CD, P1 draws card 7, P2 leaves.
func TestOrchestrator_FullGameScenario(t *testing.T) {
	f := newFixture(t)
	f.rooms.CreateRoom("AB12CD", "keluarga")
	f.join(t, "s1", "AB12CD", "P1")
	f.join(t, "s2", "AB12CD", "P2")

	require.NoError(t, f.orch.HandleDrawCard("s1", types.DrawCardData{
		RoomCode: "AB12CD",
		PlayerID: "P1",
		Card:     &types.Card{ID: 7, Text: "Apa yang paling kamu syukuri hari ini?"},
	}))
	gs := f.bc.lastBroadcast(t, types.EventGameState).(types.GameState)
	assert.Equal(t, "P2", *gs.CurrentTurn)
	assert.Equal(t, []int{7}, gs.DrawnCardIDs)
	assert.Equal(t, 7, gs.CurrentCard.ID)
	assert.Nil(t, gs.Theme)

	require.NoError(t, f.orch.HandleLeaveRoom("s2", types.LeaveRoomData{RoomCode: "AB12CD", PlayerID: "P2"}))
	assert.False(t, f.bc.subscribed("AB12CD", "s2"))

	status := f.bc.lastBroadcast(t, types.EventRoomStatus).(types.RoomStatus)
	assert.Equal(t, 1, status.Players)

	gs = f.bc.lastBroadcast(t, types.EventGameState).(types.GameState)
	assert.Equal(t, "P1", *gs.CurrentTurn)
	assert.Nil(t, gs.CurrentCard)
	assert.Equal(t, 1, gs.Players)

	view, ok := f.rooms.GetRoom("AB12CD")
	require.True(t, ok)
	assert.Equal(t, 1, view.PlayerCount)
}

func TestOrchestrator_OutOfTurnDrawIsSilent(t *testing.T) {
	f := newFixture(t)
	f.rooms.CreateRoom("AB12CD", "t")
	f.join(t, "s1", "AB12CD", "P1")
	f.join(t, "s2", "AB12CD", "P2")
	before, _ := f.rooms.GetRoom("AB12CD")
	f.bc.reset()

	err := f.orch.HandleDrawCard("s2", types.DrawCardData{RoomCode: "AB12CD", PlayerID: "P2", Card: &types.Card{ID: 3}})
	assert.ErrorIs(t, err, room.ErrNotYourTurn)
	assert.Empty(t, f.bc.broadcastEvents())
	assert.Empty(t, f.bc.direct)

	after, _ := f.rooms.GetRoom("AB12CD")
	assert.Equal(t, before, after)
}

func TestOrchestrator_DrawWithClientHistory(t *testing.T) {
	f := newFixture(t)
	f.rooms.CreateRoom("AB12CD", "t")
	f.join(t, "s1", "AB12CD", "P1")
	f.join(t, "s2", "AB12CD", "P2")

	require.NoError(t, f.orch.HandleDrawCard("s1", types.DrawCardData{
		RoomCode:     "AB12CD",
		PlayerID:     "P1",
		Card:         &types.Card{ID: 9},
		DrawnCardIDs: []int{2, 4, 9},
	}))
	gs := f.bc.lastBroadcast(t, types.EventGameState).(types.GameState)
	assert.Equal(t, []int{2, 4, 9}, gs.DrawnCardIDs)
}

func TestOrchestrator_InitGame(t *testing.T) {
	f := newFixture(t)
	f.rooms.CreateRoom("AB12CD", "t")
	f.join(t, "s1", "AB12CD", "P1")

	err := f.orch.HandleInitGame("s1", types.InitGameData{RoomCode: "AB12CD"})
	assert.ErrorIs(t, err, room.ErrGameNotReady)

	f.join(t, "s2", "AB12CD", "P2")
	require.NoError(t, f.orch.HandleDrawCard("s1", types.DrawCardData{RoomCode: "AB12CD", PlayerID: "P1", Card: &types.Card{ID: 1}}))
	f.bc.reset()

	require.NoError(t, f.orch.HandleInitGame("s2", types.InitGameData{RoomCode: "AB12CD"}))
	assert.Equal(t, []string{types.EventGameState}, f.bc.broadcastEvents())
	gs := f.bc.lastBroadcast(t, types.EventGameState).(types.GameState)
	assert.Equal(t, "P1", *gs.CurrentTurn)
	assert.Nil(t, gs.CurrentCard)
	assert.Nil(t, gs.Theme)
	assert.Equal(t, []int{1}, gs.DrawnCardIDs)
}

func TestOrchestrator_LastLeaveDestroysRoom(t *testing.T) {
	f := newFixture(t)
	f.rooms.CreateRoom("AB12CD", "t")
	f.join(t, "s1", "AB12CD", "P1")
	f.bc.reset()

	require.NoError(t, f.orch.HandleLeaveRoom("s1", types.LeaveRoomData{RoomCode: "AB12CD", PlayerID: "P1"}))
	assert.False(t, f.rooms.RoomExists("AB12CD"))
	assert.Equal(t, []string{types.EventRoomStatus}, f.bc.broadcastEvents())
	assert.Contains(t, f.journal.kinds(), types.JournalRoomClosed)

	err := f.orch.HandleLeaveRoom("s1", types.LeaveRoomData{RoomCode: "AB12CD", PlayerID: "P1"})
	assert.ErrorIs(t, err, room.ErrRoomNotFound)
}

func TestOrchestrator_DisconnectCleansUp(t *testing.T) {
	f := newFixture(t)
	f.rooms.CreateRoom("AB12CD", "t")
	f.join(t, "s1", "AB12CD", "P1")
	f.join(t, "s2", "AB12CD", "P2")
	require.NoError(t, f.orch.HandleDrawCard("s1", types.DrawCardData{RoomCode: "AB12CD", PlayerID: "P1", Card: &types.Card{ID: 5}}))

	f.orch.HandleDisconnect("s1")
	assert.False(t, f.bc.subscribed("AB12CD", "s1"))

	view, ok := f.rooms.GetRoom("AB12CD")
	require.True(t, ok)
	assert.Equal(t, 1, view.PlayerCount)
	assert.Equal(t, "P2", view.CurrentTurn)
	assert.Nil(t, view.CurrentCard)

	f.orch.HandleDisconnect("s2")
	assert.False(t, f.rooms.RoomExists("AB12CD"))

	f.orch.HandleDisconnect("never-joined")
	assert.Equal(t, 0, f.limiter.Stats().Tracked)
}

func TestOrchestrator_SwitchingRoomsReleasesPreviousSeat(t *testing.T) {
	f := newFixture(t)
	f.rooms.CreateRoom("AAAAAA", "t")
	f.join(t, "s1", "AAAAAA", "P1")
	f.join(t, "s2", "AAAAAA", "P2")

	f.join(t, "s1", "BBBBBB", "P1")
	assert.False(t, f.bc.subscribed("AAAAAA", "s1"))
	assert.True(t, f.bc.subscribed("BBBBBB", "s1"))

	view, ok := f.rooms.GetRoom("AAAAAA")
	require.True(t, ok)
	assert.Equal(t, 1, view.PlayerCount)
	assert.Contains(t, f.journal.kinds(), types.JournalPlayerLeft)

	f.orch.HandleDisconnect("s1")
	assert.False(t, f.rooms.RoomExists("BBBBBB"))
	view, ok = f.rooms.GetRoom("AAAAAA")
	require.True(t, ok)
	assert.Equal(t, 1, view.PlayerCount, "the other player keeps their seat")

	f.orch.HandleDisconnect("s2")
	assert.False(t, f.rooms.RoomExists("AAAAAA"))
}

func TestOrchestrator_SecondSeatInSameRoomIsRefused(t *testing.T) {
	f := newFixture(t)
	f.join(t, "s1", "AAAAAA", "P1")
	f.bc.reset()

	err := f.orch.HandleJoinRoom("s1", types.JoinRoomData{RoomCode: "AAAAAA", PlayerID: "P2"})
	assert.ErrorIs(t, err, ErrSeatConflict)
	require.Len(t, f.bc.direct, 1)
	assert.Equal(t, types.ErrorPayload{Message: MsgSeatConflict, Event: types.EventJoinRoom}, f.bc.direct[0].data)

	view, ok := f.rooms.GetRoom("AAAAAA")
	require.True(t, ok)
	assert.Equal(t, 1, view.PlayerCount)

	f.orch.HandleDisconnect("s1")
	assert.False(t, f.rooms.RoomExists("AAAAAA"))
}

func TestOrchestrator_DisconnectReleasesEverySeat(t *testing.T) {
	f := newFixture(t)
	_, err := f.rooms.JoinPlayer("AAAAAA", "P1", "s1")
	require.NoError(t, err)
	_, err = f.rooms.JoinPlayer("BBBBBB", "P1", "s1")
	require.NoError(t, err)

	f.orch.HandleDisconnect("s1")
	assert.False(t, f.rooms.RoomExists("AAAAAA"))
	assert.False(t, f.rooms.RoomExists("BBBBBB"))
}

func TestOrchestrator_RateLimitedEventsAreRejected(t *testing.T) {
	f := newFixture(t)

	for i := 0; i < ratelimit.JoinRoomEvent.MaxRequests; i++ {
		f.join(t, "s1", "AB12CD", "P1")
	}
	f.bc.reset()

	err := f.orch.HandleJoinRoom("s1", types.JoinRoomData{RoomCode: "CD34EF", PlayerID: "P1"})
	assert.ErrorIs(t, err, ratelimit.ErrRateLimited)
	assert.False(t, f.rooms.RoomExists("CD34EF"), "limited events never reach the registry")
	assert.Empty(t, f.bc.broadcastEvents())
	require.Len(t, f.bc.direct, 1)
	assert.Equal(t, types.ErrorPayload{Message: MsgRateLimited, Event: types.EventJoinRoom}, f.bc.direct[0].data)
}

func TestOrchestrator_BlacklistedConnection(t *testing.T) {
	f := newFixture(t)
	limit := ratelimit.JoinRoomEvent.MaxRequests

	for i := 0; i < limit+ratelimit.ViolationThreshold; i++ {
		_ = f.orch.HandleJoinRoom("s1", types.JoinRoomData{RoomCode: "AB12CD", PlayerID: "P1"})
	}
	require.True(t, f.limiter.IsBlacklisted("s1"))
	assert.False(t, f.orch.HandleConnect("s1"))
	assert.True(t, f.orch.HandleConnect("s2"))

	f.now = f.now.Add(time.Hour)
	err := f.orch.HandleDrawCard("s1", types.DrawCardData{RoomCode: "AB12CD", PlayerID: "P1"})
	assert.ErrorIs(t, err, ratelimit.ErrRateLimited)

	f.orch.HandleDisconnect("s1")
	assert.True(t, f.limiter.IsBlacklisted("s1"), "disconnect keeps the blacklist")
}

func TestOrchestrator_HandleEventDispatch(t *testing.T) {
	f := newFixture(t)
	f.rooms.CreateRoom("AB12CD", "t")

	env := func(event, data string) types.Envelope {
		return types.Envelope{Event: event, Data: json.RawMessage(data)}
	}

	require.NoError(t, f.orch.HandleEvent("s1", env(types.EventJoinRoom, `{"roomCode":"AB12CD","playerId":"P1"}`)))
	require.NoError(t, f.orch.HandleEvent("s2", env(types.EventJoinRoom, `{"roomCode":"AB12CD","playerId":"P2"}`)))
	require.NoError(t, f.orch.HandleEvent("s1", env(types.EventDrawCard, `{"roomCode":"AB12CD","playerId":"P1","card":{"id":3,"text":"x","mood":"calm"}}`)))

	gs := f.bc.lastBroadcast(t, types.EventGameState).(types.GameState)
	require.NotNil(t, gs.CurrentCard)
	assert.Contains(t, gs.CurrentCard.Extra, "mood")

	require.NoError(t, f.orch.HandleEvent("s2", env(types.EventInitGame, `{"roomCode":"AB12CD"}`)))
	require.NoError(t, f.orch.HandleEvent("s2", env(types.EventLeaveRoom, `{"roomCode":"AB12CD","playerId":"P2"}`)))

	assert.ErrorIs(t, f.orch.HandleEvent("s1", env("chat", `{}`)), ErrUnknownEvent)
	assert.ErrorIs(t, f.orch.HandleEvent("s1", env(types.EventDrawCard, `not json`)), ErrInvalidPayload)
	assert.ErrorIs(t, f.orch.HandleEvent("s1", types.Envelope{Event: types.EventInitGame}), ErrInvalidPayload)
}

func TestOrchestrator_RecordRoomCreated(t *testing.T) {
	f := newFixture(t)
	view := f.rooms.CreateRoom("AB12CD", "pasangan")
	f.orch.RecordRoomCreated(view)

	require.Len(t, f.journal.events, 1)
	assert.Equal(t, "pasangan", f.journal.events[0].Payload["theme"])
}
