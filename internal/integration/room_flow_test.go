package integration

import (
	"encoding/json"
	"net/http"
	"testing"
	"time"

	"github.com/gorilla/websocket"
	"github.com/samber/lo"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"renung/pkg/types"
)

func TestTwoPlayerRoomFlow(t *testing.T) {
	c := newCluster(t)

	resp, body := c.postJSON(t, "/api/room/create", types.CreateRoomRequest{Theme: "Gratitude"})
	require.Equal(t, http.StatusOK, resp.StatusCode)
	var created types.RoomResponse
	require.NoError(t, json.Unmarshal(body, &created))
	require.True(t, types.IsValidRoomCode(created.Code))
	code := created.Code

	resp, body = c.postJSON(t, "/api/room/join", types.JoinRoomRequest{Code: " " + code + " "})
	require.Equal(t, http.StatusOK, resp.StatusCode)
	var joined types.RoomResponse
	require.NoError(t, json.Unmarshal(body, &joined))
	assert.Equal(t, code, joined.Code)
	assert.Equal(t, "Gratitude", joined.Theme)

	alice := c.connect(t, "alice")
	alice.send(t, types.EventJoinRoom, types.JoinRoomData{RoomCode: code, PlayerID: "alice"})
	var status types.RoomStatus
	alice.expect(t, types.EventRoomStatus, &status)
	assert.Equal(t, types.RoomStatus{Players: 1, Theme: "Gratitude"}, status)

	bob := c.connect(t, "bob")
	bob.send(t, types.EventJoinRoom, types.JoinRoomData{RoomCode: code, PlayerID: "bob"})
	for _, p := range []*player{alice, bob} {
		p.expect(t, types.EventRoomStatus, &status)
		assert.Equal(t, 2, status.Players)

		var state gameState
		p.expect(t, types.EventGameState, &state)
		require.NotNil(t, state.CurrentTurn)
		assert.Equal(t, "alice", *state.CurrentTurn)
		require.NotNil(t, state.Theme)
		assert.Equal(t, "Gratitude", *state.Theme)
	}

	// The room is now full for anyone else.
	_, body = c.postJSON(t, "/api/room/join", types.JoinRoomRequest{Code: code})
	var failure types.FailureResponse
	require.NoError(t, json.Unmarshal(body, &failure))
	assert.Equal(t, "Room is full", failure.Message)

	carol := c.connect(t, "carol")
	carol.send(t, types.EventJoinRoom, types.JoinRoomData{RoomCode: code, PlayerID: "carol"})
	var refusal types.ErrorPayload
	carol.expect(t, types.EventError, &refusal)
	assert.Equal(t, types.EventJoinRoom, refusal.Event)

	// Bob draws out of turn. The invalid leave behind it comes back as an
	// error, so the draw was handled and produced no game_state.
	bob.send(t, types.EventDrawCard, map[string]any{
		"roomCode": code, "playerId": "bob", "card": map[string]any{"id": 3, "text": "nope"},
	})
	bob.send(t, types.EventLeaveRoom, map[string]any{"roomCode": "??", "playerId": "bob"})
	bob.expect(t, types.EventError, &refusal)
	assert.Equal(t, types.EventLeaveRoom, refusal.Event)

	alice.send(t, types.EventDrawCard, map[string]any{
		"roomCode": code, "playerId": "alice", "card": map[string]any{"id": 7, "text": "What are you thankful for?"},
	})
	for _, p := range []*player{alice, bob} {
		var state gameState
		p.expect(t, types.EventGameState, &state)
		require.NotNil(t, state.CurrentTurn)
		assert.Equal(t, "bob", *state.CurrentTurn)
		require.NotNil(t, state.CurrentCard)
		assert.Equal(t, 7, state.CurrentCard.ID)
		assert.Equal(t, "What are you thankful for?", state.CurrentCard.Text)
		assert.Equal(t, []int{7}, state.DrawnCardIDs)
	}

	// Bob drops; alice is told and gets the turn back with a cleared card.
	require.NoError(t, bob.conn.Close())
	alice.expect(t, types.EventRoomStatus, &status)
	assert.Equal(t, 1, status.Players)
	var state gameState
	alice.expect(t, types.EventGameState, &state)
	require.NotNil(t, state.CurrentTurn)
	assert.Equal(t, "alice", *state.CurrentTurn)
	assert.Nil(t, state.CurrentCard)

	alice.send(t, types.EventLeaveRoom, types.LeaveRoomData{RoomCode: code, PlayerID: "alice"})

	var history struct {
		Code   string               `json:"code"`
		Events []types.JournalEvent `json:"events"`
	}
	require.Eventually(t, func() bool {
		status := c.getJSON("/api/room/"+code+"/history", &history)
		return status == http.StatusOK && lo.ContainsBy(history.Events, func(e types.JournalEvent) bool {
			return e.Kind == types.JournalRoomClosed
		})
	}, 3*time.Second, 100*time.Millisecond)

	_, body = c.postJSON(t, "/api/room/join", types.JoinRoomRequest{Code: code})
	require.NoError(t, json.Unmarshal(body, &failure))
	assert.Equal(t, "Room not found", failure.Message)

	kinds := lo.Map(history.Events, func(e types.JournalEvent, _ int) string { return e.Kind })
	assert.Equal(t, []string{
		types.JournalRoomCreated,
		types.JournalPlayerJoined,
		types.JournalPlayerJoined,
		types.JournalGameStarted,
		types.JournalCardDrawn,
		types.JournalPlayerLeft,
		types.JournalPlayerLeft,
		types.JournalRoomClosed,
	}, kinds)
}

func TestLazyRoomCreationOverWebSocket(t *testing.T) {
	c := newCluster(t)

	p := c.connect(t, "dana")
	p.send(t, types.EventJoinRoom, types.JoinRoomData{RoomCode: "abc123", PlayerID: "dana"})

	var status types.RoomStatus
	p.expect(t, types.EventRoomStatus, &status)
	assert.Equal(t, types.RoomStatus{Players: 1, Theme: ""}, status)

	resp, body := c.postJSON(t, "/api/room/join", types.JoinRoomRequest{Code: "ABC123"})
	require.Equal(t, http.StatusOK, resp.StatusCode)
	var joined types.RoomResponse
	require.NoError(t, json.Unmarshal(body, &joined))
	assert.Equal(t, "ABC123", joined.Code)
}

func TestMalformedFramesAreAnswered(t *testing.T) {
	c := newCluster(t)
	p := c.connect(t, "eve")

	require.NoError(t, p.conn.WriteMessage(websocket.TextMessage, []byte("{not json")))
	var payload types.ErrorPayload
	p.expect(t, types.EventError, &payload)
	assert.NotEmpty(t, payload.Message)

	p.send(t, types.EventJoinRoom, map[string]any{"roomCode": "??", "playerId": "eve"})
	p.expect(t, types.EventError, &payload)
	assert.Equal(t, types.EventJoinRoom, payload.Event)
}

func TestEventRateLimitOverWebSocket(t *testing.T) {
	c := newCluster(t)
	p := c.connect(t, "frank")

	// join_room_event allows five joins per window; the sixth is refused.
	for i := 0; i < 5; i++ {
		p.send(t, types.EventJoinRoom, types.JoinRoomData{RoomCode: "RATE01", PlayerID: "frank"})
		p.expect(t, types.EventRoomStatus, nil)
	}
	p.send(t, types.EventJoinRoom, types.JoinRoomData{RoomCode: "RATE01", PlayerID: "frank"})
	var payload types.ErrorPayload
	p.expect(t, types.EventError, &payload)
	assert.Equal(t, types.EventJoinRoom, payload.Event)
}
