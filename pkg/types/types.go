package types

import (
	"encoding/json"
	"fmt"
	"maps"
	"time"
)

// Event names carried in the websocket envelope.
const (
	EventJoinRoom  = "join_room"
	EventInitGame  = "init_game"
	EventDrawCard  = "draw_card"
	EventLeaveRoom = "leave_room"

	EventRoomStatus = "room_status"
	EventGameState  = "game_state"
	EventError      = "error"
)

// Card is the opaque card record supplied by clients.
// The server only reads ID and Text; every other field is kept in Extra
// and written back unchanged.
type Card struct {
	ID    int
	Text  string
	Extra map[string]json.RawMessage
}

// MarshalJSON flattens Extra next to id and text.
func (c Card) MarshalJSON() ([]byte, error) {
	out := make(map[string]any, len(c.Extra)+2)
	for k, v := range c.Extra {
		out[k] = v
	}
	out["id"] = c.ID
	out["text"] = c.Text
	return json.Marshal(out)
}

// UnmarshalJSON reads id and text and stores the remaining fields in Extra.
func (c *Card) UnmarshalJSON(data []byte) error {
	var raw map[string]json.RawMessage
	if err := json.Unmarshal(data, &raw); err != nil {
		return fmt.Errorf("%w: %v", ErrInvalidCard, err)
	}

	card := Card{}
	if v, ok := raw["id"]; ok {
		if err := json.Unmarshal(v, &card.ID); err != nil {
			return fmt.Errorf("%w: id: %v", ErrInvalidCard, err)
		}
		delete(raw, "id")
	}
	if v, ok := raw["text"]; ok {
		if err := json.Unmarshal(v, &card.Text); err != nil {
			return fmt.Errorf("%w: text: %v", ErrInvalidCard, err)
		}
		delete(raw, "text")
	}
	if len(raw) > 0 {
		card.Extra = raw
	}

	*c = card
	return nil
}

// Clone returns a copy that shares no maps with c.
func (c *Card) Clone() *Card {
	if c == nil {
		return nil
	}
	out := &Card{ID: c.ID, Text: c.Text}
	if c.Extra != nil {
		out.Extra = maps.Clone(c.Extra)
	}
	return out
}

// Player is one seat of a room in join order.
type Player struct {
	ID           string `json:"id"`
	ConnectionID string `json:"connectionId"`
}

// RoomView is a point-in-time copy of a room. Mutating it never touches the registry.
type RoomView struct {
	Code         string   `json:"code"`
	Theme        string   `json:"theme"`
	Players      []Player `json:"players"`
	PlayerCount  int      `json:"playerCount"`
	CurrentTurn  string   `json:"currentTurn,omitempty"`
	CurrentCard  *Card    `json:"currentCard,omitempty"`
	DrawnCardIDs []int    `json:"drawnCardIds"`
}

// IsFull reports whether both seats are taken.
func (v *RoomView) IsFull() bool {
	return v.PlayerCount >= MaxPlayers
}

// MaxPlayers is the room capacity.
const MaxPlayers = 2

// Envelope is the inbound websocket frame.
type Envelope struct {
	Event string          `json:"event"`
	Data  json.RawMessage `json:"data,omitempty"`
}

// OutboundEnvelope is the frame written to clients.
type OutboundEnvelope struct {
	Event string `json:"event"`
	Data  any    `json:"data"`
}

// JoinRoomData is the payload of join_room.
type JoinRoomData struct {
	RoomCode string `json:"roomCode"`
	PlayerID string `json:"playerId"`
}

// InitGameData is the payload of init_game.
type InitGameData struct {
	RoomCode string `json:"roomCode"`
}

// DrawCardData is the payload of draw_card. A nil DrawnCardIDs means the
// client did not send the field.
type DrawCardData struct {
	RoomCode     string `json:"roomCode"`
	PlayerID     string `json:"playerId"`
	Card         *Card  `json:"card"`
	DrawnCardIDs []int  `json:"drawnCardIds,omitempty"`
}

// LeaveRoomData is the payload of leave_room.
type LeaveRoomData struct {
	RoomCode string `json:"roomCode"`
	PlayerID string `json:"playerId"`
}

// RoomStatus is broadcast whenever membership changes.
type RoomStatus struct {
	Players int    `json:"players"`
	Theme   string `json:"theme"`
}

// GameState is broadcast whenever turn or card changes.
type GameState struct {
	Players      int     `json:"players"`
	CurrentTurn  *string `json:"currentTurn"`
	CurrentCard  *Card   `json:"currentCard"`
	DrawnCardIDs []int   `json:"drawnCardIds"`
	Theme        *string `json:"theme,omitempty"`
}

// NewGameState builds the broadcast payload from a view. withTheme adds the room theme.
func NewGameState(v *RoomView, withTheme bool) GameState {
	gs := GameState{
		Players:      v.PlayerCount,
		CurrentCard:  v.CurrentCard.Clone(),
		DrawnCardIDs: append([]int{}, v.DrawnCardIDs...),
	}
	if v.CurrentTurn != "" {
		turn := v.CurrentTurn
		gs.CurrentTurn = &turn
	}
	if withTheme {
		theme := v.Theme
		gs.Theme = &theme
	}
	return gs
}

// ErrorPayload is sent to a single connection when an event is refused.
type ErrorPayload struct {
	Message string `json:"message"`
	Event   string `json:"event"`
}

// CreateRoomRequest is the body of POST /api/room/create.
type CreateRoomRequest struct {
	Theme string `json:"theme"`
}

// JoinRoomRequest is the body of POST /api/room/join.
type JoinRoomRequest struct {
	Code string `json:"code" binding:"required"`
}

// RoomResponse is the success body of both room endpoints.
type RoomResponse struct {
	Code  string `json:"code"`
	Theme string `json:"theme"`
}

// FailureResponse is the body of a refused HTTP request.
type FailureResponse struct {
	Status     bool   `json:"status"`
	Error      string `json:"error,omitempty"`
	Message    string `json:"message"`
	RetryAfter int    `json:"retryAfter,omitempty"`
}

// Journal event kinds.
const (
	JournalRoomCreated     = "room_created"
	JournalPlayerJoined    = "player_joined"
	JournalGameStarted     = "game_started"
	JournalGameInitialized = "game_initialized"
	JournalCardDrawn       = "card_drawn"
	JournalPlayerLeft      = "player_left"
	JournalRoomClosed      = "room_closed"
)

// JournalEvent is one row of the room event log.
type JournalEvent struct {
	ID        int64          `json:"id"`
	RoomCode  string         `json:"roomCode"`
	Kind      string         `json:"kind"`
	PlayerID  string         `json:"playerId,omitempty"`
	CardID    *int           `json:"cardId,omitempty"`
	Payload   map[string]any `json:"payload,omitempty"`
	CreatedAt time.Time      `json:"createdAt"`
}
