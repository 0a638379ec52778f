package session

import (
	"encoding/json"
	"errors"
	"fmt"

	"github.com/charmbracelet/log"

	"renung/internal/ratelimit"
	"renung/internal/room"
	"renung/pkg/interfaces"
	"renung/pkg/types"
)

// Messages sent to a single connection in an error event.
const (
	MsgRateLimited    = "Rate limit exceeded. Please slow down."
	MsgRoomFull       = "Room is full"
	MsgInvalidPayload = "Invalid payload"
	MsgSeatConflict   = "Connection already holds another seat in this room"
)

// Orchestrator turns connection events into registry changes and broadcasts.
// It holds no room state of its own.
type Orchestrator struct {
	rooms       *room.Registry
	limiter     *ratelimit.ConnectionLimiter
	policies    ratelimit.Policies
	broadcaster interfaces.Broadcaster
	journal     interfaces.Journal
	logger      *log.Logger
}

// NewOrchestrator wires an orchestrator. A nil journal disables journaling.
func NewOrchestrator(
	rooms *room.Registry,
	limiter *ratelimit.ConnectionLimiter,
	policies ratelimit.Policies,
	broadcaster interfaces.Broadcaster,
	journal interfaces.Journal,
	logger *log.Logger,
) *Orchestrator {
	if logger == nil {
		logger = log.Default()
	}
	return &Orchestrator{
		rooms:       rooms,
		limiter:     limiter,
		policies:    policies,
		broadcaster: broadcaster,
		journal:     journal,
		logger:      logger.WithPrefix("session"),
	}
}

// HandleConnect reports whether a new connection may be served.
func (o *Orchestrator) HandleConnect(connectionID string) bool {
	if o.limiter.IsBlacklisted(connectionID) {
		o.logger.Warn("blacklisted connection refused", "connection", connectionID)
		return false
	}
	o.logger.Debug("connection accepted", "connection", connectionID)
	return true
}

// HandleEvent decodes an inbound envelope and dispatches it.
func (o *Orchestrator) HandleEvent(connectionID string, env types.Envelope) error {
	switch env.Event {
	case types.EventJoinRoom:
		var data types.JoinRoomData
		if err := o.decode(connectionID, env, &data); err != nil {
			return err
		}
		return o.HandleJoinRoom(connectionID, data)

	case types.EventInitGame:
		var data types.InitGameData
		if err := o.decode(connectionID, env, &data); err != nil {
			return err
		}
		return o.HandleInitGame(connectionID, data)

	case types.EventDrawCard:
		var data types.DrawCardData
		if err := o.decode(connectionID, env, &data); err != nil {
			return err
		}
		return o.HandleDrawCard(connectionID, data)

	case types.EventLeaveRoom:
		var data types.LeaveRoomData
		if err := o.decode(connectionID, env, &data); err != nil {
			return err
		}
		return o.HandleLeaveRoom(connectionID, data)

	default:
		o.logger.Debug("unknown event ignored", "connection", connectionID, "event", env.Event)
		return fmt.Errorf("%w: %q", ErrUnknownEvent, env.Event)
	}
}

func (o *Orchestrator) decode(connectionID string, env types.Envelope, v any) error {
	if len(env.Data) == 0 {
		o.sendError(connectionID, env.Event, MsgInvalidPayload)
		return ErrInvalidPayload
	}
	if err := json.Unmarshal(env.Data, v); err != nil {
		o.sendError(connectionID, env.Event, MsgInvalidPayload)
		return fmt.Errorf("%w: %v", ErrInvalidPayload, err)
	}
	return nil
}

// HandleJoinRoom seats the player, subscribes the connection and announces
// the room. The join that fills the room also starts the game.
func (o *Orchestrator) HandleJoinRoom(connectionID string, data types.JoinRoomData) error {
	if !o.admit(connectionID, types.EventJoinRoom, o.policies.JoinRoomEvent) {
		return ratelimit.ErrRateLimited
	}
	if err := data.Validate(); err != nil {
		o.sendError(connectionID, types.EventJoinRoom, err.Error())
		return err
	}

	// A connection holds at most one seat.
	heldRoom, heldPlayer, holding := o.rooms.FindRoomByConnection(connectionID)
	if holding && heldRoom == data.RoomCode && heldPlayer != data.PlayerID {
		o.sendError(connectionID, types.EventJoinRoom, MsgSeatConflict)
		return ErrSeatConflict
	}

	res, err := o.rooms.JoinPlayer(data.RoomCode, data.PlayerID, connectionID)
	if err != nil {
		if errors.Is(err, room.ErrRoomFull) {
			o.sendError(connectionID, types.EventJoinRoom, MsgRoomFull)
		}
		o.logger.Debug("join refused", "room", data.RoomCode, "player", data.PlayerID, "err", err)
		return err
	}

	if res.Replaced != "" {
		o.broadcaster.LeaveRoom(res.Replaced, data.RoomCode)
	}
	o.broadcaster.JoinRoom(connectionID, data.RoomCode)

	if holding && heldRoom != data.RoomCode {
		o.broadcaster.LeaveRoom(connectionID, heldRoom)
		if err := o.leave(heldRoom, heldPlayer, "switch"); err != nil {
			o.logger.Debug("previous seat already gone", "room", heldRoom, "player", heldPlayer, "err", err)
		}
	}

	if res.Created {
		o.record(data.RoomCode, types.JournalRoomCreated, "", nil, map[string]any{"lazy": true})
	}
	o.record(data.RoomCode, types.JournalPlayerJoined, data.PlayerID, nil, map[string]any{"rejoin": res.Rejoined})

	view := res.View
	o.broadcaster.BroadcastToRoom(view.Code, types.EventRoomStatus, types.RoomStatus{
		Players: view.PlayerCount,
		Theme:   view.Theme,
	})

	switch {
	case res.Started:
		o.broadcaster.BroadcastToRoom(view.Code, types.EventGameState, types.NewGameState(&view, true))
		o.record(view.Code, types.JournalGameStarted, view.CurrentTurn, nil, nil)
		o.logger.Info("game started", "room", view.Code, "turn", view.CurrentTurn)
	case res.Rejoined && view.IsFull():
		if err := o.broadcaster.SendTo(connectionID, types.EventGameState, types.NewGameState(&view, true)); err != nil {
			o.logger.Debug("state resend failed", "connection", connectionID, "err", err)
		}
	}

	o.logger.Debug("player joined",
		"room", view.Code,
		"player", data.PlayerID,
		"connection", connectionID,
		"players", view.PlayerCount)
	return nil
}

// HandleInitGame restarts a full room from its first player.
func (o *Orchestrator) HandleInitGame(connectionID string, data types.InitGameData) error {
	if !o.admit(connectionID, types.EventInitGame, o.policies.GeneralEvent) {
		return ratelimit.ErrRateLimited
	}
	if err := data.Validate(); err != nil {
		o.sendError(connectionID, types.EventInitGame, err.Error())
		return err
	}

	view, err := o.rooms.InitGame(data.RoomCode)
	if err != nil {
		o.logger.Debug("init_game ignored", "room", data.RoomCode, "err", err)
		return err
	}

	o.broadcaster.BroadcastToRoom(view.Code, types.EventGameState, types.NewGameState(&view, false))
	o.record(view.Code, types.JournalGameInitialized, view.CurrentTurn, nil, nil)
	return nil
}

// HandleDrawCard plays a card for the player whose turn it is. Draws out of
// turn change nothing and are not broadcast.
func (o *Orchestrator) HandleDrawCard(connectionID string, data types.DrawCardData) error {
	if !o.admit(connectionID, types.EventDrawCard, o.policies.DrawCardEvent) {
		return ratelimit.ErrRateLimited
	}
	if err := data.Validate(); err != nil {
		o.sendError(connectionID, types.EventDrawCard, err.Error())
		return err
	}

	view, err := o.rooms.DrawCard(data.RoomCode, data.PlayerID, data.Card, data.DrawnCardIDs)
	if err != nil {
		o.logger.Debug("draw_card ignored", "room", data.RoomCode, "player", data.PlayerID, "err", err)
		return err
	}

	o.broadcaster.BroadcastToRoom(view.Code, types.EventGameState, types.NewGameState(&view, false))

	var cardID *int
	if data.Card != nil {
		id := data.Card.ID
		cardID = &id
	}
	o.record(view.Code, types.JournalCardDrawn, data.PlayerID, cardID, map[string]any{"next_turn": view.CurrentTurn})
	return nil
}

// HandleLeaveRoom unsubscribes the connection and unseats the player.
func (o *Orchestrator) HandleLeaveRoom(connectionID string, data types.LeaveRoomData) error {
	if !o.admit(connectionID, types.EventLeaveRoom, o.policies.GeneralEvent) {
		return ratelimit.ErrRateLimited
	}
	if err := data.Validate(); err != nil {
		o.sendError(connectionID, types.EventLeaveRoom, err.Error())
		return err
	}

	o.broadcaster.LeaveRoom(connectionID, data.RoomCode)
	return o.leave(data.RoomCode, data.PlayerID, "leave")
}

// HandleDisconnect forgets the connection's rate windows and, if it held a
// seat, runs the same cleanup as an explicit leave.
func (o *Orchestrator) HandleDisconnect(connectionID string) {
	o.limiter.Remove(connectionID)

	for {
		code, playerID, ok := o.rooms.FindRoomByConnection(connectionID)
		if !ok {
			return
		}

		o.broadcaster.LeaveRoom(connectionID, code)
		if err := o.leave(code, playerID, "disconnect"); err != nil {
			o.logger.Debug("disconnect cleanup skipped", "room", code, "player", playerID, "err", err)
			return
		}
	}
}

func (o *Orchestrator) leave(code, playerID, reason string) error {
	view, deleted, err := o.rooms.LeavePlayer(code, playerID)
	if err != nil {
		return err
	}
	o.record(code, types.JournalPlayerLeft, playerID, nil, map[string]any{"reason": reason})

	o.broadcaster.BroadcastToRoom(code, types.EventRoomStatus, types.RoomStatus{
		Players: view.PlayerCount,
		Theme:   view.Theme,
	})

	if deleted {
		o.record(code, types.JournalRoomClosed, "", nil, nil)
		o.logger.Info("room closed", "room", code)
		return nil
	}

	o.broadcaster.BroadcastToRoom(code, types.EventGameState, types.NewGameState(&view, false))
	o.logger.Debug("player left", "room", code, "player", playerID, "reason", reason, "players", view.PlayerCount)
	return nil
}

// admit applies the per-connection event budget and tells the sender when it is exhausted.
func (o *Orchestrator) admit(connectionID, event string, p ratelimit.Policy) bool {
	if o.limiter.CheckEvent(connectionID, event, p) {
		return true
	}
	o.sendError(connectionID, event, MsgRateLimited)
	o.logger.Debug("event rate limited", "connection", connectionID, "event", event)
	return false
}

func (o *Orchestrator) sendError(connectionID, event, message string) {
	err := o.broadcaster.SendTo(connectionID, types.EventError, types.ErrorPayload{
		Message: message,
		Event:   event,
	})
	if err != nil {
		o.logger.Debug("error event not delivered", "connection", connectionID, "err", err)
	}
}

func (o *Orchestrator) record(code, kind, playerID string, cardID *int, payload map[string]any) {
	if o.journal == nil {
		return
	}
	o.journal.Append(&types.JournalEvent{
		RoomCode: code,
		Kind:     kind,
		PlayerID: playerID,
		CardID:   cardID,
		Payload:  payload,
	})
}

// RecordRoomCreated journals a room opened over HTTP.
func (o *Orchestrator) RecordRoomCreated(view types.RoomView) {
	o.record(view.Code, types.JournalRoomCreated, "", nil, map[string]any{"theme": view.Theme})
}
