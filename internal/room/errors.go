package room

import "errors"

var (
	ErrRoomNotFound       = errors.New("room not found")
	ErrRoomFull           = errors.New("room is full")
	ErrNotYourTurn        = errors.New("not the player's turn")
	ErrPlayerNotFound     = errors.New("player not in room")
	ErrGameNotReady       = errors.New("game needs two players")
	ErrCodeSpaceExhausted = errors.New("no free room code found")
)
