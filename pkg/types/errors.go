package types

import "errors"

var (
	ErrInvalidRoomCode = errors.New("room code must be 6 characters, A-Z and 0-9 only")
	ErrInvalidPlayerID = errors.New("player ID must be 1-128 bytes without control characters")
	ErrInvalidCard     = errors.New("invalid card")
)
