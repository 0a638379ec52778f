package session

import "errors"

var (
	ErrUnknownEvent   = errors.New("unknown event")
	ErrInvalidPayload = errors.New("invalid event payload")
	ErrSeatConflict   = errors.New("connection already seated in room")
)
