package types

import (
	"regexp"
	"strings"
)

var (
	roomCodeRegex = regexp.MustCompile(`^[A-Z0-9]{6}$`)
	playerIDRegex = regexp.MustCompile(`^[^\x00-\x1f\x7f]+$`)
)

// NormalizeRoomCode trims and upper-cases a client supplied room code.
func NormalizeRoomCode(code string) string {
	return strings.ToUpper(strings.TrimSpace(code))
}

// IsValidRoomCode checks a normalized code: six characters from A-Z and 0-9.
func IsValidRoomCode(code string) bool {
	return roomCodeRegex.MatchString(code)
}

// IsValidPlayerID checks if a player ID is 1-128 bytes without control characters.
func IsValidPlayerID(playerID string) bool {
	if len(playerID) < 1 || len(playerID) > 128 {
		return false
	}
	return playerIDRegex.MatchString(playerID)
}

// Validate rejects join_room payloads that cannot address a seat.
func (d *JoinRoomData) Validate() error {
	d.RoomCode = NormalizeRoomCode(d.RoomCode)
	if !IsValidRoomCode(d.RoomCode) {
		return ErrInvalidRoomCode
	}
	if !IsValidPlayerID(d.PlayerID) {
		return ErrInvalidPlayerID
	}
	return nil
}

func (d *InitGameData) Validate() error {
	d.RoomCode = NormalizeRoomCode(d.RoomCode)
	if !IsValidRoomCode(d.RoomCode) {
		return ErrInvalidRoomCode
	}
	return nil
}

// Validate only checks addressing. Card content is opaque.
func (d *DrawCardData) Validate() error {
	d.RoomCode = NormalizeRoomCode(d.RoomCode)
	if !IsValidRoomCode(d.RoomCode) {
		return ErrInvalidRoomCode
	}
	if !IsValidPlayerID(d.PlayerID) {
		return ErrInvalidPlayerID
	}
	return nil
}

func (d *LeaveRoomData) Validate() error {
	d.RoomCode = NormalizeRoomCode(d.RoomCode)
	if !IsValidRoomCode(d.RoomCode) {
		return ErrInvalidRoomCode
	}
	if !IsValidPlayerID(d.PlayerID) {
		return ErrInvalidPlayerID
	}
	return nil
}
