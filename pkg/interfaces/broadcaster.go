package interfaces

// Broadcaster fans events out to connections grouped by room.
type Broadcaster interface {
	// JoinRoom subscribes a connection to a room's broadcasts.
	JoinRoom(connectionID, roomCode string)

	// LeaveRoom unsubscribes a connection. Unknown pairs are ignored.
	LeaveRoom(connectionID, roomCode string)

	// BroadcastToRoom sends event to every subscriber and returns how many were queued.
	BroadcastToRoom(roomCode, event string, data any) int

	// SendTo sends event to a single connection.
	SendTo(connectionID, event string, data any) error
}
