package websocket

import (
	"encoding/json"
	"fmt"
	"sync"

	"github.com/charmbracelet/log"
	"github.com/samber/lo"

	"renung/pkg/interfaces"
	"renung/pkg/types"
)

// Registry tracks live connections and their room subscriptions. It is the
// transport side of interfaces.Broadcaster.
type Registry struct {
	mu          sync.RWMutex
	connections map[string]*Connection         // connection id -> connection
	rooms       map[string]map[string]struct{} // room code -> connection ids
	memberships map[string]map[string]struct{} // connection id -> room codes
	logger      *log.Logger
}

var _ interfaces.Broadcaster = (*Registry)(nil)

func NewRegistry(logger *log.Logger) *Registry {
	if logger == nil {
		logger = log.Default()
	}
	return &Registry{
		connections: make(map[string]*Connection),
		rooms:       make(map[string]map[string]struct{}),
		memberships: make(map[string]map[string]struct{}),
		logger:      logger.WithPrefix("ws"),
	}
}

// RegisterConnection makes conn addressable by its id.
func (r *Registry) RegisterConnection(conn *Connection) error {
	if conn == nil {
		return ErrNilConnection
	}

	r.mu.Lock()
	defer r.mu.Unlock()

	if _, exists := r.connections[conn.ID()]; exists {
		return ErrDuplicateConnection
	}
	r.connections[conn.ID()] = conn
	return nil
}

// UnregisterConnection removes conn and every subscription it holds. Only
// the registered instance is removed.
func (r *Registry) UnregisterConnection(conn *Connection) {
	if conn == nil {
		return
	}

	r.mu.Lock()
	defer r.mu.Unlock()

	registered, exists := r.connections[conn.ID()]
	if !exists || registered != conn {
		return
	}
	delete(r.connections, conn.ID())

	for code := range r.memberships[conn.ID()] {
		r.unsubscribe(conn.ID(), code)
	}
	delete(r.memberships, conn.ID())
}

// GetConnection looks a connection up by id.
func (r *Registry) GetConnection(connectionID string) (*Connection, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	conn, ok := r.connections[connectionID]
	return conn, ok
}

// JoinRoom subscribes a registered connection to a room.
func (r *Registry) JoinRoom(connectionID, roomCode string) {
	r.mu.Lock()
	defer r.mu.Unlock()

	if _, ok := r.connections[connectionID]; !ok {
		return
	}
	if r.rooms[roomCode] == nil {
		r.rooms[roomCode] = make(map[string]struct{})
	}
	r.rooms[roomCode][connectionID] = struct{}{}

	if r.memberships[connectionID] == nil {
		r.memberships[connectionID] = make(map[string]struct{})
	}
	r.memberships[connectionID][roomCode] = struct{}{}
}

// LeaveRoom drops one subscription.
func (r *Registry) LeaveRoom(connectionID, roomCode string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.unsubscribe(connectionID, roomCode)
}

// unsubscribe requires r.mu held for writing.
func (r *Registry) unsubscribe(connectionID, roomCode string) {
	if members, ok := r.rooms[roomCode]; ok {
		delete(members, connectionID)
		if len(members) == 0 {
			delete(r.rooms, roomCode)
		}
	}
	if rooms, ok := r.memberships[connectionID]; ok {
		delete(rooms, roomCode)
		if len(rooms) == 0 {
			delete(r.memberships, connectionID)
		}
	}
}

// subscribers snapshots the live connections subscribed to a room.
func (r *Registry) subscribers(roomCode string) []*Connection {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return lo.FilterMap(lo.Keys(r.rooms[roomCode]), func(id string, _ int) (*Connection, bool) {
		conn, ok := r.connections[id]
		return conn, ok
	})
}

// BroadcastToRoom encodes the frame once and queues it on every subscriber.
// A subscriber whose buffer is full is closed.
func (r *Registry) BroadcastToRoom(roomCode, event string, data any) int {
	frame, err := encode(event, data)
	if err != nil {
		r.logger.Error("broadcast encode failed", "room", roomCode, "event", event, "err", err)
		return 0
	}

	sent := 0
	for _, conn := range r.subscribers(roomCode) {
		if err := conn.enqueue(frame); err != nil {
			if err == ErrWriteBufferFull {
				r.logger.Warn("slow consumer dropped", "connection", conn.ID(), "room", roomCode)
				_ = conn.Close()
			}
			continue
		}
		sent++
	}
	return sent
}

// SendTo queues an event for one connection without waiting.
func (r *Registry) SendTo(connectionID, event string, data any) error {
	conn, ok := r.GetConnection(connectionID)
	if !ok {
		return interfaces.ErrConnectionNotFound
	}
	frame, err := encode(event, data)
	if err != nil {
		return err
	}
	return conn.enqueue(frame)
}

// Stats reports connection and subscribed room counts.
func (r *Registry) Stats() map[string]int {
	r.mu.RLock()
	defer r.mu.RUnlock()

	return map[string]int{
		"total_connections": len(r.connections),
		"subscribed_rooms":  len(r.rooms),
	}
}

// CloseAll closes every registered connection.
func (r *Registry) CloseAll() {
	r.mu.RLock()
	conns := lo.Values(r.connections)
	r.mu.RUnlock()

	for _, conn := range conns {
		_ = conn.Close()
	}
}

func encode(event string, data any) ([]byte, error) {
	frame, err := json.Marshal(types.OutboundEnvelope{Event: event, Data: data})
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrInvalidJSON, err)
	}
	return frame, nil
}
