package room

import (
	"slices"
	"sync"

	"github.com/samber/lo"

	"renung/pkg/types"
)

// record is the registry's private room state. Views handed out are copies.
type record struct {
	theme        string
	order        []string          // player ids in join order
	conns        map[string]string // player id -> connection id
	currentTurn  string
	currentCard  *types.Card
	drawnCardIDs []int
}

func newRecord(theme string) *record {
	return &record{
		theme: theme,
		conns: make(map[string]string),
	}
}

func (r *record) count() int {
	return len(r.order)
}

func (r *record) full() bool {
	return r.count() >= types.MaxPlayers
}

func (r *record) has(playerID string) bool {
	_, ok := r.conns[playerID]
	return ok
}

// add inserts playerID or, for a seated player, only rebinds its connection
// and returns the connection it replaced.
func (r *record) add(playerID, connectionID string) (previous string, inserted bool) {
	if prev, ok := r.conns[playerID]; ok {
		r.conns[playerID] = connectionID
		return prev, false
	}
	r.order = append(r.order, playerID)
	r.conns[playerID] = connectionID
	return "", true
}

func (r *record) remove(playerID string) bool {
	if !r.has(playerID) {
		return false
	}
	delete(r.conns, playerID)
	r.order = lo.Without(r.order, playerID)
	if r.currentTurn == playerID {
		r.currentTurn = ""
	}
	return true
}

func (r *record) addDrawn(cardID int) {
	if cardID == 0 || lo.Contains(r.drawnCardIDs, cardID) {
		return
	}
	r.drawnCardIDs = append(r.drawnCardIDs, cardID)
}

// next returns the cyclic successor of current in join order. An unknown
// current yields the first player.
func (r *record) next(current string) (string, bool) {
	if len(r.order) == 0 {
		return "", false
	}
	idx := lo.IndexOf(r.order, current)
	return r.order[(idx+1)%len(r.order)], true
}

func (r *record) view(code string) types.RoomView {
	players := make([]types.Player, 0, len(r.order))
	for _, id := range r.order {
		players = append(players, types.Player{ID: id, ConnectionID: r.conns[id]})
	}
	return types.RoomView{
		Code:         code,
		Theme:        r.theme,
		Players:      players,
		PlayerCount:  r.count(),
		CurrentTurn:  r.currentTurn,
		CurrentCard:  r.currentCard.Clone(),
		DrawnCardIDs: slices.Clone(r.drawnCardIDs),
	}
}

// Stats summarizes the registry for health reporting.
type Stats struct {
	Rooms       int `json:"rooms"`
	Players     int `json:"players"`
	ActiveGames int `json:"active_games"`
}

// JoinResult describes what JoinPlayer changed.
type JoinResult struct {
	View     types.RoomView
	Created  bool   // the room did not exist and was opened by this join
	Rejoined bool   // the player already held a seat and only its connection changed
	Replaced string // connection the rejoin displaced, if any
	Started  bool   // this join filled the room and the first turn was assigned
}

// Registry is the authoritative map of room code to room state.
// Every method runs under one lock, so compound operations such as
// JoinPlayer and DrawCard are atomic with respect to each other.
type Registry struct {
	mu    sync.RWMutex
	rooms map[string]*record
}

// NewRegistry creates an empty registry.
func NewRegistry() *Registry {
	return &Registry{
		rooms: make(map[string]*record),
	}
}

// CreateRoom opens a room at code, replacing any room already there.
func (reg *Registry) CreateRoom(code, theme string) types.RoomView {
	reg.mu.Lock()
	defer reg.mu.Unlock()

	r := newRecord(theme)
	reg.rooms[code] = r
	return r.view(code)
}

// CreateUniqueRoom draws codes from gen until one is free and opens the room there.
func (reg *Registry) CreateUniqueRoom(theme string, gen CodeGenerator) (types.RoomView, error) {
	reg.mu.Lock()
	defer reg.mu.Unlock()

	for attempt := 0; attempt < maxCodeAttempts; attempt++ {
		code, err := gen()
		if err != nil {
			return types.RoomView{}, err
		}
		if _, taken := reg.rooms[code]; taken {
			continue
		}
		r := newRecord(theme)
		reg.rooms[code] = r
		return r.view(code), nil
	}
	return types.RoomView{}, ErrCodeSpaceExhausted
}

// RoomExists reports whether code names a live room.
func (reg *Registry) RoomExists(code string) bool {
	reg.mu.RLock()
	defer reg.mu.RUnlock()
	_, ok := reg.rooms[code]
	return ok
}

// GetRoom returns a snapshot of the room.
func (reg *Registry) GetRoom(code string) (types.RoomView, bool) {
	reg.mu.RLock()
	defer reg.mu.RUnlock()

	r, ok := reg.rooms[code]
	if !ok {
		return types.RoomView{}, false
	}
	return r.view(code), true
}

// IsRoomFull reports whether both seats are taken. Unknown rooms are not full.
func (reg *Registry) IsRoomFull(code string) bool {
	reg.mu.RLock()
	defer reg.mu.RUnlock()

	r, ok := reg.rooms[code]
	return ok && r.full()
}

// AddPlayer seats playerID, opening the room with an empty theme if needed.
// A player already seated keeps its position; only the connection is replaced.
// Capacity is not checked here, see JoinPlayer.
func (reg *Registry) AddPlayer(code, playerID, connectionID string) {
	reg.mu.Lock()
	defer reg.mu.Unlock()

	r, ok := reg.rooms[code]
	if !ok {
		r = newRecord("")
		reg.rooms[code] = r
	}
	r.add(playerID, connectionID)
}

// RemovePlayer unseats playerID. Missing rooms and players are ignored.
func (reg *Registry) RemovePlayer(code, playerID string) {
	reg.mu.Lock()
	defer reg.mu.Unlock()

	if r, ok := reg.rooms[code]; ok {
		r.remove(playerID)
	}
}

// SetCurrentTurn hands the turn to playerID. An empty playerID clears it.
func (reg *Registry) SetCurrentTurn(code, playerID string) error {
	reg.mu.Lock()
	defer reg.mu.Unlock()

	r, ok := reg.rooms[code]
	if !ok {
		return ErrRoomNotFound
	}
	if playerID != "" && !r.has(playerID) {
		return ErrPlayerNotFound
	}
	r.currentTurn = playerID
	return nil
}

// SetCurrentCard stores a copy of card. nil clears it.
func (reg *Registry) SetCurrentCard(code string, card *types.Card) error {
	reg.mu.Lock()
	defer reg.mu.Unlock()

	r, ok := reg.rooms[code]
	if !ok {
		return ErrRoomNotFound
	}
	r.currentCard = card.Clone()
	return nil
}

// AddDrawnCard appends cardID to the history unless it is zero or already present.
func (reg *Registry) AddDrawnCard(code string, cardID int) error {
	reg.mu.Lock()
	defer reg.mu.Unlock()

	r, ok := reg.rooms[code]
	if !ok {
		return ErrRoomNotFound
	}
	r.addDrawn(cardID)
	return nil
}

// SetDrawnCards replaces the history with the client's list, keeping the
// first occurrence of any repeated id.
func (reg *Registry) SetDrawnCards(code string, cardIDs []int) error {
	reg.mu.Lock()
	defer reg.mu.Unlock()

	r, ok := reg.rooms[code]
	if !ok {
		return ErrRoomNotFound
	}
	r.drawnCardIDs = lo.Uniq(cardIDs)
	return nil
}

// GetNextPlayer returns the player after current in join order, wrapping around.
func (reg *Registry) GetNextPlayer(code, current string) (string, bool) {
	reg.mu.RLock()
	defer reg.mu.RUnlock()

	r, ok := reg.rooms[code]
	if !ok {
		return "", false
	}
	return r.next(current)
}

// DeleteRoom drops the room.
func (reg *Registry) DeleteRoom(code string) {
	reg.mu.Lock()
	defer reg.mu.Unlock()
	delete(reg.rooms, code)
}

// FindRoomByConnection scans every room for the seat bound to connectionID.
func (reg *Registry) FindRoomByConnection(connectionID string) (code, playerID string, ok bool) {
	reg.mu.RLock()
	defer reg.mu.RUnlock()

	for roomCode, r := range reg.rooms {
		for pid, cid := range r.conns {
			if cid == connectionID {
				return roomCode, pid, true
			}
		}
	}
	return "", "", false
}

// JoinPlayer seats playerID and assigns the first turn when the room fills.
// A new player is refused with ErrRoomFull once both seats are taken; a seated
// player rejoining only rebinds its connection.
func (reg *Registry) JoinPlayer(code, playerID, connectionID string) (JoinResult, error) {
	reg.mu.Lock()
	defer reg.mu.Unlock()

	var res JoinResult
	r, ok := reg.rooms[code]
	if !ok {
		r = newRecord("")
		reg.rooms[code] = r
		res.Created = true
	}

	if !r.has(playerID) && r.full() {
		return JoinResult{View: r.view(code)}, ErrRoomFull
	}

	previous, inserted := r.add(playerID, connectionID)
	res.Rejoined = !inserted
	if previous != connectionID {
		res.Replaced = previous
	}
	if inserted && r.full() {
		r.currentTurn = r.order[0]
		res.Started = true
	}
	res.View = r.view(code)
	return res, nil
}

// InitGame restarts the turn order of a full room and clears the current card.
func (reg *Registry) InitGame(code string) (types.RoomView, error) {
	reg.mu.Lock()
	defer reg.mu.Unlock()

	r, ok := reg.rooms[code]
	if !ok {
		return types.RoomView{}, ErrRoomNotFound
	}
	if r.count() != types.MaxPlayers {
		return r.view(code), ErrGameNotReady
	}
	r.currentTurn = r.order[0]
	r.currentCard = nil
	return r.view(code), nil
}

// DrawCard plays card for playerID and passes the turn on.
// drawnIDs replaces the history when non-nil; otherwise the card id is appended.
// A draw out of turn returns ErrNotYourTurn and changes nothing.
func (reg *Registry) DrawCard(code, playerID string, card *types.Card, drawnIDs []int) (types.RoomView, error) {
	reg.mu.Lock()
	defer reg.mu.Unlock()

	r, ok := reg.rooms[code]
	if !ok {
		return types.RoomView{}, ErrRoomNotFound
	}
	if r.currentTurn == "" || r.currentTurn != playerID {
		return r.view(code), ErrNotYourTurn
	}

	r.currentCard = card.Clone()
	if drawnIDs != nil {
		r.drawnCardIDs = lo.Uniq(drawnIDs)
	} else if card != nil {
		r.addDrawn(card.ID)
	}
	if next, ok := r.next(playerID); ok {
		r.currentTurn = next
	}
	return r.view(code), nil
}

// LeavePlayer unseats playerID. When the room empties it is deleted and
// deleted is true; otherwise the turn returns to the first remaining player
// and the current card is cleared. The returned view reflects the room
// right after removal.
func (reg *Registry) LeavePlayer(code, playerID string) (view types.RoomView, deleted bool, err error) {
	reg.mu.Lock()
	defer reg.mu.Unlock()

	r, ok := reg.rooms[code]
	if !ok {
		return types.RoomView{}, false, ErrRoomNotFound
	}
	if !r.remove(playerID) {
		return r.view(code), false, ErrPlayerNotFound
	}

	if r.count() == 0 {
		delete(reg.rooms, code)
		return r.view(code), true, nil
	}

	r.currentTurn = r.order[0]
	r.currentCard = nil
	return r.view(code), false, nil
}

// Stats counts rooms, seated players and rooms with a turn assigned.
func (reg *Registry) Stats() Stats {
	reg.mu.RLock()
	defer reg.mu.RUnlock()

	var s Stats
	s.Rooms = len(reg.rooms)
	for _, r := range reg.rooms {
		s.Players += r.count()
		if r.full() && r.currentTurn != "" {
			s.ActiveGames++
		}
	}
	return s
}
