package api

import (
	"context"
	"net/http"
	"runtime"
	"strings"
	"time"

	"github.com/gin-gonic/gin"

	"renung/pkg/types"
)

// Messages returned by the room endpoints.
const (
	MsgTooManyRooms   = "You have created too many rooms. Please wait a moment."
	MsgTooManyJoins   = "Too many join attempts. Please wait a moment."
	MsgRoomNotFound   = "Room not found"
	MsgRoomFull       = "Room is full"
	MsgInvalidRequest = "Invalid request body"
)

const maxThemeLength = 64

func (s *Server) banner(c *gin.Context) {
	c.JSON(http.StatusOK, gin.H{"message": "Renung API is running"})
}

// createRoom opens a room under a code unused by any live room.
func (s *Server) createRoom(c *gin.Context) {
	if !s.admit(c, scopeCreateRoom, s.deps.Policies.CreateRoom, MsgTooManyRooms) {
		return
	}

	var req types.CreateRoomRequest
	if c.Request.ContentLength != 0 {
		if err := c.ShouldBindJSON(&req); err != nil {
			c.JSON(http.StatusBadRequest, types.FailureResponse{Message: MsgInvalidRequest})
			return
		}
	}
	theme := strings.TrimSpace(req.Theme)
	if len(theme) > maxThemeLength {
		c.JSON(http.StatusBadRequest, types.FailureResponse{Message: MsgInvalidRequest})
		return
	}

	view, err := s.deps.Rooms.CreateUniqueRoom(theme, s.codes)
	if err != nil {
		s.logger.Error("room creation failed", "err", err)
		c.JSON(http.StatusInternalServerError, types.FailureResponse{
			Error:   http.StatusText(http.StatusInternalServerError),
			Message: "Could not create room",
		})
		return
	}
	if s.deps.Recorder != nil {
		s.deps.Recorder.RecordRoomCreated(view)
	}

	s.logger.Info("room created", "room", view.Code, "theme", view.Theme)
	c.JSON(http.StatusOK, types.RoomResponse{Code: view.Code, Theme: view.Theme})
}

// joinRoom checks that a room can still take a player. The seat itself is
// taken by the join_room event.
func (s *Server) joinRoom(c *gin.Context) {
	if !s.admit(c, scopeJoinRoom, s.deps.Policies.JoinRoom, MsgTooManyJoins) {
		return
	}

	var req types.JoinRoomRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, types.FailureResponse{Message: MsgInvalidRequest})
		return
	}

	code := types.NormalizeRoomCode(req.Code)
	view, ok := s.deps.Rooms.GetRoom(code)
	if !ok {
		c.JSON(http.StatusOK, types.FailureResponse{Message: MsgRoomNotFound})
		return
	}
	if view.IsFull() {
		c.JSON(http.StatusOK, types.FailureResponse{Message: MsgRoomFull})
		return
	}

	c.JSON(http.StatusOK, types.RoomResponse{Code: view.Code, Theme: view.Theme})
}

// roomHistory returns the journaled events of a room.
func (s *Server) roomHistory(c *gin.Context) {
	if s.deps.Journal == nil {
		c.JSON(http.StatusNotFound, types.FailureResponse{Message: "History is not recorded"})
		return
	}

	code := types.NormalizeRoomCode(c.Param("code"))
	if !types.IsValidRoomCode(code) {
		c.JSON(http.StatusBadRequest, types.FailureResponse{Message: MsgRoomNotFound})
		return
	}

	events, err := s.deps.Journal.RoomHistory(c.Request.Context(), code)
	if err != nil {
		s.logger.Error("room history failed", "room", code, "err", err)
		c.JSON(http.StatusInternalServerError, types.FailureResponse{
			Error:   http.StatusText(http.StatusInternalServerError),
			Message: "Could not load history",
		})
		return
	}
	if events == nil {
		events = []*types.JournalEvent{}
	}
	c.JSON(http.StatusOK, gin.H{"code": code, "events": events})
}

// HealthResponse is the body of GET /health.
type HealthResponse struct {
	Status      string         `json:"status"`
	Timestamp   time.Time      `json:"timestamp"`
	Uptime      string         `json:"uptime"`
	Rooms       any            `json:"rooms"`
	Connections map[string]int `json:"connections,omitempty"`
	Limiter     any            `json:"limiter,omitempty"`
	Journal     string         `json:"journal"`
}

func (s *Server) healthCheck(c *gin.Context) {
	ctx, cancel := context.WithTimeout(c.Request.Context(), 5*time.Second)
	defer cancel()

	resp := HealthResponse{
		Status:    "ok",
		Timestamp: time.Now().UTC(),
		Uptime:    time.Since(s.startedAt).Round(time.Second).String(),
		Rooms:     s.deps.Rooms.Stats(),
		Journal:   "disabled",
	}
	if s.deps.Connections != nil {
		resp.Connections = s.deps.Connections.Stats()
	}
	if s.deps.ConnLimiter != nil {
		resp.Limiter = s.deps.ConnLimiter.Stats()
	}
	if s.deps.Journal != nil {
		resp.Journal = "ok"
		if err := s.deps.Journal.HealthCheck(ctx); err != nil {
			resp.Status = "degraded"
			resp.Journal = "error: " + err.Error()
		}
	}

	status := http.StatusOK
	if resp.Status != "ok" {
		status = http.StatusServiceUnavailable
	}
	c.JSON(status, resp)
}

func (s *Server) stats(c *gin.Context) {
	body := gin.H{
		"rooms":      s.deps.Rooms.Stats(),
		"goroutines": runtime.NumGoroutine(),
		"uptime":     time.Since(s.startedAt).Round(time.Second).String(),
	}
	if s.deps.Connections != nil {
		body["connections"] = s.deps.Connections.Stats()
	}
	if s.deps.Hub != nil {
		body["hub"] = s.deps.Hub.Stats()
	}
	if s.deps.Limiter != nil {
		body["http_limiter_entries"] = s.deps.Limiter.Size()
	}
	if s.deps.ConnLimiter != nil {
		body["connection_limiter"] = s.deps.ConnLimiter.Stats()
	}
	if s.deps.Journal != nil {
		if counts, err := s.deps.Journal.Counts(c.Request.Context()); err == nil {
			body["journal"] = counts
		}
	}
	c.JSON(http.StatusOK, body)
}
