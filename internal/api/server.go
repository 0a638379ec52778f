package api

import (
	"net/http"
	"time"

	"github.com/charmbracelet/log"
	ginGzip "github.com/gin-contrib/gzip"
	"github.com/gin-gonic/gin"
	cachecontrol "go.eigsys.de/gin-cachecontrol/v2"

	"renung/internal/hub"
	"renung/internal/ratelimit"
	"renung/internal/room"
	"renung/pkg/interfaces"
	"renung/pkg/types"
)

// RoomRecorder journals rooms opened over HTTP.
type RoomRecorder interface {
	RecordRoomCreated(view types.RoomView)
}

// ConnectionStats reports live transport numbers.
type ConnectionStats interface {
	Stats() map[string]int
}

// HubStats reports event loop throughput.
type HubStats interface {
	Stats() hub.Stats
}

// Config controls the HTTP surface.
type Config struct {
	AllowedOrigins []string // "*" allows any origin
	Mode           string   // gin mode: debug, release or test
	Gzip           bool
}

// Dependencies are the components the server reads from. Recorder, Hub,
// Connections, Journal and WebSocket may be nil.
type Dependencies struct {
	Rooms       *room.Registry
	Recorder    RoomRecorder
	Limiter     *ratelimit.Limiter
	ConnLimiter *ratelimit.ConnectionLimiter
	Policies    ratelimit.Policies
	Connections ConnectionStats
	Hub         HubStats
	Journal     interfaces.Journal
	WebSocket   http.Handler
	Logger      *log.Logger
}

// Server is the HTTP entry point: room endpoints, health, stats and the
// websocket upgrade route.
type Server struct {
	engine *gin.Engine
	deps   Dependencies
	config Config
	logger *log.Logger

	codes     room.CodeGenerator
	startedAt time.Time
}

// NewServer builds the gin engine and its routes.
func NewServer(cfg Config, deps Dependencies) *Server {
	if cfg.Mode != "" {
		gin.SetMode(cfg.Mode)
	}
	logger := deps.Logger
	if logger == nil {
		logger = log.Default()
	}

	s := &Server{
		engine:    gin.New(),
		deps:      deps,
		config:    cfg,
		logger:    logger.WithPrefix("http"),
		codes:     room.RandomCode,
		startedAt: time.Now(),
	}
	s.setupRoutes()
	return s
}

func (s *Server) setupRoutes() {
	s.engine.Use(gin.Recovery())
	s.engine.Use(requestIDMiddleware())
	s.engine.Use(s.loggingMiddleware())
	s.engine.Use(s.corsMiddleware())
	if s.config.Gzip {
		s.engine.Use(ginGzip.Gzip(ginGzip.DefaultCompression, ginGzip.WithExcludedPaths([]string{"/ws"})))
	}
	s.engine.Use(s.globalRateLimitMiddleware())

	s.engine.GET("/", s.banner)
	s.engine.GET("/health", s.healthCheck)

	noStore := cachecontrol.New(cachecontrol.Config{
		NoStore:        true,
		NoCache:        true,
		MustRevalidate: true,
	})

	api := s.engine.Group("/api", noStore)
	api.GET("/stats", s.stats)

	rooms := api.Group("/room")
	rooms.POST("/create", s.createRoom)
	rooms.POST("/join", s.joinRoom)
	rooms.GET("/:code/history", s.roomHistory)

	if s.deps.WebSocket != nil {
		s.engine.GET("/ws", gin.WrapH(s.deps.WebSocket))
	}
}

// ServeHTTP makes Server an http.Handler.
func (s *Server) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	s.engine.ServeHTTP(w, r)
}
