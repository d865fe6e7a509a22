// Package server exposes the engine to observer UIs: a small HTTP API for
// submit/cancel/state, a websocket event stream, and prometheus metrics.
package server

import (
	"context"
	"errors"
	"net/http"
	"sync"
	"time"

	"github.com/gin-contrib/cors"
	"github.com/gin-gonic/gin"
	"github.com/gorilla/websocket"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"rlm/internal/engine"
	"rlm/internal/logging"
	"rlm/internal/metrics"
	"rlm/pkg/types"
)

// Server wires the engine behind HTTP.
type Server struct {
	engine  *engine.Engine
	metrics *metrics.Metrics
	logger  logging.Logger

	upgrader websocket.Upgrader
	httpSrv  *http.Server
}

// New builds a server for the given engine.
func New(eng *engine.Engine, m *metrics.Metrics, logger logging.Logger) *Server {
	return &Server{
		engine:  eng,
		metrics: m,
		logger:  logging.OrNop(logger),
		upgrader: websocket.Upgrader{
			ReadBufferSize:  4096,
			WriteBufferSize: 4096,
			// The observer UI is a local shell; cross-origin is fine here.
			CheckOrigin: func(*http.Request) bool { return true },
		},
	}
}

// Router builds the gin handler tree.
func (s *Server) Router() *gin.Engine {
	gin.SetMode(gin.ReleaseMode)
	router := gin.New()
	router.Use(gin.Recovery())
	router.Use(cors.Default())

	api := router.Group("/api")
	{
		api.POST("/tasks", s.handleSubmit)
		api.POST("/tasks/cancel", s.handleCancel)
		api.POST("/tasks/confirmation", s.handleConfirmation)
		api.GET("/state", s.handleState)
	}
	router.GET("/api/events", s.handleEvents)
	router.GET("/metrics", gin.WrapH(
		promhttp.HandlerFor(s.metrics.Registry, promhttp.HandlerOpts{})))

	return router
}

// ListenAndServe blocks serving on addr until ctx is cancelled.
func (s *Server) ListenAndServe(ctx context.Context, addr string) error {
	s.httpSrv = &http.Server{
		Addr:              addr,
		Handler:           s.Router(),
		ReadHeaderTimeout: 10 * time.Second,
	}

	errCh := make(chan error, 1)
	go func() {
		errCh <- s.httpSrv.ListenAndServe()
	}()

	select {
	case <-ctx.Done():
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		return s.httpSrv.Shutdown(shutdownCtx)
	case err := <-errCh:
		if errors.Is(err, http.ErrServerClosed) {
			return nil
		}
		return err
	}
}

type submitRequest struct {
	Message string `json:"message" binding:"required"`
}

func (s *Server) handleSubmit(c *gin.Context) {
	var req submitRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}
	if err := s.engine.SubmitTask(req.Message); err != nil {
		status := http.StatusInternalServerError
		if errors.Is(err, engine.ErrTaskBusy) {
			status = http.StatusConflict
		}
		c.JSON(status, gin.H{"error": err.Error()})
		return
	}
	c.JSON(http.StatusAccepted, gin.H{"status": "running"})
}

func (s *Server) handleCancel(c *gin.Context) {
	s.engine.Cancel()
	c.JSON(http.StatusOK, gin.H{"status": "cancelling"})
}

type confirmationRequest struct {
	Approved bool `json:"approved"`
}

func (s *Server) handleConfirmation(c *gin.Context) {
	var req confirmationRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}
	s.engine.ConfirmationResponse(req.Approved)
	c.JSON(http.StatusOK, gin.H{"status": "recorded"})
}

func (s *Server) handleState(c *gin.Context) {
	c.JSON(http.StatusOK, s.engine.GetState())
}

// wsEnvelope frames one event on the socket.
type wsEnvelope struct {
	Type  types.EventType `json:"type"`
	Event any             `json:"event"`
}

// handleEvents upgrades to a websocket and forwards the engine event feed.
// Events are queued per connection so a slow observer cannot stall the
// engine; overflow drops the connection rather than blocking.
func (s *Server) handleEvents(c *gin.Context) {
	conn, err := s.upgrader.Upgrade(c.Writer, c.Request, nil)
	if err != nil {
		s.logger.Warn("websocket upgrade failed: %v", err)
		return
	}

	queue := make(chan types.Event, 1024)
	var once sync.Once
	closeConn := func() {
		once.Do(func() {
			close(queue)
		})
	}

	sid := s.engine.Bus().Subscribe(func(event types.Event) {
		defer func() { recover() }() // queue may close concurrently
		select {
		case queue <- event:
		default:
			s.logger.Warn("observer event queue overflow, dropping connection")
			closeConn()
		}
	})

	go func() {
		defer func() {
			s.engine.Bus().Unsubscribe(sid)
			_ = conn.Close()
		}()
		for event := range queue {
			if err := conn.WriteJSON(wsEnvelope{Type: event.EventType(), Event: event}); err != nil {
				return
			}
		}
	}()

	// Reader loop: we ignore inbound frames but need it to notice closes.
	go func() {
		for {
			if _, _, err := conn.ReadMessage(); err != nil {
				closeConn()
				return
			}
		}
	}()
}
