// internal/server/server.go
package server

import (
	"context"
	"net/http"

	"github.com/gin-contrib/cors"
	"github.com/gin-gonic/gin"
	"go.uber.org/zap"

	"comsrv/internal/config"
	"comsrv/internal/dispatcher"
	"comsrv/internal/protocol"
)

// Server hosts the two RPC carriers: the primary WebSocket endpoint
// and the deprecated one-shot HTTP endpoint.
type Server struct {
	dispatcher *dispatcher.Dispatcher
	config     *config.Config
	logger     *zap.Logger

	wsServer   *http.Server
	httpServer *http.Server
}

// New wires the listeners. Nothing is bound until Run.
func New(d *dispatcher.Dispatcher, cfg *config.Config, logger *zap.Logger) *Server {
	s := &Server{
		dispatcher: d,
		config:     cfg,
		logger:     logger.With(zap.String("component", "server")),
	}

	gin.SetMode(gin.ReleaseMode)

	wsRouter := s.newRouter(logger)
	wsRouter.GET("/", s.handleWebSocket)
	s.wsServer = &http.Server{
		Addr:    cfg.GetWsAddr(),
		Handler: wsRouter,
		// No read/write timeouts here: WebSocket connections are
		// long-lived and paced by ping/pong.
		IdleTimeout: cfg.Server.IdleTimeout,
	}

	httpRouter := s.newRouter(logger)
	httpRouter.POST("/", s.handleHTTP)
	s.httpServer = &http.Server{
		Addr:         cfg.GetHttpAddr(),
		Handler:      httpRouter,
		ReadTimeout:  cfg.Server.ReadTimeout,
		WriteTimeout: cfg.Server.WriteTimeout,
		IdleTimeout:  cfg.Server.IdleTimeout,
	}

	return s
}

func (s *Server) newRouter(logger *zap.Logger) *gin.Engine {
	router := gin.New()
	router.Use(RequestLogger(logger))
	router.Use(Recovery(logger))
	router.Use(cors.Default())
	return router
}

// Run starts both listeners and blocks until they stop.
func (s *Server) Run() error {
	errCh := make(chan error, 2)
	go func() {
		s.logger.Info("WebSocket listener starting", zap.String("address", s.wsServer.Addr))
		if err := s.wsServer.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			errCh <- err
			return
		}
		errCh <- nil
	}()
	go func() {
		s.logger.Info("HTTP listener starting", zap.String("address", s.httpServer.Addr))
		if err := s.httpServer.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			errCh <- err
			return
		}
		errCh <- nil
	}()
	if err := <-errCh; err != nil {
		return err
	}
	return <-errCh
}

// Shutdown stops accepting new requests and closes the listeners.
func (s *Server) Shutdown(ctx context.Context) {
	if err := s.wsServer.Shutdown(ctx); err != nil {
		s.logger.Error("WebSocket listener shutdown error", zap.Error(err))
	}
	if err := s.httpServer.Shutdown(ctx); err != nil {
		s.logger.Error("HTTP listener shutdown error", zap.Error(err))
	}
}

// handleHTTP serves the deprecated one-shot carrier: one bare Request
// in, one bare Response out.
func (s *Server) handleHTTP(c *gin.Context) {
	var req protocol.Request
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, protocol.ErrorResponse("Argument", err.Error()))
		return
	}
	resp := s.dispatcher.Handle(c.Request.Context(), req)
	c.JSON(http.StatusOK, resp)
}
