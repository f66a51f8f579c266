// Package server provides the HTTP and WebSocket front end of the download
// manager.
package server

import (
	"context"
	"errors"
	"fmt"
	"net"
	"net/http"
	"sync"
	"time"

	"github.com/gin-gonic/gin"

	"github.com/shepherd-project/mediadl/internal/api"
	"github.com/shepherd-project/mediadl/internal/download"
	"github.com/shepherd-project/mediadl/internal/logger"
	"github.com/shepherd-project/mediadl/internal/netutil"
	"github.com/shepherd-project/mediadl/internal/notify"
	"github.com/shepherd-project/mediadl/internal/websocket"
)

// Config contains server configuration
type Config struct {
	Host           string
	Port           int
	ReadTimeout    time.Duration
	WriteTimeout   time.Duration
	AllowedOrigins []string
}

// Server represents the HTTP server
type Server struct {
	engine     *gin.Engine
	httpServer *http.Server
	listener   net.Listener
	config     *Config

	hub       *websocket.Hub
	gateway   *notify.WSGateway
	downloads *download.Manager

	mu     sync.Mutex
	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup
}

// NewServer creates a new HTTP server. The gateway must have been created on
// hub.
func NewServer(config *Config, hub *websocket.Hub, gateway *notify.WSGateway, downloads *download.Manager) *Server {
	ctx, cancel := context.WithCancel(context.Background())

	if len(config.AllowedOrigins) == 0 {
		config.AllowedOrigins = []string{"*"}
	}

	s := &Server{
		config:    config,
		hub:       hub,
		gateway:   gateway,
		downloads: downloads,
		ctx:       ctx,
		cancel:    cancel,
	}

	gin.SetMode(gin.ReleaseMode)
	s.engine = gin.New()
	s.setupMiddleware()
	s.setupRoutes()

	return s
}

// setupMiddleware configures server middleware
func (s *Server) setupMiddleware() {
	log := logger.GetLogger()
	s.engine.Use(
		api.RequestID(),
		api.RecoveryMiddleware(log),
		api.CORSMiddleware(s.config.AllowedOrigins),
		api.LoggerMiddleware(log),
		api.ErrorHandler(log),
	)
}

// setupRoutes configures all routes
func (s *Server) setupRoutes() {
	s.engine.GET("/ws", gin.WrapH(s.hub))

	r := s.engine.Group("/api")
	{
		r.GET("/version", s.handleVersion)

		downloads := r.Group("/downloads")
		{
			downloads.GET("", s.handleListDownloads)
			downloads.POST("", s.handleCreateDownload)
			downloads.GET("/:fileName", s.handleGetDownload)
		}

		r.POST("/notifications/actions", s.handleNotificationAction)
		r.GET("/notifications", s.handleListNotifications)
	}
}

// Start starts the WebSocket hub, the action loop and the HTTP listener
func (s *Server) Start() error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.httpServer != nil {
		return fmt.Errorf("server already started")
	}

	addr := netutil.ListenAddr(s.config.Host, s.config.Port)
	ln, err := net.Listen("tcp", addr)
	if err != nil {
		return fmt.Errorf("listen %s: %w", addr, err)
	}
	s.listener = ln

	s.httpServer = &http.Server{
		Handler:      s.engine,
		ReadTimeout:  s.config.ReadTimeout,
		WriteTimeout: s.config.WriteTimeout,
	}

	s.wg.Add(3)
	go func() {
		defer s.wg.Done()
		s.hub.Run(s.ctx)
	}()
	go func() {
		defer s.wg.Done()
		if err := s.downloads.Run(s.ctx); err != nil && !errors.Is(err, context.Canceled) {
			logger.Errorf("通知动作循环退出: %v", err)
		}
	}()
	go func() {
		defer s.wg.Done()

		logger.Infof("启动 HTTP 服务器，监听 %s", ln.Addr())
		if err := s.httpServer.Serve(ln); err != nil && err != http.ErrServerClosed {
			logger.Errorf("HTTP 服务器错误: %v", err)
		}
		logger.Info("HTTP 服务器已停止")
	}()

	return nil
}

// Addr returns the listening address once started
func (s *Server) Addr() string {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.listener == nil {
		return ""
	}
	return s.listener.Addr().String()
}

// Shutdown stops accepting requests, closes WebSocket clients and waits for
// the background loops to exit or ctx to expire
func (s *Server) Shutdown(ctx context.Context) error {
	s.mu.Lock()
	srv := s.httpServer
	s.httpServer = nil
	s.mu.Unlock()

	if srv == nil {
		return fmt.Errorf("server not started")
	}

	logger.Info("关闭 HTTP 服务器...")
	if err := srv.Shutdown(ctx); err != nil {
		logger.Errorf("HTTP 服务器关闭失败: %v", err)
		srv.Close()
	}

	s.cancel()
	s.gateway.Close()

	done := make(chan struct{})
	go func() {
		s.wg.Wait()
		close(done)
	}()

	select {
	case <-done:
		logger.Info("HTTP 服务器已优雅关闭")
		return nil
	case <-ctx.Done():
		logger.Warn("优雅关闭超时，强制退出")
		return ctx.Err()
	}
}

// GetEngine returns the gin engine
func (s *Server) GetEngine() *gin.Engine {
	return s.engine
}
