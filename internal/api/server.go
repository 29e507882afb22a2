// Package api is the admin HTTP interface of the spooling daemon.
package api

import (
	"context"
	"errors"
	"net"
	"net/http"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	log "github.com/sirupsen/logrus"
	"k8s.io/utils/clock"

	"github.com/orrn/spoold/internal/api/handlers"
	"github.com/orrn/spoold/internal/api/middleware"
	"github.com/orrn/spoold/internal/archive"
	"github.com/orrn/spoold/internal/core"
	"github.com/orrn/spoold/internal/db"
)

type Options struct {
	Service  *core.QueueService
	Devices  *core.DeviceManager
	Archiver *archive.Archiver
	Clock    clock.PassiveClock
}

type Server struct {
	httpServer *http.Server
	engine     *gin.Engine
}

// NewRouter builds the gin engine with public health, metrics and auth routes
// and the authenticated /api group.
func NewRouter(opts Options) (*gin.Engine, error) {
	cfg := opts.Service.Spools().Config()
	auth, err := middleware.NewAuthMiddleware(cfg.Auth, opts.Clock)
	if err != nil {
		return nil, err
	}

	r := gin.New()
	r.Use(gin.Recovery(), requestLogger())

	r.GET("/healthz", func(c *gin.Context) {
		c.JSON(http.StatusOK, gin.H{"status": "healthy"})
	})
	r.GET("/readyz", func(c *gin.Context) {
		conn := db.GetDB()
		if conn == nil || conn.PingContext(c.Request.Context()) != nil {
			c.JSON(http.StatusServiceUnavailable, gin.H{"error": "database unavailable"})
			return
		}
		c.JSON(http.StatusOK, gin.H{"status": "ready"})
	})
	r.GET("/metrics", gin.WrapH(promhttp.Handler()))

	authGroup := r.Group("/api/auth")
	{
		authGroup.GET("/status", auth.StatusHandler)
		authGroup.POST("/setup", auth.SetupHandler)
		authGroup.POST("/login", auth.LoginHandler)
		authGroup.POST("/logout", auth.LogoutHandler)
		authGroup.PUT("/password", auth.RequireAuth(), auth.ChangePasswordHandler)
	}

	protected := r.Group("/api", auth.RequireAuth())
	handlers.NewPrinterHandler(opts.Service, opts.Devices, opts.Clock).RegisterRoutes(protected)
	handlers.NewJobHandler(opts.Service).RegisterRoutes(protected)
	handlers.RegisterSettingsRoutes(protected, handlers.NewSettingsHandler(cfg, opts.Archiver))
	if opts.Archiver != nil {
		handlers.NewArchiveHandler(opts.Archiver).RegisterRoutes(protected)
	}
	return r, nil
}

func requestLogger() gin.HandlerFunc {
	return func(c *gin.Context) {
		start := time.Now()
		c.Next()
		log.WithFields(log.Fields{
			"method":   c.Request.Method,
			"path":     c.FullPath(),
			"status":   c.Writer.Status(),
			"duration": time.Since(start),
			"client":   c.ClientIP(),
		}).Debug("admin request")
	}
}

func New(addr string, opts Options) (*Server, error) {
	engine, err := NewRouter(opts)
	if err != nil {
		return nil, err
	}
	cfg := opts.Service.Spools().Config()
	return &Server{
		engine: engine,
		httpServer: &http.Server{
			Addr:         addr,
			Handler:      engine,
			ReadTimeout:  cfg.Server.ReadTimeout,
			WriteTimeout: cfg.Server.WriteTimeout,
		},
	}, nil
}

// Run serves until ctx is cancelled, then shuts down gracefully.
func (s *Server) Run(ctx context.Context) error {
	ln, err := net.Listen("tcp", s.httpServer.Addr)
	if err != nil {
		return err
	}
	log.Infof("admin api listening on %s", ln.Addr())

	serverErr := make(chan error, 1)
	go func() {
		if err := s.httpServer.Serve(ln); err != nil && !errors.Is(err, http.ErrServerClosed) {
			serverErr <- err
		}
		close(serverErr)
	}()

	select {
	case err := <-serverErr:
		return err
	case <-ctx.Done():
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		return s.httpServer.Shutdown(shutdownCtx)
	}
}

func (s *Server) Handler() http.Handler { return s.engine }
