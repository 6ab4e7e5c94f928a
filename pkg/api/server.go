package api

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"strings"
	"time"

	"github.com/dotsetgreg/dotpersona/pkg/agent"
	"github.com/dotsetgreg/dotpersona/pkg/character"
	"github.com/dotsetgreg/dotpersona/pkg/logger"
	"github.com/dotsetgreg/dotpersona/pkg/session"
	"github.com/gin-gonic/gin"
)

const shutdownTimeout = 10 * time.Second

// TurnRunner is the part of the orchestrator the server drives.
type TurnRunner interface {
	RunTurn(ctx context.Context, req agent.Request) (*agent.Result, error)
	RunTurnStreaming(ctx context.Context, req agent.Request) <-chan agent.Event
}

// Server exposes turns over HTTP, SSE and WebSocket.
type Server struct {
	runner         TurnRunner
	catalog        character.Catalog
	sessions       session.Store
	allowedOrigins []string
	engine         *gin.Engine
}

// NewServer builds the router. catalog supplies characters for requests that
// do not carry one inline; sessions backs the session lookup route and may be
// nil.
func NewServer(runner TurnRunner, catalog character.Catalog, sessions session.Store, allowedOrigins []string) *Server {
	gin.SetMode(gin.ReleaseMode)

	s := &Server{
		runner:         runner,
		catalog:        catalog,
		sessions:       sessions,
		allowedOrigins: cleanOrigins(allowedOrigins),
	}

	r := gin.New()
	r.Use(gin.Recovery())
	r.Use(requestLogger())
	r.Use(s.corsMiddleware())

	r.GET("/healthz", s.health)

	v1 := r.Group("/v1")
	{
		v1.POST("/turns", s.createTurn)
		v1.POST("/turns/stream", s.streamTurn)
		v1.GET("/turns/ws", s.turnWebSocket)
		v1.GET("/sessions/:id", s.getSession)
	}

	s.engine = r
	return s
}

func (s *Server) Handler() http.Handler {
	return s.engine
}

// Run serves on addr until ctx is cancelled, then drains in-flight requests.
func (s *Server) Run(ctx context.Context, addr string) error {
	srv := &http.Server{
		Addr:              addr,
		Handler:           s.engine,
		ReadHeaderTimeout: 10 * time.Second,
	}

	errCh := make(chan error, 1)
	go func() {
		logger.InfoCF("api", "Server listening", map[string]interface{}{"addr": addr})
		errCh <- srv.ListenAndServe()
	}()

	select {
	case err := <-errCh:
		if errors.Is(err, http.ErrServerClosed) {
			return nil
		}
		return fmt.Errorf("listen on %s: %w", addr, err)
	case <-ctx.Done():
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
	defer cancel()
	logger.InfoC("api", "Shutting down server")
	if err := srv.Shutdown(shutdownCtx); err != nil {
		return fmt.Errorf("shutdown: %w", err)
	}
	return nil
}

func (s *Server) health(c *gin.Context) {
	c.JSON(http.StatusOK, gin.H{"status": "ok"})
}

// corsMiddleware answers only for configured origins. "*" allows any origin.
func (s *Server) corsMiddleware() gin.HandlerFunc {
	return func(c *gin.Context) {
		origin := c.GetHeader("Origin")
		if origin != "" && s.originAllowed(origin) {
			h := c.Writer.Header()
			h.Set("Access-Control-Allow-Origin", origin)
			h.Set("Access-Control-Allow-Headers", "Content-Type, Accept, Authorization, Cache-Control, X-Requested-With")
			h.Set("Access-Control-Allow-Methods", "GET, POST, OPTIONS")
			h.Add("Vary", "Origin")
		}

		if c.Request.Method == http.MethodOptions {
			c.AbortWithStatus(http.StatusNoContent)
			return
		}
		c.Next()
	}
}

func (s *Server) originAllowed(origin string) bool {
	for _, allowed := range s.allowedOrigins {
		if allowed == "*" || strings.EqualFold(allowed, origin) {
			return true
		}
	}
	return false
}

func requestLogger() gin.HandlerFunc {
	return func(c *gin.Context) {
		start := time.Now()
		c.Next()
		logger.DebugCF("api", "Request handled", map[string]interface{}{
			"method":     c.Request.Method,
			"path":       c.FullPath(),
			"status":     c.Writer.Status(),
			"elapsed_ms": time.Since(start).Milliseconds(),
		})
	}
}

func cleanOrigins(origins []string) []string {
	out := make([]string, 0, len(origins))
	for _, o := range origins {
		o = strings.TrimRight(strings.TrimSpace(o), "/")
		if o != "" {
			out = append(out, o)
		}
	}
	return out
}
