// Package ops serves the daemon's admin surface: health, readiness,
// metrics, session listings, and per-account commands.
package ops

import (
	"context"
	"errors"
	"net/http"
	"strings"
	"time"

	"github.com/gin-contrib/cors"
	"github.com/gin-gonic/gin"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/rs/zerolog/log"

	"github.com/tetherline/tether/internal/auth"
	"github.com/tetherline/tether/internal/observability"
	"github.com/tetherline/tether/internal/session"
)

type Config struct {
	Addr        string
	CorsOrigins []string

	// AuthToken, when set, gates the command endpoint behind a bearer token.
	AuthToken string
}

// Server is the ops HTTP endpoint. It only reads registry state and relays
// commands; all session logic stays in the session package.
type Server struct {
	cfg      Config
	registry *session.Registry
	router   *gin.Engine
	started  time.Time
}

func NewServer(cfg Config, registry *session.Registry) *Server {
	observability.RegisterMetrics()
	r := gin.New()
	r.Use(gin.Recovery())
	r.Use(observability.RequestLogger(log.Logger))
	r.Use(observability.RequestMetricsMiddleware())
	r.Use(cors.New(cors.Config{
		AllowOrigins: normalizeOrigins(cfg.CorsOrigins),
		AllowMethods: []string{"GET", "POST"},
		AllowHeaders: []string{"Origin", "Content-Type"},
		MaxAge:       12 * time.Hour,
	}))
	_ = r.SetTrustedProxies([]string{"127.0.0.1", "::1"})

	s := &Server{cfg: cfg, registry: registry, router: r, started: time.Now()}
	s.registerRoutes()
	return s
}

func (s *Server) registerRoutes() {
	s.router.GET("/health", func(c *gin.Context) {
		c.JSON(http.StatusOK, gin.H{
			"status": "ok",
			"uptime": time.Since(s.started).String(),
		})
	})

	s.router.GET("/ready", func(c *gin.Context) {
		c.JSON(http.StatusOK, gin.H{
			"ready":  true,
			"uptime": time.Since(s.started).String(),
		})
	})

	s.router.GET("/metrics", gin.WrapH(promhttp.Handler()))

	s.router.GET("/sessions", func(c *gin.Context) {
		c.JSON(http.StatusOK, gin.H{
			"sessions": s.registry.Snapshots(),
		})
	})

	s.router.POST("/sessions/:account/commands/:cmd", s.requireAuth, func(c *gin.Context) {
		account := c.Param("account")
		cmd := c.Param("cmd")
		arg := c.Query("conversation_id")

		err := s.registry.Command(c.Request.Context(), account, cmd, arg)
		if err != nil {
			status := http.StatusInternalServerError
			switch {
			case errors.Is(err, session.ErrSessionNotFound):
				status = http.StatusNotFound
			case errors.Is(err, session.ErrUnknownCommand):
				status = http.StatusBadRequest
			}
			c.JSON(status, gin.H{"error": err.Error()})
			return
		}
		c.JSON(http.StatusOK, gin.H{"status": "ok", "account": account, "command": cmd})
	})
}

// requireAuth gates mutating endpoints. With no configured token the
// surface stays open, matching a bind to localhost.
func (s *Server) requireAuth(c *gin.Context) {
	if s.cfg.AuthToken == "" {
		return
	}
	token := auth.FromHeader(c.GetHeader("Authorization"))
	if err := (auth.StaticToken{Token: s.cfg.AuthToken}).Validate(token); err != nil {
		c.AbortWithStatusJSON(http.StatusUnauthorized, gin.H{"error": err.Error()})
	}
}

// Handler exposes the router for tests.
func (s *Server) Handler() http.Handler {
	return s.router
}

// Run serves until ctx is canceled, then drains with a short grace period.
func (s *Server) Run(ctx context.Context) error {
	srv := &http.Server{Addr: s.cfg.Addr, Handler: s.router}
	errCh := make(chan error, 1)
	go func() {
		log.Info().Str("addr", s.cfg.Addr).Msg("ops: serving")
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- err
		}
	}()
	select {
	case err := <-errCh:
		return err
	case <-ctx.Done():
	}
	shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	return srv.Shutdown(shutdownCtx)
}

func normalizeOrigins(origins []string) []string {
	out := make([]string, 0, len(origins))
	for _, origin := range origins {
		origin = strings.TrimSpace(origin)
		if origin != "" {
			out = append(out, origin)
		}
	}
	if len(out) == 0 {
		out = append(out, "http://localhost:3000")
	}
	return out
}
