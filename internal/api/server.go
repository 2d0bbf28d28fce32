package api

import (
	"errors"
	"net/http"
	"time"

	"github.com/labstack/echo/v5"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"golang.org/x/time/rate"

	"github.com/samcharles93/kerneltune/internal/arch"
	"github.com/samcharles93/kerneltune/internal/logger"
	"github.com/samcharles93/kerneltune/internal/schedcache"
)

type ServerConfig struct {
	Service  *TuneService
	Sessions *SessionStore
	// Limit caps tune requests per second across all clients. Zero means
	// unlimited.
	Limit rate.Limit
	Burst int
	// Logger is attached to each tune request's context. Defaults to the
	// package default logger.
	Logger logger.Logger
}

type Server struct {
	service  *TuneService
	sessions *SessionStore
	limiter  *rate.Limiter
	log      logger.Logger
}

func NewServer(cfg ServerConfig) *Server {
	s := &Server{
		service:  cfg.Service,
		sessions: cfg.Sessions,
		log:      cfg.Logger,
	}
	if s.log == nil {
		s.log = logger.Default()
	}
	if s.sessions == nil {
		s.sessions = NewSessionStore(DefaultSessionLimit)
	}
	if cfg.Limit > 0 {
		burst := cfg.Burst
		if burst <= 0 {
			burst = 1
		}
		s.limiter = rate.NewLimiter(cfg.Limit, burst)
	}
	return s
}

func (s *Server) Register(e *echo.Echo) {
	e.GET("/healthz", s.handleHealth)
	e.GET("/metrics", s.handleMetrics)
	e.GET("/v1/archs", s.handleArchs)
	e.POST("/v1/tune", s.rateLimit(s.handleTune))
	e.GET("/v1/sessions", s.handleListSessions)
	e.GET("/v1/sessions/:id", s.handleGetSession)
	e.DELETE("/v1/sessions/:id", s.handleDeleteSession)
	e.GET("/v1/schedules", s.handleListSchedules)
}

// rateLimit rejects tune requests beyond the configured rate. Tuning holds
// every core for seconds, so queuing would only stack timeouts.
func (s *Server) rateLimit(next echo.HandlerFunc) echo.HandlerFunc {
	return func(c *echo.Context) error {
		if s.limiter != nil && !s.limiter.Allow() {
			c.Response().Header().Set("Retry-After", "1")
			return writeError(c, http.StatusTooManyRequests, "rate_limit_error", "too many tune requests", "", "rate_limited")
		}
		return next(c)
	}
}

func (s *Server) handleHealth(c *echo.Context) error {
	return c.JSON(http.StatusOK, map[string]string{"status": "ok"})
}

func (s *Server) handleMetrics(c *echo.Context) error {
	promhttp.Handler().ServeHTTP(c.Response(), c.Request())
	return nil
}

func (s *Server) handleArchs(c *echo.Context) error {
	names := arch.Names()
	out := make([]arch.Descriptor, 0, len(names)+1)
	out = append(out, arch.Host())
	for _, n := range names {
		d, err := arch.Lookup(n)
		if err != nil {
			continue
		}
		out = append(out, d)
	}
	return c.JSON(http.StatusOK, newList(out))
}

func (s *Server) handleTune(c *echo.Context) error {
	req, err := decodeJSON[TuneRequest](c.Request().Body)
	if err != nil {
		return writeRequestError(c, err)
	}
	ctx := logger.WithContext(c.Request().Context(), s.log)
	start := time.Now()
	sess, err := s.service.Tune(ctx, &req)
	if err != nil {
		if errors.Is(err, ErrInvalidRequest) {
			return writeRequestError(c, err)
		}
		if ctx.Err() != nil {
			return writeError(c, http.StatusRequestTimeout, "timeout_error", err.Error(), "", "cancelled")
		}
		logger.FromContext(ctx).Error("tune failed", "error", err)
		return writeError(c, http.StatusInternalServerError, "server_error", err.Error(), "", "")
	}
	s.sessions.Put(sess)
	logger.FromContext(ctx).Info("tune session finished",
		"session", sess.ID, "template", sess.Template, "arch", sess.Arch,
		"status", sess.Status, "cached", sess.Cached, "elapsed", time.Since(start))
	return c.JSON(http.StatusOK, sess)
}

func (s *Server) handleListSessions(c *echo.Context) error {
	return c.JSON(http.StatusOK, newList(s.sessions.List()))
}

func (s *Server) handleGetSession(c *echo.Context) error {
	sess, ok := s.sessions.Get(c.Param("id"))
	if !ok {
		return writeNotFound(c, "session not found")
	}
	return c.JSON(http.StatusOK, sess)
}

func (s *Server) handleDeleteSession(c *echo.Context) error {
	id := c.Param("id")
	if !s.sessions.Delete(id) {
		return writeNotFound(c, "session not found")
	}
	return c.JSON(http.StatusOK, map[string]any{"id": id, "object": "tune.session.deleted", "deleted": true})
}

func (s *Server) handleListSchedules(c *echo.Context) error {
	cache := s.service.Cache()
	if cache == nil {
		return c.JSON(http.StatusOK, newList[schedcache.Entry](nil))
	}
	return c.JSON(http.StatusOK, newList(cache.Entries()))
}
