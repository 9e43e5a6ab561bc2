// Package server exposes the orchestrator to external consumers over HTTP.
package server

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"strconv"

	"driftsync/internal/model"
	"driftsync/internal/notify"
	"driftsync/internal/orchestrator"

	"github.com/labstack/echo/v4"
	"github.com/labstack/echo/v4/middleware"
	"go.uber.org/zap"
)

type Server struct {
	echo *echo.Echo
	orch *orchestrator.Orchestrator
	bus  *notify.Bus
	log  *zap.Logger
	port int
}

func New(orch *orchestrator.Orchestrator, bus *notify.Bus, log *zap.Logger, port int) *Server {
	e := echo.New()
	e.HideBanner = true
	e.Use(middleware.Recover())

	s := &Server{
		echo: e,
		orch: orch,
		bus:  bus,
		log:  log,
		port: port,
	}
	s.registerRoutes()
	return s
}

func (s *Server) registerRoutes() {
	g := s.echo.Group("/jobs")
	g.GET("", s.handleListJobs)
	g.POST("", s.handleAddJob)
	g.GET("/:id", s.handleGetJob)
	g.PUT("/:id", s.handleUpdateJob)
	g.DELETE("/:id", s.handleRemoveJob)
	g.POST("/:id/run", s.handleRunJob)
	g.POST("/:id/stop", s.handleStopJob)
	g.POST("/:id/check", s.handleCheckJob)

	s.echo.GET("/stats", s.handleStats)
	s.echo.GET("/activity", s.handleActivity)
	s.echo.DELETE("/activity", s.handleClearActivity)
	s.echo.GET("/events", s.handleEvents)
}

func (s *Server) Start() {
	go func() {
		addr := ":" + strconv.Itoa(s.port)
		s.log.Info("api server started", zap.String("addr", addr))

		if err := s.echo.Start(addr); err != nil && !errors.Is(err, http.ErrServerClosed) {
			s.log.Error("api server error", zap.Error(err))
		}
	}()
}

func (s *Server) Stop(ctx context.Context) error {
	return s.echo.Shutdown(ctx)
}

func (s *Server) handleListJobs(c echo.Context) error {
	return c.JSON(http.StatusOK, map[string]any{"jobs": s.orch.Jobs()})
}

func (s *Server) handleGetJob(c echo.Context) error {
	view := s.orch.Job(c.Param("id"))
	if view == nil {
		return c.JSON(http.StatusNotFound, map[string]string{"error": "job not found"})
	}
	return c.JSON(http.StatusOK, view)
}

func (s *Server) handleAddJob(c echo.Context) error {
	var def model.Job
	if err := c.Bind(&def); err != nil || def.Source == "" || def.Destination == "" {
		return c.JSON(http.StatusBadRequest, map[string]string{"error": "source and destination required"})
	}

	view := s.orch.AddJob(def)
	return c.JSON(http.StatusCreated, view)
}

func (s *Server) handleUpdateJob(c echo.Context) error {
	var patch model.JobPatch
	if err := c.Bind(&patch); err != nil {
		return c.JSON(http.StatusBadRequest, map[string]string{"error": "invalid patch"})
	}

	view := s.orch.UpdateJob(c.Param("id"), patch)
	if view == nil {
		return c.JSON(http.StatusNotFound, map[string]string{"error": "job not found"})
	}
	return c.JSON(http.StatusOK, view)
}

func (s *Server) handleRemoveJob(c echo.Context) error {
	if !s.orch.RemoveJob(c.Param("id")) {
		return c.JSON(http.StatusNotFound, map[string]string{"error": "job not found"})
	}
	return c.NoContent(http.StatusNoContent)
}

func (s *Server) handleRunJob(c echo.Context) error {
	if !s.orch.RunNow(c.Param("id")) {
		return c.JSON(http.StatusConflict, map[string]string{"error": "job unknown or already running"})
	}
	return c.JSON(http.StatusAccepted, map[string]string{"status": "started"})
}

func (s *Server) handleStopJob(c echo.Context) error {
	if !s.orch.StopJob(c.Param("id")) {
		return c.JSON(http.StatusConflict, map[string]string{"error": "job not running"})
	}
	return c.JSON(http.StatusOK, map[string]string{"status": "stopping"})
}

func (s *Server) handleCheckJob(c echo.Context) error {
	if !s.orch.CheckDiff(c.Param("id")) {
		return c.JSON(http.StatusConflict, map[string]string{"error": "job unknown, running or already checking"})
	}
	return c.JSON(http.StatusAccepted, map[string]string{"status": "checking"})
}

func (s *Server) handleStats(c echo.Context) error {
	return c.JSON(http.StatusOK, s.orch.Stats())
}

func (s *Server) handleActivity(c echo.Context) error {
	limit := 0
	if raw := c.QueryParam("limit"); raw != "" {
		if parsed, err := strconv.Atoi(raw); err == nil {
			limit = parsed
		}
	}
	return c.JSON(http.StatusOK, s.orch.ActivityLog(limit))
}

func (s *Server) handleClearActivity(c echo.Context) error {
	s.orch.ClearActivityLog()
	return c.NoContent(http.StatusNoContent)
}

// handleEvents streams orchestrator notifications as server-sent events
// until the client disconnects.
func (s *Server) handleEvents(c echo.Context) error {
	events, cancel := s.bus.Subscribe(64)
	defer cancel()

	res := c.Response()
	res.Header().Set(echo.HeaderContentType, "text/event-stream")
	res.Header().Set(echo.HeaderCacheControl, "no-cache")
	res.Header().Set(echo.HeaderConnection, "keep-alive")
	res.WriteHeader(http.StatusOK)
	res.Flush()

	for {
		select {
		case <-c.Request().Context().Done():
			return nil
		case ev, ok := <-events:
			if !ok {
				return nil
			}

			payload, err := json.Marshal(ev)
			if err != nil {
				continue
			}
			if _, err := fmt.Fprintf(res, "event: %s\ndata: %s\n\n", ev.Type, payload); err != nil {
				return nil
			}
			res.Flush()
		}
	}
}
