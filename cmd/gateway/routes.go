package main

import (
	"database/sql"
	"errors"
	"net/http"
	"strconv"

	"github.com/labstack/echo/v4"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/voicegate/gateway/internal/pipeline"
	"github.com/voicegate/gateway/internal/session"
	"github.com/voicegate/gateway/internal/trace"
	"github.com/voicegate/gateway/internal/ws"
)

const defaultSessionLimit = 20

type deps struct {
	wsHandler    *ws.Handler
	sessions     *session.Registry
	traceStore   *trace.Store
	transcribers *pipeline.Router[pipeline.Transcriber]
	reasoners    *pipeline.Router[pipeline.Reasoner]
	synthesizers *pipeline.Router[pipeline.Synthesizer]
}

func registerRoutes(e *echo.Echo, d deps) {
	e.GET("/ws", d.wsHandler.Handle)
	e.GET("/healthz", d.handleHealth)
	e.GET("/metrics", echo.WrapHandler(promhttp.Handler()))
	e.GET("/api/engines", d.handleEngines)
	e.GET("/api/sessions", d.handleListSessions)
	e.GET("/api/sessions/:id", d.handleGetSession)
	e.GET("/api/sessions/:id/runs/:run_id", d.handleGetRun)
}

func (d deps) handleHealth(c echo.Context) error {
	return c.JSON(http.StatusOK, map[string]interface{}{
		"status":        "ok",
		"live_sessions": d.sessions.Len(),
	})
}

func (d deps) handleEngines(c echo.Context) error {
	return c.JSON(http.StatusOK, map[string][]string{
		"stt": d.transcribers.Engines(),
		"llm": d.reasoners.Engines(),
		"tts": d.synthesizers.Engines(),
	})
}

func (d deps) handleListSessions(c echo.Context) error {
	if d.traceStore == nil {
		return c.JSON(http.StatusServiceUnavailable, map[string]string{"error": "tracing disabled"})
	}

	limit := defaultSessionLimit
	if v := c.QueryParam("limit"); v != "" {
		if n, err := strconv.Atoi(v); err == nil && n > 0 {
			limit = n
		}
	}
	offset := 0
	if v := c.QueryParam("offset"); v != "" {
		if n, err := strconv.Atoi(v); err == nil && n >= 0 {
			offset = n
		}
	}

	sessions, total, err := d.traceStore.ListSessions(limit, offset)
	if err != nil {
		return c.JSON(http.StatusInternalServerError, map[string]string{"error": err.Error()})
	}
	return c.JSON(http.StatusOK, map[string]interface{}{
		"sessions": sessions,
		"total":    total,
	})
}

func (d deps) handleGetSession(c echo.Context) error {
	if d.traceStore == nil {
		return c.JSON(http.StatusServiceUnavailable, map[string]string{"error": "tracing disabled"})
	}

	sess, runs, err := d.traceStore.GetSession(c.Param("id"))
	if errors.Is(err, sql.ErrNoRows) {
		return c.JSON(http.StatusNotFound, map[string]string{"error": "session not found"})
	}
	if err != nil {
		return c.JSON(http.StatusInternalServerError, map[string]string{"error": err.Error()})
	}
	return c.JSON(http.StatusOK, map[string]interface{}{
		"session": sess,
		"runs":    runs,
	})
}

func (d deps) handleGetRun(c echo.Context) error {
	if d.traceStore == nil {
		return c.JSON(http.StatusServiceUnavailable, map[string]string{"error": "tracing disabled"})
	}

	run, checkpoints, err := d.traceStore.GetRun(c.Param("id"), c.Param("run_id"))
	if errors.Is(err, sql.ErrNoRows) {
		return c.JSON(http.StatusNotFound, map[string]string{"error": "run not found"})
	}
	if err != nil {
		return c.JSON(http.StatusInternalServerError, map[string]string{"error": err.Error()})
	}
	return c.JSON(http.StatusOK, map[string]interface{}{
		"run":         run,
		"checkpoints": checkpoints,
	})
}
