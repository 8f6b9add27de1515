// Package http provides the HTTP API for rulesmithd: triggering and
// inspecting workflow executions, and reviewing the rule queue.
package http

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"strconv"
	"time"

	"github.com/labstack/echo/v4"
	"github.com/labstack/echo/v4/middleware"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"go.uber.org/zap"

	"github.com/rulesmith/rulesmith/internal/config"
	"github.com/rulesmith/rulesmith/internal/docstore"
	"github.com/rulesmith/rulesmith/internal/engine"
	"github.com/rulesmith/rulesmith/internal/logging"
	"github.com/rulesmith/rulesmith/internal/metrics"
	"github.com/rulesmith/rulesmith/internal/queue"
)

// Server exposes the workflow engine and review queue over HTTP.
type Server struct {
	echo    *echo.Echo
	engine  *engine.Engine
	reviews *queue.Service
	qstore  queue.Store
	met     *metrics.Metrics
	logger  *logging.Logger
	cfg     config.ServerConfig
}

// NewServer creates the API server.
func NewServer(cfg config.ServerConfig, eng *engine.Engine, reviews *queue.Service, qstore queue.Store, met *metrics.Metrics, logger *logging.Logger) (*Server, error) {
	if eng == nil {
		return nil, fmt.Errorf("http: engine is required")
	}
	if reviews == nil || qstore == nil {
		return nil, fmt.Errorf("http: review queue is required")
	}
	if logger == nil {
		logger = logging.NewNop()
	}
	if met == nil {
		met = metrics.NewNop()
	}

	e := echo.New()
	e.HideBanner = true
	e.HidePort = true

	e.Use(middleware.Recover())
	e.Use(middleware.RequestID())
	e.Use(func(next echo.HandlerFunc) echo.HandlerFunc {
		return func(c echo.Context) error {
			start := time.Now()
			err := next(c)

			logger.Info(c.Request().Context(), "http request",
				zap.String("method", c.Request().Method),
				zap.String("uri", c.Request().RequestURI),
				zap.Int("status", c.Response().Status),
				zap.Duration("duration", time.Since(start)),
				zap.String("request_id", c.Response().Header().Get(echo.HeaderXRequestID)),
			)
			return err
		}
	})

	s := &Server{
		echo:    e,
		engine:  eng,
		reviews: reviews,
		qstore:  qstore,
		met:     met,
		logger:  logger,
		cfg:     cfg,
	}
	s.registerRoutes()
	return s, nil
}

func (s *Server) registerRoutes() {
	s.echo.GET("/healthz", s.handleHealth)
	s.echo.GET("/metrics", echo.WrapHandler(promhttp.Handler()))

	v1 := s.echo.Group("/api/v1")
	v1.POST("/executions", s.handleTrigger)
	v1.GET("/executions", s.handleListExecutions)
	v1.GET("/executions/:id", s.handleGetExecution)
	v1.POST("/executions/:id/retry", s.handleRetry)
	v1.POST("/executions/:id/cancel", s.handleCancel)
	v1.GET("/queue", s.handleListQueue)
	v1.GET("/queue/:id", s.handleGetQueueItem)
	v1.POST("/queue/:id/review", s.handleReview)
}

// HealthResponse is the response body for GET /healthz.
type HealthResponse struct {
	Status string `json:"status"`
}

func (s *Server) handleHealth(c echo.Context) error {
	return c.JSON(http.StatusOK, HealthResponse{Status: "ok"})
}

// TriggerRequest is the request body for POST /api/v1/executions.
type TriggerRequest struct {
	DocumentID string `json:"document_id"`
}

func (s *Server) handleTrigger(c echo.Context) error {
	var req TriggerRequest
	if err := c.Bind(&req); err != nil {
		return echo.NewHTTPError(http.StatusBadRequest, "invalid request body")
	}
	if req.DocumentID == "" {
		return echo.NewHTTPError(http.StatusBadRequest, "document_id is required")
	}

	ex, err := s.engine.Trigger(c.Request().Context(), req.DocumentID)
	if err != nil {
		return s.mapError(c, err)
	}
	return c.JSON(http.StatusAccepted, ex)
}

func (s *Server) handleGetExecution(c echo.Context) error {
	ex, err := s.engine.Get(c.Request().Context(), c.Param("id"))
	if err != nil {
		return s.mapError(c, err)
	}
	return c.JSON(http.StatusOK, ex)
}

// ExecutionList is the response body for GET /api/v1/executions.
type ExecutionList struct {
	Executions []*engine.Execution `json:"executions"`
}

func (s *Server) handleListExecutions(c echo.Context) error {
	filter := engine.ListFilter{
		DocumentID: c.QueryParam("document_id"),
		Status:     engine.Status(c.QueryParam("status")),
		Limit:      intQueryParam(c, "limit"),
	}
	out, err := s.engine.List(c.Request().Context(), filter)
	if err != nil {
		return s.mapError(c, err)
	}
	return c.JSON(http.StatusOK, ExecutionList{Executions: out})
}

func (s *Server) handleRetry(c echo.Context) error {
	ex, err := s.engine.Retry(c.Request().Context(), c.Param("id"))
	if err != nil {
		return s.mapError(c, err)
	}
	return c.JSON(http.StatusOK, ex)
}

func (s *Server) handleCancel(c echo.Context) error {
	if err := s.engine.Cancel(c.Request().Context(), c.Param("id")); err != nil {
		return s.mapError(c, err)
	}
	return c.NoContent(http.StatusNoContent)
}

// QueueList is the response body for GET /api/v1/queue.
type QueueList struct {
	Items []*queue.Item `json:"items"`
}

func (s *Server) handleListQueue(c echo.Context) error {
	items, err := s.qstore.List(c.Request().Context(),
		queue.ReviewStatus(c.QueryParam("status")), intQueryParam(c, "limit"))
	if err != nil {
		return s.mapError(c, err)
	}
	return c.JSON(http.StatusOK, QueueList{Items: items})
}

func (s *Server) handleGetQueueItem(c echo.Context) error {
	item, err := s.qstore.Get(c.Request().Context(), c.Param("id"))
	if err != nil {
		return s.mapError(c, err)
	}
	return c.JSON(http.StatusOK, item)
}

// ReviewRequest is the request body for POST /api/v1/queue/:id/review.
type ReviewRequest struct {
	Action     queue.Action `json:"action"`
	Reviewer   string       `json:"reviewer"`
	EditedRule string       `json:"edited_rule,omitempty"`
}

func (s *Server) handleReview(c echo.Context) error {
	var req ReviewRequest
	if err := c.Bind(&req); err != nil {
		return echo.NewHTTPError(http.StatusBadRequest, "invalid request body")
	}
	switch req.Action {
	case queue.ActionApprove, queue.ActionReject, queue.ActionEdit:
	default:
		return echo.NewHTTPError(http.StatusBadRequest, fmt.Sprintf("unknown review action %q", req.Action))
	}

	item, err := s.reviews.Review(c.Request().Context(), c.Param("id"), req.Action, req.Reviewer, req.EditedRule)
	if err != nil {
		return s.mapError(c, err)
	}
	s.met.QueueReviews.WithLabelValues(string(item.ReviewStatus)).Inc()
	return c.JSON(http.StatusOK, item)
}

// mapError translates domain sentinel errors into HTTP status codes.
func (s *Server) mapError(c echo.Context, err error) error {
	switch {
	case errors.Is(err, engine.ErrNotFound),
		errors.Is(err, queue.ErrNotFound),
		errors.Is(err, docstore.ErrNotFound):
		return echo.NewHTTPError(http.StatusNotFound, err.Error())
	case errors.Is(err, engine.ErrConflict),
		errors.Is(err, engine.ErrTerminal),
		errors.Is(err, engine.ErrNotRetryable),
		errors.Is(err, queue.ErrAlreadyReviewed):
		return echo.NewHTTPError(http.StatusConflict, err.Error())
	case errors.Is(err, queue.ErrInvalidEdit):
		return echo.NewHTTPError(http.StatusBadRequest, err.Error())
	default:
		s.logger.Error(c.Request().Context(), "request failed", zap.Error(err))
		return echo.NewHTTPError(http.StatusInternalServerError, "internal error")
	}
}

func intQueryParam(c echo.Context, name string) int {
	raw := c.QueryParam(name)
	if raw == "" {
		return 0
	}
	n, err := strconv.Atoi(raw)
	if err != nil || n < 0 {
		return 0
	}
	return n
}

// Start starts the HTTP server.
func (s *Server) Start() error {
	s.logger.Info(context.Background(), "starting http server", zap.String("addr", s.cfg.Addr))
	return s.echo.Start(s.cfg.Addr)
}

// Shutdown gracefully shuts down the server.
func (s *Server) Shutdown(ctx context.Context) error {
	s.logger.Info(ctx, "shutting down http server")
	return s.echo.Shutdown(ctx)
}
