package controlplane

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"strconv"
	"time"

	"github.com/labstack/echo/v4"
	"github.com/labstack/echo/v4/middleware"
	"go.uber.org/zap"

	"github.com/fentz26/lexgate/internal/execgate"
	"github.com/fentz26/lexgate/internal/metrics"
	"github.com/fentz26/lexgate/internal/models"
	"github.com/fentz26/lexgate/internal/store"
)

// keepaliveInterval is the SSE comment interval.
const keepaliveInterval = 30 * time.Second

// Server provides the HTTP API for lexgate.
type Server struct {
	echo    *echo.Echo
	service *Service
	metrics *metrics.Metrics
	logger  *zap.Logger
	addr    string
}

// NewServer creates a new HTTP server.
func NewServer(service *Service, m *metrics.Metrics, logger *zap.Logger, addr string) (*Server, error) {
	if service == nil {
		return nil, fmt.Errorf("service cannot be nil")
	}
	if logger == nil {
		return nil, fmt.Errorf("logger is required for request tracking and debugging")
	}

	e := echo.New()
	e.HideBanner = true
	e.HidePort = true

	s := &Server{
		echo:    e,
		service: service,
		metrics: m,
		logger:  logger,
		addr:    addr,
	}
	e.HTTPErrorHandler = s.errorHandler

	// Middleware
	e.Use(middleware.Recover())
	e.Use(middleware.RequestID())
	e.Use(func(next echo.HandlerFunc) echo.HandlerFunc {
		return func(c echo.Context) error {
			start := time.Now()
			err := next(c)
			if err != nil {
				c.Error(err)
			}
			logger.Info("http request",
				zap.String("method", c.Request().Method),
				zap.String("uri", c.Request().RequestURI),
				zap.Int("status", c.Response().Status),
				zap.Duration("duration", time.Since(start)),
				zap.String("request_id", c.Response().Header().Get(echo.HeaderXRequestID)),
			)
			return nil
		}
	})

	s.registerRoutes()
	return s, nil
}

// registerRoutes sets up the HTTP endpoints.
func (s *Server) registerRoutes() {
	e := s.echo
	e.GET("/health", s.handleHealth)
	if s.metrics != nil {
		e.GET("/metrics", echo.WrapHandler(s.metrics.Handler()))
	}

	e.GET("/stage", s.handleStage)
	e.GET("/stage/history", s.handleStageHistory)
	e.POST("/stage/advance", s.handleAdvance)

	e.GET("/agents", s.handleListAgents)
	e.POST("/agents", s.handleRegisterAgent)
	e.GET("/agents/:id", s.handleGetAgent)
	e.POST("/agents/:id/spawn", s.handleSpawn)
	e.POST("/agents/:id/heartbeat", s.handleHeartbeat)
	e.POST("/agents/:id/report", s.handleReport)
	e.POST("/agents/:id/block", s.handleBlock)
	e.POST("/agents/:id/unblock", s.handleUnblock)
	e.POST("/agents/:id/retire", s.handleRetire)
	e.POST("/agents/:id/reclassify", s.handleReclassify)

	e.GET("/artifacts", s.handleListArtifacts)
	e.GET("/artifacts/:id", s.handleGetArtifact)
	e.POST("/artifacts/:id/archive", s.handleArchive)

	e.GET("/reviews", s.handleListReviews)
	e.POST("/reviews", s.handleSubmitReview)
	e.POST("/reviews/batch", s.handleBatch)
	e.GET("/reviews/:id", s.handleGetReview)
	e.POST("/reviews/:id/decide", s.handleDecide)

	e.GET("/executions", s.handleListExecutions)
	e.POST("/executions", s.handleRequestExecution)
	e.GET("/executions/:id", s.handleGetExecution)
	e.POST("/executions/:id/approve", s.handleApproveExecution)
	e.POST("/executions/:id/reject", s.handleRejectExecution)
	e.POST("/executions/:id/execute", s.handleExecute)

	e.GET("/snapshot", s.handleSnapshot)
	e.GET("/snapshot/stream", s.handleSnapshotStream)
	e.POST("/signals/health", s.handleHealthSignal)
	e.POST("/signals/kpis", s.handleKPIs)
	e.POST("/poller/restart", s.handlePollerRestart)

	e.GET("/audit", s.handleAudit)
}

// Handler exposes the router, mainly for tests.
func (s *Server) Handler() http.Handler {
	return s.echo
}

// Start starts the HTTP server.
func (s *Server) Start() error {
	s.logger.Info("starting http server", zap.String("addr", s.addr))
	return s.echo.Start(s.addr)
}

// Shutdown gracefully shuts down the server.
func (s *Server) Shutdown(ctx context.Context) error {
	s.logger.Info("shutting down http server")
	return s.echo.Shutdown(ctx)
}

func bind(c echo.Context, v any) error {
	if err := c.Bind(v); err != nil {
		return echo.NewHTTPError(http.StatusBadRequest, "invalid json")
	}
	return nil
}

// --- Health ---

func (s *Server) handleHealth(c echo.Context) error {
	h := s.service.Health(c.Request().Context())
	status := http.StatusOK
	if !h.OK {
		status = http.StatusServiceUnavailable
	}
	return c.JSON(status, h)
}

// --- Stage Handlers ---

func (s *Server) handleStage(c echo.Context) error {
	cur, err := s.service.CurrentStage(c.Request().Context())
	if err != nil {
		return err
	}
	return c.JSON(http.StatusOK, map[string]any{
		"current": cur,
		"stages":  s.service.Stages(),
	})
}

func (s *Server) handleStageHistory(c echo.Context) error {
	history, err := s.service.StageHistory(c.Request().Context())
	if err != nil {
		return err
	}
	if history == nil {
		history = []models.StageEntry{}
	}
	return c.JSON(http.StatusOK, history)
}

type advanceRequest struct {
	Target       models.Stage `json:"target"`
	Confirmation *bool        `json:"confirmation,omitempty"`
	Actor        string       `json:"actor"`
}

func (s *Server) handleAdvance(c echo.Context) error {
	var req advanceRequest
	if err := bind(c, &req); err != nil {
		return err
	}
	entry, err := s.service.Advance(c.Request().Context(), req.Target, req.Confirmation, req.Actor)
	if err != nil {
		return err
	}
	return c.JSON(http.StatusOK, entry)
}

// --- Agent Handlers ---

func (s *Server) handleListAgents(c echo.Context) error {
	agents, err := s.service.ListAgents(c.Request().Context())
	if err != nil {
		return err
	}
	return c.JSON(http.StatusOK, agents)
}

type registerRequest struct {
	ID    string           `json:"id"`
	Type  models.AgentType `json:"type"`
	Actor string           `json:"actor"`
}

func (s *Server) handleRegisterAgent(c echo.Context) error {
	var req registerRequest
	if err := bind(c, &req); err != nil {
		return err
	}
	a, err := s.service.RegisterAgent(c.Request().Context(), req.ID, req.Type, req.Actor)
	if err != nil {
		return err
	}
	return c.JSON(http.StatusCreated, a)
}

func (s *Server) handleGetAgent(c echo.Context) error {
	a, err := s.service.GetAgent(c.Request().Context(), c.Param("id"))
	if err != nil {
		return err
	}
	return c.JSON(http.StatusOK, a)
}

func (s *Server) handleSpawn(c echo.Context) error {
	var req SpawnRequest
	if err := bind(c, &req); err != nil {
		return err
	}
	a, err := s.service.SpawnAgent(c.Request().Context(), c.Param("id"), req)
	if err != nil {
		return err
	}
	return c.JSON(http.StatusOK, a)
}

type heartbeatRequest struct {
	Timestamp time.Time `json:"timestamp,omitempty"`
}

func (s *Server) handleHeartbeat(c echo.Context) error {
	var req heartbeatRequest
	if err := bind(c, &req); err != nil {
		return err
	}
	a, err := s.service.Heartbeat(c.Request().Context(), c.Param("id"), req.Timestamp)
	if err != nil {
		return err
	}
	return c.JSON(http.StatusOK, a)
}

func (s *Server) handleReport(c echo.Context) error {
	var req ReportInput
	if err := bind(c, &req); err != nil {
		return err
	}
	res, err := s.service.Report(c.Request().Context(), c.Param("id"), req)
	if err != nil {
		return err
	}
	return c.JSON(http.StatusOK, res)
}

type agentActionRequest struct {
	Actor  string             `json:"actor"`
	Reason string             `json:"reason"`
	To     models.AgentStatus `json:"to,omitempty"`
}

func (s *Server) handleBlock(c echo.Context) error {
	var req agentActionRequest
	if err := bind(c, &req); err != nil {
		return err
	}
	a, err := s.service.BlockAgent(c.Request().Context(), c.Param("id"), req.Actor, req.Reason)
	if err != nil {
		return err
	}
	return c.JSON(http.StatusOK, a)
}

func (s *Server) handleUnblock(c echo.Context) error {
	var req agentActionRequest
	if err := bind(c, &req); err != nil {
		return err
	}
	a, err := s.service.UnblockAgent(c.Request().Context(), c.Param("id"), req.Actor, req.Reason)
	if err != nil {
		return err
	}
	return c.JSON(http.StatusOK, a)
}

func (s *Server) handleRetire(c echo.Context) error {
	var req agentActionRequest
	if err := bind(c, &req); err != nil {
		return err
	}
	a, err := s.service.RetireAgent(c.Request().Context(), c.Param("id"), req.Actor, req.Reason)
	if err != nil {
		return err
	}
	return c.JSON(http.StatusOK, a)
}

func (s *Server) handleReclassify(c echo.Context) error {
	var req agentActionRequest
	if err := bind(c, &req); err != nil {
		return err
	}
	a, err := s.service.ReclassifyAgent(c.Request().Context(), c.Param("id"), req.Actor, req.To, req.Reason)
	if err != nil {
		return err
	}
	return c.JSON(http.StatusOK, a)
}

// --- Artifact Handlers ---

func (s *Server) handleListArtifacts(c echo.Context) error {
	f := store.ArtifactFilter{
		Stage:   models.Stage(c.QueryParam("stage")),
		Status:  models.ArtifactStatus(c.QueryParam("status")),
		AgentID: c.QueryParam("agent"),
	}
	if f.Status != "" && !f.Status.Valid() {
		return echo.NewHTTPError(http.StatusBadRequest, fmt.Sprintf("unknown artifact status %q", f.Status))
	}
	artifacts, err := s.service.ListArtifacts(c.Request().Context(), f)
	if err != nil {
		return err
	}
	if artifacts == nil {
		artifacts = []models.Artifact{}
	}
	return c.JSON(http.StatusOK, artifacts)
}

func (s *Server) handleGetArtifact(c echo.Context) error {
	a, err := s.service.GetArtifact(c.Request().Context(), c.Param("id"))
	if err != nil {
		return err
	}
	return c.JSON(http.StatusOK, a)
}

type archiveRequest struct {
	Actor string `json:"actor"`
}

func (s *Server) handleArchive(c echo.Context) error {
	var req archiveRequest
	if err := bind(c, &req); err != nil {
		return err
	}
	a, err := s.service.ArchiveArtifact(c.Request().Context(), c.Param("id"), req.Actor)
	if err != nil {
		return err
	}
	return c.JSON(http.StatusOK, a)
}

// --- Review Handlers ---

func (s *Server) handleListReviews(c echo.Context) error {
	pending := c.QueryParam("pending") != "false"
	items, err := s.service.ListReviews(c.Request().Context(), c.QueryParam("gate"), pending)
	if err != nil {
		return err
	}
	if items == nil {
		items = []models.ReviewItem{}
	}
	return c.JSON(http.StatusOK, items)
}

type submitReviewRequest struct {
	Gate       string `json:"gate"`
	ArtifactID string `json:"artifact_id"`
}

func (s *Server) handleSubmitReview(c echo.Context) error {
	var req submitReviewRequest
	if err := bind(c, &req); err != nil {
		return err
	}
	item, err := s.service.SubmitReview(c.Request().Context(), req.Gate, req.ArtifactID)
	if err != nil {
		return err
	}
	return c.JSON(http.StatusCreated, item)
}

func (s *Server) handleGetReview(c echo.Context) error {
	item, err := s.service.GetReview(c.Request().Context(), c.Param("id"))
	if err != nil {
		return err
	}
	return c.JSON(http.StatusOK, item)
}

type decideRequest struct {
	Gate      string          `json:"gate"`
	Decision  models.Decision `json:"decision"`
	Actor     string          `json:"actor"`
	Rationale string          `json:"rationale"`
}

func (s *Server) handleDecide(c echo.Context) error {
	var req decideRequest
	if err := bind(c, &req); err != nil {
		return err
	}
	res, err := s.service.DecideReview(c.Request().Context(), req.Gate, c.Param("id"), req.Decision, req.Actor, req.Rationale)
	if err != nil {
		return err
	}
	return c.JSON(http.StatusOK, res)
}

type batchRequest struct {
	Gate      string          `json:"gate"`
	IDs       []string        `json:"ids"`
	Decision  models.Decision `json:"decision"`
	Actor     string          `json:"actor"`
	Rationale string          `json:"rationale"`
}

func (s *Server) handleBatch(c echo.Context) error {
	var req batchRequest
	if err := bind(c, &req); err != nil {
		return err
	}
	res, err := s.service.DecideBatch(c.Request().Context(), req.Gate, req.IDs, req.Decision, req.Actor, req.Rationale)
	if err != nil {
		return err
	}
	return c.JSON(http.StatusOK, res)
}

// --- Execution Handlers ---

func (s *Server) handleListExecutions(c echo.Context) error {
	approval := models.Decision(c.QueryParam("approval"))
	reqs, err := s.service.ListExecutions(c.Request().Context(), approval)
	if err != nil {
		return err
	}
	if reqs == nil {
		reqs = []models.ExecutionRequest{}
	}
	return c.JSON(http.StatusOK, reqs)
}

func (s *Server) handleRequestExecution(c echo.Context) error {
	var req execgate.RequestInput
	if err := bind(c, &req); err != nil {
		return err
	}
	created, err := s.service.RequestExecution(c.Request().Context(), req)
	if err != nil {
		return err
	}
	return c.JSON(http.StatusCreated, created)
}

func (s *Server) handleGetExecution(c echo.Context) error {
	req, err := s.service.GetExecution(c.Request().Context(), c.Param("id"))
	if err != nil {
		return err
	}
	return c.JSON(http.StatusOK, req)
}

type executionDecisionRequest struct {
	Actor     string `json:"actor"`
	Rationale string `json:"rationale"`
}

func (s *Server) handleApproveExecution(c echo.Context) error {
	var req executionDecisionRequest
	if err := bind(c, &req); err != nil {
		return err
	}
	res, err := s.service.ApproveExecution(c.Request().Context(), c.Param("id"), req.Actor, req.Rationale)
	if err != nil {
		return err
	}
	return c.JSON(http.StatusOK, res)
}

func (s *Server) handleRejectExecution(c echo.Context) error {
	var req executionDecisionRequest
	if err := bind(c, &req); err != nil {
		return err
	}
	res, err := s.service.RejectExecution(c.Request().Context(), c.Param("id"), req.Actor, req.Rationale)
	if err != nil {
		return err
	}
	return c.JSON(http.StatusOK, res)
}

func (s *Server) handleExecute(c echo.Context) error {
	var req executionDecisionRequest
	if err := bind(c, &req); err != nil {
		return err
	}
	out, err := s.service.Execute(c.Request().Context(), c.Param("id"), req.Actor)
	if err != nil {
		return err
	}
	return c.JSON(http.StatusOK, out)
}

// --- Snapshot Handlers ---

func (s *Server) handleSnapshot(c echo.Context) error {
	snap, err := s.service.Snapshot(c.Request().Context())
	if err != nil {
		return err
	}
	return c.JSON(http.StatusOK, snap)
}

// handleSnapshotStream sends the current snapshot, then one "delta" event
// per published change set.
func (s *Server) handleSnapshotStream(c echo.Context) error {
	ctx := c.Request().Context()
	snap, err := s.service.Snapshot(ctx)
	if err != nil {
		return err
	}

	ch, unsubscribe := s.service.SubscribeDeltas()
	defer unsubscribe()

	w := c.Response()
	w.Header().Set(echo.HeaderContentType, "text/event-stream")
	w.Header().Set(echo.HeaderCacheControl, "no-cache")
	w.Header().Set(echo.HeaderConnection, "keep-alive")
	w.Header().Set("X-Accel-Buffering", "no")
	w.WriteHeader(http.StatusOK)

	if err := writeEvent(w, "snapshot", snap); err != nil {
		return nil
	}

	keepalive := time.NewTicker(keepaliveInterval)
	defer keepalive.Stop()

	for {
		select {
		case <-ctx.Done():
			return nil
		case <-keepalive.C:
			if _, err := fmt.Fprint(w, ": keepalive\n\n"); err != nil {
				return nil
			}
			w.Flush()
		case d, ok := <-ch:
			if !ok {
				return nil
			}
			if err := writeEvent(w, "delta", d); err != nil {
				return nil
			}
		}
	}
}

func writeEvent(w *echo.Response, event string, v any) error {
	b, err := json.Marshal(v)
	if err != nil {
		return err
	}
	if _, err := fmt.Fprintf(w, "event: %s\ndata: %s\n\n", event, b); err != nil {
		return err
	}
	w.Flush()
	return nil
}

type healthSignalRequest struct {
	Key string    `json:"key"`
	At  time.Time `json:"at,omitempty"`
}

func (s *Server) handleHealthSignal(c echo.Context) error {
	var req healthSignalRequest
	if err := bind(c, &req); err != nil {
		return err
	}
	if err := s.service.RecordHealth(req.Key, req.At); err != nil {
		return err
	}
	return c.NoContent(http.StatusNoContent)
}

type kpisRequest struct {
	KPIs map[string]float64 `json:"kpis"`
}

func (s *Server) handleKPIs(c echo.Context) error {
	var req kpisRequest
	if err := bind(c, &req); err != nil {
		return err
	}
	if err := s.service.SetKPIs(req.KPIs); err != nil {
		return err
	}
	return c.NoContent(http.StatusNoContent)
}

type restartRequest struct {
	Actor string `json:"actor"`
}

func (s *Server) handlePollerRestart(c echo.Context) error {
	var req restartRequest
	if err := bind(c, &req); err != nil {
		return err
	}
	st, err := s.service.RestartPoller(req.Actor)
	if err != nil {
		return err
	}
	return c.JSON(http.StatusOK, st)
}

// --- Audit Handlers ---

func (s *Server) handleAudit(c echo.Context) error {
	f := store.AuditFilter{
		EntityType: c.QueryParam("entity_type"),
		EntityID:   c.QueryParam("entity_id"),
	}
	if f.EntityID == "" {
		f.EntityID = c.QueryParam("entity")
	}
	if v := c.QueryParam("limit"); v != "" {
		limit, err := strconv.Atoi(v)
		if err != nil || limit < 1 {
			return echo.NewHTTPError(http.StatusBadRequest, "limit must be a positive integer")
		}
		f.Limit = limit
	}
	events, err := s.service.ListAudit(c.Request().Context(), f)
	if err != nil {
		return err
	}
	if events == nil {
		events = []models.AuditEvent{}
	}
	return c.JSON(http.StatusOK, events)
}
