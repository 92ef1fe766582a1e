package api

import (
	"context"
	"fmt"
	"net/http"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	log "github.com/sirupsen/logrus"

	"github.com/aosanya/HiveCortex/internal/bus"
	"github.com/aosanya/HiveCortex/internal/hive"
	"github.com/aosanya/HiveCortex/internal/store"
	"github.com/aosanya/HiveCortex/internal/team"
	"github.com/aosanya/HiveCortex/internal/workflow"
)

// ServerConfig holds the API server configuration
type ServerConfig struct {
	Host         string
	Port         int
	ReadTimeout  time.Duration
	WriteTimeout time.Duration
	Environment  string
}

// Services holds the runtime components the API exposes
type Services struct {
	Bus     *bus.Bus
	Coord   *team.Coordinator
	Queen   *hive.Queen
	Engine  *workflow.Engine
	Store   *store.Store
	Metrics *prometheus.Registry
}

// Server is the operational REST API over the runtime
type Server struct {
	router   *gin.Engine
	server   *http.Server
	config   *ServerConfig
	services *Services
}

// envelope is the standard response wrapper
type envelope struct {
	Success bool        `json:"success"`
	Data    interface{} `json:"data,omitempty"`
	Error   string      `json:"error,omitempty"`
}

func respond(c *gin.Context, status int, data interface{}) {
	c.JSON(status, envelope{Success: status < 400, Data: data})
}

func respondError(c *gin.Context, status int, err error) {
	c.JSON(status, envelope{Success: false, Error: err.Error()})
}

func internalError(c *gin.Context, msg string) {
	c.AbortWithStatusJSON(http.StatusInternalServerError, envelope{Success: false, Error: msg})
}

// NewServer creates the API server
func NewServer(config *ServerConfig, services *Services) *Server {
	if config.Environment == "production" {
		gin.SetMode(gin.ReleaseMode)
	}

	router := gin.New()
	s := &Server{
		router:   router,
		config:   config,
		services: services,
	}

	router.Use(RecoveryMiddleware())
	router.Use(RequestIDMiddleware())
	router.Use(LoggingMiddleware())
	s.setupRoutes()

	s.server = &http.Server{
		Addr:         fmt.Sprintf("%s:%d", config.Host, config.Port),
		Handler:      router,
		ReadTimeout:  config.ReadTimeout,
		WriteTimeout: config.WriteTimeout,
	}
	return s
}

// setupRoutes wires the operational endpoints
func (s *Server) setupRoutes() {
	s.router.GET("/healthz", s.handleHealth)
	s.router.GET("/status", s.handleStatus)
	if s.services.Metrics != nil {
		s.router.GET("/metrics", gin.WrapH(promhttp.HandlerFor(s.services.Metrics, promhttp.HandlerOpts{})))
	}

	v1 := s.router.Group("/api/v1")
	{
		v1.GET("/agents", s.handleListAgents)

		v1.GET("/teams", s.handleListTeams)
		v1.GET("/teams/:id", s.handleGetTeam)
		v1.POST("/teams/:id/optimize", s.handleOptimizeTeam)
		v1.DELETE("/teams/:id", s.handleDisbandTeam)

		v1.GET("/tasks", s.handleListTasks)

		v1.POST("/objectives", s.handleSubmitObjective)
		v1.GET("/objectives/:id", s.handleObjectiveStatus)
		v1.DELETE("/objectives/:id", s.handleCancelObjective)

		v1.GET("/workflows", s.handleListWorkflows)
		v1.POST("/workflows", s.handleSaveWorkflow)
		v1.POST("/workflows/:id/start", s.handleStartWorkflow)
		v1.GET("/workflows/instances/:id", s.handleGetInstance)
		v1.POST("/workflows/instances/:id/pause", s.handlePauseInstance)
		v1.POST("/workflows/instances/:id/resume", s.handleResumeInstance)
		v1.POST("/workflows/instances/:id/cancel", s.handleCancelInstance)
		v1.POST("/workflows/instances/:id/human-tasks/:taskId/complete", s.handleCompleteHumanTask)
	}
}

func (s *Server) handleHealth(c *gin.Context) {
	respond(c, http.StatusOK, gin.H{"status": "ok"})
}

func (s *Server) handleStatus(c *gin.Context) {
	respond(c, http.StatusOK, gin.H{
		"scheduler": s.services.Queen.GetStatus(),
		"bus":       s.services.Bus.Metrics(),
	})
}

func (s *Server) handleListAgents(c *gin.Context) {
	respond(c, http.StatusOK, s.services.Queen.GetAgents())
}

func (s *Server) handleListTeams(c *gin.Context) {
	respond(c, http.StatusOK, s.services.Coord.ListTeams())
}

func (s *Server) handleGetTeam(c *gin.Context) {
	t, err := s.services.Coord.GetTeam(c.Param("id"))
	if err != nil {
		respondError(c, http.StatusNotFound, err)
		return
	}
	respond(c, http.StatusOK, t)
}

func (s *Server) handleOptimizeTeam(c *gin.Context) {
	if err := s.services.Coord.OptimizeTeamFormation(c.Request.Context(), c.Param("id")); err != nil {
		respondError(c, http.StatusNotFound, err)
		return
	}
	t, err := s.services.Coord.GetTeam(c.Param("id"))
	if err != nil {
		respondError(c, http.StatusNotFound, err)
		return
	}
	respond(c, http.StatusOK, t)
}

func (s *Server) handleDisbandTeam(c *gin.Context) {
	if err := s.services.Coord.DisbandTeam(c.Request.Context(), c.Param("id")); err != nil {
		respondError(c, http.StatusNotFound, err)
		return
	}
	respond(c, http.StatusOK, gin.H{"disbanded": c.Param("id")})
}

func (s *Server) handleListTasks(c *gin.Context) {
	filter := team.TaskFilter{
		GoalID: c.Query("goal_id"),
		TeamID: c.Query("team_id"),
	}
	tasks, err := s.services.Coord.Tasks(c.Request.Context(), filter)
	if err != nil {
		respondError(c, http.StatusInternalServerError, err)
		return
	}
	respond(c, http.StatusOK, tasks)
}

func (s *Server) handleSubmitObjective(c *gin.Context) {
	var obj hive.Objective
	if err := c.ShouldBindJSON(&obj); err != nil {
		respondError(c, http.StatusBadRequest, err)
		return
	}
	id, err := s.services.Queen.SubmitObjective(c.Request.Context(), &obj)
	if err != nil {
		respondError(c, http.StatusUnprocessableEntity, err)
		return
	}
	respond(c, http.StatusAccepted, gin.H{"objective_id": id})
}

func (s *Server) handleObjectiveStatus(c *gin.Context) {
	status, err := s.services.Queen.ObjectiveStatusOf(c.Param("id"))
	if err != nil {
		respondError(c, http.StatusNotFound, err)
		return
	}
	tasks, _ := s.services.Queen.GetTasks(c.Request.Context(), c.Param("id"))
	respond(c, http.StatusOK, gin.H{"status": status, "tasks": tasks})
}

func (s *Server) handleCancelObjective(c *gin.Context) {
	if err := s.services.Queen.CancelObjective(c.Request.Context(), c.Param("id")); err != nil {
		respondError(c, http.StatusNotFound, err)
		return
	}
	respond(c, http.StatusOK, gin.H{"cancelled": c.Param("id")})
}

func (s *Server) handleListWorkflows(c *gin.Context) {
	defns, err := s.services.Store.ListWorkflows(c.Request.Context())
	if err != nil {
		respondError(c, http.StatusInternalServerError, err)
		return
	}
	respond(c, http.StatusOK, defns)
}

func (s *Server) handleSaveWorkflow(c *gin.Context) {
	raw, err := c.GetRawData()
	if err != nil {
		respondError(c, http.StatusBadRequest, err)
		return
	}
	defn, err := workflow.ParseDefinition(raw)
	if err != nil {
		respondError(c, http.StatusBadRequest, err)
		return
	}
	if err := s.services.Engine.SaveDefinition(c.Request.Context(), defn); err != nil {
		respondError(c, http.StatusBadRequest, err)
		return
	}
	respond(c, http.StatusCreated, gin.H{"workflow_id": defn.ID})
}

func (s *Server) handleStartWorkflow(c *gin.Context) {
	var body struct {
		Inputs map[string]interface{} `json:"inputs"`
	}
	// An empty body starts the workflow with no inputs.
	_ = c.ShouldBindJSON(&body)
	id, err := s.services.Engine.StartWorkflowByID(c.Request.Context(), c.Param("id"), body.Inputs, "")
	if err != nil {
		respondError(c, http.StatusUnprocessableEntity, err)
		return
	}
	respond(c, http.StatusAccepted, gin.H{"instance_id": id})
}

func (s *Server) handleGetInstance(c *gin.Context) {
	inst, err := s.services.Engine.GetWorkflowStatus(c.Request.Context(), c.Param("id"))
	if err != nil {
		respondError(c, http.StatusNotFound, err)
		return
	}
	respond(c, http.StatusOK, inst)
}

func (s *Server) handlePauseInstance(c *gin.Context) {
	if err := s.services.Engine.PauseWorkflow(c.Request.Context(), c.Param("id")); err != nil {
		respondError(c, http.StatusConflict, err)
		return
	}
	respond(c, http.StatusOK, gin.H{"paused": c.Param("id")})
}

func (s *Server) handleResumeInstance(c *gin.Context) {
	if err := s.services.Engine.ResumeWorkflow(c.Request.Context(), c.Param("id")); err != nil {
		respondError(c, http.StatusConflict, err)
		return
	}
	respond(c, http.StatusOK, gin.H{"resumed": c.Param("id")})
}

func (s *Server) handleCancelInstance(c *gin.Context) {
	var body struct {
		Reason string `json:"reason"`
	}
	_ = c.ShouldBindJSON(&body)
	if err := s.services.Engine.CancelWorkflow(c.Request.Context(), c.Param("id"), body.Reason); err != nil {
		respondError(c, http.StatusConflict, err)
		return
	}
	respond(c, http.StatusOK, gin.H{"cancelled": c.Param("id")})
}

func (s *Server) handleCompleteHumanTask(c *gin.Context) {
	var response map[string]interface{}
	if err := c.ShouldBindJSON(&response); err != nil {
		respondError(c, http.StatusBadRequest, err)
		return
	}
	err := s.services.Engine.CompleteHumanTask(c.Request.Context(), c.Param("id"), c.Param("taskId"), response)
	if err != nil {
		respondError(c, http.StatusConflict, err)
		return
	}
	respond(c, http.StatusOK, gin.H{"completed": c.Param("taskId")})
}

// Start starts the HTTP server; it blocks until the listener stops
func (s *Server) Start() error {
	log.WithField("addr", s.server.Addr).Info("Starting API server")
	if err := s.server.ListenAndServe(); err != nil && err != http.ErrServerClosed {
		return err
	}
	return nil
}

// Shutdown gracefully stops the HTTP server
func (s *Server) Shutdown(ctx context.Context) error {
	return s.server.Shutdown(ctx)
}
