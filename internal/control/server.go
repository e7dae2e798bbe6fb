// Package control serves the agent's loopback control surface: scheduler
// status, the queue snapshot and history, component health, operation locks
// and running processes.
package control

import (
	"context"
	"errors"
	"fmt"
	"net"
	"net/http"
	"sort"
	"strconv"
	"time"

	"github.com/gin-gonic/gin"

	"github.com/breeze-rmm/opsagent/internal/audit"
	"github.com/breeze-rmm/opsagent/internal/busy"
	"github.com/breeze-rmm/opsagent/internal/executor"
	"github.com/breeze-rmm/opsagent/internal/health"
	"github.com/breeze-rmm/opsagent/internal/logging"
	"github.com/breeze-rmm/opsagent/internal/queue"
	"github.com/breeze-rmm/opsagent/internal/scheduler"
)

var log = logging.L("control")

type StatusSource interface {
	GetStatus() scheduler.Status
}

type QueueSource interface {
	Snapshot() queue.Snapshot
	History() []queue.Completion
}

type LockTable interface {
	AddOperationLock(opType, reason string, ttl time.Duration) busy.OperationLock
	RemoveOperationLock(opType string) bool
	Locks() []busy.OperationLock
}

type ProcessTable interface {
	ActiveProcesses() []executor.ProcessInfo
	Terminate(pid int) error
}

// Deps are the sources the routes read from. Audit and Health may be nil.
type Deps struct {
	Status    StatusSource
	Queue     QueueSource
	Locks     LockTable
	Processes ProcessTable
	Health    *health.Monitor
	Audit     *audit.Logger
}

// HealthReport is the body of GET /health.
type HealthReport struct {
	Status health.Status  `json:"status"`
	Checks []health.Check `json:"checks"`
}

// LockRequest is the body of POST /locks.
type LockRequest struct {
	OperationType string `json:"operationType" binding:"required"`
	Reason        string `json:"reason"`
	TTLMinutes    int    `json:"ttlMinutes" binding:"gte=0"`
}

type errorResponse struct {
	Error string `json:"error"`
}

type Server struct {
	deps   Deps
	engine *gin.Engine
	srv    *http.Server
}

func New(deps Deps) *Server {
	gin.SetMode(gin.ReleaseMode)
	engine := gin.New()
	engine.Use(gin.Recovery(), requestLogger())

	s := &Server{deps: deps, engine: engine}
	engine.GET("/status", s.getStatus)
	engine.GET("/queue", s.getQueue)
	engine.GET("/history", s.getHistory)
	engine.GET("/health", s.getHealth)
	engine.GET("/health/:component", s.getComponentHealth)
	engine.GET("/locks", s.listLocks)
	engine.POST("/locks", s.addLock)
	engine.DELETE("/locks/:type", s.removeLock)
	engine.GET("/processes", s.listProcesses)
	engine.DELETE("/processes/:pid", s.terminateProcess)
	return s
}

func (s *Server) Handler() http.Handler { return s.engine }

// Start listens on addr and serves in the background. Listen errors are
// returned directly.
func (s *Server) Start(addr string) error {
	ln, err := net.Listen("tcp", addr)
	if err != nil {
		return fmt.Errorf("control listen %s: %w", addr, err)
	}
	s.srv = &http.Server{
		Handler:           s.engine,
		ReadHeaderTimeout: 5 * time.Second,
	}
	go func() {
		if err := s.srv.Serve(ln); err != nil && !errors.Is(err, http.ErrServerClosed) {
			log.Error("control server stopped", "error", err.Error())
		}
	}()
	log.Info("control server listening", "addr", ln.Addr().String())
	return nil
}

func (s *Server) Shutdown(ctx context.Context) error {
	if s.srv == nil {
		return nil
	}
	return s.srv.Shutdown(ctx)
}

func (s *Server) getStatus(c *gin.Context) {
	c.JSON(http.StatusOK, s.deps.Status.GetStatus())
}

func (s *Server) getQueue(c *gin.Context) {
	c.JSON(http.StatusOK, s.deps.Queue.Snapshot())
}

func (s *Server) getHistory(c *gin.Context) {
	c.JSON(http.StatusOK, s.deps.Queue.History())
}

func (s *Server) getHealth(c *gin.Context) {
	if s.deps.Health == nil {
		c.JSON(http.StatusServiceUnavailable, errorResponse{Error: "health monitor not configured"})
		return
	}
	checks := s.deps.Health.All()
	sort.Slice(checks, func(i, j int) bool { return checks[i].Name < checks[j].Name })
	c.JSON(http.StatusOK, HealthReport{Status: s.deps.Health.Overall(), Checks: checks})
}

func (s *Server) getComponentHealth(c *gin.Context) {
	if s.deps.Health == nil {
		c.JSON(http.StatusServiceUnavailable, errorResponse{Error: "health monitor not configured"})
		return
	}
	name := c.Param("component")
	check, ok := s.deps.Health.Get(name)
	if !ok {
		c.JSON(http.StatusNotFound, errorResponse{Error: "no health check for " + name})
		return
	}
	c.JSON(http.StatusOK, check)
}

func (s *Server) listLocks(c *gin.Context) {
	c.JSON(http.StatusOK, s.deps.Locks.Locks())
}

func (s *Server) addLock(c *gin.Context) {
	var req LockRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, errorResponse{Error: err.Error()})
		return
	}
	l := s.deps.Locks.AddOperationLock(req.OperationType, req.Reason, time.Duration(req.TTLMinutes)*time.Minute)
	s.deps.Audit.Log(audit.EventLockAdded, "", map[string]any{
		"operationType": l.OperationType,
		"reason":        l.Reason,
		"expiresAt":     l.ExpiresAt,
	})
	c.JSON(http.StatusCreated, l)
}

func (s *Server) removeLock(c *gin.Context) {
	opType := c.Param("type")
	if !s.deps.Locks.RemoveOperationLock(opType) {
		c.JSON(http.StatusNotFound, errorResponse{Error: "no lock for " + opType})
		return
	}
	s.deps.Audit.Log(audit.EventLockRemoved, "", map[string]any{"operationType": opType})
	c.Status(http.StatusNoContent)
}

func (s *Server) listProcesses(c *gin.Context) {
	c.JSON(http.StatusOK, s.deps.Processes.ActiveProcesses())
}

func (s *Server) terminateProcess(c *gin.Context) {
	pid, err := strconv.Atoi(c.Param("pid"))
	if err != nil || pid <= 0 {
		c.JSON(http.StatusBadRequest, errorResponse{Error: "invalid pid"})
		return
	}
	if err := s.deps.Processes.Terminate(pid); err != nil {
		status := http.StatusInternalServerError
		if errors.Is(err, executor.ErrProcessNotFound) {
			status = http.StatusNotFound
		}
		c.JSON(status, errorResponse{Error: err.Error()})
		return
	}
	s.deps.Audit.Log(audit.EventProcessTerminated, "", map[string]any{"pid": pid})
	c.Status(http.StatusNoContent)
}

func requestLogger() gin.HandlerFunc {
	return func(c *gin.Context) {
		start := time.Now()
		c.Next()
		log.Debug("control request",
			"method", c.Request.Method,
			"path", c.FullPath(),
			"status", c.Writer.Status(),
			"durationMs", time.Since(start).Milliseconds(),
		)
	}
}
