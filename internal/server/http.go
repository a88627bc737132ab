package server

import (
	"context"
	"errors"
	"log/slog"
	"net/http"
	"time"

	"github.com/gin-contrib/cors"
	"github.com/gin-gonic/gin"
	"github.com/google/uuid"

	"github.com/coursecal/syllabus-ingest/constants"
	"github.com/coursecal/syllabus-ingest/internal/common"
	"github.com/coursecal/syllabus-ingest/internal/deadletter"
	"github.com/coursecal/syllabus-ingest/internal/orchestrator"
	"github.com/coursecal/syllabus-ingest/internal/repository"
)

// Server is the HTTP surface of the ingestion pipeline. Authentication is
// upstream; the owner arrives as a trusted header.
type Server struct {
	orch   *orchestrator.Orchestrator
	dlq    *deadletter.Store
	dlRepo *repository.DeadLetterStore
	store  *repository.Store
	log    *slog.Logger
	engine *gin.Engine
}

func New(orch *orchestrator.Orchestrator, dlq *deadletter.Store, dlRepo *repository.DeadLetterStore, store *repository.Store, logger *slog.Logger) *Server {
	if logger == nil {
		logger = slog.Default()
	}
	s := &Server{orch: orch, dlq: dlq, dlRepo: dlRepo, store: store, log: logger}

	gin.SetMode(gin.ReleaseMode)
	r := gin.New()
	r.Use(gin.Recovery())
	r.Use(cors.New(cors.Config{
		AllowOrigins:     []string{"*"},
		AllowMethods:     []string{"GET", "POST", "DELETE", "OPTIONS"},
		AllowHeaders:     []string{"Content-Type", "X-Owner-ID", "X-Request-ID"},
		MaxAge:           12 * time.Hour,
		AllowCredentials: false,
	}))
	r.Use(s.requestLog())

	r.GET("/healthz", s.health)

	v1 := r.Group("/v1", s.requireOwner())
	{
		v1.POST("/jobs", s.submitJob)
		v1.GET("/jobs/:id", s.getJob)
		v1.DELETE("/jobs/:id", s.cancelJob)
		v1.POST("/jobs/:id/decision", s.resolveDecision)
		v1.GET("/dead-letters", s.listDeadLetters)
		v1.POST("/dead-letters/:id/retry", s.retryDeadLetter)
	}

	s.engine = r
	return s
}

func (s *Server) Handler() http.Handler { return s.engine }

func (s *Server) requestLog() gin.HandlerFunc {
	return func(c *gin.Context) {
		rid := c.GetHeader("X-Request-ID")
		if rid == "" {
			rid = uuid.New().String()
		}
		c.Request = c.Request.WithContext(common.WithRequestID(c.Request.Context(), rid))
		c.Header("X-Request-ID", rid)

		start := time.Now()
		c.Next()
		s.log.Info("http.request",
			"req_id", rid,
			"method", c.Request.Method,
			"path", c.FullPath(),
			"status", c.Writer.Status(),
			"elapsed_ms", time.Since(start).Milliseconds(),
		)
	}
}

// requireOwner parses the authenticated-user header set by the gateway.
func (s *Server) requireOwner() gin.HandlerFunc {
	return func(c *gin.Context) {
		owner, err := uuid.Parse(c.GetHeader("X-Owner-ID"))
		if err != nil {
			c.AbortWithStatusJSON(http.StatusUnauthorized, gin.H{
				"error": "missing or malformed X-Owner-ID header",
			})
			return
		}
		c.Request = c.Request.WithContext(common.WithOwnerID(c.Request.Context(), owner))
		c.Next()
	}
}

func (s *Server) health(c *gin.Context) {
	ctx, cancel := context.WithTimeout(c.Request.Context(), 2*time.Second)
	defer cancel()
	if err := s.store.HealthCheck(ctx, 0); err != nil {
		c.JSON(http.StatusServiceUnavailable, gin.H{"status": "degraded", "error": "database unreachable"})
		return
	}
	c.JSON(http.StatusOK, gin.H{"status": "ok"})
}

func (s *Server) submitJob(c *gin.Context) {
	owner := mustOwner(c)
	file, err := c.FormFile("file")
	if err != nil {
		s.writeError(c, common.Rejection("NO_FILE", "multipart field \"file\" is required"))
		return
	}
	f, err := file.Open()
	if err != nil {
		s.writeError(c, err)
		return
	}
	defer f.Close()

	declared := file.Header.Get("Content-Type")
	job, err := s.orch.Submit(c.Request.Context(), owner, file.Filename, declared, f)
	if err != nil {
		s.writeError(c, err)
		return
	}
	c.JSON(http.StatusAccepted, job)
}

func (s *Server) getJob(c *gin.Context) {
	owner := mustOwner(c)
	id, err := uuid.Parse(c.Param("id"))
	if err != nil {
		s.writeError(c, common.ErrNotFound)
		return
	}
	job, err := s.orch.GetStatus(c.Request.Context(), owner, id)
	if err != nil {
		s.writeError(c, err)
		return
	}
	c.JSON(http.StatusOK, job)
}

func (s *Server) cancelJob(c *gin.Context) {
	owner := mustOwner(c)
	id, err := uuid.Parse(c.Param("id"))
	if err != nil {
		s.writeError(c, common.ErrNotFound)
		return
	}
	if err := s.orch.Cancel(c.Request.Context(), owner, id); err != nil {
		s.writeError(c, err)
		return
	}
	c.JSON(http.StatusAccepted, gin.H{"status": "cancellation requested"})
}

func (s *Server) resolveDecision(c *gin.Context) {
	owner := mustOwner(c)
	id, err := uuid.Parse(c.Param("id"))
	if err != nil {
		s.writeError(c, common.ErrNotFound)
		return
	}
	var body struct {
		Decision constants.Decision `json:"decision"`
	}
	if err := c.ShouldBindJSON(&body); err != nil {
		s.writeError(c, common.Rejection("BAD_BODY", "request body must be JSON with a decision field"))
		return
	}
	if err := s.orch.ResolveDecision(c.Request.Context(), owner, id, body.Decision); err != nil {
		s.writeError(c, err)
		return
	}
	c.JSON(http.StatusAccepted, gin.H{"status": "decision accepted"})
}

func (s *Server) listDeadLetters(c *gin.Context) {
	owner := mustOwner(c)
	entries, err := s.dlRepo.ListByOwner(c.Request.Context(), owner)
	if err != nil {
		s.writeError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"entries": entries})
}

func (s *Server) retryDeadLetter(c *gin.Context) {
	owner := mustOwner(c)
	id, err := uuid.Parse(c.Param("id"))
	if err != nil {
		s.writeError(c, common.ErrNotFound)
		return
	}
	job, err := s.orch.RetryDeadLetter(c.Request.Context(), owner, id)
	if err != nil {
		s.writeError(c, err)
		return
	}
	c.JSON(http.StatusAccepted, job)
}

// writeError maps the error taxonomy onto HTTP statuses without leaking
// internal detail.
func (s *Server) writeError(c *gin.Context, err error) {
	status := http.StatusInternalServerError
	message := common.Reason(err)
	code := common.ErrorCode(err)
	switch {
	case errors.Is(err, common.ErrNotFound):
		status, code, message = http.StatusNotFound, "NOT_FOUND", common.ErrNotFound.Error()
	case errors.Is(err, common.ErrQuotaExceeded):
		status, code, message = http.StatusTooManyRequests, "QUOTA_EXCEEDED", common.ErrQuotaExceeded.Error()
	case errors.Is(err, common.ErrRateLimited):
		status, code, message = http.StatusTooManyRequests, "RATE_LIMITED", common.ErrRateLimited.Error()
	case errors.Is(err, common.ErrUnauthorized):
		status, code, message = http.StatusUnauthorized, "UNAUTHORIZED", common.ErrUnauthorized.Error()
	case errors.Is(err, common.ErrStaleState):
		status, code, message = http.StatusConflict, "STALE_STATE", common.ErrStaleState.Error()
	default:
		switch common.Classify(err) {
		case common.ClassRejection:
			status = http.StatusBadRequest
		case common.ClassValidation:
			status = http.StatusUnprocessableEntity
		case common.ClassTransient:
			status = http.StatusServiceUnavailable
		}
	}

	if status >= 500 {
		s.log.Error("http.error",
			"req_id", common.RequestIDFromContext(c.Request.Context()),
			"status", status, "error", err)
	}
	c.JSON(status, gin.H{
		"code":  code,
		"error": message,
	})
}

func mustOwner(c *gin.Context) uuid.UUID {
	owner, _ := common.OwnerIDFromContext(c.Request.Context())
	return owner
}
