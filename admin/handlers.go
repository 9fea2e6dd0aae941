package admin

import (
	"net/http"
	"time"

	"github.com/gin-gonic/gin"

	"github.com/ceyewan/sagaguard/clog"
	"github.com/ceyewan/sagaguard/idem"
	"github.com/ceyewan/sagaguard/saga"
	"github.com/ceyewan/sagaguard/xerrors"
)

type healthStatus struct {
	Status     string            `json:"status"`
	Connectors map[string]string `json:"connectors,omitempty"`
}

// GET /healthz
func (s *Server) handleHealth(c *gin.Context) {
	ctx := c.Request.Context()
	status := healthStatus{Status: "ok"}
	if len(s.opt.checks) > 0 {
		status.Connectors = make(map[string]string, len(s.opt.checks))
	}
	for _, conn := range s.opt.checks {
		if err := conn.HealthCheck(ctx); err != nil {
			status.Status = "degraded"
			status.Connectors[conn.Name()] = err.Error()
			continue
		}
		status.Connectors[conn.Name()] = "ok"
	}
	if status.Status != "ok" {
		c.AbortWithStatusJSON(http.StatusServiceUnavailable, Response{
			Data:  status,
			Error: &Error{Code: CodeUnhealthy, Message: "one or more connectors are unhealthy"},
		})
		return
	}
	writeSuccess(c, status)
}

type cleanupResult struct {
	Deleted int64 `json:"deleted"`
}

// POST /v1/cleanup
func (s *Server) handleCleanup(c *gin.Context) {
	if s.opt.cleaner == nil {
		writeError(c, http.StatusServiceUnavailable, CodeNotConfigured, "cleanup is not configured")
		return
	}
	ctx := c.Request.Context()
	deleted, err := s.opt.cleaner.RunNow(ctx)
	if err != nil {
		s.logger.ErrorContext(ctx, "manual cleanup failed", clog.Error(err))
		writeError(c, http.StatusInternalServerError, CodeInternal, err.Error())
		return
	}
	writeSuccess(c, cleanupResult{Deleted: deleted})
}

func (s *Server) requireCoordinator(c *gin.Context) {
	if s.opt.coord == nil {
		writeError(c, http.StatusServiceUnavailable, CodeNotConfigured, "idempotency coordinator is not configured")
		return
	}
	c.Next()
}

func (s *Server) requireLedger(c *gin.Context) {
	if s.opt.ledger == nil {
		writeError(c, http.StatusServiceUnavailable, CodeNotConfigured, "compensation ledger is not configured")
		return
	}
	c.Next()
}

type stuckResult struct {
	Timeout string         `json:"timeout"`
	Count   int            `json:"count"`
	Records []*idem.Record `json:"records"`
}

// GET /v1/idempotency/stuck?timeout=30m
func (s *Server) handleStuck(c *gin.Context) {
	timeout := s.cfg.StuckTimeout
	if raw := c.Query("timeout"); raw != "" {
		d, err := time.ParseDuration(raw)
		if err != nil || d <= 0 {
			writeError(c, http.StatusBadRequest, CodeInvalidRequest, "timeout must be a positive duration")
			return
		}
		timeout = d
	}

	ctx := c.Request.Context()
	records, err := s.opt.coord.FindStuck(ctx, timeout, s.opt.now())
	if err != nil {
		s.logger.ErrorContext(ctx, "find stuck failed", clog.Error(err))
		writeError(c, http.StatusInternalServerError, CodeInternal, err.Error())
		return
	}
	if records == nil {
		records = []*idem.Record{}
	}
	writeSuccess(c, stuckResult{Timeout: timeout.String(), Count: len(records), Records: records})
}

// GET /v1/idempotency/records/:key
func (s *Server) handleGetRecord(c *gin.Context) {
	rec, err := s.opt.coord.Get(c.Request.Context(), c.Param("key"))
	switch {
	case xerrors.Is(err, idem.ErrNotFound):
		writeError(c, http.StatusNotFound, CodeNotFound, "idempotency record not found")
	case xerrors.Is(err, idem.ErrKeyEmpty):
		writeError(c, http.StatusBadRequest, CodeInvalidRequest, err.Error())
	case err != nil:
		writeError(c, http.StatusInternalServerError, CodeInternal, err.Error())
	default:
		writeSuccess(c, rec)
	}
}

// GET /v1/compensations/stats
func (s *Server) handleStats(c *gin.Context) {
	stats, err := s.opt.ledger.Statistics(c.Request.Context())
	if err != nil {
		writeError(c, http.StatusInternalServerError, CodeInternal, err.Error())
		return
	}
	writeSuccess(c, stats)
}

// GET /v1/compensations/instances/:id
func (s *Server) handleHistory(c *gin.Context) {
	records, err := s.opt.ledger.History(c.Request.Context(), c.Param("id"))
	s.writeLedgerRecords(c, records, err)
}

// GET /v1/compensations/types/:type
func (s *Server) handleByType(c *gin.Context) {
	records, err := s.opt.ledger.ByType(c.Request.Context(), c.Param("type"))
	s.writeLedgerRecords(c, records, err)
}

func (s *Server) writeLedgerRecords(c *gin.Context, records []*saga.Record, err error) {
	if err != nil {
		if xerrors.Is(err, saga.ErrInvalidArgument) {
			writeError(c, http.StatusBadRequest, CodeInvalidRequest, err.Error())
			return
		}
		writeError(c, http.StatusInternalServerError, CodeInternal, err.Error())
		return
	}
	if records == nil {
		records = []*saga.Record{}
	}
	writeSuccess(c, records)
}

type clearResult struct {
	Deleted int64 `json:"deleted"`
}

// DELETE /v1/compensations/instances/:id
func (s *Server) handleClear(c *gin.Context) {
	ctx := c.Request.Context()
	id := c.Param("id")
	deleted, err := s.opt.ledger.Clear(ctx, id)
	if err != nil {
		if xerrors.Is(err, saga.ErrInvalidArgument) {
			writeError(c, http.StatusBadRequest, CodeInvalidRequest, err.Error())
			return
		}
		writeError(c, http.StatusInternalServerError, CodeInternal, err.Error())
		return
	}
	s.logger.InfoContext(ctx, "compensation records cleared",
		clog.String("workflow_instance_id", id),
		clog.Int64("deleted", deleted))
	writeSuccess(c, clearResult{Deleted: deleted})
}
