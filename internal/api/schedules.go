package api

import (
	"net/http"
	"strconv"

	"github.com/gin-gonic/gin"

	"github.com/t77yq/agent-scheduler/internal/model"
	"github.com/t77yq/agent-scheduler/internal/service"
	"github.com/t77yq/agent-scheduler/internal/storage"
)

// POST /scheduler
func (s *Server) createSchedule(c *gin.Context) {
	var req service.CreateScheduleRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}

	schedule, err := s.control.CreateSchedule(c.Request.Context(), req)
	if err != nil {
		s.writeError(c, err)
		return
	}
	c.JSON(http.StatusCreated, schedule)
}

// GET /scheduler?status=active&agentId=7
func (s *Server) listSchedules(c *gin.Context) {
	filter := storage.ScheduleFilter{Status: model.ScheduleStatus(c.Query("status"))}
	if v := c.Query("agentId"); v != "" {
		agentID, err := strconv.ParseInt(v, 10, 64)
		if err != nil {
			c.JSON(http.StatusBadRequest, gin.H{"error": "invalid agentId"})
			return
		}
		filter.AgentID = agentID
	}

	schedules, err := s.control.ListSchedules(c.Request.Context(), filter)
	if err != nil {
		s.writeError(c, err)
		return
	}
	if schedules == nil {
		schedules = []*service.ScheduleDetail{}
	}
	c.JSON(http.StatusOK, schedules)
}

// GET /scheduler/:id
func (s *Server) getSchedule(c *gin.Context) {
	id, ok := scheduleID(c)
	if !ok {
		return
	}
	schedule, err := s.control.GetSchedule(c.Request.Context(), id)
	if err != nil {
		s.writeError(c, err)
		return
	}
	c.JSON(http.StatusOK, schedule)
}

// POST /scheduler/:id/pause
func (s *Server) pauseSchedule(c *gin.Context) {
	id, ok := scheduleID(c)
	if !ok {
		return
	}
	schedule, err := s.control.PauseSchedule(c.Request.Context(), id)
	if err != nil {
		s.writeError(c, err)
		return
	}
	c.JSON(http.StatusOK, schedule)
}

// POST /scheduler/:id/resume
func (s *Server) resumeSchedule(c *gin.Context) {
	id, ok := scheduleID(c)
	if !ok {
		return
	}
	schedule, err := s.control.ResumeSchedule(c.Request.Context(), id)
	if err != nil {
		s.writeError(c, err)
		return
	}
	c.JSON(http.StatusOK, schedule)
}

// DELETE /scheduler/:id
func (s *Server) deleteSchedule(c *gin.Context) {
	id, ok := scheduleID(c)
	if !ok {
		return
	}
	if err := s.control.DeleteSchedule(c.Request.Context(), id); err != nil {
		s.writeError(c, err)
		return
	}
	c.Status(http.StatusNoContent)
}

// GET /scheduler/:id/runs
func (s *Server) listRuns(c *gin.Context) {
	id, ok := scheduleID(c)
	if !ok {
		return
	}
	runs, err := s.control.ListRuns(c.Request.Context(), id)
	if err != nil {
		s.writeError(c, err)
		return
	}
	if runs == nil {
		runs = []*model.ScheduleRun{}
	}
	c.JSON(http.StatusOK, runs)
}

// GET /metrics
func (s *Server) getMetrics(c *gin.Context) {
	var stats *model.SchedulerStats
	if s.stats != nil {
		stats = s.stats.Snapshot()
	}
	if stats == nil {
		c.JSON(http.StatusServiceUnavailable, gin.H{"error": "metrics not collected yet"})
		return
	}
	c.JSON(http.StatusOK, stats)
}

func scheduleID(c *gin.Context) (int64, bool) {
	id, err := strconv.ParseInt(c.Param("id"), 10, 64)
	if err != nil || id <= 0 {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid id"})
		return 0, false
	}
	return id, true
}
