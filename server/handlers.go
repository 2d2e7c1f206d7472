package server

import (
	"net/http"
	"strconv"
	"time"

	"github.com/gin-gonic/gin"

	"github.com/teranos/herald/post"
	"github.com/teranos/herald/pulse/schedule"
)

const defaultListLimit = 100

type scheduleBody struct {
	ContentRef    string            `json:"content_ref"`
	Platform      string            `json:"platform" binding:"required"`
	ScheduledTime time.Time         `json:"scheduled_time" binding:"required"`
	Content       string            `json:"content"`
	Metadata      map[string]string `json:"metadata"`
}

type rescheduleBody struct {
	ScheduledTime *time.Time        `json:"scheduled_time"`
	Content       *string           `json:"content"`
	Metadata      map[string]string `json:"metadata"`
}

type requeueBody struct {
	At *time.Time `json:"at"`
}

type postDetail struct {
	*post.ScheduledPost
	Attempts []*post.Attempt `json:"attempts"`
}

func (s *Server) handleHealth(c *gin.Context) {
	rep := s.deps.Health.HealthCheck(c.Request.Context())
	status := http.StatusOK
	if !rep.Healthy {
		status = http.StatusServiceUnavailable
	}
	c.JSON(status, rep)
}

func (s *Server) handleStats(c *gin.Context) {
	c.JSON(http.StatusOK, s.deps.Health.Stats())
}

func (s *Server) handleQueue(c *gin.Context) {
	stats, err := s.deps.Admin.GetQueueStats(c.Request.Context())
	if err != nil {
		s.writeError(c, err)
		return
	}
	c.JSON(http.StatusOK, stats)
}

func (s *Server) handleEvents(c *gin.Context) {
	s.hub.ServeWS(c.Writer, c.Request)
}

func (s *Server) handleListPosts(c *gin.Context) {
	f := post.Filter{Limit: defaultListLimit}

	if v := c.Query("status"); v != "" {
		if !post.IsValidStatus(v) {
			badRequest(c, "unknown status %q", v)
			return
		}
		f.Status = post.Status(v)
	}
	if v := c.Query("platform"); v != "" {
		p, err := post.ParsePlatform(v)
		if err != nil {
			s.writeError(c, err)
			return
		}
		f.Platform = p
	}
	if v := c.Query("limit"); v != "" {
		n, err := strconv.Atoi(v)
		if err != nil || n <= 0 {
			badRequest(c, "limit must be a positive integer, got %q", v)
			return
		}
		f.Limit = n
	}

	posts, err := s.deps.Service.List(c.Request.Context(), f)
	if err != nil {
		s.writeError(c, err)
		return
	}
	if posts == nil {
		posts = []*post.ScheduledPost{}
	}
	c.JSON(http.StatusOK, gin.H{"posts": posts, "count": len(posts)})
}

func (s *Server) handleGetPost(c *gin.Context) {
	ctx := c.Request.Context()
	p, err := s.deps.Service.Get(ctx, c.Param("id"))
	if err != nil {
		s.writeError(c, err)
		return
	}
	attempts, err := s.deps.Service.Attempts(ctx, p.ID)
	if err != nil {
		s.writeError(c, err)
		return
	}
	if attempts == nil {
		attempts = []*post.Attempt{}
	}
	c.JSON(http.StatusOK, postDetail{ScheduledPost: p, Attempts: attempts})
}

func (s *Server) handleSchedule(c *gin.Context) {
	var body scheduleBody
	if err := c.ShouldBindJSON(&body); err != nil {
		badRequest(c, "invalid request body: %v", err)
		return
	}
	platform, err := post.ParsePlatform(body.Platform)
	if err != nil {
		s.writeError(c, err)
		return
	}

	p, err := s.deps.Service.Schedule(c.Request.Context(), schedule.ScheduleRequest{
		ContentRef:    body.ContentRef,
		Platform:      platform,
		ScheduledTime: body.ScheduledTime,
		Metadata:      body.Metadata,
		Content:       body.Content,
	})
	if err != nil {
		s.writeError(c, err)
		return
	}
	c.JSON(http.StatusCreated, p)
}

func (s *Server) handleReschedule(c *gin.Context) {
	var body rescheduleBody
	if err := c.ShouldBindJSON(&body); err != nil {
		badRequest(c, "invalid request body: %v", err)
		return
	}

	p, err := s.deps.Service.Reschedule(c.Request.Context(), c.Param("id"), schedule.RescheduleRequest{
		NewTime:     body.ScheduledTime,
		NewContent:  body.Content,
		NewMetadata: body.Metadata,
	})
	if err != nil {
		s.writeError(c, err)
		return
	}
	c.JSON(http.StatusOK, p)
}

func (s *Server) handleCancel(c *gin.Context) {
	ctx := c.Request.Context()
	id := c.Param("id")
	if err := s.deps.Service.Cancel(ctx, id); err != nil {
		s.writeError(c, err)
		return
	}
	p, err := s.deps.Service.Get(ctx, id)
	if err != nil {
		s.writeError(c, err)
		return
	}
	c.JSON(http.StatusOK, p)
}

func (s *Server) handleRequeue(c *gin.Context) {
	var body requeueBody
	// empty body means "now"
	if c.Request.ContentLength > 0 {
		if err := c.ShouldBindJSON(&body); err != nil {
			badRequest(c, "invalid request body: %v", err)
			return
		}
	}

	p, err := s.deps.Admin.Requeue(c.Request.Context(), c.Param("id"), body.At)
	if err != nil {
		s.writeError(c, err)
		return
	}
	c.JSON(http.StatusOK, p)
}

func (s *Server) handleDelete(c *gin.Context) {
	if err := s.deps.Admin.Delete(c.Request.Context(), c.Param("id")); err != nil {
		s.writeError(c, err)
		return
	}
	c.Status(http.StatusNoContent)
}

func (s *Server) handlePause(c *gin.Context) {
	if err := s.deps.Control.Pause(c.Request.Context()); err != nil {
		s.writeError(c, err)
		return
	}
	s.logger.Infow("Dispatch paused via API")
	c.JSON(http.StatusOK, gin.H{"paused": true})
}

func (s *Server) handleResume(c *gin.Context) {
	if err := s.deps.Control.Resume(c.Request.Context()); err != nil {
		s.writeError(c, err)
		return
	}
	s.logger.Infow("Dispatch resumed via API")
	c.JSON(http.StatusOK, gin.H{"paused": false})
}
