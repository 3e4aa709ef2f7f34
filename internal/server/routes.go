package server

import (
	"errors"
	"net/http"
	"strconv"
	"time"

	"github.com/gin-gonic/gin"

	"github.com/danmuck/gcslink/internal/link"
	"github.com/danmuck/gcslink/internal/protocol/engine"
	"github.com/danmuck/gcslink/internal/protocol/session"
)

type sessionView struct {
	ID        string                `json:"id"`
	SystemID  uint8                 `json:"system_id"`
	Variant   string                `json:"variant"`
	CreatedAt time.Time             `json:"created_at"`
	Vehicle   *session.VehicleState `json:"vehicle,omitempty"`
}

type lossView struct {
	SystemID     uint8  `json:"system_id"`
	ComponentID  uint8  `json:"component_id"`
	LastSequence int    `json:"last_sequence"`
	Received     uint64 `json:"received"`
	Lost         uint64 `json:"lost"`
}

type heartbeatRequest struct {
	Enabled *bool    `json:"enabled"`
	RateHz  *float64 `json:"rate_hz"`
}

type loggingRequest struct {
	Enabled *bool `json:"enabled"`
}

func (s *Server) registerRoutes() {
	r := s.router
	r.GET("/health", func(c *gin.Context) {
		c.JSON(http.StatusOK, gin.H{
			"status":  "ok",
			"uptime":  time.Since(s.appeared).String(),
			"service": s.cfg.Name,
			"version": Version,
		})
	})
	r.GET("/ready", s.ready)
	r.GET("/metrics", gin.WrapH(s.metrics.Handler()))

	r.GET("/links", func(c *gin.Context) {
		c.JSON(http.StatusOK, gin.H{"links": s.links.List()})
	})
	r.POST("/links/:id/connect", s.linkAction(s.links.Connect))
	r.POST("/links/:id/disconnect", s.linkAction(s.links.Disconnect))

	r.GET("/sessions", s.sessions)
	r.DELETE("/sessions/:id", s.removeSession)
	r.GET("/loss", s.loss)

	r.GET("/heartbeat", s.heartbeatState)
	r.PUT("/heartbeat", s.putHeartbeat)
	r.GET("/logging", func(c *gin.Context) {
		c.JSON(http.StatusOK, gin.H{"enabled": s.engine.LoggingEnabled()})
	})
	r.PUT("/logging", s.putLogging)
}

func (s *Server) ready(c *gin.Context) {
	st := s.counts()
	status := http.StatusOK
	if st.LinksConnected == 0 {
		status = http.StatusServiceUnavailable
	}
	c.JSON(status, gin.H{
		"ready":           st.LinksConnected > 0,
		"links_connected": st.LinksConnected,
		"sessions":        st.Sessions,
	})
}

func (s *Server) linkAction(fn func(int) error) gin.HandlerFunc {
	return func(c *gin.Context) {
		id, err := strconv.Atoi(c.Param("id"))
		if err != nil {
			c.JSON(http.StatusBadRequest, gin.H{"error": "link id must be an integer"})
			return
		}
		if err := fn(id); err != nil {
			status := http.StatusBadGateway
			if errors.Is(err, link.ErrLinkNotFound) {
				status = http.StatusNotFound
			}
			c.JSON(status, gin.H{"error": err.Error()})
			return
		}
		c.JSON(http.StatusOK, gin.H{"status": "ok", "id": id})
	}
}

func (s *Server) sessions(c *gin.Context) {
	list := s.engine.Sessions()
	out := make([]sessionView, 0, len(list))
	for _, sess := range list {
		v := sessionView{
			ID:        sess.ID.String(),
			SystemID:  sess.SystemID,
			Variant:   sess.Variant.String(),
			CreatedAt: sess.CreatedAt,
		}
		if snap, ok := sess.Handle.(interface{ Snapshot() session.VehicleState }); ok {
			state := snap.Snapshot()
			v.Vehicle = &state
		}
		out = append(out, v)
	}
	c.JSON(http.StatusOK, gin.H{"sessions": out})
}

func (s *Server) removeSession(c *gin.Context) {
	id, err := strconv.ParseUint(c.Param("id"), 10, 8)
	if err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "system id must be an integer in [0, 255]"})
		return
	}
	if err := s.engine.RemoveSession(uint8(id)); err != nil {
		status := http.StatusInternalServerError
		if errors.Is(err, session.ErrNotFound) {
			status = http.StatusNotFound
		}
		c.JSON(status, gin.H{"error": err.Error()})
		return
	}
	c.JSON(http.StatusOK, gin.H{"status": "ok", "system_id": id})
}

func (s *Server) loss(c *gin.Context) {
	stats := s.engine.Loss()
	out := make([]lossView, 0, len(stats))
	for _, st := range stats {
		out = append(out, lossView{
			SystemID:     st.SystemID,
			ComponentID:  st.ComponentID,
			LastSequence: st.LastSequence,
			Received:     st.Received,
			Lost:         st.Lost,
		})
	}
	c.JSON(http.StatusOK, gin.H{"pairs": out})
}

func (s *Server) heartbeatState(c *gin.Context) {
	on, rate := s.engine.HeartbeatState()
	c.JSON(http.StatusOK, gin.H{"enabled": on, "rate_hz": rate})
}

func (s *Server) putHeartbeat(c *gin.Context) {
	var req heartbeatRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}
	if req.RateHz != nil {
		if err := s.engine.SetHeartbeatRate(*req.RateHz); err != nil {
			status := http.StatusInternalServerError
			if errors.Is(err, engine.ErrInvalidRate) {
				status = http.StatusBadRequest
			}
			c.JSON(status, gin.H{"error": err.Error()})
			return
		}
	}
	if req.Enabled != nil {
		s.engine.EnableHeartbeats(*req.Enabled)
	}
	s.heartbeatState(c)
}

func (s *Server) putLogging(c *gin.Context) {
	var req loggingRequest
	if err := c.ShouldBindJSON(&req); err != nil || req.Enabled == nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "body must set enabled"})
		return
	}
	if err := s.engine.EnableLogging(*req.Enabled); err != nil {
		c.JSON(http.StatusServiceUnavailable, gin.H{"error": err.Error()})
		return
	}
	c.JSON(http.StatusOK, gin.H{"enabled": s.engine.LoggingEnabled()})
}
