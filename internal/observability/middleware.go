package observability

import (
	"time"

	"github.com/gin-gonic/gin"
	"github.com/rs/zerolog"
)

// StationCounts is the station state stamped on every request line.
type StationCounts struct {
	LinksConnected int
	Sessions       int
}

// RequestLogger logs one line per request with the station state observed
// after the handler ran. Client errors log at warn, server errors at error.
// counts may be nil.
func RequestLogger(logger zerolog.Logger, counts func() StationCounts) gin.HandlerFunc {
	return func(c *gin.Context) {
		start := time.Now()
		c.Next()

		status := c.Writer.Status()
		event := logger.Info()
		switch {
		case status >= 500:
			event = logger.Error()
		case status >= 400:
			event = logger.Warn()
		}

		event = event.
			Str("method", c.Request.Method).
			Str("route", routeOf(c)).
			Int("status", status).
			Dur("duration", time.Since(start)).
			Int("bytes", c.Writer.Size())
		if id := c.Param("id"); id != "" {
			event = event.Str("target", id)
		}
		if counts != nil {
			st := counts()
			event = event.
				Int("links_connected", st.LinksConnected).
				Int("sessions", st.Sessions)
		}
		event.Msg("server.request")
	}
}

// RequestMetricsMiddleware records count and latency per route template.
func RequestMetricsMiddleware(m *Metrics) gin.HandlerFunc {
	return func(c *gin.Context) {
		start := time.Now()
		c.Next()
		m.RecordHTTPRequest(c.Request.Method, routeOf(c), c.Writer.Status(), time.Since(start))
	}
}

// routeOf returns the route template, or the raw path when nothing matched.
func routeOf(c *gin.Context) string {
	if route := c.FullPath(); route != "" {
		return route
	}
	return c.Request.URL.Path
}
