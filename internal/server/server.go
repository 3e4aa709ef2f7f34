// Package server exposes the station status API over HTTP.
package server

import (
	"context"
	"errors"
	"net/http"
	"time"

	"github.com/gin-contrib/cors"
	"github.com/gin-gonic/gin"
	"github.com/rs/zerolog/log"

	"github.com/danmuck/gcslink/internal/link"
	"github.com/danmuck/gcslink/internal/observability"
	"github.com/danmuck/gcslink/internal/protocol/sequence"
	"github.com/danmuck/gcslink/internal/protocol/session"
)

const Version = "0.1.0"

// Engine is the slice of the protocol engine the API reads and toggles.
type Engine interface {
	Sessions() []*session.Session
	RemoveSession(sys uint8) error
	Loss() []sequence.PairStats
	HeartbeatState() (bool, float64)
	EnableHeartbeats(on bool)
	SetHeartbeatRate(hz float64) error
	LoggingEnabled() bool
	EnableLogging(on bool) error
}

// Links is the slice of the link registry the API reads and toggles.
type Links interface {
	List() []link.Info
	Connect(id int) error
	Disconnect(id int) error
}

type Config struct {
	Name        string
	Addr        string
	CORSOrigins []string
}

type Server struct {
	cfg      Config
	engine   Engine
	links    Links
	metrics  *observability.Metrics
	router   *gin.Engine
	appeared time.Time
}

func New(cfg Config, eng Engine, links Links, metrics *observability.Metrics) *Server {
	if cfg.Name == "" {
		cfg.Name = "gcslink"
	}
	gin.SetMode(gin.ReleaseMode)
	r := gin.New()
	s := &Server{
		cfg:      cfg,
		engine:   eng,
		links:    links,
		metrics:  metrics,
		router:   r,
		appeared: time.Now(),
	}
	r.Use(gin.Recovery())
	r.Use(observability.RequestLogger(observability.ComponentLogger("server"), s.counts))
	r.Use(observability.RequestMetricsMiddleware(metrics))
	r.Use(cors.New(cors.Config{
		AllowOrigins: normalizeOrigins(cfg.CORSOrigins),
		AllowMethods: []string{"GET", "POST", "PUT", "DELETE"},
		AllowHeaders: []string{"Origin", "Content-Type"},
		MaxAge:       12 * time.Hour,
	}))
	_ = r.SetTrustedProxies([]string{"127.0.0.1", "::1"})
	s.registerRoutes()
	return s
}

func (s *Server) Handler() http.Handler { return s.router }

func (s *Server) counts() observability.StationCounts {
	st := observability.StationCounts{Sessions: len(s.engine.Sessions())}
	for _, info := range s.links.List() {
		if info.Connected {
			st.LinksConnected++
		}
	}
	return st
}

// Run serves until ctx is done, then shuts down gracefully.
func (s *Server) Run(ctx context.Context) error {
	srv := &http.Server{
		Addr:              s.cfg.Addr,
		Handler:           s.router,
		ReadHeaderTimeout: 5 * time.Second,
	}
	errCh := make(chan error, 1)
	go func() {
		log.Info().Str("addr", s.cfg.Addr).Msg("server.Server.Run listening")
		errCh <- srv.ListenAndServe()
	}()

	select {
	case err := <-errCh:
		if errors.Is(err, http.ErrServerClosed) {
			return nil
		}
		return err
	case <-ctx.Done():
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		if err := srv.Shutdown(shutdownCtx); err != nil {
			return err
		}
		log.Info().Msg("server.Server.Run stopped")
		return nil
	}
}

func normalizeOrigins(origins []string) []string {
	if len(origins) == 0 {
		return []string{"http://localhost:3000"}
	}
	return origins
}
