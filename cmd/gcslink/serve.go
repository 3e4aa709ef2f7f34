package main

import (
	"context"
	"errors"
	"fmt"
	"os/signal"
	"sync"
	"syscall"

	"github.com/rs/zerolog/log"
	"github.com/spf13/cobra"

	"github.com/danmuck/gcslink/internal/config"
	"github.com/danmuck/gcslink/internal/events"
	"github.com/danmuck/gcslink/internal/link"
	"github.com/danmuck/gcslink/internal/observability"
	"github.com/danmuck/gcslink/internal/protocol/engine"
	"github.com/danmuck/gcslink/internal/server"
)

func newServeCmd() *cobra.Command {
	var configPath string
	cmd := &cobra.Command{
		Use:   "serve",
		Short: "Run the engine with the configured links",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg := config.DefaultConfig()
			if configPath != "" {
				loaded, err := config.Load(configPath)
				if err != nil {
					return err
				}
				cfg = loaded
				log.Info().Str("path", configPath).Msg("gcslink.serve loaded config")
			}
			ctx, stop := signal.NotifyContext(cmd.Context(), syscall.SIGINT, syscall.SIGTERM)
			defer stop()
			return serve(ctx, cfg)
		},
	}
	cmd.Flags().StringVarP(&configPath, "config", "c", "", "path to gcslink TOML config")
	return cmd
}

// station is the wired runtime for one serve invocation.
type station struct {
	metrics *observability.Metrics
	bus     *events.Bus
	links   *link.Registry
	engine  *engine.Engine
}

func newStation(cfg config.Config, metrics *observability.Metrics) (*station, error) {
	bus := events.NewBus()
	reg := link.NewRegistry(cfg.Registry, bus, metrics)
	eng, err := engine.New(cfg.Engine,
		engine.WithTransmitter(reg),
		engine.WithBus(bus),
		engine.WithMetrics(metrics),
	)
	if err != nil {
		return nil, err
	}
	if err := reg.Bind(eng); err != nil {
		_ = eng.Close()
		return nil, err
	}
	st := &station{metrics: metrics, bus: bus, links: reg, engine: eng}
	if err := st.subscribeLogs(); err != nil {
		_ = st.close()
		return nil, err
	}

	for i, lc := range cfg.Links {
		l, err := lc.Build(eng.Dialect(), cfg.Registry)
		if err != nil {
			_ = st.close()
			return nil, fmt.Errorf("links[%d]: %w", i, err)
		}
		id, err := reg.Register(l)
		if err != nil {
			_ = st.close()
			return nil, fmt.Errorf("links[%d]: %w", i, err)
		}
		if !lc.ConnectOnStart() {
			continue
		}
		if err := reg.Connect(id); err != nil {
			log.Warn().Int("link_id", id).Str("name", l.Name()).Err(err).Msg("gcslink.serve connect failed")
		}
	}
	return st, nil
}

// subscribeLogs reports session and link lifecycle at info level.
func (s *station) subscribeLogs() error {
	return s.bus.Subscribe("gcslink.serve", func(ev events.Event) {
		switch ev.Kind {
		case events.KindNewSession:
			log.Info().Uint8("system_id", ev.SystemID).Int("link_id", ev.LinkID).Msg("gcslink.serve session opened")
		case events.KindLossRatioChanged:
			if ev.Ratio > 0 {
				log.Info().Uint8("system_id", ev.SystemID).Float64("loss_pct", ev.Ratio).Msg("gcslink.serve loss")
			}
		case events.KindLinkStateChanged:
			log.Info().Int("link_id", ev.LinkID).Bool("connected", ev.Enabled).Msg("gcslink.serve link state")
		}
	})
}

func (s *station) close() error {
	return errors.Join(s.links.Close(), s.engine.Close())
}

func serve(ctx context.Context, cfg config.Config) error {
	metrics, err := observability.NewMetrics(nil)
	if err != nil {
		return err
	}
	st, err := newStation(cfg, metrics)
	if err != nil {
		return err
	}
	ctx, cancel := context.WithCancel(ctx)
	defer cancel()

	var wg sync.WaitGroup
	errCh := make(chan error, 2)
	if cfg.Supervisor.Enabled {
		sup := link.NewSupervisor(st.links, cfg.Supervisor.SupervisorConfig)
		wg.Add(1)
		go func() {
			defer wg.Done()
			if err := sup.Run(ctx); err != nil && !errors.Is(err, context.Canceled) {
				errCh <- err
			}
		}()
	}
	if cfg.HTTP.Enabled {
		srv := server.New(server.Config{Addr: cfg.HTTP.Addr, CORSOrigins: cfg.HTTP.CORSOrigins}, st.engine, st.links, metrics)
		wg.Add(1)
		go func() {
			defer wg.Done()
			if err := srv.Run(ctx); err != nil {
				errCh <- fmt.Errorf("status api: %w", err)
			}
		}()
	}

	log.Info().Int("links", st.links.Len()).Msg("gcslink.serve running")
	var runErr error
	select {
	case <-ctx.Done():
	case runErr = <-errCh:
	}
	cancel()
	wg.Wait()
	if err := st.close(); err != nil {
		log.Warn().Err(err).Msg("gcslink.serve shutdown")
	}
	log.Info().Msg("gcslink.serve stopped")
	return runErr
}
