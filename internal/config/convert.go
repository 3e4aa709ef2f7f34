package config

import (
	"fmt"
	"strings"

	"github.com/danmuck/gcslink/internal/link"
	"github.com/danmuck/gcslink/internal/protocol/frame"
)

// LinkConfig is one [[links]] table. Fields apply by kind.
type LinkConfig struct {
	Kind string `toml:"kind"`
	Name string `toml:"name"`
	// Connect opens the link at startup. Defaults to true when unset.
	Connect *bool `toml:"connect"`

	// udp
	LocalAddr string   `toml:"local_addr"`
	Remotes   []string `toml:"remotes"`

	// serial
	Port     string `toml:"port"`
	Baud     int    `toml:"baud"`
	DataBits int    `toml:"data_bits"`
	Parity   string `toml:"parity"`
	StopBits int    `toml:"stop_bits"`

	// replay
	Path  string  `toml:"path"`
	Speed float64 `toml:"speed"`
	Loop  bool    `toml:"loop"`
}

func (l LinkConfig) ConnectOnStart() bool {
	return l.Connect == nil || *l.Connect
}

func (l LinkConfig) Validate() error {
	kind, err := link.ParseKind(strings.TrimSpace(l.Kind))
	if err != nil {
		return err
	}
	switch kind {
	case link.KindUDP:
		if strings.TrimSpace(l.LocalAddr) == "" {
			return fmt.Errorf("udp link requires local_addr")
		}
	case link.KindSerial:
		if strings.TrimSpace(l.Port) == "" {
			return fmt.Errorf("serial link requires port")
		}
		if l.Baud < 0 {
			return fmt.Errorf("serial baud must be non-negative")
		}
	case link.KindReplay:
		if strings.TrimSpace(l.Path) == "" {
			return fmt.Errorf("replay link requires path")
		}
	default:
		return fmt.Errorf("link kind %s cannot be configured from a file", kind)
	}
	return nil
}

// Build constructs the link without connecting it.
func (l LinkConfig) Build(seeds frame.SeedSource, poll link.Config) (link.Link, error) {
	if err := l.Validate(); err != nil {
		return nil, err
	}
	kind, _ := link.ParseKind(strings.TrimSpace(l.Kind))
	switch kind {
	case link.KindUDP:
		return link.NewUDP(link.UDPConfig{
			Name:         l.Name,
			LocalAddr:    strings.TrimSpace(l.LocalAddr),
			Remotes:      l.Remotes,
			PollInterval: poll.PollInterval,
		})
	case link.KindSerial:
		sc := link.DefaultSerialConfig()
		sc.Name = l.Name
		sc.Port = strings.TrimSpace(l.Port)
		sc.PollInterval = poll.PollInterval
		if l.Baud > 0 {
			sc.Baud = l.Baud
		}
		if l.DataBits > 0 {
			sc.DataBits = l.DataBits
		}
		if l.Parity != "" {
			sc.Parity = l.Parity
		}
		if l.StopBits > 0 {
			sc.StopBits = l.StopBits
		}
		return link.NewSerial(sc)
	default:
		return link.NewReplay(link.ReplayConfig{
			Name:         l.Name,
			Path:         strings.TrimSpace(l.Path),
			Seeds:        seeds,
			Speed:        l.Speed,
			Loop:         l.Loop,
			PollInterval: poll.PollInterval,
		})
	}
}
