package link

import (
	"errors"
	"fmt"
	"net"
	"os"
	"strings"
	"sync"
	"time"

	"github.com/rs/zerolog/log"
)

// UDPNominalRate is the rate reported for UDP links, in bits per second.
const UDPNominalRate = 54_000_000

// UDPConfig describes a UDP link.
type UDPConfig struct {
	Name         string
	LocalAddr    string
	Remotes      []string
	PollInterval time.Duration
}

func (c UDPConfig) Validate() error {
	if strings.TrimSpace(c.LocalAddr) == "" {
		return fmt.Errorf("%w: udp local address is required", ErrInvalidConfig)
	}
	return nil
}

// UDP binds a local port, learns every peer that sends to it, and writes
// each outbound datagram to the configured remotes plus the learned peers.
type UDP struct {
	base
	cfg UDPConfig

	mu      sync.Mutex
	conn    *net.UDPConn
	remotes []*net.UDPAddr
	peers   map[string]*net.UDPAddr
}

func NewUDP(cfg UDPConfig) (*UDP, error) {
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	u := &UDP{cfg: cfg, peers: make(map[string]*net.UDPAddr)}
	u.init(cfg.Name, KindUDP, cfg.PollInterval)
	return u, nil
}

func (u *UDP) Connect() error {
	u.mu.Lock()
	defer u.mu.Unlock()
	if u.conn != nil {
		return nil
	}
	laddr, err := net.ResolveUDPAddr("udp", u.cfg.LocalAddr)
	if err != nil {
		return fmt.Errorf("resolve local %q: %w", u.cfg.LocalAddr, err)
	}
	remotes := make([]*net.UDPAddr, 0, len(u.cfg.Remotes))
	for _, r := range u.cfg.Remotes {
		addr, err := net.ResolveUDPAddr("udp", r)
		if err != nil {
			return fmt.Errorf("resolve remote %q: %w", r, err)
		}
		remotes = append(remotes, addr)
	}
	conn, err := net.ListenUDP("udp", laddr)
	if err != nil {
		return fmt.Errorf("listen %q: %w", u.cfg.LocalAddr, err)
	}
	u.conn = conn
	u.remotes = remotes
	u.markConnected()
	log.Info().
		Str("name", u.Name()).
		Str("local", conn.LocalAddr().String()).
		Int("remotes", len(remotes)).
		Msg("link.UDP.Connect bound")
	return nil
}

func (u *UDP) Disconnect() error {
	u.mu.Lock()
	defer u.mu.Unlock()
	u.markDisconnected()
	if u.conn == nil {
		return nil
	}
	err := u.conn.Close()
	u.conn = nil
	return err
}

// LocalAddr returns the bound address, or nil when disconnected.
func (u *UDP) LocalAddr() net.Addr {
	u.mu.Lock()
	defer u.mu.Unlock()
	if u.conn == nil {
		return nil
	}
	return u.conn.LocalAddr()
}

// Peers lists learned peer addresses.
func (u *UDP) Peers() []string {
	u.mu.Lock()
	defer u.mu.Unlock()
	out := make([]string, 0, len(u.peers))
	for k := range u.peers {
		out = append(out, k)
	}
	return out
}

func (u *UDP) Read(p []byte) (int, error) {
	u.mu.Lock()
	conn := u.conn
	u.mu.Unlock()
	if conn == nil {
		return 0, ErrNotConnected
	}
	if err := conn.SetReadDeadline(time.Now().Add(u.pollInterval())); err != nil {
		return 0, err
	}
	n, addr, err := conn.ReadFromUDP(p)
	if err != nil {
		if errors.Is(err, os.ErrDeadlineExceeded) {
			return 0, nil
		}
		return 0, err
	}
	u.learn(addr)
	u.countReceived(n)
	return n, nil
}

func (u *UDP) learn(addr *net.UDPAddr) {
	if addr == nil {
		return
	}
	key := addr.String()
	u.mu.Lock()
	_, known := u.peers[key]
	if !known {
		u.peers[key] = addr
	}
	u.mu.Unlock()
	if !known {
		log.Info().Str("name", u.Name()).Str("peer", key).Msg("link.UDP learned peer")
	}
}

func (u *UDP) Write(p []byte) (int, error) {
	u.mu.Lock()
	conn := u.conn
	targets := make([]*net.UDPAddr, 0, len(u.remotes)+len(u.peers))
	seen := make(map[string]bool, cap(targets))
	for _, a := range u.remotes {
		if !seen[a.String()] {
			seen[a.String()] = true
			targets = append(targets, a)
		}
	}
	for k, a := range u.peers {
		if !seen[k] {
			seen[k] = true
			targets = append(targets, a)
		}
	}
	u.mu.Unlock()
	if conn == nil {
		return 0, ErrNotConnected
	}

	var errs []error
	sent := 0
	for _, a := range targets {
		n, err := conn.WriteToUDP(p, a)
		if err != nil {
			errs = append(errs, fmt.Errorf("%s: %w", a, err))
			continue
		}
		sent = n
		u.countSent(n)
	}
	return sent, errors.Join(errs...)
}

func (u *UDP) Stats() Stats {
	return u.stats(UDPNominalRate, true, -1)
}
