package link

import (
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/rs/zerolog/log"
	"go.bug.st/serial"
)

// SerialConfig describes a serial port link.
type SerialConfig struct {
	Name         string
	Port         string
	Baud         int
	DataBits     int
	Parity       string
	StopBits     int
	PollInterval time.Duration
}

func DefaultSerialConfig() SerialConfig {
	return SerialConfig{
		Baud:     57600,
		DataBits: 8,
		Parity:   "none",
		StopBits: 1,
	}
}

func (c SerialConfig) Validate() error {
	if strings.TrimSpace(c.Port) == "" {
		return fmt.Errorf("%w: serial port is required", ErrInvalidConfig)
	}
	if c.Baud <= 0 {
		return fmt.Errorf("%w: baud must be positive", ErrInvalidConfig)
	}
	if c.DataBits < 5 || c.DataBits > 8 {
		return fmt.Errorf("%w: data bits %d outside 5..8", ErrInvalidConfig, c.DataBits)
	}
	if _, err := c.mode(); err != nil {
		return err
	}
	return nil
}

func (c SerialConfig) mode() (*serial.Mode, error) {
	m := &serial.Mode{BaudRate: c.Baud, DataBits: c.DataBits}
	switch strings.ToLower(strings.TrimSpace(c.Parity)) {
	case "", "none":
		m.Parity = serial.NoParity
	case "odd":
		m.Parity = serial.OddParity
	case "even":
		m.Parity = serial.EvenParity
	case "mark":
		m.Parity = serial.MarkParity
	case "space":
		m.Parity = serial.SpaceParity
	default:
		return nil, fmt.Errorf("%w: parity %q", ErrInvalidConfig, c.Parity)
	}
	switch c.StopBits {
	case 0, 1:
		m.StopBits = serial.OneStopBit
	case 2:
		m.StopBits = serial.TwoStopBits
	default:
		return nil, fmt.Errorf("%w: stop bits %d", ErrInvalidConfig, c.StopBits)
	}
	return m, nil
}

// Serial is a link over a local serial port.
type Serial struct {
	base
	cfg SerialConfig

	mu   sync.Mutex
	port serial.Port
}

func NewSerial(cfg SerialConfig) (*Serial, error) {
	def := DefaultSerialConfig()
	if cfg.DataBits == 0 {
		cfg.DataBits = def.DataBits
	}
	if cfg.Baud == 0 {
		cfg.Baud = def.Baud
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	s := &Serial{cfg: cfg}
	name := cfg.Name
	if strings.TrimSpace(name) == "" {
		name = cfg.Port
	}
	s.init(name, KindSerial, cfg.PollInterval)
	return s, nil
}

func (s *Serial) Connect() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.port != nil {
		return nil
	}
	mode, err := s.cfg.mode()
	if err != nil {
		return err
	}
	port, err := serial.Open(s.cfg.Port, mode)
	if err != nil {
		return fmt.Errorf("open %q: %w", s.cfg.Port, err)
	}
	if err := port.SetReadTimeout(s.pollInterval()); err != nil {
		_ = port.Close()
		return fmt.Errorf("set read timeout %q: %w", s.cfg.Port, err)
	}
	s.port = port
	s.markConnected()
	log.Info().
		Str("name", s.Name()).
		Str("port", s.cfg.Port).
		Int("baud", s.cfg.Baud).
		Msg("link.Serial.Connect opened")
	return nil
}

func (s *Serial) Disconnect() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.markDisconnected()
	if s.port == nil {
		return nil
	}
	err := s.port.Close()
	s.port = nil
	return err
}

// Read returns 0, nil when the port read times out.
func (s *Serial) Read(p []byte) (int, error) {
	s.mu.Lock()
	port := s.port
	s.mu.Unlock()
	if port == nil {
		return 0, ErrNotConnected
	}
	n, err := port.Read(p)
	if n > 0 {
		s.countReceived(n)
	}
	return n, err
}

func (s *Serial) Write(p []byte) (int, error) {
	s.mu.Lock()
	port := s.port
	s.mu.Unlock()
	if port == nil {
		return 0, ErrNotConnected
	}
	n, err := port.Write(p)
	s.countSent(n)
	return n, err
}

func (s *Serial) Stats() Stats {
	return s.stats(uint64(s.cfg.Baud), true, -1)
}

// Ports lists serial ports present on this machine.
func Ports() ([]string, error) {
	return serial.GetPortsList()
}
