package config

import (
	"fmt"
	"os"
	"strings"
)

// Template returns a commented starter file. kind selects the link set:
// "udp" (default), "serial" or "replay".
func Template(kind string) (string, error) {
	var links string
	switch strings.ToLower(strings.TrimSpace(kind)) {
	case "", "udp":
		links = udpLinkTemplate
	case "serial":
		links = serialLinkTemplate
	case "replay":
		links = replayLinkTemplate
	default:
		return "", fmt.Errorf("unknown config kind: %s", kind)
	}
	return baseTemplate + links, nil
}

func WriteTemplate(path, kind string, overwrite bool) error {
	template, err := Template(kind)
	if err != nil {
		return err
	}
	if !overwrite {
		if _, err := os.Stat(path); err == nil {
			return fmt.Errorf("config already exists: %s", path)
		}
	}
	return os.WriteFile(path, []byte(template), 0o600)
}

const baseTemplate = `# gcslink station identity
system_id = 255
component_id = 0

[heartbeat]
enabled = true
rate_hz = 1.0

[packetlog]
enabled = false
path = "logs/gcslink.pktlog"
max_size_mb = 100
max_backups = 5
max_age_days = 0
compress = false

[tracker]
max_gap = 255
ratio_interval = 128

[registry]
poll_interval = "50ms"
close_wait = "1s"
max_links = 256

[http]
enabled = true
addr = ":9550"
cors_origins = ["http://localhost:3000"]

[supervisor]
enabled = true
check_interval = "500ms"
initial_delay = "250ms"
max_delay = "5s"
multiplier = 2.0
jitter = true
max_attempts = 0
`

const udpLinkTemplate = `
[[links]]
kind = "udp"
name = "telemetry"
local_addr = "0.0.0.0:14550"
remotes = []
`

const serialLinkTemplate = `
[[links]]
kind = "serial"
name = "radio"
port = "/dev/ttyUSB0"
baud = 57600
data_bits = 8
parity = "none"
stop_bits = 1
`

const replayLinkTemplate = `
[[links]]
kind = "replay"
name = "flight"
path = "logs/gcslink.pktlog"
speed = 1.0
loop = false
`
