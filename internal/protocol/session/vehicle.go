package session

import (
	"sync"
	"time"

	"github.com/danmuck/gcslink/internal/protocol/dialect"
	"github.com/danmuck/gcslink/internal/protocol/frame"
)

// VehicleState is a point-in-time copy of a Vehicle.
type VehicleState struct {
	SystemID      uint8            `json:"system_id" yaml:"system_id"`
	Autopilot     string           `json:"autopilot" yaml:"autopilot"`
	Type          uint8            `json:"type" yaml:"type"`
	BaseMode      uint8            `json:"base_mode" yaml:"base_mode"`
	CustomMode    uint32           `json:"custom_mode" yaml:"custom_mode"`
	SystemStatus  uint8            `json:"system_status" yaml:"system_status"`
	Frames        uint64           `json:"frames" yaml:"frames"`
	FramesByKind  map[uint8]uint64 `json:"frames_by_kind" yaml:"frames_by_kind"`
	LastHeartbeat time.Time        `json:"last_heartbeat" yaml:"last_heartbeat"`
	LastSeen      time.Time        `json:"last_seen" yaml:"last_seen"`
}

// Vehicle is the default session collaborator. It keeps the latest
// heartbeat and per-kind frame counts for one remote system.
type Vehicle struct {
	mu            sync.RWMutex
	systemID      uint8
	heartbeat     dialect.Heartbeat
	frames        uint64
	byKind        map[uint8]uint64
	lastHeartbeat time.Time
	lastSeen      time.Time
}

func NewVehicle(systemID uint8, hb dialect.Heartbeat) *Vehicle {
	return &Vehicle{
		systemID:  systemID,
		heartbeat: hb,
		byKind:    make(map[uint8]uint64),
	}
}

func (v *Vehicle) HandleFrame(f frame.Frame, at time.Time) {
	v.mu.Lock()
	defer v.mu.Unlock()
	v.frames++
	v.byKind[f.Kind]++
	v.lastSeen = at
	if f.Kind != dialect.KindHeartbeat {
		return
	}
	var hb dialect.Heartbeat
	if err := hb.UnmarshalBinary(f.Payload); err != nil {
		return
	}
	v.heartbeat = hb
	v.lastHeartbeat = at
}

func (v *Vehicle) Snapshot() VehicleState {
	v.mu.RLock()
	defer v.mu.RUnlock()
	byKind := make(map[uint8]uint64, len(v.byKind))
	for k, n := range v.byKind {
		byKind[k] = n
	}
	return VehicleState{
		SystemID:      v.systemID,
		Autopilot:     v.heartbeat.Autopilot.String(),
		Type:          v.heartbeat.Type,
		BaseMode:      v.heartbeat.BaseMode,
		CustomMode:    v.heartbeat.CustomMode,
		SystemStatus:  v.heartbeat.SystemStatus,
		Frames:        v.frames,
		FramesByKind:  byKind,
		LastHeartbeat: v.lastHeartbeat,
		LastSeen:      v.lastSeen,
	}
}
