// Package dialect holds the message-kind tables the generic framing layer
// needs: checksum seeds, the announcement kind, and its payload layout.
package dialect

import (
	"encoding/binary"
	"errors"
	"fmt"

	"github.com/danmuck/gcslink/internal/protocol/frame"
)

// Message kinds with well-known layouts.
const (
	KindHeartbeat         uint8 = 0
	KindSysStatus         uint8 = 1
	KindPing              uint8 = 4
	KindParamValue        uint8 = 22
	KindGPSRawInt         uint8 = 24
	KindAttitude          uint8 = 30
	KindGlobalPositionInt uint8 = 33
	KindStatusText        uint8 = 253
)

// Autopilot is the variant code a heartbeat carries; session factories
// key on it.
type Autopilot uint8

const (
	AutopilotGeneric   Autopilot = 0
	AutopilotPixhawk   Autopilot = 1
	AutopilotSlugs     Autopilot = 2
	AutopilotArdupilot Autopilot = 3
)

func (a Autopilot) String() string {
	switch a {
	case AutopilotGeneric:
		return "generic"
	case AutopilotPixhawk:
		return "pixhawk"
	case AutopilotSlugs:
		return "slugs"
	case AutopilotArdupilot:
		return "ardupilot"
	default:
		return fmt.Sprintf("autopilot(%d)", uint8(a))
	}
}

// VehicleType values used in heartbeats sent by this station.
const (
	TypeGeneric         uint8 = 0
	TypeFixedWing       uint8 = 1
	TypeQuadrotor       uint8 = 2
	TypeGroundStation   uint8 = 6
	ProtocolVersion     uint8 = 3
	HeartbeatPayloadLen       = 9
)

var ErrShortHeartbeat = errors.New("dialect: short heartbeat payload")

// Heartbeat is the announcement payload.
type Heartbeat struct {
	CustomMode   uint32
	Type         uint8
	Autopilot    Autopilot
	BaseMode     uint8
	SystemStatus uint8
	Version      uint8
}

func (h Heartbeat) MarshalBinary() ([]byte, error) {
	b := make([]byte, HeartbeatPayloadLen)
	binary.LittleEndian.PutUint32(b[0:4], h.CustomMode)
	b[4] = h.Type
	b[5] = uint8(h.Autopilot)
	b[6] = h.BaseMode
	b[7] = h.SystemStatus
	b[8] = h.Version
	return b, nil
}

func (h *Heartbeat) UnmarshalBinary(b []byte) error {
	if len(b) < HeartbeatPayloadLen {
		return fmt.Errorf("%w: %d bytes", ErrShortHeartbeat, len(b))
	}
	h.CustomMode = binary.LittleEndian.Uint32(b[0:4])
	h.Type = b[4]
	h.Autopilot = Autopilot(b[5])
	h.BaseMode = b[6]
	h.SystemStatus = b[7]
	h.Version = b[8]
	return nil
}

// Dialect binds a seed table to an announcement kind. VariantOf overrides
// the heartbeat layout when reading variants from announcements.
type Dialect struct {
	Name             string
	Seeds            frame.SeedTable
	AnnouncementKind uint8
	VariantOf        func(payload []byte) (Autopilot, error)
}

func (d Dialect) Seed(kind uint8) uint8 {
	return d.Seeds.Seed(kind)
}

func (d Dialect) IsAnnouncement(kind uint8) bool {
	return kind == d.AnnouncementKind
}

// Variant extracts the session variant code from an announcement payload.
func (d Dialect) Variant(payload []byte) (Autopilot, error) {
	if d.VariantOf != nil {
		return d.VariantOf(payload)
	}
	var hb Heartbeat
	if err := hb.UnmarshalBinary(payload); err != nil {
		return 0, err
	}
	return hb.Autopilot, nil
}

// Announcement builds the heartbeat payload this station emits.
func (d Dialect) Announcement() []byte {
	b, _ := Heartbeat{
		Type:      TypeGroundStation,
		Autopilot: AutopilotGeneric,
		Version:   ProtocolVersion,
	}.MarshalBinary()
	return b
}

// Common is the default dialect.
func Common() Dialect {
	return Dialect{
		Name: "common",
		Seeds: frame.SeedTable{
			KindHeartbeat:         50,
			KindSysStatus:         124,
			KindPing:              237,
			KindParamValue:        220,
			KindGPSRawInt:         24,
			KindAttitude:          39,
			KindGlobalPositionInt: 104,
			KindStatusText:        83,
		},
		AnnouncementKind: KindHeartbeat,
	}
}
