package control

import (
	"fmt"

	"procctl-core/utils"
)

// Heartbeat is the per-cycle observability record.
type Heartbeat struct {
	Seq      uint64
	Setpoint float64
	PV       Measurement
	CV       float64
	Valid    bool
}

func (h Heartbeat) String() string {
	return fmt.Sprintf("SP=%.1f  PV=%s  CV=%s  VALID=%t", h.Setpoint, h.PV, formatFloat(h.CV), h.Valid)
}

// HeartbeatSink receives one record per cycle.
type HeartbeatSink interface {
	Beat(Heartbeat)
}

// LogHeartbeat writes heartbeats as structured log records.
type LogHeartbeat struct {
	Log *utils.Logger
}

func (s LogHeartbeat) Beat(h Heartbeat) {
	if !h.PV.Present {
		s.Log.Infow(h.String(), "seq", h.Seq, "sp", h.Setpoint, "pv", nil, "cv", h.CV, "valid", h.Valid)
		return
	}
	s.Log.Infow(h.String(), "seq", h.Seq, "sp", h.Setpoint, "pv", h.PV.Value, "cv", h.CV, "valid", h.Valid)
}
