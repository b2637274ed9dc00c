// Package telemetry defines the drone state packet and the batch it travels in.
package telemetry

import (
	"fmt"
	"math"
	"math/big"
	"strings"
)

// Mode is the activation mode (AD) reported by a drone.
type Mode int32

const (
	// ModeActivated marks the start of a flight cycle.
	ModeActivated Mode = 1
	// ModeDeactivated marks the end of a flight cycle.
	ModeDeactivated Mode = 2
)

// UnmarshalJSON accepts any integral JSON number in the int32 range, so
// "1", "1.0" and "1e0" all decode to ModeActivated.
func (m *Mode) UnmarshalJSON(b []byte) error {
	s := string(b)
	if s == "null" {
		return nil
	}
	r, ok := new(big.Rat).SetString(s)
	if !ok || !r.IsInt() {
		return fmt.Errorf("activation mode %s is not an integer", s)
	}
	n := r.Num()
	if !n.IsInt64() || n.Int64() < math.MinInt32 || n.Int64() > math.MaxInt32 {
		return fmt.Errorf("activation mode %s out of range", s)
	}
	*m = Mode(n.Int64())
	return nil
}

func (m Mode) String() string {
	switch m {
	case ModeActivated:
		return "activated"
	case ModeDeactivated:
		return "deactivated"
	default:
		return "in-flight"
	}
}

// Record is one telemetry sample. JSON names are the short codes sent by the
// flight controller; only the fields the collector interprets have meaningful
// Go names, the rest are carried through untouched.
type Record struct {
	DeviceID        string  `json:"t"`
	VD              string  `json:"VD"`
	FirmwareVersion string  `json:"FV"`
	ActivationMode  Mode    `json:"AD"`
	PS              string  `json:"PS"`
	Voltage         string  `json:"v"`
	DM              string  `json:"DM"`
	Timestamp       string  `json:"T"`
	Latitude        string  `json:"l"`
	Longitude       string  `json:"g"`
	Speed           string  `json:"s"`
	Altitude        string  `json:"ALT"`
	SN              string  `json:"SN"`
	Heading         string  `json:"HD"`
	FlightMode      string  `json:"FL_MOD"`
	MC              string  `json:"MC"`
	MN              string  `json:"MN"`
	ModelVersion    string  `json:"MV,omitempty"`
	IV              string  `json:"IV"`
	Roll            string  `json:"ROLL"`
	Yaw             string  `json:"YAW"`
	Pitch           string  `json:"PITCH"`
	WaterQty        string  `json:"WTR_QTY"`
	ConsumedLiquid  string  `json:"CONLQD"`
	FlowRate        string  `json:"FLW_RT"`
	GPSCount        string  `json:"GPSCNT"`
	TankLevel       string  `json:"TNKLVL"`
	PlannedArea     string  `json:"PLAN_AREA"`
	CoveredArea     string  `json:"COV_AREA"`
	Boundary        string  `json:"BOUNDARY"`
	SignalStrength  string  `json:"SS"`
	PacketSeq       float64 `json:"p"`
	FN              string  `json:"FN"`
}

// Batch is the ordered group of records delivered in one transmission.
type Batch []Record

// First returns the record used for transition classification.
func (b Batch) First() Record {
	return b[0]
}

// Last returns the record that becomes the device's current state.
func (b Batch) Last() Record {
	return b[len(b)-1]
}

// DeviceID returns the device the batch is attributed to.
func (b Batch) DeviceID() string {
	if len(b) == 0 {
		return ""
	}
	return b[0].DeviceID
}

// WithLast returns a copy of the batch whose last record is replaced by r.
func (b Batch) WithLast(r Record) Batch {
	out := make(Batch, len(b))
	copy(out, b)
	out[len(out)-1] = r
	return out
}

// CollapseToEndPoint reduces comma-joined latitude/longitude paths to their
// final point. Trip summaries keep the end point only.
func CollapseToEndPoint(r Record) Record {
	r.Latitude = lastPoint(r.Latitude)
	r.Longitude = lastPoint(r.Longitude)
	return r
}

func lastPoint(path string) string {
	if i := strings.LastIndex(path, ","); i >= 0 {
		return strings.TrimSpace(path[i+1:])
	}
	return strings.TrimSpace(path)
}
