// Package telemetrytest provides record fixtures shared by tests.
package telemetrytest

import (
	"encoding/json"
	"fmt"

	"drone_telemetry/internal/telemetry"
)

// Record returns a fully populated record for deviceID in the given mode.
func Record(deviceID string, mode telemetry.Mode, seq int64) telemetry.Record {
	return telemetry.Record{
		DeviceID:        deviceID,
		VD:              "VD01",
		FirmwareVersion: "3.2.1",
		ActivationMode:  mode,
		PS:              "1",
		Voltage:         "48.2",
		DM:              "240101",
		Timestamp:       fmt.Sprintf("2024-01-01T10:%02d:00", seq%60),
		Latitude:        "18.5204",
		Longitude:       "73.8567",
		Speed:           "4.5",
		Altitude:        "12",
		SN:              "SN-001",
		Heading:         "270",
		FlightMode:      "AUTO",
		MC:              "4",
		MN:              "AG-10",
		IV:              "0",
		Roll:            "0.1",
		Yaw:             "0.2",
		Pitch:           "0.3",
		WaterQty:        "10",
		ConsumedLiquid:  "2.5",
		FlowRate:        "1.2",
		GPSCount:        "14",
		TankLevel:       "80",
		PlannedArea:     "2.0",
		CoveredArea:     "1.5",
		Boundary:        "poly-1",
		SignalStrength:  "-67",
		PacketSeq:       float64(seq),
		FN:              "field-7",
	}
}

// Map returns the record as a decoded JSON object, convenient for removing
// or retyping fields before encoding.
func Map(r telemetry.Record) map[string]any {
	b, err := json.Marshal(r)
	if err != nil {
		panic(err)
	}
	var m map[string]any
	if err := json.Unmarshal(b, &m); err != nil {
		panic(err)
	}
	return m
}

// JSON encodes items (records or maps) as a JSON array.
func JSON(items ...any) []byte {
	b, err := json.Marshal(items)
	if err != nil {
		panic(err)
	}
	return b
}
