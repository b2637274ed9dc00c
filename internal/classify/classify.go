// Package classify decides where a validated telemetry batch is written,
// based on the batch's activation mode and the drone's last known state.
package classify

import "drone_telemetry/internal/telemetry"

// Kind names the transition a batch represents.
type Kind string

const (
	// FlightStart is a batch reporting activation mode 1.
	FlightStart Kind = "flight_start"
	// FlightEnd is a batch reporting activation mode 2.
	FlightEnd Kind = "flight_end"
	// InFlight is any other mode.
	InFlight Kind = "in_flight"
)

// Decision is the routing outcome for one batch.
type Decision struct {
	Kind Kind

	// Primary is true when the batch goes to the raw collection.
	Primary bool

	// Trip is true when the batch is a confirmed transition and goes to the
	// trip collection.
	Trip bool

	// Batch is what gets written to the trip collection and whose last
	// element becomes the cached state. For flight-end batches its last
	// record has the path collapsed to the end point.
	Batch telemetry.Batch
}

// Transition reports whether the decision marks a start or end of flight
// confirmed against the prior state.
func (d Decision) Transition() bool {
	return d.Trip
}

// Classify routes a non-empty batch. prior is nil when the drone has no
// known state. Only the first record's mode is inspected.
func Classify(batch telemetry.Batch, prior *telemetry.Record) Decision {
	switch batch.First().ActivationMode {
	case telemetry.ModeActivated:
		return Decision{
			Kind:    FlightStart,
			Primary: true,
			Trip:    prior != nil && prior.ActivationMode == telemetry.ModeDeactivated,
			Batch:   batch,
		}

	case telemetry.ModeDeactivated:
		return Decision{
			Kind:  FlightEnd,
			Trip:  prior != nil && prior.ActivationMode == telemetry.ModeActivated,
			Batch: batch.WithLast(telemetry.CollapseToEndPoint(batch.Last())),
		}

	default:
		return Decision{
			Kind:    InFlight,
			Primary: true,
			Batch:   batch,
		}
	}
}
