// Package actuation delivers issued commands to the vehicle actuators and
// reports link health back to the diagnostics.
package actuation

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/banshee-data/autoflux/internal/vehicle"
)

// Ack is the actuation backend's answer to one Apply.
type Ack struct {
	Timestamp time.Time `json:"timestamp"`
	// Readback is the most recent actuator position report, if any.
	Readback    vehicle.ControlCommand `json:"readback"`
	HasReadback bool                   `json:"has_readback"`
}

// Backend applies commands to the actuators. Errors are reported as
// actuation faults; they never stop the control loop.
type Backend interface {
	Apply(ctx context.Context, cmd vehicle.ControlCommand) (Ack, error)
}

// Link exposes the health of the transport underneath a Backend.
type Link interface {
	Telemetry() vehicle.LinkTelemetry
}

// Loopback echoes every command back as its readback. It stands in for the
// vehicle bus in simulation and tests.
type Loopback struct {
	mu        sync.Mutex
	last      vehicle.ControlCommand
	applied   int
	failNext  int
	offset    vehicle.ControlCommand
	connected bool
}

// NewLoopback returns a connected loopback link.
func NewLoopback() *Loopback {
	return &Loopback{connected: true}
}

func (l *Loopback) Apply(ctx context.Context, cmd vehicle.ControlCommand) (Ack, error) {
	if err := ctx.Err(); err != nil {
		return Ack{}, fmt.Errorf("%w: %w", vehicle.ErrActuationFault, err)
	}
	l.mu.Lock()
	defer l.mu.Unlock()
	if l.failNext > 0 {
		l.failNext--
		return Ack{}, fmt.Errorf("%w: injected fault", vehicle.ErrActuationFault)
	}
	l.last = cmd
	l.applied++
	rb := cmd
	rb.SteeringAngle += l.offset.SteeringAngle
	rb.Throttle += l.offset.Throttle
	rb.Brake += l.offset.Brake
	return Ack{Timestamp: cmd.Timestamp, Readback: rb, HasReadback: true}, nil
}

// Telemetry reports the loopback link; it is always healthy unless
// disconnected with SetConnected.
func (l *Loopback) Telemetry() vehicle.LinkTelemetry {
	l.mu.Lock()
	defer l.mu.Unlock()
	return vehicle.LinkTelemetry{Connected: l.connected}
}

// Last returns the last applied command and the number of applied commands.
func (l *Loopback) Last() (vehicle.ControlCommand, int) {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.last, l.applied
}

// FailNext makes the next n Apply calls fail.
func (l *Loopback) FailNext(n int) {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.failNext = n
}

// SetReadbackOffset adds offset to every readback, to simulate a stuck or
// miscalibrated actuator.
func (l *Loopback) SetReadbackOffset(offset vehicle.ControlCommand) {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.offset = offset
}

// SetConnected changes the reported link state.
func (l *Loopback) SetConnected(connected bool) {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.connected = connected
}
