package actuation

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/banshee-data/autoflux/internal/monitoring"
	"github.com/banshee-data/autoflux/internal/serialmux"
	"github.com/banshee-data/autoflux/internal/timeutil"
	"github.com/banshee-data/autoflux/internal/vehicle"
)

// SLCANConfig configures the serial CAN adapter.
type SLCANConfig struct {
	// Port is the serial device path. Empty selects the loopback backend.
	Port   string                `json:"port"`
	Serial serialmux.PortOptions `json:"serial"`
	// Bitrate is the SLCAN bitrate command, S0 (10k) to S8 (1M).
	Bitrate    string            `json:"bitrate"`
	AckTimeout timeutil.Duration `json:"ack_timeout"`
}

// DefaultSLCANConfig returns a 500 kbit/s configuration without a port.
func DefaultSLCANConfig() SLCANConfig {
	return SLCANConfig{
		Bitrate:    "S6",
		AckTimeout: timeutil.Duration(10 * time.Millisecond),
	}
}

// Validate checks the bitrate command and ack timeout.
func (c SLCANConfig) Validate() error {
	if len(c.Bitrate) != 2 || c.Bitrate[0] != 'S' || c.Bitrate[1] < '0' || c.Bitrate[1] > '8' {
		return fmt.Errorf("bitrate must be one of S0..S8, got %q", c.Bitrate)
	}
	if c.AckTimeout <= 0 {
		return errors.New("ack_timeout must be positive")
	}
	if c.Port != "" {
		if _, err := c.Serial.Normalize(); err != nil {
			return fmt.Errorf("serial: %w", err)
		}
	}
	return nil
}

// SLCAN drives the actuators through a Lawicel/SLCAN USB adapter: command
// frames go out on CommandID and actuator position reports come back on
// ReadbackID.
type SLCAN struct {
	mux        serialmux.SerialMuxInterface
	cfg        SLCANConfig
	clock      timeutil.Clock
	ackTimeout time.Duration

	acks chan bool

	mu          sync.Mutex
	connected   bool
	crcFailures int
	errorCount  int
	readback    vehicle.ControlCommand
	hasReadback bool
}

// NewSLCAN wraps mux. Call Start before Apply.
func NewSLCAN(mux serialmux.SerialMuxInterface, cfg SLCANConfig, clock timeutil.Clock) (*SLCAN, error) {
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("slcan: %w", err)
	}
	if clock == nil {
		clock = timeutil.RealClock{}
	}
	return &SLCAN{
		mux:        mux,
		cfg:        cfg,
		clock:      clock,
		ackTimeout: cfg.AckTimeout.Std(),
		acks:       make(chan bool, 1),
	}, nil
}

// OpenSLCAN opens the configured serial port with SLCAN framing.
func OpenSLCAN(cfg SLCANConfig, clock timeutil.Clock) (*SLCAN, error) {
	mux, err := serialmux.NewRealSerialMux(cfg.Port, cfg.Serial,
		serialmux.WithTerminator("\r"),
		serialmux.WithSplit(serialmux.ScanCRLF),
		serialmux.WithSubscriberBuffer(64))
	if err != nil {
		return nil, fmt.Errorf("open %s: %w", cfg.Port, err)
	}
	return NewSLCAN(mux, cfg, clock)
}

// Mux returns the underlying serial multiplexer, for admin routes.
func (s *SLCAN) Mux() serialmux.SerialMuxInterface { return s.mux }

// Start opens the CAN channel and processes incoming frames until ctx is
// done. It returns once the channel is open; reading continues in the
// background.
func (s *SLCAN) Start(ctx context.Context) error {
	id, lines := s.mux.Subscribe()

	// Close any channel left open by a previous run before configuring.
	for _, cmd := range []string{"C", s.cfg.Bitrate, "O"} {
		if err := s.mux.SendCommand(cmd); err != nil {
			s.mux.Unsubscribe(id)
			return fmt.Errorf("slcan init %q: %w", cmd, err)
		}
	}
	s.setConnected(true)

	go func() {
		if err := s.mux.Monitor(ctx); err != nil && !errors.Is(err, context.Canceled) {
			monitoring.Errorf("slcan monitor stopped: %v", err)
		}
		s.setConnected(false)
	}()
	go func() {
		defer s.mux.Unsubscribe(id)
		for {
			select {
			case <-ctx.Done():
				return
			case line, ok := <-lines:
				if !ok {
					return
				}
				s.handleLine(line)
			}
		}
	}()
	return nil
}

// Close closes the CAN channel and the serial port.
func (s *SLCAN) Close() error {
	_ = s.mux.SendCommand("C")
	s.setConnected(false)
	return s.mux.Close()
}

func (s *SLCAN) Apply(ctx context.Context, cmd vehicle.ControlCommand) (Ack, error) {
	// Drop a stale ack from a previous timed out command.
	select {
	case <-s.acks:
	default:
	}

	if err := s.mux.SendCommand(EncodeFrame(CommandID, cmd)); err != nil {
		s.mu.Lock()
		s.connected = false
		s.errorCount++
		s.mu.Unlock()
		return Ack{}, fmt.Errorf("%w: %w", vehicle.ErrActuationFault, err)
	}

	timer := s.clock.NewTimer(s.ackTimeout)
	defer timer.Stop()
	select {
	case ok := <-s.acks:
		if !ok {
			return Ack{}, fmt.Errorf("%w: adapter rejected frame", vehicle.ErrActuationFault)
		}
	case <-timer.C():
		s.mu.Lock()
		s.errorCount++
		s.mu.Unlock()
		return Ack{}, fmt.Errorf("%w: no ack within %s", vehicle.ErrActuationFault, s.ackTimeout)
	case <-ctx.Done():
		return Ack{}, fmt.Errorf("%w: %w", vehicle.ErrActuationFault, ctx.Err())
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	s.connected = true
	s.errorCount = 0
	return Ack{Timestamp: s.clock.Now(), Readback: s.readback, HasReadback: s.hasReadback}, nil
}

// Telemetry returns the link state. CRCFailures counts malformed frames
// since the previous call. ErrorCount counts rejected, unacknowledged and
// failed writes since the last acknowledged frame.
func (s *SLCAN) Telemetry() vehicle.LinkTelemetry {
	s.mu.Lock()
	defer s.mu.Unlock()
	t := vehicle.LinkTelemetry{Connected: s.connected, CRCFailures: s.crcFailures, ErrorCount: s.errorCount}
	s.crcFailures = 0
	return t
}

func (s *SLCAN) handleLine(line string) {
	switch {
	case line == "\a":
		s.mu.Lock()
		s.errorCount++
		s.mu.Unlock()
		s.signal(false)
	case line == "z" || line == "Z":
		s.signal(true)
	case strings.HasPrefix(line, "t"):
		id, cmd, err := DecodeFrame(line)
		s.mu.Lock()
		defer s.mu.Unlock()
		if err != nil {
			s.crcFailures++
			monitoring.Debugf("slcan: %v", err)
			return
		}
		if id == ReadbackID {
			s.readback = cmd
			s.hasReadback = true
		}
	default:
		// version strings, status flags and other replies are ignored
	}
}

func (s *SLCAN) signal(ok bool) {
	select {
	case s.acks <- ok:
	default:
	}
}

func (s *SLCAN) setConnected(v bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.connected = v
}
