package actuation

import (
	"context"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/banshee-data/autoflux/internal/monitoring"
	"github.com/banshee-data/autoflux/internal/serialmux"
	"github.com/banshee-data/autoflux/internal/timeutil"
	"github.com/banshee-data/autoflux/internal/vehicle"
)

func TestFrameRoundTrip(t *testing.T) {
	cmd := vehicle.ControlCommand{SteeringAngle: -12.34, Throttle: 0.5, Brake: 0}
	line := EncodeFrame(CommandID, cmd)
	assert.Equal(t, "t1004FB2E8000", line)

	id, got, err := DecodeFrame(line)
	require.NoError(t, err)
	assert.Equal(t, uint16(CommandID), id)
	assert.InDelta(t, cmd.SteeringAngle, got.SteeringAngle, 0.005)
	assert.InDelta(t, cmd.Throttle, got.Throttle, 1.0/255)
	assert.Equal(t, 0.0, got.Brake)

	// Out of range values saturate.
	_, got, err = DecodeFrame(EncodeFrame(ReadbackID, vehicle.ControlCommand{SteeringAngle: 900, Throttle: 2, Brake: -1}))
	require.NoError(t, err)
	assert.InDelta(t, 327.67, got.SteeringAngle, 1e-9)
	assert.Equal(t, 1.0, got.Throttle)
	assert.Equal(t, 0.0, got.Brake)
}

func TestDecodeFrame_Errors(t *testing.T) {
	for _, line := range []string{
		"",
		"T12345678",
		"t10",
		"tXYZ4000000",
		"t1009000000",
		"t1004000",
		"t1004zz000000",
		"t10020000",
	} {
		_, _, err := DecodeFrame(line)
		assert.Error(t, err, "line %q", line)
	}
	// Trailing adapter timestamp is accepted.
	_, _, err := DecodeFrame("t1014000000001A2B")
	assert.NoError(t, err)
}

func TestLoopback(t *testing.T) {
	l := NewLoopback()
	cmd := vehicle.ControlCommand{SteeringAngle: 3, Throttle: 0.2}
	ack, err := l.Apply(context.Background(), cmd)
	require.NoError(t, err)
	assert.True(t, ack.HasReadback)
	assert.Equal(t, cmd, ack.Readback)

	l.SetReadbackOffset(vehicle.ControlCommand{SteeringAngle: 5})
	ack, err = l.Apply(context.Background(), cmd)
	require.NoError(t, err)
	assert.Equal(t, 8.0, ack.Readback.SteeringAngle)

	l.FailNext(1)
	_, err = l.Apply(context.Background(), cmd)
	assert.ErrorIs(t, err, vehicle.ErrActuationFault)
	last, n := l.Last()
	assert.Equal(t, cmd, last)
	assert.Equal(t, 2, n)

	assert.True(t, l.Telemetry().Connected)
	l.SetConnected(false)
	assert.False(t, l.Telemetry().Connected)

	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	_, err = l.Apply(ctx, cmd)
	assert.ErrorIs(t, err, vehicle.ErrActuationFault)
}

func startSLCAN(t *testing.T) (*SLCAN, *serialmux.TestableSerialPort) {
	t.Helper()
	monitoring.SetLogger(nil)
	port := serialmux.NewTestableSerialPort()
	mux := serialmux.NewSerialMux(port,
		serialmux.WithTerminator("\r"),
		serialmux.WithSplit(serialmux.ScanCRLF),
		serialmux.WithSubscriberBuffer(16))
	s, err := NewSLCAN(mux, DefaultSLCANConfig(), nil)
	require.NoError(t, err)

	ctx, cancel := context.WithCancel(context.Background())
	t.Cleanup(func() {
		cancel()
		s.Close()
	})
	require.NoError(t, s.Start(ctx))
	return s, port
}

func TestSLCAN_InitAndApply(t *testing.T) {
	s, port := startSLCAN(t)
	assert.Equal(t, "C\rS6\rO\r", string(port.GetWrittenData()))
	assert.True(t, s.Telemetry().Connected)

	port.OnWrite = func(p []byte) {
		if strings.HasPrefix(string(p), "t") {
			port.AddReadData([]byte("z\r"))
		}
	}
	cmd := vehicle.ControlCommand{SteeringAngle: 1.5, Throttle: 0.25, Brake: 0}
	ack, err := s.Apply(context.Background(), cmd)
	require.NoError(t, err)
	assert.False(t, ack.HasReadback)
	assert.Contains(t, string(port.GetWrittenData()), EncodeFrame(CommandID, cmd)+"\r")

	port.AddReadData([]byte(EncodeFrame(ReadbackID, cmd) + "\r"))
	require.Eventually(t, func() bool {
		ack, err := s.Apply(context.Background(), cmd)
		return err == nil && ack.HasReadback
	}, time.Second, 5*time.Millisecond)

	ack, err = s.Apply(context.Background(), cmd)
	require.NoError(t, err)
	assert.InDelta(t, 1.5, ack.Readback.SteeringAngle, 0.01)
	assert.InDelta(t, 0.25, ack.Readback.Throttle, 1.0/255)
}

func TestSLCAN_FaultsAndTelemetry(t *testing.T) {
	s, port := startSLCAN(t)

	// No ack: the adapter is silent.
	_, err := s.Apply(context.Background(), vehicle.ControlCommand{})
	require.ErrorIs(t, err, vehicle.ErrActuationFault)
	assert.Contains(t, err.Error(), "no ack")

	// Rejected frame.
	port.OnWrite = func(p []byte) {
		if strings.HasPrefix(string(p), "t") {
			port.AddReadData([]byte("\a"))
		}
	}
	_, err = s.Apply(context.Background(), vehicle.ControlCommand{})
	require.ErrorIs(t, err, vehicle.ErrActuationFault)
	assert.Contains(t, err.Error(), "rejected")

	// A malformed frame counts as a CRC failure until the next poll.
	port.OnWrite = nil
	port.AddReadData([]byte("t1014GG\r"))
	require.Eventually(t, func() bool {
		return s.Telemetry().CRCFailures > 0
	}, time.Second, 5*time.Millisecond)
	tel := s.Telemetry()
	assert.Equal(t, 0, tel.CRCFailures, "crc failures are reset by each poll")
	assert.GreaterOrEqual(t, tel.ErrorCount, 2)

	// Write failures disconnect the link.
	port.SetWriteError(assert.AnError)
	_, err = s.Apply(context.Background(), vehicle.ControlCommand{})
	require.ErrorIs(t, err, vehicle.ErrActuationFault)
	assert.False(t, s.Telemetry().Connected)
}

func TestSLCAN_InitRepliesDoNotDelayAcks(t *testing.T) {
	monitoring.SetLogger(nil)
	port := serialmux.NewTestableSerialPort()
	mux := serialmux.NewSerialMux(port,
		serialmux.WithTerminator("\r"),
		serialmux.WithSplit(serialmux.ScanCRLF),
		serialmux.WithSubscriberBuffer(16))
	cfg := DefaultSLCANConfig()
	cfg.AckTimeout = timeutil.Duration(500 * time.Millisecond)
	s, err := NewSLCAN(mux, cfg, nil)
	require.NoError(t, err)

	ctx, cancel := context.WithCancel(context.Background())
	t.Cleanup(func() {
		cancel()
		s.Close()
	})
	require.NoError(t, s.Start(ctx))

	// The adapter answers C, S6 and O with a bare carriage return each.
	port.AddReadData([]byte("\r\r\r"))
	port.OnWrite = func(p []byte) {
		if strings.HasPrefix(string(p), "t") {
			port.AddReadData([]byte("z\r"))
		}
	}
	for i := 0; i < 3; i++ {
		_, err := s.Apply(context.Background(), vehicle.ControlCommand{Throttle: 0.1})
		require.NoError(t, err, "apply %d", i)
	}
}

func TestSLCAN_ErrorCountResetsOnAck(t *testing.T) {
	s, port := startSLCAN(t)

	_, err := s.Apply(context.Background(), vehicle.ControlCommand{})
	require.ErrorIs(t, err, vehicle.ErrActuationFault)
	assert.Equal(t, 1, s.Telemetry().ErrorCount)

	port.OnWrite = func(p []byte) {
		if strings.HasPrefix(string(p), "t") {
			port.AddReadData([]byte("z\r"))
		}
	}
	require.Eventually(t, func() bool {
		_, err := s.Apply(context.Background(), vehicle.ControlCommand{})
		return err == nil
	}, time.Second, 5*time.Millisecond)
	assert.Zero(t, s.Telemetry().ErrorCount)
}

func TestSLCANConfig_Validate(t *testing.T) {
	require.NoError(t, DefaultSLCANConfig().Validate())
	cfg := DefaultSLCANConfig()
	cfg.Bitrate = "S9"
	assert.Error(t, cfg.Validate())
	cfg = DefaultSLCANConfig()
	cfg.Port = "/dev/ttyACM0"
	cfg.Serial.Parity = "mark"
	assert.Error(t, cfg.Validate())
}
