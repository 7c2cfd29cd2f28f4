package actuation

import (
	"encoding/binary"
	"encoding/hex"
	"fmt"
	"math"
	"strconv"
	"strings"

	"github.com/banshee-data/autoflux/internal/vehicle"
)

// CAN identifiers used on the drive-by-wire bus.
const (
	CommandID  = 0x100
	ReadbackID = 0x101
)

// commandDLC is the payload length of command and readback frames:
// int16 steering in centidegrees, uint8 throttle, uint8 brake (both 0..255).
const commandDLC = 4

// EncodeFrame renders cmd as an SLCAN standard frame without the trailing
// carriage return, e.g. "t10040FA0FF00".
func EncodeFrame(id uint16, cmd vehicle.ControlCommand) string {
	var data [commandDLC]byte
	steer := math.Round(cmd.SteeringAngle * 100)
	steer = math.Max(math.MinInt16, math.Min(math.MaxInt16, steer))
	binary.BigEndian.PutUint16(data[0:2], uint16(int16(steer)))
	data[2] = scaleByte(cmd.Throttle)
	data[3] = scaleByte(cmd.Brake)
	return fmt.Sprintf("t%03X%d%s", id&0x7FF, commandDLC, strings.ToUpper(hex.EncodeToString(data[:])))
}

// DecodeFrame parses an SLCAN standard frame carrying a command payload.
func DecodeFrame(line string) (uint16, vehicle.ControlCommand, error) {
	if len(line) < 5 || line[0] != 't' {
		return 0, vehicle.ControlCommand{}, fmt.Errorf("not a standard frame: %q", line)
	}
	id, err := strconv.ParseUint(line[1:4], 16, 16)
	if err != nil {
		return 0, vehicle.ControlCommand{}, fmt.Errorf("bad id in %q: %w", line, err)
	}
	dlc := int(line[4] - '0')
	if dlc < 0 || dlc > 8 {
		return 0, vehicle.ControlCommand{}, fmt.Errorf("bad dlc in %q", line)
	}
	payload := line[5:]
	// Some adapters append a 4 digit timestamp.
	if len(payload) == 2*dlc+4 {
		payload = payload[:2*dlc]
	}
	if len(payload) != 2*dlc {
		return 0, vehicle.ControlCommand{}, fmt.Errorf("payload length %d does not match dlc %d", len(payload), dlc)
	}
	data, err := hex.DecodeString(payload)
	if err != nil {
		return 0, vehicle.ControlCommand{}, fmt.Errorf("bad payload in %q: %w", line, err)
	}
	if dlc != commandDLC {
		return uint16(id), vehicle.ControlCommand{}, fmt.Errorf("frame %03X has dlc %d, want %d", id, dlc, commandDLC)
	}
	return uint16(id), vehicle.ControlCommand{
		SteeringAngle: float64(int16(binary.BigEndian.Uint16(data[0:2]))) / 100,
		Throttle:      float64(data[2]) / 255,
		Brake:         float64(data[3]) / 255,
	}, nil
}

func scaleByte(v float64) byte {
	return byte(math.Round(math.Max(0, math.Min(1, v)) * 255))
}
