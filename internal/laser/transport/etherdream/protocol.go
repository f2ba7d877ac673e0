// Package etherdream speaks the Ether Dream DAC protocol: UDP broadcast
// advertisements on port 7654 and an ack-based TCP command stream on port
// 7765. All integers are little-endian.
package etherdream

import (
	"encoding/binary"
	"fmt"
	"math"
	"net"

	"gonum.org/v1/gonum/spatial/r2"

	"github.com/banshee-data/laserstream/internal/laser"
)

const (
	BroadcastPort = 7654
	CommPort      = 7765

	StatusSize    = 20
	BroadcastSize = 36
	AckSize       = 22
	PointSize     = 18

	// DefaultBufferCapacity is the capacity of stock Ether Dream firmware.
	DefaultBufferCapacity = 1799
)

// Commands.
const (
	CmdPrepare       byte = 'p'
	CmdBegin         byte = 'b'
	CmdData          byte = 'd'
	CmdPing          byte = '?'
	CmdStop          byte = 's'
	CmdClearEStop    byte = 'c'
	CmdQueueRate     byte = 'q'
	CmdEmergencyStop byte = 0xFF
)

// Ack response codes.
const (
	RespAck      byte = 'a'
	RespFull     byte = 'F'
	RespInvalid  byte = 'I'
	RespStopCond byte = '!'
)

// Playback states.
const (
	PlaybackIdle     uint8 = 0
	PlaybackPrepared uint8 = 1
	PlaybackPlaying  uint8 = 2
)

// Light engine states.
const (
	LightEngineReady    uint8 = 0
	LightEngineWarmup   uint8 = 1
	LightEngineCooldown uint8 = 2
	LightEngineEStop    uint8 = 3
)

// Playback flag bits.
const (
	FlagShutterOpen uint16 = 1 << 0
	FlagUnderflow   uint16 = 1 << 1
	FlagEStop       uint16 = 1 << 2
)

// ControlRateChange on a point applies the next queued rate change.
const ControlRateChange uint16 = 1 << 15

// DACStatus is the 20-byte status block carried by acks and broadcasts.
type DACStatus struct {
	Protocol         uint8
	LightEngineState uint8
	PlaybackState    uint8
	Source           uint8
	LightEngineFlags uint16
	PlaybackFlags    uint16
	SourceFlags      uint16
	BufferFullness   uint16
	PointRate        uint32
	PointCount       uint32
}

// Underflow reports whether the last stream ended because the buffer ran dry.
func (s DACStatus) Underflow() bool { return s.PlaybackFlags&FlagUnderflow != 0 }

// EStopped reports whether the light engine is in emergency stop.
func (s DACStatus) EStopped() bool { return s.LightEngineState == LightEngineEStop }

// MarshalBinary encodes the status block.
func (s DACStatus) MarshalBinary() ([]byte, error) {
	return s.appendTo(make([]byte, 0, StatusSize)), nil
}

func (s DACStatus) appendTo(b []byte) []byte {
	b = append(b, s.Protocol, s.LightEngineState, s.PlaybackState, s.Source)
	b = binary.LittleEndian.AppendUint16(b, s.LightEngineFlags)
	b = binary.LittleEndian.AppendUint16(b, s.PlaybackFlags)
	b = binary.LittleEndian.AppendUint16(b, s.SourceFlags)
	b = binary.LittleEndian.AppendUint16(b, s.BufferFullness)
	b = binary.LittleEndian.AppendUint32(b, s.PointRate)
	b = binary.LittleEndian.AppendUint32(b, s.PointCount)
	return b
}

// UnmarshalBinary decodes a status block.
func (s *DACStatus) UnmarshalBinary(b []byte) error {
	if len(b) < StatusSize {
		return fmt.Errorf("status: need %d bytes, got %d", StatusSize, len(b))
	}
	s.Protocol = b[0]
	s.LightEngineState = b[1]
	s.PlaybackState = b[2]
	s.Source = b[3]
	s.LightEngineFlags = binary.LittleEndian.Uint16(b[4:])
	s.PlaybackFlags = binary.LittleEndian.Uint16(b[6:])
	s.SourceFlags = binary.LittleEndian.Uint16(b[8:])
	s.BufferFullness = binary.LittleEndian.Uint16(b[10:])
	s.PointRate = binary.LittleEndian.Uint32(b[12:])
	s.PointCount = binary.LittleEndian.Uint32(b[16:])
	return nil
}

// Broadcast is the periodic UDP advertisement.
type Broadcast struct {
	MAC              net.HardwareAddr
	HardwareRevision uint16
	SoftwareRevision uint16
	BufferCapacity   uint16
	MaxPointRate     uint32
	Status           DACStatus
}

// MarshalBinary encodes the advertisement.
func (b Broadcast) MarshalBinary() ([]byte, error) {
	if len(b.MAC) != 6 {
		return nil, fmt.Errorf("broadcast: mac must be 6 bytes, got %d", len(b.MAC))
	}
	out := make([]byte, 0, BroadcastSize)
	out = append(out, b.MAC...)
	out = binary.LittleEndian.AppendUint16(out, b.HardwareRevision)
	out = binary.LittleEndian.AppendUint16(out, b.SoftwareRevision)
	out = binary.LittleEndian.AppendUint16(out, b.BufferCapacity)
	out = binary.LittleEndian.AppendUint32(out, b.MaxPointRate)
	return b.Status.appendTo(out), nil
}

// UnmarshalBinary decodes an advertisement. Trailing bytes are ignored.
func (b *Broadcast) UnmarshalBinary(data []byte) error {
	if len(data) < BroadcastSize {
		return fmt.Errorf("broadcast: need %d bytes, got %d", BroadcastSize, len(data))
	}
	b.MAC = net.HardwareAddr(append([]byte(nil), data[:6]...))
	b.HardwareRevision = binary.LittleEndian.Uint16(data[6:])
	b.SoftwareRevision = binary.LittleEndian.Uint16(data[8:])
	b.BufferCapacity = binary.LittleEndian.Uint16(data[10:])
	b.MaxPointRate = binary.LittleEndian.Uint32(data[12:])
	return b.Status.UnmarshalBinary(data[16:])
}

// Ack is the DAC's reply to every command.
type Ack struct {
	Response byte
	Command  byte
	Status   DACStatus
}

// MarshalBinary encodes the ack.
func (a Ack) MarshalBinary() ([]byte, error) {
	return a.Status.appendTo([]byte{a.Response, a.Command}), nil
}

// UnmarshalBinary decodes an ack.
func (a *Ack) UnmarshalBinary(b []byte) error {
	if len(b) < AckSize {
		return fmt.Errorf("ack: need %d bytes, got %d", AckSize, len(b))
	}
	a.Response = b[0]
	a.Command = b[1]
	return a.Status.UnmarshalBinary(b[2:])
}

// WirePoint is one 18-byte sample.
type WirePoint struct {
	Control uint16
	X, Y    int16
	R, G, B uint16
	I       uint16
	U1, U2  uint16
}

// EncodePoint converts a clipped point to the wire sample. Blanked points
// carry zero colour and intensity.
func EncodePoint(p laser.Point) WirePoint {
	w := WirePoint{
		X: toCoord(p.Position.X),
		Y: toCoord(p.Position.Y),
	}
	if p.Blank {
		return w
	}
	w.R = toChannel(p.Color.R)
	w.G = toChannel(p.Color.G)
	w.B = toChannel(p.Color.B)
	w.I = max(w.R, w.G, w.B)
	return w
}

// DecodePoint converts a wire sample back to a point.
func DecodePoint(w WirePoint) laser.Point {
	c := laser.Color{
		R: float64(w.R) / math.MaxUint16,
		G: float64(w.G) / math.MaxUint16,
		B: float64(w.B) / math.MaxUint16,
	}
	x := float64(w.X) / math.MaxInt16
	y := float64(w.Y) / math.MaxInt16
	if w.R == 0 && w.G == 0 && w.B == 0 {
		return laser.BlankAt(r2.Vec{X: x, Y: y})
	}
	return laser.Pt(x, y, c)
}

func toCoord(v float64) int16 {
	v = math.Max(-1, math.Min(1, v))
	return int16(math.Round(v * math.MaxInt16))
}

func toChannel(v float64) uint16 {
	v = math.Max(0, math.Min(1, v))
	return uint16(math.Round(v * math.MaxUint16))
}

func appendPoint(b []byte, w WirePoint) []byte {
	b = binary.LittleEndian.AppendUint16(b, w.Control)
	b = binary.LittleEndian.AppendUint16(b, uint16(w.X))
	b = binary.LittleEndian.AppendUint16(b, uint16(w.Y))
	for _, v := range [...]uint16{w.R, w.G, w.B, w.I, w.U1, w.U2} {
		b = binary.LittleEndian.AppendUint16(b, v)
	}
	return b
}

func readPoint(b []byte) WirePoint {
	return WirePoint{
		Control: binary.LittleEndian.Uint16(b[0:]),
		X:       int16(binary.LittleEndian.Uint16(b[2:])),
		Y:       int16(binary.LittleEndian.Uint16(b[4:])),
		R:       binary.LittleEndian.Uint16(b[6:]),
		G:       binary.LittleEndian.Uint16(b[8:]),
		B:       binary.LittleEndian.Uint16(b[10:]),
		I:       binary.LittleEndian.Uint16(b[12:]),
		U1:      binary.LittleEndian.Uint16(b[14:]),
		U2:      binary.LittleEndian.Uint16(b[16:]),
	}
}

// DataCommand encodes a 'd' command carrying points.
func DataCommand(points []WirePoint) []byte {
	b := make([]byte, 0, 3+len(points)*PointSize)
	b = append(b, CmdData)
	b = binary.LittleEndian.AppendUint16(b, uint16(len(points)))
	for _, p := range points {
		b = appendPoint(b, p)
	}
	return b
}

// ParseDataCommand decodes the points of a 'd' command.
func ParseDataCommand(b []byte) ([]WirePoint, error) {
	if len(b) < 3 || b[0] != CmdData {
		return nil, fmt.Errorf("data: bad header")
	}
	n := int(binary.LittleEndian.Uint16(b[1:]))
	if len(b) < 3+n*PointSize {
		return nil, fmt.Errorf("data: %d points need %d bytes, got %d", n, 3+n*PointSize, len(b))
	}
	out := make([]WirePoint, n)
	for i := range out {
		out[i] = readPoint(b[3+i*PointSize:])
	}
	return out, nil
}

// BeginCommand encodes a 'b' command.
func BeginCommand(lowWater uint16, rate uint32) []byte {
	b := []byte{CmdBegin}
	b = binary.LittleEndian.AppendUint16(b, lowWater)
	return binary.LittleEndian.AppendUint32(b, rate)
}

// QueueRateCommand encodes a 'q' command.
func QueueRateCommand(rate uint32) []byte {
	return binary.LittleEndian.AppendUint32([]byte{CmdQueueRate}, rate)
}

// CommandSize returns the full length of the command starting with op given
// its header, or -1 when op is unknown. For 'd' the header must include the
// two count bytes.
func CommandSize(header []byte) int {
	if len(header) == 0 {
		return -1
	}
	switch header[0] {
	case CmdPrepare, CmdPing, CmdStop, CmdClearEStop, CmdEmergencyStop, 0:
		return 1
	case CmdBegin:
		return 7
	case CmdQueueRate:
		return 5
	case CmdData:
		if len(header) < 3 {
			return 3
		}
		return 3 + int(binary.LittleEndian.Uint16(header[1:]))*PointSize
	default:
		return -1
	}
}

// BeginRate returns the point rate of a 'b' command.
func BeginRate(cmd []byte) uint32 {
	if len(cmd) < 7 {
		return 0
	}
	return binary.LittleEndian.Uint32(cmd[3:])
}
