// Package serialdac drives free-running USB-serial laser DACs. The device
// plays points at a fixed rate from an internal FIFO and never acknowledges
// frames, so buffer fullness is estimated from elapsed time.
//
// Wire format: the host sends "LSD?\n" and the device answers
// "LSD <rate> <capacity> <serial>\n". Points are sent in frames of
// 0xA5, a little-endian u16 point count, count 8-byte points
// (x i16, y i16, r u8, g u8, b u8, flags u8) and an xor checksum of every
// byte after the sync byte.
package serialdac

import (
	"encoding/binary"
	"errors"
	"fmt"
	"math"
	"strconv"
	"strings"

	"gonum.org/v1/gonum/spatial/r2"

	"github.com/banshee-data/laserstream/internal/laser"
)

// FrameSync starts every point frame.
const FrameSync byte = 0xA5

const (
	PointSize = 8

	// MaxFramePoints bounds one frame so a checksum error loses little.
	MaxFramePoints = 1024
)

// FlagBlank marks a point that must not emit light.
const FlagBlank uint8 = 1 << 0

const (
	helloQuery  = "LSD?\n"
	helloPrefix = "LSD"
)

// Hello is the device's handshake reply.
type Hello struct {
	PointRate uint32
	Capacity  int
	Serial    string
}

func (h Hello) String() string {
	return fmt.Sprintf("%s %d %d %s\n", helloPrefix, h.PointRate, h.Capacity, h.Serial)
}

// ParseHello parses one handshake line.
func ParseHello(line string) (Hello, error) {
	fields := strings.Fields(line)
	if len(fields) != 4 || fields[0] != helloPrefix {
		return Hello{}, fmt.Errorf("unexpected hello %q", strings.TrimSpace(line))
	}
	rate, err := strconv.ParseUint(fields[1], 10, 32)
	if err != nil || rate == 0 {
		return Hello{}, fmt.Errorf("bad point rate %q", fields[1])
	}
	capacity, err := strconv.Atoi(fields[2])
	if err != nil || capacity <= 0 {
		return Hello{}, fmt.Errorf("bad capacity %q", fields[2])
	}
	return Hello{PointRate: uint32(rate), Capacity: capacity, Serial: fields[3]}, nil
}

// EncodeFrame appends one frame carrying points to b.
func EncodeFrame(b []byte, points []laser.Point) []byte {
	start := len(b)
	b = append(b, FrameSync)
	b = binary.LittleEndian.AppendUint16(b, uint16(len(points)))
	for _, p := range points {
		b = binary.LittleEndian.AppendUint16(b, uint16(toCoord(p.Position.X)))
		b = binary.LittleEndian.AppendUint16(b, uint16(toCoord(p.Position.Y)))
		if p.Blank {
			b = append(b, 0, 0, 0, FlagBlank)
			continue
		}
		b = append(b, toChannel(p.Color.R), toChannel(p.Color.G), toChannel(p.Color.B), 0)
	}
	return append(b, checksum(b[start+1:]))
}

// DecodeFrame parses one frame from the start of b and returns the points
// and the number of bytes consumed.
func DecodeFrame(b []byte) ([]laser.Point, int, error) {
	if len(b) < 4 || b[0] != FrameSync {
		return nil, 0, errors.New("frame: missing sync")
	}
	n := int(binary.LittleEndian.Uint16(b[1:]))
	size := 3 + n*PointSize + 1
	if len(b) < size {
		return nil, 0, fmt.Errorf("frame: %d points need %d bytes, got %d", n, size, len(b))
	}
	if sum := checksum(b[1 : size-1]); sum != b[size-1] {
		return nil, 0, fmt.Errorf("frame: checksum %#x, want %#x", b[size-1], sum)
	}
	out := make([]laser.Point, n)
	for i := range out {
		p := b[3+i*PointSize:]
		pos := r2.Vec{
			X: float64(int16(binary.LittleEndian.Uint16(p[0:]))) / math.MaxInt16,
			Y: float64(int16(binary.LittleEndian.Uint16(p[2:]))) / math.MaxInt16,
		}
		if p[7]&FlagBlank != 0 {
			out[i] = laser.BlankAt(pos)
			continue
		}
		out[i] = laser.Point{Position: pos, Color: laser.Color{
			R: float64(p[4]) / math.MaxUint8,
			G: float64(p[5]) / math.MaxUint8,
			B: float64(p[6]) / math.MaxUint8,
		}}
	}
	return out, size, nil
}

func checksum(b []byte) byte {
	var sum byte
	for _, v := range b {
		sum ^= v
	}
	return sum
}

func toCoord(v float64) int16 {
	return int16(math.Round(math.Max(-1, math.Min(1, v)) * math.MaxInt16))
}

func toChannel(v float64) uint8 {
	return uint8(math.Round(math.Max(0, math.Min(1, v)) * math.MaxUint8))
}
