package config

import (
	"encoding/json"
	"fmt"
	"math"
	"os"
	"path/filepath"
	"strings"
	"time"

	"gonum.org/v1/gonum/spatial/r2"
	"gopkg.in/yaml.v3"

	"github.com/banshee-data/laserstream/internal/laser"
	"github.com/banshee-data/laserstream/internal/laser/dac"
	"github.com/banshee-data/laserstream/internal/laser/safety"
	"github.com/banshee-data/laserstream/internal/laser/stream"
	"github.com/banshee-data/laserstream/internal/laser/tessellate"
	"github.com/banshee-data/laserstream/internal/laser/transport"
	"github.com/banshee-data/laserstream/internal/laser/transport/serialdac"
)

// DefaultConfigPath is the canonical defaults file, relative to the
// repository root.
const DefaultConfigPath = "config/stream.defaults.json"

const maxFileSize = 1 * 1024 * 1024

// StreamConfig is the root configuration. Every field is optional; the Get
// accessors supply defaults for omitted ones, so partial files are safe.
type StreamConfig struct {
	// Output
	PointRate *uint32     `json:"point_rate,omitempty" yaml:"point_rate,omitempty"`
	FrameRate *float64    `json:"frame_rate,omitempty" yaml:"frame_rate,omitempty"`
	SafeRect  *RectConfig `json:"safe_rect,omitempty" yaml:"safe_rect,omitempty"`
	MaxPower  *float64    `json:"max_power,omitempty" yaml:"max_power,omitempty"`
	MaxJump   *float64    `json:"max_jump,omitempty" yaml:"max_jump,omitempty"`

	// Tessellation
	DistancePerPoint  *float64 `json:"distance_per_point,omitempty" yaml:"distance_per_point,omitempty"`
	BlankPoints       *int     `json:"blank_points,omitempty" yaml:"blank_points,omitempty"`
	CornerDelayPoints *int     `json:"corner_delay_points,omitempty" yaml:"corner_delay_points,omitempty"`
	CornerAngleDeg    *float64 `json:"corner_angle_deg,omitempty" yaml:"corner_angle_deg,omitempty"`
	// Truncation is drop-tail or drop-head.
	Truncation *string `json:"truncation,omitempty" yaml:"truncation,omitempty"`
	// OutOfBounds is clamp or blank.
	OutOfBounds *string `json:"out_of_bounds,omitempty" yaml:"out_of_bounds,omitempty"`

	// Streaming
	BufferSlots       *int    `json:"buffer_slots,omitempty" yaml:"buffer_slots,omitempty"`
	UnderrunThreshold *int    `json:"underrun_threshold,omitempty" yaml:"underrun_threshold,omitempty"`
	// Durations are strings like "50ms".
	RenderTimeout *string `json:"render_timeout,omitempty" yaml:"render_timeout,omitempty"`
	IOTimeout     *string `json:"io_timeout,omitempty" yaml:"io_timeout,omitempty"`

	// Discovery and connection
	Selection        *SelectionConfig       `json:"selection,omitempty" yaml:"selection,omitempty"`
	DiscoveryAddr    *string                `json:"discovery_addr,omitempty" yaml:"discovery_addr,omitempty"`
	DiscoveryTimeout *string                `json:"discovery_timeout,omitempty" yaml:"discovery_timeout,omitempty"`
	HandshakeRetries *int                   `json:"handshake_retries,omitempty" yaml:"handshake_retries,omitempty"`
	LivenessWindow   *string                `json:"liveness_window,omitempty" yaml:"liveness_window,omitempty"`
	AutoReconnect    *bool                  `json:"auto_reconnect,omitempty" yaml:"auto_reconnect,omitempty"`
	Serial           *serialdac.PortOptions `json:"serial,omitempty" yaml:"serial,omitempty"`
}

// RectConfig is the safe output rectangle in normalised coordinates.
type RectConfig struct {
	MinX float64 `json:"min_x" yaml:"min_x"`
	MinY float64 `json:"min_y" yaml:"min_y"`
	MaxX float64 `json:"max_x" yaml:"max_x"`
	MaxY float64 `json:"max_y" yaml:"max_y"`
}

// SelectionConfig chooses the DAC to stream to.
type SelectionConfig struct {
	// Mode is first-available, identity or address.
	Mode     string `json:"mode" yaml:"mode"`
	Identity string `json:"identity,omitempty" yaml:"identity,omitempty"`
	Address  string `json:"address,omitempty" yaml:"address,omitempty"`
	Family   string `json:"family,omitempty" yaml:"family,omitempty"`
}

func ptr[T any](v T) *T { return &v }

// LoadStreamConfig reads a .json, .yaml or .yml file and validates it.
func LoadStreamConfig(path string) (*StreamConfig, error) {
	cleanPath := filepath.Clean(path)
	ext := strings.ToLower(filepath.Ext(cleanPath))
	if ext != ".json" && ext != ".yaml" && ext != ".yml" {
		return nil, fmt.Errorf("config file must have .json, .yaml or .yml extension, got %q: %w", ext, laser.ErrConfigurationInvalid)
	}

	fileInfo, err := os.Stat(cleanPath)
	if err != nil {
		return nil, fmt.Errorf("failed to stat config file: %w", err)
	}
	if fileInfo.Size() > maxFileSize {
		return nil, fmt.Errorf("config file too large: %d bytes (max %d): %w", fileInfo.Size(), maxFileSize, laser.ErrConfigurationInvalid)
	}
	data, err := os.ReadFile(cleanPath)
	if err != nil {
		return nil, fmt.Errorf("failed to read config file: %w", err)
	}

	cfg := &StreamConfig{}
	if ext == ".json" {
		err = json.Unmarshal(data, cfg)
	} else {
		err = yaml.Unmarshal(data, cfg)
	}
	if err != nil {
		return nil, fmt.Errorf("failed to parse config %s: %w: %w", filepath.Base(cleanPath), laser.ErrConfigurationInvalid, err)
	}
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("invalid configuration: %w", err)
	}
	return cfg, nil
}

// MustLoadDefaultConfig loads DefaultConfigPath, searching parent
// directories so tests can call it from any package. It panics if the file
// cannot be loaded.
func MustLoadDefaultConfig() *StreamConfig {
	candidates := []string{
		DefaultConfigPath,
		"../../" + DefaultConfigPath,
		"../../../" + DefaultConfigPath,
		"../../../../" + DefaultConfigPath,
	}
	for _, path := range candidates {
		if cfg, err := LoadStreamConfig(path); err == nil {
			return cfg
		}
	}
	panic("cannot find " + DefaultConfigPath + " - run tests from repository root")
}

func invalid(format string, args ...any) error {
	return fmt.Errorf(format+": %w", append(args, laser.ErrConfigurationInvalid)...)
}

func checkDuration(name string, v *string) error {
	if v == nil || *v == "" {
		return nil
	}
	d, err := time.ParseDuration(*v)
	if err != nil {
		return invalid("invalid %s %q", name, *v)
	}
	if d <= 0 {
		return invalid("%s must be positive, got %s", name, d)
	}
	return nil
}

// Validate checks the fields that are set. Everything it rejects wraps
// laser.ErrConfigurationInvalid.
func (c *StreamConfig) Validate() error {
	if c.PointRate != nil && *c.PointRate == 0 {
		return invalid("point_rate must be positive")
	}
	if c.FrameRate != nil && !(*c.FrameRate > 0 && *c.FrameRate <= 1000) {
		return invalid("frame_rate must be within (0, 1000], got %v", *c.FrameRate)
	}
	if c.MaxPower != nil && !(*c.MaxPower > 0 && *c.MaxPower <= 3) {
		return invalid("max_power must be within (0, 3], got %v", *c.MaxPower)
	}
	if c.MaxJump != nil && !(*c.MaxJump > 0) {
		return invalid("max_jump must be positive, got %v", *c.MaxJump)
	}
	if c.SafeRect != nil && !c.SafeRect.rect().Valid() {
		return invalid("safe_rect %+v must lie within [-1,1] with min <= max", *c.SafeRect)
	}
	if c.DistancePerPoint != nil && !(*c.DistancePerPoint >= tessellate.MinDistancePerPoint) {
		return invalid("distance_per_point must be at least %v, got %v", tessellate.MinDistancePerPoint, *c.DistancePerPoint)
	}
	if c.MaxJump != nil || c.DistancePerPoint != nil {
		jump, spacing := safety.DefaultLimits().MaxJump, tessellate.DefaultParams().DistancePerPoint
		if c.MaxJump != nil {
			jump = *c.MaxJump
		}
		if c.DistancePerPoint != nil {
			spacing = *c.DistancePerPoint
		}
		// every lit step would exceed the jump limit and be blanked
		if jump < spacing {
			return invalid("max_jump %v is below distance_per_point %v", jump, spacing)
		}
	}
	if c.BlankPoints != nil && *c.BlankPoints < 0 {
		return invalid("blank_points must be non-negative, got %d", *c.BlankPoints)
	}
	if c.CornerDelayPoints != nil && *c.CornerDelayPoints < 0 {
		return invalid("corner_delay_points must be non-negative, got %d", *c.CornerDelayPoints)
	}
	if c.CornerAngleDeg != nil && (*c.CornerAngleDeg < 0 || *c.CornerAngleDeg > 180) {
		return invalid("corner_angle_deg must be within [0, 180], got %v", *c.CornerAngleDeg)
	}
	if c.Truncation != nil {
		if _, err := tessellate.ParseTruncationPolicy(*c.Truncation); err != nil {
			return err
		}
	}
	if c.OutOfBounds != nil {
		if _, err := safety.ParseOutOfBoundsPolicy(*c.OutOfBounds); err != nil {
			return err
		}
	}
	if c.BufferSlots != nil && *c.BufferSlots < 1 {
		return invalid("buffer_slots must be at least 1, got %d", *c.BufferSlots)
	}
	if c.UnderrunThreshold != nil && *c.UnderrunThreshold < 1 {
		return invalid("underrun_threshold must be at least 1, got %d", *c.UnderrunThreshold)
	}
	if c.HandshakeRetries != nil && *c.HandshakeRetries < 0 {
		return invalid("handshake_retries must be non-negative, got %d", *c.HandshakeRetries)
	}
	for name, v := range map[string]*string{
		"render_timeout":    c.RenderTimeout,
		"io_timeout":        c.IOTimeout,
		"discovery_timeout": c.DiscoveryTimeout,
		"liveness_window":   c.LivenessWindow,
	} {
		if err := checkDuration(name, v); err != nil {
			return err
		}
	}
	if c.Selection != nil {
		if _, err := c.Selector(); err != nil {
			return err
		}
	}
	if c.Serial != nil {
		if _, err := c.Serial.Normalize(); err != nil {
			return invalid("serial: %v", err)
		}
	}
	return nil
}

func (r RectConfig) rect() laser.Rect {
	return laser.Rect{Min: r2.Vec{X: r.MinX, Y: r.MinY}, Max: r2.Vec{X: r.MaxX, Y: r.MaxY}}
}

func durationOr(v *string, def time.Duration) time.Duration {
	if v == nil || *v == "" {
		return def
	}
	d, err := time.ParseDuration(*v)
	if err != nil || d <= 0 {
		return def
	}
	return d
}

// GetPointRate returns point_rate or 30000.
func (c *StreamConfig) GetPointRate() uint32 {
	if c.PointRate == nil {
		return 30000
	}
	return *c.PointRate
}

// GetFrameRate returns frame_rate or 60.
func (c *StreamConfig) GetFrameRate() float64 {
	if c.FrameRate == nil {
		return 60
	}
	return *c.FrameRate
}

func (c *StreamConfig) GetRenderTimeout() time.Duration {
	return durationOr(c.RenderTimeout, 50*time.Millisecond)
}

func (c *StreamConfig) GetIOTimeout() time.Duration {
	return durationOr(c.IOTimeout, time.Second)
}

func (c *StreamConfig) GetDiscoveryTimeout() time.Duration {
	return durationOr(c.DiscoveryTimeout, 5*time.Second)
}

func (c *StreamConfig) GetLivenessWindow() time.Duration {
	return durationOr(c.LivenessWindow, 5*time.Second)
}

// GetHandshakeRetries returns handshake_retries or 3.
func (c *StreamConfig) GetHandshakeRetries() int {
	if c.HandshakeRetries == nil {
		return 3
	}
	return *c.HandshakeRetries
}

// GetDiscoveryAddr returns the Ether Dream broadcast listen address.
func (c *StreamConfig) GetDiscoveryAddr() string {
	if c.DiscoveryAddr == nil || *c.DiscoveryAddr == "" {
		return ":7654"
	}
	return *c.DiscoveryAddr
}

// GetAutoReconnect returns auto_reconnect or true.
func (c *StreamConfig) GetAutoReconnect() bool {
	if c.AutoReconnect == nil {
		return true
	}
	return *c.AutoReconnect
}

// GetSerial returns the normalised serial port options.
func (c *StreamConfig) GetSerial() serialdac.PortOptions {
	var o serialdac.PortOptions
	if c.Serial != nil {
		o = *c.Serial
	}
	n, err := o.Normalize()
	if err != nil {
		n, _ = serialdac.PortOptions{}.Normalize()
	}
	return n
}

// TessellateParams merges the tessellation fields over the defaults.
func (c *StreamConfig) TessellateParams() (tessellate.Params, error) {
	p := tessellate.DefaultParams()
	if c.DistancePerPoint != nil {
		p.DistancePerPoint = *c.DistancePerPoint
	}
	if c.BlankPoints != nil {
		p.BlankPoints = *c.BlankPoints
	}
	if c.CornerDelayPoints != nil {
		p.CornerDelayPoints = *c.CornerDelayPoints
	}
	if c.CornerAngleDeg != nil {
		p.CornerAngle = *c.CornerAngleDeg * math.Pi / 180
	}
	if c.Truncation != nil {
		t, err := tessellate.ParseTruncationPolicy(*c.Truncation)
		if err != nil {
			return p, err
		}
		p.Truncation = t
	}
	return p, p.Validate()
}

// Limits merges the safety fields over the defaults.
func (c *StreamConfig) Limits() (safety.Limits, error) {
	l := safety.DefaultLimits()
	if c.SafeRect != nil {
		l.Rect = c.SafeRect.rect()
	}
	if c.MaxPower != nil {
		l.MaxPower = *c.MaxPower
	}
	if c.MaxJump != nil {
		l.MaxJump = *c.MaxJump
	}
	if c.OutOfBounds != nil {
		p, err := safety.ParseOutOfBoundsPolicy(*c.OutOfBounds)
		if err != nil {
			return l, err
		}
		l.OutOfBounds = p
	}
	return l, l.Validate()
}

// Selector converts the selection block. No block selects the first
// available DAC.
func (c *StreamConfig) Selector() (dac.Selector, error) {
	if c.Selection == nil {
		return dac.Selector{}, nil
	}
	mode, err := dac.ParseSelectionMode(c.Selection.Mode)
	if err != nil {
		return dac.Selector{}, err
	}
	sel := dac.Selector{
		Mode:     mode,
		Identity: dac.Identity(strings.ToLower(c.Selection.Identity)),
		Address:  c.Selection.Address,
		Family:   dac.Family(c.Selection.Family),
	}
	return sel, sel.Validate()
}

// StreamOptions builds the per-connection options. Clock, Events and
// OnState are left for the caller.
func (c *StreamConfig) StreamOptions() (stream.Options, error) {
	o := stream.DefaultOptions()
	var err error
	if o.Tessellate, err = c.TessellateParams(); err != nil {
		return o, err
	}
	if o.Limits, err = c.Limits(); err != nil {
		return o, err
	}
	o.FrameRate = c.GetFrameRate()
	if c.BufferSlots != nil {
		o.BufferSlots = *c.BufferSlots
	}
	if c.UnderrunThreshold != nil {
		o.UnderrunThreshold = *c.UnderrunThreshold
	}
	o.RenderTimeout = c.GetRenderTimeout()
	return o, o.Validate()
}

// TransportParams builds the dial parameters.
func (c *StreamConfig) TransportParams() transport.Params {
	return transport.Params{
		PointRate: c.GetPointRate(),
		IOTimeout: c.GetIOTimeout(),
	}
}
