package laser

import "errors"

// Error kinds surfaced by the engine. Callers match them with errors.Is;
// concrete errors wrap one of these with context.
var (
	// ErrDiscoveryTimeout: no matching DAC advertised itself in time.
	ErrDiscoveryTimeout = errors.New("dac discovery timed out")

	// ErrHandshakeFailure: the DAC did not complete the connect handshake.
	ErrHandshakeFailure = errors.New("dac handshake failed")

	// ErrTransportIO: a send or poll failed at the transport layer.
	ErrTransportIO = errors.New("dac transport i/o error")

	// ErrBufferUnderrun: the DAC drained its buffer before it was refilled.
	ErrBufferUnderrun = errors.New("dac buffer underrun")

	// ErrFrameOverflow: a render cycle produced more points than fit the
	// interval, or the render callback overran its deadline.
	ErrFrameOverflow = errors.New("frame overflow")

	// ErrSafetyViolation: a point needed clipping. Logged, never fatal.
	ErrSafetyViolation = errors.New("safety violation")

	// ErrConfigurationInvalid: rejected at setup time.
	ErrConfigurationInvalid = errors.New("invalid configuration")

	// ErrClosed is returned by operations on a closed buffer or connection.
	ErrClosed = errors.New("closed")
)
