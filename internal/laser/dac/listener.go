package dac

import (
	"context"
	"errors"
	"fmt"
	"net"
	"sync/atomic"
	"time"

	"github.com/banshee-data/laserstream/internal/monitoring"
)

var logf = monitoring.Subsystem("discovery")

// UDPListener receives broadcast advertisements on a UDP port and reports
// each valid one.
type UDPListener struct {
	address string
	rcvBuf  int
	parser  AdvertParser
	sockets UDPSocketFactory

	packets   atomic.Int64
	malformed atomic.Int64
}

// UDPListenerConfig contains configuration options for the UDP listener.
type UDPListenerConfig struct {
	// Address to listen on, e.g. ":7654".
	Address string
	RcvBuf  int
	Parser  AdvertParser
	// Sockets defaults to RealUDPSocketFactory.
	Sockets UDPSocketFactory
}

// NewUDPListener creates a listener from config.
func NewUDPListener(config UDPListenerConfig) *UDPListener {
	sockets := config.Sockets
	if sockets == nil {
		sockets = RealUDPSocketFactory{}
	}
	rcvBuf := config.RcvBuf
	if rcvBuf == 0 {
		rcvBuf = 64 * 1024
	}
	return &UDPListener{
		address: config.Address,
		rcvBuf:  rcvBuf,
		parser:  config.Parser,
		sockets: sockets,
	}
}

// Name identifies the source in logs.
func (l *UDPListener) Name() string { return "udp " + l.address }

// Counts returns the packets received and the ones that failed to parse.
func (l *UDPListener) Counts() (packets, malformed int64) {
	return l.packets.Load(), l.malformed.Load()
}

// Run listens until ctx is cancelled.
func (l *UDPListener) Run(ctx context.Context, observe func(Descriptor)) error {
	if l.parser == nil {
		return errors.New("udp listener has no advertisement parser")
	}
	addr, err := net.ResolveUDPAddr("udp", l.address)
	if err != nil {
		return fmt.Errorf("failed to resolve UDP address: %w", err)
	}
	conn, err := l.sockets.ListenUDP("udp", addr)
	if err != nil {
		return fmt.Errorf("failed to listen on UDP address: %w", err)
	}
	defer conn.Close()

	if err := conn.SetReadBuffer(l.rcvBuf); err != nil {
		logf("Warning: failed to set UDP receive buffer size to %d: %v", l.rcvBuf, err)
	}
	logf("listening for DAC advertisements on %s", l.address)

	buffer := make([]byte, 1500)
	for {
		if ctx.Err() != nil {
			return ctx.Err()
		}
		// Set read deadline to allow checking context cancellation
		conn.SetReadDeadline(time.Now().Add(100 * time.Millisecond))

		n, from, err := conn.ReadFromUDP(buffer)
		if err != nil {
			var netErr net.Error
			if errors.As(err, &netErr) && netErr.Timeout() {
				continue
			}
			if ctx.Err() != nil {
				return ctx.Err()
			}
			if errors.Is(err, net.ErrClosed) {
				return err
			}
			logf("UDP read error: %v", err)
			continue
		}

		l.packets.Add(1)
		d, err := l.parser.ParseAdvert(buffer[:n], from)
		if err != nil {
			l.malformed.Add(1)
			logf("ignoring advertisement from %v: %v", from, err)
			continue
		}
		observe(d)
	}
}
