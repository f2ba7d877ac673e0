package etherdream

import (
	"io"
	"net"
	"sync"
	"testing"

	"github.com/stretchr/testify/require"
)

// fakeDAC is a single-connection Ether Dream on localhost.
type fakeDAC struct {
	t        *testing.T
	ln       net.Listener
	capacity int

	mu       sync.Mutex
	status   DACStatus
	commands []byte
	points   []WirePoint
	respond  map[byte]byte
	stall    bool
}

func newFakeDAC(t *testing.T) *fakeDAC {
	t.Helper()
	ln, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err)
	f := &fakeDAC{t: t, ln: ln, capacity: DefaultBufferCapacity, respond: map[byte]byte{}}
	t.Cleanup(func() { ln.Close() })
	go f.serve()
	return f
}

func (f *fakeDAC) addr() string { return f.ln.Addr().String() }

func (f *fakeDAC) setStatus(fn func(*DACStatus)) {
	f.mu.Lock()
	defer f.mu.Unlock()
	fn(&f.status)
}

// underflow ends playback the way the firmware does when it runs dry.
func (f *fakeDAC) underflow() {
	f.setStatus(func(s *DACStatus) {
		s.PlaybackState = PlaybackIdle
		s.PlaybackFlags |= FlagUnderflow
		s.BufferFullness = 0
	})
}

func (f *fakeDAC) respondWith(cmd, resp byte) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.respond[cmd] = resp
}

func (f *fakeDAC) setStall(v bool) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.stall = v
}

func (f *fakeDAC) received() ([]byte, []WirePoint) {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]byte(nil), f.commands...), append([]WirePoint(nil), f.points...)
}

func (f *fakeDAC) serve() {
	conn, err := f.ln.Accept()
	if err != nil {
		return
	}
	defer conn.Close()

	f.mu.Lock()
	greeting := Ack{Response: RespAck, Command: CmdPing, Status: f.status}
	f.mu.Unlock()
	if !f.write(conn, greeting) {
		return
	}

	for {
		cmd, err := f.readCommand(conn)
		if err != nil {
			return
		}
		f.mu.Lock()
		f.commands = append(f.commands, cmd[0])
		stall := f.stall
		resp := f.apply(cmd)
		if r, ok := f.respond[cmd[0]]; ok {
			resp = r
			delete(f.respond, cmd[0])
		}
		ack := Ack{Response: resp, Command: cmd[0], Status: f.status}
		f.mu.Unlock()
		if stall {
			// swallow the command and never answer
			io.Copy(io.Discard, conn)
			return
		}
		if !f.write(conn, ack) {
			return
		}
	}
}

func (f *fakeDAC) write(conn net.Conn, a Ack) bool {
	b, _ := a.MarshalBinary()
	_, err := conn.Write(b)
	return err == nil
}

func (f *fakeDAC) readCommand(conn net.Conn) ([]byte, error) {
	head := make([]byte, 1, 3)
	if _, err := io.ReadFull(conn, head); err != nil {
		return nil, err
	}
	if head[0] == CmdData {
		head = head[:3]
		if _, err := io.ReadFull(conn, head[1:]); err != nil {
			return nil, err
		}
	}
	n := CommandSize(head)
	if n < 0 {
		return head, nil
	}
	cmd := make([]byte, n)
	copy(cmd, head)
	if _, err := io.ReadFull(conn, cmd[len(head):]); err != nil {
		return nil, err
	}
	return cmd, nil
}

// apply updates the state machine; f.mu is held.
func (f *fakeDAC) apply(cmd []byte) byte {
	s := &f.status
	switch cmd[0] {
	case CmdPrepare:
		if s.PlaybackState != PlaybackIdle {
			return RespInvalid
		}
		s.PlaybackState = PlaybackPrepared
		s.PlaybackFlags = 0
		s.BufferFullness = 0
	case CmdBegin:
		if s.PlaybackState != PlaybackPrepared {
			return RespInvalid
		}
		s.PlaybackState = PlaybackPlaying
		s.PointRate = BeginRate(cmd)
	case CmdData:
		pts, err := ParseDataCommand(cmd)
		if err != nil {
			return RespInvalid
		}
		if int(s.BufferFullness)+len(pts) > f.capacity {
			return RespFull
		}
		f.points = append(f.points, pts...)
		s.BufferFullness += uint16(len(pts))
	case CmdStop:
		s.PlaybackState = PlaybackIdle
	case CmdClearEStop:
		s.LightEngineState = LightEngineReady
	case CmdPing, CmdQueueRate:
	default:
		return RespInvalid
	}
	return RespAck
}
