package dac

import (
	"context"
	"errors"
	"net"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestUDPListener_ReportsValidAdverts(t *testing.T) {
	from := &net.UDPAddr{IP: net.IPv4(10, 0, 0, 7), Port: 7654}
	sock := NewMockUDPSocket(
		MockUDPPacket{Data: []byte("aa 30000 1799"), Addr: from},
		MockUDPPacket{Data: []byte("garbage"), Addr: from},
		MockUDPPacket{Data: []byte("aa 30000 1799"), Addr: from},
	)
	l := NewUDPListener(UDPListenerConfig{
		Address: ":7654",
		Parser:  textParser{},
		Sockets: &MockUDPSocketFactory{Socket: sock},
	})

	r := NewRegistry(nil)
	var mu sync.Mutex
	var seen int
	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() {
		done <- l.Run(ctx, func(d Descriptor) {
			mu.Lock()
			seen++
			mu.Unlock()
			r.Observe(d)
		})
	}()

	require.Eventually(t, func() bool {
		packets, _ := l.Counts()
		return packets == 3
	}, time.Second, 5*time.Millisecond)

	sock.Inject([]byte("bb 20000 1000"), &net.UDPAddr{IP: net.IPv4(10, 0, 0, 8), Port: 7654})
	require.Eventually(t, func() bool { return r.Len() == 2 }, time.Second, 5*time.Millisecond)

	cancel()
	select {
	case err := <-done:
		assert.ErrorIs(t, err, context.Canceled)
	case <-time.After(time.Second):
		t.Fatal("listener did not stop after cancel")
	}

	_, malformed := l.Counts()
	assert.Equal(t, int64(1), malformed)
	mu.Lock()
	assert.Equal(t, 3, seen)
	mu.Unlock()
	assert.True(t, sock.Closed())

	d, ok := r.Lookup(MakeIdentity(FamilyEtherDream, "aa"))
	require.True(t, ok)
	assert.Equal(t, "10.0.0.7:7765", d.Addr)
}

func TestUDPListener_ListenError(t *testing.T) {
	l := NewUDPListener(UDPListenerConfig{
		Address: ":7654",
		Parser:  textParser{},
		Sockets: &MockUDPSocketFactory{Err: errors.New("address in use")},
	})
	err := l.Run(context.Background(), func(Descriptor) {})
	assert.ErrorContains(t, err, "address in use")
}

func TestUDPListener_RequiresParser(t *testing.T) {
	l := NewUDPListener(UDPListenerConfig{Address: ":7654"})
	assert.Error(t, l.Run(context.Background(), func(Descriptor) {}))
}

func TestUDPListener_RealSocket(t *testing.T) {
	l := NewUDPListener(UDPListenerConfig{Address: "127.0.0.1:0", Parser: textParser{}})
	ctx, cancel := context.WithTimeout(context.Background(), 150*time.Millisecond)
	defer cancel()
	err := l.Run(ctx, func(Descriptor) {})
	assert.ErrorIs(t, err, context.DeadlineExceeded)
}
