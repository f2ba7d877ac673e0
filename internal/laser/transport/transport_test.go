package transport

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net"
	"syscall"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/banshee-data/laserstream/internal/laser"
	"github.com/banshee-data/laserstream/internal/laser/dac"
)

func TestStatus_FreeAndDrain(t *testing.T) {
	s := Status{Fullness: 1500, Capacity: 1799, PointRate: 30000}
	assert.Equal(t, 299, s.Free())
	assert.Equal(t, 10*time.Millisecond, s.DrainTime(300))
	assert.Equal(t, time.Duration(0), s.DrainTime(0))

	assert.Equal(t, 0, Status{Fullness: 10, Capacity: 5}.Free())
	assert.Equal(t, time.Duration(0), Status{}.DrainTime(100))
}

type timeoutErr struct{}

func (timeoutErr) Error() string   { return "i/o timeout" }
func (timeoutErr) Timeout() bool   { return true }
func (timeoutErr) Temporary() bool { return true }

func TestClassify(t *testing.T) {
	tests := []struct {
		name string
		err  error
		want Kind
	}{
		{"deadline", context.DeadlineExceeded, KindTimeout},
		{"net timeout", &net.OpError{Op: "read", Err: timeoutErr{}}, KindTimeout},
		{"eof", io.EOF, KindConnectionReset},
		{"reset", fmt.Errorf("write: %w", syscall.ECONNRESET), KindConnectionReset},
		{"closed", net.ErrClosed, KindConnectionReset},
		{"typed", &Error{Kind: KindMalformedAck, Op: "ack"}, KindMalformedAck},
		{"other", errors.New("boom"), KindOther},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.want, Classify(tt.err))
		})
	}
}

func TestError_MatchesTransportIO(t *testing.T) {
	err := Wrap("send", io.EOF)
	assert.ErrorIs(t, err, laser.ErrTransportIO)
	assert.ErrorIs(t, err, io.EOF)
	assert.Equal(t, KindConnectionReset, Classify(err))
	assert.Equal(t, "send: connection-reset: EOF", err.Error())

	assert.NoError(t, Wrap("send", nil))

	under := fmt.Errorf("poll: %w", laser.ErrBufferUnderrun)
	assert.Same(t, under, Wrap("poll", under))

	bad := Errorf(KindMalformedAck, "ack", "response %q", 'x')
	assert.Same(t, bad, Wrap("send", bad))
	assert.ErrorIs(t, bad, laser.ErrTransportIO)
}

func TestKindRetryable(t *testing.T) {
	assert.True(t, KindTimeout.Retryable())
	assert.True(t, KindBufferFull.Retryable())
	assert.False(t, KindConnectionReset.Retryable())
	assert.False(t, KindMalformedAck.Retryable())
}

func TestDialers_DispatchByFamily(t *testing.T) {
	var dialed dac.Family
	ds := Dialers{
		dac.FamilySim: DialerFunc(func(_ context.Context, d dac.Descriptor, _ Params) (Adapter, Handshake, error) {
			dialed = d.Family
			return nil, Handshake{PointRate: 1000}, nil
		}),
	}
	_, hs, err := ds.Dial(context.Background(), dac.Descriptor{Family: dac.FamilySim}, Params{})
	require.NoError(t, err)
	assert.Equal(t, dac.FamilySim, dialed)
	assert.Equal(t, uint32(1000), hs.PointRate)

	_, _, err = ds.Dial(context.Background(), dac.Descriptor{Family: dac.FamilySerial}, Params{})
	assert.ErrorIs(t, err, laser.ErrHandshakeFailure)
}

func TestParamsDefaults(t *testing.T) {
	assert.Equal(t, time.Second, Params{}.GetIOTimeout())
	assert.NotNil(t, Params{}.GetClock())
}
