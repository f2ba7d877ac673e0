package dac

import (
	"bytes"
	"context"
	"io"
	"net"
	"testing"
	"time"

	"github.com/google/gopacket"
	"github.com/google/gopacket/layers"
	"github.com/google/gopacket/pcapgo"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type capturedDatagram struct {
	src     net.IP
	dstPort uint16
	payload string
	at      time.Time
}

func buildCapture(t *testing.T, datagrams ...capturedDatagram) []byte {
	t.Helper()
	var out bytes.Buffer
	w := pcapgo.NewWriter(&out)
	require.NoError(t, w.WriteFileHeader(65536, layers.LinkTypeEthernet))

	for _, dg := range datagrams {
		eth := &layers.Ethernet{
			SrcMAC:       net.HardwareAddr{0x00, 0x11, 0x22, 0x33, 0x44, 0x55},
			DstMAC:       net.HardwareAddr{0xff, 0xff, 0xff, 0xff, 0xff, 0xff},
			EthernetType: layers.EthernetTypeIPv4,
		}
		ip := &layers.IPv4{
			Version:  4,
			TTL:      64,
			Protocol: layers.IPProtocolUDP,
			SrcIP:    dg.src,
			DstIP:    net.IPv4(255, 255, 255, 255),
		}
		udp := &layers.UDP{SrcPort: 7654, DstPort: layers.UDPPort(dg.dstPort)}
		require.NoError(t, udp.SetNetworkLayerForChecksum(ip))

		buf := gopacket.NewSerializeBuffer()
		opts := gopacket.SerializeOptions{FixLengths: true, ComputeChecksums: true}
		require.NoError(t, gopacket.SerializeLayers(buf, opts, eth, ip, udp, gopacket.Payload(dg.payload)))

		data := buf.Bytes()
		require.NoError(t, w.WritePacket(gopacket.CaptureInfo{
			Timestamp:     dg.at,
			CaptureLength: len(data),
			Length:        len(data),
		}, data))
	}
	return out.Bytes()
}

func replayOf(capture []byte) *PCAPReplay {
	p := NewPCAPReplay("capture.pcap", 7654, textParser{})
	p.open = func(string) (io.ReadCloser, error) {
		return io.NopCloser(bytes.NewReader(capture)), nil
	}
	return p
}

func TestPCAPReplay_Replay(t *testing.T) {
	t0 := time.Unix(1700000000, 0).UTC()
	capture := buildCapture(t,
		capturedDatagram{src: net.IPv4(10, 0, 0, 5), dstPort: 7654, payload: "aa 30000 1799", at: t0},
		capturedDatagram{src: net.IPv4(10, 0, 0, 6), dstPort: 9999, payload: "bb 30000 1799", at: t0.Add(time.Second)},
		capturedDatagram{src: net.IPv4(10, 0, 0, 5), dstPort: 7654, payload: "broken", at: t0.Add(2 * time.Second)},
		capturedDatagram{src: net.IPv4(10, 0, 0, 5), dstPort: 7654, payload: "aa 30000 1799", at: t0.Add(3 * time.Second)},
	)

	var got []Descriptor
	stats, err := replayOf(capture).Replay(context.Background(), func(d Descriptor, _ time.Time) {
		got = append(got, d)
	})
	require.NoError(t, err)

	assert.Equal(t, 4, stats.Packets)
	assert.Equal(t, 3, stats.Matched)
	assert.Equal(t, 1, stats.Malformed)
	assert.Equal(t, map[Identity]int{MakeIdentity(FamilyEtherDream, "aa"): 2}, stats.Identities)
	assert.True(t, stats.FirstSeen.Equal(t0))
	assert.True(t, stats.LastSeen.Equal(t0.Add(3*time.Second)))

	require.Len(t, got, 2)
	assert.Equal(t, "10.0.0.5:7765", got[0].Addr)
}

func TestPCAPReplay_RunFeedsRegistry(t *testing.T) {
	capture := buildCapture(t,
		capturedDatagram{src: net.IPv4(10, 0, 0, 5), dstPort: 7654, payload: "aa 30000 1799", at: time.Unix(1, 0)},
		capturedDatagram{src: net.IPv4(10, 0, 0, 9), dstPort: 7654, payload: "cc 20000 512", at: time.Unix(2, 0)},
	)
	r := NewRegistry(nil)
	require.NoError(t, replayOf(capture).Run(context.Background(), func(d Descriptor) { r.Observe(d) }))

	require.Equal(t, 2, r.Len())
	d, _ := r.Lookup(MakeIdentity(FamilyEtherDream, "aa"))
	// stamped at observe time rather than capture time
	assert.WithinDuration(t, time.Now(), d.LastSeen, time.Minute)
}

func TestPCAPReplay_BadFile(t *testing.T) {
	p := replayOf([]byte("not a pcap file at all"))
	_, err := p.Replay(context.Background(), func(Descriptor, time.Time) {})
	assert.Error(t, err)

	missing := NewPCAPReplay("/does/not/exist.pcap", 7654, textParser{})
	assert.Error(t, missing.Run(context.Background(), func(Descriptor) {}))
}
