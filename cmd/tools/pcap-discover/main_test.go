package main

import (
	"bytes"
	"context"
	"net"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/google/gopacket"
	"github.com/google/gopacket/layers"
	"github.com/google/gopacket/pcapgo"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/banshee-data/laserstream/internal/laser/transport/etherdream"
)

func writeCapture(t *testing.T, adverts map[string]etherdream.Broadcast, times []time.Time) string {
	t.Helper()
	var out bytes.Buffer
	w := pcapgo.NewWriter(&out)
	require.NoError(t, w.WriteFileHeader(65536, layers.LinkTypeEthernet))

	for _, at := range times {
		for src, b := range adverts {
			payload, err := b.MarshalBinary()
			require.NoError(t, err)
			eth := &layers.Ethernet{
				SrcMAC:       b.MAC,
				DstMAC:       net.HardwareAddr{0xff, 0xff, 0xff, 0xff, 0xff, 0xff},
				EthernetType: layers.EthernetTypeIPv4,
			}
			ip := &layers.IPv4{Version: 4, TTL: 64, Protocol: layers.IPProtocolUDP, SrcIP: net.ParseIP(src).To4(), DstIP: net.IPv4bcast}
			udp := &layers.UDP{SrcPort: etherdream.BroadcastPort, DstPort: etherdream.BroadcastPort}
			require.NoError(t, udp.SetNetworkLayerForChecksum(ip))
			buf := gopacket.NewSerializeBuffer()
			require.NoError(t, gopacket.SerializeLayers(buf, gopacket.SerializeOptions{FixLengths: true, ComputeChecksums: true}, eth, ip, udp, gopacket.Payload(payload)))
			data := buf.Bytes()
			require.NoError(t, w.WritePacket(gopacket.CaptureInfo{Timestamp: at, CaptureLength: len(data), Length: len(data)}, data))
		}
	}
	path := filepath.Join(t.TempDir(), "adverts.pcap")
	require.NoError(t, os.WriteFile(path, out.Bytes(), 0o644))
	return path
}

func TestAnalyse(t *testing.T) {
	base := time.Date(2026, 5, 1, 20, 0, 0, 0, time.UTC)
	path := writeCapture(t, map[string]etherdream.Broadcast{
		"10.0.0.20": {MAC: net.HardwareAddr{0, 0x11, 0x22, 0x33, 0x44, 0x55}, BufferCapacity: 1799, MaxPointRate: 100000},
		"10.0.0.21": {MAC: net.HardwareAddr{0, 0x11, 0x22, 0x33, 0x44, 0x66}, BufferCapacity: 1799, MaxPointRate: 50000},
	}, []time.Time{base, base.Add(time.Second), base.Add(2 * time.Second)})

	r, err := analyse(context.Background(), path, etherdream.BroadcastPort)
	require.NoError(t, err)
	assert.Equal(t, 6, r.Packets)
	assert.Equal(t, 6, r.Matched)
	assert.Zero(t, r.Malformed)
	require.Len(t, r.DACs, 2)

	first := r.DACs[0]
	assert.Equal(t, 3, first.Adverts)
	assert.Equal(t, time.Second, first.MeanInterval)
	assert.Equal(t, "10.0.0.20:7765", first.Addr)
	assert.Equal(t, uint32(100000), first.PointRate)

	var table bytes.Buffer
	printTable(&table, r)
	assert.Contains(t, table.String(), "6 packets, 6 advertisements, 0 malformed")
	assert.Contains(t, table.String(), string(first.ID))
}

func TestAnalyse_WrongPortMatchesNothing(t *testing.T) {
	path := writeCapture(t, map[string]etherdream.Broadcast{
		"10.0.0.20": {MAC: net.HardwareAddr{0, 1, 2, 3, 4, 5}, BufferCapacity: 1799, MaxPointRate: 30000},
	}, []time.Time{time.Unix(0, 0)})

	r, err := analyse(context.Background(), path, 9999)
	require.NoError(t, err)
	assert.Equal(t, 1, r.Packets)
	assert.Zero(t, r.Matched)
	assert.Empty(t, r.DACs)
}

func TestAnalyse_MissingFile(t *testing.T) {
	_, err := analyse(context.Background(), filepath.Join(t.TempDir(), "none.pcap"), etherdream.BroadcastPort)
	assert.ErrorIs(t, err, os.ErrNotExist)
}
