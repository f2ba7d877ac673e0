package dac

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net"
	"os"
	"time"

	"github.com/google/gopacket"
	"github.com/google/gopacket/layers"
	"github.com/google/gopacket/pcapgo"
)

// PCAPReplay replays DAC advertisements from a packet capture. It lets a
// capture taken on site be inspected offline, or feed a registry in tests.
type PCAPReplay struct {
	Path   string
	Port   uint16
	Parser AdvertParser
	// Realtime sleeps between packets to reproduce the capture's timing.
	Realtime bool

	open func(string) (io.ReadCloser, error)
}

// ReplayStats summarises one replay.
type ReplayStats struct {
	Packets    int
	Matched    int
	Malformed  int
	FirstSeen  time.Time
	LastSeen   time.Time
	Identities map[Identity]int
}

// NewPCAPReplay returns a replay of the capture at path, filtered to port.
func NewPCAPReplay(path string, port uint16, parser AdvertParser) *PCAPReplay {
	return &PCAPReplay{Path: path, Port: port, Parser: parser}
}

// Name identifies the source in logs.
func (p *PCAPReplay) Name() string { return "pcap " + p.Path }

// Run replays the capture once. Descriptors carry no LastSeen, so the
// registry stamps them with the current time.
func (p *PCAPReplay) Run(ctx context.Context, observe func(Descriptor)) error {
	_, err := p.Replay(ctx, func(d Descriptor, _ time.Time) {
		d.LastSeen = time.Time{}
		observe(d)
	})
	return err
}

// Replay reads every packet, decodes UDP datagrams addressed to Port and
// reports each parsed advertisement with its capture timestamp.
func (p *PCAPReplay) Replay(ctx context.Context, fn func(Descriptor, time.Time)) (ReplayStats, error) {
	stats := ReplayStats{Identities: make(map[Identity]int)}
	if p.Parser == nil {
		return stats, errors.New("pcap replay has no advertisement parser")
	}
	open := p.open
	if open == nil {
		open = func(path string) (io.ReadCloser, error) { return os.Open(path) }
	}
	f, err := open(p.Path)
	if err != nil {
		return stats, fmt.Errorf("failed to open PCAP file %s: %w", p.Path, err)
	}
	defer f.Close()

	r, err := pcapgo.NewReader(f)
	if err != nil {
		return stats, fmt.Errorf("failed to read PCAP header %s: %w", p.Path, err)
	}

	var prev time.Time
	for {
		if ctx.Err() != nil {
			return stats, ctx.Err()
		}
		data, ci, err := r.ReadPacketData()
		if errors.Is(err, io.EOF) {
			return stats, nil
		}
		if err != nil {
			return stats, fmt.Errorf("read packet %d: %w", stats.Packets+1, err)
		}
		stats.Packets++

		payload, from, ok := p.udpPayload(gopacket.NewPacket(data, r.LinkType(), gopacket.Default))
		if !ok {
			continue
		}
		stats.Matched++

		if p.Realtime && !prev.IsZero() {
			if gap := ci.Timestamp.Sub(prev); gap > 0 {
				select {
				case <-ctx.Done():
					return stats, ctx.Err()
				case <-time.After(gap):
				}
			}
		}
		prev = ci.Timestamp

		d, err := p.Parser.ParseAdvert(payload, from)
		if err != nil {
			stats.Malformed++
			continue
		}
		d.LastSeen = ci.Timestamp
		if stats.FirstSeen.IsZero() {
			stats.FirstSeen = ci.Timestamp
		}
		stats.LastSeen = ci.Timestamp
		stats.Identities[d.ID]++
		fn(d, ci.Timestamp)
	}
}

func (p *PCAPReplay) udpPayload(packet gopacket.Packet) ([]byte, *net.UDPAddr, bool) {
	udpLayer := packet.Layer(layers.LayerTypeUDP)
	if udpLayer == nil {
		return nil, nil, false
	}
	udp := udpLayer.(*layers.UDP)
	if p.Port != 0 && uint16(udp.DstPort) != p.Port {
		return nil, nil, false
	}
	from := &net.UDPAddr{Port: int(udp.SrcPort)}
	if ip4, ok := packet.Layer(layers.LayerTypeIPv4).(*layers.IPv4); ok {
		from.IP = ip4.SrcIP
	} else if ip6, ok := packet.Layer(layers.LayerTypeIPv6).(*layers.IPv6); ok {
		from.IP = ip6.SrcIP
	}
	return udp.Payload, from, true
}
