package etherdream

import (
	"net"
	"strconv"

	"github.com/banshee-data/laserstream/internal/laser/dac"
)

// AdvertParser decodes Ether Dream broadcasts for dac.UDPListener and
// dac.PCAPReplay.
type AdvertParser struct{}

// ParseAdvert turns a broadcast into a descriptor addressed at the sender's
// command port. The MAC address is the identity.
func (AdvertParser) ParseAdvert(packet []byte, from *net.UDPAddr) (dac.Descriptor, error) {
	var b Broadcast
	if err := b.UnmarshalBinary(packet); err != nil {
		return dac.Descriptor{}, err
	}
	host := ""
	if from != nil && from.IP != nil {
		host = from.IP.String()
	}
	capacity := int(b.BufferCapacity)
	if capacity == 0 {
		capacity = DefaultBufferCapacity
	}
	return dac.Descriptor{
		ID:               dac.MakeIdentity(dac.FamilyEtherDream, b.MAC.String()),
		Family:           dac.FamilyEtherDream,
		Addr:             net.JoinHostPort(host, strconv.Itoa(CommPort)),
		PointRate:        b.MaxPointRate,
		BufferCapacity:   capacity,
		HardwareRevision: b.HardwareRevision,
		SoftwareRevision: b.SoftwareRevision,
	}, nil
}
