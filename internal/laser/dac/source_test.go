package dac

import (
	"errors"
	"fmt"
	"net"
	"strconv"
	"strings"
)

// textParser decodes "serial rate capacity" advertisements for tests.
type textParser struct{}

func (textParser) ParseAdvert(packet []byte, from *net.UDPAddr) (Descriptor, error) {
	fields := strings.Fields(string(packet))
	if len(fields) != 3 {
		return Descriptor{}, errors.New("want 3 fields")
	}
	rate, err := strconv.ParseUint(fields[1], 10, 32)
	if err != nil {
		return Descriptor{}, err
	}
	capacity, err := strconv.Atoi(fields[2])
	if err != nil {
		return Descriptor{}, err
	}
	return Descriptor{
		ID:             MakeIdentity(FamilyEtherDream, fields[0]),
		Family:         FamilyEtherDream,
		Addr:           fmt.Sprintf("%s:7765", from.IP),
		PointRate:      uint32(rate),
		BufferCapacity: capacity,
	}, nil
}
