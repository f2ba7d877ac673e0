package dac

import (
	"context"
	"net"
)

// Source is a discovery mechanism. Run reports every advertisement it sees
// through observe until ctx ends or the source is exhausted.
type Source interface {
	Name() string
	Run(ctx context.Context, observe func(Descriptor)) error
}

// AdvertParser decodes one family's discovery advertisement.
type AdvertParser interface {
	ParseAdvert(packet []byte, from *net.UDPAddr) (Descriptor, error)
}
