// Command pcap-discover lists the Ether Dream DACs advertising in a packet
// capture, with their advertised limits and broadcast cadence. It reads
// pcap files with the pure-Go reader, so no libpcap is needed.
package main

import (
	"context"
	"encoding/json"
	"flag"
	"fmt"
	"io"
	"log"
	"os"
	"sort"
	"text/tabwriter"
	"time"

	"github.com/banshee-data/laserstream/internal/laser/dac"
	"github.com/banshee-data/laserstream/internal/laser/transport/etherdream"
)

var (
	port    = flag.Uint("port", etherdream.BroadcastPort, "UDP destination port of the advertisements")
	jsonOut = flag.Bool("json", false, "Print JSON instead of a table")
)

// seen summarises one DAC in the capture.
type seen struct {
	ID             dac.Identity  `json:"id"`
	Addr           string        `json:"addr"`
	PointRate      uint32        `json:"point_rate"`
	BufferCapacity int           `json:"buffer_capacity"`
	Adverts        int           `json:"adverts"`
	First          time.Time     `json:"first"`
	Last           time.Time     `json:"last"`
	MeanInterval   time.Duration `json:"mean_interval_ns"`
}

type report struct {
	Packets   int    `json:"packets"`
	Matched   int    `json:"matched"`
	Malformed int    `json:"malformed"`
	DACs      []seen `json:"dacs"`
}

func analyse(ctx context.Context, path string, port uint16) (report, error) {
	replay := dac.NewPCAPReplay(path, port, etherdream.AdvertParser{})
	byID := make(map[dac.Identity]*seen)
	stats, err := replay.Replay(ctx, func(d dac.Descriptor, at time.Time) {
		s, ok := byID[d.ID]
		if !ok {
			s = &seen{ID: d.ID, First: at}
			byID[d.ID] = s
		}
		s.Addr = d.Addr
		s.PointRate = d.PointRate
		s.BufferCapacity = d.BufferCapacity
		s.Adverts++
		s.Last = at
	})
	if err != nil {
		return report{}, err
	}

	r := report{Packets: stats.Packets, Matched: stats.Matched, Malformed: stats.Malformed, DACs: []seen{}}
	for _, s := range byID {
		if s.Adverts > 1 {
			s.MeanInterval = s.Last.Sub(s.First) / time.Duration(s.Adverts-1)
		}
		r.DACs = append(r.DACs, *s)
	}
	sort.Slice(r.DACs, func(i, j int) bool { return r.DACs[i].ID < r.DACs[j].ID })
	return r, nil
}

func printTable(w io.Writer, r report) {
	fmt.Fprintf(w, "%d packets, %d advertisements, %d malformed\n\n", r.Packets, r.Matched, r.Malformed)
	tw := tabwriter.NewWriter(w, 0, 0, 2, ' ', 0)
	fmt.Fprintln(tw, "IDENTITY\tADDRESS\tRATE\tCAPACITY\tADVERTS\tINTERVAL\tFIRST\tLAST")
	for _, s := range r.DACs {
		fmt.Fprintf(tw, "%s\t%s\t%d\t%d\t%d\t%s\t%s\t%s\n",
			s.ID, s.Addr, s.PointRate, s.BufferCapacity, s.Adverts,
			s.MeanInterval.Round(time.Millisecond), s.First.Format(time.RFC3339), s.Last.Format(time.RFC3339))
	}
	tw.Flush()
}

func main() {
	flag.Usage = func() {
		fmt.Fprintf(flag.CommandLine.Output(), "usage: %s [flags] capture.pcap\n", os.Args[0])
		flag.PrintDefaults()
	}
	flag.Parse()
	if flag.NArg() != 1 {
		flag.Usage()
		os.Exit(2)
	}
	if *port > 65535 {
		log.Fatalf("invalid port %d", *port)
	}

	r, err := analyse(context.Background(), flag.Arg(0), uint16(*port))
	if err != nil {
		log.Fatal(err)
	}
	if *jsonOut {
		enc := json.NewEncoder(os.Stdout)
		enc.SetIndent("", "  ")
		if err := enc.Encode(r); err != nil {
			log.Fatal(err)
		}
		return
	}
	printTable(os.Stdout, r)
}
