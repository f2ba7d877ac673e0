// Command laserd discovers laser DACs and streams a test pattern to one of
// them, exposing live state on an admin HTTP server.
package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"log"
	"net"
	"net/http"
	"os"
	"os/signal"
	"strings"
	"sync"
	"syscall"
	"time"

	"google.golang.org/grpc"

	"github.com/banshee-data/laserstream/internal/config"
	"github.com/banshee-data/laserstream/internal/db"
	"github.com/banshee-data/laserstream/internal/laser/dac"
	"github.com/banshee-data/laserstream/internal/laser/health"
	"github.com/banshee-data/laserstream/internal/laser/manager"
	"github.com/banshee-data/laserstream/internal/laser/pattern"
	"github.com/banshee-data/laserstream/internal/laser/stream"
	"github.com/banshee-data/laserstream/internal/laser/transport"
	"github.com/banshee-data/laserstream/internal/laser/transport/etherdream"
	"github.com/banshee-data/laserstream/internal/laser/transport/serialdac"
	"github.com/banshee-data/laserstream/internal/laser/transport/sim"
	"github.com/banshee-data/laserstream/internal/version"
)

var (
	configPath  = flag.String("config", "", "Stream config file (.json, .yaml); defaults apply when empty")
	listen      = flag.String("listen", ":8080", "Admin HTTP listen address (empty disables)")
	grpcListen  = flag.String("grpc-listen", "", "gRPC health service listen address (empty disables)")
	journalPath = flag.String("journal", "laserstream.db", "SQLite event journal path (empty disables)")
	patternName = flag.String("pattern", "square", "Test pattern: "+strings.Join(pattern.Names(), ", "))
	simMode     = flag.Bool("sim", false, "Stream to simulated DACs instead of hardware")
	simCount    = flag.Int("sim-count", 1, "Number of simulated DACs in -sim mode")
	serialScan  = flag.Bool("serial", true, "Scan USB serial ports for DACs")
	usbMatch    = flag.String("usb-match", "", "Comma-separated VID:PID pairs to restrict the serial scan")
	pcapPath    = flag.String("pcap", "", "Replay DAC broadcasts from a capture file as an extra discovery source")
	showVersion = flag.Bool("version", false, "Print version and exit")
)

// daemon holds everything run wires together.
type daemon struct {
	cfg     *config.StreamConfig
	mgr     *manager.Manager
	journal *db.DB
	health  *health.Reporter
	bank    *sim.Bank
}

type runOptions struct {
	Sim         bool
	SimCount    int
	SerialScan  bool
	USBMatch    []dac.USBID
	PCAP        string
	JournalPath string
}

func parseUSBMatch(s string) ([]dac.USBID, error) {
	var out []dac.USBID
	for _, pair := range strings.Split(s, ",") {
		pair = strings.TrimSpace(pair)
		if pair == "" {
			continue
		}
		vid, pid, ok := strings.Cut(pair, ":")
		if !ok || vid == "" || pid == "" {
			return nil, fmt.Errorf("invalid usb id %q, want VID:PID", pair)
		}
		out = append(out, dac.USBID{VID: vid, PID: pid})
	}
	return out, nil
}

// newDaemon builds the manager, its discovery sources and dialers, and the
// journal from cfg.
func newDaemon(cfg *config.StreamConfig, o runOptions) (*daemon, error) {
	sopts, err := cfg.StreamOptions()
	if err != nil {
		return nil, err
	}
	d := &daemon{cfg: cfg, health: health.NewReporter()}

	mopts := manager.Options{
		Dialers:          transport.Dialers{},
		Stream:           sopts,
		Transport:        cfg.TransportParams(),
		DiscoveryTimeout: cfg.GetDiscoveryTimeout(),
		HandshakeRetries: cfg.GetHandshakeRetries(),
		LivenessWindow:   cfg.GetLivenessWindow(),
		AutoReconnect:    cfg.GetAutoReconnect(),
	}

	if o.Sim {
		n := max(o.SimCount, 1)
		devs := make([]*sim.Device, 0, n)
		for i := range n {
			devs = append(devs, sim.NewDevice(sim.DeviceConfig{Serial: fmt.Sprintf("sim%d", i), PointRate: cfg.GetPointRate()}))
		}
		d.bank = sim.NewBank(time.Second, devs...)
		mopts.Sources = append(mopts.Sources, d.bank)
		mopts.Dialers[dac.FamilySim] = d.bank
	} else {
		mopts.Sources = append(mopts.Sources, dac.NewUDPListener(dac.UDPListenerConfig{
			Address: cfg.GetDiscoveryAddr(),
			Parser:  etherdream.AdvertParser{},
		}))
		mopts.Dialers[dac.FamilyEtherDream] = etherdream.Dialer{}

		if o.SerialScan {
			scan := dac.NewSerialScanner(2*time.Second, o.USBMatch...)
			scan.PointRate = cfg.GetPointRate()
			mopts.Sources = append(mopts.Sources, scan)
		}
		mopts.Dialers[dac.FamilySerial] = serialdac.Dialer{Options: cfg.GetSerial()}
	}
	if o.PCAP != "" {
		mopts.Sources = append(mopts.Sources, dac.NewPCAPReplay(o.PCAP, etherdream.BroadcastPort, etherdream.AdvertParser{}))
	}

	if o.JournalPath != "" {
		d.journal, err = db.OpenDB(o.JournalPath)
		if err != nil {
			return nil, fmt.Errorf("failed to open journal: %w", err)
		}
		journal := d.journal
		mopts.OnSessionEnd = func(s stream.Stats, end error) {
			if err := journal.RecordSession(s, time.Now(), end); err != nil {
				log.Printf("failed to journal session %s: %v", s.Session, err)
			}
		}
	}

	d.mgr, err = manager.New(mopts)
	if err != nil {
		if d.journal != nil {
			d.journal.Close()
		}
		return nil, err
	}
	return d, nil
}

// mux returns the admin routes.
func (d *daemon) mux() (*http.ServeMux, error) {
	mux := http.NewServeMux()
	d.mgr.AttachAdminRoutes(mux)
	if d.journal != nil {
		if err := d.journal.AttachAdminRoutes(mux); err != nil {
			return nil, err
		}
	}
	mux.HandleFunc("/healthz", func(w http.ResponseWriter, r *http.Request) {
		fmt.Fprintf(w, "ok %s\n", version.Version)
	})
	return mux, nil
}

// run streams render to the configured DAC until ctx is cancelled.
func (d *daemon) run(ctx context.Context, render stream.RenderFunc) error {
	var wg sync.WaitGroup
	defer wg.Wait()
	ctx, cancel := context.WithCancel(ctx)
	defer cancel()

	if d.journal != nil {
		id, ch := d.mgr.Events()
		wg.Add(1)
		go func() {
			defer wg.Done()
			defer d.mgr.Unsubscribe(id)
			d.journal.Record(ctx, ch)
		}()
	}

	hid, hch := d.mgr.Events()
	wg.Add(1)
	go func() {
		defer wg.Done()
		defer d.mgr.Unsubscribe(hid)
		d.health.Run(ctx, hch)
	}()

	wg.Add(1)
	go func() {
		defer wg.Done()
		if err := d.mgr.Run(ctx); err != nil {
			log.Printf("discovery stopped: %v", err)
		}
		log.Print("discovery routine terminated")
	}()

	sel, err := d.cfg.Selector()
	if err != nil {
		return err
	}
	conn, err := d.mgr.Connect(ctx, sel, render)
	if err != nil {
		if errors.Is(err, context.Canceled) {
			return nil
		}
		return err
	}
	log.Printf("streaming to %s (session %s, %d points per interval)", conn.Descriptor().ID, conn.ID(), conn.IntervalPoints())

	<-ctx.Done()
	return d.mgr.Close()
}

// serveHealth serves the gRPC health service on addr until ctx ends.
func (d *daemon) serveHealth(ctx context.Context, addr string) error {
	lis, err := net.Listen("tcp", addr)
	if err != nil {
		return fmt.Errorf("failed to listen: %w", err)
	}
	s := grpc.NewServer()
	d.health.Register(s)
	stop := context.AfterFunc(ctx, func() {
		d.health.Shutdown()
		s.GracefulStop()
	})
	defer stop()
	log.Printf("gRPC health service listening on %s", lis.Addr())
	return s.Serve(lis)
}

func (d *daemon) close() {
	d.mgr.Close()
	if d.journal != nil {
		d.journal.Close()
	}
}

func loadConfig(path string) (*config.StreamConfig, error) {
	if path == "" {
		return &config.StreamConfig{}, nil
	}
	return config.LoadStreamConfig(path)
}

func main() {
	flag.Parse()

	if *showVersion {
		fmt.Println(version.String("laserd"))
		return
	}

	cfg, err := loadConfig(*configPath)
	if err != nil {
		log.Fatalf("failed to load config: %v", err)
	}
	render, err := pattern.Lookup(*patternName)
	if err != nil {
		log.Fatal(err)
	}
	match, err := parseUSBMatch(*usbMatch)
	if err != nil {
		log.Fatal(err)
	}

	d, err := newDaemon(cfg, runOptions{
		Sim:         *simMode,
		SimCount:    *simCount,
		SerialScan:  *serialScan,
		USBMatch:    match,
		PCAP:        *pcapPath,
		JournalPath: *journalPath,
	})
	if err != nil {
		log.Fatalf("failed to start: %v", err)
	}
	defer d.close()

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	var wg sync.WaitGroup
	if *listen != "" {
		mux, err := d.mux()
		if err != nil {
			log.Fatalf("failed to mount admin routes: %v", err)
		}
		server := &http.Server{Addr: *listen, Handler: mux}

		wg.Add(1)
		go func() {
			defer wg.Done()
			go func() {
				if err := server.ListenAndServe(); err != nil && err != http.ErrServerClosed {
					log.Printf("admin server failed: %v", err)
					stop()
				}
			}()

			<-ctx.Done()
			shutdownCtx, cancel := context.WithTimeout(context.Background(), time.Second)
			defer cancel()
			if err := server.Shutdown(shutdownCtx); err != nil {
				log.Printf("HTTP server shutdown error: %v", err)
				if err := server.Close(); err != nil {
					log.Printf("HTTP server force close error: %v", err)
				}
			}
			log.Printf("HTTP server routine stopped")
		}()
	}

	if *grpcListen != "" {
		wg.Add(1)
		go func() {
			defer wg.Done()
			if err := d.serveHealth(ctx, *grpcListen); err != nil {
				log.Printf("gRPC health server failed: %v", err)
				stop()
			}
			log.Printf("gRPC health routine stopped")
		}()
	}

	if err := d.run(ctx, render); err != nil {
		log.Printf("stream failed: %v", err)
		stop()
		wg.Wait()
		d.close()
		os.Exit(1)
	}
	wg.Wait()
	log.Printf("Graceful shutdown complete")
}
