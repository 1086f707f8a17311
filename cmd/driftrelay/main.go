// Command driftrelay runs a drift server over QUIC
// that forwards every unhandled message to the other connected clients.
//
// Usage:
//
//	driftrelay -config driftrelay.yml -listen :7777
package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"log/slog"
	"net"
	"net/netip"
	"os"
	"os/signal"
	"strconv"
	"syscall"
	"time"

	"github.com/gordian-engine/drift"
	"github.com/gordian-engine/drift/dconfig"
	"github.com/gordian-engine/drift/dmetrics"
	"github.com/gordian-engine/drift/dquic"
	"github.com/gordian-engine/drift/dtransport"
)

func main() {
	var (
		configPath = flag.String("config", "", "path to the YAML configuration")
		listen     = flag.String("listen", "", "address to listen on; overrides the config file (default :7777)")
		statsEvery = flag.Duration("stats", 30*time.Second, "interval between transport stat logs; 0 disables")
		debug      = flag.Bool("debug", false, "enable debug logging")
	)
	flag.Parse()

	lvl := slog.LevelInfo
	if *debug {
		lvl = slog.LevelDebug
	}
	log := slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: lvl}))

	ctx, cancel := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer cancel()

	if err := run(ctx, log, *configPath, *listen, *statsEvery); err != nil {
		log.Error("Relay failed", "err", err)
		os.Exit(1)
	}
}

func run(ctx context.Context, log *slog.Logger, configPath, listen string, statsEvery time.Duration) error {
	f, err := loadConfig(configPath)
	if err != nil {
		return err
	}
	if listen == "" {
		listen = f.Listen
	}
	if listen == "" {
		listen = ":7777"
	}
	bind, port, err := parseListen(listen)
	if err != nil {
		return err
	}

	qc, err := f.QUIC.TransportConfig(nil)
	if err != nil {
		return err
	}
	if len(qc.TLS.Certificates) == 0 {
		cert, err := selfSignedCert()
		if err != nil {
			return fmt.Errorf("failed to generate certificate: %w", err)
		}
		qc.TLS.Certificates = append(qc.TLS.Certificates, cert)
		log.Warn("No certificate configured; using a throwaway self-signed certificate")
	}
	qc.BindAddr = bind

	tr := dquic.NewTransport(log.With("sys", "quic"), qc)

	sc, err := f.ServerConfig(tr)
	if err != nil {
		return err
	}
	// The relay exists to forward, whatever the file says.
	sc.Relay = true
	sc.Metrics = new(dmetrics.Transport)
	sc.OnConnected = func(c *drift.Connection) {
		log.Info("Client connected", "peer_id", c.ID(), "addr", c.Addr())
	}
	sc.OnDisconnected = func(c *drift.Connection) {
		log.Info("Client disconnected", "peer_id", c.ID(), "addr", c.Addr())
	}
	sc.OnDisconnectError = func(c *drift.Connection, code dtransport.ErrorCode) {
		log.Info("Client lost", "peer_id", c.ID(), "addr", c.Addr(), "code", code)
	}

	s := drift.NewServer(log.With("sys", "server"), sc)
	if err := s.Listen(port); err != nil {
		return err
	}
	log.Info("Relay running", "addr", listen, "tick", f.TickInterval())

	tick := time.NewTicker(f.TickInterval())
	defer tick.Stop()

	var stats <-chan time.Time
	if statsEvery > 0 {
		st := time.NewTicker(statsEvery)
		defer st.Stop()
		stats = st.C
	}

	for {
		select {
		case <-ctx.Done():
			log.Info("Shutting down", "connections", s.NumConnections())
			if err := s.Close(); err != nil && !errors.Is(err, drift.ErrNotListening) {
				return err
			}
			return nil
		case now := <-tick.C:
			s.Update(now)
		case <-stats:
			logStats(log, s.NumConnections(), sc.Metrics.Snapshot())
		}
	}
}

// Packets must fit in a QUIC datagram on a typical path.
const defaultPacketSize = 1100

func loadConfig(path string) (*dconfig.File, error) {
	if path == "" {
		return &dconfig.File{
			Channels: []dconfig.Channel{
				{QoS: "reliable_sequenced", MaxPacketSize: defaultPacketSize},
				{QoS: "unreliable", MaxPacketSize: defaultPacketSize},
			},
		}, nil
	}
	return dconfig.Load(path)
}

func parseListen(s string) (netip.Addr, uint16, error) {
	host, portStr, err := net.SplitHostPort(s)
	if err != nil {
		return netip.Addr{}, 0, fmt.Errorf("invalid listen address %q: %w", s, err)
	}
	port, err := strconv.ParseUint(portStr, 10, 16)
	if err != nil {
		return netip.Addr{}, 0, fmt.Errorf("invalid listen port %q: %w", portStr, err)
	}

	var bind netip.Addr
	if host != "" {
		bind, err = netip.ParseAddr(host)
		if err != nil {
			return netip.Addr{}, 0, fmt.Errorf("invalid listen host %q: %w", host, err)
		}
	}
	return bind, uint16(port), nil
}

func logStats(log *slog.Logger, conns int, s dmetrics.Snapshot) {
	log.Info(
		"Transport stats",
		"connections", conns,
		"packets_sent", s.PacketsSent,
		"bytes_sent", s.BytesSent,
		"frames_received", s.FramesReceived,
		"relayed_frames", s.RelayedFrames,
		"dropped_unreliable", s.DroppedUnreliable,
		"overflows", s.Overflows,
		"malformed_frames", s.MalformedFrames,
	)
}
