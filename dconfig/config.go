// Package dconfig loads drift settings from YAML.
//
// A file describes one endpoint: the channel topology,
// server limits, movement synchronization defaults, and QUIC settings.
// The File type mirrors the YAML layout;
// its methods convert to the configuration structs of the other packages.
package dconfig

import (
	"bytes"
	"crypto/tls"
	"errors"
	"fmt"
	"io"
	"math"
	"os"
	"strings"
	"time"

	"github.com/gordian-engine/drift"
	"github.com/gordian-engine/drift/dchannel"
	"github.com/gordian-engine/drift/dmove"
	"github.com/gordian-engine/drift/dquic"
	"github.com/gordian-engine/drift/dtransport"
	"gopkg.in/yaml.v3"
)

// File is the top level of a configuration file.
type File struct {
	Listen string `yaml:"listen"`

	// Updates per second of the server loop.
	TickRate float64 `yaml:"tick_rate"`

	Server   Server    `yaml:"server"`
	Channels []Channel `yaml:"channels"`
	Movement Movement  `yaml:"movement"`
	QUIC     QUIC      `yaml:"quic"`
}

type Server struct {
	MaxConnections     int  `yaml:"max_connections"`
	Relay              bool `yaml:"relay"`
	MaxEventsPerUpdate int  `yaml:"max_events_per_update"`
	MaxMalformedFrames int  `yaml:"max_malformed_frames"`
}

// Channel is one entry of the channel list.
// Its position in the list is its channel ID.
type Channel struct {
	QoS                  string   `yaml:"qos"`
	MaxPacketSize        int      `yaml:"max_packet_size"`
	MaxPendingPackets    int      `yaml:"max_pending_packets"`
	MaxDelay             Duration `yaml:"max_delay"`
	MaxFragmentedPayload int      `yaml:"max_fragmented_payload"`
}

type Movement struct {
	// Movement batches per second; zero sends every fixed update.
	SendRate float64 `yaml:"send_rate"`

	MsgType           uint16 `yaml:"msg_type"`
	UnreliableChannel uint8  `yaml:"unreliable_channel"`
	ReliableChannel   uint8  `yaml:"reliable_channel"`
	MaxBatchSize      int    `yaml:"max_batch_size"`

	BackTime BackTime `yaml:"back_time"`

	Position Sync `yaml:"position"`
	Rotation Sync `yaml:"rotation"`
}

type BackTime struct {
	Base      Duration `yaml:"base"`
	Min       Duration `yaml:"min"`
	Max       Duration `yaml:"max"`
	Smoothing float64  `yaml:"smoothing"`
}

// Sync holds the per-component synchronization thresholds
// and its wire encoding.
type Sync struct {
	BufferSize            int      `yaml:"buffer_size"`
	Interpolation         string   `yaml:"interpolation"`
	CatmullRomMaxGap      Duration `yaml:"catmull_rom_max_gap"`
	CatmullRomMinDistance float64  `yaml:"catmull_rom_min_distance"`
	SnapThreshold         float64  `yaml:"snap_threshold"`
	ExtrapolationTime     Duration `yaml:"extrapolation_time"`
	ErrorCorrectionTime   Duration `yaml:"error_correction_time"`
	SendThreshold         float64  `yaml:"send_threshold"`

	// Three entries of sync, none or calcul.
	// Empty syncs every axis.
	Axes        []string `yaml:"axes"`
	Compression string   `yaml:"compression"`
	Min         float64  `yaml:"min"`
	Max         float64  `yaml:"max"`
}

type QUIC struct {
	CertFile string `yaml:"cert_file"`
	KeyFile  string `yaml:"key_file"`

	IdleTimeout     Duration `yaml:"idle_timeout"`
	KeepAlivePeriod Duration `yaml:"keep_alive_period"`
	DialTimeout     Duration `yaml:"dial_timeout"`
	SendQueue       int      `yaml:"send_queue"`
	EventBuffer     int      `yaml:"event_buffer"`
}

// Load reads and parses the file at path.
func Load(path string) (*File, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read config: %w", err)
	}
	f, err := Parse(data)
	if err != nil {
		return nil, fmt.Errorf("%s: %w", path, err)
	}
	return f, nil
}

// Parse decodes a YAML document.
// Unknown keys are rejected.
// An empty document yields the zero File.
func Parse(data []byte) (*File, error) {
	dec := yaml.NewDecoder(bytes.NewReader(data))
	dec.KnownFields(true)

	var f File
	if err := dec.Decode(&f); err != nil && !errors.Is(err, io.EOF) {
		return nil, fmt.Errorf("failed to decode config: %w", err)
	}
	return &f, nil
}

// TickInterval is the period of the server loop.
// A zero or negative rate means 60 ticks per second.
func (f *File) TickInterval() time.Duration {
	if f.TickRate <= 0 {
		return time.Second / 60
	}
	return time.Duration(float64(time.Second) / f.TickRate)
}

// ChannelConfigs converts the channel list,
// assigning IDs by position and applying channel defaults.
func (f *File) ChannelConfigs() ([]dchannel.Config, error) {
	if len(f.Channels) == 0 {
		return nil, errors.New("at least one channel is required")
	}
	if len(f.Channels) > math.MaxUint8+1 {
		return nil, fmt.Errorf("too many channels: %d (max %d)", len(f.Channels), math.MaxUint8+1)
	}

	out := make([]dchannel.Config, len(f.Channels))
	var errs error
	for i, ch := range f.Channels {
		c, err := ch.config(uint8(i))
		if err != nil {
			errs = errors.Join(errs, err)
			continue
		}
		out[i] = c
	}
	if errs != nil {
		return nil, errs
	}
	return out, nil
}

func (ch Channel) config(id uint8) (dchannel.Config, error) {
	qos, err := dtransport.ParseQoS(strings.ToLower(ch.QoS))
	if err != nil {
		return dchannel.Config{}, fmt.Errorf("channel %d: %w", id, err)
	}

	c := dchannel.Config{
		ID:                   id,
		QoS:                  qos,
		MaxPacketSize:        ch.MaxPacketSize,
		MaxPendingPackets:    ch.MaxPendingPackets,
		MaxDelay:             ch.MaxDelay.D(),
		MaxFragmentedPayload: ch.MaxFragmentedPayload,
	}.WithDefaults()
	if err := c.Validate(); err != nil {
		return dchannel.Config{}, err
	}
	return c, nil
}

// ServerConfig returns the server settings of f.
// The caller supplies the transport and callbacks.
func (f *File) ServerConfig(tr dtransport.Transport) (drift.ServerConfig, error) {
	chs, err := f.ChannelConfigs()
	if err != nil {
		return drift.ServerConfig{}, err
	}
	if f.Server.MaxConnections < 0 || f.Server.MaxEventsPerUpdate < 0 {
		return drift.ServerConfig{}, errors.New("server limits must not be negative")
	}
	return drift.ServerConfig{
		Transport:          tr,
		Channels:           chs,
		Relay:              f.Server.Relay,
		MaxConnections:     f.Server.MaxConnections,
		MaxEventsPerUpdate: f.Server.MaxEventsPerUpdate,
		MaxMalformedFrames: f.Server.MaxMalformedFrames,
	}, nil
}

// ManagerConfig returns the movement manager settings.
// The caller supplies Send.
func (m Movement) ManagerConfig() (dmove.ManagerConfig, error) {
	if m.SendRate < 0 {
		return dmove.ManagerConfig{}, fmt.Errorf("movement send_rate must not be negative (got %v)", m.SendRate)
	}
	var interval time.Duration
	if m.SendRate > 0 {
		interval = time.Duration(float64(time.Second) / m.SendRate)
	}
	if m.MsgType != 0 && m.MsgType <= drift.MsgTypeHighest {
		return dmove.ManagerConfig{}, fmt.Errorf(
			"movement msg_type %d collides with reserved types (highest %d)",
			m.MsgType, drift.MsgTypeHighest,
		)
	}
	if m.MaxBatchSize != 0 && m.MaxBatchSize < 64 {
		return dmove.ManagerConfig{}, fmt.Errorf("movement max_batch_size must be at least 64 (got %d)", m.MaxBatchSize)
	}

	return dmove.ManagerConfig{
		MsgType:           m.MsgType,
		UnreliableChannel: m.UnreliableChannel,
		ReliableChannel:   m.ReliableChannel,
		SendInterval:      interval,
		MaxBatchSize:      m.MaxBatchSize,
		BackTime: dmove.BackTimeConfig{
			Base:      m.BackTime.Base.D(),
			Min:       m.BackTime.Min.D(),
			Max:       m.BackTime.Max.D(),
			Smoothing: m.BackTime.Smoothing,
		},
	}, nil
}

// SyncConfig converts the thresholds of one component.
func (s Sync) SyncConfig() (dmove.SyncConfig, error) {
	var interp dmove.Interpolation
	switch strings.ToLower(s.Interpolation) {
	case "", "linear":
		interp = dmove.InterpolationLinear
	case "catmull_rom", "catmullrom":
		interp = dmove.InterpolationCatmullRom
	default:
		return dmove.SyncConfig{}, fmt.Errorf("unknown interpolation %q", s.Interpolation)
	}

	if s.BufferSize != 0 && s.BufferSize < 4 {
		return dmove.SyncConfig{}, fmt.Errorf("buffer_size must be at least 4 (got %d)", s.BufferSize)
	}
	if s.SnapThreshold < 0 || s.SendThreshold < 0 || s.CatmullRomMinDistance < 0 {
		return dmove.SyncConfig{}, errors.New("sync thresholds must not be negative")
	}
	if s.CatmullRomMaxGap < 0 || s.ExtrapolationTime < 0 || s.ErrorCorrectionTime < 0 {
		return dmove.SyncConfig{}, errors.New("sync durations must not be negative")
	}

	return dmove.SyncConfig{
		BufferSize:            s.BufferSize,
		Interpolation:         interp,
		CatmullRomMaxGap:      s.CatmullRomMaxGap.D(),
		CatmullRomMinDistance: s.CatmullRomMinDistance,
		SnapThreshold:         s.SnapThreshold,
		ExtrapolationTime:     s.ExtrapolationTime.D(),
		ErrorCorrectionTime:   s.ErrorCorrectionTime.D(),
		SendThreshold:         s.SendThreshold,
	}, nil
}

// AxisCodec converts the wire encoding of one component.
func (s Sync) AxisCodec() (dmove.AxisCodec, error) {
	var c dmove.AxisCodec

	switch len(s.Axes) {
	case 0:
	case 3:
		for i, a := range s.Axes {
			m, err := parseAxisMode(a)
			if err != nil {
				return dmove.AxisCodec{}, fmt.Errorf("axis %d: %w", i, err)
			}
			c.Axes[i] = m
		}
	default:
		return dmove.AxisCodec{}, fmt.Errorf("axes must list 3 modes (got %d)", len(s.Axes))
	}

	switch strings.ToLower(s.Compression) {
	case "", "none":
		c.Compression = dmove.CompressionNone
	case "quantize16":
		c.Compression = dmove.CompressionQuantize16
	default:
		return dmove.AxisCodec{}, fmt.Errorf("unknown compression %q", s.Compression)
	}
	c.Min, c.Max = s.Min, s.Max

	return c, nil
}

func parseAxisMode(s string) (dmove.AxisMode, error) {
	for _, m := range []dmove.AxisMode{dmove.AxisSync, dmove.AxisNone, dmove.AxisCalcul} {
		if strings.EqualFold(s, m.String()) {
			return m, nil
		}
	}
	return 0, fmt.Errorf("unknown axis mode %q", s)
}

// TransportConfig returns the QUIC transport settings.
// When both cert_file and key_file are set, the key pair is loaded into
// the TLS config so hosts accept connections.
// base may be nil; it is cloned and never modified.
func (q QUIC) TransportConfig(base *tls.Config) (dquic.Config, error) {
	var tc *tls.Config
	if base != nil {
		tc = base.Clone()
	} else {
		tc = &tls.Config{MinVersion: tls.VersionTLS13}
	}

	switch {
	case q.CertFile != "" && q.KeyFile != "":
		cert, err := tls.LoadX509KeyPair(q.CertFile, q.KeyFile)
		if err != nil {
			return dquic.Config{}, fmt.Errorf("failed to load key pair: %w", err)
		}
		tc.Certificates = append(tc.Certificates, cert)
	case q.CertFile != "" || q.KeyFile != "":
		return dquic.Config{}, errors.New("cert_file and key_file must be set together")
	}

	qc := dquic.DefaultQUICConfig()
	if d := q.IdleTimeout.D(); d > 0 {
		qc.MaxIdleTimeout = d
	}
	if d := q.KeepAlivePeriod.D(); d > 0 {
		qc.KeepAlivePeriod = d
	}

	if q.SendQueue < 0 || q.EventBuffer < 0 {
		return dquic.Config{}, errors.New("quic queue sizes must not be negative")
	}

	return dquic.Config{
		TLS:         tc,
		QUIC:        qc,
		EventBuffer: q.EventBuffer,
		SendQueue:   q.SendQueue,
		DialTimeout: q.DialTimeout.D(),
	}, nil
}
