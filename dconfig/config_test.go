package dconfig_test

import (
	"crypto/x509"
	"encoding/pem"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/gordian-engine/drift"
	"github.com/gordian-engine/drift/dchannel"
	"github.com/gordian-engine/drift/dconfig"
	"github.com/gordian-engine/drift/dmove"
	"github.com/gordian-engine/drift/dquic/dquictest"
	"github.com/gordian-engine/drift/dtransport"
	"github.com/gordian-engine/drift/dtransport/dtransporttest"
	"github.com/gordian-engine/drift/internal/dtest"
	"github.com/stretchr/testify/require"
)

const fullConfig = `
listen: ":7777"
tick_rate: 30
server:
  max_connections: 8
  relay: true
  max_malformed_frames: -1
channels:
  - qos: reliable_sequenced
    max_packet_size: 1100
    max_delay: 5ms
  - qos: unreliable
    max_packet_size: 1100
  - qos: Reliable
    max_pending_packets: 4
movement:
  send_rate: 20
  unreliable_channel: 1
  reliable_channel: 0
  back_time:
    base: 80ms
    max: 0.5
    smoothing: 0.25
  position:
    interpolation: catmull_rom
    snap_threshold: 5
    extrapolation_time: 250ms
    error_correction_time: 100ms
    send_threshold: 0.01
    axes: [sync, sync, calcul]
    compression: quantize16
    min: -1000
    max: 1000
  rotation:
    axes: [none, none, sync]
quic:
  idle_timeout: 3s
  send_queue: 64
`

func TestParse_full(t *testing.T) {
	t.Parallel()

	f, err := dconfig.Parse([]byte(fullConfig))
	require.NoError(t, err)

	require.Equal(t, ":7777", f.Listen)
	require.Equal(t, time.Second/30, f.TickInterval())

	chs, err := f.ChannelConfigs()
	require.NoError(t, err)
	require.Len(t, chs, 3)

	require.Equal(t, dchannel.Config{
		ID:                   0,
		QoS:                  dtransport.ReliableSequenced,
		MaxPacketSize:        1100,
		MaxPendingPackets:    dchannel.DefaultMaxPendingPackets,
		MaxDelay:             5 * time.Millisecond,
		MaxFragmentedPayload: dchannel.DefaultMaxFragmentedPayload,
	}, chs[0])
	require.Equal(t, uint8(1), chs[1].ID)
	require.Equal(t, dtransport.Unreliable, chs[1].QoS)
	require.Equal(t, dtransport.Reliable, chs[2].QoS)
	require.Equal(t, 4, chs[2].MaxPendingPackets)
	require.Equal(t, dchannel.DefaultMaxPacketSize, chs[2].MaxPacketSize)

	mc, err := f.Movement.ManagerConfig()
	require.NoError(t, err)
	require.Equal(t, 50*time.Millisecond, mc.SendInterval)
	require.Equal(t, uint8(1), mc.UnreliableChannel)
	require.Equal(t, uint8(0), mc.ReliableChannel)
	require.Equal(t, dmove.BackTimeConfig{
		Base:      80 * time.Millisecond,
		Max:       500 * time.Millisecond,
		Smoothing: 0.25,
	}, mc.BackTime)

	sc, err := f.Movement.Position.SyncConfig()
	require.NoError(t, err)
	require.Equal(t, dmove.SyncConfig{
		Interpolation:       dmove.InterpolationCatmullRom,
		SnapThreshold:       5,
		ExtrapolationTime:   250 * time.Millisecond,
		ErrorCorrectionTime: 100 * time.Millisecond,
		SendThreshold:       0.01,
	}, sc)

	pc, err := f.Movement.Position.AxisCodec()
	require.NoError(t, err)
	require.Equal(t, dmove.AxisCodec{
		Axes:        [3]dmove.AxisMode{dmove.AxisSync, dmove.AxisSync, dmove.AxisCalcul},
		Compression: dmove.CompressionQuantize16,
		Min:         -1000,
		Max:         1000,
	}, pc)
	require.NoError(t, pc.Validate())

	rc, err := f.Movement.Rotation.AxisCodec()
	require.NoError(t, err)
	require.Equal(t, [3]dmove.AxisMode{dmove.AxisNone, dmove.AxisNone, dmove.AxisSync}, rc.Axes)
	require.Equal(t, dmove.CompressionNone, rc.Compression)

	qc, err := f.QUIC.TransportConfig(nil)
	require.NoError(t, err)
	require.Equal(t, 3*time.Second, qc.QUIC.MaxIdleTimeout)
	require.True(t, qc.QUIC.EnableDatagrams)
	require.Equal(t, 64, qc.SendQueue)
	require.Empty(t, qc.TLS.Certificates)
}

func TestParse_rejectsUnknownKeys(t *testing.T) {
	t.Parallel()

	_, err := dconfig.Parse([]byte("tick_rate: 10\ntick_rat: 20\n"))
	require.Error(t, err)
}

func TestParse_badDuration(t *testing.T) {
	t.Parallel()

	_, err := dconfig.Parse([]byte("channels:\n  - qos: unreliable\n    max_delay: soon\n"))
	require.Error(t, err)
}

func TestParse_empty(t *testing.T) {
	t.Parallel()

	f, err := dconfig.Parse(nil)
	require.NoError(t, err)
	require.Equal(t, time.Second/60, f.TickInterval())

	_, err = f.ChannelConfigs()
	require.Error(t, err)
}

func TestChannelConfigs_errors(t *testing.T) {
	t.Parallel()

	f, err := dconfig.Parse([]byte(`
channels:
  - qos: carrier_pigeon
  - qos: unreliable
    max_packet_size: 10
  - qos: reliable
`))
	require.NoError(t, err)

	_, err = f.ChannelConfigs()
	require.ErrorContains(t, err, "channel 0")
	require.ErrorContains(t, err, "channel 1")
	require.NotContains(t, err.Error(), "channel 2")
}

func TestServerConfig(t *testing.T) {
	t.Parallel()

	f, err := dconfig.Parse([]byte(fullConfig))
	require.NoError(t, err)

	sc, err := f.ServerConfig(dtransporttest.NewNetwork())
	require.NoError(t, err)
	require.True(t, sc.Relay)
	require.Equal(t, 8, sc.MaxConnections)
	require.Equal(t, -1, sc.MaxMalformedFrames)
	require.Len(t, sc.Channels, 3)

	s := drift.NewServer(dtest.NewLogger(t), sc)
	require.Zero(t, s.NumConnections())
}

func TestManagerConfig_errors(t *testing.T) {
	t.Parallel()

	for name, m := range map[string]dconfig.Movement{
		"negative rate":    {SendRate: -1},
		"reserved type":    {MsgType: drift.MsgTypeFragment},
		"tiny batch limit": {MaxBatchSize: 10},
	} {
		t.Run(name, func(t *testing.T) {
			t.Parallel()
			_, err := m.ManagerConfig()
			require.Error(t, err)
		})
	}
}

func TestSync_errors(t *testing.T) {
	t.Parallel()

	for name, s := range map[string]dconfig.Sync{
		"interpolation": {Interpolation: "cubic"},
		"buffer":        {BufferSize: 2},
		"threshold":     {SnapThreshold: -1},
		"duration":      {ExtrapolationTime: dconfig.Duration(-time.Second)},
		"axis count":    {Axes: []string{"sync"}},
		"axis name":     {Axes: []string{"sync", "sync", "maybe"}},
		"compression":   {Compression: "zstd"},
	} {
		t.Run(name, func(t *testing.T) {
			t.Parallel()
			_, errSync := s.SyncConfig()
			_, errCodec := s.AxisCodec()
			require.True(t, errSync != nil || errCodec != nil)
		})
	}
}

func TestTransportConfig_keyPair(t *testing.T) {
	t.Parallel()

	base := dquictest.TLSConfig(t)
	cert := base.Certificates[0]

	dir := t.TempDir()
	certPath := filepath.Join(dir, "cert.pem")
	keyPath := filepath.Join(dir, "key.pem")

	require.NoError(t, os.WriteFile(certPath, pem.EncodeToMemory(&pem.Block{
		Type:  "CERTIFICATE",
		Bytes: cert.Certificate[0],
	}), 0o600))
	keyDER, err := x509.MarshalPKCS8PrivateKey(cert.PrivateKey)
	require.NoError(t, err)
	require.NoError(t, os.WriteFile(keyPath, pem.EncodeToMemory(&pem.Block{
		Type:  "PRIVATE KEY",
		Bytes: keyDER,
	}), 0o600))

	q := dconfig.QUIC{CertFile: certPath, KeyFile: keyPath}

	// Certificates from the file are added to a clone of the base.
	base.Certificates = nil
	qc, err := q.TransportConfig(base)
	require.NoError(t, err)
	require.Len(t, qc.TLS.Certificates, 1)
	require.Empty(t, base.Certificates)
	require.Equal(t, cert.Certificate[0], qc.TLS.Certificates[0].Certificate[0])

	_, err = dconfig.QUIC{CertFile: certPath}.TransportConfig(nil)
	require.Error(t, err)

	_, err = dconfig.QUIC{CertFile: keyPath, KeyFile: certPath}.TransportConfig(nil)
	require.Error(t, err)
}

func TestLoad(t *testing.T) {
	t.Parallel()

	path := filepath.Join(t.TempDir(), "drift.yml")
	require.NoError(t, os.WriteFile(path, []byte(fullConfig), 0o600))

	f, err := dconfig.Load(path)
	require.NoError(t, err)
	require.Len(t, f.Channels, 3)

	_, err = dconfig.Load(filepath.Join(t.TempDir(), "missing.yml"))
	require.ErrorIs(t, err, os.ErrNotExist)
}
