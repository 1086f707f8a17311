package dmove

import (
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/gordian-engine/drift"
	"github.com/gordian-engine/drift/dcodec"
)

var (
	ErrUnknownObject   = errors.New("unknown object")
	ErrDuplicateObject = errors.New("object id already registered")
	ErrNotAuthority    = errors.New("object is not locally authoritative")
)

// DefaultMaxBatchSize is the default payload size
// past which a movement message is sent and a new one started.
const DefaultMaxBatchSize = 1024

// SendFunc sends one movement message.
// Both [drift.Connection.Send] and [drift.Server.SendToReady] fit.
type SendFunc func(msgType uint16, payload []byte, channelID uint8) error

// HandlerRegistry is implemented by [drift.Connection] and [drift.Server].
type HandlerRegistry interface {
	RegisterHandler(msgType uint16, fn drift.Handler) drift.HandlerID
}

// ManagerConfig configures a [Manager].
type ManagerConfig struct {
	// Sends movement messages. May be nil on a receive-only side.
	Send SendFunc

	// Zero means [drift.MsgTypeMovement].
	MsgType uint16

	// Routine updates go on UnreliableChannel;
	// motion-stopped and teleport updates on ReliableChannel.
	UnreliableChannel uint8
	ReliableChannel   uint8

	// Minimum time between outbound batches.
	// Zero sends on every FixedUpdate.
	SendInterval time.Duration

	// Zero means [DefaultMaxBatchSize].
	MaxBatchSize int

	BackTime BackTimeConfig

	// Clock for stamping message arrival. Nil means time.Now.
	Now func() time.Time
}

func (c ManagerConfig) withDefaults() ManagerConfig {
	if c.MsgType == 0 {
		c.MsgType = drift.MsgTypeMovement
	}
	if c.MaxBatchSize == 0 {
		c.MaxBatchSize = DefaultMaxBatchSize
	}
	if c.Now == nil {
		c.Now = time.Now
	}
	c.BackTime = c.BackTime.withDefaults()
	return c
}

func (c ManagerConfig) validate() {
	var err error

	if c.MsgType <= drift.MsgTypeHighest {
		err = errors.Join(err, fmt.Errorf(
			"MsgType must be above the reserved range (got %d, highest reserved %d)",
			c.MsgType, drift.MsgTypeHighest,
		))
	}
	if c.SendInterval < 0 {
		err = errors.Join(err, fmt.Errorf("SendInterval must not be negative (got %s)", c.SendInterval))
	}
	if c.MaxBatchSize < 64 {
		err = errors.Join(err, fmt.Errorf("MaxBatchSize must be at least 64 (got %d)", c.MaxBatchSize))
	}
	if e := c.BackTime.validate(); e != nil {
		err = errors.Join(err, e)
	}

	if err != nil {
		panic(err)
	}
}

// Manager batches the movement of many objects over one drift endpoint.
//
// It is driven from the same goroutine as the connection or server:
// [Manager.HandleMessage] is called from their Update,
// and [Manager.FixedUpdate] once per physics step.
type Manager struct {
	log *slog.Logger
	cfg ManagerConfig

	epoch time.Time

	objects map[uint32]*Object
	order   []*Object

	clocks map[*drift.Connection]*TimeMapper
	back   *BackTime

	lastSend time.Time
	sentOnce bool

	unreliable, reliable, record *dcodec.Writer

	droppedUpdates uint64
}

// NewManager returns an empty manager.
// It panics if cfg is invalid.
func NewManager(log *slog.Logger, cfg ManagerConfig) *Manager {
	cfg = cfg.withDefaults()
	cfg.validate()

	return &Manager{
		log: log,
		cfg: cfg,

		epoch: cfg.Now(),

		objects: make(map[uint32]*Object),
		clocks:  make(map[*drift.Connection]*TimeMapper),
		back:    NewBackTime(cfg.BackTime),

		unreliable: dcodec.NewWriter(cfg.MaxBatchSize),
		reliable:   dcodec.NewWriter(cfg.MaxBatchSize),
		record:     dcodec.NewWriter(128),
	}
}

// Attach registers [Manager.HandleMessage] on reg for the movement message type.
func (m *Manager) Attach(reg HandlerRegistry) drift.HandlerID {
	return reg.RegisterHandler(m.cfg.MsgType, m.HandleMessage)
}

// Register adds o to the manager.
func (m *Manager) Register(o *Object) error {
	if _, ok := m.objects[o.id]; ok {
		return fmt.Errorf("%w: %d", ErrDuplicateObject, o.id)
	}
	m.objects[o.id] = o
	m.order = append(m.order, o)
	return nil
}

// Unregister removes the object with the given id.
func (m *Manager) Unregister(id uint32) bool {
	o, ok := m.objects[id]
	if !ok {
		return false
	}
	delete(m.objects, id)
	for i, x := range m.order {
		if x == o {
			m.order = append(m.order[:i], m.order[i+1:]...)
			break
		}
	}
	return true
}

func (m *Manager) Object(id uint32) *Object { return m.objects[id] }

// Teleport makes the next update of object id a reliable teleport.
func (m *Manager) Teleport(id uint32) error {
	o, ok := m.objects[id]
	if !ok {
		return fmt.Errorf("%w: %d", ErrUnknownObject, id)
	}
	if !o.authority {
		return fmt.Errorf("%w: %d", ErrNotAuthority, id)
	}
	o.Teleport()
	return nil
}

// Reset discards all buffered movement and clock estimates.
// Call it when the underlying connection (re)connects.
func (m *Manager) Reset() {
	for _, o := range m.order {
		o.reset()
	}
	clear(m.clocks)
	m.back.Reset()
	m.sentOnce = false
}

// Forget drops the clock estimate for a peer that went away.
func (m *Manager) Forget(c *drift.Connection) {
	delete(m.clocks, c)
}

// BackTime returns the current playback delay.
func (m *Manager) BackTime() time.Duration { return m.back.Duration() }

// DroppedUpdates counts received records that could not be applied.
func (m *Manager) DroppedUpdates() uint64 { return m.droppedUpdates }

func (m *Manager) seconds(t time.Time) float64 {
	return t.Sub(m.epoch).Seconds()
}

// HandleMessage buffers the states carried by one movement message.
func (m *Manager) HandleMessage(msg *drift.Message) {
	now := m.seconds(m.cfg.Now())

	clock := m.clocks[msg.Conn]
	if clock == nil {
		clock = new(TimeMapper)
		m.clocks[msg.Conn] = clock
	}

	r := &msg.Reader
	for r.Len() > 0 {
		id := r.ReadPackedUint32()
		netTime := r.ReadInt32()
		if err := r.Err(); err != nil {
			m.dropRest(msg, "Truncated movement record", err)
			return
		}

		o := m.objects[id]
		if o == nil || o.authority {
			// Record lengths depend on the object's codecs,
			// so the rest of the message cannot be located.
			m.dropRest(msg, "Movement for unknown or local object", nil, "object_id", id)
			return
		}

		t := clock.Map(netTime, now)
		m.back.Observe(now - t)

		if err := o.applyUpdate(r, t, netTime); err != nil {
			m.dropRest(msg, "Failed to decode movement record", err, "object_id", id)
			return
		}
	}
}

func (m *Manager) dropRest(msg *drift.Message, text string, err error, attrs ...any) {
	m.droppedUpdates++
	attrs = append(attrs, "remaining", msg.Reader.Len())
	if err != nil {
		attrs = append(attrs, "err", err)
	}
	m.log.Debug(text, attrs...)
}

// FixedUpdate runs one physics step:
// remote objects are played back at now minus the back time,
// then due updates of local objects are sent.
func (m *Manager) FixedUpdate(now time.Time, dt time.Duration) error {
	t := m.seconds(now)
	back := m.back.Seconds()
	for _, o := range m.order {
		if !o.authority {
			o.update(t, dt.Seconds(), back)
		}
	}

	if m.cfg.Send == nil {
		return nil
	}
	if m.sentOnce && now.Sub(m.lastSend) < m.cfg.SendInterval {
		return nil
	}
	m.lastSend = now
	m.sentOnce = true

	netTime := int32(now.Sub(m.epoch).Milliseconds())

	var err error
	for _, o := range m.order {
		if !o.authority {
			continue
		}

		m.record.Reset()
		wrote, reliable := o.appendUpdate(m.record, netTime)
		if !wrote {
			continue
		}

		w, ch := m.unreliable, m.cfg.UnreliableChannel
		if reliable {
			w, ch = m.reliable, m.cfg.ReliableChannel
		}
		if w.Len() > 0 && w.Len()+m.record.Len() > m.cfg.MaxBatchSize {
			err = errors.Join(err, m.send(w, ch))
		}
		w.WriteBytes(m.record.Bytes())
	}

	err = errors.Join(err, m.send(m.unreliable, m.cfg.UnreliableChannel))
	err = errors.Join(err, m.send(m.reliable, m.cfg.ReliableChannel))
	return err
}

func (m *Manager) send(w *dcodec.Writer, ch uint8) error {
	if w.Len() == 0 {
		return nil
	}
	defer w.Reset()
	if err := m.cfg.Send(m.cfg.MsgType, w.Bytes(), ch); err != nil {
		return fmt.Errorf("failed to send movement on channel %d: %w", ch, err)
	}
	return nil
}
