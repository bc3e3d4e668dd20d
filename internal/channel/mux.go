package channel

import (
	"bytes"
	"context"
	"encoding/binary"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"github.com/sirupsen/logrus"
	"github.com/tonitrnel/synclink-sub001/internal/protocol"
)

type listener struct {
	flag    protocol.Flag
	match   Match
	once    bool
	deliver func([]byte)
}

// Mux routes inbound frames to listeners by flag and predicate. Transports
// feed it with Dispatch and fail it with Fail when the connection drops.
type Mux struct {
	kind   Kind
	writer FrameWriter
	logger logrus.FieldLogger

	mu        sync.Mutex
	listeners map[uint64]*listener
	nextID    uint64

	pingSeq   atomic.Uint64
	done      chan struct{}
	err       error
	closeOnce sync.Once
}

func NewMux(kind Kind, writer FrameWriter, logger logrus.FieldLogger) *Mux {
	if logger == nil {
		logger = logrus.StandardLogger()
	}
	return &Mux{
		kind:      kind,
		writer:    writer,
		logger:    logger,
		listeners: make(map[uint64]*listener),
		done:      make(chan struct{}),
	}
}

func (m *Mux) Kind() Kind {
	return m.kind
}

func (m *Mux) Send(flag protocol.Flag, payload []byte) error {
	select {
	case <-m.done:
		return m.Err()
	default:
	}

	if err := m.writer.WriteFrame(protocol.EncodeFrame(flag, payload)); err != nil {
		return fmt.Errorf("sending %s frame: %w", flag, err)
	}
	return nil
}

// Dispatch routes one inbound frame. It takes ownership of frame.
func (m *Mux) Dispatch(frame []byte) {
	flag, payload, err := protocol.DecodeFrame(frame)
	if err != nil {
		m.logger.Warnf("Dropping malformed frame: %v", err)
		return
	}

	if flag == protocol.FlagPing {
		if err := m.Send(protocol.FlagPong, payload); err != nil {
			m.logger.Debugf("Failed to answer ping: %v", err)
		}
		return
	}

	var targets []func([]byte)
	m.mu.Lock()
	for id, l := range m.listeners {
		if l.flag != flag || (l.match != nil && !l.match(payload)) {
			continue
		}
		if l.once {
			delete(m.listeners, id)
		}
		targets = append(targets, l.deliver)
	}
	m.mu.Unlock()

	if len(targets) == 0 {
		m.logger.Debugf("No listener for %s frame (%d bytes)", flag, len(payload))
		return
	}
	for _, deliver := range targets {
		deliver(payload)
	}
}

func (m *Mux) Subscribe(flag protocol.Flag, match Match) *Subscription {
	s := &Subscription{mux: m, notify: make(chan struct{}, 1)}
	s.id = m.add(&listener{flag: flag, match: match, deliver: s.push})
	return s
}

func (m *Mux) Expect(flag protocol.Flag, match Match) *Pending {
	p := &Pending{mux: m, ch: make(chan []byte, 1)}
	p.id = m.add(&listener{flag: flag, match: match, once: true, deliver: p.resolve})
	return p
}

// Ping measures one round trip. The peer Mux answers automatically.
func (m *Mux) Ping(ctx context.Context) (time.Duration, error) {
	nonce := make([]byte, 8)
	binary.LittleEndian.PutUint64(nonce, m.pingSeq.Add(1))

	pending := m.Expect(protocol.FlagPong, func(payload []byte) bool {
		return bytes.Equal(payload, nonce)
	})
	defer pending.Cancel()

	start := time.Now()
	if err := m.Send(protocol.FlagPing, nonce); err != nil {
		return 0, err
	}
	if _, err := pending.Wait(ctx); err != nil {
		return 0, fmt.Errorf("ping: %w", err)
	}
	return time.Since(start), nil
}

func (m *Mux) Done() <-chan struct{} {
	return m.done
}

// Err returns the reason the channel closed, or nil while it is open.
func (m *Mux) Err() error {
	select {
	case <-m.done:
		return m.err
	default:
		return nil
	}
}

func (m *Mux) Close() error {
	m.Fail(nil)
	return nil
}

// Fail closes the channel with cause. Every pending wait fails with an
// error wrapping ErrClosed. Only the first call has an effect.
func (m *Mux) Fail(cause error) {
	m.closeOnce.Do(func() {
		m.err = ErrClosed
		if cause != nil {
			m.err = fmt.Errorf("%w: %v", ErrClosed, cause)
		}

		m.mu.Lock()
		m.listeners = make(map[uint64]*listener)
		m.mu.Unlock()

		close(m.done)
		if err := m.writer.Close(); err != nil {
			m.logger.Debugf("Closing %s transport: %v", m.kind, err)
		}
	})
}

func (m *Mux) add(l *listener) uint64 {
	m.mu.Lock()
	defer m.mu.Unlock()

	m.nextID++
	m.listeners[m.nextID] = l
	return m.nextID
}

func (m *Mux) remove(id uint64) {
	m.mu.Lock()
	delete(m.listeners, id)
	m.mu.Unlock()
}

var _ Channel = (*Mux)(nil)
