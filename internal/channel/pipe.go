package channel

import (
	"sync"
	"time"

	"github.com/sirupsen/logrus"
	"github.com/tonitrnel/synclink-sub001/internal/protocol"
)

// DropFunc decides whether a frame written by side (0 or 1) is lost in
// transit.
type DropFunc func(side int, flag protocol.Flag, payload []byte) bool

type pipeConfig struct {
	drop    DropFunc
	latency time.Duration
	logger  logrus.FieldLogger
}

type PipeOption func(*pipeConfig)

func WithDrop(drop DropFunc) PipeOption {
	return func(c *pipeConfig) { c.drop = drop }
}

func WithLatency(d time.Duration) PipeOption {
	return func(c *pipeConfig) { c.latency = d }
}

func WithLogger(logger logrus.FieldLogger) PipeOption {
	return func(c *pipeConfig) { c.logger = logger }
}

// Pipe returns two in-memory channels connected to each other. Frames are
// delivered in order by a goroutine per direction. Closing either end
// closes both.
func Pipe(kind Kind, opts ...PipeOption) (*Mux, *Mux) {
	cfg := pipeConfig{}
	for _, opt := range opts {
		opt(&cfg)
	}

	a := &pipeEnd{side: 0, cfg: cfg, queue: make(chan []byte, 1024), closed: make(chan struct{})}
	b := &pipeEnd{side: 1, cfg: cfg, queue: make(chan []byte, 1024), closed: make(chan struct{})}
	a.remote, b.remote = b, a

	a.mux = NewMux(kind, a, cfg.logger)
	b.mux = NewMux(kind, b, cfg.logger)

	go a.pump()
	go b.pump()
	return a.mux, b.mux
}

type pipeEnd struct {
	side   int
	cfg    pipeConfig
	mux    *Mux
	remote *pipeEnd
	queue  chan []byte

	closeOnce sync.Once
	closed    chan struct{}
}

func (p *pipeEnd) WriteFrame(frame []byte) error {
	select {
	case <-p.closed:
		return ErrClosed
	case p.queue <- frame:
		return nil
	}
}

func (p *pipeEnd) Close() error {
	p.closeOnce.Do(func() {
		close(p.closed)
		go p.remote.mux.Fail(nil)
	})
	return nil
}

func (p *pipeEnd) pump() {
	for {
		select {
		case <-p.closed:
			return
		case frame := <-p.queue:
			flag, payload, err := protocol.DecodeFrame(frame)
			if err == nil && p.cfg.drop != nil && p.cfg.drop(p.side, flag, payload) {
				continue
			}
			if p.cfg.latency > 0 {
				time.Sleep(p.cfg.latency)
			}
			p.remote.mux.Dispatch(frame)
		}
	}
}
