package channel

import (
	"context"
	"sync"
)

// Pending is a one-shot wait for a single matching frame.
type Pending struct {
	mux *Mux
	id  uint64
	ch  chan []byte
}

func (p *Pending) resolve(payload []byte) {
	select {
	case p.ch <- payload:
	default:
	}
}

// Wait blocks until the frame arrives, ctx ends, or the channel closes.
// A wait that ends without a frame unregisters the listener.
func (p *Pending) Wait(ctx context.Context) ([]byte, error) {
	select {
	case payload := <-p.ch:
		return payload, nil
	case <-ctx.Done():
		p.Cancel()
		return nil, ctx.Err()
	case <-p.mux.done:
		select {
		case payload := <-p.ch:
			return payload, nil
		default:
		}
		return nil, p.mux.Err()
	}
}

// Cancel unregisters the listener. It is safe to call after the frame
// arrived.
func (p *Pending) Cancel() {
	p.mux.remove(p.id)
}

// Subscription queues every matching frame until closed.
type Subscription struct {
	mux    *Mux
	id     uint64
	notify chan struct{}

	mu    sync.Mutex
	queue [][]byte
}

func (s *Subscription) push(payload []byte) {
	s.mu.Lock()
	s.queue = append(s.queue, payload)
	s.mu.Unlock()

	select {
	case s.notify <- struct{}{}:
	default:
	}
}

func (s *Subscription) pop() ([]byte, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if len(s.queue) == 0 {
		return nil, false
	}
	payload := s.queue[0]
	s.queue[0] = nil
	s.queue = s.queue[1:]
	return payload, true
}

// Next returns the next queued frame, blocking until one arrives. Frames
// queued before the channel closed are still returned.
func (s *Subscription) Next(ctx context.Context) ([]byte, error) {
	for {
		if payload, ok := s.pop(); ok {
			return payload, nil
		}

		select {
		case <-s.notify:
		case <-ctx.Done():
			return nil, ctx.Err()
		case <-s.mux.done:
			if payload, ok := s.pop(); ok {
				return payload, nil
			}
			return nil, s.mux.Err()
		}
	}
}

func (s *Subscription) Close() {
	s.mux.remove(s.id)
}
