package webrtc

import (
	"bytes"
	"context"
	"encoding/json"
	"io"
	"sync"
	"testing"
	"time"

	"github.com/sirupsen/logrus"
	"github.com/tonitrnel/synclink-sub001/internal/channel"
	"github.com/tonitrnel/synclink-sub001/internal/protocol"
	"github.com/tonitrnel/synclink-sub001/internal/transfer"
)

// memorySignaler round-trips every signal through its JSON wire form.
type memorySignaler struct {
	out chan<- protocol.Signal
	in  <-chan protocol.Signal
}

func (s *memorySignaler) SendSignal(ctx context.Context, signal protocol.Signal) error {
	data, err := json.Marshal(signal)
	if err != nil {
		return err
	}
	var decoded protocol.Signal
	if err := json.Unmarshal(data, &decoded); err != nil {
		return err
	}
	select {
	case s.out <- decoded:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

func (s *memorySignaler) Signals() <-chan protocol.Signal {
	return s.in
}

func signalerPair() (*memorySignaler, *memorySignaler) {
	ab := make(chan protocol.Signal, 64)
	ba := make(chan protocol.Signal, 64)
	return &memorySignaler{out: ab, in: ba}, &memorySignaler{out: ba, in: ab}
}

func dialPair(t *testing.T) (*channel.Mux, *channel.Mux) {
	t.Helper()
	if testing.Short() {
		t.Skip("requires local UDP networking")
	}

	logger := logrus.New()
	logger.SetOutput(io.Discard)

	ctx, cancel := context.WithTimeout(context.Background(), 15*time.Second)
	defer cancel()

	sa, sb := signalerPair()
	var (
		wg                sync.WaitGroup
		offerer, answerer *channel.Mux
		errA, errB        error
	)
	wg.Add(2)
	go func() {
		defer wg.Done()
		offerer, errA = Dial(ctx, Config{Offerer: true, Signaler: sa, Logger: logger, IncludeLoopback: true})
	}()
	go func() {
		defer wg.Done()
		answerer, errB = Dial(ctx, Config{Signaler: sb, Logger: logger, IncludeLoopback: true})
	}()
	wg.Wait()

	if errA != nil || errB != nil {
		t.Fatalf("Dial failed: offerer=%v answerer=%v", errA, errB)
	}
	t.Cleanup(func() {
		_ = offerer.Close()
		_ = answerer.Close()
	})
	return offerer, answerer
}

func TestDialExchangesFrames(t *testing.T) {
	a, b := dialPair(t)
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	if a.Kind() != channel.KindWebRTC {
		t.Errorf("expected webrtc kind, got %s", a.Kind())
	}

	if _, err := a.Ping(ctx); err != nil {
		t.Fatalf("Ping failed: %v", err)
	}
	if _, err := b.Ping(ctx); err != nil {
		t.Fatalf("Ping failed: %v", err)
	}

	pending := b.Expect(protocol.FlagData, nil)
	payload := make([]byte, 128*1024)
	for i := range payload {
		payload[i] = byte(i)
	}
	if err := a.Send(protocol.FlagData, payload); err != nil {
		t.Fatalf("Send failed: %v", err)
	}
	got, err := pending.Wait(ctx)
	if err != nil {
		t.Fatalf("Wait failed: %v", err)
	}
	if len(got) != len(payload) || got[len(got)-1] != payload[len(payload)-1] {
		t.Errorf("payload damaged in transit: got %d bytes", len(got))
	}
}

func TestTransferDefaultChunksOverDataChannel(t *testing.T) {
	a, b := dialPair(t)
	ctx, cancel := context.WithTimeout(context.Background(), 15*time.Second)
	defer cancel()

	logger := logrus.New()
	logger.SetOutput(io.Discard)
	out := transfer.NewPeer(a, transfer.Options{Logger: logger})
	in := transfer.NewPeer(b, transfer.Options{Logger: logger})
	go func() { _ = out.Run(ctx) }()
	go func() { _ = in.Run(ctx) }()

	data := make([]byte, 300*1024)
	for i := range data {
		data[i] = byte(i * 7)
	}

	type sendResult struct {
		res *transfer.Result
		err error
	}
	done := make(chan sendResult, 1)
	go func() {
		res, err := out.Send(ctx, &transfer.Source{
			Name:    "photo.jpg",
			Size:    int64(len(data)),
			ModTime: time.Now(),
			Reader:  bytes.NewReader(data),
		}, nil)
		done <- sendResult{res, err}
	}()

	var incoming *transfer.Incoming
	select {
	case incoming = <-in.Incoming():
	case <-ctx.Done():
		t.Fatal("no incoming file")
	}
	defer incoming.Close()

	got, err := io.ReadAll(incoming)
	if err != nil {
		t.Fatalf("ReadAll failed: %v", err)
	}
	if !bytes.Equal(got, data) {
		t.Errorf("received %d bytes, want %d identical bytes", len(got), len(data))
	}

	r := <-done
	if r.err != nil {
		t.Fatalf("Send failed: %v", r.err)
	}
	if r.res.Packets != 3 {
		t.Errorf("expected 128 KiB + 128 KiB + 44 KiB packets, got %d", r.res.Packets)
	}
}

func TestDialRequiresSignaler(t *testing.T) {
	if _, err := Dial(context.Background(), Config{}); err == nil {
		t.Error("expected error without a signaler")
	}
}

func TestSTUNConfig(t *testing.T) {
	cfg := STUNConfig(DefaultSTUNServers)
	if len(cfg.ICEServers) != 1 || len(cfg.ICEServers[0].URLs) != 5 {
		t.Errorf("unexpected ICE servers: %+v", cfg.ICEServers)
	}
	if len(STUNConfig(nil).ICEServers) != 0 {
		t.Error("expected no ICE servers for an empty list")
	}

	dc := DataChannelConfig()
	if dc.Ordered == nil || !*dc.Ordered || dc.MaxRetransmits != nil {
		t.Error("data channel must be ordered and fully reliable")
	}
	if dc.Protocol == nil || *dc.Protocol != "file-transfer" {
		t.Errorf("unexpected protocol %v", dc.Protocol)
	}
}
