package transfer

import (
	"bytes"
	"context"
	"errors"
	"io"
	"math/rand"
	"strings"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/sirupsen/logrus"
	"github.com/tonitrnel/synclink-sub001/internal/channel"
	"github.com/tonitrnel/synclink-sub001/internal/protocol"
)

func quietLogger() *logrus.Logger {
	logger := logrus.New()
	logger.SetOutput(io.Discard)
	return logger
}

func setupPeers(t *testing.T, opts Options, pipeOpts ...channel.PipeOption) (*Peer, *Peer) {
	t.Helper()
	if opts.Logger == nil {
		opts.Logger = quietLogger()
	}

	a, b := channel.Pipe(channel.KindWebSocket, pipeOpts...)
	pa, pb := NewPeer(a, opts), NewPeer(b, opts)

	ctx, cancel := context.WithCancel(context.Background())
	var wg sync.WaitGroup
	for _, p := range []*Peer{pa, pb} {
		wg.Add(1)
		go func(p *Peer) {
			defer wg.Done()
			_ = p.Run(ctx)
		}(p)
	}

	t.Cleanup(func() {
		cancel()
		_ = a.Close()
		_ = b.Close()
		wg.Wait()
	})
	return pa, pb
}

func testContext(t *testing.T) context.Context {
	t.Helper()
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	t.Cleanup(cancel)
	return ctx
}

func nextIncoming(t *testing.T, p *Peer) *Incoming {
	t.Helper()
	select {
	case in, ok := <-p.Incoming():
		if !ok {
			t.Fatal("incoming channel closed")
		}
		t.Cleanup(func() { _ = in.Close() })
		return in
	case <-time.After(5 * time.Second):
		t.Fatal("timed out waiting for incoming file")
	}
	return nil
}

func randomBytes(n int) []byte {
	data := make([]byte, n)
	rand.New(rand.NewSource(int64(n))).Read(data)
	return data
}

func memorySource(name string, data []byte) *Source {
	return &Source{
		Name:    name,
		Size:    int64(len(data)),
		ModTime: time.UnixMilli(1700000000000),
		Reader:  bytes.NewReader(data),
	}
}

type sendResult struct {
	res *Result
	err error
}

func sendAsync(ctx context.Context, p *Peer, src *Source, progress ProgressFunc) <-chan sendResult {
	done := make(chan sendResult, 1)
	go func() {
		res, err := p.Send(ctx, src, progress)
		done <- sendResult{res, err}
	}()
	return done
}

func waitSend(t *testing.T, done <-chan sendResult) sendResult {
	t.Helper()
	select {
	case r := <-done:
		return r
	case <-time.After(5 * time.Second):
		t.Fatal("timed out waiting for Send")
	}
	return sendResult{}
}

// frameLog records every frame that crosses a Pipe without dropping any.
type frameLog struct {
	mu     sync.Mutex
	frames []loggedFrame
}

type loggedFrame struct {
	side   int
	flag   protocol.Flag
	header protocol.Header
}

func (l *frameLog) observe(side int, flag protocol.Flag, payload []byte) bool {
	entry := loggedFrame{side: side, flag: flag}
	if flag == protocol.FlagData || flag == protocol.FlagAck {
		h, _, err := protocol.DecodePacket(payload)
		if err == nil {
			entry.header = h
		}
	}
	l.mu.Lock()
	l.frames = append(l.frames, entry)
	l.mu.Unlock()
	return false
}

func (l *frameLog) snapshot() []loggedFrame {
	l.mu.Lock()
	defer l.mu.Unlock()
	return append([]loggedFrame(nil), l.frames...)
}

func (l *frameLog) count(flag protocol.Flag) int {
	n := 0
	for _, f := range l.snapshot() {
		if f.flag == flag {
			n++
		}
	}
	return n
}

func TestTransferChunksAndAcks(t *testing.T) {
	var log frameLog
	sender, receiver := setupPeers(t, Options{ChunkSize: 128 * 1024}, channel.WithDrop(log.observe))
	ctx := testContext(t)

	data := randomBytes(300 * 1024)
	var last Progress
	done := sendAsync(ctx, sender, memorySource("report", data), func(p Progress) { last = p })

	in := nextIncoming(t, receiver)
	if in.Meta.Name != "report" || in.Meta.Size != int64(len(data)) {
		t.Fatalf("unexpected metadata: %+v", in.Meta)
	}
	if in.Meta.Mtime != 1700000000000 {
		t.Errorf("expected mtime to be carried, got %d", in.Meta.Mtime)
	}
	if in.Meta.Type != defaultMimeType {
		t.Errorf("expected default mime type, got %q", in.Meta.Type)
	}

	got, err := io.ReadAll(in)
	if err != nil {
		t.Fatalf("ReadAll failed: %v", err)
	}
	if !bytes.Equal(got, data) {
		t.Fatalf("received %d bytes that differ from the %d sent", len(got), len(data))
	}

	r := waitSend(t, done)
	if r.err != nil {
		t.Fatalf("Send failed: %v", r.err)
	}
	if r.res.Packets != 3 || r.res.Bytes != int64(len(data)) {
		t.Errorf("expected 3 packets of %d bytes, got %+v", len(data), r.res)
	}
	if last.Percent != 100 || last.Bytes != int64(len(data)) {
		t.Errorf("expected final progress of 100%%, got %+v", last)
	}

	if acks := log.count(protocol.FlagAck); acks != 4 {
		t.Errorf("expected 4 acknowledgements, got %d", acks)
	}
	if packets := log.count(protocol.FlagData); packets != 3 {
		t.Errorf("expected 3 data packets, got %d", packets)
	}
}

func TestTransferPacketSequenceIsMonotonic(t *testing.T) {
	var log frameLog
	sender, receiver := setupPeers(t, Options{ChunkSize: 1000}, channel.WithDrop(log.observe))
	ctx := testContext(t)

	data := randomBytes(25_500)
	done := sendAsync(ctx, sender, memorySource("a", data), nil)
	in := nextIncoming(t, receiver)
	if _, err := io.Copy(io.Discard, in); err != nil {
		t.Fatalf("Copy failed: %v", err)
	}
	if r := waitSend(t, done); r.err != nil {
		t.Fatalf("Send failed: %v", r.err)
	}

	want := uint32(1)
	for _, f := range log.snapshot() {
		if f.flag != protocol.FlagData {
			continue
		}
		if f.header.PacketSeq != want {
			t.Fatalf("expected packet %d, got %d", want, f.header.PacketSeq)
		}
		want++
	}
	if want-1 != 26 {
		t.Errorf("expected 26 packets, got %d", want-1)
	}
}

func TestTransferStopAndWait(t *testing.T) {
	var log frameLog
	sender, receiver := setupPeers(t, Options{ChunkSize: 512}, channel.WithDrop(log.observe))
	ctx := testContext(t)

	done := sendAsync(ctx, sender, memorySource("a", randomBytes(10_000)), nil)
	in := nextIncoming(t, receiver)
	if _, err := io.Copy(io.Discard, in); err != nil {
		t.Fatalf("Copy failed: %v", err)
	}
	if r := waitSend(t, done); r.err != nil {
		t.Fatalf("Send failed: %v", r.err)
	}

	var acked uint32
	for _, f := range log.snapshot() {
		switch {
		case f.flag == protocol.FlagAck && f.side == 1:
			if f.header.PacketSeq > acked {
				acked = f.header.PacketSeq
			}
		case f.flag == protocol.FlagData && f.side == 0:
			if f.header.PacketSeq > acked+1 {
				t.Fatalf("packet %d sent while packet %d was unacknowledged", f.header.PacketSeq, acked+1)
			}
		}
	}
}

func TestTransferDuplicateMetadata(t *testing.T) {
	sender, receiver := setupPeers(t, Options{ChunkSize: 64})
	ctx := testContext(t)

	data := randomBytes(200)
	done := sendAsync(ctx, sender, memorySource("a", data), nil)
	in := nextIncoming(t, receiver)
	if _, err := io.Copy(io.Discard, in); err != nil {
		t.Fatalf("Copy failed: %v", err)
	}
	r := waitSend(t, done)
	if r.err != nil {
		t.Fatalf("Send failed: %v", r.err)
	}

	payload, err := protocol.EncodeMeta(in.Meta)
	if err != nil {
		t.Fatalf("EncodeMeta failed: %v", err)
	}
	ch := sender.Channel()
	ack := ch.Expect(protocol.FlagAck, protocol.MatchHeader(protocol.Header{FileSeq: r.res.FileSeq}))
	if err := ch.Send(protocol.FlagMeta, payload); err != nil {
		t.Fatalf("Send failed: %v", err)
	}
	if _, err := ack.Wait(ctx); err != nil {
		t.Fatalf("expected duplicate metadata to be acknowledged: %v", err)
	}

	select {
	case dup := <-receiver.Incoming():
		t.Fatalf("duplicate metadata started a new transfer: %+v", dup.Meta)
	case <-time.After(50 * time.Millisecond):
	}
	if in.Received() != int64(len(data)) {
		t.Errorf("expected %d bytes received, got %d", len(data), in.Received())
	}
}

func TestTransferConcurrentFilesStayIsolated(t *testing.T) {
	a, b := setupPeers(t, Options{ChunkSize: 100})
	ctx := testContext(t)

	files := map[string][]byte{
		"one":   randomBytes(1_000),
		"two":   randomBytes(1_234),
		"three": randomBytes(777),
	}
	var sends []<-chan sendResult
	sends = append(sends, sendAsync(ctx, a, memorySource("one", files["one"]), nil))
	sends = append(sends, sendAsync(ctx, a, memorySource("two", files["two"]), nil))
	sends = append(sends, sendAsync(ctx, b, memorySource("three", files["three"]), nil))

	var wg sync.WaitGroup
	var mu sync.Mutex
	got := make(map[string][]byte)
	collect := func(in *Incoming) {
		defer wg.Done()
		data, err := io.ReadAll(in)
		if err != nil {
			t.Errorf("reading %s: %v", in.Meta.Name, err)
			return
		}
		mu.Lock()
		got[in.Meta.Name] = data
		mu.Unlock()
	}

	wg.Add(3)
	go collect(nextIncoming(t, b))
	go collect(nextIncoming(t, b))
	go collect(nextIncoming(t, a))

	for _, done := range sends {
		if r := waitSend(t, done); r.err != nil {
			t.Fatalf("Send failed: %v", r.err)
		}
	}
	wg.Wait()

	for name, want := range files {
		if !bytes.Equal(got[name], want) {
			t.Errorf("file %s corrupted: got %d bytes, want %d", name, len(got[name]), len(want))
		}
	}
}

func TestTransferFileSeqWatermark(t *testing.T) {
	a, b := setupPeers(t, Options{})
	ctx := testContext(t)

	transfer := func(from, to *Peer) uint32 {
		done := sendAsync(ctx, from, memorySource("x", []byte("hello")), nil)
		in := nextIncoming(t, to)
		if _, err := io.Copy(io.Discard, in); err != nil {
			t.Fatalf("Copy failed: %v", err)
		}
		r := waitSend(t, done)
		if r.err != nil {
			t.Fatalf("Send failed: %v", r.err)
		}
		return r.res.FileSeq
	}

	got := []uint32{transfer(a, b), transfer(b, a), transfer(a, b)}
	for i, seq := range got {
		if seq != uint32(i) {
			t.Errorf("transfer %d: expected fileSeq %d, got %d", i, i, seq)
		}
	}
}

func TestTransferRetryExhaustion(t *testing.T) {
	var attempts, third atomic.Int32
	drop := func(side int, flag protocol.Flag, payload []byte) bool {
		if side != 0 || flag != protocol.FlagData {
			return false
		}
		h, _, _ := protocol.DecodePacket(payload)
		switch h.PacketSeq {
		case 2:
			attempts.Add(1)
			return true
		case 3:
			third.Add(1)
		}
		return false
	}
	sender, receiver := setupPeers(t, Options{ChunkSize: 1024, AckTimeout: 20 * time.Millisecond, MaxRetries: 3}, channel.WithDrop(drop))
	ctx := testContext(t)

	done := sendAsync(ctx, sender, memorySource("a", randomBytes(4096)), nil)
	in := nextIncoming(t, receiver)
	readErr := make(chan error, 1)
	go func() {
		_, err := io.Copy(io.Discard, in)
		readErr <- err
	}()

	r := waitSend(t, done)
	if !errors.Is(r.err, ErrRetriesExhausted) {
		t.Fatalf("expected ErrRetriesExhausted, got %v", r.err)
	}
	if n := attempts.Load(); n != 4 {
		t.Errorf("expected 4 attempts for packet 2, got %d", n)
	}
	if n := third.Load(); n != 0 {
		t.Errorf("expected packet 3 never to be sent, got %d", n)
	}

	select {
	case err := <-readErr:
		if !errors.Is(err, ErrCancelled) {
			t.Errorf("expected receiver to see ErrCancelled, got %v", err)
		}
	case <-time.After(5 * time.Second):
		t.Fatal("receiver still waiting after sender gave up")
	}
}

func TestTransferRetransmitRecovers(t *testing.T) {
	var dropped atomic.Bool
	drop := func(side int, flag protocol.Flag, payload []byte) bool {
		if side != 1 || flag != protocol.FlagAck {
			return false
		}
		h, _, _ := protocol.DecodePacket(payload)
		return h.PacketSeq == 1 && dropped.CompareAndSwap(false, true)
	}
	sender, receiver := setupPeers(t, Options{ChunkSize: 4, AckTimeout: 30 * time.Millisecond}, channel.WithDrop(drop))
	ctx := testContext(t)

	done := sendAsync(ctx, sender, memorySource("a", []byte("abcdefgh")), nil)
	in := nextIncoming(t, receiver)
	got, err := io.ReadAll(in)
	if err != nil {
		t.Fatalf("ReadAll failed: %v", err)
	}
	if string(got) != "abcdefgh" {
		t.Errorf("expected retransmitted packet to be delivered once, got %q", got)
	}
	if r := waitSend(t, done); r.err != nil {
		t.Fatalf("Send failed: %v", r.err)
	}
}

func TestTransferMetadataTimeout(t *testing.T) {
	var metas atomic.Int32
	drop := func(side int, flag protocol.Flag, payload []byte) bool {
		if flag == protocol.FlagMeta {
			metas.Add(1)
			return true
		}
		return false
	}
	sender, _ := setupPeers(t, Options{AckTimeout: 30 * time.Millisecond}, channel.WithDrop(drop))
	ctx := testContext(t)

	_, err := sender.Send(ctx, memorySource("a", []byte("data")), nil)
	if !errors.Is(err, ErrAckTimeout) {
		t.Fatalf("expected ErrAckTimeout, got %v", err)
	}
	if n := metas.Load(); n != 1 {
		t.Errorf("expected metadata to be sent once, got %d", n)
	}
}

func TestTransferCancelNotifiesReceiver(t *testing.T) {
	drop := func(side int, flag protocol.Flag, payload []byte) bool {
		return flag == protocol.FlagData
	}
	sender, receiver := setupPeers(t, Options{}, channel.WithDrop(drop))
	ctx, cancel := context.WithCancel(testContext(t))

	done := sendAsync(ctx, sender, memorySource("a", randomBytes(100)), nil)
	in := nextIncoming(t, receiver)
	cancel()

	r := waitSend(t, done)
	if !errors.Is(r.err, context.Canceled) {
		t.Fatalf("expected context.Canceled, got %v", r.err)
	}
	if _, err := io.ReadAll(in); !errors.Is(err, ErrCancelled) {
		t.Errorf("expected ErrCancelled, got %v", err)
	}
}

func TestTransferShortSource(t *testing.T) {
	sender, receiver := setupPeers(t, Options{ChunkSize: 16})
	ctx := testContext(t)

	src := memorySource("a", randomBytes(50))
	src.Size = 100
	done := sendAsync(ctx, sender, src, nil)
	in := nextIncoming(t, receiver)
	_, readErr := io.ReadAll(in)

	r := waitSend(t, done)
	if !errors.Is(r.err, ErrShortSource) {
		t.Fatalf("expected ErrShortSource, got %v", r.err)
	}
	if !errors.Is(readErr, ErrCancelled) {
		t.Errorf("expected ErrCancelled, got %v", readErr)
	}
}

func TestTransferEmptyFile(t *testing.T) {
	sender, receiver := setupPeers(t, Options{})
	ctx := testContext(t)

	var calls []Progress
	done := sendAsync(ctx, sender, memorySource("empty.txt", nil), func(p Progress) { calls = append(calls, p) })
	in := nextIncoming(t, receiver)
	got, err := io.ReadAll(in)
	if err != nil || len(got) != 0 {
		t.Fatalf("expected empty read, got %d bytes, err %v", len(got), err)
	}

	r := waitSend(t, done)
	if r.err != nil {
		t.Fatalf("Send failed: %v", r.err)
	}
	if r.res.Packets != 0 {
		t.Errorf("expected no data packets, got %d", r.res.Packets)
	}
	if len(calls) != 1 || calls[0].Percent != 100 {
		t.Errorf("expected a single 100%% progress report, got %+v", calls)
	}
	if !strings.HasPrefix(in.Meta.Type, "text/plain") {
		t.Errorf("unexpected mime type %q", in.Meta.Type)
	}
}

func TestTransferChannelClosed(t *testing.T) {
	drop := func(side int, flag protocol.Flag, payload []byte) bool {
		return flag == protocol.FlagData
	}
	sender, receiver := setupPeers(t, Options{}, channel.WithDrop(drop))
	ctx := testContext(t)

	done := sendAsync(ctx, sender, memorySource("a", randomBytes(100)), nil)
	in := nextIncoming(t, receiver)
	_ = sender.Channel().Close()

	r := waitSend(t, done)
	if !errors.Is(r.err, channel.ErrClosed) {
		t.Fatalf("expected ErrClosed, got %v", r.err)
	}
	if _, err := io.ReadAll(in); !errors.Is(err, channel.ErrClosed) {
		t.Errorf("expected receiver to fail with ErrClosed, got %v", err)
	}
}

func sendMeta(t *testing.T, ctx context.Context, ch channel.Channel, meta protocol.FileMeta) {
	t.Helper()
	payload, err := protocol.EncodeMeta(meta)
	if err != nil {
		t.Fatalf("EncodeMeta failed: %v", err)
	}
	ack := ch.Expect(protocol.FlagAck, protocol.MatchHeader(protocol.Header{FileSeq: meta.Seq}))
	if err := ch.Send(protocol.FlagMeta, payload); err != nil {
		t.Fatalf("Send failed: %v", err)
	}
	if _, err := ack.Wait(ctx); err != nil {
		t.Fatalf("metadata not acknowledged: %v", err)
	}
}

func sendData(t *testing.T, ctx context.Context, ch channel.Channel, h protocol.Header, payload string) {
	t.Helper()
	ack := ch.Expect(protocol.FlagAck, protocol.MatchHeader(h))
	if err := ch.Send(protocol.FlagData, protocol.EncodePacket(h, []byte(payload))); err != nil {
		t.Fatalf("Send failed: %v", err)
	}
	if _, err := ack.Wait(ctx); err != nil {
		t.Fatalf("packet %d not acknowledged: %v", h.PacketSeq, err)
	}
}

func TestReceiverReacksDuplicatePacket(t *testing.T) {
	sender, receiver := setupPeers(t, Options{})
	ctx := testContext(t)
	ch := sender.Channel()

	sendMeta(t, ctx, ch, protocol.FileMeta{Seq: 5, Name: "dup", Size: 8})
	in := nextIncoming(t, receiver)
	result := make(chan []byte, 1)
	go func() {
		data, _ := io.ReadAll(in)
		result <- data
	}()

	sendData(t, ctx, ch, protocol.Header{FileSeq: 5, PacketSeq: 1}, "abcd")
	sendData(t, ctx, ch, protocol.Header{FileSeq: 5, PacketSeq: 1}, "abcd")
	sendData(t, ctx, ch, protocol.Header{FileSeq: 5, PacketSeq: 2}, "efgh")

	select {
	case data := <-result:
		if string(data) != "abcdefgh" {
			t.Errorf("expected duplicate to be dropped, got %q", data)
		}
	case <-time.After(5 * time.Second):
		t.Fatal("timed out reading")
	}
}

func TestReceiverSequenceMismatch(t *testing.T) {
	sender, receiver := setupPeers(t, Options{})
	ctx := testContext(t)
	ch := sender.Channel()

	sendMeta(t, ctx, ch, protocol.FileMeta{Seq: 7, Name: "gap", Size: 10})
	in := nextIncoming(t, receiver)

	packet := protocol.EncodePacket(protocol.Header{FileSeq: 7, PacketSeq: 2}, []byte("xx"))
	if err := ch.Send(protocol.FlagData, packet); err != nil {
		t.Fatalf("Send failed: %v", err)
	}
	if _, err := io.ReadAll(in); !errors.Is(err, ErrSequence) {
		t.Fatalf("expected ErrSequence, got %v", err)
	}

	// The channel stays usable for other files.
	sendMeta(t, ctx, ch, protocol.FileMeta{Seq: 8, Name: "next", Size: 2})
	next := nextIncoming(t, receiver)
	result := make(chan []byte, 1)
	go func() {
		data, _ := io.ReadAll(next)
		result <- data
	}()
	sendData(t, ctx, ch, protocol.Header{FileSeq: 8, PacketSeq: 1}, "ok")
	if data := <-result; string(data) != "ok" {
		t.Errorf("expected 'ok', got %q", data)
	}
}
