package eventstream

import (
	"context"
	"errors"
	"fmt"
	"os"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
	"go.uber.org/zap/zaptest"
	"go.uber.org/zap/zaptest/observer"

	"github.com/mrzor/bitcoind-observer/internal/bpf"
)

// fakeReader replays a fixed script. An empty script reads as a timeout.
type fakeReader struct {
	script    []fakeRead
	deadlines []time.Time
	closed    bool
	broken    error // returned by every Read once the script is used up
	reads     int
}

type fakeRead struct {
	record Record
	err    error
}

func (f *fakeReader) SetDeadline(t time.Time) { f.deadlines = append(f.deadlines, t) }

func (f *fakeReader) Read() (Record, error) {
	f.reads++
	if f.closed {
		return Record{}, ErrClosed
	}
	if len(f.script) == 0 && f.broken != nil {
		return Record{}, f.broken
	}
	if len(f.script) == 0 {
		return Record{}, fmt.Errorf("poll: %w", os.ErrDeadlineExceeded)
	}
	next := f.script[0]
	f.script = f.script[1:]
	return next.record, next.err
}

func (f *fakeReader) Close() error {
	f.closed = true
	return nil
}

func samples(payloads ...string) []fakeRead {
	reads := make([]fakeRead, 0, len(payloads))
	for _, p := range payloads {
		reads = append(reads, fakeRead{record: Record{RawSample: []byte(p)}})
	}
	return reads
}

type delivery struct {
	channel string
	payload string
	lost    uint64
}

// recordingHandler cancels the run once it has seen want deliveries.
type recordingHandler struct {
	got    []delivery
	want   int
	cancel context.CancelFunc
}

func (h *recordingHandler) HandleRecord(ch bpf.Channel, raw []byte) {
	h.add(delivery{channel: ch.Map, payload: string(raw)})
}

func (h *recordingHandler) HandleLost(ch bpf.Channel, n uint64) {
	h.add(delivery{channel: ch.Map, lost: n})
}

func (h *recordingHandler) add(d delivery) {
	h.got = append(h.got, d)
	if len(h.got) == h.want {
		h.cancel()
	}
}

func newHandler(want int) (*recordingHandler, context.Context) {
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	return &recordingHandler{want: want, cancel: cancel}, ctx
}

var (
	chanA = bpf.Channel{Map: "a"}
	chanB = bpf.Channel{Map: "b"}
	chanC = bpf.Channel{Map: "c"}
)

func TestMultiplexer_RoundRobinOrder(t *testing.T) {
	h, ctx := newHandler(5)
	m := New(h, zaptest.NewLogger(t), WithMaxBatch(1))
	m.Add(chanA, &fakeReader{script: samples("a1", "a2", "a3")}, time.Millisecond)
	m.Add(chanB, &fakeReader{}, time.Millisecond)
	m.Add(chanC, &fakeReader{script: samples("c1", "c2")}, time.Millisecond)

	require.NoError(t, m.Run(ctx))
	assert.Equal(t, []delivery{
		{channel: "a", payload: "a1"},
		{channel: "c", payload: "c1"},
		{channel: "a", payload: "a2"},
		{channel: "c", payload: "c2"},
		{channel: "a", payload: "a3"},
	}, h.got)
}

func TestMultiplexer_BatchPerPass(t *testing.T) {
	h, ctx := newHandler(5)
	m := New(h, zaptest.NewLogger(t), WithMaxBatch(2))
	a := &fakeReader{script: samples("a1", "a2", "a3")}
	m.Add(chanA, a, 50*time.Millisecond)
	m.Add(chanB, &fakeReader{script: samples("b1", "b2")}, 50*time.Millisecond)

	require.NoError(t, m.Run(ctx))
	assert.Equal(t, []delivery{
		{channel: "a", payload: "a1"},
		{channel: "a", payload: "a2"},
		{channel: "b", payload: "b1"},
		{channel: "b", payload: "b2"},
		{channel: "a", payload: "a3"},
	}, h.got)

	// The first read of a pass waits; later reads only drain.
	require.GreaterOrEqual(t, len(a.deadlines), 2)
	assert.True(t, a.deadlines[0].After(a.deadlines[1]))
}

func TestMultiplexer_InArrivalOrderWithinChannel(t *testing.T) {
	const n = 200
	payloads := make([]string, n)
	for i := range payloads {
		payloads[i] = fmt.Sprint(i)
	}

	h, ctx := newHandler(n)
	m := New(h, zaptest.NewLogger(t), WithMaxBatch(7))
	m.Add(chanA, &fakeReader{script: samples(payloads...)}, time.Millisecond)

	require.NoError(t, m.Run(ctx))
	require.Len(t, h.got, n)
	for i, d := range h.got {
		assert.Equal(t, payloads[i], d.payload)
	}
}

func TestMultiplexer_LostSamples(t *testing.T) {
	h, ctx := newHandler(2)
	m := New(h, zaptest.NewLogger(t))
	m.Add(chanA, &fakeReader{script: []fakeRead{
		{record: Record{LostSamples: 17}},
		{record: Record{RawSample: []byte("x")}},
	}}, time.Millisecond)

	require.NoError(t, m.Run(ctx))
	assert.Equal(t, []delivery{
		{channel: "a", lost: 17},
		{channel: "a", payload: "x"},
	}, h.got)
}

func TestMultiplexer_ReadErrorDoesNotStopLoop(t *testing.T) {
	h, ctx := newHandler(2)
	m := New(h, zaptest.NewLogger(t))
	m.Add(chanA, &fakeReader{script: []fakeRead{
		{err: errors.New("boom")},
		{record: Record{RawSample: []byte("a1")}},
	}}, time.Millisecond)
	m.Add(chanB, &fakeReader{script: samples("b1")}, time.Millisecond)

	require.NoError(t, m.Run(ctx))
	assert.Equal(t, []delivery{
		{channel: "b", payload: "b1"},
		{channel: "a", payload: "a1"},
	}, h.got)
}

func TestMultiplexer_AllClosedEndsRun(t *testing.T) {
	h, ctx := newHandler(-1)
	defer h.cancel()

	m := New(h, zaptest.NewLogger(t))
	a, b := &fakeReader{closed: true}, &fakeReader{closed: true}
	m.Add(chanA, a, time.Millisecond)
	m.Add(chanB, b, time.Millisecond)

	require.NoError(t, m.Run(ctx))
	assert.Empty(t, h.got)
	// Closed channels are not polled again.
	assert.Len(t, a.deadlines, 1)
	assert.Len(t, b.deadlines, 1)
}

func TestMultiplexer_NoChannels(t *testing.T) {
	m := New(&recordingHandler{}, zaptest.NewLogger(t))
	assert.Error(t, m.Run(context.Background()))
}

func TestMultiplexer_Close(t *testing.T) {
	a, b := &fakeReader{}, &fakeReader{}
	m := New(&recordingHandler{}, zaptest.NewLogger(t))
	m.Add(chanA, a, time.Millisecond)
	m.Add(chanB, b, time.Millisecond)

	require.NoError(t, m.Close())
	assert.True(t, a.closed)
	assert.True(t, b.closed)
	assert.Equal(t, 2, m.Len())
}

func TestMultiplexer_PersistentErrorBacksOff(t *testing.T) {
	core, logs := observer.New(zap.DebugLevel)
	m := New(&recordingHandler{}, zap.New(core))
	a := &fakeReader{broken: errors.New("EBADF")}
	m.Add(chanA, a, 20*time.Millisecond)

	ctx, cancel := context.WithTimeout(context.Background(), 150*time.Millisecond)
	defer cancel()
	require.NoError(t, m.Run(ctx))

	// Each failed read waits out the timeout instead of spinning.
	assert.GreaterOrEqual(t, a.reads, 2)
	assert.LessOrEqual(t, a.reads, 10)
	assert.Equal(t, 1, logs.FilterLevelExact(zap.ErrorLevel).Len())
	assert.Equal(t, a.reads-1, logs.FilterLevelExact(zap.DebugLevel).FilterMessage("reading channel").Len())
}

func TestMultiplexer_RecoveryIsLogged(t *testing.T) {
	core, logs := observer.New(zap.InfoLevel)
	h, ctx := newHandler(1)
	m := New(h, zap.New(core))
	m.Add(chanA, &fakeReader{script: []fakeRead{
		{err: errors.New("boom")},
		{err: errors.New("boom")},
		{record: Record{RawSample: []byte("a1")}},
	}}, time.Millisecond)

	require.NoError(t, m.Run(ctx))
	recovered := logs.FilterMessage("channel recovered").All()
	require.Len(t, recovered, 1)
	assert.EqualValues(t, 2, recovered[0].ContextMap()["failed_reads"])
}

// stoppingHandler stops the multiplexer from inside the loop.
type stoppingHandler struct {
	m   *Multiplexer
	got int
}

func (h *stoppingHandler) HandleRecord(bpf.Channel, []byte) {
	h.got++
	h.m.Stop()
	h.m.Stop()
}

func (h *stoppingHandler) HandleLost(bpf.Channel, uint64) {}

func TestMultiplexer_Stop(t *testing.T) {
	h := &stoppingHandler{}
	m := New(h, zaptest.NewLogger(t), WithMaxBatch(1))
	h.m = m
	a := &fakeReader{script: samples("a1", "a2", "a3")}
	b := &fakeReader{script: samples("b1")}
	m.Add(chanA, a, time.Millisecond)
	m.Add(chanB, b, time.Millisecond)

	require.NoError(t, m.Run(context.Background()))
	assert.Equal(t, 1, h.got)
	assert.Len(t, a.script, 2)
	assert.Empty(t, b.deadlines, "channel polled after Stop")
}
