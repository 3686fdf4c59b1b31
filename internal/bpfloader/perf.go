package bpfloader

import (
	"errors"
	"fmt"
	"time"

	"github.com/cilium/ebpf"
	"github.com/cilium/ebpf/perf"

	"github.com/mrzor/bitcoind-observer/internal/eventstream"
)

// PerfReader adapts a perf event array reader to eventstream.Reader. The
// returned sample aliases an internal buffer valid until the next Read.
type PerfReader struct {
	rd  *perf.Reader
	rec perf.Record
}

var _ eventstream.Reader = (*PerfReader)(nil)

func newPerfReader(m *ebpf.Map, perCPUBuffer int) (*PerfReader, error) {
	rd, err := perf.NewReader(m, perCPUBuffer)
	if err != nil {
		return nil, fmt.Errorf("opening perf reader on %s: %w", m, err)
	}
	return &PerfReader{rd: rd}, nil
}

// SetDeadline bounds the next Read.
func (r *PerfReader) SetDeadline(t time.Time) {
	r.rd.SetDeadline(t)
}

// Read returns the next sample or lost-sample report.
func (r *PerfReader) Read() (eventstream.Record, error) {
	if err := r.rd.ReadInto(&r.rec); err != nil {
		if errors.Is(err, perf.ErrClosed) {
			return eventstream.Record{}, eventstream.ErrClosed
		}
		return eventstream.Record{}, err
	}
	return eventstream.Record{RawSample: r.rec.RawSample, LostSamples: r.rec.LostSamples}, nil
}

// Close interrupts a pending Read and releases the per-CPU buffers.
func (r *PerfReader) Close() error {
	return r.rd.Close()
}
