// Package eventstream polls a fixed set of channels from a single goroutine
// and hands every record to a Handler.
package eventstream

import (
	"context"
	"errors"
	"os"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/mrzor/bitcoind-observer/internal/bpf"
)

// DefaultMaxBatch bounds how many records one channel may deliver per pass.
const DefaultMaxBatch = 64

// ErrClosed is returned by a Reader that has been closed.
var ErrClosed = errors.New("reader closed")

// Record is one sample read from a channel. A record either carries a raw
// sample or reports samples the kernel dropped.
type Record struct {
	RawSample   []byte
	LostSamples uint64
}

// Reader is a channel the multiplexer can poll. Read blocks until a record
// arrives or the deadline passes, in which case it returns an error wrapping
// os.ErrDeadlineExceeded.
type Reader interface {
	SetDeadline(t time.Time)
	Read() (Record, error)
	Close() error
}

// Handler consumes records. Implementations must contain their own errors.
type Handler interface {
	HandleRecord(ch bpf.Channel, raw []byte)
	HandleLost(ch bpf.Channel, n uint64)
}

type source struct {
	ch       bpf.Channel
	reader   Reader
	timeout  time.Duration
	closed   bool
	failures int // consecutive read errors
}

// Option configures a Multiplexer.
type Option func(*Multiplexer)

// WithMaxBatch overrides DefaultMaxBatch. Values below 1 are ignored.
func WithMaxBatch(n int) Option {
	return func(m *Multiplexer) {
		if n > 0 {
			m.maxBatch = n
		}
	}
}

// Multiplexer visits every registered channel once per pass, in the order
// they were added.
type Multiplexer struct {
	sources  []*source
	handler  Handler
	logger   *zap.Logger
	maxBatch int

	stopCh   chan struct{}
	stopOnce sync.Once
}

// New creates a Multiplexer dispatching to handler.
func New(handler Handler, logger *zap.Logger, opts ...Option) *Multiplexer {
	m := &Multiplexer{
		handler:  handler,
		logger:   logger,
		maxBatch: DefaultMaxBatch,
		stopCh:   make(chan struct{}),
	}
	for _, opt := range opts {
		opt(m)
	}
	return m
}

// Add registers a channel. timeout bounds the wait for its first record in
// each pass. Add must not be called once Run has started.
func (m *Multiplexer) Add(ch bpf.Channel, r Reader, timeout time.Duration) {
	m.sources = append(m.sources, &source{ch: ch, reader: r, timeout: timeout})
}

// Len returns the number of registered channels.
func (m *Multiplexer) Len() int {
	return len(m.sources)
}

// Run polls until ctx is cancelled, Stop is called or every reader is closed.
// Per-record failures are logged and never end the loop.
func (m *Multiplexer) Run(ctx context.Context) error {
	if len(m.sources) == 0 {
		return errors.New("no channels registered")
	}

	for {
		open := 0
		for _, s := range m.sources {
			if m.stopped(ctx) {
				return nil
			}
			if s.closed {
				continue
			}
			open++
			m.poll(ctx, s)
		}
		if open == 0 {
			m.logger.Info("all channels closed")
			return nil
		}
	}
}

// Stop ends Run after the channel currently being polled.
func (m *Multiplexer) Stop() {
	m.stopOnce.Do(func() { close(m.stopCh) })
}

func (m *Multiplexer) stopped(ctx context.Context) bool {
	select {
	case <-ctx.Done():
		return true
	case <-m.stopCh:
		return true
	default:
		return false
	}
}

// poll drains up to maxBatch records from s. Only the first read waits for
// the channel timeout; the rest take what is already buffered. A failing
// read costs the channel timeout, the same as an idle one.
func (m *Multiplexer) poll(ctx context.Context, s *source) {
	s.reader.SetDeadline(time.Now().Add(s.timeout))

	for i := 0; i < m.maxBatch; i++ {
		record, err := s.reader.Read()
		if err != nil {
			switch {
			case errors.Is(err, os.ErrDeadlineExceeded):
			case errors.Is(err, ErrClosed):
				m.logger.Info("channel closed", zap.Stringer("channel", s.ch))
				s.closed = true
			default:
				m.readFailed(ctx, s, err)
			}
			return
		}

		if s.failures > 0 {
			m.logger.Info("channel recovered", zap.Stringer("channel", s.ch), zap.Int("failed_reads", s.failures))
			s.failures = 0
		}

		if record.LostSamples > 0 {
			m.handler.HandleLost(s.ch, record.LostSamples)
		} else {
			m.handler.HandleRecord(s.ch, record.RawSample)
		}

		if i == 0 {
			s.reader.SetDeadline(time.Now())
		}
	}
}

// readFailed logs the first of a run of read errors at Error and the rest
// at Debug, then waits out the channel timeout.
func (m *Multiplexer) readFailed(ctx context.Context, s *source, err error) {
	s.failures++
	if s.failures == 1 {
		m.logger.Error("reading channel", zap.Stringer("channel", s.ch), zap.Error(err))
	} else {
		m.logger.Debug("reading channel", zap.Stringer("channel", s.ch), zap.Int("failed_reads", s.failures), zap.Error(err))
	}

	t := time.NewTimer(s.timeout)
	defer t.Stop()
	select {
	case <-t.C:
	case <-ctx.Done():
	case <-m.stopCh:
	}
}

// Close closes every registered reader.
func (m *Multiplexer) Close() error {
	var errs []error
	for _, s := range m.sources {
		if err := s.reader.Close(); err != nil {
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}
