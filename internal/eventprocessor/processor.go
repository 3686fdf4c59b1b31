package eventprocessor

import (
	"fmt"

	"go.uber.org/zap"

	"github.com/mrzor/bitcoind-observer/internal/bpf"
	"github.com/mrzor/bitcoind-observer/internal/filter"
	"github.com/mrzor/bitcoind-observer/internal/metrics"
)

// Aggregator receives decoded events. *metrics.Registry implements it.
type Aggregator interface {
	ObserveRecord(channel string)
	ObserveDecodeError(channel string)
	ObserveLostSamples(channel string, n uint64)
	ObserveUnknownDiscriminant(channel string)
	ObserveFiltered(channel string)

	ObserveP2PInbound(bpf.NetworkMessage)
	ObserveP2POutbound(bpf.NetworkMessage)
	ObserveBlockConnected(bpf.BlockConnected)
	ObserveUTXOCacheEvent(bpf.CacheMutation) bool
	ObserveUTXOCacheFlush(bpf.CacheFlush)
	ObserveLock(metrics.LockTransition, bpf.Lock)
	ObserveMempoolAdded(bpf.MempoolAdded)
	ObserveMempoolRemoved(bpf.MempoolRemoved)
	ObserveMempoolRejected(bpf.MempoolRejected)
	ObserveMempoolReplaced(bpf.MempoolReplaced)
}

var _ Aggregator = (*metrics.Registry)(nil)

// Processor turns channel records into aggregator updates.
type Processor struct {
	agg    Aggregator
	filter *filter.Filter
	logger *zap.Logger
}

// NewProcessor creates a processor. f may be nil.
func NewProcessor(agg Aggregator, f *filter.Filter, logger *zap.Logger) *Processor {
	return &Processor{
		agg:    agg,
		filter: f,
		logger: logger,
	}
}

// HandleRecord decodes raw as the channel's kind and aggregates it.
func (p *Processor) HandleRecord(ch bpf.Channel, raw []byte) {
	p.agg.ObserveRecord(ch.Map)

	ev, err := bpf.Decode(ch.Kind, raw)
	if err != nil {
		p.agg.ObserveDecodeError(ch.Map)
		p.logger.Warn("dropping record",
			zap.Stringer("channel", ch),
			zap.Stringer("kind", ch.Kind),
			zap.Int("size", len(raw)),
			zap.Error(err),
		)
		return
	}

	keep, err := p.filter.Keep(ev)
	if err != nil {
		// Evaluation errors keep the record.
		p.logger.Warn("filter failed", zap.Stringer("channel", ch), zap.Error(err))
		keep = true
	}
	if !keep {
		p.agg.ObserveFiltered(ch.Map)
		return
	}

	if err := p.route(ch, ev); err != nil {
		p.logger.Error("routing event", zap.Stringer("channel", ch), zap.Error(err))
	}
}

// HandleLost accounts for samples the kernel dropped on ch.
func (p *Processor) HandleLost(ch bpf.Channel, n uint64) {
	p.agg.ObserveLostSamples(ch.Map, n)
	p.logger.Warn("lost samples", zap.Stringer("channel", ch), zap.Uint64("count", n))
}

func (p *Processor) route(ch bpf.Channel, ev bpf.Event) error {
	switch e := ev.(type) {
	case bpf.NetworkMessage:
		switch ch.Handler {
		case bpf.HandleP2PInbound:
			p.agg.ObserveP2PInbound(e)
		case bpf.HandleP2POutbound:
			p.agg.ObserveP2POutbound(e)
		default:
			return mismatch(ch, ev)
		}
	case bpf.BlockConnected:
		p.agg.ObserveBlockConnected(e)
	case bpf.CacheMutation:
		if !p.agg.ObserveUTXOCacheEvent(e) {
			p.unknown(ch, uint64(e.Event.Raw()))
		}
	case bpf.CacheFlush:
		if !e.Mode.Known() {
			p.unknown(ch, uint64(e.Mode.Raw()))
		}
		p.agg.ObserveUTXOCacheFlush(e)
	case bpf.Lock:
		t, ok := lockTransition(ch.Handler)
		if !ok {
			return mismatch(ch, ev)
		}
		p.agg.ObserveLock(t, e)
	case bpf.MempoolAdded:
		p.agg.ObserveMempoolAdded(e)
	case bpf.MempoolRemoved:
		p.agg.ObserveMempoolRemoved(e)
	case bpf.MempoolRejected:
		p.agg.ObserveMempoolRejected(e)
	case bpf.MempoolReplaced:
		p.agg.ObserveMempoolReplaced(e)
	default:
		return mismatch(ch, ev)
	}
	return nil
}

func (p *Processor) unknown(ch bpf.Channel, value uint64) {
	p.agg.ObserveUnknownDiscriminant(ch.Map)
	p.logger.Warn("unknown discriminant", zap.Stringer("channel", ch), zap.Uint64("value", value))
}

func lockTransition(h bpf.HandlerID) (metrics.LockTransition, bool) {
	switch h {
	case bpf.HandleLockEnter:
		return metrics.LockEnter, true
	case bpf.HandleLockLocked:
		return metrics.LockLocked, true
	case bpf.HandleLockTryLocked:
		return metrics.LockTryLocked, true
	case bpf.HandleLockUnlocked:
		return metrics.LockUnlocked, true
	default:
		return 0, false
	}
}

func mismatch(ch bpf.Channel, ev bpf.Event) error {
	return fmt.Errorf("handler %d on %s cannot take %s", ch.Handler, ch, ev.Kind())
}
