package metrics

import (
	"strconv"

	"github.com/mrzor/bitcoind-observer/internal/bpf"
)

// P2PLabels partitions P2P message metrics. Both values are bounded strings,
// so cardinality is bounded by the producer's field capacity.
type P2PLabels struct {
	MsgType        string
	ConnectionType string
}

// P2PLabelsOf derives the label tuple of a message.
func P2PLabelsOf(m bpf.NetworkMessage) P2PLabels {
	return P2PLabels{MsgType: m.MsgType, ConnectionType: m.PeerConnType}
}

// FlushLabels partitions UTXO cache flush metrics. Unknown modes share the
// "unknown" bucket.
type FlushLabels struct {
	Mode     bpf.FlushMode
	ForPrune bool
}

// FlushLabelsOf derives the label tuple of a flush.
func FlushLabelsOf(f bpf.CacheFlush) FlushLabels {
	return FlushLabels{Mode: f.Mode, ForPrune: f.ForPrune}
}

func (l FlushLabels) mode() string     { return l.Mode.String() }
func (l FlushLabels) forPrune() string { return strconv.FormatBool(l.ForPrune) }

// LockTransition is the lock state change a sync record reports.
type LockTransition uint8

// Lock transitions.
const (
	LockEnter LockTransition = iota
	LockLocked
	LockTryLocked
	LockUnlocked
)

var lockTransitionNames = [...]string{"enter", "locked", "try_locked", "unlocked"}

func (t LockTransition) String() string {
	if int(t) < len(lockTransitionNames) {
		return lockTransitionNames[t]
	}
	return "unknown"
}

// ObserveRecord counts a record received on channel, decoded or not.
func (r *Registry) ObserveRecord(channel string) {
	r.records.WithLabelValues(channel).Inc()
}

// ObserveDecodeError counts a record dropped by the decoder.
func (r *Registry) ObserveDecodeError(channel string) {
	r.decodeErrors.WithLabelValues(channel).Inc()
}

// ObserveLostSamples adds kernel-side drops reported for channel.
func (r *Registry) ObserveLostSamples(channel string, n uint64) {
	r.lostSamples.WithLabelValues(channel).Add(float64(n))
}

// ObserveUnknownDiscriminant counts a record whose enum value is not known.
func (r *Registry) ObserveUnknownDiscriminant(channel string) {
	r.unknownDiscriminants.WithLabelValues(channel).Inc()
}

// ObserveFiltered counts a record dropped by a filter expression.
func (r *Registry) ObserveFiltered(channel string) {
	r.filtered.WithLabelValues(channel).Inc()
}

// ObserveP2PInbound aggregates an inbound message.
func (r *Registry) ObserveP2PInbound(m bpf.NetworkMessage) {
	l := P2PLabelsOf(m)
	r.p2pInboundCount.WithLabelValues(l.MsgType, l.ConnectionType).Inc()
	r.p2pInboundBytes.WithLabelValues(l.MsgType, l.ConnectionType).Add(float64(m.MsgSize))
}

// ObserveP2POutbound aggregates an outbound message.
func (r *Registry) ObserveP2POutbound(m bpf.NetworkMessage) {
	l := P2PLabelsOf(m)
	r.p2pOutboundCount.WithLabelValues(l.MsgType, l.ConnectionType).Inc()
	r.p2pOutboundBytes.WithLabelValues(l.MsgType, l.ConnectionType).Add(float64(m.MsgSize))
}

// ObserveBlockConnected aggregates a connected block. The height gauge
// follows the last block seen; everything else accumulates.
func (r *Registry) ObserveBlockConnected(b bpf.BlockConnected) {
	r.blockHeightLast.Set(float64(b.Height))
	r.blockCount.Inc()
	r.blockTxCount.Add(float64(b.Transactions))
	if b.Inputs > 0 {
		r.blockInputCount.Add(float64(b.Inputs))
	}
	r.blockSigopsCount.Add(float64(b.Sigops))
	r.blockTiming.Add(float64(b.ConnectionTime))
}

// ObserveUTXOCacheEvent aggregates a cache mutation. It reports false, and
// updates nothing, when the mutation kind is unknown.
func (r *Registry) ObserveUTXOCacheEvent(e bpf.CacheMutation) bool {
	switch e.Event {
	case bpf.CacheAdd:
		r.utxoAdd.Inc()
	case bpf.CacheSpent:
		r.utxoSpent.Inc()
	case bpf.CacheUncache:
		r.utxoUncache.Inc()
	default:
		return false
	}
	return true
}

// ObserveUTXOCacheFlush aggregates a cache flush.
func (r *Registry) ObserveUTXOCacheFlush(f bpf.CacheFlush) {
	l := FlushLabelsOf(f)
	mode, forPrune := l.mode(), l.forPrune()
	r.utxoFlush.WithLabelValues(mode, forPrune).Inc()
	r.utxoFlushDuration.WithLabelValues(mode, forPrune).Add(float64(f.Duration))
	r.utxoFlushCoins.WithLabelValues(mode, forPrune).Add(float64(f.CoinsCount))
	r.utxoFlushMemUsage.WithLabelValues(mode, forPrune).Add(float64(f.CoinsMemUsage))
}

// ObserveLock aggregates a lock state transition.
func (r *Registry) ObserveLock(t LockTransition, l bpf.Lock) {
	r.lockTransitions.WithLabelValues(t.String(), l.LockName).Inc()
}

// ObserveMempoolAdded aggregates a mempool addition.
func (r *Registry) ObserveMempoolAdded(e bpf.MempoolAdded) {
	r.mempoolAddedCount.Inc()
	r.mempoolAddedVsize.Add(float64(e.Vsize))
	r.addFee(r.mempoolAddedFee, e.Fee, "added")
}

// ObserveMempoolRemoved aggregates a mempool removal.
func (r *Registry) ObserveMempoolRemoved(e bpf.MempoolRemoved) {
	r.mempoolRemovedCount.WithLabelValues(e.Reason).Inc()
	r.mempoolRemovedVsize.WithLabelValues(e.Reason).Add(float64(e.Vsize))
	r.addFee(r.mempoolRemovedFee.WithLabelValues(e.Reason), e.Fee, "removed")
}

// ObserveMempoolRejected aggregates a mempool rejection.
func (r *Registry) ObserveMempoolRejected(e bpf.MempoolRejected) {
	r.mempoolRejectedCount.WithLabelValues(e.Reason).Inc()
}

// ObserveMempoolReplaced aggregates a replacement.
func (r *Registry) ObserveMempoolReplaced(bpf.MempoolReplaced) {
	r.mempoolReplacedCount.Inc()
}

// Counters panic on negative deltas; negative fees are tallied separately.
func (r *Registry) addFee(c interface{ Add(float64) }, fee int64, event string) {
	if fee < 0 {
		r.mempoolNegativeFee.WithLabelValues(event).Inc()
		return
	}
	c.Add(float64(fee))
}
