// Package metrics aggregates decoded records into Prometheus counters and
// gauges.
//
// A Registry is built once at startup and handed to whoever produces updates.
// Updates come from the single polling goroutine; scrapes read the same
// collectors concurrently. client_golang counters and gauges are atomic, so
// neither side takes a lock.
package metrics

import (
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
)

// DefaultNamespace prefixes every metric name.
const DefaultNamespace = "bitcoindobserver"

// Subsystems.
const (
	SubsystemRuntime    = "runtime"
	SubsystemP2P        = "p2p"
	SubsystemValidation = "validation"
	SubsystemUTXOCache  = "utxocache"
	SubsystemSync       = "sync"
	SubsystemMempool    = "mempool"
)

// Label keys.
const (
	LabelChannel           = "channel"
	LabelP2PMsgType        = "msg_type"
	LabelP2PConnectionType = "connection_type"
	LabelFlushMode         = "flush_mode"
	LabelFlushForPrune     = "for_prune"
	LabelLockTransition    = "transition"
	LabelLockName          = "lock_name"
	LabelReason            = "reason"
	LabelEvent             = "event"
)

// Registry owns every collector the observer exports.
type Registry struct {
	reg *prometheus.Registry

	// runtime
	startTimestamp       prometheus.Gauge
	probesAttached       prometheus.Gauge
	records              *prometheus.CounterVec
	decodeErrors         *prometheus.CounterVec
	lostSamples          *prometheus.CounterVec
	unknownDiscriminants *prometheus.CounterVec
	filtered             *prometheus.CounterVec

	// p2p
	p2pInboundCount  *prometheus.CounterVec
	p2pInboundBytes  *prometheus.CounterVec
	p2pOutboundCount *prometheus.CounterVec
	p2pOutboundBytes *prometheus.CounterVec

	// validation
	blockHeightLast  prometheus.Gauge
	blockCount       prometheus.Counter
	blockTxCount     prometheus.Counter
	blockInputCount  prometheus.Counter
	blockSigopsCount prometheus.Counter
	blockTiming      prometheus.Counter

	// utxocache
	utxoAdd           prometheus.Counter
	utxoSpent         prometheus.Counter
	utxoUncache       prometheus.Counter
	utxoFlush         *prometheus.CounterVec
	utxoFlushDuration *prometheus.CounterVec
	utxoFlushCoins    *prometheus.CounterVec
	utxoFlushMemUsage *prometheus.CounterVec

	// sync
	lockTransitions *prometheus.CounterVec

	// mempool
	mempoolAddedCount    prometheus.Counter
	mempoolAddedVsize    prometheus.Counter
	mempoolAddedFee      prometheus.Counter
	mempoolRemovedCount  *prometheus.CounterVec
	mempoolRemovedVsize  *prometheus.CounterVec
	mempoolRemovedFee    *prometheus.CounterVec
	mempoolRejectedCount *prometheus.CounterVec
	mempoolReplacedCount prometheus.Counter
	mempoolNegativeFee   *prometheus.CounterVec
}

// Option configures a Registry.
type Option func(*options)

type options struct {
	namespace        string
	runtimeCollector bool
}

// WithNamespace overrides DefaultNamespace.
func WithNamespace(ns string) Option {
	return func(o *options) { o.namespace = ns }
}

// WithoutRuntimeCollectors skips the Go and process collectors. Tests use it
// to keep gathered output limited to observer metrics.
func WithoutRuntimeCollectors() Option {
	return func(o *options) { o.runtimeCollector = false }
}

// NewRegistry creates a Registry with every collector registered.
func NewRegistry(opts ...Option) *Registry {
	o := options{namespace: DefaultNamespace, runtimeCollector: true}
	for _, opt := range opts {
		opt(&o)
	}

	f := factory{ns: o.namespace}
	r := &Registry{reg: prometheus.NewRegistry()}

	r.startTimestamp = f.gauge(SubsystemRuntime, "start_timestamp", "UNIX epoch timestamp of bitcoind-observer start.")
	r.probesAttached = f.gauge(SubsystemRuntime, "probes_attached", "Number of USDT probe sites attached.")
	r.records = f.counterVec(SubsystemRuntime, "records_count", "Records received per channel.", LabelChannel)
	r.decodeErrors = f.counterVec(SubsystemRuntime, "decode_errors_count", "Records dropped because they could not be decoded.", LabelChannel)
	r.lostSamples = f.counterVec(SubsystemRuntime, "lost_samples_count", "Samples the kernel dropped before they reached the observer.", LabelChannel)
	r.unknownDiscriminants = f.counterVec(SubsystemRuntime, "unknown_discriminant_count", "Records carrying an enum value outside the known domain.", LabelChannel)
	r.filtered = f.counterVec(SubsystemRuntime, "records_filtered_count", "Records dropped by a filter expression.", LabelChannel)

	p2pLabels := []string{LabelP2PMsgType, LabelP2PConnectionType}
	r.p2pInboundCount = f.counterVec(SubsystemP2P, "message_inbound_count", "Number of inbound P2P network messages received.", p2pLabels...)
	r.p2pInboundBytes = f.counterVec(SubsystemP2P, "message_inbound_bytes", "Number of inbound P2P network messages bytes received.", p2pLabels...)
	r.p2pOutboundCount = f.counterVec(SubsystemP2P, "message_outbound_count", "Number of outbound P2P network messages sent.", p2pLabels...)
	r.p2pOutboundBytes = f.counterVec(SubsystemP2P, "message_outbound_bytes", "Number of outbound P2P network messages bytes sent.", p2pLabels...)

	r.blockHeightLast = f.gauge(SubsystemValidation, "block_connected_height_last", "Last block height connected.")
	r.blockCount = f.counter(SubsystemValidation, "block_connected_count", "Number of connected blocks.")
	r.blockTxCount = f.counter(SubsystemValidation, "block_connected_transaction_count", "Number of transactions in the connected blocks.")
	r.blockInputCount = f.counter(SubsystemValidation, "block_connected_input_count", "Number of inputs in the connected blocks.")
	r.blockSigopsCount = f.counter(SubsystemValidation, "block_connected_sigops_count", "Number of sigops in the connected blocks.")
	r.blockTiming = f.counter(SubsystemValidation, "block_connected_timing", "Time block connection took in microseconds (µs).")

	flushLabels := []string{LabelFlushMode, LabelFlushForPrune}
	r.utxoAdd = f.counter(SubsystemUTXOCache, "add", "Additions to the UTXO set cache.")
	r.utxoSpent = f.counter(SubsystemUTXOCache, "spent", "Spents from the UTXO set cache.")
	r.utxoUncache = f.counter(SubsystemUTXOCache, "uncache", "Uncaches from the UTXO set cache.")
	r.utxoFlush = f.counterVec(SubsystemUTXOCache, "flush", "UTXO set cache flushes.", flushLabels...)
	r.utxoFlushDuration = f.counterVec(SubsystemUTXOCache, "flush_duration", "Total UTXO set cache flush duration in microseconds (µs).", flushLabels...)
	r.utxoFlushCoins = f.counterVec(SubsystemUTXOCache, "flush_coins_count", "Total UTXO set cache coins flushed.", flushLabels...)
	r.utxoFlushMemUsage = f.counterVec(SubsystemUTXOCache, "flush_coins_memusage", "Total UTXO set cache memory flushed in bytes.", flushLabels...)

	r.lockTransitions = f.counterVec(SubsystemSync, "lock_transition_count", "Lock state transitions.", LabelLockTransition, LabelLockName)

	r.mempoolAddedCount = f.counter(SubsystemMempool, "added_count", "Transactions added to the mempool.")
	r.mempoolAddedVsize = f.counter(SubsystemMempool, "added_vsize", "Total virtual size of transactions added to the mempool.")
	r.mempoolAddedFee = f.counter(SubsystemMempool, "added_fee", "Total fee in sat of transactions added to the mempool.")
	r.mempoolRemovedCount = f.counterVec(SubsystemMempool, "removed_count", "Transactions removed from the mempool.", LabelReason)
	r.mempoolRemovedVsize = f.counterVec(SubsystemMempool, "removed_vsize", "Total virtual size of transactions removed from the mempool.", LabelReason)
	r.mempoolRemovedFee = f.counterVec(SubsystemMempool, "removed_fee", "Total fee in sat of transactions removed from the mempool.", LabelReason)
	r.mempoolRejectedCount = f.counterVec(SubsystemMempool, "rejected_count", "Transactions rejected by the mempool.", LabelReason)
	r.mempoolReplacedCount = f.counter(SubsystemMempool, "replaced_count", "Transactions replaced in the mempool.")
	r.mempoolNegativeFee = f.counterVec(SubsystemMempool, "negative_fee_count", "Mempool events reporting a negative fee; their fee is not added to fee totals.", LabelEvent)

	r.reg.MustRegister(f.collectors...)
	if o.runtimeCollector {
		r.reg.MustRegister(
			collectors.NewGoCollector(),
			collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
		)
	}

	return r
}

// Gatherer returns the registry for exposition.
func (r *Registry) Gatherer() prometheus.Gatherer {
	return r.reg
}

// SetStartTimestamp records process start.
func (r *Registry) SetStartTimestamp(t time.Time) {
	r.startTimestamp.Set(float64(t.Unix()))
}

// SetProbesAttached records how many probe sites are live.
func (r *Registry) SetProbesAttached(n int) {
	r.probesAttached.Set(float64(n))
}

type factory struct {
	ns         string
	collectors []prometheus.Collector
}

func (f *factory) counter(subsystem, name, help string) prometheus.Counter {
	c := prometheus.NewCounter(prometheus.CounterOpts{
		Namespace: f.ns,
		Subsystem: subsystem,
		Name:      name,
		Help:      help,
	})
	f.collectors = append(f.collectors, c)
	return c
}

func (f *factory) counterVec(subsystem, name, help string, labels ...string) *prometheus.CounterVec {
	c := prometheus.NewCounterVec(prometheus.CounterOpts{
		Namespace: f.ns,
		Subsystem: subsystem,
		Name:      name,
		Help:      help,
	}, labels)
	f.collectors = append(f.collectors, c)
	return c
}

func (f *factory) gauge(subsystem, name, help string) prometheus.Gauge {
	g := prometheus.NewGauge(prometheus.GaugeOpts{
		Namespace: f.ns,
		Subsystem: subsystem,
		Name:      name,
		Help:      help,
	})
	f.collectors = append(f.collectors, g)
	return g
}
