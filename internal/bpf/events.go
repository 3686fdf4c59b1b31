package bpf

import "fmt"

// Event is a decoded record. Implementations are plain values.
type Event interface {
	Kind() Kind
}

// NetworkMessage is one inbound or outbound P2P message.
type NetworkMessage struct {
	PeerID       uint64
	PeerAddr     string
	PeerConnType string
	MsgType      string
	MsgSize      uint64
}

// BlockConnected is emitted once per connected block.
type BlockConnected struct {
	Height         int32
	Transactions   uint64
	Inputs         int32
	Sigops         uint64
	ConnectionTime uint64 // µs
}

// CacheMutationKind is the UTXO cache change carried by a CacheMutation.
type CacheMutationKind struct {
	raw uint8
}

// Known cache mutation kinds.
var (
	CacheAdd     = CacheMutationKind{raw: 0}
	CacheSpent   = CacheMutationKind{raw: 1}
	CacheUncache = CacheMutationKind{raw: 2}
)

var cacheMutationNames = [...]string{"add", "spent", "uncache"}

// CacheMutationKindFromRaw maps a discriminant to its kind. Values outside the
// known domain are preserved and report Known() == false.
func CacheMutationKindFromRaw(v uint8) CacheMutationKind {
	return CacheMutationKind{raw: v}
}

// Known reports whether the discriminant is one of Add, Spent or Uncache.
func (k CacheMutationKind) Known() bool {
	return int(k.raw) < len(cacheMutationNames)
}

// Raw returns the discriminant as received.
func (k CacheMutationKind) Raw() uint8 {
	return k.raw
}

func (k CacheMutationKind) String() string {
	if k.Known() {
		return cacheMutationNames[k.raw]
	}
	return "unknown"
}

// CacheMutation records one add, spent or uncache of a UTXO cache entry.
type CacheMutation struct {
	Event CacheMutationKind
}

// FlushMode mirrors the node's FlushStateMode enum.
type FlushMode struct {
	raw uint32
}

// Known flush modes.
var (
	FlushNone     = FlushMode{raw: 0}
	FlushIfNeeded = FlushMode{raw: 1}
	FlushPeriodic = FlushMode{raw: 2}
	FlushAlways   = FlushMode{raw: 3}
)

var flushModeNames = [...]string{"none", "if_needed", "periodic", "always"}

// FlushModeFromRaw maps a discriminant to its mode. Values outside the known
// domain are preserved and report Known() == false.
func FlushModeFromRaw(v uint32) FlushMode {
	return FlushMode{raw: v}
}

// Known reports whether the mode is one of the four named modes.
func (m FlushMode) Known() bool {
	return m.raw < uint32(len(flushModeNames))
}

// Raw returns the discriminant as received.
func (m FlushMode) Raw() uint32 {
	return m.raw
}

func (m FlushMode) String() string {
	if m.Known() {
		return flushModeNames[m.raw]
	}
	return "unknown"
}

// GoString keeps the raw value visible in %#v output.
func (m FlushMode) GoString() string {
	return fmt.Sprintf("FlushMode(%d)", m.raw)
}

// CacheFlush describes one UTXO cache flush.
type CacheFlush struct {
	Duration      uint64 // µs
	Mode          FlushMode
	CoinsCount    uint64
	CoinsMemUsage uint64
	ForPrune      bool
}

// Lock is one lock state transition. The transition itself is implied by the
// channel the record arrived on.
type Lock struct {
	Mutex      uint64
	LockName   string
	FileName   string
	LineNumber uint64
}

// MempoolAdded is a transaction entering the mempool.
type MempoolAdded struct {
	Vsize uint64
	Fee   int64
}

// MempoolRemoved is a transaction leaving the mempool.
type MempoolRemoved struct {
	Reason string
	Vsize  uint64
	Fee    int64
}

// MempoolRejected is a transaction refused by the mempool.
type MempoolRejected struct {
	Reason string
}

// MempoolReplaced is a transaction replaced by another (RBF).
type MempoolReplaced struct{}

// Kind implements Event.
func (NetworkMessage) Kind() Kind { return KindNetworkMessage }

// Kind implements Event.
func (BlockConnected) Kind() Kind { return KindBlockConnected }

// Kind implements Event.
func (CacheMutation) Kind() Kind { return KindCacheMutation }

// Kind implements Event.
func (CacheFlush) Kind() Kind { return KindCacheFlush }

// Kind implements Event.
func (Lock) Kind() Kind { return KindLock }

// Kind implements Event.
func (MempoolAdded) Kind() Kind { return KindMempoolAdded }

// Kind implements Event.
func (MempoolRemoved) Kind() Kind { return KindMempoolRemoved }

// Kind implements Event.
func (MempoolRejected) Kind() Kind { return KindMempoolRejected }

// Kind implements Event.
func (MempoolReplaced) Kind() Kind { return KindMempoolReplaced }

func (m NetworkMessage) String() string {
	return fmt.Sprintf("peer %d (%s, %s): %s with %d bytes",
		m.PeerID, m.PeerAddr, m.PeerConnType, m.MsgType, m.MsgSize)
}
