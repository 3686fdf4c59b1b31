// Package bpf describes the contract with the externally compiled probe
// programs: the instrumentation points they hook, the perf channels they
// write to, and the byte layout of every record they emit.
package bpf

import "fmt"

// LayoutVersion identifies the record layouts below. Any change to field
// order, width or string capacity on the producing side must bump it.
const LayoutVersion = 1

// String capacities, in bytes, of the bounded text fields.
const (
	// Tor v3 addresses are 62 chars plus 6 for the port (":12345").
	MaxPeerAddrLength      = 62 + 6
	MaxPeerConnTypeLength  = 20
	MaxMsgTypeLength       = 20
	MaxLockNameLength      = 16
	MaxFileNameLength      = 32
	MaxRemovalReasonLength = 9
	MaxRejectReasonLength  = 118
)

// Kind identifies one record layout.
type Kind uint8

// Record kinds.
const (
	KindNetworkMessage Kind = iota
	KindBlockConnected
	KindCacheMutation
	KindCacheFlush
	KindLock
	KindMempoolAdded
	KindMempoolRemoved
	KindMempoolRejected
	KindMempoolReplaced
)

// Kinds lists every record kind in declaration order.
var Kinds = []Kind{
	KindNetworkMessage,
	KindBlockConnected,
	KindCacheMutation,
	KindCacheFlush,
	KindLock,
	KindMempoolAdded,
	KindMempoolRemoved,
	KindMempoolRejected,
	KindMempoolReplaced,
}

var kindNames = [...]string{
	KindNetworkMessage:  "network_message",
	KindBlockConnected:  "block_connected",
	KindCacheMutation:   "cache_mutation",
	KindCacheFlush:      "cache_flush",
	KindLock:            "lock",
	KindMempoolAdded:    "mempool_added",
	KindMempoolRemoved:  "mempool_removed",
	KindMempoolRejected: "mempool_rejected",
	KindMempoolReplaced: "mempool_replaced",
}

func (k Kind) String() string {
	if int(k) < len(kindNames) {
		return kindNames[k]
	}
	return fmt.Sprintf("kind(%d)", uint8(k))
}

// ParseKind returns the kind with the given name.
func ParseKind(name string) (Kind, error) {
	for _, k := range Kinds {
		if k.String() == name {
			return k, nil
		}
	}
	return 0, fmt.Errorf("unknown record kind %q", name)
}

// Field offsets follow C natural alignment of the producer structs.
const (
	// struct p2p_message
	offP2PPeerID   = 0
	offP2PPeerAddr = 8
	offP2PConnType = offP2PPeerAddr + MaxPeerAddrLength // 76
	offP2PMsgType  = offP2PConnType + MaxPeerConnTypeLength
	offP2PMsgSize  = 120 // 116 rounded up to 8
	sizeP2PMessage = 128

	// struct block_connected
	offBlockHeight       = 0
	offBlockTransactions = 8
	offBlockInputs       = 16
	offBlockSigops       = 24
	offBlockConnTime     = 32
	sizeBlockConnected   = 40

	// struct utxo_cache_event
	offCacheEvent     = 0
	sizeCacheMutation = 1

	// struct utxo_cache_flush
	offFlushDuration = 0
	offFlushMode     = 8
	offFlushCoins    = 16
	offFlushMemUsage = 24
	offFlushForPrune = 32
	sizeCacheFlush   = 40

	// struct sync_event
	offLockMutex    = 0
	offLockName     = 8
	offLockFileName = offLockName + MaxLockNameLength // 24
	offLockLine     = 56
	sizeLock        = 64

	// struct added_event
	offAddedVsize    = 0
	offAddedFee      = 8
	sizeMempoolAdded = 16

	// struct removed_event
	offRemovedReason   = 0
	offRemovedVsize    = 16
	offRemovedFee      = 24
	sizeMempoolRemoved = 32

	// struct rejected_event
	offRejectedReason   = 0
	sizeMempoolRejected = MaxRejectReasonLength

	// struct replaced_event carries no fields.
	sizeMempoolReplaced = 0
)

var kindSizes = [...]int{
	KindNetworkMessage:  sizeP2PMessage,
	KindBlockConnected:  sizeBlockConnected,
	KindCacheMutation:   sizeCacheMutation,
	KindCacheFlush:      sizeCacheFlush,
	KindLock:            sizeLock,
	KindMempoolAdded:    sizeMempoolAdded,
	KindMempoolRemoved:  sizeMempoolRemoved,
	KindMempoolRejected: sizeMempoolRejected,
	KindMempoolReplaced: sizeMempoolReplaced,
}

// Size returns the declared record size of the kind in bytes, or -1 for an
// unknown kind.
func (k Kind) Size() int {
	if int(k) < len(kindSizes) {
		return kindSizes[k]
	}
	return -1
}

// Bounded string fields.
var (
	fieldPeerAddr       = BoundedString{Offset: offP2PPeerAddr, Capacity: MaxPeerAddrLength}
	fieldPeerConnType   = BoundedString{Offset: offP2PConnType, Capacity: MaxPeerConnTypeLength}
	fieldMsgType        = BoundedString{Offset: offP2PMsgType, Capacity: MaxMsgTypeLength}
	fieldLockName       = BoundedString{Offset: offLockName, Capacity: MaxLockNameLength}
	fieldLockFileName   = BoundedString{Offset: offLockFileName, Capacity: MaxFileNameLength}
	fieldRemovedReason  = BoundedString{Offset: offRemovedReason, Capacity: MaxRemovalReasonLength}
	fieldRejectedReason = BoundedString{Offset: offRejectedReason, Capacity: MaxRejectReasonLength}
)
