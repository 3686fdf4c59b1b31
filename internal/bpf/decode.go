package bpf

import (
	"encoding/binary"
	"errors"
	"fmt"
)

// ErrTruncated is returned when a record is shorter than its declared size.
var ErrTruncated = errors.New("record truncated")

// ErrUnknownKind is returned by Decode for a kind outside the layout table.
var ErrUnknownKind = errors.New("unknown record kind")

// DecodeError describes a record that could not be decoded.
type DecodeError struct {
	Kind Kind
	Want int
	Got  int
}

func (e *DecodeError) Error() string {
	return fmt.Sprintf("decoding %s: need %d bytes, got %d", e.Kind, e.Want, e.Got)
}

// Is makes errors.Is(err, ErrTruncated) hold for every DecodeError.
func (e *DecodeError) Is(target error) bool {
	return target == ErrTruncated
}

// Records are produced on the same host, so fields are in native byte order.
var order = binary.NativeEndian

// Decode turns a raw record into the typed event for kind. Bytes beyond the
// declared size (perf sample padding) are ignored.
func Decode(kind Kind, raw []byte) (Event, error) {
	switch kind {
	case KindNetworkMessage:
		return event(DecodeNetworkMessage(raw))
	case KindBlockConnected:
		return event(DecodeBlockConnected(raw))
	case KindCacheMutation:
		return event(DecodeCacheMutation(raw))
	case KindCacheFlush:
		return event(DecodeCacheFlush(raw))
	case KindLock:
		return event(DecodeLock(raw))
	case KindMempoolAdded:
		return event(DecodeMempoolAdded(raw))
	case KindMempoolRemoved:
		return event(DecodeMempoolRemoved(raw))
	case KindMempoolRejected:
		return event(DecodeMempoolRejected(raw))
	case KindMempoolReplaced:
		return event(DecodeMempoolReplaced(raw))
	default:
		return nil, fmt.Errorf("%w: %d", ErrUnknownKind, uint8(kind))
	}
}

func event[E Event](e E, err error) (Event, error) {
	if err != nil {
		return nil, err
	}
	return e, nil
}

func checkSize(kind Kind, raw []byte) error {
	if want := kind.Size(); len(raw) < want {
		return &DecodeError{Kind: kind, Want: want, Got: len(raw)}
	}
	return nil
}

func u64(raw []byte, off int) uint64 { return order.Uint64(raw[off : off+8]) }
func u32(raw []byte, off int) uint32 { return order.Uint32(raw[off : off+4]) }

// DecodeNetworkMessage decodes a struct p2p_message record.
func DecodeNetworkMessage(raw []byte) (NetworkMessage, error) {
	if err := checkSize(KindNetworkMessage, raw); err != nil {
		return NetworkMessage{}, err
	}
	return NetworkMessage{
		PeerID:       u64(raw, offP2PPeerID),
		PeerAddr:     fieldPeerAddr.Read(raw),
		PeerConnType: fieldPeerConnType.Read(raw),
		MsgType:      fieldMsgType.Read(raw),
		MsgSize:      u64(raw, offP2PMsgSize),
	}, nil
}

// DecodeBlockConnected decodes a struct block_connected record.
func DecodeBlockConnected(raw []byte) (BlockConnected, error) {
	if err := checkSize(KindBlockConnected, raw); err != nil {
		return BlockConnected{}, err
	}
	//nolint:gosec // int32 fields are stored as their two's complement bits
	return BlockConnected{
		Height:         int32(u32(raw, offBlockHeight)),
		Transactions:   u64(raw, offBlockTransactions),
		Inputs:         int32(u32(raw, offBlockInputs)),
		Sigops:         u64(raw, offBlockSigops),
		ConnectionTime: u64(raw, offBlockConnTime),
	}, nil
}

// DecodeCacheMutation decodes a struct utxo_cache_event record.
func DecodeCacheMutation(raw []byte) (CacheMutation, error) {
	if err := checkSize(KindCacheMutation, raw); err != nil {
		return CacheMutation{}, err
	}
	return CacheMutation{Event: CacheMutationKindFromRaw(raw[offCacheEvent])}, nil
}

// DecodeCacheFlush decodes a struct utxo_cache_flush record.
func DecodeCacheFlush(raw []byte) (CacheFlush, error) {
	if err := checkSize(KindCacheFlush, raw); err != nil {
		return CacheFlush{}, err
	}
	return CacheFlush{
		Duration:      u64(raw, offFlushDuration),
		Mode:          FlushModeFromRaw(u32(raw, offFlushMode)),
		CoinsCount:    u64(raw, offFlushCoins),
		CoinsMemUsage: u64(raw, offFlushMemUsage),
		ForPrune:      raw[offFlushForPrune] != 0,
	}, nil
}

// DecodeLock decodes a struct sync_event record.
func DecodeLock(raw []byte) (Lock, error) {
	if err := checkSize(KindLock, raw); err != nil {
		return Lock{}, err
	}
	return Lock{
		Mutex:      u64(raw, offLockMutex),
		LockName:   fieldLockName.Read(raw),
		FileName:   fieldLockFileName.Read(raw),
		LineNumber: u64(raw, offLockLine),
	}, nil
}

// DecodeMempoolAdded decodes a struct added_event record.
func DecodeMempoolAdded(raw []byte) (MempoolAdded, error) {
	if err := checkSize(KindMempoolAdded, raw); err != nil {
		return MempoolAdded{}, err
	}
	//nolint:gosec // fee is a signed 64-bit field
	return MempoolAdded{
		Vsize: u64(raw, offAddedVsize),
		Fee:   int64(u64(raw, offAddedFee)),
	}, nil
}

// DecodeMempoolRemoved decodes a struct removed_event record.
func DecodeMempoolRemoved(raw []byte) (MempoolRemoved, error) {
	if err := checkSize(KindMempoolRemoved, raw); err != nil {
		return MempoolRemoved{}, err
	}
	//nolint:gosec // fee is a signed 64-bit field
	return MempoolRemoved{
		Reason: fieldRemovedReason.Read(raw),
		Vsize:  u64(raw, offRemovedVsize),
		Fee:    int64(u64(raw, offRemovedFee)),
	}, nil
}

// DecodeMempoolRejected decodes a struct rejected_event record.
func DecodeMempoolRejected(raw []byte) (MempoolRejected, error) {
	if err := checkSize(KindMempoolRejected, raw); err != nil {
		return MempoolRejected{}, err
	}
	return MempoolRejected{Reason: fieldRejectedReason.Read(raw)}, nil
}

// DecodeMempoolReplaced accepts any record; the producer sends no fields.
func DecodeMempoolReplaced(_ []byte) (MempoolReplaced, error) {
	return MempoolReplaced{}, nil
}
