package bpf

import (
	"fmt"
	"slices"
)

// Probe groups. A group is enabled or disabled as a whole.
const (
	GroupP2P        = "p2p"
	GroupValidation = "validation"
	GroupUTXOCache  = "utxocache"
	GroupSync       = "sync"
	GroupMempool    = "mempool"
)

// Groups lists every probe group.
var Groups = []string{GroupP2P, GroupValidation, GroupUTXOCache, GroupSync, GroupMempool}

// DefaultGroups are the groups an unpatched node exposes. The sync group
// needs a node built with lock tracepoints.
var DefaultGroups = []string{GroupP2P, GroupValidation, GroupUTXOCache, GroupMempool}

// HandlerID selects the aggregation a channel's records feed.
type HandlerID uint8

// Handlers.
const (
	HandleP2PInbound HandlerID = iota
	HandleP2POutbound
	HandleBlockConnected
	HandleUTXOCacheEvent
	HandleUTXOCacheFlush
	HandleLockEnter
	HandleLockLocked
	HandleLockTryLocked
	HandleLockUnlocked
	HandleMempoolAdded
	HandleMempoolRemoved
	HandleMempoolRejected
	HandleMempoolReplaced
)

// Probe is one USDT instrumentation point and the program hooked to it.
type Probe struct {
	Provider string
	Name     string
	Program  string // program name in the compiled object
	Channel  string // perf map the program submits to
	Group    string
}

func (p Probe) String() string {
	return p.Provider + ":" + p.Name
}

// Channel binds a perf map to one record kind and one handler.
type Channel struct {
	Map     string
	Kind    Kind
	Handler HandlerID
	Group   string
}

func (c Channel) String() string {
	return c.Map
}

// Probes is the full instrumentation-point set.
var Probes = []Probe{
	{Provider: "net", Name: "inbound_message", Program: "trace_inbound_message", Channel: "inbound_messages", Group: GroupP2P},
	{Provider: "net", Name: "outbound_message", Program: "trace_outbound_message", Channel: "outbound_messages", Group: GroupP2P},

	{Provider: "validation", Name: "block_connected", Program: "trace_block_connected", Channel: "perf_block_connected", Group: GroupValidation},

	{Provider: "utxocache", Name: "add", Program: "trace_utxocache_add", Channel: "perf_utxocache_events", Group: GroupUTXOCache},
	{Provider: "utxocache", Name: "spent", Program: "trace_utxocache_spent", Channel: "perf_utxocache_events", Group: GroupUTXOCache},
	{Provider: "utxocache", Name: "uncache", Program: "trace_utxocache_uncache", Channel: "perf_utxocache_events", Group: GroupUTXOCache},
	{Provider: "utxocache", Name: "flush", Program: "trace_utxocache_flush", Channel: "perf_utxocache_flushes", Group: GroupUTXOCache},

	{Provider: "sync", Name: "enter", Program: "trace_sync_enter", Channel: "sync_enter", Group: GroupSync},
	{Provider: "sync", Name: "locked", Program: "trace_sync_locked", Channel: "sync_locked", Group: GroupSync},
	{Provider: "sync", Name: "try_locked", Program: "trace_sync_try_locked", Channel: "sync_try_locked", Group: GroupSync},
	{Provider: "sync", Name: "unlocked", Program: "trace_sync_unlocked", Channel: "sync_unlocked", Group: GroupSync},

	{Provider: "mempool", Name: "added", Program: "trace_mempool_added", Channel: "mempool_added_events", Group: GroupMempool},
	{Provider: "mempool", Name: "removed", Program: "trace_mempool_removed", Channel: "mempool_removed_events", Group: GroupMempool},
	{Provider: "mempool", Name: "rejected", Program: "trace_mempool_rejected", Channel: "mempool_rejected_events", Group: GroupMempool},
	{Provider: "mempool", Name: "replaced", Program: "trace_mempool_replaced", Channel: "mempool_replaced_events", Group: GroupMempool},
}

// Channels is the channel set in polling order.
var Channels = []Channel{
	{Map: "inbound_messages", Kind: KindNetworkMessage, Handler: HandleP2PInbound, Group: GroupP2P},
	{Map: "outbound_messages", Kind: KindNetworkMessage, Handler: HandleP2POutbound, Group: GroupP2P},
	{Map: "perf_block_connected", Kind: KindBlockConnected, Handler: HandleBlockConnected, Group: GroupValidation},
	{Map: "perf_utxocache_events", Kind: KindCacheMutation, Handler: HandleUTXOCacheEvent, Group: GroupUTXOCache},
	{Map: "perf_utxocache_flushes", Kind: KindCacheFlush, Handler: HandleUTXOCacheFlush, Group: GroupUTXOCache},
	{Map: "sync_enter", Kind: KindLock, Handler: HandleLockEnter, Group: GroupSync},
	{Map: "sync_locked", Kind: KindLock, Handler: HandleLockLocked, Group: GroupSync},
	{Map: "sync_try_locked", Kind: KindLock, Handler: HandleLockTryLocked, Group: GroupSync},
	{Map: "sync_unlocked", Kind: KindLock, Handler: HandleLockUnlocked, Group: GroupSync},
	{Map: "mempool_added_events", Kind: KindMempoolAdded, Handler: HandleMempoolAdded, Group: GroupMempool},
	{Map: "mempool_removed_events", Kind: KindMempoolRemoved, Handler: HandleMempoolRemoved, Group: GroupMempool},
	{Map: "mempool_rejected_events", Kind: KindMempoolRejected, Handler: HandleMempoolRejected, Group: GroupMempool},
	{Map: "mempool_replaced_events", Kind: KindMempoolReplaced, Handler: HandleMempoolReplaced, Group: GroupMempool},
}

// Select returns the probes and channels belonging to groups, in table order.
func Select(groups []string) ([]Probe, []Channel, error) {
	for _, g := range groups {
		if !slices.Contains(Groups, g) {
			return nil, nil, fmt.Errorf("unknown probe group %q", g)
		}
	}

	var probes []Probe
	for _, p := range Probes {
		if slices.Contains(groups, p.Group) {
			probes = append(probes, p)
		}
	}

	var channels []Channel
	for _, c := range Channels {
		if slices.Contains(groups, c.Group) {
			channels = append(channels, c)
		}
	}

	return probes, channels, nil
}

// ChannelsFor returns the channels fed by at least one of probes, in table
// order.
func ChannelsFor(probes []Probe) []Channel {
	var channels []Channel
	for _, c := range Channels {
		if slices.ContainsFunc(probes, func(p Probe) bool { return p.Channel == c.Map }) {
			channels = append(channels, c)
		}
	}
	return channels
}
