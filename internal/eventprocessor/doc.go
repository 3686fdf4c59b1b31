// Package eventprocessor decodes raw records and routes the typed events to
// the metric aggregator.
//
// Architecture:
//
//	┌─────────────────────────────────────────┐
//	│   eventstream.Multiplexer               │  ← one goroutine, fixed order
//	└─────────────────┬───────────────────────┘
//	                  │ (channel, raw bytes)
//	                  ▼
//	┌─────────────────────────────────────────┐
//	│   eventprocessor                        │
//	│   - Decodes by channel kind             │
//	│   - Applies filter rules                │
//	│   - Routes by channel handler           │
//	└─────────┬───────────────────────────────┘
//	          │
//	          ├──→ NetworkMessage ──→ p2p inbound/outbound counters
//	          ├──→ BlockConnected ──→ validation counters, height gauge
//	          ├──→ CacheMutation ───→ utxocache add/spent/uncache
//	          ├──→ CacheFlush ──────→ utxocache flush counters
//	          ├──→ Lock ────────────→ sync transition counters
//	          └──→ Mempool* ────────→ mempool counters
//
// Failures never leave HandleRecord: truncated records and unknown enum
// values are logged, counted under the runtime subsystem and dropped.
package eventprocessor
