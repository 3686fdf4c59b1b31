// Package filter drops decoded records before they reach the aggregator.
//
// A rule pairs a record kind with a boolean expression written in the expr
// language. The expression sees the decoded event's fields by name:
//
//	network_message=MsgType != "ping"
//	mempool_removed=Reason in ["expiry", "sizelimit"]
//	cache_flush=Mode.String() != "periodic" || ForPrune
//	cache_mutation=Event.Raw() == 1
//
// Enumerated fields (cache_mutation's Event, cache_flush's Mode) are matched
// through their String, Raw and Known methods.
//
// Rules are compiled once at startup against the event type, so a typo in a
// field name fails there rather than on the first record. A record is kept
// only when every rule for its kind evaluates to true. Kinds without rules are
// always kept.
package filter
