// Package timeline reconstructs the per-lane timeline of a single request:
// event buckets, summary counts, concurrency lanes, proportional positions
// and wall-clock log lines.
//
// Everything here is a pure function of the input trace. Re-running a pass
// over the same trace produces identical output.
package timeline

import "github.com/tobert/tracelanes/internal/trace"

// Buckets partitions a request's events by kind.
// Nested transaction queries stay inside their transaction.
type Buckets struct {
	Goroutines   []*trace.Goroutine
	Queries      []*trace.DBQuery
	Transactions []*trace.DBTransaction
	Calls        []*trace.RPCCall
	HTTPCalls    []*trace.HTTPCall
	Publishes    []*trace.PubSubPublish
	CacheOps     []*trace.CacheOp
	Logs         []*trace.LogMessage
}

// Classify sorts events into buckets. Unknown kinds are dropped.
func Classify(events []trace.Event) Buckets {
	var b Buckets
	for _, ev := range events {
		switch e := ev.(type) {
		case *trace.Goroutine:
			b.Goroutines = append(b.Goroutines, e)
		case *trace.DBQuery:
			b.Queries = append(b.Queries, e)
		case *trace.DBTransaction:
			b.Transactions = append(b.Transactions, e)
		case *trace.RPCCall:
			b.Calls = append(b.Calls, e)
		case *trace.HTTPCall:
			b.HTTPCalls = append(b.HTTPCalls, e)
		case *trace.PubSubPublish:
			b.Publishes = append(b.Publishes, e)
		case *trace.CacheOp:
			b.CacheOps = append(b.CacheOps, e)
		case *trace.LogMessage:
			b.Logs = append(b.Logs, e)
		}
	}
	return b
}

// QueryCount counts direct queries plus every query nested in a transaction.
func (b Buckets) QueryCount() int {
	n := len(b.Queries)
	for _, tx := range b.Transactions {
		n += len(tx.Queries)
	}
	return n
}

// IsBar reports whether an event is drawn as a positioned interval in its
// lane. Goroutine spawns, transactions and logs are not.
func IsBar(ev trace.Event) bool {
	switch ev.(type) {
	case *trace.DBQuery, *trace.RPCCall, *trace.HTTPCall, *trace.PubSubPublish, *trace.CacheOp:
		return true
	default:
		return false
	}
}
