// Package admission implements the adaptive admission queue: a bounded,
// time-sliced scheduler that spaces dispatches so that a pool of N instances
// together approach a target rate.
//
// Every accepted request gets a scheduled start time one pacing interval
// after the request queued before it, where
//
//	pacing interval = live instances * base window / target rate
//
// and a timer hands it to the downstream Processor at that time. Requests
// arriving while the queue is full are rejected with ErrRejected; nothing
// already admitted is dropped or reordered.
package admission
