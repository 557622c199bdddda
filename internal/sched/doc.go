// Package sched is the request scheduler that sits between callers and the
// downstream model endpoint.
//
// A Submit goes through, in order:
//   - the deduplication cache (a hit resolves the Future immediately)
//   - the complexity analyzer (only with complexity routing on; sets Call.Route)
//   - the batch window or the priority queue
//   - the dispatcher, which keeps at most MaxConcurrent calls in flight
//   - the retry controller on failure
//
// Lower priority numbers are served first; equal priorities leave in
// submission order. Every Future resolves exactly once.
//
// The scheduler never looks inside payloads beyond fingerprinting and scoring
// them. Executors classify their own failures with ClientError / ServerError
// or by returning errors that implement StatusCoder.
package sched
