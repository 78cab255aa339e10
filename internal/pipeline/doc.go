// Package pipeline is the single entry point for remote data.
//
// Fetch checks a TTL cache, then queues the request. Requests queued within
// one batch window are grouped by endpoint and sent together when the
// transport supports it. Identical requests (same cache key) that are
// queued or in flight share one network call. Retryable failures back off
// exponentially and go back to the front of the queue; terminal failures
// reject every waiter.
//
// A successful response is run through the transformer registered for its
// data type, cached, published to subscribers of that data type, and only
// then handed to the waiting futures. Streamed messages (package stream)
// enter through the same Transform and Publish calls, so subscribers cannot
// tell the two sources apart except by Meta.Source.
//
// Unlike the state store, a Pipeline is safe for concurrent use. Network
// calls run on their own goroutines; WithExecutor moves publication and
// future resolution onto the goroutine that owns the state store.
package pipeline
