// Package outbox implements the transactional outbox for reliable message
// delivery: a durable write-ahead store of delivery intents and a periodic
// dispatcher that moves pending entries to the message transport.
//
// Entries follow a strict lifecycle: Pending entries become Dispatched on a
// successful send or Failed on a transport error; Failed entries become
// retry-eligible once their backoff delay elapses, and Abandoned once the
// retry budget is exhausted. All mutations go through the Store with
// optimistic concurrency so concurrent dispatcher instances surface lost
// races as conflicts instead of silent overwrites.
package outbox
