// Package delivery is the root of the reliable-delivery library. It provides
// context tracking helpers (logger, tracer, and correlation id propagation)
// and the App/Launcher runner used to host the background sweeps.
//
// The delivery pipeline is built from the subpackages:
//
//   - outbox: durable write-ahead store of outbound messages and the
//     dispatcher that sweeps pending entries to the transport.
//   - poison: the retry orchestrator that re-evaluates messages surfaced on a
//     retry/poison queue and resolves each to success, retry, or dead-letter.
//   - retry: the pure retry decision and delay strategy.
//   - idempotency: the content-hash duplicate-suppression guard.
//   - queue: the abstract message transport and delivery sink collaborators.
//
// Delivery semantics are at-least-once; consumers must be idempotent.
package delivery
