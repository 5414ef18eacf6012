// Package poison implements the retry orchestrator for messages that failed
// downstream delivery. Failed messages surface on a retry queue as envelopes
// carrying their own retry count; each sweep leases a bounded batch,
// re-evaluates every message against the retry strategy, and resolves it to
// exactly one of delete, requeue-with-delay, or dead-letter.
//
// The conservative default for anything unexpected is dead-letter: malformed
// envelopes, exhausted budgets, and panics all end there rather than in an
// infinite reprocessing loop.
package poison
