// Package retry provides pure retry decision strategies shared by the
// outbox dispatcher and the poison queue orchestrator. Strategies carry no
// clocks, queues, or storage; they map a retry context to a boolean and a
// delay so every consumer schedules retries the same way.
package retry
