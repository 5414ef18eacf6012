// Package cron parses cron schedules and runs jobs on them.
//
// Parse accepts standard 5-field expressions (wildcards, ranges, steps,
// lists) plus @descriptors including "@every <duration>" for fixed,
// sub-minute intervals. Runner drives RunOnce-style jobs on a schedule with
// per-invocation panic isolation, so periodic outbox and retry sweeps can be
// scheduled without each component owning its own timer loop.
package cron
