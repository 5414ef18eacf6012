// Package log defines the structured logging contract used by the delivery
// library. It carries no backend of its own; see the zap package for the
// production implementation and NewNop for tests.
package log
